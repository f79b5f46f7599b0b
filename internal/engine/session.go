// Package engine is the SQLite backed host that procedural languages run inside. A
// Session plays the role of one backend process: it owns a pinned connection, runs every
// top-level statement in its own transaction, fires triggers, routes calls to stored
// procedures through registered language handlers, and offers the SPI primitives
// (execute, prepare, cursors) those handlers use to run queries.
package engine

import (
	"context"
	"database/sql"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/markb/pljs/internal/catalog"
	"github.com/markb/pljs/internal/db"
	"github.com/markb/pljs/internal/log"
	"github.com/markb/pljs/internal/types"
)

// Config controls a session.
type Config struct {
	// Types is the type catalog. A fresh registry is created when nil.
	Types *types.Registry
	// MaxNesting bounds the depth of nested procedure calls.
	MaxNesting int
	// NoTupleReturn disables the tuple returning call protocol, as on engines that
	// predate it.
	NoTupleReturn bool
	// OnNotice receives every notice below ERROR as it is raised.
	OnNotice func(Notice)
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{MaxNesting: 32}
}

// Result is the outcome of a top-level statement.
type Result struct {
	Tag       string
	Desc      *TupleDesc
	Rows      []*HeapTuple
	Processed int64
	Notices   []Notice
}

// TextRows renders every row as column text; nil entries are nulls.
func (r *Result) TextRows() ([][]*string, error) {
	out := make([][]*string, 0, len(r.Rows))
	for _, row := range r.Rows {
		cols := make([]*string, len(row.Values))
		for i, v := range row.Values {
			if row.Nulls[i] {
				continue
			}
			text, err := OutputText(row.Desc.Attrs[i].Type, v)
			if err != nil {
				return nil, err
			}
			cols[i] = &text
		}
		out = append(out, cols)
	}
	return out, nil
}

// Session is one client connection to the engine.
type Session struct {
	id    string
	cfg   Config
	conn  *sql.Conn
	types *types.Registry
	store *catalog.Store
	ddl   *catalog.Interceptor

	handlers  map[string]CallHandler
	relations map[string]*Relation

	mu        sync.Mutex // one top-level statement at a time
	abortErr  *AbortError
	notices   []Notice
	callDepth int
	frames    []uint64
	nextFrame uint64
	cursors   map[string]*Cursor
	savepoint int
}

// Open pins a connection from database and starts a session on it.
func Open(ctx context.Context, database *db.DB, cfg Config) (*Session, error) {
	conn, err := database.Conn(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "open session connection")
	}
	if cfg.Types == nil {
		cfg.Types = types.NewRegistry()
	}
	if cfg.MaxNesting <= 0 {
		cfg.MaxNesting = DefaultConfig().MaxNesting
	}
	store := catalog.NewStore(conn)
	s := &Session{
		id:        uuid.NewString(),
		cfg:       cfg,
		conn:      conn,
		types:     cfg.Types,
		store:     store,
		ddl:       catalog.NewInterceptor(store),
		handlers:  make(map[string]CallHandler),
		relations: make(map[string]*Relation),
		cursors:   make(map[string]*Cursor),
	}
	log.Debug("session opened", "session", s.id)
	return s, nil
}

// ID identifies the session in logs.
func (s *Session) ID() string {
	return s.id
}

// Types returns the session's type catalog.
func (s *Session) Types() *types.Registry {
	return s.types
}

// Store returns the procedure and trigger catalog, bound to the session connection.
func (s *Session) Store() *catalog.Store {
	return s.store
}

// SupportsTupleReturn reports whether calls may return rows.
func (s *Session) SupportsTupleReturn() bool {
	return !s.cfg.NoTupleReturn
}

// RegisterLanguage installs the call handler for procedures written in language.
func (s *Session) RegisterLanguage(language string, h CallHandler) {
	s.handlers[strings.ToLower(language)] = h
}

// Close releases the session connection.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCursors()
	for _, h := range s.handlers {
		if c, ok := h.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				log.Warn("closing language handler", "session", s.id, "error", err)
			}
		}
	}
	log.Debug("session closed", "session", s.id)
	return s.conn.Close()
}

// Exec runs one top-level statement in its own transaction.
func (s *Session) Exec(ctx context.Context, query string) (*Result, error) {
	query = trimSemicolon(query)
	if kind := classify(query); kind == kindTransaction {
		// Every statement already runs in its own transaction.
		return &Result{Tag: firstWord(query)}, nil
	}
	return s.topLevel(ctx, func(ctx context.Context) (*Result, error) {
		res, err := s.execute(ctx, query, nil, 0)
		if err != nil {
			return nil, err
		}
		return &Result{Tag: res.Tag, Desc: res.desc(), Rows: res.rows(), Processed: res.Processed}, nil
	})
}

// ExecScript splits script into statements and runs each one. It stops at the first
// failing statement and returns the results gathered so far with the error.
func (s *Session) ExecScript(ctx context.Context, script string) ([]*Result, error) {
	var results []*Result
	for _, stmt := range SplitStatements(script) {
		res, err := s.Exec(ctx, stmt)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// Call invokes a stored procedure by name with text arguments, as
// "SELECT * FROM name(args)" would.
func (s *Session) Call(ctx context.Context, name string, args []*string) (*Result, error) {
	return s.topLevel(ctx, func(ctx context.Context) (*Result, error) {
		proc, err := s.store.GetProc(ctx, name)
		if err != nil {
			return nil, s.raise(LevelError, err, "function %s() does not exist", name)
		}
		call := &routedCall{proc: proc, expand: true}
		for _, a := range args {
			call.args = append(call.args, callArg{text: a})
		}
		res, err := s.runRoutedCall(ctx, call, nil)
		if err != nil {
			return nil, err
		}
		return &Result{Tag: res.Tag, Desc: res.desc(), Rows: res.rows(), Processed: res.Processed}, nil
	})
}

// topLevel runs fn inside a transaction. Any error, or an abort the procedure swallowed,
// rolls the transaction back; the first abort raised is the error reported.
func (s *Session) topLevel(ctx context.Context, fn func(context.Context) (*Result, error)) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.conn.ExecContext(ctx, "BEGIN"); err != nil {
		return nil, errors.Wrap(err, "begin transaction")
	}
	s.abortErr = nil
	s.frames = s.frames[:0]

	res, err := fn(ctx)
	s.closeCursors()
	if s.abortErr != nil && (err == nil || IsAbort(err)) {
		err = s.abortErr
	}
	s.abortErr = nil
	notices := s.drainNotices()

	if err != nil {
		if _, rbErr := s.conn.ExecContext(context.Background(), "ROLLBACK"); rbErr != nil {
			log.Error("rollback failed", "session", s.id, "error", rbErr)
		}
		s.invalidateRelations()
		return nil, err
	}
	if _, err := s.conn.ExecContext(ctx, "COMMIT"); err != nil {
		s.conn.ExecContext(context.Background(), "ROLLBACK")
		return nil, errors.Wrap(err, "commit transaction")
	}
	res.Notices = notices
	return res, nil
}

// ResolveType resolves a declared type name, including the row types of tables.
func (s *Session) ResolveType(ctx context.Context, decl string) (*types.Type, int32, error) {
	name, typmod := types.ParseTypmod(decl)
	if t, ok := s.types.LookupName(name); ok {
		return t, typmod, nil
	}
	rel, err := s.OpenRelation(ctx, strings.ToLower(name))
	if err != nil {
		return nil, -1, errors.Newf("type %q does not exist", decl)
	}
	t, _ := s.types.Lookup(rel.OID)
	return t, -1, nil
}

// LookupType returns the type with the given OID.
func (s *Session) LookupType(oid OID) (*types.Type, error) {
	t, ok := s.types.Lookup(oid)
	if !ok {
		return nil, errors.Newf("cache lookup failed for type %d", oid)
	}
	return t, nil
}

// LookupProc returns the catalog entry of a procedure.
func (s *Session) LookupProc(ctx context.Context, oid OID) (*catalog.Proc, error) {
	p, err := s.store.GetProcByOID(ctx, oid)
	if err != nil {
		return nil, errors.Wrapf(err, "cache lookup failed for function %d", oid)
	}
	return p, nil
}
