// Package pgwire serves the engine over the PostgreSQL wire protocol, so psql and other
// PostgreSQL clients can create procedures, fire triggers and call functions. Every
// client connection gets its own engine session with the language handler installed.
package pgwire

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgtype"
	wire "github.com/jeroenrinzema/psql-wire"

	"github.com/markb/pljs/internal/db"
	"github.com/markb/pljs/internal/engine"
	"github.com/markb/pljs/internal/log"
	"github.com/markb/pljs/internal/pl"
	"github.com/markb/pljs/internal/types"
)

// Config holds the pgwire server configuration.
type Config struct {
	Address  string // TCP address to listen on (e.g., ":5432")
	Password string // Password for authentication (empty = no auth)
	NoAuth   bool   // Disable authentication entirely
	Database string // Name reported by current_database()
	Logger   *slog.Logger

	Engine engine.Config
	PL     pl.Config
}

type sessionKey struct{}

// Server implements a PostgreSQL wire protocol server.
type Server struct {
	db     *db.DB
	config Config
	server *wire.Server

	mu       sync.Mutex
	sessions map[*engine.Session]struct{}
}

// NewServer creates a new PostgreSQL wire protocol server.
func NewServer(database *db.DB, cfg Config) (*Server, error) {
	if cfg.Database == "" {
		cfg.Database = "pljs"
	}
	s := &Server{
		db:       database,
		config:   cfg,
		sessions: make(map[*engine.Session]struct{}),
	}

	opts := []wire.OptionFn{
		wire.Version("pljs 0.1.0 (PostgreSQL compatible)"),
		wire.GlobalParameters(wire.Parameters{
			wire.ParamServerEncoding: "UTF8",
			wire.ParamServerVersion:  "15.0",
			"DateStyle":              "ISO, MDY",
			"TimeZone":               "UTC",
		}),
		wire.SessionMiddleware(s.openSession),
		wire.CloseConn(s.closeSession),
	}
	if cfg.Logger != nil {
		opts = append(opts, wire.Logger(cfg.Logger))
	}
	if !cfg.NoAuth && cfg.Password != "" {
		opts = append(opts, wire.SessionAuthStrategy(
			wire.ClearTextPassword(s.passwordAuth),
		))
	}

	server, err := wire.NewServer(s.handleQuery, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgwire server: %w", err)
	}
	s.server = server
	return s, nil
}

// passwordAuth validates the provided password.
func (s *Server) passwordAuth(ctx context.Context, database, username, password string) (context.Context, bool, error) {
	return ctx, password == s.config.Password, nil
}

// openSession starts the engine session of a new client connection.
func (s *Server) openSession(ctx context.Context) (context.Context, error) {
	sess, err := engine.Open(ctx, s.db, s.config.Engine)
	if err != nil {
		return ctx, err
	}
	pl.Install(sess, s.config.PL)

	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()
	log.Debug("pgwire session opened", "session", sess.ID())
	return context.WithValue(ctx, sessionKey{}, sess), nil
}

// closeSession ends the engine session when its client goes away.
func (s *Server) closeSession(ctx context.Context) error {
	sess, ok := ctx.Value(sessionKey{}).(*engine.Session)
	if !ok {
		return nil
	}
	s.mu.Lock()
	_, open := s.sessions[sess]
	delete(s.sessions, sess)
	s.mu.Unlock()
	if !open {
		return nil
	}
	return sess.Close()
}

// ListenAndServe starts the server and listens for connections.
func (s *Server) ListenAndServe() error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	return s.Serve(listener)
}

// Serve accepts connections on l.
func (s *Server) Serve(l net.Listener) error {
	log.Info("pgwire server listening", "address", l.Addr().String())
	return s.server.Serve(l)
}

// Shutdown closes the listener and every open session.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.server.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	for sess := range s.sessions {
		if cerr := sess.Close(); cerr != nil && err == nil {
			err = cerr
		}
		delete(s.sessions, sess)
	}
	return err
}

// handleQuery runs a statement on the connection's session. The statement executes
// while it is parsed, so the row description sent to the client is the real one.
func (s *Server) handleQuery(ctx context.Context, query string) (wire.PreparedStatements, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return wire.Prepared(), nil
	}
	if handler := s.catalogHandler(query); handler != nil {
		return handler, nil
	}

	sess, ok := ctx.Value(sessionKey{}).(*engine.Session)
	if !ok {
		return nil, fmt.Errorf("no session for connection")
	}
	res, err := sess.Exec(ctx, query)
	if err != nil {
		return nil, err
	}
	return resultStatement(res)
}

// resultStatement replays an engine result to the client.
func resultStatement(res *engine.Result) (wire.PreparedStatements, error) {
	var rows [][]*string
	var opts []wire.PreparedOptionFn
	if res.Desc != nil && res.Desc.NAttrs() > 0 {
		var err error
		if rows, err = res.TextRows(); err != nil {
			return nil, err
		}
		opts = append(opts, wire.WithColumns(columnsFor(res.Desc)))
	}
	tag := res.Tag
	stmt := wire.NewStatement(func(ctx context.Context, writer wire.DataWriter, params []wire.Parameter) error {
		if len(params) > 0 {
			return fmt.Errorf("bind parameters are not supported")
		}
		for _, r := range rows {
			vals := make([]any, len(r))
			for i, v := range r {
				if v != nil {
					vals[i] = *v
				}
			}
			if err := writer.Row(vals); err != nil {
				return err
			}
		}
		return writer.Complete(tag)
	}, opts...)
	return wire.Prepared(stmt), nil
}

// columnsFor describes result columns with their engine type OIDs. Row and pseudo
// typed columns go out as text.
func columnsFor(desc *engine.TupleDesc) wire.Columns {
	cols := make(wire.Columns, desc.NAttrs())
	for i, a := range desc.Attrs {
		cols[i] = wire.Column{
			Table: 0,
			Name:  a.Name,
			Oid:   ColumnOID(a.Type),
			Width: -1,
		}
	}
	return cols
}

// ColumnOID returns the OID a client sees for a column of type t.
func ColumnOID(t *types.Type) uint32 {
	if t == nil || t.Kind != types.KindBase {
		return pgtype.TextOID
	}
	return t.OID
}
