package engine

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/markb/pljs/internal/catalog"
	"github.com/markb/pljs/internal/types"
)

// SPIResult is the outcome of an SPI execution.
type SPIResult struct {
	Code      int
	Processed int64
	Table     *TupleTable // rows for SELECT and RETURNING statements
	Tag       string
}

func (r *SPIResult) desc() *TupleDesc {
	if r.Table == nil {
		return nil
	}
	return r.Table.Desc
}

func (r *SPIResult) rows() []*HeapTuple {
	if r.Table == nil {
		return nil
	}
	return r.Table.Rows
}

// Param is a bound query argument.
type Param struct {
	Type  *types.Type
	Value Datum
	Null  bool
}

// Connect opens an SPI frame. Procedure calls bracket their queries with Connect and
// Finish; plans prepared without SavePlan die with the frame that prepared them.
func (s *Session) Connect() (uint64, error) {
	if len(s.frames) > s.cfg.MaxNesting {
		return 0, &SPIError{Op: "SPI_connect", Code: SPIErrorConnect}
	}
	s.nextFrame++
	s.frames = append(s.frames, s.nextFrame)
	return s.nextFrame, nil
}

// Finish closes the innermost SPI frame, which must be frame.
func (s *Session) Finish(frame uint64) error {
	n := len(s.frames)
	if n == 0 || s.frames[n-1] != frame {
		return &SPIError{Op: "SPI_finish", Code: SPIErrorUnconnected}
	}
	s.frames = s.frames[:n-1]
	for name, c := range s.cursors {
		if c.owner == frame {
			c.close()
			delete(s.cursors, name)
		}
	}
	return nil
}

func (s *Session) frameActive(frame uint64) bool {
	for _, f := range s.frames {
		if f == frame {
			return true
		}
	}
	return false
}

func (s *Session) currentFrame(op string) (uint64, error) {
	if len(s.frames) == 0 {
		return 0, &SPIError{Op: op, Code: SPIErrorUnconnected}
	}
	return s.frames[len(s.frames)-1], nil
}

// Execute runs a query string from inside a procedure. limit caps the rows returned by
// a SELECT; zero means no limit.
func (s *Session) Execute(ctx context.Context, query string, limit int64) (*SPIResult, error) {
	if _, err := s.currentFrame("SPI_exec"); err != nil {
		return nil, err
	}
	return s.execute(ctx, query, nil, limit)
}

func kindError(kind stmtKind) int {
	switch kind {
	case kindEmpty:
		return SPIErrorArgument
	case kindTransaction:
		return SPIErrorTransaction
	case kindCopy:
		return SPIErrorCopy
	case kindCursor:
		return SPIErrorCursor
	case kindUnknown:
		return SPIErrorOpUnknown
	}
	return 0
}

// execute is the one path every statement takes, whether it comes from a client, a
// procedure or a plan.
func (s *Session) execute(ctx context.Context, query string, params []Param, limit int64) (*SPIResult, error) {
	if err := s.checkAborted(); err != nil {
		return nil, err
	}
	query = trimSemicolon(query)

	tag, handled, err := s.ddl.ProcessSQL(ctx, query)
	if handled {
		if err != nil {
			return nil, s.raise(LevelError, err, "%s", err.Error())
		}
		return &SPIResult{Code: SPIOKUtility, Tag: tag}, nil
	}

	kind := classify(query)
	if code := kindError(kind); code != 0 {
		return nil, &SPIError{Op: "SPI_execute", Code: code}
	}

	switch kind {
	case kindSelect:
		call, ok, err := s.parseRoutedCall(ctx, query)
		if err != nil {
			return nil, err
		}
		if ok {
			return s.runRoutedCall(ctx, call, params)
		}
		return s.query(ctx, kind, query, params, limit)
	case kindInsert, kindUpdate, kindDelete:
		return s.modify(ctx, kind, query, params)
	}

	args, err := s.bind(params)
	if err != nil {
		return nil, err
	}
	if _, err := s.conn.ExecContext(ctx, rewriteParams(query), args...); err != nil {
		return nil, s.sqlError(err, query)
	}
	s.invalidateRelations()
	return &SPIResult{Code: SPIOKUtility, Tag: commandTag(kind, query, 0)}, nil
}

func (s *Session) bind(params []Param) ([]any, error) {
	args := make([]any, len(params))
	for i, p := range params {
		if p.Null {
			continue
		}
		v, err := s.storageValue(p.Type, p.Value)
		if err != nil {
			return nil, s.raise(LevelError, err, "could not bind parameter $%d: %s", i+1, err.Error())
		}
		args[i] = v
	}
	return args, nil
}

// query runs a statement that returns rows.
func (s *Session) query(ctx context.Context, kind stmtKind, query string, params []Param, limit int64) (*SPIResult, error) {
	args, err := s.bind(params)
	if err != nil {
		return nil, err
	}
	rows, err := s.conn.QueryContext(ctx, rewriteParams(query), args...)
	if err != nil {
		return nil, s.sqlError(err, query)
	}
	defer rows.Close()

	cols, err := rows.ColumnTypes()
	if err != nil {
		return nil, s.sqlError(err, query)
	}
	if kind != kindSelect {
		limit = 0
	}
	raw, err := scanRaw(rows, len(cols), limit)
	if err != nil {
		return nil, s.sqlError(err, query)
	}
	desc := s.describe(cols)
	tuples, err := s.convertRows(desc, raw)
	if err != nil {
		return nil, err
	}
	n := int64(len(tuples))
	return &SPIResult{
		Code:      resultCode(kind),
		Processed: n,
		Table:     &TupleTable{Desc: desc, Rows: tuples},
		Tag:       commandTag(kind, query, n),
	}, nil
}

func resultCode(kind stmtKind) int {
	switch kind {
	case kindSelect:
		return SPIOKSelect
	case kindInsert:
		return SPIOKInsert
	case kindUpdate:
		return SPIOKUpdate
	case kindDelete:
		return SPIOKDelete
	}
	return SPIOKUtility
}

// scanRaw reads up to limit rows (all when limit is zero) as SQLite values.
func scanRaw(rows *sql.Rows, ncols int, limit int64) ([][]any, error) {
	var out [][]any
	for (limit <= 0 || int64(len(out)) < limit) && rows.Next() {
		vals := make([]any, ncols)
		ptrs := make([]any, ncols)
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		out = append(out, vals)
	}
	return out, rows.Err()
}

// describe builds the row descriptor of a result from the declared column types.
// Expression and typeless columns may hold any storage class row by row, so they are
// text.
func (s *Session) describe(cols []*sql.ColumnType) *TupleDesc {
	desc := &TupleDesc{TypeOID: pgtype.RecordOID}
	for _, c := range cols {
		t, typmod := s.types.ResolveDecl(c.DatabaseTypeName())
		desc.Attrs = append(desc.Attrs, Attribute{Name: c.Name(), Type: t, TypMod: typmod})
	}
	return desc
}

func (s *Session) convertRows(desc *TupleDesc, raw [][]any) ([]*HeapTuple, error) {
	out := make([]*HeapTuple, 0, len(raw))
	for _, vals := range raw {
		t := &HeapTuple{Desc: desc, Values: make([]Datum, len(vals)), Nulls: make([]bool, len(vals))}
		for i, v := range vals {
			attr := desc.Attrs[i]
			d, null, err := s.storageDatum(attr.Type, attr.TypMod, v)
			if err != nil {
				return nil, s.raise(LevelError, err, "%s", err.Error())
			}
			t.Values[i], t.Nulls[i] = d, null
		}
		out = append(out, t)
	}
	return out, nil
}

// Plan is a prepared statement.
type Plan struct {
	ID       string
	Query    string
	ArgTypes []*types.Type

	kind  stmtKind
	saved bool
	freed bool
	owner uint64
}

// NArgs returns the number of declared arguments.
func (p *Plan) NArgs() int {
	return len(p.ArgTypes)
}

// Saved reports whether the plan outlives the frame that prepared it.
func (p *Plan) Saved() bool {
	return p.saved
}

// Prepare plans query with the given argument types. The plan belongs to the current
// SPI frame until SavePlan is called.
func (s *Session) Prepare(ctx context.Context, query string, argTypes []*types.Type) (*Plan, error) {
	frame, err := s.currentFrame("SPI_prepare")
	if err != nil {
		return nil, err
	}
	if err := s.checkAborted(); err != nil {
		return nil, err
	}
	query = trimSemicolon(query)
	kind := classify(query)
	if code := kindError(kind); code != 0 {
		return nil, &SPIError{Op: "SPI_prepare", Code: code}
	}
	if !intercepted(query) {
		routed := false
		if kind == kindSelect {
			_, routed, err = s.parseRoutedCall(ctx, query)
			if err != nil {
				return nil, err
			}
		}
		if !routed {
			stmt, err := s.conn.PrepareContext(ctx, rewriteParams(query))
			if err != nil {
				return nil, s.sqlError(err, query)
			}
			stmt.Close()
		}
	}
	return &Plan{ID: uuid.NewString(), Query: query, ArgTypes: argTypes, kind: kind, owner: frame}, nil
}

func intercepted(query string) bool {
	return catalog.IsCreateFunction(query) || catalog.IsDropFunction(query) ||
		catalog.IsCreateTrigger(query) || catalog.IsDropTrigger(query)
}

// SavePlan keeps p valid after its frame finishes.
func (s *Session) SavePlan(p *Plan) error {
	if p.freed {
		return &SPIError{Op: "SPI_saveplan", Code: SPIErrorArgument}
	}
	p.saved = true
	return nil
}

// FreePlan invalidates p.
func (s *Session) FreePlan(p *Plan) error {
	if p.freed {
		return &SPIError{Op: "SPI_freeplan", Code: SPIErrorArgument}
	}
	p.freed = true
	return nil
}

// PlanValid reports whether p may still be executed.
func (s *Session) PlanValid(p *Plan) bool {
	return !p.freed && (p.saved || s.frameActive(p.owner))
}

func (s *Session) planParams(op string, p *Plan, values []Datum, nulls []bool) ([]Param, error) {
	if _, err := s.currentFrame(op); err != nil {
		return nil, err
	}
	if !s.PlanValid(p) {
		return nil, &SPIError{Op: op, Code: SPIErrorArgument}
	}
	if len(values) != len(p.ArgTypes) || len(nulls) != len(values) {
		return nil, &SPIError{Op: op, Code: SPIErrorParam}
	}
	params := make([]Param, len(values))
	for i, v := range values {
		params[i] = Param{Type: p.ArgTypes[i], Value: v, Null: nulls[i]}
	}
	return params, nil
}

// ExecPlan runs a prepared plan with the given arguments.
func (s *Session) ExecPlan(ctx context.Context, p *Plan, values []Datum, nulls []bool, limit int64) (*SPIResult, error) {
	params, err := s.planParams("SPI_execute_plan", p, values, nulls)
	if err != nil {
		return nil, err
	}
	return s.execute(ctx, p.Query, params, limit)
}

// Cursor is an open portal over the rows of a plan.
type Cursor struct {
	Name string

	desc   *TupleDesc
	cols   []*sql.ColumnType
	rows   *sql.Rows
	buf    []*HeapTuple
	owner  uint64
	closed bool
}

// Desc returns the row descriptor of the portal.
func (c *Cursor) Desc() *TupleDesc {
	return c.desc
}

func (c *Cursor) close() {
	if c.closed {
		return
	}
	c.closed = true
	if c.rows != nil {
		c.rows.Close()
	}
	c.buf = nil
}

// CursorOpen opens a portal over a SELECT plan.
func (s *Session) CursorOpen(ctx context.Context, p *Plan, values []Datum, nulls []bool) (*Cursor, error) {
	params, err := s.planParams("SPI_cursor_open", p, values, nulls)
	if err != nil {
		return nil, err
	}
	if p.kind != kindSelect {
		return nil, &SPIError{Op: "SPI_cursor_open", Code: SPIErrorCursor}
	}
	if err := s.checkAborted(); err != nil {
		return nil, err
	}
	frame, _ := s.currentFrame("SPI_cursor_open")
	c := &Cursor{Name: fmt.Sprintf("<unnamed portal %d>", len(s.cursors)+1), owner: frame}
	for s.cursors[c.Name] != nil {
		c.Name += "'"
	}

	call, routed, err := s.parseRoutedCall(ctx, p.Query)
	if err != nil {
		return nil, err
	}
	if routed {
		res, err := s.runRoutedCall(ctx, call, params)
		if err != nil {
			return nil, err
		}
		c.desc, c.buf = res.desc(), res.rows()
	} else {
		args, err := s.bind(params)
		if err != nil {
			return nil, err
		}
		rows, err := s.conn.QueryContext(ctx, rewriteParams(p.Query), args...)
		if err != nil {
			return nil, s.sqlError(err, p.Query)
		}
		cols, err := rows.ColumnTypes()
		if err != nil {
			rows.Close()
			return nil, s.sqlError(err, p.Query)
		}
		c.rows, c.cols, c.desc = rows, cols, s.describe(cols)
	}
	s.cursors[c.Name] = c
	return c, nil
}

// CursorFetch returns up to n more rows. An empty table means the portal is exhausted.
func (s *Session) CursorFetch(ctx context.Context, c *Cursor, n int) (*TupleTable, error) {
	if c.closed || s.cursors[c.Name] != c {
		return nil, &SPIError{Op: "SPI_cursor_fetch", Code: SPIErrorCursor}
	}
	if err := s.checkAborted(); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, &SPIError{Op: "SPI_cursor_fetch", Code: SPIErrorArgument}
	}
	if c.rows == nil {
		take := min(n, len(c.buf))
		rows := c.buf[:take]
		c.buf = c.buf[take:]
		return &TupleTable{Desc: c.desc, Rows: rows}, nil
	}
	raw, err := scanRaw(c.rows, len(c.cols), int64(n))
	if err != nil {
		return nil, s.sqlError(err, "FETCH")
	}
	rows, err := s.convertRows(c.desc, raw)
	if err != nil {
		return nil, err
	}
	return &TupleTable{Desc: c.desc, Rows: rows}, nil
}

// CursorClose closes a portal. Closing twice is a no-op.
func (s *Session) CursorClose(c *Cursor) {
	c.close()
	if s.cursors[c.Name] == c {
		delete(s.cursors, c.Name)
	}
}

// OpenCursors returns the number of portals currently open.
func (s *Session) OpenCursors() int {
	return len(s.cursors)
}

func (s *Session) closeCursors() {
	for name, c := range s.cursors {
		c.close()
		delete(s.cursors, name)
	}
}
