package pl

import (
	"context"

	"github.com/markb/pljs/internal/catalog"
	"github.com/markb/pljs/internal/engine"
	"github.com/markb/pljs/internal/types"
)

// Host is the engine surface the handler runs against.
type Host interface {
	LookupProc(ctx context.Context, oid engine.OID) (*catalog.Proc, error)
	ResolveType(ctx context.Context, decl string) (*types.Type, int32, error)
	LookupType(oid engine.OID) (*types.Type, error)
	SupportsTupleReturn() bool

	Connect() (uint64, error)
	Finish(frame uint64) error
	Execute(ctx context.Context, query string, limit int64) (*engine.SPIResult, error)
	Prepare(ctx context.Context, query string, argTypes []*types.Type) (*engine.Plan, error)
	SavePlan(p *engine.Plan) error
	FreePlan(p *engine.Plan) error
	PlanValid(p *engine.Plan) bool
	ExecPlan(ctx context.Context, p *engine.Plan, values []engine.Datum, nulls []bool, limit int64) (*engine.SPIResult, error)
	CursorOpen(ctx context.Context, p *engine.Plan, values []engine.Datum, nulls []bool) (*engine.Cursor, error)
	CursorFetch(ctx context.Context, c *engine.Cursor, n int) (*engine.TupleTable, error)
	CursorClose(c *engine.Cursor)

	Input(t *types.Type, text string, typmod int32) (engine.Datum, error)
	Output(t *types.Type, v engine.Datum) (string, error)
	BuildTupleFromStrings(desc *engine.TupleDesc, values []*string) (*engine.HeapTuple, error)
	ModifyTuple(tuple *engine.HeapTuple, attnums []int, values []engine.Datum, nulls []bool) (*engine.HeapTuple, error)

	Notice(level engine.Level, msg string) error
}

var _ Host = (*engine.Session)(nil)
