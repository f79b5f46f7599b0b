package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/markb/pljs/internal/catalog"
	"github.com/markb/pljs/internal/engine"
	"github.com/markb/pljs/internal/types"
)

var (
	// ErrMissingArgument is returned when a declared argument has no value.
	ErrMissingArgument = errors.New("missing required argument")
	// ErrBadArguments marks a request body that cannot be bound to the arguments.
	ErrBadArguments = errors.New("bad arguments")
)

// Executor calls stored procedures on pooled sessions.
type Executor struct {
	pool *Pool
}

// NewExecutor creates an Executor drawing sessions from pool.
func NewExecutor(pool *Pool) *Executor {
	return &Executor{pool: pool}
}

// Execute calls the procedure name. args is either a JSON object keyed by argument name
// (or "$1", "$2", ...) or a JSON array of positional values.
func (e *Executor) Execute(ctx context.Context, name string, args json.RawMessage) (*ExecuteResult, error) {
	s, err := e.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer e.pool.Release(s)

	proc, err := s.Store().GetProc(ctx, name)
	if err != nil {
		return nil, err
	}
	bound, err := bindArguments(proc, args)
	if err != nil {
		return nil, err
	}

	res, err := s.Call(ctx, name, bound)
	if err != nil {
		return nil, err
	}

	rows, err := jsonRows(res)
	if err != nil {
		return nil, err
	}
	result := &ExecuteResult{}
	for _, n := range res.Notices {
		result.Notices = append(result.Notices, n.String())
	}

	switch {
	case proc.ReturnsSet:
		result.IsSet = true
		result.Data = rows
	case len(rows) == 0:
		result.Data = nil
	case res.Desc.NAttrs() == 1 && scalarReturn(ctx, s, proc):
		result.IsScalar = true
		result.Data = rows[0][res.Desc.Attrs[0].Name]
	default:
		result.Data = rows[0]
	}
	return result, nil
}

// Procs lists the procedures callable over RPC.
func (e *Executor) Procs(ctx context.Context) ([]ProcInfo, error) {
	s, err := e.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer e.pool.Release(s)

	procs, err := s.Store().ListProcs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ProcInfo, 0, len(procs))
	for _, p := range procs {
		info := ProcInfo{Name: p.Name, ReturnType: p.ReturnType, ReturnsSet: p.ReturnsSet, Volatility: p.Volatility, Args: []ArgInfo{}}
		for _, a := range p.Args {
			info.Args = append(info.Args, ArgInfo{Name: a.Name, Type: a.Type})
		}
		out = append(out, info)
	}
	return out, nil
}

func scalarReturn(ctx context.Context, s *engine.Session, proc *catalog.Proc) bool {
	t, _, err := s.ResolveType(ctx, proc.ReturnType)
	return err == nil && t.Kind == types.KindBase
}

// bindArguments orders the supplied values by the declared arguments and renders each
// one as external text. Nulls stay nil.
func bindArguments(proc *catalog.Proc, raw json.RawMessage) ([]*string, error) {
	var provided any
	if len(strings.TrimSpace(string(raw))) > 0 {
		dec := json.NewDecoder(strings.NewReader(string(raw)))
		dec.UseNumber()
		if err := dec.Decode(&provided); err != nil {
			return nil, errors.Mark(errors.Wrap(err, "invalid JSON body"), ErrBadArguments)
		}
	}

	values := make([]any, len(proc.Args))
	switch p := provided.(type) {
	case nil:
		if len(proc.Args) > 0 {
			return nil, errors.Wrapf(ErrMissingArgument, "%s", proc.Args[0].Name)
		}
	case []any:
		if len(p) != len(proc.Args) {
			return nil, errors.Mark(errors.Newf("function %s takes %d arguments, got %d", proc.Name, len(proc.Args), len(p)), ErrBadArguments)
		}
		copy(values, p)
	case map[string]any:
		for i, arg := range proc.Args {
			if v, ok := p[arg.Name]; ok && arg.Name != "" {
				values[i] = v
			} else if v, ok := p[fmt.Sprintf("$%d", i+1)]; ok {
				values[i] = v
			} else {
				return nil, errors.Wrapf(ErrMissingArgument, "%s", argLabel(arg, i))
			}
		}
	default:
		return nil, errors.Mark(errors.New("arguments must be a JSON object or array"), ErrBadArguments)
	}

	out := make([]*string, len(values))
	for i, v := range values {
		text, err := argText(v)
		if err != nil {
			return nil, err
		}
		out[i] = text
	}
	return out, nil
}

func argLabel(arg catalog.ProcArg, i int) string {
	if arg.Name != "" {
		return arg.Name
	}
	return fmt.Sprintf("$%d", i+1)
}

func argText(v any) (*string, error) {
	var s string
	switch x := v.(type) {
	case nil:
		return nil, nil
	case string:
		s = x
	case json.Number:
		s = x.String()
	case bool:
		s = "false"
		if x {
			s = "true"
		}
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return nil, err
		}
		s = string(b)
	}
	return &s, nil
}

// jsonRows renders result rows as JSON objects, keeping numbers, booleans and json
// columns typed.
func jsonRows(res *engine.Result) ([]map[string]any, error) {
	text, err := res.TextRows()
	if err != nil {
		return nil, err
	}
	rows := make([]map[string]any, 0, len(text))
	for _, cols := range text {
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			a := res.Desc.Attrs[i]
			if c == nil {
				row[a.Name] = nil
				continue
			}
			row[a.Name] = jsonValue(a.Type, *c)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func jsonValue(t *types.Type, text string) any {
	if t == nil {
		return text
	}
	switch t.Name {
	case "int2", "int4", "int8", "oid":
		return json.Number(text)
	case "float4", "float8", "numeric":
		switch text {
		case "NaN", "Infinity", "-Infinity":
			return text
		}
		return json.Number(text)
	case "bool":
		return text == "t" || text == "true"
	case "json", "jsonb":
		return json.RawMessage(text)
	}
	return text
}
