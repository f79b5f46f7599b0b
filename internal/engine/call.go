package engine

import (
	"context"
	"regexp"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/markb/pljs/internal/catalog"
	"github.com/markb/pljs/internal/log"
	"github.com/markb/pljs/internal/types"
)

// Result modes of a set returning call.
const (
	SFRMValuePerCall = 1
	SFRMMaterialize  = 2
)

// ReturnSetInfo negotiates how a call returns rows.
type ReturnSetInfo struct {
	AllowedModes int        // SFRM bits the caller accepts; zero for a single row
	ExpectedDesc *TupleDesc // shape the caller expects
	ReturnMode   int        // mode the handler chose
	SetResult    *TupleStore
	SetDesc      *TupleDesc
}

// FunctionCallInfo is what a language handler receives for one call.
type FunctionCallInfo struct {
	FnOID   OID
	Args    []Datum
	ArgNull []bool
	IsNull  bool // set by the handler for a null result

	Trigger    *TriggerData   // non-nil when fired as a trigger
	ResultInfo *ReturnSetInfo // non-nil when the call returns rows
}

// CalledAsTrigger reports whether the call is a trigger firing.
func (fc *FunctionCallInfo) CalledAsTrigger() bool {
	return fc.Trigger != nil
}

// CallHandler runs procedures of one language.
type CallHandler interface {
	HandleCall(ctx context.Context, fc *FunctionCallInfo) (Datum, error)
}

// CallHandlerFunc adapts a function to CallHandler.
type CallHandlerFunc func(ctx context.Context, fc *FunctionCallInfo) (Datum, error)

func (f CallHandlerFunc) HandleCall(ctx context.Context, fc *FunctionCallInfo) (Datum, error) {
	return f(ctx, fc)
}

// callFunction dispatches to the language handler of proc. Errors returned by the
// handler are passed through unchanged.
func (s *Session) callFunction(ctx context.Context, proc *catalog.Proc, fc *FunctionCallInfo) (Datum, error) {
	h, ok := s.handlers[strings.ToLower(proc.Language)]
	if !ok {
		return nil, s.raise(LevelError, nil, "language %q does not exist", proc.Language)
	}
	if fc.Trigger == nil && strings.EqualFold(proc.ReturnType, "trigger") {
		return nil, s.raise(LevelError, nil, "trigger functions can only be called as triggers")
	}
	if fc.Trigger == nil && proc.Strict {
		for _, null := range fc.ArgNull {
			if null {
				fc.IsNull = true
				return nil, nil
			}
		}
	}
	if s.callDepth >= s.cfg.MaxNesting {
		return nil, s.raise(LevelError, nil, "stack depth limit exceeded")
	}

	s.callDepth++
	defer func() { s.callDepth-- }()
	log.Debug("calling procedure", "session", s.id, "proc", proc.Name, "oid", proc.OID, "depth", s.callDepth)
	return h.HandleCall(ctx, fc)
}

// CallDepth returns the number of procedure calls currently on the stack.
func (s *Session) CallDepth() int {
	return s.callDepth
}

type callArg struct {
	text  *string // literal text; nil is SQL NULL
	param int     // 1-based $n reference, zero for literals
}

// routedCall is "SELECT f(args)" or "SELECT * FROM f(args) [AS alias(coldefs)]" naming a
// stored procedure. Such statements are run by the language handler instead of SQLite.
type routedCall struct {
	proc    *catalog.Proc
	args    []callArg
	alias   string
	coldefs []catalog.ColumnDef
	expand  bool
}

var (
	callHead  = regexp.MustCompile(`(?is)^SELECT\s+(\*\s+FROM\s+)?([A-Za-z_][A-Za-z0-9_]*)\s*\(`)
	aliasTail = regexp.MustCompile(`(?is)^AS\s+([A-Za-z_][A-Za-z0-9_]*)?\s*(?:\((.*)\))?$`)
	numberLit = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?$`)
	paramRef  = regexp.MustCompile(`^\$(\d+)$`)
	castTail  = regexp.MustCompile(`::\s*[A-Za-z_][A-Za-z0-9_ ]*(\(\s*\d+\s*(,\s*\d+\s*)?\))?(\[\])?\s*$`)
)

// parseRoutedCall recognizes a call to a stored procedure with literal arguments.
func (s *Session) parseRoutedCall(ctx context.Context, query string) (*routedCall, bool, error) {
	m := callHead.FindStringSubmatchIndex(query)
	if m == nil {
		return nil, false, nil
	}
	open := m[1] - 1
	end := matchParen(query, open)
	if end < 0 {
		return nil, false, nil
	}
	call := &routedCall{expand: m[2] >= 0}
	if rest := strings.TrimSpace(query[end+1:]); rest != "" {
		am := aliasTail.FindStringSubmatch(rest)
		if am == nil {
			return nil, false, nil
		}
		call.alias = am[1]
		if am[2] != "" {
			if !call.expand {
				return nil, false, nil
			}
			defs, err := catalog.ParseColumnDefs(am[2])
			if err != nil {
				return nil, false, nil
			}
			call.coldefs = defs
		}
	}
	args, ok := parseCallArgs(query[open+1 : end])
	if !ok {
		return nil, false, nil
	}
	call.args = args

	proc, err := s.store.GetProc(ctx, strings.ToLower(query[m[4]:m[5]]))
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, s.sqlError(err, query)
	}
	call.proc = proc
	return call, true, nil
}

func parseCallArgs(text string) ([]callArg, bool) {
	if strings.TrimSpace(text) == "" {
		return nil, true
	}
	var out []callArg
	for _, piece := range splitTopLevel(text) {
		piece = strings.TrimSpace(piece)
		if !strings.HasSuffix(piece, "'") {
			piece = strings.TrimSpace(castTail.ReplaceAllString(piece, ""))
		} else if i := strings.LastIndex(piece, "'::"); i >= 0 {
			piece = piece[:i+1]
		}
		switch {
		case strings.EqualFold(piece, "NULL"):
			out = append(out, callArg{})
		case strings.EqualFold(piece, "TRUE"):
			out = append(out, callArg{text: ptr("t")})
		case strings.EqualFold(piece, "FALSE"):
			out = append(out, callArg{text: ptr("f")})
		case numberLit.MatchString(piece):
			out = append(out, callArg{text: ptr(piece)})
		case len(piece) >= 2 && piece[0] == '\'' && piece[len(piece)-1] == '\'' && closingQuote(piece, 0) == len(piece):
			out = append(out, callArg{text: ptr(strings.ReplaceAll(piece[1:len(piece)-1], "''", "'"))})
		default:
			pm := paramRef.FindStringSubmatch(piece)
			if pm == nil {
				return nil, false
			}
			n := 0
			for _, c := range pm[1] {
				n = n*10 + int(c-'0')
			}
			out = append(out, callArg{param: n})
		}
	}
	return out, true
}

func ptr(s string) *string {
	return &s
}

// splitTopLevel splits on commas outside quotes and parentheses.
func splitTopLevel(s string) []string {
	var parts []string
	depth, start := 0, 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\'', '"':
			i = closingQuote(s, i) - 1
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, s[start:])
}

// matchParen returns the index of the parenthesis closing the one at open, or -1.
func matchParen(s string, open int) int {
	depth := 0
	for i := open; i < len(s); i++ {
		switch s[i] {
		case '\'', '"':
			i = closingQuote(s, i) - 1
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// runRoutedCall converts the call's arguments with the procedure's argument types and
// runs it through the language handler.
func (s *Session) runRoutedCall(ctx context.Context, call *routedCall, params []Param) (*SPIResult, error) {
	proc := call.proc
	if len(call.args) != len(proc.Args) {
		return nil, s.raise(LevelError, nil, "function %s with %d arguments does not exist", proc.Name, len(call.args))
	}
	fc := &FunctionCallInfo{FnOID: proc.OID, Args: make([]Datum, len(call.args)), ArgNull: make([]bool, len(call.args))}
	for i, a := range call.args {
		t, typmod, err := s.ResolveType(ctx, proc.Args[i].Type)
		if err != nil {
			return nil, s.raise(LevelError, err, "%s", err.Error())
		}
		text := a.text
		if a.param > 0 {
			if a.param > len(params) {
				return nil, s.raise(LevelError, nil, "there is no parameter $%d", a.param)
			}
			if p := params[a.param-1]; !p.Null {
				out, err := s.Output(p.Type, p.Value)
				if err != nil {
					return nil, s.raise(LevelError, err, "%s", err.Error())
				}
				text = &out
			}
		}
		if text == nil {
			fc.ArgNull[i] = true
			continue
		}
		d, err := s.Input(t, *text, typmod)
		if err != nil {
			return nil, s.raise(LevelError, err, "%s", err.Error())
		}
		fc.Args[i] = d
	}

	retType, err := s.returnType(ctx, proc)
	if err != nil {
		return nil, err
	}
	colName := proc.Name
	if call.alias != "" && call.coldefs == nil {
		colName = call.alias
	}

	if retType.Kind != types.KindBase || proc.ReturnsSet {
		expected, err := s.resultDesc(ctx, proc, retType, call.coldefs, colName)
		if err != nil {
			return nil, err
		}
		fc.ResultInfo = &ReturnSetInfo{ExpectedDesc: expected}
		if proc.ReturnsSet {
			fc.ResultInfo.AllowedModes = SFRMMaterialize
		}
	}

	d, err := s.callFunction(ctx, proc, fc)
	if err != nil {
		return nil, err
	}

	var table *TupleTable
	switch {
	case proc.ReturnsSet:
		table = s.setResult(fc, retType, call.expand, colName)
	case call.expand && !fc.IsNull && isTuple(d):
		tup := d.(*HeapTuple)
		table = &TupleTable{Desc: tup.Desc, Rows: []*HeapTuple{tup}}
	default:
		desc := &TupleDesc{TypeOID: pgtype.RecordOID, Attrs: []Attribute{{Name: colName, Type: retType, TypMod: -1}}}
		row := &HeapTuple{Desc: desc, Values: []Datum{d}, Nulls: []bool{fc.IsNull || d == nil}}
		if row.Nulls[0] {
			row.Values[0] = nil
		}
		table = &TupleTable{Desc: desc, Rows: []*HeapTuple{row}}
	}
	n := int64(len(table.Rows))
	return &SPIResult{Code: SPIOKSelect, Processed: n, Table: table, Tag: commandTag(kindSelect, "", n)}, nil
}

func isTuple(d Datum) bool {
	_, ok := d.(*HeapTuple)
	return ok
}

func (s *Session) setResult(fc *FunctionCallInfo, retType *types.Type, expand bool, colName string) *TupleTable {
	ri := fc.ResultInfo
	desc := ri.ExpectedDesc
	if ri.SetDesc != nil {
		desc = ri.SetDesc
	}
	var rows []*HeapTuple
	if ri.ReturnMode == SFRMMaterialize && ri.SetResult != nil {
		rows = ri.SetResult.Rows
	}
	if expand || retType.Kind == types.KindBase {
		return &TupleTable{Desc: desc, Rows: rows}
	}
	wrapped := &TupleDesc{TypeOID: pgtype.RecordOID, Attrs: []Attribute{{Name: colName, Type: retType, TypMod: -1}}}
	out := make([]*HeapTuple, len(rows))
	for i, r := range rows {
		out[i] = &HeapTuple{Desc: wrapped, Values: []Datum{r}, Nulls: []bool{false}}
	}
	return &TupleTable{Desc: wrapped, Rows: out}
}

// returnType resolves the declared return type of proc. RETURNS TABLE is a record.
func (s *Session) returnType(ctx context.Context, proc *catalog.Proc) (*types.Type, error) {
	if proc.TableColumns() != nil {
		return s.LookupType(pgtype.RecordOID)
	}
	t, _, err := s.ResolveType(ctx, proc.ReturnType)
	if err != nil {
		return nil, s.raise(LevelError, err, "%s", err.Error())
	}
	return t, nil
}

// resultDesc is the row shape a call must produce.
func (s *Session) resultDesc(ctx context.Context, proc *catalog.Proc, retType *types.Type, coldefs []catalog.ColumnDef, colName string) (*TupleDesc, error) {
	if cols := proc.TableColumns(); cols != nil {
		return s.descFromDefs(ctx, cols)
	}
	switch retType.Kind {
	case types.KindComposite:
		rel, err := s.RelationByOID(ctx, retType.RelID)
		if err != nil {
			return nil, s.raise(LevelError, err, "%s", err.Error())
		}
		return rel.Desc, nil
	case types.KindPseudo:
		if retType.OID != pgtype.RecordOID {
			return nil, nil
		}
		if coldefs == nil {
			return nil, s.raise(LevelError, nil, `a column definition list is required for functions returning "record"`)
		}
		return s.descFromDefs(ctx, coldefs)
	}
	return &TupleDesc{TypeOID: pgtype.RecordOID, Attrs: []Attribute{{Name: colName, Type: retType, TypMod: -1}}}, nil
}

func (s *Session) descFromDefs(ctx context.Context, defs []catalog.ColumnDef) (*TupleDesc, error) {
	desc := &TupleDesc{TypeOID: pgtype.RecordOID}
	for _, d := range defs {
		t, typmod, err := s.ResolveType(ctx, d.Type)
		if err != nil {
			return nil, s.raise(LevelError, err, "%s", err.Error())
		}
		desc.Attrs = append(desc.Attrs, Attribute{Name: d.Name, Type: t, TypMod: typmod})
	}
	return desc, nil
}
