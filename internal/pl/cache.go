package pl

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/dop251/goja"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/markb/pljs/internal/catalog"
	"github.com/markb/pljs/internal/engine"
	"github.com/markb/pljs/internal/log"
	"github.com/markb/pljs/internal/types"
)

// procDesc is a compiled procedure with the type information its calls need. It is
// created on first use and never changes afterwards.
type procDesc struct {
	key     string
	proc    *catalog.Proc
	fn      goja.Callable
	trigger bool

	argTypes   []*types.Type
	argTypmods []int32
	argIsRel   []bool

	retType   *types.Type
	retTypmod int32
	retSet    bool
}

func procKey(oid engine.OID, trigger bool) string {
	key := "proc_" + strconv.FormatUint(uint64(oid), 10)
	if trigger {
		key += "_trigger"
	}
	return key
}

var jsIdent = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

// procedure returns the cached descriptor for oid, compiling it on first use. Entries
// are never invalidated: a replaced definition is picked up by the next session.
func (h *Handler) procedure(ctx context.Context, oid engine.OID, trigger bool) (*procDesc, error) {
	key := procKey(oid, trigger)
	if pd, ok := h.st.procs[key]; ok {
		h.obs.CacheLookup(ctx, true)
		return pd, nil
	}
	h.obs.CacheLookup(ctx, false)

	proc, err := h.host.LookupProc(ctx, oid)
	if err != nil {
		return nil, wrapApp(err, "cache lookup from pg_proc failed")
	}
	pd := &procDesc{key: key, proc: proc, trigger: trigger, retTypmod: -1}
	if !trigger {
		if err := h.describeCall(ctx, pd); err != nil {
			return nil, err
		}
	}

	src := pd.source()
	var compileErr error
	h.st.critical(func() {
		pd.fn, compileErr = h.compile(key, src)
	})
	if compileErr != nil {
		return nil, compileErr
	}
	h.st.procs[key] = pd
	log.Debug("compiled procedure", "proc", proc.Name, "key", key)
	return pd, nil
}

// describeCall resolves and validates the argument and return types of a function.
func (h *Handler) describeCall(ctx context.Context, pd *procDesc) error {
	proc := pd.proc
	var err error
	if proc.TableColumns() != nil {
		pd.retType, err = h.host.LookupType(pgtype.RecordOID)
	} else {
		pd.retType, pd.retTypmod, err = h.host.ResolveType(ctx, proc.ReturnType)
	}
	if err != nil {
		return wrapApp(err, "cache lookup for return type failed")
	}
	rt := pd.retType
	if rt.Kind == types.KindPseudo && rt.OID != pgtype.RecordOID && rt.OID != types.VoidOID {
		return appErrorf("functions cannot return type %s", rt.Name)
	}
	if (rt.Kind == types.KindComposite || rt.OID == pgtype.RecordOID) && !h.host.SupportsTupleReturn() {
		return appErrorf("return type %s: tuple returns are not supported by this engine", rt.Name)
	}
	if proc.ReturnsSet {
		if rt.Kind == types.KindPseudo && rt.OID != pgtype.RecordOID {
			return appErrorf("Invalid kind of return type")
		}
		pd.retSet = true
	}

	for _, a := range proc.Args {
		t, typmod, err := h.host.ResolveType(ctx, a.Type)
		if err != nil {
			return wrapApp(err, "cache lookup for argument type failed")
		}
		if t.Kind == types.KindPseudo {
			return appErrorf("argument can't have the type %s", t.Name)
		}
		pd.argTypes = append(pd.argTypes, t)
		pd.argTypmods = append(pd.argTypmods, typmod)
		pd.argIsRel = append(pd.argIsRel, t.Kind == types.KindComposite)
	}
	return nil
}

// source wraps the stored body into a function definition on the plproc namespace.
// Functions take the argument array, with the declared names and $1..$n bound to its
// elements; triggers take (tg_new, tg_old, args, tg).
func (pd *procDesc) source() string {
	if pd.trigger {
		return fmt.Sprintf("plproc.%s = function(tg_new, tg_old, args, tg) {\n%s\n};", pd.key, pd.proc.Source)
	}
	var binds []string
	for i, a := range pd.proc.Args {
		binds = append(binds, fmt.Sprintf("$%d = args[%d]", i+1, i))
		if a.Name != "" && a.Name != "args" && jsIdent.MatchString(a.Name) {
			binds = append(binds, fmt.Sprintf("%s = args[%d]", a.Name, i))
		}
	}
	prelude := ""
	if len(binds) > 0 {
		prelude = " var " + strings.Join(binds, ", ") + ";"
	}
	return fmt.Sprintf("plproc.%s = function(args) {%s\n%s\n};", pd.key, prelude, pd.proc.Source)
}

// compile evaluates a generated definition and returns the function it installs.
func (h *Handler) compile(key, src string) (goja.Callable, error) {
	prg, err := goja.Compile(key, src, false)
	if err == nil {
		_, err = h.vm.RunProgram(prg)
	}
	if err != nil {
		return nil, wrapApp(err, fmt.Sprintf("cannot create internal procedure\n%s\n<<===%s\n===>>", err, src))
	}
	fn, ok := goja.AssertFunction(h.plproc.Get(key))
	if !ok {
		return nil, appErrorf("cannot create internal procedure\n%s is not a function\n<<===%s\n===>>", key, src)
	}
	return fn, nil
}
