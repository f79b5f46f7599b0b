package pl

import (
	"context"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/dop251/goja"

	"github.com/markb/pljs/internal/engine"
	"github.com/markb/pljs/internal/types"
)

// planDefaults are the options recorded at prepare time.
type planDefaults struct {
	count  int64
	block  int
	shape  outputShape
	tmp    bool
	values goja.Value
}

// planDesc is a prepared plan as seen from scripts.
type planDesc struct {
	planDefaults
	plan     *engine.Plan
	typmods  []int32
	handle   uint32
	released bool
}

// portalOpts are the options of one execp or each call.
type portalOpts struct {
	values goja.Value
	count  int64
	block  int
	shape  outputShape
}

// rowFunc receives rows streamed to a callback.
type rowFunc func(row goja.Value) error

// spiFailure renames the operation of an SPI failure code.
func spiFailure(op string, err error) error {
	var se *engine.SPIError
	if errors.As(err, &se) {
		return appErrorf("%s() failed - %s", op, engine.SPICodeString(se.Code))
	}
	return err
}

// resultValue converts an SPI result into what exec and execp return.
func (h *Handler) resultValue(res *engine.SPIResult, count int64, shape outputShape, cb goja.Callable) (goja.Value, error) {
	switch res.Code {
	case engine.SPIOKUtility:
		return h.vm.ToValue(true), nil
	case engine.SPIOKInsert, engine.SPIOKDelete, engine.SPIOKUpdate:
		return h.vm.ToValue(res.Processed), nil
	case engine.SPIOKSelect:
	default:
		return nil, appErrorf("unknown RC %d", res.Code)
	}

	var rows []*engine.HeapTuple
	if res.Table != nil {
		rows = res.Table.Rows
	}
	if len(rows) == 0 {
		if cb != nil || count == 1 {
			return h.vm.ToValue(false), nil
		}
		return h.vm.NewArray(), nil
	}

	if cb != nil {
		if count == 1 && shape == shapeMapping {
			row := rows[0]
			for i, a := range row.Desc.Attrs {
				v, err := h.columnValue(a, row.Values[i], row.Nulls[i])
				if err != nil {
					return nil, err
				}
				if _, err := cb(goja.Undefined(), h.vm.ToValue(a.Name), v); err != nil {
					return nil, err
				}
			}
			return h.vm.ToValue(true), nil
		}
		for _, row := range rows {
			v, err := h.rowValue(row, shape)
			if err != nil {
				return nil, err
			}
			if _, err := cb(goja.Undefined(), v); err != nil {
				return nil, err
			}
		}
		return h.vm.ToValue(true), nil
	}

	if count == 1 {
		return h.rowValue(rows[0], shape)
	}
	items := make([]any, len(rows))
	for i, row := range rows {
		v, err := h.rowValue(row, shape)
		if err != nil {
			return nil, err
		}
		items[i] = v
	}
	return h.vm.NewArray(items...), nil
}

// splitCallback separates a trailing callback from the other arguments.
func splitCallback(args []goja.Value) ([]goja.Value, goja.Callable) {
	if n := len(args); n > 0 {
		if fn, ok := asFunction(args[n-1]); ok {
			return args[:n-1], fn
		}
	}
	return args, nil
}

// splitOptions separates a trailing options object from the other arguments.
func splitOptions(args []goja.Value, min int) ([]goja.Value, *goja.Object) {
	if n := len(args); n > min {
		if obj, ok := asMapping(args[n-1]); ok {
			return args[:n-1], obj
		}
	}
	return args, nil
}

func optionValue(opts *goja.Object, name string) goja.Value {
	if opts == nil {
		return nil
	}
	return opts.Get(name)
}

func (h *Handler) jsExec(call goja.FunctionCall) goja.Value {
	h.checkInterrupted()
	args, cb := splitCallback(call.Arguments)
	if len(args) < 1 || len(args) > 3 {
		h.throwf("exec: invalid number of arguments")
	}
	query, ok := exportString(args[0])
	if !ok {
		h.throwf("exec: first argument must be a string")
	}
	var count int64
	if len(args) > 1 && !nullish(args[1]) {
		count = args[1].ToInteger()
	}
	shape := shapeMapping
	if len(args) > 2 {
		if shape, ok = parseShape(args[2], shapeMapping); !ok {
			h.throwf("string expected for optional output")
		}
	}

	res, err := h.host.Execute(h.st.ctx, query, count)
	if err != nil {
		h.throw(spiFailure("SPI_exec", err))
	}
	v, err := h.resultValue(res, count, shape, cb)
	if err != nil {
		h.rethrow(err)
	}
	return v
}

func (h *Handler) jsPrepare(call goja.FunctionCall) goja.Value {
	h.checkInterrupted()
	args, opts := splitOptions(call.Arguments, 1)
	if len(args) < 1 || len(args) > 4 {
		h.throwf("prepare: invalid number of arguments")
	}
	query, ok := exportString(args[0])
	if !ok {
		h.throwf("first argument must be a STRING")
	}

	var typeNames []string
	typesArg := optionValue(opts, "types")
	if len(args) > 1 && !nullish(args[1]) {
		typesArg = args[1]
	}
	if !nullish(typesArg) {
		arr, ok := asArray(typesArg)
		if !ok {
			h.throwf("second argument must be an ARRAY")
		}
		for _, v := range arrayValues(arr) {
			typeNames = append(typeNames, v.String())
		}
	}

	def := planDefaults{shape: shapeMapping}
	if len(args) > 2 && !nullish(args[2]) {
		def.count = args[2].ToInteger()
	}
	outArg := optionValue(opts, "output")
	if len(args) > 3 {
		outArg = args[3]
	}
	if def.shape, ok = parseShape(outArg, shapeMapping); !ok {
		h.throwf("string expected for optional output")
	}
	if v := optionValue(opts, "count"); !nullish(v) {
		def.count = v.ToInteger()
	}
	if v := optionValue(opts, "block"); !nullish(v) {
		def.block = int(v.ToInteger())
	}
	if v := optionValue(opts, "tmp"); !nullish(v) {
		def.tmp = v.ToBoolean()
	}
	def.values = optionValue(opts, "values")

	pd, err := h.prepare(h.st.ctx, query, typeNames, def)
	if err != nil {
		h.throw(err)
	}
	return h.planObject(pd)
}

// prepare plans query. Unless tmp is set the plan is saved and outlives the call.
func (h *Handler) prepare(ctx context.Context, query string, typeNames []string, def planDefaults) (*planDesc, error) {
	pd := &planDesc{planDefaults: def}
	argTypes := make([]*types.Type, len(typeNames))
	for i, name := range typeNames {
		t, typmod, err := h.host.ResolveType(ctx, name)
		if err != nil {
			return nil, wrapApp(err, fmt.Sprintf("prepare: %v", err))
		}
		argTypes[i] = t
		pd.typmods = append(pd.typmods, typmod)
	}
	plan, err := h.host.Prepare(ctx, query, argTypes)
	if err != nil {
		return nil, spiFailure("SPI_prepare", err)
	}
	pd.plan = plan
	if !def.tmp {
		if err := h.host.SavePlan(plan); err != nil {
			return nil, spiFailure("SPI_saveplan", err)
		}
	}
	pd.handle = h.st.handles.put(pd, def.tmp)
	return pd, nil
}

// release frees a plan and its handle.
func (h *Handler) release(pd *planDesc) {
	if pd.released {
		return
	}
	pd.released = true
	if h.host.PlanValid(pd.plan) {
		h.host.FreePlan(pd.plan)
	}
	h.st.handles.release(pd.handle)
}

func (h *Handler) planObject(pd *planDesc) *goja.Object {
	obj := h.vm.NewObject()
	obj.SetPrototype(h.planProto)
	obj.DefineDataProperty("handle", h.vm.ToValue(pd.handle), goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_FALSE)
	obj.DefineDataProperty("query", h.vm.ToValue(pd.plan.Query), goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_TRUE)
	obj.DefineDataProperty("nargs", h.vm.ToValue(pd.plan.NArgs()), goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_TRUE)
	return obj
}

// planOf resolves the plan behind a plan object.
func (h *Handler) planOf(this goja.Value) *planDesc {
	obj, ok := this.(*goja.Object)
	if !ok {
		h.throwf("plan method called on a non plan")
	}
	hv := obj.Get("handle")
	if nullish(hv) {
		h.throwf("plan method called on a non plan")
	}
	v, ok := h.st.handles.get(uint32(hv.ToInteger()))
	pd, isPlan := v.(*planDesc)
	if !ok || !isPlan || pd.released || !h.host.PlanValid(pd.plan) {
		h.throwf("plan was dropped during the session")
	}
	return pd
}

// portalOptions reads ([values], [count], [output], [options]) against the plan's
// defaults.
func (h *Handler) portalOptions(pd *planDesc, args []goja.Value) portalOpts {
	args, opts := splitOptions(args, 0)
	po := portalOpts{values: pd.values, count: pd.count, block: pd.block, shape: pd.shape}
	if len(args) > 3 {
		h.throwf("invalid number of arguments")
	}
	if v := optionValue(opts, "values"); !nullish(v) {
		po.values = v
	}
	if len(args) > 0 && !nullish(args[0]) {
		po.values = args[0]
	}
	if v := optionValue(opts, "count"); !nullish(v) {
		po.count = v.ToInteger()
	}
	if len(args) > 1 && !nullish(args[1]) {
		po.count = args[1].ToInteger()
	}
	if v := optionValue(opts, "block"); !nullish(v) {
		po.block = int(v.ToInteger())
	}
	outArg := optionValue(opts, "output")
	if len(args) > 2 {
		outArg = args[2]
	}
	var ok bool
	if po.shape, ok = parseShape(outArg, po.shape); !ok {
		h.throwf("string expected for optional output")
	}
	return po
}

// bindArgs converts the portal's argument values with the plan's argument types. The
// count must match exactly; nothing runs otherwise.
func (h *Handler) bindArgs(pd *planDesc, values goja.Value) ([]engine.Datum, []bool, error) {
	var items []goja.Value
	if !nullish(values) {
		arr, ok := asArray(values)
		if !ok {
			return nil, nil, appErrorf("array expected for arguments")
		}
		items = arrayValues(arr)
	}
	if len(items) != pd.plan.NArgs() {
		return nil, nil, appErrorf("length of arguments doesn't match # of arguments")
	}
	datums := make([]engine.Datum, len(items))
	nulls := make([]bool, len(items))
	for i, v := range items {
		text := toText(v)
		if text == nil {
			nulls[i] = true
			continue
		}
		d, err := h.host.Input(pd.plan.ArgTypes[i], *text, pd.typmods[i])
		if err != nil {
			return nil, nil, wrapApp(err, fmt.Sprintf("argument %d: %v", i+1, err))
		}
		datums[i] = d
	}
	return datums, nulls, nil
}

func (h *Handler) jsExecp(call goja.FunctionCall) goja.Value {
	h.checkInterrupted()
	pd := h.planOf(call.This)
	args, cb := splitCallback(call.Arguments)
	po := h.portalOptions(pd, args)
	values, nulls, err := h.bindArgs(pd, po.values)
	if err != nil {
		h.throw(err)
	}
	res, err := h.host.ExecPlan(h.st.ctx, pd.plan, values, nulls, po.count)
	if err != nil {
		h.throw(spiFailure("SPI_execp", err))
	}
	v, err := h.resultValue(res, po.count, po.shape, cb)
	if err != nil {
		h.rethrow(err)
	}
	return v
}

func (h *Handler) jsEach(call goja.FunctionCall) goja.Value {
	h.checkInterrupted()
	pd := h.planOf(call.This)
	args, cb := splitCallback(call.Arguments)
	if cb == nil {
		h.throwf("a block must be given")
	}
	po := h.portalOptions(pd, args)
	err := h.each(h.st.ctx, pd, po, func(row goja.Value) error {
		_, err := cb(goja.Undefined(), row)
		return err
	})
	if err != nil {
		h.rethrow(err)
	}
	return goja.Undefined()
}

// each opens a cursor over the plan and feeds its rows to fn in batches of block+1
// until count rows were seen or the cursor runs dry. The cursor is closed on every
// path out.
func (h *Handler) each(ctx context.Context, pd *planDesc, po portalOpts, fn rowFunc) error {
	values, nulls, err := h.bindArgs(pd, po.values)
	if err != nil {
		return err
	}
	cursor, err := h.host.CursorOpen(ctx, pd.plan, values, nulls)
	if err != nil {
		return spiFailure("SPI_cursor_open", err)
	}
	p := &portal{cursor: cursor, plan: pd}
	h.st.portals = append(h.st.portals, p)
	h.obs.PortalOpened(ctx)
	defer h.st.critical(func() { h.closePortal(p) })

	batch := po.block + 1
	if batch < 1 {
		batch = 1
	}
	remaining := po.count
	for {
		n := batch
		if remaining > 0 && remaining < int64(n) {
			n = int(remaining)
		}
		table, err := h.host.CursorFetch(ctx, cursor, n)
		if err != nil {
			return spiFailure("SPI_cursor_fetch", err)
		}
		if len(table.Rows) == 0 {
			return nil
		}
		for _, row := range table.Rows {
			v, err := h.rowValue(row, po.shape)
			if err != nil {
				return err
			}
			if err := fn(v); err != nil {
				return err
			}
			if remaining > 0 {
				remaining--
				if remaining == 0 {
					return nil
				}
			}
		}
	}
}

func (h *Handler) closePortal(p *portal) {
	if !p.closed {
		p.closed = true
		h.host.CursorClose(p.cursor)
	}
	for i := len(h.st.portals) - 1; i >= 0; i-- {
		if h.st.portals[i] == p {
			h.st.portals = append(h.st.portals[:i], h.st.portals[i+1:]...)
			break
		}
	}
}

func (h *Handler) jsRelease(call goja.FunctionCall) goja.Value {
	h.release(h.planOf(call.This))
	return goja.Undefined()
}

// columnQuery lists one pragma_table_info column of table in column order.
func (h *Handler) columnQuery(fn, column string, call goja.FunctionCall) goja.Value {
	h.checkInterrupted()
	table, ok := exportString(call.Argument(0))
	if !ok {
		h.throwf("%s: expected a String", fn)
	}
	query := fmt.Sprintf("SELECT %s FROM pragma_table_info(%s) ORDER BY cid", column, quoteLiteral(table))
	res, err := h.host.Execute(h.st.ctx, query, 0)
	if err != nil {
		h.throw(spiFailure("SPI_exec", err))
	}
	v, err := h.resultValue(res, 0, shapeValues, nil)
	if err != nil {
		h.rethrow(err)
	}
	arr, _ := asArray(v)
	if arr == nil {
		return h.vm.NewArray()
	}
	var flat []any
	for _, row := range arrayValues(arr) {
		if r, ok := asArray(row); ok {
			for _, col := range arrayValues(r) {
				flat = append(flat, col)
			}
		}
	}
	return h.vm.NewArray(flat...)
}

func (h *Handler) jsColumnName(call goja.FunctionCall) goja.Value {
	return h.columnQuery("column_name", "name", call)
}

func (h *Handler) jsColumnType(call goja.FunctionCall) goja.Value {
	return h.columnQuery("column_type", "type", call)
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
