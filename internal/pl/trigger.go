package pl

import (
	"context"
	"math"
	"strconv"
	"strings"

	"github.com/dop251/goja"

	"github.com/markb/pljs/internal/engine"
)

// Trigger constants exposed on the pl namespace.
const (
	tgOK        = 0
	tgSkip      = 1
	tgBefore    = 0
	tgAfter     = 1
	tgRow       = 2
	tgStatement = 3
	tgInsert    = 4
	tgDelete    = 5
	tgUpdate    = 6
	tgUnknown   = 7
)

// callTrigger fires a trigger procedure with (tg_new, tg_old, args, tg) and turns its
// answer into the row the engine should use: the row itself, a modified copy, or nil
// to skip the operation.
func (h *Handler) callTrigger(ctx context.Context, fc *engine.FunctionCallInfo) (engine.Datum, string, error) {
	pd, err := h.procedure(ctx, fc.FnOID, true)
	if err != nil {
		return nil, "<unknown>", err
	}
	name := pd.proc.Name
	td := fc.Trigger

	tg, newRow, oldRow, err := h.triggerContext(td)
	if err != nil {
		return nil, name, err
	}
	args := make([]any, len(td.Trigger.Args))
	for i, a := range td.Trigger.Args {
		args[i] = a
	}
	argv := h.freezeValue(h.vm.NewArray(args...))

	ret, err := pd.fn(goja.Undefined(), newRow, oldRow, argv, tg)
	if err != nil {
		return nil, name, h.fromJS(err)
	}
	tup, err := h.triggerResult(td, ret)
	if err != nil {
		return nil, name, err
	}
	if tup == nil {
		fc.IsNull = true
		return nil, name, nil
	}
	return tup, name, nil
}

// triggerContext builds the frozen tg object and the new and old rows. A missing row
// is an empty array, never null.
func (h *Handler) triggerContext(td *engine.TriggerData) (tg, newRow, oldRow goja.Value, err error) {
	rel := td.Relation
	obj := h.vm.NewObject()
	h.define(obj, "name", h.vm.ToValue(td.Trigger.Name))
	h.define(obj, "relname", h.vm.ToValue(rel.Name))
	h.define(obj, "relid", h.vm.ToValue(strconv.FormatUint(uint64(rel.OID), 10)))
	atts := make([]any, rel.Desc.NAttrs())
	for i, a := range rel.Desc.Attrs {
		atts[i] = a.Name
	}
	h.define(obj, "relatts", h.freezeValue(h.vm.NewArray(atts...)))

	when := tgAfter
	if td.Event.IsBefore() {
		when = tgBefore
	}
	level := tgStatement
	if td.Event.IsRow() {
		level = tgRow
	}
	h.define(obj, "when", h.vm.ToValue(when))
	h.define(obj, "level", h.vm.ToValue(level))

	row := func(t *engine.HeapTuple) (goja.Value, error) {
		if t == nil {
			return h.vm.NewArray(), nil
		}
		return h.rowValue(t, shapeMapping)
	}
	op := tgUnknown
	switch {
	case td.Event.IsInsert():
		op = tgInsert
		if newRow, err = row(td.TrigTuple); err == nil {
			oldRow = h.vm.NewArray()
		}
	case td.Event.IsDelete():
		op = tgDelete
		if oldRow, err = row(td.TrigTuple); err == nil {
			newRow = h.vm.NewArray()
		}
	case td.Event.IsUpdate():
		op = tgUpdate
		if newRow, err = row(td.NewTuple); err == nil {
			oldRow, err = row(td.TrigTuple)
		}
	default:
		if newRow, err = row(td.TrigTuple); err == nil {
			oldRow, err = row(td.TrigTuple)
		}
	}
	if err != nil {
		return nil, nil, nil, err
	}
	h.define(obj, "op", h.vm.ToValue(op))
	return h.freezeValue(obj), newRow, oldRow, nil
}

// triggerResult interprets the value a trigger returned. Every trigger has to answer,
// whatever its timing or level.
func (h *Handler) triggerResult(td *engine.TriggerData, ret goja.Value) (*engine.HeapTuple, error) {
	base := td.TrigTuple
	if td.Event.IsUpdate() {
		base = td.NewTuple
	}

	if nullish(ret) {
		return nil, appErrorf("Invalid return value")
	}
	if obj, ok := asMapping(ret); ok {
		return h.modifyRow(td, base, obj)
	}
	switch x := ret.Export().(type) {
	case bool:
		if x {
			return base, nil
		}
		return nil, nil
	case int64:
		return returnCode(base, x)
	case float64:
		if x == math.Trunc(x) {
			return returnCode(base, int64(x))
		}
		return nil, appErrorf("Invalid return code")
	case string:
		switch x {
		case "OK":
			return base, nil
		case "SKIP":
			return nil, nil
		}
		return nil, appErrorf("unknown response %s", x)
	}
	return nil, appErrorf("Invalid return value")
}

func returnCode(base *engine.HeapTuple, code int64) (*engine.HeapTuple, error) {
	switch code {
	case tgOK:
		return base, nil
	case tgSkip:
		return nil, nil
	}
	return nil, appErrorf("Invalid return code")
}

// modifyRow merges a mapping into the row. Keys starting with "." and null values are
// ignored; every other key must name a column. All values are converted before the
// row is touched, so a failing column leaves nothing half applied.
func (h *Handler) modifyRow(td *engine.TriggerData, base *engine.HeapTuple, obj *goja.Object) (*engine.HeapTuple, error) {
	if base == nil {
		return nil, appErrorf("statement level triggers cannot modify rows")
	}
	desc := td.Relation.Desc
	var (
		attnums []int
		values  []engine.Datum
		nulls   []bool
		out     *engine.HeapTuple
		err     error
	)
	h.st.critical(func() {
		for _, key := range obj.Keys() {
			if strings.HasPrefix(key, ".") {
				continue
			}
			v := obj.Get(key)
			if nullish(v) {
				continue
			}
			n := desc.AttrNum(key)
			if n == engine.SPIErrorNoAttribute {
				err = appErrorf("invalid attribute '%s'", key)
				return
			}
			a := desc.Attrs[n-1]
			d, ierr := h.host.Input(a.Type, v.String(), a.TypMod)
			if ierr != nil {
				err = wrapApp(ierr, "column "+a.Name+": "+ierr.Error())
				return
			}
			attnums = append(attnums, n)
			values = append(values, d)
			nulls = append(nulls, false)
		}
		out, err = h.host.ModifyTuple(base, attnums, values, nulls)
		if err != nil {
			err = spiFailure("SPI_modifytuple", err)
		}
	})
	return out, err
}
