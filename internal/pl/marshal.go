package pl

import (
	"fmt"
	"strconv"

	"github.com/dop251/goja"
	"github.com/markb/pljs/internal/engine"
	"github.com/markb/pljs/internal/types"
)

// outputShape selects how a row is handed to interpreted code.
type outputShape int

const (
	shapeMapping   outputShape = iota // {column: value}
	shapeValues                       // [value, ...]
	shapeDescArray                    // [[name, value, type, len, typeid], ...]
	shapeDescHash                     // [{name, type, typeid, len, value}, ...]
)

// parseShape reads an output option. ok is false when v is not a string.
func parseShape(v goja.Value, def outputShape) (outputShape, bool) {
	if nullish(v) {
		return def, true
	}
	s, ok := v.Export().(string)
	if !ok {
		return def, false
	}
	switch s {
	case "value":
		return shapeValues, true
	case "array":
		return shapeDescArray, true
	case "hash":
		return shapeDescHash, true
	}
	return def, true
}

func nullish(v goja.Value) bool {
	return v == nil || goja.IsUndefined(v) || goja.IsNull(v)
}

func exportString(v goja.Value) (string, bool) {
	if nullish(v) {
		return "", false
	}
	s, ok := v.Export().(string)
	return s, ok
}

func asArray(v goja.Value) (*goja.Object, bool) {
	obj, ok := v.(*goja.Object)
	if !ok || obj.ClassName() != "Array" {
		return nil, false
	}
	return obj, true
}

// asMapping accepts plain objects: not arrays, functions or wrapped primitives.
func asMapping(v goja.Value) (*goja.Object, bool) {
	obj, ok := v.(*goja.Object)
	if !ok || obj.ClassName() != "Object" {
		return nil, false
	}
	return obj, true
}

func asFunction(v goja.Value) (goja.Callable, bool) {
	if nullish(v) {
		return nil, false
	}
	return goja.AssertFunction(v)
}

func arrayValues(obj *goja.Object) []goja.Value {
	n := int(obj.Get("length").ToInteger())
	out := make([]goja.Value, n)
	for i := range out {
		out[i] = obj.Get(strconv.Itoa(i))
	}
	return out
}

// toText is the external text of an interpreted value; nil for null and undefined.
func toText(v goja.Value) *string {
	if nullish(v) {
		return nil
	}
	s := v.String()
	return &s
}

func (h *Handler) columnValue(a engine.Attribute, v engine.Datum, null bool) (goja.Value, error) {
	if null {
		return goja.Null(), nil
	}
	text, err := h.host.Output(a.Type, v)
	if err != nil {
		return nil, wrapApp(err, fmt.Sprintf("cannot output column %q of type %s: %v", a.Name, a.Type.Name, err))
	}
	return h.vm.ToValue(text), nil
}

func (h *Handler) define(obj *goja.Object, name string, v goja.Value) {
	obj.DefineDataProperty(name, v, goja.FLAG_TRUE, goja.FLAG_TRUE, goja.FLAG_TRUE)
}

// rowValue converts a tuple to the requested shape. Null columns are null, never
// omitted.
func (h *Handler) rowValue(tup *engine.HeapTuple, shape outputShape) (goja.Value, error) {
	var out goja.Value
	var err error
	h.st.critical(func() {
		out, err = h.buildRow(tup, shape)
	})
	return out, err
}

func (h *Handler) buildRow(tup *engine.HeapTuple, shape outputShape) (goja.Value, error) {
	attrs := tup.Desc.Attrs
	if shape == shapeMapping {
		obj := h.vm.NewObject()
		for i, a := range attrs {
			v, err := h.columnValue(a, tup.Values[i], tup.Nulls[i])
			if err != nil {
				return nil, err
			}
			h.define(obj, a.Name, v)
		}
		return obj, nil
	}

	items := make([]any, len(attrs))
	for i, a := range attrs {
		v, err := h.columnValue(a, tup.Values[i], tup.Nulls[i])
		if err != nil {
			return nil, err
		}
		switch shape {
		case shapeValues:
			items[i] = v
		case shapeDescArray:
			items[i] = h.vm.NewArray(a.Name, v, a.Type.Name, types.DeclaredLength(a.Type, a.TypMod), a.Type.OID)
		case shapeDescHash:
			col := h.vm.NewObject()
			h.define(col, "name", h.vm.ToValue(a.Name))
			h.define(col, "type", h.vm.ToValue(a.Type.Name))
			h.define(col, "typeid", h.vm.ToValue(a.Type.OID))
			h.define(col, "len", h.vm.ToValue(types.DeclaredLength(a.Type, a.TypMod)))
			h.define(col, "value", v)
			items[i] = col
		}
	}
	return h.vm.NewArray(items...), nil
}

// tupleFromValue builds a row of desc from an array in column order or a mapping keyed
// by column name. With scalar set, a lone value stands for a one column row.
func (h *Handler) tupleFromValue(desc *engine.TupleDesc, v goja.Value, scalar bool) (*engine.HeapTuple, error) {
	var values []*string
	if obj, ok := asMapping(v); ok && !scalar {
		values = make([]*string, desc.NAttrs())
		for i, a := range desc.Attrs {
			values[i] = toText(obj.Get(a.Name))
		}
	} else {
		arr, ok := asArray(v)
		if !ok && scalar {
			arr, ok = h.vm.NewArray(v), true
		}
		if !ok {
			return nil, appErrorf("expected an Array")
		}
		items := arrayValues(arr)
		if len(items) != desc.NAttrs() {
			return nil, appErrorf("Invalid number of columns (%d expected %d)", len(items), desc.NAttrs())
		}
		values = make([]*string, len(items))
		for i, item := range items {
			values[i] = toText(item)
		}
	}
	tup, err := h.host.BuildTupleFromStrings(desc, values)
	if err != nil {
		return nil, wrapApp(err, err.Error())
	}
	return tup, nil
}

// freezeValue makes v immutable to interpreted code.
func (h *Handler) freezeValue(v goja.Value) goja.Value {
	if h.freeze != nil {
		h.freeze(goja.Undefined(), v)
	}
	return v
}
