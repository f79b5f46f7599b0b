package pl

import (
	"context"

	"github.com/dop251/goja"

	"github.com/markb/pljs/internal/engine"
	"github.com/markb/pljs/internal/types"
)

// tupleStream collects the rows of a set returning call.
type tupleStream struct {
	desc   *engine.TupleDesc
	store  *engine.TupleStore
	scalar bool // rows are single base type values
}

func (ts *tupleStream) empty() bool {
	return len(ts.store.Rows) == 0
}

// callSet runs a set returning function. Rows come from pl.push; failing that, an
// array result is pushed element by element, and a string result of a base type set
// is run as a query whose rows are pushed.
func (h *Handler) callSet(ctx context.Context, pd *procDesc, fc *engine.FunctionCallInfo, args goja.Value) error {
	ri := fc.ResultInfo
	if ri == nil || ri.AllowedModes&engine.SFRMMaterialize == 0 || ri.ExpectedDesc == nil {
		return appErrorf("context don't accept set")
	}
	ts := &tupleStream{
		desc:   ri.ExpectedDesc,
		store:  engine.NewTupleStore(ri.ExpectedDesc),
		scalar: pd.retType.Kind == types.KindBase,
	}
	h.st.streams[len(h.st.streams)-1] = ts

	ret, err := pd.fn(goja.Undefined(), args)
	if err != nil {
		return h.fromJS(err)
	}
	if ts.empty() && !nullish(ret) {
		if arr, ok := asArray(ret); ok {
			for _, item := range arrayValues(arr) {
				if err := h.push(ts, item); err != nil {
					return err
				}
			}
		} else if query, ok := exportString(ret); ok && ts.scalar {
			if err := h.streamQuery(ctx, ts, query); err != nil {
				return err
			}
		} else {
			return appErrorf("invalid return type for a SET")
		}
	}
	ts.store.Done()
	ri.SetResult = ts.store
	ri.SetDesc = ts.desc
	ri.ReturnMode = engine.SFRMMaterialize
	fc.IsNull = true
	return nil
}

// push converts v into a row and appends it to the stream.
func (h *Handler) push(ts *tupleStream, v goja.Value) error {
	var err error
	h.st.critical(func() {
		var tup *engine.HeapTuple
		tup, err = h.tupleFromValue(ts.desc, v, ts.scalar)
		if err == nil {
			err = ts.store.Put(tup)
		}
	})
	if err != nil && !IsAppError(err) {
		err = wrapApp(err, err.Error())
	}
	return err
}

// streamQuery runs query through a temporary plan and pushes every row it returns.
func (h *Handler) streamQuery(ctx context.Context, ts *tupleStream, query string) error {
	pd, err := h.prepare(ctx, query, nil, planDefaults{block: 50, shape: shapeValues, tmp: true})
	if err != nil {
		return err
	}
	defer h.release(pd)
	return h.each(ctx, pd, portalOpts{count: pd.count, block: pd.block, shape: pd.shape}, func(row goja.Value) error {
		return h.push(ts, row)
	})
}

func (h *Handler) currentStream(fn string) *tupleStream {
	ts := h.st.stream()
	if ts == nil {
		h.throwf("%s: no set returning call in progress", fn)
	}
	return ts
}

func (h *Handler) jsPush(call goja.FunctionCall) goja.Value {
	h.checkInterrupted()
	ts := h.currentStream("push")
	if len(call.Arguments) != 1 {
		h.throwf("push: expected one row")
	}
	if err := h.push(ts, call.Argument(0)); err != nil {
		h.throw(err)
	}
	return goja.Undefined()
}

func (h *Handler) jsResultName(goja.FunctionCall) goja.Value {
	ts := h.currentStream("result_name")
	names := make([]any, ts.desc.NAttrs())
	for i, a := range ts.desc.Attrs {
		names[i] = a.Name
	}
	return h.vm.NewArray(names...)
}

func (h *Handler) jsResultType(goja.FunctionCall) goja.Value {
	ts := h.currentStream("result_type")
	names := make([]any, ts.desc.NAttrs())
	for i, a := range ts.desc.Attrs {
		names[i] = a.Type.Name
	}
	return h.vm.NewArray(names...)
}

func (h *Handler) jsResultSize(goja.FunctionCall) goja.Value {
	return h.vm.ToValue(h.currentStream("result_size").desc.NAttrs())
}
