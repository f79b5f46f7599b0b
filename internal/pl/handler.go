// Package pl runs stored procedures written in JavaScript. A Handler plugs into an
// engine session as the call handler of LANGUAGE pljs: it compiles procedures into an
// embedded goja runtime, marshals arguments and results as external text, adapts
// trigger firings and set returning calls, and gives scripts access to queries,
// prepared plans and cursors through the session's SPI.
package pl

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dop251/goja"

	"github.com/markb/pljs/internal/engine"
	"github.com/markb/pljs/internal/log"
	"github.com/markb/pljs/internal/types"
)

// Handler is the pljs call handler for one session.
type Handler struct {
	cfg  Config
	host Host
	obs  Observer
	st   *state

	vm        *goja.Runtime
	plproc    *goja.Object
	planProto *goja.Object
	errorCtor *goja.Object
	catchCtor *goja.Object
	freeze    goja.Callable
}

// New returns a handler running procedures against host. The runtime is bootstrapped
// by the first call.
func New(host Host, cfg Config) *Handler {
	obs := cfg.Observer
	if obs == nil {
		obs = nopObserver{}
	}
	return &Handler{cfg: cfg, host: host, obs: obs, st: newState()}
}

// Install registers a new handler as the pljs language of s.
func Install(s *engine.Session, cfg Config) *Handler {
	h := New(s, cfg)
	s.RegisterLanguage(Language, h)
	return h
}

// Close frees the saved plans still held by scripts.
func (h *Handler) Close() error {
	for id, e := range h.st.handles.entries {
		if pd, ok := e.value.(*planDesc); ok && !pd.released {
			pd.released = true
			h.host.FreePlan(pd.plan)
		}
		h.st.handles.release(id)
	}
	return nil
}

// HandleCall is the entry point the engine calls for functions and triggers.
func (h *Handler) HandleCall(ctx context.Context, fc *engine.FunctionCallInfo) (engine.Datum, error) {
	outermost := h.st.level == 0
	frame, err := h.host.Connect()
	if err != nil {
		return nil, h.escalate(appErrorf("cannot connect to SPI manager"), outermost)
	}
	if err := h.bootstrap(ctx); err != nil {
		h.host.Finish(frame)
		return nil, h.escalate(err, outermost)
	}

	prevCtx := h.st.ctx
	h.st.ctx = ctx
	portalMark := len(h.st.portals)
	handleMark := h.st.handles.mark()
	h.st.streams = append(h.st.streams, nil)
	h.st.level++

	var stop func()
	if outermost && h.cfg.Timeout > 0 {
		stop = h.startWatchdog(ctx)
	}

	start := time.Now()
	name := "<unknown>"
	var result engine.Datum
	if fc.CalledAsTrigger() {
		result, name, err = h.callTrigger(ctx, fc)
	} else {
		result, name, err = h.callFunction(ctx, fc)
	}

	if stop != nil {
		stop()
	}
	var abort *Abort
	if errors.As(err, &abort) {
		err = h.resolveAbort(abort)
	}
	h.st.level--
	h.st.streams = h.st.streams[:len(h.st.streams)-1]
	h.st.critical(func() {
		h.closePortals(portalMark)
		h.st.handles.releaseScope(handleMark, h.dropHandle)
	})
	h.st.ctx = prevCtx

	if ferr := h.host.Finish(frame); ferr != nil && err == nil {
		err = appErrorf("SPI_finish() failed")
	}
	h.obs.CallFinished(ctx, name, fc.CalledAsTrigger(), time.Since(start), err)
	if err != nil {
		log.Debug("procedure failed", "proc", name, "level", h.st.level, "error", err)
		return nil, h.escalate(err, outermost)
	}
	return result, nil
}

// escalate turns a failure into what the caller of this level expects. Engine aborts
// pass through untouched. Other failures become an engine error at the outermost
// level and stay recoverable for an enclosing procedure.
func (h *Handler) escalate(err error, outermost bool) error {
	if engine.IsAbort(err) {
		return err
	}
	var app *AppError
	if !errors.As(err, &app) {
		app = wrapApp(err, err.Error())
	}
	if outermost {
		return h.host.Notice(engine.LevelError, app.Msg)
	}
	return app
}

// dropHandle releases the native side of a scoped handle.
func (h *Handler) dropHandle(v any) {
	if pd, ok := v.(*planDesc); ok && !pd.released {
		pd.released = true
		if h.host.PlanValid(pd.plan) {
			h.host.FreePlan(pd.plan)
		}
	}
}

// closePortals closes every portal opened above mark.
func (h *Handler) closePortals(mark int) {
	for i := len(h.st.portals) - 1; i >= mark; i-- {
		p := h.st.portals[i]
		if !p.closed {
			p.closed = true
			h.host.CursorClose(p.cursor)
		}
	}
	h.st.portals = h.st.portals[:mark]
}

// callFunction runs a plain or set returning function.
func (h *Handler) callFunction(ctx context.Context, fc *engine.FunctionCallInfo) (engine.Datum, string, error) {
	pd, err := h.procedure(ctx, fc.FnOID, false)
	if err != nil {
		return nil, "<unknown>", err
	}
	name := pd.proc.Name

	args, err := h.callArgs(pd, fc)
	if err != nil {
		return nil, name, err
	}
	if pd.retSet {
		return nil, name, h.callSet(ctx, pd, fc, args)
	}

	ret, err := pd.fn(goja.Undefined(), args)
	if err != nil {
		return nil, name, h.fromJS(err)
	}
	if nullish(ret) || pd.retType.OID == types.VoidOID {
		fc.IsNull = true
		return nil, name, nil
	}
	if fc.ResultInfo != nil && fc.ResultInfo.ExpectedDesc != nil {
		tup, err := h.tupleFromValue(fc.ResultInfo.ExpectedDesc, ret, false)
		if err != nil {
			return nil, name, err
		}
		return tup, name, nil
	}
	d, err := h.host.Input(pd.retType, ret.String(), pd.retTypmod)
	if err != nil {
		return nil, name, wrapApp(err, err.Error())
	}
	return d, name, nil
}

// callArgs marshals the call's arguments: rows become mappings, nulls stay null and
// everything else is passed as external text.
func (h *Handler) callArgs(pd *procDesc, fc *engine.FunctionCallInfo) (goja.Value, error) {
	items := make([]any, len(fc.Args))
	for i, d := range fc.Args {
		if fc.ArgNull[i] || d == nil {
			items[i] = goja.Null()
			continue
		}
		if tup, ok := d.(*engine.HeapTuple); ok {
			v, err := h.rowValue(tup, shapeMapping)
			if err != nil {
				return nil, err
			}
			items[i] = v
			continue
		}
		if i >= len(pd.argTypes) {
			return nil, appErrorf("function %s called with %d arguments, expected %d", pd.proc.Name, len(fc.Args), len(pd.argTypes))
		}
		text, err := h.host.Output(pd.argTypes[i], d)
		if err != nil {
			return nil, wrapApp(err, err.Error())
		}
		items[i] = text
	}
	return h.vm.NewArray(items...), nil
}
