package pl

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/dop251/goja"

	"github.com/markb/pljs/internal/engine"
)

// AppError is a recoverable failure carrying message text. It is what a nested call
// hands back to the procedure that issued it, which sees it as a PLError.
type AppError struct {
	Msg   string
	cause error
}

func (e *AppError) Error() string {
	return e.Msg
}

func (e *AppError) Unwrap() error {
	return e.cause
}

func appErrorf(format string, args ...any) *AppError {
	return &AppError{Msg: fmt.Sprintf(format, args...)}
}

func wrapApp(err error, msg string) *AppError {
	return &AppError{Msg: msg, cause: err}
}

// Abort carries an engine abort through interpreted code. Only the handle of the
// original abort travels; the abort itself is re-raised unchanged at the top.
type Abort struct {
	Handle uint32
}

func (a *Abort) Error() string {
	return fmt.Sprintf("engine abort (handle %d)", a.Handle)
}

// IsAppError reports whether err is a recoverable procedure failure.
func IsAppError(err error) bool {
	var ae *AppError
	return errors.As(err, &ae)
}

// errTimeout is the interrupt value used by the watchdog.
var errTimeout = errors.New("timeout")

// throw raises err inside the interpreter. Engine aborts become PLCatch instances that
// remember the abort; everything else becomes a PLError with the error text.
func (h *Handler) throw(err error) {
	if ae, ok := engine.AsAbort(err); ok {
		panic(h.newCatch(ae))
	}
	var app *AppError
	if errors.As(err, &app) {
		panic(h.newError(app.Msg))
	}
	var spiErr *engine.SPIError
	if errors.As(err, &spiErr) {
		panic(h.newError(spiErr.Error()))
	}
	panic(h.newError(err.Error()))
}

// throwf raises a PLError.
func (h *Handler) throwf(format string, args ...any) {
	panic(h.newError(fmt.Sprintf(format, args...)))
}

func (h *Handler) newError(msg string) *goja.Object {
	obj, err := h.vm.New(h.errorCtor, h.vm.ToValue(msg))
	if err != nil {
		return h.vm.NewGoError(errors.New(msg))
	}
	return obj
}

func (h *Handler) newCatch(ae *engine.AbortError) *goja.Object {
	id := h.st.handles.put(ae, true)
	obj, err := h.vm.New(h.catchCtor, h.vm.ToValue(ae.Message))
	if err != nil {
		return h.vm.NewGoError(ae)
	}
	obj.DefineDataProperty("handle", h.vm.ToValue(id), goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_FALSE)
	return obj
}

// fromJS classifies an error returned by the interpreter. A thrown PLCatch becomes the
// Abort it stands for; anything else becomes an AppError with the exception text.
func (h *Handler) fromJS(err error) error {
	var ie *goja.InterruptedError
	if errors.As(err, &ie) {
		return wrapApp(err, errTimeout.Error())
	}
	var ex *goja.Exception
	if !errors.As(err, &ex) {
		return wrapApp(err, err.Error())
	}
	val := ex.Value()
	if obj, ok := val.(*goja.Object); ok {
		if h.vm.InstanceOf(obj, h.catchCtor) {
			if hv := obj.Get("handle"); hv != nil && !goja.IsUndefined(hv) {
				return &Abort{Handle: uint32(hv.ToInteger())}
			}
		}
		if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
			return &AppError{Msg: msg.String(), cause: err}
		}
	}
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return &AppError{Msg: "Unknown Error", cause: err}
	}
	return &AppError{Msg: val.String(), cause: err}
}

// resolveAbort turns an Abort back into the engine abort it carries.
func (h *Handler) resolveAbort(a *Abort) error {
	if v, ok := h.st.handles.get(a.Handle); ok {
		if ae, ok := v.(*engine.AbortError); ok {
			return ae
		}
	}
	return &engine.AbortError{Level: engine.LevelError, Message: "SPI ERROR"}
}
