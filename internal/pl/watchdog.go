package pl

import (
	"context"
	"time"

	"github.com/dop251/goja"

	"github.com/markb/pljs/internal/log"
)

// watchdogPoll is how often an expired watchdog retries while the handler is inside a
// critical section.
const watchdogPoll = 50 * time.Millisecond

// startWatchdog arms the timeout for an outermost call. When it fires the interpreter
// is interrupted, but never while the handler is in a critical section: it marks the
// call as interrupted and retries until the section is left. The returned function
// disarms it and must be called before the next call starts.
func (h *Handler) startWatchdog(ctx context.Context) func() {
	done := make(chan struct{})
	finished := make(chan struct{})
	timer := time.NewTimer(h.cfg.Timeout)

	go func() {
		defer close(finished)
		defer timer.Stop()
		select {
		case <-done:
			return
		case <-timer.C:
			log.Warn("procedure timed out", "timeout", h.cfg.Timeout)
			h.obs.TimedOut(ctx)
		case <-ctx.Done():
			log.Debug("procedure cancelled", "error", ctx.Err())
		}
		h.st.interrupted.Store(true)

		tick := time.NewTicker(watchdogPoll)
		defer tick.Stop()
		for {
			if h.st.inProgress.Load() == 0 {
				h.vm.Interrupt(errTimeout)
				return
			}
			select {
			case <-done:
				return
			case <-tick.C:
			}
		}
	}()

	return func() {
		close(done)
		<-finished
		h.vm.ClearInterrupt()
		h.st.interrupted.Store(false)
	}
}

// checkInterrupted is called on entry to every native function that talks to the
// engine. Once the watchdog has fired no further work is started.
func (h *Handler) checkInterrupted() {
	if h.st.interrupted.Load() {
		h.throwf("%s", errTimeout)
	}
}

// rethrow raises an error that came back out of interpreted code, such as a failing
// row callback, without losing what it was.
func (h *Handler) rethrow(err error) {
	switch e := err.(type) {
	case *goja.Exception:
		panic(e)
	case *goja.InterruptedError:
		// The interrupt was consumed by the callback; arm it again so the
		// outer frames stop too.
		h.vm.Interrupt(e.Value())
		h.throwf("%s", errTimeout)
	}
	h.throw(err)
}
