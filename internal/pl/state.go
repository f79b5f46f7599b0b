package pl

import (
	"context"
	"sync/atomic"

	"github.com/dop251/goja"

	"github.com/markb/pljs/internal/engine"
)

// state is everything the handler keeps between calls. It has a single writer: calls
// on one session are strictly nested, so the stacks below grow and shrink with the
// call stack. Only inProgress and interrupted are touched by the watchdog.
type state struct {
	procs      map[string]*procDesc
	singletons map[string]goja.Value
	handles    *handleTable
	portals    []*portal
	streams    []*tupleStream // one slot per active call, nil when not set returning
	level      int
	ctx        context.Context

	inProgress  atomic.Int32
	interrupted atomic.Bool
}

func newState() *state {
	return &state{
		procs:      make(map[string]*procDesc),
		singletons: make(map[string]goja.Value),
		handles:    newHandleTable(),
		ctx:        context.Background(),
	}
}

// critical runs fn with the watchdog held off.
func (st *state) critical(fn func()) {
	st.inProgress.Add(1)
	defer st.inProgress.Add(-1)
	fn()
}

// portal is an open cursor registered for forced cleanup.
type portal struct {
	cursor *engine.Cursor
	plan   *planDesc
	closed bool
}

func (st *state) stream() *tupleStream {
	if n := len(st.streams); n > 0 {
		return st.streams[n-1]
	}
	return nil
}
