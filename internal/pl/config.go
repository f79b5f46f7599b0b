package pl

import (
	"context"
	"time"
)

// Language is the name procedures are declared with: LANGUAGE pljs.
const Language = "pljs"

// Sandbox levels, from unrestricted to locked down.
const (
	// SafeNone leaves the interpreter unrestricted.
	SafeNone = 0
	// SafeNoEval removes eval and the Function constructor.
	SafeNoEval = 1
	// SafeFrozen also freezes the built-in prototypes and the pl namespace.
	SafeFrozen = 2
	// SafeSealed also seals the global object.
	SafeSealed = 3
)

// Config controls a language handler.
type Config struct {
	// SafeLevel is the sandbox level user code runs at.
	SafeLevel int
	// Timeout bounds an outermost call. Zero disables the watchdog.
	Timeout time.Duration
	// SingletonTable names the table of on-demand global functions.
	SingletonTable string
	// Observer receives call, cache and portal events. Nil disables them.
	Observer Observer
}

// DefaultConfig returns the default handler configuration.
func DefaultConfig() Config {
	return Config{
		SafeLevel:      SafeFrozen,
		SingletonTable: "pljs_singleton_methods",
	}
}

// Observer is notified of handler activity.
type Observer interface {
	CallFinished(ctx context.Context, proc string, trigger bool, elapsed time.Duration, err error)
	CacheLookup(ctx context.Context, hit bool)
	PortalOpened(ctx context.Context)
	TimedOut(ctx context.Context)
}

type nopObserver struct{}

func (nopObserver) CallFinished(context.Context, string, bool, time.Duration, error) {}
func (nopObserver) CacheLookup(context.Context, bool)                                {}
func (nopObserver) PortalOpened(context.Context)                                     {}
func (nopObserver) TimedOut(context.Context)                                         {}
