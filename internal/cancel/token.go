// Package cancel provides the one-way cancellation token shared between a
// dispatcher and the render operation it started.
package cancel

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrAborted is the default cause recorded when Abort is called with nil.
	ErrAborted = errors.New("operation aborted")
	// ErrReleased is the context cause of a token released without abort.
	ErrReleased = errors.New("operation released")
)

// State is the token state. It moves from StateActive to StateAborted
// exactly once.
type State int

const (
	// StateActive means work may proceed.
	StateActive State = iota
	// StateAborted means in-flight work must stop at its next check point.
	StateAborted
)

// String returns a readable state name.
func (s State) String() string {
	if s == StateAborted {
		return "aborted"
	}
	return "active"
}

// Token is a cooperative cancellation flag. Long running work checks
// Aborted at the top of each unit of work; blocking calls may additionally
// use Context, which is cancelled on abort.
type Token struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	stop   func() bool

	mu       sync.Mutex
	aborted  bool
	cause    error
	cleanups []func()
}

// New creates an active token derived from parent. Cancelling parent aborts
// the token with the parent's cause.
func New(parent context.Context) *Token {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancelCause(parent)
	t := &Token{ctx: ctx, cancel: cancel}
	t.stop = context.AfterFunc(ctx, func() {
		t.Abort(context.Cause(ctx))
	})
	return t
}

// Aborted returns a token that is already aborted with cause. It is used for
// operations that never started.
func Aborted(cause error) *Token {
	t := New(context.Background())
	t.Abort(cause)
	return t
}

// Abort transitions the token to Aborted and runs the registered cleanups.
// Only the first call has an effect; its cause wins.
func (t *Token) Abort(cause error) {
	if cause == nil {
		cause = ErrAborted
	}

	t.mu.Lock()
	if t.aborted {
		t.mu.Unlock()
		return
	}
	t.aborted = true
	t.cause = cause
	cleanups := t.cleanups
	t.cleanups = nil
	t.mu.Unlock()

	t.cancel(cause)
	for i := len(cleanups) - 1; i >= 0; i-- {
		cleanups[i]()
	}
}

// Release detaches a token whose work has finished from its parent context.
// The derived context is cancelled with ErrReleased and pending cleanups run,
// but the token stays active. A later Abort still records its cause.
func (t *Token) Release() {
	if !t.stop() {
		// The parent was cancelled first; the abort already ran or is running.
		return
	}

	t.mu.Lock()
	cleanups := t.cleanups
	t.cleanups = nil
	t.mu.Unlock()

	t.cancel(ErrReleased)
	for i := len(cleanups) - 1; i >= 0; i-- {
		cleanups[i]()
	}
}

// Aborted reports whether the token has been aborted.
func (t *Token) Aborted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.aborted
}

// State returns the current state.
func (t *Token) State() State {
	if t.Aborted() {
		return StateAborted
	}
	return StateActive
}

// Cause returns the abort cause, or nil while active.
func (t *Token) Cause() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cause
}

// OnAbort registers fn to run exactly once when the token is aborted.
// Cleanups run in reverse registration order. If the token is already
// aborted, fn runs immediately.
func (t *Token) OnAbort(fn func()) {
	t.mu.Lock()
	if t.aborted {
		t.mu.Unlock()
		fn()
		return
	}
	t.cleanups = append(t.cleanups, fn)
	t.mu.Unlock()
}

// Context returns a context cancelled when the token is aborted or released.
func (t *Token) Context() context.Context {
	return t.ctx
}

// Done returns a channel closed when the token is aborted or released.
func (t *Token) Done() <-chan struct{} {
	return t.ctx.Done()
}
