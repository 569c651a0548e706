package executor

import (
	"context"
	"sync"
	"time"

	"github.com/caphub/caphub/pkg/caperr"
)

// abortController enforces a run's deadline over a pausable clock. Time a
// run spends interrupted does not count against its budget: Pause stops the
// clock when the run suspends and Resume restarts it with whatever was left.
//
// The controller's context is the one handed to handlers; it is cancelled
// with a cause when the deadline fires, when the run is cancelled through
// the API, or when the worker loses its queue lease.
type abortController struct {
	ctx    context.Context
	cancel context.CancelCauseFunc

	mu        sync.Mutex
	remaining time.Duration
	startedAt time.Time
	timer     *time.Timer
	paused    bool
	fired     bool
}

// errRunTimeout is the cancellation cause set when the deadline fires.
func errRunTimeout(budget time.Duration) error {
	return caperr.Newf(caperr.CodeRunTimeout, "run exceeded its %s deadline", budget).
		WithContext("timeout", budget.String())
}

// newAbortController starts the clock with the given budget.
func newAbortController(parent context.Context, budget time.Duration) *abortController {
	ctx, cancel := context.WithCancelCause(parent)
	a := &abortController{
		ctx:       ctx,
		cancel:    cancel,
		remaining: budget,
		startedAt: time.Now(),
	}
	cause := errRunTimeout(budget)
	a.timer = time.AfterFunc(budget, func() {
		a.mu.Lock()
		a.fired = true
		a.mu.Unlock()
		cancel(cause)
	})
	return a
}

// Context is the context handlers observe at every suspension point.
func (a *abortController) Context() context.Context {
	return a.ctx
}

// Pause stops the deadline clock. Called when the run suspends on an
// interrupt. Pausing an already paused or fired controller is a no-op.
func (a *abortController) Pause() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.paused || a.fired {
		return
	}
	if a.timer.Stop() {
		a.remaining -= time.Since(a.startedAt)
		if a.remaining < 0 {
			a.remaining = 0
		}
	}
	a.paused = true
}

// Resume restarts the clock with the budget left at Pause time.
func (a *abortController) Resume() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.paused || a.fired {
		return
	}
	a.paused = false
	a.startedAt = time.Now()
	a.timer.Reset(a.remaining)
}

// Remaining reports the unspent budget. Child runs dispatched through
// agent_call inherit it as their deadline ceiling.
func (a *abortController) Remaining() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fired {
		return 0
	}
	if a.paused {
		return a.remaining
	}
	left := a.remaining - time.Since(a.startedAt)
	if left < 0 {
		return 0
	}
	return left
}

// Abort cancels the controller's context with the given cause. The deadline
// timer is stopped; the first cause wins.
func (a *abortController) Abort(cause error) {
	a.mu.Lock()
	a.timer.Stop()
	a.mu.Unlock()
	a.cancel(cause)
}

// Stop releases the timer without cancelling the context. Deferred by the
// worker once the run reaches a terminal status.
func (a *abortController) Stop() {
	a.mu.Lock()
	a.timer.Stop()
	a.mu.Unlock()
	a.cancel(nil)
}

// TimedOut reports whether the deadline fired.
func (a *abortController) TimedOut() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fired
}
