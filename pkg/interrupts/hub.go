package interrupts

import (
	"sync"
	"time"

	"github.com/caphub/caphub/pkg/models"
)

// parkTTL bounds how long an unconsumed parked signal is kept. Parked
// signals only matter for the resolve-before-await race, which is measured
// in milliseconds; entries older than this belong to interrupts whose
// waiter lives in another replica and were never needed here.
const parkTTL = 10 * time.Minute

// Resumption is delivered to the goroutine parked on a suspended run when
// its interrupt reaches a terminal status.
type Resumption struct {
	// Status is the terminal interrupt status: resolved, expired or cancelled.
	Status models.InterruptStatus

	// Response carries the human answer on resolution. Nil on expiry and
	// cancellation.
	Response *models.InterruptResponse

	// Continue is set on expiry under the continue_without policy: the run
	// resumes with a nil response instead of failing.
	Continue bool
}

type parkedSignal struct {
	r  Resumption
	at time.Time
}

// hub is the rendezvous between interrupt resolution and the executor
// goroutine parked on a suspended run. One waiter per interrupt, one signal
// per interrupt; a signal that lands before the waiter registers is parked
// until the waiter arrives, so the resolve-before-await race loses nothing.
type hub struct {
	mu      sync.Mutex
	waiters map[string]chan Resumption
	parked  map[string]parkedSignal
}

func newHub() *hub {
	return &hub{
		waiters: make(map[string]chan Resumption),
		parked:  make(map[string]parkedSignal),
	}
}

// await registers a single-use waiter for the interrupt. The returned
// release function must be called when the caller stops waiting; it frees
// the waiter slot and any parked signal. A second await for the same
// interrupt supersedes the first.
func (h *hub) await(interruptID string) (<-chan Resumption, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Resumption, 1)
	if p, ok := h.parked[interruptID]; ok {
		delete(h.parked, interruptID)
		ch <- p.r
		return ch, func() {}
	}

	h.waiters[interruptID] = ch
	release := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.waiters[interruptID] == ch {
			delete(h.waiters, interruptID)
		}
		delete(h.parked, interruptID)
	}
	return ch, release
}

// signal delivers the terminal outcome to the interrupt's waiter and
// reports whether one was registered. With no waiter the signal is parked.
// The waiter channel is buffered and single-use so delivery never blocks.
func (h *hub) signal(interruptID string, r Resumption) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.prune(time.Now())

	if ch, ok := h.waiters[interruptID]; ok {
		delete(h.waiters, interruptID)
		ch <- r
		return true
	}
	h.parked[interruptID] = parkedSignal{r: r, at: time.Now()}
	return false
}

// prune drops parked signals past their TTL. Called with mu held.
func (h *hub) prune(now time.Time) {
	for id, p := range h.parked {
		if now.Sub(p.at) > parkTTL {
			delete(h.parked, id)
		}
	}
}
