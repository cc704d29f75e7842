package udp

import (
	"context"
	"sync"
)

// taskPool keeps a fixed-size ring of cancel functions for request-processing
// tasks. Request handling is CPU-light (a hash, a map lookup, a short
// critical section), so the risk under overload isn't slow tasks — it's too
// many of them queued waiting to start. Acquiring a slot for the
// capacity-th-plus-first task cancels whichever task last took that ring
// slot, so a task that has not started by then is dropped instead of run.
// taskPool does not cap the number of goroutines: the caller still spawns
// one per datagram, and a task that has already started runs to completion
// even if its context is canceled later.
type taskPool struct {
	mu   sync.Mutex
	ring []context.CancelFunc
	next int
}

// newTaskPool creates a taskPool whose ring has capacity slots.
func newTaskPool(capacity int) *taskPool {
	return &taskPool{ring: make([]context.CancelFunc, capacity)}
}

// acquire reserves the next ring slot for a new task, evicting whatever
// task currently occupies it, and returns a context that is canceled
// either when the caller's done func is invoked or when a future task
// reclaims the same slot.
func (p *taskPool) acquire(parent context.Context) (ctx context.Context, done func()) {
	ctx, cancel := context.WithCancel(parent)

	p.mu.Lock()
	idx := p.next
	p.next = (p.next + 1) % len(p.ring)
	evict := p.ring[idx]
	p.ring[idx] = cancel
	p.mu.Unlock()

	if evict != nil {
		evict()
	}

	return ctx, cancel
}
