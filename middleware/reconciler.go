package middleware

import (
	"sync"

	"github.com/chihaya/tracker/bittorrent"
	"github.com/chihaya/tracker/pkg/log"
	"github.com/chihaya/tracker/storage"
)

// maxReconcilerAttempts bounds how many times the reconciler will retry a
// single pending write before dropping it, so a persistently-down store
// cannot grow the queue without bound.
const maxReconcilerAttempts = 5

// maxReconcilerQueueLen bounds the total number of pending writes held at
// once, oldest first; once full, a new failure for an info-hash not
// already queued is dropped and logged rather than evicting older work.
const maxReconcilerQueueLen = 4096

type pendingWrite struct {
	infoHash bittorrent.InfoHash
	count    uint32
	attempts int
}

// reconciler is a bounded in-memory retry queue for completed-counter
// persistence writes. The registry mutation that produces a new counter
// value always succeeds in memory immediately; if the accompanying
// PersistCompleted call fails, the write is queued here and retried on the
// next janitor tick instead of being lost.
type reconciler struct {
	persist storage.PersistencePort

	mu      sync.Mutex
	pending map[bittorrent.InfoHash]*pendingWrite
	order   []bittorrent.InfoHash
}

func newReconciler(persist storage.PersistencePort) *reconciler {
	return &reconciler{
		persist: persist,
		pending: make(map[bittorrent.InfoHash]*pendingWrite),
	}
}

// enqueue records a completed-counter write for infoHash with value count,
// superseding any write already queued for the same info-hash: only the
// latest snapshot is worth retrying.
func (r *reconciler) enqueue(infoHash bittorrent.InfoHash, count uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if w, ok := r.pending[infoHash]; ok {
		w.count = count
		w.attempts = 0
		return
	}

	if len(r.order) >= maxReconcilerQueueLen {
		log.Warn("reconciler queue full, dropping completed-counter write", log.Fields{
			"infoHash": infoHash.String(),
		})
		return
	}

	r.pending[infoHash] = &pendingWrite{infoHash: infoHash, count: count}
	r.order = append(r.order, infoHash)
}

// drain retries every queued write once, dropping any that have exhausted
// maxReconcilerAttempts or that now succeed.
func (r *reconciler) drain() {
	r.mu.Lock()
	writes := make([]*pendingWrite, 0, len(r.order))
	for _, ih := range r.order {
		if w, ok := r.pending[ih]; ok {
			writes = append(writes, w)
		}
	}
	r.mu.Unlock()

	for _, w := range writes {
		err := r.persist.PersistCompleted(w.infoHash, w.count)
		if err == nil {
			r.mu.Lock()
			delete(r.pending, w.infoHash)
			r.mu.Unlock()
			continue
		}

		w.attempts++
		if w.attempts >= maxReconcilerAttempts {
			log.Error("giving up on completed-counter write after repeated failures", log.Fields{
				"infoHash": w.infoHash.String(),
				"attempts": w.attempts,
			})
			r.mu.Lock()
			delete(r.pending, w.infoHash)
			r.mu.Unlock()
			continue
		}

		log.Warn("retrying completed-counter write next tick", log.Err(err))
	}

	r.mu.Lock()
	compacted := r.order[:0]
	for _, ih := range r.order {
		if _, ok := r.pending[ih]; ok {
			compacted = append(compacted, ih)
		}
	}
	r.order = compacted
	r.mu.Unlock()
}
