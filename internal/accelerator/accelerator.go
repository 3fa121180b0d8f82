// Package accelerator implements the relay's Accelerator: a per-chain
// ordered hint of pending work, never the source of truth. Two
// sorted sets per chain — ready (keyed by eligible_at) and retry (keyed by
// next_retry_at) — use `container/heap` the way core/amm.go's route search
// does, generalized from a single priority queue to one pair of them per
// chain.
package accelerator

import (
	"container/heap"
	"context"
	"sort"
	"sync"

	"watchtower/internal/chainmodel"
)

// Accelerator is implemented by both the default in-memory backend and the
// remote-mux shim; the Scheduler depends only on this interface.
type Accelerator interface {
	PushReady(ctx context.Context, chainID uint64, hash chainmodel.Hash, eligibleAt int64) error
	PushRetry(ctx context.Context, chainID uint64, hash chainmodel.Hash, nextRetryAt int64) error
	// Due returns up to max hashes (across both ready and retry) whose score
	// is at or before now, ordered by score ascending. It does not consume
	// entries; the Scheduler removes a hash once it has dealt with it.
	Due(ctx context.Context, chainID uint64, now int64, max int) ([]chainmodel.Hash, error)
	Remove(ctx context.Context, chainID uint64, hash chainmodel.Hash) error
}

type entry struct {
	hash  chainmodel.Hash
	score int64
	index int
}

type scoreHeap []*entry

func (h scoreHeap) Len() int            { return len(h) }
func (h scoreHeap) Less(i, j int) bool  { return h[i].score < h[j].score }
func (h scoreHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index, h[j].index = i, j }
func (h *scoreHeap) Push(x any)         { e := x.(*entry); e.index = len(*h); *h = append(*h, e) }
func (h *scoreHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// sortedSet is one scored set (either ready or retry) for one chain.
type sortedSet struct {
	h      scoreHeap
	byHash map[chainmodel.Hash]*entry
}

func newSortedSet() *sortedSet {
	return &sortedSet{byHash: make(map[chainmodel.Hash]*entry)}
}

func (s *sortedSet) upsert(hash chainmodel.Hash, score int64) {
	if e, ok := s.byHash[hash]; ok {
		e.score = score
		heap.Fix(&s.h, e.index)
		return
	}
	e := &entry{hash: hash, score: score}
	heap.Push(&s.h, e)
	s.byHash[hash] = e
}

func (s *sortedSet) remove(hash chainmodel.Hash) {
	e, ok := s.byHash[hash]
	if !ok {
		return
	}
	heap.Remove(&s.h, e.index)
	delete(s.byHash, hash)
}

func (s *sortedSet) dueSince(now int64) []entry {
	var out []entry
	for _, e := range s.h {
		if e.score <= now {
			out = append(out, *e)
		}
	}
	return out
}

// InMemory is the default Accelerator backend. Safe for concurrent use.
type InMemory struct {
	mu    sync.Mutex
	ready map[uint64]*sortedSet
	retry map[uint64]*sortedSet
}

// New builds an empty in-memory Accelerator.
func New() *InMemory {
	return &InMemory{
		ready: make(map[uint64]*sortedSet),
		retry: make(map[uint64]*sortedSet),
	}
}

func (a *InMemory) PushReady(_ context.Context, chainID uint64, hash chainmodel.Hash, eligibleAt int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.setFor(a.ready, chainID).upsert(hash, eligibleAt)
	return nil
}

func (a *InMemory) PushRetry(_ context.Context, chainID uint64, hash chainmodel.Hash, nextRetryAt int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.setFor(a.retry, chainID).upsert(hash, nextRetryAt)
	return nil
}

func (a *InMemory) Due(_ context.Context, chainID uint64, now int64, max int) ([]chainmodel.Hash, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var all []entry
	if s, ok := a.ready[chainID]; ok {
		all = append(all, s.dueSince(now)...)
	}
	if s, ok := a.retry[chainID]; ok {
		all = append(all, s.dueSince(now)...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].score < all[j].score })
	if max > 0 && len(all) > max {
		all = all[:max]
	}
	out := make([]chainmodel.Hash, len(all))
	for i, e := range all {
		out[i] = e.hash
	}
	return out, nil
}

func (a *InMemory) Remove(_ context.Context, chainID uint64, hash chainmodel.Hash) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.ready[chainID]; ok {
		s.remove(hash)
	}
	if s, ok := a.retry[chainID]; ok {
		s.remove(hash)
	}
	return nil
}

// setFor returns (creating if absent) the sortedSet for chainID. Caller must
// hold a.mu.
func (a *InMemory) setFor(sets map[uint64]*sortedSet, chainID uint64) *sortedSet {
	s, ok := sets[chainID]
	if !ok {
		s = newSortedSet()
		sets[chainID] = s
	}
	return s
}
