// Package idalloc hands out monotonically increasing person ids per tree.
//
// The allocator is a process-local optimization; the persons table remains
// authoritative. Each tree's counter is seeded lazily from MAX(id) and
// dropped on demand so insert conflicts can force a reseed.
package idalloc

import (
	"context"
	"sync"
)

// MaxIDFunc reports the highest person id currently stored for a tree.
type MaxIDFunc func(ctx context.Context, treeID string) (int64, error)

type Allocator struct {
	mu    sync.Mutex
	next  map[string]int64
	maxID MaxIDFunc
}

func New(maxID MaxIDFunc) *Allocator {
	return &Allocator{
		next:  make(map[string]int64),
		maxID: maxID,
	}
}

// Next returns the next unused person id for the tree.
func (a *Allocator) Next(ctx context.Context, treeID string) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	current, ok := a.next[treeID]
	if !ok {
		seeded, err := a.maxID(ctx, treeID)
		if err != nil {
			return 0, err
		}
		current = seeded
	}
	current++
	a.next[treeID] = current
	return current, nil
}

// Forget drops the cached counter so the next allocation reseeds from the
// store. Called after insert conflicts and tree deletion.
func (a *Allocator) Forget(treeID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.next, treeID)
}
