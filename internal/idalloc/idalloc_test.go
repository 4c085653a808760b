package idalloc

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextSeedsFromStoreOnce(t *testing.T) {
	calls := 0
	alloc := New(func(ctx context.Context, treeID string) (int64, error) {
		calls++
		return 7, nil
	})

	id, err := alloc.Next(context.Background(), "tree-1")
	require.NoError(t, err)
	assert.Equal(t, int64(8), id)

	id, err = alloc.Next(context.Background(), "tree-1")
	require.NoError(t, err)
	assert.Equal(t, int64(9), id)
	assert.Equal(t, 1, calls, "seed query should run once per tree")
}

func TestNextIsolatesTrees(t *testing.T) {
	alloc := New(func(ctx context.Context, treeID string) (int64, error) {
		if treeID == "tree-a" {
			return 100, nil
		}
		return 0, nil
	})

	idA, err := alloc.Next(context.Background(), "tree-a")
	require.NoError(t, err)
	idB, err := alloc.Next(context.Background(), "tree-b")
	require.NoError(t, err)

	assert.Equal(t, int64(101), idA)
	assert.Equal(t, int64(1), idB)
}

func TestForgetForcesReseed(t *testing.T) {
	max := int64(3)
	alloc := New(func(ctx context.Context, treeID string) (int64, error) {
		return max, nil
	})

	id, err := alloc.Next(context.Background(), "tree-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), id)

	max = 20
	alloc.Forget("tree-1")

	id, err = alloc.Next(context.Background(), "tree-1")
	require.NoError(t, err)
	assert.Equal(t, int64(21), id)
}

func TestNextPropagatesSeedError(t *testing.T) {
	alloc := New(func(ctx context.Context, treeID string) (int64, error) {
		return 0, errors.New("db down")
	})

	_, err := alloc.Next(context.Background(), "tree-1")
	assert.Error(t, err)
}

func TestNextConcurrentAllocationsAreUnique(t *testing.T) {
	alloc := New(func(ctx context.Context, treeID string) (int64, error) {
		return 0, nil
	})

	const workers = 50
	ids := make(chan int64, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := alloc.Next(context.Background(), "tree-1")
			if err == nil {
				ids <- id
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[int64]bool{}
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
	assert.Len(t, seen, workers)
}
