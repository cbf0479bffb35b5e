package memring

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchMissComputesAndStores(t *testing.T) {
	c := newTestClient(t, startServers(t, 1))
	ctx := context.Background()

	calls := 0
	loader := func() (interface{}, error) {
		calls++
		return "computed", nil
	}

	got, err := c.Fetch(ctx, "fetch-key", 0, loader)
	require.NoError(t, err)
	assert.Equal(t, "computed", got)
	assert.Equal(t, 1, calls)

	// Second fetch hits the cache.
	got, err = c.Fetch(ctx, "fetch-key", 0, loader)
	require.NoError(t, err)
	assert.Equal(t, "computed", got)
	assert.Equal(t, 1, calls)
}

func TestFetchLoaderError(t *testing.T) {
	c := newTestClient(t, startServers(t, 1))

	boom := errors.New("upstream unavailable")
	_, err := c.Fetch(context.Background(), "fetch-err", 0, func() (interface{}, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestFetchNilNotCachedByDefault(t *testing.T) {
	c := newTestClient(t, startServers(t, 1))
	ctx := context.Background()

	calls := 0
	loader := func() (interface{}, error) {
		calls++
		return nil, nil
	}

	_, err := c.Fetch(ctx, "nil-key", 0, loader)
	require.NoError(t, err)
	_, err = c.Fetch(ctx, "nil-key", 0, loader)
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "nil results are recomputed unless nil caching is on")
}

func TestFetchCacheNils(t *testing.T) {
	c := newTestClient(t, startServers(t, 1), WithCacheNils(true))
	ctx := context.Background()

	calls := 0
	loader := func() (interface{}, error) {
		calls++
		return nil, nil
	}

	got, err := c.Fetch(ctx, "nil-key", 0, loader)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = c.Fetch(ctx, "nil-key", 0, loader)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, 1, calls, "a cached nil is a hit")
}

func TestUpdateCreatesWhenMissing(t *testing.T) {
	c := newTestClient(t, startServers(t, 1))

	got, err := c.Update(context.Background(), "upd", 0, func(current interface{}, found bool) (interface{}, error) {
		assert.False(t, found)
		assert.Nil(t, current)
		return "created", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "created", got)
}

func TestUpdateTransformsExisting(t *testing.T) {
	c := newTestClient(t, startServers(t, 1))
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "upd", 10, 0))

	got, err := c.Update(ctx, "upd", 0, func(current interface{}, found bool) (interface{}, error) {
		require.True(t, found)
		return current.(int64) + 1, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(11), got)

	stored, err := c.Get(ctx, "upd")
	require.NoError(t, err)
	assert.Equal(t, int64(11), stored)
}

func TestUpdateConcurrentCountsEveryIncrement(t *testing.T) {
	c := newTestClient(t, startServers(t, 1), WithCASRetries(64))
	ctx := context.Background()

	const goroutines = 8
	const perGoroutine = 20

	var wg sync.WaitGroup
	errs := make(chan error, goroutines)
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				_, err := c.Update(ctx, "shared-count", 0, func(current interface{}, found bool) (interface{}, error) {
					if !found {
						return int64(1), nil
					}
					return current.(int64) + 1, nil
				})
				if err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	got, err := c.Get(ctx, "shared-count")
	require.NoError(t, err)
	assert.Equal(t, int64(goroutines*perGoroutine), got)
}

func TestUpdateCallbackError(t *testing.T) {
	c := newTestClient(t, startServers(t, 1))

	boom := errors.New("cannot transform")
	_, err := c.Update(context.Background(), "upd", 0, func(interface{}, bool) (interface{}, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestCasOrCreate(t *testing.T) {
	c := newTestClient(t, startServers(t, 1))
	ctx := context.Background()

	// Missing key becomes a create.
	require.NoError(t, c.CasOrCreate(ctx, "coc", "v1", 0, 12345))

	_, cas, err := c.Gets(ctx, "coc")
	require.NoError(t, err)
	require.NoError(t, c.CasOrCreate(ctx, "coc", "v2", 0, cas))

	// Stale token on an existing key still conflicts.
	err = c.CasOrCreate(ctx, "coc", "v3", 0, cas)
	assert.ErrorIs(t, err, ErrCASConflict)
}
