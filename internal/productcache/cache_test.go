package productcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slotforge/admission-engine/internal/model"
)

func countingLoader(loads *int64, err error) Loader {
	return func(ctx context.Context, productID string) (*model.Product, error) {
		atomic.AddInt64(loads, 1)
		if err != nil {
			return nil, err
		}
		return &model.Product{ID: productID, InitialStock: 10}, nil
	}
}

func TestCache_ServesFromCacheWithinTTL(t *testing.T) {
	var loads int64
	c := New(time.Minute, countingLoader(&loads, nil))

	first, err := c.Get(context.Background(), "p1")
	require.NoError(t, err)
	second, err := c.Get(context.Background(), "p1")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.EqualValues(t, 1, atomic.LoadInt64(&loads), "second Get must not reach the loader")
}

func TestCache_ReloadsAfterTTL(t *testing.T) {
	var loads int64
	c := New(10*time.Millisecond, countingLoader(&loads, nil))

	_, err := c.Get(context.Background(), "p1")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	_, err = c.Get(context.Background(), "p1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt64(&loads))
}

func TestCache_InvalidateForcesReload(t *testing.T) {
	var loads int64
	c := New(time.Minute, countingLoader(&loads, nil))

	_, err := c.Get(context.Background(), "p1")
	require.NoError(t, err)

	c.Invalidate("p1")

	_, err = c.Get(context.Background(), "p1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt64(&loads))
}

func TestCache_LoaderErrorIsNotCached(t *testing.T) {
	var loads int64
	loadErr := errors.New("store down")
	c := New(time.Minute, countingLoader(&loads, loadErr))

	_, err := c.Get(context.Background(), "p1")
	assert.ErrorIs(t, err, loadErr)

	_, err = c.Get(context.Background(), "p1")
	assert.ErrorIs(t, err, loadErr)
	assert.EqualValues(t, 2, atomic.LoadInt64(&loads), "errors must not be cached")
}

func TestCache_ConcurrentMissesCollapseIntoOneLoad(t *testing.T) {
	var loads int64
	slowLoader := func(ctx context.Context, productID string) (*model.Product, error) {
		atomic.AddInt64(&loads, 1)
		time.Sleep(50 * time.Millisecond)
		return &model.Product{ID: productID}, nil
	}
	c := New(time.Minute, slowLoader)

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Get(context.Background(), "p1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt64(&loads),
		"concurrent misses for one product must collapse into a single load")
}
