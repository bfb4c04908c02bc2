//go:build integration

package cache

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *redis.Client {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, client.Ping(context.Background()).Err())
	return client
}

func TestAtomicCache_TryAdmit_ExactlyOneWinsOnSingleStock(t *testing.T) {
	client := newTestClient(t)
	defer client.Close()

	product := "p-race-1"
	defer client.Del(context.Background(), stockKey(product), queueKey(product))

	raw := &redisAtomicCache{client: client}
	require.NoError(t, raw.InitStock(context.Background(), product, 1))

	const workers = 50
	var wg sync.WaitGroup
	results := make([]AdmitOutcome, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			userID := "user-" + string(rune('A'+idx))
			res, err := raw.TryAdmit(context.Background(), product, userID, int64(1000+idx), 30*time.Minute)
			require.NoError(t, err)
			results[idx] = res.Outcome
		}(i)
	}
	wg.Wait()

	admitted := 0
	soldOut := 0
	for _, r := range results {
		switch r {
		case Admitted:
			admitted++
		case OutOfStock:
			soldOut++
		}
	}
	assert.Equal(t, 1, admitted, "exactly one admission with stock=1")
	assert.Equal(t, workers-1, soldOut)
}

func TestAtomicCache_TryAdmit_DuplicateForSameUser(t *testing.T) {
	client := newTestClient(t)
	defer client.Close()

	product := "p-dup-1"
	user := "user-dup"
	defer client.Del(context.Background(), stockKey(product), queueKey(product), singleFlightKey(user, product))

	raw := &redisAtomicCache{client: client}
	require.NoError(t, raw.InitStock(context.Background(), product, 2))

	first, err := raw.TryAdmit(context.Background(), product, user, 1000, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, Admitted, first.Outcome)

	second, err := raw.TryAdmit(context.Background(), product, user, 1500, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, Duplicate, second.Outcome)
}

func TestAtomicCache_ReleaseOne_IdempotentUnderInitialStockGuard(t *testing.T) {
	client := newTestClient(t)
	defer client.Close()

	product := "p-release-1"
	user := "user-release"
	defer client.Del(context.Background(), stockKey(product), queueKey(product), singleFlightKey(user, product))

	raw := &redisAtomicCache{client: client}
	require.NoError(t, raw.InitStock(context.Background(), product, 2))

	admit, err := raw.TryAdmit(context.Background(), product, user, 1000, 30*time.Minute)
	require.NoError(t, err)
	require.Equal(t, Admitted, admit.Outcome)
	require.EqualValues(t, 1, admit.Remaining)

	require.NoError(t, raw.ReleaseOne(context.Background(), product, user, 2))
	require.NoError(t, raw.ReleaseOne(context.Background(), product, user, 2))

	val, err := client.Get(context.Background(), stockKey(product)).Int()
	require.NoError(t, err)
	assert.Equal(t, 2, val, "releasing twice must not exceed initial stock")
}

func TestAtomicCache_ClaimPayment_SecondClaimReturnsAlreadyClaimed(t *testing.T) {
	client := newTestClient(t)
	defer client.Close()

	key := "idem-test-1"
	defer client.Del(context.Background(), paymentIdemKey(key))

	raw := &redisAtomicCache{client: client}

	first, err := raw.ClaimPayment(context.Background(), key, `{"outcome":"SUCCESS"}`, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, FirstClaim, first.Outcome)

	second, err := raw.ClaimPayment(context.Background(), key, `{"outcome":"SUCCESS"}`, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, AlreadyClaimed, second.Outcome)
	assert.JSONEq(t, `{"outcome":"SUCCESS"}`, second.ExistingMeta)
}

func TestAtomicCache_ClampStock_DownwardOnly(t *testing.T) {
	client := newTestClient(t)
	defer client.Close()

	product := "p-clamp-1"
	defer client.Del(context.Background(), stockKey(product))

	raw := &redisAtomicCache{client: client}

	// Absent key: seeded to truth.
	corrected, err := raw.ClampStock(context.Background(), product, 5)
	require.NoError(t, err)
	assert.True(t, corrected)

	// At truth: untouched.
	corrected, err = raw.ClampStock(context.Background(), product, 5)
	require.NoError(t, err)
	assert.False(t, corrected)

	// Inflated counter: clamped back down.
	require.NoError(t, client.Set(context.Background(), stockKey(product), 1000, 0).Err())
	corrected, err = raw.ClampStock(context.Background(), product, 5)
	require.NoError(t, err)
	assert.True(t, corrected)
	val, err := client.Get(context.Background(), stockKey(product)).Int()
	require.NoError(t, err)
	assert.Equal(t, 5, val)

	// Below truth: left alone, under-admission is the safe direction.
	require.NoError(t, client.Set(context.Background(), stockKey(product), 2, 0).Err())
	corrected, err = raw.ClampStock(context.Background(), product, 5)
	require.NoError(t, err)
	assert.False(t, corrected)
	val, err = client.Get(context.Background(), stockKey(product)).Int()
	require.NoError(t, err)
	assert.Equal(t, 2, val)
}

func TestAtomicCache_TryAdmit_SoldOutReportsQueueLength(t *testing.T) {
	client := newTestClient(t)
	defer client.Close()

	product := "p-qlen-1"
	defer func() {
		client.Del(context.Background(), stockKey(product), queueKey(product))
		for _, u := range []string{"qa", "qb", "qc"} {
			client.Del(context.Background(), singleFlightKey(u, product))
		}
	}()

	raw := &redisAtomicCache{client: client}
	require.NoError(t, raw.InitStock(context.Background(), product, 2))

	for i, u := range []string{"qa", "qb"} {
		res, err := raw.TryAdmit(context.Background(), product, u, int64(1000+i), 30*time.Minute)
		require.NoError(t, err)
		require.Equal(t, Admitted, res.Outcome)
	}

	res, err := raw.TryAdmit(context.Background(), product, "qc", 1002, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, OutOfStock, res.Outcome)
	assert.EqualValues(t, 2, res.QueueLength)
}

func TestAtomicCache_ReleaseOne_DuplicateReleaseDoesNotStealLiveUnit(t *testing.T) {
	client := newTestClient(t)
	defer client.Close()

	product := "p-release-2"
	defer func() {
		client.Del(context.Background(), stockKey(product), queueKey(product))
		for _, u := range []string{"rel-a", "rel-b"} {
			client.Del(context.Background(), singleFlightKey(u, product))
		}
	}()

	raw := &redisAtomicCache{client: client}
	require.NoError(t, raw.InitStock(context.Background(), product, 2))

	for i, u := range []string{"rel-a", "rel-b"} {
		res, err := raw.TryAdmit(context.Background(), product, u, int64(1000+i), 30*time.Minute)
		require.NoError(t, err)
		require.Equal(t, Admitted, res.Outcome)
	}

	// Release one of the two holders, then replay the same release.
	require.NoError(t, raw.ReleaseOne(context.Background(), product, "rel-a", 2))
	require.NoError(t, raw.ReleaseOne(context.Background(), product, "rel-a", 2))

	val, err := client.Get(context.Background(), stockKey(product)).Int()
	require.NoError(t, err)
	assert.Equal(t, 1, val, "the duplicate release must not credit a unit the other holder still owns")
}
