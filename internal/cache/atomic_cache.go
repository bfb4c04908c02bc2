package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

// AdmitOutcome is the result of a TryAdmit call.
type AdmitOutcome string

const (
	Admitted  AdmitOutcome = "ADMITTED"
	Duplicate AdmitOutcome = "DUPLICATE"
	OutOfStock AdmitOutcome = "SOLD_OUT"
)

// AdmitResult carries the outcome of TryAdmit plus the position/remaining
// stock values that are only meaningful when Outcome == Admitted.
// QueueLength is populated on OutOfStock as a reporting hint.
type AdmitResult struct {
	Outcome     AdmitOutcome
	Position    int64
	Remaining   int64
	QueueLength int64
}

// ClaimOutcome is the result of a ClaimPayment call.
type ClaimOutcome string

const (
	FirstClaim     ClaimOutcome = "FIRST_CLAIM"
	AlreadyClaimed ClaimOutcome = "ALREADY_CLAIMED"
)

// ClaimResult carries the outcome of ClaimPayment plus the previously
// stored metadata when the key was already claimed.
type ClaimResult struct {
	Outcome      ClaimOutcome
	ExistingMeta string
}

// ErrUnavailable wraps any failure to reach the backing cache; callers
// map it to the engine's retryable CacheUnavailable error.
var ErrUnavailable = errors.New("atomic cache unavailable")

// AtomicCache is the narrow capability interface the Admission Service,
// Reclaim Loop, and Payment Confirmer depend on. Exactly one concrete
// transport (Redis + Lua) implements it; the core never imports
// go-redis directly.
type AtomicCache interface {
	// InitStock seeds stock:{P} to initialStock if it does not already
	// exist, so re-loading a product never resets in-flight sales.
	InitStock(ctx context.Context, productID string, initialStock int) error

	// ClampStock corrects stock:{P} downward to truth when the cached
	// counter exceeds it (or is absent). Returns whether a correction
	// was applied. Used by the reconciliation sweep; never raises an
	// existing counter.
	ClampStock(ctx context.Context, productID string, truth int) (bool, error)

	// TryAdmit is the single atomic admission primitive: single-flight
	// check, stock decrement, and fairness-queue insert in one
	// indivisible evaluation. arrivalMs is the caller-captured arrival
	// timestamp, not the server clock.
	TryAdmit(ctx context.Context, productID, userID string, arrivalMs int64, singleFlightTTL time.Duration) (AdmitResult, error)

	// ReleaseOne returns one unit of stock and clears the single-flight
	// marker. Idempotent: applying it twice leaves state equal to
	// applying it once.
	ReleaseOne(ctx context.Context, productID, userID string, initialStock int) error

	// ClaimPayment atomically claims a payment idempotency key.
	ClaimPayment(ctx context.Context, idempotencyKey string, meta string, ttl time.Duration) (ClaimResult, error)
}

// redisAtomicCache is the Redis + Lua implementation of AtomicCache.
type redisAtomicCache struct {
	client *redis.Client
}

// NewRedisAtomicCache builds an AtomicCache backed by the given Redis
// client, wrapped with a circuit breaker so a failing cache fails fast
// into ErrUnavailable instead of piling up latency under load.
func NewRedisAtomicCache(client *redis.Client) AtomicCache {
	inner := &redisAtomicCache{client: client}
	return newResilientCache(inner)
}

func (c *redisAtomicCache) InitStock(ctx context.Context, productID string, initialStock int) error {
	key := stockKey(productID)
	_, err := c.client.Eval(ctx, initStockScript, []string{key}, initialStock).Result()
	if err != nil {
		return fmt.Errorf("init stock: %w", err)
	}
	return nil
}

func (c *redisAtomicCache) ClampStock(ctx context.Context, productID string, truth int) (bool, error) {
	key := stockKey(productID)
	res, err := c.client.Eval(ctx, clampStockScript, []string{key}, truth).Result()
	if err != nil {
		return false, fmt.Errorf("clamp stock: %w", err)
	}
	return toInt64(res) == 1, nil
}

func (c *redisAtomicCache) TryAdmit(ctx context.Context, productID, userID string, arrivalMs int64, singleFlightTTL time.Duration) (AdmitResult, error) {
	keys := []string{stockKey(productID), queueKey(productID), singleFlightKey(userID, productID)}
	res, err := c.client.Eval(ctx, tryAdmitScript, keys, userID, arrivalMs, int64(singleFlightTTL.Seconds())).Result()
	if err != nil {
		return AdmitResult{}, fmt.Errorf("try admit: %w", err)
	}

	parts, ok := res.([]interface{})
	if !ok || len(parts) == 0 {
		return AdmitResult{}, fmt.Errorf("try admit: unexpected script result %v", res)
	}

	tag, _ := parts[0].(string)
	switch tag {
	case "DUPLICATE":
		return AdmitResult{Outcome: Duplicate}, nil
	case "SOLD_OUT":
		var queueLen int64
		if len(parts) > 1 {
			queueLen = toInt64(parts[1])
		}
		return AdmitResult{Outcome: OutOfStock, QueueLength: queueLen}, nil
	case "ADMITTED":
		position := toInt64(parts[1])
		remaining := toInt64(parts[2])
		return AdmitResult{Outcome: Admitted, Position: position, Remaining: remaining}, nil
	default:
		return AdmitResult{}, fmt.Errorf("try admit: unknown tag %q", tag)
	}
}

func (c *redisAtomicCache) ReleaseOne(ctx context.Context, productID, userID string, initialStock int) error {
	keys := []string{stockKey(productID), queueKey(productID), singleFlightKey(userID, productID)}
	_, err := c.client.Eval(ctx, releaseOneScript, keys, userID, initialStock).Result()
	if err != nil {
		return fmt.Errorf("release one: %w", err)
	}
	return nil
}

func (c *redisAtomicCache) ClaimPayment(ctx context.Context, idempotencyKey string, meta string, ttl time.Duration) (ClaimResult, error) {
	keys := []string{paymentIdemKey(idempotencyKey)}
	res, err := c.client.Eval(ctx, claimPaymentScript, keys, meta, int64(ttl.Seconds())).Result()
	if err != nil {
		return ClaimResult{}, fmt.Errorf("claim payment: %w", err)
	}

	parts, ok := res.([]interface{})
	if !ok || len(parts) == 0 {
		return ClaimResult{}, fmt.Errorf("claim payment: unexpected script result %v", res)
	}

	tag, _ := parts[0].(string)
	switch tag {
	case "FIRST_CLAIM":
		return ClaimResult{Outcome: FirstClaim}, nil
	case "ALREADY_CLAIMED":
		existing, _ := parts[1].(string)
		return ClaimResult{Outcome: AlreadyClaimed, ExistingMeta: existing}, nil
	default:
		return ClaimResult{}, fmt.Errorf("claim payment: unknown tag %q", tag)
	}
}

func stockKey(productID string) string         { return "stock:" + productID }
func queueKey(productID string) string         { return "queue:" + productID }
func singleFlightKey(userID, productID string) string {
	return "user:" + userID + ":product:" + productID
}
func paymentIdemKey(idempotencyKey string) string { return "pay:idem:" + idempotencyKey }

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}

// resilientCache decorates an AtomicCache with a circuit breaker,
// following the same Settings shape proven for Redis-backed caches
// elsewhere in this codebase's lineage: trip after at least 10
// requests with a failure ratio >= 50%, and hold the breaker open for
// 30s before probing again.
type resilientCache struct {
	next    AtomicCache
	breaker *gobreaker.CircuitBreaker
}

func newResilientCache(next AtomicCache) AtomicCache {
	settings := gobreaker.Settings{
		Name:    "atomic-cache",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 10 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
	}
	return &resilientCache{next: next, breaker: gobreaker.NewCircuitBreaker(settings)}
}

func (r *resilientCache) InitStock(ctx context.Context, productID string, initialStock int) error {
	_, err := r.breaker.Execute(func() (interface{}, error) {
		return nil, r.next.InitStock(ctx, productID, initialStock)
	})
	return wrapBreakerErr(err)
}

func (r *resilientCache) ClampStock(ctx context.Context, productID string, truth int) (bool, error) {
	res, err := r.breaker.Execute(func() (interface{}, error) {
		return r.next.ClampStock(ctx, productID, truth)
	})
	if err != nil {
		return false, wrapBreakerErr(err)
	}
	return res.(bool), nil
}

func (r *resilientCache) TryAdmit(ctx context.Context, productID, userID string, arrivalMs int64, singleFlightTTL time.Duration) (AdmitResult, error) {
	res, err := r.breaker.Execute(func() (interface{}, error) {
		return r.next.TryAdmit(ctx, productID, userID, arrivalMs, singleFlightTTL)
	})
	if err != nil {
		return AdmitResult{}, wrapBreakerErr(err)
	}
	return res.(AdmitResult), nil
}

func (r *resilientCache) ReleaseOne(ctx context.Context, productID, userID string, initialStock int) error {
	_, err := r.breaker.Execute(func() (interface{}, error) {
		return nil, r.next.ReleaseOne(ctx, productID, userID, initialStock)
	})
	return wrapBreakerErr(err)
}

func (r *resilientCache) ClaimPayment(ctx context.Context, idempotencyKey string, meta string, ttl time.Duration) (ClaimResult, error) {
	res, err := r.breaker.Execute(func() (interface{}, error) {
		return r.next.ClaimPayment(ctx, idempotencyKey, meta, ttl)
	})
	if err != nil {
		return ClaimResult{}, wrapBreakerErr(err)
	}
	return res.(ClaimResult), nil
}

func wrapBreakerErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: circuit open: %v", ErrUnavailable, err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
