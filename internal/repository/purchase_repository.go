package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/slotforge/admission-engine/internal/model"
	"github.com/slotforge/admission-engine/internal/service"
	"github.com/slotforge/admission-engine/pkg/database"
)

// PurchasePoolInterface defines the database operations needed by PurchaseRepository.
type PurchasePoolInterface interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PurchaseRepository provides data access for purchases using pgx.
type PurchaseRepository struct {
	pool PurchasePoolInterface
}

// NewPurchaseRepository creates a new PurchaseRepository with the given pool.
func NewPurchaseRepository(pool *pgxpool.Pool) *PurchaseRepository {
	return &PurchaseRepository{pool: pool}
}

// NewPurchaseRepositoryWithPool creates a new PurchaseRepository with a custom pool interface.
// This is primarily used for testing.
func NewPurchaseRepositoryWithPool(pool PurchasePoolInterface) *PurchaseRepository {
	return &PurchaseRepository{pool: pool}
}

// InsertPending inserts the PENDING purchase row created the moment a
// payment idempotency key is first claimed, so a crash before the
// final outcome is durable still leaves a row the payment-timeout
// sweeper can find and resolve.
func (r *PurchaseRepository) InsertPending(ctx context.Context, p *model.Purchase) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO purchases (id, slot_id, user_id, product_id, amount, payment_reference, idempotency_key, payment_status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 'PENDING', $8)
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		p.ID, p.SlotID, p.UserID, p.ProductID, p.Amount, p.PaymentReference, p.IdempotencyKey, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert pending purchase: %w", err)
	}
	return nil
}

// MarkSuccess transitions an existing PENDING purchase row to SUCCESS
// within tx, alongside the slot's own compare-and-set transition.
// Returns service.ErrIdempotencyConflict if the row was not PENDING
// (the atomic cache's ClaimPayment should normally prevent this; the
// guard is a durable backstop for idempotency-key uniqueness).
func (r *PurchaseRepository) MarkSuccess(ctx context.Context, tx database.TxQuerier, p *model.Purchase) error {
	tag, err := tx.Exec(ctx,
		`UPDATE purchases SET payment_status = 'SUCCESS', payment_reference = $2, confirmed_at = $3
		 WHERE id = $1 AND payment_status = 'PENDING'`,
		p.ID, p.PaymentReference, p.ConfirmedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return service.ErrIdempotencyConflict
		}
		return fmt.Errorf("mark purchase %s succeeded: %w", p.ID, err)
	}
	if tag.RowsAffected() != 1 {
		return service.ErrIdempotencyConflict
	}
	return nil
}

// InsertFailed inserts a FAILED purchase row or, when a row with the
// same idempotency key already exists (such as the staged PENDING row),
// sets that row to FAILED with the given reason.
func (r *PurchaseRepository) InsertFailed(ctx context.Context, p *model.Purchase) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO purchases (id, slot_id, user_id, product_id, amount, payment_reference, idempotency_key, payment_status, failure_reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 'FAILED', $8, now())
		 ON CONFLICT (idempotency_key) DO UPDATE SET payment_status = 'FAILED', failure_reason = EXCLUDED.failure_reason`,
		p.ID, p.SlotID, p.UserID, p.ProductID, p.Amount, p.PaymentReference, p.IdempotencyKey, p.FailureReason,
	)
	if err != nil {
		return fmt.Errorf("insert failed purchase: %w", err)
	}
	return nil
}

// GetByIdempotencyKey returns the purchase for key, or nil, nil if none exists.
func (r *PurchaseRepository) GetByIdempotencyKey(ctx context.Context, key string) (*model.Purchase, error) {
	query := `SELECT id, slot_id, user_id, product_id, amount, payment_reference, idempotency_key,
		payment_status, failure_reason, created_at, confirmed_at
		FROM purchases WHERE idempotency_key = $1`

	var p model.Purchase
	var failureReason *string
	var confirmedAt *time.Time
	err := r.pool.QueryRow(ctx, query, key).Scan(
		&p.ID, &p.SlotID, &p.UserID, &p.ProductID, &p.Amount, &p.PaymentReference, &p.IdempotencyKey,
		&p.PaymentStatus, &failureReason, &p.CreatedAt, &confirmedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get purchase by idempotency key: %w", err)
	}
	if failureReason != nil {
		p.FailureReason = *failureReason
	}
	p.ConfirmedAt = confirmedAt
	return &p, nil
}

// GetPendingOlderThan returns PENDING purchases whose CreatedAt is
// older than cutoff, for the payment-timeout sweeper.
func (r *PurchaseRepository) GetPendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*model.Purchase, error) {
	query := `SELECT id, slot_id, user_id, product_id, amount, payment_reference, idempotency_key, created_at
		FROM purchases WHERE payment_status = 'PENDING' AND created_at <= $1
		ORDER BY created_at ASC LIMIT $2`

	rows, err := r.pool.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("get pending purchases: %w", err)
	}
	defer rows.Close()

	var out []*model.Purchase
	for rows.Next() {
		var p model.Purchase
		if err := rows.Scan(&p.ID, &p.SlotID, &p.UserID, &p.ProductID, &p.Amount, &p.PaymentReference, &p.IdempotencyKey, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan pending purchase: %w", err)
		}
		out = append(out, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending purchases: %w", err)
	}
	return out, nil
}

// MarkTimedOut transitions a PENDING purchase to FAILED with reason
// PAYMENT_TIMEOUT. Guarded so a purchase that already reached SUCCESS
// or FAILED by the time the sweeper runs is left untouched.
func (r *PurchaseRepository) MarkTimedOut(ctx context.Context, id string) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE purchases SET payment_status = 'FAILED', failure_reason = 'PAYMENT_TIMEOUT' WHERE id = $1 AND payment_status = 'PENDING'`,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("mark purchase %s timed out: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ZeroAmount is a convenience constructor matching the decimal import
// so callers never construct monetary values from floats.
func ZeroAmount() decimal.Decimal { return decimal.Zero }
