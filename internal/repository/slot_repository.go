package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/slotforge/admission-engine/internal/model"
	"github.com/slotforge/admission-engine/internal/service"
	"github.com/slotforge/admission-engine/pkg/database"
)

// SlotPoolInterface defines the database operations needed by SlotRepository.
type SlotPoolInterface interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// SlotRepository provides data access for purchase slots using pgx.
type SlotRepository struct {
	pool SlotPoolInterface
}

// NewSlotRepository creates a new SlotRepository with the given pool.
func NewSlotRepository(pool *pgxpool.Pool) *SlotRepository {
	return &SlotRepository{pool: pool}
}

// NewSlotRepositoryWithPool creates a new SlotRepository with a custom pool interface.
// This is primarily used for testing.
func NewSlotRepositoryWithPool(pool SlotPoolInterface) *SlotRepository {
	return &SlotRepository{pool: pool}
}

// Insert persists a freshly admitted ACTIVE slot. The (product_id,
// user_id) partial-unique index on status='ACTIVE' is a durable
// backstop for single-flight, defense in depth alongside the atomic
// cache's single-flight marker.
func (r *SlotRepository) Insert(ctx context.Context, slot *model.PurchaseSlot) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO purchase_slots (id, product_id, user_id, status, acquired_at, expires_at, trace_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		slot.ID, slot.ProductID, slot.UserID, slot.Status, slot.AcquiredAt, slot.ExpiresAt, slot.TraceID,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return service.ErrDuplicateSlot
		}
		return fmt.Errorf("insert slot: %w", err)
	}
	return nil
}

// GetByID retrieves a slot by id. Returns service.ErrSlotNotAdmissible
// if absent.
func (r *SlotRepository) GetByID(ctx context.Context, id string) (*model.PurchaseSlot, error) {
	query := `SELECT id, product_id, user_id, status, acquired_at, expires_at, reclaim_kind, trace_id
		FROM purchase_slots WHERE id = $1`

	var s model.PurchaseSlot
	var reclaimKind *string
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&s.ID, &s.ProductID, &s.UserID, &s.Status, &s.AcquiredAt, &s.ExpiresAt, &reclaimKind, &s.TraceID,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, service.ErrSlotNotAdmissible
		}
		return nil, fmt.Errorf("get slot %s: %w", id, err)
	}
	if reclaimKind != nil {
		s.ReclaimKind = model.ReclaimKind(*reclaimKind)
	}
	return &s, nil
}

// GetActiveByUserProduct is the optional durable single-flight
// pre-check, an optimization only; the atomic cache is authoritative.
// Returns nil, nil when no ACTIVE slot exists.
func (r *SlotRepository) GetActiveByUserProduct(ctx context.Context, userID, productID string) (*model.PurchaseSlot, error) {
	query := `SELECT id, product_id, user_id, status, acquired_at, expires_at, trace_id
		FROM purchase_slots WHERE user_id = $1 AND product_id = $2 AND status = 'ACTIVE'`

	var s model.PurchaseSlot
	err := r.pool.QueryRow(ctx, query, userID, productID).Scan(
		&s.ID, &s.ProductID, &s.UserID, &s.Status, &s.AcquiredAt, &s.ExpiresAt, &s.TraceID,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get active slot for %s/%s: %w", userID, productID, err)
	}
	return &s, nil
}

// TransitionToExpired performs the compare-and-set ACTIVE -> EXPIRED.
// Returns (false, nil) if the row was not in ACTIVE status (a
// concurrent payment won the race), never an error for that case.
func (r *SlotRepository) TransitionToExpired(ctx context.Context, id string, kind model.ReclaimKind) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE purchase_slots SET status = 'EXPIRED', reclaim_kind = $2 WHERE id = $1 AND status = 'ACTIVE'`,
		id, string(kind),
	)
	if err != nil {
		return false, fmt.Errorf("transition slot %s to expired: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// TransitionToCompleted performs the compare-and-set ACTIVE -> COMPLETED.
func (r *SlotRepository) TransitionToCompleted(ctx context.Context, tx database.TxQuerier, id string) (bool, error) {
	tag, err := tx.Exec(ctx, `UPDATE purchase_slots SET status = 'COMPLETED' WHERE id = $1 AND status = 'ACTIVE'`, id)
	if err != nil {
		return false, fmt.Errorf("transition slot %s to completed: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetExpiredBatch fetches up to limit slots that are ACTIVE and whose
// expires_at has elapsed as of now, ordered by expires_at ascending so
// the oldest expirations are reclaimed first.
func (r *SlotRepository) GetExpiredBatch(ctx context.Context, now time.Time, limit int) ([]*model.PurchaseSlot, error) {
	query := `SELECT id, product_id, user_id, status, acquired_at, expires_at, trace_id
		FROM purchase_slots WHERE status = 'ACTIVE' AND expires_at <= $1
		ORDER BY expires_at ASC LIMIT $2`

	rows, err := r.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("get expired slots: %w", err)
	}
	defer rows.Close()

	var out []*model.PurchaseSlot
	for rows.Next() {
		var s model.PurchaseSlot
		if err := rows.Scan(&s.ID, &s.ProductID, &s.UserID, &s.Status, &s.AcquiredAt, &s.ExpiresAt, &s.TraceID); err != nil {
			return nil, fmt.Errorf("scan expired slot: %w", err)
		}
		out = append(out, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired slots: %w", err)
	}
	return out, nil
}

// ListExpiredSince returns EXPIRED slots whose deadline falls after
// since, oldest first. The reconciliation pass re-runs ReleaseOne over
// this set to credit back any unit whose release was lost to a crash
// between the durable transition and the cache call.
func (r *SlotRepository) ListExpiredSince(ctx context.Context, since time.Time, limit int) ([]*model.PurchaseSlot, error) {
	query := `SELECT id, product_id, user_id, status, acquired_at, expires_at, trace_id
		FROM purchase_slots WHERE status = 'EXPIRED' AND expires_at >= $1
		ORDER BY expires_at ASC LIMIT $2`

	rows, err := r.pool.Query(ctx, query, since, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired slots: %w", err)
	}
	defer rows.Close()

	var out []*model.PurchaseSlot
	for rows.Next() {
		var s model.PurchaseSlot
		if err := rows.Scan(&s.ID, &s.ProductID, &s.UserID, &s.Status, &s.AcquiredAt, &s.ExpiresAt, &s.TraceID); err != nil {
			return nil, fmt.Errorf("scan expired slot: %w", err)
		}
		out = append(out, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired slots: %w", err)
	}
	return out, nil
}

// CountActiveOrCompleted returns |ACTIVE ∪ COMPLETED| slots for a
// product, used by the reconciliation sweep to recompute the truth the
// cache's stock counter must converge to.
func (r *SlotRepository) CountActiveOrCompleted(ctx context.Context, productID string) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM purchase_slots WHERE product_id = $1 AND status IN ('ACTIVE', 'COMPLETED')`,
		productID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active/completed slots for %s: %w", productID, err)
	}
	return count, nil
}
