package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slotforge/admission-engine/internal/model"
	"github.com/slotforge/admission-engine/internal/service"
)

func TestSlotRepository_Insert_Success(t *testing.T) {
	var gotSQL string
	pool := &mockPool{
		execFn: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			gotSQL = sql
			require.Len(t, args, 7)
			return pgconn.NewCommandTag("INSERT 0 1"), nil
		},
	}
	repo := NewSlotRepositoryWithPool(pool)

	err := repo.Insert(context.Background(), &model.PurchaseSlot{
		ID:         "slot-1",
		ProductID:  "p1",
		UserID:     "u1",
		Status:     model.SlotActive,
		AcquiredAt: time.Now(),
		ExpiresAt:  time.Now().Add(30 * time.Minute),
		TraceID:    "trace-1",
	})
	require.NoError(t, err)
	assert.Contains(t, gotSQL, "INSERT INTO purchase_slots")
}

func TestSlotRepository_Insert_UniqueViolationMapsToDuplicateSlot(t *testing.T) {
	pool := &mockPool{
		execFn: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			return pgconn.CommandTag{}, &pgconn.PgError{Code: "23505"}
		},
	}
	repo := NewSlotRepositoryWithPool(pool)

	err := repo.Insert(context.Background(), &model.PurchaseSlot{ID: "slot-1"})
	assert.ErrorIs(t, err, service.ErrDuplicateSlot)
}

func TestSlotRepository_GetByID_NotFound(t *testing.T) {
	pool := &mockPool{
		queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return &mockRow{scanFn: func(dest ...any) error { return pgx.ErrNoRows }}
		},
	}
	repo := NewSlotRepositoryWithPool(pool)

	_, err := repo.GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, service.ErrSlotNotAdmissible)
}

func TestSlotRepository_GetActiveByUserProduct_NoRowsMeansNoSlot(t *testing.T) {
	pool := &mockPool{
		queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return &mockRow{scanFn: func(dest ...any) error { return pgx.ErrNoRows }}
		},
	}
	repo := NewSlotRepositoryWithPool(pool)

	slot, err := repo.GetActiveByUserProduct(context.Background(), "u1", "p1")
	require.NoError(t, err, "an absent active slot is not an error")
	assert.Nil(t, slot)
}

func TestSlotRepository_TransitionToExpired_CompareAndSet(t *testing.T) {
	tests := []struct {
		name         string
		affectedRows string
		want         bool
	}{
		{"row was ACTIVE", "UPDATE 1", true},
		{"row already terminal", "UPDATE 0", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool := &mockPool{
				execFn: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
					assert.Contains(t, sql, "status = 'ACTIVE'", "the transition must be guarded by the current status")
					return pgconn.NewCommandTag(tt.affectedRows), nil
				},
			}
			repo := NewSlotRepositoryWithPool(pool)

			transitioned, err := repo.TransitionToExpired(context.Background(), "slot-1", model.ReclaimAuto)
			require.NoError(t, err)
			assert.Equal(t, tt.want, transitioned)
		})
	}
}

func TestSlotRepository_GetExpiredBatch(t *testing.T) {
	now := time.Now()
	pool := &mockPool{
		queryFn: func(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
			assert.Contains(t, sql, "expires_at <= $1")
			assert.Contains(t, sql, "ORDER BY expires_at ASC")
			return &mockRows{
				n: 2,
				scanFn: func(index int, dest ...any) error {
					*dest[0].(*string) = []string{"slot-a", "slot-b"}[index]
					*dest[1].(*string) = "p1"
					*dest[2].(*string) = "u1"
					*dest[3].(*model.SlotStatus) = model.SlotActive
					*dest[4].(*time.Time) = now.Add(-31 * time.Minute)
					*dest[5].(*time.Time) = now.Add(-time.Minute)
					*dest[6].(*string) = "trace-1"
					return nil
				},
			}, nil
		},
	}
	repo := NewSlotRepositoryWithPool(pool)

	batch, err := repo.GetExpiredBatch(context.Background(), now, 500)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "slot-a", batch[0].ID)
	assert.Equal(t, "slot-b", batch[1].ID)
}

func TestSlotRepository_GetExpiredBatch_QueryError(t *testing.T) {
	pool := &mockPool{
		queryFn: func(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
			return nil, errors.New("connection reset")
		},
	}
	repo := NewSlotRepositoryWithPool(pool)

	_, err := repo.GetExpiredBatch(context.Background(), time.Now(), 500)
	assert.Error(t, err)
}

func TestSlotRepository_CountActiveOrCompleted(t *testing.T) {
	pool := &mockPool{
		queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
			assert.Contains(t, sql, "IN ('ACTIVE', 'COMPLETED')")
			return &mockRow{scanFn: func(dest ...any) error {
				*dest[0].(*int) = 7
				return nil
			}}
		},
	}
	repo := NewSlotRepositoryWithPool(pool)

	count, err := repo.CountActiveOrCompleted(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, 7, count)
}

func TestSlotRepository_ListExpiredSince(t *testing.T) {
	since := time.Now().Add(-2 * time.Hour)
	pool := &mockPool{
		queryFn: func(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
			assert.Contains(t, sql, "status = 'EXPIRED'")
			assert.Contains(t, sql, "expires_at >= $1")
			require.Len(t, args, 2)
			assert.Equal(t, since, args[0])
			return &mockRows{
				n: 1,
				scanFn: func(index int, dest ...any) error {
					*dest[0].(*string) = "slot-x"
					*dest[1].(*string) = "p1"
					*dest[2].(*string) = "u1"
					*dest[3].(*model.SlotStatus) = model.SlotExpired
					*dest[4].(*time.Time) = since.Add(time.Minute)
					*dest[5].(*time.Time) = since.Add(31 * time.Minute)
					*dest[6].(*string) = "trace-1"
					return nil
				},
			}, nil
		},
	}
	repo := NewSlotRepositoryWithPool(pool)

	out, err := repo.ListExpiredSince(context.Background(), since, 500)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "slot-x", out[0].ID)
	assert.Equal(t, model.SlotExpired, out[0].Status)
}
