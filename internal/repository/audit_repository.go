package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/slotforge/admission-engine/internal/model"
)

// AuditPoolInterface defines the database operations needed by AuditRepository.
type AuditPoolInterface interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// AuditRepository provides append-only access to the slot audit log.
type AuditRepository struct {
	pool AuditPoolInterface
}

// NewAuditRepository creates a new AuditRepository with the given pool.
func NewAuditRepository(pool *pgxpool.Pool) *AuditRepository {
	return &AuditRepository{pool: pool}
}

// NewAuditRepositoryWithPool creates a new AuditRepository with a custom pool interface.
// This is primarily used for testing.
func NewAuditRepositoryWithPool(pool AuditPoolInterface) *AuditRepository {
	return &AuditRepository{pool: pool}
}

// Append writes exactly one audit row. Rows are never mutated or deleted.
func (r *AuditRepository) Append(ctx context.Context, entry *model.AuditEntry) error {
	var metaJSON []byte
	var err error
	if entry.Metadata != nil {
		metaJSON, err = json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("marshal audit metadata: %w", err)
		}
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO slot_audit_log (slot_id, old_status, new_status, occurred_at, trace_id, metadata)
		 VALUES ($1, $2, $3, now(), $4, $5)`,
		entry.SlotID, entry.OldStatus, entry.NewStatus, entry.TraceID, metaJSON,
	)
	if err != nil {
		return fmt.Errorf("append audit entry for slot %s: %w", entry.SlotID, err)
	}
	return nil
}

// ListBySlot returns every audit row for slotID, ordered by occurred_at,
// for forensics and the reconciliation scan.
func (r *AuditRepository) ListBySlot(ctx context.Context, slotID string) ([]*model.AuditEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, slot_id, old_status, new_status, occurred_at, trace_id, metadata
		 FROM slot_audit_log WHERE slot_id = $1 ORDER BY occurred_at ASC`,
		slotID,
	)
	if err != nil {
		return nil, fmt.Errorf("list audit entries for slot %s: %w", slotID, err)
	}
	defer rows.Close()

	var out []*model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		var metaJSON []byte
		if err := rows.Scan(&e.ID, &e.SlotID, &e.OldStatus, &e.NewStatus, &e.OccurredAt, &e.TraceID, &metaJSON); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &e.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal audit metadata: %w", err)
			}
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return out, nil
}
