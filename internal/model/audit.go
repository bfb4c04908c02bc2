package model

import "time"

// AuditEntry is one append-only row recording a single state transition
// of a slot or purchase. Rows are never mutated once written.
type AuditEntry struct {
	ID         int64          `json:"id"`
	SlotID     string         `json:"slotId"`
	OldStatus  *string        `json:"oldStatus,omitempty"`
	NewStatus  string         `json:"newStatus"`
	OccurredAt time.Time      `json:"occurredAt"`
	TraceID    string         `json:"traceId"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}
