package model

import "time"

// SlotStatus is the lifecycle state of a PurchaseSlot. Transitions only
// flow ACTIVE -> EXPIRED and ACTIVE -> COMPLETED; both targets are
// terminal.
type SlotStatus string

const (
	SlotActive    SlotStatus = "ACTIVE"
	SlotExpired   SlotStatus = "EXPIRED"
	SlotCompleted SlotStatus = "COMPLETED"
)

// ReclaimKind records how an EXPIRED slot was reclaimed. Empty for any
// slot that has never been reclaimed.
type ReclaimKind string

const (
	ReclaimNone   ReclaimKind = ""
	ReclaimAuto   ReclaimKind = "AUTO"
	ReclaimManual ReclaimKind = "MANUAL"
)

// PurchaseSlot is a single admitted reservation of one unit of a
// product's stock, identified by a stable UUID.
type PurchaseSlot struct {
	ID          string      `json:"id"`
	ProductID   string      `json:"productId"`
	UserID      string      `json:"userId"`
	Status      SlotStatus  `json:"status"`
	AcquiredAt  time.Time   `json:"acquiredAt"`
	ExpiresAt   time.Time   `json:"expiresAt"`
	ReclaimKind ReclaimKind `json:"reclaimKind,omitempty"`
	TraceID     string      `json:"traceId"`
}

// IsExpiredAt reports whether the slot's TTL has elapsed by instant now.
// A slot whose ExpiresAt equals now is treated as expired; the next reclaim tick collects it.
func (s *PurchaseSlot) IsExpiredAt(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
