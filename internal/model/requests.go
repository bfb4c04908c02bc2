package model

import "github.com/shopspring/decimal"

// AcquireSlotRequest is the DTO for POST /slots/acquire.
type AcquireSlotRequest struct {
	ProductID string `json:"productId" validate:"required,notblank,max=255"`
	UserID    string `json:"userId" validate:"required,notblank,max=255"`
}

// AcquireSlotResponse is the 202 response body for a successful
// admission.
type AcquireSlotResponse struct {
	SlotID           string `json:"slotId"`
	ExpiresAt        string `json:"expiresAt"`
	RemainingSeconds int64  `json:"remainingSeconds"`
	Position         int64  `json:"position,omitempty"`
}

// PaymentCallbackRequest is the DTO for POST /payments/callback. The
// wire format is gateway-specific; this shape is the engine's own
// normalized view of it.
type PaymentCallbackRequest struct {
	IdempotencyKey   string          `json:"idempotencyKey" validate:"required,notblank,max=255"`
	SlotID           string          `json:"slotId" validate:"required,notblank"`
	UserID           string          `json:"userId" validate:"required,notblank"`
	ProductID        string          `json:"productId" validate:"required,notblank"`
	Amount           decimal.Decimal `json:"amount"`
	PaymentReference string          `json:"paymentReference" validate:"required,notblank"`
	Outcome          string          `json:"outcome" validate:"required,oneof=SUCCESS FAILED"`
	FailureReason    string          `json:"failureReason" validate:"max=500"`
}

// PaymentCallbackResponse is the 200 response body for a processed or
// idempotently replayed callback.
type PaymentCallbackResponse struct {
	Outcome string `json:"outcome"`
}
