package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus is the state of a Purchase's payment confirmation.
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "PENDING"
	PaymentSuccess PaymentStatus = "SUCCESS"
	PaymentFailed  PaymentStatus = "FAILED"
)

// Purchase is 1:1 with the COMPLETED slot it confirms payment for. It is
// keyed for idempotency by a caller-supplied IdempotencyKey, unique
// across all purchases regardless of outcome.
type Purchase struct {
	ID               string          `json:"id"`
	SlotID           string          `json:"slotId"`
	UserID           string          `json:"userId"`
	ProductID        string          `json:"productId"`
	Amount           decimal.Decimal `json:"amount"`
	PaymentReference string          `json:"paymentReference"`
	IdempotencyKey   string          `json:"idempotencyKey"`
	PaymentStatus    PaymentStatus   `json:"paymentStatus"`
	FailureReason    string          `json:"failureReason,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	ConfirmedAt      *time.Time      `json:"confirmedAt,omitempty"`
}
