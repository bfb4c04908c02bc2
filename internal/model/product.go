package model

import "time"

// Status is the computed sale status of a Product at a point in time.
type Status string

const (
	StatusUpcoming Status = "UPCOMING"
	StatusOnSale   Status = "ON_SALE"
	StatusSoldOut  Status = "SOLD_OUT"
)

// Product is owned by the product catalog collaborator; the engine only
// reads it and adjusts CurrentStock as slots are admitted and reclaimed.
type Product struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	PriceCents    int64     `json:"priceCents"`
	InitialStock  int       `json:"initialStock"`
	CurrentStock  int       `json:"currentStock"`
	SaleOpensAt   time.Time `json:"saleOpensAt"`
	CreatedAt     time.Time `json:"createdAt"`
}

// ComputeStatus derives the sale status at instant now. Only ON_SALE
// products may be admitted against.
func (p *Product) ComputeStatus(now time.Time) Status {
	if now.Before(p.SaleOpensAt) {
		return StatusUpcoming
	}
	if p.CurrentStock <= 0 {
		return StatusSoldOut
	}
	return StatusOnSale
}
