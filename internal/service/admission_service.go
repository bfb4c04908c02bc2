package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/slotforge/admission-engine/internal/cache"
	"github.com/slotforge/admission-engine/internal/events"
	"github.com/slotforge/admission-engine/internal/model"
)

// ProductLoader resolves a product by id, backed by the short-TTL local
// cache in front of the durable store.
type ProductLoader interface {
	Get(ctx context.Context, productID string) (*model.Product, error)
	Invalidate(productID string)
}

// ProductStockRepository mirrors admission decisions into the durable
// current_stock accounting column. The mirror is best-effort; the
// reconciliation sweep corrects only the cache counter, so drift in
// current_stock is not corrected.
type ProductStockRepository interface {
	DecrementStock(ctx context.Context, id string) error
}

// SlotRepositoryInterface defines the durable slot operations the
// Admission Service depends on.
type SlotRepositoryInterface interface {
	Insert(ctx context.Context, slot *model.PurchaseSlot) error
	GetActiveByUserProduct(ctx context.Context, userID, productID string) (*model.PurchaseSlot, error)
}

// AuditRepositoryInterface defines the append-only audit operation
// every component that changes slot state depends on.
type AuditRepositoryInterface interface {
	Append(ctx context.Context, entry *model.AuditEntry) error
}

// AdmissionService implements AcquireSlot: the product gate, the
// atomic admission primitive, durable persistence, audit, and event
// emission, in that order.
type AdmissionService struct {
	products ProductLoader
	stock    ProductStockRepository
	atomic   cache.AtomicCache
	slots    SlotRepositoryInterface
	audit    AuditRepositoryInterface
	emitter  events.Emitter
	slotTTL  time.Duration
}

// NewAdmissionService builds an AdmissionService.
func NewAdmissionService(products ProductLoader, stock ProductStockRepository, atomic cache.AtomicCache, slots SlotRepositoryInterface, audit AuditRepositoryInterface, emitter events.Emitter, slotTTL time.Duration) *AdmissionService {
	return &AdmissionService{
		products: products,
		stock:    stock,
		atomic:   atomic,
		slots:    slots,
		audit:    audit,
		emitter:  emitter,
		slotTTL:  slotTTL,
	}
}

// AcquiredSlot is the result of a successful AcquireSlot call: the
// persisted slot plus the position hint from the admission primitive.
type AcquiredSlot struct {
	Slot     *model.PurchaseSlot
	Position int64
}

// AcquireSlot admits userID to productID at arrivalTs, or returns one of
// the sentinel errors in this package. arrivalTs is the caller-captured
// arrival timestamp (fairness is ordered on this value, not on the time
// the cache script happens to run).
func (s *AdmissionService) AcquireSlot(ctx context.Context, productID, userID string, arrivalTs time.Time, traceID string) (*AcquiredSlot, error) {
	// 1. Product gate.
	product, err := s.products.Get(ctx, productID)
	if err != nil {
		if errors.Is(err, ErrProductNotFound) {
			return nil, ErrProductNotFound
		}
		return nil, fmt.Errorf("load product %s: %w", productID, err)
	}

	status := product.ComputeStatus(time.Now())
	switch status {
	case model.StatusUpcoming:
		return nil, ErrProductUpcoming
	case model.StatusSoldOut:
		// A user who already holds the live slot is told so rather than
		// that the product is sold out.
		if existing, err := s.slots.GetActiveByUserProduct(ctx, userID, productID); err == nil && existing != nil {
			return nil, ErrDuplicateSlot
		}
		return nil, ErrSoldOut
	}

	// 2. Durable single-flight pre-check (optimization only; the atomic
	// cache is authoritative for single-flight).
	existing, err := s.slots.GetActiveByUserProduct(ctx, userID, productID)
	if err != nil {
		return nil, fmt.Errorf("durable single-flight pre-check: %w", err)
	}
	if existing != nil {
		return nil, ErrDuplicateSlot
	}

	// 3. TryAdmit on the atomic cache.
	result, err := s.atomic.TryAdmit(ctx, productID, userID, arrivalTs.UnixMilli(), s.slotTTL)
	if err != nil {
		if errors.Is(err, cache.ErrUnavailable) {
			return nil, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
		}
		return nil, fmt.Errorf("try admit: %w", err)
	}
	switch result.Outcome {
	case cache.Duplicate:
		return nil, ErrDuplicateSlot
	case cache.OutOfStock:
		return nil, &SoldOutError{QueueLength: result.QueueLength}
	}

	// 4. Persist the slot. On write failure, unwind the cache claim so
	// the unit of stock is not lost to a purely transient durable-store
	// error.
	slot := &model.PurchaseSlot{
		ID:         uuid.NewString(),
		ProductID:  productID,
		UserID:     userID,
		Status:     model.SlotActive,
		AcquiredAt: arrivalTs,
		ExpiresAt:  arrivalTs.Add(s.slotTTL),
		TraceID:    traceID,
	}
	if err := s.slots.Insert(ctx, slot); err != nil {
		// The unwind must run even when the admission deadline has
		// already elapsed, or the claimed unit of stock would be lost
		// until reconciliation.
		releaseCtx := context.WithoutCancel(ctx)
		if releaseErr := s.atomic.ReleaseOne(releaseCtx, productID, userID, product.InitialStock); releaseErr != nil {
			log.Error().Err(releaseErr).Str("product_id", productID).Str("user_id", userID).
				Msg("failed to unwind cache admission after slot persist failure")
		}
		if errors.Is(err, ErrDuplicateSlot) {
			return nil, ErrDuplicateSlot
		}
		return nil, fmt.Errorf("%w: persist slot: %v", ErrTransient, err)
	}

	// Mirror the admission into durable accounting. Best-effort: the
	// cache already committed the decision; a failed decrement is only
	// logged and is not corrected later.
	if err := s.stock.DecrementStock(ctx, productID); err != nil {
		log.Warn().Err(err).Str("product_id", productID).Msg("durable stock mirror decrement failed")
	}
	s.products.Invalidate(productID)

	// 5. Audit.
	if err := s.audit.Append(ctx, &model.AuditEntry{
		SlotID:    slot.ID,
		NewStatus: string(model.SlotActive),
		TraceID:   traceID,
	}); err != nil {
		log.Error().Err(err).Str("slot_id", slot.ID).Msg("failed to append audit entry for acquired slot")
	}

	// 6. Emit SlotAcquired. Emission failure must never fail admission:
	// the slot already belongs to the user.
	ev := events.NewSlotAcquired(slot.ID, productID, userID, traceID, slot.ExpiresAt, result.Position)
	if err := s.emitter.Emit(ctx, ev); err != nil {
		log.Error().Err(err).Str("slot_id", slot.ID).Msg("failed to emit SlotAcquired event")
	}

	return &AcquiredSlot{Slot: slot, Position: result.Position}, nil
}
