package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/slotforge/admission-engine/internal/cache"
	"github.com/slotforge/admission-engine/internal/events"
	"github.com/slotforge/admission-engine/internal/model"
)

// ReclaimSlotRepository defines the durable slot operations the Reclaim
// Loop depends on.
type ReclaimSlotRepository interface {
	GetExpiredBatch(ctx context.Context, now time.Time, limit int) ([]*model.PurchaseSlot, error)
	TransitionToExpired(ctx context.Context, id string, kind model.ReclaimKind) (bool, error)
	CountActiveOrCompleted(ctx context.Context, productID string) (int, error)
	ListExpiredSince(ctx context.Context, since time.Time, limit int) ([]*model.PurchaseSlot, error)
	GetActiveByUserProduct(ctx context.Context, userID, productID string) (*model.PurchaseSlot, error)
}

// ReclaimProductRepository resolves a product's initial stock, needed
// by ReleaseOne's guard against over-incrementing, enumerates the
// catalog for the reconciliation sweep, and mirrors reclaimed stock
// back into durable accounting.
type ReclaimProductRepository interface {
	GetByID(ctx context.Context, id string) (*model.Product, error)
	ListIDs(ctx context.Context) ([]string, error)
	IncrementStock(ctx context.Context, id string) error
}

// ReclaimService implements the Reclaim Loop: continuous expiry of
// ACTIVE slots past deadline, with a companion reconciliation sweep and
// a manual-reclaim entry point for administrative operations.
type ReclaimService struct {
	slots    ReclaimSlotRepository
	products ReclaimProductRepository
	atomic   cache.AtomicCache
	audit    AuditRepositoryInterface
	emitter  events.Emitter
	batch    int
}

// NewReclaimService builds a ReclaimService.
func NewReclaimService(slots ReclaimSlotRepository, products ReclaimProductRepository, atomic cache.AtomicCache, audit AuditRepositoryInterface, emitter events.Emitter, batch int) *ReclaimService {
	return &ReclaimService{slots: slots, products: products, atomic: atomic, audit: audit, emitter: emitter, batch: batch}
}

// Run blocks, reclaiming expired slots every interval until ctx is
// cancelled. interval must be <= 10s per the external configuration
// contract; callers are expected to have validated that already.
func (s *ReclaimService) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.ReclaimExpired(ctx); err != nil {
				log.Error().Err(err).Msg("reclaim loop pass failed")
			}
		}
	}
}

// ReclaimExpired fetches up to s.batch ACTIVE slots past their deadline
// and reclaims each one.
func (s *ReclaimService) ReclaimExpired(ctx context.Context) error {
	batch, err := s.slots.GetExpiredBatch(ctx, time.Now(), s.batch)
	if err != nil {
		return fmt.Errorf("fetch expired batch: %w", err)
	}
	for _, slot := range batch {
		if err := s.reclaimOne(ctx, slot, model.ReclaimAuto); err != nil {
			log.Error().Err(err).Str("slot_id", slot.ID).Msg("failed to reclaim slot")
		}
	}
	return nil
}

// ManualReclaim reclaims a single slot on administrative request,
// setting reclaim_kind = MANUAL. The slot is re-read by the caller
// beforehand; this method performs the same guarded transition as the
// automatic path regardless of whether expires_at has actually elapsed,
// since an operator-initiated reclaim is by definition authorized.
func (s *ReclaimService) ManualReclaim(ctx context.Context, slot *model.PurchaseSlot) error {
	return s.reclaimOne(ctx, slot, model.ReclaimManual)
}

func (s *ReclaimService) reclaimOne(ctx context.Context, slot *model.PurchaseSlot, kind model.ReclaimKind) error {
	// Durable transition precedes the cache release so a crash between
	// them leaves cache stock lower than truth — safe under-admission,
	// never over-admission.
	transitioned, err := s.slots.TransitionToExpired(ctx, slot.ID, kind)
	if err != nil {
		return fmt.Errorf("transition slot %s to expired: %w", slot.ID, err)
	}
	if !transitioned {
		// A concurrent payment won the race; nothing to reclaim.
		return nil
	}

	product, err := s.products.GetByID(ctx, slot.ProductID)
	if err != nil {
		return fmt.Errorf("load product %s for release: %w", slot.ProductID, err)
	}
	if err := s.atomic.ReleaseOne(ctx, slot.ProductID, slot.UserID, product.InitialStock); err != nil {
		return fmt.Errorf("release stock for slot %s: %w", slot.ID, err)
	}
	if err := s.products.IncrementStock(ctx, slot.ProductID); err != nil {
		log.Warn().Err(err).Str("product_id", slot.ProductID).Msg("durable stock mirror increment failed")
	}

	active := string(model.SlotActive)
	if err := s.audit.Append(ctx, &model.AuditEntry{
		SlotID:    slot.ID,
		OldStatus: &active,
		NewStatus: string(model.SlotExpired),
		TraceID:   slot.TraceID,
		Metadata:  map[string]any{"reclaim_kind": string(kind)},
	}); err != nil {
		log.Error().Err(err).Str("slot_id", slot.ID).Msg("failed to append audit entry for expired slot")
	}

	ev := events.NewSlotExpired(slot.ID, slot.ProductID, slot.UserID, slot.TraceID, string(kind))
	if err := s.emitter.Emit(ctx, ev); err != nil {
		log.Error().Err(err).Str("slot_id", slot.ID).Msg("failed to emit SlotExpired event")
	}
	return nil
}

// RunReconciliation blocks, reconciling every product's cache counter
// against durable truth every interval until ctx is cancelled. Separate
// from Run: reconciliation corrects drift rather than reclaiming
// deadlines, and tolerates a much coarser cadence.
func (s *ReclaimService) RunReconciliation(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.ReconcileAll(ctx); err != nil {
				log.Error().Err(err).Msg("reconciliation pass failed")
			}
		}
	}
}

// releaseScanLookback bounds the expired-but-unreleased scan. A lost
// release can only arise from a crash between the durable EXPIRED
// transition and the cache call, so a window of a few slot lifetimes
// is ample; anything older has already been swept many times over.
const releaseScanLookback = 2 * time.Hour

// ReconcileAll first re-runs releases for recently expired slots, then
// reconciles every product's cache counter. The release scan runs
// before the clamp so a freshly credited unit is measured against
// durable truth in the same pass.
func (s *ReclaimService) ReconcileAll(ctx context.Context) error {
	if err := s.ReleaseExpired(ctx); err != nil {
		log.Error().Err(err).Msg("failed to scan expired slots for lost releases")
	}

	ids, err := s.products.ListIDs(ctx)
	if err != nil {
		return fmt.Errorf("list products for reconciliation: %w", err)
	}
	for _, id := range ids {
		if err := s.ReconcileStock(ctx, id); err != nil {
			log.Error().Err(err).Str("product_id", id).Msg("failed to reconcile product stock")
		}
	}
	return nil
}

// ReleaseExpired re-runs ReleaseOne for every recently expired slot. A
// crash between TransitionToExpired and ReleaseOne leaves the unit
// durably EXPIRED — so it never reappears in the reclaim batch — but
// never credited back to the cache. Re-running the release is safe:
// it only increments when the user's queue member was actually
// removed, so already-released slots are no-ops.
func (s *ReclaimService) ReleaseExpired(ctx context.Context) error {
	batch, err := s.slots.ListExpiredSince(ctx, time.Now().Add(-releaseScanLookback), s.batch)
	if err != nil {
		return fmt.Errorf("list expired slots for release scan: %w", err)
	}
	for _, slot := range batch {
		// A user who has since re-acquired owns the current queue
		// member and single-flight marker; releasing here would strip
		// the live slot's claim. Skip them — their old unit was either
		// already released or will be caught once the new slot ends.
		active, err := s.slots.GetActiveByUserProduct(ctx, slot.UserID, slot.ProductID)
		if err != nil {
			log.Error().Err(err).Str("slot_id", slot.ID).Msg("failed to check for a live successor slot")
			continue
		}
		if active != nil {
			continue
		}

		product, err := s.products.GetByID(ctx, slot.ProductID)
		if err != nil {
			log.Error().Err(err).Str("product_id", slot.ProductID).Msg("failed to load product for release scan")
			continue
		}
		if err := s.atomic.ReleaseOne(ctx, slot.ProductID, slot.UserID, product.InitialStock); err != nil {
			log.Error().Err(err).Str("slot_id", slot.ID).Msg("failed to re-run release for expired slot")
		}
	}
	return nil
}

// ReconcileStock recomputes each product's truth from the durable store
// (|ACTIVE ∪ COMPLETED|) and, when the cache's remaining-stock counter
// disagrees in the unsafe direction (cache shows more stock available
// than truth allows), corrects it downward. Reconciliation is safe only
// in the cache-low direction; it must never raise remaining stock above
// what the durable store proves is still available, since doing so
// could permit over-admission.
func (s *ReclaimService) ReconcileStock(ctx context.Context, productID string) error {
	product, err := s.products.GetByID(ctx, productID)
	if err != nil {
		return fmt.Errorf("load product %s: %w", productID, err)
	}

	committed, err := s.slots.CountActiveOrCompleted(ctx, productID)
	if err != nil {
		return fmt.Errorf("count committed slots for %s: %w", productID, err)
	}

	truth := product.InitialStock - committed
	if truth < 0 {
		truth = 0
	}

	// Correction is downward-only: a counter above truth would permit
	// over-admission and is clamped; a counter below truth only
	// under-admits, the safe direction, and is left for expiries and
	// releases to raise naturally.
	corrected, err := s.atomic.ClampStock(ctx, productID, truth)
	if err != nil {
		return fmt.Errorf("reconcile stock for %s: %w", productID, err)
	}
	if corrected {
		log.Warn().Str("product_id", productID).Int("truth", truth).
			Msg("cache stock counter drifted above durable truth and was clamped")
	}
	return nil
}
