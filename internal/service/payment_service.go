package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/slotforge/admission-engine/internal/cache"
	"github.com/slotforge/admission-engine/internal/events"
	"github.com/slotforge/admission-engine/internal/model"
	"github.com/slotforge/admission-engine/pkg/database"
)

// TxBeginner defines the interface for beginning transactions, matching
// the shape *pgxpool.Pool already satisfies.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PaymentSlotRepository defines the durable slot operations the Payment
// Confirmer depends on.
type PaymentSlotRepository interface {
	GetByID(ctx context.Context, id string) (*model.PurchaseSlot, error)
	TransitionToCompleted(ctx context.Context, tx database.TxQuerier, id string) (bool, error)
}

// PaymentPurchaseRepository defines the durable purchase operations the
// Payment Confirmer depends on.
type PaymentPurchaseRepository interface {
	InsertPending(ctx context.Context, p *model.Purchase) error
	MarkSuccess(ctx context.Context, tx database.TxQuerier, p *model.Purchase) error
	InsertFailed(ctx context.Context, p *model.Purchase) error
	GetByIdempotencyKey(ctx context.Context, key string) (*model.Purchase, error)
	GetPendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*model.Purchase, error)
	MarkTimedOut(ctx context.Context, id string) (bool, error)
}

// PaymentCallback is the external payment gateway's inbound callback,
// already parsed from its wire form by the handler layer.
type PaymentCallback struct {
	IdempotencyKey   string
	SlotID           string
	UserID           string
	ProductID        string
	Amount           decimal.Decimal
	PaymentReference string
	Outcome          model.PaymentStatus // SUCCESS or FAILED
	FailureReason    string
	Signature        string
	RawBody          []byte
	TraceID          string
}

// claimMeta is the opaque payload stored behind a payment idempotency
// key, used both to persist the claimed outcome and to detect a
// conflicting replay.
type claimMeta struct {
	Outcome          string `json:"outcome"`
	PaymentReference string `json:"paymentReference"`
}

// PaymentOutcome is the result handed back to the gateway.
type PaymentOutcome struct {
	Purchase    *model.Purchase
	LatePayment bool
}

// PaymentService implements the Payment Confirmer.
type PaymentService struct {
	pool      TxBeginner
	atomic    cache.AtomicCache
	slots     PaymentSlotRepository
	purchases PaymentPurchaseRepository
	audit     AuditRepositoryInterface
	emitter   events.Emitter
	secret    []byte
	claimTTL  time.Duration
}

// NewPaymentService builds a PaymentService.
func NewPaymentService(pool TxBeginner, atomic cache.AtomicCache, slots PaymentSlotRepository, purchases PaymentPurchaseRepository, audit AuditRepositoryInterface, emitter events.Emitter, secret string, claimTTL time.Duration) *PaymentService {
	return &PaymentService{
		pool:      pool,
		atomic:    atomic,
		slots:     slots,
		purchases: purchases,
		audit:     audit,
		emitter:   emitter,
		secret:    []byte(secret),
		claimTTL:  claimTTL,
	}
}

// VerifySignature checks cb.Signature against an HMAC-SHA256 of
// cb.RawBody keyed by the configured shared secret.
func (s *PaymentService) VerifySignature(cb *PaymentCallback) bool {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(cb.RawBody)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(cb.Signature))
}

// ConfirmPayment implements the full callback flow: signature check, idempotency claim, slot admissibility, and the final durable transition.
func (s *PaymentService) ConfirmPayment(ctx context.Context, cb *PaymentCallback) (*PaymentOutcome, error) {
	if !s.VerifySignature(cb) {
		return nil, ErrInvalidSignature
	}

	meta := claimMeta{Outcome: string(cb.Outcome), PaymentReference: cb.PaymentReference}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal claim metadata: %w", err)
	}

	claim, err := s.atomic.ClaimPayment(ctx, cb.IdempotencyKey, string(metaJSON), s.claimTTL)
	if err != nil {
		if errors.Is(err, cache.ErrUnavailable) {
			return nil, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
		}
		return nil, fmt.Errorf("claim payment: %w", err)
	}

	if claim.Outcome == cache.AlreadyClaimed {
		return s.handleReplay(ctx, cb, claim.ExistingMeta)
	}

	// First claim: stage a PENDING purchase row immediately, before the
	// final outcome is known, so a crash between the cache claim and
	// the durable write still leaves a row the payment-timeout sweeper
	// can find — see DESIGN.md's Open Question decision on PENDING row
	// creation.
	purchase := &model.Purchase{
		ID:               uuid.NewString(),
		SlotID:           cb.SlotID,
		UserID:           cb.UserID,
		ProductID:        cb.ProductID,
		Amount:           cb.Amount,
		PaymentReference: cb.PaymentReference,
		IdempotencyKey:   cb.IdempotencyKey,
		PaymentStatus:    model.PaymentPending,
		CreatedAt:        time.Now(),
	}
	if err := s.purchases.InsertPending(ctx, purchase); err != nil {
		return nil, fmt.Errorf("%w: stage pending purchase: %v", ErrTransient, err)
	}

	slot, err := s.slots.GetByID(ctx, cb.SlotID)
	if err != nil {
		if errors.Is(err, ErrSlotNotAdmissible) {
			return s.finishFailed(ctx, purchase, "SLOT_NOT_ADMISSIBLE")
		}
		return nil, fmt.Errorf("load slot %s: %w", cb.SlotID, err)
	}

	if slot.Status == model.SlotExpired {
		// Out of core scope: the refund workflow runs asynchronously
		// downstream; this path only records the outcome.
		out, err := s.finishFailed(ctx, purchase, "LATE_PAYMENT")
		if out != nil {
			out.LatePayment = true
		}
		return out, err
	}
	if slot.Status != model.SlotActive {
		return s.finishFailed(ctx, purchase, "SLOT_NOT_ADMISSIBLE")
	}

	if cb.Outcome != model.PaymentSuccess {
		return s.finishFailed(ctx, purchase, cb.FailureReason)
	}

	return s.finishSuccess(ctx, purchase, slot)
}

// handleReplay resolves a ClaimPayment replay: identical outcome is an
// idempotent no-op returning the prior durable result; a differing
// outcome is a fatal idempotency conflict that must be investigated.
func (s *PaymentService) handleReplay(ctx context.Context, cb *PaymentCallback, existingMetaJSON string) (*PaymentOutcome, error) {
	var prior claimMeta
	if err := json.Unmarshal([]byte(existingMetaJSON), &prior); err != nil {
		return nil, fmt.Errorf("%w: unparseable prior claim metadata", ErrFatal)
	}
	if prior.Outcome != string(cb.Outcome) || prior.PaymentReference != cb.PaymentReference {
		log.Error().Str("idempotency_key", cb.IdempotencyKey).
			Str("prior_outcome", prior.Outcome).Str("new_outcome", string(cb.Outcome)).
			Msg("payment idempotency conflict: replay carries a different outcome")
		return nil, ErrIdempotencyConflict
	}
	existing, err := s.purchases.GetByIdempotencyKey(ctx, cb.IdempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("reload prior purchase: %w", err)
	}
	return &PaymentOutcome{Purchase: existing}, nil
}

// finishSuccess transitions the slot to COMPLETED and marks the staged
// PENDING purchase row SUCCESS in a single transaction.
func (s *PaymentService) finishSuccess(ctx context.Context, purchase *model.Purchase, slot *model.PurchaseSlot) (*PaymentOutcome, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: begin tx: %v", ErrTransient, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	transitioned, err := s.slots.TransitionToCompleted(ctx, tx, slot.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: transition slot to completed: %v", ErrTransient, err)
	}
	if !transitioned {
		// The slot was reclaimed between our read and this attempt;
		// treat as a late payment rather than silently succeeding
		// against a slot that is no longer ACTIVE.
		_ = tx.Rollback(ctx)
		return s.finishFailed(ctx, purchase, "LATE_PAYMENT")
	}

	now := time.Now()
	purchase.PaymentStatus = model.PaymentSuccess
	purchase.ConfirmedAt = &now
	if err := s.purchases.MarkSuccess(ctx, tx, purchase); err != nil {
		if errors.Is(err, ErrIdempotencyConflict) {
			return nil, ErrIdempotencyConflict
		}
		return nil, fmt.Errorf("%w: mark purchase succeeded: %v", ErrTransient, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%w: commit payment transaction: %v", ErrTransient, err)
	}

	active := string(model.SlotActive)
	if err := s.audit.Append(ctx, &model.AuditEntry{
		SlotID:    slot.ID,
		OldStatus: &active,
		NewStatus: string(model.SlotCompleted),
		TraceID:   slot.TraceID,
		Metadata:  map[string]any{"purchase_id": purchase.ID},
	}); err != nil {
		log.Error().Err(err).Str("slot_id", slot.ID).Msg("failed to append audit entry for completed slot")
	}

	ev := events.NewPaymentCompleted(purchase.ID, slot.ID, slot.ProductID, slot.UserID, slot.TraceID)
	if err := s.emitter.Emit(ctx, ev); err != nil {
		log.Error().Err(err).Str("purchase_id", purchase.ID).Msg("failed to emit PaymentCompleted event")
	}

	return &PaymentOutcome{Purchase: purchase}, nil
}

func (s *PaymentService) finishFailed(ctx context.Context, purchase *model.Purchase, reason string) (*PaymentOutcome, error) {
	purchase.PaymentStatus = model.PaymentFailed
	purchase.FailureReason = reason

	if err := s.purchases.InsertFailed(ctx, purchase); err != nil {
		return nil, fmt.Errorf("%w: insert failed purchase: %v", ErrTransient, err)
	}

	if err := s.audit.Append(ctx, &model.AuditEntry{
		SlotID:    purchase.SlotID,
		NewStatus: string(model.PaymentFailed),
		TraceID:   "",
		Metadata:  map[string]any{"purchase_id": purchase.ID, "reason": reason},
	}); err != nil {
		log.Error().Err(err).Str("purchase_id", purchase.ID).Msg("failed to append audit entry for failed payment")
	}

	ev := events.NewPaymentFailed(purchase.ID, purchase.SlotID, purchase.ProductID, purchase.UserID, "", reason)
	if err := s.emitter.Emit(ctx, ev); err != nil {
		log.Error().Err(err).Str("purchase_id", purchase.ID).Msg("failed to emit PaymentFailed event")
	}

	return &PaymentOutcome{Purchase: purchase}, nil
}

// SweepPaymentTimeouts transitions PENDING purchases older than the
// configured payment timeout to FAILED with reason PAYMENT_TIMEOUT.
// This never touches the slot's own 30-minute timer, which remains
// authoritative.
func (s *PaymentService) SweepPaymentTimeouts(ctx context.Context, timeout time.Duration, batch int) error {
	cutoff := time.Now().Add(-timeout)
	pending, err := s.purchases.GetPendingOlderThan(ctx, cutoff, batch)
	if err != nil {
		return fmt.Errorf("fetch pending purchases: %w", err)
	}
	for _, p := range pending {
		timedOut, err := s.purchases.MarkTimedOut(ctx, p.ID)
		if err != nil {
			log.Error().Err(err).Str("purchase_id", p.ID).Msg("failed to mark purchase timed out")
			continue
		}
		if !timedOut {
			continue
		}
		if err := s.audit.Append(ctx, &model.AuditEntry{
			SlotID:    p.SlotID,
			NewStatus: string(model.PaymentFailed),
			TraceID:   "",
			Metadata:  map[string]any{"purchase_id": p.ID, "reason": "PAYMENT_TIMEOUT"},
		}); err != nil {
			log.Error().Err(err).Str("purchase_id", p.ID).Msg("failed to append audit entry for payment timeout")
		}
		ev := events.NewPaymentFailed(p.ID, p.SlotID, p.ProductID, p.UserID, "", "PAYMENT_TIMEOUT")
		if err := s.emitter.Emit(ctx, ev); err != nil {
			log.Error().Err(err).Str("purchase_id", p.ID).Msg("failed to emit PaymentFailed event for timeout")
		}
	}
	return nil
}
