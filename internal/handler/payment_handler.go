package handler

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"github.com/slotforge/admission-engine/internal/model"
	"github.com/slotforge/admission-engine/internal/service"
)

// PaymentServiceInterface defines the interface for the Payment
// Confirmer's public contract.
type PaymentServiceInterface interface {
	ConfirmPayment(ctx context.Context, cb *service.PaymentCallback) (*service.PaymentOutcome, error)
}

// gatewayResponseDeadline bounds callback processing so the gateway
// gets an answer inside its own retry window.
const gatewayResponseDeadline = 2 * time.Second

// PaymentHandler serves the payment webhook.
type PaymentHandler struct {
	service   PaymentServiceInterface
	validator *validator.Validate
}

// NewPaymentHandler creates a new PaymentHandler with the given service and validator.
func NewPaymentHandler(svc PaymentServiceInterface, v *validator.Validate) *PaymentHandler {
	return &PaymentHandler{service: svc, validator: v}
}

// Callback handles POST /payments/callback: a gateway-initiated
// payment confirmation or failure notice, idempotent by caller-supplied
// idempotency key.
func (h *PaymentHandler) Callback(c *fiber.Ctx) error {
	traceID := traceIDFor(c)
	c.Set("X-Trace-Id", traceID)

	var req model.PaymentCallbackRequest
	if err := c.BodyParser(&req); err != nil {
		return problem(c, fiber.StatusBadRequest, "invalid-request", "invalid request body", err.Error())
	}
	if err := h.validator.Struct(req); err != nil {
		return problem(c, fiber.StatusBadRequest, "invalid-request", "invalid request", err.Error())
	}

	cb := &service.PaymentCallback{
		IdempotencyKey:   req.IdempotencyKey,
		SlotID:           req.SlotID,
		UserID:           req.UserID,
		ProductID:        req.ProductID,
		Amount:           req.Amount,
		PaymentReference: req.PaymentReference,
		Outcome:          model.PaymentStatus(req.Outcome),
		FailureReason:    req.FailureReason,
		Signature:        c.Get("X-Signature"),
		RawBody:          c.Body(),
		TraceID:          traceID,
	}

	// The gateway expects a response within its own 2-second window;
	// anything slower is retried by the gateway against the same
	// idempotency key, so bounding the work here is safe.
	ctx, cancel := context.WithTimeout(c.Context(), gatewayResponseDeadline)
	defer cancel()

	outcome, err := h.service.ConfirmPayment(ctx, cb)
	if err != nil {
		return h.mapError(c, req, err)
	}

	result := string(outcome.Purchase.PaymentStatus)
	if outcome.LatePayment {
		result = "LATE_PAYMENT"
	}
	return c.Status(fiber.StatusOK).JSON(model.PaymentCallbackResponse{Outcome: result})
}

func (h *PaymentHandler) mapError(c *fiber.Ctx, req model.PaymentCallbackRequest, err error) error {
	switch {
	case errors.Is(err, service.ErrInvalidSignature):
		return problem(c, fiber.StatusBadRequest, "invalid-signature", "invalid signature", "the callback signature did not verify against the configured secret")
	case errors.Is(err, service.ErrIdempotencyConflict):
		log.Error().Str("idempotency_key", req.IdempotencyKey).Msg("payment idempotency conflict: operator investigation required")
		return problem(c, fiber.StatusConflict, "idempotency-conflict", "idempotency conflict", "the idempotency key was previously claimed with a different outcome")
	case errors.Is(err, service.ErrCacheUnavailable):
		return problem(c, fiber.StatusServiceUnavailable, "cache-unavailable", "cache unavailable", "the atomic admission cache is unreachable; retry with backoff")
	case errors.Is(err, service.ErrTransient):
		return problem(c, fiber.StatusServiceUnavailable, "transient", "transient failure", "a retryable failure occurred while recording the payment")
	case errors.Is(err, service.ErrFatal):
		log.Error().Err(err).Str("idempotency_key", req.IdempotencyKey).Msg("fatal payment error: operator investigation required")
		return problem(c, fiber.StatusInternalServerError, "fatal", "fatal error", "an unrecoverable error occurred; this callback requires manual investigation")
	default:
		log.Error().Err(err).Str("idempotency_key", req.IdempotencyKey).Msg("failed to confirm payment")
		return problem(c, fiber.StatusInternalServerError, "internal-error", "internal server error", "an unexpected error occurred")
	}
}
