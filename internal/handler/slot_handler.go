package handler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/slotforge/admission-engine/internal/model"
	"github.com/slotforge/admission-engine/internal/service"
)

// AdmissionServiceInterface defines the interface for the Admission
// Service's public contract.
type AdmissionServiceInterface interface {
	AcquireSlot(ctx context.Context, productID, userID string, arrivalTs time.Time, traceID string) (*service.AcquiredSlot, error)
}

// SlotHandler serves the admission endpoint. deadline bounds the
// end-to-end admission attempt; exceeding it surfaces as a retryable
// transient failure.
type SlotHandler struct {
	service   AdmissionServiceInterface
	validator *validator.Validate
	deadline  time.Duration
}

// NewSlotHandler creates a new SlotHandler with the given service,
// validator, and hard admission deadline.
func NewSlotHandler(svc AdmissionServiceInterface, v *validator.Validate, deadline time.Duration) *SlotHandler {
	return &SlotHandler{service: svc, validator: v, deadline: deadline}
}

func formatSlotValidationError(err error) string {
	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		for _, fe := range ve {
			switch fe.Field() {
			case "ProductID":
				if fe.Tag() == "required" {
					return "invalid request: productId is required"
				}
				return "invalid request: productId is invalid"
			case "UserID":
				if fe.Tag() == "required" {
					return "invalid request: userId is required"
				}
				return "invalid request: userId is invalid"
			default:
				return "invalid request: " + fe.Field() + " is invalid"
			}
		}
	}
	return "invalid request"
}

// traceIDFor resolves the trace identifier carried on the request: the
// caller-supplied X-Trace-Id header if present, otherwise the
// requestid middleware's X-Request-ID, otherwise a freshly minted one.
func traceIDFor(c *fiber.Ctx) string {
	if t := c.Get("X-Trace-Id"); t != "" {
		return t
	}
	if t := c.GetRespHeader("X-Request-ID"); t != "" {
		return t
	}
	return uuid.NewString()
}

// Acquire handles POST /slots/acquire: admits the caller to a
// product's bounded inventory, or reports the precise reason it could
// not, as an RFC 7807 problem document.
func (h *SlotHandler) Acquire(c *fiber.Ctx) error {
	traceID := traceIDFor(c)
	c.Set("X-Trace-Id", traceID)

	var req model.AcquireSlotRequest
	if err := c.BodyParser(&req); err != nil {
		return problem(c, fiber.StatusBadRequest, "invalid-request", "invalid request body", err.Error())
	}
	if err := h.validator.Struct(req); err != nil {
		return problem(c, fiber.StatusBadRequest, "invalid-request", "invalid request", formatSlotValidationError(err))
	}

	// The arrival timestamp is captured at ingress, not supplied by the
	// caller, so that the fairness queue orders strictly on when this
	// service observed the request.
	arrivalTs := time.Now()

	ctx, cancel := context.WithTimeout(c.Context(), h.deadline)
	defer cancel()

	acquired, err := h.service.AcquireSlot(ctx, req.ProductID, req.UserID, arrivalTs, traceID)
	if err != nil {
		return h.mapError(c, req.ProductID, req.UserID, err)
	}

	slot := acquired.Slot
	return c.Status(fiber.StatusAccepted).JSON(model.AcquireSlotResponse{
		SlotID:           slot.ID,
		ExpiresAt:        slot.ExpiresAt.UTC().Format(time.RFC3339),
		RemainingSeconds: int64(time.Until(slot.ExpiresAt).Seconds()),
		Position:         acquired.Position,
	})
}

func (h *SlotHandler) mapError(c *fiber.Ctx, productID, userID string, err error) error {
	switch {
	case errors.Is(err, service.ErrProductNotFound):
		return problem(c, fiber.StatusNotFound, "product-not-found", "product not found", "no product exists for the given id")
	case errors.Is(err, service.ErrDuplicateSlot):
		return problem(c, fiber.StatusConflict, "duplicate-slot", "duplicate slot", "user already holds an active slot for this product")
	case errors.Is(err, service.ErrSoldOut):
		detail := "no stock remains for this product"
		var soldOut *service.SoldOutError
		if errors.As(err, &soldOut) && soldOut.QueueLength > 0 {
			detail = fmt.Sprintf("no stock remains for this product; %d admissions are in the queue", soldOut.QueueLength)
		}
		return problem(c, fiber.StatusGone, "sold-out", "sold out", detail)
	case errors.Is(err, service.ErrProductUpcoming):
		return problem(c, fiber.StatusUnprocessableEntity, "product-not-on-sale", "product not on sale", "the product's sale has not opened yet")
	case errors.Is(err, service.ErrCacheUnavailable):
		return problem(c, fiber.StatusServiceUnavailable, "cache-unavailable", "cache unavailable", "the atomic admission cache is unreachable; retry with backoff")
	case errors.Is(err, service.ErrTransient):
		return problem(c, fiber.StatusServiceUnavailable, "transient", "transient failure", "a retryable failure occurred while persisting the slot")
	case errors.Is(err, context.DeadlineExceeded):
		return problem(c, fiber.StatusServiceUnavailable, "transient", "transient failure", "the admission deadline elapsed; retry with backoff")
	default:
		log.Error().Err(err).Str("product_id", productID).Str("user_id", userID).Msg("failed to acquire slot")
		return problem(c, fiber.StatusInternalServerError, "internal-error", "internal server error", "an unexpected error occurred")
	}
}
