package handler

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"github.com/slotforge/admission-engine/internal/model"
	"github.com/slotforge/admission-engine/internal/service"
)

// ReclaimServiceInterface defines the manual-reclaim operation the
// admin surface depends on.
type ReclaimServiceInterface interface {
	ManualReclaim(ctx context.Context, slot *model.PurchaseSlot) error
}

// AdminSlotLoader resolves a slot by id for the admin surface.
type AdminSlotLoader interface {
	GetByID(ctx context.Context, id string) (*model.PurchaseSlot, error)
}

// AdminHandler serves operator-only slot operations. Authentication is
// a single bearer token; full operator auth is an external
// collaborator, this gate only keeps the endpoint off the public
// surface.
type AdminHandler struct {
	reclaim ReclaimServiceInterface
	slots   AdminSlotLoader
	token   string
}

// NewAdminHandler creates a new AdminHandler gated by the given bearer
// token. An empty token disables the endpoint entirely.
func NewAdminHandler(reclaim ReclaimServiceInterface, slots AdminSlotLoader, token string) *AdminHandler {
	return &AdminHandler{reclaim: reclaim, slots: slots, token: token}
}

func (h *AdminHandler) authorized(c *fiber.Ctx) bool {
	if h.token == "" {
		return false
	}
	supplied := strings.TrimPrefix(c.Get(fiber.HeaderAuthorization), "Bearer ")
	return subtle.ConstantTimeCompare([]byte(supplied), []byte(h.token)) == 1
}

// Reclaim handles POST /admin/slots/:id/reclaim: the administrative
// reclaim of a single ACTIVE slot, recorded with reclaim kind MANUAL.
func (h *AdminHandler) Reclaim(c *fiber.Ctx) error {
	traceID := traceIDFor(c)
	c.Set("X-Trace-Id", traceID)

	if !h.authorized(c) {
		return problem(c, fiber.StatusUnauthorized, "unauthorized", "unauthorized", "a valid operator token is required")
	}

	slotID := c.Params("id")
	slot, err := h.slots.GetByID(c.Context(), slotID)
	if err != nil {
		if errors.Is(err, service.ErrSlotNotAdmissible) {
			return problem(c, fiber.StatusNotFound, "slot-not-found", "slot not found", "no slot exists for the given id")
		}
		log.Error().Err(err).Str("slot_id", slotID).Msg("failed to load slot for manual reclaim")
		return problem(c, fiber.StatusInternalServerError, "internal-error", "internal server error", "an unexpected error occurred")
	}
	if slot.Status != model.SlotActive {
		return problem(c, fiber.StatusConflict, "slot-not-active", "slot not active", "only an active slot can be reclaimed")
	}

	if err := h.reclaim.ManualReclaim(c.Context(), slot); err != nil {
		log.Error().Err(err).Str("slot_id", slotID).Msg("manual reclaim failed")
		return problem(c, fiber.StatusServiceUnavailable, "transient", "transient failure", "a retryable failure occurred while reclaiming the slot")
	}

	log.Info().Str("slot_id", slotID).Str("trace_id", traceID).Msg("slot manually reclaimed")
	return c.JSON(fiber.Map{
		"slotId": slotID,
		"status": string(model.SlotExpired),
	})
}
