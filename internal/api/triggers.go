package api

import (
	"github.com/basekick-labs/arc-catalog/internal/catalog"
	"github.com/gofiber/fiber/v2"
)

// handleListTriggers handles GET /api/v1/databases/:db/triggers
func (h *CatalogHandler) handleListTriggers(c *fiber.Ctx) error {
	db, err := h.resolveDatabase(c)
	if err != nil {
		return errorResponse(c, err)
	}

	triggers := db.Triggers()
	return c.JSON(fiber.Map{
		"database": db.Name(),
		"triggers": triggers,
		"count":    len(triggers),
		"sequence": h.mutator.Current().Sequence(),
	})
}

// handleRegisterTrigger handles POST /api/v1/databases/:db/triggers
func (h *CatalogHandler) handleRegisterTrigger(c *fiber.Ctx) error {
	db, err := h.resolveDatabase(c)
	if err != nil {
		return errorResponse(c, err)
	}

	var tr catalog.Trigger
	if err := c.BodyParser(&tr); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body: " + err.Error(),
		})
	}

	return h.apply(c, catalog.Mutation{
		Kind:       catalog.MutationRegisterTrigger,
		DatabaseID: db.ID(),
		Trigger:    &tr,
	}, true)
}

// handleDeleteTrigger handles DELETE /api/v1/databases/:db/triggers/:name
func (h *CatalogHandler) handleDeleteTrigger(c *fiber.Ctx) error {
	db, err := h.resolveDatabase(c)
	if err != nil {
		return errorResponse(c, err)
	}

	return h.apply(c, catalog.Mutation{
		Kind:       catalog.MutationDeleteTrigger,
		DatabaseID: db.ID(),
		Name:       c.Params("name"),
	}, false)
}

// handleEnableTrigger handles POST /api/v1/databases/:db/triggers/:name/enable
func (h *CatalogHandler) handleEnableTrigger(c *fiber.Ctx) error {
	return h.setTriggerDisabled(c, false)
}

// handleDisableTrigger handles POST /api/v1/databases/:db/triggers/:name/disable
func (h *CatalogHandler) handleDisableTrigger(c *fiber.Ctx) error {
	return h.setTriggerDisabled(c, true)
}

func (h *CatalogHandler) setTriggerDisabled(c *fiber.Ctx, disabled bool) error {
	db, err := h.resolveDatabase(c)
	if err != nil {
		return errorResponse(c, err)
	}

	return h.apply(c, catalog.Mutation{
		Kind:       catalog.MutationSetTriggerDisabled,
		DatabaseID: db.ID(),
		Name:       c.Params("name"),
		Disabled:   disabled,
	}, false)
}
