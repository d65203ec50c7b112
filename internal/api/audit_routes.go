package api

import (
	"strconv"
	"time"

	"github.com/basekick-labs/arc-catalog/internal/audit"
	"github.com/basekick-labs/arc-catalog/internal/auth"
	"github.com/basekick-labs/arc-catalog/internal/catalog"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

// AuditHandler serves the mutation history
type AuditHandler struct {
	auditLogger *audit.Logger
	authManager *auth.Manager
	logger      zerolog.Logger
}

// NewAuditHandler creates a new audit handler
func NewAuditHandler(auditLogger *audit.Logger, authManager *auth.Manager, logger zerolog.Logger) *AuditHandler {
	return &AuditHandler{
		auditLogger: auditLogger,
		authManager: authManager,
		logger:      logger.With().Str("component", "audit-handler").Logger(),
	}
}

// RegisterRoutes registers audit query endpoints
func (h *AuditHandler) RegisterRoutes(app *fiber.App) {
	group := app.Group("/api/v1/audit")
	group.Use(auth.RequireAdmin(h.authManager))
	group.Get("", h.queryLogs)
	group.Get("/stats", h.getStats)
}

func (h *AuditHandler) queryLogs(c *fiber.Ctx) error {
	filter := &audit.QueryFilter{
		Kind: catalog.MutationKind(c.Query("kind")),
	}

	if dbID := c.Query("database_id"); dbID != "" {
		n, err := strconv.ParseUint(dbID, 10, 32)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"success": false,
				"error":   "Invalid 'database_id' parameter",
			})
		}
		id := catalog.DatabaseID(n)
		filter.DatabaseID = &id
	}

	since, err := parseSince(c)
	if err != nil {
		return err
	}
	filter.Since = since

	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 1 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"success": false,
				"error":   "Invalid 'limit' parameter",
			})
		}
		filter.Limit = n
	}

	if offset := c.Query("offset"); offset != "" {
		n, err := strconv.Atoi(offset)
		if err != nil || n < 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"success": false,
				"error":   "Invalid 'offset' parameter",
			})
		}
		filter.Offset = n
	}

	entries, err := h.auditLogger.Query(c.UserContext(), filter)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to query audit log")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   "Failed to query audit log",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    entries,
		"count":   len(entries),
	})
}

func (h *AuditHandler) getStats(c *fiber.Ctx) error {
	since, err := parseSince(c)
	if err != nil {
		return err
	}

	stats, err := h.auditLogger.Stats(c.UserContext(), since)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to query audit stats")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   "Failed to query audit stats",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    stats,
	})
}

// parseSince reads the optional RFC3339 'since' parameter.
func parseSince(c *fiber.Ctx) (time.Time, error) {
	since := c.Query("since")
	if since == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, since)
	if err != nil {
		return time.Time{}, fiber.NewError(fiber.StatusBadRequest, "Invalid 'since' format, use RFC3339 (e.g., 2026-01-01T00:00:00Z)")
	}
	return t, nil
}
