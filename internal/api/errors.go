package api

import (
	"errors"
	"fmt"

	"github.com/basekick-labs/arc-catalog/internal/catalog"
	"github.com/basekick-labs/arc-catalog/internal/cluster/raft"
	"github.com/gofiber/fiber/v2"
)

// statusFor maps a catalog or replication error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, catalog.ErrDuplicateName):
		return fiber.StatusConflict
	case errors.Is(err, catalog.ErrSchemaValidation):
		return fiber.StatusBadRequest
	case errors.Is(err, catalog.ErrDatabaseDeleted), errors.Is(err, catalog.ErrTableDeleted):
		return fiber.StatusGone
	case errors.Is(err, raft.ErrNotLeader), errors.Is(err, raft.ErrNotRunning):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

// errorResponse renders err with its mapped status.
func errorResponse(c *fiber.Ctx, err error) error {
	return c.Status(statusFor(err)).JSON(fiber.Map{
		"error": err.Error(),
	})
}

func fmtNotFound(entity, name string) error {
	return fmt.Errorf("%s %q: %w", entity, name, catalog.ErrNotFound)
}
