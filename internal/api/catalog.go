package api

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/basekick-labs/arc-catalog/internal/auth"
	"github.com/basekick-labs/arc-catalog/internal/catalog"
	"github.com/basekick-labs/arc-catalog/internal/cluster/raft"
	"github.com/basekick-labs/arc-catalog/internal/scheduler"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

// Mutator applies catalog mutations. A local catalog.Manager and a
// replicated raft.Node both satisfy it.
type Mutator interface {
	Apply(ctx context.Context, m catalog.Mutation) (catalog.Result, error)
	Current() *catalog.Catalog
}

// Checkpointer writes a catalog snapshot on demand.
type Checkpointer interface {
	RunNow(ctx context.Context) (scheduler.CheckpointResult, error)
}

// leaderLocator is implemented by mutators that can name the current leader.
type leaderLocator interface {
	LeaderAddr() string
}

// CatalogHandler serves the catalog administration endpoints
type CatalogHandler struct {
	mutator      Mutator
	checkpointer Checkpointer
	authManager  *auth.Manager
	timeout      time.Duration
	logger       zerolog.Logger
}

// NewCatalogHandler creates a catalog handler. checkpointer may be nil, in
// which case the checkpoint endpoint reports 503. A nil authManager leaves
// the routes unguarded.
func NewCatalogHandler(mutator Mutator, checkpointer Checkpointer, authManager *auth.Manager, timeout time.Duration, logger zerolog.Logger) *CatalogHandler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CatalogHandler{
		mutator:      mutator,
		checkpointer: checkpointer,
		authManager:  authManager,
		timeout:      timeout,
		logger:       logger.With().Str("component", "catalog-handler").Logger(),
	}
}

// RegisterRoutes registers the catalog routes
func (h *CatalogHandler) RegisterRoutes(app *fiber.App) {
	read := auth.RequireRead(h.authManager)
	write := auth.RequireWrite(h.authManager)
	del := auth.RequireDelete(h.authManager)
	admin := auth.RequireAdmin(h.authManager)

	app.Get("/api/v1/catalog", read, h.handleSnapshot)
	app.Get("/api/v1/catalog/sequence", read, h.handleSequence)
	app.Post("/api/v1/catalog/checkpoint", admin, h.handleCheckpoint)

	app.Get("/api/v1/databases", read, h.handleListDatabases)
	app.Post("/api/v1/databases", write, h.handleCreateDatabase)
	app.Get("/api/v1/databases/:db", read, h.handleGetDatabase)
	app.Delete("/api/v1/databases/:db", del, h.handleDeleteDatabase)

	app.Get("/api/v1/databases/:db/tables", read, h.handleListTables)
	app.Post("/api/v1/databases/:db/tables", write, h.handleCreateTable)
	app.Get("/api/v1/databases/:db/tables/:table", read, h.handleGetTable)
	app.Delete("/api/v1/databases/:db/tables/:table", del, h.handleDeleteTable)
	app.Post("/api/v1/databases/:db/tables/:table/columns", write, h.handleAddColumn)
	app.Delete("/api/v1/databases/:db/tables/:table/columns/:column", del, h.handleDeleteColumn)

	app.Get("/api/v1/databases/:db/triggers", read, h.handleListTriggers)
	app.Post("/api/v1/databases/:db/triggers", write, h.handleRegisterTrigger)
	app.Delete("/api/v1/databases/:db/triggers/:name", del, h.handleDeleteTrigger)
	app.Post("/api/v1/databases/:db/triggers/:name/enable", write, h.handleEnableTrigger)
	app.Post("/api/v1/databases/:db/triggers/:name/disable", write, h.handleDisableTrigger)
}

// handleSnapshot handles GET /api/v1/catalog
func (h *CatalogHandler) handleSnapshot(c *fiber.Ctx) error {
	cat := h.mutator.Current()

	var (
		data []byte
		err  error
	)
	switch c.Query("format", "json") {
	case "json":
		if c.QueryBool("pretty") {
			data, err = catalog.EncodeIndent(cat)
		} else {
			data, err = catalog.Encode(cat)
		}
		c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	case "msgpack":
		data, err = catalog.EncodeMsgpack(cat)
		c.Set(fiber.HeaderContentType, "application/msgpack")
	default:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid format: must be 'json' or 'msgpack'",
		})
	}
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to encode catalog")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to encode catalog: " + err.Error(),
		})
	}

	c.Set("X-Catalog-Sequence", strconv.FormatUint(cat.Sequence(), 10))
	return c.Send(data)
}

// handleSequence handles GET /api/v1/catalog/sequence
func (h *CatalogHandler) handleSequence(c *fiber.Ctx) error {
	cat := h.mutator.Current()
	resp := fiber.Map{
		"sequence":    cat.Sequence(),
		"node_id":     cat.NodeID(),
		"instance_id": cat.InstanceID(),
	}

	if r := c.Query("remote"); r != "" {
		remote, err := strconv.ParseUint(r, 10, 64)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid remote sequence: " + r,
			})
		}
		resp["remote"] = remote
		resp["stale"] = cat.IsStale(remote)
	}

	return c.JSON(resp)
}

// handleCheckpoint handles POST /api/v1/catalog/checkpoint
func (h *CatalogHandler) handleCheckpoint(c *fiber.Ctx) error {
	if h.checkpointer == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Checkpoints are not enabled",
		})
	}

	res, err := h.checkpointer.RunNow(c.UserContext())
	if err != nil {
		h.logger.Error().Err(err).Msg("Manual checkpoint failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Checkpoint failed: " + err.Error(),
		})
	}

	h.logger.Info().
		Uint64("sequence", res.Sequence).
		Bool("skipped", res.Skipped).
		Msg("Manual checkpoint completed")

	return c.JSON(fiber.Map{
		"success":    true,
		"checkpoint": res,
	})
}

// apply runs m through the mutator and renders the outcome.
func (h *CatalogHandler) apply(c *fiber.Ctx, m catalog.Mutation, created bool) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), h.timeout)
	defer cancel()

	res, err := h.mutator.Apply(ctx, m)
	if err != nil {
		return h.mutationError(c, m, err)
	}

	status := fiber.StatusOK
	if created && res.Changed {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(fiber.Map{
		"success":     true,
		"sequence":    res.Sequence,
		"changed":     res.Changed,
		"database_id": res.DatabaseID,
		"table_id":    res.TableID,
		"column_id":   res.ColumnID,
	})
}

func (h *CatalogHandler) mutationError(c *fiber.Ctx, m catalog.Mutation, err error) error {
	status := statusFor(err)
	if status >= fiber.StatusInternalServerError {
		h.logger.Error().Err(err).Str("kind", string(m.Kind)).Msg("Mutation failed")
	}

	body := fiber.Map{"error": err.Error()}
	if errors.Is(err, raft.ErrNotLeader) {
		if l, ok := h.mutator.(leaderLocator); ok {
			if addr := l.LeaderAddr(); addr != "" {
				body["leader"] = addr
			}
		}
	}
	return c.Status(status).JSON(body)
}

// resolveDatabase finds the live database named by the :db parameter.
func (h *CatalogHandler) resolveDatabase(c *fiber.Ctx) (*catalog.Database, error) {
	name := c.Params("db")
	db, ok := h.mutator.Current().DatabaseByName(name)
	if !ok {
		return nil, fmtNotFound("database", name)
	}
	return db, nil
}

// resolveTable finds the live table named by the :db and :table parameters.
func (h *CatalogHandler) resolveTable(c *fiber.Ctx) (*catalog.Database, *catalog.Table, error) {
	db, err := h.resolveDatabase(c)
	if err != nil {
		return nil, nil, err
	}
	name := c.Params("table")
	t, ok := db.TableByName(name)
	if !ok {
		return nil, nil, fmtNotFound("table", name)
	}
	return db, t, nil
}
