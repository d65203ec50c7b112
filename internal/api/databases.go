package api

import (
	"github.com/basekick-labs/arc-catalog/internal/catalog"
	"github.com/gofiber/fiber/v2"
)

// DatabaseInfo describes a database in API responses
type DatabaseInfo struct {
	ID         catalog.DatabaseID `json:"id"`
	Name       string             `json:"name"`
	Deleted    bool               `json:"deleted"`
	TableCount int                `json:"table_count"`
	Triggers   int                `json:"trigger_count"`
}

// TableInfo describes a table in API responses
type TableInfo struct {
	ID         catalog.TableID `json:"id"`
	Name       string          `json:"name"`
	Deleted    bool            `json:"deleted"`
	SeriesKey  []string        `json:"series_key"`
	TimeColumn string          `json:"time_column,omitempty"`
	Columns    []ColumnInfo    `json:"columns,omitempty"`
}

// ColumnInfo describes a column in API responses
type ColumnInfo struct {
	ID       catalog.ColumnID  `json:"id"`
	Name     string            `json:"name"`
	Type     catalog.ValueType `json:"type"`
	Role     catalog.Role      `json:"role"`
	Nullable bool              `json:"nullable"`
	Deleted  bool              `json:"deleted,omitempty"`
}

// CreateDatabaseRequest represents a request to create a new database
type CreateDatabaseRequest struct {
	Name string `json:"name"`
}

// CreateTableRequest represents a request to create a table. Tags are
// listed in series-key order.
type CreateTableRequest struct {
	Name   string             `json:"name"`
	Tags   []string           `json:"tags"`
	Fields []catalog.FieldDef `json:"fields"`
}

// AddColumnRequest represents a request to add a column to a table
type AddColumnRequest struct {
	Name string            `json:"name"`
	Type catalog.ValueType `json:"type"`
	Role catalog.Role      `json:"role"`
}

func databaseInfo(db *catalog.Database) DatabaseInfo {
	return DatabaseInfo{
		ID:         db.ID(),
		Name:       db.Name(),
		Deleted:    db.Deleted(),
		TableCount: len(db.LiveTables()),
		Triggers:   len(db.Triggers()),
	}
}

func tableInfo(t *catalog.Table, withColumns, includeDeleted bool) TableInfo {
	info := TableInfo{
		ID:        t.ID(),
		Name:      t.Name(),
		Deleted:   t.Deleted(),
		SeriesKey: t.SeriesKey(),
	}
	if tc := t.TimeColumn(); tc != nil {
		info.TimeColumn = tc.Name()
	}
	if !withColumns {
		return info
	}

	cols := t.LiveColumns()
	if includeDeleted {
		cols = t.Columns()
	}
	info.Columns = make([]ColumnInfo, 0, len(cols))
	for _, col := range cols {
		info.Columns = append(info.Columns, ColumnInfo{
			ID:       col.ID(),
			Name:     col.Name(),
			Type:     col.Type(),
			Role:     col.Role(),
			Nullable: col.Nullable(),
			Deleted:  col.Deleted(),
		})
	}
	return info
}

// handleListDatabases handles GET /api/v1/databases
func (h *CatalogHandler) handleListDatabases(c *fiber.Ctx) error {
	cat := h.mutator.Current()
	dbs := cat.LiveDatabases()
	if c.QueryBool("include_deleted") {
		dbs = cat.Databases()
	}

	infos := make([]DatabaseInfo, 0, len(dbs))
	for _, db := range dbs {
		infos = append(infos, databaseInfo(db))
	}

	return c.JSON(fiber.Map{
		"databases": infos,
		"count":     len(infos),
		"sequence":  cat.Sequence(),
	})
}

// handleCreateDatabase handles POST /api/v1/databases
func (h *CatalogHandler) handleCreateDatabase(c *fiber.Ctx) error {
	var req CreateDatabaseRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body: " + err.Error(),
		})
	}

	return h.apply(c, catalog.Mutation{
		Kind: catalog.MutationCreateDatabase,
		Name: req.Name,
	}, true)
}

// handleGetDatabase handles GET /api/v1/databases/:db
func (h *CatalogHandler) handleGetDatabase(c *fiber.Ctx) error {
	db, err := h.resolveDatabase(c)
	if err != nil {
		return errorResponse(c, err)
	}

	tables := make([]TableInfo, 0)
	for _, t := range db.LiveTables() {
		tables = append(tables, tableInfo(t, false, false))
	}

	return c.JSON(fiber.Map{
		"database": databaseInfo(db),
		"tables":   tables,
		"sequence": h.mutator.Current().Sequence(),
	})
}

// handleDeleteDatabase handles DELETE /api/v1/databases/:db
func (h *CatalogHandler) handleDeleteDatabase(c *fiber.Ctx) error {
	db, err := h.resolveDatabase(c)
	if err != nil {
		return errorResponse(c, err)
	}

	return h.apply(c, catalog.Mutation{
		Kind:       catalog.MutationSoftDeleteDatabase,
		DatabaseID: db.ID(),
	}, false)
}

// handleListTables handles GET /api/v1/databases/:db/tables
func (h *CatalogHandler) handleListTables(c *fiber.Ctx) error {
	db, err := h.resolveDatabase(c)
	if err != nil {
		return errorResponse(c, err)
	}

	includeDeleted := c.QueryBool("include_deleted")
	tables := db.LiveTables()
	if includeDeleted {
		tables = db.Tables()
	}

	infos := make([]TableInfo, 0, len(tables))
	for _, t := range tables {
		infos = append(infos, tableInfo(t, true, includeDeleted))
	}

	return c.JSON(fiber.Map{
		"database": db.Name(),
		"tables":   infos,
		"count":    len(infos),
		"sequence": h.mutator.Current().Sequence(),
	})
}

// handleCreateTable handles POST /api/v1/databases/:db/tables
func (h *CatalogHandler) handleCreateTable(c *fiber.Ctx) error {
	db, err := h.resolveDatabase(c)
	if err != nil {
		return errorResponse(c, err)
	}

	var req CreateTableRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body: " + err.Error(),
		})
	}

	return h.apply(c, catalog.Mutation{
		Kind:       catalog.MutationCreateTable,
		DatabaseID: db.ID(),
		Name:       req.Name,
		Tags:       req.Tags,
		Fields:     req.Fields,
	}, true)
}

// handleGetTable handles GET /api/v1/databases/:db/tables/:table
func (h *CatalogHandler) handleGetTable(c *fiber.Ctx) error {
	db, t, err := h.resolveTable(c)
	if err != nil {
		return errorResponse(c, err)
	}

	return c.JSON(fiber.Map{
		"database": db.Name(),
		"table":    tableInfo(t, true, c.QueryBool("include_deleted")),
		"sequence": h.mutator.Current().Sequence(),
	})
}

// handleDeleteTable handles DELETE /api/v1/databases/:db/tables/:table
func (h *CatalogHandler) handleDeleteTable(c *fiber.Ctx) error {
	db, t, err := h.resolveTable(c)
	if err != nil {
		return errorResponse(c, err)
	}

	return h.apply(c, catalog.Mutation{
		Kind:       catalog.MutationSoftDeleteTable,
		DatabaseID: db.ID(),
		TableID:    t.ID(),
	}, false)
}

// handleAddColumn handles POST /api/v1/databases/:db/tables/:table/columns
func (h *CatalogHandler) handleAddColumn(c *fiber.Ctx) error {
	db, t, err := h.resolveTable(c)
	if err != nil {
		return errorResponse(c, err)
	}

	var req AddColumnRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body: " + err.Error(),
		})
	}
	if req.Role == "" {
		req.Role = catalog.RoleField
	}

	return h.apply(c, catalog.Mutation{
		Kind:       catalog.MutationAddColumn,
		DatabaseID: db.ID(),
		TableID:    t.ID(),
		Name:       req.Name,
		Type:       &req.Type,
		Role:       req.Role,
	}, true)
}

// handleDeleteColumn handles DELETE /api/v1/databases/:db/tables/:table/columns/:column
func (h *CatalogHandler) handleDeleteColumn(c *fiber.Ctx) error {
	db, t, err := h.resolveTable(c)
	if err != nil {
		return errorResponse(c, err)
	}
	name := c.Params("column")
	col, ok := t.ColumnByName(name)
	if !ok {
		return errorResponse(c, fmtNotFound("column", name))
	}

	return h.apply(c, catalog.Mutation{
		Kind:       catalog.MutationSoftDeleteColumn,
		DatabaseID: db.ID(),
		TableID:    t.ID(),
		ColumnID:   col.ID(),
	}, false)
}
