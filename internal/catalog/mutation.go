package catalog

import (
	"fmt"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MutationKind identifies a catalog mutation in logs and replication commands.
type MutationKind string

const (
	MutationCreateDatabase     MutationKind = "create_database"
	MutationCreateTable        MutationKind = "create_table"
	MutationAddColumn          MutationKind = "add_column"
	MutationSoftDeleteDatabase MutationKind = "soft_delete_database"
	MutationSoftDeleteTable    MutationKind = "soft_delete_table"
	MutationSoftDeleteColumn   MutationKind = "soft_delete_column"
	MutationRegisterTrigger    MutationKind = "register_trigger"
	MutationDeleteTrigger      MutationKind = "delete_trigger"
	MutationSetTriggerDisabled MutationKind = "set_trigger_disabled"
)

// MutationKinds lists every kind Apply understands.
var MutationKinds = []MutationKind{
	MutationCreateDatabase,
	MutationCreateTable,
	MutationAddColumn,
	MutationSoftDeleteDatabase,
	MutationSoftDeleteTable,
	MutationSoftDeleteColumn,
	MutationRegisterTrigger,
	MutationDeleteTrigger,
	MutationSetTriggerDisabled,
}

// FieldDef declares a field column of a new table.
type FieldDef struct {
	Name string    `json:"name"`
	Type ValueType `json:"type"`
}

// Mutation is a self-contained, serializable description of one catalog change.
// Targets are addressed by ID so that a logged mutation replays identically
// even after names have been reused.
//
// Which fields are meaningful depends on Kind:
//
//	create_database       Name
//	create_table          DatabaseID, Name, Tags, Fields
//	add_column            DatabaseID, TableID, Name, Type, Role
//	soft_delete_database  DatabaseID
//	soft_delete_table     DatabaseID, TableID
//	soft_delete_column    DatabaseID, TableID, ColumnID
//	register_trigger      DatabaseID, Trigger
//	delete_trigger        DatabaseID, Name
//	set_trigger_disabled  DatabaseID, Name, Disabled
type Mutation struct {
	Kind       MutationKind `json:"kind"`
	DatabaseID DatabaseID   `json:"database_id"`
	TableID    TableID      `json:"table_id"`
	ColumnID   ColumnID     `json:"column_id"`
	Name       string       `json:"name,omitempty"`
	Tags       []string     `json:"tags,omitempty"`
	Fields     []FieldDef   `json:"fields,omitempty"`
	Type       *ValueType   `json:"type,omitempty"`
	Role       Role         `json:"role,omitempty"`
	Trigger    *Trigger     `json:"trigger,omitempty"`
	Disabled   bool         `json:"disabled,omitempty"`
}

// Result describes the outcome of a mutation. Sequence is the catalog sequence
// after the mutation; it equals the previous sequence when Changed is false.
type Result struct {
	Sequence   uint64     `json:"sequence"`
	Changed    bool       `json:"changed"`
	DatabaseID DatabaseID `json:"database_id"`
	TableID    TableID    `json:"table_id"`
	ColumnID   ColumnID   `json:"column_id"`
}

// Apply applies m to c and returns the resulting catalog. c is never modified.
//
// When the mutation changes state the returned catalog is new and its sequence
// is exactly c.Sequence()+1. A mutation that leaves state as it was (deleting a
// tombstone, for example) returns c itself with Changed unset. On error c is
// returned unchanged.
func Apply(c *Catalog, m Mutation) (*Catalog, Result, error) {
	var (
		next *Catalog
		res  Result
		err  error
	)
	switch m.Kind {
	case MutationCreateDatabase:
		next, res, err = createDatabase(c, m.Name)
	case MutationCreateTable:
		next, res, err = createTable(c, m.DatabaseID, m.Name, m.Tags, m.Fields)
	case MutationAddColumn:
		if m.Type == nil {
			return c, Result{Sequence: c.sequence}, fmt.Errorf("%w: add_column requires a value type", ErrSchemaValidation)
		}
		next, res, err = addColumn(c, m.DatabaseID, m.TableID, m.Name, *m.Type, m.Role)
	case MutationSoftDeleteDatabase:
		next, res, err = softDeleteDatabase(c, m.DatabaseID)
	case MutationSoftDeleteTable:
		next, res, err = softDeleteTable(c, m.DatabaseID, m.TableID)
	case MutationSoftDeleteColumn:
		next, res, err = softDeleteColumn(c, m.DatabaseID, m.TableID, m.ColumnID)
	case MutationRegisterTrigger:
		if m.Trigger == nil {
			return c, Result{Sequence: c.sequence}, fmt.Errorf("%w: register_trigger requires a trigger", ErrSchemaValidation)
		}
		next, res, err = registerTrigger(c, m.DatabaseID, *m.Trigger)
	case MutationDeleteTrigger:
		next, res, err = deleteTrigger(c, m.DatabaseID, m.Name)
	case MutationSetTriggerDisabled:
		next, res, err = setTriggerDisabled(c, m.DatabaseID, m.Name, m.Disabled)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownMutation, m.Kind)
	}
	if err != nil {
		return c, Result{Sequence: c.sequence}, err
	}
	if next == nil {
		res.Sequence = c.sequence
		return c, res, nil
	}
	next.sequence = c.sequence + 1
	res.Sequence = next.sequence
	res.Changed = true
	return next, res, nil
}

func validateName(entity, name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: %s name must not be empty", ErrSchemaValidation, entity)
	case !utf8.ValidString(name):
		return fmt.Errorf("%w: %s name %q is not valid UTF-8", ErrSchemaValidation, entity, name)
	case strings.IndexFunc(name, unicode.IsControl) >= 0:
		return fmt.Errorf("%w: %s name %q contains control characters", ErrSchemaValidation, entity, name)
	}
	return nil
}

// liveDatabase returns the index and value of a database that accepts mutations.
func (c *Catalog) liveDatabase(id DatabaseID) (int, *Database, error) {
	i, ok := c.databaseIndex(id)
	if !ok {
		return 0, nil, fmt.Errorf("%w: database %d", ErrNotFound, id)
	}
	db := c.databases[i]
	if db.deleted {
		return 0, nil, fmt.Errorf("%w: %q (id %d)", ErrDatabaseDeleted, db.name, id)
	}
	return i, db, nil
}

func (d *Database) liveTable(id TableID) (int, *Table, error) {
	i, ok := d.tableIndex(id)
	if !ok {
		return 0, nil, fmt.Errorf("%w: table %d in database %q", ErrNotFound, id, d.name)
	}
	t := d.tables[i]
	if t.deleted {
		return 0, nil, fmt.Errorf("%w: %q (id %d) in database %q", ErrTableDeleted, t.name, id, d.name)
	}
	return i, t, nil
}

func createDatabase(c *Catalog, name string) (*Catalog, Result, error) {
	if err := validateName("database", name); err != nil {
		return nil, Result{}, err
	}
	if _, exists := c.DatabaseByName(name); exists {
		return nil, Result{}, fmt.Errorf("%w %q", ErrDuplicateDatabaseName, name)
	}
	cp := c.shallowCopy()
	id, err := cp.objectIDs.allocate()
	if err != nil {
		return nil, Result{}, err
	}
	db := &Database{id: DatabaseID(id), name: name}
	return cp.withDatabase(db), Result{DatabaseID: db.id}, nil
}

func createTable(c *Catalog, dbID DatabaseID, name string, tags []string, fields []FieldDef) (*Catalog, Result, error) {
	i, db, err := c.liveDatabase(dbID)
	if err != nil {
		return nil, Result{}, err
	}
	if err := validateName("table", name); err != nil {
		return nil, Result{}, err
	}
	if _, exists := db.TableByName(name); exists {
		return nil, Result{}, fmt.Errorf("%w %q in database %q", ErrDuplicateTableName, name, db.name)
	}

	seen := map[string]struct{}{TimeColumnName: {}}
	checkColumn := func(col string) error {
		if err := validateName("column", col); err != nil {
			return err
		}
		if _, dup := seen[col]; dup {
			return fmt.Errorf("%w %q in table %q", ErrDuplicateColumnName, col, name)
		}
		seen[col] = struct{}{}
		return nil
	}
	for _, tag := range tags {
		if err := checkColumn(tag); err != nil {
			return nil, Result{}, err
		}
	}
	for _, f := range fields {
		if err := checkColumn(f.Name); err != nil {
			return nil, Result{}, err
		}
		if err := validateColumnType(f.Name, RoleField, f.Type, true); err != nil {
			return nil, Result{}, err
		}
	}

	cp := c.shallowCopy()
	tid, err := cp.objectIDs.allocate()
	if err != nil {
		return nil, Result{}, err
	}
	t := &Table{id: TableID(tid), name: name}

	newColumn := func(colName string, typ ValueType, role Role) error {
		id, err := cp.columnIDs.allocate()
		if err != nil {
			return err
		}
		t.columns = append(t.columns, &Column{
			id:       ColumnID(id),
			name:     colName,
			typ:      typ,
			role:     role,
			nullable: role == RoleField,
		})
		return nil
	}
	for _, tag := range tags {
		if err := newColumn(tag, TagType(), RoleTag); err != nil {
			return nil, Result{}, err
		}
		t.key = append(t.key, t.columns[len(t.columns)-1].id)
	}
	if err := newColumn(TimeColumnName, TimeType(), RoleTime); err != nil {
		return nil, Result{}, err
	}
	for _, f := range fields {
		if err := newColumn(f.Name, f.Type, RoleField); err != nil {
			return nil, Result{}, err
		}
	}

	return cp.withDatabaseAt(i, db.withTable(t)), Result{DatabaseID: db.id, TableID: t.id}, nil
}

func addColumn(c *Catalog, dbID DatabaseID, tableID TableID, name string, typ ValueType, role Role) (*Catalog, Result, error) {
	i, db, err := c.liveDatabase(dbID)
	if err != nil {
		return nil, Result{}, err
	}
	j, t, err := db.liveTable(tableID)
	if err != nil {
		return nil, Result{}, err
	}
	if err := validateName("column", name); err != nil {
		return nil, Result{}, err
	}
	if !role.valid() {
		return nil, Result{}, fmt.Errorf("%w: column %q has unknown role %q", ErrSchemaValidation, name, role)
	}
	if role == RoleTime {
		return nil, Result{}, fmt.Errorf("%w: table %q already has a time column", ErrSchemaValidation, t.name)
	}
	nullable := role == RoleField
	if err := validateColumnType(name, role, typ, nullable); err != nil {
		return nil, Result{}, err
	}
	if _, exists := t.ColumnByName(name); exists {
		return nil, Result{}, fmt.Errorf("%w %q in table %q", ErrDuplicateColumnName, name, t.name)
	}

	cp := c.shallowCopy()
	id, err := cp.columnIDs.allocate()
	if err != nil {
		return nil, Result{}, err
	}
	col := &Column{id: ColumnID(id), name: name, typ: typ, role: role, nullable: nullable}
	return cp.withDatabaseAt(i, db.withTableAt(j, t.withColumn(col))),
		Result{DatabaseID: db.id, TableID: t.id, ColumnID: col.id}, nil
}

func softDeleteDatabase(c *Catalog, dbID DatabaseID) (*Catalog, Result, error) {
	i, ok := c.databaseIndex(dbID)
	if !ok {
		return nil, Result{}, fmt.Errorf("%w: database %d", ErrNotFound, dbID)
	}
	db := c.databases[i]
	res := Result{DatabaseID: db.id}
	if db.deleted {
		return nil, res, nil
	}
	tomb := *db
	tomb.deleted = true
	return c.withDatabaseAt(i, &tomb), res, nil
}

func softDeleteTable(c *Catalog, dbID DatabaseID, tableID TableID) (*Catalog, Result, error) {
	i, db, err := c.liveDatabase(dbID)
	if err != nil {
		return nil, Result{}, err
	}
	j, ok := db.tableIndex(tableID)
	if !ok {
		return nil, Result{}, fmt.Errorf("%w: table %d in database %q", ErrNotFound, tableID, db.name)
	}
	t := db.tables[j]
	res := Result{DatabaseID: db.id, TableID: t.id}
	if t.deleted {
		return nil, res, nil
	}
	tomb := *t
	tomb.deleted = true
	return c.withDatabaseAt(i, db.withTableAt(j, &tomb)), res, nil
}

func softDeleteColumn(c *Catalog, dbID DatabaseID, tableID TableID, colID ColumnID) (*Catalog, Result, error) {
	i, db, err := c.liveDatabase(dbID)
	if err != nil {
		return nil, Result{}, err
	}
	j, t, err := db.liveTable(tableID)
	if err != nil {
		return nil, Result{}, err
	}
	k, ok := t.columnIndex(colID)
	if !ok {
		return nil, Result{}, fmt.Errorf("%w: column %d in table %q", ErrNotFound, colID, t.name)
	}
	col := t.columns[k]
	res := Result{DatabaseID: db.id, TableID: t.id, ColumnID: col.id}
	if col.deleted {
		return nil, res, nil
	}
	if col.role != RoleField {
		return nil, Result{}, fmt.Errorf("%w: %s column %q cannot be deleted", ErrSchemaValidation, col.role, col.name)
	}
	tomb := *col
	tomb.deleted = true
	return c.withDatabaseAt(i, db.withTableAt(j, t.withColumnAt(k, &tomb))), res, nil
}

func validateTrigger(tr Trigger) error {
	if err := validateName("trigger", tr.Name); err != nil {
		return err
	}
	if tr.PluginFilename == "" {
		return fmt.Errorf("%w: trigger %q has no plugin filename", ErrSchemaValidation, tr.Name)
	}
	if tr.Specification == "" {
		return fmt.Errorf("%w: trigger %q has no specification", ErrSchemaValidation, tr.Name)
	}
	return nil
}

func registerTrigger(c *Catalog, dbID DatabaseID, tr Trigger) (*Catalog, Result, error) {
	i, db, err := c.liveDatabase(dbID)
	if err != nil {
		return nil, Result{}, err
	}
	if err := validateTrigger(tr); err != nil {
		return nil, Result{}, err
	}
	pos, exists := db.triggerIndex(tr.Name)
	if exists {
		return nil, Result{}, fmt.Errorf("%w %q in database %q", ErrDuplicateTriggerName, tr.Name, db.name)
	}
	triggers := slices.Insert(slices.Clone(db.triggers), pos, tr.clone())
	return c.withDatabaseAt(i, db.withTriggers(triggers)), Result{DatabaseID: db.id}, nil
}

func deleteTrigger(c *Catalog, dbID DatabaseID, name string) (*Catalog, Result, error) {
	i, db, err := c.liveDatabase(dbID)
	if err != nil {
		return nil, Result{}, err
	}
	pos, ok := db.triggerIndex(name)
	if !ok {
		return nil, Result{}, fmt.Errorf("%w: trigger %q in database %q", ErrNotFound, name, db.name)
	}
	triggers := slices.Delete(slices.Clone(db.triggers), pos, pos+1)
	return c.withDatabaseAt(i, db.withTriggers(triggers)), Result{DatabaseID: db.id}, nil
}

func setTriggerDisabled(c *Catalog, dbID DatabaseID, name string, disabled bool) (*Catalog, Result, error) {
	i, db, err := c.liveDatabase(dbID)
	if err != nil {
		return nil, Result{}, err
	}
	pos, ok := db.triggerIndex(name)
	if !ok {
		return nil, Result{}, fmt.Errorf("%w: trigger %q in database %q", ErrNotFound, name, db.name)
	}
	res := Result{DatabaseID: db.id}
	if db.triggers[pos].Disabled == disabled {
		return nil, res, nil
	}
	triggers := slices.Clone(db.triggers)
	triggers[pos].Disabled = disabled
	return c.withDatabaseAt(i, db.withTriggers(triggers)), res, nil
}
