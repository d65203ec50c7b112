package catalog

import (
	"fmt"
	"slices"
	"strings"
)

// fromWire rebuilds a catalog from its decoded wire form, checking every
// structural invariant. Allocator positions are derived from the highest
// identifiers present; tombstones are retained, so nothing above them was
// ever issued.
func fromWire(w *wireCatalog) (*Catalog, error) {
	switch {
	case w.Databases == nil:
		return nil, decodeErrorf("missing databases")
	case w.InstanceID == nil:
		return nil, decodeErrorf("missing instance_id")
	case w.NodeID == nil:
		return nil, decodeErrorf("missing node_id")
	case w.Sequence == nil:
		return nil, decodeErrorf("missing sequence")
	}

	c := &Catalog{
		nodeID:     *w.NodeID,
		instanceID: *w.InstanceID,
		sequence:   *w.Sequence,
	}
	liveNames := make(map[string]struct{})
	for i, pair := range *w.Databases {
		if i > 0 && pair.ID <= (*w.Databases)[i-1].ID {
			return nil, decodeErrorf("database ids not strictly ascending at %d", pair.ID)
		}
		db, err := databaseFromWire(c, pair.ID, &pair.Value)
		if err != nil {
			return nil, err
		}
		if !db.deleted {
			if _, dup := liveNames[db.name]; dup {
				return nil, decodeErrorf("duplicate live database name %q", db.name)
			}
			liveNames[db.name] = struct{}{}
		}
		c.objectIDs.observe(uint32(db.id))
		c.databases = append(c.databases, db)
	}
	return c, nil
}

func databaseFromWire(c *Catalog, id DatabaseID, w *wireDatabase) (*Database, error) {
	switch {
	case w.ID == nil:
		return nil, decodeErrorf("database %d: missing id", id)
	case w.Name == nil:
		return nil, decodeErrorf("database %d: missing name", id)
	case w.Tables == nil:
		return nil, decodeErrorf("database %d: missing tables", id)
	case w.Triggers == nil:
		return nil, decodeErrorf("database %d: missing processing_engine_triggers", id)
	case w.Deleted == nil:
		return nil, decodeErrorf("database %d: missing deleted", id)
	case *w.ID != id:
		return nil, decodeErrorf("database entry %d carries id %d", id, *w.ID)
	}
	if err := validateName("database", *w.Name); err != nil {
		return nil, decodeErrorf("database %d: %v", id, err)
	}

	db := &Database{id: id, name: *w.Name, deleted: *w.Deleted}
	liveNames := make(map[string]struct{})
	for i, pair := range *w.Tables {
		if i > 0 && pair.ID <= (*w.Tables)[i-1].ID {
			return nil, decodeErrorf("database %q: table ids not strictly ascending at %d", db.name, pair.ID)
		}
		t, err := tableFromWire(c, pair.ID, &pair.Value)
		if err != nil {
			return nil, fmt.Errorf("database %q: %w", db.name, err)
		}
		if !t.deleted {
			if _, dup := liveNames[t.name]; dup {
				return nil, decodeErrorf("database %q: duplicate live table name %q", db.name, t.name)
			}
			liveNames[t.name] = struct{}{}
		}
		c.objectIDs.observe(uint32(t.id))
		db.tables = append(db.tables, t)
	}

	for _, wt := range *w.Triggers {
		tr, err := triggerFromWire(&wt)
		if err != nil {
			return nil, decodeErrorf("database %q: %v", db.name, err)
		}
		db.triggers = append(db.triggers, tr)
	}
	slices.SortFunc(db.triggers, func(a, b Trigger) int { return strings.Compare(a.Name, b.Name) })
	for i := 1; i < len(db.triggers); i++ {
		if db.triggers[i].Name == db.triggers[i-1].Name {
			return nil, decodeErrorf("database %q: duplicate trigger %q", db.name, db.triggers[i].Name)
		}
	}
	return db, nil
}

func triggerFromWire(w *wireTrigger) (Trigger, error) {
	switch {
	case w.Name == nil:
		return Trigger{}, decodeErrorf("trigger missing trigger_name")
	case w.PluginFilename == nil:
		return Trigger{}, decodeErrorf("trigger %q missing plugin_filename", *w.Name)
	case w.Specification == nil:
		return Trigger{}, decodeErrorf("trigger %q missing trigger_specification", *w.Name)
	case w.Disabled == nil:
		return Trigger{}, decodeErrorf("trigger %q missing disabled", *w.Name)
	}
	tr := Trigger{
		Name:           *w.Name,
		PluginFilename: *w.PluginFilename,
		Specification:  *w.Specification,
		Arguments:      w.Arguments,
		Disabled:       *w.Disabled,
	}
	if err := validateTrigger(tr); err != nil {
		return Trigger{}, err
	}
	return tr.clone(), nil
}

func tableFromWire(c *Catalog, id TableID, w *wireTable) (*Table, error) {
	switch {
	case w.TableID == nil:
		return nil, decodeErrorf("table %d: missing table_id", id)
	case w.TableName == nil:
		return nil, decodeErrorf("table %d: missing table_name", id)
	case w.Key == nil:
		return nil, decodeErrorf("table %d: missing key", id)
	case w.Cols == nil:
		return nil, decodeErrorf("table %d: missing cols", id)
	case w.Deleted == nil:
		return nil, decodeErrorf("table %d: missing deleted", id)
	case *w.TableID != id:
		return nil, decodeErrorf("table entry %d carries id %d", id, *w.TableID)
	}
	if err := validateName("table", *w.TableName); err != nil {
		return nil, decodeErrorf("table %d: %v", id, err)
	}

	t := &Table{id: id, name: *w.TableName, deleted: *w.Deleted}
	liveNames := make(map[string]struct{})
	timeColumns := 0
	for i, pair := range *w.Cols {
		if i > 0 && pair.ID <= (*w.Cols)[i-1].ID {
			return nil, decodeErrorf("table %q: column ids not strictly ascending at %d", t.name, pair.ID)
		}
		col, err := columnFromWire(pair.ID, &pair.Value)
		if err != nil {
			return nil, fmt.Errorf("table %q: %w", t.name, err)
		}
		if col.role == RoleTime {
			timeColumns++
		}
		if !col.deleted {
			if _, dup := liveNames[col.name]; dup {
				return nil, decodeErrorf("table %q: duplicate live column name %q", t.name, col.name)
			}
			liveNames[col.name] = struct{}{}
		}
		c.columnIDs.observe(uint32(col.id))
		t.columns = append(t.columns, col)
	}
	if timeColumns != 1 {
		return nil, decodeErrorf("table %q: expected exactly one time column, found %d", t.name, timeColumns)
	}

	for i, colID := range *w.Key {
		col, ok := t.ColumnByID(colID)
		if !ok {
			return nil, decodeErrorf("table %q: key references unknown column %d", t.name, colID)
		}
		if col.role != RoleTag || col.deleted {
			return nil, decodeErrorf("table %q: key column %q is not a live tag column", t.name, col.name)
		}
		if slices.Contains((*w.Key)[:i], colID) {
			return nil, decodeErrorf("table %q: key lists column %d twice", t.name, colID)
		}
		t.key = append(t.key, colID)
	}
	return t, nil
}

func columnFromWire(id ColumnID, w *wireColumn) (*Column, error) {
	switch {
	case w.Name == nil:
		return nil, decodeErrorf("column %d: missing name", id)
	case w.ID == nil:
		return nil, decodeErrorf("column %d: missing id", id)
	case w.Type == nil:
		return nil, decodeErrorf("column %d: missing type", id)
	case w.InfluxType == nil:
		return nil, decodeErrorf("column %d: missing influx_type", id)
	case w.Nullable == nil:
		return nil, decodeErrorf("column %d: missing nullable", id)
	case *w.ID != id:
		return nil, decodeErrorf("column entry %d carries id %d", id, *w.ID)
	}
	name, role := *w.Name, *w.InfluxType
	if err := validateName("column", name); err != nil {
		return nil, decodeErrorf("column %d: %v", id, err)
	}
	if err := validateColumnType(name, role, *w.Type, *w.Nullable); err != nil {
		return nil, decodeErrorf("%v", err)
	}
	if role == RoleTime && name != TimeColumnName {
		return nil, decodeErrorf("time column must be named %q, got %q", TimeColumnName, name)
	}
	if w.Deleted && role != RoleField {
		return nil, decodeErrorf("%s column %q cannot be deleted", role, name)
	}
	return &Column{
		id:       id,
		name:     name,
		typ:      *w.Type,
		role:     role,
		nullable: *w.Nullable,
		deleted:  w.Deleted,
	}, nil
}
