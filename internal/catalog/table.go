package catalog

import (
	"cmp"
	"slices"
)

// TimeColumnName is the name of the mandatory time column of every table.
const TimeColumnName = "time"

// Column is an immutable column definition.
type Column struct {
	id       ColumnID
	name     string
	typ      ValueType
	role     Role
	nullable bool
	deleted  bool
}

func (c *Column) ID() ColumnID { return c.id }
func (c *Column) Name() string { return c.name }
func (c *Column) Type() ValueType { return c.typ }
func (c *Column) Role() Role { return c.role }
func (c *Column) Nullable() bool { return c.nullable }
func (c *Column) Deleted() bool { return c.deleted }

// Table is an immutable table schema. Columns are kept in ascending ID order
// and are never removed; dropped columns stay behind as tombstones.
type Table struct {
	id      TableID
	name    string
	key     []ColumnID
	columns []*Column
	deleted bool
}

func (t *Table) ID() TableID { return t.id }
func (t *Table) Name() string { return t.name }
func (t *Table) Deleted() bool { return t.deleted }

// Key returns the series key: tag column IDs in key order.
func (t *Table) Key() []ColumnID {
	return slices.Clone(t.key)
}

// Columns returns every column, tombstones included, in ascending ID order.
func (t *Table) Columns() []*Column {
	return slices.Clone(t.columns)
}

// LiveColumns returns the columns that are visible to new writes and queries.
func (t *Table) LiveColumns() []*Column {
	live := make([]*Column, 0, len(t.columns))
	for _, c := range t.columns {
		if !c.deleted {
			live = append(live, c)
		}
	}
	return live
}

// ColumnByID resolves a column, tombstones included.
func (t *Table) ColumnByID(id ColumnID) (*Column, bool) {
	i, ok := t.columnIndex(id)
	if !ok {
		return nil, false
	}
	return t.columns[i], true
}

// ColumnByName resolves a live column by name.
func (t *Table) ColumnByName(name string) (*Column, bool) {
	for _, c := range t.columns {
		if !c.deleted && c.name == name {
			return c, true
		}
	}
	return nil, false
}

// TimeColumn returns the table's time column.
func (t *Table) TimeColumn() *Column {
	for _, c := range t.columns {
		if c.role == RoleTime {
			return c
		}
	}
	return nil
}

// SeriesKey returns the names of the key columns in key order.
func (t *Table) SeriesKey() []string {
	names := make([]string, 0, len(t.key))
	for _, id := range t.key {
		if c, ok := t.ColumnByID(id); ok {
			names = append(names, c.name)
		}
	}
	return names
}

func (t *Table) columnIndex(id ColumnID) (int, bool) {
	return slices.BinarySearchFunc(t.columns, id, func(c *Column, id ColumnID) int {
		return cmp.Compare(c.id, id)
	})
}

// withColumn returns a copy of t with c appended. c.id must exceed every existing ID.
func (t *Table) withColumn(c *Column) *Table {
	cp := *t
	cp.columns = append(slices.Clip(t.columns), c)
	return &cp
}

// withColumnAt returns a copy of t with the column at index i replaced.
func (t *Table) withColumnAt(i int, c *Column) *Table {
	cp := *t
	cp.columns = slices.Clone(t.columns)
	cp.columns[i] = c
	return &cp
}
