package catalog

import (
	"cmp"
	"maps"
	"slices"
)

// Trigger is a processing-engine hook attached to a database. The catalog only
// records it; running plugins is the processing engine's job.
type Trigger struct {
	Name           string            `json:"trigger_name"`
	PluginFilename string            `json:"plugin_filename"`
	Specification  string            `json:"trigger_specification"`
	Arguments      map[string]string `json:"trigger_arguments,omitempty"`
	Disabled       bool              `json:"disabled"`
}

func (tr Trigger) clone() Trigger {
	if len(tr.Arguments) == 0 {
		tr.Arguments = nil
		return tr
	}
	tr.Arguments = maps.Clone(tr.Arguments)
	return tr
}

// Database is an immutable database definition. Tables are kept in ascending
// ID order and never removed. Triggers form a set ordered by name.
type Database struct {
	id       DatabaseID
	name     string
	tables   []*Table
	triggers []Trigger
	deleted  bool
}

func (d *Database) ID() DatabaseID { return d.id }
func (d *Database) Name() string { return d.name }
func (d *Database) Deleted() bool { return d.deleted }

// Tables returns every table, tombstones included, in ascending ID order.
func (d *Database) Tables() []*Table {
	return slices.Clone(d.tables)
}

// LiveTables returns the tables that are visible to new writes and queries.
func (d *Database) LiveTables() []*Table {
	live := make([]*Table, 0, len(d.tables))
	for _, t := range d.tables {
		if !t.deleted {
			live = append(live, t)
		}
	}
	return live
}

// TableByID resolves a table, tombstones included.
func (d *Database) TableByID(id TableID) (*Table, bool) {
	i, ok := d.tableIndex(id)
	if !ok {
		return nil, false
	}
	return d.tables[i], true
}

// TableByName resolves a live table by name.
func (d *Database) TableByName(name string) (*Table, bool) {
	for _, t := range d.tables {
		if !t.deleted && t.name == name {
			return t, true
		}
	}
	return nil, false
}

// Triggers returns copies of the attached triggers ordered by name.
func (d *Database) Triggers() []Trigger {
	out := make([]Trigger, len(d.triggers))
	for i, tr := range d.triggers {
		out[i] = tr.clone()
	}
	return out
}

// TriggerByName returns a copy of the named trigger.
func (d *Database) TriggerByName(name string) (Trigger, bool) {
	i, ok := d.triggerIndex(name)
	if !ok {
		return Trigger{}, false
	}
	return d.triggers[i].clone(), true
}

func (d *Database) tableIndex(id TableID) (int, bool) {
	return slices.BinarySearchFunc(d.tables, id, func(t *Table, id TableID) int {
		return cmp.Compare(t.id, id)
	})
}

func (d *Database) triggerIndex(name string) (int, bool) {
	return slices.BinarySearchFunc(d.triggers, name, func(tr Trigger, name string) int {
		return cmp.Compare(tr.Name, name)
	})
}

func (d *Database) withTable(t *Table) *Database {
	cp := *d
	cp.tables = append(slices.Clip(d.tables), t)
	return &cp
}

func (d *Database) withTableAt(i int, t *Table) *Database {
	cp := *d
	cp.tables = slices.Clone(d.tables)
	cp.tables[i] = t
	return &cp
}

func (d *Database) withTriggers(triggers []Trigger) *Database {
	cp := *d
	if len(triggers) == 0 {
		triggers = nil
	}
	cp.triggers = triggers
	return &cp
}
