// Package catalog implements the schema catalog: the authoritative, versioned
// record of which databases, tables and columns exist on a node.
//
// A *Catalog is an immutable value. Mutations (see Apply) build a new catalog
// that shares every untouched database, table and column with its parent, so a
// reader holding a *Catalog always sees one consistent, sequence-tagged state.
// Entities are never physically removed: soft deletion leaves a tombstone whose
// identifier stays reserved forever.
package catalog

import (
	"cmp"
	"slices"
)

// Catalog is the root of the schema catalog for one node.
type Catalog struct {
	nodeID     string
	instanceID string
	sequence   uint64
	databases  []*Database

	// Databases and tables share one identifier scope, columns another.
	objectIDs idAllocator
	columnIDs idAllocator
}

// New returns an empty catalog at sequence 0.
func New(nodeID, instanceID string) *Catalog {
	return &Catalog{
		nodeID:     nodeID,
		instanceID: instanceID,
	}
}

func (c *Catalog) NodeID() string     { return c.nodeID }
func (c *Catalog) InstanceID() string { return c.instanceID }

// Sequence is the logical clock of the catalog: it advances by one for every
// mutation that changed state.
func (c *Catalog) Sequence() uint64 { return c.sequence }

// IsStale reports whether a copy at remoteSequence must re-sync from c.
func (c *Catalog) IsStale(remoteSequence uint64) bool {
	return remoteSequence < c.sequence
}

// Databases returns every database, tombstones included, in ascending ID order.
func (c *Catalog) Databases() []*Database {
	return slices.Clone(c.databases)
}

// LiveDatabases returns the databases visible to new writes and queries.
func (c *Catalog) LiveDatabases() []*Database {
	live := make([]*Database, 0, len(c.databases))
	for _, db := range c.databases {
		if !db.deleted {
			live = append(live, db)
		}
	}
	return live
}

// DatabaseByID resolves a database, tombstones included.
func (c *Catalog) DatabaseByID(id DatabaseID) (*Database, bool) {
	i, ok := c.databaseIndex(id)
	if !ok {
		return nil, false
	}
	return c.databases[i], true
}

// DatabaseByName resolves a live database by name.
func (c *Catalog) DatabaseByName(name string) (*Database, bool) {
	for _, db := range c.databases {
		if !db.deleted && db.name == name {
			return db, true
		}
	}
	return nil, false
}

// TableByName resolves a live table in a live database.
func (c *Catalog) TableByName(database, table string) (*Database, *Table, bool) {
	db, ok := c.DatabaseByName(database)
	if !ok {
		return nil, nil, false
	}
	t, ok := db.TableByName(table)
	if !ok {
		return nil, nil, false
	}
	return db, t, true
}

// NextObjectID and NextColumnID expose the allocator positions for diagnostics.
func (c *Catalog) NextObjectID() uint64 { return c.objectIDs.peek() }
func (c *Catalog) NextColumnID() uint64 { return c.columnIDs.peek() }

func (c *Catalog) databaseIndex(id DatabaseID) (int, bool) {
	return slices.BinarySearchFunc(c.databases, id, func(db *Database, id DatabaseID) int {
		return cmp.Compare(db.id, id)
	})
}

// shallowCopy returns a copy of c that may be modified without affecting c,
// as long as the databases slice is replaced rather than written in place.
func (c *Catalog) shallowCopy() *Catalog {
	cp := *c
	return &cp
}

func (c *Catalog) withDatabase(db *Database) *Catalog {
	cp := c.shallowCopy()
	cp.databases = append(slices.Clip(c.databases), db)
	return cp
}

func (c *Catalog) withDatabaseAt(i int, db *Database) *Catalog {
	cp := c.shallowCopy()
	cp.databases = slices.Clone(c.databases)
	cp.databases[i] = db
	return cp
}

// Stats counts live databases, tables and columns.
func (c *Catalog) Stats() (databases, tables, columns int) {
	for _, db := range c.databases {
		if db.deleted {
			continue
		}
		databases++
		for _, t := range db.tables {
			if t.deleted {
				continue
			}
			tables++
			for _, col := range t.columns {
				if !col.deleted {
					columns++
				}
			}
		}
	}
	return databases, tables, columns
}
