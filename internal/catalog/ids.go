package catalog

import (
	"fmt"
	"math"
)

// DatabaseID identifies a database. Never reused, even after soft deletion.
type DatabaseID uint32

// TableID identifies a table. Never reused, even after soft deletion.
type TableID uint32

// ColumnID identifies a column. Never reused, even after soft deletion.
type ColumnID uint32

// idAllocator hands out max(issued)+1, starting at 0. It is a plain value so
// that it is copied along with the catalog that owns it: a mutation that fails
// after allocating simply drops its copy.
type idAllocator struct {
	next uint64
}

func (a *idAllocator) allocate() (uint32, error) {
	if a.next > math.MaxUint32 {
		return 0, fmt.Errorf("%w: all %d identifiers issued", ErrIDSpaceExhausted, uint64(math.MaxUint32)+1)
	}
	id := uint32(a.next)
	a.next++
	return id, nil
}

// observe records an identifier issued elsewhere (a decoded snapshot) so that
// later allocations stay above it.
func (a *idAllocator) observe(id uint32) {
	if uint64(id)+1 > a.next {
		a.next = uint64(id) + 1
	}
}

// peek returns the identifier the next allocate call would issue.
func (a idAllocator) peek() uint64 {
	return a.next
}
