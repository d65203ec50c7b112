package catalog

import (
	"errors"
	"fmt"
)

// Catalog errors. Call sites wrap these with the offending names and IDs, so
// classification must go through errors.Is.
var (
	// ErrNotFound indicates a referenced database, table, column or trigger does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateName indicates a create conflicts with a live sibling of the same name.
	ErrDuplicateName = errors.New("duplicate name")

	// ErrSchemaValidation indicates a role, type or nullability mismatch, or an invalid name.
	ErrSchemaValidation = errors.New("schema validation failed")

	// ErrDatabaseDeleted indicates a mutation against a tombstoned database.
	ErrDatabaseDeleted = errors.New("database is deleted")

	// ErrTableDeleted indicates a mutation against a tombstoned table.
	ErrTableDeleted = errors.New("table is deleted")

	// ErrDecode indicates malformed or version-incompatible snapshot bytes.
	ErrDecode = errors.New("catalog decode error")

	// ErrIDSpaceExhausted indicates a 32-bit identifier scope ran out. It is not recoverable.
	ErrIDSpaceExhausted = errors.New("identifier space exhausted")

	// ErrStaleSnapshot indicates an attempt to install a catalog older than the current one.
	ErrStaleSnapshot = errors.New("snapshot is older than current catalog")

	// ErrUnknownMutation indicates a mutation record with an unrecognized kind.
	ErrUnknownMutation = errors.New("unknown mutation kind")
)

// Name conflicts per entity. Each satisfies errors.Is(err, ErrDuplicateName).
var (
	ErrDuplicateDatabaseName = fmt.Errorf("%w: database", ErrDuplicateName)
	ErrDuplicateTableName    = fmt.Errorf("%w: table", ErrDuplicateName)
	ErrDuplicateColumnName   = fmt.Errorf("%w: column", ErrDuplicateName)
	ErrDuplicateTriggerName  = fmt.Errorf("%w: trigger", ErrDuplicateName)
)

func decodeErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrDecode, fmt.Sprintf(format, args...))
}
