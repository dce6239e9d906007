// Package pipeline orchestrates the processing of one file or archive: the
// duplicate check against the ledger, validation and auto-fixing, line
// transformation, and the bulk load into the staging table.
package pipeline

import (
	"context"
	"fmt"
	"io"
)

// Loader bulk-loads delimited content into a table. It returns the number
// of rows written. Loads are all-or-nothing: on error no rows remain in the
// table.
type Loader interface {
	Load(ctx context.Context, table string, columns []string, data io.Reader) (int64, error)
}

// SchemaSource resolves the loadable columns of a staging table.
type SchemaSource interface {
	Columns(ctx context.Context, table string) ([]string, error)
}

// ErrNoTable is wrapped by SchemaSource implementations when the target
// table does not exist.
var ErrNoTable = fmt.Errorf("no such table")

// LoadFailure wraps a bulk-load error with its target table.
type LoadFailure struct {
	Table string
	Err   error
}

func (e *LoadFailure) Error() string {
	return fmt.Sprintf("bulk load into %s: %v", e.Table, e.Err)
}

func (e *LoadFailure) Unwrap() error { return e.Err }
