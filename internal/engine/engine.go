// Package engine declares the capability contract an execution engine
// adapter must satisfy and the closed set of connection configurations the
// core can validate and route between. Concrete adapters (one
// per warehouse) are external collaborators; this package owns only the
// contract and config validation.
package engine

import (
	"context"

	"github.com/biomunky/sqlmesh/internal/ast"
)

// Adapter is the full set of operations the scheduler and snapshot
// evaluator need from a warehouse connection. An adapter that cannot
// support a given Kind's lifecycle (e.g. a read-only adapter) returns
// ErrUnsupported from the relevant method rather than being offered a
// reduced interface; callers type-assert on sentinel errors, not smaller
// interfaces, to keep the contract uniform across adapters.
type Adapter interface {
	// Execute runs a statement with no expected result rows (DDL, audits
	// that only need pass/fail, pre/post statements).
	Execute(ctx context.Context, sql string) error
	// FetchDF runs a query and returns rows as a slice of column-name ->
	// value maps, mirroring the "dataframe" shape audit checks and
	// fetchdf() callers expect without committing this package to any one
	// dataframe library.
	FetchDF(ctx context.Context, sql string) ([]map[string]any, error)

	CreateTable(ctx context.Context, name string, columns ast.SchemaMapping, partitionedBy, clusteredBy []string) error
	ReplaceQuery(ctx context.Context, name, querySQL string) error
	InsertAppend(ctx context.Context, name, querySQL string) error
	InsertOverwriteByTimePartition(ctx context.Context, name, querySQL, timeColumn string, startMS, endMS int64) error
	MergeByUniqueKey(ctx context.Context, name, querySQL string, uniqueKey []string) error

	DropTable(ctx context.Context, name string) error
	DropView(ctx context.Context, name string) error
	CreateView(ctx context.Context, name, querySQL string) error

	Columns(ctx context.Context, name string) (map[string]ast.ColumnType, error)
	TableExists(ctx context.Context, name string) (bool, error)

	// Multithreaded reports whether this adapter's connections may be used
	// concurrently from multiple scheduler goroutines. scheduler.Executor
	// does not consult it: its concurrency is set by ConcurrentTasks alone.
	Multithreaded() bool

	Close() error
}

// Dialect returns the SQL dialect an Adapter renders for. Kept separate
// from Adapter itself so a ConnectionConfig can report its dialect before
// any connection has been established.
type Dialect interface {
	Dialect() ast.Dialect
}
