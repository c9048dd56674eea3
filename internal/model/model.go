// Package model defines the immutable Model type and its associated audit
// and macro-executable descriptors.
package model

import (
	"fmt"
	"time"

	"github.com/biomunky/sqlmesh/internal/ast"
)

// Kind is the closed set of model kinds. Discriminated by tag, matched
// exhaustively rather than dispatched through a subclass ladder.
type Kind string

const (
	KindFull                     Kind = "FULL"
	KindView                     Kind = "VIEW"
	KindEmbedded                 Kind = "EMBEDDED"
	KindIncrementalByTimeRange   Kind = "INCREMENTAL_BY_TIME_RANGE"
	KindIncrementalByUniqueKey   Kind = "INCREMENTAL_BY_UNIQUE_KEY"
	KindSeed                     Kind = "SEED"
	KindExternal                 Kind = "EXTERNAL"
)

// IsIncremental reports whether the kind tracks a time_column and
// participates in interval scheduling.
func (k Kind) IsIncremental() bool {
	return k == KindIncrementalByTimeRange || k == KindIncrementalByUniqueKey
}

func (k Kind) Valid() bool {
	switch k {
	case KindFull, KindView, KindEmbedded, KindIncrementalByTimeRange,
		KindIncrementalByUniqueKey, KindSeed, KindExternal:
		return true
	}
	return false
}

// ExecutableKind is the closed set of Python callable descriptor kinds
//.
type ExecutableKind string

const (
	ExecutableDefinition ExecutableKind = "definition"
	ExecutableImport     ExecutableKind = "import"
	ExecutableValue      ExecutableKind = "value"
)

// Executable is a serialized Python callable descriptor. Fingerprints hash
// the descriptor, never the live function: evaluation rebuilds a
// sandboxed namespace from this value on demand.
type Executable struct {
	Name    string
	Kind    ExecutableKind
	Payload string
	Path    string
}

// Audit references a named audit query plus whether its failure blocks the
// run.
type Audit struct {
	Name       string
	Args       map[string]string
	Blocking   bool
}

// MacroDef is one @DEF(name, body) declaration from a model file.
type MacroDef struct {
	Name string
	Body string
}

// Model is the immutable definition of a SQL transformation. All
// fields are populated at load time and never mutated afterward; every
// downstream package treats a *Model as a value to read, never to write.
type Model struct {
	Name            string
	Dialect         ast.Dialect
	Kind            Kind
	QueryAST        *ast.Query
	PreStatements   []string
	PostStatements  []string
	MacroDefs       []MacroDef
	PythonEnv       map[string]Executable
	JinjaRegistry   map[string]string
	Cron            string
	Start           time.Time
	Owner           string
	Tags            []string
	Stamp           string
	Description     string
	Grain           []string
	PartitionedBy   []string
	ClusteredBy     []string
	TimeColumn      string
	TimeConverter   func(t time.Time) string
	Lookback        int
	BatchSize       int
	ColumnsToTypes  map[string]ast.ColumnType
	Audits          []Audit
}

// Validate checks the invariants a Model must satisfy before it can be
// rendered or fingerprinted.
func (m *Model) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("model: name is required")
	}
	if !m.Kind.Valid() {
		return fmt.Errorf("model %s: invalid kind %q", m.Name, m.Kind)
	}
	if m.QueryAST == nil && m.Kind != KindExternal && m.Kind != KindSeed {
		return fmt.Errorf("model %s: query is required for kind %s", m.Name, m.Kind)
	}
	if m.Kind.IsIncremental() && m.TimeColumn == "" {
		return fmt.Errorf("model %s: time_column is required for kind %s", m.Name, m.Kind)
	}
	if m.BatchSize < 0 {
		return fmt.Errorf("model %s: batch_size must be >= 0", m.Name)
	}
	if m.Lookback < 0 {
		return fmt.Errorf("model %s: lookback must be >= 0", m.Name)
	}
	return nil
}

// ShortName is the unqualified trailing segment of a fully-qualified model
// name (e.g. "schema.name" -> "name"), used when deriving physical table
// names.
func (m *Model) ShortName() string {
	name := m.Name
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			return name[i+1:]
		}
	}
	return name
}

// IsSelfReferential reports whether the model reads from its own name,
// used by interval removal cascades.
func (m *Model) IsSelfReferential() bool {
	if m.QueryAST == nil {
		return false
	}
	for _, t := range m.QueryAST.Tables() {
		if t == m.Name {
			return true
		}
	}
	return false
}
