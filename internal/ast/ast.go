// Package ast defines the contract the core depends on for SQL
// representation. The real parser, macro-substituting transformer,
// schema-mapping optimizer, and table scanner are external collaborators
//; this package only declares the interfaces they must satisfy
// plus a minimal concrete expression tree sufficient to exercise the
// renderer, fingerprinter, and categorizer in isolation and in tests.
package ast

import (
	"sort"
	"strings"
)

// Dialect names a SQL dialect understood by the external parser/optimizer.
type Dialect string

const (
	DialectDuckDB     Dialect = "duckdb"
	DialectSnowflake  Dialect = "snowflake"
	DialectBigQuery   Dialect = "bigquery"
	DialectSpark      Dialect = "spark"
	DialectPostgres   Dialect = "postgres"
	DialectRedshift   Dialect = "redshift"
	DialectDatabricks Dialect = "databricks"
	DialectGeneric    Dialect = "generic"
)

// TableRef identifies an upstream table reference found inside a query,
// either as a fully-qualified model name or an alias used in the FROM/JOIN
// clause it was scanned from.
type TableRef struct {
	Name  string
	Alias string
}

// Projection is a single top-level SELECT item.
type Projection struct {
	Expr  string
	Alias string
}

// Query is the minimal expression-tree contract the renderer, optimizer,
// and categorizer operate over. A production system plugs in a full SQL AST
// here (e.g. from an external parser); this type is the in-module stand-in
// used for tests and for any caller that does not need a full grammar.
type Query struct {
	Projections []Projection
	From        []TableRef
	Where       string
	GroupBy     string
	Having      string
	OrderBy     string
	Distinct    bool
	With        []CTE
	// TableValuedFuncs lists any explosive/table-valued functions appearing
	// in the projection list (EXPLODE, UNNEST, ...), pre-scanned by the
	// parser so the categorizer does not need to walk the tree itself.
	TableValuedFuncs []string
}

// CTE is a single WITH clause entry.
type CTE struct {
	Name  string
	Query *Query
}

// Clone returns a deep-enough copy for safe mutation during optimization or
// incremental-filter wrapping.
func (q *Query) Clone() *Query {
	if q == nil {
		return nil
	}
	clone := *q
	clone.Projections = append([]Projection(nil), q.Projections...)
	clone.From = append([]TableRef(nil), q.From...)
	clone.TableValuedFuncs = append([]string(nil), q.TableValuedFuncs...)
	clone.With = append([]CTE(nil), q.With...)
	return &clone
}

// Tables returns the set of table names referenced anywhere in the query,
// including inside WITH clauses, sorted for deterministic iteration. This
// is the minimal in-module stand-in for the external "tables within
// expression" scanner.
func (q *Query) Tables() []string {
	seen := map[string]bool{}
	var walk func(*Query)
	walk = func(qq *Query) {
		if qq == nil {
			return
		}
		for _, t := range qq.From {
			seen[t.Name] = true
		}
		for _, cte := range qq.With {
			walk(cte.Query)
		}
	}
	walk(q)
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// CanonicalSQL renders the query as dialect-neutral SQL text. Real
// implementations delegate to the external optimizer's generator; this one
// is deterministic and sufficient for fingerprinting and tests: the same
// Query value always serializes identically.
func (q *Query) CanonicalSQL() string {
	var b strings.Builder
	if len(q.With) > 0 {
		b.WriteString("WITH ")
		for i, cte := range q.With {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(cte.Name)
			b.WriteString(" AS (")
			b.WriteString(cte.Query.CanonicalSQL())
			b.WriteString(")")
		}
		b.WriteString(" ")
	}
	b.WriteString("SELECT ")
	if q.Distinct {
		b.WriteString("DISTINCT ")
	}
	for i, p := range q.Projections {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(p.Expr)
		if p.Alias != "" {
			b.WriteString(" AS ")
			b.WriteString(p.Alias)
		}
	}
	if len(q.From) > 0 {
		b.WriteString(" FROM ")
		for i, t := range q.From {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(t.Name)
			if t.Alias != "" {
				b.WriteString(" AS ")
				b.WriteString(t.Alias)
			}
		}
	}
	if q.Where != "" {
		b.WriteString(" WHERE ")
		b.WriteString(q.Where)
	}
	if q.GroupBy != "" {
		b.WriteString(" GROUP BY ")
		b.WriteString(q.GroupBy)
	}
	if q.Having != "" {
		b.WriteString(" HAVING ")
		b.WriteString(q.Having)
	}
	if q.OrderBy != "" {
		b.WriteString(" ORDER BY ")
		b.WriteString(q.OrderBy)
	}
	return b.String()
}

// Parser parses raw SQL text into a Query under a given dialect. The real
// implementation lives outside the core; it is injected wherever
// the renderer needs to parse macro-expanded text back into a tree.
type Parser interface {
	Parse(sql string, dialect Dialect) (*Query, error)
}

// Transformer mutates a Query in place, used for macro substitution and for
// the normalize/qualify/quote passes around it.
type Transformer interface {
	Transform(q *Query) (*Query, error)
}

// TransformerFunc adapts a function to a Transformer.
type TransformerFunc func(q *Query) (*Query, error)

func (f TransformerFunc) Transform(q *Query) (*Query, error) { return f(q) }

// ColumnType describes a single column's declared or inferred type.
type ColumnType string

// SchemaMapping is the known column types for a set of upstream tables,
// built by the caller from already-materialized snapshots and consulted by
// the optimizer's qualify pass.
type SchemaMapping map[string]map[string]ColumnType

// Optimizer performs the qualify -> simplify query passes.
// The real implementation is the external optimizer; this package only
// declares the contract the renderer calls through.
type Optimizer interface {
	Optimize(q *Query, schema SchemaMapping) (*Query, error)
}
