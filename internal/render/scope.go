package render

import (
	"sort"
	"strings"

	"github.com/biomunky/sqlmesh/internal/ast"
)

// scopedNormalize wraps fn with a qualify/normalize-on-entry,
// quote-on-exit guarantee: the quote pass must run on every exit path,
// including errors, mirroring a defer-based acquire/release primitive
// rather than a bare function call.
func scopedNormalize(q *ast.Query, dialect ast.Dialect, fn func(*ast.Query) (*ast.Query, error)) (result *ast.Query, err error) {
	normalized := qualifyAndNormalize(q, dialect)
	defer func() {
		result = quoteIdentifiers(result, dialect)
	}()
	result, err = fn(normalized)
	return result, err
}

// qualifyAndNormalize folds projection aliases and table aliases to the
// dialect's identifier case: upper case for Snowflake, lower case for every
// other dialect. Table names and projection expressions are left as they
// are; no table reference is qualified.
func qualifyAndNormalize(q *ast.Query, dialect ast.Dialect) *ast.Query {
	if q == nil {
		return nil
	}
	out := q.Clone()
	fold := foldFunc(dialect)
	for i, p := range out.Projections {
		out.Projections[i].Alias = fold(p.Alias)
	}
	for i, t := range out.From {
		out.From[i].Alias = fold(t.Alias)
	}
	return out
}

// quoteIdentifiers applies dialect-specific identifier quoting to every
// projection alias and table alias. It is always the last transformation
// applied before a rendered query leaves the renderer.
func quoteIdentifiers(q *ast.Query, dialect ast.Dialect) *ast.Query {
	if q == nil {
		return nil
	}
	out := q.Clone()
	quote := quoteFunc(dialect)
	for i, p := range out.Projections {
		if p.Alias != "" {
			out.Projections[i].Alias = quote(p.Alias)
		}
	}
	for i, t := range out.From {
		if t.Alias != "" {
			out.From[i].Alias = quote(t.Alias)
		}
	}
	return out
}

func foldFunc(dialect ast.Dialect) func(string) string {
	switch dialect {
	case ast.DialectSnowflake:
		return strings.ToUpper
	default:
		return strings.ToLower
	}
}

func quoteFunc(dialect ast.Dialect) func(string) string {
	switch dialect {
	case ast.DialectBigQuery:
		return func(s string) string { return "`" + s + "`" }
	default:
		return func(s string) string {
			if strings.HasPrefix(s, `"`) {
				return s
			}
			return `"` + s + `"`
		}
	}
}

// sortedTableNames returns the table names of refs in sorted order, for
// output that is deterministic across runs.
func sortedTableNames(refs []ast.TableRef) []string {
	names := make([]string, 0, len(refs))
	for _, r := range refs {
		names = append(names, r.Name)
	}
	sort.Strings(names)
	return names
}
