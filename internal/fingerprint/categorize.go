package fingerprint

import (
	"fmt"

	"github.com/biomunky/sqlmesh/internal/ast"
	"github.com/biomunky/sqlmesh/internal/model"
)

// ChangeCategory is the closed set of classification outcomes for an
// old -> new fingerprint transition.
type ChangeCategory string

const (
	CategoryNone                 ChangeCategory = ""
	CategoryBreaking             ChangeCategory = "BREAKING"
	CategoryNonBreaking          ChangeCategory = "NON_BREAKING"
	CategoryForwardOnly          ChangeCategory = "FORWARD_ONLY"
	CategoryIndirectNonBreaking  ChangeCategory = "INDIRECT_NON_BREAKING"
	CategoryIndirectBreaking     ChangeCategory = "INDIRECT_BREAKING"
	CategoryMetadata             ChangeCategory = "METADATA"
)

// CategorizationMode is the closed set of policies controlling how
// aggressively data-level changes are auto-classified.
type CategorizationMode string

const (
	ModeFull CategorizationMode = "FULL"
	ModeSemi CategorizationMode = "SEMI"
	ModeOff  CategorizationMode = "OFF"
)

// explosiveFuncs is the enumerated set of table-valued/explosive functions
// that disqualify a projection-only diff from NON_BREAKING classification
//. Extensibility to dialect-specific functions beyond this set
// is an open question and intentionally not guessed at here.
var explosiveFuncs = map[string]bool{
	"EXPLODE":          true,
	"EXPLODE_OUTER":    true,
	"POSEXPLODE":       true,
	"POSEXPLODE_OUTER": true,
	"UNNEST":           true,
}

// Snapshot is the minimal view of a prior snapshot the categorizer needs:
// its fingerprint and its own change category (for indirect propagation).
type Snapshot struct {
	Fingerprint    Fingerprint
	ChangeCategory ChangeCategory
}

// Categorize classifies the transition from old to new for a model of the
// given kind, under the given mode. oldQuery and newQuery carry the old/new
// ASTs for SQL models so the SEMI heuristic can inspect the projection list;
// they may be nil for non-SQL kinds.
//
// Comparing a snapshot to itself (old == new in every field) is a logic
// error: there is nothing to categorize.
func Categorize(old, new Snapshot, kind model.Kind, mode CategorizationMode, oldQuery, newQuery *ast.Query) (ChangeCategory, error) {
	if old.Fingerprint == new.Fingerprint {
		return CategoryNone, fmt.Errorf("categorize: old and new fingerprints are identical, nothing to categorize")
	}

	dataChanged := old.Fingerprint.DataHash != new.Fingerprint.DataHash
	metadataChanged := old.Fingerprint.MetadataHash != new.Fingerprint.MetadataHash
	parentDataChanged := old.Fingerprint.ParentDataHash != new.Fingerprint.ParentDataHash
	parentMetadataChanged := old.Fingerprint.ParentMetadataHash != new.Fingerprint.ParentMetadataHash

	if !dataChanged && metadataChanged && !parentDataChanged && !parentMetadataChanged {
		return CategoryMetadata, nil
	}

	if dataChanged {
		switch mode {
		case ModeOff:
			return CategoryNone, nil
		case ModeFull:
			return CategoryBreaking, nil
		case ModeSemi:
			if isProjectionOnlyAddition(kind, oldQuery, newQuery) {
				return CategoryNonBreaking, nil
			}
			return CategoryNone, nil
		default:
			return CategoryNone, fmt.Errorf("categorize: unknown mode %q", mode)
		}
	}

	if parentDataChanged || parentMetadataChanged {
		switch old.ChangeCategory {
		case CategoryNonBreaking, CategoryIndirectNonBreaking, CategoryMetadata:
			return CategoryIndirectNonBreaking, nil
		case CategoryBreaking, CategoryIndirectBreaking:
			return CategoryIndirectBreaking, nil
		default:
			return old.ChangeCategory, nil
		}
	}

	return CategoryNone, nil
}

// isProjectionOnlyAddition implements the SEMI heuristic: for
// SQL models, only new top-level SELECT items, with no change to
// WHERE/FROM/GROUP/HAVING/ORDER/DISTINCT and no explosive function
// introduced, qualify as NON_BREAKING. For SEED models, column additions
// qualify; anything else (removal, rename, value or type change) does not.
func isProjectionOnlyAddition(kind model.Kind, oldQuery, newQuery *ast.Query) bool {
	if kind == model.KindSeed {
		return seedColumnsOnlyAdded(oldQuery, newQuery)
	}
	if oldQuery == nil || newQuery == nil {
		return false
	}
	if oldQuery.Where != newQuery.Where ||
		!sameTableRefs(oldQuery.From, newQuery.From) ||
		oldQuery.GroupBy != newQuery.GroupBy ||
		oldQuery.Having != newQuery.Having ||
		oldQuery.OrderBy != newQuery.OrderBy ||
		oldQuery.Distinct != newQuery.Distinct {
		return false
	}
	if len(newQuery.Projections) < len(oldQuery.Projections) {
		return false
	}
	// Every old projection must survive unchanged and in its original
	// relative order; new items may sit anywhere between them.
	matched := 0
	for _, np := range newQuery.Projections {
		if matched < len(oldQuery.Projections) && oldQuery.Projections[matched] == np {
			matched++
		}
	}
	if matched != len(oldQuery.Projections) {
		return false
	}
	for _, fn := range newQuery.TableValuedFuncs {
		if explosiveFuncs[fn] {
			return false
		}
	}
	return true
}

func sameTableRefs(a, b []ast.TableRef) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// seedColumnsOnlyAdded treats a seed model's two generations of projection
// lists as its column set: additions are safe, any removal, rename, or
// reordering-with-change is not. Value and type
// changes within an existing column are not observable from the AST alone
// here and are conservatively treated as unsafe by requiring every old
// column to appear unchanged in the new list.
func seedColumnsOnlyAdded(oldQuery, newQuery *ast.Query) bool {
	if oldQuery == nil || newQuery == nil {
		return false
	}
	if len(newQuery.Projections) < len(oldQuery.Projections) {
		return false
	}
	newByAlias := make(map[string]ast.Projection, len(newQuery.Projections))
	for _, p := range newQuery.Projections {
		newByAlias[p.Alias] = p
	}
	for _, p := range oldQuery.Projections {
		np, ok := newByAlias[p.Alias]
		if !ok || np.Expr != p.Expr {
			return false
		}
	}
	return true
}
