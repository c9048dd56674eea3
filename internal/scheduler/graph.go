// Package scheduler orders models into dependency levels and runs their
// missing-interval batches with bounded concurrency.
package scheduler

import (
	"fmt"
	"sort"

	"github.com/biomunky/sqlmesh/internal/model"
)

// BuildLevels topologically sorts models by their upstream references into
// levels: every name in levels[0] has no in-project upstream, and every
// name in levels[i] depends only on names in levels[0..i-1]. References to
// names outside the models map (external sources) are not edges. An
// unresolvable cycle returns an error naming the remaining, un-leveled
// models.
func BuildLevels(models map[string]*model.Model) ([][]string, error) {
	deps := make(map[string]map[string]bool, len(models))
	for name, m := range models {
		set := map[string]bool{}
		if m.QueryAST != nil {
			for _, t := range m.QueryAST.Tables() {
				if t == name {
					continue // self-reference doesn't gate leveling
				}
				if _, ok := models[t]; ok {
					set[t] = true
				}
			}
		}
		deps[name] = set
	}

	remaining := make(map[string]bool, len(models))
	for name := range models {
		remaining[name] = true
	}

	var levels [][]string
	for len(remaining) > 0 {
		var ready []string
		for name := range remaining {
			satisfied := true
			for dep := range deps[name] {
				if remaining[dep] {
					satisfied = false
					break
				}
			}
			if satisfied {
				ready = append(ready, name)
			}
		}
		if len(ready) == 0 {
			var stuck []string
			for name := range remaining {
				stuck = append(stuck, name)
			}
			sort.Strings(stuck)
			return nil, fmt.Errorf("scheduler: dependency cycle detected among %v", stuck)
		}
		sort.Strings(ready)
		levels = append(levels, ready)
		for _, name := range ready {
			delete(remaining, name)
		}
	}
	return levels, nil
}

// Flatten returns levels as a single ordered slice, useful for callers that
// only need a valid evaluation order and don't care about parallelism
// grouping.
func Flatten(levels [][]string) []string {
	var out []string
	for _, level := range levels {
		out = append(out, level...)
	}
	return out
}
