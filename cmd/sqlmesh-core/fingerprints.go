package main

import (
	"fmt"

	"github.com/biomunky/sqlmesh/internal/fingerprint"
	"github.com/biomunky/sqlmesh/internal/model"
	"github.com/biomunky/sqlmesh/internal/scheduler"
	"github.com/biomunky/sqlmesh/internal/snapshot"
)

// computeSnapshotIDs fingerprints every model in dependency order and
// returns the resulting snapshot identities keyed by model name, the same
// computation plan performs before persisting snapshots. promote reuses it
// so it can recompute the identity of whatever plan last produced without
// needing a second index in the state store.
func computeSnapshotIDs(models map[string]*model.Model) (map[string]snapshot.ID, [][]string, error) {
	levels, err := scheduler.BuildLevels(models)
	if err != nil {
		return nil, nil, fmt.Errorf("build dependency levels: %w", err)
	}

	fingerprints := map[string]fingerprint.Fingerprint{}
	ids := map[string]snapshot.ID{}
	for _, level := range levels {
		for _, name := range level {
			m := models[name]
			upstream := map[string]fingerprint.Fingerprint{}
			for _, ref := range m.QueryAST.Tables() {
				if fp, ok := fingerprints[ref]; ok {
					upstream[ref] = fp
				}
			}
			fp, err := fingerprint.Compute(m, upstream)
			if err != nil {
				return nil, nil, fmt.Errorf("fingerprint model %s: %w", name, err)
			}
			fingerprints[name] = fp
			ids[name] = snapshot.ID{Name: name, Fingerprint: fp}
		}
	}
	return ids, levels, nil
}
