package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/biomunky/sqlmesh/internal/fingerprint"
	"github.com/biomunky/sqlmesh/internal/interval"
	"github.com/biomunky/sqlmesh/internal/scheduler"
	"github.com/biomunky/sqlmesh/internal/snapshot"
	"github.com/biomunky/sqlmesh/internal/state/sqlitestore"
)

var (
	planStart           string
	planEnd             string
	planConcurrentTasks int
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Fingerprint models, build snapshots, and schedule missing intervals",
	RunE: func(cmd *cobra.Command, args []string) error {
		now := time.Now().UTC()
		startAt, err := parseWindowFlag(planStart, now)
		if err != nil {
			return err
		}
		endAt, err := parseWindowFlag(planEnd, now)
		if err != nil {
			return err
		}
		startMS, endMS, nowMS := startAt.UnixMilli(), endAt.UnixMilli(), now.UnixMilli()

		registry, err := loadModels(projectDir)
		if err != nil {
			return err
		}
		models := registry.Snapshot()

		ids, levels, err := computeSnapshotIDs(models)
		if err != nil {
			return err
		}

		store, err := sqlitestore.Open(stateDSN)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		mode := fingerprint.CategorizationMode(settings.CategorizationMode)

		snapshots := map[string]*snapshot.Snapshot{}
		for _, level := range levels {
			for _, name := range level {
				m := models[name]
				var parentIDs []snapshot.ID
				for _, ref := range m.QueryAST.Tables() {
					if parentID, ok := ids[ref]; ok {
						parentIDs = append(parentIDs, parentID)
					}
				}
				snap := snapshot.New(m, ids[name].Fingerprint, parentIDs, "", nowMS)

				previousVersions, err := store.ListPreviousVersions(name)
				if err != nil {
					return fmt.Errorf("list previous versions for %s: %w", name, err)
				}
				snap.PreviousVersions = previousVersions

				category, err := categorizeSnapshot(store, snap, mode)
				if err != nil {
					return fmt.Errorf("categorize snapshot %s: %w", name, err)
				}
				if err := snap.CategorizeAs(category); err != nil {
					return fmt.Errorf("categorize snapshot %s: %w", name, err)
				}

				if err := store.PutSnapshot(snap); err != nil {
					return fmt.Errorf("persist snapshot %s: %w", name, err)
				}
				snapshots[name] = snap
			}
		}

		exec := &scheduler.Executor{ConcurrentTasks: planConcurrentTasks}
		err = exec.Run(cmd.Context(), levels, snapshots, startMS, endMS, nowMS, nil, func(ctx context.Context, id snapshot.ID, batch interval.Interval) error {
			log.WithFields(map[string]interface{}{
				"model": id.Name,
				"start": time.UnixMilli(batch.StartMS).UTC(),
				"end":   time.UnixMilli(batch.EndMS).UTC(),
			}).Info("would evaluate batch")
			return nil
		})
		if err != nil {
			return fmt.Errorf("run plan: %w", err)
		}

		for _, name := range scheduler.Flatten(levels) {
			if err := store.PutSnapshot(snapshots[name]); err != nil {
				return fmt.Errorf("persist evaluated snapshot %s: %w", name, err)
			}
		}
		return nil
	},
}

// categorizeSnapshot compares snap's freshly computed fingerprint against
// whatever was last planned under its name. A name with no prior snapshot
// is a first-ever publish, categorized BREAKING so its version is seeded
// from its own data_hash. An unchanged fingerprint (this model was not
// touched since the last plan) is also reported as its prior category
// rather than calling fingerprint.Categorize, which rejects comparing a
// fingerprint to itself.
func categorizeSnapshot(store *sqlitestore.Store, snap *snapshot.Snapshot, mode fingerprint.CategorizationMode) (fingerprint.ChangeCategory, error) {
	prev, found, err := store.GetLatestSnapshot(snap.Name)
	if err != nil {
		return fingerprint.CategoryNone, err
	}
	if !found {
		return fingerprint.CategoryBreaking, nil
	}
	if prev.Fingerprint == snap.Fingerprint {
		return prev.ChangeCategory, nil
	}

	old := fingerprint.Snapshot{Fingerprint: prev.Fingerprint, ChangeCategory: prev.ChangeCategory}
	latest := fingerprint.Snapshot{Fingerprint: snap.Fingerprint}
	return fingerprint.Categorize(old, latest, snap.Model.Kind, mode, nil, snap.Model.QueryAST)
}

func init() {
	planCmd.Flags().StringVar(&planStart, "start", "7 days ago", "start of the interval window (RFC3339 or natural language)")
	planCmd.Flags().StringVar(&planEnd, "end", "now", "end of the interval window (RFC3339 or natural language)")
	planCmd.Flags().IntVar(&planConcurrentTasks, "concurrent-tasks", 4, "maximum number of snapshots evaluated concurrently per level")
	rootCmd.AddCommand(planCmd)
}
