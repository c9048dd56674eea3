package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/biomunky/sqlmesh/internal/environment"
	"github.com/biomunky/sqlmesh/internal/snapshot"
	"github.com/biomunky/sqlmesh/internal/sqlerrors"
	"github.com/biomunky/sqlmesh/internal/state/sqlitestore"
)

var (
	promoteEnv    string
	promoteNoGaps bool
	promoteStart  string
	promoteEnd    string
)

// storeGapChecker adapts sqlitestore.Store to environment.GapChecker by
// attaching each looked-up snapshot's intervals from the store before
// handing it to Promote.
type storeGapChecker struct {
	store *sqlitestore.Store
}

func (c storeGapChecker) Lookup(id snapshot.ID) (*snapshot.Snapshot, bool) {
	snap, ok, err := c.store.GetSnapshot(id.Name, id.Fingerprint.DataHash, id.Fingerprint.MetadataHash)
	if err != nil || !ok {
		return nil, false
	}
	if intervals, err := c.store.EffectiveIntervals(id, false); err == nil {
		snap.Intervals = intervals
	}
	return snap, true
}

var promoteCmd = &cobra.Command{
	Use:   "promote",
	Short: "Promote the current snapshot set into a named environment",
	RunE: func(cmd *cobra.Command, args []string) error {
		now := time.Now().UTC()
		startAt, err := parseWindowFlag(promoteStart, now)
		if err != nil {
			return err
		}
		endAt, err := parseWindowFlag(promoteEnd, now)
		if err != nil {
			return err
		}

		store, err := sqlitestore.Open(stateDSN)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		previous, existed, err := store.GetEnvironment(promoteEnv)
		if err != nil {
			return fmt.Errorf("look up environment %s: %w", promoteEnv, err)
		}
		previousPlanID := ""
		var previousEnv *environment.Environment
		if existed {
			previousPlanID = previous.PlanID
			previousEnv = previous
		}

		summaries, err := store.ListEnvironmentSummaries()
		if err != nil {
			return fmt.Errorf("list environment summaries: %w", err)
		}
		log.WithField("known_environments", len(summaries)).Debug("loaded environment summaries")

		ids, err := currentSnapshotIDs(store)
		if err != nil {
			return err
		}

		env := environment.New(promoteEnv, ids, previousPlanID)
		added, removed, err := store.Promote(env, previousEnv, storeGapChecker{store: store}, startAt.UnixMilli(), endAt.UnixMilli(), now.UnixMilli(), promoteNoGaps)
		var gapErr *sqlerrors.GapError
		if errors.As(err, &gapErr) {
			return fmt.Errorf("promotion blocked by missing intervals: %w", gapErr)
		}
		if err != nil {
			return fmt.Errorf("promote environment %s: %w", promoteEnv, err)
		}

		log.WithFields(map[string]interface{}{
			"environment": env.Name,
			"plan_id":     env.PlanID,
			"snapshots":   len(env.Snapshots),
			"added":       len(added),
			"removed":     len(removed),
		}).Info("promoted environment")
		return nil
	},
}

// currentSnapshotIDs discovers models from project-dir and recomputes the
// same fingerprints plan would, so promote can be run against the output
// of a prior plan invocation without a separate identity index.
func currentSnapshotIDs(store *sqlitestore.Store) ([]snapshot.ID, error) {
	registry, err := loadModels(projectDir)
	if err != nil {
		return nil, err
	}
	idsByName, _, err := computeSnapshotIDs(registry.Snapshot())
	if err != nil {
		return nil, err
	}
	ids := make([]snapshot.ID, 0, len(idsByName))
	for _, id := range idsByName {
		ids = append(ids, id)
	}
	return ids, nil
}

func init() {
	promoteCmd.Flags().StringVar(&promoteEnv, "environment", "dev", "environment name to promote into")
	promoteCmd.Flags().BoolVar(&promoteNoGaps, "no-gaps", true, "fail promotion if any incremental snapshot has missing intervals")
	promoteCmd.Flags().StringVar(&promoteStart, "start", "7 days ago", "start of the interval window checked for gaps")
	promoteCmd.Flags().StringVar(&promoteEnd, "end", "now", "end of the interval window checked for gaps")
	rootCmd.AddCommand(promoteCmd)
}
