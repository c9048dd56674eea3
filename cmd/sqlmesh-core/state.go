package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/biomunky/sqlmesh/internal/state/sqlitestore"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect and maintain the state database directly",
}

var stateEnvFlag string

var stateInvalidateCmd = &cobra.Command{
	Use:   "invalidate",
	Short: "Expire a named environment immediately without reclaiming its tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := sqlitestore.Open(stateDSN)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		now := time.Now().UTC().UnixMilli()
		if err := store.InvalidateEnvironment(stateEnvFlag, now); err != nil {
			return fmt.Errorf("invalidate environment %s: %w", stateEnvFlag, err)
		}
		log.WithField("environment", stateEnvFlag).Info("invalidated environment")
		return nil
	},
}

var stateUnpauseCmd = &cobra.Command{
	Use:   "unpause",
	Short: "Unpause every snapshot currently promoted into an environment",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := sqlitestore.Open(stateDSN)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		env, ok, err := store.GetEnvironment(stateEnvFlag)
		if err != nil {
			return fmt.Errorf("look up environment %s: %w", stateEnvFlag, err)
		}
		if !ok {
			return fmt.Errorf("environment %s not found", stateEnvFlag)
		}

		now := time.Now().UTC().UnixMilli()
		if err := store.UnpauseSnapshots(env.Snapshots, now); err != nil {
			return fmt.Errorf("unpause snapshots in %s: %w", stateEnvFlag, err)
		}
		log.WithFields(map[string]interface{}{
			"environment": stateEnvFlag,
			"snapshots":   len(env.Snapshots),
		}).Info("unpaused snapshots")
		return nil
	},
}

var stateCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Sweep expired environments and the snapshots they no longer reference",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := sqlitestore.Open(stateDSN)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		now := time.Now().UTC().UnixMilli()
		expiredEnvs, err := store.DeleteExpiredEnvironments(now)
		if err != nil {
			return fmt.Errorf("delete expired environments: %w", err)
		}
		expiredSnapshots, err := store.DeleteExpiredSnapshots(now)
		if err != nil {
			return fmt.Errorf("delete expired snapshots: %w", err)
		}
		log.WithFields(map[string]interface{}{
			"expired_environments": len(expiredEnvs),
			"expired_snapshots":    len(expiredSnapshots),
		}).Info("cleaned state database")
		return nil
	},
}

func init() {
	stateInvalidateCmd.Flags().StringVar(&stateEnvFlag, "environment", "", "environment name to invalidate")
	stateUnpauseCmd.Flags().StringVar(&stateEnvFlag, "environment", "", "environment whose snapshots should be unpaused")
	stateCmd.AddCommand(stateInvalidateCmd, stateUnpauseCmd, stateCleanCmd)
	rootCmd.AddCommand(stateCmd)
}
