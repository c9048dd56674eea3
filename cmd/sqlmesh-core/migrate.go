package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/biomunky/sqlmesh/internal/sqlerrors"
	"github.com/biomunky/sqlmesh/internal/state/sqlitestore"
)

var migrateSkipBackup bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply any pending schema migrations to the state database",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := sqlitestore.Open(stateDSN)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		if err := store.Migrate(migrateSkipBackup); err != nil {
			return fmt.Errorf("migrate %s: %w", stateDSN, err)
		}

		versions, err := store.GetVersions(false)
		if err != nil {
			return fmt.Errorf("read versions after migrate: %w", err)
		}
		log.WithFields(map[string]interface{}{
			"dsn":                    stateDSN,
			"schema_version":         versions.SchemaVersion,
			"engine_library_version": versions.EngineLibraryVersion,
			"skip_backup":            migrateSkipBackup,
		}).Info("state database migrated")
		return nil
	},
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Restore the state database from the backup taken by the last migrate",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := sqlitestore.Open(stateDSN)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		if err := store.Rollback(); err != nil {
			return fmt.Errorf("rollback %s: %w", stateDSN, err)
		}
		log.WithField("dsn", stateDSN).Info("state database restored from backup")
		return nil
	},
}

var versionsCmd = &cobra.Command{
	Use:   "versions",
	Short: "Print the schema and engine library versions recorded in the state database",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := sqlitestore.Open(stateDSN)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		versions, err := store.GetVersions(true)
		var mismatch *sqlerrors.VersionMismatch
		if errors.As(err, &mismatch) {
			log.WithFields(map[string]interface{}{
				"local_schema_version":  mismatch.Local,
				"stored_schema_version": mismatch.Stored,
			}).Warn(mismatch.Reason)
		} else if err != nil {
			return fmt.Errorf("get versions: %w", err)
		}
		log.WithFields(map[string]interface{}{
			"schema_version":         versions.SchemaVersion,
			"engine_library_version": versions.EngineLibraryVersion,
		}).Info("state database versions")
		return nil
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateSkipBackup, "skip-backup", false, "skip backing up the state database before migrating")
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(versionsCmd)
}
