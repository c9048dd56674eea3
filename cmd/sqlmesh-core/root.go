// Command sqlmesh-core is a thin scriptable entry point over the library
// packages in this module: it wires config loading, model discovery,
// scheduling, and the SQLite state store together the way a real caller
// would, without reimplementing a full orchestration CLI.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/biomunky/sqlmesh/internal/config"
)

var (
	projectDir string
	stateDSN   string
	logLevel   string
	logFile    string

	log      *logrus.Entry
	settings config.Settings
)

var rootCmd = &cobra.Command{
	Use:   "sqlmesh-core",
	Short: "Plan, promote, and migrate SQL model snapshots",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		settings = loaded
		if logLevel == "" {
			logLevel = settings.LogLevel
		}
		if stateDSN == "" {
			stateDSN = settings.StateDSN
		}
		log = newLogger(logLevel, logFile)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&projectDir, "project-dir", ".", "directory containing model .sql files")
	rootCmd.PersistentFlags().StringVar(&stateDSN, "state-dsn", "", "path to the state database (defaults to config state-dsn)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (defaults to config log-level)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "rotate logs to this file instead of stderr")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
