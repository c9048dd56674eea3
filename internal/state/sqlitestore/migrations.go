package sqlitestore

import "database/sql"

// migration is a single named, idempotent schema change. The database's
// schema_version is the count of migrations applied, not a hand-maintained
// integer, so adding an entry here is the only step required to ship a
// change.
type migration struct {
	Name string
	Func func(*sql.DB) error
}

var migrationsList = []migration{
	{"intervals_is_removed_column", migrateIntervalsIsRemoved},
	{"snapshots_unpaused_ts_column", migrateSnapshotsUnpausedTS},
	{"environments_previous_plan_id_column", migrateEnvironmentsPreviousPlanID},
	{"environments_expiration_column", migrateEnvironmentsExpiration},
	{"environments_suffix_target_column", migrateEnvironmentsSuffixTarget},
	{"versions_engine_library_version_column", migrateVersionsEngineLibraryVersion},
	{"snapshots_ttl_column", migrateSnapshotsTTL},
}

// CurrentSchemaVersion is the schema version a fully migrated database ends
// up at. A stored version higher than this means the binary is older than
// the database on disk.
func CurrentSchemaVersion() int {
	return len(migrationsList)
}

func migrateIntervalsIsRemoved(db *sql.DB) error {
	return addColumnIfMissing(db, "_intervals", "is_removed", "INTEGER NOT NULL DEFAULT 0")
}

func migrateSnapshotsUnpausedTS(db *sql.DB) error {
	return addColumnIfMissing(db, "_snapshots", "unpaused_ts", "INTEGER")
}

func migrateEnvironmentsPreviousPlanID(db *sql.DB) error {
	return addColumnIfMissing(db, "_environments", "previous_plan_id", "TEXT NOT NULL DEFAULT ''")
}

func migrateEnvironmentsExpiration(db *sql.DB) error {
	return addColumnIfMissing(db, "_environments", "expiration_ts", "INTEGER")
}

func migrateEnvironmentsSuffixTarget(db *sql.DB) error {
	return addColumnIfMissing(db, "_environments", "suffix_target", "TEXT NOT NULL DEFAULT ''")
}

func migrateVersionsEngineLibraryVersion(db *sql.DB) error {
	return addColumnIfMissing(db, "_versions", "engine_library_version", "TEXT NOT NULL DEFAULT ''")
}

func migrateSnapshotsTTL(db *sql.DB) error {
	return addColumnIfMissing(db, "_snapshots", "ttl_ms", "INTEGER NOT NULL DEFAULT 0")
}

func addColumnIfMissing(db *sql.DB, table, column, ddlType string) error {
	rows, err := db.Query("SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		if name == column {
			return rows.Err()
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = db.Exec("ALTER TABLE " + table + " ADD COLUMN " + column + " " + ddlType)
	return err
}

// runMigrations applies every migration in order, each directly against db
// with no enclosing transaction or lock, then records the resulting schema
// version. A failed migration stops the run and leaves earlier ones applied.
func runMigrations(db *sql.DB) error {
	for _, m := range migrationsList {
		if err := m.Func(db); err != nil {
			return &migrationError{Name: m.Name, Err: err}
		}
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM _versions").Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		_, err := db.Exec("INSERT INTO _versions (schema_version, engine_library_version) VALUES (?, ?)",
			CurrentSchemaVersion(), EngineLibraryVersion)
		return err
	}
	_, err := db.Exec("UPDATE _versions SET schema_version = ?, engine_library_version = ?",
		CurrentSchemaVersion(), EngineLibraryVersion)
	return err
}

type migrationError struct {
	Name string
	Err  error
}

func (e *migrationError) Error() string {
	return "migration " + e.Name + " failed: " + e.Err.Error()
}

func (e *migrationError) Unwrap() error { return e.Err }
