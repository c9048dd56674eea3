// Package sqlitestore is the SQLite-backed implementation of the state
// store: durable snapshot records, append-only interval deltas, and
// environment rows. It is the only package in this module that
// touches a database/sql driver.
package sqlitestore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/biomunky/sqlmesh/internal/environment"
	"github.com/biomunky/sqlmesh/internal/fingerprint"
	"github.com/biomunky/sqlmesh/internal/interval"
	"github.com/biomunky/sqlmesh/internal/snapshot"
	"github.com/biomunky/sqlmesh/internal/sqlerrors"
)

// EngineLibraryVersion is recorded alongside schema_version in _versions so
// GetVersions can detect a state database that was last migrated by a newer
// build of this module even when schema_version alone hasn't moved.
const EngineLibraryVersion = "sqlmesh-core-1"

// Store wraps a single SQLite database file holding the full durable state
// for one project: snapshots, their interval deltas, and environments.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if necessary) the state database at path, applies
// any pending migrations, and returns a ready Store. If the database was
// written by a newer binary than this one, Open refuses to touch it and
// returns a *sqlerrors.VersionMismatch instead of silently downgrading the
// schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsnFor(path))
	if err != nil {
		return nil, &sqlerrors.StoreError{Op: "open", Err: err}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, &sqlerrors.StoreError{Op: "create schema", Err: err}
	}

	stored, err := storedSchemaVersion(db)
	if err != nil {
		db.Close()
		return nil, &sqlerrors.StoreError{Op: "read schema version", Err: err}
	}
	if stored > CurrentSchemaVersion() {
		db.Close()
		return nil, &sqlerrors.VersionMismatch{Local: CurrentSchemaVersion(), Stored: stored, Reason: "state database was written by a newer binary; upgrade sqlmesh-core"}
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, &sqlerrors.StoreError{Op: "run migrations", Err: err}
	}

	return &Store{db: db, path: path}, nil
}

func dsnFor(path string) string {
	return fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)
}

func storedSchemaVersion(db *sql.DB) (int, error) {
	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM _versions").Scan(&count); err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, nil
	}
	var version int
	if err := db.QueryRow("SELECT schema_version FROM _versions LIMIT 1").Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Versions is the schema and engine-library version pair recorded in
// _versions, mirroring the two dependency versions a caller needs to decide
// whether a migration is required.
type Versions struct {
	SchemaVersion        int
	EngineLibraryVersion string
}

// GetVersions reports the versions this database was last migrated to. If
// the running binary is older than the stored schema, this always returns
// *sqlerrors.VersionMismatch (the binary cannot safely read the database).
// If validate is true, it also errors when the running binary is newer than
// the stored schema, so read-only callers can refuse to operate against a
// database that hasn't been migrated yet; migrate callers pass false since
// being ahead is exactly the case they're about to fix.
func (s *Store) GetVersions(validate bool) (Versions, error) {
	var schemaVersion int
	var engineVersion string
	row := s.db.QueryRow(`SELECT schema_version, engine_library_version FROM _versions LIMIT 1`)
	if err := row.Scan(&schemaVersion, &engineVersion); err != nil {
		return Versions{}, &sqlerrors.StoreError{Op: "get versions", Retriable: true, Err: err}
	}
	versions := Versions{SchemaVersion: schemaVersion, EngineLibraryVersion: engineVersion}

	if CurrentSchemaVersion() < schemaVersion {
		return versions, &sqlerrors.VersionMismatch{Local: CurrentSchemaVersion(), Stored: schemaVersion, Reason: "sqlmesh-core (local) is behind the state database (remote); upgrade sqlmesh-core"}
	}
	if validate && CurrentSchemaVersion() > schemaVersion {
		return versions, &sqlerrors.VersionMismatch{Local: CurrentSchemaVersion(), Stored: schemaVersion, Reason: "sqlmesh-core (local) is ahead of the state database (remote); run migrate"}
	}
	return versions, nil
}

// Migrate re-applies the migration list and updates _versions, for a caller
// invoking migration explicitly rather than relying on the automatic
// migration Open already performs. Unless skipBackup is set, it first
// copies the database file to path+".bak" so Rollback has something to
// restore.
func (s *Store) Migrate(skipBackup bool) error {
	if !skipBackup {
		if err := s.backupFile(); err != nil {
			return err
		}
	}
	if err := runMigrations(s.db); err != nil {
		return &sqlerrors.StoreError{Op: "migrate", Err: err}
	}
	return nil
}

func (s *Store) backupFile() error {
	if s.path == "" || s.path == ":memory:" {
		return nil
	}
	src, err := os.Open(s.path)
	if err != nil {
		return &sqlerrors.StoreError{Op: "backup state database", Err: err}
	}
	defer src.Close()

	dst, err := os.Create(s.path + ".bak")
	if err != nil {
		return &sqlerrors.StoreError{Op: "backup state database", Err: err}
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return &sqlerrors.StoreError{Op: "backup state database", Err: err}
	}
	return nil
}

// Rollback restores the database file from the backup Migrate took,
// replacing the live handle with one pointing at the restored file. It
// fails if the store was opened against an in-memory database or no backup
// was ever taken.
func (s *Store) Rollback() error {
	if s.path == "" {
		return &sqlerrors.StoreError{Op: "rollback", Err: fmt.Errorf("no backup available for an in-memory state database")}
	}
	backupPath := s.path + ".bak"
	if _, err := os.Stat(backupPath); err != nil {
		return &sqlerrors.StoreError{Op: "rollback", Err: fmt.Errorf("no backup found at %s: %w", backupPath, err)}
	}
	if err := s.db.Close(); err != nil {
		return &sqlerrors.StoreError{Op: "rollback close", Err: err}
	}
	if err := os.Rename(backupPath, s.path); err != nil {
		return &sqlerrors.StoreError{Op: "rollback restore", Err: err}
	}
	db, err := sql.Open("sqlite3", dsnFor(s.path))
	if err != nil {
		return &sqlerrors.StoreError{Op: "rollback reopen", Err: err}
	}
	s.db = db
	return nil
}

// PutSnapshot upserts s's identity, version, and bookkeeping fields. It
// never persists s.Model: the model definition is reloaded from the
// project by the caller and re-attached after GetSnapshot.
func (s *Store) PutSnapshot(snap *snapshot.Snapshot) error {
	payload, err := marshalSnapshotPayload(snap)
	if err != nil {
		return &sqlerrors.StoreError{Op: "marshal snapshot", Err: err}
	}
	_, err = s.db.Exec(`
		INSERT INTO _snapshots (name, data_hash, metadata_hash, version, change_category, payload, created_ts, updated_ts, ttl_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name, data_hash, metadata_hash) DO UPDATE SET
			version = excluded.version,
			change_category = excluded.change_category,
			payload = excluded.payload,
			updated_ts = excluded.updated_ts,
			ttl_ms = excluded.ttl_ms
	`, snap.Name, snap.Fingerprint.DataHash, snap.Fingerprint.MetadataHash, snap.Version,
		string(snap.ChangeCategory), payload, snap.CreatedTS, snap.UpdatedTS, snap.TTL.Milliseconds())
	if err != nil {
		return &sqlerrors.StoreError{Op: "put snapshot", Retriable: true, Err: err}
	}
	return nil
}

// pushSnapshot is PutSnapshot's plain-INSERT form: it fails on a duplicate
// primary key instead of upserting, for PushSnapshots' all-or-nothing batch
// insert.
func (s *Store) pushSnapshot(tx *sql.Tx, snap *snapshot.Snapshot) error {
	payload, err := marshalSnapshotPayload(snap)
	if err != nil {
		return &sqlerrors.StoreError{Op: "marshal snapshot", Err: err}
	}
	_, err = tx.Exec(`
		INSERT INTO _snapshots (name, data_hash, metadata_hash, version, change_category, payload, created_ts, updated_ts, ttl_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, snap.Name, snap.Fingerprint.DataHash, snap.Fingerprint.MetadataHash, snap.Version,
		string(snap.ChangeCategory), payload, snap.CreatedTS, snap.UpdatedTS, snap.TTL.Milliseconds())
	return err
}

func marshalSnapshotPayload(snap *snapshot.Snapshot) (string, error) {
	parentDataHashJSON, err := json.Marshal(snap.Fingerprint.ParentDataHash)
	if err != nil {
		return "", err
	}
	parentMetaJSON, err := json.Marshal(snap.Fingerprint.ParentMetadataHash)
	if err != nil {
		return "", err
	}
	previousVersionsJSON, err := json.Marshal(snap.PreviousVersions)
	if err != nil {
		return "", err
	}
	parentIDsJSON, err := json.Marshal(snap.ParentIDs)
	if err != nil {
		return "", err
	}
	indirectVersionsJSON, err := json.Marshal(snap.IndirectVersions)
	if err != nil {
		return "", err
	}

	payload := "{}"
	set := func(path string, raw []byte) error {
		var err error
		payload, err = sjson.SetRaw(payload, path, string(raw))
		return err
	}
	if err := set("parent_data_hash", parentDataHashJSON); err != nil {
		return "", err
	}
	if err := set("parent_metadata_hash", parentMetaJSON); err != nil {
		return "", err
	}
	if err := set("previous_versions", previousVersionsJSON); err != nil {
		return "", err
	}
	if err := set("parent_ids", parentIDsJSON); err != nil {
		return "", err
	}
	if err := set("indirect_versions", indirectVersionsJSON); err != nil {
		return "", err
	}
	payload, err = sjson.Set(payload, "physical_schema", snap.PhysicalSchema)
	if err != nil {
		return "", err
	}
	if snap.EffectiveFrom != nil {
		payload, err = sjson.Set(payload, "effective_from", *snap.EffectiveFrom)
		if err != nil {
			return "", err
		}
	}
	if snap.UnpausedTS != nil {
		payload, err = sjson.Set(payload, "unpaused_ts", *snap.UnpausedTS)
		if err != nil {
			return "", err
		}
	}
	return payload, nil
}

// GetSnapshot reconstructs a snapshot's non-model fields by identity. The
// returned snapshot has a nil Model; callers must attach one from the
// project's model registry before calling any render/interval methods.
func (s *Store) GetSnapshot(name, dataHash, metadataHash string) (*snapshot.Snapshot, bool, error) {
	var version, changeCategory, payload string
	var createdTS, updatedTS, ttlMS int64
	var unpausedTS sql.NullInt64
	row := s.db.QueryRow(`
		SELECT version, change_category, payload, created_ts, updated_ts, ttl_ms, unpaused_ts
		FROM _snapshots WHERE name = ? AND data_hash = ? AND metadata_hash = ?
	`, name, dataHash, metadataHash)
	if err := row.Scan(&version, &changeCategory, &payload, &createdTS, &updatedTS, &ttlMS, &unpausedTS); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, &sqlerrors.StoreError{Op: "get snapshot", Retriable: true, Err: err}
	}

	snap := &snapshot.Snapshot{
		Name: name,
		Fingerprint: fingerprint.Fingerprint{
			DataHash:           dataHash,
			MetadataHash:       metadataHash,
			ParentDataHash:     gjson.Get(payload, "parent_data_hash").String(),
			ParentMetadataHash: gjson.Get(payload, "parent_metadata_hash").String(),
		},
		Version:        version,
		ChangeCategory: fingerprint.ChangeCategory(changeCategory),
		PhysicalSchema: gjson.Get(payload, "physical_schema").String(),
		CreatedTS:      createdTS,
		UpdatedTS:      updatedTS,
		TTL:            time.Duration(ttlMS) * time.Millisecond,
	}
	if err := json.Unmarshal([]byte(gjson.Get(payload, "previous_versions").Raw), &snap.PreviousVersions); err != nil {
		return nil, false, &sqlerrors.StoreError{Op: "unmarshal previous_versions", Err: err}
	}
	if raw := gjson.Get(payload, "parent_ids").Raw; raw != "" {
		if err := json.Unmarshal([]byte(raw), &snap.ParentIDs); err != nil {
			return nil, false, &sqlerrors.StoreError{Op: "unmarshal parent_ids", Err: err}
		}
	}
	if raw := gjson.Get(payload, "indirect_versions").Raw; raw != "" {
		if err := json.Unmarshal([]byte(raw), &snap.IndirectVersions); err != nil {
			return nil, false, &sqlerrors.StoreError{Op: "unmarshal indirect_versions", Err: err}
		}
	}
	if v := gjson.Get(payload, "effective_from"); v.Exists() {
		ms := v.Int()
		snap.EffectiveFrom = &ms
	}
	if v := gjson.Get(payload, "unpaused_ts"); v.Exists() {
		ms := v.Int()
		snap.UnpausedTS = &ms
	} else if unpausedTS.Valid {
		// UnpauseSnapshots records the timestamp in the column only.
		ms := unpausedTS.Int64
		snap.UnpausedTS = &ms
	}
	return snap, true, nil
}

// GetLatestSnapshot returns the most recently updated snapshot recorded for
// name, for callers that need to categorize a freshly computed fingerprint
// against whatever was last planned under that name. The returned
// snapshot has a nil Model, same as GetSnapshot.
func (s *Store) GetLatestSnapshot(name string) (*snapshot.Snapshot, bool, error) {
	var dataHash, metadataHash string
	row := s.db.QueryRow(`
		SELECT data_hash, metadata_hash FROM _snapshots
		WHERE name = ? ORDER BY updated_ts DESC LIMIT 1
	`, name)
	if err := row.Scan(&dataHash, &metadataHash); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, &sqlerrors.StoreError{Op: "get latest snapshot", Retriable: true, Err: err}
	}
	return s.GetSnapshot(name, dataHash, metadataHash)
}

// GetSnapshots bulk-fetches every id in ids, skipping any that aren't
// found rather than erroring, mirroring a dict comprehension over
// individual lookups.
func (s *Store) GetSnapshots(ids []snapshot.ID) (map[snapshot.ID]*snapshot.Snapshot, error) {
	out := make(map[snapshot.ID]*snapshot.Snapshot, len(ids))
	for _, id := range ids {
		snap, ok, err := s.GetSnapshot(id.Name, id.Fingerprint.DataHash, id.Fingerprint.MetadataHash)
		if err != nil {
			return nil, err
		}
		if ok {
			out[id] = snap
		}
	}
	return out, nil
}

// SnapshotsExist reports, for each of ids, whether a row exists for it.
func (s *Store) SnapshotsExist(ids []snapshot.ID) (map[snapshot.ID]bool, error) {
	out := make(map[snapshot.ID]bool, len(ids))
	for _, id := range ids {
		var count int
		err := s.db.QueryRow(`
			SELECT COUNT(*) FROM _snapshots WHERE name = ? AND data_hash = ? AND metadata_hash = ?
		`, id.Name, id.Fingerprint.DataHash, id.Fingerprint.MetadataHash).Scan(&count)
		if err != nil {
			return nil, &sqlerrors.StoreError{Op: "snapshots exist", Retriable: true, Err: err}
		}
		out[id] = count > 0
	}
	return out, nil
}

// ModelsExist returns the subset of names that have at least one recorded
// snapshot.
func (s *Store) ModelsExist(names []string) (map[string]bool, error) {
	out := make(map[string]bool, len(names))
	for _, name := range names {
		var count int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM _snapshots WHERE name = ?`, name).Scan(&count); err != nil {
			return nil, &sqlerrors.StoreError{Op: "models exist", Retriable: true, Err: err}
		}
		out[name] = count > 0
	}
	return out, nil
}

// PushSnapshots inserts every snapshot in snaps as new rows, inside one
// transaction. Unlike PutSnapshot, it never upserts: if any of them already
// exist it rolls back and returns an error naming the duplicates, matching
// the "push only accepts brand new snapshots" contract callers rely on to
// catch a re-plan that collided with concurrently pushed state.
func (s *Store) PushSnapshots(snaps []*snapshot.Snapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	ids := make([]snapshot.ID, len(snaps))
	for i, snap := range snaps {
		ids[i] = snap.ID()
	}
	exists, err := s.SnapshotsExist(ids)
	if err != nil {
		return err
	}
	var duplicates []string
	for _, id := range ids {
		if exists[id] {
			duplicates = append(duplicates, fmt.Sprintf("%s@%s", id.Name, id.Fingerprint.DataHash))
		}
	}
	if len(duplicates) > 0 {
		return &sqlerrors.SQLMeshError{Msg: fmt.Sprintf("push_snapshots: %d snapshot(s) already exist: %v", len(duplicates), duplicates)}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return &sqlerrors.StoreError{Op: "push snapshots", Retriable: true, Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	for _, snap := range snaps {
		if err := s.pushSnapshot(tx, snap); err != nil {
			return &sqlerrors.StoreError{Op: "push snapshots insert", Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &sqlerrors.StoreError{Op: "push snapshots commit", Err: err}
	}
	return nil
}

// DeleteSnapshots removes the rows for ids and their recorded intervals.
func (s *Store) DeleteSnapshots(ids []snapshot.ID) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return &sqlerrors.StoreError{Op: "delete snapshots", Retriable: true, Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	for _, id := range ids {
		if _, err := tx.Exec(`
			DELETE FROM _snapshots WHERE name = ? AND data_hash = ? AND metadata_hash = ?
		`, id.Name, id.Fingerprint.DataHash, id.Fingerprint.MetadataHash); err != nil {
			return &sqlerrors.StoreError{Op: "delete snapshot", Err: err}
		}
		if _, err := tx.Exec(`
			DELETE FROM _intervals WHERE snapshot_name = ? AND data_hash = ? AND metadata_hash = ?
		`, id.Name, id.Fingerprint.DataHash, id.Fingerprint.MetadataHash); err != nil {
			return &sqlerrors.StoreError{Op: "delete snapshot intervals", Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &sqlerrors.StoreError{Op: "delete snapshots commit", Err: err}
	}
	return nil
}

// DeleteExpiredSnapshots removes every snapshot whose ttl_ms has elapsed as
// of nowMS and which isn't referenced by any current environment, and
// returns the ones removed. A zero ttl_ms (the default for a snapshot
// created without an explicit TTL) never expires.
func (s *Store) DeleteExpiredSnapshots(nowMS int64) ([]*snapshot.Snapshot, error) {
	inUse, err := s.referencedSnapshotIDs()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`
		SELECT name, data_hash, metadata_hash FROM _snapshots
		WHERE ttl_ms > 0 AND created_ts + ttl_ms <= ?
	`, nowMS)
	if err != nil {
		return nil, &sqlerrors.StoreError{Op: "select expired snapshots", Retriable: true, Err: err}
	}
	var candidates []snapshot.ID
	for rows.Next() {
		var name, dataHash, metadataHash string
		if err := rows.Scan(&name, &dataHash, &metadataHash); err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, snapshot.ID{Name: name, Fingerprint: fingerprint.Fingerprint{DataHash: dataHash, MetadataHash: metadataHash}})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var toDelete []snapshot.ID
	var removed []*snapshot.Snapshot
	for _, id := range candidates {
		if inUse[id] {
			continue
		}
		snap, ok, err := s.GetSnapshot(id.Name, id.Fingerprint.DataHash, id.Fingerprint.MetadataHash)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		toDelete = append(toDelete, id)
		removed = append(removed, snap)
	}
	if err := s.DeleteSnapshots(toDelete); err != nil {
		return nil, err
	}
	return removed, nil
}

// referencedSnapshotIDs unions the snapshot sets of every stored
// environment, for DeleteExpiredSnapshots to avoid reclaiming a snapshot
// that's still serving reads.
func (s *Store) referencedSnapshotIDs() (map[snapshot.ID]bool, error) {
	rows, err := s.db.Query(`SELECT snapshots FROM _environments`)
	if err != nil {
		return nil, &sqlerrors.StoreError{Op: "list environment snapshots", Retriable: true, Err: err}
	}
	defer rows.Close()

	out := map[snapshot.ID]bool{}
	for rows.Next() {
		var snapshotsJSON string
		if err := rows.Scan(&snapshotsJSON); err != nil {
			return nil, err
		}
		var ids []snapshot.ID
		if err := json.Unmarshal([]byte(snapshotsJSON), &ids); err != nil {
			return nil, &sqlerrors.StoreError{Op: "unmarshal environment snapshots", Err: err}
		}
		for _, id := range ids {
			out[id] = true
		}
	}
	return out, rows.Err()
}

// UnpauseSnapshots sets unpaused_ts for every id not already unpaused.
// Once set, a snapshot can't be paused again (mirrors Snapshot.Unpause).
func (s *Store) UnpauseSnapshots(ids []snapshot.ID, nowMS int64) error {
	for _, id := range ids {
		_, err := s.db.Exec(`
			UPDATE _snapshots SET unpaused_ts = COALESCE(unpaused_ts, ?)
			WHERE name = ? AND data_hash = ? AND metadata_hash = ?
		`, nowMS, id.Name, id.Fingerprint.DataHash, id.Fingerprint.MetadataHash)
		if err != nil {
			return &sqlerrors.StoreError{Op: "unpause snapshot", Retriable: true, Err: err}
		}
	}
	return nil
}

// InvalidateEnvironment sets an environment's expiration to nowMS so it
// stops serving reads immediately, without reclaiming its physical tables
// (that happens on the next DeleteExpiredEnvironments sweep).
func (s *Store) InvalidateEnvironment(name string, nowMS int64) error {
	env, ok, err := s.GetEnvironment(name)
	if err != nil {
		return err
	}
	if !ok {
		return &sqlerrors.StoreError{Op: "invalidate environment", Err: fmt.Errorf("environment %s not found", name)}
	}
	env.Invalidate(nowMS)
	return s.PutEnvironment(env)
}

// SnapshotInfo is the lightweight (name, version, table name) projection
// Promote reports for added and removed snapshot references, avoiding a
// full Snapshot (with its Model dependency) round trip for callers that
// only need to know what changed.
type SnapshotInfo struct {
	Name           string
	Version        string
	ChangeCategory fingerprint.ChangeCategory
	TableName      string
}

func snapshotInfo(id snapshot.ID, snap *snapshot.Snapshot) SnapshotInfo {
	schema := snap.PhysicalSchema
	if schema == "" {
		schema = "sqlmesh__default"
	}
	return SnapshotInfo{
		Name:           id.Name,
		Version:        snap.Version,
		ChangeCategory: snap.ChangeCategory,
		TableName:      physicalTableName(schema, id.Name, snap.Version),
	}
}

// Promote diffs env against previous, gap-checks it through checker, and on
// success finalizes and persists env, returning lightweight info for every
// added and removed snapshot reference.
func (s *Store) Promote(env *environment.Environment, previous *environment.Environment, checker environment.GapChecker, startMS, endMS, nowMS int64, noGaps bool) ([]SnapshotInfo, []SnapshotInfo, error) {
	diff, err := environment.Promote(env, previous, checker, startMS, endMS, nowMS, noGaps)
	if err != nil {
		return nil, nil, err
	}

	added, err := s.snapshotInfos(diff.Added)
	if err != nil {
		return nil, nil, err
	}
	removed, err := s.snapshotInfos(diff.Removed)
	if err != nil {
		return nil, nil, err
	}

	env.Finalize()
	if err := s.PutEnvironment(env); err != nil {
		return nil, nil, err
	}
	return added, removed, nil
}

func (s *Store) snapshotInfos(ids []snapshot.ID) ([]SnapshotInfo, error) {
	infos := make([]SnapshotInfo, 0, len(ids))
	for _, id := range ids {
		snap, ok, err := s.GetSnapshot(id.Name, id.Fingerprint.DataHash, id.Fingerprint.MetadataHash)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		infos = append(infos, snapshotInfo(id, snap))
	}
	return infos, nil
}

func physicalTableName(schema, name, version string) string {
	short := name
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			short = name[i+1:]
			break
		}
	}
	return fmt.Sprintf("%s.%s__%s", schema, short, version)
}

// ListPreviousVersions returns every version entry recorded for name, in
// recency order, for CategorizeAs's inheritance lookup.
func (s *Store) ListPreviousVersions(name string) ([]snapshot.VersionEntry, error) {
	rows, err := s.db.Query(`
		SELECT data_hash, version, payload FROM _snapshots WHERE name = ? ORDER BY created_ts ASC
	`, name)
	if err != nil {
		return nil, &sqlerrors.StoreError{Op: "list previous versions", Retriable: true, Err: err}
	}
	defer rows.Close()

	var out []snapshot.VersionEntry
	for rows.Next() {
		var dataHash, version, payload string
		if err := rows.Scan(&dataHash, &version, &payload); err != nil {
			return nil, err
		}
		out = append(out, snapshot.VersionEntry{
			DataHash:       dataHash,
			Version:        version,
			PhysicalSchema: gjson.Get(payload, "physical_schema").String(),
		})
	}
	return out, rows.Err()
}

// AddInterval appends an interval delta row. Deltas are append-only: the
// effective interval set for a (snapshot, is_dev) pair is always the fold
// of every delta in recorded_ts order, never an in-place update.
func (s *Store) AddInterval(id snapshot.ID, isDev bool, startMS, endMS, nowMS int64) error {
	_, err := s.db.Exec(`
		INSERT INTO _intervals (snapshot_name, data_hash, metadata_hash, is_dev, start_ms, end_ms, is_removed, recorded_ts)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)
	`, id.Name, id.Fingerprint.DataHash, id.Fingerprint.MetadataHash, boolToInt(isDev), startMS, endMS, nowMS)
	if err != nil {
		return &sqlerrors.StoreError{Op: "add interval", Retriable: true, Err: err}
	}
	return nil
}

// RemoveInterval appends a removal delta. Because multiple snapshots can
// share the same version (and therefore the same physical table — see
// Snapshot.CategorizeAs's version-inheritance rules), the removal fans out
// to every snapshot row sharing id's (name, version) rather than touching
// only the single fingerprint id identifies.
func (s *Store) RemoveInterval(id snapshot.ID, isDev bool, startMS, endMS, nowMS int64) error {
	targets, err := s.snapshotsSharingVersion(id)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		targets = []snapshot.ID{id}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return &sqlerrors.StoreError{Op: "remove interval", Retriable: true, Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	for _, target := range targets {
		if _, err := tx.Exec(`
			INSERT INTO _intervals (snapshot_name, data_hash, metadata_hash, is_dev, start_ms, end_ms, is_removed, recorded_ts)
			VALUES (?, ?, ?, ?, ?, ?, 1, ?)
		`, target.Name, target.Fingerprint.DataHash, target.Fingerprint.MetadataHash, boolToInt(isDev), startMS, endMS, nowMS); err != nil {
			return &sqlerrors.StoreError{Op: "remove interval", Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &sqlerrors.StoreError{Op: "remove interval commit", Err: err}
	}
	return nil
}

// snapshotsSharingVersion returns every snapshot id recorded under id's
// name that shares id's version, id included. It returns an empty slice
// (not an error) if id itself has no row yet, so a caller removing an
// interval ahead of the first PutSnapshot still falls back to touching
// only id.
func (s *Store) snapshotsSharingVersion(id snapshot.ID) ([]snapshot.ID, error) {
	var version string
	err := s.db.QueryRow(`
		SELECT version FROM _snapshots WHERE name = ? AND data_hash = ? AND metadata_hash = ?
	`, id.Name, id.Fingerprint.DataHash, id.Fingerprint.MetadataHash).Scan(&version)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &sqlerrors.StoreError{Op: "lookup snapshot version", Retriable: true, Err: err}
	}

	rows, err := s.db.Query(`
		SELECT data_hash, metadata_hash FROM _snapshots WHERE name = ? AND version = ?
	`, id.Name, version)
	if err != nil {
		return nil, &sqlerrors.StoreError{Op: "list snapshots sharing version", Retriable: true, Err: err}
	}
	defer rows.Close()

	var out []snapshot.ID
	for rows.Next() {
		var dataHash, metadataHash string
		if err := rows.Scan(&dataHash, &metadataHash); err != nil {
			return nil, err
		}
		out = append(out, snapshot.ID{Name: id.Name, Fingerprint: fingerprint.Fingerprint{DataHash: dataHash, MetadataHash: metadataHash}})
	}
	return out, rows.Err()
}

// EffectiveIntervals folds every delta recorded for id/isDev, in the order
// they were recorded, into a single normalized interval.List.
func (s *Store) EffectiveIntervals(id snapshot.ID, isDev bool) (interval.List, error) {
	rows, err := s.db.Query(`
		SELECT start_ms, end_ms, is_removed FROM _intervals
		WHERE snapshot_name = ? AND data_hash = ? AND metadata_hash = ? AND is_dev = ?
		ORDER BY recorded_ts ASC, rowid ASC
	`, id.Name, id.Fingerprint.DataHash, id.Fingerprint.MetadataHash, boolToInt(isDev))
	if err != nil {
		return nil, &sqlerrors.StoreError{Op: "effective intervals", Retriable: true, Err: err}
	}
	defer rows.Close()

	var out interval.List
	for rows.Next() {
		var startMS, endMS int64
		var isRemoved int
		if err := rows.Scan(&startMS, &endMS, &isRemoved); err != nil {
			return nil, err
		}
		if isRemoved != 0 {
			out, err = interval.Remove(out, startMS, endMS)
		} else {
			out, err = interval.Add(out, startMS, endMS)
		}
		if err != nil {
			return nil, err
		}
	}
	return out, rows.Err()
}

// CompactIntervals folds and replaces every delta row for id/isDev with the
// minimal set of rows representing the same effective coverage, bounding
// how far back a fold has to scan as a snapshot accumulates history.
func (s *Store) CompactIntervals(id snapshot.ID, isDev bool) error {
	effective, err := s.EffectiveIntervals(id, isDev)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return &sqlerrors.StoreError{Op: "compact intervals", Retriable: true, Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		DELETE FROM _intervals WHERE snapshot_name = ? AND data_hash = ? AND metadata_hash = ? AND is_dev = ?
	`, id.Name, id.Fingerprint.DataHash, id.Fingerprint.MetadataHash, boolToInt(isDev)); err != nil {
		return &sqlerrors.StoreError{Op: "compact intervals delete", Err: err}
	}

	for i, iv := range effective {
		if _, err := tx.Exec(`
			INSERT INTO _intervals (snapshot_name, data_hash, metadata_hash, is_dev, start_ms, end_ms, is_removed, recorded_ts)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?)
		`, id.Name, id.Fingerprint.DataHash, id.Fingerprint.MetadataHash, boolToInt(isDev), iv.StartMS, iv.EndMS, int64(i)); err != nil {
			return &sqlerrors.StoreError{Op: "compact intervals insert", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &sqlerrors.StoreError{Op: "compact intervals commit", Err: err}
	}
	return nil
}

// PutEnvironment upserts env's row.
func (s *Store) PutEnvironment(env *environment.Environment) error {
	snapshotsJSON, err := json.Marshal(env.Snapshots)
	if err != nil {
		return &sqlerrors.StoreError{Op: "marshal environment snapshots", Err: err}
	}
	_, err = s.db.Exec(`
		INSERT INTO _environments (name, snapshots, plan_id, previous_plan_id, start_at, end_at, finalized, expiration_ts, suffix_target)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			snapshots = excluded.snapshots,
			plan_id = excluded.plan_id,
			previous_plan_id = excluded.previous_plan_id,
			start_at = excluded.start_at,
			end_at = excluded.end_at,
			finalized = excluded.finalized,
			expiration_ts = excluded.expiration_ts,
			suffix_target = excluded.suffix_target
	`, env.Name, string(snapshotsJSON), env.PlanID, env.PreviousPlanID,
		nullableInt64(env.StartAt), nullableInt64(env.EndAt), boolToInt(env.Finalized),
		nullableInt64(env.ExpirationTS), env.SuffixTarget)
	if err != nil {
		return &sqlerrors.StoreError{Op: "put environment", Retriable: true, Err: err}
	}
	return nil
}

// GetEnvironment loads env by name.
func (s *Store) GetEnvironment(name string) (*environment.Environment, bool, error) {
	var snapshotsJSON, planID, previousPlanID, suffixTarget string
	var startAt, endAt, expirationTS sql.NullInt64
	var finalized int
	row := s.db.QueryRow(`
		SELECT snapshots, plan_id, previous_plan_id, start_at, end_at, finalized, expiration_ts, suffix_target
		FROM _environments WHERE name = ?
	`, name)
	if err := row.Scan(&snapshotsJSON, &planID, &previousPlanID, &startAt, &endAt, &finalized, &expirationTS, &suffixTarget); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, &sqlerrors.StoreError{Op: "get environment", Retriable: true, Err: err}
	}

	var snapshots []snapshot.ID
	if err := json.Unmarshal([]byte(snapshotsJSON), &snapshots); err != nil {
		return nil, false, &sqlerrors.StoreError{Op: "unmarshal environment snapshots", Err: err}
	}
	env := &environment.Environment{
		Name:           name,
		Snapshots:      snapshots,
		PlanID:         planID,
		PreviousPlanID: previousPlanID,
		Finalized:      finalized != 0,
		SuffixTarget:   suffixTarget,
		StartAt:        nullInt64Ptr(startAt),
		EndAt:          nullInt64Ptr(endAt),
		ExpirationTS:   nullInt64Ptr(expirationTS),
	}
	return env, true, nil
}

// EnvironmentSummary is the lightweight projection ListEnvironmentSummaries
// returns, avoiding a full snapshot-list unmarshal per row when callers
// only need identity and lifecycle fields.
type EnvironmentSummary struct {
	Name         string
	PlanID       string
	Finalized    bool
	ExpirationTS *int64
}

// ListEnvironmentSummaries lists every environment without decoding its
// snapshot set, for dashboard- and sweep-style callers (SPEC_FULL
// supplement, grounded in original_source/sqlmesh/core/state_sync/base.py).
func (s *Store) ListEnvironmentSummaries() ([]EnvironmentSummary, error) {
	rows, err := s.db.Query(`SELECT name, plan_id, finalized, expiration_ts FROM _environments ORDER BY name ASC`)
	if err != nil {
		return nil, &sqlerrors.StoreError{Op: "list environment summaries", Retriable: true, Err: err}
	}
	defer rows.Close()

	var out []EnvironmentSummary
	for rows.Next() {
		var name, planID string
		var finalized int
		var expirationTS sql.NullInt64
		if err := rows.Scan(&name, &planID, &finalized, &expirationTS); err != nil {
			return nil, err
		}
		out = append(out, EnvironmentSummary{
			Name:         name,
			PlanID:       planID,
			Finalized:    finalized != 0,
			ExpirationTS: nullInt64Ptr(expirationTS),
		})
	}
	return out, rows.Err()
}

// DeleteExpiredEnvironments removes every environment whose expiration_ts
// has passed as of nowMS and returns the names deleted.
func (s *Store) DeleteExpiredEnvironments(nowMS int64) ([]string, error) {
	rows, err := s.db.Query(`SELECT name FROM _environments WHERE expiration_ts IS NOT NULL AND expiration_ts <= ?`, nowMS)
	if err != nil {
		return nil, &sqlerrors.StoreError{Op: "select expired environments", Retriable: true, Err: err}
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, err
		}
		names = append(names, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, name := range names {
		if _, err := s.db.Exec(`DELETE FROM _environments WHERE name = ?`, name); err != nil {
			return nil, &sqlerrors.StoreError{Op: "delete expired environment", Err: err}
		}
	}
	return names, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableInt64(p *int64) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

func nullInt64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}
