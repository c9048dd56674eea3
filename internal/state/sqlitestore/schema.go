package sqlitestore

// schema is the baseline set of tables a freshly created state database
// starts from. Columns added after the initial release go through named
// migrations instead of being folded back in here, so an existing database
// file and a freshly created one converge on the same shape through the
// same code path.
const schema = `
CREATE TABLE IF NOT EXISTS _versions (
    schema_version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS _snapshots (
    name            TEXT NOT NULL,
    data_hash       TEXT NOT NULL,
    metadata_hash   TEXT NOT NULL,
    version         TEXT NOT NULL,
    change_category TEXT NOT NULL DEFAULT '',
    payload         TEXT NOT NULL,
    created_ts      INTEGER NOT NULL,
    updated_ts      INTEGER NOT NULL,
    PRIMARY KEY (name, data_hash, metadata_hash)
);

CREATE INDEX IF NOT EXISTS idx_snapshots_name ON _snapshots(name);

CREATE TABLE IF NOT EXISTS _intervals (
    snapshot_name  TEXT NOT NULL,
    data_hash      TEXT NOT NULL,
    metadata_hash  TEXT NOT NULL,
    is_dev         INTEGER NOT NULL DEFAULT 0,
    start_ms       INTEGER NOT NULL,
    end_ms         INTEGER NOT NULL,
    recorded_ts    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_intervals_snapshot
    ON _intervals(snapshot_name, data_hash, metadata_hash, is_dev);

CREATE TABLE IF NOT EXISTS _environments (
    name      TEXT PRIMARY KEY,
    snapshots TEXT NOT NULL,
    plan_id   TEXT NOT NULL,
    start_at  INTEGER,
    end_at    INTEGER,
    finalized INTEGER NOT NULL DEFAULT 0
);
`
