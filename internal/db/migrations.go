package db

import "fmt"

// procSchema holds stored procedures. OIDs start at 16384, the first user OID.
const procSchema = `
CREATE TABLE IF NOT EXISTS _pl_proc (
    oid           INTEGER PRIMARY KEY,
    name          TEXT UNIQUE NOT NULL,
    language      TEXT NOT NULL DEFAULT 'pljs',
    return_type   TEXT NOT NULL,
    returns_set   INTEGER NOT NULL DEFAULT 0,
    volatility    TEXT NOT NULL DEFAULT 'VOLATILE' CHECK (volatility IN ('VOLATILE', 'STABLE', 'IMMUTABLE')),
    strict        INTEGER NOT NULL DEFAULT 0,
    source        TEXT NOT NULL,
    created_at    TEXT DEFAULT (datetime('now')),
    updated_at    TEXT DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS _pl_proc_args (
    proc_oid      INTEGER NOT NULL REFERENCES _pl_proc(oid) ON DELETE CASCADE,
    name          TEXT NOT NULL DEFAULT '',
    type          TEXT NOT NULL,
    position      INTEGER NOT NULL,
    UNIQUE(proc_oid, position)
);
`

const triggerSchema = `
CREATE TABLE IF NOT EXISTS _pl_trigger (
    oid           INTEGER PRIMARY KEY AUTOINCREMENT,
    name          TEXT NOT NULL,
    table_name    TEXT NOT NULL,
    proc_oid      INTEGER NOT NULL REFERENCES _pl_proc(oid) ON DELETE CASCADE,
    timing        TEXT NOT NULL CHECK (timing IN ('BEFORE', 'AFTER')),
    level         TEXT NOT NULL DEFAULT 'STATEMENT' CHECK (level IN ('ROW', 'STATEMENT')),
    events        INTEGER NOT NULL,
    args          TEXT NOT NULL DEFAULT '[]' CHECK (json_valid(args)),
    enabled       INTEGER NOT NULL DEFAULT 1,
    created_at    TEXT DEFAULT (datetime('now')),
    UNIQUE(table_name, name)
);

CREATE INDEX IF NOT EXISTS idx_pl_trigger_table ON _pl_trigger(table_name);
`

func (db *DB) RunMigrations() error {
	_, err := db.Exec(procSchema)
	if err != nil {
		return fmt.Errorf("failed to run procedure migrations: %w", err)
	}

	_, err = db.Exec(triggerSchema)
	if err != nil {
		return fmt.Errorf("failed to run trigger migrations: %w", err)
	}

	return nil
}

// IsCatalogTable reports whether name is one of the engine's own tables.
func IsCatalogTable(name string) bool {
	switch name {
	case "_pl_proc", "_pl_proc_args", "_pl_trigger", "sqlite_sequence":
		return true
	}
	return false
}
