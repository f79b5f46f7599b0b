package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDB(t *testing.T) {
	path := t.TempDir() + "/test.db"
	database, err := New(path)
	if err != nil {
		t.Fatalf("failed to create db: %v", err)
	}
	defer database.Close()

	// Verify WAL mode is enabled
	var journalMode string
	err = database.QueryRow("PRAGMA journal_mode").Scan(&journalMode)
	if err != nil {
		t.Fatalf("failed to query journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("expected journal_mode=wal, got %s", journalMode)
	}
}

func setupTestDB(t *testing.T) (*DB, func()) {
	path := t.TempDir() + "/test.db"
	database, err := New(path)
	if err != nil {
		t.Fatalf("failed to create db: %v", err)
	}
	err = database.RunMigrations()
	if err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	return database, func() { database.Close() }
}

func TestProcArgsCascade(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	_, err := db.Exec(`INSERT INTO _pl_proc (oid, name, return_type, source) VALUES (16384, 'f', 'int4', 'return 1')`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO _pl_proc_args (proc_oid, name, type, position) VALUES (16384, 'n', 'int4', 0)`)
	require.NoError(t, err)

	_, err = db.Exec(`DELETE FROM _pl_proc WHERE oid = 16384`)
	require.NoError(t, err)

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM _pl_proc_args`).Scan(&count))
	assert.Equal(t, 0, count)
}

func TestTriggerTimingCheck(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	_, err := db.Exec(`INSERT INTO _pl_proc (oid, name, return_type, source) VALUES (16384, 'tg', 'trigger', 'return true')`)
	require.NoError(t, err)

	_, err = db.Exec(`INSERT INTO _pl_trigger (name, table_name, proc_oid, timing, level, events) VALUES ('t1', 'x', 16384, 'DURING', 'ROW', 1)`)
	assert.Error(t, err)

	_, err = db.Exec(`INSERT INTO _pl_trigger (name, table_name, proc_oid, timing, level, events) VALUES ('t1', 'x', 16384, 'BEFORE', 'ROW', 1)`)
	assert.NoError(t, err)

	assert.True(t, IsCatalogTable("_pl_trigger"))
	assert.False(t, IsCatalogTable("users"))
}
