package store_test

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-connector/store"
	"github.com/goliatone/go-connector/storetest"
)

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "connector.db") + "?_txlock=immediate&_busy_timeout=5000&_journal_mode=WAL"
	db, err := sql.Open("sqlite3", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSQLStoreConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T, opts ...store.Option) storetest.Pair {
		db := openSQLite(t)
		a, err := store.NewSQLStore[storetest.Item](db, "instance-a", opts...)
		require.NoError(t, err)
		b, err := a.WithOwner("instance-b")
		require.NoError(t, err)
		return storetest.Pair{A: a, B: b}
	})
}

func TestSQLStoreRejectsBadTable(t *testing.T) {
	db := openSQLite(t)
	_, err := store.NewSQLStore[storetest.Item](db, "owner", store.WithTable("items; drop table x"))
	require.Error(t, err)
}
