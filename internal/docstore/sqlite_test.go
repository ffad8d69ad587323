package docstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenSQLite_WAL(t *testing.T) {
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "nested", "fedy.db"), 0)
	require.NoError(t, err)
	defer s.Close()

	var mode string
	require.NoError(t, s.db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "fedy.db")

	s, err := OpenSQLite(ctx, path, 0)
	require.NoError(t, err)
	_, err = s.CompareAndSwap(ctx, "plan", 0, []byte("next_id: 2\n"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenSQLite(ctx, path, 0)
	require.NoError(t, err)
	defer s.Close()

	rec, err := s.Read(ctx, "plan")
	require.NoError(t, err)
	assert.Equal(t, "next_id: 2\n", string(rec.Value))
	assert.Equal(t, int64(1), rec.Version)
}
