package docstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fyaml "github.com/msageha/fedy/internal/yaml"
)

func newFileStore(t *testing.T) (*FileStore, string) {
	t.Helper()
	base := t.TempDir()
	s, err := NewFileStore(filepath.Join(base, "store"), FileStoreOptions{})
	require.NoError(t, err)
	return s, base
}

func TestFileStore_Layout(t *testing.T) {
	s, base := newFileStore(t)
	ctx := context.Background()

	_, err := s.CompareAndSwap(ctx, "tasks/3", 0, []byte("id: 3\n"))
	require.NoError(t, err)

	path := filepath.Join(base, "store", "tasks", "3.yaml")
	assert.Equal(t, path, s.Path("tasks/3"))
	require.NoError(t, fyaml.ValidateSchemaHeader(path, fyaml.FileTypeRecord))

	var env envelope
	require.NoError(t, fyaml.ReadFile(path, &env))
	assert.Equal(t, "tasks/3", env.Key)
	assert.Equal(t, int64(1), env.Version)
	assert.Equal(t, "id: 3\n", env.Data)

	_, err = os.Stat(filepath.Join(base, "locks", "tasks", "3.lock"))
	assert.NoError(t, err, "lock file should live under the sibling locks dir")
}

func TestFileStore_RestoresCorruptRecordFromBackup(t *testing.T) {
	s, base := newFileStore(t)
	ctx := context.Background()

	_, err := s.CompareAndSwap(ctx, "tasks/1", 0, []byte("v1"))
	require.NoError(t, err)
	_, err = s.CompareAndSwap(ctx, "tasks/1", 1, []byte("v2"))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(s.Path("tasks/1"), []byte("schema_version: [\n"), 0644))

	rec, err := s.Read(ctx, "tasks/1")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(rec.Value))
	assert.Equal(t, int64(3), rec.Version, "restored record must not reuse a version")

	entries, err := os.ReadDir(filepath.Join(base, "quarantine"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFileStore_CorruptWithoutBackup(t *testing.T) {
	s, _ := newFileStore(t)
	ctx := context.Background()

	require.NoError(t, os.MkdirAll(filepath.Dir(s.Path("tasks/1")), 0755))
	require.NoError(t, os.WriteFile(s.Path("tasks/1"), []byte("not: [valid\n"), 0644))

	_, err := s.Read(ctx, "tasks/1")
	assert.ErrorIs(t, err, ErrCorrupt)
	assert.ErrorIs(t, err, fyaml.ErrNoBackup)

	// once quarantined the key reads as absent and can be recreated
	_, err = s.Read(ctx, "tasks/1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStore_RestoredRecordRejectsStaleWriters(t *testing.T) {
	s, _ := newFileStore(t)
	ctx := context.Background()

	_, err := s.CompareAndSwap(ctx, "tasks/1", 0, []byte("v1"))
	require.NoError(t, err)
	_, err = s.CompareAndSwap(ctx, "tasks/1", 1, []byte("v2"))
	require.NoError(t, err)

	// readable version, wrong key: corrupt but salvageable
	damaged := "schema_version: 1\nfile_type: record\nkey: tasks/9\nversion: 7\ndata: x\n"
	require.NoError(t, os.WriteFile(s.Path("tasks/1"), []byte(damaged), 0644))

	rec, err := s.Read(ctx, "tasks/1")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(rec.Value))
	assert.Equal(t, int64(8), rec.Version)

	for _, stale := range []int64{1, 2, 7} {
		_, err = s.CompareAndSwap(ctx, "tasks/1", stale, []byte("stale"))
		assert.ErrorIs(t, err, ErrVersionConflict, "expected version %d", stale)
	}
	rec, err = s.CompareAndSwap(ctx, "tasks/1", 8, []byte("v3"))
	require.NoError(t, err)
	assert.Equal(t, int64(9), rec.Version)
}

func TestFileStore_CorruptWithoutBackupKeepsVersionFloor(t *testing.T) {
	s, _ := newFileStore(t)
	ctx := context.Background()

	require.NoError(t, os.MkdirAll(filepath.Dir(s.Path("tasks/1")), 0755))
	damaged := "schema_version: 1\nfile_type: record\nkey: tasks/2\nversion: 4\ndata: x\n"
	require.NoError(t, os.WriteFile(s.Path("tasks/1"), []byte(damaged), 0644))

	_, err := s.Read(ctx, "tasks/1")
	assert.ErrorIs(t, err, fyaml.ErrNoBackup)
	_, err = s.Read(ctx, "tasks/1")
	assert.ErrorIs(t, err, ErrNotFound)

	rec, err := s.CompareAndSwap(ctx, "tasks/1", 0, []byte("fresh"))
	require.NoError(t, err)
	assert.Equal(t, int64(6), rec.Version)
}

func TestFileStore_KeyMismatchIsCorrupt(t *testing.T) {
	s, _ := newFileStore(t)
	ctx := context.Background()

	_, err := s.CompareAndSwap(ctx, "tasks/1", 0, []byte("one"))
	require.NoError(t, err)
	content, err := os.ReadFile(s.Path("tasks/1"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.Path("tasks/2"), content, 0644))

	_, err = s.Read(ctx, "tasks/2")
	assert.True(t, errors.Is(err, ErrCorrupt), "got %v", err)
}

func TestFileStore_ListSkipsBackupsAndTemps(t *testing.T) {
	s, _ := newFileStore(t)
	ctx := context.Background()

	_, err := s.CompareAndSwap(ctx, "tasks/1", 0, []byte("a"))
	require.NoError(t, err)
	_, err = s.CompareAndSwap(ctx, "tasks/1", 1, []byte("b"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(s.Root(), "tasks", ".fedy-tmp-123"), []byte("x"), 0644))

	recs, err := s.List(ctx, "tasks/")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "b", string(recs[0].Value))
}

func TestFileStore_TwoInstancesShareRoot(t *testing.T) {
	base := t.TempDir()
	root := filepath.Join(base, "store")
	a, err := NewFileStore(root, FileStoreOptions{})
	require.NoError(t, err)
	b, err := NewFileStore(root, FileStoreOptions{})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = a.CompareAndSwap(ctx, "tasks/1", 0, []byte("ready"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for _, s := range []*FileStore{a, b} {
		wg.Add(1)
		go func(s *FileStore) {
			defer wg.Done()
			_, err := s.CompareAndSwap(ctx, "tasks/1", 1, []byte("claimed"))
			results <- err
		}(s)
	}
	wg.Wait()
	close(results)

	var wins, conflicts int
	for err := range results {
		if err == nil {
			wins++
		} else if errors.Is(err, ErrVersionConflict) {
			conflicts++
		} else {
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, conflicts)
}

func TestFileStore_RejectsNonUTF8(t *testing.T) {
	s, _ := newFileStore(t)
	_, err := s.CompareAndSwap(context.Background(), "tasks/1", 0, []byte{0xff, 0xfe})
	assert.Error(t, err)
}
