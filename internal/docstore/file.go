package docstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/fedy/internal/lock"
	"github.com/msageha/fedy/internal/logging"
	fyaml "github.com/msageha/fedy/internal/yaml"
)

const recordExt = ".yaml"

// envelope is the on-disk form of one record.
type envelope struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
	Key           string `yaml:"key"`
	Version       int64  `yaml:"version"`
	Deleted       bool   `yaml:"deleted,omitempty"`
	UpdatedAt     string `yaml:"updated_at"`
	Data          string `yaml:"data"`
}

type FileStoreOptions struct {
	// LockDir holds per-key flock files. Defaults to <root>/../locks.
	LockDir string
	// QuarantineDir receives corrupted record files. Defaults to <root>/../quarantine.
	QuarantineDir string
	LockTimeout   time.Duration
	Logger        *logging.Logger
}

// FileStore keeps one YAML file per key under a root directory. Writes are
// serialized per key by a MutexMap inside the process and by flock across
// processes.
type FileStore struct {
	root          string
	lockDir       string
	quarantineDir string
	lockTimeout   time.Duration
	mutexes       *lock.MutexMap
	log           *logging.Logger
	now           func() time.Time
}

func NewFileStore(root string, opts FileStoreOptions) (*FileStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	parent := filepath.Dir(filepath.Clean(root))
	if opts.LockDir == "" {
		opts.LockDir = filepath.Join(parent, "locks")
	}
	if opts.QuarantineDir == "" {
		opts.QuarantineDir = filepath.Join(parent, "quarantine")
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 5 * time.Second
	}
	return &FileStore{
		root:          root,
		lockDir:       opts.LockDir,
		quarantineDir: opts.QuarantineDir,
		lockTimeout:   opts.LockTimeout,
		mutexes:       lock.NewMutexMap(),
		log:           opts.Logger.With("docstore"),
		now:           time.Now,
	}, nil
}

func (s *FileStore) Root() string { return s.root }

// Path returns the file that holds key.
func (s *FileStore) Path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key)+recordExt)
}

func (s *FileStore) Read(ctx context.Context, key string) (Record, error) {
	if err := ValidateKey(key); err != nil {
		return Record{}, err
	}
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	env, err := s.load(key)
	if errors.Is(err, ErrCorrupt) {
		env, err = s.repair(ctx, key)
	}
	if err != nil {
		return Record{}, err
	}
	if env == nil || env.Deleted {
		return Record{}, ErrNotFound
	}
	return Record{Key: key, Value: []byte(env.Data), Version: env.Version}, nil
}

func (s *FileStore) List(ctx context.Context, prefix string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := s.root
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		start = filepath.Join(s.root, filepath.FromSlash(prefix[:i]))
	}

	var keys []string
	err := filepath.WalkDir(start, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path != start && strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, recordExt) {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		key := strings.TrimSuffix(filepath.ToSlash(rel), recordExt)
		if strings.HasPrefix(key, prefix) && ValidateKey(key) == nil {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", prefix, err)
	}
	sort.Strings(keys)

	out := make([]Record, 0, len(keys))
	for _, key := range keys {
		rec, err := s.Read(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *FileStore) CompareAndSwap(ctx context.Context, key string, expectedVersion int64, value []byte) (Record, error) {
	if err := ValidateKey(key); err != nil {
		return Record{}, err
	}
	if !utf8.Valid(value) {
		return Record{}, fmt.Errorf("file store %s: value is not valid UTF-8", key)
	}

	var rec Record
	err := s.withKeyLock(ctx, key, func() error {
		env, err := s.loadOrRecover(ctx, key)
		if err != nil {
			return err
		}
		var current, last int64
		if env != nil {
			last = env.Version
			if !env.Deleted {
				current = env.Version
			}
		}
		if current != expectedVersion {
			return conflict(key, expectedVersion, current)
		}

		next := &envelope{
			SchemaVersion: fyaml.CurrentSchemaVersion,
			FileType:      fyaml.FileTypeRecord,
			Key:           key,
			Version:       last + 1,
			UpdatedAt:     s.now().UTC().Format(time.RFC3339Nano),
			Data:          string(value),
		}
		if err := fyaml.AtomicWrite(s.Path(key), next); err != nil {
			return fmt.Errorf("write %s: %w", key, err)
		}
		rec = Record{Key: key, Value: append([]byte(nil), value...), Version: next.Version}
		return nil
	})
	return rec, err
}

// Delete leaves a tombstone so the key's version keeps increasing.
func (s *FileStore) Delete(ctx context.Context, key string, expectedVersion int64) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	return s.withKeyLock(ctx, key, func() error {
		env, err := s.loadOrRecover(ctx, key)
		if err != nil {
			return err
		}
		if env == nil || env.Deleted {
			return ErrNotFound
		}
		if env.Version != expectedVersion {
			return conflict(key, expectedVersion, env.Version)
		}
		tomb := &envelope{
			SchemaVersion: fyaml.CurrentSchemaVersion,
			FileType:      fyaml.FileTypeRecord,
			Key:           key,
			Version:       env.Version + 1,
			Deleted:       true,
			UpdatedAt:     s.now().UTC().Format(time.RFC3339Nano),
		}
		if err := fyaml.AtomicWrite(s.Path(key), tomb); err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
		return nil
	})
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) withKeyLock(ctx context.Context, key string, fn func() error) error {
	s.mutexes.Lock(key)
	defer s.mutexes.Unlock(key)

	lctx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	fl := lock.NewFileLock(filepath.Join(s.lockDir, filepath.FromSlash(key)+".lock"))
	if err := fl.Lock(lctx); err != nil {
		return fmt.Errorf("lock %s (%s): %w", key, fl.Path(), err)
	}
	defer func() {
		if err := fl.Unlock(); err != nil {
			s.log.Warnf("unlock key=%s: %v", key, err)
		}
	}()
	return fn()
}

// load returns nil, nil when the file does not exist.
func (s *FileStore) load(key string) (*envelope, error) {
	path := s.Path(key)
	content, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return decodeEnvelope(key, content)
}

func decodeEnvelope(key string, content []byte) (*envelope, error) {
	if err := fyaml.ValidateSchemaHeaderFromBytes(content, fyaml.FileTypeRecord); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, key, err)
	}
	var env envelope
	if err := yamlv3.Unmarshal(content, &env); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, key, err)
	}
	if env.Key != key {
		return nil, fmt.Errorf("%w: %s: file claims key %q", ErrCorrupt, key, env.Key)
	}
	if env.Version < 1 {
		return nil, fmt.Errorf("%w: %s: version %d", ErrCorrupt, key, env.Version)
	}
	return &env, nil
}

// loadOrRecover restores a corrupted record from its backup. The restored
// record is rewritten above any version the key may have held, so a writer
// that read the lost version still conflicts.
func (s *FileStore) loadOrRecover(ctx context.Context, key string) (*envelope, error) {
	env, err := s.load(key)
	if !errors.Is(err, ErrCorrupt) {
		return env, err
	}
	s.log.Warnf("corrupt record key=%s: %v", key, err)
	path := s.Path(key)
	seen := salvageVersion(path)
	rerr := fyaml.RecoverCorruptedFile(s.quarantineDir, path, fyaml.FileTypeRecord, s.log)
	if rerr != nil {
		if errors.Is(rerr, fyaml.ErrNoBackup) && seen > 0 {
			tomb := &envelope{
				SchemaVersion: fyaml.CurrentSchemaVersion,
				FileType:      fyaml.FileTypeRecord,
				Key:           key,
				Version:       seen + 1,
				Deleted:       true,
				UpdatedAt:     s.now().UTC().Format(time.RFC3339Nano),
			}
			if werr := fyaml.AtomicWrite(path, tomb); werr != nil {
				return nil, errors.Join(err, rerr, werr)
			}
		}
		return nil, errors.Join(err, rerr)
	}

	restored, err := s.load(key)
	if err != nil || restored == nil {
		return restored, err
	}
	// the corrupted file was at least one write past its backup
	restored.Version = max(seen, restored.Version+1) + 1
	restored.UpdatedAt = s.now().UTC().Format(time.RFC3339Nano)
	if err := fyaml.AtomicWrite(path, restored); err != nil {
		return nil, fmt.Errorf("reissue %s: %w", key, err)
	}
	s.log.Infof("restored key=%s from backup at version %d", key, restored.Version)
	return restored, nil
}

// salvageVersion reads the version field of a damaged record, or 0 when it
// is unreadable.
func salvageVersion(path string) int64 {
	content, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	var v struct {
		Version int64 `yaml:"version"`
	}
	if yamlv3.Unmarshal(content, &v) != nil || v.Version < 0 {
		return 0
	}
	return v.Version
}

// repair re-reads key under its lock and restores it from backup if it is
// still corrupted.
func (s *FileStore) repair(ctx context.Context, key string) (*envelope, error) {
	var env *envelope
	err := s.withKeyLock(ctx, key, func() error {
		var err error
		env, err = s.loadOrRecover(ctx, key)
		return err
	})
	return env, err
}
