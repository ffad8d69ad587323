// Package docstore defines the versioned key/value document store that every
// fedy process coordinates through, plus its memory, YAML-file and SQLite backends.
//
// Each key carries a version that increases by one on every write and delete.
// Writers state the version they read; a mismatch is ErrVersionConflict.
// Versions are never reused for a key, even across delete and re-create, so a
// stale writer can not mistake a recreated record for the one it read.
// A FileStore record restored from backup is rewritten at a fresh, higher version for
// the same reason. The one exception is a damaged file with neither a
// readable version nor a backup, which leaves the key absent and restarts it
// at version 1.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	ErrNotFound        = errors.New("record not found")
	ErrVersionConflict = errors.New("record version conflict")
	ErrInvalidKey      = errors.New("invalid record key")
	ErrCorrupt         = errors.New("record corrupted")
)

type Record struct {
	Key     string
	Value   []byte
	Version int64
}

type Store interface {
	Read(ctx context.Context, key string) (Record, error)
	// List returns live records whose key starts with prefix, ordered by key.
	List(ctx context.Context, prefix string) ([]Record, error)
	// CompareAndSwap writes value if the key is currently at expectedVersion.
	// expectedVersion 0 means the key must not exist.
	CompareAndSwap(ctx context.Context, key string, expectedVersion int64, value []byte) (Record, error)
	Delete(ctx context.Context, key string, expectedVersion int64) error
	Close() error
}

var keySegment = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "." || seg == ".." || !keySegment.MatchString(seg) {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
		if strings.HasPrefix(seg, ".") {
			return fmt.Errorf("%w: %q (hidden segment)", ErrInvalidKey, key)
		}
	}
	return nil
}

func conflict(key string, expected, actual int64) error {
	return fmt.Errorf("%w: %s expected version %d, found %d", ErrVersionConflict, key, expected, actual)
}

func cloneRecord(r Record) Record {
	r.Value = append([]byte(nil), r.Value...)
	return r
}
