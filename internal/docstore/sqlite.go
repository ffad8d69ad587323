package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS records (
	key        TEXT PRIMARY KEY,
	version    INTEGER NOT NULL,
	value      BLOB,
	deleted    INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL
);
`

// SQLiteStore keeps records in one table of a SQLite database. Every CAS is a
// single conditional statement, so concurrent processes sharing the file are
// serialized by SQLite itself.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (and if needed creates) the database at path.
func OpenSQLite(ctx context.Context, path string, busyTimeout time.Duration) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite works best with a single writer.
	db.SetMaxOpenConns(1)

	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout=%d;", busyTimeout.Milliseconds()),
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Read(ctx context.Context, key string) (Record, error) {
	if err := ValidateKey(key); err != nil {
		return Record{}, err
	}
	rec := Record{Key: key}
	err := s.db.QueryRowContext(ctx,
		`SELECT value, version FROM records WHERE key = ? AND deleted = 0`, key,
	).Scan(&rec.Value, &rec.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("read %s: %w", key, err)
	}
	return rec, nil
}

func (s *SQLiteStore) List(ctx context.Context, prefix string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, version FROM records
		 WHERE deleted = 0 AND substr(key, 1, ?) = ?
		 ORDER BY key`, len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", prefix, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Key, &r.Value, &r.Version); err != nil {
			return nil, fmt.Errorf("list %q: %w", prefix, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list %q: %w", prefix, err)
	}
	return out, nil
}

func (s *SQLiteStore) CompareAndSwap(ctx context.Context, key string, expectedVersion int64, value []byte) (Record, error) {
	if err := ValidateKey(key); err != nil {
		return Record{}, err
	}
	if value == nil {
		value = []byte{}
	}
	now := s.now().UTC().Format(time.RFC3339Nano)

	var version int64
	var err error
	if expectedVersion == 0 {
		err = s.db.QueryRowContext(ctx, `
			INSERT INTO records (key, version, value, deleted, updated_at)
			VALUES (?, 1, ?, 0, ?)
			ON CONFLICT(key) DO UPDATE SET
				version = records.version + 1,
				value = excluded.value,
				deleted = 0,
				updated_at = excluded.updated_at
			WHERE records.deleted = 1
			RETURNING version`, key, value, now).Scan(&version)
	} else {
		err = s.db.QueryRowContext(ctx, `
			UPDATE records SET version = version + 1, value = ?, updated_at = ?
			WHERE key = ? AND version = ? AND deleted = 0
			RETURNING version`, value, now, key, expectedVersion).Scan(&version)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, conflict(key, expectedVersion, s.currentVersion(ctx, key))
	}
	if err != nil {
		return Record{}, fmt.Errorf("write %s: %w", key, err)
	}
	return Record{Key: key, Value: append([]byte(nil), value...), Version: version}, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string, expectedVersion int64) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE records SET version = version + 1, value = NULL, deleted = 1, updated_at = ?
		WHERE key = ? AND version = ? AND deleted = 0`,
		s.now().UTC().Format(time.RFC3339Nano), key, expectedVersion)
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	if n == 1 {
		return nil
	}
	current := s.currentVersion(ctx, key)
	if current == 0 {
		return ErrNotFound
	}
	return conflict(key, expectedVersion, current)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// currentVersion is the live version of key, or 0 when absent or deleted.
func (s *SQLiteStore) currentVersion(ctx context.Context, key string) int64 {
	var v int64
	err := s.db.QueryRowContext(ctx,
		`SELECT version FROM records WHERE key = ? AND deleted = 0`, key).Scan(&v)
	if err != nil {
		return 0
	}
	return v
}
