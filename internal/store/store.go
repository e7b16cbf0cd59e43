// Copyright 2025 CacheFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store persists the hash-to-file index of the local cache in a
// SQLite database living inside the cache directory.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	_ "github.com/tursodatabase/go-libsql"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"cachefs/internal/common"
	"cachefs/internal/util"
)

const (
	dbFileName   = "cachefs.db"
	lockFileName = "cachefs.lock"

	// busy_timeout in milliseconds.
	defaultBusyTimeout = 30000
)

const storeSchema = `
CREATE TABLE IF NOT EXISTS schema_info (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

-- One row per cached file, keyed by content hash
CREATE TABLE IF NOT EXISTS cache_records (
    hash TEXT PRIMARY KEY,
    local_path TEXT NOT NULL,
    created_at INTEGER NOT NULL
);

-- String metadata attached to cached files
CREATE TABLE IF NOT EXISTS cache_meta (
    hash TEXT NOT NULL,
    key TEXT NOT NULL,
    value TEXT NOT NULL,
    PRIMARY KEY (hash, key)
);

CREATE INDEX IF NOT EXISTS idx_cache_meta_hash ON cache_meta(hash);
`

// Store is the SQLite-backed cache index. An exclusive file lock on the
// cache directory prevents two processes from mutating the same cache.
type Store struct {
	dir  string
	db   *sql.DB
	bun  *bun.DB
	lock *flock.Flock
}

func buildDSN(path string) string {
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=%d", path, defaultBusyTimeout)
}

// execPragma runs a PRAGMA statement using Query (not Exec) because libsql
// returns rows for PRAGMA statements. The result rows are drained and closed.
func execPragma(db *sql.DB, pragma string) error {
	rows, err := db.Query(pragma)
	if err != nil {
		return err
	}
	rows.Close()
	return nil
}

// applyPragmas sets essential PRAGMAs after opening a libsql connection.
// libsql ignores DSN-based _pragma=value parameters, so all PRAGMAs must be
// set explicitly via SQL statements after the connection is opened.
func applyPragmas(db *sql.DB) error {
	// Busy timeout first so the WAL conversion below waits for locks
	// instead of failing immediately with "database is locked".
	if err := execPragma(db, fmt.Sprintf("PRAGMA busy_timeout = %d", defaultBusyTimeout)); err != nil {
		return fmt.Errorf("failed to set busy_timeout: %w", err)
	}
	if err := execPragma(db, "PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to set journal_mode=WAL: %w", err)
	}
	if err := execPragma(db, "PRAGMA synchronous=NORMAL"); err != nil {
		return fmt.Errorf("failed to set synchronous=NORMAL: %w", err)
	}
	return nil
}

// execStatements executes multiple SQL statements separated by semicolons.
// The libsql driver doesn't support multi-statement Exec, so the script is
// split and executed individually.
func execStatements(db *sql.DB, sqlScript string) error {
	for _, stmt := range splitStatements(sqlScript) {
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// splitStatements splits a SQL script into individual statements.
func splitStatements(script string) []string {
	var statements []string
	var current strings.Builder

	for _, line := range strings.Split(script, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteString("\n")
		if strings.HasSuffix(trimmed, ";") {
			statements = append(statements, strings.TrimSpace(current.String()))
			current.Reset()
		}
	}
	if current.Len() > 0 {
		if stmt := strings.TrimSpace(current.String()); stmt != "" {
			statements = append(statements, stmt)
		}
	}
	return statements
}

// Open opens (creating if needed) the cache index inside cacheDir and
// takes the exclusive directory lock. Returns common.ErrExists when
// another process holds the lock.
func Open(cacheDir string) (*Store, error) {
	if err := os.MkdirAll(cacheDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	lock := flock.New(filepath.Join(cacheDir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire cache lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("cache directory %s is in use: %w", cacheDir, common.ErrExists)
	}

	dbPath := filepath.Join(cacheDir, dbFileName)
	db, err := sql.Open("libsql", buildDSN(dbPath))
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	if err := applyPragmas(db); err != nil {
		db.Close()
		lock.Unlock()
		return nil, err
	}

	// Execute schema statements individually for libsql compatibility.
	if err := execStatements(db, storeSchema); err != nil {
		db.Close()
		lock.Unlock()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Store{
		dir:  cacheDir,
		db:   db,
		bun:  bun.NewDB(db, sqlitedialect.New()),
		lock: lock,
	}, nil
}

// Dir returns the cache directory the store lives in.
func (s *Store) Dir() string {
	return s.dir
}

// Close releases the database and the directory lock.
func (s *Store) Close() error {
	var firstErr error
	if s.db != nil {
		firstErr = s.db.Close()
	}
	if s.lock != nil {
		if err := s.lock.Unlock(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Lookup returns the record for hash, with its metadata attached.
// Returns common.ErrNotFound when the hash is not cached.
func (s *Store) Lookup(ctx context.Context, hash string) (*Record, error) {
	var model RecordModel
	err := s.bun.NewSelect().
		Model(&model).
		Where("hash = ?", hash).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rec := model.ToRecord()
	rec.Meta, err = s.metaFor(ctx, hash)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) metaFor(ctx context.Context, hash string) (map[string]string, error) {
	var models []MetaModel
	err := s.bun.NewSelect().
		Model(&models).
		Where("hash = ?", hash).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	meta := make(map[string]string, len(models))
	for _, m := range models {
		meta[m.Key] = m.Value
	}
	return meta, nil
}

// Insert records a cached file under hash. Re-inserting an existing hash
// updates the path and metadata. Retries on transient "database is locked"
// errors since several download completions can insert concurrently.
func (s *Store) Insert(ctx context.Context, hash, localPath string, meta map[string]string) error {
	return util.Retry(ctx, func() error {
		return s.insertOnce(ctx, hash, localPath, meta)
	}, util.DatabaseRetryOptions(ctx)...)
}

func (s *Store) insertOnce(ctx context.Context, hash, localPath string, meta map[string]string) error {
	return s.bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		_, err := tx.NewInsert().
			Model(&RecordModel{
				ReferenceHash: hash,
				LocalPath:     localPath,
				CreatedAt:     time.Now().Unix(),
			}).
			On("CONFLICT (hash) DO UPDATE").
			Set("local_path = EXCLUDED.local_path").
			Exec(ctx)
		if err != nil {
			return err
		}

		for key, value := range meta {
			_, err := tx.NewInsert().
				Model(&MetaModel{ReferenceHash: hash, Key: key, Value: value}).
				On("CONFLICT (hash, key) DO UPDATE").
				Set("value = EXCLUDED.value").
				Exec(ctx)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Remove deletes a record and its metadata. Removing a missing hash is
// not an error.
func (s *Store) Remove(ctx context.Context, hash string) error {
	return s.bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().Model((*MetaModel)(nil)).Where("hash = ?", hash).Exec(ctx); err != nil {
			return err
		}
		_, err := tx.NewDelete().Model((*RecordModel)(nil)).Where("hash = ?", hash).Exec(ctx)
		return err
	})
}

// Count returns the number of cached files.
func (s *Store) Count(ctx context.Context) (int, error) {
	return s.bun.NewSelect().Model((*RecordModel)(nil)).Count(ctx)
}

// Records returns all cache records ordered by creation time (newest
// first), without metadata.
func (s *Store) Records(ctx context.Context) ([]Record, error) {
	var models []RecordModel
	err := s.bun.NewSelect().
		Model(&models).
		Order("created_at DESC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}

	records := make([]Record, len(models))
	for i, m := range models {
		records[i] = *m.ToRecord()
	}
	return records, nil
}
