package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS gtm_objects (
	key        TEXT PRIMARY KEY,
	body       BLOB NOT NULL,
	size_bytes INTEGER NOT NULL,
	updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
) WITHOUT ROWID;`

// SQLiteBackend stores objects in a single-file SQLite database. It suits
// single-node deployments that want durability without an object store.
type SQLiteBackend struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteBackend opens (creating if needed) the database at path.
// Use ":memory:" for an ephemeral database.
func NewSQLiteBackend(ctx context.Context, path string, logger *slog.Logger) (*SQLiteBackend, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite %s: %w", path, err)
	}
	// One writer at a time; SQLite serializes writes anyway and this avoids SQLITE_BUSY storms.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: create sqlite schema: %w", err)
	}
	return &SQLiteBackend{db: db, logger: logger}, nil
}

func (s *SQLiteBackend) Name() string { return "sqlite" }

func (s *SQLiteBackend) Put(ctx context.Context, key string, body []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gtm_objects (key, body, size_bytes) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			body = excluded.body,
			size_bytes = excluded.size_bytes,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')`,
		key, body, len(body),
	)
	return classify("store", key, err, sqliteKind)
}

func (s *SQLiteBackend) Get(ctx context.Context, key string) ([]byte, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, `SELECT body FROM gtm_objects WHERE key = ?`, key).Scan(&body)
	if err != nil {
		return nil, classify("read", key, err, sqliteKind)
	}
	return body, nil
}

func (s *SQLiteBackend) ListPage(ctx context.Context, prefix, after string, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key FROM gtm_objects
		WHERE substr(key, 1, ?) = ? AND key > ?
		ORDER BY key
		LIMIT ?`,
		utf8.RuneCountInString(prefix), prefix, after, limit,
	)
	if err != nil {
		return nil, classify("list", prefix, err, sqliteKind)
	}
	defer func() { _ = rows.Close() }()

	keys := make([]string, 0, limit)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, classify("list", prefix, err, sqliteKind)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list", prefix, err, sqliteKind)
	}
	return keys, nil
}

func (s *SQLiteBackend) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM gtm_objects WHERE key = ?`, key)
	return classify("delete", key, err, sqliteKind)
}

func (s *SQLiteBackend) Ping(ctx context.Context) error {
	return classify("ping", "", s.db.PingContext(ctx), sqliteKind)
}

func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}

// sqliteKind maps SQLite result codes onto storage failure kinds.
func sqliteKind(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_IOERR, sqlite3.SQLITE_FULL:
			return ErrUnavailable
		case sqlite3.SQLITE_READONLY, sqlite3.SQLITE_PERM, sqlite3.SQLITE_AUTH, sqlite3.SQLITE_CANTOPEN:
			return ErrAccessDenied
		case sqlite3.SQLITE_CORRUPT, sqlite3.SQLITE_NOTADB:
			return ErrCorrupt
		}
	}
	return ErrUnavailable
}
