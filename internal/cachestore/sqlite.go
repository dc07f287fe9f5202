package cachestore

import (
	"context"
	"database/sql"
	"errors"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS caches (
	seq  INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE
);
CREATE TABLE IF NOT EXISTS entries (
	seq     INTEGER PRIMARY KEY AUTOINCREMENT,
	cache   TEXT NOT NULL,
	key     TEXT NOT NULL,
	payload BLOB NOT NULL,
	UNIQUE (cache, key)
);`

type sqliteStorage struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) a SQLite-backed storage at path.
func OpenSQLite(path string) (Storage, error) {
	if path == "" {
		path = "./data/cache.sqlite3"
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, backendErr(err, "open sqlite")
	}
	// a single connection keeps writers from tripping over SQLITE_BUSY and
	// keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, backendErr(err, "create schema")
	}
	return &sqliteStorage{db: db}, nil
}

func (s *sqliteStorage) Open(ctx context.Context, name string) (Cache, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if err := s.ensureName(ctx, s.db, name); err != nil {
		return nil, err
	}
	return &sqliteCache{s: s, name: name}, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *sqliteStorage) ensureName(ctx context.Context, db execer, name string) error {
	if _, err := db.ExecContext(ctx, "INSERT OR IGNORE INTO caches (name) VALUES (?)", name); err != nil {
		return backendErr(err, "create cache")
	}
	return nil
}

func (s *sqliteStorage) Has(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM caches WHERE name = ?", name).Scan(&n)
	if err != nil {
		return false, backendErr(err, "lookup cache name")
	}
	return n > 0, nil
}

func (s *sqliteStorage) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM caches ORDER BY seq")
	if err != nil {
		return nil, backendErr(err, "list caches")
	}
	return scanStrings(rows)
}

func (s *sqliteStorage) Delete(ctx context.Context, name string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, backendErr(err, "begin")
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, "DELETE FROM caches WHERE name = ?", name)
	if err != nil {
		return false, backendErr(err, "delete cache")
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE cache = ?", name); err != nil {
		return false, backendErr(err, "delete entries")
	}
	if err := tx.Commit(); err != nil {
		return false, backendErr(err, "commit")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, backendErr(err, "rows affected")
	}
	return n > 0, nil
}

func (s *sqliteStorage) Match(ctx context.Context, key string) (Entry, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT e.payload FROM entries e
JOIN caches c ON c.name = e.cache
WHERE e.key = ?
ORDER BY c.seq
LIMIT 1`, key)
	return scanEntry(row)
}

func (s *sqliteStorage) Close() error {
	return s.db.Close()
}

type sqliteCache struct {
	s    *sqliteStorage
	name string
}

func (c *sqliteCache) Name() string { return c.name }

func (c *sqliteCache) Match(ctx context.Context, key string) (Entry, bool, error) {
	row := c.s.db.QueryRowContext(ctx, "SELECT payload FROM entries WHERE cache = ? AND key = ?", c.name, key)
	return scanEntry(row)
}

func (c *sqliteCache) Put(ctx context.Context, key string, entry Entry) error {
	payload, err := encodeGob(entry)
	if err != nil {
		return err
	}

	tx, err := c.s.db.BeginTx(ctx, nil)
	if err != nil {
		return backendErr(err, "begin")
	}
	defer func() { _ = tx.Rollback() }()

	if err := c.s.ensureName(ctx, tx, c.name); err != nil {
		return err
	}
	// delete + insert so the key takes a fresh seq and moves to the end
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE cache = ? AND key = ?", c.name, key); err != nil {
		return backendErr(err, "replace entry")
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO entries (cache, key, payload) VALUES (?, ?, ?)", c.name, key, payload); err != nil {
		return backendErr(err, "put entry")
	}
	if err := tx.Commit(); err != nil {
		return backendErr(err, "commit")
	}
	return nil
}

func (c *sqliteCache) Delete(ctx context.Context, key string) (bool, error) {
	res, err := c.s.db.ExecContext(ctx, "DELETE FROM entries WHERE cache = ? AND key = ?", c.name, key)
	if err != nil {
		return false, backendErr(err, "delete entry")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, backendErr(err, "rows affected")
	}
	return n > 0, nil
}

func (c *sqliteCache) Keys(ctx context.Context) ([]string, error) {
	rows, err := c.s.db.QueryContext(ctx, "SELECT key FROM entries WHERE cache = ? ORDER BY seq", c.name)
	if err != nil {
		return nil, backendErr(err, "list keys")
	}
	return scanStrings(rows)
}

func (c *sqliteCache) Len(ctx context.Context) (int, error) {
	var n int
	err := c.s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM entries WHERE cache = ?", c.name).Scan(&n)
	if err != nil {
		return 0, backendErr(err, "count entries")
	}
	return n, nil
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, backendErr(err, "scan row")
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, backendErr(err, "iterate rows")
	}
	return out, nil
}

func scanEntry(row *sql.Row) (Entry, bool, error) {
	var payload []byte
	err := row.Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, backendErr(err, "get entry")
	}
	var ent Entry
	if err := decodeGob(payload, &ent); err != nil {
		return Entry{}, false, backendErr(err, "decode entry")
	}
	return ent, true, nil
}
