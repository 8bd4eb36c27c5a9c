package main

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

const sqliteCacheSchema = `CREATE TABLE IF NOT EXISTS changelogs (
	name        TEXT PRIMARY KEY,
	url         TEXT NOT NULL,
	resolved_at INTEGER NOT NULL
)`

// SQLiteCache stores resolutions in a SQLite database. Writes go straight
// to the database, so Save is a no-op.
type SQLiteCache struct {
	conn *sql.DB
	path string
	ttl  time.Duration
}

// OpenSQLiteCache opens or creates the database at path.
func OpenSQLiteCache(path string, ttl time.Duration) (*SQLiteCache, error) {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := conn.Exec(sqliteCacheSchema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize cache schema: %w", err)
	}

	return &SQLiteCache{conn: conn, path: path, ttl: ttl}, nil
}

// Get returns the cached URL for name. Expired or unreadable rows are misses.
func (c *SQLiteCache) Get(name string) (string, bool) {
	var url string
	var resolvedAt int64
	err := c.conn.QueryRow(
		`SELECT url, resolved_at FROM changelogs WHERE name = ?`, name,
	).Scan(&url, &resolvedAt)
	if err != nil {
		return "", false
	}
	if time.Since(time.Unix(resolvedAt, 0)) > c.ttl {
		c.conn.Exec(`DELETE FROM changelogs WHERE name = ?`, name)
		return "", false
	}
	return url, true
}

// Set upserts a resolution. Cache writes are best-effort.
func (c *SQLiteCache) Set(name, url string) {
	c.conn.Exec(
		`INSERT INTO changelogs (name, url, resolved_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET url = excluded.url, resolved_at = excluded.resolved_at`,
		name, url, time.Now().Unix(),
	)
}

// Len returns the number of rows, expired ones included.
func (c *SQLiteCache) Len() int {
	var n int
	if err := c.conn.QueryRow(`SELECT COUNT(*) FROM changelogs`).Scan(&n); err != nil {
		return 0
	}
	return n
}

func (c *SQLiteCache) Save() error { return nil }

func (c *SQLiteCache) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *SQLiteCache) Path() string { return c.path }
