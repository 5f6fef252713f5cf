// Package storage is the coordinator's durable layer: the persisted
// display cache (so a restart can show last-known tabs before any
// browser reconnects) and a history of known browser sessions.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lotas/tabzentrale/internal/types"
	_ "modernc.org/sqlite"
)

// DefaultCacheName is the fixed record name the display cache is
// written under.
const DefaultCacheName = "displayTabs"

// KnownBrowser is one row of the session-history table: a browser
// installation the coordinator has seen connect.
type KnownBrowser struct {
	InstanceID       string
	BrowserType      string
	ExtensionVersion string
	FirstSeen        time.Time
	LastSeen         time.Time
	ConnectCount     int
}

// migration is a numbered schema change. Migrations are applied in
// order and tracked in the schema_migrations table so each runs exactly
// once.
type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "display cache and session history",
		SQL: `
CREATE TABLE IF NOT EXISTS display_cache (
    name        TEXT PRIMARY KEY,
    payload     BLOB NOT NULL,
    last_saved  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS session_history (
    instance_id        TEXT PRIMARY KEY,
    browser_type       TEXT NOT NULL,
    extension_version  TEXT NOT NULL DEFAULT '',
    first_seen         DATETIME DEFAULT CURRENT_TIMESTAMP,
    last_seen          DATETIME DEFAULT CURRENT_TIMESTAMP,
    connect_count      INTEGER NOT NULL DEFAULT 0
);`,
	},
}

// OpenDB opens (creating if needed) the coordinator database and brings
// the schema up to date.
func OpenDB(path string) (*sql.DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return db, nil
}

func runMigrations(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version     INTEGER PRIMARY KEY,
		description TEXT NOT NULL,
		applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations table: %w", err)
	}

	for _, m := range migrations {
		var exists int
		if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", m.Version).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if exists > 0 {
			continue
		}
		if _, err := db.Exec(m.SQL); err != nil {
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := db.Exec(
			"INSERT INTO schema_migrations (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
	}
	return nil
}

// DefaultDBPath returns the default database file path:
// ~/.local/share/tabzentrale/tabzentrale.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "tabzentrale", "tabzentrale.db"), nil
}

// cacheRecord is the on-disk JSON shape of the display cache.
type cacheRecord struct {
	types.DisplayState
	LastSaved int64 `json:"lastSaved"`
}

// CacheStore adapts the database to the display builder's Store
// interface, writing under a fixed record name.
type CacheStore struct {
	DB   *sql.DB
	Name string
}

// SaveDisplayCache upserts the display cache record, lz4-compressed.
func (s *CacheStore) SaveDisplayCache(state *types.DisplayState, at time.Time) error {
	return SaveDisplayCache(s.DB, s.name(), state, at)
}

func (s *CacheStore) name() string {
	if s.Name == "" {
		return DefaultCacheName
	}
	return s.Name
}

// SaveDisplayCache writes the display state under the given record name.
func SaveDisplayCache(db *sql.DB, name string, state *types.DisplayState, at time.Time) error {
	rec := cacheRecord{DisplayState: *state, LastSaved: at.UnixMilli()}
	raw, err := json.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("marshal display cache: %w", err)
	}
	blob, err := compressBlock(raw)
	if err != nil {
		return fmt.Errorf("compress display cache: %w", err)
	}
	_, err = db.Exec(`
		INSERT INTO display_cache (name, payload, last_saved) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET payload = excluded.payload, last_saved = excluded.last_saved`,
		name, blob, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("save display cache: %w", err)
	}
	return nil
}

// LoadDisplayCache reads back the display state and the time it was
// saved. Returns nil state (no error) when no record exists.
func LoadDisplayCache(db *sql.DB, name string) (*types.DisplayState, time.Time, error) {
	var blob []byte
	var savedMs int64
	err := db.QueryRow("SELECT payload, last_saved FROM display_cache WHERE name = ?", name).
		Scan(&blob, &savedMs)
	if err == sql.ErrNoRows {
		return nil, time.Time{}, nil
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("load display cache: %w", err)
	}
	raw, err := decompressBlock(blob)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("decompress display cache: %w", err)
	}
	var rec cacheRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, time.Time{}, fmt.Errorf("unmarshal display cache: %w", err)
	}
	return &rec.DisplayState, time.UnixMilli(rec.LastSaved), nil
}

// UpsertSessionSeen records a connect in the session history.
func UpsertSessionSeen(db *sql.DB, instanceID, browserType, extensionVersion string) error {
	_, err := db.Exec(`
		INSERT INTO session_history (instance_id, browser_type, extension_version, connect_count)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(instance_id) DO UPDATE SET
			browser_type = excluded.browser_type,
			extension_version = excluded.extension_version,
			last_seen = CURRENT_TIMESTAMP,
			connect_count = connect_count + 1`,
		instanceID, browserType, extensionVersion)
	if err != nil {
		return fmt.Errorf("upsert session history: %w", err)
	}
	return nil
}

// ListKnownBrowsers returns the session history, most recently seen
// first.
func ListKnownBrowsers(db *sql.DB) ([]KnownBrowser, error) {
	rows, err := db.Query(`
		SELECT instance_id, browser_type, extension_version, first_seen, last_seen, connect_count
		FROM session_history ORDER BY last_seen DESC`)
	if err != nil {
		return nil, fmt.Errorf("list session history: %w", err)
	}
	defer rows.Close()

	var out []KnownBrowser
	for rows.Next() {
		var b KnownBrowser
		if err := rows.Scan(&b.InstanceID, &b.BrowserType, &b.ExtensionVersion,
			&b.FirstSeen, &b.LastSeen, &b.ConnectCount); err != nil {
			return nil, fmt.Errorf("scan session history: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
