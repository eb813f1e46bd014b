package config

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"

	_ "modernc.org/sqlite" // cgo-free sqlite driver
)

// Settings persists user-tunable key/value settings in a local SQLite
// database, so they survive restarts without requiring the main storage
// backend to be reachable.
type Settings struct {
	db *sql.DB
}

// OpenSettings opens (or creates) the settings database under dataPath.
func OpenSettings(dataPath string) (*Settings, error) {
	db, err := sql.Open("sqlite", filepath.Join(dataPath, "settings.db"))
	if err != nil {
		return nil, fmt.Errorf("config: open settings database: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("config: create settings table: %w", err)
	}
	return &Settings{db: db}, nil
}

// Get retrieves a setting value. Returns an empty string and no error when
// the key does not exist.
func (s *Settings) Get(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("config: get setting %q: %w", key, err)
	}
	return value, nil
}

// Set writes a key-value pair using upsert semantics.
func (s *Settings) Set(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO settings (key, value)
		VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP
	`, key, value)
	if err != nil {
		return fmt.Errorf("config: set setting %q: %w", key, err)
	}
	return nil
}

// Close releases the settings database.
func (s *Settings) Close() error {
	return s.db.Close()
}

// ApplySettings overlays persisted user settings onto a config. The database
// value takes precedence over the environment value.
func (c *Config) ApplySettings(s *Settings) error {
	tenant, err := s.Get("default_tenant")
	if err != nil {
		return err
	}
	if tenant != "" {
		c.User.DefaultTenant = tenant
	}
	return nil
}

// SaveSettings persists user settings to the settings store.
func (c *Config) SaveSettings(s *Settings) error {
	return s.Set("default_tenant", c.User.DefaultTenant)
}
