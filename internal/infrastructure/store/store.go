package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const (
	// dirPermissions is the permission mode for the store directory.
	dirPermissions = 0750

	// filePermissions is the permission mode for the store file.
	filePermissions = 0600

	// msPerSecond converts seconds to milliseconds.
	msPerSecond = 1000

	// connectionTimeout is the timeout for verifying store connectivity.
	connectionTimeout = 5 * time.Second

	// storageKey is the row key for the core configuration document.
	storageKey = "core.config"

	// storageVersion is the schema version written with every save.
	storageVersion = 1
)

// schema creates the single key/value table the core needs. The value is
// a JSON document; the core never queries inside it.
const schema = `
CREATE TABLE IF NOT EXISTS core_storage (
	key     TEXT PRIMARY KEY,
	version INTEGER NOT NULL,
	value   TEXT NOT NULL,
	updated TEXT NOT NULL
);
`

// Store is the SQLite-backed persistent store for core configuration.
//
// It implements the narrow Load/Save contract the controller needs to
// persist location and unit-system settings across restarts.
type Store struct {
	db   *sql.DB
	path string
}

// Config contains store configuration options.
type Config struct {
	// Path is the filesystem path to the SQLite database file.
	// The directory will be created if it doesn't exist.
	Path string

	// WALMode enables Write-Ahead Logging for better concurrent access.
	WALMode bool

	// BusyTimeout is the maximum time to wait for a database lock (seconds).
	BusyTimeout int
}

// Open creates the store, creating the backing file and schema if needed.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_busy_timeout=%d&_foreign_keys=on",
		cfg.Path,
		cfg.BusyTimeout*msPerSecond,
	)
	if cfg.WALMode {
		connStr += "&_journal_mode=WAL&_synchronous=NORMAL"
	}

	sqlDB, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	// SQLite only supports one writer.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(time.Hour)

	s := &Store{db: sqlDB, path: cfg.Path}

	pingCtx, cancel := context.WithTimeout(ctx, connectionTimeout)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		sqlDB.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("verifying store connection: %w", err)
	}

	if _, err := sqlDB.ExecContext(ctx, schema); err != nil {
		sqlDB.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("creating store schema: %w", err)
	}

	// Owner read/write only. File might not exist until first write.
	_ = os.Chmod(cfg.Path, filePermissions) //nolint:errcheck // Intentional: first run creates file later

	return s, nil
}

// Load reads the persisted core configuration document. A store that
// has never been saved has nothing to restore and returns a nil map
// with no error.
func (s *Store) Load(ctx context.Context) (map[string]any, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM core_storage WHERE key = ?`, storageKey,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading core storage: %w", err)
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(value), &data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return data, nil
}

// Save writes the core configuration document, replacing any previous value.
func (s *Store) Save(ctx context.Context, data map[string]any) error {
	value, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding core storage: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO core_storage (key, version, value, updated)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			version = excluded.version,
			value = excluded.value,
			updated = excluded.updated`,
		storageKey, storageVersion, string(value), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("saving core storage: %w", err)
	}
	return nil
}

// Ping verifies the store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
