package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Runtime coordination settings live in the config table so they survive
// restarts and can be adjusted over the command surface. Daemon-level
// settings (socket path, debug) come from the YAML config instead.
const (
	KeyMaxWorkers        = "max_workers"
	KeyHeartbeatTimeout  = "heartbeat_timeout_s"
	KeyWatchdogInterval  = "watchdog_interval_ms"
	KeyAllocatorInterval = "allocator_interval_ms"
	KeyMergeValidation   = "merge_validation"
	KeyProjectDir        = "project_dir"
	KeyVersion           = "coordinator_version"
)

// configDefaults seeds the config table on first open. Existing values win.
var configDefaults = map[string]string{
	KeyMaxWorkers:        "4",
	KeyHeartbeatTimeout:  "60",
	KeyWatchdogInterval:  "10000",
	KeyAllocatorInterval: "2000",
	KeyMergeValidation:   "false",
	KeyProjectDir:        "",
	KeyVersion:           "dev",
}

// SeedConfigDefaults inserts any missing default config keys.
func (s *Store) SeedConfigDefaults() error {
	return s.withTx(func(tx *sql.Tx) error {
		for key, value := range configDefaults {
			if _, err := tx.Exec(
				`INSERT INTO config (key, value) VALUES (?, ?) ON CONFLICT(key) DO NOTHING`,
				key, value,
			); err != nil {
				return fmt.Errorf("seed config %s: %w", key, err)
			}
		}
		return nil
	})
}

// GetConfig returns the value for key, or the compiled-in default when the
// row is missing, or "" when the key is unknown entirely.
func (s *Store) GetConfig(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return configDefaults[key], nil
	}
	if err != nil {
		return "", fmt.Errorf("get config: %w", err)
	}
	return value, nil
}

// SetConfig writes a config key. max_workers is clamped to 1..8.
func (s *Store) SetConfig(key, value string) error {
	if key == KeyMaxWorkers {
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 || n > 8 {
			return &ConstraintError{Table: "config", Detail: "max_workers must be 1..8"}
		}
	}
	_, err := s.db.Exec(
		`INSERT INTO config (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set config: %w", err)
	}
	return nil
}

// AllConfig returns every stored config pair.
func (s *Store) AllConfig() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM config ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list config: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan config: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (s *Store) configInt(key string, fallback int) int {
	value, err := s.GetConfig(key)
	if err != nil {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return n
}

// MaxWorkers returns the configured worker fleet size, clamped to 1..8.
func (s *Store) MaxWorkers() int {
	n := s.configInt(KeyMaxWorkers, 4)
	if n < 1 {
		return 1
	}
	if n > 8 {
		return 8
	}
	return n
}

// HeartbeatTimeout returns the base heartbeat staleness threshold.
func (s *Store) HeartbeatTimeout() time.Duration {
	return time.Duration(s.configInt(KeyHeartbeatTimeout, 60)) * time.Second
}

// WatchdogInterval returns the watchdog tick period.
func (s *Store) WatchdogInterval() time.Duration {
	return time.Duration(s.configInt(KeyWatchdogInterval, 10000)) * time.Millisecond
}

// AllocatorInterval returns the allocator tick period.
func (s *Store) AllocatorInterval() time.Duration {
	return time.Duration(s.configInt(KeyAllocatorInterval, 2000)) * time.Millisecond
}

// MergeValidation reports whether the merger should run task validation
// commands before merging.
func (s *Store) MergeValidation() bool {
	value, err := s.GetConfig(KeyMergeValidation)
	if err != nil {
		return false
	}
	b, err := strconv.ParseBool(value)
	return err == nil && b
}
