package store

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/zjrosen/maestro/internal/log"
)

// busyTimeoutMS bounds how long a writer waits on a locked database before
// failing. Write contention between the loops is short-lived; 5s is the
// spec'd bound.
const busyTimeoutMS = 5000

// NewDB opens (creating if needed) the coordinator database at path.
// The parent directory is created with 0700 permissions, WAL journaling and
// the busy timeout are applied, and pending migrations run. When an existing
// database needs migration, a .bak copy is written first.
func NewDB(path string) (*sql.DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	existed := false
	if _, err := os.Stat(path); err == nil {
		existed = true
	}

	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	// The coordinator is a single process with several in-process writers;
	// one connection serializes them and sidesteps SQLITE_BUSY between our
	// own transactions.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeoutMS),
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	current, err := userVersion(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	if existed && current < len(migrations) {
		if err := backupFile(path); err != nil {
			log.Warn(log.CatDB, "pre-migration backup failed", "path", path, "error", err)
		}
	}

	if err := migrate(db, current); err != nil {
		_ = db.Close()
		return nil, err
	}

	log.Info(log.CatDB, "database ready", "path", path, "schema_version", len(migrations))
	return db, nil
}

func userVersion(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow("PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("read user_version: %w", err)
	}
	return v, nil
}

// migrate applies all migrations past current inside a single transaction.
func migrate(db *sql.DB, current int) error {
	if current >= len(migrations) {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i := current; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		log.Debug(log.CatDB, "applied migration", "version", i+1)
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version=%d", len(migrations))); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return tx.Commit()
}

// backupFile copies the database file to path+".bak" before migration.
func backupFile(path string) error {
	src, err := os.Open(path) //nolint:gosec // G304: path is our own state file
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	dst, err := os.OpenFile(path+".bak", os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer func() { _ = dst.Close() }()

	_, err = io.Copy(dst, src)
	return err
}
