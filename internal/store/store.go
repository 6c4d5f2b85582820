// Package store is the single owner of all persisted coordinator state:
// requests, tasks, workers, mail, the merge queue, the activity log and
// runtime config. Every other component mutates state only through the
// typed operations here, each of which passes a per-table column whitelist
// before any SQL identifier is formed.
package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/zjrosen/maestro/internal/events"
	"github.com/zjrosen/maestro/internal/pubsub"
)

// Store wraps the sqlite database and the broadcast broker.
type Store struct {
	db     *sql.DB
	broker *pubsub.Broker[events.Event]
}

// New creates a Store over an already-migrated database handle.
// The broker may be nil; events are then dropped.
func New(db *sql.DB, broker *pubsub.Broker[events.Event]) *Store {
	return &Store{db: db, broker: broker}
}

// Open opens the database at path (running migrations) and wraps it.
func Open(path string, broker *pubsub.Broker[events.Event]) (*Store, error) {
	db, err := NewDB(path)
	if err != nil {
		return nil, err
	}
	return New(db, broker), nil
}

// DB exposes the underlying handle. Used by tests and the repair command.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Broker returns the broadcast broker (may be nil).
func (s *Store) Broker() *pubsub.Broker[events.Event] {
	return s.broker
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// publish emits a broadcast event if a broker is attached. Called only
// after the owning transaction has committed.
func (s *Store) publish(ev events.Event) {
	if s.broker == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	s.broker.Publish(pubsub.UpdatedEvent, ev)
}

// withTx runs fn inside a write transaction, committing on nil error.
func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// ---------------------------------------------------------------------------
// Column whitelists.
//
// Typed updater structs are the only internal path to these maps, but the
// whitelist stays as the final gate: no string reaches an SQL identifier
// position without passing it.
// ---------------------------------------------------------------------------

var columnWhitelist = map[string]map[string]bool{
	"requests": {
		"description": true, "tier": true, "status": true, "result": true,
		"updated_at": true, "completed_at": true,
	},
	"tasks": {
		"subject": true, "description": true, "domain": true, "files": true,
		"priority": true, "tier": true, "depends_on": true, "assigned_to": true,
		"status": true, "pr_url": true, "branch": true, "validation": true,
		"result": true, "updated_at": true, "completed_at": true,
	},
	"workers": {
		"status": true, "domain": true, "worktree": true, "branch": true,
		"session": true, "window_name": true, "current_task_id": true,
		"claimed_by": true, "claimed_at": true, "last_heartbeat": true,
		"launched_at": true, "tasks_completed": true, "updated_at": true,
	},
	"merge_queue": {
		"status": true, "priority": true, "error": true, "merged_at": true,
	},
}

// setClause is one column assignment in an UPDATE statement.
type setClause struct {
	column string
	value  any
}

// buildUpdate validates every column against the table whitelist and
// returns the SET fragment plus its argument list.
func buildUpdate(table string, sets []setClause) (string, []any, error) {
	allowed, ok := columnWhitelist[table]
	if !ok {
		return "", nil, &InvalidColumnError{Table: table, Column: "*"}
	}
	if len(sets) == 0 {
		return "", nil, fmt.Errorf("empty update for table %s", table)
	}
	frags := make([]string, 0, len(sets))
	args := make([]any, 0, len(sets))
	for _, sc := range sets {
		if !allowed[sc.column] {
			return "", nil, &InvalidColumnError{Table: table, Column: sc.column}
		}
		frags = append(frags, sc.column+" = ?")
		args = append(args, sc.value)
	}
	return strings.Join(frags, ", "), args, nil
}

// execUpdate runs an UPDATE built from whitelisted set clauses against a
// single row identified by idColumn = id. Returns the affected row count.
func execUpdate(tx *sql.Tx, table, idColumn string, id any, sets []setClause) (int64, error) {
	fragment, args, err := buildUpdate(table, sets)
	if err != nil {
		return 0, err
	}
	args = append(args, id)
	//nolint:gosec // G201: table/column identifiers come from the whitelist above
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?", table, fragment, idColumn)
	res, err := tx.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("update %s: %w", table, err)
	}
	return res.RowsAffected()
}
