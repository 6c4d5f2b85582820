package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/zjrosen/maestro/internal/events"
	"github.com/zjrosen/maestro/internal/log"
)

const workerColumns = `id, status, domain, worktree, branch, session, window_name,
	current_task_id, claimed_by, claimed_at, last_heartbeat, launched_at,
	tasks_completed, updated_at`

type workerRow struct {
	ID             int64
	Status         string
	Domain         *string
	Worktree       string
	Branch         string
	Session        string
	Window         string
	CurrentTaskID  *int64
	ClaimedBy      *string
	ClaimedAt      *int64
	LastHeartbeat  *int64
	LaunchedAt     *int64
	TasksCompleted int64
	UpdatedAt      int64
}

func scanWorker(scanner interface{ Scan(...any) error }) (*workerRow, error) {
	var row workerRow
	err := scanner.Scan(
		&row.ID, &row.Status, &row.Domain, &row.Worktree, &row.Branch,
		&row.Session, &row.Window, &row.CurrentTaskID, &row.ClaimedBy,
		&row.ClaimedAt, &row.LastHeartbeat, &row.LaunchedAt,
		&row.TasksCompleted, &row.UpdatedAt,
	)
	return &row, err
}

func (r *workerRow) toDomain() *Worker {
	w := &Worker{
		ID:             int(r.ID),
		Status:         WorkerStatus(r.Status),
		Domain:         derefStr(r.Domain),
		Worktree:       r.Worktree,
		Branch:         r.Branch,
		Session:        r.Session,
		Window:         r.Window,
		CurrentTaskID:  r.CurrentTaskID,
		ClaimedBy:      derefStr(r.ClaimedBy),
		ClaimedAt:      timePtr(r.ClaimedAt),
		LastHeartbeat:  timePtr(r.LastHeartbeat),
		LaunchedAt:     timePtr(r.LaunchedAt),
		TasksCompleted: int(r.TasksCompleted),
		UpdatedAt:      time.Unix(r.UpdatedAt, 0),
	}
	return w
}

// RegisterWorker upserts a worker slot. Re-registering an existing worker
// refreshes its worktree/branch/window bindings without disturbing status,
// making registration idempotent.
func (s *Store) RegisterWorker(id int, worktree, branch, session, window string) (*Worker, error) {
	now := time.Now().Unix()
	_, err := s.db.Exec(
		`INSERT INTO workers (id, status, worktree, branch, session, window_name, updated_at)
		 VALUES (?, 'idle', ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			worktree = excluded.worktree,
			branch = excluded.branch,
			session = excluded.session,
			window_name = excluded.window_name,
			updated_at = excluded.updated_at`,
		id, worktree, branch, session, window, now,
	)
	if err != nil {
		return nil, fmt.Errorf("register worker: %w", err)
	}
	log.Info(log.CatDB, "worker registered", "id", id)
	s.publish(events.Event{Kind: events.KindWorkerRegistered, WorkerID: id})
	return s.GetWorker(id)
}

// GetWorker retrieves a worker by id.
func (s *Store) GetWorker(id int) (*Worker, error) {
	row := s.db.QueryRow(`SELECT `+workerColumns+` FROM workers WHERE id = ?`, id)
	model, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWorkerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get worker: %w", err)
	}
	return model.toDomain(), nil
}

// ListWorkers returns every worker slot, ordered by id.
func (s *Store) ListWorkers() ([]*Worker, error) {
	return s.queryWorkers(`SELECT ` + workerColumns + ` FROM workers ORDER BY id ASC`)
}

// ListIdleWorkers returns workers eligible for assignment: idle and
// unclaimed.
func (s *Store) ListIdleWorkers() ([]*Worker, error) {
	return s.queryWorkers(
		`SELECT ` + workerColumns + ` FROM workers
		 WHERE status = 'idle' AND (claimed_by IS NULL OR claimed_by = '')
		 ORDER BY id ASC`)
}

func (s *Store) queryWorkers(query string, args ...any) ([]*Worker, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Worker
	for rows.Next() {
		model, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		out = append(out, model.toDomain())
	}
	return out, rows.Err()
}

// ClaimWorker atomically reserves an idle, unclaimed worker for claimer.
// Returns ErrWorkerNotIdle or ErrWorkerClaimed when the optimistic check
// fails; the caller retries with another worker or waits.
func (s *Store) ClaimWorker(id int, claimer string) error {
	if claimer == "" {
		return &ConstraintError{Table: "workers", Detail: "claimer required"}
	}
	err := s.withTx(func(tx *sql.Tx) error {
		var status string
		var claimedBy *string
		err := tx.QueryRow(`SELECT status, claimed_by FROM workers WHERE id = ?`, id).
			Scan(&status, &claimedBy)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrWorkerNotFound
		}
		if err != nil {
			return fmt.Errorf("read worker: %w", err)
		}
		if WorkerStatus(status) != WorkerIdle {
			return ErrWorkerNotIdle
		}
		if claimedBy != nil && *claimedBy != "" && *claimedBy != claimer {
			return ErrWorkerClaimed
		}
		now := time.Now().Unix()
		_, err = execUpdate(tx, "workers", "id", id, []setClause{
			{"claimed_by", claimer},
			{"claimed_at", now},
			{"updated_at", now},
		})
		return err
	})
	if err != nil {
		return err
	}
	log.Debug(log.CatDB, "worker claimed", "id", id, "claimer", claimer)
	s.publish(events.Event{Kind: events.KindWorkerUpdated, WorkerID: id})
	return nil
}

// ReleaseWorker clears a worker's claim. Releasing an unclaimed worker is a
// no-op.
func (s *Store) ReleaseWorker(id int) error {
	now := time.Now().Unix()
	res, err := s.db.Exec(
		`UPDATE workers SET claimed_by = NULL, claimed_at = NULL, updated_at = ?
		 WHERE id = ? AND claimed_by IS NOT NULL`,
		now, id,
	)
	if err != nil {
		return fmt.Errorf("release worker: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		log.Debug(log.CatDB, "worker claim released", "id", id)
		s.publish(events.Event{Kind: events.KindWorkerUpdated, WorkerID: id})
	}
	return nil
}

// Heartbeat records a liveness signal from a worker.
func (s *Store) Heartbeat(id int) error {
	now := time.Now().Unix()
	res, err := s.db.Exec(
		`UPDATE workers SET last_heartbeat = ?, updated_at = ? WHERE id = ?`,
		now, now, id,
	)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrWorkerNotFound
	}
	return nil
}

// MarkWorkerLaunched records the spawn time and running status of a worker
// whose sentinel window was just created.
func (s *Store) MarkWorkerLaunched(id int) error {
	now := time.Now().Unix()
	err := s.withTx(func(tx *sql.Tx) error {
		_, err := execUpdate(tx, "workers", "id", id, []setClause{
			{"status", string(WorkerRunning)},
			{"launched_at", now},
			{"last_heartbeat", now},
			{"updated_at", now},
		})
		return err
	})
	if err != nil {
		return err
	}
	s.publish(events.Event{Kind: events.KindWorkerUpdated, WorkerID: id})
	return nil
}

// ResetWorker returns a worker to idle with no current task and no claim.
// Used by death handling, the completed_task auto-reset and repair.
func (s *Store) ResetWorker(id int) error {
	err := s.withTx(func(tx *sql.Tx) error {
		_, err := execUpdate(tx, "workers", "id", id, []setClause{
			{"status", string(WorkerIdle)},
			{"current_task_id", nil},
			{"claimed_by", nil},
			{"claimed_at", nil},
			{"updated_at", time.Now().Unix()},
		})
		return err
	})
	if err != nil {
		return err
	}
	log.Debug(log.CatDB, "worker reset to idle", "id", id)
	s.publish(events.Event{Kind: events.KindWorkerUpdated, WorkerID: id})
	return nil
}

// WorkerUpdate holds mutable worker fields for narrow updates.
type WorkerUpdate struct {
	Status        *WorkerStatus
	Domain        *string
	Worktree      *string
	Branch        *string
	Session       *string
	Window        *string
	LastHeartbeat *time.Time
	LaunchedAt    *time.Time
}

// UpdateWorker applies a typed update through the column whitelist.
func (s *Store) UpdateWorker(id int, upd WorkerUpdate) error {
	err := s.withTx(func(tx *sql.Tx) error {
		sets := []setClause{{"updated_at", time.Now().Unix()}}
		if upd.Status != nil {
			sets = append(sets, setClause{"status", string(*upd.Status)})
		}
		if upd.Domain != nil {
			sets = append(sets, setClause{"domain", strPtr(*upd.Domain)})
		}
		if upd.Worktree != nil {
			sets = append(sets, setClause{"worktree", *upd.Worktree})
		}
		if upd.Branch != nil {
			sets = append(sets, setClause{"branch", *upd.Branch})
		}
		if upd.Session != nil {
			sets = append(sets, setClause{"session", *upd.Session})
		}
		if upd.Window != nil {
			sets = append(sets, setClause{"window_name", *upd.Window})
		}
		if upd.LastHeartbeat != nil {
			sets = append(sets, setClause{"last_heartbeat", upd.LastHeartbeat.Unix()})
		}
		if upd.LaunchedAt != nil {
			sets = append(sets, setClause{"launched_at", upd.LaunchedAt.Unix()})
		}
		n, err := execUpdate(tx, "workers", "id", id, sets)
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrWorkerNotFound
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(events.Event{Kind: events.KindWorkerUpdated, WorkerID: id})
	return nil
}
