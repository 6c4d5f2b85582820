package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zjrosen/maestro/internal/events"
	"github.com/zjrosen/maestro/internal/log"
)

const taskColumns = `id, request_id, subject, description, domain, files, priority, tier,
	depends_on, assigned_to, status, pr_url, branch, validation, result,
	created_at, updated_at, completed_at`

// priorityOrder sorts urgent < high < normal < low in SQL.
const priorityOrder = `CASE priority
	WHEN 'urgent' THEN 0 WHEN 'high' THEN 1 WHEN 'normal' THEN 2 ELSE 3 END`

type taskRow struct {
	ID          int64
	RequestID   string
	Subject     string
	Description string
	Domain      *string
	Files       *string
	Priority    string
	Tier        int64
	DependsOn   *string
	AssignedTo  *int64
	Status      string
	PRURL       *string
	Branch      *string
	Validation  *string
	Result      *string
	CreatedAt   int64
	UpdatedAt   int64
	CompletedAt *int64
}

func scanTask(scanner interface{ Scan(...any) error }) (*taskRow, error) {
	var row taskRow
	err := scanner.Scan(
		&row.ID, &row.RequestID, &row.Subject, &row.Description, &row.Domain,
		&row.Files, &row.Priority, &row.Tier, &row.DependsOn, &row.AssignedTo,
		&row.Status, &row.PRURL, &row.Branch, &row.Validation, &row.Result,
		&row.CreatedAt, &row.UpdatedAt, &row.CompletedAt,
	)
	return &row, err
}

func (r *taskRow) toDomain() *Task {
	t := &Task{
		ID:          r.ID,
		RequestID:   r.RequestID,
		Subject:     r.Subject,
		Description: r.Description,
		Domain:      derefStr(r.Domain),
		Files:       decodeStrings(r.Files),
		Priority:    TaskPriority(r.Priority),
		Tier:        int(r.Tier),
		DependsOn:   decodeInt64s(r.DependsOn),
		Status:      TaskStatus(r.Status),
		PRURL:       derefStr(r.PRURL),
		Branch:      derefStr(r.Branch),
		Result:      derefStr(r.Result),
		CreatedAt:   time.Unix(r.CreatedAt, 0),
		UpdatedAt:   time.Unix(r.UpdatedAt, 0),
		CompletedAt: timePtr(r.CompletedAt),
	}
	if r.AssignedTo != nil {
		w := int(*r.AssignedTo)
		t.AssignedTo = &w
	}
	if r.Validation != nil && *r.Validation != "" {
		var v Validation
		if json.Unmarshal([]byte(*r.Validation), &v) == nil {
			t.Validation = &v
		}
	}
	return t
}

// TaskParams holds the fields for creating a task.
type TaskParams struct {
	RequestID   string
	Subject     string
	Description string
	Domain      string
	Files       []string
	Priority    TaskPriority
	Tier        int
	DependsOn   []int64
	Validation  *Validation
}

// CreateTask persists a new task. Tasks with no dependencies are created
// directly in ready state; tasks with dependencies start pending and are
// promoted once every dependency completes.
func (s *Store) CreateTask(p TaskParams) (*Task, error) {
	if p.Priority == "" {
		p.Priority = PriorityNormal
	}
	if !p.Priority.Valid() {
		return nil, &ConstraintError{Table: "tasks", Detail: "unknown priority " + string(p.Priority)}
	}
	if p.Tier == 0 {
		p.Tier = 2
	}

	status := TaskReady
	if len(p.DependsOn) > 0 {
		status = TaskPending
	}

	var task *Task
	err := s.withTx(func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRow(`SELECT COUNT(*) FROM requests WHERE id = ?`, p.RequestID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check request: %w", err)
		}
		if exists == 0 {
			return ErrRequestNotFound
		}

		now := time.Now()
		var files, deps, validation *string
		if len(p.Files) > 0 {
			files = encodeJSON(p.Files)
		}
		if len(p.DependsOn) > 0 {
			deps = encodeJSON(p.DependsOn)
		}
		if p.Validation != nil {
			validation = encodeJSON(p.Validation)
		}

		res, err := tx.Exec(
			`INSERT INTO tasks (request_id, subject, description, domain, files,
			 priority, tier, depends_on, status, validation, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.RequestID, p.Subject, p.Description, strPtr(p.Domain), files,
			string(p.Priority), p.Tier, deps, string(status), validation,
			now.Unix(), now.Unix(),
		)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("task insert id: %w", err)
		}

		task = &Task{
			ID:          id,
			RequestID:   p.RequestID,
			Subject:     p.Subject,
			Description: p.Description,
			Domain:      p.Domain,
			Files:       p.Files,
			Priority:    p.Priority,
			Tier:        p.Tier,
			DependsOn:   p.DependsOn,
			Status:      status,
			Validation:  p.Validation,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info(log.CatDB, "task created", "id", task.ID, "request", task.RequestID, "status", task.Status)
	s.publish(events.Event{Kind: events.KindTaskCreated, TaskID: task.ID, RequestID: task.RequestID})
	return task, nil
}

// GetTask retrieves a task by id.
func (s *Store) GetTask(id int64) (*Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	model, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return model.toDomain(), nil
}

// TaskFilter selects tasks for ListTasks. Zero values mean "any".
type TaskFilter struct {
	Status     TaskStatus
	RequestID  string
	AssignedTo *int
}

// ListTasks returns tasks matching the filter, oldest first.
func (s *Store) ListTasks(f TaskFilter) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	args := []any{}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.RequestID != "" {
		query += ` AND request_id = ?`
		args = append(args, f.RequestID)
	}
	if f.AssignedTo != nil {
		query += ` AND assigned_to = ?`
		args = append(args, *f.AssignedTo)
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Task
	for rows.Next() {
		model, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, model.toDomain())
	}
	return out, rows.Err()
}

// ReadyTasks returns unassigned ready tasks ordered by priority
// (urgent > high > normal > low), ties broken by id.
func (s *Store) ReadyTasks() ([]*Task, error) {
	rows, err := s.db.Query(
		`SELECT ` + taskColumns + ` FROM tasks
		 WHERE status = 'ready' AND assigned_to IS NULL
		 ORDER BY ` + priorityOrder + `, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("ready tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Task
	for rows.Next() {
		model, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, model.toDomain())
	}
	return out, rows.Err()
}

// CheckAndPromoteTasks promotes every pending task whose dependencies have
// all completed. Promotion never moves a task backward. Returns the ids of
// the promoted tasks.
func (s *Store) CheckAndPromoteTasks() ([]int64, error) {
	var promoted []int64
	err := s.withTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(`SELECT id, depends_on FROM tasks WHERE status = 'pending'`)
		if err != nil {
			return fmt.Errorf("scan pending: %w", err)
		}
		type pendingTask struct {
			id   int64
			deps []int64
		}
		var pending []pendingTask
		for rows.Next() {
			var id int64
			var deps *string
			if err := rows.Scan(&id, &deps); err != nil {
				_ = rows.Close()
				return fmt.Errorf("scan pending task: %w", err)
			}
			pending = append(pending, pendingTask{id: id, deps: decodeInt64s(deps)})
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, pt := range pending {
			ok := true
			for _, dep := range pt.deps {
				var status string
				err := tx.QueryRow(`SELECT status FROM tasks WHERE id = ?`, dep).Scan(&status)
				if errors.Is(err, sql.ErrNoRows) {
					// Unknown dependency blocks forever; leave pending and log.
					log.Warn(log.CatDB, "task depends on unknown task", "task", pt.id, "dep", dep)
					ok = false
					break
				}
				if err != nil {
					return fmt.Errorf("check dependency: %w", err)
				}
				if TaskStatus(status) != TaskCompleted {
					ok = false
					break
				}
			}
			if !ok {
				continue
			}
			res, err := tx.Exec(
				`UPDATE tasks SET status = 'ready', updated_at = ? WHERE id = ? AND status = 'pending'`,
				time.Now().Unix(), pt.id,
			)
			if err != nil {
				return fmt.Errorf("promote task: %w", err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				promoted = append(promoted, pt.id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, id := range promoted {
		log.Debug(log.CatDB, "task promoted to ready", "id", id)
		s.publish(events.Event{Kind: events.KindTaskUpdated, TaskID: id})
	}
	return promoted, nil
}

// AssignTask atomically binds a ready task to an idle worker. Inside one
// transaction it re-reads both rows and assigns only if the task is still
// ready with no assignee and the worker is still idle. If claimer is
// non-empty the worker must be claimed by that claimer (or unclaimed); the
// claim is cleared as part of the same transaction. This is the TOCTOU
// guard for the whole system.
func (s *Store) AssignTask(taskID int64, workerID int, claimer string) (*Task, error) {
	var task *Task
	err := s.withTx(func(tx *sql.Tx) error {
		row := tx.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
		model, err := scanTask(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTaskNotFound
		}
		if err != nil {
			return fmt.Errorf("read task: %w", err)
		}
		if TaskStatus(model.Status) != TaskReady || model.AssignedTo != nil {
			return ErrTaskNotReady
		}

		var wStatus string
		var claimedBy *string
		err = tx.QueryRow(`SELECT status, claimed_by FROM workers WHERE id = ?`, workerID).
			Scan(&wStatus, &claimedBy)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrWorkerNotFound
		}
		if err != nil {
			return fmt.Errorf("read worker: %w", err)
		}
		if WorkerStatus(wStatus) != WorkerIdle {
			return ErrWorkerNotIdle
		}
		if claimedBy != nil && *claimedBy != "" && *claimedBy != claimer {
			return ErrWorkerClaimed
		}

		now := time.Now().Unix()
		if _, err := execUpdate(tx, "tasks", "id", taskID, []setClause{
			{"status", string(TaskAssigned)},
			{"assigned_to", workerID},
			{"updated_at", now},
		}); err != nil {
			return err
		}

		sets := []setClause{
			{"status", string(WorkerAssigned)},
			{"current_task_id", taskID},
			{"claimed_by", nil},
			{"claimed_at", nil},
			{"updated_at", now},
		}
		if model.Domain != nil && *model.Domain != "" {
			sets = append(sets, setClause{"domain", *model.Domain})
		}
		if _, err := execUpdate(tx, "workers", "id", workerID, sets); err != nil {
			return err
		}

		w := workerID
		task = model.toDomain()
		task.Status = TaskAssigned
		task.AssignedTo = &w
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info(log.CatAlloc, "task assigned", "task", taskID, "worker", workerID)
	s.publish(events.Event{Kind: events.KindTaskAssigned, TaskID: taskID, WorkerID: workerID, RequestID: task.RequestID})
	return task, nil
}

// StartTask moves an assigned task to in_progress and its worker to busy.
// The worker must currently hold the task.
func (s *Store) StartTask(taskID int64, workerID int) error {
	err := s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`UPDATE tasks SET status = 'in_progress', updated_at = ?
			 WHERE id = ? AND status = 'assigned' AND assigned_to = ?`,
			time.Now().Unix(), taskID, workerID,
		)
		if err != nil {
			return fmt.Errorf("start task: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrTaskNotReady
		}
		_, err = execUpdate(tx, "workers", "id", workerID, []setClause{
			{"status", string(WorkerBusy)},
			{"last_heartbeat", time.Now().Unix()},
			{"updated_at", time.Now().Unix()},
		})
		return err
	})
	if err != nil {
		return err
	}
	s.publish(events.Event{Kind: events.KindTaskUpdated, TaskID: taskID, WorkerID: workerID})
	return nil
}

// FinishTask records a terminal outcome for an active task and releases its
// worker into completed_task state in the same transaction. The conditional
// status check makes it safe against a concurrent requeue.
func (s *Store) FinishTask(taskID int64, workerID int, status TaskStatus, prURL, branch, result string) (*Task, error) {
	if !status.Terminal() {
		return nil, &ConstraintError{Table: "tasks", Detail: "finish requires terminal status"}
	}

	var task *Task
	err := s.withTx(func(tx *sql.Tx) error {
		now := time.Now().Unix()
		sets := []setClause{
			{"status", string(status)},
			{"assigned_to", nil},
			{"updated_at", now},
			{"completed_at", now},
		}
		if prURL != "" {
			sets = append(sets, setClause{"pr_url", prURL})
		}
		if branch != "" {
			sets = append(sets, setClause{"branch", branch})
		}
		if result != "" {
			sets = append(sets, setClause{"result", result})
		}
		fragment, args, err := buildUpdate("tasks", sets)
		if err != nil {
			return err
		}
		args = append(args, taskID, workerID)
		res, err := tx.Exec(
			`UPDATE tasks SET `+fragment+
				` WHERE id = ? AND assigned_to = ? AND status IN ('assigned', 'in_progress')`,
			args...,
		)
		if err != nil {
			return fmt.Errorf("finish task: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrTaskNotReady
		}

		workerSets := []setClause{
			{"status", string(WorkerCompletedTask)},
			{"updated_at", now},
		}
		if status == TaskCompleted {
			var completed int
			if err := tx.QueryRow(`SELECT tasks_completed FROM workers WHERE id = ?`, workerID).Scan(&completed); err != nil {
				return fmt.Errorf("read tasks_completed: %w", err)
			}
			workerSets = append(workerSets, setClause{"tasks_completed", completed + 1})
		}
		if _, err := execUpdate(tx, "workers", "id", workerID, workerSets); err != nil {
			return err
		}

		row := tx.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
		model, err := scanTask(row)
		if err != nil {
			return fmt.Errorf("reread task: %w", err)
		}
		task = model.toDomain()
		return nil
	})
	if err != nil {
		return nil, err
	}

	kind := events.KindTaskCompleted
	if status == TaskFailed {
		kind = events.KindTaskFailed
	}
	log.Info(log.CatDB, "task finished", "task", taskID, "worker", workerID, "status", status)
	s.publish(events.Event{Kind: kind, TaskID: taskID, WorkerID: workerID, RequestID: task.RequestID})
	return task, nil
}

// RequeueTaskIfActive is the death-handling path: a single conditional
// UPDATE that returns the task to ready unless it already reached a
// terminal state (which means a complete-task raced us and won).
func (s *Store) RequeueTaskIfActive(taskID int64) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE tasks SET status = 'ready', assigned_to = NULL, updated_at = ?
		 WHERE id = ? AND status NOT IN ('completed', 'failed')`,
		time.Now().Unix(), taskID,
	)
	if err != nil {
		return false, fmt.Errorf("requeue task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		log.Info(log.CatWatchdog, "task requeued", "task", taskID)
		s.publish(events.Event{Kind: events.KindTaskUpdated, TaskID: taskID})
	}
	return n > 0, nil
}

// TaskUpdate holds mutable task fields for the narrow update paths that do
// not involve assignment (subject edits, priority bumps, blocking).
type TaskUpdate struct {
	Subject     *string
	Description *string
	Domain      *string
	Priority    *TaskPriority
	Status      *TaskStatus
	Result      *string
}

// UpdateTask applies a typed update. Assignment-related transitions must go
// through AssignTask/StartTask/FinishTask/RequeueTaskIfActive instead; this
// path refuses to touch terminal tasks and assignment columns.
func (s *Store) UpdateTask(id int64, upd TaskUpdate) error {
	err := s.withTx(func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRow(`SELECT status FROM tasks WHERE id = ?`, id).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTaskNotFound
		}
		if err != nil {
			return fmt.Errorf("read task status: %w", err)
		}
		if TaskStatus(status).Terminal() {
			return ErrTaskTerminal
		}
		if upd.Status != nil && (upd.Status.Active() || upd.Status.Terminal()) {
			return &ConstraintError{Table: "tasks", Detail: "assignment transitions use dedicated operations"}
		}

		sets := []setClause{{"updated_at", time.Now().Unix()}}
		if upd.Subject != nil {
			sets = append(sets, setClause{"subject", *upd.Subject})
		}
		if upd.Description != nil {
			sets = append(sets, setClause{"description", *upd.Description})
		}
		if upd.Domain != nil {
			sets = append(sets, setClause{"domain", strPtr(*upd.Domain)})
		}
		if upd.Priority != nil {
			if !upd.Priority.Valid() {
				return &ConstraintError{Table: "tasks", Detail: "unknown priority " + string(*upd.Priority)}
			}
			sets = append(sets, setClause{"priority", string(*upd.Priority)})
		}
		if upd.Status != nil {
			sets = append(sets, setClause{"status", string(*upd.Status)})
		}
		if upd.Result != nil {
			sets = append(sets, setClause{"result", *upd.Result})
		}
		_, err = execUpdate(tx, "tasks", "id", id, sets)
		return err
	})
	if err != nil {
		return err
	}
	s.publish(events.Event{Kind: events.KindTaskUpdated, TaskID: id})
	return nil
}
