package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/maestro/internal/events"
	"github.com/zjrosen/maestro/internal/log"
)

const requestColumns = `id, description, tier, status, result, created_at, updated_at, completed_at`

type requestRow struct {
	ID          string
	Description string
	Tier        *int64
	Status      string
	Result      *string
	CreatedAt   int64
	UpdatedAt   int64
	CompletedAt *int64
}

func scanRequest(scanner interface{ Scan(...any) error }) (*requestRow, error) {
	var row requestRow
	err := scanner.Scan(
		&row.ID, &row.Description, &row.Tier, &row.Status, &row.Result,
		&row.CreatedAt, &row.UpdatedAt, &row.CompletedAt,
	)
	return &row, err
}

func (r *requestRow) toDomain() *Request {
	req := &Request{
		ID:          r.ID,
		Description: r.Description,
		Status:      RequestStatus(r.Status),
		Result:      derefStr(r.Result),
		CreatedAt:   time.Unix(r.CreatedAt, 0),
		UpdatedAt:   time.Unix(r.UpdatedAt, 0),
		CompletedAt: timePtr(r.CompletedAt),
	}
	if r.Tier != nil {
		req.Tier = int(*r.Tier)
	}
	return req
}

// NewRequestID generates an opaque request identifier.
func NewRequestID() string {
	return "req-" + uuid.New().String()[:8]
}

// CreateRequest persists a new request in pending state and returns it.
func (s *Store) CreateRequest(description string) (*Request, error) {
	now := time.Now()
	req := &Request{
		ID:          NewRequestID(),
		Description: description,
		Status:      RequestPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := s.db.Exec(
		`INSERT INTO requests (id, description, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		req.ID, req.Description, string(req.Status), now.Unix(), now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert request: %w", err)
	}
	log.Info(log.CatDB, "request created", "id", req.ID)
	s.publish(events.Event{Kind: events.KindRequestCreated, RequestID: req.ID})
	return req, nil
}

// GetRequest retrieves a request by id.
func (s *Store) GetRequest(id string) (*Request, error) {
	row := s.db.QueryRow(`SELECT `+requestColumns+` FROM requests WHERE id = ?`, id)
	model, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get request: %w", err)
	}
	return model.toDomain(), nil
}

// RequestUpdate holds the mutable request fields. Nil fields are untouched.
type RequestUpdate struct {
	Description *string
	Tier        *int
	Status      *RequestStatus
	Result      *string
	CompletedAt *time.Time
}

// UpdateRequest applies a typed update. A request that has reached a
// terminal status never transitions again.
func (s *Store) UpdateRequest(id string, upd RequestUpdate) error {
	err := s.withTx(func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRow(`SELECT status FROM requests WHERE id = ?`, id).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrRequestNotFound
		}
		if err != nil {
			return fmt.Errorf("read request status: %w", err)
		}
		if RequestStatus(status).Terminal() && upd.Status != nil {
			return ErrRequestCompleted
		}

		sets := []setClause{{"updated_at", time.Now().Unix()}}
		if upd.Description != nil {
			sets = append(sets, setClause{"description", *upd.Description})
		}
		if upd.Tier != nil {
			sets = append(sets, setClause{"tier", *upd.Tier})
		}
		if upd.Status != nil {
			sets = append(sets, setClause{"status", string(*upd.Status)})
		}
		if upd.Result != nil {
			sets = append(sets, setClause{"result", *upd.Result})
		}
		if upd.CompletedAt != nil {
			sets = append(sets, setClause{"completed_at", upd.CompletedAt.Unix()})
		}
		_, err = execUpdate(tx, "requests", "id", id, sets)
		return err
	})
	if err != nil {
		return err
	}

	kind := events.KindRequestUpdated
	if upd.Status != nil && upd.Status.Terminal() {
		kind = events.KindRequestCompleted
	}
	s.publish(events.Event{Kind: kind, RequestID: id})
	return nil
}

// CreateFix atomically creates an urgent-path request and its single task.
// The request lands already decomposed at tier 2 and the task starts ready,
// so the next allocator tick can hand it to a worker without triage.
func (s *Store) CreateFix(description string) (*Request, *Task, error) {
	now := time.Now()
	req := &Request{
		ID:          NewRequestID(),
		Description: description,
		Tier:        2,
		Status:      RequestDecomposed,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	var task *Task
	err := s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`INSERT INTO requests (id, description, tier, status, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			req.ID, req.Description, req.Tier, string(req.Status), now.Unix(), now.Unix(),
		); err != nil {
			return fmt.Errorf("insert fix request: %w", err)
		}

		res, err := tx.Exec(
			`INSERT INTO tasks (request_id, subject, description, priority, tier, status,
			 created_at, updated_at)
			 VALUES (?, ?, ?, 'urgent', 2, 'ready', ?, ?)`,
			req.ID, description, description, now.Unix(), now.Unix(),
		)
		if err != nil {
			return fmt.Errorf("insert fix task: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("fix task insert id: %w", err)
		}
		task = &Task{
			ID:          id,
			RequestID:   req.ID,
			Subject:     description,
			Description: description,
			Priority:    PriorityUrgent,
			Tier:        2,
			Status:      TaskReady,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	log.Info(log.CatDB, "fix created", "request", req.ID, "task", task.ID)
	s.publish(events.Event{Kind: events.KindRequestCreated, RequestID: req.ID})
	s.publish(events.Event{Kind: events.KindTaskCreated, TaskID: task.ID, RequestID: req.ID})
	return req, task, nil
}

// ListRequests returns requests, newest first, optionally filtered by status.
func (s *Store) ListRequests(status RequestStatus) ([]*Request, error) {
	query := `SELECT ` + requestColumns + ` FROM requests`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Request
	for rows.Next() {
		model, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		out = append(out, model.toDomain())
	}
	return out, rows.Err()
}
