package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/zjrosen/maestro/internal/events"
	"github.com/zjrosen/maestro/internal/log"
)

const mergeColumns = `id, request_id, task_id, pr_url, branch, status, priority, error,
	created_at, merged_at`

type mergeRow struct {
	ID        int64
	RequestID string
	TaskID    int64
	PRURL     string
	Branch    string
	Status    string
	Priority  int64
	Error     *string
	CreatedAt int64
	MergedAt  *int64
}

func scanMerge(scanner interface{ Scan(...any) error }) (*mergeRow, error) {
	var row mergeRow
	err := scanner.Scan(
		&row.ID, &row.RequestID, &row.TaskID, &row.PRURL, &row.Branch,
		&row.Status, &row.Priority, &row.Error, &row.CreatedAt, &row.MergedAt,
	)
	return &row, err
}

func (r *mergeRow) toDomain() *MergeEntry {
	return &MergeEntry{
		ID:        r.ID,
		RequestID: r.RequestID,
		TaskID:    r.TaskID,
		PRURL:     r.PRURL,
		Branch:    r.Branch,
		Status:    MergeStatus(r.Status),
		Priority:  int(r.Priority),
		Error:     derefStr(r.Error),
		CreatedAt: time.Unix(r.CreatedAt, 0),
		MergedAt:  timePtr(r.MergedAt),
	}
}

// EnqueueMerge adds a completed PR to the merge queue. Higher priority
// entries are picked first; ties go to the older entry.
func (s *Store) EnqueueMerge(requestID string, taskID int64, prURL, branch string, priority int) (*MergeEntry, error) {
	if prURL == "" || branch == "" {
		return nil, &ConstraintError{Table: "merge_queue", Detail: "pr_url and branch required"}
	}
	now := time.Now()
	res, err := s.db.Exec(
		`INSERT INTO merge_queue (request_id, task_id, pr_url, branch, priority, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		requestID, taskID, prURL, branch, priority, now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("enqueue merge: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("merge insert id: %w", err)
	}

	entry := &MergeEntry{
		ID:        id,
		RequestID: requestID,
		TaskID:    taskID,
		PRURL:     prURL,
		Branch:    branch,
		Status:    MergePending,
		Priority:  priority,
		CreatedAt: now,
	}
	log.Info(log.CatMerge, "merge enqueued", "id", id, "branch", branch, "priority", priority)
	s.publish(events.Event{Kind: events.KindMergeEnqueued, MergeID: id, RequestID: requestID})
	return entry, nil
}

// GetMerge retrieves a merge queue entry by id.
func (s *Store) GetMerge(id int64) (*MergeEntry, error) {
	row := s.db.QueryRow(`SELECT `+mergeColumns+` FROM merge_queue WHERE id = ?`, id)
	model, err := scanMerge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMergeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get merge: %w", err)
	}
	return model.toDomain(), nil
}

// ClaimNextMerge atomically moves the highest-priority pending entry to
// merging and returns it. Returns (nil, nil) when the queue is empty.
// Combined with the merger's in-memory guard this keeps at most one entry
// in merging state across the process.
func (s *Store) ClaimNextMerge() (*MergeEntry, error) {
	var entry *MergeEntry
	err := s.withTx(func(tx *sql.Tx) error {
		var busy int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM merge_queue WHERE status = 'merging'`).Scan(&busy); err != nil {
			return fmt.Errorf("count merging: %w", err)
		}
		if busy > 0 {
			return nil
		}

		row := tx.QueryRow(
			`SELECT ` + mergeColumns + ` FROM merge_queue
			 WHERE status = 'pending'
			 ORDER BY priority DESC, id ASC LIMIT 1`)
		model, err := scanMerge(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("next merge: %w", err)
		}

		if _, err := execUpdate(tx, "merge_queue", "id", model.ID, []setClause{
			{"status", string(MergeMerging)},
		}); err != nil {
			return err
		}
		entry = model.toDomain()
		entry.Status = MergeMerging
		return nil
	})
	if err != nil {
		return nil, err
	}
	if entry != nil {
		s.publish(events.Event{Kind: events.KindMergeUpdated, MergeID: entry.ID, RequestID: entry.RequestID})
	}
	return entry, nil
}

// MergeUpdate holds the mutable merge queue fields.
type MergeUpdate struct {
	Status   *MergeStatus
	Priority *int
	Error    *string
	MergedAt *time.Time
}

// UpdateMerge applies a typed update. A merged entry is terminal.
func (s *Store) UpdateMerge(id int64, upd MergeUpdate) error {
	err := s.withTx(func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRow(`SELECT status FROM merge_queue WHERE id = ?`, id).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrMergeNotFound
		}
		if err != nil {
			return fmt.Errorf("read merge status: %w", err)
		}
		if MergeStatus(status) == MergeMerged && upd.Status != nil {
			return &ConstraintError{Table: "merge_queue", Detail: "merged entry is terminal"}
		}

		var sets []setClause
		if upd.Status != nil {
			sets = append(sets, setClause{"status", string(*upd.Status)})
		}
		if upd.Priority != nil {
			sets = append(sets, setClause{"priority", *upd.Priority})
		}
		if upd.Error != nil {
			sets = append(sets, setClause{"error", strPtr(*upd.Error)})
		}
		if upd.MergedAt != nil {
			sets = append(sets, setClause{"merged_at", upd.MergedAt.Unix()})
		}
		_, err = execUpdate(tx, "merge_queue", "id", id, sets)
		return err
	})
	if err != nil {
		return err
	}
	s.publish(events.Event{Kind: events.KindMergeUpdated, MergeID: id})
	return nil
}

// ListMerges returns all merge queue entries for a request, oldest first.
func (s *Store) ListMerges(requestID string) ([]*MergeEntry, error) {
	rows, err := s.db.Query(
		`SELECT `+mergeColumns+` FROM merge_queue WHERE request_id = ? ORDER BY id ASC`,
		requestID)
	if err != nil {
		return nil, fmt.Errorf("list merges: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*MergeEntry
	for rows.Next() {
		model, err := scanMerge(rows)
		if err != nil {
			return nil, fmt.Errorf("scan merge: %w", err)
		}
		out = append(out, model.toDomain())
	}
	return out, rows.Err()
}

// PromoteConflictMerges marks earlier conflict entries for branch as merged.
// The merger calls this when a conflict-resolution task's PR lands: the fix
// PR carries the original branch's work, so its predecessors count as
// integrated.
func (s *Store) PromoteConflictMerges(branch string) (int64, error) {
	now := time.Now().Unix()
	res, err := s.db.Exec(
		`UPDATE merge_queue SET status = 'merged', merged_at = ?
		 WHERE branch = ? AND status = 'conflict'`,
		now, branch,
	)
	if err != nil {
		return 0, fmt.Errorf("promote conflict merges: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Info(log.CatMerge, "conflict entries promoted", "branch", branch, "count", n)
	}
	return n, nil
}
