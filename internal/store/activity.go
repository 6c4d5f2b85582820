package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/zjrosen/maestro/internal/events"
	"github.com/zjrosen/maestro/internal/log"
)

// LogActivity appends one audit record. Details may be nil.
func (s *Store) LogActivity(actor, action string, details any) error {
	payload := "{}"
	if details != nil {
		if data, err := json.Marshal(details); err == nil {
			payload = string(data)
		}
	}
	_, err := s.db.Exec(
		`INSERT INTO activity_log (actor, action, details, created_at) VALUES (?, ?, ?, ?)`,
		actor, action, payload, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("log activity: %w", err)
	}
	s.publish(events.Event{Kind: events.KindActivity, Actor: actor, Detail: action})
	return nil
}

// QueryActivity returns recent activity, newest first. An empty actor
// matches all actors; limit <= 0 defaults to 50.
func (s *Store) QueryActivity(actor string, limit int) ([]*ActivityEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, actor, action, details, created_at FROM activity_log`
	args := []any{}
	if actor != "" {
		query += ` WHERE actor = ?`
		args = append(args, actor)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query activity: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*ActivityEntry
	for rows.Next() {
		var (
			e       ActivityEntry
			details string
			created int64
		)
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &details, &created); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		e.Details = json.RawMessage(details)
		e.CreatedAt = time.Unix(created, 0)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// PurgeActivityOlderThan deletes audit records created before the cutoff.
func (s *Store) PurgeActivityOlderThan(age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age).Unix()
	res, err := s.db.Exec(`DELETE FROM activity_log WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge activity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Info(log.CatDB, "old activity purged", "count", n)
	}
	return n, nil
}
