package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zjrosen/maestro/internal/events"
	"github.com/zjrosen/maestro/internal/log"
)

const mailColumns = `id, recipient, type, payload, consumed, created_at`

func scanMail(scanner interface{ Scan(...any) error }) (*MailMessage, error) {
	var (
		m        MailMessage
		payload  string
		consumed int64
		created  int64
	)
	err := scanner.Scan(&m.ID, &m.Recipient, &m.Type, &payload, &consumed, &created)
	if err != nil {
		return nil, err
	}
	m.Payload = json.RawMessage(payload)
	m.Consumed = consumed != 0
	m.CreatedAt = time.Unix(created, 0)
	return &m, nil
}

// SendMail appends a message to the recipient's inbox. Payload may be nil,
// in which case an empty object is stored.
func (s *Store) SendMail(recipient, msgType string, payload json.RawMessage) (*MailMessage, error) {
	if recipient == "" || msgType == "" {
		return nil, &ConstraintError{Table: "mail", Detail: "recipient and type required"}
	}
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	now := time.Now()
	res, err := s.db.Exec(
		`INSERT INTO mail (recipient, type, payload, created_at) VALUES (?, ?, ?, ?)`,
		recipient, msgType, string(payload), now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("send mail: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("mail insert id: %w", err)
	}

	msg := &MailMessage{
		ID:        id,
		Recipient: recipient,
		Type:      msgType,
		Payload:   payload,
		CreatedAt: now,
	}
	log.Debug(log.CatMail, "mail sent", "id", id, "to", recipient, "type", msgType)
	s.publish(events.Event{Kind: events.KindMailSent, Recipient: recipient, Detail: msgType})
	return msg, nil
}

// CheckMail atomically returns all unconsumed messages for recipient in
// insertion order and marks them consumed. A message is delivered to exactly
// one checker: the consume happens in the same transaction as the read.
func (s *Store) CheckMail(recipient string) ([]*MailMessage, error) {
	var out []*MailMessage
	err := s.withTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(
			`SELECT `+mailColumns+` FROM mail
			 WHERE recipient = ? AND consumed = 0
			 ORDER BY id ASC`, recipient)
		if err != nil {
			return fmt.Errorf("check mail: %w", err)
		}
		defer func() { _ = rows.Close() }()

		var ids []any
		for rows.Next() {
			msg, err := scanMail(rows)
			if err != nil {
				return fmt.Errorf("scan mail: %w", err)
			}
			msg.Consumed = true
			out = append(out, msg)
			ids = append(ids, msg.ID)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		query := `UPDATE mail SET consumed = 1 WHERE id IN (?` // first placeholder
		for range ids[1:] {
			query += ", ?"
		}
		query += ")"
		if _, err := tx.Exec(query, ids...); err != nil {
			return fmt.Errorf("consume mail: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(out) > 0 {
		log.Debug(log.CatMail, "mail consumed", "recipient", recipient, "count", len(out))
	}
	return out, nil
}

// PeekMail returns unconsumed messages for recipient without consuming them.
func (s *Store) PeekMail(recipient string) ([]*MailMessage, error) {
	rows, err := s.db.Query(
		`SELECT `+mailColumns+` FROM mail
		 WHERE recipient = ? AND consumed = 0
		 ORDER BY id ASC`, recipient)
	if err != nil {
		return nil, fmt.Errorf("peek mail: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*MailMessage
	for rows.Next() {
		msg, err := scanMail(rows)
		if err != nil {
			return nil, fmt.Errorf("scan mail: %w", err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// PurgeMailOlderThan deletes mail created before the cutoff, consumed or not.
// Returns the number of deleted rows.
func (s *Store) PurgeMailOlderThan(age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age).Unix()
	res, err := s.db.Exec(`DELETE FROM mail WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge mail: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Info(log.CatMail, "old mail purged", "count", n)
	}
	return n, nil
}
