package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/trackfast/support-chat/internal/chat"
)

const messageColumns = `seq, id, session_id, sender, content, attachment,
	COALESCE(shipment_ref, ''), COALESCE(staff_id, ''), read, created_at`

// MessageStore implements chat.Store on the chat_messages table.
type MessageStore struct {
	db *sql.DB
}

var (
	_ chat.Store         = (*MessageStore)(nil)
	_ chat.SessionSource = (*MessageStore)(nil)
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (chat.Message, error) {
	var m chat.Message
	err := row.Scan(&m.Seq, &m.ID, &m.SessionID, &m.Sender, &m.Content, &m.Attachment,
		&m.ShipmentRef, &m.StaffID, &m.Read, &m.CreatedAt)
	if err != nil {
		return chat.Message{}, err
	}
	m.CreatedAt = m.CreatedAt.UTC()
	return m, nil
}

// Append inserts msg. Appends to one session are serialized with a
// transaction-scoped advisory lock so created_at never goes backwards within
// the session. Re-appending an existing ID returns the stored row.
func (s *MessageStore) Append(ctx context.Context, msg chat.Message) (chat.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return chat.Message{}, fmt.Errorf("postgres: append: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, msg.SessionID); err != nil {
		return chat.Message{}, fmt.Errorf("postgres: append: lock session %s: %w", msg.SessionID, err)
	}

	row := tx.QueryRowContext(ctx, `
		INSERT INTO chat_messages
			(id, session_id, sender, content, attachment, shipment_ref, staff_id, read, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8,
			GREATEST(clock_timestamp(),
				(SELECT max(created_at) FROM chat_messages WHERE session_id = $2)))
		ON CONFLICT (id) DO NOTHING
		RETURNING `+messageColumns,
		msg.ID, msg.SessionID, string(msg.Sender), msg.Content, msg.Attachment,
		msg.ShipmentRef, msg.StaffID, msg.Read)

	stored, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		stored, err = scanMessage(tx.QueryRowContext(ctx,
			`SELECT `+messageColumns+` FROM chat_messages WHERE id = $1`, msg.ID))
	}
	if err != nil {
		return chat.Message{}, fmt.Errorf("postgres: append %s: %w", msg.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return chat.Message{}, fmt.Errorf("postgres: append: commit: %w", err)
	}
	return stored, nil
}

// History returns the session's messages ordered by creation.
func (s *MessageStore) History(ctx context.Context, sessionID string) ([]chat.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM chat_messages WHERE session_id = $1 ORDER BY created_at, seq`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: history %s: %w", sessionID, err)
	}
	return collect(rows)
}

// Log returns every message in insertion order.
func (s *MessageStore) Log(ctx context.Context) ([]chat.Message, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+messageColumns+` FROM chat_messages ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("postgres: log: %w", err)
	}
	return collect(rows)
}

// sessionsQuery picks each session's latest message and its largest shipment
// reference. References compare bytewise to match chat.ResolveSessions.
const sessionsQuery = `
	SELECT m.seq, m.id, m.session_id, m.sender, m.content, m.attachment,
		COALESCE(m.shipment_ref, ''), COALESCE(m.staff_id, ''), m.read, m.created_at,
		COALESCE(r.shipment_ref, '')
	FROM (
		SELECT DISTINCT ON (session_id) *
		FROM chat_messages
		ORDER BY session_id, created_at DESC, seq DESC
	) m
	LEFT JOIN (
		SELECT session_id, max(shipment_ref COLLATE "C") AS shipment_ref
		FROM chat_messages
		WHERE shipment_ref IS NOT NULL
		GROUP BY session_id
	) r ON r.session_id = m.session_id
	ORDER BY m.created_at DESC, m.seq DESC`

// Sessions resolves every session in the database, newest first, without
// loading whole conversations.
func (s *MessageStore) Sessions(ctx context.Context) ([]chat.Session, error) {
	rows, err := s.db.QueryContext(ctx, sessionsQuery)
	if err != nil {
		return nil, fmt.Errorf("postgres: sessions: %w", err)
	}
	defer rows.Close()

	out := make([]chat.Session, 0)
	for rows.Next() {
		var (
			m   chat.Message
			ref string
		)
		err := rows.Scan(&m.Seq, &m.ID, &m.SessionID, &m.Sender, &m.Content, &m.Attachment,
			&m.ShipmentRef, &m.StaffID, &m.Read, &m.CreatedAt, &ref)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan session: %w", err)
		}
		m.CreatedAt = m.CreatedAt.UTC()
		out = append(out, chat.Session{SessionID: m.SessionID, LastMessage: m, ShipmentRef: ref})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate sessions: %w", err)
	}
	return out, nil
}

func collect(rows *sql.Rows) ([]chat.Message, error) {
	defer rows.Close()

	out := make([]chat.Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate messages: %w", err)
	}
	return out, nil
}
