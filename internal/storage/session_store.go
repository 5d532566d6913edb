package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"scentchat/internal/models"
)

var (
	// ErrNotFound wraps sql.ErrNoRows so either can be matched with errors.Is.
	ErrNotFound = fmt.Errorf("record not found: %w", sql.ErrNoRows)
	// ErrStaleWrite is returned when an upsert would drop already stored messages.
	ErrStaleWrite = errors.New("session write would shrink stored messages")
)

// SessionStore persists conversations keyed by session id.
type SessionStore interface {
	Get(ctx context.Context, id string) (*models.Session, error)
	GetByOwner(ctx context.Context, ownerID string) (*models.Session, error)
	Upsert(ctx context.Context, session *models.Session) error
	Delete(ctx context.Context, id string) (bool, error)
	ListIdleBefore(ctx context.Context, before time.Time) ([]string, error)
}

// SQLSessionStore keeps sessions in the sessions table, messages as a JSON column.
type SQLSessionStore struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

func NewSQLSessionStore(db *sql.DB, driver string) *SQLSessionStore {
	return &SQLSessionStore{db: db, driver: driverName(driver), now: time.Now}
}

const sessionColumns = `id, owner_id, messages, created_at, updated_at`

func (s *SQLSessionStore) Get(ctx context.Context, id string) (*models.Session, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// GetByOwner returns the owner's most recently updated session.
func (s *SQLSessionStore) GetByOwner(ctx context.Context, ownerID string) (*models.Session, error) {
	if ownerID == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE owner_id = ? ORDER BY updated_at DESC LIMIT 1`,
		ownerID,
	)
	return scanSession(row)
}

// Upsert writes the whole session. Writes carrying fewer messages than the
// stored row are rejected with ErrStaleWrite.
func (s *SQLSessionStore) Upsert(ctx context.Context, session *models.Session) (err error) {
	if session == nil || session.ID == "" {
		return errors.New("session id is required")
	}
	session.Normalize()
	for i, msg := range session.Messages {
		if !msg.Role.Valid() {
			return fmt.Errorf("message %d has invalid role %q", i, msg.Role)
		}
	}
	now := s.now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = now
	}
	payload, err := json.Marshal(session.Messages)
	if err != nil {
		return fmt.Errorf("encode messages: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	lockClause := ""
	if s.driver == "mysql" {
		lockClause = " FOR UPDATE"
	}
	var stored sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT messages FROM sessions WHERE id = ?`+lockClause, session.ID).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		err = nil
	case err != nil:
		return fmt.Errorf("read stored messages: %w", err)
	case storedCount(stored) > len(session.Messages):
		err = ErrStaleWrite
		return err
	}

	var upsert string
	if s.driver == "mysql" {
		upsert = `INSERT INTO sessions (id, owner_id, messages, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE owner_id = VALUES(owner_id), messages = VALUES(messages),
				updated_at = VALUES(updated_at)`
	} else {
		upsert = `INSERT INTO sessions (id, owner_id, messages, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET owner_id = excluded.owner_id, messages = excluded.messages,
				updated_at = excluded.updated_at`
	}
	if _, err = tx.ExecContext(ctx, upsert,
		session.ID, nullString(session.OwnerID), string(payload),
		session.CreatedAt.UTC(), session.UpdatedAt.UTC(),
	); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit session: %w", err)
	}
	return nil
}

func (s *SQLSessionStore) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("session rows affected: %w", err)
	}
	return affected > 0, nil
}

// ListIdleBefore returns ids of sessions last updated strictly before the cutoff.
func (s *SQLSessionStore) ListIdleBefore(ctx context.Context, before time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM sessions WHERE updated_at < ?`, before.UTC())
	if err != nil {
		return nil, fmt.Errorf("list idle sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan idle session: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		session  models.Session
		owner    sql.NullString
		messages sql.NullString
	)
	err := row.Scan(&session.ID, &owner, &messages, &session.CreatedAt, &session.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	session.OwnerID = owner.String
	if messages.Valid && messages.String != "" {
		if err := json.Unmarshal([]byte(messages.String), &session.Messages); err != nil {
			log.Printf("session %s: unreadable messages, resetting: %v", session.ID, err)
			session.Messages = nil
		}
	}
	session.Normalize()
	return &session, nil
}

// storedCount counts stored messages; unreadable JSON counts as zero, matching
// how scanSession heals it.
func storedCount(raw sql.NullString) int {
	if !raw.Valid || raw.String == "" {
		return 0
	}
	var items []json.RawMessage
	if err := json.Unmarshal([]byte(raw.String), &items); err != nil {
		return 0
	}
	return len(items)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
