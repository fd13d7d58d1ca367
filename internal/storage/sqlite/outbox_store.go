package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zhouzirui/z-travel/backend/internal/model/chat"
	"github.com/zhouzirui/z-travel/backend/internal/outbox"
)

// OutboxStore implements outbox.Store. Enqueue order is the autoincrement seq.
type OutboxStore struct {
	db *sql.DB
}

var _ outbox.Store = (*OutboxStore)(nil)

// Outbox returns the outbox store over d.
func (d *DB) Outbox() *OutboxStore {
	return &OutboxStore{db: d.db}
}

const outboxColumns = `id, session_id, payload, status, retry_count, last_error, enqueued_at, updated_at`

func (s *OutboxStore) Append(ctx context.Context, entry outbox.Entry) error {
	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		return fmt.Errorf("encode outbox payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO outbox_entries (id, session_id, message_id, payload, status, retry_count, last_error, enqueued_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.SessionID, entry.Payload.ID, string(payload), string(entry.Status),
		entry.RetryCount, entry.LastError, formatTime(entry.EnqueuedAt), formatTime(entry.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert outbox entry: %w", err)
	}
	return nil
}

func (s *OutboxStore) Get(ctx context.Context, id string) (outbox.Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM outbox_entries WHERE id = ?`, id)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return outbox.Entry{}, outbox.ErrEntryNotFound
	}
	return entry, err
}

func (s *OutboxStore) FindByMessage(ctx context.Context, sessionID, messageID string) (outbox.Entry, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+outboxColumns+` FROM outbox_entries WHERE session_id = ? AND message_id = ?`,
		sessionID, messageID)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return outbox.Entry{}, false, nil
	}
	if err != nil {
		return outbox.Entry{}, false, err
	}
	return entry, true, nil
}

// List returns entries in enqueue order; an empty sessionID lists every session.
func (s *OutboxStore) List(ctx context.Context, sessionID string) ([]outbox.Entry, error) {
	query := `SELECT ` + outboxColumns + ` FROM outbox_entries`
	var args []any
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list outbox entries: %w", err)
	}
	defer rows.Close()

	var out []outbox.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *OutboxStore) Update(ctx context.Context, entry outbox.Entry) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox_entries SET status = ?, retry_count = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		string(entry.Status), entry.RetryCount, entry.LastError, formatTime(entry.UpdatedAt), entry.ID,
	)
	if err != nil {
		return fmt.Errorf("update outbox entry: %w", err)
	}
	return expectOne(res)
}

func (s *OutboxStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM outbox_entries WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete outbox entry: %w", err)
	}
	return expectOne(res)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (outbox.Entry, error) {
	var (
		entry               outbox.Entry
		payload, status     string
		enqueuedAt, updated string
	)
	if err := row.Scan(&entry.ID, &entry.SessionID, &payload, &status, &entry.RetryCount,
		&entry.LastError, &enqueuedAt, &updated); err != nil {
		return outbox.Entry{}, err
	}

	var msg chat.Message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return outbox.Entry{}, fmt.Errorf("decode outbox payload %s: %w", entry.ID, err)
	}
	entry.Payload = msg
	entry.Status = outbox.Status(status)
	entry.EnqueuedAt = parseTime(enqueuedAt)
	entry.UpdatedAt = parseTime(updated)
	return entry, nil
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return outbox.ErrEntryNotFound
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}
