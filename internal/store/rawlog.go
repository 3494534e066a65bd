package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"filebot/internal/domain"
)

// RawLog is the SQLite audit trail of inbound events. Rows are never
// deduplicated.
type RawLog struct {
	db *sql.DB
}

var _ domain.RawLogRepository = (*RawLog)(nil)

func (r *RawLog) Append(ctx context.Context, entry domain.RawLogEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO raw_log (event_id, user_id, chat_id, kind, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		entry.EventID, entry.UserID, entry.ChatID, string(entry.Kind), entry.Payload, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append raw log for event %s: %w", entry.EventID, err)
	}
	return nil
}

// CountByEvent returns how many rows were logged for eventID.
func (r *RawLog) CountByEvent(ctx context.Context, eventID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM raw_log WHERE event_id = ?`, eventID).Scan(&n)
	return n, err
}

// Recent returns the newest entries first.
func (r *RawLog) Recent(ctx context.Context, limit int) ([]domain.RawLogEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, event_id, user_id, chat_id, kind, payload, created_at
		   FROM raw_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query raw log: %w", err)
	}
	defer rows.Close()

	var entries []domain.RawLogEntry
	for rows.Next() {
		var (
			e    domain.RawLogEntry
			kind string
		)
		if err := rows.Scan(&e.ID, &e.EventID, &e.UserID, &e.ChatID, &kind, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan raw log: %w", err)
		}
		e.Kind = domain.PayloadKind(kind)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
