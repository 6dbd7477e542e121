package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// StoredEvent is one row of the append-only events table (§3 Event, §4.1).
type StoredEvent struct {
	Cursor    int64
	SessionID string
	ID        string
	Ts        string
	Type      string
	Envelope  string // JSON-encoded envelope
}

// InsertEvent atomically assigns the next cursor for sessionID and persists
// the envelope. Returns the new cursor. Grounded on the teacher's
// AUTOINCREMENT event-log pattern (persistence/tasks.go task_events).
func (s *Store) InsertEvent(ctx context.Context, sessionID, id, ts, typ, envelopeJSON string) (int64, error) {
	var cursor int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO events (session_id, id, ts, type, envelope)
			VALUES (?, ?, ?, ?, ?);
		`, sessionID, id, ts, typ, envelopeJSON)
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		cursor, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("read event cursor: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return cursor, nil
}

// GetEventsAfter returns events for sessionID with cursor > afterCursor, in
// increasing cursor order (§4.1, §4.2 replay).
func (s *Store) GetEventsAfter(ctx context.Context, sessionID string, afterCursor int64) ([]StoredEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cursor, session_id, id, ts, type, envelope
		FROM events
		WHERE session_id = ? AND cursor > ?
		ORDER BY cursor ASC;
	`, sessionID, afterCursor)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []StoredEvent
	for rows.Next() {
		var e StoredEvent
		if err := rows.Scan(&e.Cursor, &e.SessionID, &e.ID, &e.Ts, &e.Type, &e.Envelope); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetLatestCursor returns the highest cursor recorded for sessionID, or 0 if
// the session has no events yet.
func (s *Store) GetLatestCursor(ctx context.Context, sessionID string) (int64, error) {
	var cursor sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(cursor) FROM events WHERE session_id = ?;
	`, sessionID).Scan(&cursor)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("query latest cursor: %w", err)
	}
	if !cursor.Valid {
		return 0, nil
	}
	return cursor.Int64, nil
}
