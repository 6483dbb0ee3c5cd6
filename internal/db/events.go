package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Event is one persisted bus event. ID is the durable cursor; Seq is the
// per-process bus sequence and restarts at 1 with the daemon.
type Event struct {
	ID        int64
	Seq       uint64
	Timestamp time.Time
	Kind      string
	JSON      string
}

// AppendEvent stores an event and returns its row id.
func (s *Store) AppendEvent(ctx context.Context, ev Event) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errNilStore
	}
	ev.Kind = strings.TrimSpace(ev.Kind)
	if ev.Kind == "" {
		return 0, errors.New("event kind is required")
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	res, err := s.DB.ExecContext(ctx, `INSERT INTO events (seq, ts, kind, json) VALUES (?, ?, ?, ?)`,
		int64(ev.Seq), formatTime(ts), ev.Kind, nullIfEmpty(ev.JSON))
	if err != nil {
		return 0, fmt.Errorf("insert event %s: %w", ev.Kind, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("event id: %w", err)
	}
	return id, nil
}

// ListEvents returns up to limit events with id greater than afterID, oldest first.
func (s *Store) ListEvents(ctx context.Context, afterID int64, limit int) ([]Event, error) {
	if s == nil || s.DB == nil {
		return nil, errNilStore
	}
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id, seq, ts, kind, json
		FROM events WHERE id > ? ORDER BY id ASC LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// ListEventsTail returns the newest limit events, oldest first.
func (s *Store) ListEventsTail(ctx context.Context, limit int) ([]Event, error) {
	if s == nil || s.DB == nil {
		return nil, errNilStore
	}
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id, seq, ts, kind, json
		FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list events tail: %w", err)
	}
	defer rows.Close()
	out, err := collectEvents(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// PruneEvents keeps the newest keep events and deletes the rest.
// It returns the number of rows removed.
func (s *Store) PruneEvents(ctx context.Context, keep int) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errNilStore
	}
	if keep <= 0 {
		return 0, errors.New("keep must be positive")
	}
	res, err := s.DB.ExecContext(ctx, `DELETE FROM events WHERE id <= (
		SELECT id FROM events ORDER BY id DESC LIMIT 1 OFFSET ?)`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected prune events: %w", err)
	}
	return affected, nil
}

func collectEvents(rows *sql.Rows) ([]Event, error) {
	var out []Event
	for rows.Next() {
		ev, err := scanEventRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func scanEventRow(scanner rowScanner) (Event, error) {
	var ev Event
	var seq int64
	var ts string
	var jsonPayload sql.NullString
	if err := scanner.Scan(&ev.ID, &seq, &ts, &ev.Kind, &jsonPayload); err != nil {
		return Event{}, err
	}
	ev.Seq = uint64(seq)
	if ts != "" {
		parsed, err := parseTime(ts)
		if err != nil {
			return Event{}, fmt.Errorf("parse event ts: %w", err)
		}
		ev.Timestamp = parsed
	}
	if jsonPayload.Valid {
		ev.JSON = jsonPayload.String
	}
	return ev, nil
}
