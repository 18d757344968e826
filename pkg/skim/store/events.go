package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Event is one externally-originated message, keyed by
// (team, source, source timestamp). The natural key never changes after
// insert; later observations of the same key are edits.
type Event struct {
	ID        int64
	TeamID    string
	SourceID  string
	SourceTS  string // platform timestamp, also the event ID within a source
	Author    string
	Body      string
	ThreadTS  string // parent thread timestamp, empty for standalone events
	Subtype   string
	Deleted   bool
	CreatedAt time.Time // arrival time, drives windowing and retention
}

// EventKey is the natural key of an event.
type EventKey struct {
	TeamID   string
	SourceID string
	SourceTS string
}

// UpsertEvent inserts an event or, if the natural key already exists,
// updates its mutable fields in place (edit semantics). An edit clears the
// soft-delete flag. Concurrent upserts of the same key are safe: the insert
// race loser lands on the conflict branch and updates the winner's row.
func (s *Store) UpsertEvent(key EventKey, author, body, threadTS, subtype string, arrivedAt time.Time) (*Event, error) {
	if arrivedAt.IsZero() {
		arrivedAt = time.Now()
	}

	_, err := s.db.Exec(`
		INSERT INTO events (team_id, source_id, source_ts, author, body, thread_ts, subtype, deleted, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT (team_id, source_id, source_ts) DO UPDATE SET
			body = excluded.body,
			thread_ts = excluded.thread_ts,
			subtype = excluded.subtype,
			deleted = 0`,
		key.TeamID, key.SourceID, key.SourceTS, author, body, threadTS, subtype,
		formatTime(arrivedAt))
	if err != nil {
		return nil, fmt.Errorf("upsert event %s/%s@%s: %w", key.TeamID, key.SourceID, key.SourceTS, err)
	}

	return s.getEvent(key)
}

// MarkEventDeleted sets the soft-delete flag. Absent keys are a no-op.
func (s *Store) MarkEventDeleted(key EventKey) error {
	_, err := s.db.Exec(
		"UPDATE events SET deleted = 1 WHERE team_id = ? AND source_id = ? AND source_ts = ?",
		key.TeamID, key.SourceID, key.SourceTS)
	if err != nil {
		return fmt.Errorf("mark event deleted: %w", err)
	}
	return nil
}

// FetchWindow returns the user's visible events with arrival time in
// [since, until), ascending by arrival time: only sources the user actively
// subscribes to, soft-deleted rows excluded. Empty when the user has no
// active subscriptions.
func (s *Store) FetchWindow(teamID, userID string, since, until time.Time) ([]*Event, error) {
	u, err := s.GetUser(teamID, userID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, nil
	}

	rows, err := s.db.Query(`
		SELECT e.id, e.team_id, e.source_id, e.source_ts, e.author, e.body,
		       e.thread_ts, e.subtype, e.deleted, e.created_at
		FROM events e
		JOIN subscriptions sub
		  ON sub.team_id = e.team_id AND sub.source_id = e.source_id
		WHERE sub.user_id = ? AND sub.enabled = 1
		  AND e.deleted = 0
		  AND e.created_at >= ? AND e.created_at < ?
		ORDER BY e.created_at ASC`,
		u.ID, formatTime(since), formatTime(until))
	if err != nil {
		return nil, fmt.Errorf("fetch window: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// PurgeEventsBefore hard-deletes events that arrived before the horizon,
// regardless of soft-delete state. Returns the number of rows removed.
func (s *Store) PurgeEventsBefore(horizon time.Time) (int64, error) {
	res, err := s.db.Exec("DELETE FROM events WHERE created_at < ?", formatTime(horizon))
	if err != nil {
		return 0, fmt.Errorf("purge events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *Store) getEvent(key EventKey) (*Event, error) {
	row := s.db.QueryRow(`
		SELECT id, team_id, source_id, source_ts, author, body, thread_ts, subtype, deleted, created_at
		FROM events WHERE team_id = ? AND source_id = ? AND source_ts = ?`,
		key.TeamID, key.SourceID, key.SourceTS)

	var e Event
	var createdAt string
	err := row.Scan(&e.ID, &e.TeamID, &e.SourceID, &e.SourceTS, &e.Author, &e.Body,
		&e.ThreadTS, &e.Subtype, &e.Deleted, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load event: %w", err)
	}
	e.CreatedAt = parseTime(createdAt)
	return &e, nil
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		var e Event
		var createdAt string
		if err := rows.Scan(&e.ID, &e.TeamID, &e.SourceID, &e.SourceTS, &e.Author, &e.Body,
			&e.ThreadTS, &e.Subtype, &e.Deleted, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.CreatedAt = parseTime(createdAt)
		events = append(events, &e)
	}
	return events, rows.Err()
}
