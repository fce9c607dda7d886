package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/banshee-data/tlmbox/internal/tlmbox/layout"
)

// Event is one consumed mailbox packet as recorded in the log.
type Event struct {
	ID         int64             `json:"id"`
	Session    string            `json:"session"`
	Kind       layout.PacketType `json:"-"`
	KindName   string            `json:"kind"`
	Code       *byte             `json:"evt_code,omitempty"`
	Length     int               `json:"length"`
	Payload    []byte            `json:"payload"`
	ReceivedAt time.Time         `json:"received_at"`
}

// EventFilter narrows RecentEvents. Zero values match everything.
type EventFilter struct {
	Session string
	Kind    *layout.PacketType
	Limit   int
}

// DefaultEventLimit caps RecentEvents when no limit is given.
const DefaultEventLimit = 100

// StartSession records a new daemon session. source names where packets
// come from, e.g. "serial:/dev/ttyACM0" or "replay:boot.pcap".
func (db *DB) StartSession(ctx context.Context, id, source string) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, source, started_at) VALUES (?, ?, ?)`,
		id, source, db.clock.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to start session %s: %w", id, err)
	}
	return nil
}

// RecordEvent appends e to the log and returns its id.
func (db *DB) RecordEvent(ctx context.Context, e Event) (int64, error) {
	var code sql.NullInt16
	if e.Code != nil {
		code = sql.NullInt16{Int16: int16(*e.Code), Valid: true}
	}
	res, err := db.ExecContext(ctx,
		`INSERT INTO mailbox_events (session_id, kind, evt_code, length, payload, received_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.Session, int(e.Kind), code, e.Length, e.Payload, e.ReceivedAt.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to record %s event: %w", e.Kind, err)
	}
	return res.LastInsertId()
}

// RecentEvents returns the newest events matching f, newest first.
func (db *DB) RecentEvents(ctx context.Context, f EventFilter) ([]Event, error) {
	query := `SELECT event_id, session_id, kind, evt_code, length, payload, received_at
	          FROM mailbox_events WHERE 1=1`
	var args []any
	if f.Session != "" {
		query += ` AND session_id = ?`
		args = append(args, f.Session)
	}
	if f.Kind != nil {
		query += ` AND kind = ?`
		args = append(args, int(*f.Kind))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultEventLimit
	}
	query += ` ORDER BY event_id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e        Event
			kind     int
			code     sql.NullInt16
			received int64
		)
		if err := rows.Scan(&e.ID, &e.Session, &kind, &code, &e.Length, &e.Payload, &received); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Kind = layout.PacketType(kind)
		e.KindName = e.Kind.String()
		if code.Valid {
			c := byte(code.Int16)
			e.Code = &c
		}
		e.ReceivedAt = time.Unix(0, received).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// KindCount is the number of logged events of one kind.
type KindCount struct {
	Kind  string `json:"kind"`
	Count int64  `json:"count"`
}

// EventCounts returns how many events of each kind were logged, in
// discriminant order.
func (db *DB) EventCounts(ctx context.Context) ([]KindCount, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT kind, COUNT(*) FROM mailbox_events GROUP BY kind ORDER BY kind`)
	if err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}
	defer rows.Close()

	var counts []KindCount
	for rows.Next() {
		var kind int
		var c KindCount
		if err := rows.Scan(&kind, &c.Count); err != nil {
			return nil, fmt.Errorf("failed to scan event count: %w", err)
		}
		c.Kind = layout.PacketType(kind).String()
		counts = append(counts, c)
	}
	return counts, rows.Err()
}
