package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"servimatch/internal/domain"
)

const eventColumns = `id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,COALESCE(recipient_id,''),payload_json`

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.RecipientID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

type EventFilters struct {
	Type        string
	EntityKind  string
	EntityID    string
	RecipientID string
	Limit       int
}

// LatestEvents returns the newest events matching f, newest first.
func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	var (
		clauses []string
		args    []any
	)
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.RecipientID != "" {
		clauses = append(clauses, "recipient_id=?")
		args = append(args, f.RecipientID)
	}
	query := `SELECT ` + eventColumns + ` FROM events`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id DESC"
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	query += " LIMIT ?"
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// NotificationsAfter returns addressed events with id > afterID, oldest
// first.
func (r Repo) NotificationsAfter(ctx context.Context, afterID int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id>? AND recipient_id IS NOT NULL ORDER BY id ASC LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// NotificationCursor is the delivery position of one sink.
type NotificationCursor struct {
	Sink        string
	LastEventID int64
	Failures    int
	UpdatedAt   string
}

func (r Repo) GetCursor(ctx context.Context, sink string) (NotificationCursor, error) {
	c := NotificationCursor{Sink: sink}
	err := r.DB.QueryRowContext(ctx, `SELECT last_event_id,failures,updated_at FROM notification_cursors WHERE sink=?`, sink).
		Scan(&c.LastEventID, &c.Failures, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) SaveCursor(ctx context.Context, c NotificationCursor) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO notification_cursors(sink,last_event_id,failures,updated_at) VALUES (?,?,?,?)
ON CONFLICT(sink) DO UPDATE SET last_event_id=excluded.last_event_id, failures=excluded.failures, updated_at=excluded.updated_at`,
		c.Sink, c.LastEventID, c.Failures, c.UpdatedAt)
	return err
}
