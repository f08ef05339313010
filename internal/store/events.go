package store

import (
	"context"
	"database/sql"

	sq "github.com/Masterminds/squirrel"

	"faultdesk/internal/domain"
)

// EventFilter narrows LatestEvents. Cursor pages backwards from an event id.
type EventFilter struct {
	Type       string
	EntityKind string
	EntityID   string
	Cursor     int64
	Limit      int
}

func (s Store) eventColumns() sq.SelectBuilder {
	return s.Builder.Select("id", "ts", "type", "entity_kind", "entity_id", "actor_id", "payload_json").From("events")
}

// LatestEvents returns events newest first.
func (s Store) LatestEvents(ctx context.Context, f EventFilter) ([]domain.Event, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()
	q := s.eventColumns()
	if f.Type != "" {
		q = q.Where(sq.Eq{"type": f.Type})
	}
	if f.EntityKind != "" {
		q = q.Where(sq.Eq{"entity_kind": f.EntityKind})
	}
	if f.EntityID != "" {
		q = q.Where(sq.Eq{"entity_id": f.EntityID})
	}
	if f.Cursor > 0 {
		q = q.Where(sq.Lt{"id": f.Cursor})
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	query, args, err := q.OrderBy("id DESC").Limit(uint64(limit)).ToSql()
	if err != nil {
		return nil, wrap("build latest events", err)
	}
	return s.queryEvents(ctx, "latest events", query, args)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (s Store) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()
	if limit <= 0 {
		limit = 100
	}
	q := s.eventColumns()
	if cursor > 0 {
		q = q.Where(sq.Gt{"id": cursor})
	}
	query, args, err := q.OrderBy("id ASC").Limit(uint64(limit)).ToSql()
	if err != nil {
		return nil, wrap("build events after", err)
	}
	return s.queryEvents(ctx, "events after", query, args)
}

// LatestEventID returns the most recent event ID, 0 when there are none.
func (s Store) LatestEventID(ctx context.Context) (int64, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()
	query, args, err := s.Builder.Select("COALESCE(MAX(id),0)").From("events").ToSql()
	if err != nil {
		return 0, wrap("build latest event id", err)
	}
	var id int64
	if err := s.DB.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, wrap("latest event id", err)
	}
	return id, nil
}

func (s Store) queryEvents(ctx context.Context, op, query string, args []any) ([]domain.Event, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, wrap(op, err)
		}
		e.EntityID = entityID.String
		e.Payload = payload.String
		res = append(res, e)
	}
	return res, wrap(op, rows.Err())
}
