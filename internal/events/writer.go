package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

const (
	TypeFaultRecorded = "fault.recorded"
	KindFault         = "fault"
)

type Writer struct {
	Builder sq.StatementBuilderType
	Now     func() time.Time
}

type EventPayload map[string]any

// Append writes one event inside tx so it commits or rolls back with the
// change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	query, args, err := w.Builder.Insert("events").
		Columns("ts", "type", "entity_kind", "entity_id", "actor_id", "payload_json").
		Values(ts, evtType, entityKind, nullable(entityID), actorID, string(data)).
		ToSql()
	if err != nil {
		return fmt.Errorf("build event insert: %w", err)
	}
	_, err = tx.ExecContext(ctx, query, args...)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
