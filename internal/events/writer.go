package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends audit events inside the caller's transaction.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType string, accountID int64, entityKind string, entityID any, actorID string, payload EventPayload) error {
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
	if actorID == "" {
		actorID = "system"
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,account_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullableID(accountID), entityKind, entityKey(entityID), actorID, string(data))
	return err
}

func nullableID(v int64) any {
	if v <= 0 {
		return nil
	}
	return v
}

func entityKey(v any) any {
	switch id := v.(type) {
	case nil:
		return nil
	case string:
		if id == "" {
			return nil
		}
		return id
	case int64:
		return fmt.Sprintf("%d", id)
	default:
		return fmt.Sprint(id)
	}
}
