// Package events maintains the append-only journal. Rows are written in
// the caller's transaction, so an operation that rolls back leaves no
// trace in the log.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// EventPayload is the free-form detail blob serialized into the row.
type EventPayload map[string]any

const insertEvent = `
INSERT INTO events(ts, type, project_id, entity_kind, entity_id, actor_id, payload_json)
VALUES (?,?,?,?,?,?,?)`

// Append writes one journal row. projectID and entityID may be empty and
// are stored as NULL so board-wide and meeting events need no project.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, insertEvent,
		now().UTC().Format(time.RFC3339), evtType, orNull(projectID), entityKind, orNull(entityID), actorID, string(data))
	return err
}

func orNull(v string) any {
	if v == "" {
		return nil
	}
	return v
}
