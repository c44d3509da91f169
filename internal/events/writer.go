package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"flowdesk/internal/domain"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one audit record inside the caller's transaction. The log is
// append-only: concurrent duplicate triggers each get their own row.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType string, item domain.ItemRef, actorID, message string, payload EventPayload) error {
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
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,item_kind,item_id,actor_id,message,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, string(item.Kind), item.ID, actorID, nullable(message), string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
