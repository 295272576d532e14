package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"missionline/internal/db"
)

// TimeLayout is the fixed-width form of event timestamps.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type Writer struct {
	Dialect db.Dialect
	Now     func() time.Time
}

type EventPayload map[string]any

// Append records an event inside the caller's transaction so the log never
// disagrees with the row it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, missionID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(TimeLayout)
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
	_, err = tx.ExecContext(ctx, db.Rebind(w.Dialect, `INSERT INTO events(ts,type,mission_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`),
		ts, evtType, nullable(missionID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
