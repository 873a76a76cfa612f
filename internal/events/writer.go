package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	DecisionCreated      = "decision.created"
	DecisionTransitioned = "decision.transitioned"
	JobSubmitted         = "job.submitted"
	JobCompleted         = "job.completed"
	JobFailed            = "job.failed"
)

// Types lists every event type the service emits.
var Types = []string{DecisionCreated, DecisionTransitioned, JobSubmitted, JobCompleted, JobFailed}

type EventPayload map[string]any

// Record is an event before it receives an id.
type Record struct {
	Type       string
	HubID      string
	EntityKind string
	EntityID   string
	ActorID    string
	Payload    EventPayload
	TS         time.Time
}

// Marshal returns the payload JSON, never null.
func (r Record) Marshal() ([]byte, error) {
	payload := r.Payload
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}
	return data, nil
}

type Writer struct {
	Now func() time.Time
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, rec Record) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := rec.TS
	if ts.IsZero() {
		ts = w.Now()
	}
	data, err := rec.Marshal()
	if err != nil {
		return err
	}
	actor := rec.ActorID
	if actor == "" {
		actor = "system"
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,hub_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts.UTC().Format(time.RFC3339Nano), rec.Type, rec.HubID, rec.EntityKind, nullable(rec.EntityID), actor, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
