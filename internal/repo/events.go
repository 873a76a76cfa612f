package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"hubline/internal/domain"
)

// EventFilter narrows LatestEvents. Zero fields match everything.
type EventFilter struct {
	HubID      string
	Type       string
	EntityKind string
	EntityID   string
}

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	var res []domain.Event
	for rows.Next() {
		var (
			e        domain.Event
			ts       string
			entityID sql.NullString
			payload  sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &e.Type, &e.HubID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		t, err := parseTS(ts)
		if err != nil {
			return nil, err
		}
		e.TS = t
		e.EntityID = entityID.String
		if payload.Valid && json.Valid([]byte(payload.String)) {
			e.Payload = json.RawMessage(payload.String)
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEvents returns the newest events first.
func (r Repo) LatestEvents(ctx context.Context, limit int, f EventFilter) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.HubID != "" {
		clauses = append(clauses, "hub_id=?")
		args = append(args, f.HubID)
	}
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
	if limit <= 0 {
		limit = 20
	}
	args = append(args, limit)
	query := fmt.Sprintf(`SELECT id,ts,type,hub_id,entity_kind,entity_id,actor_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	var res []domain.Event
	err := r.withRetry(ctx, "latest events", func() error {
		rows, err := r.DB.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		res, err = scanEvents(rows)
		return err
	})
	return res, err
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	var res []domain.Event
	err := r.withRetry(ctx, "events after", func() error {
		rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,hub_id,entity_kind,entity_id,actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		res, err = scanEvents(rows)
		return err
	})
	return res, err
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.withRetry(ctx, "latest event id", func() error {
		return r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	})
	return id, err
}
