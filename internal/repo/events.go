package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"actionflow/internal/domain"
)

type EventFilters struct {
	FlowID     string
	Type       string
	EntityKind string
	EntityID   string
}

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var flowID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &flowID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		e.FlowID = flowID.String
		e.EntityID = entityID.String
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (f EventFilters) clauses() ([]string, []any) {
	clauses := []string{"1=1"}
	var args []any
	if f.FlowID != "" {
		clauses = append(clauses, "flow_id=?")
		args = append(args, f.FlowID)
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
	return clauses, args
}

// LatestEventsFrom returns events newest first, strictly older than cursor when cursor > 0.
func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, f EventFilters) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses, args := f.clauses()
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,flow_id,entity_kind,entity_id,actor_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, f EventFilters) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses, args := f.clauses()
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,flow_id,entity_kind,entity_id,actor_id,payload_json FROM events WHERE %s ORDER BY id ASC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// LatestEventID returns the most recent event ID, optionally for one flow.
func (r Repo) LatestEventID(ctx context.Context, flowID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	var args []any
	if flowID != "" {
		query += ` WHERE flow_id=?`
		args = append(args, flowID)
	}
	var id int64
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}
