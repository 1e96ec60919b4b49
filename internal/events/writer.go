package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	FlowCreated      = "flow.created"
	FlowUpdated      = "flow.updated"
	FlowDeleted      = "flow.deleted"
	FlowStatusChange = "flow.status_changed"
	SectionAdded     = "section.added"
	SectionUpdated   = "section.updated"
	SectionDeleted   = "section.deleted"
	TaskAdded        = "task.added"
	TaskUpdated      = "task.updated"
	TaskDeleted      = "task.deleted"
	TaskCompleted    = "task.completed"
	TaskReopened     = "task.reopened"
	TaskApproval     = "task.approval"
	InputSet         = "input.set"
	InputUploaded    = "input.uploaded"
	MessagePosted    = "message.posted"
	MessagesRead     = "message.read"
	UserCreated      = "user.created"
	APIKeyCreated    = "api_key.created"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event row inside the caller's transaction.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, flowID, entityKind, entityID, actorID string, payload EventPayload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,flow_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(flowID), entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return fmt.Errorf("append %s event: %w", evtType, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
