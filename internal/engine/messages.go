package engine

import (
	"context"
	"strings"

	"actionflow/internal/domain"
	"actionflow/internal/engine/auth"
	"actionflow/internal/events"
	"actionflow/internal/notify"
)

const maxMessageLength = 4000

// PostMessage appends a message to a task thread.
func (e Engine) PostMessage(ctx context.Context, p auth.Principal, flowID, taskID, text string) (domain.ActionFlow, domain.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.ActionFlow{}, domain.Message{}, invalid("text", "must not be empty")
	}
	if len(text) > maxMessageLength {
		return domain.ActionFlow{}, domain.Message{}, invalid("text", "exceeds %d characters", maxMessageLength)
	}
	var msg domain.Message
	f, err := e.mutateFlow(ctx, p, flowID, "message.post", accessAssignee, func(f *domain.ActionFlow) (flowEvent, error) {
		_, t, err := locateTask(f, taskID)
		if err != nil {
			return flowEvent{}, err
		}
		msg = domain.Message{
			ID:        newID(""),
			SenderID:  p.UserID,
			Text:      text,
			CreatedAt: e.timestamp(),
		}
		t.Messages = append(t.Messages, msg)
		return flowEvent{Type: events.MessagePosted, EntityKind: "message", EntityID: msg.ID, Payload: events.EventPayload{
			"task_id": t.ID,
		}}, nil
	})
	return f, msg, err
}

// MarkMessagesRead flags every message of the task not sent by the caller as read.
func (e Engine) MarkMessagesRead(ctx context.Context, p auth.Principal, flowID, taskID string) (domain.ActionFlow, error) {
	return e.mutateFlow(ctx, p, flowID, "message.read", accessAssignee, func(f *domain.ActionFlow) (flowEvent, error) {
		_, t, err := locateTask(f, taskID)
		if err != nil {
			return flowEvent{}, err
		}
		marked := 0
		for i := range t.Messages {
			if !t.Messages[i].Read && t.Messages[i].SenderID != p.UserID {
				t.Messages[i].Read = true
				marked++
			}
		}
		if marked == 0 {
			return flowEvent{}, nil
		}
		return flowEvent{Type: events.MessagesRead, EntityKind: "task", EntityID: t.ID, Payload: events.EventPayload{
			"count": marked,
		}}, nil
	})
}

// Notifications lists unread messages addressed to the caller across the
// flows they can see, minus the ones they dismissed.
func (e Engine) Notifications(ctx context.Context, p auth.Principal) ([]notify.Notification, error) {
	flows, err := e.ListFlows(ctx, p, ListFlowsOptions{})
	if err != nil {
		return nil, err
	}
	session, err := notify.NewSession(ctx, e.State, p.UserID)
	if err != nil {
		return nil, err
	}
	return session.Visible(notify.Collect(flows, p.UserID)), nil
}

func (e Engine) DismissNotification(ctx context.Context, p auth.Principal, messageID string) error {
	if p.UserID == "" {
		return auth.ForbiddenError{Action: "notification.dismiss", Reason: "no principal"}
	}
	if strings.TrimSpace(messageID) == "" {
		return invalid("message_id", "required")
	}
	session, err := notify.NewSession(ctx, e.State, p.UserID)
	if err != nil {
		return err
	}
	return session.Dismiss(ctx, messageID)
}
