package engine

import (
	"context"

	"actionflow/internal/domain"
	"actionflow/internal/engine/auth"
	"actionflow/internal/events"
	"actionflow/internal/flowstatus"
)

// AddTask appends a task to a section.
func (e Engine) AddTask(ctx context.Context, p auth.Principal, flowID, sectionID string, spec TaskSpec) (domain.ActionFlow, domain.Task, error) {
	var created domain.Task
	f, err := e.mutateFlow(ctx, p, flowID, "task.add", accessAdmin, func(f *domain.ActionFlow) (flowEvent, error) {
		s, err := locateSection(f, sectionID)
		if err != nil {
			return flowEvent{}, err
		}
		t, err := e.buildTask("task", spec)
		if err != nil {
			return flowEvent{}, err
		}
		s.Tasks = append(s.Tasks, t)
		if err := ensureUniqueIDs(*f); err != nil {
			return flowEvent{}, err
		}
		created = t
		return flowEvent{Type: events.TaskAdded, EntityKind: "task", EntityID: t.ID, Payload: events.EventPayload{
			"section_id":        sectionID,
			"title":             t.Title,
			"requires_approval": t.RequiresApproval,
		}}, nil
	})
	return f, created, err
}

// TaskUpdateOptions patches task definition fields. Inputs, when set,
// replaces the input list; values survive for inputs keeping id and kind.
type TaskUpdateOptions struct {
	FlowID           string
	TaskID           string
	Title            *string
	Description      *string
	Deadline         *string
	RequiresApproval *bool
	Inputs           *[]InputSpec
}

func (e Engine) UpdateTask(ctx context.Context, p auth.Principal, opts TaskUpdateOptions) (domain.ActionFlow, error) {
	if err := validateDeadline("deadline", opts.Deadline); err != nil {
		return domain.ActionFlow{}, err
	}
	return e.mutateFlow(ctx, p, opts.FlowID, "task.update", accessAdmin, func(f *domain.ActionFlow) (flowEvent, error) {
		_, t, err := locateTask(f, opts.TaskID)
		if err != nil {
			return flowEvent{}, err
		}
		payload := events.EventPayload{}
		if opts.Title != nil {
			title, err := requireTitle("title", *opts.Title)
			if err != nil {
				return flowEvent{}, err
			}
			t.Title = title
			payload["title"] = title
		}
		if opts.Description != nil {
			t.Description = *opts.Description
			payload["description"] = true
		}
		if opts.Deadline != nil {
			t.Deadline = normalizeOptional(opts.Deadline)
			payload["deadline"] = t.Deadline
		}
		if opts.Inputs != nil {
			inputs, err := buildInputs("inputs", *opts.Inputs, t.Inputs)
			if err != nil {
				return flowEvent{}, err
			}
			t.Inputs = inputs
			payload["inputs"] = len(inputs)
		}
		if opts.RequiresApproval != nil {
			*t = flowstatus.SetRequiresApproval(*t, *opts.RequiresApproval)
			payload["requires_approval"] = t.RequiresApproval
			payload["approval_status"] = t.ApprovalStatus
		}
		return flowEvent{Type: events.TaskUpdated, EntityKind: "task", EntityID: t.ID, Payload: payload}, nil
	})
}

func (e Engine) DeleteTask(ctx context.Context, p auth.Principal, flowID, taskID string) (domain.ActionFlow, error) {
	var removed domain.Task
	f, err := e.mutateFlow(ctx, p, flowID, "task.delete", accessAdmin, func(f *domain.ActionFlow) (flowEvent, error) {
		si, ti := f.FindTask(taskID)
		if si < 0 {
			_, _, err := locateTask(f, taskID)
			return flowEvent{}, err
		}
		s := &f.Sections[si]
		removed = s.Tasks[ti]
		s.Tasks = append(s.Tasks[:ti], s.Tasks[ti+1:]...)
		return flowEvent{Type: events.TaskDeleted, EntityKind: "task", EntityID: taskID, Payload: events.EventPayload{
			"section_id": s.ID,
			"title":      removed.Title,
		}}, nil
	})
	if err != nil {
		return domain.ActionFlow{}, err
	}
	e.removeTaskFiles(ctx, removed)
	return f, nil
}

// SetTaskCompleted marks a task complete or incomplete and recomputes the
// flow status in the same transaction.
func (e Engine) SetTaskCompleted(ctx context.Context, p auth.Principal, flowID, taskID string, completed bool) (domain.ActionFlow, error) {
	return e.mutateFlow(ctx, p, flowID, "task.complete", accessAssignee, func(f *domain.ActionFlow) (flowEvent, error) {
		_, t, err := locateTask(f, taskID)
		if err != nil {
			return flowEvent{}, err
		}
		*t = flowstatus.SetCompleted(*t, completed)
		typ := events.TaskCompleted
		if !completed {
			typ = events.TaskReopened
		}
		return flowEvent{Type: typ, EntityKind: "task", EntityID: t.ID, Payload: events.EventPayload{
			"completed":       t.Completed,
			"approval_status": t.ApprovalStatus,
		}}, nil
	})
}

// SetApproval records an admin decision on a completed task.
func (e Engine) SetApproval(ctx context.Context, p auth.Principal, flowID, taskID string, action flowstatus.ApprovalAction) (domain.ActionFlow, error) {
	return e.mutateFlow(ctx, p, flowID, "task.approval", accessAdmin, func(f *domain.ActionFlow) (flowEvent, error) {
		_, t, err := locateTask(f, taskID)
		if err != nil {
			return flowEvent{}, err
		}
		from := t.ApprovalStatus
		next, err := flowstatus.Apply(*t, action)
		if err != nil {
			return flowEvent{}, err
		}
		*t = next
		return flowEvent{Type: events.TaskApproval, EntityKind: "task", EntityID: t.ID, Payload: events.EventPayload{
			"action": action,
			"from":   from,
			"to":     t.ApprovalStatus,
		}}, nil
	})
}
