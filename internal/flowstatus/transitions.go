package flowstatus

import (
	"errors"
	"fmt"

	"actionflow/internal/domain"
)

// ErrInvalidTransition is returned when an approval action does not apply to
// the task's current state.
var ErrInvalidTransition = errors.New("invalid approval transition")

// ApprovalAction is an admin decision on a completed task.
type ApprovalAction string

const (
	ActionApprove ApprovalAction = "approve"
	ActionRefuse  ApprovalAction = "refuse"
	ActionReset   ApprovalAction = "reset"
)

// Normalize enforces the completion/approval invariants on a task:
// incomplete tasks carry no approval, completed tasks that require approval
// are at least pending, and tasks without approval gating carry none.
func Normalize(t domain.Task) domain.Task {
	out := t.Clone()
	switch {
	case !out.Completed:
		out.ApprovalStatus = domain.ApprovalNone
	case !out.RequiresApproval:
		out.ApprovalStatus = domain.ApprovalNone
	default:
		out.ApprovalStatus = domain.ParseApprovalStatus(string(out.ApprovalStatus))
		if out.ApprovalStatus == domain.ApprovalNone {
			out.ApprovalStatus = domain.ApprovalPending
		}
	}
	return out
}

// MarkComplete moves a task to PendingApproval or CompletedNoApproval.
// Completing an already completed task keeps its approval decision.
func MarkComplete(t domain.Task) domain.Task {
	if t.Completed {
		return Normalize(t)
	}
	out := t.Clone()
	out.Completed = true
	out.ApprovalStatus = domain.ApprovalNone
	return Normalize(out)
}

// MarkIncomplete returns a task to NotStarted; approval resets to none.
func MarkIncomplete(t domain.Task) domain.Task {
	out := t.Clone()
	out.Completed = false
	out.ApprovalStatus = domain.ApprovalNone
	return out
}

// SetCompleted dispatches to MarkComplete or MarkIncomplete.
func SetCompleted(t domain.Task, completed bool) domain.Task {
	if completed {
		return MarkComplete(t)
	}
	return MarkIncomplete(t)
}

// Approve records an admin approval.
func Approve(t domain.Task) (domain.Task, error) {
	return decide(t, ActionApprove)
}

// Refuse records an admin refusal.
func Refuse(t domain.Task) (domain.Task, error) {
	return decide(t, ActionRefuse)
}

// ResetApproval returns an approved or refused task to pending. The task
// stays completed.
func ResetApproval(t domain.Task) (domain.Task, error) {
	return decide(t, ActionReset)
}

// Apply runs an approval action by name.
func Apply(t domain.Task, action ApprovalAction) (domain.Task, error) {
	switch action {
	case ActionApprove, ActionRefuse, ActionReset:
		return decide(t, action)
	default:
		return t, fmt.Errorf("%w: unknown action %q", ErrInvalidTransition, action)
	}
}

func decide(t domain.Task, action ApprovalAction) (domain.Task, error) {
	if !t.Completed {
		return t, fmt.Errorf("%w: %s requires a completed task", ErrInvalidTransition, action)
	}
	if !t.RequiresApproval {
		return t, fmt.Errorf("%w: task %s does not require approval", ErrInvalidTransition, t.ID)
	}
	out := Normalize(t)
	switch action {
	case ActionApprove:
		out.ApprovalStatus = domain.ApprovalApproved
	case ActionRefuse:
		out.ApprovalStatus = domain.ApprovalRefused
	case ActionReset:
		out.ApprovalStatus = domain.ApprovalPending
	}
	return out, nil
}

// SetRequiresApproval changes the gating flag and re-normalizes the approval
// state. Turning gating on for a completed task puts it back to pending.
func SetRequiresApproval(t domain.Task, requires bool) domain.Task {
	out := t.Clone()
	if out.RequiresApproval == requires {
		return Normalize(out)
	}
	out.RequiresApproval = requires
	out.ApprovalStatus = domain.ApprovalNone
	return Normalize(out)
}
