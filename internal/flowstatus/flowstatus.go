// Package flowstatus derives the status of an action flow from its nested
// task state. Every function is pure: inputs are never mutated and no I/O is
// performed. Callers that persist the flow status must recompute it here after
// each task mutation; nothing else may compute it independently.
package flowstatus

import (
	"actionflow/internal/domain"
)

// Display labels shown for flows and sections.
const (
	LabelNotStarted = "Not Started"
	LabelInProgress = "In Progress"
	LabelCompleted  = "Completed"
)

// Progress is the completed/total task ratio of a flow.
type Progress struct {
	CompletedTasks int `json:"completed_tasks"`
	TotalTasks     int `json:"total_tasks"`
	Percent        int `json:"percent"`
}

// taskDone reports whether a task counts toward flow/section completion.
func taskDone(t domain.Task) bool {
	if !t.Completed {
		return false
	}
	if !t.RequiresApproval {
		return true
	}
	return t.ApprovalStatus == domain.ApprovalApproved
}

// IsSectionApproved reports whether a section counts as done. A section with
// no tasks is never approved.
func IsSectionApproved(s domain.Section) bool {
	if len(s.Tasks) == 0 {
		return false
	}
	for _, t := range s.Tasks {
		if !taskDone(t) {
			return false
		}
	}
	return true
}

// DetermineFlowStatus is the single source of truth for a flow's status.
func DetermineFlowStatus(f domain.ActionFlow) domain.FlowStatus {
	total, completed, done := 0, 0, 0
	for _, s := range f.Sections {
		for _, t := range s.Tasks {
			total++
			if t.Completed {
				completed++
			}
			if taskDone(t) {
				done++
			}
		}
	}
	switch {
	case total == 0 || completed == 0:
		return domain.FlowDraft
	case done == total:
		return domain.FlowCompleted
	default:
		return domain.FlowInProgress
	}
}

// IsFlowApproved reports whether every task that requires approval in the
// flow is completed and approved. Flows without such tasks are approved.
func IsFlowApproved(f domain.ActionFlow) bool {
	for _, s := range f.Sections {
		for _, t := range s.Tasks {
			if t.RequiresApproval && !(t.Completed && t.ApprovalStatus == domain.ApprovalApproved) {
				return false
			}
		}
	}
	return true
}

// ComputeProgress counts completed tasks regardless of approval state.
// Percent is rounded half-up and is 0 for a flow without tasks.
func ComputeProgress(f domain.ActionFlow) Progress {
	var p Progress
	for _, s := range f.Sections {
		for _, t := range s.Tasks {
			p.TotalTasks++
			if t.Completed {
				p.CompletedTasks++
			}
		}
	}
	if p.TotalTasks > 0 {
		p.Percent = (200*p.CompletedTasks + p.TotalTasks) / (2 * p.TotalTasks)
	}
	return p
}

// DisplayStatusLabel maps a flow status to a user facing bucket. A completed
// status is shown as in progress while approvals are outstanding, which covers
// a persisted status that went stale.
func DisplayStatusLabel(status domain.FlowStatus, sectionsApproved bool) string {
	switch status {
	case domain.FlowCompleted:
		if !sectionsApproved {
			return LabelInProgress
		}
		return LabelCompleted
	case domain.FlowInProgress:
		return LabelInProgress
	default:
		return LabelNotStarted
	}
}

// FlowDisplayStatus derives the label straight from the section tree.
func FlowDisplayStatus(f domain.ActionFlow) string {
	return DisplayStatusLabel(DetermineFlowStatus(f), IsFlowApproved(f))
}

// SectionDisplayStatus classifies one section with the same buckets as a flow.
func SectionDisplayStatus(s domain.Section) string {
	if IsSectionApproved(s) {
		return LabelCompleted
	}
	for _, t := range s.Tasks {
		if t.Completed {
			return LabelInProgress
		}
	}
	return LabelNotStarted
}

// PendingTask locates a task that awaits an admin decision.
type PendingTask struct {
	SectionID string `json:"section_id"`
	TaskID    string `json:"task_id"`
	TaskTitle string `json:"task_title"`
}

// PendingApprovals lists completed tasks whose approval is still pending, in
// section/task order.
func PendingApprovals(f domain.ActionFlow) []PendingTask {
	var out []PendingTask
	for _, s := range f.Sections {
		for _, t := range s.Tasks {
			if t.Completed && t.RequiresApproval && t.ApprovalStatus == domain.ApprovalPending {
				out = append(out, PendingTask{SectionID: s.ID, TaskID: t.ID, TaskTitle: t.Title})
			}
		}
	}
	return out
}

// UnreadMessages counts unread messages on a task that were not sent by viewerID.
func UnreadMessages(t domain.Task, viewerID string) int {
	n := 0
	for _, m := range t.Messages {
		if !m.Read && m.SenderID != viewerID {
			n++
		}
	}
	return n
}
