package auth

import (
	"fmt"

	"actionflow/internal/domain"
)

// ForbiddenError indicates the caller's role does not allow the action.
type ForbiddenError struct {
	Action string
	Reason string
}

func (e ForbiddenError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s forbidden: %s", e.Action, e.Reason)
	}
	return fmt.Sprintf("%s forbidden", e.Action)
}

// Principal is the authenticated caller of an engine operation.
type Principal struct {
	UserID string
	Role   string
}

func (p Principal) IsAdmin() bool {
	return p.Role == domain.RoleAdmin
}

// RequireAdmin rejects non-admin principals.
func RequireAdmin(p Principal, action string) error {
	if p.UserID == "" {
		return ForbiddenError{Action: action, Reason: "no principal"}
	}
	if !p.IsAdmin() {
		return ForbiddenError{Action: action, Reason: "admin role required"}
	}
	return nil
}

// CanAccessFlow reports whether p may read or act on the flow.
func CanAccessFlow(p Principal, f domain.ActionFlow) bool {
	if p.UserID == "" {
		return false
	}
	if p.IsAdmin() {
		return true
	}
	return f.AssigneeID != nil && *f.AssigneeID == p.UserID
}

// RequireFlowAccess rejects principals that are neither admin nor the flow's assignee.
func RequireFlowAccess(p Principal, f domain.ActionFlow, action string) error {
	if !CanAccessFlow(p, f) {
		return ForbiddenError{Action: action, Reason: "flow not assigned to caller"}
	}
	return nil
}
