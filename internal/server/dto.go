package server

import (
	"encoding/json"

	"actionflow/internal/domain"
	"actionflow/internal/engine"
	"actionflow/internal/flowstatus"
)

// Request payloads

type InputRequest struct {
	ID    string `json:"id,omitempty"`
	Kind  string `json:"kind,omitempty" enum:"text,file"`
	Label string `json:"label,omitempty"`
}

type CreateTaskRequest struct {
	ID               string         `json:"id,omitempty"`
	Title            string         `json:"title"`
	Description      string         `json:"description,omitempty"`
	Deadline         *string        `json:"deadline,omitempty"`
	RequiresApproval *bool          `json:"requires_approval,omitempty"`
	Inputs           []InputRequest `json:"inputs,omitempty"`
}

type CreateSectionRequest struct {
	ID          string              `json:"id,omitempty"`
	Title       string              `json:"title"`
	Description string              `json:"description,omitempty"`
	Tasks       []CreateTaskRequest `json:"tasks,omitempty"`
	Position    *int                `json:"position,omitempty" minimum:"0"`
}

type CreateFlowRequest struct {
	Title       string                 `json:"title"`
	Description string                 `json:"description,omitempty"`
	Deadline    *string                `json:"deadline,omitempty"`
	AssigneeID  *string                `json:"assignee_id,omitempty"`
	Sections    []CreateSectionRequest `json:"sections,omitempty"`
}

type UpdateFlowRequest struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Deadline    *string `json:"deadline,omitempty"`
	AssigneeID  *string `json:"assignee_id,omitempty"`
}

type UpdateSectionRequest struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
}

type UpdateTaskRequest struct {
	Title            *string         `json:"title,omitempty"`
	Description      *string         `json:"description,omitempty"`
	Deadline         *string         `json:"deadline,omitempty"`
	RequiresApproval *bool           `json:"requires_approval,omitempty"`
	Inputs           *[]InputRequest `json:"inputs,omitempty"`
}

type CompletionRequest struct {
	Completed bool `json:"completed"`
}

type ApprovalRequest struct {
	Action string `json:"action" enum:"approve,refuse,reset"`
}

type InputValueRequest struct {
	Value string `json:"value"`
}

type PostMessageRequest struct {
	Text string `json:"text" maxLength:"4000"`
}

type CreateUserRequest struct {
	ID    string `json:"id,omitempty"`
	Email string `json:"email" format:"email"`
	Name  string `json:"name,omitempty"`
	Role  string `json:"role,omitempty" enum:"admin,user"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	UserID string `json:"user_id,omitempty"`
	Email  string `json:"email,omitempty"`
}

// Response payloads

type TaskResponse struct {
	ID               string                `json:"id"`
	Title            string                `json:"title"`
	Description      string                `json:"description,omitempty"`
	Deadline         *string               `json:"deadline,omitempty"`
	Completed        bool                  `json:"completed"`
	RequiresApproval bool                  `json:"requires_approval"`
	ApprovalStatus   domain.ApprovalStatus `json:"approval_status" enum:"none,pending,approved,refused"`
	Inputs           []domain.Input        `json:"inputs"`
	Messages         []domain.Message      `json:"messages"`
	UnreadMessages   int                   `json:"unread_messages"`
}

type SectionResponse struct {
	ID            string         `json:"id"`
	Title         string         `json:"title"`
	Description   string         `json:"description,omitempty"`
	IsApproved    bool           `json:"is_approved"`
	DisplayStatus string         `json:"display_status" enum:"Not Started,In Progress,Completed"`
	Tasks         []TaskResponse `json:"tasks"`
}

type FlowResponse struct {
	ID               string                   `json:"id"`
	Title            string                   `json:"title"`
	Description      string                   `json:"description,omitempty"`
	Deadline         *string                  `json:"deadline,omitempty"`
	AssigneeID       *string                  `json:"assignee_id,omitempty"`
	Status           domain.FlowStatus        `json:"status" enum:"draft,in_progress,completed"`
	DisplayStatus    string                   `json:"display_status" enum:"Not Started,In Progress,Completed"`
	IsApproved       bool                     `json:"is_approved"`
	Progress         flowstatus.Progress      `json:"progress"`
	PendingApprovals []flowstatus.PendingTask `json:"pending_approvals"`
	Sections         []SectionResponse        `json:"sections"`
	CreatedBy        string                   `json:"created_by"`
	CreatedAt        string                   `json:"created_at" format:"date-time"`
	UpdatedAt        string                   `json:"updated_at" format:"date-time"`
}

type paginatedFlows struct {
	Items      []FlowResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type MessageResponse struct {
	Message domain.Message `json:"message"`
	Flow    FlowResponse   `json:"flow"`
}

type TaskCreatedResponse struct {
	Task TaskResponse `json:"task"`
	Flow FlowResponse `json:"flow"`
}

type StatusResponse struct {
	Total      int            `json:"total"`
	FlowCounts map[string]int `json:"flow_counts"`
}

type UserResponse struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name,omitempty"`
	Role      string `json:"role" enum:"admin,user"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	Key       string `json:"key,omitempty" doc:"Plaintext key, only returned on creation"`
}

type DevLoginResponse struct {
	Token string       `json:"token"`
	User  UserResponse `json:"user"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	FlowID     string         `json:"flow_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Mapping helpers

func inputSpecs(in []InputRequest) []engine.InputSpec {
	if in == nil {
		return nil
	}
	out := make([]engine.InputSpec, 0, len(in))
	for _, i := range in {
		out = append(out, engine.InputSpec{ID: i.ID, Kind: i.Kind, Label: i.Label})
	}
	return out
}

func taskSpec(req CreateTaskRequest) engine.TaskSpec {
	return engine.TaskSpec{
		ID:               req.ID,
		Title:            req.Title,
		Description:      req.Description,
		Deadline:         req.Deadline,
		RequiresApproval: req.RequiresApproval,
		Inputs:           inputSpecs(req.Inputs),
	}
}

func sectionSpec(req CreateSectionRequest) engine.SectionSpec {
	spec := engine.SectionSpec{ID: req.ID, Title: req.Title, Description: req.Description}
	for _, t := range req.Tasks {
		spec.Tasks = append(spec.Tasks, taskSpec(t))
	}
	return spec
}

func taskResponse(t domain.Task, viewerID string) TaskResponse {
	return TaskResponse{
		ID:               t.ID,
		Title:            t.Title,
		Description:      t.Description,
		Deadline:         t.Deadline,
		Completed:        t.Completed,
		RequiresApproval: t.RequiresApproval,
		ApprovalStatus:   t.ApprovalStatus,
		Inputs:           nonNilSlice(t.Inputs),
		Messages:         nonNilSlice(t.Messages),
		UnreadMessages:   flowstatus.UnreadMessages(t, viewerID),
	}
}

// flowResponse attaches the derived status fields. Status is recomputed from
// the task tree, never read back from the stored column.
func flowResponse(f domain.ActionFlow, viewerID string) FlowResponse {
	approved := flowstatus.IsFlowApproved(f)
	status := flowstatus.DetermineFlowStatus(f)
	res := FlowResponse{
		ID:               f.ID,
		Title:            f.Title,
		Description:      f.Description,
		Deadline:         f.Deadline,
		AssigneeID:       f.AssigneeID,
		Status:           status,
		DisplayStatus:    flowstatus.DisplayStatusLabel(status, approved),
		IsApproved:       approved,
		Progress:         flowstatus.ComputeProgress(f),
		PendingApprovals: nonNilSlice(flowstatus.PendingApprovals(f)),
		Sections:         make([]SectionResponse, 0, len(f.Sections)),
		CreatedBy:        f.CreatedBy,
		CreatedAt:        f.CreatedAt,
		UpdatedAt:        f.UpdatedAt,
	}
	for _, s := range f.Sections {
		sr := SectionResponse{
			ID:            s.ID,
			Title:         s.Title,
			Description:   s.Description,
			IsApproved:    flowstatus.IsSectionApproved(s),
			DisplayStatus: flowstatus.SectionDisplayStatus(s),
			Tasks:         make([]TaskResponse, 0, len(s.Tasks)),
		}
		for _, t := range s.Tasks {
			sr.Tasks = append(sr.Tasks, taskResponse(t, viewerID))
		}
		res.Sections = append(res.Sections, sr)
	}
	return res
}

func userResponse(u domain.User) UserResponse {
	return UserResponse{ID: u.ID, Email: u.Email, Name: u.Name, Role: u.Role, CreatedAt: u.CreatedAt}
}

func apiKeyResponse(k domain.APIKey, plain string) APIKeyResponse {
	return APIKeyResponse{ID: k.ID, UserID: k.UserID, Name: k.Name, CreatedAt: k.CreatedAt, Key: plain}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		FlowID:     e.FlowID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
