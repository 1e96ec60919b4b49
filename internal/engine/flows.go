package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"actionflow/internal/domain"
	"actionflow/internal/engine/auth"
	"actionflow/internal/events"
	"actionflow/internal/flowstatus"
	"actionflow/internal/repo"
)

// InputSpec describes an input slot on a task.
type InputSpec struct {
	ID    string
	Kind  string
	Label string
}

// TaskSpec describes a task to create.
type TaskSpec struct {
	ID               string
	Title            string
	Description      string
	Deadline         *string
	RequiresApproval *bool
	Inputs           []InputSpec
}

// SectionSpec describes a section to create, with its tasks.
type SectionSpec struct {
	ID          string
	Title       string
	Description string
	Tasks       []TaskSpec
}

type FlowCreateOptions struct {
	Title       string
	Description string
	Deadline    *string
	AssigneeID  *string
	Sections    []SectionSpec
}

// CreateFlow stores a new flow authored by an admin.
func (e Engine) CreateFlow(ctx context.Context, p auth.Principal, opts FlowCreateOptions) (domain.ActionFlow, error) {
	if err := auth.RequireAdmin(p, "flow.create"); err != nil {
		return domain.ActionFlow{}, err
	}
	title, err := requireTitle("title", opts.Title)
	if err != nil {
		return domain.ActionFlow{}, err
	}
	if err := validateDeadline("deadline", opts.Deadline); err != nil {
		return domain.ActionFlow{}, err
	}
	sections := make([]domain.Section, 0, len(opts.Sections))
	for i, spec := range opts.Sections {
		s, err := e.buildSection(fmt.Sprintf("sections[%d]", i), spec)
		if err != nil {
			return domain.ActionFlow{}, err
		}
		sections = append(sections, s)
	}
	now := e.timestamp()
	f := domain.ActionFlow{
		ID:          newID(""),
		Title:       title,
		Description: opts.Description,
		Deadline:    normalizeOptional(opts.Deadline),
		AssigneeID:  normalizeOptional(opts.AssigneeID),
		Sections:    sections,
		CreatedBy:   p.UserID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := ensureUniqueIDs(f); err != nil {
		return domain.ActionFlow{}, err
	}
	f.Status = flowstatus.DetermineFlowStatus(f)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ActionFlow{}, err
	}
	defer tx.Rollback()
	if err := e.ensureAssignee(ctx, tx, f.AssigneeID); err != nil {
		return domain.ActionFlow{}, err
	}
	if err := e.Repo.InsertFlow(ctx, tx, f); err != nil {
		return domain.ActionFlow{}, fmt.Errorf("insert flow: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.FlowCreated, f.ID, "flow", f.ID, p.UserID, events.EventPayload{
		"title":    f.Title,
		"assignee": f.AssigneeID,
		"sections": len(f.Sections),
	}); err != nil {
		return domain.ActionFlow{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ActionFlow{}, err
	}
	e.logger().Info("flow created", zap.String("flow_id", f.ID), zap.String("actor", p.UserID))
	return f, nil
}

func (e Engine) buildSection(field string, spec SectionSpec) (domain.Section, error) {
	title, err := requireTitle(field+".title", spec.Title)
	if err != nil {
		return domain.Section{}, err
	}
	s := domain.Section{
		ID:          newID(spec.ID),
		Title:       title,
		Description: spec.Description,
		Tasks:       make([]domain.Task, 0, len(spec.Tasks)),
	}
	for i, ts := range spec.Tasks {
		t, err := e.buildTask(fmt.Sprintf("%s.tasks[%d]", field, i), ts)
		if err != nil {
			return domain.Section{}, err
		}
		s.Tasks = append(s.Tasks, t)
	}
	return s, nil
}

func (e Engine) buildTask(field string, spec TaskSpec) (domain.Task, error) {
	title, err := requireTitle(field+".title", spec.Title)
	if err != nil {
		return domain.Task{}, err
	}
	if err := validateDeadline(field+".deadline", spec.Deadline); err != nil {
		return domain.Task{}, err
	}
	inputs, err := buildInputs(field+".inputs", spec.Inputs, nil)
	if err != nil {
		return domain.Task{}, err
	}
	requires := e.Config.RequiresApprovalByDefault()
	if spec.RequiresApproval != nil {
		requires = *spec.RequiresApproval
	}
	return domain.Task{
		ID:               newID(spec.ID),
		Title:            title,
		Description:      spec.Description,
		Deadline:         normalizeOptional(spec.Deadline),
		RequiresApproval: requires,
		ApprovalStatus:   domain.ApprovalNone,
		Inputs:           inputs,
		Messages:         []domain.Message{},
	}, nil
}

// buildInputs validates input specs. Values of inputs that keep their id and
// kind are carried over from existing.
func buildInputs(field string, specs []InputSpec, existing []domain.Input) ([]domain.Input, error) {
	prev := map[string]domain.Input{}
	for _, in := range existing {
		prev[in.ID] = in
	}
	out := make([]domain.Input, 0, len(specs))
	seen := map[string]struct{}{}
	for i, spec := range specs {
		kind := spec.Kind
		if kind == "" {
			kind = domain.InputText
		}
		if kind != domain.InputText && kind != domain.InputFile {
			return nil, invalid(fmt.Sprintf("%s[%d].kind", field, i), "must be %q or %q", domain.InputText, domain.InputFile)
		}
		in := domain.Input{ID: newID(spec.ID), Kind: kind, Label: spec.Label}
		if _, dup := seen[in.ID]; dup {
			return nil, invalid(fmt.Sprintf("%s[%d].id", field, i), "duplicate input id %s", in.ID)
		}
		seen[in.ID] = struct{}{}
		if old, ok := prev[in.ID]; ok && old.Kind == in.Kind {
			in.Value = old.Value
		}
		out = append(out, in)
	}
	return out, nil
}

func ensureUniqueIDs(f domain.ActionFlow) error {
	seen := map[string]struct{}{}
	for _, s := range f.Sections {
		if _, ok := seen[s.ID]; ok {
			return invalid("sections", "duplicate id %s", s.ID)
		}
		seen[s.ID] = struct{}{}
		for _, t := range s.Tasks {
			if _, ok := seen[t.ID]; ok {
				return invalid("tasks", "duplicate id %s", t.ID)
			}
			seen[t.ID] = struct{}{}
		}
	}
	return nil
}

func (e Engine) ensureAssignee(ctx context.Context, tx *sql.Tx, assigneeID *string) error {
	if assigneeID == nil {
		return nil
	}
	if _, err := e.Repo.GetUserTx(ctx, tx, *assigneeID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return invalid("assignee_id", "unknown user %s", *assigneeID)
		}
		return err
	}
	return nil
}

// FlowUpdateOptions patches flow metadata. Nil fields are left unchanged; an
// empty Deadline or AssigneeID clears it.
type FlowUpdateOptions struct {
	ID          string
	Title       *string
	Description *string
	Deadline    *string
	AssigneeID  *string
}

func (e Engine) UpdateFlow(ctx context.Context, p auth.Principal, opts FlowUpdateOptions) (domain.ActionFlow, error) {
	if err := validateDeadline("deadline", opts.Deadline); err != nil {
		return domain.ActionFlow{}, err
	}
	if opts.AssigneeID != nil && *opts.AssigneeID != "" {
		if err := e.ensureAssignee(ctx, nil, opts.AssigneeID); err != nil {
			return domain.ActionFlow{}, err
		}
	}
	return e.mutateFlow(ctx, p, opts.ID, "flow.update", accessAdmin, func(f *domain.ActionFlow) (flowEvent, error) {
		changed := events.EventPayload{}
		if opts.Title != nil {
			title, err := requireTitle("title", *opts.Title)
			if err != nil {
				return flowEvent{}, err
			}
			f.Title = title
			changed["title"] = title
		}
		if opts.Description != nil {
			f.Description = *opts.Description
			changed["description"] = true
		}
		if opts.Deadline != nil {
			f.Deadline = normalizeOptional(opts.Deadline)
			changed["deadline"] = f.Deadline
		}
		if opts.AssigneeID != nil {
			f.AssigneeID = normalizeOptional(opts.AssigneeID)
			changed["assignee"] = f.AssigneeID
		}
		return flowEvent{Type: events.FlowUpdated, EntityKind: "flow", EntityID: f.ID, Payload: changed}, nil
	})
}

func (e Engine) DeleteFlow(ctx context.Context, p auth.Principal, id string) error {
	if err := auth.RequireAdmin(p, "flow.delete"); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	f, err := e.Repo.GetFlowTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := e.Repo.DeleteFlow(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.FlowDeleted, id, "flow", id, p.UserID, events.EventPayload{"title": f.Title}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.removeFlowFiles(ctx, f)
	return nil
}

// removeFlowFiles deletes uploaded objects of a removed flow. Failures are
// logged only; the flow row is already gone.
func (e Engine) removeFlowFiles(ctx context.Context, f domain.ActionFlow) {
	for _, s := range f.Sections {
		e.removeSectionFiles(ctx, s)
	}
}

func (e Engine) removeSectionFiles(ctx context.Context, s domain.Section) {
	for _, t := range s.Tasks {
		e.removeTaskFiles(ctx, t)
	}
}

func (e Engine) removeTaskFiles(ctx context.Context, t domain.Task) {
	if e.Files == nil {
		return
	}
	for _, in := range t.Inputs {
		if in.Kind != domain.InputFile || in.Value == "" {
			continue
		}
		if err := e.Files.Delete(ctx, in.Value); err != nil {
			e.logger().Warn("remove input file", zap.String("key", in.Value), zap.Error(err))
		}
	}
}

// GetFlow returns a flow the principal may see.
func (e Engine) GetFlow(ctx context.Context, p auth.Principal, id string) (domain.ActionFlow, error) {
	f, err := e.Repo.GetFlow(ctx, id)
	if err != nil {
		return domain.ActionFlow{}, err
	}
	if err := auth.RequireFlowAccess(p, f, "flow.get"); err != nil {
		return domain.ActionFlow{}, err
	}
	return f, nil
}

type ListFlowsOptions struct {
	Status          string
	AssigneeID      string
	Limit           int
	CursorUpdatedAt string
	CursorID        string
}

// ListFlows returns every flow to admins and only assigned flows to users.
func (e Engine) ListFlows(ctx context.Context, p auth.Principal, opts ListFlowsOptions) ([]domain.ActionFlow, error) {
	if p.UserID == "" {
		return nil, auth.ForbiddenError{Action: "flow.list", Reason: "no principal"}
	}
	filters := repo.FlowFilters{
		AssigneeID:      opts.AssigneeID,
		Status:          opts.Status,
		Limit:           opts.Limit,
		CursorUpdatedAt: opts.CursorUpdatedAt,
		CursorID:        opts.CursorID,
	}
	if !p.IsAdmin() {
		if opts.AssigneeID != "" && opts.AssigneeID != p.UserID {
			return nil, auth.ForbiddenError{Action: "flow.list", Reason: "users can only list their own flows"}
		}
		filters.AssigneeID = p.UserID
	}
	return e.Repo.ListFlows(ctx, filters)
}

// FlowEvents lists a flow's event log, newest first.
func (e Engine) FlowEvents(ctx context.Context, p auth.Principal, flowID string, limit int, cursor int64) ([]domain.Event, error) {
	if flowID == "" {
		if err := auth.RequireAdmin(p, "event.list"); err != nil {
			return nil, err
		}
	} else if _, err := e.GetFlow(ctx, p, flowID); err != nil {
		return nil, err
	}
	return e.Repo.LatestEventsFrom(ctx, limit, cursor, repo.EventFilters{FlowID: flowID})
}

// FlowStatusCounts counts visible flows per persisted status.
func (e Engine) FlowStatusCounts(ctx context.Context, p auth.Principal) (map[string]int, error) {
	if p.UserID == "" {
		return nil, auth.ForbiddenError{Action: "flow.count", Reason: "no principal"}
	}
	assignee := ""
	if !p.IsAdmin() {
		assignee = p.UserID
	}
	return e.Repo.CountFlowsByStatus(ctx, assignee)
}
