package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"actionflow/internal/config"
	"actionflow/internal/domain"
	"actionflow/internal/engine/auth"
	"actionflow/internal/events"
	"actionflow/internal/flowstatus"
	"actionflow/internal/repo"
	"actionflow/internal/storage"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	State  repo.UserState
	Events events.Writer
	Files  storage.ObjectStore
	Config *config.Config
	Log    *zap.Logger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		State:  repo.UserState{DB: db},
		Events: events.Writer{},
		Files:  storage.NewMemory(),
		Config: cfg,
		Log:    zap.NewNop(),
		Now:    time.Now,
	}
}

// ValidationError reports a malformed request field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) logger() *zap.Logger {
	if e.Log != nil {
		return e.Log
	}
	return zap.NewNop()
}

func newID(supplied string) string {
	if id := strings.TrimSpace(supplied); id != "" {
		return id
	}
	return uuid.NewString()
}

// flowEvent is the event a flow mutation appends.
type flowEvent struct {
	Type       string
	EntityKind string
	EntityID   string
	Payload    events.EventPayload
}

type accessLevel int

const (
	accessAssignee accessLevel = iota
	accessAdmin
)

// mutateFlow is the read-modify-write cycle shared by every flow mutation:
// load the flow inside a transaction, apply fn, recompute the derived status,
// persist it together with the event, then commit.
func (e Engine) mutateFlow(ctx context.Context, p auth.Principal, flowID, action string, level accessLevel, fn func(f *domain.ActionFlow) (flowEvent, error)) (domain.ActionFlow, error) {
	if level == accessAdmin {
		if err := auth.RequireAdmin(p, action); err != nil {
			return domain.ActionFlow{}, err
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ActionFlow{}, err
	}
	defer tx.Rollback()

	current, err := e.Repo.GetFlowTx(ctx, tx, flowID)
	if err != nil {
		return domain.ActionFlow{}, err
	}
	if err := auth.RequireFlowAccess(p, current, action); err != nil {
		return domain.ActionFlow{}, err
	}
	next := current.Clone()
	evt, err := fn(&next)
	if err != nil {
		return domain.ActionFlow{}, err
	}
	prevStatus := current.Status
	next.Status = flowstatus.DetermineFlowStatus(next)
	next.UpdatedAt = e.timestamp()
	if err := e.Repo.SaveFlow(ctx, tx, next); err != nil {
		return domain.ActionFlow{}, fmt.Errorf("save flow: %w", err)
	}
	if evt.Type != "" {
		if err := e.Events.Append(ctx, tx, evt.Type, next.ID, evt.EntityKind, evt.EntityID, p.UserID, evt.Payload); err != nil {
			return domain.ActionFlow{}, err
		}
	}
	if prevStatus != next.Status {
		if err := e.Events.Append(ctx, tx, events.FlowStatusChange, next.ID, "flow", next.ID, p.UserID, events.EventPayload{
			"from": prevStatus,
			"to":   next.Status,
		}); err != nil {
			return domain.ActionFlow{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.ActionFlow{}, err
	}
	if prevStatus != next.Status {
		e.logger().Info("flow status changed",
			zap.String("flow_id", next.ID),
			zap.String("from", string(prevStatus)),
			zap.String("to", string(next.Status)),
		)
	}
	return next, nil
}

// locateTask returns pointers into f for the task, or repo.ErrNotFound.
func locateTask(f *domain.ActionFlow, taskID string) (*domain.Section, *domain.Task, error) {
	si, ti := f.FindTask(taskID)
	if si < 0 {
		return nil, nil, fmt.Errorf("task %s: %w", taskID, repo.ErrNotFound)
	}
	return &f.Sections[si], &f.Sections[si].Tasks[ti], nil
}

func locateSection(f *domain.ActionFlow, sectionID string) (*domain.Section, error) {
	si := f.FindSection(sectionID)
	if si < 0 {
		return nil, fmt.Errorf("section %s: %w", sectionID, repo.ErrNotFound)
	}
	return &f.Sections[si], nil
}

func validateDeadline(field string, deadline *string) error {
	if deadline == nil || *deadline == "" {
		return nil
	}
	if _, err := time.Parse("2006-01-02", *deadline); err != nil {
		if _, err := time.Parse(time.RFC3339, *deadline); err != nil {
			return invalid(field, "must be YYYY-MM-DD or RFC3339")
		}
	}
	return nil
}

// normalizeOptional maps an empty string pointer to nil.
func normalizeOptional(v *string) *string {
	if v == nil {
		return nil
	}
	s := strings.TrimSpace(*v)
	if s == "" {
		return nil
	}
	return &s
}

func requireTitle(field, title string) (string, error) {
	t := strings.TrimSpace(title)
	if t == "" {
		return "", ValidationError{Field: field, Message: "must not be empty"}
	}
	return t, nil
}
