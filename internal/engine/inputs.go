package engine

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"actionflow/internal/domain"
	"actionflow/internal/engine/auth"
	"actionflow/internal/events"
	"actionflow/internal/repo"
	"actionflow/internal/storage"
)

func locateInput(t *domain.Task, inputID string) (*domain.Input, error) {
	for i := range t.Inputs {
		if t.Inputs[i].ID == inputID {
			return &t.Inputs[i], nil
		}
	}
	return nil, fmt.Errorf("input %s: %w", inputID, repo.ErrNotFound)
}

// SetInputValue stores the value of a text input.
func (e Engine) SetInputValue(ctx context.Context, p auth.Principal, flowID, taskID, inputID, value string) (domain.ActionFlow, error) {
	return e.mutateFlow(ctx, p, flowID, "input.set", accessAssignee, func(f *domain.ActionFlow) (flowEvent, error) {
		_, t, err := locateTask(f, taskID)
		if err != nil {
			return flowEvent{}, err
		}
		in, err := locateInput(t, inputID)
		if err != nil {
			return flowEvent{}, err
		}
		if in.Kind != domain.InputText {
			return flowEvent{}, invalid("input", "%s is a %s input; upload a file instead", in.ID, in.Kind)
		}
		in.Value = value
		return flowEvent{Type: events.InputSet, EntityKind: "input", EntityID: in.ID, Payload: events.EventPayload{
			"task_id": t.ID,
		}}, nil
	})
}

type UploadOptions struct {
	FlowID      string
	TaskID      string
	InputID     string
	FileName    string
	ContentType string
	Size        int64
	Body        io.Reader
}

// UploadInputFile writes the file to the object store and records its key as
// the input value. The previous object, if any, is removed afterwards.
func (e Engine) UploadInputFile(ctx context.Context, p auth.Principal, opts UploadOptions) (domain.ActionFlow, error) {
	if e.Files == nil {
		return domain.ActionFlow{}, errors.New("file storage not configured")
	}
	if opts.Body == nil {
		return domain.ActionFlow{}, invalid("file", "body required")
	}
	if limit := e.Config.Flows.MaxUploadBytes; limit > 0 && opts.Size > limit {
		return domain.ActionFlow{}, invalid("file", "exceeds %d bytes", limit)
	}
	// Check access and input kind before touching the store.
	f, err := e.GetFlow(ctx, p, opts.FlowID)
	if err != nil {
		return domain.ActionFlow{}, err
	}
	_, t, err := locateTask(&f, opts.TaskID)
	if err != nil {
		return domain.ActionFlow{}, err
	}
	in, err := locateInput(t, opts.InputID)
	if err != nil {
		return domain.ActionFlow{}, err
	}
	if in.Kind != domain.InputFile {
		return domain.ActionFlow{}, invalid("input", "%s is a %s input", in.ID, in.Kind)
	}

	key := storage.InputKey(opts.FlowID, opts.TaskID, opts.InputID, uuid.NewString(), opts.FileName)
	size := opts.Size
	if size == 0 {
		size = -1
	}
	obj, err := e.Files.Put(ctx, key, opts.Body, size, opts.ContentType)
	if err != nil {
		return domain.ActionFlow{}, fmt.Errorf("store file: %w", err)
	}

	var previous string
	updated, err := e.mutateFlow(ctx, p, opts.FlowID, "input.upload", accessAssignee, func(f *domain.ActionFlow) (flowEvent, error) {
		_, t, err := locateTask(f, opts.TaskID)
		if err != nil {
			return flowEvent{}, err
		}
		in, err := locateInput(t, opts.InputID)
		if err != nil {
			return flowEvent{}, err
		}
		if in.Kind != domain.InputFile {
			return flowEvent{}, invalid("input", "%s is a %s input", in.ID, in.Kind)
		}
		previous = in.Value
		in.Value = obj.Key
		return flowEvent{Type: events.InputUploaded, EntityKind: "input", EntityID: in.ID, Payload: events.EventPayload{
			"task_id":      t.ID,
			"key":          obj.Key,
			"size":         obj.Size,
			"content_type": obj.ContentType,
		}}, nil
	})
	if err != nil {
		if derr := e.Files.Delete(ctx, obj.Key); derr != nil {
			e.logger().Warn("remove orphaned upload", zap.String("key", obj.Key), zap.Error(derr))
		}
		return domain.ActionFlow{}, err
	}
	if previous != "" && previous != obj.Key {
		if err := e.Files.Delete(ctx, previous); err != nil {
			e.logger().Warn("remove replaced upload", zap.String("key", previous), zap.Error(err))
		}
	}
	return updated, nil
}

// OpenInputFile streams the stored file of a file input.
func (e Engine) OpenInputFile(ctx context.Context, p auth.Principal, flowID, taskID, inputID string) (io.ReadCloser, storage.Object, error) {
	f, err := e.GetFlow(ctx, p, flowID)
	if err != nil {
		return nil, storage.Object{}, err
	}
	_, t, err := locateTask(&f, taskID)
	if err != nil {
		return nil, storage.Object{}, err
	}
	in, err := locateInput(t, inputID)
	if err != nil {
		return nil, storage.Object{}, err
	}
	if in.Kind != domain.InputFile || in.Value == "" {
		return nil, storage.Object{}, fmt.Errorf("file for input %s: %w", inputID, repo.ErrNotFound)
	}
	rc, obj, err := e.Files.Get(ctx, in.Value)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, storage.Object{}, fmt.Errorf("file for input %s: %w", inputID, repo.ErrNotFound)
	}
	return rc, obj, err
}
