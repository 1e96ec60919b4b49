package server

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"path"

	"github.com/danielgtaylor/huma/v2"

	"actionflow/internal/engine"
)

type inputPath struct {
	FlowID  string `path:"flow_id"`
	TaskID  string `path:"task_id"`
	InputID string `path:"input_id"`
}

type fileOutput struct {
	ContentType        string `header:"Content-Type"`
	ContentDisposition string `header:"Content-Disposition"`
	Body               []byte
}

func registerInputs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "set-input-value",
		Method:      http.MethodPut,
		Path:        "/flows/{flow_id}/tasks/{task_id}/inputs/{input_id}",
		Summary:     "Set text input value",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		FlowID  string            `path:"flow_id"`
		TaskID  string            `path:"task_id"`
		InputID string            `path:"input_id"`
		Body    InputValueRequest `json:"body"`
	}) (*flowOutput, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f, err := e.SetInputValue(ctx, p, input.FlowID, input.TaskID, input.InputID, input.Body.Value)
		if err != nil {
			return nil, handleError(err)
		}
		return &flowOutput{Body: flowResponse(f, p.UserID)}, nil
	})

	maxUpload := int64(-1)
	if e.Config != nil && e.Config.Flows.MaxUploadBytes > 0 {
		maxUpload = e.Config.Flows.MaxUploadBytes
	}
	huma.Register(api, huma.Operation{
		OperationID:  "upload-input-file",
		Method:       http.MethodPut,
		Path:         "/flows/{flow_id}/tasks/{task_id}/inputs/{input_id}/file",
		Summary:      "Upload file input",
		MaxBodyBytes: maxUpload,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusRequestEntityTooLarge,
		},
	}, func(ctx context.Context, input *struct {
		FlowID      string `path:"flow_id"`
		TaskID      string `path:"task_id"`
		InputID     string `path:"input_id"`
		FileName    string `query:"filename" required:"true"`
		ContentType string `header:"Content-Type"`
		RawBody     []byte `contentType:"application/octet-stream"`
	}) (*flowOutput, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if len(input.RawBody) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "file body required", nil)
		}
		f, err := e.UploadInputFile(ctx, p, engine.UploadOptions{
			FlowID:      input.FlowID,
			TaskID:      input.TaskID,
			InputID:     input.InputID,
			FileName:    input.FileName,
			ContentType: input.ContentType,
			Size:        int64(len(input.RawBody)),
			Body:        bytes.NewReader(input.RawBody),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &flowOutput{Body: flowResponse(f, p.UserID)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "download-input-file",
		Method:      http.MethodGet,
		Path:        "/flows/{flow_id}/tasks/{task_id}/inputs/{input_id}/file",
		Summary:     "Download file input",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *inputPath) (*fileOutput, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rc, obj, err := e.OpenInputFile(ctx, p, input.FlowID, input.TaskID, input.InputID)
		if err != nil {
			return nil, handleError(err)
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			return nil, handleError(fmt.Errorf("read file: %w", err))
		}
		contentType := obj.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		return &fileOutput{
			ContentType:        contentType,
			ContentDisposition: fmt.Sprintf("attachment; filename=%q", path.Base(obj.Key)),
			Body:               data,
		}, nil
	})
}

func registerMessages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "post-message",
		Method:        http.MethodPost,
		Path:          "/flows/{flow_id}/tasks/{task_id}/messages",
		Summary:       "Post message on a task thread",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		FlowID string             `path:"flow_id"`
		TaskID string             `path:"task_id"`
		Body   PostMessageRequest `json:"body"`
	}) (*struct {
		Body MessageResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f, msg, err := e.PostMessage(ctx, p, input.FlowID, input.TaskID, input.Body.Text)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MessageResponse `json:"body"`
		}{Body: MessageResponse{Message: msg, Flow: flowResponse(f, p.UserID)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mark-messages-read",
		Method:      http.MethodPost,
		Path:        "/flows/{flow_id}/tasks/{task_id}/messages/read",
		Summary:     "Mark task messages read",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *taskPath) (*flowOutput, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f, err := e.MarkMessagesRead(ctx, p, input.FlowID, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &flowOutput{Body: flowResponse(f, p.UserID)}, nil
	})
}
