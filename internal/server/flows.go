package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"actionflow/internal/engine"
	"actionflow/internal/flowstatus"
)

type flowOutput struct {
	Body FlowResponse `json:"body"`
}

type flowPath struct {
	FlowID string `path:"flow_id"`
}

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusInternalServerError,
}

func registerFlows(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-flow",
		Method:        http.MethodPost,
		Path:          "/flows",
		Summary:       "Create action flow",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateFlowRequest `json:"body"`
	}) (*flowOutput, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.FlowCreateOptions{
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Deadline:    input.Body.Deadline,
			AssigneeID:  input.Body.AssigneeID,
		}
		for _, s := range input.Body.Sections {
			opts.Sections = append(opts.Sections, sectionSpec(s))
		}
		f, err := e.CreateFlow(ctx, p, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &flowOutput{Body: flowResponse(f, p.UserID)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-flows",
		Method:      http.MethodGet,
		Path:        "/flows",
		Summary:     "List action flows",
		Description: "Admins see every flow; users only the flows assigned to them.",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Status     string `query:"status" enum:"draft,in_progress,completed"`
		AssigneeID string `query:"assignee_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedFlows `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cursorTS, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		limit := normalizeLimit(input.Limit)
		items, err := e.ListFlows(ctx, p, engine.ListFlowsOptions{
			Status:          input.Status,
			AssigneeID:      input.AssigneeID,
			Limit:           limit + 1,
			CursorUpdatedAt: cursorTS,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedFlows{Items: []FlowResponse{}}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.UpdatedAt, last.ID)
			items = items[:limit]
		}
		for _, f := range items {
			resp.Items = append(resp.Items, flowResponse(f, p.UserID))
		}
		return &struct {
			Body paginatedFlows `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-flow",
		Method:      http.MethodGet,
		Path:        "/flows/{flow_id}",
		Summary:     "Get action flow",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *flowPath) (*flowOutput, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f, err := e.GetFlow(ctx, p, input.FlowID)
		if err != nil {
			return nil, handleError(err)
		}
		return &flowOutput{Body: flowResponse(f, p.UserID)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-flow",
		Method:      http.MethodPatch,
		Path:        "/flows/{flow_id}",
		Summary:     "Update action flow metadata",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		FlowID string            `path:"flow_id"`
		Body   UpdateFlowRequest `json:"body"`
	}) (*flowOutput, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f, err := e.UpdateFlow(ctx, p, engine.FlowUpdateOptions{
			ID:          input.FlowID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Deadline:    input.Body.Deadline,
			AssigneeID:  input.Body.AssigneeID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &flowOutput{Body: flowResponse(f, p.UserID)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-flow",
		Method:        http.MethodDelete,
		Path:          "/flows/{flow_id}",
		Summary:       "Delete action flow",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *flowPath) (*struct{}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteFlow(ctx, p, input.FlowID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerSections(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-section",
		Method:        http.MethodPost,
		Path:          "/flows/{flow_id}/sections",
		Summary:       "Add section",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		FlowID string               `path:"flow_id"`
		Body   CreateSectionRequest `json:"body"`
	}) (*flowOutput, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f, err := e.AddSection(ctx, p, input.FlowID, sectionSpec(input.Body), input.Body.Position)
		if err != nil {
			return nil, handleError(err)
		}
		return &flowOutput{Body: flowResponse(f, p.UserID)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-section",
		Method:      http.MethodPatch,
		Path:        "/flows/{flow_id}/sections/{section_id}",
		Summary:     "Update section",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		FlowID    string               `path:"flow_id"`
		SectionID string               `path:"section_id"`
		Body      UpdateSectionRequest `json:"body"`
	}) (*flowOutput, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f, err := e.UpdateSection(ctx, p, engine.SectionUpdateOptions{
			FlowID:      input.FlowID,
			SectionID:   input.SectionID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &flowOutput{Body: flowResponse(f, p.UserID)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-section",
		Method:      http.MethodDelete,
		Path:        "/flows/{flow_id}/sections/{section_id}",
		Summary:     "Delete section and its tasks",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		FlowID    string `path:"flow_id"`
		SectionID string `path:"section_id"`
	}) (*flowOutput, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f, err := e.DeleteSection(ctx, p, input.FlowID, input.SectionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &flowOutput{Body: flowResponse(f, p.UserID)}, nil
	})
}

type taskPath struct {
	FlowID string `path:"flow_id"`
	TaskID string `path:"task_id"`
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-task",
		Method:        http.MethodPost,
		Path:          "/flows/{flow_id}/sections/{section_id}/tasks",
		Summary:       "Add task to section",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		FlowID    string            `path:"flow_id"`
		SectionID string            `path:"section_id"`
		Body      CreateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskCreatedResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f, t, err := e.AddTask(ctx, p, input.FlowID, input.SectionID, taskSpec(input.Body))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskCreatedResponse `json:"body"`
		}{Body: TaskCreatedResponse{Task: taskResponse(t, p.UserID), Flow: flowResponse(f, p.UserID)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/flows/{flow_id}/tasks/{task_id}",
		Summary:     "Update task definition",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		FlowID string            `path:"flow_id"`
		TaskID string            `path:"task_id"`
		Body   UpdateTaskRequest `json:"body"`
	}) (*flowOutput, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.TaskUpdateOptions{
			FlowID:           input.FlowID,
			TaskID:           input.TaskID,
			Title:            input.Body.Title,
			Description:      input.Body.Description,
			Deadline:         input.Body.Deadline,
			RequiresApproval: input.Body.RequiresApproval,
		}
		if input.Body.Inputs != nil {
			specs := inputSpecs(*input.Body.Inputs)
			if specs == nil {
				specs = []engine.InputSpec{}
			}
			opts.Inputs = &specs
		}
		f, err := e.UpdateTask(ctx, p, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &flowOutput{Body: flowResponse(f, p.UserID)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-task",
		Method:      http.MethodDelete,
		Path:        "/flows/{flow_id}/tasks/{task_id}",
		Summary:     "Delete task",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *taskPath) (*flowOutput, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f, err := e.DeleteTask(ctx, p, input.FlowID, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &flowOutput{Body: flowResponse(f, p.UserID)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-task-completion",
		Method:      http.MethodPut,
		Path:        "/flows/{flow_id}/tasks/{task_id}/completion",
		Summary:     "Mark task complete or incomplete",
		Description: "Completing a task that requires approval puts it in pending; the flow status is recomputed.",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		FlowID string            `path:"flow_id"`
		TaskID string            `path:"task_id"`
		Body   CompletionRequest `json:"body"`
	}) (*flowOutput, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f, err := e.SetTaskCompleted(ctx, p, input.FlowID, input.TaskID, input.Body.Completed)
		if err != nil {
			return nil, handleError(err)
		}
		return &flowOutput{Body: flowResponse(f, p.UserID)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-task-approval",
		Method:      http.MethodPost,
		Path:        "/flows/{flow_id}/tasks/{task_id}/approval",
		Summary:     "Approve, refuse or reset a completed task",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		FlowID string          `path:"flow_id"`
		TaskID string          `path:"task_id"`
		Body   ApprovalRequest `json:"body"`
	}) (*flowOutput, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		action, err := parseApprovalAction(input.Body.Action)
		if err != nil {
			return nil, handleError(err)
		}
		f, err := e.SetApproval(ctx, p, input.FlowID, input.TaskID, action)
		if err != nil {
			return nil, handleError(err)
		}
		return &flowOutput{Body: flowResponse(f, p.UserID)}, nil
	})
}

func parseApprovalAction(raw string) (flowstatus.ApprovalAction, error) {
	switch action := flowstatus.ApprovalAction(raw); action {
	case flowstatus.ActionApprove, flowstatus.ActionRefuse, flowstatus.ActionReset:
		return action, nil
	default:
		return "", engine.ValidationError{Field: "action", Message: "must be approve, refuse or reset"}
	}
}
