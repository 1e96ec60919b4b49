package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"actionflow/internal/engine"
	"actionflow/internal/notify"
)

func registerNotifications(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-notifications",
		Method:      http.MethodGet,
		Path:        "/notifications",
		Summary:     "Unread messages addressed to the caller",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []notify.Notification `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Notifications(ctx, p)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []notify.Notification `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "dismiss-notification",
		Method:        http.MethodPost,
		Path:          "/notifications/{message_id}/dismiss",
		Summary:       "Dismiss a notification",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		MessageID string `path:"message_id"`
	}) (*struct{}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DismissNotification(ctx, p, input.MessageID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Description: "Without flow_id the full log is returned, which requires the admin role.",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		FlowID string `query:"flow_id"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.FlowEvents(ctx, p, input.FlowID, limit+1, cursorID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}
