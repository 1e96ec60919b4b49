package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"actionflow/internal/domain"
	"actionflow/internal/engine"
	"actionflow/internal/repo"
)

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current user",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body UserResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, err := e.Me(ctx, p)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UserResponse `json:"body"`
		}{Body: userResponse(u)}, nil
	})
}

func registerUsers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-user",
		Method:        http.MethodPost,
		Path:          "/users",
		Summary:       "Create user",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateUserRequest `json:"body"`
	}) (*struct {
		Body UserResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, err := e.CreateUser(ctx, p, engine.UserCreateOptions{
			ID:    input.Body.ID,
			Email: input.Body.Email,
			Name:  input.Body.Name,
			Role:  input.Body.Role,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UserResponse `json:"body"`
		}{Body: userResponse(u)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-users",
		Method:      http.MethodGet,
		Path:        "/users",
		Summary:     "List users",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Role string `query:"role" enum:"admin,user"`
	}) (*struct {
		Body []UserResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		users, err := e.ListUsers(ctx, p, input.Role)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]UserResponse, 0, len(users))
		for _, u := range users {
			out = append(out, userResponse(u))
		}
		return &struct {
			Body []UserResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/users/{user_id}/api-keys",
		Summary:       "Create API key",
		Description:   "The plaintext key is only returned by this call.",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		UserID string              `path:"user_id"`
		Body   CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		key, plain, err := e.CreateAPIKey(ctx, p, input.UserID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: apiKeyResponse(key, plain)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/users/{user_id}/api-keys",
		Summary:     "List API keys",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		UserID string `path:"user_id"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		keys, err := e.ListAPIKeys(ctx, p, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			out = append(out, apiKeyResponse(k, ""))
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-api-key",
		Method:        http.MethodDelete,
		Path:          "/api-keys/{key_id}",
		Summary:       "Revoke API key",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RevokeAPIKey(ctx, p, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerDevAuth(api huma.API, e engine.Engine, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for an existing user",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		var (
			u   domain.User
			err error
		)
		switch {
		case strings.TrimSpace(input.Body.UserID) != "":
			u, err = e.Repo.GetUser(ctx, strings.TrimSpace(input.Body.UserID))
		case strings.TrimSpace(input.Body.Email) != "":
			u, err = e.Repo.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(input.Body.Email)))
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id or email is required", nil)
		}
		if errors.Is(err, repo.ErrNotFound) {
			return nil, newAPIError(http.StatusNotFound, "not_found", "user not found", nil)
		}
		if err != nil {
			return nil, handleError(err)
		}
		token, err := signDevToken(authCfg.JWTSecret, u, authCfg.tokenTTL(), time.Now())
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token, User: userResponse(u)}}, nil
	})
}
