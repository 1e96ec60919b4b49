package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"actionflow/internal/config"
	"actionflow/internal/db"
	"actionflow/internal/engine"
	"actionflow/internal/engine/auth"
	"actionflow/internal/migrate"
)

const (
	adminKey  = "af_test_admin"
	jwtSecret = "test-secret"
)

type testServer struct {
	URL     string
	Engine  engine.Engine
	UserKey string
	UserID  string
	client  *http.Client
	close   func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()
	cfg := config.Default()
	cfg.Auth.JWTSecret = jwtSecret
	cfg.Auth.DevLogin = true
	if mutate != nil {
		mutate(cfg)
	}
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	ctx := context.Background()
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)

	e := engine.New(conn, cfg)
	admin, err := e.EnsureAdmin(ctx, "admin@example.com", "Admin", adminKey)
	require.NoError(t, err)
	adminP := auth.Principal{UserID: admin.ID, Role: admin.Role}
	user, err := e.CreateUser(ctx, adminP, engine.UserCreateOptions{ID: "u1", Email: "user@example.com"})
	require.NoError(t, err)
	_, userKey, err := e.CreateAPIKey(ctx, adminP, user.ID, "test")
	require.NoError(t, err)

	handler, err := New(Config{
		Engine:    e,
		BasePath:  "/v0",
		Auth:      AuthConfig{JWTSecret: cfg.Auth.JWTSecret, DevLogin: cfg.Auth.DevLogin},
		RateLimit: cfg.Server.RateLimit,
	})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:     "http://" + ln.Addr().String(),
		Engine:  e,
		UserKey: userKey,
		UserID:  user.ID,
		client:  &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func asAdmin() map[string]string           { return map[string]string{"X-Api-Key": adminKey} }
func withKey(key string) map[string]string { return map[string]string{"X-Api-Key": key} }

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(data, &out), string(data))
	return out
}

func createSeedFlow(t *testing.T, srv *testServer) FlowResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/flows", map[string]any{
		"title":       "Onboarding",
		"assignee_id": srv.UserID,
		"sections": []map[string]any{{
			"id":    "s1",
			"title": "Paperwork",
			"tasks": []map[string]any{
				{"id": "sign", "title": "Sign contract", "inputs": []map[string]any{{"id": "scan", "kind": "file", "label": "Scan"}}},
				{"id": "read", "title": "Read handbook", "requires_approval": false},
			},
		}},
	}, asAdmin())
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	return decode[FlowResponse](t, data)
}

func TestFlowStatusIsDerivedNotRead(t *testing.T) {
	srv := newTestServer(t, nil)
	client := srv.Client()
	created := createSeedFlow(t, srv)
	flowURL := srv.URL + "/v0/flows/" + created.ID

	res, data := doJSON(t, client, http.MethodPut, flowURL+"/tasks/read/completion", map[string]any{"completed": true}, withKey(srv.UserKey))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	for _, stale := range []string{"draft", "completed"} {
		_, err := srv.Engine.DB.ExecContext(context.Background(), `UPDATE action_flows SET status=? WHERE id=?`, stale, created.ID)
		require.NoError(t, err)

		res, data = doJSON(t, client, http.MethodGet, flowURL, nil, asAdmin())
		require.Equal(t, http.StatusOK, res.StatusCode, string(data))
		f := decode[FlowResponse](t, data)
		assert.Equal(t, "in_progress", string(f.Status), "stored %s", stale)
		assert.Equal(t, "In Progress", f.DisplayStatus, "stored %s", stale)

		res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/flows", nil, asAdmin())
		require.Equal(t, http.StatusOK, res.StatusCode, string(data))
		page := decode[paginatedFlows](t, data)
		require.Len(t, page.Items, 1)
		assert.Equal(t, "in_progress", string(page.Items[0].Status))
		assert.Equal(t, "In Progress", page.Items[0].DisplayStatus)
	}
}

func TestHealthIsPublic(t *testing.T) {
	srv := newTestServer(t, nil)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(data))
}

func TestRequestsWithoutCredentialsAreRejected(t *testing.T) {
	srv := newTestServer(t, nil)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/flows", nil, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	body := decode[apiError](t, data)
	assert.Equal(t, "unauthorized", body.Body.Code)

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/flows", nil, withKey("af_wrong"))
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestFlowLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t, nil)
	client := srv.Client()
	created := createSeedFlow(t, srv)
	assert.Equal(t, "draft", string(created.Status))
	assert.Equal(t, "Not Started", created.DisplayStatus)
	assert.Equal(t, 2, created.Progress.TotalTasks)
	flowURL := srv.URL + "/v0/flows/" + created.ID

	for _, taskID := range []string{"sign", "read"} {
		res, data := doJSON(t, client, http.MethodPut, flowURL+"/tasks/"+taskID+"/completion", map[string]any{"completed": true}, withKey(srv.UserKey))
		require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	}
	res, data := doJSON(t, client, http.MethodGet, flowURL, nil, withKey(srv.UserKey))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	f := decode[FlowResponse](t, data)
	assert.Equal(t, "in_progress", string(f.Status))
	assert.Equal(t, 100, f.Progress.Percent)
	assert.False(t, f.Sections[0].IsApproved)
	assert.Equal(t, "In Progress", f.DisplayStatus)
	require.Len(t, f.PendingApprovals, 1)
	assert.Equal(t, "sign", f.PendingApprovals[0].TaskID)

	// Users cannot decide on their own tasks.
	res, data = doJSON(t, client, http.MethodPost, flowURL+"/tasks/sign/approval", map[string]any{"action": "approve"}, withKey(srv.UserKey))
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodPost, flowURL+"/tasks/sign/approval", map[string]any{"action": "approve"}, asAdmin())
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	f = decode[FlowResponse](t, data)
	assert.Equal(t, "completed", string(f.Status))
	assert.Equal(t, "Completed", f.DisplayStatus)
	assert.True(t, f.Sections[0].IsApproved)
	assert.Empty(t, f.PendingApprovals)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/status", nil, asAdmin())
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	status := decode[StatusResponse](t, data)
	assert.Equal(t, 1, status.Total)
	assert.Equal(t, 1, status.FlowCounts["completed"])
}

func TestApprovalOnIncompleteTaskIsInvalidTransition(t *testing.T) {
	srv := newTestServer(t, nil)
	created := createSeedFlow(t, srv)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/flows/"+created.ID+"/tasks/sign/approval", map[string]any{"action": "approve"}, asAdmin())
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	assert.Equal(t, "invalid_transition", decode[apiError](t, data).Body.Code)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/flows/"+created.ID+"/tasks/sign/approval", map[string]any{"action": "maybe"}, asAdmin())
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
}

func TestUsersOnlySeeAssignedFlows(t *testing.T) {
	srv := newTestServer(t, nil)
	createSeedFlow(t, srv)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/flows", map[string]any{"title": "Unassigned"}, asAdmin())
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	hidden := decode[FlowResponse](t, data)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/flows", nil, withKey(srv.UserKey))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	page := decode[paginatedFlows](t, data)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "Onboarding", page.Items[0].Title)

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/flows/"+hidden.ID, nil, withKey(srv.UserKey))
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	res, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/flows", map[string]any{"title": "Nope"}, withKey(srv.UserKey))
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/flows?limit=1", nil, asAdmin())
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	page = decode[paginatedFlows](t, data)
	require.Len(t, page.Items, 1)
	require.NotEmpty(t, page.NextCursor)
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/flows?limit=1&cursor="+url.QueryEscape(page.NextCursor), nil, asAdmin())
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	next := decode[paginatedFlows](t, data)
	require.Len(t, next.Items, 1)
	assert.NotEqual(t, page.Items[0].ID, next.Items[0].ID)
	assert.Empty(t, next.NextCursor)
}

func TestNotFoundEnvelope(t *testing.T) {
	srv := newTestServer(t, nil)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/flows/missing", nil, asAdmin())
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "not_found", decode[apiError](t, data).Body.Code)
}

func TestAuthoringSectionsAndTasks(t *testing.T) {
	srv := newTestServer(t, nil)
	created := createSeedFlow(t, srv)
	flowURL := srv.URL + "/v0/flows/" + created.ID

	res, data := doJSON(t, srv.Client(), http.MethodPost, flowURL+"/sections", map[string]any{"id": "s0", "title": "Intro", "position": 0}, asAdmin())
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	f := decode[FlowResponse](t, data)
	require.Len(t, f.Sections, 2)
	assert.Equal(t, "s0", f.Sections[0].ID)
	assert.Equal(t, "Not Started", f.Sections[0].DisplayStatus)
	assert.False(t, f.Sections[0].IsApproved, "empty section is never approved")

	res, data = doJSON(t, srv.Client(), http.MethodPost, flowURL+"/sections/s0/tasks", map[string]any{"title": "Say hi"}, asAdmin())
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	added := decode[TaskCreatedResponse](t, data)
	assert.True(t, added.Task.RequiresApproval)
	assert.Equal(t, 3, added.Flow.Progress.TotalTasks)

	res, data = doJSON(t, srv.Client(), http.MethodPatch, flowURL+"/tasks/"+added.Task.ID, map[string]any{"title": "Say hello", "requires_approval": false}, asAdmin())
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodDelete, flowURL+"/tasks/"+added.Task.ID, nil, asAdmin())
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	res, data = doJSON(t, srv.Client(), http.MethodDelete, flowURL+"/sections/s0", nil, asAdmin())
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Len(t, decode[FlowResponse](t, data).Sections, 1)

	res, data = doJSON(t, srv.Client(), http.MethodPatch, flowURL, map[string]any{"title": "  "}, asAdmin())
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, _ = doJSON(t, srv.Client(), http.MethodDelete, flowURL, nil, asAdmin())
	require.Equal(t, http.StatusNoContent, res.StatusCode)
	res, _ = doJSON(t, srv.Client(), http.MethodGet, flowURL, nil, asAdmin())
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestFileUploadAndDownload(t *testing.T) {
	srv := newTestServer(t, nil)
	created := createSeedFlow(t, srv)
	fileURL := srv.URL + "/v0/flows/" + created.ID + "/tasks/sign/inputs/scan/file"

	req, err := http.NewRequest(http.MethodPut, fileURL+"?filename=contract.pdf", bytes.NewReader([]byte("%PDF-1.4")))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Api-Key", srv.UserKey)
	res, err := srv.Client().Do(req)
	require.NoError(t, err)
	data, _ := io.ReadAll(res.Body)
	res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	f := decode[FlowResponse](t, data)
	assert.Contains(t, f.Sections[0].Tasks[0].Inputs[0].Value, "contract.pdf")

	res, data = doJSON(t, srv.Client(), http.MethodGet, fileURL, nil, withKey(srv.UserKey))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, "%PDF-1.4", string(data))
	assert.Contains(t, res.Header.Get("Content-Disposition"), "contract.pdf")

	res, data = doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/flows/"+created.ID+"/tasks/sign/inputs/scan", map[string]any{"value": "x"}, withKey(srv.UserKey))
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
}

func TestMessagesAndNotifications(t *testing.T) {
	srv := newTestServer(t, nil)
	created := createSeedFlow(t, srv)
	taskURL := srv.URL + "/v0/flows/" + created.ID + "/tasks/sign"

	res, data := doJSON(t, srv.Client(), http.MethodPost, taskURL+"/messages", map[string]any{"text": "Please sign today"}, asAdmin())
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	posted := decode[MessageResponse](t, data)
	assert.Equal(t, 0, posted.Flow.Sections[0].Tasks[0].UnreadMessages, "own messages are never unread")

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/notifications", nil, withKey(srv.UserKey))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	items := decode[[]map[string]any](t, data)
	require.Len(t, items, 1)
	assert.Equal(t, posted.Message.ID, items[0]["message_id"])

	res, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/notifications/"+posted.Message.ID+"/dismiss", nil, withKey(srv.UserKey))
	require.Equal(t, http.StatusNoContent, res.StatusCode)
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/notifications", nil, withKey(srv.UserKey))
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, `[]`, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/flows/"+created.ID, nil, withKey(srv.UserKey))
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, 1, decode[FlowResponse](t, data).Sections[0].Tasks[0].UnreadMessages)

	res, data = doJSON(t, srv.Client(), http.MethodPost, taskURL+"/messages/read", nil, withKey(srv.UserKey))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, 0, decode[FlowResponse](t, data).Sections[0].Tasks[0].UnreadMessages)
}

func TestUsersAndKeys(t *testing.T) {
	srv := newTestServer(t, nil)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, withKey(srv.UserKey))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	me := decode[UserResponse](t, data)
	assert.Equal(t, "user@example.com", me.Email)
	assert.Equal(t, "user", me.Role)

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/users", nil, withKey(srv.UserKey))
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/users", map[string]any{"email": "New@Example.com", "name": "New"}, asAdmin())
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	created := decode[UserResponse](t, data)
	assert.Equal(t, "new@example.com", created.Email)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/users", map[string]any{"email": "new@example.com"}, asAdmin())
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/users/"+created.ID+"/api-keys", map[string]any{"name": "cli"}, asAdmin())
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	key := decode[APIKeyResponse](t, data)
	require.NotEmpty(t, key.Key)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, withKey(key.Key))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, created.ID, decode[UserResponse](t, data).ID)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/users/"+created.ID+"/api-keys", nil, asAdmin())
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	keys := decode[[]APIKeyResponse](t, data)
	require.Len(t, keys, 1)
	assert.Empty(t, keys[0].Key)

	res, _ = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v0/api-keys/"+key.ID, nil, asAdmin())
	require.Equal(t, http.StatusNoContent, res.StatusCode)
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, withKey(key.Key))
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestDevLoginMintsUsableToken(t *testing.T) {
	srv := newTestServer(t, nil)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"email": "user@example.com"}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	login := decode[DevLoginResponse](t, data)
	require.NotEmpty(t, login.Token)

	bearer := map[string]string{"Authorization": "Bearer " + login.Token}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, bearer)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, srv.UserID, decode[UserResponse](t, data).ID)

	res, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/flows", map[string]any{"title": "x"}, bearer)
	assert.Equal(t, http.StatusForbidden, res.StatusCode, "role claim is honoured")

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer junk"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestDevLoginDisabled(t *testing.T) {
	srv := newTestServer(t, func(c *config.Config) { c.Auth.DevLogin = false })
	res, _ := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"email": "user@example.com"}, nil)
	assert.NotEqual(t, http.StatusOK, res.StatusCode)
}

func TestEventsListing(t *testing.T) {
	srv := newTestServer(t, nil)
	created := createSeedFlow(t, srv)
	res, data := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/flows/"+created.ID+"/tasks/read/completion", map[string]any{"completed": true}, withKey(srv.UserKey))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events?flow_id="+created.ID+"&limit=2", nil, withKey(srv.UserKey))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	page := decode[paginatedEvents](t, data)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "flow.status_changed", page.Items[0].Type)
	assert.Equal(t, "task.completed", page.Items[1].Type)
	require.NotEmpty(t, page.NextCursor)

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events", nil, withKey(srv.UserKey))
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events?cursor=abc", nil, asAdmin())
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestOpenAPIDocument(t *testing.T) {
	srv := newTestServer(t, nil)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	doc := decode[map[string]any](t, data)
	paths, ok := doc["paths"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, paths, "/v0/flows/{flow_id}/tasks/{task_id}/approval")
}

func TestWebhookDeliversNewEvents(t *testing.T) {
	var (
		mu       sync.Mutex
		received []string
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		received = append(received, r.Header.Get("X-Actionflow-Event"))
		mu.Unlock()
		assert.Equal(t, "s3cret", r.Header.Get("X-Actionflow-Secret"))
		assert.NotEmpty(t, r.Header.Get("X-Actionflow-Delivery"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	srv := newTestServer(t, func(c *config.Config) {
		c.Webhooks = []config.WebhookConfig{{URL: hook.URL, Events: []string{"flow.created"}, Secret: "s3cret", TimeoutSeconds: 2}}
	})
	d := NewWebhookDispatcher(srv.Engine, nil)
	require.NotNil(t, d)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// First round pins the cursor at the end of the bootstrap events.
	d.DispatchAll(ctx)
	createSeedFlow(t, srv)
	d.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"flow.created"}, received)
}

func TestNoDispatcherWithoutWebhooks(t *testing.T) {
	srv := newTestServer(t, nil)
	assert.Nil(t, NewWebhookDispatcher(srv.Engine, nil))
}
