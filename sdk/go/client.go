package actionflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal ActionFlow HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Input is a text or file slot on a task.
type Input struct {
	ID    string `json:"id,omitempty"`
	Kind  string `json:"kind,omitempty"`
	Label string `json:"label,omitempty"`
	Value string `json:"value,omitempty"`
}

type Message struct {
	ID        string `json:"id"`
	SenderID  string `json:"sender_id"`
	Text      string `json:"text"`
	CreatedAt string `json:"created_at"`
	Read      bool   `json:"read"`
}

type Task struct {
	ID               string    `json:"id"`
	Title            string    `json:"title"`
	Description      string    `json:"description,omitempty"`
	Deadline         *string   `json:"deadline,omitempty"`
	Completed        bool      `json:"completed"`
	RequiresApproval bool      `json:"requires_approval"`
	ApprovalStatus   string    `json:"approval_status"`
	Inputs           []Input   `json:"inputs"`
	Messages         []Message `json:"messages"`
	UnreadMessages   int       `json:"unread_messages"`
}

type Section struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	Description   string `json:"description,omitempty"`
	IsApproved    bool   `json:"is_approved"`
	DisplayStatus string `json:"display_status"`
	Tasks         []Task `json:"tasks"`
}

type Progress struct {
	CompletedTasks int `json:"completed_tasks"`
	TotalTasks     int `json:"total_tasks"`
	Percent        int `json:"percent"`
}

// PendingTask is a completed task waiting for an admin decision.
type PendingTask struct {
	SectionID string `json:"section_id"`
	TaskID    string `json:"task_id"`
	TaskTitle string `json:"task_title"`
}

// Flow represents the API flow model with its derived fields.
type Flow struct {
	ID               string        `json:"id"`
	Title            string        `json:"title"`
	Description      string        `json:"description,omitempty"`
	Deadline         *string       `json:"deadline,omitempty"`
	AssigneeID       *string       `json:"assignee_id,omitempty"`
	Status           string        `json:"status"`
	DisplayStatus    string        `json:"display_status"`
	IsApproved       bool          `json:"is_approved"`
	Progress         Progress      `json:"progress"`
	PendingApprovals []PendingTask `json:"pending_approvals"`
	Sections         []Section     `json:"sections"`
	CreatedBy        string        `json:"created_by"`
	CreatedAt        string        `json:"created_at"`
	UpdatedAt        string        `json:"updated_at"`
}

// NewTask is the payload of a task to create.
type NewTask struct {
	ID               string  `json:"id,omitempty"`
	Title            string  `json:"title"`
	Description      string  `json:"description,omitempty"`
	Deadline         *string `json:"deadline,omitempty"`
	RequiresApproval *bool   `json:"requires_approval,omitempty"`
	Inputs           []Input `json:"inputs,omitempty"`
}

type NewSection struct {
	ID          string    `json:"id,omitempty"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Tasks       []NewTask `json:"tasks,omitempty"`
}

type NewFlow struct {
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Deadline    *string      `json:"deadline,omitempty"`
	AssigneeID  *string      `json:"assignee_id,omitempty"`
	Sections    []NewSection `json:"sections,omitempty"`
}

// Notification is an unread message addressed to the caller.
type Notification struct {
	MessageID string `json:"message_id"`
	FlowID    string `json:"flow_id"`
	FlowTitle string `json:"flow_title"`
	SectionID string `json:"section_id"`
	TaskID    string `json:"task_id"`
	TaskTitle string `json:"task_title"`
	SenderID  string `json:"sender_id"`
	Text      string `json:"text"`
	CreatedAt string `json:"created_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	FlowID     string         `json:"flow_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses. Code and Message are filled from the
// error envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

type PaginatedFlows struct {
	Items      []Flow `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateFlow creates a flow (admin).
func (c *Client) CreateFlow(ctx context.Context, flow NewFlow) (Flow, error) {
	var resp Flow
	err := c.do(ctx, http.MethodPost, "flows", flow, &resp)
	return resp, err
}

// GetFlow fetches one flow.
func (c *Client) GetFlow(ctx context.Context, flowID string) (Flow, error) {
	var resp Flow
	err := c.do(ctx, http.MethodGet, "flows/"+url.PathEscape(flowID), nil, &resp)
	return resp, err
}

// ListFlows returns one page of the flows visible to the caller.
func (c *Client) ListFlows(ctx context.Context, status string, limit int, cursor string) (PaginatedFlows, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedFlows
	err := c.do(ctx, http.MethodGet, withQuery("flows", q), nil, &resp)
	return resp, err
}

// AddTask appends a task to a section and returns the created task.
func (c *Client) AddTask(ctx context.Context, flowID, sectionID string, task NewTask) (Task, error) {
	var resp struct {
		Task Task `json:"task"`
	}
	endpoint := fmt.Sprintf("flows/%s/sections/%s/tasks", url.PathEscape(flowID), url.PathEscape(sectionID))
	err := c.do(ctx, http.MethodPost, endpoint, task, &resp)
	return resp.Task, err
}

// SetCompleted marks a task completed or not completed.
func (c *Client) SetCompleted(ctx context.Context, flowID, taskID string, completed bool) (Flow, error) {
	var resp Flow
	err := c.do(ctx, http.MethodPut, taskPath(flowID, taskID, "completion"), map[string]any{"completed": completed}, &resp)
	return resp, err
}

// Approve, Refuse and Reset record an admin decision on a completed task.
func (c *Client) Approve(ctx context.Context, flowID, taskID string) (Flow, error) {
	return c.approval(ctx, flowID, taskID, "approve")
}

func (c *Client) Refuse(ctx context.Context, flowID, taskID string) (Flow, error) {
	return c.approval(ctx, flowID, taskID, "refuse")
}

func (c *Client) Reset(ctx context.Context, flowID, taskID string) (Flow, error) {
	return c.approval(ctx, flowID, taskID, "reset")
}

func (c *Client) approval(ctx context.Context, flowID, taskID, action string) (Flow, error) {
	var resp Flow
	err := c.do(ctx, http.MethodPost, taskPath(flowID, taskID, "approval"), map[string]any{"action": action}, &resp)
	return resp, err
}

// SetInputValue fills a text input.
func (c *Client) SetInputValue(ctx context.Context, flowID, taskID, inputID, value string) (Flow, error) {
	var resp Flow
	endpoint := taskPath(flowID, taskID, "inputs/"+url.PathEscape(inputID))
	err := c.do(ctx, http.MethodPut, endpoint, map[string]any{"value": value}, &resp)
	return resp, err
}

// PostMessage adds a message to a task thread.
func (c *Client) PostMessage(ctx context.Context, flowID, taskID, text string) (Message, error) {
	var resp struct {
		Message Message `json:"message"`
	}
	err := c.do(ctx, http.MethodPost, taskPath(flowID, taskID, "messages"), map[string]any{"text": text}, &resp)
	return resp.Message, err
}

// Notifications lists unread messages addressed to the caller.
func (c *Client) Notifications(ctx context.Context) ([]Notification, error) {
	var resp []Notification
	err := c.do(ctx, http.MethodGet, "notifications", nil, &resp)
	return resp, err
}

// DismissNotification hides a notification for the caller.
func (c *Client) DismissNotification(ctx context.Context, messageID string) error {
	return c.do(ctx, http.MethodPost, "notifications/"+url.PathEscape(messageID)+"/dismiss", nil, nil)
}

// EventsPage returns a paginated event listing, limited to flowID when set.
func (c *Client) EventsPage(ctx context.Context, flowID string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if flowID != "" {
		q.Set("flow_id", flowID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func taskPath(flowID, taskID, suffix string) string {
	return fmt.Sprintf("flows/%s/tasks/%s/%s", url.PathEscape(flowID), url.PathEscape(taskID), suffix)
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
