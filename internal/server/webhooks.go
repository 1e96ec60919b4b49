package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"actionflow/internal/config"
	"actionflow/internal/domain"
	"actionflow/internal/engine"
	"actionflow/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// WebhookDispatcher polls the event log and posts new events to the
// configured endpoints. Each endpoint keeps its own cursor and stops at the
// first failed delivery so it is retried on the next tick.
type WebhookDispatcher struct {
	engine   engine.Engine
	webhooks []config.WebhookConfig
	client   *http.Client
	log      *zap.Logger
	interval time.Duration
	mu       sync.Mutex
	cursors  map[int]int64
}

// NewWebhookDispatcher returns nil when no webhook is configured.
func NewWebhookDispatcher(e engine.Engine, logger *zap.Logger) *WebhookDispatcher {
	if e.Config == nil || len(e.Config.Webhooks) == 0 {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookDispatcher{
		engine:   e,
		webhooks: e.Config.Webhooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		log:      logger.Named("webhooks"),
		interval: defaultWebhookInterval,
		cursors:  make(map[int]int64),
	}
}

// Run dispatches until ctx is cancelled.
func (d *WebhookDispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchAll runs one delivery round over every enabled endpoint.
func (d *WebhookDispatcher) DispatchAll(ctx context.Context) {
	for i, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor := d.cursorFor(ctx, idx)
	events, err := d.engine.Repo.EventsAfter(ctx, defaultWebhookBatch, cursor, repo.EventFilters{})
	if err != nil {
		d.log.Warn("fetch events failed", zap.Error(err))
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			d.log.Warn("delivery failed", zap.String("url", hook.URL), zap.Int64("event_id", evt.ID), zap.Error(err))
			return
		}
		d.setCursor(idx, evt.ID)
	}
}

// cursorFor starts a new endpoint at the current end of the log.
func (d *WebhookDispatcher) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.engine.Repo.LatestEventID(ctx, "")
	if err != nil {
		d.log.Warn("init cursor failed", zap.Error(err))
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *WebhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	FlowID     string          `json:"flow_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func (d *WebhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage([]byte("{}"))
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage([]byte(evt.Payload))
		} else {
			raw = evt.Payload
		}
	}
	data, err := json.Marshal(webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		FlowID:     evt.FlowID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
		PayloadRaw: raw,
	})
	if err != nil {
		return err
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		if timeout := time.Duration(hook.TimeoutSeconds) * time.Second; timeout != d.client.Timeout {
			client = &http.Client{Timeout: timeout}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actionflow-Event", evt.Type)
	req.Header.Set("X-Actionflow-Delivery", fmt.Sprintf("%d", evt.ID))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Actionflow-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
