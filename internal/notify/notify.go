// Package notify projects unread task messages into per-user notifications
// and tracks which of them the user dismissed.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"actionflow/internal/domain"
	"actionflow/internal/repo"
)

// DismissedKey is the user_state key holding dismissed message ids.
const DismissedKey = "notifications.dismissed"

// Notification is one unread message addressed to the viewer.
type Notification struct {
	FlowID    string `json:"flow_id"`
	FlowTitle string `json:"flow_title"`
	SectionID string `json:"section_id"`
	TaskID    string `json:"task_id"`
	TaskTitle string `json:"task_title"`
	MessageID string `json:"message_id"`
	SenderID  string `json:"sender_id"`
	Text      string `json:"text"`
	CreatedAt string `json:"created_at"`
}

// Store persists small per-user values. repo.UserState implements it.
type Store interface {
	Get(ctx context.Context, userID, key string) (string, error)
	Set(ctx context.Context, userID, key, value string) error
}

// Collect lists unread messages not sent by viewerID, newest first.
func Collect(flows []domain.ActionFlow, viewerID string) []Notification {
	var out []Notification
	for _, f := range flows {
		for _, s := range f.Sections {
			for _, t := range s.Tasks {
				for _, m := range t.Messages {
					if m.Read || m.SenderID == viewerID {
						continue
					}
					out = append(out, Notification{
						FlowID:    f.ID,
						FlowTitle: f.Title,
						SectionID: s.ID,
						TaskID:    t.ID,
						TaskTitle: t.Title,
						MessageID: m.ID,
						SenderID:  m.SenderID,
						Text:      m.Text,
						CreatedAt: m.CreatedAt,
					})
				}
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out
}

// Session holds one user's dismissed-message state. Create one per request or
// client session; it is safe for concurrent use.
type Session struct {
	store  Store
	userID string

	mu        sync.Mutex
	dismissed map[string]struct{}
}

// NewSession loads the user's dismissed set from store.
func NewSession(ctx context.Context, store Store, userID string) (*Session, error) {
	s := &Session{store: store, userID: userID, dismissed: map[string]struct{}{}}
	raw, err := store.Get(ctx, userID, DismissedKey)
	if errors.Is(err, repo.ErrNotFound) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load dismissed notifications: %w", err)
	}
	var ids []string
	// a corrupt value resets the set
	if json.Unmarshal([]byte(raw), &ids) == nil {
		for _, id := range ids {
			s.dismissed[id] = struct{}{}
		}
	}
	return s, nil
}

func (s *Session) IsDismissed(messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.dismissed[messageID]
	return ok
}

// Dismiss hides a message and persists the updated set.
func (s *Session) Dismiss(ctx context.Context, messageID string) error {
	s.mu.Lock()
	if _, ok := s.dismissed[messageID]; ok {
		s.mu.Unlock()
		return nil
	}
	s.dismissed[messageID] = struct{}{}
	ids := make([]string, 0, len(s.dismissed))
	for id := range s.dismissed {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	if err := s.store.Set(ctx, s.userID, DismissedKey, string(data)); err != nil {
		return fmt.Errorf("save dismissed notifications: %w", err)
	}
	return nil
}

// Visible drops dismissed notifications.
func (s *Session) Visible(items []Notification) []Notification {
	out := make([]Notification, 0, len(items))
	for _, n := range items {
		if !s.IsDismissed(n.MessageID) {
			out = append(out, n)
		}
	}
	return out
}
