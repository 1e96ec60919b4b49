package domain

import (
	"encoding/json"
	"fmt"
)

// DecodeSections parses a sections blob as stored in the action_flows table.
// It never fails: a blob that is not a JSON array yields no sections, a section
// whose tasks are not an array has no tasks, and a task whose completed flag is
// missing or not a boolean is treated as incomplete. The blob may also be a
// JSON string holding the encoded array, or a whole flow object with a
// "sections" member.
func DecodeSections(data []byte) []Section {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return []Section{}
	}
	return SectionsFromValue(raw)
}

// SectionsFromValue converts an already parsed JSON value into sections with
// the same defaulting rules as DecodeSections.
func SectionsFromValue(raw any) []Section {
	switch v := raw.(type) {
	case string:
		var inner any
		if err := json.Unmarshal([]byte(v), &inner); err != nil {
			return []Section{}
		}
		if _, nested := inner.(string); nested {
			return []Section{}
		}
		return SectionsFromValue(inner)
	case map[string]any:
		if s, ok := v["sections"]; ok {
			return SectionsFromValue(s)
		}
		return []Section{}
	case []any:
		out := make([]Section, 0, len(v))
		for _, item := range v {
			obj, ok := item.(map[string]any)
			if !ok {
				continue
			}
			out = append(out, sectionFromMap(obj))
		}
		return out
	default:
		return []Section{}
	}
}

func sectionFromMap(m map[string]any) Section {
	s := Section{
		ID:          stringField(m, "id"),
		Title:       stringField(m, "title"),
		Description: stringField(m, "description"),
		Tasks:       []Task{},
	}
	items, _ := m["tasks"].([]any)
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		s.Tasks = append(s.Tasks, taskFromMap(obj))
	}
	return s
}

func taskFromMap(m map[string]any) Task {
	t := Task{
		ID:               stringField(m, "id"),
		Title:            stringField(m, "title"),
		Description:      stringField(m, "description"),
		Deadline:         optionalStringField(m, "deadline"),
		Completed:        boolField(m, "completed"),
		RequiresApproval: boolFieldOr(m, "requires_approval", true),
		ApprovalStatus:   ParseApprovalStatus(stringField(m, "approval_status")),
		Inputs:           []Input{},
		Messages:         []Message{},
	}
	inputs, _ := m["inputs"].([]any)
	for _, item := range inputs {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		in := Input{
			ID:    stringField(obj, "id"),
			Kind:  stringField(obj, "kind"),
			Label: stringField(obj, "label"),
			Value: stringField(obj, "value"),
		}
		if in.Kind != InputFile {
			in.Kind = InputText
		}
		t.Inputs = append(t.Inputs, in)
	}
	messages, _ := m["messages"].([]any)
	for _, item := range messages {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		t.Messages = append(t.Messages, Message{
			ID:        stringField(obj, "id"),
			SenderID:  stringField(obj, "sender_id"),
			Text:      stringField(obj, "text"),
			CreatedAt: stringField(obj, "created_at"),
			Read:      boolField(obj, "read"),
		})
	}
	return t
}

func stringField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%v", v)
	default:
		return ""
	}
}

func optionalStringField(m map[string]any, key string) *string {
	v, ok := m[key].(string)
	if !ok || v == "" {
		return nil
	}
	return &v
}

func boolField(m map[string]any, key string) bool {
	return boolFieldOr(m, key, false)
}

// boolFieldOr returns def unless the key holds an explicit boolean.
func boolFieldOr(m map[string]any, key string, def bool) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return def
}

// EncodeSections serializes sections for storage. Nil slices are written as
// empty arrays so the blob always round-trips through DecodeSections.
func EncodeSections(sections []Section) (string, error) {
	out := make([]Section, len(sections))
	for i, s := range sections {
		s = s.Clone()
		for j := range s.Tasks {
			if s.Tasks[j].Inputs == nil {
				s.Tasks[j].Inputs = []Input{}
			}
			if s.Tasks[j].Messages == nil {
				s.Tasks[j].Messages = []Message{}
			}
			if s.Tasks[j].ApprovalStatus == "" {
				s.Tasks[j].ApprovalStatus = ApprovalNone
			}
		}
		out[i] = s
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("encode sections: %w", err)
	}
	return string(b), nil
}
