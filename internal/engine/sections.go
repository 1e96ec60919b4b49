package engine

import (
	"context"

	"actionflow/internal/domain"
	"actionflow/internal/engine/auth"
	"actionflow/internal/events"
)

// AddSection appends a section. Position, when in range, inserts it at that index.
func (e Engine) AddSection(ctx context.Context, p auth.Principal, flowID string, spec SectionSpec, position *int) (domain.ActionFlow, error) {
	return e.mutateFlow(ctx, p, flowID, "section.add", accessAdmin, func(f *domain.ActionFlow) (flowEvent, error) {
		s, err := e.buildSection("section", spec)
		if err != nil {
			return flowEvent{}, err
		}
		idx := len(f.Sections)
		if position != nil && *position >= 0 && *position < idx {
			idx = *position
		}
		f.Sections = append(f.Sections, domain.Section{})
		copy(f.Sections[idx+1:], f.Sections[idx:])
		f.Sections[idx] = s
		if err := ensureUniqueIDs(*f); err != nil {
			return flowEvent{}, err
		}
		return flowEvent{Type: events.SectionAdded, EntityKind: "section", EntityID: s.ID, Payload: events.EventPayload{
			"title":    s.Title,
			"position": idx,
			"tasks":    len(s.Tasks),
		}}, nil
	})
}

type SectionUpdateOptions struct {
	FlowID      string
	SectionID   string
	Title       *string
	Description *string
}

func (e Engine) UpdateSection(ctx context.Context, p auth.Principal, opts SectionUpdateOptions) (domain.ActionFlow, error) {
	return e.mutateFlow(ctx, p, opts.FlowID, "section.update", accessAdmin, func(f *domain.ActionFlow) (flowEvent, error) {
		s, err := locateSection(f, opts.SectionID)
		if err != nil {
			return flowEvent{}, err
		}
		payload := events.EventPayload{}
		if opts.Title != nil {
			title, err := requireTitle("title", *opts.Title)
			if err != nil {
				return flowEvent{}, err
			}
			s.Title = title
			payload["title"] = title
		}
		if opts.Description != nil {
			s.Description = *opts.Description
			payload["description"] = true
		}
		return flowEvent{Type: events.SectionUpdated, EntityKind: "section", EntityID: s.ID, Payload: payload}, nil
	})
}

// DeleteSection removes a section with all its tasks.
func (e Engine) DeleteSection(ctx context.Context, p auth.Principal, flowID, sectionID string) (domain.ActionFlow, error) {
	var removed domain.Section
	f, err := e.mutateFlow(ctx, p, flowID, "section.delete", accessAdmin, func(f *domain.ActionFlow) (flowEvent, error) {
		if _, err := locateSection(f, sectionID); err != nil {
			return flowEvent{}, err
		}
		idx := f.FindSection(sectionID)
		removed = f.Sections[idx]
		f.Sections = append(f.Sections[:idx], f.Sections[idx+1:]...)
		return flowEvent{Type: events.SectionDeleted, EntityKind: "section", EntityID: sectionID, Payload: events.EventPayload{
			"title": removed.Title,
			"tasks": len(removed.Tasks),
		}}, nil
	})
	if err != nil {
		return domain.ActionFlow{}, err
	}
	e.removeSectionFiles(ctx, removed)
	return f, nil
}
