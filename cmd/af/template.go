package main

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"actionflow/internal/engine"
)

// flowTemplate is the YAML layout accepted by 'af flow create --file':
//
//	title: Onboarding
//	assignee_id: u1
//	sections:
//	  - title: Paperwork
//	    tasks:
//	      - title: Sign contract
//	        inputs:
//	          - {kind: file, label: Signed copy}
//	      - title: Read handbook
//	        requires_approval: false
type flowTemplate struct {
	Title       string            `yaml:"title"`
	Description string            `yaml:"description"`
	Deadline    *string           `yaml:"deadline"`
	AssigneeID  *string           `yaml:"assignee_id"`
	Sections    []sectionTemplate `yaml:"sections"`
}

type sectionTemplate struct {
	ID          string         `yaml:"id"`
	Title       string         `yaml:"title"`
	Description string         `yaml:"description"`
	Tasks       []taskTemplate `yaml:"tasks"`
}

type taskTemplate struct {
	ID               string          `yaml:"id"`
	Title            string          `yaml:"title"`
	Description      string          `yaml:"description"`
	Deadline         *string         `yaml:"deadline"`
	RequiresApproval *bool           `yaml:"requires_approval"`
	Inputs           []inputTemplate `yaml:"inputs"`
}

type inputTemplate struct {
	ID    string `yaml:"id"`
	Kind  string `yaml:"kind"`
	Label string `yaml:"label"`
}

func parseFlowTemplate(data []byte) (engine.FlowCreateOptions, error) {
	var tpl flowTemplate
	if err := yaml.Unmarshal(data, &tpl); err != nil {
		return engine.FlowCreateOptions{}, fmt.Errorf("invalid flow template: %w", err)
	}
	opts := engine.FlowCreateOptions{
		Title:       tpl.Title,
		Description: tpl.Description,
		Deadline:    tpl.Deadline,
		AssigneeID:  tpl.AssigneeID,
	}
	for _, s := range tpl.Sections {
		sec := engine.SectionSpec{ID: s.ID, Title: s.Title, Description: s.Description}
		for _, t := range s.Tasks {
			task := engine.TaskSpec{
				ID:               t.ID,
				Title:            t.Title,
				Description:      t.Description,
				Deadline:         t.Deadline,
				RequiresApproval: t.RequiresApproval,
			}
			for _, in := range t.Inputs {
				task.Inputs = append(task.Inputs, engine.InputSpec{ID: in.ID, Kind: in.Kind, Label: in.Label})
			}
			sec.Tasks = append(sec.Tasks, task)
		}
		opts.Sections = append(opts.Sections, sec)
	}
	return opts, nil
}
