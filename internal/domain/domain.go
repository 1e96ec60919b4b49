package domain

type FlowStatus string

const (
	FlowDraft      FlowStatus = "draft"
	FlowInProgress FlowStatus = "in_progress"
	FlowCompleted  FlowStatus = "completed"
)

type ApprovalStatus string

const (
	ApprovalNone     ApprovalStatus = "none"
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRefused  ApprovalStatus = "refused"
)

// ParseApprovalStatus maps unknown or empty values to ApprovalNone.
func ParseApprovalStatus(s string) ApprovalStatus {
	switch ApprovalStatus(s) {
	case ApprovalPending, ApprovalApproved, ApprovalRefused:
		return ApprovalStatus(s)
	default:
		return ApprovalNone
	}
}

const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

const (
	InputText = "text"
	InputFile = "file"
)

type ActionFlow struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Deadline    *string    `json:"deadline,omitempty" format:"date"`
	AssigneeID  *string    `json:"assignee_id,omitempty"`
	Status      FlowStatus `json:"status" enum:"draft,in_progress,completed"`
	Sections    []Section  `json:"sections"`
	CreatedBy   string     `json:"created_by"`
	CreatedAt   string     `json:"created_at" format:"date-time"`
	UpdatedAt   string     `json:"updated_at" format:"date-time"`
}

type Section struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Tasks       []Task `json:"tasks"`
}

type Task struct {
	ID               string         `json:"id"`
	Title            string         `json:"title"`
	Description      string         `json:"description,omitempty"`
	Deadline         *string        `json:"deadline,omitempty"`
	Completed        bool           `json:"completed"`
	RequiresApproval bool           `json:"requires_approval"`
	ApprovalStatus   ApprovalStatus `json:"approval_status"`
	Inputs           []Input        `json:"inputs"`
	Messages         []Message      `json:"messages"`
}

type Input struct {
	ID    string `json:"id"`
	Kind  string `json:"kind"`
	Label string `json:"label"`
	Value string `json:"value"`
}

type Message struct {
	ID        string `json:"id"`
	SenderID  string `json:"sender_id"`
	Text      string `json:"text"`
	CreatedAt string `json:"created_at"`
	Read      bool   `json:"read"`
}

type User struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name,omitempty"`
	Role      string `json:"role"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	FlowID     string `json:"flow_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// FindSection returns the index of the section with the given id, or -1.
func (f ActionFlow) FindSection(id string) int {
	for i, s := range f.Sections {
		if s.ID == id {
			return i
		}
	}
	return -1
}

// FindTask returns section and task indexes for a task id, or -1,-1.
func (f ActionFlow) FindTask(id string) (int, int) {
	for si, s := range f.Sections {
		for ti, t := range s.Tasks {
			if t.ID == id {
				return si, ti
			}
		}
	}
	return -1, -1
}

// Clone returns a deep copy so callers can mutate sections without aliasing.
func (f ActionFlow) Clone() ActionFlow {
	out := f
	if f.Sections == nil {
		return out
	}
	out.Sections = make([]Section, len(f.Sections))
	for i, s := range f.Sections {
		out.Sections[i] = s.Clone()
	}
	return out
}

func (s Section) Clone() Section {
	out := s
	if s.Tasks == nil {
		return out
	}
	out.Tasks = make([]Task, len(s.Tasks))
	for i, t := range s.Tasks {
		out.Tasks[i] = t.Clone()
	}
	return out
}

func (t Task) Clone() Task {
	out := t
	if t.Inputs != nil {
		out.Inputs = make([]Input, len(t.Inputs))
		copy(out.Inputs, t.Inputs)
	}
	if t.Messages != nil {
		out.Messages = make([]Message, len(t.Messages))
		copy(out.Messages, t.Messages)
	}
	if t.Deadline != nil {
		d := *t.Deadline
		out.Deadline = &d
	}
	return out
}
