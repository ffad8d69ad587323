package model

import "slices"

type Task struct {
	ID           int      `yaml:"id" json:"id"`
	Title        string   `yaml:"title" json:"title"`
	Status       Status   `yaml:"status" json:"status"`
	Dependencies []int    `yaml:"dependencies" json:"dependencies"`
	FilesTouched []string `yaml:"files_touched" json:"files_touched"`
	DetailRef    string   `yaml:"detail_ref,omitempty" json:"detail_ref,omitempty"`
	ClaimToken   *string  `yaml:"claim_token" json:"claim_token,omitempty"`
	ClaimedBy    *string  `yaml:"claimed_by" json:"claimed_by,omitempty"`
	ClaimedAt    *string  `yaml:"claimed_at" json:"claimed_at,omitempty"`
	CompletedAt  *string  `yaml:"completed_at" json:"completed_at,omitempty"`
	Failures     int      `yaml:"failures" json:"failures"`
	CreatedAt    string   `yaml:"created_at" json:"created_at"`
	UpdatedAt    string   `yaml:"updated_at" json:"updated_at"`

	// Version is the store version the task was read at. Not persisted.
	Version int64 `yaml:"-" json:"-"`
}

func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Dependencies = slices.Clone(t.Dependencies)
	c.FilesTouched = slices.Clone(t.FilesTouched)
	c.ClaimToken = clonePtr(t.ClaimToken)
	c.ClaimedBy = clonePtr(t.ClaimedBy)
	c.ClaimedAt = clonePtr(t.ClaimedAt)
	c.CompletedAt = clonePtr(t.CompletedAt)
	return &c
}

// TaskDetail is the detailed execution plan written when planning finishes.
type TaskDetail struct {
	TaskID       int      `yaml:"task_id" json:"task_id"`
	Steps        []string `yaml:"steps" json:"steps"`
	FilesTouched []string `yaml:"files_touched" json:"files_touched"`
	Notes        string   `yaml:"notes,omitempty" json:"notes,omitempty"`
	CreatedAt    string   `yaml:"created_at" json:"created_at"`
}

// PlanDocument is an ordered snapshot of every task in the plan.
type PlanDocument struct {
	Tasks []*Task `json:"tasks"`
}

func (p *PlanDocument) Find(id int) *Task {
	for _, t := range p.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

func (p *PlanDocument) InProgress() []*Task {
	return p.WithStatus(StatusInProgress)
}

func (p *PlanDocument) WithStatus(s Status) []*Task {
	var out []*Task
	for _, t := range p.Tasks {
		if t.Status == s {
			out = append(out, t)
		}
	}
	return out
}

func (p *PlanDocument) Clone() *PlanDocument {
	c := &PlanDocument{Tasks: make([]*Task, 0, len(p.Tasks))}
	for _, t := range p.Tasks {
		c.Tasks = append(c.Tasks, t.Clone())
	}
	return c
}

// FileLease marks a path as owned by one in-progress claim.
type FileLease struct {
	Path       string `yaml:"path" json:"path"`
	TaskID     int    `yaml:"task_id" json:"task_id"`
	Token      string `yaml:"token" json:"token"`
	AcquiredAt string `yaml:"acquired_at" json:"acquired_at"`

	Version int64 `yaml:"-" json:"-"`
}

// ChangeSummary is handed to the caller after a task completes so it can be
// passed on to a commit step.
type ChangeSummary struct {
	TaskID int      `json:"task_id"`
	Title  string   `json:"title"`
	Files  []string `json:"files"`
}

func clonePtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
