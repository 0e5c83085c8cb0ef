package domain

import (
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

// Date is a due date accepted either as a calendar day or an RFC 3339 instant.
type Date struct {
	time.Time
}

// ParseDate parses "2006-01-02" or RFC 3339 input into a UTC instant.
func ParseDate(raw string) (Date, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Date{}, Invalid("dueDate", "is required")
	}
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return Date{t.UTC()}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return Date{}, Invalid("dueDate", "must be YYYY-MM-DD or RFC 3339")
	}
	return Date{t.UTC()}, nil
}

func (d *Date) UnmarshalJSON(data []byte) error {
	var raw string
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return Invalid("dueDate", "must be a string")
	}
	parsed, err := ParseDate(raw)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func (d Date) MarshalJSON() ([]byte, error) {
	return sonic.Marshal(d.UTC().Format(time.RFC3339Nano))
}

// NewTask is the input of createTask.
type NewTask struct {
	ListID      string   `json:"listId"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Priority    Priority `json:"priority,omitempty"`
	DueDate     *Date    `json:"dueDate"`
	Assignees   []string `json:"assignees,omitempty"`
}

// Normalize validates the input once. Priority defaults to MEDIUM.
func (n *NewTask) Normalize() error {
	n.ListID = strings.TrimSpace(n.ListID)
	if n.ListID == "" {
		return Invalid("listId", "is required")
	}
	title, err := normalizeTitle(n.Title)
	if err != nil {
		return err
	}
	n.Title = title
	if len(n.Description) > maxDescriptionLength {
		return Invalid("description", "is too long")
	}
	if n.Priority == "" {
		n.Priority = PriorityMedium
	} else if !n.Priority.Valid() {
		if n.Priority, err = ParsePriority(string(n.Priority)); err != nil {
			return err
		}
	}
	if n.DueDate == nil || n.DueDate.IsZero() {
		return Invalid("dueDate", "is required")
	}
	n.Assignees = normalizeAssignees(n.Assignees)
	return nil
}

func normalizeTitle(raw string) (string, error) {
	title := strings.TrimSpace(raw)
	if title == "" {
		return "", Invalid("title", "must not be empty")
	}
	if len(title) > maxTitleLength {
		return "", Invalid("title", "is too long")
	}
	return title, nil
}

func normalizeAssignees(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, a := range in {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if _, dup := seen[a]; dup {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}

// TaskPatch is a partial update. Nil fields are left untouched.
type TaskPatch struct {
	Title       *string   `json:"title,omitempty"`
	Description *string   `json:"description,omitempty"`
	Priority    *Priority `json:"priority,omitempty"`
	DueDate     *Date     `json:"dueDate,omitempty"`
	Assignees   *[]string `json:"assignees,omitempty"`
}

func (p *TaskPatch) Normalize() error {
	if p.Title == nil && p.Description == nil && p.Priority == nil && p.DueDate == nil && p.Assignees == nil {
		return Invalid("", "update has no fields")
	}
	if p.Title != nil {
		title, err := normalizeTitle(*p.Title)
		if err != nil {
			return err
		}
		p.Title = &title
	}
	if p.Description != nil && len(*p.Description) > maxDescriptionLength {
		return Invalid("description", "is too long")
	}
	if p.Priority != nil && !p.Priority.Valid() {
		parsed, err := ParsePriority(string(*p.Priority))
		if err != nil {
			return err
		}
		p.Priority = &parsed
	}
	if p.DueDate != nil && p.DueDate.IsZero() {
		return Invalid("dueDate", "must not be empty")
	}
	if p.Assignees != nil {
		a := normalizeAssignees(*p.Assignees)
		p.Assignees = &a
	}
	return nil
}

// Apply copies the set fields onto t.
func (p TaskPatch) Apply(t *Task, now time.Time) {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.DueDate != nil {
		t.DueDate = p.DueDate.UTC()
	}
	if p.Assignees != nil {
		t.Assignees = append([]string{}, (*p.Assignees)...)
	}
	t.UpdatedAt = now
}

// SearchFilter narrows the tasks of one project. Zero fields match anything.
type SearchFilter struct {
	Query      string     `json:"query,omitempty"`
	Priority   Priority   `json:"priority,omitempty"`
	ListID     string     `json:"stateId,omitempty"`
	AssigneeID string     `json:"assigneeId,omitempty"`
	DueFrom    *time.Time `json:"dueFrom,omitempty"`
	DueTo      *time.Time `json:"dueTo,omitempty"`
}

func (f SearchFilter) Matches(t Task) bool {
	if f.Priority != "" && t.Priority != f.Priority {
		return false
	}
	if f.ListID != "" && t.ListID != f.ListID {
		return false
	}
	if f.AssigneeID != "" && !containsString(t.Assignees, f.AssigneeID) {
		return false
	}
	if f.DueFrom != nil && t.DueDate.Before(*f.DueFrom) {
		return false
	}
	if f.DueTo != nil && t.DueDate.After(*f.DueTo) {
		return false
	}
	if q := strings.ToLower(strings.TrimSpace(f.Query)); q != "" {
		if !strings.Contains(strings.ToLower(t.Title), q) && !strings.Contains(strings.ToLower(t.Description), q) {
			return false
		}
	}
	return true
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
