package domain

import (
	"sort"
	"strings"
	"time"
)

const (
	DefaultListLabel = "To Do"
	DefaultListColor = "gray-200"

	maxTitleLength       = 200
	maxDescriptionLength = 5000
	maxLabelLength       = 100
	maxColorLength       = 32
)

// Project owns lists, tasks and participants.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"ownerId"`
	CreatedAt time.Time `json:"createdAt"`
}

// List is a labelled, colored bucket of tasks ("state") within a project.
type List struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId"`
	Label     string    `json:"label"`
	Color     string    `json:"color"`
	CreatedAt time.Time `json:"createdAt"`
}

// Task belongs to exactly one list at a time. ListID is its only position.
type Task struct {
	ID              string    `json:"id"`
	ListID          string    `json:"stateId"`
	ProjectID       string    `json:"projectId"`
	Title           string    `json:"title"`
	Description     string    `json:"description,omitempty"`
	Priority        Priority  `json:"priority"`
	DueDate         time.Time `json:"dueDate"`
	Assignees       []string  `json:"assignees"`
	AttachmentCount int       `json:"attachmentCount"`
	CommentCount    int       `json:"commentCount"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Participant is a user's membership in a project.
type Participant struct {
	ProjectID string `json:"projectId"`
	UserID    string `json:"userId"`
	Role      Role   `json:"role"`
	Name      string `json:"name,omitempty"`
	Avatar    string `json:"avatar,omitempty"`
}

// Board is the full read shape of one project.
type Board struct {
	ProjectID    string        `json:"projectId"`
	Name         string        `json:"name"`
	States       []BoardList   `json:"states"`
	Participants []Participant `json:"participants"`
}

type BoardList struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Color string `json:"color"`
	Tasks []Task `json:"tasks"`
}

// Result identifies the project a mutation touched.
type Result struct {
	ProjectID string `json:"projectId"`
}

// Relocated is the result of a bulk copy or move of a list's tasks.
type Relocated struct {
	ProjectID string `json:"projectId"`
	Count     int    `json:"count"`
}

// BuildBoard assembles a board in a stable order: lists by creation, tasks
// by due date then creation, participants by user id.
func BuildBoard(project Project, lists []List, tasks []Task, participants []Participant) Board {
	sortedLists := append([]List(nil), lists...)
	sort.Slice(sortedLists, func(i, j int) bool {
		a, b := sortedLists[i], sortedLists[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	byList := make(map[string][]Task, len(sortedLists))
	for _, t := range tasks {
		if t.Assignees == nil {
			t.Assignees = []string{}
		}
		byList[t.ListID] = append(byList[t.ListID], t)
	}

	board := Board{
		ProjectID:    project.ID,
		Name:         project.Name,
		States:       make([]BoardList, 0, len(sortedLists)),
		Participants: append([]Participant{}, participants...),
	}
	for _, l := range sortedLists {
		listTasks := byList[l.ID]
		SortTasks(listTasks)
		if listTasks == nil {
			listTasks = []Task{}
		}
		board.States = append(board.States, BoardList{ID: l.ID, Label: l.Label, Color: l.Color, Tasks: listTasks})
	}
	sort.Slice(board.Participants, func(i, j int) bool {
		return board.Participants[i].UserID < board.Participants[j].UserID
	})
	return board
}

// SortTasks orders tasks by due date, then creation time, then id.
func SortTasks(tasks []Task) {
	sort.Slice(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if !a.DueDate.Equal(b.DueDate) {
			return a.DueDate.Before(b.DueDate)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// List looks up a list on the board by id.
func (b Board) List(id string) (BoardList, bool) {
	for _, l := range b.States {
		if l.ID == id {
			return l, true
		}
	}
	return BoardList{}, false
}

// FindTask returns the task and the id of the list holding it.
func (b Board) FindTask(id string) (Task, string, bool) {
	for _, l := range b.States {
		for _, t := range l.Tasks {
			if t.ID == id {
				return t, l.ID, true
			}
		}
	}
	return Task{}, "", false
}

// TaskCount is the number of tasks across all lists.
func (b Board) TaskCount() int {
	n := 0
	for _, l := range b.States {
		n += len(l.Tasks)
	}
	return n
}

// NewList is the input of createList.
type NewList struct {
	ProjectID string `json:"projectId"`
	Label     string `json:"label"`
	Color     string `json:"color,omitempty"`
}

func (n *NewList) Normalize() error {
	n.ProjectID = strings.TrimSpace(n.ProjectID)
	if n.ProjectID == "" {
		return Invalid("projectId", "is required")
	}
	label, err := normalizeLabel(n.Label)
	if err != nil {
		return err
	}
	n.Label = label
	if strings.TrimSpace(n.Color) == "" {
		n.Color = DefaultListColor
		return nil
	}
	color, err := NormalizeColor(n.Color)
	if err != nil {
		return err
	}
	n.Color = color
	return nil
}

func normalizeLabel(raw string) (string, error) {
	label := strings.TrimSpace(raw)
	if label == "" {
		return "", Invalid("label", "must not be empty")
	}
	if len(label) > maxLabelLength {
		return "", Invalid("label", "is too long")
	}
	return label, nil
}

// NormalizeColor accepts palette tokens such as "gray-200" or hex codes.
func NormalizeColor(raw string) (string, error) {
	color := strings.ToLower(strings.TrimSpace(raw))
	if color == "" {
		return "", Invalid("color", "must not be empty")
	}
	if len(color) > maxColorLength {
		return "", Invalid("color", "is too long")
	}
	for _, r := range color {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '#':
		default:
			return "", Invalid("color", "contains unsupported characters")
		}
	}
	return color, nil
}
