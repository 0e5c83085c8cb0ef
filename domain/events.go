package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

// EventKind names what changed on a project topic.
type EventKind string

const (
	TaskCreated        EventKind = "task-created"
	TaskUpdated        EventKind = "task-updated"
	TaskDeleted        EventKind = "task-deleted"
	ListCreated        EventKind = "list-created"
	ListUpdated        EventKind = "list-updated"
	ListDeleted        EventKind = "list-deleted"
	TasksRelocated     EventKind = "tasks-relocated"
	ProjectDeleted     EventKind = "project-deleted"
	ParticipantAdded   EventKind = "participant-added"
	CommentCreated     EventKind = "comment-created"
	CommentUpdated     EventKind = "comment-updated"
	CommentDeleted     EventKind = "comment-deleted"
	AttachmentUploaded EventKind = "attachment-uploaded"
	AttachmentDeleted  EventKind = "attachment-deleted"

	// Resync is emitted locally after a subscription gap. It never crosses
	// the transport.
	Resync EventKind = "resync"
)

const topicPrefix = "project-"

// TopicPattern matches every project topic.
const TopicPattern = topicPrefix + "*"

// Topic returns the channel name for a project.
func Topic(projectID string) string {
	return topicPrefix + projectID
}

// ProjectFromTopic is the inverse of Topic.
func ProjectFromTopic(topic string) (string, bool) {
	id, ok := strings.CutPrefix(topic, topicPrefix)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// IsCollaboratorKind reports kinds published on behalf of the comment and
// attachment services rather than by board mutations.
func (k EventKind) IsCollaboratorKind() bool {
	switch k {
	case CommentCreated, CommentUpdated, CommentDeleted, AttachmentUploaded, AttachmentDeleted:
		return true
	}
	return false
}

// Event is an ephemeral notification that a project changed. The payload is
// a hint; receivers refetch the board.
type Event struct {
	ProjectID   string          `json:"projectId"`
	Kind        EventKind       `json:"kind"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	PublishedAt time.Time       `json:"publishedAt"`
}

// NewEvent encodes payload and stamps the event.
func NewEvent(projectID string, kind EventKind, payload any, now time.Time) (Event, error) {
	ev := Event{ProjectID: projectID, Kind: kind, PublishedAt: now}
	if payload != nil {
		data, err := sonic.Marshal(payload)
		if err != nil {
			return Event{}, err
		}
		ev.Payload = data
	}
	return ev, nil
}

// TaskRemoved is the payload of task-deleted.
type TaskRemoved struct {
	TaskID string `json:"taskId"`
	ListID string `json:"stateId"`
}

// ListRemoved is the payload of list-deleted.
type ListRemoved struct {
	ListID       string `json:"stateId"`
	TasksRemoved int    `json:"tasksRemoved"`
}

// Relocation is the payload of tasks-relocated.
type Relocation struct {
	FromListID string `json:"fromStateId"`
	ToListID   string `json:"toStateId"`
	Count      int    `json:"count"`
	Copied     bool   `json:"copied"`
}
