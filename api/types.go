package api

import (
	"context"

	"tasklance/domain"
)

// Mutations is the board service behind the HTTP surface.
type Mutations interface {
	CreateProject(ctx context.Context, actor, name string) (domain.Project, error)
	DeleteProject(ctx context.Context, actor, projectID string) (domain.Result, error)
	AddParticipant(ctx context.Context, actor string, p domain.Participant) (domain.Result, error)
	LoadBoard(ctx context.Context, actor, projectID string) (domain.Board, error)
	SearchTasks(ctx context.Context, actor, projectID string, filter domain.SearchFilter) ([]domain.Task, error)

	CreateTask(ctx context.Context, actor string, in domain.NewTask) (domain.Task, error)
	MoveTask(ctx context.Context, actor, taskID, targetListID string) (domain.Result, error)
	UpdateTask(ctx context.Context, actor, taskID string, patch domain.TaskPatch) (domain.Result, error)
	DeleteTask(ctx context.Context, actor, taskID string) (domain.Result, error)

	CreateList(ctx context.Context, actor string, in domain.NewList) (domain.List, error)
	UpdateListColor(ctx context.Context, actor, listID, color string) (domain.List, error)
	DeleteList(ctx context.Context, actor, listID string) (domain.Result, error)
	DuplicateList(ctx context.Context, actor, srcListID, label string) (domain.List, error)
	CopyTasksToList(ctx context.Context, actor, fromListID, toListID string) (domain.Relocated, error)
	MoveTasksToList(ctx context.Context, actor, fromListID, toListID string) (domain.Relocated, error)

	PublishCollaboratorEvent(ctx context.Context, projectID string, kind domain.EventKind, payload any) error
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Deduper rejects replays of a mutation carrying the same Idempotency-Key.
type Deduper interface {
	// Add records the key and returns true if it was newly added.
	Add(ctx context.Context, userID, key string) (bool, error)
	// Remove deletes a key after the request failed so the caller may retry.
	Remove(ctx context.Context, userID, key string) error
}

type createProjectRequest struct {
	Name string `json:"name"`
}

type participantRequest struct {
	UserID string      `json:"userId"`
	Role   domain.Role `json:"role"`
	Name   string      `json:"name,omitempty"`
	Avatar string      `json:"avatar,omitempty"`
}

type listRequest struct {
	Label string `json:"label"`
	Color string `json:"color,omitempty"`
}

type colorRequest struct {
	Color string `json:"color"`
}

type duplicateRequest struct {
	Label string `json:"label,omitempty"`
}

type relocateRequest struct {
	TargetID string `json:"targetId"`
}

type moveRequest struct {
	StateID string `json:"stateId"`
}

// SearchResponse wraps search results.
type SearchResponse struct {
	Tasks []domain.Task `json:"tasks"`
}

// NotifyRequest is posted by the comment and attachment collaborators.
type NotifyRequest struct {
	Kind    domain.EventKind `json:"kind"`
	Payload any              `json:"payload,omitempty"`
}
