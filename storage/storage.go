package storage

import (
	"context"
	"fmt"
	"time"

	"tasklance/domain"
)

// Backend is the durable store of projects, lists, tasks and participants.
// Every method is atomic on its own.
type Backend interface {
	CreateProject(ctx context.Context, project domain.Project, owner domain.Participant, seed domain.List) error
	GetProject(ctx context.Context, projectID string) (domain.Project, error)
	DeleteProject(ctx context.Context, projectID string) error

	PutParticipant(ctx context.Context, p domain.Participant) error
	GetParticipant(ctx context.Context, projectID, userID string) (domain.Participant, error)
	ListParticipants(ctx context.Context, projectID string) ([]domain.Participant, error)

	GetList(ctx context.Context, listID string) (domain.List, error)
	InsertList(ctx context.Context, l domain.List) error
	UpdateListColor(ctx context.Context, listID, color string) (domain.List, error)
	DeleteList(ctx context.Context, listID string) (int, error)
	DuplicateList(ctx context.Context, srcListID string, dst domain.List, newID func() string, now time.Time) (int, error)

	GetTask(ctx context.Context, taskID string) (domain.Task, error)
	InsertTask(ctx context.Context, t domain.Task) error
	UpdateTask(ctx context.Context, taskID string, patch domain.TaskPatch, now time.Time) (domain.Task, error)
	MoveTask(ctx context.Context, taskID, targetListID string, now time.Time) (domain.Task, error)
	DeleteTask(ctx context.Context, taskID string) (domain.Task, error)
	RelocateTasks(ctx context.Context, fromListID, toListID string, asCopy bool, newID func() string, now time.Time) (int, error)

	LoadBoard(ctx context.Context, projectID string) (domain.Board, error)
	ListTasks(ctx context.Context, projectID string) ([]domain.Task, error)

	Close() error
}

const (
	BackendTables = "tables"
	BackendSQLite = "sqlite"
)

// Config selects and configures a Backend.
type Config struct {
	Backend          string
	ConnectionString string
	BoardTable       string
	IndexTable       string
	SQLitePath       string
}

// Open creates the configured backend.
func Open(cfg Config) (Backend, error) {
	switch cfg.Backend {
	case BackendSQLite:
		return NewSQLStore(cfg.SQLitePath)
	case BackendTables, "":
		if cfg.ConnectionString == "" || cfg.BoardTable == "" || cfg.IndexTable == "" {
			return nil, fmt.Errorf("tables backend requires connection string, board table and index table")
		}
		return NewTableStore(cfg.ConnectionString, cfg.BoardTable, cfg.IndexTable)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}

// sameProject rejects relocations that would cross a project boundary.
func sameProject(a, b domain.List) error {
	if a.ProjectID != b.ProjectID {
		return domain.Invalid("stateId", "belongs to a different project")
	}
	return nil
}
