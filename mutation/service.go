// Package mutation is the only path by which lists and tasks change. Every
// operation authorizes the actor, commits one atomic store operation and
// publishes exactly one event on the project's topic.
package mutation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"tasklance/domain"
	"tasklance/storage"
)

// Store is the durable store the service writes through.
type Store interface {
	CreateProject(ctx context.Context, project domain.Project, owner domain.Participant, seed domain.List) error
	GetProject(ctx context.Context, projectID string) (domain.Project, error)
	DeleteProject(ctx context.Context, projectID string) error
	PutParticipant(ctx context.Context, p domain.Participant) error
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
	ListTasks(ctx context.Context, projectID string) ([]domain.Task, error)
}

// BoardLoader reads the full board, possibly through a cache.
type BoardLoader interface {
	LoadBoard(ctx context.Context, projectID string) (domain.Board, error)
}

// Authorizer is the access-control collaborator.
type Authorizer interface {
	Authorize(ctx context.Context, userID, projectID string, need domain.Role) (domain.Participant, error)
	Forget(ctx context.Context, projectID string, userIDs ...string)
}

type Publisher interface {
	Publish(ctx context.Context, ev domain.Event) error
}

type Evicter interface {
	Evict(ctx context.Context, projectID string) error
}

type ActivitySink interface {
	Record(ctx context.Context, act storage.Activity) error
}

// Config wires the service. Cache and Activity are optional.
type Config struct {
	Store      Store
	Boards     BoardLoader
	Authorizer Authorizer
	Publisher  Publisher
	Cache      Evicter
	Activity   ActivitySink
	Logger     *log.Logger
	Now        func() time.Time
	NewID      func() string
}

// Service applies board mutations.
type Service struct {
	store    Store
	boards   BoardLoader
	authz    Authorizer
	pub      Publisher
	cache    Evicter
	activity ActivitySink
	logger   *log.Logger
	now      func() time.Time
	newID    func() string
}

func New(cfg Config) *Service {
	if cfg.Store == nil || cfg.Authorizer == nil || cfg.Publisher == nil {
		panic("mutation.New: store, authorizer and publisher are required")
	}
	s := &Service{
		store:    cfg.Store,
		boards:   cfg.Boards,
		authz:    cfg.Authorizer,
		pub:      cfg.Publisher,
		cache:    cfg.Cache,
		activity: cfg.Activity,
		logger:   cfg.Logger,
		now:      cfg.Now,
		newID:    cfg.NewID,
	}
	if s.boards == nil {
		if loader, ok := cfg.Store.(BoardLoader); ok {
			s.boards = loader
		} else {
			panic("mutation.New: board loader is required")
		}
	}
	if s.logger == nil {
		s.logger = log.StandardLogger()
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) }
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	return s
}

// committed runs the post-write side effects of a successful mutation:
// cache eviction, one event on the project topic and an activity record.
// None of them can fail the mutation.
func (s *Service) committed(ctx context.Context, actor, projectID string, kind domain.EventKind, entityID string, payload any) {
	now := s.now()
	entry := s.logger.WithFields(log.Fields{"project": projectID, "kind": kind, "actor": actor})

	if s.cache != nil {
		if err := s.cache.Evict(ctx, projectID); err != nil {
			entry.WithError(err).Warn("board cache evict failed")
		}
	}

	ev, err := domain.NewEvent(projectID, kind, payload, now)
	if err != nil {
		entry.WithError(err).Error("encode event")
	} else if err := s.pub.Publish(ctx, ev); err != nil {
		entry.WithError(err).Warn("event publish failed; subscribers stay stale until their next load")
	}

	if s.activity != nil {
		act := storage.Activity{ProjectID: projectID, Kind: kind, ActorID: actor, EntityID: entityID, At: now}
		if err := s.activity.Record(ctx, act); err != nil {
			entry.WithError(err).Warn("activity record failed")
		}
	}
	entry.Debug("mutation committed")
}

func (s *Service) requireAssignees(ctx context.Context, projectID string, assignees []string) error {
	if len(assignees) == 0 {
		return nil
	}
	participants, err := s.store.ListParticipants(ctx, projectID)
	if err != nil {
		return err
	}
	known := make(map[string]struct{}, len(participants))
	for _, p := range participants {
		known[p.UserID] = struct{}{}
	}
	for _, a := range assignees {
		if _, ok := known[a]; !ok {
			return domain.Invalid("assignees", fmt.Sprintf("%s is not a participant", a))
		}
	}
	return nil
}

// CreateProject creates a project owned by actor with a default list.
func (s *Service) CreateProject(ctx context.Context, actor, name string) (domain.Project, error) {
	if actor == "" {
		return domain.Project{}, &domain.UnauthorizedError{Reason: "anonymous"}
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Project{}, domain.Invalid("name", "must not be empty")
	}
	now := s.now()
	project := domain.Project{ID: s.newID(), Name: name, OwnerID: actor, CreatedAt: now}
	owner := domain.Participant{ProjectID: project.ID, UserID: actor, Role: domain.RoleManager}
	seed := domain.List{ID: s.newID(), ProjectID: project.ID, Label: domain.DefaultListLabel, Color: domain.DefaultListColor, CreatedAt: now}
	if err := s.store.CreateProject(ctx, project, owner, seed); err != nil {
		return domain.Project{}, err
	}
	s.logger.WithFields(log.Fields{"project": project.ID, "actor": actor}).Info("project created")
	return project, nil
}

// DeleteProject removes a project with all of its lists and tasks.
func (s *Service) DeleteProject(ctx context.Context, actor, projectID string) (domain.Result, error) {
	if _, err := s.authz.Authorize(ctx, actor, projectID, domain.RoleManager); err != nil {
		return domain.Result{}, err
	}
	participants, err := s.store.ListParticipants(ctx, projectID)
	if err != nil {
		return domain.Result{}, err
	}
	if err := s.store.DeleteProject(ctx, projectID); err != nil {
		return domain.Result{}, err
	}
	ids := make([]string, len(participants))
	for i, p := range participants {
		ids[i] = p.UserID
	}
	s.authz.Forget(ctx, projectID, ids...)
	s.committed(ctx, actor, projectID, domain.ProjectDeleted, projectID, domain.Result{ProjectID: projectID})
	return domain.Result{ProjectID: projectID}, nil
}

// AddParticipant grants userID a role on the project.
func (s *Service) AddParticipant(ctx context.Context, actor string, p domain.Participant) (domain.Result, error) {
	if strings.TrimSpace(p.UserID) == "" {
		return domain.Result{}, domain.Invalid("userId", "is required")
	}
	role, err := domain.ParseRole(string(p.Role))
	if err != nil {
		return domain.Result{}, err
	}
	p.Role = role
	if _, err := s.authz.Authorize(ctx, actor, p.ProjectID, domain.RoleManager); err != nil {
		return domain.Result{}, err
	}
	if err := s.store.PutParticipant(ctx, p); err != nil {
		return domain.Result{}, err
	}
	s.authz.Forget(ctx, p.ProjectID, p.UserID)
	s.committed(ctx, actor, p.ProjectID, domain.ParticipantAdded, p.UserID, p)
	return domain.Result{ProjectID: p.ProjectID}, nil
}

// LoadBoard returns the full board of a project the actor can view.
func (s *Service) LoadBoard(ctx context.Context, actor, projectID string) (domain.Board, error) {
	if _, err := s.authz.Authorize(ctx, actor, projectID, domain.RoleViewer); err != nil {
		return domain.Board{}, err
	}
	return s.boards.LoadBoard(ctx, projectID)
}

// SearchTasks filters the tasks of one project.
func (s *Service) SearchTasks(ctx context.Context, actor, projectID string, filter domain.SearchFilter) ([]domain.Task, error) {
	if filter.Priority != "" {
		p, err := domain.ParsePriority(string(filter.Priority))
		if err != nil {
			return nil, err
		}
		filter.Priority = p
	}
	if _, err := s.authz.Authorize(ctx, actor, projectID, domain.RoleViewer); err != nil {
		return nil, err
	}
	tasks, err := s.store.ListTasks(ctx, projectID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Task, 0, len(tasks))
	for _, t := range tasks {
		if filter.Matches(t) {
			out = append(out, t)
		}
	}
	domain.SortTasks(out)
	return out, nil
}
