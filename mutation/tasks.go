package mutation

import (
	"context"

	"tasklance/domain"
)

// CreateTask adds a task to a list. The list's project is the authorization
// scope.
func (s *Service) CreateTask(ctx context.Context, actor string, in domain.NewTask) (domain.Task, error) {
	if err := in.Normalize(); err != nil {
		return domain.Task{}, err
	}
	list, err := s.store.GetList(ctx, in.ListID)
	if err != nil {
		return domain.Task{}, err
	}
	if _, err := s.authz.Authorize(ctx, actor, list.ProjectID, domain.RoleMember); err != nil {
		return domain.Task{}, err
	}
	if err := s.requireAssignees(ctx, list.ProjectID, in.Assignees); err != nil {
		return domain.Task{}, err
	}
	now := s.now()
	task := domain.Task{
		ID:          s.newID(),
		ListID:      list.ID,
		ProjectID:   list.ProjectID,
		Title:       in.Title,
		Description: in.Description,
		Priority:    in.Priority,
		DueDate:     in.DueDate.Time,
		Assignees:   in.Assignees,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.InsertTask(ctx, task); err != nil {
		return domain.Task{}, err
	}
	s.committed(ctx, actor, task.ProjectID, domain.TaskCreated, task.ID, task)
	return task, nil
}

// MoveTask puts a task into another list of the same project. The event is
// keyed by the project of the list the task landed in.
func (s *Service) MoveTask(ctx context.Context, actor, taskID, targetListID string) (domain.Result, error) {
	if taskID == "" {
		return domain.Result{}, domain.Invalid("taskId", "is required")
	}
	if targetListID == "" {
		return domain.Result{}, domain.Invalid("stateId", "is required")
	}
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return domain.Result{}, err
	}
	if _, err := s.authz.Authorize(ctx, actor, task.ProjectID, domain.RoleMember); err != nil {
		return domain.Result{}, err
	}
	target, err := s.store.GetList(ctx, targetListID)
	if err != nil {
		return domain.Result{}, err
	}
	if target.ProjectID != task.ProjectID {
		return domain.Result{}, domain.Invalid("stateId", "belongs to a different project")
	}
	moved, err := s.store.MoveTask(ctx, taskID, targetListID, s.now())
	if err != nil {
		return domain.Result{}, err
	}
	landed, err := s.store.GetList(ctx, moved.ListID)
	projectID := moved.ProjectID
	if err == nil {
		projectID = landed.ProjectID
	} else {
		s.logger.WithError(err).WithField("task", taskID).Warn("moved task's list lookup failed")
	}
	s.committed(ctx, actor, projectID, domain.TaskUpdated, moved.ID, moved)
	return domain.Result{ProjectID: projectID}, nil
}

// UpdateTask applies a partial update.
func (s *Service) UpdateTask(ctx context.Context, actor, taskID string, patch domain.TaskPatch) (domain.Result, error) {
	if err := patch.Normalize(); err != nil {
		return domain.Result{}, err
	}
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return domain.Result{}, err
	}
	if _, err := s.authz.Authorize(ctx, actor, task.ProjectID, domain.RoleMember); err != nil {
		return domain.Result{}, err
	}
	if patch.Assignees != nil {
		if err := s.requireAssignees(ctx, task.ProjectID, *patch.Assignees); err != nil {
			return domain.Result{}, err
		}
	}
	updated, err := s.store.UpdateTask(ctx, taskID, patch, s.now())
	if err != nil {
		return domain.Result{}, err
	}
	s.committed(ctx, actor, updated.ProjectID, domain.TaskUpdated, updated.ID, updated)
	return domain.Result{ProjectID: updated.ProjectID}, nil
}

func (s *Service) DeleteTask(ctx context.Context, actor, taskID string) (domain.Result, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return domain.Result{}, err
	}
	if _, err := s.authz.Authorize(ctx, actor, task.ProjectID, domain.RoleMember); err != nil {
		return domain.Result{}, err
	}
	removed, err := s.store.DeleteTask(ctx, taskID)
	if err != nil {
		return domain.Result{}, err
	}
	s.committed(ctx, actor, removed.ProjectID, domain.TaskDeleted, removed.ID,
		domain.TaskRemoved{TaskID: removed.ID, ListID: removed.ListID})
	return domain.Result{ProjectID: removed.ProjectID}, nil
}

// PublishCollaboratorEvent forwards a change made by an outside collaborator
// (comments, attachments) to the project's subscribers. Nothing is written.
func (s *Service) PublishCollaboratorEvent(ctx context.Context, projectID string, kind domain.EventKind, payload any) error {
	if !kind.IsCollaboratorKind() {
		return domain.Invalid("kind", "not a collaborator event")
	}
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		return err
	}
	ev, err := domain.NewEvent(projectID, kind, payload, s.now())
	if err != nil {
		return domain.Invalid("payload", err.Error())
	}
	if s.cache != nil {
		if err := s.cache.Evict(ctx, projectID); err != nil {
			s.logger.WithError(err).WithField("project", projectID).Warn("board cache evict failed")
		}
	}
	return s.pub.Publish(ctx, ev)
}
