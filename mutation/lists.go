package mutation

import (
	"context"
	"strings"

	"tasklance/domain"
)

func (s *Service) CreateList(ctx context.Context, actor string, in domain.NewList) (domain.List, error) {
	if err := in.Normalize(); err != nil {
		return domain.List{}, err
	}
	if _, err := s.authz.Authorize(ctx, actor, in.ProjectID, domain.RoleMember); err != nil {
		return domain.List{}, err
	}
	list := domain.List{ID: s.newID(), ProjectID: in.ProjectID, Label: in.Label, Color: in.Color, CreatedAt: s.now()}
	if err := s.store.InsertList(ctx, list); err != nil {
		return domain.List{}, err
	}
	s.committed(ctx, actor, list.ProjectID, domain.ListCreated, list.ID, list)
	return list, nil
}

func (s *Service) UpdateListColor(ctx context.Context, actor, listID, color string) (domain.List, error) {
	color, err := domain.NormalizeColor(color)
	if err != nil {
		return domain.List{}, err
	}
	list, err := s.store.GetList(ctx, listID)
	if err != nil {
		return domain.List{}, err
	}
	if _, err := s.authz.Authorize(ctx, actor, list.ProjectID, domain.RoleMember); err != nil {
		return domain.List{}, err
	}
	updated, err := s.store.UpdateListColor(ctx, listID, color)
	if err != nil {
		return domain.List{}, err
	}
	s.committed(ctx, actor, updated.ProjectID, domain.ListUpdated, updated.ID, updated)
	return updated, nil
}

// DeleteList removes a list and cascades to its tasks. Managers only.
func (s *Service) DeleteList(ctx context.Context, actor, listID string) (domain.Result, error) {
	list, err := s.store.GetList(ctx, listID)
	if err != nil {
		return domain.Result{}, err
	}
	if _, err := s.authz.Authorize(ctx, actor, list.ProjectID, domain.RoleManager); err != nil {
		return domain.Result{}, err
	}
	removed, err := s.store.DeleteList(ctx, listID)
	if err != nil {
		return domain.Result{}, err
	}
	s.committed(ctx, actor, list.ProjectID, domain.ListDeleted, list.ID,
		domain.ListRemoved{ListID: list.ID, TasksRemoved: removed})
	return domain.Result{ProjectID: list.ProjectID}, nil
}

// DuplicateList creates a new list in the same project holding fresh copies
// of every task of the source list. An empty label derives one from the
// source.
func (s *Service) DuplicateList(ctx context.Context, actor, srcListID, label string) (domain.List, error) {
	src, err := s.store.GetList(ctx, srcListID)
	if err != nil {
		return domain.List{}, err
	}
	if _, err := s.authz.Authorize(ctx, actor, src.ProjectID, domain.RoleMember); err != nil {
		return domain.List{}, err
	}
	if strings.TrimSpace(label) == "" {
		label = src.Label + " (copy)"
	}
	in := domain.NewList{ProjectID: src.ProjectID, Label: label, Color: src.Color}
	if err := in.Normalize(); err != nil {
		return domain.List{}, err
	}
	dst := domain.List{ID: s.newID(), ProjectID: src.ProjectID, Label: in.Label, Color: in.Color, CreatedAt: s.now()}
	copied, err := s.store.DuplicateList(ctx, src.ID, dst, s.newID, dst.CreatedAt)
	if err != nil {
		return domain.List{}, err
	}
	s.committed(ctx, actor, dst.ProjectID, domain.ListCreated, dst.ID,
		domain.Relocation{FromListID: src.ID, ToListID: dst.ID, Count: copied, Copied: true})
	return dst, nil
}

// CopyTasksToList copies every task of one list into another.
func (s *Service) CopyTasksToList(ctx context.Context, actor, fromListID, toListID string) (domain.Relocated, error) {
	return s.relocate(ctx, actor, fromListID, toListID, true)
}

// MoveTasksToList moves every task of one list into another.
func (s *Service) MoveTasksToList(ctx context.Context, actor, fromListID, toListID string) (domain.Relocated, error) {
	return s.relocate(ctx, actor, fromListID, toListID, false)
}

func (s *Service) relocate(ctx context.Context, actor, fromListID, toListID string, asCopy bool) (domain.Relocated, error) {
	if fromListID == "" || toListID == "" {
		return domain.Relocated{}, domain.Invalid("stateId", "source and target are required")
	}
	if fromListID == toListID {
		return domain.Relocated{}, domain.Invalid("stateId", "source and target must differ")
	}
	from, err := s.store.GetList(ctx, fromListID)
	if err != nil {
		return domain.Relocated{}, err
	}
	to, err := s.store.GetList(ctx, toListID)
	if err != nil {
		return domain.Relocated{}, err
	}
	if from.ProjectID != to.ProjectID {
		return domain.Relocated{}, domain.Invalid("stateId", "belongs to a different project")
	}
	if _, err := s.authz.Authorize(ctx, actor, from.ProjectID, domain.RoleMember); err != nil {
		return domain.Relocated{}, err
	}
	n, err := s.store.RelocateTasks(ctx, fromListID, toListID, asCopy, s.newID, s.now())
	if err != nil {
		return domain.Relocated{}, err
	}
	s.committed(ctx, actor, from.ProjectID, domain.TasksRelocated, to.ID,
		domain.Relocation{FromListID: from.ID, ToListID: to.ID, Count: n, Copied: asCopy})
	return domain.Relocated{ProjectID: from.ProjectID, Count: n}, nil
}
