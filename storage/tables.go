package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"

	"tasklance/domain"
)

const (
	edmInt64 = "Edm.Int64"

	projectRowKey = "project"
	listPrefix    = "list_"
	taskPrefix    = "task_"
	memberPrefix  = "member_"

	kindProject = "project"
	kindList    = "list"
	kindTask    = "task"
	kindMember  = "member"

	// Entity group transactions accept at most 100 operations.
	maxBatch = 100

	maxConflictRetries = 5
)

// TableStore keeps every project in its own partition of the board table.
// The index table maps list and task ids back to their project partition.
type TableStore struct {
	board *aztables.Client
	index *aztables.Client
}

// NewTableStore connects to the board and index tables.
func NewTableStore(connStr, boardTable, indexTable string) (*TableStore, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &TableStore{board: svc.NewClient(boardTable), index: svc.NewClient(indexTable)}, nil
}

func (s *TableStore) Close() error { return nil }

type entity struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
}

type projectEntity struct {
	entity
	Kind          string `json:"Kind"`
	Name          string `json:"Name"`
	OwnerID       string `json:"OwnerId"`
	CreatedAt     int64  `json:"CreatedAt,string"`
	CreatedAtType string `json:"CreatedAt@odata.type"`
}

type listEntity struct {
	entity
	Kind          string `json:"Kind"`
	Label         string `json:"Label"`
	Color         string `json:"Color"`
	CreatedAt     int64  `json:"CreatedAt,string"`
	CreatedAtType string `json:"CreatedAt@odata.type"`
}

type taskEntity struct {
	entity
	Kind            string `json:"Kind"`
	ListID          string `json:"ListId"`
	Title           string `json:"Title"`
	Description     string `json:"Description"`
	Priority        string `json:"Priority"`
	DueDate         int64  `json:"DueDate,string"`
	DueDateType     string `json:"DueDate@odata.type"`
	Assignees       string `json:"Assignees"`
	AttachmentCount int    `json:"AttachmentCount"`
	CommentCount    int    `json:"CommentCount"`
	CreatedAt       int64  `json:"CreatedAt,string"`
	CreatedAtType   string `json:"CreatedAt@odata.type"`
	UpdatedAt       int64  `json:"UpdatedAt,string"`
	UpdatedAtType   string `json:"UpdatedAt@odata.type"`
}

type memberEntity struct {
	entity
	Kind   string `json:"Kind"`
	UserID string `json:"UserId"`
	Role   string `json:"Role"`
	Name   string `json:"Name"`
	Avatar string `json:"Avatar"`
}

type indexEntity struct {
	entity
	ProjectID string `json:"ProjectId"`
}

// partitionRow is the subset of fields needed to classify a listed entity.
type partitionRow struct {
	entity
	Kind string `json:"Kind"`
}

func newProjectEntity(p domain.Project) projectEntity {
	return projectEntity{
		entity:        entity{PartitionKey: p.ID, RowKey: projectRowKey},
		Kind:          kindProject,
		Name:          p.Name,
		OwnerID:       p.OwnerID,
		CreatedAt:     toMillis(p.CreatedAt),
		CreatedAtType: edmInt64,
	}
}

func (e projectEntity) project() domain.Project {
	return domain.Project{ID: e.PartitionKey, Name: e.Name, OwnerID: e.OwnerID, CreatedAt: fromMillis(e.CreatedAt)}
}

func newListEntity(l domain.List) listEntity {
	return listEntity{
		entity:        entity{PartitionKey: l.ProjectID, RowKey: listPrefix + l.ID},
		Kind:          kindList,
		Label:         l.Label,
		Color:         l.Color,
		CreatedAt:     toMillis(l.CreatedAt),
		CreatedAtType: edmInt64,
	}
}

func (e listEntity) list() domain.List {
	return domain.List{
		ID:        strings.TrimPrefix(e.RowKey, listPrefix),
		ProjectID: e.PartitionKey,
		Label:     e.Label,
		Color:     e.Color,
		CreatedAt: fromMillis(e.CreatedAt),
	}
}

func newTaskEntity(t domain.Task) (taskEntity, error) {
	assignees, err := encodeAssignees(t.Assignees)
	if err != nil {
		return taskEntity{}, err
	}
	return taskEntity{
		entity:          entity{PartitionKey: t.ProjectID, RowKey: taskPrefix + t.ID},
		Kind:            kindTask,
		ListID:          t.ListID,
		Title:           t.Title,
		Description:     t.Description,
		Priority:        string(t.Priority),
		DueDate:         toMillis(t.DueDate),
		DueDateType:     edmInt64,
		Assignees:       assignees,
		AttachmentCount: t.AttachmentCount,
		CommentCount:    t.CommentCount,
		CreatedAt:       toMillis(t.CreatedAt),
		CreatedAtType:   edmInt64,
		UpdatedAt:       toMillis(t.UpdatedAt),
		UpdatedAtType:   edmInt64,
	}, nil
}

func (e taskEntity) task() (domain.Task, error) {
	t := domain.Task{
		ID:              strings.TrimPrefix(e.RowKey, taskPrefix),
		ListID:          e.ListID,
		ProjectID:       e.PartitionKey,
		Title:           e.Title,
		Description:     e.Description,
		Priority:        domain.Priority(e.Priority),
		DueDate:         fromMillis(e.DueDate),
		AttachmentCount: e.AttachmentCount,
		CommentCount:    e.CommentCount,
		CreatedAt:       fromMillis(e.CreatedAt),
		UpdatedAt:       fromMillis(e.UpdatedAt),
	}
	if e.Assignees != "" {
		if err := sonic.UnmarshalString(e.Assignees, &t.Assignees); err != nil {
			return domain.Task{}, fmt.Errorf("decode assignees of task %s: %w", t.ID, err)
		}
	}
	if t.Assignees == nil {
		t.Assignees = []string{}
	}
	return t, nil
}

func newMemberEntity(p domain.Participant) memberEntity {
	return memberEntity{
		entity: entity{PartitionKey: p.ProjectID, RowKey: memberPrefix + p.UserID},
		Kind:   kindMember,
		UserID: p.UserID,
		Role:   string(p.Role),
		Name:   p.Name,
		Avatar: p.Avatar,
	}
}

func (e memberEntity) participant() domain.Participant {
	return domain.Participant{ProjectID: e.PartitionKey, UserID: e.UserID, Role: domain.Role(e.Role), Name: e.Name, Avatar: e.Avatar}
}

func statusCode(err error) int {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode
	}
	return 0
}

// translate maps table service status codes onto the domain taxonomy.
func translate(err error, kind, id string) error {
	switch statusCode(err) {
	case http.StatusNotFound:
		return domain.NotFound(kind, id)
	case http.StatusPreconditionFailed:
		return domain.ErrConcurrencyConflict
	}
	return err
}

func escapeFilter(v string) string {
	return strings.ReplaceAll(v, "'", "''")
}

func action(kind aztables.TransactionType, v any, ifMatch *azcore.ETag) (aztables.TransactionAction, error) {
	payload, err := sonic.Marshal(v)
	if err != nil {
		return aztables.TransactionAction{}, err
	}
	return aztables.TransactionAction{ActionType: kind, Entity: payload, IfMatch: ifMatch}, nil
}

// touch is a no-op merge that fails unless the row still exists.
func touch(partition, rowKey string) (aztables.TransactionAction, error) {
	anyTag := azcore.ETagAny
	return action(aztables.TransactionTypeUpdateMerge, entity{PartitionKey: partition, RowKey: rowKey}, &anyTag)
}

// submit runs actions in entity group transactions of at most maxBatch
// operations. Batches beyond the first are not atomic with each other.
func (s *TableStore) submit(ctx context.Context, actions []aztables.TransactionAction) error {
	for start := 0; start < len(actions); start += maxBatch {
		end := min(start+maxBatch, len(actions))
		if _, err := s.board.SubmitTransaction(ctx, actions[start:end], nil); err != nil {
			return err
		}
	}
	return nil
}

func (s *TableStore) putIndex(ctx context.Context, kind, id, projectID string) error {
	payload, err := sonic.Marshal(indexEntity{entity: entity{PartitionKey: kind, RowKey: id}, ProjectID: projectID})
	if err != nil {
		return err
	}
	_, err = s.index.UpsertEntity(ctx, payload, nil)
	return err
}

func (s *TableStore) dropIndex(ctx context.Context, kind string, ids ...string) {
	for _, id := range ids {
		_, _ = s.index.DeleteEntity(ctx, kind, id, nil)
	}
}

func (s *TableStore) projectOf(ctx context.Context, kind, id string) (string, error) {
	resp, err := s.index.GetEntity(ctx, kind, id, nil)
	if err != nil {
		return "", translate(err, kind, id)
	}
	var ent indexEntity
	if err := sonic.Unmarshal(resp.Value, &ent); err != nil {
		return "", err
	}
	return ent.ProjectID, nil
}

func (s *TableStore) CreateProject(ctx context.Context, project domain.Project, owner domain.Participant, seed domain.List) error {
	if err := s.putIndex(ctx, kindList, seed.ID, project.ID); err != nil {
		return err
	}
	actions := make([]aztables.TransactionAction, 0, 3)
	for _, v := range []any{newProjectEntity(project), newMemberEntity(owner), newListEntity(seed)} {
		a, err := action(aztables.TransactionTypeAdd, v, nil)
		if err != nil {
			return err
		}
		actions = append(actions, a)
	}
	if err := s.submit(ctx, actions); err != nil {
		if statusCode(err) == http.StatusConflict {
			return domain.Invalid("id", "project already exists")
		}
		return err
	}
	return nil
}

func (s *TableStore) GetProject(ctx context.Context, projectID string) (domain.Project, error) {
	resp, err := s.board.GetEntity(ctx, projectID, projectRowKey, nil)
	if err != nil {
		return domain.Project{}, translate(err, "project", projectID)
	}
	var ent projectEntity
	if err := sonic.Unmarshal(resp.Value, &ent); err != nil {
		return domain.Project{}, err
	}
	return ent.project(), nil
}

// scan lists the partition's raw entities, optionally narrowed by filter.
func (s *TableStore) scan(ctx context.Context, projectID, extra string) ([][]byte, error) {
	filter := "PartitionKey eq '" + escapeFilter(projectID) + "'"
	if extra != "" {
		filter += " and " + extra
	}
	pager := s.board.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	var out [][]byte
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, resp.Entities...)
	}
	return out, nil
}

func (s *TableStore) DeleteProject(ctx context.Context, projectID string) error {
	if _, err := s.GetProject(ctx, projectID); err != nil {
		return err
	}
	raw, err := s.scan(ctx, projectID, "")
	if err != nil {
		return err
	}
	var actions []aztables.TransactionAction
	var last aztables.TransactionAction
	var lists, tasks []string
	for _, data := range raw {
		var row partitionRow
		if err := sonic.Unmarshal(data, &row); err != nil {
			return err
		}
		a, err := action(aztables.TransactionTypeDelete, row.entity, nil)
		if err != nil {
			return err
		}
		switch row.Kind {
		case kindProject:
			last = a
			continue
		case kindList:
			lists = append(lists, strings.TrimPrefix(row.RowKey, listPrefix))
		case kindTask:
			tasks = append(tasks, strings.TrimPrefix(row.RowKey, taskPrefix))
		}
		actions = append(actions, a)
	}
	// The project row goes last so a partial failure can be retried.
	if last.Entity != nil {
		actions = append(actions, last)
	}
	if err := s.submit(ctx, actions); err != nil {
		return translate(err, "project", projectID)
	}
	s.dropIndex(ctx, kindList, lists...)
	s.dropIndex(ctx, kindTask, tasks...)
	return nil
}

func (s *TableStore) PutParticipant(ctx context.Context, p domain.Participant) error {
	if _, err := s.GetProject(ctx, p.ProjectID); err != nil {
		return err
	}
	payload, err := sonic.Marshal(newMemberEntity(p))
	if err != nil {
		return err
	}
	_, err = s.board.UpsertEntity(ctx, payload, nil)
	return err
}

func (s *TableStore) GetParticipant(ctx context.Context, projectID, userID string) (domain.Participant, error) {
	resp, err := s.board.GetEntity(ctx, projectID, memberPrefix+userID, nil)
	if err != nil {
		return domain.Participant{}, translate(err, "participant", userID)
	}
	var ent memberEntity
	if err := sonic.Unmarshal(resp.Value, &ent); err != nil {
		return domain.Participant{}, err
	}
	return ent.participant(), nil
}

func (s *TableStore) ListParticipants(ctx context.Context, projectID string) ([]domain.Participant, error) {
	raw, err := s.scan(ctx, projectID, "Kind eq '"+kindMember+"'")
	if err != nil {
		return nil, err
	}
	out := make([]domain.Participant, 0, len(raw))
	for _, data := range raw {
		var ent memberEntity
		if err := sonic.Unmarshal(data, &ent); err != nil {
			return nil, err
		}
		out = append(out, ent.participant())
	}
	return out, nil
}

func (s *TableStore) getList(ctx context.Context, listID string) (domain.List, error) {
	projectID, err := s.projectOf(ctx, kindList, listID)
	if err != nil {
		return domain.List{}, err
	}
	resp, err := s.board.GetEntity(ctx, projectID, listPrefix+listID, nil)
	if err != nil {
		return domain.List{}, translate(err, "list", listID)
	}
	var ent listEntity
	if err := sonic.Unmarshal(resp.Value, &ent); err != nil {
		return domain.List{}, err
	}
	return ent.list(), nil
}

func (s *TableStore) GetList(ctx context.Context, listID string) (domain.List, error) {
	return s.getList(ctx, listID)
}

func (s *TableStore) InsertList(ctx context.Context, l domain.List) error {
	if err := s.putIndex(ctx, kindList, l.ID, l.ProjectID); err != nil {
		return err
	}
	add, err := action(aztables.TransactionTypeAdd, newListEntity(l), nil)
	if err != nil {
		return err
	}
	guard, err := touch(l.ProjectID, projectRowKey)
	if err != nil {
		return err
	}
	if err := s.submit(ctx, []aztables.TransactionAction{guard, add}); err != nil {
		return translate(err, "project", l.ProjectID)
	}
	return nil
}

func (s *TableStore) UpdateListColor(ctx context.Context, listID, color string) (domain.List, error) {
	l, err := s.getList(ctx, listID)
	if err != nil {
		return domain.List{}, err
	}
	payload, err := sonic.Marshal(struct {
		entity
		Color string `json:"Color"`
	}{entity: entity{PartitionKey: l.ProjectID, RowKey: listPrefix + l.ID}, Color: color})
	if err != nil {
		return domain.List{}, err
	}
	anyTag := azcore.ETagAny
	if _, err := s.board.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &anyTag, UpdateMode: aztables.UpdateModeMerge}); err != nil {
		return domain.List{}, translate(err, "list", listID)
	}
	l.Color = color
	return l, nil
}

func (s *TableStore) tasksOfList(ctx context.Context, projectID, listID string) ([]domain.Task, error) {
	raw, err := s.scan(ctx, projectID, "Kind eq '"+kindTask+"' and ListId eq '"+escapeFilter(listID)+"'")
	if err != nil {
		return nil, err
	}
	return decodeTasks(raw)
}

func decodeTasks(raw [][]byte) ([]domain.Task, error) {
	out := make([]domain.Task, 0, len(raw))
	for _, data := range raw {
		var ent taskEntity
		if err := sonic.Unmarshal(data, &ent); err != nil {
			return nil, err
		}
		t, err := ent.task()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *TableStore) DeleteList(ctx context.Context, listID string) (int, error) {
	l, err := s.getList(ctx, listID)
	if err != nil {
		return 0, err
	}
	tasks, err := s.tasksOfList(ctx, l.ProjectID, l.ID)
	if err != nil {
		return 0, err
	}
	actions := make([]aztables.TransactionAction, 0, len(tasks)+1)
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		a, err := action(aztables.TransactionTypeDelete, entity{PartitionKey: l.ProjectID, RowKey: taskPrefix + t.ID}, nil)
		if err != nil {
			return 0, err
		}
		actions = append(actions, a)
		ids = append(ids, t.ID)
	}
	del, err := action(aztables.TransactionTypeDelete, entity{PartitionKey: l.ProjectID, RowKey: listPrefix + l.ID}, nil)
	if err != nil {
		return 0, err
	}
	actions = append(actions, del)
	if err := s.submit(ctx, actions); err != nil {
		return 0, translate(err, "list", listID)
	}
	s.dropIndex(ctx, kindTask, ids...)
	s.dropIndex(ctx, kindList, l.ID)
	return len(tasks), nil
}

// copyActions builds adds for fresh copies of tasks in dst, each batch
// guarded by a touch of the destination list.
func (s *TableStore) copyActions(ctx context.Context, tasks []domain.Task, dst domain.List, newID func() string, now time.Time) ([]aztables.TransactionAction, error) {
	actions := make([]aztables.TransactionAction, 0, len(tasks))
	for _, t := range tasks {
		t.ID = newID()
		t.ListID = dst.ID
		t.ProjectID = dst.ProjectID
		t.AttachmentCount = 0
		t.CommentCount = 0
		t.CreatedAt = now
		t.UpdatedAt = now
		if err := s.putIndex(ctx, kindTask, t.ID, t.ProjectID); err != nil {
			return nil, err
		}
		ent, err := newTaskEntity(t)
		if err != nil {
			return nil, err
		}
		a, err := action(aztables.TransactionTypeAdd, ent, nil)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, nil
}

func (s *TableStore) DuplicateList(ctx context.Context, srcListID string, dst domain.List, newID func() string, now time.Time) (int, error) {
	src, err := s.getList(ctx, srcListID)
	if err != nil {
		return 0, err
	}
	if err := sameProject(src, dst); err != nil {
		return 0, err
	}
	tasks, err := s.tasksOfList(ctx, src.ProjectID, src.ID)
	if err != nil {
		return 0, err
	}
	if err := s.putIndex(ctx, kindList, dst.ID, dst.ProjectID); err != nil {
		return 0, err
	}
	add, err := action(aztables.TransactionTypeAdd, newListEntity(dst), nil)
	if err != nil {
		return 0, err
	}
	copies, err := s.copyActions(ctx, tasks, dst, newID, now)
	if err != nil {
		return 0, err
	}
	if err := s.submit(ctx, append([]aztables.TransactionAction{add}, copies...)); err != nil {
		return 0, translate(err, "list", srcListID)
	}
	return len(tasks), nil
}

func (s *TableStore) getTask(ctx context.Context, taskID string) (domain.Task, azcore.ETag, error) {
	projectID, err := s.projectOf(ctx, kindTask, taskID)
	if err != nil {
		return domain.Task{}, "", err
	}
	resp, err := s.board.GetEntity(ctx, projectID, taskPrefix+taskID, nil)
	if err != nil {
		return domain.Task{}, "", translate(err, "task", taskID)
	}
	var ent taskEntity
	if err := sonic.Unmarshal(resp.Value, &ent); err != nil {
		return domain.Task{}, "", err
	}
	t, err := ent.task()
	return t, resp.ETag, err
}

func (s *TableStore) GetTask(ctx context.Context, taskID string) (domain.Task, error) {
	t, _, err := s.getTask(ctx, taskID)
	return t, err
}

func (s *TableStore) InsertTask(ctx context.Context, t domain.Task) error {
	if err := s.putIndex(ctx, kindTask, t.ID, t.ProjectID); err != nil {
		return err
	}
	ent, err := newTaskEntity(t)
	if err != nil {
		return err
	}
	add, err := action(aztables.TransactionTypeAdd, ent, nil)
	if err != nil {
		return err
	}
	guard, err := touch(t.ProjectID, listPrefix+t.ListID)
	if err != nil {
		return err
	}
	if err := s.submit(ctx, []aztables.TransactionAction{guard, add}); err != nil {
		return translate(err, "list", t.ListID)
	}
	return nil
}

// retryOnConflict re-reads and retries fn while the stored etag moves.
func (s *TableStore) retryOnConflict(ctx context.Context, taskID string, fn func(t domain.Task, etag azcore.ETag) error) (domain.Task, error) {
	for attempt := 0; ; attempt++ {
		t, etag, err := s.getTask(ctx, taskID)
		if err != nil {
			return domain.Task{}, err
		}
		err = fn(t, etag)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, domain.ErrConcurrencyConflict) || attempt >= maxConflictRetries {
			return domain.Task{}, err
		}
	}
}

func (s *TableStore) UpdateTask(ctx context.Context, taskID string, patch domain.TaskPatch, now time.Time) (domain.Task, error) {
	var out domain.Task
	_, err := s.retryOnConflict(ctx, taskID, func(t domain.Task, etag azcore.ETag) error {
		patch.Apply(&t, now)
		ent, err := newTaskEntity(t)
		if err != nil {
			return err
		}
		payload, err := sonic.Marshal(ent)
		if err != nil {
			return err
		}
		if _, err := s.board.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &etag, UpdateMode: aztables.UpdateModeReplace}); err != nil {
			return translate(err, "task", taskID)
		}
		out = t
		return nil
	})
	return out, err
}

func (s *TableStore) MoveTask(ctx context.Context, taskID, targetListID string, now time.Time) (domain.Task, error) {
	var out domain.Task
	_, err := s.retryOnConflict(ctx, taskID, func(t domain.Task, etag azcore.ETag) error {
		targetProject, err := s.projectOf(ctx, kindList, targetListID)
		if err != nil {
			return err
		}
		if targetProject != t.ProjectID {
			return domain.Invalid("stateId", "belongs to a different project")
		}
		move, err := action(aztables.TransactionTypeUpdateMerge, struct {
			entity
			ListID        string `json:"ListId"`
			UpdatedAt     int64  `json:"UpdatedAt,string"`
			UpdatedAtType string `json:"UpdatedAt@odata.type"`
		}{entity: entity{PartitionKey: t.ProjectID, RowKey: taskPrefix + t.ID}, ListID: targetListID, UpdatedAt: toMillis(now), UpdatedAtType: edmInt64}, &etag)
		if err != nil {
			return err
		}
		guard, err := touch(t.ProjectID, listPrefix+targetListID)
		if err != nil {
			return err
		}
		if err := s.submit(ctx, []aztables.TransactionAction{guard, move}); err != nil {
			return translate(err, "list", targetListID)
		}
		t.ListID = targetListID
		t.UpdatedAt = now
		out = t
		return nil
	})
	return out, err
}

func (s *TableStore) DeleteTask(ctx context.Context, taskID string) (domain.Task, error) {
	t, err := s.retryOnConflict(ctx, taskID, func(t domain.Task, etag azcore.ETag) error {
		if _, err := s.board.DeleteEntity(ctx, t.ProjectID, taskPrefix+t.ID, &aztables.DeleteEntityOptions{IfMatch: &etag}); err != nil {
			return translate(err, "task", taskID)
		}
		return nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	s.dropIndex(ctx, kindTask, taskID)
	return t, nil
}

func (s *TableStore) RelocateTasks(ctx context.Context, fromListID, toListID string, asCopy bool, newID func() string, now time.Time) (int, error) {
	from, err := s.getList(ctx, fromListID)
	if err != nil {
		return 0, err
	}
	to, err := s.getList(ctx, toListID)
	if err != nil {
		return 0, err
	}
	if err := sameProject(from, to); err != nil {
		return 0, err
	}
	tasks, err := s.tasksOfList(ctx, from.ProjectID, from.ID)
	if err != nil {
		return 0, err
	}
	var actions []aztables.TransactionAction
	if asCopy {
		actions, err = s.copyActions(ctx, tasks, to, newID, now)
		if err != nil {
			return 0, err
		}
	} else {
		anyTag := azcore.ETagAny
		for _, t := range tasks {
			a, err := action(aztables.TransactionTypeUpdateMerge, struct {
				entity
				ListID        string `json:"ListId"`
				UpdatedAt     int64  `json:"UpdatedAt,string"`
				UpdatedAtType string `json:"UpdatedAt@odata.type"`
			}{entity: entity{PartitionKey: t.ProjectID, RowKey: taskPrefix + t.ID}, ListID: to.ID, UpdatedAt: toMillis(now), UpdatedAtType: edmInt64}, &anyTag)
			if err != nil {
				return 0, err
			}
			actions = append(actions, a)
		}
	}
	// Guard each batch with the destination list so a concurrent delete
	// cannot strand tasks.
	var guarded []aztables.TransactionAction
	for start := 0; start < len(actions); start += maxBatch - 1 {
		end := min(start+maxBatch-1, len(actions))
		guard, err := touch(to.ProjectID, listPrefix+to.ID)
		if err != nil {
			return 0, err
		}
		guarded = append(guarded, guard)
		guarded = append(guarded, actions[start:end]...)
	}
	if err := s.submit(ctx, guarded); err != nil {
		return 0, translate(err, "list", toListID)
	}
	return len(tasks), nil
}

func (s *TableStore) LoadBoard(ctx context.Context, projectID string) (domain.Board, error) {
	raw, err := s.scan(ctx, projectID, "")
	if err != nil {
		return domain.Board{}, err
	}
	var project *domain.Project
	var lists []domain.List
	var tasks []domain.Task
	var participants []domain.Participant
	for _, data := range raw {
		var row partitionRow
		if err := sonic.Unmarshal(data, &row); err != nil {
			return domain.Board{}, err
		}
		switch row.Kind {
		case kindProject:
			var ent projectEntity
			if err := sonic.Unmarshal(data, &ent); err != nil {
				return domain.Board{}, err
			}
			p := ent.project()
			project = &p
		case kindList:
			var ent listEntity
			if err := sonic.Unmarshal(data, &ent); err != nil {
				return domain.Board{}, err
			}
			lists = append(lists, ent.list())
		case kindTask:
			var ent taskEntity
			if err := sonic.Unmarshal(data, &ent); err != nil {
				return domain.Board{}, err
			}
			t, err := ent.task()
			if err != nil {
				return domain.Board{}, err
			}
			tasks = append(tasks, t)
		case kindMember:
			var ent memberEntity
			if err := sonic.Unmarshal(data, &ent); err != nil {
				return domain.Board{}, err
			}
			participants = append(participants, ent.participant())
		}
	}
	if project == nil {
		return domain.Board{}, domain.NotFound("project", projectID)
	}
	return domain.BuildBoard(*project, lists, tasks, participants), nil
}

func (s *TableStore) ListTasks(ctx context.Context, projectID string) ([]domain.Task, error) {
	if _, err := s.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	raw, err := s.scan(ctx, projectID, "Kind eq '"+kindTask+"'")
	if err != nil {
		return nil, err
	}
	return decodeTasks(raw)
}
