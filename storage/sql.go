package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"
	_ "modernc.org/sqlite"

	"tasklance/domain"
)

// SQLStore keeps the board in a local SQLite database. Each operation runs
// in a single transaction.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore opens (and migrates) the database at path.
func NewSQLStore(path string) (*SQLStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection serializes writers and keeps :memory: databases
	// shared across calls.
	db.SetMaxOpenConns(1)

	s := &SQLStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate() error {
	schema := `
		PRAGMA foreign_keys = ON;

		CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS participants (
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			user_id TEXT NOT NULL,
			role TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			avatar TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (project_id, user_id)
		);

		CREATE TABLE IF NOT EXISTS lists (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			label TEXT NOT NULL,
			color TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			list_id TEXT NOT NULL REFERENCES lists(id) ON DELETE CASCADE,
			project_id TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			priority TEXT NOT NULL,
			due_date INTEGER NOT NULL,
			assignees TEXT NOT NULL DEFAULT '[]',
			attachment_count INTEGER NOT NULL DEFAULT 0,
			comment_count INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_lists_project ON lists(project_id);
		CREATE INDEX IF NOT EXISTS idx_tasks_list ON tasks(list_id);
		CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) CreateProject(ctx context.Context, project domain.Project, owner domain.Participant, seed domain.List) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO projects (id, name, owner_id, created_at) VALUES (?, ?, ?, ?)`,
			project.ID, project.Name, project.OwnerID, toMillis(project.CreatedAt)); err != nil {
			return fmt.Errorf("insert project: %w", err)
		}
		if err := putParticipant(ctx, tx, owner); err != nil {
			return err
		}
		return insertList(ctx, tx, seed)
	})
}

func (s *SQLStore) GetProject(ctx context.Context, projectID string) (domain.Project, error) {
	return getProject(ctx, s.db, projectID)
}

func getProject(ctx context.Context, q queryer, projectID string) (domain.Project, error) {
	var p domain.Project
	var created int64
	err := q.QueryRowContext(ctx,
		`SELECT id, name, owner_id, created_at FROM projects WHERE id = ?`, projectID).
		Scan(&p.ID, &p.Name, &p.OwnerID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Project{}, domain.NotFound("project", projectID)
	}
	if err != nil {
		return domain.Project{}, err
	}
	p.CreatedAt = fromMillis(created)
	return p, nil
}

func (s *SQLStore) DeleteProject(ctx context.Context, projectID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := getProject(ctx, tx, projectID); err != nil {
			return err
		}
		for _, stmt := range []string{
			`DELETE FROM tasks WHERE project_id = ?`,
			`DELETE FROM lists WHERE project_id = ?`,
			`DELETE FROM participants WHERE project_id = ?`,
			`DELETE FROM projects WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, stmt, projectID); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLStore) PutParticipant(ctx context.Context, p domain.Participant) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := getProject(ctx, tx, p.ProjectID); err != nil {
			return err
		}
		return putParticipant(ctx, tx, p)
	})
}

func putParticipant(ctx context.Context, q queryer, p domain.Participant) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO participants (project_id, user_id, role, name, avatar) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (project_id, user_id) DO UPDATE SET role = excluded.role, name = excluded.name, avatar = excluded.avatar`,
		p.ProjectID, p.UserID, string(p.Role), p.Name, p.Avatar)
	if err != nil {
		return fmt.Errorf("put participant: %w", err)
	}
	return nil
}

func (s *SQLStore) GetParticipant(ctx context.Context, projectID, userID string) (domain.Participant, error) {
	p := domain.Participant{ProjectID: projectID, UserID: userID}
	var role string
	err := s.db.QueryRowContext(ctx,
		`SELECT role, name, avatar FROM participants WHERE project_id = ? AND user_id = ?`, projectID, userID).
		Scan(&role, &p.Name, &p.Avatar)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Participant{}, domain.NotFound("participant", userID)
	}
	if err != nil {
		return domain.Participant{}, err
	}
	p.Role = domain.Role(role)
	return p, nil
}

func (s *SQLStore) ListParticipants(ctx context.Context, projectID string) ([]domain.Participant, error) {
	return listParticipants(ctx, s.db, projectID)
}

func listParticipants(ctx context.Context, q queryer, projectID string) ([]domain.Participant, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT user_id, role, name, avatar FROM participants WHERE project_id = ? ORDER BY user_id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []domain.Participant{}
	for rows.Next() {
		p := domain.Participant{ProjectID: projectID}
		var role string
		if err := rows.Scan(&p.UserID, &role, &p.Name, &p.Avatar); err != nil {
			return nil, err
		}
		p.Role = domain.Role(role)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLStore) GetList(ctx context.Context, listID string) (domain.List, error) {
	return getList(ctx, s.db, listID)
}

func getList(ctx context.Context, q queryer, listID string) (domain.List, error) {
	var l domain.List
	var created int64
	err := q.QueryRowContext(ctx,
		`SELECT id, project_id, label, color, created_at FROM lists WHERE id = ?`, listID).
		Scan(&l.ID, &l.ProjectID, &l.Label, &l.Color, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.List{}, domain.NotFound("list", listID)
	}
	if err != nil {
		return domain.List{}, err
	}
	l.CreatedAt = fromMillis(created)
	return l, nil
}

func (s *SQLStore) InsertList(ctx context.Context, l domain.List) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := getProject(ctx, tx, l.ProjectID); err != nil {
			return err
		}
		return insertList(ctx, tx, l)
	})
}

func insertList(ctx context.Context, q queryer, l domain.List) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO lists (id, project_id, label, color, created_at) VALUES (?, ?, ?, ?, ?)`,
		l.ID, l.ProjectID, l.Label, l.Color, toMillis(l.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert list: %w", err)
	}
	return nil
}

func (s *SQLStore) UpdateListColor(ctx context.Context, listID, color string) (domain.List, error) {
	var out domain.List
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE lists SET color = ? WHERE id = ?`, color, listID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.NotFound("list", listID)
		}
		out, err = getList(ctx, tx, listID)
		return err
	})
	return out, err
}

func (s *SQLStore) DeleteList(ctx context.Context, listID string) (int, error) {
	var removed int
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := getList(ctx, tx, listID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE list_id = ?`, listID)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		removed = int(n)
		_, err = tx.ExecContext(ctx, `DELETE FROM lists WHERE id = ?`, listID)
		return err
	})
	return removed, err
}

func (s *SQLStore) DuplicateList(ctx context.Context, srcListID string, dst domain.List, newID func() string, now time.Time) (int, error) {
	var copied int
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		src, err := getList(ctx, tx, srcListID)
		if err != nil {
			return err
		}
		if err := sameProject(src, dst); err != nil {
			return err
		}
		if err := insertList(ctx, tx, dst); err != nil {
			return err
		}
		copied, err = copyTasks(ctx, tx, src.ID, dst, newID, now)
		return err
	})
	return copied, err
}

// copyTasks inserts a fresh row for every task of fromListID into dst.
// Comment and attachment counts stay with the originals.
func copyTasks(ctx context.Context, tx *sql.Tx, fromListID string, dst domain.List, newID func() string, now time.Time) (int, error) {
	tasks, err := queryTasks(ctx, tx, `WHERE list_id = ?`, fromListID)
	if err != nil {
		return 0, err
	}
	for _, t := range tasks {
		t.ID = newID()
		t.ListID = dst.ID
		t.ProjectID = dst.ProjectID
		t.AttachmentCount = 0
		t.CommentCount = 0
		t.CreatedAt = now
		t.UpdatedAt = now
		if err := insertTask(ctx, tx, t); err != nil {
			return 0, err
		}
	}
	return len(tasks), nil
}

const taskColumns = `id, list_id, project_id, title, description, priority, due_date, assignees, attachment_count, comment_count, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var priority, assignees string
	var due, created, updated int64
	if err := row.Scan(&t.ID, &t.ListID, &t.ProjectID, &t.Title, &t.Description, &priority, &due,
		&assignees, &t.AttachmentCount, &t.CommentCount, &created, &updated); err != nil {
		return domain.Task{}, err
	}
	t.Priority = domain.Priority(priority)
	t.DueDate = fromMillis(due)
	t.CreatedAt = fromMillis(created)
	t.UpdatedAt = fromMillis(updated)
	if err := sonic.UnmarshalString(assignees, &t.Assignees); err != nil {
		return domain.Task{}, fmt.Errorf("decode assignees of task %s: %w", t.ID, err)
	}
	if t.Assignees == nil {
		t.Assignees = []string{}
	}
	return t, nil
}

func queryTasks(ctx context.Context, q queryer, where string, args ...any) ([]domain.Task, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []domain.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func getTask(ctx context.Context, q queryer, taskID string) (domain.Task, error) {
	t, err := scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, domain.NotFound("task", taskID)
	}
	return t, err
}

func insertTask(ctx context.Context, q queryer, t domain.Task) error {
	assignees, err := encodeAssignees(t.Assignees)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ListID, t.ProjectID, t.Title, t.Description, string(t.Priority), toMillis(t.DueDate),
		assignees, t.AttachmentCount, t.CommentCount, toMillis(t.CreatedAt), toMillis(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func encodeAssignees(a []string) (string, error) {
	if a == nil {
		a = []string{}
	}
	return sonic.MarshalString(a)
}

func (s *SQLStore) GetTask(ctx context.Context, taskID string) (domain.Task, error) {
	return getTask(ctx, s.db, taskID)
}

func (s *SQLStore) InsertTask(ctx context.Context, t domain.Task) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		l, err := getList(ctx, tx, t.ListID)
		if err != nil {
			return err
		}
		if l.ProjectID != t.ProjectID {
			return domain.Invalid("listId", "belongs to a different project")
		}
		return insertTask(ctx, tx, t)
	})
}

func (s *SQLStore) UpdateTask(ctx context.Context, taskID string, patch domain.TaskPatch, now time.Time) (domain.Task, error) {
	var out domain.Task
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		t, err := getTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		patch.Apply(&t, now)
		assignees, err := encodeAssignees(t.Assignees)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET title = ?, description = ?, priority = ?, due_date = ?, assignees = ?, updated_at = ?
			WHERE id = ?`,
			t.Title, t.Description, string(t.Priority), toMillis(t.DueDate), assignees, toMillis(t.UpdatedAt), taskID)
		out = t
		return err
	})
	return out, err
}

func (s *SQLStore) MoveTask(ctx context.Context, taskID, targetListID string, now time.Time) (domain.Task, error) {
	var out domain.Task
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		t, err := getTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		target, err := getList(ctx, tx, targetListID)
		if err != nil {
			return err
		}
		if target.ProjectID != t.ProjectID {
			return domain.Invalid("stateId", "belongs to a different project")
		}
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET list_id = ?, updated_at = ? WHERE id = ?`,
			targetListID, toMillis(now), taskID); err != nil {
			return err
		}
		t.ListID = targetListID
		t.UpdatedAt = now
		out = t
		return nil
	})
	return out, err
}

func (s *SQLStore) DeleteTask(ctx context.Context, taskID string) (domain.Task, error) {
	var out domain.Task
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		t, err := getTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, taskID); err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

func (s *SQLStore) RelocateTasks(ctx context.Context, fromListID, toListID string, asCopy bool, newID func() string, now time.Time) (int, error) {
	var count int
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		from, err := getList(ctx, tx, fromListID)
		if err != nil {
			return err
		}
		to, err := getList(ctx, tx, toListID)
		if err != nil {
			return err
		}
		if err := sameProject(from, to); err != nil {
			return err
		}
		if asCopy {
			count, err = copyTasks(ctx, tx, from.ID, to, newID, now)
			return err
		}
		res, err := tx.ExecContext(ctx, `UPDATE tasks SET list_id = ?, updated_at = ? WHERE list_id = ?`,
			to.ID, toMillis(now), from.ID)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		count = int(n)
		return nil
	})
	return count, err
}

func (s *SQLStore) LoadBoard(ctx context.Context, projectID string) (domain.Board, error) {
	var board domain.Board
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		project, err := getProject(ctx, tx, projectID)
		if err != nil {
			return err
		}
		lists, err := queryLists(ctx, tx, projectID)
		if err != nil {
			return err
		}
		tasks, err := queryTasks(ctx, tx, `WHERE project_id = ?`, projectID)
		if err != nil {
			return err
		}
		participants, err := listParticipants(ctx, tx, projectID)
		if err != nil {
			return err
		}
		board = domain.BuildBoard(project, lists, tasks, participants)
		return nil
	})
	return board, err
}

func queryLists(ctx context.Context, q queryer, projectID string) ([]domain.List, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, project_id, label, color, created_at FROM lists WHERE project_id = ?`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.List
	for rows.Next() {
		var l domain.List
		var created int64
		if err := rows.Scan(&l.ID, &l.ProjectID, &l.Label, &l.Color, &created); err != nil {
			return nil, err
		}
		l.CreatedAt = fromMillis(created)
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *SQLStore) ListTasks(ctx context.Context, projectID string) ([]domain.Task, error) {
	if _, err := getProject(ctx, s.db, projectID); err != nil {
		return nil, err
	}
	return queryTasks(ctx, s.db, `WHERE project_id = ?`, projectID)
}
