// Package client is the session side of the board: an HTTP client for the
// board surface, an event stream with reconnect, the board state store and
// the loops that keep it in sync.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"tasklance/domain"
)

// API calls the board HTTP surface on behalf of one user.
type API struct {
	base  string
	token string
	http  *http.Client
}

// NewAPI returns a client for baseURL authenticating with a bearer token.
// A nil hc uses a client with a 15s timeout.
func NewAPI(baseURL, token string, hc *http.Client) *API {
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &API{base: strings.TrimRight(baseURL, "/"), token: token, http: hc}
}

// errorBody mirrors the board surface's error response.
type errorBody struct {
	Error    string `json:"error"`
	Kind     string `json:"kind"`
	Field    string `json:"field,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Resource string `json:"resource,omitempty"`
	ID       string `json:"id,omitempty"`
}

// StatusError is a response the taxonomy has no place for.
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

func (a *API) do(ctx context.Context, method, path string, in, out any, header ...string) error {
	var body io.Reader
	if in != nil {
		data, err := sonic.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, path, err)
	}
	if resp.StatusCode >= 300 {
		return decodeError(method, path, resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return sonic.Unmarshal(data, out)
}

// decodeError turns an error response back into the domain taxonomy.
func decodeError(method, path string, status int, data []byte) error {
	var body errorBody
	_ = sonic.Unmarshal(data, &body)
	switch status {
	case http.StatusBadRequest:
		reason := body.Reason
		if reason == "" {
			reason = body.Error
		}
		return &domain.ValidationError{Field: body.Field, Reason: reason}
	case http.StatusNotFound:
		return &domain.NotFoundError{Kind: body.Resource, ID: body.ID}
	case http.StatusUnauthorized, http.StatusForbidden:
		return &domain.UnauthorizedError{Reason: body.Error}
	}
	msg := body.Error
	if msg == "" {
		msg = strings.TrimSpace(string(data))
	}
	return &StatusError{Method: method, Path: path, Status: status, Body: msg}
}

func (a *API) CreateProject(ctx context.Context, name string) (domain.Project, error) {
	var out domain.Project
	err := a.do(ctx, http.MethodPost, "/api/projects", map[string]string{"name": name}, &out)
	return out, err
}

func (a *API) DeleteProject(ctx context.Context, projectID string) (domain.Result, error) {
	var out domain.Result
	err := a.do(ctx, http.MethodDelete, "/api/projects/"+url.PathEscape(projectID), nil, &out)
	return out, err
}

func (a *API) AddParticipant(ctx context.Context, projectID, userID string, role domain.Role) (domain.Result, error) {
	var out domain.Result
	in := map[string]string{"userId": userID, "role": string(role)}
	err := a.do(ctx, http.MethodPost, "/api/projects/"+url.PathEscape(projectID)+"/participants", in, &out)
	return out, err
}

// LoadBoard fetches the full board of a project.
func (a *API) LoadBoard(ctx context.Context, projectID string) (domain.Board, error) {
	var out domain.Board
	err := a.do(ctx, http.MethodGet, "/api/projects/"+url.PathEscape(projectID), nil, &out)
	return out, err
}

func (a *API) SearchTasks(ctx context.Context, projectID string, f domain.SearchFilter) ([]domain.Task, error) {
	q := url.Values{}
	if f.Query != "" {
		q.Set("q", f.Query)
	}
	if f.Priority != "" {
		q.Set("priority", string(f.Priority))
	}
	if f.ListID != "" {
		q.Set("stateId", f.ListID)
	}
	if f.AssigneeID != "" {
		q.Set("assigneeId", f.AssigneeID)
	}
	if f.DueFrom != nil {
		q.Set("dueFrom", f.DueFrom.UTC().Format(time.RFC3339))
	}
	if f.DueTo != nil {
		q.Set("dueTo", f.DueTo.UTC().Format(time.RFC3339))
	}
	path := "/api/projects/" + url.PathEscape(projectID) + "/tasks"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Tasks []domain.Task `json:"tasks"`
	}
	err := a.do(ctx, http.MethodGet, path, nil, &out)
	return out.Tasks, err
}

// CreateTask adds a task to in.ListID. A non-empty idempotencyKey makes the
// request safe to resubmit.
func (a *API) CreateTask(ctx context.Context, in domain.NewTask, idempotencyKey string) (domain.Task, error) {
	var out domain.Task
	var header []string
	if idempotencyKey != "" {
		header = []string{"Idempotency-Key", idempotencyKey}
	}
	err := a.do(ctx, http.MethodPost, "/api/lists/"+url.PathEscape(in.ListID)+"/tasks", in, &out, header...)
	return out, err
}

func (a *API) MoveTask(ctx context.Context, taskID, targetListID string) (domain.Result, error) {
	var out domain.Result
	err := a.do(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(taskID)+"/move", map[string]string{"stateId": targetListID}, &out)
	return out, err
}

func (a *API) UpdateTask(ctx context.Context, taskID string, patch domain.TaskPatch) (domain.Result, error) {
	var out domain.Result
	err := a.do(ctx, http.MethodPatch, "/api/tasks/"+url.PathEscape(taskID), patch, &out)
	return out, err
}

func (a *API) DeleteTask(ctx context.Context, taskID string) (domain.Result, error) {
	var out domain.Result
	err := a.do(ctx, http.MethodDelete, "/api/tasks/"+url.PathEscape(taskID), nil, &out)
	return out, err
}

func (a *API) CreateList(ctx context.Context, projectID, label, color string) (domain.List, error) {
	var out domain.List
	in := map[string]string{"label": label}
	if color != "" {
		in["color"] = color
	}
	err := a.do(ctx, http.MethodPost, "/api/projects/"+url.PathEscape(projectID)+"/lists", in, &out)
	return out, err
}

func (a *API) UpdateListColor(ctx context.Context, listID, color string) (domain.List, error) {
	var out domain.List
	err := a.do(ctx, http.MethodPatch, "/api/lists/"+url.PathEscape(listID), map[string]string{"color": color}, &out)
	return out, err
}

func (a *API) DeleteList(ctx context.Context, listID string) (domain.Result, error) {
	var out domain.Result
	err := a.do(ctx, http.MethodDelete, "/api/lists/"+url.PathEscape(listID), nil, &out)
	return out, err
}

func (a *API) DuplicateList(ctx context.Context, listID, label string) (domain.List, error) {
	var out domain.List
	var in any
	if label != "" {
		in = map[string]string{"label": label}
	}
	err := a.do(ctx, http.MethodPost, "/api/lists/"+url.PathEscape(listID)+"/duplicate", in, &out)
	return out, err
}

func (a *API) CopyTasksToList(ctx context.Context, fromListID, toListID string) (domain.Relocated, error) {
	return a.relocate(ctx, "copy-tasks", fromListID, toListID)
}

func (a *API) MoveTasksToList(ctx context.Context, fromListID, toListID string) (domain.Relocated, error) {
	return a.relocate(ctx, "move-tasks", fromListID, toListID)
}

func (a *API) relocate(ctx context.Context, op, fromListID, toListID string) (domain.Relocated, error) {
	var out domain.Relocated
	err := a.do(ctx, http.MethodPost, "/api/lists/"+url.PathEscape(fromListID)+"/"+op, map[string]string{"targetId": toListID}, &out)
	return out, err
}
