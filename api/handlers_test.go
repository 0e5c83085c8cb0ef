package api

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"

	"tasklance/authz"
	"tasklance/domain"
	"tasklance/mutation"
	"tasklance/storage"
)

// headerAuth treats the bearer value itself as the user id.
type headerAuth struct{}

func (headerAuth) UserIDFromAuthHeader(h string) (string, error) {
	id, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || id == "" {
		return "", errMissingAuthorization
	}
	return id, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, ev domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type testEnv struct {
	e   *echo.Echo
	pub *recordingPublisher
}

func newTestEnv(t *testing.T, health ...func(context.Context) error) *testEnv {
	t.Helper()
	store, err := storage.NewSQLStore(filepath.Join(t.TempDir(), "board.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })

	logger, _ := test.NewNullLogger()
	pub := &recordingPublisher{}
	svc := mutation.New(mutation.Config{
		Store:      store,
		Authorizer: authz.New(store, rc, time.Minute, logger),
		Publisher:  pub,
		Logger:     logger,
	})
	e := echo.New()
	Register(e, svc, headerAuth{}, Options{
		Deduper:     NewRedisDeduper(rc, time.Hour),
		NotifyToken: "notify.secret.token",
		Logger:      logger,
		Health:      health,
	})
	return &testEnv{e: e, pub: pub}
}

func (env *testEnv) do(t *testing.T, method, path, user, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if user != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+user)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := sonic.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

// seedBoard creates a project owned by "ada" and returns it with its
// default list id.
func (env *testEnv) seedBoard(t *testing.T) (domain.Project, string) {
	t.Helper()
	rec := env.do(t, http.MethodPost, "/api/projects", "ada", `{"name":"Launch"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create project: %d %s", rec.Code, rec.Body.String())
	}
	project := decodeBody[domain.Project](t, rec)
	rec = env.do(t, http.MethodGet, "/api/projects/"+project.ID, "ada", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get board: %d %s", rec.Code, rec.Body.String())
	}
	board := decodeBody[domain.Board](t, rec)
	return project, board.States[0].ID
}

func TestBoardRequiresAuthentication(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/projects/p1", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestBoardErrorMapping(t *testing.T) {
	env := newTestEnv(t)
	project, _ := env.seedBoard(t)

	if rec := env.do(t, http.MethodGet, "/api/projects/"+project.ID, "mallory", ""); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-participant, got %d", rec.Code)
	}
	rec := env.do(t, http.MethodGet, "/api/projects/missing", "ada", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if body := decodeBody[errorResponse](t, rec); body.Kind != KindNotFound {
		t.Fatalf("unexpected error kind %q", body.Kind)
	}
}

func TestCreateTaskValidationPublishesNothing(t *testing.T) {
	env := newTestEnv(t)
	_, listID := env.seedBoard(t)
	before := env.pub.count()

	rec := env.do(t, http.MethodPost, "/api/lists/"+listID+"/tasks", "ada", `{"title":"","dueDate":"2025-01-10"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", rec.Code, rec.Body.String())
	}
	body := decodeBody[errorResponse](t, rec)
	if body.Kind != KindValidation || body.Field != "title" {
		t.Fatalf("unexpected error body %+v", body)
	}
	if rec := env.do(t, http.MethodPost, "/api/lists/"+listID+"/tasks", "ada", `{"title":"x","dueDate":"2025-01-10","color":"red"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected unknown field to be rejected, got %d", rec.Code)
	}
	if env.pub.count() != before {
		t.Fatalf("failed create published an event")
	}
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	project, todo := env.seedBoard(t)

	rec := env.do(t, http.MethodPost, "/api/projects/"+project.ID+"/lists", "ada", `{"label":"Done","color":"green-300"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create list: %d %s", rec.Code, rec.Body.String())
	}
	done := decodeBody[domain.List](t, rec)

	rec = env.do(t, http.MethodPost, "/api/lists/"+todo+"/tasks", "ada", `{"title":"T1","priority":"medium","dueDate":"2025-01-10"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create task: %d %s", rec.Code, rec.Body.String())
	}
	task := decodeBody[domain.Task](t, rec)
	if task.Priority != domain.PriorityMedium || task.ListID != todo {
		t.Fatalf("unexpected task %+v", task)
	}

	rec = env.do(t, http.MethodPost, "/api/tasks/"+task.ID+"/move", "ada", `{"stateId":"`+done.ID+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("move: %d %s", rec.Code, rec.Body.String())
	}
	if res := decodeBody[domain.Result](t, rec); res.ProjectID != project.ID {
		t.Fatalf("unexpected move result %+v", res)
	}

	rec = env.do(t, http.MethodPatch, "/api/tasks/"+task.ID, "ada", `{"priority":"HIGH"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("update: %d %s", rec.Code, rec.Body.String())
	}

	board := decodeBody[domain.Board](t, env.do(t, http.MethodGet, "/api/projects/"+project.ID, "ada", ""))
	got, listID, ok := board.FindTask(task.ID)
	if !ok || listID != done.ID || got.Priority != domain.PriorityHigh {
		t.Fatalf("unexpected board state %+v", board.States)
	}

	rec = env.do(t, http.MethodGet, "/api/projects/"+project.ID+"/tasks?q=t1&priority=high", "ada", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("search: %d %s", rec.Code, rec.Body.String())
	}
	if found := decodeBody[SearchResponse](t, rec); len(found.Tasks) != 1 {
		t.Fatalf("expected one search hit, got %+v", found)
	}

	if rec := env.do(t, http.MethodDelete, "/api/tasks/"+task.ID, "ada", ""); rec.Code != http.StatusOK {
		t.Fatalf("delete: %d", rec.Code)
	}
	if rec := env.do(t, http.MethodDelete, "/api/tasks/"+task.ID, "ada", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %d", rec.Code)
	}
}

func TestListBulkRoutes(t *testing.T) {
	env := newTestEnv(t)
	project, todo := env.seedBoard(t)
	for _, title := range []string{"a", "b"} {
		rec := env.do(t, http.MethodPost, "/api/lists/"+todo+"/tasks", "ada", `{"title":"`+title+`","dueDate":"2025-02-01"}`)
		if rec.Code != http.StatusCreated {
			t.Fatalf("create task: %d", rec.Code)
		}
	}

	rec := env.do(t, http.MethodPost, "/api/lists/"+todo+"/duplicate", "ada", "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("duplicate: %d %s", rec.Code, rec.Body.String())
	}
	dup := decodeBody[domain.List](t, rec)

	rec = env.do(t, http.MethodPost, "/api/lists/"+dup.ID+"/move-tasks", "ada", `{"targetId":"`+todo+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("move-tasks: %d %s", rec.Code, rec.Body.String())
	}
	if res := decodeBody[domain.Relocated](t, rec); res.Count != 2 || res.ProjectID != project.ID {
		t.Fatalf("unexpected relocation %+v", res)
	}

	rec = env.do(t, http.MethodPatch, "/api/lists/"+dup.ID, "ada", `{"color":"blue-100"}`)
	if rec.Code != http.StatusOK || decodeBody[domain.List](t, rec).Color != "blue-100" {
		t.Fatalf("update color: %d %s", rec.Code, rec.Body.String())
	}
	if rec := env.do(t, http.MethodDelete, "/api/lists/"+dup.ID, "ada", ""); rec.Code != http.StatusOK {
		t.Fatalf("delete list: %d", rec.Code)
	}

	board := decodeBody[domain.Board](t, env.do(t, http.MethodGet, "/api/projects/"+project.ID, "ada", ""))
	if len(board.States) != 1 || board.TaskCount() != 4 {
		t.Fatalf("unexpected board after bulk ops: %d lists, %d tasks", len(board.States), board.TaskCount())
	}
}

func TestParticipantsAndProjectDeletion(t *testing.T) {
	env := newTestEnv(t)
	project, _ := env.seedBoard(t)

	if rec := env.do(t, http.MethodPost, "/api/projects/"+project.ID+"/participants", "ada", `{"userId":"bob","role":"viewer"}`); rec.Code != http.StatusOK {
		t.Fatalf("add participant: %d %s", rec.Code, rec.Body.String())
	}
	if rec := env.do(t, http.MethodGet, "/api/projects/"+project.ID, "bob", ""); rec.Code != http.StatusOK {
		t.Fatalf("viewer load: %d", rec.Code)
	}
	if rec := env.do(t, http.MethodDelete, "/api/projects/"+project.ID, "bob", ""); rec.Code != http.StatusForbidden {
		t.Fatalf("expected viewer delete to be refused, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodDelete, "/api/projects/"+project.ID, "ada", ""); rec.Code != http.StatusOK {
		t.Fatalf("delete project: %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/projects/"+project.ID, "ada", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}
}

func TestIdempotencyKey(t *testing.T) {
	env := newTestEnv(t)
	_, todo := env.seedBoard(t)
	body := `{"title":"Once","dueDate":"2025-01-10"}`

	first := env.do(t, http.MethodPost, "/api/lists/"+todo+"/tasks", "ada", body, HeaderIdempotencyKey, "k1")
	if first.Code != http.StatusCreated {
		t.Fatalf("first: %d", first.Code)
	}
	second := env.do(t, http.MethodPost, "/api/lists/"+todo+"/tasks", "ada", body, HeaderIdempotencyKey, "k1")
	if second.Code != http.StatusConflict {
		t.Fatalf("expected replay to be refused, got %d", second.Code)
	}

	bad := env.do(t, http.MethodPost, "/api/lists/"+todo+"/tasks", "ada", `{"title":"x"}`, HeaderIdempotencyKey, "k2")
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", bad.Code)
	}
	retry := env.do(t, http.MethodPost, "/api/lists/"+todo+"/tasks", "ada", body, HeaderIdempotencyKey, "k2")
	if retry.Code != http.StatusCreated {
		t.Fatalf("expected failed key to be released, got %d", retry.Code)
	}
}

func TestGzipRequestBody(t *testing.T) {
	env := newTestEnv(t)
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(`{"name":"Zipped"}`)); err != nil {
		t.Fatalf("gzip: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/projects", &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderContentEncoding, "gzip")
	req.Header.Set(echo.HeaderAuthorization, "Bearer ada")
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d %s", rec.Code, rec.Body.String())
	}
	if p := decodeBody[domain.Project](t, rec); p.Name != "Zipped" {
		t.Fatalf("unexpected project %+v", p)
	}
}

func TestNotifyEndpoint(t *testing.T) {
	env := newTestEnv(t)
	project, _ := env.seedBoard(t)
	path := "/api/projects/" + project.ID + "/events"
	before := env.pub.count()

	if rec := env.do(t, http.MethodPost, path, "wrong.token.value", `{"kind":"comment-created"}`); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, path, "notify.secret.token", `{"kind":"task-created"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected non-collaborator kind to be refused, got %d", rec.Code)
	}
	rec := env.do(t, http.MethodPost, path, "notify.secret.token", `{"kind":"attachment-uploaded","payload":{"taskId":"t1"}}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d %s", rec.Code, rec.Body.String())
	}
	if env.pub.count() != before+1 {
		t.Fatalf("expected one published event")
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	if rec := env.do(t, http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	failing := newTestEnv(t, func(context.Context) error { return errors.New("redis down") })
	if rec := failing.do(t, http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.Invalid("title", "must not be empty"), http.StatusBadRequest},
		{domain.NotFound("task", "t1"), http.StatusNotFound},
		{&domain.UnauthorizedError{UserID: "u"}, http.StatusForbidden},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got, body := classify(tt.err); got != tt.want {
			t.Fatalf("classify(%v) = %d (%+v), want %d", tt.err, got, body, tt.want)
		}
	}
	if _, body := classify(errors.New("secret detail")); strings.Contains(body.Error, "secret") {
		t.Fatalf("internal error details leaked: %q", body.Error)
	}
}
