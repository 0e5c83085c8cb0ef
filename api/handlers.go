package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	log "github.com/sirupsen/logrus"

	"tasklance/domain"
)

const maxBodySize = 1 << 20

// Options carries the optional collaborators of the HTTP surface.
type Options struct {
	// Deduper enables the Idempotency-Key guard on mutations.
	Deduper Deduper
	// NotifyToken is the shared bearer secret of the collaborator notify
	// endpoint. Empty disables the endpoint.
	NotifyToken string
	Logger      *log.Logger
	// Health checks run by /healthz.
	Health []func(context.Context) error
}

type server struct {
	svc         Mutations
	auth        Authenticator
	deduper     Deduper
	notifyToken string
	logger      *log.Logger
}

// action runs one request for an authenticated user and returns the
// success status and body.
type action func(ctx context.Context, c echo.Context, userID string, m *requestMetrics) (int, any, error)

// Register wires up all board routes on the provided Echo instance.
func Register(e *echo.Echo, svc Mutations, auth Authenticator, opts Options) {
	s := &server{svc: svc, auth: auth, deduper: opts.Deduper, notifyToken: opts.NotifyToken, logger: opts.Logger}
	if s.logger == nil {
		s.logger = log.StandardLogger()
	}

	g := e.Group("/api", middleware.Decompress())
	g.POST("/projects", s.handle("/api/projects", s.createProject))
	g.GET("/projects/:id", s.handle("/api/projects/:id", s.getBoard))
	g.DELETE("/projects/:id", s.handle("/api/projects/:id", s.deleteProject))
	g.POST("/projects/:id/participants", s.handle("/api/projects/:id/participants", s.addParticipant))
	g.GET("/projects/:id/tasks", s.handle("/api/projects/:id/tasks", s.searchTasks))
	g.POST("/projects/:id/lists", s.handle("/api/projects/:id/lists", s.createList))
	g.POST("/projects/:id/events", s.notify)

	g.PATCH("/lists/:id", s.handle("/api/lists/:id", s.updateListColor))
	g.DELETE("/lists/:id", s.handle("/api/lists/:id", s.deleteList))
	g.POST("/lists/:id/duplicate", s.handle("/api/lists/:id/duplicate", s.duplicateList))
	g.POST("/lists/:id/copy-tasks", s.handle("/api/lists/:id/copy-tasks", s.relocate(false)))
	g.POST("/lists/:id/move-tasks", s.handle("/api/lists/:id/move-tasks", s.relocate(true)))
	g.POST("/lists/:id/tasks", s.handle("/api/lists/:id/tasks", s.createTask))

	g.PATCH("/tasks/:id", s.handle("/api/tasks/:id", s.updateTask))
	g.DELETE("/tasks/:id", s.handle("/api/tasks/:id", s.deleteTask))
	g.POST("/tasks/:id/move", s.handle("/api/tasks/:id/move", s.moveTask))

	e.GET("/healthz", healthz(opts.Health))
}

func healthz(checks []func(context.Context) error) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		for _, check := range checks {
			if err := check(ctx); err != nil {
				return c.String(http.StatusServiceUnavailable, err.Error())
			}
		}
		return c.NoContent(http.StatusOK)
	}
}

func (s *server) handle(route string, fn action) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := newRequestMetrics(c.Request().Context(), s.logger, route)
		c.SetRequest(c.Request().WithContext(ctx))

		status := 0
		var cause error
		defer func() {
			metrics.Log(status, cause)
		}()

		authStart := time.Now()
		userID, authErr := s.auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			status, cause = http.StatusUnauthorized, authErr
			return c.JSON(status, errorResponse{Error: authErr.Error(), Kind: "unauthenticated"})
		}

		if key := strings.TrimSpace(c.Request().Header.Get(HeaderIdempotencyKey)); key != "" && s.deduper != nil && c.Request().Method != http.MethodGet {
			metrics.SetIdempotent(true)
			added, dErr := s.deduper.Add(ctx, userID, key)
			switch {
			case dErr != nil:
				s.logger.WithError(dErr).WithField("route", route).Warn("idempotency check failed; processing request")
			case !added:
				metrics.SetErrorStage("duplicate")
				status = http.StatusConflict
				return c.JSON(status, errorResponse{Error: "duplicate request", Kind: "duplicate"})
			default:
				defer func() {
					if status >= http.StatusBadRequest {
						if rmErr := s.deduper.Remove(context.WithoutCancel(ctx), userID, key); rmErr != nil {
							s.logger.WithError(rmErr).Warn("idempotency key rollback failed")
						}
					}
				}()
			}
		}

		storeStart := time.Now()
		code, body, opErr := fn(ctx, c, userID, metrics)
		metrics.ObserveStore(time.Since(storeStart))
		if opErr != nil {
			st, resp := classify(opErr)
			metrics.SetErrorStage(resp.Kind)
			if st == http.StatusInternalServerError {
				s.logger.WithError(opErr).WithField("route", route).Error("board request failed")
			}
			status, cause = st, opErr
			return c.JSON(st, resp)
		}

		encodeStart := time.Now()
		status = code
		err = c.JSON(code, body)
		metrics.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			metrics.SetErrorStage("encode_response")
			cause = err
		}
		return err
	}
}

// decode reads a JSON body, rejecting unknown fields.
func decode(c echo.Context, v any) error {
	dec := sonic.ConfigStd.NewDecoder(io.LimitReader(c.Request().Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var ve *domain.ValidationError
		if errors.As(err, &ve) {
			return ve
		}
		return domain.Invalid("", "invalid body")
	}
	return nil
}

func (s *server) createProject(ctx context.Context, c echo.Context, userID string, m *requestMetrics) (int, any, error) {
	var req createProjectRequest
	if err := decode(c, &req); err != nil {
		return 0, nil, err
	}
	project, err := s.svc.CreateProject(ctx, userID, req.Name)
	if err != nil {
		return 0, nil, err
	}
	m.SetProject(project.ID)
	return http.StatusCreated, project, nil
}

func (s *server) getBoard(ctx context.Context, c echo.Context, userID string, m *requestMetrics) (int, any, error) {
	projectID := c.Param("id")
	m.SetProject(projectID)
	board, err := s.svc.LoadBoard(ctx, userID, projectID)
	if err != nil {
		return 0, nil, err
	}
	m.SetTasksReturned(board.TaskCount())
	return http.StatusOK, board, nil
}

func (s *server) deleteProject(ctx context.Context, c echo.Context, userID string, m *requestMetrics) (int, any, error) {
	m.SetProject(c.Param("id"))
	res, err := s.svc.DeleteProject(ctx, userID, c.Param("id"))
	return http.StatusOK, res, err
}

func (s *server) addParticipant(ctx context.Context, c echo.Context, userID string, m *requestMetrics) (int, any, error) {
	var req participantRequest
	if err := decode(c, &req); err != nil {
		return 0, nil, err
	}
	m.SetProject(c.Param("id"))
	p := domain.Participant{ProjectID: c.Param("id"), UserID: req.UserID, Role: req.Role, Name: req.Name, Avatar: req.Avatar}
	res, err := s.svc.AddParticipant(ctx, userID, p)
	return http.StatusOK, res, err
}

func (s *server) searchTasks(ctx context.Context, c echo.Context, userID string, m *requestMetrics) (int, any, error) {
	projectID := c.Param("id")
	m.SetProject(projectID)
	filter := domain.SearchFilter{
		Query:      c.QueryParam("q"),
		Priority:   domain.Priority(c.QueryParam("priority")),
		ListID:     c.QueryParam("stateId"),
		AssigneeID: c.QueryParam("assigneeId"),
	}
	for param, dst := range map[string]**time.Time{"dueFrom": &filter.DueFrom, "dueTo": &filter.DueTo} {
		raw := c.QueryParam(param)
		if raw == "" {
			continue
		}
		d, err := domain.ParseDate(raw)
		if err != nil {
			return 0, nil, domain.Invalid(param, "must be a date")
		}
		t := d.Time
		*dst = &t
	}
	tasks, err := s.svc.SearchTasks(ctx, userID, projectID, filter)
	if err != nil {
		return 0, nil, err
	}
	m.SetTasksReturned(len(tasks))
	return http.StatusOK, SearchResponse{Tasks: tasks}, nil
}

func (s *server) createList(ctx context.Context, c echo.Context, userID string, m *requestMetrics) (int, any, error) {
	var req listRequest
	if err := decode(c, &req); err != nil {
		return 0, nil, err
	}
	m.SetProject(c.Param("id"))
	list, err := s.svc.CreateList(ctx, userID, domain.NewList{ProjectID: c.Param("id"), Label: req.Label, Color: req.Color})
	return http.StatusCreated, list, err
}

func (s *server) updateListColor(ctx context.Context, c echo.Context, userID string, m *requestMetrics) (int, any, error) {
	var req colorRequest
	if err := decode(c, &req); err != nil {
		return 0, nil, err
	}
	list, err := s.svc.UpdateListColor(ctx, userID, c.Param("id"), req.Color)
	m.SetProject(list.ProjectID)
	return http.StatusOK, list, err
}

func (s *server) deleteList(ctx context.Context, c echo.Context, userID string, m *requestMetrics) (int, any, error) {
	res, err := s.svc.DeleteList(ctx, userID, c.Param("id"))
	m.SetProject(res.ProjectID)
	return http.StatusOK, res, err
}

func (s *server) duplicateList(ctx context.Context, c echo.Context, userID string, m *requestMetrics) (int, any, error) {
	var req duplicateRequest
	if c.Request().ContentLength != 0 {
		if err := decode(c, &req); err != nil {
			return 0, nil, err
		}
	}
	list, err := s.svc.DuplicateList(ctx, userID, c.Param("id"), req.Label)
	m.SetProject(list.ProjectID)
	return http.StatusCreated, list, err
}

func (s *server) relocate(move bool) action {
	return func(ctx context.Context, c echo.Context, userID string, m *requestMetrics) (int, any, error) {
		var req relocateRequest
		if err := decode(c, &req); err != nil {
			return 0, nil, err
		}
		run := s.svc.CopyTasksToList
		if move {
			run = s.svc.MoveTasksToList
		}
		res, err := run(ctx, userID, c.Param("id"), req.TargetID)
		m.SetProject(res.ProjectID)
		m.SetTasksReturned(res.Count)
		return http.StatusOK, res, err
	}
}

func (s *server) createTask(ctx context.Context, c echo.Context, userID string, m *requestMetrics) (int, any, error) {
	var in domain.NewTask
	if err := decode(c, &in); err != nil {
		return 0, nil, err
	}
	in.ListID = c.Param("id")
	task, err := s.svc.CreateTask(ctx, userID, in)
	m.SetProject(task.ProjectID)
	return http.StatusCreated, task, err
}

func (s *server) updateTask(ctx context.Context, c echo.Context, userID string, m *requestMetrics) (int, any, error) {
	var patch domain.TaskPatch
	if err := decode(c, &patch); err != nil {
		return 0, nil, err
	}
	res, err := s.svc.UpdateTask(ctx, userID, c.Param("id"), patch)
	m.SetProject(res.ProjectID)
	return http.StatusOK, res, err
}

func (s *server) moveTask(ctx context.Context, c echo.Context, userID string, m *requestMetrics) (int, any, error) {
	var req moveRequest
	if err := decode(c, &req); err != nil {
		return 0, nil, err
	}
	res, err := s.svc.MoveTask(ctx, userID, c.Param("id"), req.StateID)
	m.SetProject(res.ProjectID)
	return http.StatusOK, res, err
}

func (s *server) deleteTask(ctx context.Context, c echo.Context, userID string, m *requestMetrics) (int, any, error) {
	res, err := s.svc.DeleteTask(ctx, userID, c.Param("id"))
	m.SetProject(res.ProjectID)
	return http.StatusOK, res, err
}

// notify publishes a comment or attachment event on behalf of a trusted
// collaborator service.
func (s *server) notify(c echo.Context) error {
	if s.notifyToken == "" {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "notify endpoint disabled", Kind: KindNotFound})
	}
	token, err := bearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
	if err != nil {
		token = ""
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.notifyToken)) != 1 {
		return c.JSON(http.StatusUnauthorized, errorResponse{Error: "invalid notify token", Kind: "unauthenticated"})
	}
	var req NotifyRequest
	if err := decode(c, &req); err != nil {
		_, werr := writeError(c, err)
		return werr
	}
	projectID := c.Param("id")
	if err := s.svc.PublishCollaboratorEvent(c.Request().Context(), projectID, req.Kind, req.Payload); err != nil {
		if domain.IsChannelUnavailable(err) {
			s.logger.WithError(err).WithField("project", projectID).Warn("collaborator event dropped")
			return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "event channel unavailable", Kind: "unavailable"})
		}
		_, werr := writeError(c, err)
		return werr
	}
	s.logger.WithFields(log.Fields{"project": projectID, "kind": req.Kind}).Debug("collaborator event published")
	return c.NoContent(http.StatusAccepted)
}
