// Package stream serves project topics to browsers and headless clients
// over Server-Sent Events and WebSocket. Access is checked once, when the
// subscription opens.
package stream

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"tasklance/channel"
	"tasklance/domain"
)

const defaultHeartbeat = 30 * time.Second

type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

type Authorizer interface {
	Authorize(ctx context.Context, userID, projectID string, need domain.Role) (domain.Participant, error)
}

// Subscriber hands out topic subscriptions; *channel.Hub implements it.
type Subscriber interface {
	Subscribe(topic string) (*channel.Subscription, func())
}

type Options struct {
	// Heartbeat is the keepalive interval. Zero means 30s.
	Heartbeat time.Duration
	// OriginPatterns restricts WebSocket origins; empty allows any.
	OriginPatterns []string
	Logger         *log.Logger
}

type server struct {
	hub       Subscriber
	auth      Authenticator
	authz     Authorizer
	heartbeat time.Duration
	origins   []string
	logger    *log.Logger
}

// Register wires the stream endpoints on the given Echo instance.
func Register(e *echo.Echo, hub Subscriber, auth Authenticator, authz Authorizer, opts Options) {
	s := &server{
		hub:       hub,
		auth:      auth,
		authz:     authz,
		heartbeat: opts.Heartbeat,
		origins:   opts.OriginPatterns,
		logger:    opts.Logger,
	}
	if s.heartbeat <= 0 {
		s.heartbeat = defaultHeartbeat
	}
	if s.logger == nil {
		s.logger = log.StandardLogger()
	}
	e.GET("/stream/projects/:id", s.serveSSE)
	e.GET("/ws/projects/:id", s.serveWS)
}

// open authenticates and authorizes the caller, then subscribes. EventSource
// cannot set headers, so a ?token= query parameter is accepted as well.
func (s *server) open(c echo.Context) (*channel.Subscription, func(), int, error) {
	header := c.Request().Header.Get(echo.HeaderAuthorization)
	if header == "" {
		if token := c.QueryParam("token"); token != "" {
			header = "Bearer " + token
		}
	}
	userID, err := s.auth.UserIDFromAuthHeader(header)
	if err != nil {
		return nil, nil, http.StatusUnauthorized, err
	}
	projectID := c.Param("id")
	if _, err := s.authz.Authorize(c.Request().Context(), userID, projectID, domain.RoleViewer); err != nil {
		switch {
		case domain.IsNotFound(err):
			return nil, nil, http.StatusNotFound, err
		case domain.IsUnauthorized(err):
			return nil, nil, http.StatusForbidden, err
		default:
			s.logger.WithError(err).WithField("project", projectID).Error("subscribe authorization failed")
			return nil, nil, http.StatusInternalServerError, err
		}
	}
	sub, release := s.hub.Subscribe(domain.Topic(projectID))
	s.logger.WithFields(log.Fields{"project": projectID, "user": userID}).Debug("subscriber connected")
	return sub, release, http.StatusOK, nil
}

// terminal reports whether the stream should end after ev.
func terminal(ev domain.Event) bool {
	return ev.Kind == domain.ProjectDeleted
}
