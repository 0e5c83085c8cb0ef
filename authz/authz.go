// Package authz decides whether an identity may act on a project.
package authz

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"tasklance/domain"
)

// MembershipStore resolves projects and their participants.
type MembershipStore interface {
	GetProject(ctx context.Context, projectID string) (domain.Project, error)
	GetParticipant(ctx context.Context, projectID, userID string) (domain.Participant, error)
}

// Authorizer checks participancy and role. Positive lookups are cached in
// Redis for ttl; Forget drops a cached membership.
type Authorizer struct {
	store  MembershipStore
	redis  *redis.Client
	ttl    time.Duration
	logger *log.Logger
}

func New(store MembershipStore, client *redis.Client, ttl time.Duration, logger *log.Logger) *Authorizer {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Authorizer{store: store, redis: client, ttl: ttl, logger: logger}
}

// Authorize returns the caller's participant record when it holds at least
// need on projectID. A missing project yields NotFoundError; a
// non-participant or insufficient role yields UnauthorizedError.
func (a *Authorizer) Authorize(ctx context.Context, userID, projectID string, need domain.Role) (domain.Participant, error) {
	if userID == "" {
		return domain.Participant{}, &domain.UnauthorizedError{ProjectID: projectID, Reason: "anonymous"}
	}
	p, err := a.participant(ctx, userID, projectID)
	if err != nil {
		return domain.Participant{}, err
	}
	if !p.Role.Allows(need) {
		return domain.Participant{}, &domain.UnauthorizedError{UserID: userID, ProjectID: projectID, Reason: "requires " + string(need)}
	}
	return p, nil
}

func (a *Authorizer) participant(ctx context.Context, userID, projectID string) (domain.Participant, error) {
	if p, ok := a.loadFromCache(ctx, userID, projectID); ok {
		return p, nil
	}
	p, err := a.store.GetParticipant(ctx, projectID, userID)
	if err == nil {
		a.storeInCache(ctx, p)
		return p, nil
	}
	if !domain.IsNotFound(err) {
		return domain.Participant{}, err
	}
	if _, perr := a.store.GetProject(ctx, projectID); perr != nil {
		return domain.Participant{}, perr
	}
	return domain.Participant{}, &domain.UnauthorizedError{UserID: userID, ProjectID: projectID, Reason: "not a participant"}
}

// Forget removes a cached membership after it changed.
func (a *Authorizer) Forget(ctx context.Context, projectID string, userIDs ...string) {
	if a.redis == nil || len(userIDs) == 0 {
		return
	}
	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = membershipKey(projectID, id)
	}
	if err := a.redis.Del(ctx, keys...).Err(); err != nil {
		a.logger.WithError(err).WithField("project", projectID).Warn("membership cache evict failed")
	}
}

func (a *Authorizer) loadFromCache(ctx context.Context, userID, projectID string) (domain.Participant, bool) {
	if a.redis == nil || a.ttl <= 0 {
		return domain.Participant{}, false
	}
	data, err := a.redis.Get(ctx, membershipKey(projectID, userID)).Bytes()
	if err != nil {
		return domain.Participant{}, false
	}
	var p domain.Participant
	if err := sonic.Unmarshal(data, &p); err != nil {
		_ = a.redis.Del(ctx, membershipKey(projectID, userID)).Err()
		return domain.Participant{}, false
	}
	return p, true
}

func (a *Authorizer) storeInCache(ctx context.Context, p domain.Participant) {
	if a.redis == nil || a.ttl <= 0 {
		return
	}
	data, err := sonic.Marshal(p)
	if err != nil {
		return
	}
	_ = a.redis.Set(ctx, membershipKey(p.ProjectID, p.UserID), data, a.ttl).Err()
}

func membershipKey(projectID, userID string) string {
	return "member:" + projectID + ":" + userID
}
