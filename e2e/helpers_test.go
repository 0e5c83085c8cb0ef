package e2e

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"

	"tasklance/api"
	"tasklance/authz"
	"tasklance/channel"
	"tasklance/client"
	"tasklance/domain"
	"tasklance/mutation"
	"tasklance/storage"
	"tasklance/stream"
)

var testSecret = []byte("e2e-shared-secret")

// token returns a signed HS256 JWT for userID.
func token(t *testing.T, userID string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := tok.SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

// system runs the board API and the stream service in-process over one
// SQLite database and one Redis.
type system struct {
	boardURL  string
	streamURL string
	hub       *channel.Hub
	rc        *redis.Client
}

func startSystem(t *testing.T) *system {
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
	auth := api.NewAuth(api.AuthConfig{TestSecret: testSecret})
	cache := storage.NewCache(store, rc, time.Minute)
	svc := mutation.New(mutation.Config{
		Store:      store,
		Boards:     cache,
		Cache:      cache,
		Authorizer: authz.New(store, rc, time.Minute, logger),
		Publisher:  channel.NewRedisPublisher(rc),
		Logger:     logger,
	})
	boardEcho := echo.New()
	api.Register(boardEcho, svc, auth, api.Options{
		Deduper: api.NewRedisDeduper(rc, time.Hour),
		Logger:  logger,
	})
	boardSrv := httptest.NewServer(boardEcho)
	t.Cleanup(boardSrv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	hub := channel.NewHub(logger, 16)
	relayDone := make(chan struct{})
	go func() {
		channel.Relay(ctx, logger, rc, hub)
		close(relayDone)
	}()
	t.Cleanup(func() {
		cancel()
		<-relayDone
	})

	streamEcho := echo.New()
	stream.Register(streamEcho, hub, auth, authz.New(store, rc, time.Minute, logger), stream.Options{
		Heartbeat: time.Second,
		Logger:    logger,
	})
	streamSrv := httptest.NewServer(streamEcho)
	t.Cleanup(streamSrv.Close)

	sys := &system{boardURL: boardSrv.URL, streamURL: streamSrv.URL, hub: hub, rc: rc}
	sys.waitRelay(t)
	return sys
}

// waitRelay blocks until the relay's pattern subscription is live.
func (s *system) waitRelay(t *testing.T) {
	t.Helper()
	probe, release := s.hub.Subscribe(domain.Topic("probe"))
	defer release()
	pub := channel.NewRedisPublisher(s.rc)
	deadline := time.Now().Add(3 * time.Second)
	for {
		if err := pub.Publish(context.Background(), domain.Event{ProjectID: "probe", Kind: domain.Resync}); err != nil {
			t.Fatalf("probe publish: %v", err)
		}
		select {
		case <-probe.C:
			return
		case <-time.After(20 * time.Millisecond):
		}
		if time.Now().After(deadline) {
			t.Fatal("relay never subscribed")
		}
	}
}

func (s *system) api(t *testing.T, user string) *client.API {
	return client.NewAPI(s.boardURL, token(t, user), nil)
}

func (s *system) events(t *testing.T, user string) *client.EventStream {
	logger, _ := test.NewNullLogger()
	return client.NewEventStream(s.streamURL, token(t, user), client.TransportSSE, nil, logger)
}

// nextKind returns the next non-resync event kind from sub.
func nextKind(t *testing.T, sub *client.Subscription) domain.EventKind {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				t.Fatalf("stream ended: %v", sub.Err())
			}
			if ev.Kind == domain.Resync {
				continue
			}
			return ev.Kind
		case <-deadline:
			t.Fatal("timed out waiting for event")
		}
	}
}

// awaitResync waits for the connect signal of a fresh subscription.
func awaitResync(t *testing.T, sub *client.Subscription) {
	t.Helper()
	select {
	case ev := <-sub.C:
		if ev.Kind != domain.Resync {
			t.Fatalf("expected resync on connect, got %q", ev.Kind)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("subscription never connected")
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func dueDate(t *testing.T, raw string) *domain.Date {
	t.Helper()
	d, err := domain.ParseDate(raw)
	if err != nil {
		t.Fatalf("parse date: %v", err)
	}
	return &d
}

func listTaskIDs(b domain.Board, listID string) []string {
	l, ok := b.List(listID)
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(l.Tasks))
	for _, task := range l.Tasks {
		ids = append(ids, task.ID)
	}
	return ids
}
