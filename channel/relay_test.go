package channel

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"

	"tasklance/domain"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(m.Close)
	rc := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	return m, rc
}

func TestRelayDeliversPublishedEvents(t *testing.T) {
	_, rc := setupRedis(t)
	logger, _ := test.NewNullLogger()
	hub := NewHub(logger, 8)
	sub, release := hub.Subscribe(domain.Topic("p1"))
	defer release()
	other, releaseOther := hub.Subscribe(domain.Topic("p2"))
	defer releaseOther()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Relay(ctx, logger, rc, hub)
		close(done)
	}()

	pub := NewRedisPublisher(rc)
	ev, err := domain.NewEvent("p1", domain.TaskCreated, map[string]string{"id": "t1"}, time.Now())
	if err != nil {
		t.Fatalf("new event: %v", err)
	}

	// The pattern subscription is established asynchronously; publish until
	// the relay picks it up.
	var got domain.Event
	deadline := time.After(2 * time.Second)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
wait:
	for {
		select {
		case got = <-sub.C:
			break wait
		case <-ticker.C:
			if err := pub.Publish(context.Background(), ev); err != nil {
				t.Fatalf("publish: %v", err)
			}
		case <-deadline:
			t.Fatal("relay did not deliver event")
		}
	}
	if got.ProjectID != "p1" || got.Kind != domain.TaskCreated {
		t.Fatalf("unexpected event %#v", got)
	}
	if string(got.Payload) != `{"id":"t1"}` {
		t.Fatalf("unexpected payload %s", got.Payload)
	}
	select {
	case ev := <-other.C:
		t.Fatalf("event leaked to another project: %#v", ev)
	default:
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Relay did not exit")
	}
}

func TestRelayBroadcastsResyncAfterRedisRestart(t *testing.T) {
	m, rc := setupRedis(t)
	logger, _ := test.NewNullLogger()
	hub := NewHub(logger, 16)
	sub, release := hub.Subscribe(domain.Topic("p1"))
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		Relay(ctx, logger, rc, hub)
		close(done)
	}()

	pub := NewRedisPublisher(rc)
	ev, err := domain.NewEvent("p1", domain.TaskUpdated, nil, time.Now())
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	awaitKind := func(kind domain.EventKind, publish bool) {
		t.Helper()
		deadline := time.After(5 * time.Second)
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case got := <-sub.C:
				if got.Kind == kind {
					return
				}
			case <-ticker.C:
				if publish {
					_ = pub.Publish(context.Background(), ev)
				}
			case <-deadline:
				t.Fatalf("no %s event received", kind)
			}
		}
	}

	awaitKind(domain.TaskUpdated, true)

	m.Close()
	if err := m.Restart(); err != nil {
		t.Fatalf("restart miniredis: %v", err)
	}

	awaitKind(domain.Resync, false)
	awaitKind(domain.TaskUpdated, true)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Relay did not exit")
	}
}

func TestRelayIgnoresMalformedPayload(t *testing.T) {
	logger, hook := test.NewNullLogger()
	hub := NewHub(logger, 1)
	sub, release := hub.Subscribe("project-p1")
	defer release()

	handleMessage(logger, hub, &redis.Message{Channel: "project-p1", Payload: "{not json"})
	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected delivery %#v", ev)
	default:
	}
	if entry := hook.LastEntry(); entry == nil || entry.Message != "unable to parse event" {
		t.Fatalf("expected parse error to be logged, got %#v", entry)
	}
}

func TestPublisherReportsChannelUnavailable(t *testing.T) {
	m, rc := setupRedis(t)
	m.Close()
	err := NewRedisPublisher(rc).Publish(context.Background(), domain.Event{ProjectID: "p1", Kind: domain.TaskCreated})
	if !domain.IsChannelUnavailable(err) {
		t.Fatalf("expected channel unavailable, got %v", err)
	}
}
