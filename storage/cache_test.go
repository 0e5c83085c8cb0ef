package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"tasklance/domain"
)

type stubLoader struct {
	loadFn func(ctx context.Context, projectID string) (domain.Board, error)
}

func (s *stubLoader) LoadBoard(ctx context.Context, projectID string) (domain.Board, error) {
	if s.loadFn == nil {
		return domain.Board{}, errors.New("unexpected LoadBoard call")
	}
	return s.loadFn(ctx, projectID)
}

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestCacheLoadBoardMissThenHit(t *testing.T) {
	mr, client := setupRedis(t)
	ctx := context.Background()

	var calls int
	cache := NewCache(&stubLoader{
		loadFn: func(ctx context.Context, projectID string) (domain.Board, error) {
			calls++
			if projectID != "p1" {
				t.Fatalf("unexpected project id: %s", projectID)
			}
			return domain.Board{ProjectID: "p1", States: []domain.BoardList{{ID: "a", Label: "To Do"}}}, nil
		},
	}, client, time.Minute)

	for i := 0; i < 2; i++ {
		board, err := cache.LoadBoard(ctx, "p1")
		if err != nil {
			t.Fatalf("load board: %v", err)
		}
		if board.ProjectID != "p1" || len(board.States) != 1 || board.States[0].Label != "To Do" {
			t.Fatalf("unexpected board: %#v", board)
		}
	}
	if calls != 1 {
		t.Fatalf("expected 1 call to backend, got %d", calls)
	}
	if ttl := mr.TTL(boardCacheKey("p1", 0)); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("unexpected TTL: %v", ttl)
	}
}

func TestCacheEvictForcesReload(t *testing.T) {
	_, client := setupRedis(t)
	ctx := context.Background()

	version := "first"
	var calls int
	cache := NewCache(&stubLoader{
		loadFn: func(ctx context.Context, projectID string) (domain.Board, error) {
			calls++
			return domain.Board{ProjectID: projectID, Name: version}, nil
		},
	}, client, time.Minute)

	if _, err := cache.LoadBoard(ctx, "p1"); err != nil {
		t.Fatalf("load: %v", err)
	}
	version = "second"
	if err := cache.Evict(ctx, "p1"); err != nil {
		t.Fatalf("evict: %v", err)
	}
	board, err := cache.LoadBoard(ctx, "p1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if board.Name != "second" || calls != 2 {
		t.Fatalf("expected reload after evict, got %q after %d calls", board.Name, calls)
	}
}

func TestCacheIgnoresSnapshotStoredByRacingLoad(t *testing.T) {
	_, client := setupRedis(t)
	ctx := context.Background()

	var cache *Cache
	var calls int
	cache = NewCache(&stubLoader{
		loadFn: func(ctx context.Context, projectID string) (domain.Board, error) {
			calls++
			if calls == 1 {
				// A mutation commits and evicts while this read is in flight.
				if err := cache.Evict(ctx, projectID); err != nil {
					t.Fatalf("evict: %v", err)
				}
				return domain.Board{ProjectID: projectID, Name: "stale"}, nil
			}
			return domain.Board{ProjectID: projectID, Name: "fresh"}, nil
		},
	}, client, time.Minute)

	if _, err := cache.LoadBoard(ctx, "p1"); err != nil {
		t.Fatalf("load: %v", err)
	}
	board, err := cache.LoadBoard(ctx, "p1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if board.Name != "fresh" {
		t.Fatalf("stale snapshot served after eviction: %q", board.Name)
	}
}

func TestCacheFallsBackWhenRedisUnavailable(t *testing.T) {
	mr, client := setupRedis(t)
	mr.Close()

	cache := NewCache(&stubLoader{
		loadFn: func(ctx context.Context, projectID string) (domain.Board, error) {
			return domain.Board{ProjectID: projectID}, nil
		},
	}, client, time.Minute)
	board, err := cache.LoadBoard(context.Background(), "p1")
	if err != nil || board.ProjectID != "p1" {
		t.Fatalf("expected fallback load, got %#v, %v", board, err)
	}
}

func TestCachePropagatesBackendErrors(t *testing.T) {
	_, client := setupRedis(t)
	cache := NewCache(&stubLoader{
		loadFn: func(ctx context.Context, projectID string) (domain.Board, error) {
			return domain.Board{}, domain.NotFound("project", projectID)
		},
	}, client, time.Minute)
	if _, err := cache.LoadBoard(context.Background(), "p1"); !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}
