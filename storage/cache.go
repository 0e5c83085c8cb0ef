package storage

import (
	"context"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"tasklance/domain"
)

type boardLoader interface {
	LoadBoard(ctx context.Context, projectID string) (domain.Board, error)
}

// Cache serves board snapshots from Redis. Snapshots are keyed by a per-project
// generation counter; Evict bumps the generation so a load that raced a
// mutation can never be served afterwards.
type Cache struct {
	base  boardLoader
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching loader using the provided Redis client and TTL.
func NewCache(base boardLoader, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func (c *Cache) LoadBoard(ctx context.Context, projectID string) (domain.Board, error) {
	gen, ok := c.generation(ctx, projectID)
	if ok {
		if board, hit := c.loadFromCache(ctx, projectID, gen); hit {
			return board, nil
		}
	}

	board, err := c.base.LoadBoard(ctx, projectID)
	if err != nil {
		return domain.Board{}, err
	}

	if ok {
		c.store(ctx, projectID, gen, board)
	}
	return board, nil
}

// Evict invalidates every snapshot of the project.
func (c *Cache) Evict(ctx context.Context, projectID string) error {
	if c.redis == nil {
		return nil
	}
	return c.redis.Incr(ctx, generationKey(projectID)).Err()
}

func (c *Cache) generation(ctx context.Context, projectID string) (int64, bool) {
	if c.redis == nil || c.ttl == 0 {
		return 0, false
	}
	gen, err := c.redis.Get(ctx, generationKey(projectID)).Int64()
	if err == redis.Nil {
		return 0, true
	}
	if err != nil {
		// On redis errors fall back to the backing storage without failing.
		return 0, false
	}
	return gen, true
}

func (c *Cache) loadFromCache(ctx context.Context, projectID string, gen int64) (domain.Board, bool) {
	data, err := c.redis.Get(ctx, boardCacheKey(projectID, gen)).Bytes()
	if err != nil {
		return domain.Board{}, false
	}
	var board domain.Board
	if err := sonic.Unmarshal(data, &board); err != nil {
		_ = c.redis.Del(ctx, boardCacheKey(projectID, gen)).Err()
		return domain.Board{}, false
	}
	return board, true
}

func (c *Cache) store(ctx context.Context, projectID string, gen int64, board domain.Board) {
	data, err := sonic.Marshal(board)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, boardCacheKey(projectID, gen), data, c.ttl).Err()
}

func boardCacheKey(projectID string, gen int64) string {
	return "board:" + projectID + ":" + strconv.FormatInt(gen, 10)
}

func generationKey(projectID string) string {
	return "board-gen:" + projectID
}
