// Package channel carries project events between the board API and every
// subscribed session.
package channel

import (
	"context"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"tasklance/domain"
)

// RedisPublisher publishes events on the project's Redis channel.
type RedisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

// Publish sends ev to project-{id}. Failures are reported as
// ChannelUnavailableError.
func (p *RedisPublisher) Publish(ctx context.Context, ev domain.Event) error {
	topic := domain.Topic(ev.ProjectID)
	data, err := sonic.Marshal(ev)
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, topic, data).Err(); err != nil {
		return &domain.ChannelUnavailableError{Topic: topic, Err: err}
	}
	return nil
}
