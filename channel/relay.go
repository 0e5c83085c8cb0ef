package channel

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"tasklance/domain"
)

// Relay pattern-subscribes to every project topic and hands messages to the
// hub. go-redis re-establishes the subscription by itself after a network
// error; every psubscribe confirmation after the first one marks such a gap,
// and the relay broadcasts a resync since events published during it are
// lost. If the pubsub channel itself closes the relay subscribes again.
func Relay(ctx context.Context, logger *log.Logger, rc *redis.Client, hub *Hub) {
	confirmed := false
	for {
		sub := rc.PSubscribe(ctx, domain.TopicPattern)
		ch := sub.ChannelWithSubscriptions()
	recv:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case raw, ok := <-ch:
				if !ok {
					break recv
				}
				switch msg := raw.(type) {
				case *redis.Subscription:
					if msg.Kind != "psubscribe" {
						continue
					}
					if confirmed {
						logger.WithField("pattern", msg.Channel).Warn("pubsub resubscribed, broadcasting resync")
						hub.Broadcast(domain.Resync)
					}
					confirmed = true
				case *redis.Message:
					handleMessage(logger, hub, msg)
				}
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		logger.Error("pubsub channel closed, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func handleMessage(logger *log.Logger, hub *Hub, msg *redis.Message) {
	projectID, ok := domain.ProjectFromTopic(msg.Channel)
	if !ok {
		logger.WithField("channel", msg.Channel).Warn("message on unexpected channel")
		return
	}
	var ev domain.Event
	if err := sonic.UnmarshalString(msg.Payload, &ev); err != nil {
		logger.WithError(err).WithField("channel", msg.Channel).Error("unable to parse event")
		return
	}
	// The topic is authoritative for routing.
	ev.ProjectID = projectID
	n := hub.Deliver(msg.Channel, ev)
	logger.WithFields(log.Fields{"project": projectID, "kind": ev.Kind, "subscribers": n}).Debug("event relayed")
}
