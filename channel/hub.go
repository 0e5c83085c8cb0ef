package channel

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"tasklance/domain"
)

const defaultBuffer = 16

// Subscription receives the events of one topic until released.
type Subscription struct {
	Topic string
	C     <-chan domain.Event

	ch chan domain.Event
}

// Hub fans events out to local subscribers keyed by topic. Delivery never
// blocks: a subscriber whose buffer is full misses the event and is
// expected to catch up on the next one by refetching.
type Hub struct {
	logger *log.Logger
	buffer int

	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}
}

func NewHub(logger *log.Logger, buffer int) *Hub {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{logger: logger, buffer: buffer, topics: make(map[string]map[*Subscription]struct{})}
}

// Subscribe registers a subscriber and returns the release func. Release
// is idempotent and closes the subscription channel.
func (h *Hub) Subscribe(topic string) (*Subscription, func()) {
	ch := make(chan domain.Event, h.buffer)
	sub := &Subscription{Topic: topic, C: ch, ch: ch}

	h.mu.Lock()
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[*Subscription]struct{})
		h.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return sub, func() {
		once.Do(func() { h.remove(sub) })
	}
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.topics[sub.Topic]
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.topics, sub.Topic)
	}
	close(sub.ch)
}

// Deliver hands ev to every subscriber of topic and returns how many
// accepted it.
func (h *Hub) Deliver(topic string, ev domain.Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for sub := range h.topics[topic] {
		select {
		case sub.ch <- ev:
			delivered++
		default:
			h.logger.WithFields(log.Fields{"topic": topic, "kind": ev.Kind}).Warn("subscriber buffer full, event dropped")
		}
	}
	return delivered
}

// Broadcast delivers a per-topic copy of kind to every subscriber.
func (h *Hub) Broadcast(kind domain.EventKind) {
	h.mu.RLock()
	topics := make([]string, 0, len(h.topics))
	for topic := range h.topics {
		topics = append(topics, topic)
	}
	h.mu.RUnlock()
	for _, topic := range topics {
		projectID, _ := domain.ProjectFromTopic(topic)
		h.Deliver(topic, domain.Event{ProjectID: projectID, Kind: kind})
	}
}

// Publish delivers in-process. It lets a single binary run without Redis.
func (h *Hub) Publish(_ context.Context, ev domain.Event) error {
	h.Deliver(domain.Topic(ev.ProjectID), ev)
	return nil
}

// Subscribers reports the number of live subscriptions on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}
