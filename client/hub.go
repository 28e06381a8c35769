package client

import (
	"context"
	"sync"

	"pkt.systems/pslog"
)

// TopicErrorNotification carries generic (non-auth) request failures.
const TopicErrorNotification = "ad.err.notification"

// Notification is one published message.
type Notification struct {
	Topic string
	Data  any
}

// Hub fans out notifications to per-topic subscribers. Publishing never
// blocks: a subscriber whose buffer is full misses the notification.
type Hub struct {
	mu    sync.Mutex
	subs  map[string]map[chan Notification]struct{}
	log   pslog.Logger
	depth int
}

// NewHub constructs a Hub.
func NewHub(logger pslog.Logger) *Hub {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Hub{
		subs:  make(map[string]map[chan Notification]struct{}),
		log:   logger,
		depth: 64,
	}
}

// Subscribe registers a subscriber for topic and returns its channel and a
// cancel func that unregisters and closes it.
func (h *Hub) Subscribe(topic string) (<-chan Notification, func()) {
	if h == nil {
		return nil, func() {}
	}
	ch := make(chan Notification, h.depth)
	h.mu.Lock()
	topicSubs := h.subs[topic]
	if topicSubs == nil {
		topicSubs = make(map[chan Notification]struct{})
		h.subs[topic] = topicSubs
	}
	topicSubs[ch] = struct{}{}
	count := len(topicSubs)
	h.mu.Unlock()
	h.log.With("topic", topic).Debug("hub subscribe", "subs", count)

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			if subs := h.subs[topic]; subs != nil {
				delete(subs, ch)
				if len(subs) == 0 {
					delete(h.subs, topic)
				}
			}
			h.mu.Unlock()
			close(ch)
			h.log.With("topic", topic).Debug("hub unsubscribe")
		})
	}
}

// Publish delivers data to every subscriber of topic.
func (h *Hub) Publish(topic string, data any) {
	if h == nil {
		return
	}
	h.mu.Lock()
	topicSubs := h.subs[topic]
	subs := make([]chan Notification, 0, len(topicSubs))
	for sub := range topicSubs {
		subs = append(subs, sub)
	}
	// Sends happen under the lock so a concurrent cancel cannot close a
	// channel mid-send; the sends themselves never block.
	dropped := 0
	for _, sub := range subs {
		select {
		case sub <- Notification{Topic: topic, Data: data}:
		default:
			dropped++
		}
	}
	h.mu.Unlock()
	if dropped > 0 {
		h.log.With("topic", topic).Trace("hub dropped", "count", dropped)
	}
}
