package client

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"pkt.systems/pslog"
)

const wildcardKey = "_all"

// MessageHandler receives an inbound socket event. key is the matched
// "message.subkey" (or "message.verb" for wildcard subscribers).
type MessageHandler func(key string, data map[string]any)

// Listener is the low-level event source the Router attaches to.
type Listener interface {
	On(message string, fn func(data json.RawMessage))
}

type subscription struct {
	id      int
	message string
	subkey  string
	handler MessageHandler
}

// Router dispatches unsolicited socket events to subscribers keyed by
// message name and optional sub-key (a verb or a field value such as an id).
type Router struct {
	mu       sync.Mutex
	buckets  map[string]map[string][]*subscription
	notified map[string]bool
	byID     map[int]*subscription
	nextID   int
	listener Listener
	log      pslog.Logger
}

// NewRouter returns a Router that registers low-level listeners on l.
func NewRouter(l Listener, logger pslog.Logger) *Router {
	return &Router{
		buckets:  make(map[string]map[string][]*subscription),
		notified: make(map[string]bool),
		byID:     make(map[int]*subscription),
		listener: l,
		log:      logger,
	}
}

// Subscribe registers handler for key, which is "message" (every event of
// that message) or "message.subkey". Keys are case-insensitive. The returned
// id can be passed to Unsubscribe.
func (r *Router) Subscribe(key string, handler MessageHandler) int {
	message, subkey := splitKey(key)

	r.mu.Lock()
	sub := r.buckets[message]
	if sub == nil {
		sub = map[string][]*subscription{wildcardKey: nil}
		r.buckets[message] = sub
	}
	r.nextID++
	s := &subscription{id: r.nextID, message: message, subkey: subkey, handler: handler}
	sub[subkey] = append(sub[subkey], s)
	r.byID[s.id] = s

	register := !r.notified[message]
	r.notified[message] = true
	r.mu.Unlock()

	if register && r.listener != nil {
		r.listener.On(message, func(raw json.RawMessage) {
			r.dispatchRaw(message, raw)
		})
	}
	if r.log != nil {
		r.log.Debug("socket subscribe", "message", message, "subkey", subkey, "id", s.id)
	}
	return s.id
}

// Unsubscribe removes a subscription. The low-level listener for its message
// stays registered.
func (r *Router) Unsubscribe(id int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return false
	}
	delete(r.byID, id)
	bucket := r.buckets[s.message][s.subkey]
	for i, cand := range bucket {
		if cand.id == id {
			r.buckets[s.message][s.subkey] = append(bucket[:i:i], bucket[i+1:]...)
			break
		}
	}
	return true
}

func (r *Router) dispatchRaw(message string, raw json.RawMessage) {
	data := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &data); err != nil {
			if r.log != nil {
				r.log.Warn("socket event decode failed", "message", message, "err", err)
			}
			return
		}
	}
	r.dispatch(message, data)
}

type delivery struct {
	key      string
	handlers []MessageHandler
}

func (r *Router) dispatch(message string, data map[string]any) {
	r.mu.Lock()
	sub, ok := r.buckets[message]
	if !ok {
		r.mu.Unlock()
		return
	}

	var deliveries []delivery
	if all := sub[wildcardKey]; len(all) > 0 {
		// Wildcard handlers get "<message>.<verb>", or the bare message when
		// the event carries no verb.
		key := message
		if verb := scalarString(data["verb"]); verb != "" {
			key += "." + verb
		}
		deliveries = append(deliveries, delivery{key: key, handlers: handlersOf(all)})
	}

	values := scalarValues(data)
	for subkey, subs := range sub {
		if subkey == wildcardKey || len(subs) == 0 {
			continue
		}
		if matchesValue(subkey, values) {
			deliveries = append(deliveries, delivery{key: message + "." + subkey, handlers: handlersOf(subs)})
		}
	}
	r.mu.Unlock()

	for _, d := range deliveries {
		for _, h := range d.handlers {
			h(d.key, data)
		}
	}
}

func handlersOf(subs []*subscription) []MessageHandler {
	out := make([]MessageHandler, 0, len(subs))
	for _, s := range subs {
		out = append(out, s.handler)
	}
	return out
}

func splitKey(key string) (message, subkey string) {
	parts := strings.SplitN(strings.TrimSpace(key), ".", 2)
	message = strings.ToLower(parts[0])
	subkey = wildcardKey
	if len(parts) == 2 && parts[1] != "" {
		subkey = strings.ToLower(parts[1])
	}
	return message, subkey
}

// scalarValues collects the top-level string, number and bool fields of data.
func scalarValues(data map[string]any) []any {
	out := make([]any, 0, len(data))
	for _, v := range data {
		switch v.(type) {
		case string, float64, bool:
			out = append(out, v)
		}
	}
	return out
}

func matchesValue(subkey string, values []any) bool {
	num, numErr := strconv.ParseFloat(subkey, 64)
	for _, v := range values {
		switch val := v.(type) {
		case string:
			if val == subkey {
				return true
			}
		case float64:
			if numErr == nil && val == num {
				return true
			}
		}
	}
	return false
}

func scalarString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		return fmt.Sprint(val)
	}
}
