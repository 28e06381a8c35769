package client

import (
	"encoding/json"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeListener records low-level registrations and lets tests fire events.
type fakeListener struct {
	mu        sync.Mutex
	listeners map[string][]func(json.RawMessage)
}

func (f *fakeListener) On(message string, fn func(json.RawMessage)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listeners == nil {
		f.listeners = make(map[string][]func(json.RawMessage))
	}
	f.listeners[message] = append(f.listeners[message], fn)
}

func (f *fakeListener) count(message string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners[message])
}

func (f *fakeListener) fire(message, data string) {
	f.mu.Lock()
	fns := append([]func(json.RawMessage){}, f.listeners[message]...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(json.RawMessage(data))
	}
}

type hits struct {
	mu   sync.Mutex
	keys []string
}

func (h *hits) handler(key string, _ map[string]any) {
	h.mu.Lock()
	h.keys = append(h.keys, key)
	h.mu.Unlock()
}

func (h *hits) sorted() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := append([]string(nil), h.keys...)
	sort.Strings(out)
	return out
}

func TestRouterFansOutToMatchingBuckets(t *testing.T) {
	l := &fakeListener{}
	r := NewRouter(l, testLogger())

	var created, all, byID, other hits
	r.Subscribe("user.created", created.handler)
	r.Subscribe("user", all.handler)
	r.Subscribe("user.7", byID.handler)
	r.Subscribe("user.8", other.handler)

	l.fire("user", `{"verb":"created","id":7}`)

	require.Equal(t, []string{"user.created"}, created.sorted())
	require.Equal(t, []string{"user.created"}, all.sorted())
	require.Equal(t, []string{"user.7"}, byID.sorted())
	require.Empty(t, other.sorted())
}

func TestRouterWildcardKeyWithoutVerb(t *testing.T) {
	l := &fakeListener{}
	r := NewRouter(l, testLogger())
	var h hits
	r.Subscribe("server-reload", h.handler)

	l.fire("server-reload", `{"reloading":true}`)
	require.Equal(t, []string{"server-reload"}, h.sorted())
}

func TestRouterRegistersOneListenerPerMessage(t *testing.T) {
	l := &fakeListener{}
	r := NewRouter(l, testLogger())
	var h hits

	r.Subscribe("Job", h.handler)
	r.Subscribe("job.updated", h.handler)
	r.Subscribe("JOB.42", h.handler)
	r.Subscribe("task", h.handler)

	require.Equal(t, 1, l.count("job"))
	require.Equal(t, 1, l.count("task"))
	require.Zero(t, l.count("Job"))
}

func TestRouterKeysAreCaseInsensitive(t *testing.T) {
	l := &fakeListener{}
	r := NewRouter(l, testLogger())
	var h hits
	r.Subscribe("Build.Finished", h.handler)

	l.fire("build", `{"verb":"finished"}`)
	require.Equal(t, []string{"build.finished"}, h.sorted())
}

func TestRouterUnsubscribe(t *testing.T) {
	l := &fakeListener{}
	r := NewRouter(l, testLogger())
	var keep, drop hits
	r.Subscribe("user", keep.handler)
	id := r.Subscribe("user", drop.handler)

	require.True(t, r.Unsubscribe(id))
	require.False(t, r.Unsubscribe(id))

	l.fire("user", `{"verb":"deleted"}`)
	require.Equal(t, []string{"user.deleted"}, keep.sorted())
	require.Empty(t, drop.sorted())
	require.Equal(t, 1, l.count("user"))
}

func TestRouterDropsUnknownMessages(t *testing.T) {
	r := NewRouter(nil, testLogger())
	require.NotPanics(t, func() {
		r.dispatch("nobody", map[string]any{"verb": "x"})
	})
}

func TestRouterIgnoresNestedValues(t *testing.T) {
	l := &fakeListener{}
	r := NewRouter(l, testLogger())
	var h hits
	r.Subscribe("user.9", h.handler)

	l.fire("user", `{"verb":"updated","owner":{"id":9},"tags":[9]}`)
	require.Empty(t, h.sorted())

	l.fire("user", `{"verb":"updated","ref":"9"}`)
	require.Equal(t, []string{"user.9"}, h.sorted())
}

func TestRouterHandlerCanSubscribe(t *testing.T) {
	l := &fakeListener{}
	r := NewRouter(l, testLogger())
	var late hits
	r.Subscribe("user", func(string, map[string]any) {
		r.Subscribe("user.updated", late.handler)
	})

	require.NotPanics(t, func() { l.fire("user", `{"verb":"created"}`) })
	l.fire("user", `{"verb":"updated"}`)
	require.Equal(t, []string{"user.updated"}, late.sorted())
}
