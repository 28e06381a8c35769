package client

import (
	"sync"

	"github.com/google/uuid"
	"pkt.systems/pslog"
)

// pendingEntry is one buffered call. replay re-enters the owning pipeline
// with the original request and completion, and fires sig once the request
// has been handed to the transport.
type pendingEntry struct {
	id     uuid.UUID
	method string
	url    string
	done   *completion
	replay func(sig *dispatchSignal)
}

// dispatchSignal marks the point where a replayed call no longer holds up the
// queue: its request was written, or it finished without sending one.
type dispatchSignal struct {
	once sync.Once
	ch   chan struct{}
}

func newDispatchSignal() *dispatchSignal {
	return &dispatchSignal{ch: make(chan struct{})}
}

// fire is idempotent and safe on a nil signal.
func (d *dispatchSignal) fire() {
	if d == nil {
		return
	}
	d.once.Do(func() { close(d.ch) })
}

// PendingQueue buffers calls made during a reauthentication episode or while
// the server is not ready, and replays them in FIFO order.
type PendingQueue struct {
	mu       sync.Mutex
	entries  []*pendingEntry
	draining bool
	gate     func() bool
	log      pslog.Logger
}

// NewPendingQueue returns a queue that only drains while gate reports true.
// A nil gate is always open.
func NewPendingQueue(gate func() bool, logger pslog.Logger) *PendingQueue {
	if gate == nil {
		gate = func() bool { return true }
	}
	return &PendingQueue{gate: gate, log: logger}
}

func (q *PendingQueue) add(entry *pendingEntry) {
	q.mu.Lock()
	q.entries = append(q.entries, entry)
	n := len(q.entries)
	q.mu.Unlock()
	if q.log != nil {
		q.log.Debug("request queued", "entry", entry.id, "method", entry.method, "url", entry.url, "queued", n)
	}
}

// Len returns the number of buffered calls.
func (q *PendingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Drain replays buffered calls on a background goroutine in insertion order,
// until the queue is empty or the gate closes. Each replay runs on its own
// goroutine; the next one starts once the previous request is on the wire. At most
// one drain runs at a time; calling Drain while one is running is a no-op
// because the running drain re-checks the head on every iteration.
func (q *PendingQueue) Drain() {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return
	}
	q.draining = true
	q.mu.Unlock()

	go q.drainLoop()
}

func (q *PendingQueue) drainLoop() {
	replayed := 0
	for {
		q.mu.Lock()
		if len(q.entries) == 0 || !q.gate() {
			q.draining = false
			remaining := len(q.entries)
			q.mu.Unlock()
			if q.log != nil && replayed > 0 {
				q.log.Debug("pending drain stopped", "replayed", replayed, "remaining", remaining)
			}
			return
		}
		entry := q.entries[0]
		q.entries[0] = nil
		q.entries = q.entries[1:]
		q.mu.Unlock()

		if q.log != nil {
			q.log.Debug("replaying request", "entry", entry.id, "method", entry.method, "url", entry.url)
		}
		sig := newDispatchSignal()
		entry.replay(sig)
		<-sig.ch
		replayed++
	}
}

// Abort settles every buffered call with err and empties the queue.
func (q *PendingQueue) Abort(err error) {
	q.mu.Lock()
	entries := q.entries
	q.entries = nil
	q.mu.Unlock()
	for _, entry := range entries {
		entry.done.finish(nil, err)
	}
}
