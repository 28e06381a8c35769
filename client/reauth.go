package client

import (
	"sync"

	"pkt.systems/pslog"
)

// Reauth coordinates reauthentication episodes. While an episode is active
// new requests are buffered in the pending queue instead of dispatched.
// It is safe for concurrent use.
type Reauth struct {
	mu     sync.Mutex
	active bool
	done   chan struct{}
	obs    observers
	log    pslog.Logger
}

// NewReauth returns an idle coordinator.
func NewReauth(logger pslog.Logger) *Reauth {
	return &Reauth{log: logger}
}

// InProgress reports whether an episode is active.
func (r *Reauth) InProgress() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Start begins an episode if none is active and returns its completion
// signal. Callers joining an active episode get the same channel back, and
// only the first call emits EventReauthStart.
func (r *Reauth) Start() <-chan struct{} {
	r.mu.Lock()
	if r.active {
		done := r.done
		r.mu.Unlock()
		return done
	}
	r.active = true
	r.done = make(chan struct{})
	done := r.done
	r.mu.Unlock()

	if r.log != nil {
		r.log.Info("reauth started")
	}
	r.obs.emit(EventReauthStart, nil)
	return done
}

// End finishes the active episode, releasing every waiter on its signal.
func (r *Reauth) End() {
	r.mu.Lock()
	wasActive := r.active
	r.active = false
	if r.done != nil {
		close(r.done)
		r.done = nil
	}
	r.mu.Unlock()

	if r.log != nil {
		r.log.Info("reauth ended", "was_active", wasActive)
	}
	r.obs.emit(EventReauthEnd, nil)
}

// Done returns the active episode's signal, or a closed channel when idle.
func (r *Reauth) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active {
		return r.done
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

// On registers a handler for EventReauthStart or EventReauthEnd.
func (r *Reauth) On(event Event, handler EventHandler) {
	r.obs.on(event, handler)
}
