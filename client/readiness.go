package client

import "sync"

// Readiness tracks whether the backend is accepting requests. It is distinct
// from session validity: a reloading server is unready but still logged in.
type Readiness struct {
	mu      sync.Mutex
	ready   bool
	onReady []func()
}

// NewReadiness returns a Readiness that starts ready.
func NewReadiness() *Readiness {
	return &Readiness{ready: true}
}

// Ready reports the current state.
func (r *Readiness) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready
}

// Set updates the state. A transition to ready runs the registered hooks.
func (r *Readiness) Set(ready bool) {
	r.mu.Lock()
	changed := r.ready != ready
	r.ready = ready
	hooks := append([]func(){}, r.onReady...)
	r.mu.Unlock()

	if changed && ready {
		for _, fn := range hooks {
			fn()
		}
	}
}

// OnReady registers fn to run whenever the state flips back to ready.
func (r *Readiness) OnReady(fn func()) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.onReady = append(r.onReady, fn)
	r.mu.Unlock()
}
