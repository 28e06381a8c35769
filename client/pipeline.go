package client

import (
	"github.com/google/uuid"
	"pkt.systems/pslog"
)

// ErrorNotice is published on TopicErrorNotification for every request that
// fails with a transport or application error.
type ErrorNotice struct {
	Transport string
	Method    string
	URL       string
	Err       error
}

// pipeline holds the state shared by the HTTP and socket request pipelines:
// the reauth flag, server readiness, the pending queue and the hub.
type pipeline struct {
	transport string
	reauth    *Reauth
	readiness *Readiness
	pending   *PendingQueue
	hub       *Hub
	log       pslog.Logger
}

// blocked reports whether new requests must be buffered.
func (p *pipeline) blocked() bool {
	return p.reauth.InProgress() || !p.readiness.Ready()
}

func (p *pipeline) entry(c *call, run func(*call)) *pendingEntry {
	return &pendingEntry{
		id:     uuid.New(),
		method: c.req.Method,
		url:    c.req.URL,
		done:   c.done,
		replay: func(sig *dispatchSignal) {
			c.dispatched = sig
			go run(c)
		},
	}
}

// hold buffers c until the gate reopens.
func (p *pipeline) hold(c *call, run func(*call)) {
	p.pending.add(p.entry(c, run))
	if !p.blocked() {
		// The gate reopened between the check and the add.
		p.pending.Drain()
	}
}

// suspend handles a session-expired response: the call is buffered and a
// reauth episode started. Its completion stays unsettled until the replay
// produces a final outcome.
func (p *pipeline) suspend(c *call, run func(*call)) {
	p.log.Info("session expired, request suspended", "transport", p.transport, "method", c.req.Method, "url", c.req.URL)
	p.reauth.Start()
	p.hold(c, run)
}

// reject broadcasts err and settles c with it.
func (p *pipeline) reject(c *call, err error) {
	p.log.Warn("request failed", "transport", p.transport, "method", c.req.Method, "url", c.req.URL, "err", err)
	p.hub.Publish(TopicErrorNotification, ErrorNotice{
		Transport: p.transport,
		Method:    c.req.Method,
		URL:       c.req.URL,
		Err:       err,
	})
	c.done.finish(nil, err)
}

// settle acts on a classification. retryCSRF is nil for transports that
// carry no CSRF token.
func (p *pipeline) settle(c *call, cls classification, run func(*call), retryCSRF func(*call) bool) {
	switch cls.outcome {
	case outcomeSuccess:
		c.done.finish(cls.data, nil)
	case outcomeAuthExpired:
		p.suspend(c, run)
	case outcomeCSRFRetry:
		if retryCSRF != nil && retryCSRF(c) {
			return
		}
		p.reject(c, cls.err)
	default:
		p.reject(c, cls.err)
	}
}
