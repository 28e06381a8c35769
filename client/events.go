package client

import "sync"

// Event names a lifecycle notification emitted by Reauth or Session.
type Event string

const (
	EventReauthStart Event = "start"
	EventReauthEnd   Event = "end"

	EventConnecting      Event = "connecting"
	EventConnected       Event = "connected"
	EventConnectFailed   Event = "connectFailed"
	EventSocketConnected Event = "socketConnected"
	EventSessionReady    Event = "sessionReady"
	EventLoginStart      Event = "loginStart"
	EventLoginDone       Event = "loginDone"
	EventLoginFailed     Event = "loginFailed"
	EventLogoutStart     Event = "logoutStart"
	EventLogoutDone      Event = "logoutDone"
	EventLogoutFailed    Event = "logoutFailed"
)

// EventHandler observes an emitted event. payload is nil unless the event
// carries an error.
type EventHandler func(event Event, payload any)

// observers is a per-component listener list. Handlers run synchronously on
// the emitting goroutine, outside any component lock.
type observers struct {
	mu       sync.RWMutex
	handlers map[Event][]EventHandler
}

func (o *observers) on(event Event, handler EventHandler) {
	if handler == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.handlers == nil {
		o.handlers = make(map[Event][]EventHandler)
	}
	o.handlers[event] = append(o.handlers[event], handler)
}

func (o *observers) emit(event Event, payload any) {
	o.mu.RLock()
	handlers := append([]EventHandler(nil), o.handlers[event]...)
	o.mu.RUnlock()
	for _, h := range handlers {
		h(event, payload)
	}
}
