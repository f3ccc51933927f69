// Package lifecycle provides event hooks for fleetbridge startup,
// shutdown, and identity transitions. Grounded in the teacher's
// internal/lifecycle/lifecycle.go pub/sub (Event, Handler, On/Emit,
// global Manager), retained almost verbatim — the event vocabulary is
// narrowed to what this system actually emits (see SPEC_FULL.md §4.M).
package lifecycle

import (
	"sync"

	"github.com/nebloop/fleetbridge/internal/logging"
)

// Event identifies a lifecycle transition.
type Event string

const (
	EventServerStarted    Event = "server_started"
	EventShutdownStarted  Event = "shutdown_started"
	EventShutdownComplete Event = "shutdown_complete"

	EventAgentConnected    Event = "agent_connected"
	EventAgentDisconnected Event = "agent_disconnected"

	EventIdentitySwitched   Event = "identity_switched"
	EventIdentityActivated  Event = "identity_activated"
	EventActivationFailed   Event = "activation_failed"
	EventGraceWindowExpired Event = "grace_window_expired"
)

// Handler is a function that handles a lifecycle event.
type Handler func(event Event, data any)

// Manager manages lifecycle event subscriptions and dispatching.
type Manager struct {
	mu       sync.RWMutex
	handlers map[Event][]Handler
}

var global = &Manager{handlers: make(map[Event][]Handler)}

// On registers a handler for a lifecycle event.
func On(event Event, handler Handler) {
	global.On(event, handler)
}

// Emit dispatches an event to all registered handlers, synchronously.
func Emit(event Event, data any) {
	global.Emit(event, data)
}

// EmitAsync dispatches an event without blocking the caller.
func EmitAsync(event Event, data any) {
	go global.Emit(event, data)
}

func (m *Manager) On(event Event, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[event] = append(m.handlers[event], handler)
}

func (m *Manager) Emit(event Event, data any) {
	m.mu.RLock()
	handlers := m.handlers[event]
	m.mu.RUnlock()

	logging.Debugf("lifecycle: emitting %s", event)
	for _, h := range handlers {
		h(event, data)
	}
}

// OnAgentConnected registers a handler invoked with the connecting
// identity index.
func OnAgentConnected(handler func(identityIdx int)) {
	On(EventAgentConnected, func(_ Event, data any) {
		if idx, ok := data.(int); ok {
			handler(idx)
		}
	})
}

// OnAgentDisconnected registers a handler invoked with the
// disconnecting identity index.
func OnAgentDisconnected(handler func(identityIdx int)) {
	On(EventAgentDisconnected, func(_ Event, data any) {
		if idx, ok := data.(int); ok {
			handler(idx)
		}
	})
}

// OnServerStarted registers a handler for server startup.
func OnServerStarted(handler func()) {
	On(EventServerStarted, func(_ Event, _ any) { handler() })
}

// OnShutdown registers a handler for shutdown start.
func OnShutdown(handler func()) {
	On(EventShutdownStarted, func(_ Event, _ any) { handler() })
}

// ActivationFailedData carries the identity and error behind an
// EventActivationFailed emission.
type ActivationFailedData struct {
	Identity int
	Stage    string
	Err      error
}

// OnActivationFailed registers a handler for failed identity
// activations. Nothing in this module registers one.
func OnActivationFailed(handler func(data ActivationFailedData)) {
	On(EventActivationFailed, func(_ Event, data any) {
		if d, ok := data.(ActivationFailedData); ok {
			handler(d)
		}
	})
}
