// Package registry implements the Connection Registry: the identity to
// agent-socket map, the request-id to queue map, frame routing between
// them, and the 60s reconnection grace window. Grounded in the
// teacher's internal/agenthub.Hub, which owns an analogous
// agents-by-name map, a register/unregister channel pair, and
// frame-dispatch-by-type logic; the single global grace timer here
// replaces the Hub's per-connection lifecycle with the one-timer
// design the spec calls for (see Design Notes, Open Question).
package registry

import (
	"sync"
	"time"

	"github.com/nebloop/fleetbridge/internal/frame"
	"github.com/nebloop/fleetbridge/internal/logging"
	"github.com/nebloop/fleetbridge/internal/reqqueue"
)

const graceWindow = 60 * time.Second

// Socket is the minimal surface the Registry needs from a transport
// connection; internal/agentconn's unexported conn type implements it
// over gorilla/websocket.
type Socket interface {
	Send(b []byte) error
	Close() error
}

type queueEntry struct {
	q        *reqqueue.Queue
	identity int
}

// Registry holds the live identity<->socket bindings and the
// in-flight request queues.
type Registry struct {
	mu sync.Mutex

	connections map[int]Socket
	queues      map[string]*queueEntry

	graceTimer       *time.Timer
	graceEpoch       int
	onLostOnce       sync.Once
	onConnectionLost func()
}

// New creates an empty Registry. onConnectionLost is invoked at most
// once per lost session (re-entrancy guarded), after the grace window
// elapses with no socket reopening.
func New(onConnectionLost func()) *Registry {
	return &Registry{
		connections:      make(map[int]Socket),
		queues:           make(map[string]*queueEntry),
		onConnectionLost: onConnectionLost,
	}
}

// OnSocketOpen registers a newly-activated identity's socket. Any
// running grace timer is cancelled — a reconnect inside the grace
// window must not disturb outstanding queues (Testable Property 3).
// The epoch counter is bumped regardless, so a grace-expiry callback
// that was already in flight when this call acquired the lock treats
// itself as stale and no-ops.
func (r *Registry) OnSocketOpen(identity int, sock Socket) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cancelGraceLocked()
	r.graceEpoch++
	r.connections[identity] = sock
	r.onLostOnce = sync.Once{}
}

// OnSocketMessage parses a raw agent->server message and routes it to
// the matching queue. Missing queues and unknown frame types are
// logged and dropped.
func (r *Registry) OnSocketMessage(raw []byte) {
	f, err := frame.Decode(raw)
	if err != nil {
		logging.Errorf("registry: failed to decode frame: %v", err)
		return
	}
	if f.ID == "" {
		logging.Warnf("registry: dropping frame with no request_id (type=%s)", f.Type)
		return
	}

	r.mu.Lock()
	qe, ok := r.queues[f.ID]
	r.mu.Unlock()
	if !ok {
		logging.Warnf("registry: dropping frame for unknown request_id %s (type=%s)", f.ID, f.Type)
		return
	}

	switch f.Type {
	case frame.TypeResponseHeaders, frame.TypeChunk, frame.TypeError:
		qe.q.Enqueue(f)
	case frame.TypeStreamClose:
		qe.q.Enqueue(&frame.Frame{Type: frame.TypeStreamEnd, ID: f.ID})
	default:
		logging.Warnf("registry: dropping frame of unknown type %s for request %s", f.Type, f.ID)
	}
}

// OnSocketClose removes the identity's socket binding and arms the
// global grace timer. If no socket reopens before it fires, every
// outstanding queue is closed with connection_lost and
// onConnectionLost runs exactly once.
func (r *Registry) OnSocketClose(identity int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.connections, identity)

	r.cancelGraceLocked()
	epoch := r.graceEpoch
	r.graceTimer = time.AfterFunc(graceWindow, func() {
		r.onGraceExpired(epoch)
	})
}

func (r *Registry) onGraceExpired(epoch int) {
	r.mu.Lock()
	if epoch != r.graceEpoch {
		// A socket reopened (bumping the epoch) before this timer's
		// callback acquired the lock; nothing to do.
		r.mu.Unlock()
		return
	}
	r.graceTimer = nil
	queues := r.queues
	r.queues = make(map[string]*queueEntry)
	r.mu.Unlock()

	for _, qe := range queues {
		qe.q.Close(frame.ReasonConnectionLost)
	}

	r.onLostOnce.Do(func() {
		if r.onConnectionLost != nil {
			r.onConnectionLost()
		}
	})
}

func (r *Registry) cancelGraceLocked() {
	if r.graceTimer != nil {
		r.graceTimer.Stop()
		r.graceTimer = nil
	}
}

// CreateQueue installs a fresh queue for requestId bound to identity.
// A prior queue under the same id is closed with replaced_on_retry.
func (r *Registry) CreateQueue(requestID string, identity int) *reqqueue.Queue {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.queues[requestID]; ok {
		prev.q.Close(frame.ReasonReplacedOnRetry)
	}

	q := reqqueue.New()
	r.queues[requestID] = &queueEntry{q: q, identity: identity}
	return q
}

// RemoveQueue closes and drops the queue for requestId, if any.
func (r *Registry) RemoveQueue(requestID, reason string) {
	r.mu.Lock()
	qe, ok := r.queues[requestID]
	if ok {
		delete(r.queues, requestID)
	}
	r.mu.Unlock()

	if ok {
		qe.q.Close(reason)
	}
}

// Broadcast sends f to every currently connected socket.
func (r *Registry) Broadcast(f *frame.Frame) {
	b, err := frame.Encode(f)
	if err != nil {
		logging.Errorf("registry: broadcast encode failed: %v", err)
		return
	}

	r.mu.Lock()
	socks := make([]Socket, 0, len(r.connections))
	for _, s := range r.connections {
		socks = append(socks, s)
	}
	r.mu.Unlock()

	for _, s := range socks {
		if err := s.Send(b); err != nil {
			logging.Errorf("registry: broadcast send failed: %v", err)
		}
	}
}

// GetSocketByIdentity returns the live socket for identity, if any.
func (r *Registry) GetSocketByIdentity(identity int) (Socket, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.connections[identity]
	return s, ok
}

// GetIdentityByRequest returns the identity that currently owns
// requestId, if the queue is still tracked.
func (r *Registry) GetIdentityByRequest(requestID string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	qe, ok := r.queues[requestID]
	if !ok {
		return 0, false
	}
	return qe.identity, true
}

// IsGraceWindowActive reports whether a reconnection grace timer is
// currently running (a socket recently closed and has not returned).
func (r *Registry) IsGraceWindowActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.graceTimer != nil
}

// Send writes frame f to the socket bound to identity, if connected.
func (r *Registry) Send(identity int, f *frame.Frame) error {
	sock, ok := r.GetSocketByIdentity(identity)
	if !ok {
		return &frame.AgentError{Message: "no socket for identity"}
	}
	b, err := frame.Encode(f)
	if err != nil {
		return err
	}
	return sock.Send(b)
}
