// Package agentconn hosts the server side of the in-page agent
// contract (§4.F / §6): a gorilla/websocket listener on the fixed
// WebSocket port that authenticates each connection by its
// authIndex query parameter and wires it into the Connection
// Registry. Grounded in the teacher's internal/websocket package
// (upgrader configuration, per-connection read/write pump goroutines)
// and internal/realtime.Hub's register/unregister lifecycle, adapted
// from a browser-tab-to-user-session binding into a
// browser-tab-to-identity binding — there is no end-user auth here,
// only the authIndex the hosting page already knows because the
// Fleet Manager put it there via postMessage.
package agentconn

import (
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"

	"github.com/nebloop/fleetbridge/internal/lifecycle"
	"github.com/nebloop/fleetbridge/internal/logging"
	"github.com/nebloop/fleetbridge/internal/registry"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// conn adapts a gorilla/websocket.Conn to registry.Socket, serializing
// writes onto a single goroutine the way gorilla requires (concurrent
// writers on one connection are not safe).
type conn struct {
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{ws: ws, send: make(chan []byte, 64), done: make(chan struct{})}
}

func (c *conn) Send(b []byte) error {
	select {
	case c.send <- b:
		return nil
	case <-c.done:
		return websocket.ErrCloseSent
	}
}

func (c *conn) Close() error {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	return c.ws.Close()
}

func (c *conn) writePump() {
	for {
		select {
		case b, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// Handler returns the HTTP handler that upgrades a connection at
// ws://host:port/?authIndex=<i> and registers it with reg for the
// lifetime of the socket. Only one live socket per identity is kept;
// a reconnecting agent replaces the previous binding immediately (the
// Registry's grace window then only applies to the identity that had
// no reconnection at all).
func Handler(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := r.URL.Query().Get("authIndex")
		authIndex, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, "authIndex query parameter is required", http.StatusBadRequest)
			return
		}

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Errorf("agentconn: upgrade failed for identity %d: %v", authIndex, err)
			return
		}

		c := newConn(ws)
		go c.writePump()

		reg.OnSocketOpen(authIndex, c)
		lifecycle.Emit(lifecycle.EventAgentConnected, authIndex)
		logging.Infof("agentconn: identity %d connected", authIndex)

		c.readPump(reg, authIndex)
	}
}

// readPump blocks on inbound frames until the socket dies, then
// unregisters it from reg unless a newer socket for the same identity
// has already replaced it. Runs on the goroutine that served the
// upgrade, matching the teacher's one-goroutine-per-connection model.
func (c *conn) readPump(reg *registry.Registry, authIndex int) {
	defer func() {
		if cur, ok := reg.GetSocketByIdentity(authIndex); !ok || cur == registry.Socket(c) {
			reg.OnSocketClose(authIndex)
		}
		lifecycle.Emit(lifecycle.EventAgentDisconnected, authIndex)
		logging.Infof("agentconn: identity %d disconnected", authIndex)
		c.Close()
	}()

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		reg.OnSocketMessage(raw)
	}
}
