// Package relay implements the signaling relay server: a websocket hub of
// identified clients plus a call router that assigns call IDs, validates
// call requests, and forwards negotiation traffic between the two parties
// of a call without inspecting it.
package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/peerline/peerline/internal/signal"
)

var log = logging.Logger("relay")

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 25 * time.Second

	// sendBuf is the per-client outbound queue. A client that stops reading
	// for this many envelopes is dropped rather than allowed to stall the hub.
	sendBuf = 64
)

// client is one connected user. Envelopes go out through send; the write
// pump is the only goroutine that touches ws for writes.
type client struct {
	ident signal.Participant
	ws    *websocket.Conn

	mu     sync.Mutex
	send   chan *signal.Envelope
	closed bool
}

// close shuts the outbound queue, which ends the write pump. Idempotent;
// both the read pump and the hub may race to call it, and the router may
// be mid-delivery on another goroutine.
func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// enqueue queues env unless the client is closed or its queue is full.
// The closed check and the send happen under one lock so a concurrent
// close cannot shut the channel between them.
func (c *client) enqueue(env *signal.Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}

// hub is the registry of connected clients, keyed by user ID.
type hub struct {
	mu      sync.Mutex
	clients map[string]*client
}

func newHub() *hub {
	return &hub{clients: make(map[string]*client)}
}

// register adds c, displacing any previous connection for the same user ID.
// The displaced connection is closed; its read pump then runs the normal
// disconnect path, which must not tear down the new registration.
func (h *hub) register(c *client) {
	h.mu.Lock()
	old := h.clients[c.ident.ID]
	h.clients[c.ident.ID] = c
	h.mu.Unlock()

	if old != nil {
		log.Warnf("user %s reconnected, displacing previous connection", c.ident.ID)
		old.close()
		old.ws.Close()
	}
	log.Infof("user %s connected (%s)", c.ident.ID, c.ident.Username)
}

// unregister removes c if it is still the registered connection for its
// user. Returns false when c was already displaced.
func (h *hub) unregister(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c.ident.ID] != c {
		return false
	}
	delete(h.clients, c.ident.ID)
	log.Infof("user %s disconnected", c.ident.ID)
	return true
}

// lookup returns the registered client for userID.
func (h *hub) lookup(userID string) (*client, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[userID]
	return c, ok
}

// sendTo queues an envelope for userID. Returns false when the user is
// offline or their queue is full.
func (h *hub) sendTo(userID string, event string, payload any) bool {
	c, ok := h.lookup(userID)
	if !ok {
		return false
	}
	env, err := signal.NewEnvelope(event, payload)
	if err != nil {
		log.Errorf("encode %s: %v", event, err)
		return false
	}
	return h.deliver(c, env)
}

// forward queues an already-encoded envelope for userID unchanged.
func (h *hub) forward(userID string, env *signal.Envelope) bool {
	c, ok := h.lookup(userID)
	if !ok {
		return false
	}
	return h.deliver(c, env)
}

func (h *hub) deliver(c *client, env *signal.Envelope) bool {
	if !c.enqueue(env) {
		log.Warnf("dropping %s for unreachable client %s", env.Event, c.ident.ID)
		return false
	}
	return true
}

// writePump drains the client's send queue onto the wire and keeps the
// connection alive with pings. Exits when close() shuts the queue.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case env, ok := <-c.send:
			if !ok {
				c.ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
