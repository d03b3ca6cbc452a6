// Package channel implements the client side of the signaling relay
// connection: a persistent WebSocket that delivers call-control envelopes
// and reports its own connect/disconnect state to subscribers.
//
// Readiness is an explicit subscription, not something callers poll for:
// SubscribeState delivers the current connected flag immediately and again
// on every change.
package channel

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/peerline/peerline/internal/signal"
)

var log = logging.Logger("channel")

const (
	// writeWait bounds a single frame write; a slow relay beyond this is
	// treated as a dead connection.
	writeWait = 10 * time.Second

	// pingPeriod keeps NAT mappings alive and detects half-open conns.
	pingPeriod = 25 * time.Second

	// pongWait is how long a read may stall before the conn is declared dead.
	pongWait = 60 * time.Second

	// subscriberBuf is the per-subscriber envelope buffer. A subscriber that
	// falls this far behind starts losing events.
	subscriberBuf = 64

	maxBackoff = 30 * time.Second
)

// ErrNotConnected is returned by Send while the relay link is down.
var ErrNotConnected = errors.New("channel: not connected to relay")

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("channel: closed")

// Conn is a client connection to the signaling relay. It reconnects with
// backoff after a drop; subscriptions survive reconnects, so handlers bound
// via Subscribe are effectively re-bound automatically.
type Conn struct {
	wsURL string

	mu        sync.Mutex
	ws        *websocket.Conn
	connected bool
	closed    bool

	listenerMu     sync.RWMutex
	listeners      map[chan *signal.Envelope]struct{}
	stateListeners map[chan bool]struct{}

	done chan struct{}
}

// Dial connects to the relay at rawURL (ws:// or wss://), authenticating
// with token and announcing ident. The initial dial is synchronous so a bad
// address or token fails fast; later drops reconnect in the background.
func Dial(ctx context.Context, rawURL string, ident signal.Participant, token string) (*Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	q := u.Query()
	q.Set("id", ident.ID)
	q.Set("username", ident.Username)
	q.Set("display_name", ident.DisplayName)
	q.Set("avatar_url", ident.AvatarURL)
	q.Set("token", token)
	u.RawQuery = q.Encode()

	c := &Conn{
		wsURL:          u.String(),
		listeners:      make(map[chan *signal.Envelope]struct{}),
		stateListeners: make(map[chan bool]struct{}),
		done:           make(chan struct{}),
	}

	ws, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.attach(ws)
	go c.readLoop(ws)
	return c, nil
}

func (c *Conn) dial(ctx context.Context) (*websocket.Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	return ws, nil
}

// attach installs ws as the live connection and notifies state subscribers.
func (c *Conn) attach(ws *websocket.Conn) {
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	c.mu.Lock()
	c.ws = ws
	c.connected = true
	c.mu.Unlock()

	c.notifyState(true)
	log.Infof("connected to relay")
}

// Send marshals payload and writes one envelope to the relay.
func (c *Conn) Send(event string, payload any) error {
	env, err := signal.NewEnvelope(event, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if !c.connected || c.ws == nil {
		return ErrNotConnected
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteJSON(env); err != nil {
		return fmt.Errorf("send %s: %w", event, err)
	}
	return nil
}

// Connected reports whether the relay link is currently up.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Subscribe returns a channel receiving every inbound envelope. The
// subscription persists across reconnects; cancel releases it.
func (c *Conn) Subscribe() (<-chan *signal.Envelope, func()) {
	ch := make(chan *signal.Envelope, subscriberBuf)

	c.listenerMu.Lock()
	c.listeners[ch] = struct{}{}
	c.listenerMu.Unlock()

	cancel := func() {
		c.listenerMu.Lock()
		if _, ok := c.listeners[ch]; ok {
			delete(c.listeners, ch)
			close(ch)
		}
		c.listenerMu.Unlock()
	}
	return ch, cancel
}

// SubscribeState returns a channel receiving the connected flag: the current
// value immediately, then one value per change.
func (c *Conn) SubscribeState() (<-chan bool, func()) {
	ch := make(chan bool, 8)

	c.mu.Lock()
	cur := c.connected
	c.mu.Unlock()

	c.listenerMu.Lock()
	c.stateListeners[ch] = struct{}{}
	c.listenerMu.Unlock()

	ch <- cur

	cancel := func() {
		c.listenerMu.Lock()
		if _, ok := c.stateListeners[ch]; ok {
			delete(c.stateListeners, ch)
			close(ch)
		}
		c.listenerMu.Unlock()
	}
	return ch, cancel
}

// Close tears down the connection and all subscriptions. Idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	ws := c.ws
	c.mu.Unlock()

	close(c.done)
	if ws != nil {
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		ws.Close()
	}

	c.listenerMu.Lock()
	for ch := range c.listeners {
		close(ch)
	}
	c.listeners = make(map[chan *signal.Envelope]struct{})
	for ch := range c.stateListeners {
		close(ch)
	}
	c.stateListeners = make(map[chan bool]struct{})
	c.listenerMu.Unlock()
	return nil
}

// readLoop reads envelopes off ws until it dies, then hands off to the
// reconnect loop. One readLoop goroutine is alive per Conn at any time.
func (c *Conn) readLoop(ws *websocket.Conn) {
	stopPing := make(chan struct{})
	go c.pingLoop(ws, stopPing)

	for {
		var env signal.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			close(stopPing)
			ws.Close()

			c.mu.Lock()
			wasClosed := c.closed
			c.connected = false
			c.ws = nil
			c.mu.Unlock()

			if wasClosed {
				return
			}
			log.Warnf("relay connection lost: %v", err)
			c.notifyState(false)
			c.reconnectLoop()
			return
		}
		c.fanout(&env)
	}
}

// reconnectLoop re-dials with exponential backoff until success or Close.
func (c *Conn) reconnectLoop() {
	backoff := time.Second
	for {
		select {
		case <-c.done:
			return
		case <-time.After(backoff):
		}

		ws, err := c.dial(context.Background())
		if err != nil {
			log.Debugf("reconnect failed, retrying in %s: %v", backoff, err)
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			ws.Close()
			return
		}
		c.mu.Unlock()

		c.attach(ws)
		go c.readLoop(ws)
		return
	}
}

func (c *Conn) pingLoop(ws *websocket.Conn, stop <-chan struct{}) {
	t := time.NewTicker(pingPeriod)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-c.done:
			return
		case <-t.C:
			ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
		}
	}
}

func (c *Conn) fanout(env *signal.Envelope) {
	c.listenerMu.RLock()
	for ch := range c.listeners {
		select {
		case ch <- env:
		default:
			log.Warnf("dropping %s for slow subscriber", env.Event)
		}
	}
	c.listenerMu.RUnlock()
}

func (c *Conn) notifyState(connected bool) {
	c.listenerMu.RLock()
	for ch := range c.stateListeners {
		select {
		case ch <- connected:
		default:
		}
	}
	c.listenerMu.RUnlock()
}
