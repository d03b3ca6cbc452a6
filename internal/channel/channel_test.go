package channel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/peerline/peerline/internal/signal"
)

// wsCapture is a test relay endpoint: it records query params and inbound
// envelopes, and lets the test push envelopes to the connected client.
type wsCapture struct {
	upgrader websocket.Upgrader

	mu       sync.Mutex
	query    map[string]string
	inbound  []*signal.Envelope
	conn     *websocket.Conn
	accepted int
}

func (c *wsCapture) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	c.query = map[string]string{}
	for k, v := range r.URL.Query() {
		c.query[k] = v[0]
	}
	c.mu.Unlock()

	ws, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c.mu.Lock()
	c.conn = ws
	c.accepted++
	c.mu.Unlock()

	for {
		var env signal.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			return
		}
		c.mu.Lock()
		c.inbound = append(c.inbound, &env)
		c.mu.Unlock()
	}
}

func (c *wsCapture) push(t *testing.T, event string, payload any) {
	t.Helper()
	env, err := signal.NewEnvelope(event, payload)
	if err != nil {
		t.Fatal(err)
	}
	c.mu.Lock()
	ws := c.conn
	c.mu.Unlock()
	if ws == nil {
		t.Fatal("no client connected")
	}
	if err := ws.WriteJSON(env); err != nil {
		t.Fatalf("push: %v", err)
	}
}

func startCapture(t *testing.T) (*wsCapture, string) {
	t.Helper()
	rec := &wsCapture{}
	srv := httptest.NewServer(rec)
	t.Cleanup(srv.Close)
	return rec, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dialTest(t *testing.T, url string) *Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Dial(ctx, url, signal.Participant{
		ID:       "alice",
		Username: "alice",
	}, "sesame")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestDialSendsIdentityAndToken(t *testing.T) {
	rec, url := startCapture(t)
	dialTest(t, url)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.query["id"] != "alice" || rec.query["username"] != "alice" || rec.query["token"] != "sesame" {
		t.Fatalf("query = %v", rec.query)
	}
}

func TestSendDeliversEnvelope(t *testing.T) {
	rec, url := startCapture(t)
	conn := dialTest(t, url)

	if err := conn.Send(signal.EventAccept, signal.Accept{CallID: "c1"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec.mu.Lock()
		n := len(rec.inbound)
		rec.mu.Unlock()
		if n == 1 {
			rec.mu.Lock()
			env := rec.inbound[0]
			rec.mu.Unlock()
			if env.Event != signal.EventAccept {
				t.Fatalf("event = %q", env.Event)
			}
			var p signal.Accept
			if err := env.Decode(&p); err != nil || p.CallID != "c1" {
				t.Fatalf("payload = %+v, err %v", p, err)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("envelope never reached the server")
}

func TestSubscribeReceivesPushedEnvelopes(t *testing.T) {
	rec, url := startCapture(t)
	conn := dialTest(t, url)

	events, cancel := conn.Subscribe()
	defer cancel()

	rec.push(t, signal.EventRinging, signal.Ringing{CallID: "c1", Type: signal.CallTypeAudio})

	select {
	case env := <-events:
		if env.Event != signal.EventRinging {
			t.Fatalf("event = %q", env.Event)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pushed envelope never delivered")
	}
}

func TestSubscribeStateDeliversCurrentValue(t *testing.T) {
	_, url := startCapture(t)
	conn := dialTest(t, url)

	states, cancel := conn.SubscribeState()
	defer cancel()

	select {
	case v := <-states:
		if !v {
			t.Fatal("initial state = false, want true")
		}
	case <-time.After(time.Second):
		t.Fatal("no initial state delivered")
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	rec, url := startCapture(t)
	conn := dialTest(t, url)

	states, cancel := conn.SubscribeState()
	defer cancel()
	if v := <-states; !v {
		t.Fatal("not connected after dial")
	}

	// Kill the server side of the socket; the client must notice and redial.
	rec.mu.Lock()
	rec.conn.Close()
	rec.mu.Unlock()

	sawDown := false
	deadline := time.After(10 * time.Second)
	for {
		select {
		case v := <-states:
			if !v {
				sawDown = true
				continue
			}
			if !sawDown {
				t.Fatal("reconnected without reporting the drop")
			}
			rec.mu.Lock()
			n := rec.accepted
			rec.mu.Unlock()
			if n < 2 {
				t.Fatalf("server accepted %d connections, want 2", n)
			}
			return
		case <-deadline:
			t.Fatal("never reconnected")
		}
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	_, url := startCapture(t)
	conn := dialTest(t, url)

	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := conn.Send(signal.EventEnd, signal.End{CallID: "c1"}); err != ErrClosed {
		t.Fatalf("Send after close = %v, want ErrClosed", err)
	}
	// Idempotent.
	if err := conn.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
