package relay

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/peerline/peerline/internal/signal"
	"github.com/peerline/peerline/internal/util"
)

// Server is the relay's HTTP front: it upgrades /ws to a websocket, checks
// the shared token, and hands the connection to the hub and router.
type Server struct {
	addr  string
	token string

	hub    *hub
	router *router

	srv *http.Server
	ln  net.Listener

	upgrader websocket.Upgrader
}

// New creates a relay server listening on addr. When token is non-empty,
// clients must present it as the token query parameter.
func New(addr, token string) *Server {
	h := newHub()
	s := &Server{
		addr:   addr,
		token:  token,
		hub:    h,
		router: newRouter(h),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The relay authenticates by token, not origin; clients are
			// native, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	return s
}

// Start listens and serves until ctx ends. It returns once the listener is
// bound, so URL is valid immediately after.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/calls.json", s.handleCallsJSON)

	s.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.ln = ln

	go func() {
		<-ctx.Done()
		shctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		defer cancel()
		_ = s.srv.Shutdown(shctx)
	}()

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("relay server error: %v", err)
		}
	}()

	log.Infof("relay listening on %s", ln.Addr())
	return nil
}

// URL returns the websocket endpoint clients should dial.
func (s *Server) URL() string {
	addr := s.addr
	if s.ln != nil {
		addr = s.ln.Addr().String()
	}
	return "ws://" + addr + "/ws"
}

// handleCallsJSON serves the recent call log. Requires the shared token
// when one is configured.
func (s *Server) handleCallsJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.token != "" {
		got := r.URL.Query().Get("token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}
	w.Header().Set("content-type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(s.router.recentCalls())
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if s.token != "" {
		got := q.Get("token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	ident := signal.Participant{
		ID:          strings.TrimSpace(q.Get("id")),
		Username:    strings.TrimSpace(q.Get("username")),
		DisplayName: strings.TrimSpace(q.Get("display_name")),
		AvatarURL:   strings.TrimSpace(q.Get("avatar_url")),
	}
	if ident.ID == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("upgrade failed for %s: %v", ident.ID, err)
		return
	}

	c := &client{
		ident: ident,
		ws:    ws,
		send:  make(chan *signal.Envelope, sendBuf),
	}
	s.hub.register(c)
	go c.writePump()
	s.readPump(c)
}

// readPump reads envelopes from c until the connection dies, then runs the
// disconnect path. Runs on the HTTP handler goroutine.
func (s *Server) readPump(c *client) {
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var env signal.Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			break
		}
		s.router.handle(c, &env)
	}

	c.close()
	c.ws.Close()
	// A displaced connection must not end calls the user continues on the
	// replacement connection.
	if s.hub.unregister(c) {
		s.router.disconnected(c.ident.ID)
	}
}
