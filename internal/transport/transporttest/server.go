// Package transporttest provides a scripted collaboration server for
// exercising client sessions over a real websocket.
package transporttest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"quill/collab/internal/protocol"
)

type Server struct {
	t        testing.TB
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    map[*websocket.Conn]*sync.Mutex
	received []protocol.Envelope
	changed  chan struct{}
	reject   bool
	holdAuth bool
	dials    int
	// Members is returned in joined-document ahead of the joining user.
	Members []protocol.User
	// Color is assigned to every authenticated user.
	Color string
}

func NewServer(t testing.TB) *Server {
	s := &Server{
		t:       t,
		conns:   make(map[*websocket.Conn]*sync.Mutex),
		changed: make(chan struct{}),
		Color:   "#4ECDC4",
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serveWS))
	t.Cleanup(s.Close)
	return s
}

// URL is the websocket URL of the server.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/socket"
}

func (s *Server) Close() {
	s.DropAll()
	s.srv.Close()
}

// Reject makes future upgrades fail with 503.
func (s *Server) Reject(reject bool) {
	s.mu.Lock()
	s.reject = reject
	s.mu.Unlock()
}

// HoldAuth makes the server record authenticate without answering it, so a
// test can script the reply with Broadcast.
func (s *Server) HoldAuth(hold bool) {
	s.mu.Lock()
	s.holdAuth = hold
	s.mu.Unlock()
}

// Dials counts upgrade attempts, accepted or not.
func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// DropAll closes every open connection without a close handshake.
func (s *Server) DropAll() {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = make(map[*websocket.Conn]*sync.Mutex)
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// Broadcast sends an event to every open connection.
func (s *Server) Broadcast(event string, payload any) {
	raw, err := protocol.Encode(event, payload)
	if err != nil {
		s.t.Errorf("Encode() error = %v", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for c, wmu := range s.conns {
		wmu.Lock()
		_ = c.WriteMessage(websocket.TextMessage, raw)
		wmu.Unlock()
	}
}

// SendRaw writes an arbitrary text frame to every open connection.
func (s *Server) SendRaw(frame string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c, wmu := range s.conns {
		wmu.Lock()
		_ = c.WriteMessage(websocket.TextMessage, []byte(frame))
		wmu.Unlock()
	}
}

// Received returns the events received so far, in order.
func (s *Server) Received() []protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Envelope(nil), s.received...)
}

// Events returns only the names of the received events.
func (s *Server) Events() []string {
	var names []string
	for _, env := range s.Received() {
		names = append(names, env.Event)
	}
	return names
}

// WaitFor blocks until the event has been received n times.
func (s *Server) WaitFor(event string, n int) []protocol.Envelope {
	s.t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		s.mu.Lock()
		var matched []protocol.Envelope
		for _, env := range s.received {
			if env.Event == event {
				matched = append(matched, env)
			}
		}
		changed := s.changed
		s.mu.Unlock()
		if len(matched) >= n {
			return matched
		}
		select {
		case <-changed:
		case <-deadline:
			s.t.Fatalf("timed out waiting for %d %q events, got %v", n, event, s.Events())
			return nil
		}
	}
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.dials++
	reject := s.reject
	s.mu.Unlock()
	if reject {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	c, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	wmu := &sync.Mutex{}
	s.mu.Lock()
	s.conns[c] = wmu
	socketID := "sock-" + time.Now().Format("150405.000000000")
	s.mu.Unlock()

	send := func(event string, payload any) {
		raw, err := protocol.Encode(event, payload)
		if err != nil {
			return
		}
		wmu.Lock()
		defer wmu.Unlock()
		_ = c.WriteMessage(websocket.TextMessage, raw)
	}
	send(protocol.EventConnected, protocol.Connected{SocketID: socketID})

	var self protocol.User
	for {
		_, raw, err := c.ReadMessage()
		if err != nil {
			s.mu.Lock()
			delete(s.conns, c)
			s.mu.Unlock()
			return
		}
		env, err := protocol.Decode(raw)
		if err != nil {
			continue
		}
		s.record(env)

		switch env.Event {
		case protocol.EventAuthenticate:
			var auth protocol.Authenticate
			if env.Bind(&auth) != nil {
				continue
			}
			s.mu.Lock()
			color, hold := s.Color, s.holdAuth
			s.mu.Unlock()
			self = protocol.User{UserID: auth.UserID, Username: auth.Username, Color: color, SocketID: socketID}
			if hold {
				continue
			}
			send(protocol.EventAuthenticated, protocol.Authenticated{UserID: auth.UserID, Username: auth.Username, SocketID: socketID, Color: color})
		case protocol.EventJoinDocument:
			var ref protocol.DocumentRef
			if env.Bind(&ref) != nil {
				continue
			}
			s.mu.Lock()
			users := append(append([]protocol.User(nil), s.Members...), self)
			s.mu.Unlock()
			send(protocol.EventJoinedDocument, protocol.JoinedDocument{DocumentID: ref.DocumentID, Users: users})
		case protocol.EventLeaveDocument:
			var ref protocol.DocumentRef
			if env.Bind(&ref) != nil {
				continue
			}
			send(protocol.EventLeftDocument, ref)
		}
	}
}

func (s *Server) record(env protocol.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, env)
	close(s.changed)
	s.changed = make(chan struct{})
}
