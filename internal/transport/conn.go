package transport

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"quill/collab/internal/protocol"
)

// newReconnectPolicy retries at a fixed delay a bounded number of times.
func (s *Session) newReconnectPolicy() backoff.BackOff {
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(s.opts.ReconnectDelay), uint64(s.opts.ReconnectAttempts))
}

func (s *Session) run(ctx context.Context, gen int) {
	policy := s.newReconnectPolicy()
	for {
		ws, err := s.dial(ctx)
		if err == nil {
			policy.Reset()
			s.serve(ctx, gen, ws)
			if ctx.Err() != nil {
				return
			}
			s.dropped(gen)
		} else {
			if ctx.Err() != nil {
				return
			}
			log.Printf("transport: dial failed: %v", err)
		}

		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			s.reconnectFailed(gen)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-s.opts.Clock.After(wait):
		}
		if !s.setState(gen, StateConnecting) {
			return
		}
	}
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	s.mu.Lock()
	url, token := s.url, s.token
	s.mu.Unlock()

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: s.opts.DialTimeout,
	}
	dialCtx, cancel := context.WithTimeout(ctx, s.opts.DialTimeout)
	defer cancel()
	ws, resp, err := dialer.DialContext(dialCtx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return ws, nil
}

// serve pumps one open connection until it fails or ctx ends.
func (s *Session) serve(ctx context.Context, gen int, ws *websocket.Conn) {
	defer ws.Close()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	handle := &connHandle{send: make(chan []byte, s.opts.SendBuffer), cancel: cancel}

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.conn = handle
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.conn == handle {
			s.conn = nil
		}
		s.mu.Unlock()
	}()

	if !s.setState(gen, StateConnected) {
		return
	}

	go s.writePump(connCtx, ws, handle)
	s.readPump(connCtx, gen, ws, handle)
}

func (s *Session) writePump(ctx context.Context, ws *websocket.Conn, handle *connHandle) {
	defer handle.cancel()
	for {
		select {
		case <-ctx.Done():
			_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case message := <-handle.send:
			ws.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("transport: write failed: %v", err)
				return
			}
		case <-s.opts.Clock.After(s.opts.PingInterval):
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.opts.WriteTimeout)); err != nil {
				log.Printf("transport: ping failed: %v", err)
				return
			}
		}
	}
}

func (s *Session) readPump(ctx context.Context, gen int, ws *websocket.Conn, handle *connHandle) {
	defer handle.cancel()
	ws.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
	})
	go func() {
		<-ctx.Done()
		// unblock ReadMessage
		ws.SetReadDeadline(time.Now())
	}()
	for {
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("transport: read failed: %v", err)
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
		if messageType != websocket.TextMessage {
			continue
		}
		env, err := protocol.Decode(message)
		if err != nil {
			log.Printf("transport: skip frame: %v", err)
			continue
		}
		s.post(func() { s.handle(gen, env) })
	}
}

// dropped resets the session after an unexpected connection loss. The
// joined document becomes the pending join so the room is re-entered
// after the next authentication.
func (s *Session) dropped(gen int) {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	if s.currentDoc != "" && s.pendingJoin == "" {
		s.pendingJoin = s.currentDoc
	}
	s.currentDoc = ""
	s.currentUser = nil
	s.socketID = ""
	s.mu.Unlock()
	log.Printf("transport: connection lost, reconnecting")
	if s.setState(gen, StateDisconnected) {
		s.post(func() { s.dispatch(protocol.Envelope{Event: EventDisconnect}) })
	}
}

func (s *Session) reconnectFailed(gen int) {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.runCancel = nil
	s.pendingJoin = ""
	s.currentDoc = ""
	s.currentUser = nil
	s.mu.Unlock()
	log.Printf("transport: giving up after %d reconnect attempts", s.opts.ReconnectAttempts)
	if s.setState(gen, StateDisconnected) {
		s.post(func() { s.dispatch(protocol.Envelope{Event: EventReconnectFailed}) })
	}
}

// handle applies the session's own reaction to an inbound event, then
// hands it to subscribers.
func (s *Session) handle(gen int, env protocol.Envelope) {
	s.mu.Lock()
	stale := gen != s.generation
	s.mu.Unlock()
	if stale {
		return
	}

	switch env.Event {
	case protocol.EventConnected:
		s.onGreeting(env)
	case protocol.EventAuthenticated:
		s.onAuthenticated(gen, env)
	case protocol.EventAuthError:
		var payload protocol.Error
		_ = env.Bind(&payload)
		log.Printf("transport: authentication rejected: %s", payload.Message)
		s.setState(gen, StateConnected)
	case protocol.EventLeftDocument:
		var ref protocol.DocumentRef
		if err := env.Bind(&ref); err == nil {
			s.mu.Lock()
			if s.currentDoc == ref.DocumentID {
				s.currentDoc = ""
			}
			s.mu.Unlock()
		}
	case protocol.EventError:
		var payload protocol.Error
		_ = env.Bind(&payload)
		log.Printf("transport: server error: %s", payload.Message)
	}
	s.dispatch(env)
}

func (s *Session) onGreeting(env protocol.Envelope) {
	var greeting protocol.Connected
	if err := env.Bind(&greeting); err != nil {
		log.Printf("transport: %v", err)
	}
	s.mu.Lock()
	s.socketID = greeting.SocketID
	identity := s.identity
	s.mu.Unlock()
	if identity == nil {
		log.Printf("transport: connected as %s without identity, waiting for authenticate", greeting.SocketID)
		return
	}
	s.Authenticate(identity.UserID, identity.Username, identity.Avatar)
}

func (s *Session) onAuthenticated(gen int, env protocol.Envelope) {
	var ack protocol.Authenticated
	if err := env.Bind(&ack); err != nil {
		log.Printf("transport: %v", err)
		return
	}
	s.mu.Lock()
	if !s.state.Connected() {
		s.mu.Unlock()
		return
	}
	s.currentUser = &ack
	if ack.SocketID != "" {
		s.socketID = ack.SocketID
	}
	join := s.pendingJoin
	s.pendingJoin = ""
	s.mu.Unlock()

	if !s.setState(gen, StateAuthenticated) {
		return
	}
	if join != "" {
		s.JoinDocument(join)
	}
}
