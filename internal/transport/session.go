// Package transport owns the client side of the document socket: the
// connection/authentication state machine, bounded reconnection and the
// single-slot pending join.
package transport

import (
	"context"
	"log"
	"sync"

	"quill/collab/internal/protocol"
)

// Handler receives one inbound event. Handlers run on the session's event
// loop, one at a time, in arrival order.
type Handler func(env protocol.Envelope)

type subscription struct {
	id int
	fn Handler
}

type connHandle struct {
	send   chan []byte
	cancel context.CancelFunc
}

// Session is one client connection to the collaboration server. The zero
// value is not usable; call New.
type Session struct {
	opts Options

	mu          sync.Mutex
	state       State
	url         string
	token       string
	identity    *Identity
	currentUser *protocol.Authenticated
	socketID    string
	currentDoc  string
	pendingJoin string
	conn        *connHandle
	runCancel   context.CancelFunc
	// generation increments on every Connect so that a superseded run
	// loop cannot touch the state of a newer one.
	generation int

	subsMu    sync.Mutex
	nextSubID int
	subs      map[string][]subscription
	stateSubs []stateSubscription

	queueMu   sync.Mutex
	queue     []func()
	wake      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once
	closed    chan struct{}
}

type stateSubscription struct {
	id int
	fn func(State)
}

func New(opts Options) *Session {
	opts = opts.withDefaults()
	s := &Session{
		opts:     opts,
		identity: opts.Identity,
		subs:     make(map[string][]subscription),
		wake:     make(chan struct{}, 1),
		loopDone: make(chan struct{}),
		closed:   make(chan struct{}),
	}
	go s.loop()
	return s
}

// Connect opens the socket in the background. It is a no-op while a
// connection is open or being established.
func (s *Session) Connect(url, token string) {
	s.mu.Lock()
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return
	}
	if s.runCancel != nil {
		s.runCancel()
	}
	s.url = url
	s.token = token
	s.generation++
	gen := s.generation
	ctx, cancel := context.WithCancel(context.Background())
	s.runCancel = cancel
	s.mu.Unlock()

	s.setState(gen, StateConnecting)
	go s.run(ctx, gen)
}

// Disconnect closes the socket and forgets the authentication, roster
// and pending join.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.runCancel != nil {
		s.runCancel()
		s.runCancel = nil
	}
	if s.conn != nil {
		s.conn.cancel()
		s.conn = nil
	}
	s.generation++
	gen := s.generation
	s.currentUser = nil
	s.currentDoc = ""
	s.pendingJoin = ""
	s.socketID = ""
	s.mu.Unlock()
	s.setState(gen, StateDisconnected)
}

// Close disconnects and stops the event loop.
func (s *Session) Close() {
	s.Disconnect()
	s.closeOnce.Do(func() { close(s.closed) })
	<-s.loopDone
}

// Authenticate announces the user on the open connection. Without an open
// connection it only logs.
func (s *Session) Authenticate(userID, username, avatar string) {
	s.mu.Lock()
	if !s.state.Connected() {
		s.mu.Unlock()
		log.Printf("transport: authenticate %s skipped: not connected", userID)
		return
	}
	s.identity = &Identity{UserID: userID, Username: username, Avatar: avatar}
	gen := s.generation
	s.mu.Unlock()

	s.setState(gen, StateAuthenticating)
	if err := s.Emit(protocol.EventAuthenticate, protocol.Authenticate{UserID: userID, Username: username, Avatar: avatar}); err != nil {
		log.Printf("transport: authenticate %s: %v", userID, err)
		s.mu.Lock()
		stillWaiting := s.state == StateAuthenticating
		s.mu.Unlock()
		if stillWaiting {
			s.setState(gen, StateConnected)
		}
	}
}

// JoinDocument enters the document room. Before authentication completes
// the request is parked in a single slot, replacing any earlier one, and
// sent once the server acknowledges the user.
func (s *Session) JoinDocument(documentID string) {
	s.mu.Lock()
	if !s.state.Connected() {
		s.mu.Unlock()
		log.Printf("transport: join %s skipped: not connected", documentID)
		return
	}
	if s.state != StateAuthenticated {
		s.pendingJoin = documentID
		s.mu.Unlock()
		log.Printf("transport: join %s deferred until authenticated", documentID)
		return
	}
	s.currentDoc = documentID
	s.mu.Unlock()
	_ = s.Emit(protocol.EventJoinDocument, protocol.DocumentRef{DocumentID: documentID})
}

// LeaveDocument exits the document room.
func (s *Session) LeaveDocument(documentID string) {
	s.mu.Lock()
	if !s.state.Connected() {
		s.mu.Unlock()
		return
	}
	if s.pendingJoin == documentID {
		s.pendingJoin = ""
	}
	if s.currentDoc == documentID {
		s.currentDoc = ""
	}
	s.mu.Unlock()
	_ = s.Emit(protocol.EventLeaveDocument, protocol.DocumentRef{DocumentID: documentID})
}

// Emit sends one event. When no connection is open the event is dropped.
func (s *Session) Emit(event string, payload any) error {
	raw, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	conn := s.conn
	connected := s.state.Connected()
	s.mu.Unlock()
	if conn == nil || !connected {
		log.Printf("transport: drop %s: not connected", event)
		return ErrNotConnected
	}
	select {
	case conn.send <- raw:
		return nil
	default:
		log.Printf("transport: drop %s: send buffer full", event)
		return ErrSendBufferFull
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) IsConnected() bool { return s.State().Connected() }

func (s *Session) IsAuthenticated() bool { return s.State() == StateAuthenticated }

// CurrentUser is the server acknowledgement of the last authentication.
func (s *Session) CurrentUser() (protocol.Authenticated, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentUser == nil {
		return protocol.Authenticated{}, false
	}
	return *s.currentUser, true
}

func (s *Session) CurrentDocument() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentDoc
}

func (s *Session) PendingJoin() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingJoin
}

func (s *Session) SocketID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.socketID
}

// SetIdentity configures automatic authentication for future connections.
func (s *Session) SetIdentity(id Identity) {
	s.mu.Lock()
	s.identity = &id
	s.mu.Unlock()
}

// On subscribes to an inbound event and returns the unsubscribe func.
func (s *Session) On(event string, fn Handler) func() {
	s.subsMu.Lock()
	s.nextSubID++
	id := s.nextSubID
	s.subs[event] = append(s.subs[event], subscription{id: id, fn: fn})
	s.subsMu.Unlock()
	return func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		list := s.subs[event]
		for i, sub := range list {
			if sub.id == id {
				s.subs[event] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// OnState subscribes to state transitions.
func (s *Session) OnState(fn func(State)) func() {
	s.subsMu.Lock()
	s.nextSubID++
	id := s.nextSubID
	s.stateSubs = append(s.stateSubs, stateSubscription{id: id, fn: fn})
	s.subsMu.Unlock()
	return func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		for i, sub := range s.stateSubs {
			if sub.id == id {
				s.stateSubs = append(s.stateSubs[:i:i], s.stateSubs[i+1:]...)
				return
			}
		}
	}
}

// setState records a transition made by generation gen and queues the
// notification. Stale generations are ignored.
func (s *Session) setState(gen int, next State) bool {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return false
	}
	changed := s.state != next
	s.state = next
	s.mu.Unlock()
	if changed {
		s.post(func() { s.notifyState(next) })
	}
	return true
}

func (s *Session) notifyState(state State) {
	s.subsMu.Lock()
	subs := append([]stateSubscription(nil), s.stateSubs...)
	s.subsMu.Unlock()
	for _, sub := range subs {
		sub.fn(state)
	}
}

func (s *Session) dispatch(env protocol.Envelope) {
	s.subsMu.Lock()
	subs := append([]subscription(nil), s.subs[env.Event]...)
	s.subsMu.Unlock()
	for _, sub := range subs {
		sub.fn(env)
	}
}

// post queues fn as one turn of the event loop. It never blocks, so it is
// safe to call from inside a handler.
func (s *Session) post(fn func()) {
	s.queueMu.Lock()
	s.queue = append(s.queue, fn)
	s.queueMu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) loop() {
	defer close(s.loopDone)
	for {
		select {
		case <-s.wake:
		case <-s.closed:
			s.drain()
			return
		}
		s.drain()
	}
}

func (s *Session) drain() {
	for {
		s.queueMu.Lock()
		if len(s.queue) == 0 {
			s.queueMu.Unlock()
			return
		}
		fn := s.queue[0]
		s.queue = s.queue[1:]
		s.queueMu.Unlock()
		fn()
	}
}
