// Package hub is the server side of the document socket: it upgrades
// connections, authenticates them, keeps per-document rooms and relays
// edits, cursors, selections, typing and chat between room members.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"quill/collab/internal/protocol"
	"quill/collab/internal/util"
)

var (
	ErrAccessDenied          = errors.New("access denied")
	ErrCollaborationDisabled = errors.New("collaboration disabled")
	ErrUnauthorized          = errors.New("unauthorized")
)

// Identity is a verified user.
type Identity struct {
	UserID   string
	Username string
	Avatar   string
}

// Access decides whether a user may enter a document room and with what
// permission. It returns ErrAccessDenied or ErrCollaborationDisabled to
// refuse.
type Access interface {
	Admit(ctx context.Context, documentID, userID string) (protocol.Permission, error)
}

type Options struct {
	// Verify checks the bearer token presented at upgrade. When nil, any
	// connection may authenticate as anyone.
	Verify       func(token string) (Identity, error)
	Access       Access
	Broker       Broker
	CheckOrigin  func(r *http.Request) bool
	SendBuffer   int
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Broker == nil {
		o.Broker = NewLocalBroker()
	}
	if o.CheckOrigin == nil {
		o.CheckOrigin = func(*http.Request) bool { return true }
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 25 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 60 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	return o
}

// room is this instance's view of one document. Members connected
// elsewhere are learned from broker traffic.
type room struct {
	members map[string]protocol.User // by socket id
}

type Hub struct {
	opts     Options
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*Client // by socket id
	rooms   map[string]*room
	closed  bool
}

func New(opts Options) *Hub {
	opts = opts.withDefaults()
	h := &Hub{
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     opts.CheckOrigin,
		},
		clients: make(map[string]*Client),
		rooms:   make(map[string]*room),
	}
	opts.Broker.Listen(h.deliver)
	return h
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var verified *Identity
	if h.opts.Verify != nil {
		id, err := h.opts.Verify(bearerToken(r))
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		verified = &id
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("hub: upgrade failed: %v", err)
		return
	}

	c := &Client{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, h.opts.SendBuffer),
		socketID: util.NewID("sock"),
		verified: verified,
		docs:     make(map[string]protocol.Permission),
	}
	if !h.register(c) {
		conn.Close()
		return
	}
	c.emit(protocol.EventConnected, protocol.Connected{SocketID: c.socketID})

	go c.writePump()
	c.readPump()
	h.unregister(c)
}

func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c.socketID] = c
	return true
}

// unregister removes the client from every room it joined.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c.socketID)
	h.mu.Unlock()

	for _, documentID := range c.joinedDocuments() {
		h.leave(c, documentID)
	}
	c.close()
}

// join admits the client to the room and returns the roster including
// the client itself.
func (h *Hub) join(ctx context.Context, c *Client, documentID string) ([]protocol.User, error) {
	user, ok := c.identity()
	if !ok {
		return nil, ErrUnauthorized
	}
	permission := protocol.PermissionEditor
	if h.opts.Access != nil {
		p, err := h.opts.Access.Admit(ctx, documentID, user.UserID)
		if err != nil {
			return nil, err
		}
		permission = p
	}
	user.Permission = permission

	h.mu.Lock()
	r, exists := h.rooms[documentID]
	if !exists {
		r = &room{members: make(map[string]protocol.User)}
		h.rooms[documentID] = r
	}
	r.members[c.socketID] = user
	roster := make([]protocol.User, 0, len(r.members))
	for _, m := range r.members {
		roster = append(roster, m)
	}
	h.mu.Unlock()
	sortRoster(roster, c.socketID)

	if !exists {
		if err := h.opts.Broker.Join(ctx, documentID); err != nil {
			log.Printf("hub: %v", err)
		}
	}
	c.setJoined(documentID, permission)
	h.publish(documentID, c.socketID, protocol.EventUserJoined, protocol.UserPresence{User: user, DocumentID: documentID})
	return roster, nil
}

// leave removes the client from the room and tells the other members.
func (h *Hub) leave(c *Client, documentID string) {
	if !c.clearJoined(documentID) {
		return
	}
	h.mu.Lock()
	var (
		user  protocol.User
		found bool
		empty bool
	)
	if r, ok := h.rooms[documentID]; ok {
		user, found = r.members[c.socketID]
		delete(r.members, c.socketID)
		if !h.hasLocalMemberLocked(r) {
			delete(h.rooms, documentID)
			empty = true
		}
	}
	h.mu.Unlock()

	if found {
		h.publish(documentID, c.socketID, protocol.EventUserLeft, protocol.UserPresence{User: user, DocumentID: documentID})
	}
	if empty {
		if err := h.opts.Broker.Leave(context.Background(), documentID); err != nil {
			log.Printf("hub: %v", err)
		}
	}
}

func (h *Hub) hasLocalMemberLocked(r *room) bool {
	for socketID := range r.members {
		if _, ok := h.clients[socketID]; ok {
			return true
		}
	}
	return false
}

// publish sends an event to every room member except the given socket.
func (h *Hub) publish(documentID, except, event string, payload any) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		log.Printf("hub: %v", err)
		return
	}
	msg := Message{DocumentID: documentID, Except: except, Frame: frame}
	if err := h.opts.Broker.Publish(context.Background(), msg); err != nil {
		log.Printf("hub: %v", err)
	}
}

// deliver hands a broker message to the local members of its room and
// keeps the roster of remote members current.
func (h *Hub) deliver(msg Message) {
	env, err := protocol.Decode(msg.Frame)
	if err != nil {
		log.Printf("hub: skip broker frame: %v", err)
		return
	}

	h.mu.Lock()
	r, ok := h.rooms[msg.DocumentID]
	if !ok {
		h.mu.Unlock()
		return
	}
	h.trackRemoteLocked(r, env)
	targets := make([]*Client, 0, len(r.members))
	for socketID := range r.members {
		if socketID == msg.Except {
			continue
		}
		if c, ok := h.clients[socketID]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	for _, c := range targets {
		c.enqueue(msg.Frame)
	}
}

func (h *Hub) trackRemoteLocked(r *room, env protocol.Envelope) {
	switch env.Event {
	case protocol.EventUserJoined, protocol.EventUserLeft:
		var p protocol.UserPresence
		if err := env.Bind(&p); err != nil || p.SocketID == "" {
			return
		}
		if _, local := h.clients[p.SocketID]; local {
			return
		}
		if env.Event == protocol.EventUserJoined {
			r.members[p.SocketID] = p.User
		} else {
			delete(r.members, p.SocketID)
		}
	case protocol.EventPermissionUpdated:
		var p protocol.PermissionUpdated
		if err := env.Bind(&p); err != nil {
			return
		}
		for socketID, m := range r.members {
			if m.UserID != p.UserID {
				continue
			}
			m.Permission = p.Permission
			r.members[socketID] = m
			if c, ok := h.clients[socketID]; ok {
				c.setJoined(p.DocumentID, p.Permission)
			}
		}
	}
}

// NotifyPermission tells the room that a member's permission changed and
// applies it to their open connections.
func (h *Hub) NotifyPermission(documentID, userID string, permission protocol.Permission) {
	h.publish(documentID, "", protocol.EventPermissionUpdated, protocol.PermissionUpdated{
		DocumentID: documentID,
		UserID:     userID,
		Permission: permission,
	})
}

// NotifyCollaboration tells the room that collaboration was switched on
// or off.
func (h *Hub) NotifyCollaboration(documentID string, enabled bool) {
	h.publish(documentID, "", protocol.EventCollaborationToggled, protocol.CollaborationToggled{
		DocumentID: documentID,
		Enabled:    enabled,
	})
}

// Roster returns the members of a document room known to this instance.
func (h *Hub) Roster(documentID string) []protocol.User {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[documentID]
	if !ok {
		return nil
	}
	out := make([]protocol.User, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m)
	}
	sortRoster(out, "")
	return out
}

// Stats reports open connections and rooms with a local member.
func (h *Hub) Stats() (connections, rooms int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients), len(h.rooms)
}

// Close disconnects every client and stops the broker.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.conn.Close()
	}
	if err := h.opts.Broker.Close(); err != nil {
		return fmt.Errorf("close broker: %w", err)
	}
	return nil
}
