package hub

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"quill/collab/internal/protocol"
)

const (
	maxFrameSize = 1 << 20
	admitTimeout = 5 * time.Second
)

// Client is one websocket connection.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	socketID string
	verified *Identity

	mu     sync.Mutex
	user   *protocol.User
	docs   map[string]protocol.Permission
	closed bool
}

func (c *Client) identity() (protocol.User, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.user == nil {
		return protocol.User{}, false
	}
	return *c.user, true
}

func (c *Client) setJoined(documentID string, permission protocol.Permission) {
	c.mu.Lock()
	c.docs[documentID] = permission
	c.mu.Unlock()
}

func (c *Client) clearJoined(documentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.docs[documentID]; !ok {
		return false
	}
	delete(c.docs, documentID)
	return true
}

func (c *Client) permission(documentID string) (protocol.Permission, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.docs[documentID]
	return p, ok
}

func (c *Client) joinedDocuments() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.docs))
	for id := range c.docs {
		out = append(out, id)
	}
	return out
}

// enqueue queues a frame for the write pump. A client that cannot keep up
// is disconnected.
func (c *Client) enqueue(frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- frame:
	default:
		log.Printf("hub: send buffer full for %s, disconnecting", c.socketID)
		c.closed = true
		close(c.send)
	}
}

func (c *Client) emit(event string, payload any) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		log.Printf("hub: %v", err)
		return
	}
	c.enqueue(frame)
}

func (c *Client) fail(message string) {
	c.emit(protocol.EventError, protocol.Error{Message: message})
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) readPump() {
	opts := c.hub.opts
	defer c.conn.Close()
	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(opts.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(opts.ReadTimeout))
	})
	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("hub: read %s: %v", c.socketID, err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(opts.ReadTimeout))
		if messageType != websocket.TextMessage {
			continue
		}
		env, err := protocol.Decode(message)
		if err != nil {
			log.Printf("hub: skip frame from %s: %v", c.socketID, err)
			c.fail("malformed frame")
			continue
		}
		c.handle(env)
	}
}

func (c *Client) writePump() {
	opts := c.hub.opts
	ticker := time.NewTicker(opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(opts.WriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(opts.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (c *Client) handle(env protocol.Envelope) {
	switch env.Event {
	case protocol.EventAuthenticate:
		c.onAuthenticate(env)
	case protocol.EventJoinDocument:
		c.onJoin(env)
	case protocol.EventLeaveDocument:
		var ref protocol.DocumentRef
		if err := env.Bind(&ref); err != nil || ref.DocumentID == "" {
			c.fail("documentId is required")
			return
		}
		c.hub.leave(c, ref.DocumentID)
		c.emit(protocol.EventLeftDocument, ref)
	case protocol.EventDocumentEdit:
		c.onEdit(env)
	case protocol.EventCursorPosition:
		c.onCursor(env)
	case protocol.EventSelectionChange:
		c.onSelection(env)
	case protocol.EventTyping:
		c.onTyping(env)
	case protocol.EventChatMessage:
		c.onChat(env)
	default:
		c.fail("unknown event " + env.Event)
	}
}

func (c *Client) onAuthenticate(env protocol.Envelope) {
	var req protocol.Authenticate
	if err := env.Bind(&req); err != nil || req.UserID == "" {
		c.emit(protocol.EventAuthError, protocol.Error{Message: "userId is required"})
		return
	}
	if c.verified != nil {
		if req.UserID != c.verified.UserID {
			c.emit(protocol.EventAuthError, protocol.Error{Message: "token does not match user"})
			return
		}
		if req.Username == "" {
			req.Username = c.verified.Username
		}
		if req.Avatar == "" {
			req.Avatar = c.verified.Avatar
		}
	}
	if req.Username == "" {
		req.Username = req.UserID
	}

	user := protocol.User{
		UserID:   req.UserID,
		Username: req.Username,
		Avatar:   req.Avatar,
		Color:    ColorFor(req.UserID),
		SocketID: c.socketID,
	}
	c.mu.Lock()
	c.user = &user
	c.mu.Unlock()

	c.emit(protocol.EventAuthenticated, protocol.Authenticated{
		UserID:   user.UserID,
		Username: user.Username,
		SocketID: c.socketID,
		Color:    user.Color,
		Avatar:   user.Avatar,
	})
}

func (c *Client) onJoin(env protocol.Envelope) {
	var ref protocol.DocumentRef
	if err := env.Bind(&ref); err != nil || ref.DocumentID == "" {
		c.fail("documentId is required")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), admitTimeout)
	defer cancel()
	roster, err := c.hub.join(ctx, c, ref.DocumentID)
	switch {
	case err == nil:
		c.emit(protocol.EventJoinedDocument, protocol.JoinedDocument{DocumentID: ref.DocumentID, Users: roster})
	case errors.Is(err, ErrUnauthorized):
		c.fail("not authenticated")
	case errors.Is(err, ErrAccessDenied):
		c.fail("access denied")
	case errors.Is(err, ErrCollaborationDisabled):
		c.fail("collaboration disabled")
	default:
		log.Printf("hub: join %s: %v", ref.DocumentID, err)
		c.fail("join failed")
	}
}

// member returns the sender's identity if it has joined the document.
func (c *Client) member(documentID string) (protocol.User, protocol.Permission, bool) {
	user, ok := c.identity()
	if !ok {
		return protocol.User{}, "", false
	}
	permission, joined := c.permission(documentID)
	if !joined {
		return protocol.User{}, "", false
	}
	return user, permission, true
}

func (c *Client) onEdit(env protocol.Envelope) {
	var edit protocol.Edit
	if err := env.Bind(&edit); err != nil || !edit.Type.Valid() {
		c.fail("invalid edit")
		return
	}
	user, permission, ok := c.member(edit.DocumentID)
	if !ok {
		c.fail("not in document")
		return
	}
	if !permission.CanEdit() {
		c.fail("read-only access")
		return
	}
	edit.UserID = user.UserID
	if edit.Timestamp == 0 {
		edit.Timestamp = time.Now().UnixMilli()
	}
	c.hub.publish(edit.DocumentID, c.socketID, protocol.EventDocumentEdit, edit)
}

func (c *Client) onCursor(env protocol.Envelope) {
	var cur protocol.CursorPosition
	if err := env.Bind(&cur); err != nil {
		c.fail("invalid cursor")
		return
	}
	user, _, ok := c.member(cur.DocumentID)
	if !ok {
		return
	}
	cur.UserID, cur.Username, cur.Color = user.UserID, user.Username, user.Color
	c.hub.publish(cur.DocumentID, c.socketID, protocol.EventCursorPosition, cur)
}

func (c *Client) onSelection(env protocol.Envelope) {
	var sel protocol.SelectionChange
	if err := env.Bind(&sel); err != nil {
		c.fail("invalid selection")
		return
	}
	user, _, ok := c.member(sel.DocumentID)
	if !ok {
		return
	}
	sel.UserID, sel.Username, sel.Color = user.UserID, user.Username, user.Color
	c.hub.publish(sel.DocumentID, c.socketID, protocol.EventSelectionChange, sel)
}

func (c *Client) onTyping(env protocol.Envelope) {
	var typing protocol.Typing
	if err := env.Bind(&typing); err != nil {
		return
	}
	user, _, ok := c.member(typing.DocumentID)
	if !ok {
		return
	}
	c.hub.publish(typing.DocumentID, c.socketID, protocol.EventUserTyping, protocol.UserTyping{
		DocumentID: typing.DocumentID,
		UserID:     user.UserID,
		Username:   user.Username,
		IsTyping:   typing.IsTyping,
	})
}

// onChat echoes the message to the sender too so every member sees the
// same order.
func (c *Client) onChat(env protocol.Envelope) {
	var msg protocol.ChatMessage
	if err := env.Bind(&msg); err != nil || msg.Message == "" {
		c.fail("invalid chat message")
		return
	}
	user, _, ok := c.member(msg.DocumentID)
	if !ok {
		c.fail("not in document")
		return
	}
	msg.UserID, msg.Username = user.UserID, user.Username
	msg.Timestamp = time.Now().UnixMilli()
	c.hub.publish(msg.DocumentID, "", protocol.EventChatMessage, msg)
}

// sortRoster orders members by username with self last.
func sortRoster(users []protocol.User, self string) {
	sort.SliceStable(users, func(i, j int) bool {
		if (users[i].SocketID == self) != (users[j].SocketID == self) {
			return users[j].SocketID == self
		}
		if users[i].Username != users[j].Username {
			return users[i].Username < users[j].Username
		}
		return users[i].SocketID < users[j].SocketID
	})
}
