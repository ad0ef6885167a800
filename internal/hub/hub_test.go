package hub

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"quill/collab/internal/protocol"
)

type testConn struct {
	t  *testing.T
	ws *websocket.Conn
}

func startHub(t *testing.T, opts Options) (*Hub, string) {
	t.Helper()
	h := New(opts)
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		h.Close()
		srv.Close()
	})
	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string, header http.Header) *testConn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	c := &testConn{t: t, ws: ws}
	c.expect(protocol.EventConnected)
	return c
}

func (c *testConn) send(event string, payload any) {
	c.t.Helper()
	raw, err := protocol.Encode(event, payload)
	if err != nil {
		c.t.Fatalf("Encode() error = %v", err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		c.t.Fatalf("WriteMessage() error = %v", err)
	}
}

// expect reads frames until the event arrives, skipping others.
func (c *testConn) expect(event string) protocol.Envelope {
	c.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		c.ws.SetReadDeadline(deadline)
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			c.t.Fatalf("waiting for %q: %v", event, err)
		}
		env, err := protocol.Decode(raw)
		if err != nil {
			c.t.Fatalf("Decode() error = %v", err)
		}
		if env.Event == event {
			return env
		}
	}
}

func (c *testConn) login(userID, username string) protocol.Authenticated {
	c.t.Helper()
	c.send(protocol.EventAuthenticate, protocol.Authenticate{UserID: userID, Username: username})
	var ack protocol.Authenticated
	if err := c.expect(protocol.EventAuthenticated).Bind(&ack); err != nil {
		c.t.Fatalf("Bind() error = %v", err)
	}
	return ack
}

func (c *testConn) join(documentID string) protocol.JoinedDocument {
	c.t.Helper()
	c.send(protocol.EventJoinDocument, protocol.DocumentRef{DocumentID: documentID})
	var joined protocol.JoinedDocument
	if err := c.expect(protocol.EventJoinedDocument).Bind(&joined); err != nil {
		c.t.Fatalf("Bind() error = %v", err)
	}
	return joined
}

type accessTable map[string]protocol.Permission

func (a accessTable) Admit(_ context.Context, documentID, userID string) (protocol.Permission, error) {
	if documentID == "closed" {
		return "", ErrCollaborationDisabled
	}
	p, ok := a[userID]
	if !ok {
		return "", ErrAccessDenied
	}
	return p, nil
}

func intPtr(v int) *int { return &v }

func TestRoomLifecycle(t *testing.T) {
	_, url := startHub(t, Options{})
	alice := dial(t, url, nil)
	bob := dial(t, url, nil)

	ack := alice.login("1", "alice")
	if ack.Color != Palette[1] || ack.SocketID == "" {
		t.Fatalf("authenticated = %+v, want palette color for id 1", ack)
	}
	alice.join("doc-1")
	bob.login("2", "bob")
	joined := bob.join("doc-1")
	if len(joined.Users) != 2 || joined.Users[0].Username != "alice" || joined.Users[1].Username != "bob" {
		t.Fatalf("joined-document users = %+v, want [alice bob]", joined.Users)
	}

	var presence protocol.UserPresence
	if err := alice.expect(protocol.EventUserJoined).Bind(&presence); err != nil || presence.UserID != "2" {
		t.Fatalf("user-joined = %+v, %v", presence, err)
	}

	bob.send(protocol.EventDocumentEdit, protocol.Edit{DocumentID: "doc-1", Type: protocol.EditInsert, Content: "hi", Position: intPtr(3), UserID: "spoofed"})
	var edit protocol.Edit
	if err := alice.expect(protocol.EventDocumentEdit).Bind(&edit); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	if edit.UserID != "2" || edit.Content != "hi" || edit.Timestamp == 0 {
		t.Fatalf("relayed edit = %+v, want sender stamped", edit)
	}

	alice.send(protocol.EventCursorPosition, protocol.CursorPosition{DocumentID: "doc-1", Position: protocol.Position{Line: 2, Column: 4}})
	var cur protocol.CursorPosition
	if err := bob.expect(protocol.EventCursorPosition).Bind(&cur); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	if cur.UserID != "1" || cur.Color != Palette[1] || cur.Position.Line != 2 {
		t.Fatalf("relayed cursor = %+v", cur)
	}

	alice.send(protocol.EventChatMessage, protocol.ChatMessage{DocumentID: "doc-1", Message: "hello"})
	for _, c := range []*testConn{alice, bob} {
		var msg protocol.ChatMessage
		if err := c.expect(protocol.EventChatMessage).Bind(&msg); err != nil || msg.Username != "alice" {
			t.Fatalf("chat-message = %+v, %v", msg, err)
		}
	}

	bob.ws.Close()
	if err := alice.expect(protocol.EventUserLeft).Bind(&presence); err != nil || presence.UserID != "2" {
		t.Fatalf("user-left = %+v, %v", presence, err)
	}
}

func TestJoinRequiresAuthenticationAndAccess(t *testing.T) {
	_, url := startHub(t, Options{Access: accessTable{"1": protocol.PermissionOwner}})
	c := dial(t, url, nil)

	c.send(protocol.EventJoinDocument, protocol.DocumentRef{DocumentID: "doc-1"})
	assertError(t, c, "not authenticated")

	c.login("9", "mallory")
	c.send(protocol.EventJoinDocument, protocol.DocumentRef{DocumentID: "doc-1"})
	assertError(t, c, "access denied")

	c.send(protocol.EventJoinDocument, protocol.DocumentRef{DocumentID: "closed"})
	assertError(t, c, "collaboration disabled")
}

func assertError(t *testing.T, c *testConn, want string) {
	t.Helper()
	var e protocol.Error
	if err := c.expect(protocol.EventError).Bind(&e); err != nil || e.Message != want {
		t.Fatalf("error = %+v, %v; want %q", e, err, want)
	}
}

func TestViewerCannotEditUntilPromoted(t *testing.T) {
	h, url := startHub(t, Options{Access: accessTable{"1": protocol.PermissionOwner, "2": protocol.PermissionViewer}})
	owner := dial(t, url, nil)
	viewer := dial(t, url, nil)
	owner.login("1", "owner")
	owner.join("doc-1")
	viewer.login("2", "viewer")
	viewer.join("doc-1")

	viewer.send(protocol.EventDocumentEdit, protocol.Edit{DocumentID: "doc-1", Type: protocol.EditDelete, From: intPtr(1), To: intPtr(2)})
	assertError(t, viewer, "read-only access")

	h.NotifyPermission("doc-1", "2", protocol.PermissionEditor)
	var upd protocol.PermissionUpdated
	if err := viewer.expect(protocol.EventPermissionUpdated).Bind(&upd); err != nil || upd.Permission != protocol.PermissionEditor {
		t.Fatalf("permission-updated = %+v, %v", upd, err)
	}

	viewer.send(protocol.EventDocumentEdit, protocol.Edit{DocumentID: "doc-1", Type: protocol.EditDelete, From: intPtr(1), To: intPtr(2)})
	owner.expect(protocol.EventDocumentEdit)

	h.NotifyCollaboration("doc-1", false)
	var toggled protocol.CollaborationToggled
	if err := owner.expect(protocol.EventCollaborationToggled).Bind(&toggled); err != nil || toggled.Enabled {
		t.Fatalf("collaboration-toggled = %+v, %v", toggled, err)
	}
}

func TestVerifiedTokenPinsIdentity(t *testing.T) {
	verify := func(token string) (Identity, error) {
		if token != "good" {
			return Identity{}, errors.New("bad token")
		}
		return Identity{UserID: "42", Username: "carol", Avatar: "c.png"}, nil
	}
	_, url := startHub(t, Options{Verify: verify})

	if _, resp, err := websocket.DefaultDialer.Dial(url, nil); err == nil {
		t.Fatal("Dial() without token succeeded")
	} else if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("Dial() without token response = %v, want 401", resp)
	}

	c := dial(t, url+"?token=good", nil)
	c.send(protocol.EventAuthenticate, protocol.Authenticate{UserID: "7", Username: "imposter"})
	c.expect(protocol.EventAuthError)

	c.send(protocol.EventAuthenticate, protocol.Authenticate{UserID: "42"})
	var ack protocol.Authenticated
	if err := c.expect(protocol.EventAuthenticated).Bind(&ack); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	if ack.Username != "carol" || ack.Avatar != "c.png" || ack.Color != Palette[2] {
		t.Fatalf("authenticated = %+v, want identity from token", ack)
	}
}

func TestMalformedFrameReportsError(t *testing.T) {
	_, url := startHub(t, Options{})
	c := dial(t, url, nil)
	if err := c.ws.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	assertError(t, c, "malformed frame")
	// the connection stays usable
	c.login("1", "alice")
}

func TestRedisBrokerAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	newBroker := func() *RedisBroker {
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { rdb.Close() })
		return NewRedisBroker(rdb)
	}
	_, url1 := startHub(t, Options{Broker: newBroker()})
	h2, url2 := startHub(t, Options{Broker: newBroker()})

	bob := dial(t, url2, nil)
	bob.login("2", "bob")
	bob.join("doc-1")

	alice := dial(t, url1, nil)
	alice.login("1", "alice")
	alice.join("doc-1")

	// bob learns about alice through redis, which also proves both
	// instances are subscribed
	bob.expect(protocol.EventUserJoined)

	alice.send(protocol.EventDocumentEdit, protocol.Edit{DocumentID: "doc-1", Type: protocol.EditInsert, Content: "x", Position: intPtr(1)})
	var edit protocol.Edit
	if err := bob.expect(protocol.EventDocumentEdit).Bind(&edit); err != nil || edit.UserID != "1" {
		t.Fatalf("document-edit across instances = %+v, %v", edit, err)
	}

	bob.send(protocol.EventTyping, protocol.Typing{DocumentID: "doc-1", IsTyping: true})
	var typing protocol.UserTyping
	if err := alice.expect(protocol.EventUserTyping).Bind(&typing); err != nil || typing.Username != "bob" {
		t.Fatalf("user-typing across instances = %+v, %v", typing, err)
	}
	if roster := h2.Roster("doc-1"); len(roster) != 2 {
		t.Fatalf("Roster() on bob's instance = %+v, want bob and alice", roster)
	}
}

func TestColorFor(t *testing.T) {
	cases := map[string]string{"0": Palette[0], "13": Palette[3], "1234567": Palette[7]}
	for id, want := range cases {
		if got := ColorFor(id); got != want {
			t.Fatalf("ColorFor(%q) = %q, want %q", id, got, want)
		}
	}
	if ColorFor("usr_abc") != ColorFor("usr_abc") {
		t.Fatal("ColorFor() not deterministic")
	}
}
