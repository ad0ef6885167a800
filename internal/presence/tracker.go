package presence

import (
	"log"
	"sync"

	"quill/collab/internal/protocol"
	"quill/collab/internal/transport"
)

// Session is the part of the transport session the tracker drives.
type Session interface {
	JoinDocument(documentID string)
	LeaveDocument(documentID string)
	OnJoinedDocument(fn func(protocol.JoinedDocument)) func()
	OnUserJoined(fn func(protocol.UserPresence)) func()
	OnUserLeft(fn func(protocol.UserPresence)) func()
	OnLeftDocument(fn func(protocol.DocumentRef)) func()
	OnPermissionUpdate(fn func(protocol.PermissionUpdated)) func()
	OnState(fn func(transport.State)) func()
	IsConnected() bool
}

var _ Session = (*transport.Session)(nil)

// Tracker keeps a Roster in step with the room events of a session.
type Tracker struct {
	session Session
	roster  *Roster
	unbind  []func()

	mu sync.Mutex
	// waiting unsubscribes a join parked until the session connects.
	waiting func()
}

func NewTracker(session Session) *Tracker {
	t := &Tracker{session: session, roster: NewRoster()}
	t.unbind = []func(){
		session.OnJoinedDocument(func(p protocol.JoinedDocument) {
			t.roster.Replace(p.Users)
		}),
		session.OnUserJoined(func(p protocol.UserPresence) {
			if !t.roster.Add(p.User) {
				log.Printf("presence: %s already in %s", p.UserID, p.DocumentID)
			}
		}),
		session.OnUserLeft(func(p protocol.UserPresence) {
			t.roster.Remove(p.UserID)
		}),
		session.OnLeftDocument(func(protocol.DocumentRef) {
			t.roster.Clear()
		}),
		session.OnPermissionUpdate(func(p protocol.PermissionUpdated) {
			t.roster.SetPermission(p.UserID, p.Permission)
		}),
		session.OnState(func(st transport.State) {
			if !st.Connected() {
				t.roster.Clear()
			}
		}),
	}
	return t
}

func (t *Tracker) Roster() *Roster { return t.roster }

// JoinDocument enters the document room. While the session is still
// connecting the join is held until the first connected state; from there
// the session's pending-join slot carries it through authentication.
func (t *Tracker) JoinDocument(documentID string) {
	t.stopWaiting()

	var once sync.Once
	join := func() {
		once.Do(func() {
			t.stopWaiting()
			t.session.JoinDocument(documentID)
		})
	}
	off := t.session.OnState(func(st transport.State) {
		if st.Connected() {
			join()
		}
	})
	t.mu.Lock()
	t.waiting = off
	t.mu.Unlock()

	if t.session.IsConnected() {
		join()
	}
}

func (t *Tracker) LeaveDocument(documentID string) {
	t.stopWaiting()
	t.session.LeaveDocument(documentID)
}

func (t *Tracker) stopWaiting() {
	t.mu.Lock()
	off := t.waiting
	t.waiting = nil
	t.mu.Unlock()
	if off != nil {
		off()
	}
}

// Close detaches the tracker from the session.
func (t *Tracker) Close() {
	t.stopWaiting()
	for _, off := range t.unbind {
		off()
	}
	t.unbind = nil
	t.roster.Clear()
}
