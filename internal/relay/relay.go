// Package relay forwards local document edits to the room and fans remote
// edits out to subscribers. It does not merge or reorder edits: the last
// edit applied by the editor wins.
package relay

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"quill/collab/internal/clock"
	"quill/collab/internal/protocol"
)

var ErrInvalidEdit = errors.New("invalid edit")

// Session is the transport the relay sends through.
type Session interface {
	Emit(event string, payload any) error
	OnDocumentEdit(fn func(protocol.Edit)) func()
}

type Relay struct {
	session    Session
	clock      clock.Clock
	documentID string

	mu     sync.Mutex
	nextID int
	subs   []subscriber
	off    func()
}

type subscriber struct {
	id int
	fn func(protocol.Edit)
}

// New binds a relay for documentID to the session.
func New(session Session, documentID string, clk clock.Clock) *Relay {
	if clk == nil {
		clk = clock.Real()
	}
	r := &Relay{session: session, clock: clk, documentID: documentID}
	r.off = session.OnDocumentEdit(r.deliver)
	return r
}

// SendEdit stamps and emits one edit. Without a connection the edit is
// dropped and the transport error returned.
func (r *Relay) SendEdit(edit protocol.Edit) error {
	if edit.DocumentID == "" {
		edit.DocumentID = r.documentID
	}
	if err := validate(edit); err != nil {
		return err
	}
	if edit.Timestamp == 0 {
		edit.Timestamp = r.clock.Now().UnixMilli()
	}
	if err := r.session.Emit(protocol.EventDocumentEdit, edit); err != nil {
		log.Printf("relay: edit for %s dropped: %v", edit.DocumentID, err)
		return err
	}
	return nil
}

// OnEdit registers fn for remote edits of this document, delivered in
// arrival order.
func (r *Relay) OnEdit(fn func(protocol.Edit)) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.subs = append(r.subs, subscriber{id: id, fn: fn})
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, s := range r.subs {
			if s.id == id {
				r.subs = append(r.subs[:i:i], r.subs[i+1:]...)
				return
			}
		}
	}
}

// Close stops listening to the session.
func (r *Relay) Close() {
	r.mu.Lock()
	off := r.off
	r.off = nil
	r.subs = nil
	r.mu.Unlock()
	if off != nil {
		off()
	}
}

func (r *Relay) deliver(edit protocol.Edit) {
	if edit.DocumentID != r.documentID {
		return
	}
	r.mu.Lock()
	subs := append([]subscriber(nil), r.subs...)
	r.mu.Unlock()
	for _, s := range subs {
		s.fn(edit)
	}
}

func validate(edit protocol.Edit) error {
	if !edit.Type.Valid() {
		return fmt.Errorf("%w: type %q", ErrInvalidEdit, edit.Type)
	}
	switch edit.Type {
	case protocol.EditInsert:
		if edit.Position == nil && edit.From == nil {
			return fmt.Errorf("%w: insert without position", ErrInvalidEdit)
		}
	case protocol.EditDelete, protocol.EditReplace:
		if edit.From == nil || edit.To == nil {
			return fmt.Errorf("%w: %s without range", ErrInvalidEdit, edit.Type)
		}
	}
	return nil
}

// Insert builds an insert edit.
func Insert(pos int, text string) protocol.Edit {
	return protocol.Edit{Type: protocol.EditInsert, Position: &pos, Content: text}
}

// Delete builds a delete edit for from..to.
func Delete(from, to int) protocol.Edit {
	return protocol.Edit{Type: protocol.EditDelete, From: &from, To: &to}
}

// Replace builds a replace edit for from..to.
func Replace(from, to int, text string) protocol.Edit {
	return protocol.Edit{Type: protocol.EditReplace, From: &from, To: &to, Content: text}
}
