// Package workspace wires the collaboration pieces for one open document:
// room presence, remote cursors, the edit relay and autosave.
package workspace

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"quill/collab/internal/autosave"
	"quill/collab/internal/clock"
	"quill/collab/internal/cursor"
	"quill/collab/internal/doc"
	"quill/collab/internal/presence"
	"quill/collab/internal/protocol"
	"quill/collab/internal/relay"
	"quill/collab/internal/transport"
)

// Session is the transport surface a workspace needs.
type Session interface {
	presence.Session
	relay.Session
	OnCursorPosition(fn func(protocol.CursorPosition)) func()
	OnSelectionChange(fn func(protocol.SelectionChange)) func()
	SendCursorPosition(documentID string, pos protocol.Position) error
	SendSelectionChange(documentID string, sel protocol.Selection) error
}

var _ Session = (*transport.Session)(nil)

type Options struct {
	Clock      clock.Clock
	StaleAfter time.Duration
	Renderer   cursor.Renderer
	Autosave   autosave.Options
}

// Workspace owns the local copy of one document. Remote edits are applied
// in arrival order; local edits are applied, relayed and scheduled for
// autosave. The renderer runs with the workspace locked and must not call
// back into it.
type Workspace struct {
	documentID string
	session    Session
	clock      clock.Clock

	tracker   *presence.Tracker
	projector *cursor.Projector
	relay     *relay.Relay
	saver     *autosave.Coordinator

	mu     sync.Mutex
	root   *doc.Node
	unbind []func()
	closed bool
}

// Open parses content, joins the document room and starts tracking it.
func Open(session Session, documentID, content string, backend autosave.Backend, opts Options) (*Workspace, error) {
	root, err := doc.ParseString(content)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", documentID, err)
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Autosave.Clock == nil {
		opts.Autosave.Clock = opts.Clock
	}

	w := &Workspace{
		documentID: documentID,
		session:    session,
		clock:      opts.Clock,
		root:       root,
		tracker:    presence.NewTracker(session),
		projector:  cursor.NewProjector(cursor.Options{Clock: opts.Clock, StaleAfter: opts.StaleAfter, Renderer: opts.Renderer}),
		relay:      relay.New(session, documentID, opts.Clock),
		saver:      autosave.New(documentID, backend, opts.Autosave),
	}
	w.unbind = []func(){
		session.OnCursorPosition(w.onCursor),
		session.OnSelectionChange(w.onSelection),
		session.OnUserLeft(w.onUserLeft),
		w.relay.OnEdit(w.onRemoteEdit),
	}
	w.tracker.JoinDocument(documentID)
	return w, nil
}

func (w *Workspace) DocumentID() string { return w.documentID }

func (w *Workspace) Roster() *presence.Roster { return w.tracker.Roster() }

func (w *Workspace) Autosave() *autosave.Coordinator { return w.saver }

// Content is the current document as ProseMirror JSON.
func (w *Workspace) Content() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.root.MarshalString()
}

// Text is the current document as plain text.
func (w *Workspace) Text() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.root.PlainText()
}

// Decorations returns the markers from the last rebuild.
func (w *Workspace) Decorations() cursor.DecorationSet {
	return w.projector.Decorations()
}

// Refresh rebuilds the decorations, dropping cursors that went stale.
func (w *Workspace) Refresh() cursor.DecorationSet {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.projector.Apply(cursor.Transaction{Doc: w.root})
}

// Edit applies a local edit, relays it to the room and schedules an
// autosave. A relay failure leaves the local change in place.
func (w *Workspace) Edit(edit protocol.Edit) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return autosave.ErrClosed
	}
	if err := applyEdit(w.root, edit); err != nil {
		w.mu.Unlock()
		return err
	}
	content, err := w.root.MarshalString()
	w.projector.Apply(cursor.Transaction{Doc: w.root})
	w.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}

	w.saver.Touch(content)
	if err := w.relay.SendEdit(edit); err != nil {
		return err
	}
	return nil
}

// MoveCursor publishes the local caret at document position pos.
func (w *Workspace) MoveCursor(pos int) error {
	w.mu.Lock()
	p, ok := cursor.Locate(w.root, pos)
	w.mu.Unlock()
	if !ok {
		return fmt.Errorf("locate %d: %w", pos, doc.ErrPositionOutOfRange)
	}
	return w.session.SendCursorPosition(w.documentID, p)
}

// Select publishes the local selection between two document positions.
func (w *Workspace) Select(from, to int) error {
	w.mu.Lock()
	start, ok1 := cursor.Locate(w.root, from)
	end, ok2 := cursor.Locate(w.root, to)
	w.mu.Unlock()
	if !ok1 || !ok2 {
		return fmt.Errorf("locate %d..%d: %w", from, to, doc.ErrPositionOutOfRange)
	}
	return w.session.SendSelectionChange(w.documentID, protocol.Selection{Start: start, End: end})
}

// Save takes a named version snapshot of the current content.
func (w *Workspace) Save(ctx context.Context, description string) error {
	content, err := w.Content()
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	w.saver.Touch(content)
	return w.saver.ManualSave(ctx, description)
}

// Close leaves the room and stops every component.
func (w *Workspace) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	unbind := w.unbind
	w.unbind = nil
	w.mu.Unlock()

	for _, off := range unbind {
		off()
	}
	w.tracker.LeaveDocument(w.documentID)
	w.relay.Close()
	w.tracker.Close()
	w.saver.Close()
}

func (w *Workspace) onCursor(c protocol.CursorPosition) {
	if c.DocumentID != w.documentID {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.projector.SetCursor(w.root, c)
}

func (w *Workspace) onSelection(s protocol.SelectionChange) {
	if s.DocumentID != w.documentID {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.projector.SetSelection(w.root, s)
}

func (w *Workspace) onUserLeft(p protocol.UserPresence) {
	if p.DocumentID != "" && p.DocumentID != w.documentID {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.projector.RemoveCursor(w.root, p.UserID)
}

func (w *Workspace) onRemoteEdit(edit protocol.Edit) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := applyEdit(w.root, edit); err != nil {
		log.Printf("workspace: skip remote edit from %s: %v", edit.UserID, err)
		return
	}
	w.projector.Apply(cursor.Transaction{Doc: w.root})
}

func applyEdit(root *doc.Node, edit protocol.Edit) error {
	switch edit.Type {
	case protocol.EditInsert:
		pos := edit.Position
		if pos == nil {
			pos = edit.From
		}
		if pos == nil {
			return fmt.Errorf("%w: insert without position", relay.ErrInvalidEdit)
		}
		return root.InsertText(*pos, edit.Content)
	case protocol.EditDelete:
		if edit.From == nil || edit.To == nil {
			return fmt.Errorf("%w: delete without range", relay.ErrInvalidEdit)
		}
		return root.DeleteRange(*edit.From, *edit.To)
	case protocol.EditReplace:
		if edit.From == nil || edit.To == nil {
			return fmt.Errorf("%w: replace without range", relay.ErrInvalidEdit)
		}
		return root.ReplaceRange(*edit.From, *edit.To, edit.Content)
	default:
		return fmt.Errorf("%w: type %q", relay.ErrInvalidEdit, edit.Type)
	}
}
