// Package cursor projects remote collaborators' cursors and selections
// onto the local document as position markers.
package cursor

import (
	"log"
	"sort"
	"sync"
	"time"

	"quill/collab/internal/clock"
	"quill/collab/internal/doc"
	"quill/collab/internal/protocol"
)

const DefaultStaleAfter = 5 * time.Second

type RemoteCursor struct {
	UserID     string
	Username   string
	Color      string
	Position   protocol.Position
	LastUpdate time.Time
}

type RemoteSelection struct {
	UserID     string
	Username   string
	Color      string
	Start      protocol.Position
	End        protocol.Position
	LastUpdate time.Time
}

// Marker is a caret to draw at Pos. Key is stable per user so a renderer
// can reuse the widget across rebuilds.
type Marker struct {
	UserID   string
	Username string
	Color    string
	Pos      int
	Key      string
}

// Highlight is a selection to draw between From and To.
type Highlight struct {
	UserID   string
	Username string
	Color    string
	From     int
	To       int
}

type DecorationSet struct {
	Markers    []Marker
	Highlights []Highlight
}

type Action string

const (
	ActionSet             Action = "set"
	ActionDelete          Action = "delete"
	ActionSetSelection    Action = "set-selection"
	ActionDeleteSelection Action = "delete-selection"
)

// Meta is the cursor change carried by a transaction.
type Meta struct {
	Action    Action
	Cursor    RemoteCursor
	Selection RemoteSelection
	UserID    string
}

// Transaction is one editor state change. Doc is the document after the
// change; Meta is nil for plain content edits.
type Transaction struct {
	Doc  *doc.Node
	Meta *Meta
}

// Renderer turns descriptors into editor decorations.
type Renderer interface {
	Render(DecorationSet)
}

type Options struct {
	Clock      clock.Clock
	StaleAfter time.Duration
	Renderer   Renderer
}

type Projector struct {
	clock      clock.Clock
	staleAfter time.Duration
	renderer   Renderer

	mu          sync.Mutex
	cursors     map[string]RemoteCursor
	selections  map[string]RemoteSelection
	decorations DecorationSet
}

func NewProjector(opts Options) *Projector {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	return &Projector{
		clock:      opts.Clock,
		staleAfter: opts.StaleAfter,
		renderer:   opts.Renderer,
		cursors:    make(map[string]RemoteCursor),
		selections: make(map[string]RemoteSelection),
	}
}

// Apply folds the transaction's cursor change into the projector state,
// evicts stale entries and rebuilds the decoration set from scratch.
func (p *Projector) Apply(tr Transaction) DecorationSet {
	p.mu.Lock()
	now := p.clock.Now()
	if tr.Meta != nil {
		p.applyMeta(*tr.Meta, now)
	}
	p.evict(now)
	set := p.build(tr.Doc)
	p.decorations = set
	renderer := p.renderer
	p.mu.Unlock()

	if renderer != nil {
		renderer.Render(set)
	}
	return set
}

func (p *Projector) applyMeta(m Meta, now time.Time) {
	switch m.Action {
	case ActionSet:
		c := m.Cursor
		if c.LastUpdate.IsZero() {
			c.LastUpdate = now
		}
		p.cursors[c.UserID] = c
	case ActionDelete:
		delete(p.cursors, m.UserID)
		delete(p.selections, m.UserID)
	case ActionSetSelection:
		s := m.Selection
		if s.LastUpdate.IsZero() {
			s.LastUpdate = now
		}
		p.selections[s.UserID] = s
	case ActionDeleteSelection:
		delete(p.selections, m.UserID)
	}
}

func (p *Projector) evict(now time.Time) {
	for id, c := range p.cursors {
		if now.Sub(c.LastUpdate) > p.staleAfter {
			delete(p.cursors, id)
		}
	}
	for id, s := range p.selections {
		if now.Sub(s.LastUpdate) > p.staleAfter {
			delete(p.selections, id)
		}
	}
}

func (p *Projector) build(root *doc.Node) DecorationSet {
	var set DecorationSet
	if root == nil {
		return set
	}
	size := root.ContentSize()
	inRange := func(pos int) bool { return pos >= 0 && pos <= size }

	for _, c := range p.cursors {
		pos, ok := Resolve(root, c.Position)
		if !ok {
			log.Printf("cursor: no block at line %d for %s", c.Position.Line, c.UserID)
			continue
		}
		if !inRange(pos) {
			continue
		}
		set.Markers = append(set.Markers, Marker{UserID: c.UserID, Username: c.Username, Color: c.Color, Pos: pos, Key: "cursor-" + c.UserID})
	}
	for _, s := range p.selections {
		from, ok1 := Resolve(root, s.Start)
		to, ok2 := Resolve(root, s.End)
		if !ok1 || !ok2 {
			log.Printf("cursor: cannot resolve selection for %s", s.UserID)
			continue
		}
		if from > to {
			from, to = to, from
		}
		if from == to || !inRange(from) || !inRange(to) {
			continue
		}
		set.Highlights = append(set.Highlights, Highlight{UserID: s.UserID, Username: s.Username, Color: s.Color, From: from, To: to})
	}

	sort.Slice(set.Markers, func(i, j int) bool {
		if set.Markers[i].Pos != set.Markers[j].Pos {
			return set.Markers[i].Pos < set.Markers[j].Pos
		}
		return set.Markers[i].UserID < set.Markers[j].UserID
	})
	sort.Slice(set.Highlights, func(i, j int) bool {
		if set.Highlights[i].From != set.Highlights[j].From {
			return set.Highlights[i].From < set.Highlights[j].From
		}
		return set.Highlights[i].UserID < set.Highlights[j].UserID
	})
	return set
}

// SetCursor records a remote cursor and rebuilds against root.
func (p *Projector) SetCursor(root *doc.Node, c protocol.CursorPosition) DecorationSet {
	return p.Apply(Transaction{Doc: root, Meta: &Meta{Action: ActionSet, Cursor: RemoteCursor{
		UserID:   c.UserID,
		Username: c.Username,
		Color:    c.Color,
		Position: c.Position,
	}}})
}

// SetSelection records a remote selection and rebuilds against root.
func (p *Projector) SetSelection(root *doc.Node, s protocol.SelectionChange) DecorationSet {
	return p.Apply(Transaction{Doc: root, Meta: &Meta{Action: ActionSetSelection, Selection: RemoteSelection{
		UserID:   s.UserID,
		Username: s.Username,
		Color:    s.Color,
		Start:    s.Selection.Start,
		End:      s.Selection.End,
	}}})
}

// RemoveCursor forgets a user's cursor and selection.
func (p *Projector) RemoveCursor(root *doc.Node, userID string) DecorationSet {
	return p.Apply(Transaction{Doc: root, Meta: &Meta{Action: ActionDelete, UserID: userID}})
}

// Decorations returns the set produced by the last Apply.
func (p *Projector) Decorations() DecorationSet {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.decorations
}

// Cursors returns the tracked cursors, including ones that did not resolve
// on the last pass.
func (p *Projector) Cursors() []RemoteCursor {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]RemoteCursor, 0, len(p.cursors))
	for _, c := range p.cursors {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
