// Package doc is a read-mostly model of ProseMirror JSON documents. It
// reproduces ProseMirror's position arithmetic so that coordinates
// computed here agree with the ones a browser editor computes.
package doc

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf16"
)

var ErrInvalidDocument = errors.New("invalid document")

// Node is one node of a ProseMirror document tree.
type Node struct {
	Type    string         `json:"type"`
	Attrs   map[string]any `json:"attrs,omitempty"`
	Content []*Node        `json:"content,omitempty"`
	Text    string         `json:"text,omitempty"`
	Marks   []Mark         `json:"marks,omitempty"`
}

// Mark is inline formatting attached to a text node.
type Mark struct {
	Type  string         `json:"type"`
	Attrs map[string]any `json:"attrs,omitempty"`
}

// Node types that never have content. Everything else, including an
// empty paragraph, counts its two boundary tokens.
var leafTypes = map[string]bool{
	"hardBreak":      true,
	"image":          true,
	"horizontalRule": true,
	"mention":        true,
	"emoji":          true,
}

var inlineTypes = map[string]bool{
	"text":      true,
	"hardBreak": true,
	"image":     true,
	"mention":   true,
	"emoji":     true,
}

// Parse decodes ProseMirror JSON. The root must be a "doc" node.
func Parse(raw []byte) (*Node, error) {
	var root Node
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if root.Type != "doc" {
		return nil, fmt.Errorf("%w: root type %q", ErrInvalidDocument, root.Type)
	}
	return &root, nil
}

// ParseString is Parse for content stored as a JSON string.
func ParseString(raw string) (*Node, error) {
	return Parse([]byte(raw))
}

// FromParagraphs builds a doc with one paragraph per entry.
func FromParagraphs(paragraphs ...string) *Node {
	root := &Node{Type: "doc"}
	for _, p := range paragraphs {
		root.Content = append(root.Content, Paragraph(p))
	}
	return root
}

func Paragraph(text string) *Node {
	p := &Node{Type: "paragraph"}
	if text != "" {
		p.Content = []*Node{{Type: "text", Text: text}}
	}
	return p
}

func (n *Node) MarshalString() (string, error) {
	raw, err := json.Marshal(n)
	if err != nil {
		return "", fmt.Errorf("encode document: %w", err)
	}
	return string(raw), nil
}

func (n *Node) IsText() bool { return n.Type == "text" }

func (n *Node) IsLeaf() bool { return leafTypes[n.Type] }

func (n *Node) IsInline() bool { return inlineTypes[n.Type] }

// IsBlock reports whether n is a block node. The doc root is not a block.
func (n *Node) IsBlock() bool { return n.Type != "doc" && !n.IsInline() }

// IsTextblock reports whether n is a block whose children are inline.
func (n *Node) IsTextblock() bool {
	if !n.IsBlock() || n.IsLeaf() {
		return false
	}
	for _, child := range n.Content {
		if !child.IsInline() {
			return false
		}
	}
	return true
}

// NodeSize is the number of positions the node occupies.
func (n *Node) NodeSize() int {
	switch {
	case n.IsText():
		return utf16Len(n.Text)
	case n.IsLeaf():
		return 1
	default:
		return n.ContentSize() + 2
	}
}

// ContentSize is the size of the node's content. For the doc root this is
// the largest valid position.
func (n *Node) ContentSize() int {
	size := 0
	for _, child := range n.Content {
		size += child.NodeSize()
	}
	return size
}

// Descendants calls fn for every node below n in document order with its
// absolute start position. Returning false skips that node's children.
func (n *Node) Descendants(fn func(node *Node, pos int) bool) {
	n.walk(0, fn)
}

func (n *Node) walk(start int, fn func(node *Node, pos int) bool) {
	pos := start
	for _, child := range n.Content {
		if fn(child, pos) && len(child.Content) > 0 {
			child.walk(pos+1, fn)
		}
		pos += child.NodeSize()
	}
}

// TextContent concatenates all text below n.
func (n *Node) TextContent() string {
	if n.IsText() {
		return n.Text
	}
	var b strings.Builder
	for _, child := range n.Content {
		b.WriteString(child.TextContent())
	}
	return b.String()
}

// PlainText renders the document as text with one line per textblock.
func (n *Node) PlainText() string {
	var lines []string
	n.Descendants(func(node *Node, _ int) bool {
		if node.IsTextblock() {
			lines = append(lines, node.TextContent())
			return false
		}
		return true
	})
	return strings.Join(lines, "\n")
}

func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		n += utf16.RuneLen(r)
	}
	return n
}
