package cursor

import (
	"quill/collab/internal/doc"
	"quill/collab/internal/protocol"
)

// Resolve maps a (line, column) coordinate onto an absolute position.
// Lines count block nodes below the root in document order, nested
// blocks included. The column is clamped to the block's content.
func Resolve(root *doc.Node, p protocol.Position) (int, bool) {
	if root == nil || p.Line < 0 {
		return 0, false
	}
	column := max(p.Column, 0)
	line := 0
	resolved, found := 0, false
	root.Descendants(func(n *doc.Node, pos int) bool {
		if found {
			return false
		}
		if !n.IsBlock() {
			return true
		}
		if line == p.Line {
			resolved = pos + 1 + min(column, n.ContentSize())
			found = true
			return false
		}
		line++
		return true
	})
	return resolved, found
}

// Locate is the inverse of Resolve: it reports the innermost block that
// contains pos and the offset of pos within it.
func Locate(root *doc.Node, pos int) (protocol.Position, bool) {
	if root == nil || pos < 0 || pos > root.ContentSize() {
		return protocol.Position{}, false
	}
	line := 0
	var (
		best  protocol.Position
		found bool
	)
	root.Descendants(func(n *doc.Node, start int) bool {
		if !n.IsBlock() {
			return false
		}
		contentStart := start + 1
		if pos >= contentStart && pos <= contentStart+n.ContentSize() {
			best = protocol.Position{Line: line, Column: pos - contentStart}
			found = true
		}
		line++
		return true
	})
	return best, found
}
