package doc

import (
	"errors"
	"fmt"
	"unicode/utf16"
)

var (
	ErrPositionOutOfRange = errors.New("position out of range")
	ErrCrossBlockRange    = errors.New("range spans more than one textblock")
)

// TextblockAt returns the textblock whose content contains pos together
// with the absolute position where that content starts.
func (n *Node) TextblockAt(pos int) (*Node, int, bool) {
	var (
		found *Node
		start int
	)
	n.Descendants(func(node *Node, nodePos int) bool {
		if found != nil {
			return false
		}
		if node.IsTextblock() {
			contentStart := nodePos + 1
			if pos >= contentStart && pos <= contentStart+node.ContentSize() {
				found, start = node, contentStart
			}
			return false
		}
		return true
	})
	return found, start, found != nil
}

// InsertText inserts text at pos, which must fall inside a textblock.
func (n *Node) InsertText(pos int, text string) error {
	if text == "" {
		return nil
	}
	block, start, ok := n.TextblockAt(pos)
	if !ok {
		return fmt.Errorf("insert at %d: %w", pos, ErrPositionOutOfRange)
	}
	offset := pos - start
	acc := 0
	for i, child := range block.Content {
		size := child.NodeSize()
		if child.IsText() && offset >= acc && offset <= acc+size {
			head, tail := splitUTF16(child.Text, offset-acc)
			child.Text = head + text + tail
			return nil
		}
		if offset == acc {
			block.Content = insertNode(block.Content, i, &Node{Type: "text", Text: text})
			return nil
		}
		acc += size
	}
	block.Content = append(block.Content, &Node{Type: "text", Text: text})
	return nil
}

// DeleteRange removes the content between from and to. Both ends must lie
// in the same textblock.
func (n *Node) DeleteRange(from, to int) error {
	if from > to {
		from, to = to, from
	}
	if from == to {
		return nil
	}
	block, start, ok := n.TextblockAt(from)
	if !ok {
		return fmt.Errorf("delete from %d: %w", from, ErrPositionOutOfRange)
	}
	if to > start+block.ContentSize() {
		return fmt.Errorf("delete %d..%d: %w", from, to, ErrCrossBlockRange)
	}
	a, b := from-start, to-start
	kept := make([]*Node, 0, len(block.Content))
	acc := 0
	for _, child := range block.Content {
		size := child.NodeSize()
		lo, hi := acc, acc+size
		acc = hi
		if hi <= a || lo >= b {
			kept = append(kept, child)
			continue
		}
		if !child.IsText() {
			continue
		}
		head, _ := splitUTF16(child.Text, max(a-lo, 0))
		_, tail := splitUTF16(child.Text, min(b-lo, size))
		if head+tail != "" {
			child.Text = head + tail
			kept = append(kept, child)
		}
	}
	block.Content = kept
	return nil
}

// ReplaceRange deletes from..to and inserts text at from.
func (n *Node) ReplaceRange(from, to int, text string) error {
	if err := n.DeleteRange(from, to); err != nil {
		return err
	}
	return n.InsertText(min(from, to), text)
}

func insertNode(nodes []*Node, i int, node *Node) []*Node {
	nodes = append(nodes, nil)
	copy(nodes[i+1:], nodes[i:])
	nodes[i] = node
	return nodes
}

// splitUTF16 splits s after offset UTF-16 code units.
func splitUTF16(s string, offset int) (string, string) {
	units := 0
	for i, r := range s {
		if units >= offset {
			return s[:i], s[i:]
		}
		units += utf16.RuneLen(r)
	}
	return s, ""
}
