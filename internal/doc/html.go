package doc

import (
	"fmt"
	"html"
	"strings"
)

// HTML renders the tree as an HTML fragment.
func (n *Node) HTML() string {
	if n == nil {
		return ""
	}
	var b strings.Builder
	n.renderHTML(&b)
	return b.String()
}

func (n *Node) renderHTML(b *strings.Builder) {
	switch n.Type {
	case "doc":
		n.renderChildren(b)
	case "paragraph":
		n.wrap(b, "<p>", "</p>\n")
	case "heading":
		level := n.intAttr("level", 1)
		n.wrap(b, fmt.Sprintf("<h%d>", level), fmt.Sprintf("</h%d>\n", level))
	case "bulletList":
		n.wrap(b, "<ul>\n", "</ul>\n")
	case "orderedList":
		n.wrap(b, "<ol>\n", "</ol>\n")
	case "listItem":
		n.wrap(b, "<li>", "</li>\n")
	case "blockquote":
		n.wrap(b, "<blockquote>\n", "</blockquote>\n")
	case "codeBlock":
		fmt.Fprintf(b, "<pre><code>%s</code></pre>\n", html.EscapeString(n.TextContent()))
	case "table":
		n.wrap(b, "<table>\n", "</table>\n")
	case "tableRow":
		n.wrap(b, "<tr>\n", "</tr>\n")
	case "tableCell":
		n.wrap(b, "<td>", "</td>\n")
	case "tableHeader":
		n.wrap(b, "<th>", "</th>\n")
	case "hardBreak":
		b.WriteString("<br>")
	case "horizontalRule":
		b.WriteString("<hr>\n")
	case "image":
		fmt.Fprintf(b, `<img src="%s" alt="%s">`, html.EscapeString(n.stringAttr("src")), html.EscapeString(n.stringAttr("alt")))
	case "mention":
		fmt.Fprintf(b, `<span class="mention">@%s</span>`, html.EscapeString(n.stringAttr("label")))
	case "text":
		b.WriteString(renderMarks(n.Text, n.Marks))
	default:
		n.renderChildren(b)
	}
}

func (n *Node) wrap(b *strings.Builder, open, close string) {
	b.WriteString(open)
	n.renderChildren(b)
	b.WriteString(close)
}

func (n *Node) renderChildren(b *strings.Builder) {
	for _, child := range n.Content {
		child.renderHTML(b)
	}
}

// renderMarks applies marks from the outside in.
func renderMarks(text string, marks []Mark) string {
	if text == "" {
		return ""
	}
	out := html.EscapeString(text)
	for i := len(marks) - 1; i >= 0; i-- {
		switch marks[i].Type {
		case "bold":
			out = "<strong>" + out + "</strong>"
		case "italic":
			out = "<em>" + out + "</em>"
		case "code":
			out = "<code>" + out + "</code>"
		case "strike":
			out = "<s>" + out + "</s>"
		case "underline":
			out = "<u>" + out + "</u>"
		case "link":
			href, _ := marks[i].Attrs["href"].(string)
			out = fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(href), out)
		}
	}
	return out
}

func (n *Node) stringAttr(key string) string {
	v, _ := n.Attrs[key].(string)
	return v
}

func (n *Node) intAttr(key string, fallback int) int {
	switch v := n.Attrs[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return fallback
}
