package diagram

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const maxErrorWidth = 40

var statusTags = map[string]string{
	StatusCompleted: "[OK]",
	StatusFailed:    "[FAIL]",
	StatusRunning:   "[RUN]",
	StatusCancelled: "[STOP]",
	StatusSkipped:   "[SKIP]",
	StatusPending:   "[PEND]",
}

// RenderASCII renders the model as a single column of boxes, one per level,
// joined by arrows. Loop bodies are listed under their loop box and declared
// connections are listed after the column.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder
	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	var column []*Node
	for _, level := range model.Levels {
		for _, id := range level {
			if n := findNode(model.Nodes, id); n != nil {
				column = append(column, n)
			}
		}
	}

	boxes := make([][]string, len(column))
	inner := 0
	for i, n := range column {
		boxes[i] = boxContent(n)
		for _, line := range boxes[i] {
			inner = max(inner, utf8.RuneCountInString(line))
		}
	}

	center := strings.Repeat(" ", (inner+4)/2)
	for i, n := range column {
		writeBox(&b, boxes[i], inner)
		for _, sg := range n.Children {
			writeBody(&b, n.ID, sg)
		}
		if i < len(column)-1 {
			b.WriteString(center + "│\n")
			b.WriteString(center + "▼\n")
		}
	}

	if links := connectionEdges(model.Edges); len(links) > 0 {
		b.WriteString("\n--- links ---\n")
		for _, e := range links {
			fmt.Fprintf(&b, "  %s ┈→ %s\n", e.From, e.To)
		}
	}
	return b.String()
}

// boxContent is the text shown inside a node's box: the label, the kind for
// step nodes, then the overlay.
func boxContent(n *Node) []string {
	title := firstLine(n.Label)
	if n.Status != nil {
		if tag := statusTags[n.Status.Status]; tag != "" {
			title += " " + tag
		}
	}
	lines := []string{title}
	if n.Kind != NodeKindStart && n.Kind != NodeKindEnd {
		kind := "<" + string(n.Kind) + ">"
		if i := strings.Index(n.Label, "\n"); i >= 0 {
			kind += " " + n.Label[i+1:]
		}
		lines = append(lines, kind)
	}
	if n.Status != nil {
		if suffix := strings.TrimSpace(overlaySuffix(n.Status)); suffix != "" {
			lines = append(lines, suffix)
		}
		if n.Status.Error != "" {
			lines = append(lines, truncate(n.Status.Error, maxErrorWidth))
		}
	}
	return lines
}

func writeBox(b *strings.Builder, lines []string, inner int) {
	b.WriteString("┌" + strings.Repeat("─", inner+2) + "┐\n")
	for _, line := range lines {
		pad := inner - utf8.RuneCountInString(line)
		b.WriteString("│ " + line + strings.Repeat(" ", pad) + " │\n")
	}
	b.WriteString("└" + strings.Repeat("─", inner+2) + "┘\n")
}

// writeBody lists a loop body under its box, in execution order.
func writeBody(b *strings.Builder, parent string, sg *SubGraph) {
	fmt.Fprintf(b, "  %s %s:\n", parent, sg.Label)
	for i, n := range sg.Nodes {
		branch := "├─"
		if i == len(sg.Nodes)-1 {
			branch = "└─"
		}
		fmt.Fprintf(b, "  %s %s <%s>\n", branch, firstLine(n.Label), n.Kind)
	}
	if len(sg.Edges) > 0 {
		order := make([]string, 0, len(sg.Nodes))
		for _, n := range sg.Nodes {
			order = append(order, shortID(n.ID))
		}
		fmt.Fprintf(b, "     %s\n", strings.Join(order, " ─→ "))
	}
}

func firstLine(s string) string {
	if i := strings.Index(s, "\n"); i >= 0 {
		return s[:i]
	}
	return s
}

// shortID strips the parent.namespace. prefix of a sub-step id.
func shortID(id string) string {
	if i := strings.LastIndex(id, "."); i >= 0 {
		return id[i+1:]
	}
	return id
}

func connectionEdges(edges []Edge) []Edge {
	var out []Edge
	for _, e := range edges {
		if e.Kind == EdgeConnection {
			out = append(out, e)
		}
	}
	return out
}

// truncate shortens s to at most n runes, marking the cut with "...".
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func findNode(nodes []*Node, id string) *Node {
	for _, n := range nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
