package diagram

import (
	"fmt"
	"strings"
)

// mermaidShapes maps a node kind to the open and close brackets of its
// Mermaid shape. Unknown kinds render as a plain box.
var mermaidShapes = map[NodeKind][2]string{
	NodeKindCondition: {"{", "}"},
	NodeKindScript:    {"{{", "}}"},
	NodeKindDelay:     {"([", "])"},
	NodeKindWebhook:   {"[/", "/]"},
	NodeKindLoop:      {"[[", "]]"},
	NodeKindStart:     {"((", "))"},
	NodeKindEnd:       {"((", "))"},
}

// mermaidPalette is emitted as classDef lines, in this order.
var mermaidPalette = [][2]string{
	{StatusCompleted, "fill:#2d6a2d,stroke:#1a4a1a,color:#fff"},
	{StatusFailed, "fill:#8b1a1a,stroke:#5c0e0e,color:#fff"},
	{StatusRunning, "fill:#1a5276,stroke:#0e3a52,color:#fff"},
	{StatusCancelled, "fill:#b7791a,stroke:#8a5c14,color:#fff"},
	{StatusPending, "fill:#6b6b6b,stroke:#4a4a4a,color:#fff"},
	{StatusSkipped, "fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5"},
}

var mermaidIDReplacer = strings.NewReplacer(".", "_", "-", "_", " ", "_")

// RenderMermaid renders model as a top-down Mermaid flowchart. Nodes with
// an overlay status get the matching class.
func RenderMermaid(model *DiagramModel) string {
	w := &mermaidWriter{}
	w.line(0, "graph TD")
	if model.Title != "" {
		w.line(1, "%%%% %s", model.Title)
	}

	for _, node := range model.Nodes {
		w.node(1, node)
		for _, sg := range node.Children {
			w.line(1, "subgraph %s[%q]", mermaidID(node.ID+"_"+sg.Label), node.ID+": "+sg.Label)
			for _, child := range sg.Nodes {
				w.node(2, child)
			}
			for _, e := range sg.Edges {
				w.edge(2, e)
			}
			w.line(1, "end")
		}
	}
	for _, e := range model.Edges {
		w.edge(1, e)
	}

	w.b.WriteString("\n")
	for _, c := range mermaidPalette {
		w.line(1, "classDef %s %s", c[0], c[1])
	}
	for _, node := range model.Nodes {
		if node.Status != nil && node.Status.Status != "" {
			w.line(1, "class %s %s", mermaidID(node.ID), node.Status.Status)
		}
	}
	return w.b.String()
}

type mermaidWriter struct {
	b strings.Builder
}

func (w *mermaidWriter) line(depth int, format string, args ...any) {
	w.b.WriteString(strings.Repeat("    ", depth))
	fmt.Fprintf(&w.b, format, args...)
	w.b.WriteByte('\n')
}

func (w *mermaidWriter) node(depth int, n *Node) {
	shape, ok := mermaidShapes[n.Kind]
	if !ok {
		shape = [2]string{"[", "]"}
	}
	label := firstLine(n.Label) + overlaySuffix(n.Status)
	w.line(depth, "%s%s%q%s", mermaidID(n.ID), shape[0], label, shape[1])
}

// edge draws sequence edges solid and declared connections dotted.
func (w *mermaidWriter) edge(depth int, e Edge) {
	arrow := "-->"
	if e.Kind == EdgeConnection {
		arrow = "-.->"
	}
	if e.Label != "" {
		arrow += "|" + e.Label + "|"
	}
	w.line(depth, "%s %s %s", mermaidID(e.From), arrow, mermaidID(e.To))
}

// overlaySuffix appends a condition outcome or a loop iteration count.
func overlaySuffix(ov *StatusOverlay) string {
	switch {
	case ov == nil:
		return ""
	case ov.Condition != nil:
		return fmt.Sprintf(" = %t", *ov.Condition)
	case ov.Iterations > 0:
		return fmt.Sprintf(" x%d", ov.Iterations)
	}
	return ""
}

func mermaidID(id string) string { return mermaidIDReplacer.Replace(id) }
