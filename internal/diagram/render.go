package diagram

import "fmt"

// Output formats accepted by Render.
const (
	FormatMermaid = "mermaid"
	FormatASCII   = "ascii"
)

// Render renders model in the named format. An empty format means mermaid.
func Render(model *DiagramModel, format string) (string, error) {
	switch format {
	case "", FormatMermaid:
		return RenderMermaid(model), nil
	case FormatASCII:
		return RenderASCII(model), nil
	default:
		return "", fmt.Errorf("diagram: unknown format %q (want %s or %s)", format, FormatMermaid, FormatASCII)
	}
}
