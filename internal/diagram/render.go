package diagram

import (
	"context"
	"fmt"
	"strings"
)

// Formats accepted by Render.
const (
	FormatMermaid = "mermaid"
	FormatASCII   = "ascii"
)

// Render renders model in the named format and returns the body together
// with its content type. An empty format selects Mermaid.
func Render(ctx context.Context, model *Model, format string) ([]byte, string, error) {
	switch strings.ToLower(format) {
	case "", FormatMermaid:
		return []byte(RenderMermaid(model)), "text/plain; charset=utf-8", nil
	case FormatASCII:
		return []byte(RenderASCII(model)), "text/plain; charset=utf-8", nil
	case string(FormatPNG):
		data, err := RenderImage(ctx, model, FormatPNG)
		return data, "image/png", err
	case string(FormatSVG):
		data, err := RenderImage(ctx, model, FormatSVG)
		return data, "image/svg+xml", err
	default:
		return nil, "", fmt.Errorf("diagram: unknown format %q", format)
	}
}
