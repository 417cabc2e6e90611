package respond

import (
	"bytes"

	"github.com/pkg/errors"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/renderer/html"
)

// renderer converts the conversational reply for web chat clients. Hard
// wraps matter: the templates use single newlines as line breaks.
var renderer = goldmark.New(
	goldmark.WithRendererOptions(html.WithHardWraps()),
)

// RenderHTML converts the plain conversational text to HTML. Messaging
// clients use the plain text as is; web clients may request this variant.
func RenderHTML(text string) (string, error) {
	var buf bytes.Buffer
	if err := renderer.Convert([]byte(text), &buf); err != nil {
		return "", errors.Wrap(err, "render response html")
	}
	return buf.String(), nil
}
