package respond

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderHTML(t *testing.T) {
	html, err := RenderHTML("Found 1 business:\n\n1. **Kumar Fabricators**, Chennai\n   Turnover: ₹2.5 Cr")
	require.NoError(t, err)

	assert.Contains(t, html, "<strong>Kumar Fabricators</strong>")
	assert.Contains(t, html, "₹2.5 Cr")
}

func TestRenderHTMLHardWraps(t *testing.T) {
	html, err := RenderHTML("line one\nline two")
	require.NoError(t, err)

	assert.Contains(t, html, "<br")
}

func TestRenderHTMLEmpty(t *testing.T) {
	html, err := RenderHTML("")
	require.NoError(t, err)
	assert.NotContains(t, html, "<strong>")
}
