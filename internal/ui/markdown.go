package ui

import (
	"github.com/charmbracelet/glamour"
)

// RenderMarkdown renders markdown through glamour, word-wrapped to the
// terminal. Returns the input unchanged when styling is off or rendering
// fails, so callers never need a fallback path.
func RenderMarkdown(markdown string) string {
	if !ShouldUseColor() {
		return markdown
	}

	// Cap at 100 chars for readability - wider lines cause eye-tracking
	// fatigue.
	const maxReadableWidth = 100
	wrapWidth := Width(80)
	if wrapWidth > maxReadableWidth {
		wrapWidth = maxReadableWidth
	}

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(wrapWidth),
	)
	if err != nil {
		return markdown
	}
	rendered, err := renderer.Render(markdown)
	if err != nil {
		return markdown
	}
	return rendered
}
