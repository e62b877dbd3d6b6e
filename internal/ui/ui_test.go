package ui

import (
	"strings"
	"testing"
)

func TestRenderPlainWithoutTTY(t *testing.T) {
	// Test runs are never attached to a terminal, so styling is off and
	// every renderer is the identity.
	if ShouldUseColor() {
		t.Skip("running on a TTY")
	}
	for _, s := range []string{"ok", "with spaces", ""} {
		if got := RenderPass(s); got != s {
			t.Errorf("RenderPass(%q) = %q", s, got)
		}
		if got := RenderFail(s); got != s {
			t.Errorf("RenderFail(%q) = %q", s, got)
		}
	}
	if got := RenderMarkdown("# title"); got != "# title" {
		t.Errorf("RenderMarkdown = %q", got)
	}
}

func TestStepIcon(t *testing.T) {
	cases := map[string]string{
		"ok":      IconPass,
		"failed":  IconFail,
		"running": IconRunning,
		"pending": IconSkip,
	}
	for state, want := range cases {
		if got := StepIcon(state); !strings.Contains(got, want) {
			t.Errorf("StepIcon(%q) = %q, want %q", state, got, want)
		}
	}
}

func TestWidthFallback(t *testing.T) {
	if w := Width(72); w <= 0 {
		t.Errorf("Width = %d", w)
	}
}
