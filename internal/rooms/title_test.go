package rooms

import (
	"strings"
	"testing"

	"github.com/macrat/markdown-board/internal/pages"
)

func TestTitleFromText(t *testing.T) {
	cases := []struct {
		name string
		text string
		want string
	}{
		{name: "plain first line", text: "Meeting notes\nbody", want: "Meeting notes"},
		{name: "heading marker stripped", text: "# Roadmap\n\n- item", want: "Roadmap"},
		{name: "deep heading", text: "### Subsection", want: "Subsection"},
		{name: "single line", text: "todo", want: "todo"},
		{name: "empty content", text: "", want: pages.DefaultTitle},
		{name: "whitespace only", text: "   \n\nbody", want: pages.DefaultTitle},
		{name: "heading marker only", text: "#\nbody", want: pages.DefaultTitle},
		{name: "leading whitespace", text: "  # Padded  \nbody", want: "Padded"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := TitleFromText(tc.text); got != tc.want {
				t.Fatalf("TitleFromText(%q) = %q, want %q", tc.text, got, tc.want)
			}
		})
	}
}

func TestTitleFromTextTruncatesLongLine(t *testing.T) {
	long := strings.Repeat("x", 500)
	got := TitleFromText(long)
	if len([]rune(got)) != maxTitleRunes {
		t.Fatalf("expected title capped at %d runes, got %d", maxTitleRunes, len([]rune(got)))
	}
}
