package rooms

import (
	"strings"

	"github.com/macrat/markdown-board/internal/pages"
)

const maxTitleRunes = 200

// TitleFromText derives a human-readable page title from document content:
// the text of the first block (first line), with markdown heading markers
// stripped. Empty or whitespace-only content yields the sentinel title.
func TitleFromText(text string) string {
	firstLine := text
	if index := strings.IndexByte(text, '\n'); index >= 0 {
		firstLine = text[:index]
	}
	title := strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(firstLine), "#"))
	if title == "" {
		return pages.DefaultTitle
	}
	runes := []rune(title)
	if len(runes) > maxTitleRunes {
		title = string(runes[:maxTitleRunes])
	}
	return title
}
