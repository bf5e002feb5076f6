package pages

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultTitle is the sentinel title for pages without extractable content.
const DefaultTitle = "Untitled"

const maxIdentifierLength = 190

var (
	// ErrInvalidPageID indicates that a page identifier is empty or exceeds storage bounds.
	ErrInvalidPageID = errors.New("pages: invalid page id")
	// ErrPageNotFound indicates that no catalog row exists for the identifier.
	ErrPageNotFound = errors.New("pages: page not found")
)

// PageID represents a validated page identifier. It doubles as the room and
// document name on the sync side.
type PageID string

// NewPageID validates raw input and returns a PageID.
func NewPageID(rawInput string) (PageID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPageID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidPageID, maxIdentifierLength)
	}
	return PageID(trimmed), nil
}

// String returns the underlying string identifier.
func (id PageID) String() string {
	return string(id)
}

// Page models a catalog row. Timestamps are epoch milliseconds; ArchivedAt is
// nil while the page is active.
type Page struct {
	ID               string `gorm:"column:id;primaryKey;size:190;not null"`
	Title            string `gorm:"column:title;size:500;not null;default:''"`
	CreatedAtMillis  int64  `gorm:"column:created_at;not null"`
	UpdatedAtMillis  int64  `gorm:"column:updated_at;not null;index:idx_pages_updated"`
	ArchivedAtMillis *int64 `gorm:"column:archived_at;index:idx_pages_archived"`
}

// TableName provides the explicit table binding for GORM.
func (Page) TableName() string {
	return "pages"
}

// Archived reports whether the page is in the archived state.
func (p Page) Archived() bool {
	return p.ArchivedAtMillis != nil
}
