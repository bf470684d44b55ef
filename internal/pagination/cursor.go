// Package pagination implements opaque keyset cursors over (timestamp, id)
// ordered listings.
package pagination

import (
	"encoding/base64"
	"errors"
	"strings"
	"time"
)

// Cursor is the position of the last item of a page.
type Cursor struct {
	LastID    string
	Timestamp time.Time
}

// Before reports whether an item sorts after the cursor in a newest-first
// listing ordered by timestamp then id, both descending.
func (c *Cursor) Before(id string, ts time.Time) bool {
	if c == nil {
		return true
	}
	if !ts.Equal(c.Timestamp) {
		return ts.Before(c.Timestamp)
	}
	return id < c.LastID
}

// PageResult is one page of a listing.
type PageResult[T any] struct {
	Items   []T    `json:"items"`
	Cursor  string `json:"cursor,omitempty"`
	HasMore bool   `json:"has_more"`
}

var ErrInvalidCursor = errors.New("invalid cursor format")

func EncodeCursor(lastID string, timestamp time.Time) string {
	if lastID == "" {
		return ""
	}
	raw := timestamp.UTC().Format(time.RFC3339Nano) + "|" + lastID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor returns nil for an empty cursor.
func DecodeCursor(cursor string) (*Cursor, error) {
	if cursor == "" {
		return nil, nil
	}

	decoded, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, ErrInvalidCursor
	}

	ts, id, ok := strings.Cut(string(decoded), "|")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	timestamp, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, ErrInvalidCursor
	}

	return &Cursor{LastID: id, Timestamp: timestamp}, nil
}

// Page trims items fetched with limit+1 to limit and sets the next cursor
// when more remain.
func Page[T any](items []T, limit int, getID func(T) string, getTimestamp func(T) time.Time) PageResult[T] {
	page := PageResult[T]{Items: items}
	if page.Items == nil {
		page.Items = []T{}
	}
	if limit > 0 && len(items) > limit {
		page.Items = items[:limit]
		page.HasMore = true
		last := page.Items[limit-1]
		page.Cursor = EncodeCursor(getID(last), getTimestamp(last))
	}
	return page
}
