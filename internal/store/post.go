package store

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MaxLimit bounds the page size of Query regardless of what callers ask for.
const MaxLimit = 100

// ErrUnavailable wraps every failure of the underlying database.
var ErrUnavailable = errors.New("post store unavailable")

// Post is one indexed record.
type Post struct {
	// URI is the AT-URI of the record and the unique key of the table.
	URI string

	// CID is the content id of the record version that was indexed.
	CID string

	// IndexedAt is stamped by the store when the row is written. Callers
	// leave it zero.
	IndexedAt time.Time
}

// Cursor is a position in the (indexedAt desc, uri desc) ordering. A cursor
// with an empty URI selects rows strictly older than IndexedAt.
type Cursor struct {
	IndexedAt time.Time
	URI       string
}

// String encodes the cursor as "<unix millis>" or "<unix millis>::<uri>".
func (c Cursor) String() string {
	millis := strconv.FormatInt(c.IndexedAt.UnixMilli(), 10)
	if c.URI == "" {
		return millis
	}
	return millis + "::" + c.URI
}

// ParseCursor is the inverse of Cursor.String.
func ParseCursor(s string) (Cursor, error) {
	millisPart, uri, _ := strings.Cut(s, "::")
	millis, err := strconv.ParseInt(millisPart, 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("invalid cursor timestamp %q: %w", millisPart, err)
	}
	if millis < 0 {
		return Cursor{}, fmt.Errorf("invalid cursor timestamp %q: negative", millisPart)
	}
	return Cursor{IndexedAt: time.UnixMilli(millis).UTC(), URI: uri}, nil
}

// QueryParams selects one page of the feed.
type QueryParams struct {
	// Before restricts the page to rows after this position. Nil starts at
	// the newest row.
	Before *Cursor

	// Limit is clamped to [1, MaxLimit]; zero means MaxLimit.
	Limit int
}

// Page is the result of Query.
type Page struct {
	Posts []Post

	// Next is the position of the last returned row, nil when the page is
	// empty.
	Next *Cursor
}

// URIs returns the post URIs of the page in order.
func (p *Page) URIs() []string {
	uris := make([]string, len(p.Posts))
	for i, post := range p.Posts {
		uris[i] = post.URI
	}
	return uris
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > MaxLimit {
		return MaxLimit
	}
	return limit
}
