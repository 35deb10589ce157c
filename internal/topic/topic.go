// Package topic decides which post records belong to the feed.
package topic

import (
	"fmt"
	"regexp"
	"strings"
)

// Filter reports whether a record's text is relevant to the feed's topic.
// Implementations must be pure and must not fail: empty or unrecognized
// text is simply not relevant.
type Filter interface {
	IsRelevant(text string) bool
}

// FilterFunc adapts a plain function to Filter.
type FilterFunc func(text string) bool

func (f FilterFunc) IsRelevant(text string) bool { return f(text) }

// Substring matches any text containing token, ignoring case. A token of
// "alf" matches "I love my ALF poster" and also "#alf".
type Substring struct {
	token string
}

// NewSubstring returns a Substring filter for token.
func NewSubstring(token string) (*Substring, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("topic token must not be empty")
	}
	return &Substring{token: strings.ToLower(token)}, nil
}

func (s *Substring) IsRelevant(text string) bool {
	if text == "" {
		return false
	}
	return strings.Contains(strings.ToLower(text), s.token)
}

// Words matches whole words or phrases only, so "alf" does not match
// "half". A leading '#' on a keyword is optional in the text.
type Words struct {
	pattern *regexp.Regexp
}

// NewWords compiles a word-boundary matcher over keywords.
func NewWords(keywords ...string) (*Words, error) {
	escaped := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.TrimPrefix(strings.TrimSpace(kw), "#")
		if kw == "" {
			continue
		}
		escaped = append(escaped, regexp.QuoteMeta(kw))
	}
	if len(escaped) == 0 {
		return nil, fmt.Errorf("at least one keyword is required")
	}

	expr := `(?i)(?:^|[^\pL\pN_])#?(?:` + strings.Join(escaped, "|") + `)(?:$|[^\pL\pN_])`
	pattern, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("compile keyword pattern: %w", err)
	}
	return &Words{pattern: pattern}, nil
}

func (w *Words) IsRelevant(text string) bool {
	return w.pattern.MatchString(text)
}

// Match modes accepted by New.
const (
	MatchSubstring = "substring"
	MatchWord      = "word"
)

// New builds the filter for a configured token and match mode. A token may
// list several comma separated keywords in word mode.
func New(token, mode string) (Filter, error) {
	switch mode {
	case "", MatchSubstring:
		return NewSubstring(token)
	case MatchWord:
		return NewWords(strings.Split(token, ",")...)
	default:
		return nil, fmt.Errorf("unknown topic match mode %q", mode)
	}
}
