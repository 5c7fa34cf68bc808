package symbolizer

import (
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CleanupName drops everything enclosed in (), [] and <> from a symbol name
// and trims trailing colons, e.g. "foo(bar)::baz:" becomes "foo::baz".
//
// Each bracket kind is removed in its own pass, in that order, and a pass
// treats the other kinds as plain text. A closer without an opener is kept.
func CleanupName(name string) string {
	name = removeMatchingBrackets(name, '(', ')')
	name = removeMatchingBrackets(name, '[', ']')
	name = removeMatchingBrackets(name, '<', '>')
	return strings.TrimRight(name, ":")
}

// Brackets are ASCII, so the name is scanned byte by byte and anything else,
// including invalid UTF-8, is copied unchanged.
func removeMatchingBrackets(s string, open, close byte) string {
	var b strings.Builder
	b.Grow(len(s))
	depth := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == open:
			depth++
		case c == close && depth > 0:
			depth--
		case depth == 0:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// NameCache memoizes CleanupName by raw name. It is safe for concurrent use.
// A nil *NameCache computes every name afresh.
type NameCache struct {
	cache *lru.Cache[string, string]
}

func NewNameCache(size int) (*NameCache, error) {
	c, err := lru.New[string, string](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create name cache: %w", err)
	}
	return &NameCache{cache: c}, nil
}

func (c *NameCache) Cleanup(raw string) string {
	if c == nil {
		return CleanupName(raw)
	}
	if name, ok := c.cache.Get(raw); ok {
		return name
	}
	name := CleanupName(raw)
	c.cache.Add(raw, name)
	return name
}
