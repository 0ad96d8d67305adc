package configuration

import (
	"fmt"
	"strings"
	"sync"

	"github.com/gobwas/glob"
)

type patternEntry[V any] struct {
	pattern string
	glob    glob.Glob
	value   V
}

// PatternResolver matches strings against glob patterns such as
// "*.example.com" or "/api/**". Matching is case-insensitive. When several
// patterns match, the latest added wins. It is safe for concurrent use.
type PatternResolver[V any] struct {
	mu         sync.RWMutex
	separators []rune
	entries    []patternEntry[V]
}

// NewPatternResolver creates a PatternResolver. Separators restrict "*" to a
// single segment, e.g. '.' for host names or '/' for paths.
func NewPatternResolver[V any](separators ...rune) *PatternResolver[V] {
	return &PatternResolver[V]{separators: separators}
}

func normalizePattern(p string) string {
	return strings.ToLower(strings.TrimSpace(p))
}

// Add compiles pattern and stores value under it. Re-adding a pattern
// replaces its value and makes it the latest added.
func (r *PatternResolver[V]) Add(pattern string, value V) error {
	p := normalizePattern(pattern)
	if p == "" {
		return fmt.Errorf("%w: empty pattern", ErrInvalidMatcher)
	}
	g, err := glob.Compile(p, r.separators...)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidMatcher, pattern, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i, e := range r.entries {
		if e.pattern == p {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			break
		}
	}
	r.entries = append(r.entries, patternEntry[V]{pattern: p, glob: g, value: value})
	return nil
}

// Get returns the value stored under pattern.
func (r *PatternResolver[V]) Get(pattern string) (V, bool) {
	p := normalizePattern(pattern)

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.pattern == p {
			return e.value, true
		}
	}
	var zero V
	return zero, false
}

// Resolve returns the value of the latest added pattern matching value.
func (r *PatternResolver[V]) Resolve(value string) (V, bool) {
	v := strings.ToLower(value)

	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := len(r.entries) - 1; i >= 0; i-- {
		if r.entries[i].glob.Match(v) {
			return r.entries[i].value, true
		}
	}
	var zero V
	return zero, false
}
