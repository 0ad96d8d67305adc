// Package configuration resolves integration-specific matchers to the
// configuration associated with them.
//
// A Resolver stores values under matchers with Add and retrieves them with
// Get; both transform the matcher through the same parse step. Resolve
// matches an arbitrary input against the stored matchers. The default
// MapResolver does not parse the input of Resolve: it only hits for inputs
// already shaped like a parsed matcher. PatternResolver and NetworkResolver
// provide richer matching. CachedResolver memoizes Resolve in a bounded FIFO
// cache.
package configuration

import (
	"errors"
	"sync"
)

// ErrInvalidMatcher is returned when a matcher cannot be parsed.
var ErrInvalidMatcher = errors.New("invalid matcher")

// Resolver associates matchers with values.
type Resolver[K comparable, V any] interface {
	// Add stores value under matcher. When several matchers would match the
	// same input, Resolve returns the latest added one.
	Add(matcher K, value V) error
	// Get returns the value previously stored under matcher.
	Get(matcher K) (V, bool)
	// Resolve matches value against the stored matchers.
	Resolve(value K) (V, bool)
}

// ParseFunc converts a matcher into its storage key.
type ParseFunc[K comparable] func(matcher K) (K, error)

// Identity is the default ParseFunc.
func Identity[K comparable](matcher K) (K, error) {
	return matcher, nil
}

// MapResolver is an exact-match Resolver. It is safe for concurrent use.
type MapResolver[K comparable, V any] struct {
	mu      sync.RWMutex
	parse   ParseFunc[K]
	entries map[K]V
}

// NewMapResolver creates a MapResolver. A nil parse means Identity.
func NewMapResolver[K comparable, V any](parse ParseFunc[K]) *MapResolver[K, V] {
	if parse == nil {
		parse = Identity[K]
	}
	return &MapResolver[K, V]{
		parse:   parse,
		entries: make(map[K]V),
	}
}

// Add stores value under the parsed matcher, replacing any previous value.
func (r *MapResolver[K, V]) Add(matcher K, value V) error {
	key, err := r.parse(matcher)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key] = value
	return nil
}

// Get looks up the parsed matcher.
func (r *MapResolver[K, V]) Get(matcher K) (V, bool) {
	key, err := r.parse(matcher)
	if err != nil {
		var zero V
		return zero, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.entries[key]
	return v, ok
}

// Resolve looks up value as is, without parsing it.
func (r *MapResolver[K, V]) Resolve(value K) (V, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.entries[value]
	return v, ok
}

// Len returns the number of stored matchers.
func (r *MapResolver[K, V]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
