package configuration

import (
	"fmt"
	"net/netip"
	"strings"
	"sync"

	"github.com/phemmer/go-iptrie"
)

// ParsePrefix parses a CIDR or a single IP address, the latter as a host
// prefix (/32 or /128).
func ParsePrefix(matcher string) (netip.Prefix, error) {
	s := strings.TrimSpace(matcher)
	if !strings.Contains(s, "/") {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("%w: %q: %v", ErrInvalidMatcher, matcher, err)
		}
		addr = addr.Unmap()
		return netip.PrefixFrom(addr, addr.BitLen()), nil
	}

	prefix, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("%w: %q: %v", ErrInvalidMatcher, matcher, err)
	}
	return prefix.Masked(), nil
}

// NetworkResolver matches IP addresses against CIDR matchers. Resolve
// selects the most specific matching network; adding the same network twice
// keeps the latest value. It is safe for concurrent use.
type NetworkResolver[V any] struct {
	mu     sync.RWMutex
	trie   *iptrie.Trie
	values map[netip.Prefix]V
}

// NewNetworkResolver creates an empty NetworkResolver.
func NewNetworkResolver[V any]() *NetworkResolver[V] {
	return &NetworkResolver[V]{
		trie:   iptrie.NewTrie(),
		values: make(map[netip.Prefix]V),
	}
}

// Add stores value under the network described by matcher.
func (r *NetworkResolver[V]) Add(matcher string, value V) error {
	prefix, err := ParsePrefix(matcher)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.values[prefix]; !exists {
		r.trie.Insert(prefix, prefix)
	}
	r.values[prefix] = value
	return nil
}

// Get returns the value stored under exactly the network of matcher.
func (r *NetworkResolver[V]) Get(matcher string) (V, bool) {
	var zero V
	prefix, err := ParsePrefix(matcher)
	if err != nil {
		return zero, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.values[prefix]
	return v, ok
}

// Resolve returns the value of the most specific network containing ip.
func (r *NetworkResolver[V]) Resolve(ip string) (V, bool) {
	var zero V
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return zero, false
	}
	addr = addr.Unmap()

	r.mu.RLock()
	defer r.mu.RUnlock()
	found, ok := r.trie.Find(addr).(netip.Prefix)
	if !ok {
		return zero, false
	}
	v, ok := r.values[found]
	return v, ok
}
