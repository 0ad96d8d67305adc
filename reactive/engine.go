// Package reactive correlates values published at different points of a
// transaction and dispatches subscriptions once every address they require
// is known.
//
// An Engine belongs to exactly one transaction. Subscriptions are registered
// up front and fired in registration order; a callback may return Block to
// stop the dispatch of the remaining subscriptions and of every later publish.
package reactive

import (
	"fmt"
	"reflect"
	"sync"

	"go.uber.org/zap"
)

// Address names one piece of transaction data, e.g. "request.headers".
type Address string

// Values maps the addresses of a subscription to their current values.
type Values map[Address]any

// Signal is returned by a callback to continue or stop the dispatch.
type Signal int

const (
	// Continue lets the dispatch carry on with the next subscription.
	Continue Signal = iota
	// Block stops the dispatch; no further callback fires on this engine.
	Block
)

// String returns a readable name for the signal.
func (s Signal) String() string {
	switch s {
	case Continue:
		return "continue"
	case Block:
		return "block"
	default:
		return fmt.Sprintf("signal(%d)", int(s))
	}
}

// Callback reacts to a fully satisfied subscription.
// A returned error is logged and treated as "no result".
type Callback func(values Values) (Signal, error)

// RefirePolicy decides what happens when an address of an already fired
// subscription is published again.
type RefirePolicy int

const (
	// FireOnce never fires a subscription twice in the same transaction.
	FireOnce RefirePolicy = iota
	// FireOnChange re-arms a fired subscription when one of its addresses is
	// republished with a different value, so it fires again with the fresh
	// values. Republishing an equal value is ignored.
	FireOnChange
)

type subscription struct {
	addresses []Address
	callback  Callback
	fired     bool
}

func (s *subscription) satisfied(data Values) bool {
	for _, addr := range s.addresses {
		if _, ok := data[addr]; !ok {
			return false
		}
	}
	return true
}

// Engine holds the values published in one transaction and the
// subscriptions waiting on them. It is safe for concurrent use.
type Engine struct {
	mu      sync.Mutex
	data    Values
	subs    []*subscription
	byAddr  map[Address][]*subscription
	blocked bool

	policy RefirePolicy
	logger *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used to report failing callbacks.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithRefirePolicy sets the behaviour on republished addresses.
func WithRefirePolicy(p RefirePolicy) Option {
	return func(e *Engine) {
		e.policy = p
	}
}

// NewEngine creates an empty engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		data:   make(Values),
		byAddr: make(map[Address][]*subscription),
		policy: FireOnce,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Subscribe registers callback for the given addresses. Duplicate addresses
// are collapsed; a subscription without addresses never fires.
//
// A subscription registered after some of its addresses were published is
// evaluated on the next publish of one of its addresses.
func (e *Engine) Subscribe(addresses []Address, callback Callback) {
	if callback == nil {
		return
	}

	seen := make(map[Address]struct{}, len(addresses))
	addrs := make([]Address, 0, len(addresses))
	for _, addr := range addresses {
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		addrs = append(addrs, addr)
	}

	if len(addrs) == 0 {
		e.logger.Debug("ignoring subscription without addresses")
		return
	}

	sub := &subscription{addresses: addrs, callback: callback}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.subs = append(e.subs, sub)
	for _, addr := range addrs {
		e.byAddr[addr] = append(e.byAddr[addr], sub)
	}
}

// pending is a subscription selected for dispatch with a snapshot of its values.
type pending struct {
	sub    *subscription
	values Values
}

// Publish records value for address and fires every subscription it
// completes, in registration order. It returns Block when a callback asked
// to block, now or during an earlier publish.
//
// Once blocked, values are still recorded but nothing is dispatched.
func (e *Engine) Publish(address Address, value any) Signal {
	e.mu.Lock()
	old, had := e.data[address]
	changed := !had || !reflect.DeepEqual(old, value)
	e.data[address] = value
	if e.blocked {
		e.mu.Unlock()
		return Block
	}

	var ready []pending
	for _, sub := range e.byAddr[address] {
		if sub.fired {
			if e.policy != FireOnChange || !changed {
				continue
			}
			sub.fired = false
		}
		if !sub.satisfied(e.data) {
			continue
		}
		sub.fired = true

		values := make(Values, len(sub.addresses))
		for _, addr := range sub.addresses {
			values[addr] = e.data[addr]
		}
		ready = append(ready, pending{sub: sub, values: values})
	}
	e.mu.Unlock()

	for _, p := range ready {
		if e.dispatch(p) == Block {
			e.mu.Lock()
			e.blocked = true
			e.mu.Unlock()
			return Block
		}
	}

	return Continue
}

// dispatch runs one callback, containing errors and panics.
func (e *Engine) dispatch(p pending) (sig Signal) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("subscription callback panicked",
				zap.Any("addresses", p.sub.addresses),
				zap.Any("panic", r))
			sig = Continue
		}
	}()

	sig, err := p.sub.callback(p.values)
	if err != nil {
		e.logger.Error("subscription callback failed",
			zap.Any("addresses", p.sub.addresses),
			zap.Error(err))
		return Continue
	}
	return sig
}

// Blocked reports whether a callback has blocked this engine.
func (e *Engine) Blocked() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.blocked
}

// Value returns the latest value published for address.
func (e *Engine) Value(address Address) (any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.data[address]
	return v, ok
}
