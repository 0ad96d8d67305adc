package appsec

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fabriziosalmi/caddy-appsec/reactive"
)

// Context is the evaluation boundary of one transaction. It owns a reactive
// engine, runs the rule engine on behalf of gateway subscriptions, and holds
// the blocked flag. A Context must not be reused across transactions.
type Context struct {
	id       string
	parent   context.Context
	waf      RuleEngine
	cfg      Config
	reactive *reactive.Engine
	logger   *zap.Logger
	metrics  *Metrics
	policy   reactive.RefirePolicy
	started  time.Time

	blocked atomic.Bool
	closed  atomic.Bool

	mu      sync.Mutex
	results []Result
	logins  []LoginEvent
}

// ContextOption configures a Context.
type ContextOption func(*Context)

// WithLogger sets the logger of the context and of its reactive engine.
func WithLogger(logger *zap.Logger) ContextOption {
	return func(c *Context) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics sets the metrics the context reports to.
func WithMetrics(m *Metrics) ContextOption {
	return func(c *Context) {
		c.metrics = m
	}
}

// WithRefirePolicy sets the refire policy of the reactive engine.
func WithRefirePolicy(p reactive.RefirePolicy) ContextOption {
	return func(c *Context) {
		c.policy = p
	}
}

// NewContext starts a transaction evaluated by waf. The parent context
// bounds every rule engine run on top of the configured timeout.
func NewContext(parent context.Context, waf RuleEngine, cfg Config, opts ...ContextOption) *Context {
	if parent == nil {
		parent = context.Background()
	}

	c := &Context{
		id:      uuid.New().String(),
		parent:  parent,
		waf:     waf,
		cfg:     cfg.withDefaults(),
		logger:  zap.NewNop(),
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.logger = c.logger.With(zap.String("transaction_id", c.id))
	c.reactive = reactive.NewEngine(
		reactive.WithLogger(c.logger),
		reactive.WithRefirePolicy(c.policy),
	)

	return c
}

// ID returns the transaction identifier.
func (c *Context) ID() string { return c.id }

// Config returns the effective configuration.
func (c *Context) Config() Config { return c.cfg }

// Reactive returns the engine gateways publish to.
func (c *Context) Reactive() *reactive.Engine { return c.reactive }

// Logger returns the transaction logger.
func (c *Context) Logger() *zap.Logger { return c.logger }

// Blocked reports whether a rule engine result requested a mitigation.
func (c *Context) Blocked() bool { return c.blocked.Load() }

// RunWAF runs the rule engine under timeout (the configured WAF timeout
// when zero). Timeouts and engine errors yield a non-matching result; they
// never fail the transaction. Once the context is blocked or closed the
// rule engine is no longer called.
func (c *Context) RunWAF(persistent, ephemeral Data, timeout time.Duration) Result {
	if c.blocked.Load() || c.closed.Load() || c.waf == nil {
		c.metrics.observeRun(OutcomeSkipped, Result{})
		return Result{}
	}
	if timeout <= 0 {
		timeout = c.cfg.WAFTimeout
	}

	ctx, cancel := context.WithTimeout(c.parent, timeout)
	defer cancel()

	start := time.Now()
	res, err := c.waf.Run(ctx, persistent, ephemeral)
	elapsed := time.Since(start)

	switch {
	case err != nil && isTimeout(err), err == nil && res.TimedOut:
		c.logger.Debug("rule engine timed out",
			zap.Duration("timeout", timeout),
			zap.Duration("elapsed", elapsed))
		res = Result{TimedOut: true, Duration: res.Duration, DurationExt: elapsed}
		c.metrics.observeRun(OutcomeTimeout, res)
		return res
	case err != nil:
		c.logger.Error("rule engine failed", zap.Error(err))
		res = Result{DurationExt: elapsed}
		c.metrics.observeRun(OutcomeError, res)
		return res
	}

	res.DurationExt = elapsed
	if !res.Matched {
		c.metrics.observeRun(OutcomeNoMatch, res)
		return res
	}

	c.mu.Lock()
	c.results = append(c.results, res)
	c.mu.Unlock()

	if len(res.Actions) > 0 {
		c.blocked.Store(true)
	}
	c.metrics.observeRun(OutcomeMatch, res)

	return res
}

// Results returns the matching results collected so far.
func (c *Context) Results() []Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Result(nil), c.results...)
}

// Events returns the events of every matching result.
func (c *Context) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	var events []Event
	for _, r := range c.results {
		events = append(events, r.Events...)
	}
	return events
}

// Close ends the transaction. Subscriptions that never became satisfied
// are dropped without firing. Close is idempotent.
func (c *Context) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}

	blocked := c.blocked.Load()
	c.metrics.observeTransaction(blocked)

	c.mu.Lock()
	matches := len(c.results)
	logins := len(c.logins)
	c.mu.Unlock()

	c.logger.Debug("transaction closed",
		zap.Bool("blocked", blocked),
		zap.Int("matches", matches),
		zap.Int("login_events", logins),
		zap.Duration("elapsed", time.Since(c.started)))
}

type contextKey struct{}

// ContextWith returns a copy of ctx carrying c.
func ContextWith(ctx context.Context, c *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

// FromContext returns the Context carried by ctx, if any.
func FromContext(ctx context.Context) (*Context, bool) {
	c, ok := ctx.Value(contextKey{}).(*Context)
	return c, ok && c != nil
}
