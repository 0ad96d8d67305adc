// Package ruleengine provides rule engines for the appsec evaluation
// context: a regex engine with IP, user and country blocklists, and an
// engine backed by Rego policies.
package ruleengine

import (
	"context"
	"fmt"
	"net/http"
	"net/netip"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phemmer/go-iptrie"
	"go.uber.org/zap"

	"github.com/fabriziosalmi/caddy-appsec/appsec"
)

// Built-in rule identifiers for blocklist matches.
const (
	RuleIPBlacklist   = "ip-blacklist"
	RuleUserBlacklist = "user-blacklist"
	RuleCountryBlock  = "country-block"
	RuleAnomalyScore  = "anomaly-threshold"
)

const redacted = "[REDACTED]"

var _ appsec.RuleEngine = (*Engine)(nil)

// ruleset is an immutable snapshot of everything the engine matches on.
type ruleset struct {
	rules         []*Rule
	ipBlacklist   *iptrie.Trie
	userBlacklist map[string]struct{}
	countryBlock  CountryAccessFilter
}

// Engine evaluates regex rules and blocklists. Configuration can be
// swapped while runs are in flight; each run sees one consistent snapshot.
type Engine struct {
	logger *zap.Logger
	cache  *RuleCache
	geoIP  *GeoIPHandler

	anomalyThreshold int
	blockStatusCode  int
	redact           bool

	mu    sync.Mutex // serializes writers
	state atomic.Pointer[ruleset]
}

// Option configures an Engine.
type Option func(*Engine)

// WithAnomalyThreshold blocks once the summed score of matching rules
// reaches threshold. Zero disables scoring.
func WithAnomalyThreshold(threshold int) Option {
	return func(e *Engine) { e.anomalyThreshold = threshold }
}

// WithBlockStatusCode sets the status code requested by block actions.
func WithBlockStatusCode(code int) Option {
	return func(e *Engine) {
		if code > 0 {
			e.blockStatusCode = code
		}
	}
}

// WithRedaction hides matched values in events.
func WithRedaction(enabled bool) Option {
	return func(e *Engine) { e.redact = enabled }
}

// WithGeoIPHandler sets the handler used for country lookups.
func WithGeoIPHandler(h *GeoIPHandler) Option {
	return func(e *Engine) {
		if h != nil {
			e.geoIP = h
		}
	}
}

// NewEngine creates an engine without rules.
func NewEngine(logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		logger:          logger,
		cache:           NewRuleCache(),
		geoIP:           NewGeoIPHandler(logger),
		blockStatusCode: http.StatusForbidden,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.state.Store(&ruleset{})
	return e
}

// update applies fn to a copy of the current snapshot and publishes it.
func (e *Engine) update(fn func(rs *ruleset) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := *e.state.Load()
	if err := fn(&next); err != nil {
		return err
	}
	e.state.Store(&next)
	return nil
}

// CompiledRules are rules ready to be installed with Install.
type CompiledRules struct {
	rules []*Rule
}

// Len returns the number of compiled rules.
func (c *CompiledRules) Len() int { return len(c.rules) }

// CompileRules compiles rules with the engine's regex cache without
// installing them.
func (e *Engine) CompileRules(rules []Rule) (*CompiledRules, error) {
	compiled, err := CompileRules(rules, e.cache)
	if err != nil {
		return nil, err
	}
	return &CompiledRules{rules: compiled}, nil
}

// SetRules compiles and installs rules, replacing the previous ones.
func (e *Engine) SetRules(rules []Rule) error {
	compiled, err := e.CompileRules(rules)
	if err != nil {
		return err
	}
	_ = e.update(func(rs *ruleset) error {
		rs.rules = compiled.rules
		return nil
	})
	e.logger.Info("WAF rules installed", zap.Int("count", compiled.Len()))
	return nil
}

// Install replaces rules and both blacklists in a single snapshot. A nil
// blacklist disables it.
func (e *Engine) Install(rules *CompiledRules, ipBlacklist *iptrie.Trie, userBlacklist map[string]struct{}) {
	if rules == nil {
		rules = &CompiledRules{}
	}
	_ = e.update(func(rs *ruleset) error {
		rs.rules = rules.rules
		rs.ipBlacklist = ipBlacklist
		rs.userBlacklist = userBlacklist
		return nil
	})
	e.logger.Info("WAF rules installed", zap.Int("count", rules.Len()))
}

// SetIPBlacklist installs an IP blacklist.
func (e *Engine) SetIPBlacklist(trie *iptrie.Trie) {
	_ = e.update(func(rs *ruleset) error {
		rs.ipBlacklist = trie
		return nil
	})
}

// SetUserBlacklist installs a user identifier blacklist.
func (e *Engine) SetUserBlacklist(users map[string]struct{}) {
	_ = e.update(func(rs *ruleset) error {
		rs.userBlacklist = users
		return nil
	})
}

// SetCountryBlock installs a country filter, opening its GeoIP database.
func (e *Engine) SetCountryBlock(filter CountryAccessFilter) error {
	if filter.Enabled && filter.geoIP == nil {
		reader, err := e.geoIP.LoadGeoIPDatabase(filter.GeoIPDBPath)
		if err != nil {
			return err
		}
		filter.geoIP = reader
	}
	return e.update(func(rs *ruleset) error {
		rs.countryBlock = filter
		return nil
	})
}

// Rules returns the installed rules in evaluation order.
func (e *Engine) Rules() []Rule {
	rs := e.state.Load()
	out := make([]Rule, 0, len(rs.rules))
	for _, r := range rs.rules {
		out = append(out, *r)
	}
	return out
}

// evaluation accumulates the outcome of one run.
type evaluation struct {
	events []appsec.Event
	score  int
	block  bool
}

func (ev *evaluation) add(event appsec.Event, block bool) {
	ev.events = append(ev.events, event)
	ev.block = ev.block || block
}

// Run evaluates the data against the installed rules. Ephemeral values
// shadow persistent ones. When ctx is done the run stops and reports a
// timed out result.
func (e *Engine) Run(ctx context.Context, persistent, ephemeral appsec.Data) (appsec.Result, error) {
	start := time.Now()
	rs := e.state.Load()

	lookup := func(addr string) (any, bool) {
		if v, ok := ephemeral[addr]; ok {
			return v, true
		}
		v, ok := persistent[addr]
		return v, ok
	}

	var ev evaluation
	e.checkBlocklists(rs, lookup, &ev)

	for _, rule := range rs.rules {
		if ctx.Err() != nil {
			e.logger.Debug("rule evaluation interrupted", zap.String("rule_id", rule.ID))
			return appsec.Result{TimedOut: true, Duration: time.Since(start)}, nil
		}
		e.matchRule(rule, lookup, &ev)
	}

	if e.anomalyThreshold > 0 && ev.score >= e.anomalyThreshold {
		ev.add(appsec.Event{
			RuleID:   RuleAnomalyScore,
			Message:  fmt.Sprintf("anomaly score %d reached threshold %d", ev.score, e.anomalyThreshold),
			Severity: "critical",
		}, true)
	}

	res := appsec.Result{
		Matched:  len(ev.events) > 0,
		Events:   ev.events,
		Duration: time.Since(start),
	}
	if ev.block {
		res.Actions = map[appsec.ActionID]appsec.Parameters{
			appsec.ActionBlockRequest: {
				"status_code": e.blockStatusCode,
				"type":        "auto",
			},
		}
	}
	return res, nil
}

func (e *Engine) checkBlocklists(rs *ruleset, lookup func(string) (any, bool), ev *evaluation) {
	if v, ok := lookup(appsec.HTTPClientIPAddr); ok {
		if ip, _ := v.(string); ip != "" {
			e.checkClientIP(rs, ip, ev)
		}
	}

	if len(rs.userBlacklist) > 0 {
		if v, ok := lookup(appsec.UserIDKey); ok {
			if id, _ := v.(string); id != "" {
				if _, listed := rs.userBlacklist[id]; listed {
					ev.add(appsec.Event{
						RuleID:   RuleUserBlacklist,
						Message:  "user is blacklisted",
						Severity: "high",
						Address:  appsec.UserIDKey,
						Value:    e.value(id),
					}, true)
				}
			}
		}
	}
}

func (e *Engine) checkClientIP(rs *ruleset, ip string, ev *evaluation) {
	if rs.ipBlacklist != nil {
		addr, err := netip.ParseAddr(extractIP(ip))
		if err == nil && rs.ipBlacklist.Contains(addr.Unmap()) {
			ev.add(appsec.Event{
				RuleID:   RuleIPBlacklist,
				Message:  "client IP is blacklisted",
				Severity: "high",
				Address:  appsec.HTTPClientIPAddr,
				Value:    e.value(ip),
			}, true)
		}
	}

	cb := rs.countryBlock
	if !cb.Enabled || cb.geoIP == nil {
		return
	}
	blocked, err := e.geoIP.IsCountryInList(ip, cb.CountryList, cb.geoIP)
	if err != nil {
		e.logger.Debug("country lookup failed", zap.String("ip", ip), zap.Error(err))
		return
	}
	if blocked {
		ev.add(appsec.Event{
			RuleID:   RuleCountryBlock,
			Message:  "client country is blocked",
			Severity: "high",
			Address:  appsec.HTTPClientIPAddr,
			Value:    e.geoIP.GetCountryCode(ip, cb.geoIP),
		}, true)
	}
}

func (e *Engine) matchRule(rule *Rule, lookup func(string) (any, bool), ev *evaluation) {
	for _, t := range rule.targets {
		v, ok := lookup(t.address)
		if !ok {
			continue
		}
		for _, s := range flatten(v, t.key) {
			if !rule.regex.MatchString(s) {
				continue
			}
			ev.score += rule.Score
			ev.add(appsec.Event{
				RuleID:   rule.ID,
				Message:  rule.Description,
				Severity: rule.Severity,
				Address:  t.address,
				Value:    e.value(s),
			}, rule.Action == ModeBlock)
			return
		}
	}
}

func (e *Engine) value(s string) string {
	if e.redact {
		return redacted
	}
	return s
}

// flatten extracts the strings of v, restricted to key when v is a map.
func flatten(v any, key string) []string {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		if key != "" {
			return nil
		}
		return []string{x}
	case []string:
		if key != "" {
			return nil
		}
		return x
	case int:
		if key != "" {
			return nil
		}
		return []string{strconv.Itoa(x)}
	case map[string][]string:
		var out []string
		for _, k := range sortedKeys(x) {
			if key == "" || strings.EqualFold(k, key) {
				out = append(out, x[k]...)
			}
		}
		return out
	case map[string]string:
		var out []string
		for _, k := range sortedKeys(x) {
			if key == "" || strings.EqualFold(k, key) {
				out = append(out, x[k])
			}
		}
		return out
	case map[string]any:
		var out []string
		for _, k := range sortedKeys(x) {
			if key == "" || strings.EqualFold(k, key) {
				out = append(out, flatten(x[k], "")...)
			}
		}
		return out
	case []any:
		var out []string
		for _, item := range x {
			out = append(out, flatten(item, key)...)
		}
		return out
	default:
		if key != "" {
			return nil
		}
		return []string{fmt.Sprint(x)}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
