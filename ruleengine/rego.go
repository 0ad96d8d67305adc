package ruleengine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"go.uber.org/zap"

	"github.com/fabriziosalmi/caddy-appsec/appsec"
)

// RegoQuery is evaluated against every run. Policies declare their
// violations in a deny set under package appsec.
const RegoQuery = "data.appsec.deny"

var _ appsec.RuleEngine = (*RegoEngine)(nil)

// Policy is a Rego module.
type Policy struct {
	Name string
	Rego string
}

// RegoEngine evaluates Rego policies. The input document holds every
// address of the run, keyed by address name. Each element of the deny set
// becomes an event; elements may be strings or objects with message,
// rule_id, severity and block fields. Violations block unless block is
// false.
type RegoEngine struct {
	logger     *zap.Logger
	statusCode int

	mu       sync.RWMutex
	policies []Policy
	query    *rego.PreparedEvalQuery
}

// NewRegoEngine creates an engine with no policies.
func NewRegoEngine(logger *zap.Logger) *RegoEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RegoEngine{logger: logger, statusCode: http.StatusForbidden}
}

// LoadPolicyFiles reads Rego modules from paths.
func LoadPolicyFiles(paths ...string) ([]Policy, error) {
	policies := make([]Policy, 0, len(paths))
	for _, path := range paths {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read policy %s: %w", path, err)
		}
		policies = append(policies, Policy{Name: filepath.Base(path), Rego: string(content)})
	}
	return policies, nil
}

// PreparedPolicies are compiled policies ready to be installed with
// Install.
type PreparedPolicies struct {
	policies []Policy
	query    *rego.PreparedEvalQuery
}

// PreparePolicies parses and compiles policies without installing them.
// Empty policies prepare an empty set.
func (e *RegoEngine) PreparePolicies(ctx context.Context, policies []Policy) (*PreparedPolicies, error) {
	if len(policies) == 0 {
		return &PreparedPolicies{}, nil
	}

	opts := []func(*rego.Rego){rego.Query(RegoQuery)}
	for _, p := range policies {
		if _, err := ast.ParseModule(p.Name, p.Rego); err != nil {
			return nil, fmt.Errorf("failed to parse policy %s: %w", p.Name, err)
		}
		opts = append(opts, rego.Module(p.Name, p.Rego))
	}

	query, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}
	return &PreparedPolicies{policies: policies, query: &query}, nil
}

// Install replaces the installed policies. A nil set clears them.
func (e *RegoEngine) Install(p *PreparedPolicies) {
	if p == nil {
		p = &PreparedPolicies{}
	}
	e.mu.Lock()
	e.policies, e.query = p.policies, p.query
	e.mu.Unlock()

	if len(p.policies) > 0 {
		e.logger.Info("Rego policies installed", zap.Int("count", len(p.policies)))
	}
}

// SetPolicies compiles and installs policies. On error the previous
// policies remain in place.
func (e *RegoEngine) SetPolicies(ctx context.Context, policies []Policy) error {
	prepared, err := e.PreparePolicies(ctx, policies)
	if err != nil {
		return err
	}
	e.Install(prepared)
	return nil
}

// Policies returns the installed policies.
func (e *RegoEngine) Policies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Policy(nil), e.policies...)
}

// Run evaluates the installed policies.
func (e *RegoEngine) Run(ctx context.Context, persistent, ephemeral appsec.Data) (appsec.Result, error) {
	start := time.Now()

	e.mu.RLock()
	query := e.query
	e.mu.RUnlock()
	if query == nil {
		return appsec.Result{}, nil
	}

	input := make(map[string]any, len(persistent)+len(ephemeral))
	for k, v := range persistent {
		input[k] = normalize(v)
	}
	for k, v := range ephemeral {
		input[k] = normalize(v)
	}

	if ctx.Err() != nil {
		return appsec.Result{TimedOut: true}, nil
	}
	rs, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return appsec.Result{TimedOut: true, Duration: time.Since(start)}, nil
		}
		return appsec.Result{}, fmt.Errorf("policy evaluation error: %w", err)
	}

	var (
		events []appsec.Event
		block  bool
	)
	for _, r := range rs {
		if len(r.Expressions) == 0 {
			continue
		}
		denySet, ok := r.Expressions[0].Value.([]any)
		if !ok {
			continue
		}
		for _, d := range denySet {
			ev, b := violation(d)
			events = append(events, ev)
			block = block || b
		}
	}

	res := appsec.Result{
		Matched:  len(events) > 0,
		Events:   events,
		Duration: time.Since(start),
	}
	if block {
		res.Actions = map[appsec.ActionID]appsec.Parameters{
			appsec.ActionBlockRequest: {"status_code": e.statusCode, "type": "auto"},
		}
	}
	return res, nil
}

func violation(d any) (appsec.Event, bool) {
	ev := appsec.Event{RuleID: "rego"}
	block := true
	switch v := d.(type) {
	case string:
		ev.Message = v
	case map[string]any:
		if msg, ok := v["message"].(string); ok {
			ev.Message = msg
		}
		if id, ok := v["rule_id"].(string); ok {
			ev.RuleID = id
		}
		if sev, ok := v["severity"].(string); ok {
			ev.Severity = sev
		}
		if b, ok := v["block"].(bool); ok {
			block = b
		}
	default:
		ev.Message = fmt.Sprintf("%v", v)
	}
	return ev, block
}

// normalize converts address values into types the Rego input accepts.
func normalize(v any) any {
	switch x := v.(type) {
	case map[string][]string:
		out := make(map[string]any, len(x))
		for k, vs := range x {
			items := make([]any, len(vs))
			for i, s := range vs {
				items[i] = s
			}
			out[k] = items
		}
		return out
	case []string:
		items := make([]any, len(x))
		for i, s := range x {
			items[i] = s
		}
		return items
	case map[string]string:
		out := make(map[string]any, len(x))
		for k, s := range x {
			out[k] = s
		}
		return out
	default:
		return v
	}
}

// Chain runs engines in order and merges their results. The chain stops
// at the first blocking result. A timeout is reported only when nothing
// matched before it. An engine that fails is logged and skipped, so the
// matches of the others are kept; the chain only returns an error when
// every engine it ran failed and nothing matched.
type Chain struct {
	logger  *zap.Logger
	engines []appsec.RuleEngine
}

var _ appsec.RuleEngine = (*Chain)(nil)

// NewChain creates a chain over engines.
func NewChain(logger *zap.Logger, engines ...appsec.RuleEngine) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chain{logger: logger, engines: engines}
}

// Run implements appsec.RuleEngine.
func (c *Chain) Run(ctx context.Context, persistent, ephemeral appsec.Data) (appsec.Result, error) {
	var (
		merged   appsec.Result
		timedOut bool
		errs     []error
		ran      int
	)
	for i, engine := range c.engines {
		if ctx.Err() != nil {
			timedOut = true
			break
		}
		ran++
		res, err := engine.Run(ctx, persistent, ephemeral)
		if err != nil {
			if ctx.Err() != nil {
				timedOut = true
				break
			}
			c.logger.Error("rule engine in chain failed", zap.Int("engine", i), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		merged.Duration += res.Duration
		if res.TimedOut {
			timedOut = true
			break
		}
		if !res.Matched {
			continue
		}
		merged.Matched = true
		merged.Events = append(merged.Events, res.Events...)
		if len(res.Actions) > 0 {
			merged.Actions = res.Actions
			break
		}
	}
	if !merged.Matched && !timedOut && len(errs) > 0 && len(errs) == ran {
		return appsec.Result{}, errors.Join(errs...)
	}
	merged.TimedOut = timedOut && !merged.Matched
	return merged, nil
}
