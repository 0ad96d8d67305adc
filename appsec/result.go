package appsec

import (
	"context"
	"errors"
	"time"
)

// ActionID identifies a mitigation requested by the rule engine.
type ActionID string

// Well-known actions.
const (
	ActionBlockRequest ActionID = "block_request"
	ActionRedirect     ActionID = "redirect_request"
)

// Parameters holds the parameters of an action, e.g. "status_code".
type Parameters map[string]any

// Event describes one rule match.
type Event struct {
	RuleID   string `json:"rule_id" yaml:"rule_id"`
	Message  string `json:"message,omitempty" yaml:"message,omitempty"`
	Severity string `json:"severity,omitempty" yaml:"severity,omitempty"`
	Address  string `json:"address,omitempty" yaml:"address,omitempty"`
	Value    string `json:"value,omitempty" yaml:"value,omitempty"`
}

// Result is the verdict returned by a RuleEngine for one run.
type Result struct {
	Matched  bool                    `json:"matched"`
	Events   []Event                 `json:"events,omitempty"`
	Actions  map[ActionID]Parameters `json:"actions,omitempty"`
	TimedOut bool                    `json:"timed_out"`
	// Duration is the time spent inside the rule engine.
	Duration time.Duration `json:"duration"`
	// DurationExt is the wall time of the run, measured by the Context.
	DurationExt time.Duration `json:"duration_ext"`
}

// Blocking reports whether the result carries a mitigating action.
func (r Result) Blocking() bool {
	return r.Matched && len(r.Actions) > 0
}

// StatusCode returns the status code requested by a block or redirect
// action, or fallback when none is set.
func (r Result) StatusCode(fallback int) int {
	for _, id := range []ActionID{ActionBlockRequest, ActionRedirect} {
		params, ok := r.Actions[id]
		if !ok {
			continue
		}
		switch v := params["status_code"].(type) {
		case int:
			return v
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
	}
	return fallback
}

// Data is a rule engine input bag keyed by rule engine address.
type Data map[string]any

// RuleEngine evaluates data against security rules. Implementations must
// honor ctx: once it is done they return promptly, either with a result
// flagged TimedOut or with an error wrapping ctx.Err() or ErrTimeout.
type RuleEngine interface {
	Run(ctx context.Context, persistent, ephemeral Data) (Result, error)
}

// RuleEngineFunc adapts a function to RuleEngine.
type RuleEngineFunc func(ctx context.Context, persistent, ephemeral Data) (Result, error)

// Run calls f.
func (f RuleEngineFunc) Run(ctx context.Context, persistent, ephemeral Data) (Result, error) {
	return f(ctx, persistent, ephemeral)
}

// ErrTimeout is returned by rule engines that ran out of time budget.
var ErrTimeout = errors.New("rule engine timed out")

func isTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}
