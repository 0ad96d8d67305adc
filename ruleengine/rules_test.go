package ruleengine

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabriziosalmi/caddy-appsec/appsec"
)

func TestNewRuleCache(t *testing.T) {
	cache := NewRuleCache()
	require.NotNil(t, cache)
	assert.NotNil(t, cache.rules)
}

func TestRuleCache_GetSet(t *testing.T) {
	cache := NewRuleCache()
	testRegex := regexp.MustCompile(`test.*`)

	cache.Set("test.*", testRegex)

	got, exists := cache.Get("test.*")
	assert.True(t, exists)
	assert.Same(t, testRegex, got)

	_, exists = cache.Get("nonexistent")
	assert.False(t, exists)
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		in      string
		want    target
		wantErr bool
	}{
		{in: "ARGS", want: target{address: appsec.ServerRequestQueryAddr}},
		{in: "headers:User-Agent", want: target{address: appsec.ServerRequestHeadersNoCookiesAddr, key: "User-Agent"}},
		{in: " usr.id ", want: target{address: appsec.UserIDKey}},
		{in: "server.request.cookies:session", want: target{address: appsec.ServerRequestCookiesAddr, key: "session"}},
		{in: ":key", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseTarget(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidRule)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCompileRules(t *testing.T) {
	valid := Rule{ID: "sqli", Pattern: `(?i)union\s+select`, Targets: []string{"ARGS"}}

	tests := []struct {
		name  string
		rules []Rule
	}{
		{name: "missing id", rules: []Rule{{Pattern: "x", Targets: []string{"URI"}}}},
		{name: "missing pattern", rules: []Rule{{ID: "a", Targets: []string{"URI"}}}},
		{name: "no targets", rules: []Rule{{ID: "a", Pattern: "x"}}},
		{name: "bad regex", rules: []Rule{{ID: "a", Pattern: "(", Targets: []string{"URI"}}}},
		{name: "unknown mode", rules: []Rule{{ID: "a", Pattern: "x", Targets: []string{"URI"}, Action: "drop"}}},
		{name: "duplicate id", rules: []Rule{valid, valid}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CompileRules(tt.rules, nil)
			assert.ErrorIs(t, err, ErrInvalidRule)
		})
	}
}

func TestCompileRulesOrderAndDefaults(t *testing.T) {
	rules := []Rule{
		{ID: "low", Pattern: "a", Targets: []string{"URI"}, Priority: 1},
		{ID: "high", Pattern: "b", Targets: []string{"URI"}, Priority: 10, Action: "LOG"},
		{ID: "low-2", Pattern: "a", Targets: []string{"URI"}, Priority: 1},
	}
	cache := NewRuleCache()

	compiled, err := CompileRules(rules, cache)
	require.NoError(t, err)

	ids := make([]string, len(compiled))
	for i, r := range compiled {
		ids[i] = r.ID
	}
	assert.Equal(t, []string{"high", "low", "low-2"}, ids)
	assert.Equal(t, ModeLog, compiled[0].Action)
	assert.Equal(t, ModeBlock, compiled[1].Action)
	assert.Same(t, compiled[1].regex, compiled[2].regex, "patterns are compiled once")

	assert.Empty(t, rules[0].Action, "input rules are not modified")
}
