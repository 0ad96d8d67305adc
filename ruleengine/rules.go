package ruleengine

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/fabriziosalmi/caddy-appsec/appsec"
)

// ErrInvalidRule is returned for rules that cannot be compiled.
var ErrInvalidRule = errors.New("invalid rule")

// Rule modes.
const (
	ModeBlock = "block"
	ModeLog   = "log"
)

// Rule matches a regular expression against rule engine addresses.
//
// A target is a rule engine address ("server.request.query"), optionally
// followed by ":key" to select one entry of a map value
// ("server.request.headers.no_cookies:user-agent"). The short legacy names
// ARGS, URI, HEADERS, COOKIES, METHOD, REMOTE_IP, USER_ID, RESPONSE_STATUS
// and RESPONSE_HEADERS are accepted too.
type Rule struct {
	ID          string   `json:"id" yaml:"id"`
	Pattern     string   `json:"pattern" yaml:"pattern"`
	Targets     []string `json:"targets" yaml:"targets"`
	Severity    string   `json:"severity" yaml:"severity"` // Used for logging only
	Score       int      `json:"score" yaml:"score"`
	Action      string   `json:"mode" yaml:"mode"`
	Description string   `json:"description" yaml:"description"`
	Priority    int      `json:"priority" yaml:"priority"`

	regex   *regexp.Regexp
	targets []target
}

type target struct {
	address string
	key     string
}

var targetAliases = map[string]string{
	"ARGS":             appsec.ServerRequestQueryAddr,
	"URI":              appsec.ServerRequestRawURIAddr,
	"HEADERS":          appsec.ServerRequestHeadersNoCookiesAddr,
	"COOKIES":          appsec.ServerRequestCookiesAddr,
	"METHOD":           appsec.ServerRequestMethodAddr,
	"REMOTE_IP":        appsec.HTTPClientIPAddr,
	"USER_ID":          appsec.UserIDKey,
	"RESPONSE_STATUS":  appsec.ServerResponseStatusAddr,
	"RESPONSE_HEADERS": appsec.ServerResponseHeadersNoCookiesAddr,
}

func parseTarget(s string) (target, error) {
	s = strings.TrimSpace(s)
	addr, key, _ := strings.Cut(s, ":")
	if alias, ok := targetAliases[strings.ToUpper(addr)]; ok {
		addr = alias
	}
	if addr == "" {
		return target{}, fmt.Errorf("%w: empty target %q", ErrInvalidRule, s)
	}
	return target{address: addr, key: key}, nil
}

// RuleCache caches compiled regex patterns by pattern.
type RuleCache struct {
	mu    sync.RWMutex
	rules map[string]*regexp.Regexp
}

// NewRuleCache creates a new RuleCache.
func NewRuleCache() *RuleCache {
	return &RuleCache{
		rules: make(map[string]*regexp.Regexp),
	}
}

// Get retrieves a compiled regex pattern from the cache.
func (rc *RuleCache) Get(pattern string) (*regexp.Regexp, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	regex, exists := rc.rules[pattern]
	return regex, exists
}

// Set stores a compiled regex pattern in the cache.
func (rc *RuleCache) Set(pattern string, regex *regexp.Regexp) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.rules[pattern] = regex
}

// compile validates r and prepares its regex and targets.
func (r *Rule) compile(cache *RuleCache) error {
	if r.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidRule)
	}
	if r.Pattern == "" {
		return fmt.Errorf("%w %s: missing pattern", ErrInvalidRule, r.ID)
	}
	if len(r.Targets) == 0 {
		return fmt.Errorf("%w %s: no targets", ErrInvalidRule, r.ID)
	}

	switch strings.ToLower(r.Action) {
	case "":
		r.Action = ModeBlock
	case ModeBlock, ModeLog:
		r.Action = strings.ToLower(r.Action)
	default:
		return fmt.Errorf("%w %s: unknown mode %q", ErrInvalidRule, r.ID, r.Action)
	}

	regex, ok := cache.Get(r.Pattern)
	if !ok {
		var err error
		regex, err = regexp.Compile(r.Pattern)
		if err != nil {
			return fmt.Errorf("%w %s: %v", ErrInvalidRule, r.ID, err)
		}
		cache.Set(r.Pattern, regex)
	}
	r.regex = regex

	r.targets = make([]target, 0, len(r.Targets))
	for _, t := range r.Targets {
		parsed, err := parseTarget(t)
		if err != nil {
			return fmt.Errorf("rule %s: %w", r.ID, err)
		}
		r.targets = append(r.targets, parsed)
	}
	return nil
}

// CompileRules validates and compiles rules, returning them ordered by
// descending priority. Rule IDs must be unique.
func CompileRules(rules []Rule, cache *RuleCache) ([]*Rule, error) {
	if cache == nil {
		cache = NewRuleCache()
	}

	seen := make(map[string]struct{}, len(rules))
	compiled := make([]*Rule, 0, len(rules))
	for i := range rules {
		r := rules[i]
		if err := r.compile(cache); err != nil {
			return nil, err
		}
		if _, dup := seen[r.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate id %s", ErrInvalidRule, r.ID)
		}
		seen[r.ID] = struct{}{}
		compiled = append(compiled, &r)
	}

	sort.SliceStable(compiled, func(i, j int) bool {
		return compiled[i].Priority > compiled[j].Priority
	})
	return compiled, nil
}
