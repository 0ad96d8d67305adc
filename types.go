package caddyappsec

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"

	"github.com/fabriziosalmi/caddy-appsec/appsec"
	"github.com/fabriziosalmi/caddy-appsec/configuration"
	"github.com/fabriziosalmi/caddy-appsec/ruleengine"
)

var (
	_ caddy.Module                = (*Middleware)(nil)
	_ caddy.Provisioner           = (*Middleware)(nil)
	_ caddy.Validator             = (*Middleware)(nil)
	_ caddy.CleanerUpper          = (*Middleware)(nil)
	_ caddyhttp.MiddlewareHandler = (*Middleware)(nil)
	_ caddyfile.Unmarshaler       = (*Middleware)(nil)
)

func init() {
	caddy.RegisterModule(&Middleware{})
	httpcaddyfile.RegisterHandlerDirective("appsec", parseCaddyfile)
	httpcaddyfile.RegisterDirectiveOrder("appsec", httpcaddyfile.Before, "basic_auth")
}

// CustomBlockResponse replaces the default body of blocked responses
// with the matching status code.
type CustomBlockResponse struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       string            `json:"body"`
}

// SiteTimeout overrides the rule engine timeout for hosts matching a glob.
type SiteTimeout struct {
	Host    string         `json:"host"`
	Timeout caddy.Duration `json:"timeout"`
}

// Middleware evaluates every HTTP transaction in its own appsec.Context.
// Request attributes are published before the next handler runs; the
// response is buffered and published before it is written, so a rule
// can still replace it with a block response.
type Middleware struct {
	RuleFiles         []string                       `json:"rule_files,omitempty"`
	RegoFiles         []string                       `json:"rego_files,omitempty"`
	IPBlacklistFile   string                         `json:"ip_blacklist_file,omitempty"`
	UserBlacklistFile string                         `json:"user_blacklist_file,omitempty"`
	CountryBlock      ruleengine.CountryAccessFilter `json:"country_block,omitempty"`
	AnomalyThreshold  int                            `json:"anomaly_threshold,omitempty"`

	WAFTimeout      caddy.Duration `json:"waf_timeout,omitempty"`
	SiteTimeouts    []SiteTimeout  `json:"site_timeouts,omitempty"`
	ExemptNetworks  []string       `json:"exempt_networks,omitempty"`
	TrackUserEvents bool           `json:"track_user_events,omitempty"`
	UserEventsMode  string         `json:"user_events_mode,omitempty"`
	UserIDHeader    string         `json:"user_id_header,omitempty"`

	CustomResponses     map[int]CustomBlockResponse `json:"custom_responses,omitempty"`
	RedactSensitiveData bool                        `json:"redact_sensitive_data,omitempty"`
	LogSeverity         string                      `json:"log_severity,omitempty"`
	WatchRules          bool                        `json:"watch_rules,omitempty"`

	logger   *zap.Logger
	cfg      appsec.Config
	engine   *ruleengine.Engine
	rego     *ruleengine.RegoEngine
	waf      appsec.RuleEngine
	metrics  *appsec.Metrics
	exempt   *configuration.CachedResolver[string, bool]
	timeouts *configuration.CachedResolver[string, time.Duration]

	mu      sync.Mutex // guards reloads
	watcher *ruleengine.Watcher
	cancel  context.CancelFunc
}

// CaddyModule returns the Caddy module information.
func (*Middleware) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.appsec",
		New: func() caddy.Module { return new(Middleware) },
	}
}

func parseCaddyfile(h httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
	var m Middleware
	err := m.UnmarshalCaddyfile(h.Dispenser)
	return &m, err
}
