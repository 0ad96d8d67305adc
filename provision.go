package caddyappsec

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/phemmer/go-iptrie"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/caddyserver/caddy/v2"

	"github.com/fabriziosalmi/caddy-appsec/appsec"
	"github.com/fabriziosalmi/caddy-appsec/configuration"
	"github.com/fabriziosalmi/caddy-appsec/ruleengine"
)

const metricsNamespace = "caddy"

// Provision sets up the rule engines, resolvers and metrics.
func (m *Middleware) Provision(ctx caddy.Context) error {
	m.logger = ctx.Logger()
	if m.LogSeverity != "" {
		level, err := zapcore.ParseLevel(m.LogSeverity)
		if err != nil {
			return fmt.Errorf("invalid log_severity: %w", err)
		}
		m.logger = m.logger.WithOptions(zap.IncreaseLevel(level))
	}

	m.metrics = appsec.NewMetrics(metricsNamespace)
	if err := m.metrics.Register(ctx.GetMetricsRegistry()); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	return m.setup()
}

// setup builds the handler state once logger and metrics are set.
func (m *Middleware) setup() error {
	m.cfg = m.config()

	if err := m.provisionResolvers(); err != nil {
		return err
	}

	m.engine = ruleengine.NewEngine(m.logger.Named("rules"),
		ruleengine.WithAnomalyThreshold(m.AnomalyThreshold),
		ruleengine.WithBlockStatusCode(http.StatusForbidden),
		ruleengine.WithRedaction(m.RedactSensitiveData),
	)
	m.rego = ruleengine.NewRegoEngine(m.logger.Named("rego"))
	m.waf = m.engine
	if len(m.RegoFiles) > 0 {
		m.waf = ruleengine.NewChain(m.logger.Named("chain"), m.engine, m.rego)
	}

	if err := m.engine.SetCountryBlock(m.CountryBlock); err != nil {
		return fmt.Errorf("failed to set up country block: %w", err)
	}
	if err := m.reload(); err != nil {
		return err
	}

	if m.WatchRules {
		if err := m.startWatcher(); err != nil {
			return err
		}
	}

	m.logger.Info("appsec middleware provisioned",
		zap.Strings("rule_files", m.RuleFiles),
		zap.Strings("rego_files", m.RegoFiles),
		zap.Int("anomaly_threshold", m.AnomalyThreshold),
		zap.Duration("waf_timeout", m.cfg.WAFTimeout),
		zap.Int("exempt_networks", len(m.ExemptNetworks)),
		zap.Bool("watch_rules", m.WatchRules))
	return nil
}

func (m *Middleware) config() appsec.Config {
	return appsec.Config{
		WAFTimeout:      time.Duration(m.WAFTimeout),
		TrackUserEvents: m.TrackUserEvents,
		UserEventsMode:  appsec.UserEventsMode(m.UserEventsMode),
	}
}

func (m *Middleware) provisionResolvers() error {
	networks := configuration.NewNetworkResolver[bool]()
	for _, n := range m.ExemptNetworks {
		if err := networks.Add(n, true); err != nil {
			return fmt.Errorf("invalid exempt_network %q: %w", n, err)
		}
	}
	m.exempt = configuration.NewCachedResolver[string, bool](networks, 0)

	hosts := configuration.NewPatternResolver[time.Duration]('.')
	for _, st := range m.SiteTimeouts {
		if err := hosts.Add(st.Host, time.Duration(st.Timeout)); err != nil {
			return fmt.Errorf("invalid site_timeout host %q: %w", st.Host, err)
		}
	}
	m.timeouts = configuration.NewCachedResolver[string, time.Duration](hosts, 0)
	return nil
}

// reload loads rule, blacklist and policy files into the engines. Every
// file is loaded and compiled before anything is installed, so the engines
// keep their previous configuration when any of them fails.
func (m *Middleware) reload() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rules, err := ruleengine.LoadRules(m.RuleFiles...)
	if err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}
	compiled, err := m.engine.CompileRules(rules)
	if err != nil {
		return fmt.Errorf("failed to compile rules: %w", err)
	}

	var policies []ruleengine.Policy
	if len(m.RegoFiles) > 0 {
		if policies, err = ruleengine.LoadPolicyFiles(m.RegoFiles...); err != nil {
			return err
		}
	}
	prepared, err := m.rego.PreparePolicies(context.Background(), policies)
	if err != nil {
		return err
	}

	var ipBlacklist *iptrie.Trie
	if m.IPBlacklistFile != "" {
		trie, invalid, err := ruleengine.LoadIPBlacklist(m.IPBlacklistFile)
		if err != nil {
			return err
		}
		if invalid > 0 {
			m.logger.Warn("skipped invalid IP blacklist entries",
				zap.String("file", m.IPBlacklistFile),
				zap.Int("invalid", invalid))
		}
		ipBlacklist = trie
	}

	var userBlacklist map[string]struct{}
	if m.UserBlacklistFile != "" {
		if userBlacklist, err = ruleengine.LoadUserBlacklist(m.UserBlacklistFile); err != nil {
			return err
		}
	}

	m.engine.Install(compiled, ipBlacklist, userBlacklist)
	m.rego.Install(prepared)
	return nil
}

func (m *Middleware) watchedFiles() []string {
	files := append([]string(nil), m.RuleFiles...)
	files = append(files, m.RegoFiles...)
	for _, f := range []string{m.IPBlacklistFile, m.UserBlacklistFile} {
		if f != "" {
			files = append(files, f)
		}
	}
	return files
}

func (m *Middleware) startWatcher() error {
	w, err := ruleengine.NewWatcher(m.logger.Named("watcher"), m.watchedFiles(), 0, m.reload)
	if err != nil {
		return fmt.Errorf("failed to watch rule files: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.watcher, m.cancel = w, cancel
	go w.Run(ctx)
	return nil
}

// Validate checks the handler configuration.
func (m *Middleware) Validate() error {
	if m.AnomalyThreshold < 0 {
		return fmt.Errorf("anomaly_threshold must not be negative")
	}
	if err := m.config().Validate(); err != nil {
		return err
	}
	for status := range m.CustomResponses {
		if status < 100 || status > 599 {
			return fmt.Errorf("invalid custom response status code %d", status)
		}
	}
	for _, st := range m.SiteTimeouts {
		if st.Timeout <= 0 {
			return fmt.Errorf("site_timeout for %q must be positive", st.Host)
		}
	}
	return nil
}

// Cleanup stops the rule file watcher.
func (m *Middleware) Cleanup() error {
	if m.cancel != nil {
		m.cancel()
	}
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}
