package caddyappsec

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fabriziosalmi/caddy-appsec/appsec"
)

// DebugRequest logs the outcome of a transaction at debug level.
func (m *Middleware) DebugRequest(r *http.Request, tx *appsec.Context, msg string) {
	if ce := m.logger.Check(zapcore.DebugLevel, "WAF DEBUG: "+msg); ce != nil {
		var ruleIDs, severities []string
		for _, ev := range tx.Events() {
			ruleIDs = append(ruleIDs, ev.RuleID)
			severities = append(severities, fmt.Sprintf("%s:%s", ev.RuleID, ev.Severity))
		}

		ce.Write(
			zap.String("transaction_id", tx.ID()),
			zap.String("remote_addr", r.RemoteAddr),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("query", r.URL.RawQuery),
			zap.Duration("waf_timeout", tx.Config().WAFTimeout),
			zap.Int("anomaly_threshold", m.AnomalyThreshold),
			zap.Bool("blocked", tx.Blocked()),
			zap.String("matched_rules", strings.Join(ruleIDs, ",")),
			zap.String("rule_severities", strings.Join(severities, ",")),
		)
	}
}

// DumpRulesToFile dumps the installed rules to a file for inspection.
func (m *Middleware) DumpRulesToFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return m.engine.DumpRules(f)
}
