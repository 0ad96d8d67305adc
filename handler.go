package caddyappsec

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/caddyserver/caddy/v2/modules/caddyhttp"

	"github.com/fabriziosalmi/caddy-appsec/appsec"
)

// ServeHTTP evaluates the transaction around next.
func (m *Middleware) ServeHTTP(w http.ResponseWriter, r *http.Request, next caddyhttp.Handler) error {
	clientIP := m.clientIP(r)
	if m.isExempt(clientIP) {
		m.logger.Debug("client is exempt from evaluation", zap.String("client_ip", clientIP))
		return next.ServeHTTP(w, r)
	}

	cfg := m.cfg
	cfg.WAFTimeout = m.timeoutFor(r.Host)

	tx := appsec.NewContext(r.Context(), m.waf, cfg,
		appsec.WithLogger(m.logger),
		appsec.WithMetrics(m.metrics))
	defer tx.Close()

	tx.SubscribeAll(func(res appsec.Result) {
		m.logMatch(tx, r, res)
	})
	r = r.WithContext(appsec.ContextWith(r.Context(), tx))

	if appsec.PublishRequest(tx.Reactive(), appsec.NewRequest(r, clientIP)) {
		return m.blockRequest(w, r, tx)
	}

	if m.UserIDHeader != "" {
		if id := r.Header.Get(m.UserIDHeader); id != "" && tx.SetUser(appsec.User{ID: id}) {
			return m.blockRequest(w, r, tx)
		}
	}

	rec := newResponseRecorder(w)
	if err := next.ServeHTTP(rec, r); err != nil {
		return err
	}

	// Downstream handlers may have blocked through SetUser or TrackLogin.
	if tx.Blocked() {
		return m.blockRequest(w, r, tx)
	}
	if appsec.PublishResponse(tx.Reactive(), appsec.NewResponse(rec.StatusCode(), rec.Header())) {
		return m.blockRequest(w, r, tx)
	}

	m.DebugRequest(r, tx, "transaction allowed")
	return rec.flush()
}

func (m *Middleware) isExempt(clientIP string) bool {
	if m.exempt == nil || clientIP == "" {
		return false
	}
	exempt, ok := m.exempt.Resolve(clientIP)
	return ok && exempt
}

// timeoutFor returns the rule engine timeout for host.
func (m *Middleware) timeoutFor(host string) time.Duration {
	if m.timeouts != nil {
		if d, ok := m.timeouts.Resolve(stripPort(host)); ok {
			return d
		}
	}
	return m.cfg.WAFTimeout
}

func (m *Middleware) logMatch(tx *appsec.Context, r *http.Request, res appsec.Result) {
	for _, ev := range res.Events {
		m.logger.Info("WAF rule matched",
			zap.String("transaction_id", tx.ID()),
			zap.String("rule_id", ev.RuleID),
			zap.String("severity", ev.Severity),
			zap.String("address", ev.Address),
			zap.String("message", ev.Message),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Bool("blocking", res.Blocking()))
	}
}
