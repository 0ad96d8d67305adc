package caddyappsec

import (
	"net"
	"net/http"

	"github.com/caddyserver/caddy/v2/modules/caddyhttp"

	"github.com/fabriziosalmi/caddy-appsec/appsec"
)

// extractIP extracts the IP address from a remote address string.
func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr // Assume the input is already an IP address
	}
	return host
}

// stripPort removes the port of a Host header value.
func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

// clientIP prefers the address Caddy resolved through trusted proxies.
func (m *Middleware) clientIP(r *http.Request) string {
	if ip, ok := caddyhttp.GetVar(r.Context(), caddyhttp.ClientIPVarKey).(string); ok && ip != "" {
		return ip
	}
	return extractIP(r.RemoteAddr)
}

// SetUser associates the authenticated user id with the transaction of r.
// It returns true when the transaction is blocked; the handler should then
// stop and return, the block response is written by the middleware.
func SetUser(r *http.Request, id string) bool {
	tx, ok := appsec.FromContext(r.Context())
	if !ok {
		return false
	}
	return tx.SetUser(appsec.User{ID: id})
}

// TrackLogin records an authentication attempt on the transaction of r.
// It returns true when the transaction is blocked.
func TrackLogin(r *http.Request, ev appsec.LoginEvent) bool {
	tx, ok := appsec.FromContext(r.Context())
	if !ok {
		return false
	}
	return tx.TrackLogin(ev)
}
