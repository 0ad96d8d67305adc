// Package caddyappsec provides application security monitoring as a Caddy
// HTTP handler.
//
// Module ID: http.handlers.appsec
//
// Every HTTP transaction gets its own evaluation context. Request
// attributes, the authenticated user, login events and the response are
// published to the context as they become known, and the rule engine runs
// as soon as the addresses a gateway needs are all present. A blocking
// result stops the transaction and the middleware answers with the
// requested status code or a configured custom response.
//
// Installation:
//
//	xcaddy build --with github.com/fabriziosalmi/caddy-appsec
//
// Basic usage in Caddyfile:
//
//	appsec {
//	    rule_file rules.json
//	    ip_blacklist_file blacklist.txt
//	    anomaly_threshold 10
//	    waf_timeout 5ms
//	}
//
// Downstream handlers report the authenticated user with SetUser and
// authentication attempts with TrackLogin.
package caddyappsec
