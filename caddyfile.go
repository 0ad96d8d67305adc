package caddyappsec

import (
	"strconv"
	"strings"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
)

// UnmarshalCaddyfile sets up the handler from Caddyfile tokens:
//
//	appsec {
//	    rule_file <path>
//	    rego_file <path>
//	    ip_blacklist_file <path>
//	    user_blacklist_file <path>
//	    geoip_db_path <path>
//	    country_block <code...>
//	    anomaly_threshold <score>
//	    waf_timeout <duration>
//	    site_timeout <host-glob> <duration>
//	    exempt_network <cidr...>
//	    track_user_events [identification|anonymization]
//	    user_id_header <header>
//	    custom_response <status> <content-type> <body>
//	    redact_sensitive_data
//	    log_severity <debug|info|warn|error>
//	    watch_rules
//	}
func (m *Middleware) UnmarshalCaddyfile(d *caddyfile.Dispenser) error {
	d.Next() // consume directive name
	if d.NextArg() {
		return d.ArgErr()
	}

	for d.NextBlock(0) {
		directive := d.Val()
		switch directive {
		case "rule_file", "rego_file", "ip_blacklist_file", "user_blacklist_file",
			"geoip_db_path", "user_id_header", "log_severity":
			if !d.NextArg() {
				return d.ArgErr()
			}
			m.setString(directive, d.Val())

		case "country_block":
			codes := d.RemainingArgs()
			if len(codes) == 0 {
				return d.ArgErr()
			}
			m.CountryBlock.Enabled = true
			for _, c := range codes {
				m.CountryBlock.CountryList = append(m.CountryBlock.CountryList, strings.ToUpper(c))
			}

		case "anomaly_threshold":
			if !d.NextArg() {
				return d.ArgErr()
			}
			threshold, err := strconv.Atoi(d.Val())
			if err != nil {
				return d.Errf("invalid anomaly_threshold %q: %v", d.Val(), err)
			}
			m.AnomalyThreshold = threshold

		case "waf_timeout":
			if !d.NextArg() {
				return d.ArgErr()
			}
			dur, err := caddy.ParseDuration(d.Val())
			if err != nil {
				return d.Errf("invalid waf_timeout %q: %v", d.Val(), err)
			}
			m.WAFTimeout = caddy.Duration(dur)

		case "site_timeout":
			args := d.RemainingArgs()
			if len(args) != 2 {
				return d.ArgErr()
			}
			dur, err := caddy.ParseDuration(args[1])
			if err != nil {
				return d.Errf("invalid site_timeout %q: %v", args[1], err)
			}
			m.SiteTimeouts = append(m.SiteTimeouts, SiteTimeout{Host: args[0], Timeout: caddy.Duration(dur)})

		case "exempt_network":
			networks := d.RemainingArgs()
			if len(networks) == 0 {
				return d.ArgErr()
			}
			m.ExemptNetworks = append(m.ExemptNetworks, networks...)

		case "track_user_events":
			m.TrackUserEvents = true
			if d.NextArg() {
				m.UserEventsMode = d.Val()
			}

		case "custom_response":
			args := d.RemainingArgs()
			if len(args) != 3 {
				return d.ArgErr()
			}
			status, err := strconv.Atoi(args[0])
			if err != nil {
				return d.Errf("invalid status code %q: %v", args[0], err)
			}
			if m.CustomResponses == nil {
				m.CustomResponses = make(map[int]CustomBlockResponse)
			}
			m.CustomResponses[status] = CustomBlockResponse{
				StatusCode: status,
				Headers:    map[string]string{"Content-Type": args[1]},
				Body:       args[2],
			}

		case "redact_sensitive_data":
			m.RedactSensitiveData = true

		case "watch_rules":
			m.WatchRules = true

		default:
			return d.Errf("unrecognized subdirective: %s", directive)
		}
	}
	return nil
}

func (m *Middleware) setString(directive, value string) {
	switch directive {
	case "rule_file":
		m.RuleFiles = append(m.RuleFiles, value)
	case "rego_file":
		m.RegoFiles = append(m.RegoFiles, value)
	case "ip_blacklist_file":
		m.IPBlacklistFile = value
	case "user_blacklist_file":
		m.UserBlacklistFile = value
	case "geoip_db_path":
		m.CountryBlock.GeoIPDBPath = value
	case "user_id_header":
		m.UserIDHeader = value
	case "log_severity":
		m.LogSeverity = strings.ToLower(value)
	}
}
