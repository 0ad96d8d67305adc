package caddyappsec

import (
	"net/http"

	"github.com/fabriziosalmi/caddy-appsec/ruleengine"
)

const (
	localIP   = "127.0.0.1"
	officeIP  = "10.1.2.3"
	blockedIP = "203.0.113.7"
	testURL   = "http://example.com"
)

var customResponse = map[int]CustomBlockResponse{
	403: {
		StatusCode: http.StatusForbidden,
		Body:       "Access Denied",
	},
}

var testRules = []ruleengine.Rule{
	{
		ID:          "sqli",
		Pattern:     `(?i)union\s+select`,
		Targets:     []string{"ARGS"},
		Severity:    "critical",
		Score:       10,
		Description: "SQL injection",
	},
	{
		ID:          "leak",
		Pattern:     `^5\d\d$`,
		Targets:     []string{"RESPONSE_STATUS"},
		Severity:    "medium",
		Score:       1,
		Action:      "block",
		Description: "Server error disclosure",
	},
	{
		ID:          "scanner",
		Pattern:     `(?i)nikto`,
		Targets:     []string{"HEADERS:user-agent"},
		Severity:    "low",
		Score:       1,
		Action:      "log",
		Description: "Scanner",
	},
}
