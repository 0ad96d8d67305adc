package appsec

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/fabriziosalmi/caddy-appsec/reactive"
)

// Response carries the response attributes inspected by the rule engine.
type Response struct {
	Status  int                 `json:"status" yaml:"status"`
	Headers map[string][]string `json:"headers" yaml:"headers"`
}

// NewResponse builds a Response from a status and header set.
func NewResponse(status int, header http.Header) *Response {
	headers := make(map[string][]string, len(header))
	for name, values := range header {
		headers[strings.ToLower(name)] = values
	}
	return &Response{Status: status, Headers: headers}
}

// PublishResponse publishes the response attributes.
func PublishResponse(e *reactive.Engine, r *Response) bool {
	return publish(e,
		publication{ResponseStatusAddr, r.Status},
		publication{ResponseHeadersAddr, r.Headers},
	)
}

// SubscribeResponse runs the rule engine once status and headers are known.
func SubscribeResponse(e *reactive.Engine, c *Context, onMatch MatchFunc) {
	subscribe(e, c, ComponentResponse, onMatch, func(v reactive.Values) Data {
		headers, _ := v[ResponseHeadersAddr].(map[string][]string)

		status := ""
		switch s := v[ResponseStatusAddr].(type) {
		case int:
			status = strconv.Itoa(s)
		case string:
			status = s
		}

		return Data{
			ServerResponseStatusAddr:           status,
			ServerResponseHeadersAddr:          v[ResponseHeadersAddr],
			ServerResponseHeadersNoCookiesAddr: without(headers, "set-cookie"),
		}
	})
}
