package appsec

import (
	"net/http"
	"strings"

	"github.com/fabriziosalmi/caddy-appsec/reactive"
)

// Request carries the request attributes inspected by the rule engine.
// Header names are lower case.
type Request struct {
	Method   string              `json:"method" yaml:"method"`
	RawURI   string              `json:"uri" yaml:"uri"`
	Headers  map[string][]string `json:"headers" yaml:"headers"`
	Query    map[string][]string `json:"query" yaml:"query"`
	Cookies  map[string][]string `json:"cookies" yaml:"cookies"`
	ClientIP string              `json:"client_ip" yaml:"client_ip"`
}

// NewRequest extracts a Request from r. clientIP is resolved by the caller.
func NewRequest(r *http.Request, clientIP string) *Request {
	headers := make(map[string][]string, len(r.Header)+1)
	for name, values := range r.Header {
		headers[strings.ToLower(name)] = values
	}
	if r.Host != "" {
		headers["host"] = []string{r.Host}
	}

	cookies := make(map[string][]string)
	for _, c := range r.Cookies() {
		cookies[c.Name] = append(cookies[c.Name], c.Value)
	}

	return &Request{
		Method:   r.Method,
		RawURI:   r.URL.RequestURI(),
		Headers:  headers,
		Query:    r.URL.Query(),
		Cookies:  cookies,
		ClientIP: clientIP,
	}
}

// PublishRequest publishes the request attributes. It returns true when a
// subscription blocked the transaction.
func PublishRequest(e *reactive.Engine, r *Request) bool {
	return publish(e,
		publication{RequestQueryAddr, r.Query},
		publication{RequestHeadersAddr, r.Headers},
		publication{RequestURIRawAddr, r.RawURI},
		publication{RequestCookiesAddr, r.Cookies},
		publication{RequestClientIPAddr, r.ClientIP},
		publication{RequestMethodAddr, r.Method},
	)
}

// SubscribeRequest runs the rule engine once all request attributes are known.
func SubscribeRequest(e *reactive.Engine, c *Context, onMatch MatchFunc) {
	subscribe(e, c, ComponentRequest, onMatch, func(v reactive.Values) Data {
		headers, _ := v[RequestHeadersAddr].(map[string][]string)

		return Data{
			ServerRequestCookiesAddr:          v[RequestCookiesAddr],
			ServerRequestQueryAddr:            v[RequestQueryAddr],
			ServerRequestRawURIAddr:           v[RequestURIRawAddr],
			ServerRequestHeadersAddr:          v[RequestHeadersAddr],
			ServerRequestHeadersNoCookiesAddr: without(headers, "cookie"),
			HTTPClientIPAddr:                  v[RequestClientIPAddr],
			ServerRequestMethodAddr:           v[RequestMethodAddr],
		}
	})
}
