package appsec

import "github.com/fabriziosalmi/caddy-appsec/reactive"

// Gateway addresses, published by adapters as data becomes available.
const (
	RequestHeadersAddr  reactive.Address = "request.headers"
	RequestURIRawAddr   reactive.Address = "request.uri.raw"
	RequestQueryAddr    reactive.Address = "request.query"
	RequestCookiesAddr  reactive.Address = "request.cookies"
	RequestClientIPAddr reactive.Address = "request.client_ip"
	RequestMethodAddr   reactive.Address = "server.request.method"
	ResponseStatusAddr  reactive.Address = "response.status"
	ResponseHeadersAddr reactive.Address = "response.headers"
	UserIDAddr          reactive.Address = "usr.id"
	UserLoginEventAddr  reactive.Address = "usr.login.event"
)

// Rule engine input keys.
const (
	ServerRequestCookiesAddr           = "server.request.cookies"
	ServerRequestQueryAddr             = "server.request.query"
	ServerRequestRawURIAddr            = "server.request.uri.raw"
	ServerRequestHeadersAddr           = "server.request.headers"
	ServerRequestHeadersNoCookiesAddr  = "server.request.headers.no_cookies"
	ServerRequestMethodAddr            = "server.request.method"
	HTTPClientIPAddr                   = "http.client_ip"
	ServerResponseStatusAddr           = "server.response.status"
	ServerResponseHeadersAddr          = "server.response.headers"
	ServerResponseHeadersNoCookiesAddr = "server.response.headers.no_cookies"
	UserIDKey                          = "usr.id"
	UserLoginKey                       = "usr.login"
	LoginSuccessKey                    = "server.business_logic.users.login.success"
	LoginFailureKey                    = "server.business_logic.users.login.failure"
)

// Gateway components that subscribe to addresses.
const (
	ComponentRequest  = "request"
	ComponentResponse = "response"
	ComponentUser     = "user"
	ComponentLogin    = "login"
)

var registry = map[string][]reactive.Address{
	ComponentRequest: {
		RequestHeadersAddr,
		RequestURIRawAddr,
		RequestQueryAddr,
		RequestCookiesAddr,
		RequestClientIPAddr,
		RequestMethodAddr,
	},
	ComponentResponse: {
		ResponseStatusAddr,
		ResponseHeadersAddr,
	},
	ComponentUser: {
		UserIDAddr,
	},
	ComponentLogin: {
		UserLoginEventAddr,
	},
}

// Addresses returns the addresses a gateway component subscribes to, in
// the order its callback reads them. Unknown components return nil.
func Addresses(component string) []reactive.Address {
	addrs, ok := registry[component]
	if !ok {
		return nil
	}
	return append([]reactive.Address(nil), addrs...)
}
