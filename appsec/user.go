package appsec

import (
	"github.com/fabriziosalmi/caddy-appsec/reactive"
)

// User identifies the authenticated user of a transaction.
type User struct {
	ID string `json:"id" yaml:"id"`
}

// PublishUser publishes the user identifier.
func PublishUser(e *reactive.Engine, u User) bool {
	return publish(e, publication{UserIDAddr, u.ID})
}

// SubscribeUser runs the rule engine on the user identifier.
func SubscribeUser(e *reactive.Engine, c *Context, onMatch MatchFunc) {
	subscribe(e, c, ComponentUser, onMatch, func(v reactive.Values) Data {
		return Data{UserIDKey: v[UserIDAddr]}
	})
}

// SetUser publishes u on the context's engine and reports whether the
// transaction is blocked.
func (c *Context) SetUser(u User) bool {
	if c.Blocked() {
		return true
	}
	return PublishUser(c.reactive, u)
}
