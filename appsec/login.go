package appsec

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"go.uber.org/zap"

	"github.com/fabriziosalmi/caddy-appsec/reactive"
)

// LoginEvent describes an authentication attempt.
type LoginEvent struct {
	Success bool   `json:"success" yaml:"success"`
	UserID  string `json:"user_id,omitempty" yaml:"user_id,omitempty"`
	Login   string `json:"login,omitempty" yaml:"login,omitempty"`
	// UserExists is only meaningful for failures.
	UserExists bool              `json:"user_exists,omitempty" yaml:"user_exists,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// anonymize returns a stable, non reversible identifier for id.
func anonymize(id string) string {
	if id == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(strings.ToLower(id)))
	return "anon_" + hex.EncodeToString(sum[:16])
}

// TrackLogin records ev on the transaction and publishes it for evaluation.
// It returns true when the transaction is blocked. Nothing is recorded when
// user event tracking is disabled.
func (c *Context) TrackLogin(ev LoginEvent) bool {
	if !c.cfg.TrackUserEvents {
		return c.Blocked()
	}

	if c.cfg.UserEventsMode == ModeAnonymization {
		ev.UserID = anonymize(ev.UserID)
		ev.Login = anonymize(ev.Login)
	}

	switch {
	case ev.Success && ev.UserID != "":
		c.logger.Debug("user login event success")
	case ev.Success:
		c.logger.Debug("user login event success, but can't extract user ID, tracking empty event")
	case ev.UserExists:
		c.logger.Debug("user login event failure, user exists")
	default:
		c.logger.Debug("user login event failure, user does not exist")
	}

	c.mu.Lock()
	c.logins = append(c.logins, ev)
	c.mu.Unlock()

	if c.Blocked() {
		return true
	}
	return PublishLogin(c.reactive, ev)
}

// Logins returns the login events tracked on the transaction.
func (c *Context) Logins() []LoginEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]LoginEvent(nil), c.logins...)
}

// PublishLogin publishes a login event.
func PublishLogin(e *reactive.Engine, ev LoginEvent) bool {
	return publish(e, publication{UserLoginEventAddr, ev})
}

// SubscribeLogin runs the rule engine on login events.
func SubscribeLogin(e *reactive.Engine, c *Context, onMatch MatchFunc) {
	subscribe(e, c, ComponentLogin, onMatch, func(v reactive.Values) Data {
		ev, ok := v[UserLoginEventAddr].(LoginEvent)
		if !ok {
			c.logger.Warn("unexpected login event value", zap.Any("value", v[UserLoginEventAddr]))
			return Data{}
		}

		data := Data{}
		if ev.Success {
			data[LoginSuccessKey] = nil
		} else {
			data[LoginFailureKey] = nil
		}
		if ev.UserID != "" {
			data[UserIDKey] = ev.UserID
		}
		if ev.Login != "" {
			data[UserLoginKey] = ev.Login
		}
		return data
	})
}
