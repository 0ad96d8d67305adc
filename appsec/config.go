package appsec

import (
	"fmt"
	"time"
)

// DefaultWAFTimeout is the time budget of one rule engine run.
const DefaultWAFTimeout = 5 * time.Millisecond

// UserEventsMode controls how user identifiers are reported in login events.
type UserEventsMode string

const (
	// ModeIdentification reports user identifiers as they are.
	ModeIdentification UserEventsMode = "identification"
	// ModeAnonymization replaces user identifiers with a hash.
	ModeAnonymization UserEventsMode = "anonymization"
)

// Config is handed to every Context at construction.
type Config struct {
	// WAFTimeout bounds every rule engine run. Zero means DefaultWAFTimeout.
	WAFTimeout time.Duration `json:"waf_timeout,omitempty"`

	// TrackUserEvents enables login event tracking.
	TrackUserEvents bool `json:"track_user_events,omitempty"`

	// UserEventsMode applies to tracked login events.
	UserEventsMode UserEventsMode `json:"user_events_mode,omitempty"`
}

// withDefaults fills unset fields.
func (c Config) withDefaults() Config {
	if c.WAFTimeout <= 0 {
		c.WAFTimeout = DefaultWAFTimeout
	}
	if c.UserEventsMode == "" {
		c.UserEventsMode = ModeIdentification
	}
	return c
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.WAFTimeout < 0 {
		return fmt.Errorf("waf timeout must not be negative: %s", c.WAFTimeout)
	}
	switch c.UserEventsMode {
	case "", ModeIdentification, ModeAnonymization:
	default:
		return fmt.Errorf("unknown user events mode %q", c.UserEventsMode)
	}
	return nil
}
