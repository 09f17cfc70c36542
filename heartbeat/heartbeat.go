package heartbeat

import (
	"context"
	"errors"
	"time"

	"github.com/vinayprograms/farmkit/logging"
)

// Common errors.
var (
	ErrAlreadyStarted = errors.New("heartbeat already started")
	ErrNotStarted     = errors.New("heartbeat not started")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

// State is the liveness of a session as seen by its monitor.
type State int

const (
	// Healthy: an exchange succeeded in the current or previous window.
	Healthy State = iota

	// Suspect: one probe window elapsed with no exchange.
	Suspect

	// Degraded: two or more consecutive windows elapsed with no exchange.
	Degraded
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Suspect:
		return "suspect"
	case Degraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// DegradedAfter is the number of consecutive missed windows that degrades a session.
const DegradedAfter = 2

// Prober issues one lightweight liveness call and returns the remote clock
// carried by the reply.
type Prober interface {
	Probe(ctx context.Context) (time.Time, error)
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context) (time.Time, error)

// Probe calls f(ctx).
func (f ProberFunc) Probe(ctx context.Context) (time.Time, error) {
	return f(ctx)
}

// Config holds monitor configuration.
type Config struct {
	// Prober issues the probes. Required.
	Prober Prober

	// Interval is the probe window.
	// Default: 25s
	Interval time.Duration

	// ProbeTimeout bounds a single probe. Zero means Interval.
	ProbeTimeout time.Duration

	// Clock receives the remote time from each successful probe. Optional.
	Clock *ServerClock

	// Logger for state transitions. Optional.
	Logger *logging.Logger
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Prober == nil {
		return ErrInvalidConfig
	}
	if c.Interval < 0 || c.ProbeTimeout < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval: 25 * time.Second,
	}
}
