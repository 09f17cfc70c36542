package worker

import (
	"time"

	"github.com/vinayprograms/farmkit/control"
	"github.com/vinayprograms/farmkit/domain"
	"github.com/vinayprograms/farmkit/errors"
	"github.com/vinayprograms/farmkit/logging"
	"github.com/vinayprograms/farmkit/protocol"
	"github.com/vinayprograms/farmkit/telemetry"
	"github.com/vinayprograms/farmkit/transport"
)

// Config holds worker configuration.
type Config struct {
	// Account is the managed account. A start message may replace it.
	Account control.Account

	// Dialer opens the connection. Required.
	Dialer transport.Dialer

	// Domain is the hosted game logic. Required.
	Domain domain.Domain

	// Codec frames requests. Default: protocol.JSONCodec
	Codec protocol.Codec

	// CallTimeout is the default per-call timeout.
	// Default: 10s
	CallTimeout time.Duration

	// HeartbeatInterval is the probe window.
	// Default: 25s
	HeartbeatInterval time.Duration

	// ProbeEndpoint is the heartbeat method.
	ProbeEndpoint protocol.Endpoint

	// RateLimit is calls per RateWindow. Zero disables pacing.
	RateLimit  int
	RateWindow time.Duration

	// ThrottleCodes reduce the rate limit when the server returns them.
	ThrottleCodes []int64

	// RestoreAfter is how many clean ticks in a row restore a reduced
	// rate limit. Default: 10
	RestoreAfter int

	// ReconnectMin and ReconnectMax bound the reconnect backoff.
	// Default: 1s and 2m
	ReconnectMin time.Duration
	ReconnectMax time.Duration

	// StatusInterval is the periodic status_sync period.
	// Default: 10s
	StatusInterval time.Duration

	// RejectCodes are login error codes meaning the account is refused.
	// Default: [400]
	RejectCodes []int64

	// Resolution and NudgeDebounce tune the scheduler. Defaults: 1s and 2s
	Resolution    time.Duration
	NudgeDebounce time.Duration

	// LogLevel is the minimum level forwarded to the supervisor.
	// Default: INFO
	LogLevel logging.Level

	// Tracer records call and tick spans. Default: telemetry.GetTracer()
	Tracer *telemetry.Tracer

	// Rand returns a float in [0,1) for backoff jitter.
	Rand func() float64
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Codec:             protocol.JSONCodec{},
		CallTimeout:       10 * time.Second,
		HeartbeatInterval: 25 * time.Second,
		ProbeEndpoint:     protocol.Endpoint{Service: "gamepb.userpb.UserService", Method: "Heartbeat"},
		RateWindow:        time.Minute,
		RestoreAfter:      10,
		ReconnectMin:      time.Second,
		ReconnectMax:      2 * time.Minute,
		StatusInterval:    10 * time.Second,
		RejectCodes:       []int64{400},
		Resolution:        time.Second,
		NudgeDebounce:     2 * time.Second,
		LogLevel:          logging.LevelInfo,
	}
}

// Validate checks the configuration and fills zero values from DefaultConfig.
func (c *Config) Validate() error {
	if c.Account.ID == "" {
		return errors.InvalidInput("worker: account id is required")
	}
	if c.Dialer == nil {
		return errors.InvalidInput("worker: dialer is required")
	}
	if c.Domain == nil {
		return errors.InvalidInput("worker: domain is required")
	}
	d := DefaultConfig()
	if c.Codec == nil {
		c.Codec = d.Codec
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.ProbeEndpoint.IsZero() {
		c.ProbeEndpoint = d.ProbeEndpoint
	}
	if c.RateLimit < 0 {
		return errors.InvalidInput("worker: rate limit cannot be negative")
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	if c.RestoreAfter <= 0 {
		c.RestoreAfter = d.RestoreAfter
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = d.ReconnectMin
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = d.ReconnectMax
	}
	if c.ReconnectMax < c.ReconnectMin {
		c.ReconnectMax = c.ReconnectMin
	}
	if c.StatusInterval <= 0 {
		c.StatusInterval = d.StatusInterval
	}
	if c.RejectCodes == nil {
		c.RejectCodes = d.RejectCodes
	}
	if c.Resolution <= 0 {
		c.Resolution = d.Resolution
	}
	if c.NudgeDebounce <= 0 {
		c.NudgeDebounce = d.NudgeDebounce
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	return nil
}
