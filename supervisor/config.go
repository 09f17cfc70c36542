package supervisor

import (
	"context"
	"time"

	"github.com/vinayprograms/farmkit/bus"
	"github.com/vinayprograms/farmkit/control"
	"github.com/vinayprograms/farmkit/domain"
	"github.com/vinayprograms/farmkit/errors"
	"github.com/vinayprograms/farmkit/logging"
	"github.com/vinayprograms/farmkit/logindex"
	"github.com/vinayprograms/farmkit/state"
	"github.com/vinayprograms/farmkit/telemetry"
	"github.com/vinayprograms/farmkit/worker"
)

// Runner is a started worker unit.
type Runner interface {
	Run(ctx context.Context) error
}

// Factory builds the worker unit for an account, bound to its end of the
// control channel.
type Factory func(acct control.Account, ep control.Endpoint) (Runner, error)

// WorkerFactory builds workers from a template config, giving each account
// its own domain instance.
func WorkerFactory(tmpl worker.Config, newDomain func(control.Account) domain.Domain) Factory {
	return func(acct control.Account, ep control.Endpoint) (Runner, error) {
		cfg := tmpl
		cfg.Account = acct
		cfg.Domain = newDomain(acct)
		return worker.New(cfg, ep)
	}
}

// NoticeKind classifies operator notifications.
type NoticeKind string

const (
	NoticeRejected     NoticeKind = "rejected"
	NoticeKicked       NoticeKind = "kicked"
	NoticeDisconnected NoticeKind = "disconnected"
	NoticeLeaseLost    NoticeKind = "lease_lost"
)

// Notice is an operator notification about one account.
type Notice struct {
	Kind    NoticeKind `json:"kind"`
	Account string     `json:"account"`
	Message string     `json:"message"`
	Time    time.Time  `json:"time"`

	// Since is when the account was first seen disconnected.
	Since time.Time `json:"since,omitempty"`

	// Removed is set when the notice led to the worker being stopped.
	Removed bool `json:"removed,omitempty"`
}

// Notifier delivers operator notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notice) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notice) error

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, n Notice) error { return f(ctx, n) }

// Config holds supervisor configuration.
type Config struct {
	// Factory builds worker units. Required.
	Factory Factory

	// StopGrace bounds how long a stopping worker may take before it is
	// cancelled and dropped.
	// Default: 5s
	StopGrace time.Duration

	// APITimeout bounds each CallWorkerAPI.
	// Default: 30s
	APITimeout time.Duration

	// DisconnectThreshold is how long a worker may stay disconnected before
	// the operator is notified. Zero disables the watchdog.
	DisconnectThreshold time.Duration

	// AutoRemove stops a worker once the disconnect threshold is crossed.
	AutoRemove bool

	// OnAutoRemove is called with the account id before an automatic stop.
	OnAutoRemove func(account string)

	// ChannelBuffer sizes each control channel.
	// Default: control.DefaultBufferSize
	ChannelBuffer int

	// Store persists statuses and owner leases. Optional.
	Store state.Store

	// Owner names this supervisor in owner leases.
	// Default: a random id
	Owner string

	// LeaseTTL is the owner lease lifetime; it is renewed at a third of it.
	// Default: 30s
	LeaseTTL time.Duration

	// Bus receives status, log, error and notice envelopes. Optional.
	Bus bus.MessageBus

	// Index receives forwarded worker logs. Optional.
	Index *logindex.Index

	// Notifier receives operator notices. Optional.
	Notifier Notifier

	Logger *logging.Logger
	Tracer *telemetry.Tracer
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		StopGrace:     5 * time.Second,
		APITimeout:    30 * time.Second,
		ChannelBuffer: control.DefaultBufferSize,
		LeaseTTL:      30 * time.Second,
	}
}

// Validate checks the configuration and fills zero values from DefaultConfig.
func (c *Config) Validate() error {
	if c.Factory == nil {
		return errors.InvalidInput("supervisor: worker factory is required")
	}
	if c.StopGrace < 0 || c.APITimeout < 0 || c.DisconnectThreshold < 0 || c.LeaseTTL < 0 {
		return errors.InvalidInput("supervisor: durations cannot be negative")
	}
	d := DefaultConfig()
	if c.StopGrace == 0 {
		c.StopGrace = d.StopGrace
	}
	if c.APITimeout == 0 {
		c.APITimeout = d.APITimeout
	}
	if c.ChannelBuffer <= 0 {
		c.ChannelBuffer = d.ChannelBuffer
	}
	if c.LeaseTTL == 0 {
		c.LeaseTTL = d.LeaseTTL
	}
	if c.Logger == nil {
		c.Logger = logging.New()
	}
	if c.Tracer == nil {
		c.Tracer = telemetry.GetTracer()
	}
	return nil
}
