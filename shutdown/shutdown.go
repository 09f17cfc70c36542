package shutdown

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vinayprograms/farmkit/logging"
)

// Phases used by farmd.
const (
	// PhaseWorkers stops every worker unit within the stop grace period.
	PhaseWorkers = 10
	// PhaseServices closes the bus, state store and log index.
	PhaseServices = 20
	// PhaseTelemetry flushes and stops trace export.
	PhaseTelemetry = 30
)

// Common errors.
var (
	ErrAlreadyShutdown = errors.New("shutdown already initiated")
	ErrTimeout         = errors.New("shutdown timeout exceeded")
	ErrHandlerFailed   = errors.New("one or more handlers failed")
	ErrInvalidConfig   = errors.New("invalid configuration")
)

// Handler is implemented by components torn down at shutdown.
type Handler interface {
	// OnShutdown releases the component. ctx ends at the shutdown deadline.
	OnShutdown(ctx context.Context) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context) error

// OnShutdown implements Handler.
func (f HandlerFunc) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// Result is the outcome of one handler.
type Result struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Report is the outcome of a whole shutdown.
type Report struct {
	Total   time.Duration
	Results []Result
	Err     error
}

// Failed lists the handlers that returned an error.
func (r *Report) Failed() []string {
	var names []string
	for _, res := range r.Results {
		if res.Err != nil {
			names = append(names, res.Name)
		}
	}
	return names
}

// Config configures the coordinator.
type Config struct {
	// Timeout bounds ShutdownWithTimeout(0).
	// Default: 30s
	Timeout time.Duration

	// ContinueOnError runs later phases after a handler fails.
	// Default: true
	ContinueOnError bool

	// Logger records each handler's outcome. Default: logging.Nop()
	Logger *logging.Logger
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:         30 * time.Second,
		ContinueOnError: true,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Timeout < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM.
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
