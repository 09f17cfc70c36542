package transport

import (
	"context"
	"errors"
)

// Common errors.
var (
	ErrClosed = errors.New("transport closed")
)

// Conn is one persistent framed connection. Each Send delivers one frame and
// each value received on Recv is one frame.
type Conn interface {
	// Send queues a frame for delivery. It blocks until the frame is queued,
	// the context ends, or the connection closes.
	Send(ctx context.Context, data []byte) error

	// Recv returns the channel of inbound frames. The channel is never
	// closed; select on Done to observe the end of the connection.
	Recv() <-chan []byte

	// Done is closed when the connection ends for any reason.
	Done() <-chan struct{}

	// Err returns why the connection ended, or nil while it is open.
	// A local Close reports ErrClosed.
	Err() error

	// Close ends the connection. Safe to call more than once.
	Close() error
}

// Dialer opens connections to the remote service.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (Conn, error)

// Dial calls f(ctx).
func (f DialerFunc) Dial(ctx context.Context) (Conn, error) {
	return f(ctx)
}

// Config holds common transport configuration.
type Config struct {
	// RecvBufferSize for the inbound frame channel.
	// Default: 100
	RecvBufferSize int

	// SendBufferSize for the outbound frame queue.
	// Default: 100
	SendBufferSize int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		RecvBufferSize: 100,
		SendBufferSize: 100,
	}
}

func (c *Config) applyDefaults() {
	if c.RecvBufferSize <= 0 {
		c.RecvBufferSize = DefaultConfig().RecvBufferSize
	}
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = DefaultConfig().SendBufferSize
	}
}
