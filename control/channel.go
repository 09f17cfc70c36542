package control

import (
	"context"
	"sync"

	"github.com/vinayprograms/farmkit/errors"
)

// DefaultBufferSize is the per-direction queue length used when none is given.
const DefaultBufferSize = 64

// ErrClosed is returned when sending on a closed channel.
var ErrClosed = errors.New(errors.ErrCodeConnectionLost, "control channel closed")

// Endpoint is one side of a Channel.
type Endpoint interface {
	// Send queues msg for the peer, blocking while the queue is full.
	Send(ctx context.Context, msg *Message) error

	// Recv returns the inbound messages. It is closed once the channel is
	// closed and the remaining messages are drained.
	Recv() <-chan *Message

	// Done is closed when the channel is closed from either side.
	Done() <-chan struct{}

	// Close closes the channel for both sides. Safe to call more than once.
	Close() error
}

type channel struct {
	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
	toWork  chan *Message
	toSuper chan *Message
	once    sync.Once
}

type endpoint struct {
	ch  *channel
	out chan *Message
	in  chan *Message
}

// NewChannel creates a connected pair: the supervisor side and the worker side.
func NewChannel(buffer int) (supervisor, worker Endpoint) {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	c := &channel{
		done:    make(chan struct{}),
		toWork:  make(chan *Message, buffer),
		toSuper: make(chan *Message, buffer),
	}
	return &endpoint{ch: c, out: c.toWork, in: c.toSuper},
		&endpoint{ch: c, out: c.toSuper, in: c.toWork}
}

func (e *endpoint) Send(ctx context.Context, msg *Message) error {
	if msg == nil {
		return errors.InvalidInput("nil control message")
	}
	// Holding the read lock keeps Close from closing out mid-send.
	e.ch.mu.RLock()
	defer e.ch.mu.RUnlock()
	if e.ch.closed {
		return ErrClosed
	}
	select {
	case e.out <- msg:
		return nil
	case <-e.ch.done:
		return ErrClosed
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "control send")
	}
}

func (e *endpoint) Recv() <-chan *Message { return e.in }

func (e *endpoint) Done() <-chan struct{} { return e.ch.done }

func (e *endpoint) Close() error {
	e.ch.once.Do(func() {
		close(e.ch.done)
		e.ch.mu.Lock()
		e.ch.closed = true
		close(e.ch.toWork)
		close(e.ch.toSuper)
		e.ch.mu.Unlock()
	})
	return nil
}
