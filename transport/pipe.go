package transport

import (
	"context"
	"sync"
)

// pipeConn is one end of an in-memory connection pair.
type pipeConn struct {
	in    chan []byte
	peer  *pipeConn
	state *pipeState
}

type pipeState struct {
	done chan struct{}
	once sync.Once
	mu   sync.Mutex
	err  error
}

func (s *pipeState) close(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

// Pipe returns a connected in-memory pair. Closing either end ends both.
func Pipe(cfg Config) (Conn, Conn) {
	cfg.applyDefaults()
	state := &pipeState{done: make(chan struct{})}
	a := &pipeConn{in: make(chan []byte, cfg.RecvBufferSize), state: state}
	b := &pipeConn{in: make(chan []byte, cfg.RecvBufferSize), state: state}
	a.peer, b.peer = b, a
	return a, b
}

// Send delivers a copy of data to the peer.
func (c *pipeConn) Send(ctx context.Context, data []byte) error {
	select {
	case <-c.state.done:
		return c.Err()
	default:
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	select {
	case c.peer.in <- buf:
		return nil
	case <-c.state.done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv returns inbound frames.
func (c *pipeConn) Recv() <-chan []byte {
	return c.in
}

// Done is closed when either end closes.
func (c *pipeConn) Done() <-chan struct{} {
	return c.state.done
}

// Err returns the close reason.
func (c *pipeConn) Err() error {
	c.state.mu.Lock()
	defer c.state.mu.Unlock()
	return c.state.err
}

// Close ends both ends of the pipe.
func (c *pipeConn) Close() error {
	c.state.close(ErrClosed)
	return nil
}

// PipeDialer dials in-memory connections. Each Dial creates a new Pipe and
// hands the far end to Accept; an Accept error fails the dial.
type PipeDialer struct {
	Config Config
	Accept func(server Conn) error
}

// NewPipeDialer creates a dialer that passes server ends to accept.
func NewPipeDialer(accept func(server Conn) error) *PipeDialer {
	return &PipeDialer{Config: DefaultConfig(), Accept: accept}
}

// Dial creates a pipe and returns the client end.
func (d *PipeDialer) Dial(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	client, server := Pipe(d.Config)
	if d.Accept != nil {
		if err := d.Accept(server); err != nil {
			client.Close()
			return nil, err
		}
	}
	return client, nil
}

var (
	_ Conn   = (*pipeConn)(nil)
	_ Dialer = (*PipeDialer)(nil)
)
