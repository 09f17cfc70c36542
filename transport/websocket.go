package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketConn implements Conn over a WebSocket. One reader and one writer
// goroutine own the socket; all writes go through the writer.
type WebSocketConn struct {
	conn   *websocket.Conn
	config WebSocketConfig

	recv chan []byte
	send chan []byte
	done chan struct{}

	mu     sync.Mutex
	closed bool
	err    error
	wg     sync.WaitGroup
}

// WebSocketConfig holds WebSocket transport configuration.
type WebSocketConfig struct {
	Config // Embed base config

	// WriteTimeout for write operations.
	WriteTimeout time.Duration

	// MaxMessageSize limits incoming frame size.
	MaxMessageSize int64

	// PingInterval for keepalive pings (0 = disabled).
	PingInterval time.Duration

	// Binary sends frames as binary messages instead of text.
	Binary bool
}

// DefaultWebSocketConfig returns configuration with sensible defaults.
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		Config:         DefaultConfig(),
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 1024 * 1024, // 1MB
		PingInterval:   30 * time.Second,
	}
}

// NewWebSocketConn wraps an established connection and starts its
// reader and writer goroutines.
func NewWebSocketConn(conn *websocket.Conn, cfg WebSocketConfig) *WebSocketConn {
	cfg.applyDefaults()
	if cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	c := &WebSocketConn{
		conn:   conn,
		config: cfg,
		recv:   make(chan []byte, cfg.RecvBufferSize),
		send:   make(chan []byte, cfg.SendBufferSize),
		done:   make(chan struct{}),
	}

	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()
	return c
}

// NewWebSocketUpgrader creates an upgrader for accepting WebSocket connections.
func NewWebSocketUpgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true }, // Override in production
	}
}

// Send queues a frame for the writer.
func (c *WebSocketConn) Send(ctx context.Context, data []byte) error {
	select {
	case <-c.done:
		return c.Err()
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv returns inbound frames.
func (c *WebSocketConn) Recv() <-chan []byte {
	return c.recv
}

// Done is closed when the connection ends.
func (c *WebSocketConn) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended.
func (c *WebSocketConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close sends a close frame and shuts the socket.
func (c *WebSocketConn) Close() error {
	if !c.shutdown(ErrClosed) {
		return nil
	}
	c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	err := c.conn.Close()
	c.wg.Wait()
	return err
}

// shutdown records the reason and closes done. Reports whether this call did it.
func (c *WebSocketConn) shutdown(reason error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	c.err = reason
	close(c.done)
	return true
}

// fail ends the connection after a socket error.
func (c *WebSocketConn) fail(err error) {
	if c.shutdown(err) {
		c.conn.Close()
	}
}

// readLoop reads WebSocket messages and sends them to recv.
func (c *WebSocketConn) readLoop() {
	defer c.wg.Done()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.fail(fmt.Errorf("remote closed: %w", err))
			} else {
				c.fail(fmt.Errorf("read: %w", err))
			}
			return
		}

		select {
		case c.recv <- data:
		case <-c.done:
			return
		}
	}
}

// writeLoop drains the send queue and keeps the connection alive.
func (c *WebSocketConn) writeLoop() {
	defer c.wg.Done()

	ticker := c.createPingTicker()
	defer ticker.Stop()

	msgType := websocket.TextMessage
	if c.config.Binary {
		msgType = websocket.BinaryMessage
	}

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
				c.fail(fmt.Errorf("ping: %w", err))
				return
			}
		case data := <-c.send:
			if c.config.WriteTimeout > 0 {
				c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			}
			if err := c.conn.WriteMessage(msgType, data); err != nil {
				c.fail(fmt.Errorf("write: %w", err))
				return
			}
		}
	}
}

// createPingTicker creates a ticker for keepalive pings.
func (c *WebSocketConn) createPingTicker() *time.Ticker {
	if c.config.PingInterval > 0 {
		return time.NewTicker(c.config.PingInterval)
	}
	// Return a ticker that never fires
	ticker := time.NewTicker(time.Hour)
	ticker.Stop()
	return ticker
}

// WebSocketDialer dials the remote service over WebSocket.
type WebSocketDialer struct {
	// URL of the service endpoint (ws:// or wss://).
	URL string

	// Origin header sent with the handshake, if set.
	Origin string

	// Header carries extra handshake headers such as auth tokens.
	Header http.Header

	// HandshakeTimeout bounds the opening handshake.
	HandshakeTimeout time.Duration

	// Conn configures the resulting connection.
	Conn WebSocketConfig
}

// NewWebSocketDialer creates a dialer with default connection settings.
func NewWebSocketDialer(url string) *WebSocketDialer {
	return &WebSocketDialer{
		URL:              url,
		HandshakeTimeout: 10 * time.Second,
		Conn:             DefaultWebSocketConfig(),
	}
}

// String returns the dial URL.
func (d *WebSocketDialer) String() string { return d.URL }

// Dial opens a connection.
func (d *WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	header := http.Header{}
	for k, v := range d.Header {
		header[k] = append([]string(nil), v...)
	}
	if d.Origin != "" {
		header.Set("Origin", d.Origin)
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, d.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s: %w (status %d)", d.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", d.URL, err)
	}
	return NewWebSocketConn(conn, d.Conn), nil
}

var (
	_ Conn   = (*WebSocketConn)(nil)
	_ Dialer = (*WebSocketDialer)(nil)
)
