// Package sessiontest provides a scripted fake of the remote game service
// for tests of sessions, worker units and the supervisor.
//
//	srv := sessiontest.NewServer(protocol.JSONCodec{})
//	srv.Handle(ep, func(meta protocol.Meta, body []byte) ([]byte, error) {
//	    return []byte(`{"ok":true}`), nil
//	})
//	conn, _ := srv.Dialer().Dial(ctx)
//	sess.Attach(conn)
//
// Heartbeat probes on the default probe endpoint are answered automatically.
// SetBlackhole makes the server swallow requests, which is how tests simulate
// a silently dead connection.
package sessiontest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vinayprograms/farmkit/protocol"
	"github.com/vinayprograms/farmkit/transport"
)

// DefaultProbe is the heartbeat endpoint answered out of the box.
var DefaultProbe = protocol.Endpoint{Service: "gamepb.userpb.UserService", Method: "Heartbeat"}

// HandlerFunc answers one request. Returning a *RemoteError makes the server
// reply with that error code; any other error closes the connection.
type HandlerFunc func(meta protocol.Meta, body []byte) ([]byte, error)

// RemoteError is a server-side rejection.
type RemoteError struct {
	Code    int64
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %d: %s", e.Code, e.Message)
}

// Server is an in-memory fake service.
type Server struct {
	codec protocol.Codec

	mu        sync.Mutex
	handlers  map[string]HandlerFunc
	conns     map[transport.Conn]struct{}
	requests  []protocol.Meta
	blackhole bool
	refuse    error
	serverSeq int64
	dials     int
	now       func() time.Time
	notify    chan struct{}
}

// NewServer creates a server answering heartbeats on DefaultProbe.
func NewServer(codec protocol.Codec) *Server {
	if codec == nil {
		codec = protocol.JSONCodec{}
	}
	s := &Server{
		codec:    codec,
		handlers: make(map[string]HandlerFunc),
		conns:    make(map[transport.Conn]struct{}),
		now:      time.Now,
		notify:   make(chan struct{}, 1),
	}
	s.Handle(DefaultProbe, s.heartbeat)
	return s
}

func (s *Server) heartbeat(meta protocol.Meta, body []byte) ([]byte, error) {
	s.mu.Lock()
	now := s.now()
	s.mu.Unlock()
	return s.codec.Marshal(&protocol.HeartbeatReply{ServerTime: now.UnixMilli()})
}

// SetNow overrides the server clock reported in heartbeat replies.
func (s *Server) SetNow(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Handle registers a handler for an endpoint.
func (s *Server) Handle(ep protocol.Endpoint, h HandlerFunc) {
	s.mu.Lock()
	s.handlers[ep.String()] = h
	s.mu.Unlock()
}

// HandleBody registers a handler that always returns body.
func (s *Server) HandleBody(ep protocol.Endpoint, body []byte) {
	s.Handle(ep, func(protocol.Meta, []byte) ([]byte, error) { return body, nil })
}

// HandleError registers a handler that always rejects with code.
func (s *Server) HandleError(ep protocol.Endpoint, code int64, message string) {
	s.Handle(ep, func(protocol.Meta, []byte) ([]byte, error) {
		return nil, &RemoteError{Code: code, Message: message}
	})
}

// SetBlackhole makes the server read requests without ever answering.
func (s *Server) SetBlackhole(on bool) {
	s.mu.Lock()
	s.blackhole = on
	s.mu.Unlock()
}

// SetRefuse makes every dial fail with err. Nil accepts again.
func (s *Server) SetRefuse(err error) {
	s.mu.Lock()
	s.refuse = err
	s.mu.Unlock()
}

// Dialer returns a dialer connecting to this server.
func (s *Server) Dialer() transport.Dialer {
	return transport.NewPipeDialer(s.accept)
}

// Connect returns a fresh client connection without going through a dialer.
func (s *Server) Connect() (transport.Conn, error) {
	return s.Dialer().Dial(context.Background())
}

func (s *Server) accept(conn transport.Conn) error {
	s.mu.Lock()
	s.dials++
	if s.refuse != nil {
		err := s.refuse
		s.mu.Unlock()
		return err
	}
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	go s.serve(conn)
	return nil
}

func (s *Server) serve(conn transport.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	for {
		select {
		case raw := <-conn.Recv():
			s.handle(conn, raw)
		case <-conn.Done():
			return
		}
	}
}

func (s *Server) handle(conn transport.Conn, raw []byte) {
	frame, err := protocol.DecodeFrame(s.codec, raw)
	if err != nil || frame.Meta.Type != protocol.TypeRequest {
		return
	}

	s.mu.Lock()
	s.requests = append(s.requests, frame.Meta)
	blackhole := s.blackhole
	h := s.handlers[protocol.Endpoint{Service: frame.Meta.Service, Method: frame.Meta.Method}.String()]
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}

	if blackhole {
		return
	}

	go func() {
		resp := &protocol.Frame{Meta: protocol.Meta{
			Service:   frame.Meta.Service,
			Method:    frame.Meta.Method,
			Type:      protocol.TypeResponse,
			ClientSeq: frame.Meta.ClientSeq,
		}}

		if h == nil {
			resp.Meta.ErrorCode = 404
			resp.Meta.ErrorMessage = "no handler for " + frame.Meta.Method
		} else {
			body, err := h(frame.Meta, frame.Body)
			if err != nil {
				re, ok := err.(*RemoteError)
				if !ok {
					conn.Close()
					return
				}
				resp.Meta.ErrorCode = re.Code
				resp.Meta.ErrorMessage = re.Message
			}
			resp.Body = body
		}

		s.mu.Lock()
		if s.blackhole {
			s.mu.Unlock()
			return
		}
		s.serverSeq++
		resp.Meta.ServerSeq = s.serverSeq
		s.mu.Unlock()

		data, err := protocol.EncodeFrame(s.codec, resp)
		if err != nil {
			return
		}
		conn.Send(context.Background(), data)
	}()
}

// Push sends an unsolicited event to every live connection.
func (s *Server) Push(eventType string, body []byte) error {
	evBody, err := protocol.EncodeEvent(s.codec, &protocol.Event{Type: eventType, Body: body})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.serverSeq++
	frame := &protocol.Frame{
		Meta: protocol.Meta{Type: protocol.TypeNotify, ServerSeq: s.serverSeq},
		Body: evBody,
	}
	conns := s.liveConns()
	s.mu.Unlock()

	data, err := protocol.EncodeFrame(s.codec, frame)
	if err != nil {
		return err
	}
	for _, c := range conns {
		c.Send(context.Background(), data)
	}
	return nil
}

// SendRaw writes raw bytes to every live connection, e.g. a corrupt frame.
func (s *Server) SendRaw(data []byte) {
	s.mu.Lock()
	conns := s.liveConns()
	s.mu.Unlock()
	for _, c := range conns {
		c.Send(context.Background(), data)
	}
}

// DropConnections closes every live connection from the server side.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := s.liveConns()
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (s *Server) liveConns() []transport.Conn {
	out := make([]transport.Conn, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	return out
}

// Connections returns the number of live connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Dials returns how many dials were attempted, refused ones included.
func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// Requests returns the headers of every request received, in arrival order.
func (s *Server) Requests() []protocol.Meta {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.Meta, len(s.requests))
	copy(out, s.requests)
	return out
}

// CountRequests returns how many requests hit an endpoint.
func (s *Server) CountRequests(ep protocol.Endpoint) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.requests {
		if m.Service == ep.Service && m.Method == ep.Method {
			n++
		}
	}
	return n
}

// WaitRequests blocks until at least n requests for ep arrived or timeout.
func (s *Server) WaitRequests(ep protocol.Endpoint, n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if s.CountRequests(ep) >= n {
			return true
		}
		select {
		case <-s.notify:
		case <-time.After(5 * time.Millisecond):
		case <-deadline:
			return s.CountRequests(ep) >= n
		}
	}
}

// WaitConnections blocks until exactly n connections are live or timeout.
func (s *Server) WaitConnections(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if s.Connections() == n {
			return true
		}
		select {
		case <-time.After(5 * time.Millisecond):
		case <-deadline:
			return s.Connections() == n
		}
	}
}
