package session

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/farmkit/bus"
	"github.com/vinayprograms/farmkit/errors"
	"github.com/vinayprograms/farmkit/heartbeat"
	"github.com/vinayprograms/farmkit/logging"
	"github.com/vinayprograms/farmkit/protocol"
	"github.com/vinayprograms/farmkit/telemetry"
	"github.com/vinayprograms/farmkit/transport"
)

// PushSubjectPrefix prefixes the bus subject of every push event.
const PushSubjectPrefix = "push."

// Limiter paces outbound calls. ratelimit.MemoryLimiter satisfies it.
type Limiter interface {
	Acquire(ctx context.Context, resource string) error
}

// reducer is implemented by limiters that back off on throttle rejections.
type reducer interface {
	Reduce(resource string, reason string)
}

// Config holds session configuration.
type Config struct {
	// Account identifies the session in logs, errors and spans.
	Account string

	// Codec frames requests and decodes responses.
	// Default: protocol.JSONCodec
	Codec protocol.Codec

	// Bus receives push events. Default: a private MemoryBus.
	Bus bus.MessageBus

	// CallTimeout applies when Call is given a zero timeout.
	// Default: 10s
	CallTimeout time.Duration

	// ProbeEndpoint is the heartbeat method.
	ProbeEndpoint protocol.Endpoint

	// ProbeTimeout bounds a probe. Default: CallTimeout
	ProbeTimeout time.Duration

	// Limiter paces domain calls. Probes bypass it. Optional.
	Limiter Limiter

	// LimitResource is the limiter resource name. Default: "session.<account>"
	LimitResource string

	// ThrottleCodes are remote error codes meaning the account calls too
	// often. Each one reduces the limiter's capacity when it supports it.
	ThrottleCodes []int64

	// Tracer records call spans. Default: telemetry.GetTracer()
	Tracer *telemetry.Tracer

	// Logger for session events. Default: logging.Nop()
	Logger *logging.Logger
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Codec:         protocol.JSONCodec{},
		CallTimeout:   10 * time.Second,
		ProbeEndpoint: protocol.Endpoint{Service: "gamepb.userpb.UserService", Method: "Heartbeat"},
	}
}

// Stats are counters kept for status reporting.
type Stats struct {
	Calls       uint64 `json:"calls"`
	Responses   uint64 `json:"responses"`
	RemoteErrs  uint64 `json:"remote_errors"`
	Timeouts    uint64 `json:"timeouts"`
	Lost        uint64 `json:"lost"`
	Pushes      uint64 `json:"pushes"`
	Dropped     uint64 `json:"dropped"`
	Stale       uint64 `json:"stale"`
	Attachments uint64 `json:"attachments"`
}

// Session is the correlation state for one managed account.
type Session struct {
	cfg    Config
	codec  protocol.Codec
	bus    bus.MessageBus
	ownBus bool
	logger *logging.Logger
	tracer *telemetry.Tracer
	clock  *heartbeat.ServerClock

	mu           sync.Mutex
	conn         transport.Conn
	generation   uint64
	disconnected chan struct{}
	seq          int64
	serverSeq    int64
	pending      map[int64]*pendingCall
	subs         []bus.Subscription
	observer     func()

	calls, responses, remoteErrs, timeouts, lost atomic.Uint64
	pushes, dropped, stale, attachments          atomic.Uint64
}

// pendingCall is one outstanding request. done is buffered so the resolver
// never blocks.
type pendingCall struct {
	seq      int64
	endpoint protocol.Endpoint
	issued   time.Time
	done     chan result
}

type result struct {
	body []byte
	err  error
}

// New creates a session with no connection attached.
func New(cfg Config) *Session {
	def := DefaultConfig()
	if cfg.Codec == nil {
		cfg.Codec = def.Codec
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.ProbeEndpoint.IsZero() {
		cfg.ProbeEndpoint = def.ProbeEndpoint
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = cfg.CallTimeout
	}
	if cfg.LimitResource == "" {
		cfg.LimitResource = "session." + cfg.Account
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = telemetry.GetTracer()
	}

	s := &Session{
		cfg:     cfg,
		codec:   cfg.Codec,
		bus:     cfg.Bus,
		logger:  cfg.Logger.WithComponent("session"),
		tracer:  cfg.Tracer,
		clock:   heartbeat.NewServerClock(),
		pending: make(map[int64]*pendingCall),
	}
	if s.bus == nil {
		s.bus = bus.NewMemoryBus(bus.DefaultConfig())
		s.ownBus = true
	}
	return s
}

// Attach makes conn the live connection and starts reading from it. Any
// previous connection is reset first.
func (s *Session) Attach(conn transport.Conn) {
	s.mu.Lock()
	hadConn := s.conn != nil
	s.mu.Unlock()
	if hadConn {
		s.Reset("connection replaced")
	}

	s.mu.Lock()
	s.generation++
	gen := s.generation
	s.conn = conn
	s.disconnected = make(chan struct{})
	s.mu.Unlock()

	s.attachments.Add(1)
	go s.readLoop(conn, gen)
}

// readLoop feeds inbound frames to OnFrame until the connection ends.
// Frames buffered before the close are still delivered.
func (s *Session) readLoop(conn transport.Conn, gen uint64) {
	for {
		select {
		case raw := <-conn.Recv():
			s.OnFrame(raw)
		case <-conn.Done():
			drainFrames(conn, s.OnFrame)
			reason := "connection closed"
			if err := conn.Err(); err != nil && err != transport.ErrClosed {
				reason = err.Error()
			}
			s.resetGeneration(gen, reason)
			return
		}
	}
}

func drainFrames(conn transport.Conn, fn func([]byte)) {
	for {
		select {
		case raw := <-conn.Recv():
			fn(raw)
		default:
			return
		}
	}
}

// Connected reports whether a connection is attached.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Disconnected returns a channel closed when the current attachment ends.
// With no connection attached the returned channel is already closed.
func (s *Session) Disconnected() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.disconnected
}

// SetObserver registers a callback run after every response received, the
// heartbeat monitor's Observe in practice.
func (s *Session) SetObserver(fn func()) {
	s.mu.Lock()
	s.observer = fn
	s.mu.Unlock()
}

// Pending returns the number of outstanding calls.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// LastSeq returns the last outbound sequence number assigned.
func (s *Session) LastSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// ServerSeq returns the highest inbound sequence observed.
func (s *Session) ServerSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverSeq
}

// Clock returns the skew-corrected remote clock fed by probes.
func (s *Session) Clock() *heartbeat.ServerClock {
	return s.clock
}

// Bus returns the bus push events are published on.
func (s *Session) Bus() bus.MessageBus {
	return s.bus
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	return Stats{
		Calls:       s.calls.Load(),
		Responses:   s.responses.Load(),
		RemoteErrs:  s.remoteErrs.Load(),
		Timeouts:    s.timeouts.Load(),
		Lost:        s.lost.Load(),
		Pushes:      s.pushes.Load(),
		Dropped:     s.dropped.Load(),
		Stale:       s.stale.Load(),
		Attachments: s.attachments.Load(),
	}
}

// Call sends one request and waits for its response body. A zero timeout
// uses the configured CallTimeout.
func (s *Session) Call(ctx context.Context, ep protocol.Endpoint, body []byte, timeout time.Duration) ([]byte, error) {
	if !s.Connected() {
		return nil, errors.NotConnected(errors.WithAccount(s.cfg.Account), errors.WithMethod(ep.String()))
	}
	if s.cfg.Limiter != nil {
		if err := s.cfg.Limiter.Acquire(ctx, s.cfg.LimitResource); err != nil {
			return nil, errors.New(errors.ErrCodeRateLimit, "rate limit wait aborted",
				errors.WithCause(err), errors.WithAccount(s.cfg.Account), errors.WithMethod(ep.String()))
		}
	}
	if timeout <= 0 {
		timeout = s.cfg.CallTimeout
	}
	return s.call(ctx, ep, body, timeout)
}

func (s *Session) call(ctx context.Context, ep protocol.Endpoint, body []byte, timeout time.Duration) ([]byte, error) {
	ctx, span := s.tracer.StartCallSpan(ctx, ep.String())
	opts := telemetry.CallSpanOptions{Account: s.cfg.Account, BodySize: len(body)}

	resp, err := s.roundTrip(ctx, ep, body, timeout, &opts)

	if code, ok := errors.RemoteCode(err); ok {
		opts.RemoteCode = code
	}
	s.tracer.EndCallSpan(span, opts, err)
	if err != nil {
		s.logger.CallFailed(ep.String(), opts.Seq, err)
	}
	return resp, err
}

func (s *Session) roundTrip(ctx context.Context, ep protocol.Endpoint, body []byte, timeout time.Duration, opts *telemetry.CallSpanOptions) ([]byte, error) {
	errOpts := []errors.Option{errors.WithAccount(s.cfg.Account), errors.WithMethod(ep.String())}

	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		return nil, errors.NotConnected(errOpts...)
	}
	s.seq++
	pc := &pendingCall{
		seq:      s.seq,
		endpoint: ep,
		issued:   time.Now(),
		done:     make(chan result, 1),
	}
	s.pending[pc.seq] = pc
	frame := &protocol.Frame{
		Meta: protocol.Meta{
			Service:   ep.Service,
			Method:    ep.Method,
			Type:      protocol.TypeRequest,
			ClientSeq: pc.seq,
			ServerSeq: s.serverSeq,
		},
		Body: body,
	}
	opts.Seq = pc.seq
	opts.Pending = len(s.pending)
	s.mu.Unlock()
	s.calls.Add(1)

	data, err := protocol.EncodeFrame(s.codec, frame)
	if err != nil {
		s.take(pc.seq)
		return nil, errors.Wrap(err, "encode request", errOpts...)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	err = conn.Send(sendCtx, data)
	cancel()
	if err != nil {
		if s.take(pc.seq) == nil {
			// Reset raced the send and already resolved the call.
			r := <-pc.done
			return r.body, r.err
		}
		if ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), "call canceled", errOpts...)
		}
		if sendCtx.Err() != nil {
			s.timeouts.Add(1)
			return nil, errors.Timeout("send timed out", s.Pending(), errOpts...)
		}
		s.lost.Add(1)
		return nil, errors.ConnectionLost(err.Error(), errOpts...)
	}

	select {
	case r := <-pc.done:
		return r.body, r.err
	case <-timer.C:
		if s.take(pc.seq) == nil {
			r := <-pc.done
			return r.body, r.err
		}
		s.timeouts.Add(1)
		pending := s.Pending()
		return nil, errors.Timeout("call timed out after "+timeout.String(), pending,
			append(errOpts, errors.WithMetadata("seq", strconv.FormatInt(pc.seq, 10)))...)
	case <-ctx.Done():
		if s.take(pc.seq) == nil {
			r := <-pc.done
			return r.body, r.err
		}
		return nil, errors.Wrap(ctx.Err(), "call canceled", errOpts...)
	}
}

// take removes and returns a pending call, or nil if already resolved.
func (s *Session) take(seq int64) *pendingCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	pc, ok := s.pending[seq]
	if !ok {
		return nil
	}
	delete(s.pending, seq)
	return pc
}

// OnFrame handles one inbound frame. Undecodable frames are logged and dropped.
func (s *Session) OnFrame(raw []byte) {
	frame, err := protocol.DecodeFrame(s.codec, raw)
	if err != nil {
		s.dropped.Add(1)
		s.logger.Warn("frame_dropped", map[string]interface{}{
			"size":  len(raw),
			"error": err.Error(),
		})
		return
	}

	s.mu.Lock()
	if frame.Meta.ServerSeq > s.serverSeq {
		s.serverSeq = frame.Meta.ServerSeq
	}
	s.mu.Unlock()

	switch frame.Meta.Type {
	case protocol.TypeResponse:
		s.onResponse(frame)
	case protocol.TypeNotify:
		s.onNotify(frame)
	default:
		s.dropped.Add(1)
		s.logger.Debug("unexpected_frame", map[string]interface{}{
			"type":   frame.Meta.Type.String(),
			"method": frame.Meta.Method,
		})
	}
}

func (s *Session) onResponse(frame *protocol.Frame) {
	pc := s.take(frame.Meta.ClientSeq)
	if pc == nil {
		s.stale.Add(1)
		s.logger.Debug("stale_response", map[string]interface{}{
			"seq": frame.Meta.ClientSeq,
		})
		return
	}
	s.responses.Add(1)

	r := result{body: frame.Body}
	if frame.IsRemoteError() {
		s.remoteErrs.Add(1)
		s.throttled(frame.Meta.ErrorCode)
		r = result{err: errors.Remote(frame.Meta.ErrorCode, frame.Meta.ErrorMessage,
			errors.WithAccount(s.cfg.Account),
			errors.WithMethod(pc.endpoint.String()),
			errors.WithMetadata("seq", strconv.FormatInt(pc.seq, 10)))}
	}

	// Any answer, even a rejection, proves the connection is alive.
	s.mu.Lock()
	observer := s.observer
	s.mu.Unlock()
	if observer != nil {
		observer()
	}
	pc.done <- r
}

func (s *Session) throttled(code int64) {
	r, ok := s.cfg.Limiter.(reducer)
	if !ok {
		return
	}
	for _, c := range s.cfg.ThrottleCodes {
		if c == code {
			r.Reduce(s.cfg.LimitResource, "remote code "+strconv.FormatInt(code, 10))
			return
		}
	}
}

func (s *Session) onNotify(frame *protocol.Frame) {
	ev, err := protocol.DecodeEvent(s.codec, frame.Body)
	if err != nil {
		s.dropped.Add(1)
		s.logger.Warn("push_dropped", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	s.pushes.Add(1)
	if err := s.bus.Publish(PushSubject(ev.Type), ev.Body); err != nil {
		s.logger.Debug("push_publish_failed", map[string]interface{}{
			"event": ev.Type,
			"error": err.Error(),
		})
	}
}

// PushSubject returns the bus subject a push event type is published on.
func PushSubject(eventType string) string {
	return PushSubjectPrefix + bus.Token(eventType)
}

// Subscribe subscribes to one push event type, or to all of them with "*".
// The subscription ends on the next Reset.
func (s *Session) Subscribe(eventType string) (bus.Subscription, error) {
	subject := PushSubject(eventType)
	if eventType == "*" {
		subject = PushSubjectPrefix + ">"
	}
	sub, err := s.bus.Subscribe(subject)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
	return sub, nil
}

// Reset drops the connection, rejects every pending call with
// CONNECTION_LOST and ends push subscriptions. The sequence counter is kept.
// It returns the number of calls rejected.
func (s *Session) Reset(reason string) int {
	s.mu.Lock()
	gen := s.generation
	s.mu.Unlock()
	return s.resetGeneration(gen, reason)
}

// resetGeneration resets only if gen is still the current attachment, so a
// late reader exit cannot tear down a newer connection.
func (s *Session) resetGeneration(gen uint64, reason string) int {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return 0
	}
	conn := s.conn
	s.conn = nil
	s.generation++
	if s.disconnected != nil && conn != nil {
		close(s.disconnected)
	}
	pending := s.pending
	s.pending = make(map[int64]*pendingCall)
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	for _, pc := range pending {
		pc.done <- result{err: errors.ConnectionLost(reason,
			errors.WithAccount(s.cfg.Account),
			errors.WithMethod(pc.endpoint.String()),
			errors.WithMetadata("seq", strconv.FormatInt(pc.seq, 10)))}
	}
	s.lost.Add(uint64(len(pending)))
	for _, sub := range subs {
		sub.Unsubscribe()
	}

	if conn != nil || len(pending) > 0 {
		s.logger.SessionLost(reason, len(pending))
	}
	return len(pending)
}

// Close resets the session and closes a bus it created itself.
func (s *Session) Close() error {
	s.Reset("session closed")
	if s.ownBus {
		return s.bus.Close()
	}
	return nil
}
