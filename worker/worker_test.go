package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/vinayprograms/farmkit/control"
	"github.com/vinayprograms/farmkit/domain"
	"github.com/vinayprograms/farmkit/errors"
	"github.com/vinayprograms/farmkit/protocol"
	"github.com/vinayprograms/farmkit/sessiontest"
)

var (
	loginEP = protocol.Endpoint{Service: "pb.User", Method: "Login"}
	pollEP  = protocol.Endpoint{Service: "pb.Plant", Method: "AllLands"}
)

// fakeDomain logs in and polls through the session and records what the
// worker asks of it.
type fakeDomain struct {
	mu      sync.Mutex
	env     *domain.Env
	applies []uint64
	runs    int

	// taskErrs receives failed task calls when set.
	taskErrs chan error
}

func (d *fakeDomain) Login(ctx context.Context, env *domain.Env) error {
	d.mu.Lock()
	d.env = env
	d.mu.Unlock()
	_, err := env.Caller.Call(ctx, loginEP, nil, 0)
	return err
}

func (d *fakeDomain) Tasks() []string { return []string{"farm"} }

func (d *fakeDomain) RunTask(ctx context.Context, kind string) error {
	d.mu.Lock()
	d.runs++
	env := d.env
	d.mu.Unlock()
	_, err := env.Caller.Call(ctx, pollEP, nil, 0)
	if err != nil && d.taskErrs != nil {
		select {
		case d.taskErrs <- err:
		default:
		}
	}
	return err
}

func (d *fakeDomain) Events() []string { return []string{"Kickout", "Boom", "Changed"} }

func (d *fakeDomain) OnEvent(ctx context.Context, eventType string, body []byte) {
	d.mu.Lock()
	env := d.env
	d.mu.Unlock()
	switch eventType {
	case "Kickout":
		env.Kick(string(body))
	case "Boom":
		panic("event handler exploded")
	case "Changed":
		env.Nudge("farm")
	}
}

func (d *fakeDomain) Apply(s *control.Snapshot) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.applies = append(d.applies, s.Revision)
	return nil
}

func (d *fakeDomain) Call(ctx context.Context, method string, args map[string]interface{}) (interface{}, error) {
	if method == "echo" {
		return args, nil
	}
	return nil, errors.Unsupported(method)
}

func (d *fakeDomain) Status() map[string]interface{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return map[string]interface{}{"applies": len(d.applies)}
}

func (d *fakeDomain) applyCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.applies)
}

// harness runs one worker against a fake server and records every message
// it sends upward.
type harness struct {
	t      *testing.T
	srv    *sessiontest.Server
	dom    *fakeDomain
	sup    control.Endpoint
	w      *Worker
	cancel context.CancelFunc
	done   chan error

	mu     sync.Mutex
	msgs   []*control.Message
	signal chan struct{}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	srv := sessiontest.NewServer(protocol.JSONCodec{})
	srv.HandleBody(loginEP, []byte(`{}`))
	srv.HandleBody(pollEP, []byte(`{"objects":[]}`))

	dom := &fakeDomain{}
	sup, wrk := control.NewChannel(0)

	cfg := DefaultConfig()
	cfg.Account = control.Account{ID: "alice"}
	cfg.Dialer = srv.Dialer()
	cfg.Domain = dom
	cfg.CallTimeout = time.Second
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.ReconnectMin = 10 * time.Millisecond
	cfg.ReconnectMax = 40 * time.Millisecond
	cfg.StatusInterval = time.Hour
	cfg.Resolution = 5 * time.Millisecond
	cfg.NudgeDebounce = 10 * time.Millisecond

	w, err := New(cfg, wrk)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	h := &harness{t: t, srv: srv, dom: dom, sup: sup, w: w, done: make(chan error, 1), signal: make(chan struct{}, 1)}
	go h.collect()

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- w.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
			t.Error("worker did not exit")
		}
		sup.Close()
	})
	return h
}

func (h *harness) collect() {
	for msg := range h.sup.Recv() {
		h.mu.Lock()
		h.msgs = append(h.msgs, msg)
		h.mu.Unlock()
		select {
		case h.signal <- struct{}{}:
		default:
		}
	}
}

func (h *harness) send(msg *control.Message) {
	h.t.Helper()
	if err := h.sup.Send(context.Background(), msg); err != nil {
		h.t.Fatalf("send %s: %v", msg.Kind, err)
	}
}

func (h *harness) start(schedule map[string]control.Interval) {
	h.send(control.NewStart(control.Account{ID: "alice"}))
	h.send(control.NewConfigSync(&control.Snapshot{Revision: 1, Schedule: schedule}))
}

// mark returns a position in the message log for waitAfter.
func (h *harness) mark() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.msgs)
}

// waitAfter returns the first message at or after pos matching pred.
func (h *harness) waitAfter(pos int, pred func(*control.Message) bool, timeout time.Duration) *control.Message {
	h.t.Helper()
	deadline := time.After(timeout)
	for {
		h.mu.Lock()
		for i := pos; i < len(h.msgs); i++ {
			if pred(h.msgs[i]) {
				m := h.msgs[i]
				h.mu.Unlock()
				return m
			}
		}
		h.mu.Unlock()
		select {
		case <-h.signal:
		case <-time.After(5 * time.Millisecond):
		case <-deadline:
			h.t.Fatalf("timeout waiting for message")
			return nil
		}
	}
}

func (h *harness) wait(pred func(*control.Message) bool) *control.Message {
	h.t.Helper()
	return h.waitAfter(0, pred, 2*time.Second)
}

func connected(want bool) func(*control.Message) bool {
	return func(m *control.Message) bool {
		return m.Kind == control.KindStatusSync && m.Status.Connected == want
	}
}

func kind(k control.Kind) func(*control.Message) bool {
	return func(m *control.Message) bool { return m.Kind == k }
}

func (h *harness) call(id, method string, args map[string]interface{}) *control.APIResponse {
	h.t.Helper()
	pos := h.mark()
	h.send(control.NewAPICall(id, method, args))
	m := h.waitAfter(pos, func(m *control.Message) bool {
		return m.Kind == control.KindAPIResponse && m.Response.ID == id
	}, 2*time.Second)
	return m.Response
}

var hourly = map[string]control.Interval{"farm": {Min: time.Hour, Max: time.Hour}}

func TestNew_Validation(t *testing.T) {
	_, wrk := control.NewChannel(0)
	srv := sessiontest.NewServer(nil)
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no account", Config{Dialer: srv.Dialer(), Domain: &fakeDomain{}}},
		{"no dialer", Config{Account: control.Account{ID: "a"}, Domain: &fakeDomain{}}},
		{"no domain", Config{Account: control.Account{ID: "a"}, Dialer: srv.Dialer()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg, wrk); !errors.Is(err, errors.ErrCodeInvalidInput) {
				t.Errorf("expected INVALID_INPUT, got %v", err)
			}
		})
	}
	if _, err := New(Config{Account: control.Account{ID: "a"}, Dialer: srv.Dialer(), Domain: &fakeDomain{}}, nil); err == nil {
		t.Error("expected error for nil endpoint")
	}
}

func TestConfig_Defaults(t *testing.T) {
	srv := sessiontest.NewServer(nil)
	cfg := Config{Account: control.Account{ID: "a"}, Dialer: srv.Dialer(), Domain: &fakeDomain{}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.ReconnectMax != 2*time.Minute || cfg.ReconnectMin != time.Second {
		t.Errorf("reconnect bounds = %s..%s", cfg.ReconnectMin, cfg.ReconnectMax)
	}
	if len(cfg.RejectCodes) != 1 || cfg.RejectCodes[0] != 400 {
		t.Errorf("reject codes = %v", cfg.RejectCodes)
	}
}

func TestWorker_ConnectsAndReports(t *testing.T) {
	h := newHarness(t)
	h.start(hourly)

	m := h.wait(connected(true))
	if m.Status.Account != "alice" {
		t.Errorf("account = %q", m.Status.Account)
	}
	if !h.srv.WaitRequests(sessiontest.DefaultProbe, 1, time.Second) {
		t.Error("no heartbeat probe sent")
	}
	h.wait(func(m *control.Message) bool {
		return m.Kind == control.KindStatusSync && m.Status.AppliedRevision == 1 && len(m.Status.Schedule) == 1
	})
}

func TestWorker_LogsForwarded(t *testing.T) {
	h := newHarness(t)
	h.start(hourly)
	h.wait(func(m *control.Message) bool {
		return m.Kind == control.KindLog && m.Log.Message == "worker starting" && m.Log.Account == "alice"
	})
}

func TestWorker_DegradedHeartbeatRejectsPending(t *testing.T) {
	h := newHarness(t)
	h.start(hourly)
	h.wait(connected(true))

	pos := h.mark()
	h.srv.SetBlackhole(true)

	results := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := h.w.Session().Call(context.Background(), pollEP, nil, 5*time.Second)
			results <- err
		}()
	}

	for i := 0; i < 3; i++ {
		select {
		case err := <-results:
			if !errors.Is(err, errors.ErrCodeConnectionLost) {
				t.Errorf("call %d: expected CONNECTION_LOST, got %v", i, err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("call %d never resolved", i)
		}
	}
	h.waitAfter(pos, connected(false), 2*time.Second)
	if h.w.Session().Pending() != 0 {
		t.Errorf("pending = %d after reset", h.w.Session().Pending())
	}

	// Once the server answers again the worker reconnects by itself.
	h.srv.SetBlackhole(false)
	pos = h.mark()
	h.waitAfter(pos, connected(true), 3*time.Second)
}

func TestWorker_DegradedHeartbeatRejectsScheduledCall(t *testing.T) {
	h := newHarness(t)
	errs := make(chan error, 8)
	h.dom.mu.Lock()
	h.dom.taskErrs = errs
	h.dom.mu.Unlock()

	h.start(map[string]control.Interval{"farm": {Min: 20 * time.Millisecond, Max: 20 * time.Millisecond}})
	h.wait(connected(true))

	pos := h.mark()
	h.srv.SetBlackhole(true)

	select {
	case err := <-errs:
		if !errors.Is(err, errors.ErrCodeConnectionLost) {
			t.Fatalf("scheduled call: expected CONNECTION_LOST, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled call never resolved")
	}

	m := h.waitAfter(pos, kind(control.KindError), 2*time.Second)
	if m.Error.Code() != errors.ErrCodeHeartbeatDegraded {
		t.Errorf("error code = %s, want HEARTBEAT_DEGRADED", m.Error.Code())
	}
}

func TestWorker_ConnectionDropReconnects(t *testing.T) {
	h := newHarness(t)
	h.start(hourly)
	h.wait(connected(true))

	pos := h.mark()
	h.srv.DropConnections()
	h.waitAfter(pos, connected(false), 2*time.Second)
	m := h.waitAfter(pos, connected(true), 2*time.Second)
	if m.Status.Reconnects < 1 {
		t.Errorf("reconnects = %d", m.Status.Reconnects)
	}
	if h.srv.CountRequests(loginEP) < 2 {
		t.Errorf("login calls = %d", h.srv.CountRequests(loginEP))
	}
}

func TestWorker_DialRetriesWithBackoff(t *testing.T) {
	h := newHarness(t)
	h.srv.SetRefuse(errors.Internal("refused"))
	h.start(hourly)

	deadline := time.Now().Add(2 * time.Second)
	for h.srv.Dials() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if h.srv.Dials() < 3 {
		t.Fatalf("dials = %d", h.srv.Dials())
	}
	h.srv.SetRefuse(nil)
	h.wait(connected(true))
}

func TestWorker_LoginRejectedHalts(t *testing.T) {
	h := newHarness(t)
	h.srv.HandleError(loginEP, 400, "bad token")
	h.start(hourly)

	m := h.wait(kind(control.KindRejected))
	if m.Rejected.Code != 400 {
		t.Errorf("code = %d", m.Rejected.Code)
	}
	time.Sleep(100 * time.Millisecond)
	if h.srv.Dials() != 1 {
		t.Errorf("dials after rejection = %d", h.srv.Dials())
	}
	resp := h.call("s1", "status", nil)
	var st control.Status
	if err := json.Unmarshal(resp.Result, &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.Halted != "rejected" || st.Connected {
		t.Errorf("status = %+v", st)
	}

	// A fixed token plus an explicit reconnect brings it back.
	h.srv.HandleBody(loginEP, []byte(`{}`))
	h.call("r1", "reconnect", nil)
	h.wait(connected(true))
}

func TestWorker_Kicked(t *testing.T) {
	h := newHarness(t)
	h.start(hourly)
	h.wait(connected(true))

	pos := h.mark()
	h.srv.Push("Kickout", []byte("logged in elsewhere"))
	m := h.waitAfter(pos, kind(control.KindKicked), 2*time.Second)
	if m.Kicked.Reason != "logged in elsewhere" {
		t.Errorf("reason = %q", m.Kicked.Reason)
	}
	h.waitAfter(pos, func(m *control.Message) bool {
		return m.Kind == control.KindStatusSync && !m.Status.Connected && m.Status.Halted == "kicked"
	}, 2*time.Second)

	dials := h.srv.Dials()
	time.Sleep(100 * time.Millisecond)
	if h.srv.Dials() != dials {
		t.Errorf("worker redialed after kick: %d -> %d", dials, h.srv.Dials())
	}
}

func TestWorker_ConfigSyncIdempotent(t *testing.T) {
	h := newHarness(t)
	h.start(hourly)
	h.wait(connected(true))

	snap := &control.Snapshot{Revision: 5, Schedule: map[string]control.Interval{
		"farm": {Min: 2 * time.Hour, Max: 2 * time.Hour},
	}}
	h.send(control.NewConfigSync(snap))
	h.wait(func(m *control.Message) bool {
		return m.Kind == control.KindStatusSync && m.Status.AppliedRevision == 5
	})
	first := h.w.Scheduler().Snapshot()[0]
	if first.Max != 2*time.Hour {
		t.Fatalf("bounds not applied: %+v", first)
	}
	applies := h.dom.applyCount()

	h.send(control.NewConfigSync(snap))
	// The control channel is ordered, so once this call is answered the
	// second config_sync has been handled.
	h.call("after", "status", nil)

	second := h.w.Scheduler().Snapshot()[0]
	if !second.Next.Equal(first.Next) {
		t.Errorf("duplicate revision rearmed: %v -> %v", first.Next, second.Next)
	}
	if h.dom.applyCount() != applies {
		t.Errorf("domain applied the same revision twice")
	}

	// An older revision is ignored as well.
	h.send(control.NewConfigSync(&control.Snapshot{Revision: 3, Schedule: hourly}))
	h.call("after-old", "status", nil)
	if got := h.w.Scheduler().Snapshot()[0].Max; got != 2*time.Hour {
		t.Errorf("older revision applied: max = %s", got)
	}
}

func TestWorker_ConfigShrinkTakesEffect(t *testing.T) {
	h := newHarness(t)
	h.start(hourly)
	h.wait(connected(true))

	h.send(control.NewConfigSync(&control.Snapshot{Revision: 2, Schedule: map[string]control.Interval{
		"farm": {Min: 20 * time.Millisecond, Max: 20 * time.Millisecond},
	}}))
	if !h.srv.WaitRequests(pollEP, 1, time.Second) {
		t.Fatal("shrunk interval did not take effect")
	}
}

func TestWorker_ConfigRemovesTask(t *testing.T) {
	h := newHarness(t)
	h.start(hourly)
	h.wait(connected(true))

	h.send(control.NewConfigSync(&control.Snapshot{Revision: 2}))
	h.call("after", "status", nil)
	if h.w.Scheduler().Armed("farm") {
		t.Error("task still armed after removal from schedule")
	}
}

func TestWorker_PushNudges(t *testing.T) {
	h := newHarness(t)
	h.start(hourly)
	h.wait(connected(true))

	h.srv.Push("Changed", nil)
	if !h.srv.WaitRequests(pollEP, 1, time.Second) {
		t.Fatal("nudge did not run the task")
	}
}

func TestWorker_APICalls(t *testing.T) {
	h := newHarness(t)
	h.start(hourly)
	h.wait(connected(true))

	resp := h.call("1", "status", nil)
	if resp.Error != nil {
		t.Fatalf("status: %v", resp.Error)
	}
	var st control.Status
	if err := json.Unmarshal(resp.Result, &st); err != nil || st.Account != "alice" || !st.Connected {
		t.Errorf("status = %+v (%v)", st, err)
	}

	resp = h.call("2", "nudge", map[string]interface{}{"kind": "farm"})
	if resp.Error != nil {
		t.Errorf("nudge: %v", resp.Error)
	}
	if !h.srv.WaitRequests(pollEP, 1, time.Second) {
		t.Error("nudge did not run the task")
	}

	resp = h.call("3", "nudge", map[string]interface{}{"kind": "nothing"})
	if resp.Error == nil || resp.Error.Code() != errors.ErrCodeInvalidInput {
		t.Errorf("nudge unknown kind: %+v", resp.Error)
	}

	resp = h.call("4", "echo", map[string]interface{}{"x": "y"})
	var echoed map[string]string
	if err := json.Unmarshal(resp.Result, &echoed); err != nil || echoed["x"] != "y" {
		t.Errorf("echo = %s", resp.Result)
	}

	resp = h.call("5", "explode", nil)
	if resp.Error == nil || resp.Error.Code() != errors.ErrCodeUnsupported {
		t.Errorf("unknown method: %+v", resp.Error)
	}
}

func TestWorker_StopExitsCleanly(t *testing.T) {
	h := newHarness(t)
	h.start(hourly)
	h.wait(connected(true))

	pos := h.mark()
	h.send(control.NewStop())
	select {
	case err := <-h.done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
		h.done <- nil
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
	h.waitAfter(pos, connected(false), time.Second)
	if h.srv.WaitConnections(0, time.Second) == false {
		t.Error("connection left open after stop")
	}
}

func TestWorker_PanicReportedBeforeExit(t *testing.T) {
	h := newHarness(t)
	h.start(hourly)
	h.wait(connected(true))

	h.srv.Push("Boom", nil)
	m := h.wait(kind(control.KindError))
	if m.Error.Code() != errors.ErrCodePanic {
		t.Errorf("error code = %s", m.Error.Code())
	}
	select {
	case err := <-h.done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
		h.done <- nil
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit after panic")
	}
}
