package domain

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/vinayprograms/farmkit/control"
	"github.com/vinayprograms/farmkit/errors"
	"github.com/vinayprograms/farmkit/protocol"
)

// fakeCaller answers calls from a table and records what was asked.
type fakeCaller struct {
	mu       sync.Mutex
	handlers map[string]func(body []byte) ([]byte, error)
	calls    []string
	bodies   map[string][]byte
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{
		handlers: make(map[string]func([]byte) ([]byte, error)),
		bodies:   make(map[string][]byte),
	}
}

func (f *fakeCaller) on(ep string, h func(body []byte) ([]byte, error)) {
	f.handlers[ep] = h
}

func (f *fakeCaller) Call(ctx context.Context, ep protocol.Endpoint, body []byte, timeout time.Duration) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, ep.String())
	f.bodies[ep.String()] = body
	h := f.handlers[ep.String()]
	f.mu.Unlock()
	if h == nil {
		return nil, errors.Remote(404, "no handler")
	}
	return h(body)
}

func (f *fakeCaller) called(ep string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == ep {
			n++
		}
	}
	return n
}

func reply(v interface{}) func([]byte) ([]byte, error) {
	return func([]byte) ([]byte, error) { return json.Marshal(v) }
}

func farmSettings() map[string]interface{} {
	return map[string]interface{}{
		"login": "pb.User/Login",
		"tasks": map[string]interface{}{
			"farm": map[string]interface{}{
				"endpoint":       "pb.Plant/AllLands",
				"follow_up":      "pb.Plant/Harvest",
				"fallback":       "pb.Plant/HarvestOne",
				"fallback_codes": []int64{1000020},
			},
			"friends": map[string]interface{}{"endpoint": "pb.Friend/List"},
		},
		"nudge": map[string]interface{}{"LandsChanged": "farm"},
	}
}

func newEnv(c Caller) (*Env, *[]string, *[]string) {
	var nudges, kicks []string
	env := &Env{
		Account: control.Account{ID: "alice"},
		Caller:  c,
		Codec:   protocol.JSONCodec{},
		Nudge:   func(kind string) bool { nudges = append(nudges, kind); return true },
		Kick:    func(reason string) { kicks = append(kicks, reason) },
	}
	return env, &nudges, &kicks
}

func TestPolicy_Actionable(t *testing.T) {
	tests := []struct {
		state  string
		strict bool
		lax    bool
	}{
		{"mature", true, true},
		{"growing", false, false},
		{"withered?", false, true},
		{"", false, true},
	}
	strict := Policy{}
	lax := Policy{TreatUnknownAsTerminal: true}
	for _, tt := range tests {
		s := ParseObjectState(tt.state)
		if got := strict.Actionable(s); got != tt.strict {
			t.Errorf("strict %q = %v", tt.state, got)
		}
		if got := lax.Actionable(s); got != tt.lax {
			t.Errorf("lax %q = %v", tt.state, got)
		}
	}
}

func TestInvoke(t *testing.T) {
	ctx := context.Background()
	primary := protocol.Endpoint{Service: "pb.Plant", Method: "Harvest"}
	alt := protocol.Endpoint{Service: "pb.Plant", Method: "HarvestOne"}
	policy := RetryPolicy{
		Name:  "alt",
		Match: OnRemoteCode(1000020),
		Build: func(_ protocol.Endpoint, body []byte, _ error) (protocol.Endpoint, []byte, error) {
			return alt, body, nil
		},
	}

	t.Run("success skips policy", func(t *testing.T) {
		c := newFakeCaller()
		c.on(primary.String(), reply("ok"))
		if _, err := Invoke(ctx, c, primary, nil, 0, policy); err != nil {
			t.Fatalf("Invoke: %v", err)
		}
		if c.called(alt.String()) != 0 {
			t.Error("alternate should not be called")
		}
	})

	t.Run("matching code uses alternate", func(t *testing.T) {
		c := newFakeCaller()
		c.on(primary.String(), func([]byte) ([]byte, error) { return nil, errors.Remote(1000020, "shape") })
		c.on(alt.String(), reply("alt"))
		resp, err := Invoke(ctx, c, primary, []byte("x"), 0, policy)
		if err != nil {
			t.Fatalf("Invoke: %v", err)
		}
		if string(resp) != `"alt"` {
			t.Errorf("resp = %s", resp)
		}
	})

	t.Run("other code is returned", func(t *testing.T) {
		c := newFakeCaller()
		c.on(primary.String(), func([]byte) ([]byte, error) { return nil, errors.Remote(7, "nope") })
		_, err := Invoke(ctx, c, primary, nil, 0, policy)
		if code, ok := errors.RemoteCode(err); !ok || code != 7 {
			t.Errorf("expected remote 7, got %v", err)
		}
		if c.called(alt.String()) != 0 {
			t.Error("alternate should not be called")
		}
	})

	t.Run("transport errors do not match", func(t *testing.T) {
		c := newFakeCaller()
		c.on(primary.String(), func([]byte) ([]byte, error) { return nil, errors.NotConnected() })
		_, err := Invoke(ctx, c, primary, nil, 0, policy)
		if !errors.Is(err, errors.ErrCodeNotConnected) {
			t.Errorf("expected NOT_CONNECTED, got %v", err)
		}
	})
}

func TestBasic_LoginAndTasks(t *testing.T) {
	b := NewBasic(control.Account{ID: "alice", Token: "t0k"})
	if err := b.Apply(&control.Snapshot{Revision: 1, Settings: farmSettings()}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := b.Tasks(); len(got) != 2 || got[0] != "farm" || got[1] != "friends" {
		t.Errorf("Tasks = %v", got)
	}
	if got := b.Events(); len(got) != 2 || got[0] != DefaultKickoutEvent || got[1] != "LandsChanged" {
		t.Errorf("Events = %v", got)
	}

	c := newFakeCaller()
	c.on("pb.User/Login", reply(map[string]int{"gid": 1}))
	env, _, _ := newEnv(c)
	if err := b.Login(context.Background(), env); err != nil {
		t.Fatalf("Login: %v", err)
	}

	var sent map[string]string
	if err := json.Unmarshal(c.bodies["pb.User/Login"], &sent); err != nil || sent["token"] != "t0k" {
		t.Errorf("login body = %s", c.bodies["pb.User/Login"])
	}
	if b.Status()["logged_in"] != true {
		t.Error("status should report logged in")
	}
}

func TestBasic_LoginRejected(t *testing.T) {
	b := NewBasic(control.Account{ID: "alice", Settings: map[string]interface{}{"login": "pb.User/Login"}})
	c := newFakeCaller()
	c.on("pb.User/Login", func([]byte) ([]byte, error) { return nil, errors.Remote(400, "bad token") })
	env, _, _ := newEnv(c)

	err := b.Login(context.Background(), env)
	if code, ok := errors.RemoteCode(err); !ok || code != 400 {
		t.Fatalf("expected remote 400, got %v", err)
	}
	if b.Status()["logged_in"] != false {
		t.Error("status should not report logged in")
	}
}

func TestBasic_RunTaskFollowUp(t *testing.T) {
	tests := []struct {
		name     string
		lax      bool
		harvests int
		acted    int
	}{
		{"strict", false, 1, 1},
		{"treat unknown as terminal", true, 1, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBasic(control.Account{ID: "alice"})
			snap := &control.Snapshot{Revision: 1, Settings: farmSettings(), Policy: control.Policy{TreatUnknownAsTerminal: tt.lax}}
			if err := b.Apply(snap); err != nil {
				t.Fatalf("Apply: %v", err)
			}
			c := newFakeCaller()
			c.on("pb.User/Login", reply(nil))
			c.on("pb.Plant/AllLands", reply(map[string]interface{}{
				"objects": []map[string]interface{}{
					{"id": 1, "state": "mature"},
					{"id": 2, "state": "growing"},
					{"id": 3, "state": "mystery"},
				},
			}))
			c.on("pb.Plant/Harvest", reply(nil))
			env, _, _ := newEnv(c)
			b.Login(context.Background(), env)

			if err := b.RunTask(context.Background(), "farm"); err != nil {
				t.Fatalf("RunTask: %v", err)
			}
			if c.called("pb.Plant/Harvest") != tt.harvests {
				t.Errorf("harvest calls = %d", c.called("pb.Plant/Harvest"))
			}
			var sent struct {
				IDs []int `json:"ids"`
			}
			json.Unmarshal(c.bodies["pb.Plant/Harvest"], &sent)
			if len(sent.IDs) != tt.acted {
				t.Errorf("ids = %v", sent.IDs)
			}
		})
	}
}

func TestBasic_RunTaskFallback(t *testing.T) {
	b := NewBasic(control.Account{ID: "alice"})
	b.Apply(&control.Snapshot{Revision: 1, Settings: farmSettings()})

	c := newFakeCaller()
	c.on("pb.Plant/AllLands", reply(map[string]interface{}{
		"objects": []map[string]interface{}{{"id": 9, "state": "ready"}},
	}))
	c.on("pb.Plant/Harvest", func([]byte) ([]byte, error) { return nil, errors.Remote(1000020, "old shape") })
	c.on("pb.Plant/HarvestOne", reply(nil))
	c.on("pb.User/Login", reply(nil))
	env, _, _ := newEnv(c)
	b.Login(context.Background(), env)

	if err := b.RunTask(context.Background(), "farm"); err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	if c.called("pb.Plant/HarvestOne") != 1 {
		t.Error("fallback not used")
	}
}

func TestBasic_RunTaskErrors(t *testing.T) {
	b := NewBasic(control.Account{ID: "alice"})
	b.Apply(&control.Snapshot{Revision: 1, Settings: farmSettings()})

	if err := b.RunTask(context.Background(), "farm"); !errors.Is(err, errors.ErrCodeNotConnected) {
		t.Errorf("before login: %v", err)
	}

	c := newFakeCaller()
	env, _, _ := newEnv(c)
	c.on("pb.User/Login", reply(nil))
	b.Login(context.Background(), env)

	if err := b.RunTask(context.Background(), "unknown"); !errors.Is(err, errors.ErrCodeUnsupported) {
		t.Errorf("unknown kind: %v", err)
	}
	if err := b.RunTask(context.Background(), "friends"); err == nil {
		t.Error("expected remote error from unhandled endpoint")
	}

	tasks := b.Status()["tasks"].(map[string]kindStats)
	if tasks["friends"].Failures != 1 {
		t.Errorf("friends stats = %+v", tasks["friends"])
	}
	if b.Status()["last_error"] == nil {
		t.Error("last_error not recorded")
	}
}

func TestBasic_OnEvent(t *testing.T) {
	b := NewBasic(control.Account{ID: "alice"})
	b.Apply(&control.Snapshot{Revision: 1, Settings: farmSettings()})
	c := newFakeCaller()
	c.on("pb.User/Login", reply(nil))
	env, nudges, kicks := newEnv(c)
	b.Login(context.Background(), env)

	b.OnEvent(context.Background(), "LandsChanged", nil)
	b.OnEvent(context.Background(), "Unrelated", nil)
	if len(*nudges) != 1 || (*nudges)[0] != "farm" {
		t.Errorf("nudges = %v", *nudges)
	}

	body, _ := json.Marshal(map[string]string{"reason": "logged in elsewhere"})
	b.OnEvent(context.Background(), DefaultKickoutEvent, body)
	if len(*kicks) != 1 || (*kicks)[0] != "logged in elsewhere" {
		t.Errorf("kicks = %v", *kicks)
	}
	if b.Status()["logged_in"] != false {
		t.Error("kickout should clear logged_in")
	}
}

func TestBasic_AccountSettingsWin(t *testing.T) {
	b := NewBasic(control.Account{ID: "alice", Settings: map[string]interface{}{
		"tasks": map[string]interface{}{"solo": map[string]interface{}{"endpoint": "pb.Solo/Tick"}},
	}})
	if err := b.Apply(&control.Snapshot{Revision: 2, Settings: farmSettings()}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := b.Tasks(); len(got) != 1 || got[0] != "solo" {
		t.Errorf("Tasks = %v", got)
	}
	if b.Status()["revision"] != uint64(2) {
		t.Errorf("revision = %v", b.Status()["revision"])
	}
}

func TestBasic_ApplyRejectsBadEndpoint(t *testing.T) {
	b := NewBasic(control.Account{ID: "alice"})
	err := b.Apply(&control.Snapshot{Revision: 1, Settings: map[string]interface{}{
		"tasks": map[string]interface{}{"farm": map[string]interface{}{"endpoint": "nomethod"}},
	}})
	if !errors.Is(err, errors.ErrCodeInvalidInput) {
		t.Errorf("expected INVALID_INPUT, got %v", err)
	}
}

func TestBasic_Call(t *testing.T) {
	b := NewBasic(control.Account{ID: "alice"})
	b.Apply(&control.Snapshot{Revision: 1, Settings: farmSettings()})

	if _, err := b.Call(context.Background(), "raw", map[string]interface{}{"endpoint": "pb.X/Y"}); !errors.Is(err, errors.ErrCodeNotConnected) {
		t.Errorf("raw before login: %v", err)
	}

	c := newFakeCaller()
	c.on("pb.User/Login", reply(nil))
	c.on("pb.Shop/Buy", reply(map[string]int{"gold": 5}))
	c.on("pb.Friend/List", reply(nil))
	env, _, _ := newEnv(c)
	b.Login(context.Background(), env)

	out, err := b.Call(context.Background(), "raw", map[string]interface{}{
		"endpoint": "pb.Shop/Buy",
		"body":     map[string]int{"item": 3},
	})
	if err != nil {
		t.Fatalf("raw: %v", err)
	}
	if m, ok := out.(map[string]interface{}); !ok || m["gold"] != float64(5) {
		t.Errorf("raw result = %#v", out)
	}

	if _, err := b.Call(context.Background(), "run", map[string]interface{}{"kind": "friends"}); err != nil {
		t.Errorf("run: %v", err)
	}
	if _, err := b.Call(context.Background(), "run", nil); !errors.Is(err, errors.ErrCodeInvalidInput) {
		t.Errorf("run without kind: %v", err)
	}
	if _, err := b.Call(context.Background(), "settings", nil); err != nil {
		t.Errorf("settings: %v", err)
	}
	if _, err := b.Call(context.Background(), "explode", nil); !errors.Is(err, errors.ErrCodeUnsupported) {
		t.Errorf("unknown method: %v", err)
	}
}
