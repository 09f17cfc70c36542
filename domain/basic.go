package domain

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/vinayprograms/farmkit/control"
	"github.com/vinayprograms/farmkit/errors"
	"github.com/vinayprograms/farmkit/protocol"
)

// DefaultKickoutEvent is the push type meaning the account was logged out.
const DefaultKickoutEvent = "Kickout"

// BasicSettings is the settings layout Basic reads. Snapshot settings are
// overlaid by the account's own settings.
type BasicSettings struct {
	Login        string                  `json:"login"`
	KickoutEvent string                  `json:"kickout_event"`
	Tasks        map[string]TaskSettings `json:"tasks"`
	Nudge        map[string]string       `json:"nudge"`
	CallTimeout  string                  `json:"call_timeout"`
}

// TaskSettings describes one task kind.
type TaskSettings struct {
	// Endpoint is polled each tick.
	Endpoint string `json:"endpoint"`

	// FollowUp is called with the ids of actionable objects in the reply.
	FollowUp string `json:"follow_up"`

	// Fallback replaces FollowUp when it fails with one of FallbackCodes.
	Fallback      string  `json:"fallback"`
	FallbackCodes []int64 `json:"fallback_codes"`
}

// object is one entry of a polled reply.
type object struct {
	ID    interface{} `json:"id"`
	State string      `json:"state"`
}

type pollReply struct {
	Objects []object `json:"objects"`
}

type kindStats struct {
	Runs     int       `json:"runs"`
	Acted    int       `json:"acted"`
	Failures int       `json:"failures"`
	LastRun  time.Time `json:"last_run,omitempty"`
}

// Basic is a settings-driven Domain.
type Basic struct {
	account control.Account

	mu        sync.Mutex
	env       *Env
	settings  BasicSettings
	policy    Policy
	revision  uint64
	loggedIn  bool
	stats     map[string]*kindStats
	lastError string
}

// NewBasic creates a Basic domain for one account.
func NewBasic(account control.Account) *Basic {
	b := &Basic{account: account, stats: make(map[string]*kindStats)}
	b.settings, _ = mergeSettings(nil, account.Settings)
	return b
}

// mergeSettings overlays account settings on snapshot settings and decodes
// the result.
func mergeSettings(base, override map[string]interface{}) (BasicSettings, error) {
	merged := make(map[string]interface{}, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	var s BasicSettings
	data, err := json.Marshal(merged)
	if err != nil {
		return s, errors.InvalidInput("encode settings", errors.WithCause(err))
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, errors.InvalidInput("decode settings", errors.WithCause(err))
	}
	if s.KickoutEvent == "" {
		s.KickoutEvent = DefaultKickoutEvent
	}
	return s, nil
}

func (s BasicSettings) timeout() time.Duration {
	d, err := time.ParseDuration(s.CallTimeout)
	if err != nil || d <= 0 {
		return 0
	}
	return d
}

// Login calls the configured login endpoint with the account token. With no
// login endpoint the session is used as is.
func (b *Basic) Login(ctx context.Context, env *Env) error {
	b.mu.Lock()
	b.env = env
	b.loggedIn = false
	settings := b.settings
	b.mu.Unlock()

	if settings.Login != "" {
		ep, err := protocol.ParseEndpoint(settings.Login)
		if err != nil {
			return err
		}
		body, err := env.Codec.Marshal(map[string]interface{}{
			"account": b.account.ID,
			"token":   b.account.Token,
		})
		if err != nil {
			return errors.Wrap(err, "encode login")
		}
		if _, err := env.Caller.Call(ctx, ep, body, settings.timeout()); err != nil {
			b.fail(err)
			return err
		}
	}

	b.mu.Lock()
	b.loggedIn = true
	b.mu.Unlock()
	return nil
}

// Tasks returns the configured task kinds, sorted.
func (b *Basic) Tasks() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	kinds := make([]string, 0, len(b.settings.Tasks))
	for k := range b.settings.Tasks {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// RunTask polls the task endpoint and calls the follow-up on every object
// the policy says is actionable.
func (b *Basic) RunTask(ctx context.Context, kind string) error {
	b.mu.Lock()
	env := b.env
	settings := b.settings
	policy := b.policy
	st := b.statsFor(kind)
	st.Runs++
	st.LastRun = time.Now()
	b.mu.Unlock()

	ts, ok := settings.Tasks[kind]
	if !ok {
		return errors.Unsupported("task " + kind)
	}
	if env == nil {
		return errors.NotConnected()
	}

	acted, err := b.runTask(ctx, env, ts, policy, settings.timeout())

	b.mu.Lock()
	st.Acted += acted
	if err != nil {
		st.Failures++
	}
	b.mu.Unlock()
	if err != nil {
		b.fail(err)
	}
	return err
}

func (b *Basic) runTask(ctx context.Context, env *Env, ts TaskSettings, policy Policy, timeout time.Duration) (int, error) {
	ep, err := protocol.ParseEndpoint(ts.Endpoint)
	if err != nil {
		return 0, err
	}
	empty, err := env.Codec.Marshal(map[string]interface{}{})
	if err != nil {
		return 0, errors.Wrap(err, "encode poll")
	}
	resp, err := env.Caller.Call(ctx, ep, empty, timeout)
	if err != nil {
		return 0, err
	}
	if ts.FollowUp == "" || len(resp) == 0 {
		return 0, nil
	}

	var reply pollReply
	if err := env.Codec.Unmarshal(resp, &reply); err != nil {
		return 0, errors.Decode(err, errors.WithMethod(ep.String()))
	}
	var ids []interface{}
	for _, o := range reply.Objects {
		if policy.Actionable(ParseObjectState(o.State)) {
			ids = append(ids, o.ID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}

	follow, err := protocol.ParseEndpoint(ts.FollowUp)
	if err != nil {
		return 0, err
	}
	body, err := env.Codec.Marshal(map[string]interface{}{"ids": ids})
	if err != nil {
		return 0, errors.Wrap(err, "encode follow-up")
	}

	var policies []RetryPolicy
	if ts.Fallback != "" && len(ts.FallbackCodes) > 0 {
		fallback, err := protocol.ParseEndpoint(ts.Fallback)
		if err != nil {
			return 0, err
		}
		policies = append(policies, RetryPolicy{
			Name:  "fallback",
			Match: OnRemoteCode(ts.FallbackCodes...),
			Build: func(_ protocol.Endpoint, body []byte, _ error) (protocol.Endpoint, []byte, error) {
				return fallback, body, nil
			},
		})
	}
	if _, err := Invoke(ctx, env.Caller, follow, body, timeout, policies...); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Events returns the kickout event and every nudge trigger, sorted.
func (b *Basic) Events() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	events := []string{b.settings.KickoutEvent}
	for ev := range b.settings.Nudge {
		if ev != b.settings.KickoutEvent {
			events = append(events, ev)
		}
	}
	sort.Strings(events[1:])
	return events
}

// OnEvent maps the kickout event to Env.Kick and nudge triggers to Env.Nudge.
func (b *Basic) OnEvent(ctx context.Context, eventType string, body []byte) {
	b.mu.Lock()
	env := b.env
	settings := b.settings
	b.mu.Unlock()
	if env == nil {
		return
	}

	if eventType == settings.KickoutEvent {
		reason := eventType
		var payload struct {
			Reason string `json:"reason"`
		}
		if len(body) > 0 && env.Codec.Unmarshal(body, &payload) == nil && payload.Reason != "" {
			reason = payload.Reason
		}
		b.mu.Lock()
		b.loggedIn = false
		b.mu.Unlock()
		if env.Kick != nil {
			env.Kick(reason)
		}
		return
	}
	if kind, ok := settings.Nudge[eventType]; ok && env.Nudge != nil {
		env.Nudge(kind)
	}
}

// Apply takes the snapshot's settings and policy. Account settings still win.
func (b *Basic) Apply(snapshot *control.Snapshot) error {
	settings, err := mergeSettings(snapshot.Settings, b.account.Settings)
	if err != nil {
		return err
	}
	for kind, ts := range settings.Tasks {
		if _, err := protocol.ParseEndpoint(ts.Endpoint); err != nil {
			return errors.InvalidInput("task " + kind + ": " + err.Error())
		}
	}
	b.mu.Lock()
	b.settings = settings
	b.policy = Policy(snapshot.Policy)
	b.revision = snapshot.Revision
	b.mu.Unlock()
	return nil
}

// Call answers "run" (one tick of args.kind), "raw" (a passthrough call with
// args.endpoint and args.body) and "settings".
func (b *Basic) Call(ctx context.Context, method string, args map[string]interface{}) (interface{}, error) {
	switch method {
	case "run":
		kind, _ := args["kind"].(string)
		if kind == "" {
			return nil, errors.InvalidInput("run needs a kind")
		}
		if err := b.RunTask(ctx, kind); err != nil {
			return nil, err
		}
		return map[string]interface{}{"ok": true}, nil

	case "raw":
		b.mu.Lock()
		env := b.env
		timeout := b.settings.timeout()
		b.mu.Unlock()
		if env == nil {
			return nil, errors.NotConnected()
		}
		epStr, _ := args["endpoint"].(string)
		ep, err := protocol.ParseEndpoint(epStr)
		if err != nil {
			return nil, err
		}
		body, err := env.Codec.Marshal(args["body"])
		if err != nil {
			return nil, errors.Wrap(err, "encode raw body")
		}
		resp, err := env.Caller.Call(ctx, ep, body, timeout)
		if err != nil {
			return nil, err
		}
		var out interface{}
		if len(resp) > 0 {
			if err := env.Codec.Unmarshal(resp, &out); err != nil {
				return nil, errors.Decode(err, errors.WithMethod(ep.String()))
			}
		}
		return out, nil

	case "settings":
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.settings, nil
	}
	return nil, errors.Unsupported(method)
}

// Status reports login state and per-kind counters.
func (b *Basic) Status() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	stats := make(map[string]kindStats, len(b.stats))
	for k, v := range b.stats {
		stats[k] = *v
	}
	out := map[string]interface{}{
		"logged_in": b.loggedIn,
		"revision":  b.revision,
		"tasks":     stats,
	}
	if b.lastError != "" {
		out["last_error"] = b.lastError
	}
	return out
}

func (b *Basic) statsFor(kind string) *kindStats {
	st, ok := b.stats[kind]
	if !ok {
		st = &kindStats{}
		b.stats[kind] = st
	}
	return st
}

func (b *Basic) fail(err error) {
	b.mu.Lock()
	b.lastError = err.Error()
	b.mu.Unlock()
}

var _ Domain = (*Basic)(nil)
