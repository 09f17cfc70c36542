package domain

import (
	"context"
	"time"

	"github.com/vinayprograms/farmkit/control"
	"github.com/vinayprograms/farmkit/logging"
	"github.com/vinayprograms/farmkit/protocol"
)

// Caller issues one correlated request. *session.Session satisfies it.
type Caller interface {
	Call(ctx context.Context, ep protocol.Endpoint, body []byte, timeout time.Duration) ([]byte, error)
}

// Env is what the worker hands a Domain on login.
type Env struct {
	Account control.Account
	Caller  Caller
	Codec   protocol.Codec
	Logger  *logging.Logger

	// Now returns the skew-corrected server time.
	Now func() time.Time

	// Nudge requests an out-of-band run of a task kind.
	Nudge func(kind string) bool

	// Kick reports that the account was logged out remotely. The worker
	// tears the session down and stops reconnecting.
	Kick func(reason string)
}

// Domain is the game logic hosted by a worker.
type Domain interface {
	// Login runs the handshake on a freshly attached session. A remote
	// error here is a rejection of the account.
	Login(ctx context.Context, env *Env) error

	// Tasks lists the task kinds the domain can run.
	Tasks() []string

	// RunTask runs one tick of kind.
	RunTask(ctx context.Context, kind string) error

	// Events lists push event types to subscribe to after login.
	Events() []string

	// OnEvent handles one push event.
	OnEvent(ctx context.Context, eventType string, body []byte)

	// Apply takes a new configuration snapshot.
	Apply(snapshot *control.Snapshot) error

	// Call answers an api_call method the worker does not handle itself.
	Call(ctx context.Context, method string, args map[string]interface{}) (interface{}, error)

	// Status returns domain fields for status_sync.
	Status() map[string]interface{}
}

// ObjectState classifies a game object after an action.
type ObjectState int

const (
	StateUnknown ObjectState = iota
	StatePending
	StateTerminal
)

// ParseObjectState maps a reported state name to an ObjectState.
func ParseObjectState(s string) ObjectState {
	switch s {
	case "terminal", "mature", "ready", "done":
		return StateTerminal
	case "pending", "growing", "busy":
		return StatePending
	default:
		return StateUnknown
	}
}

// Policy is control.Policy with behavior attached.
type Policy control.Policy

// Actionable reports whether an object in state s should be acted on.
// Unknown states count only when TreatUnknownAsTerminal is set.
func (p Policy) Actionable(s ObjectState) bool {
	switch s {
	case StateTerminal:
		return true
	case StateUnknown:
		return p.TreatUnknownAsTerminal
	default:
		return false
	}
}
