package control

import (
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/vinayprograms/farmkit/errors"
	"github.com/vinayprograms/farmkit/logging"
	"github.com/vinayprograms/farmkit/scheduler"
)

// Kind tags a control message.
type Kind string

const (
	KindStart       Kind = "start"
	KindStop        Kind = "stop"
	KindConfigSync  Kind = "config_sync"
	KindAPICall     Kind = "api_call"
	KindAPIResponse Kind = "api_response"
	KindStatusSync  Kind = "status_sync"
	KindLog         Kind = "log"
	KindError       Kind = "error"
	KindRejected    Kind = "rejected"
	KindKicked      Kind = "kicked"
)

// Message is one control message. Exactly one payload field matching Kind is set.
type Message struct {
	Kind Kind      `json:"kind"`
	Time time.Time `json:"time"`

	Start    *Start        `json:"start,omitempty"`
	Config   *Snapshot     `json:"config,omitempty"`
	Call     *APICall      `json:"call,omitempty"`
	Response *APIResponse  `json:"response,omitempty"`
	Status   *Status       `json:"status,omitempty"`
	Log      *logging.Entry `json:"log,omitempty"`
	Error    *errors.Error `json:"error,omitempty"`
	Rejected *Rejected     `json:"rejected,omitempty"`
	Kicked   *Kicked       `json:"kicked,omitempty"`
}

// Account is one managed account.
type Account struct {
	ID       string                 `json:"id" toml:"id" yaml:"id"`
	Name     string                 `json:"name,omitempty" toml:"name" yaml:"name"`
	Token    string                 `json:"-" toml:"token" yaml:"token"`
	Enabled  *bool                  `json:"enabled,omitempty" toml:"enabled" yaml:"enabled"`
	Settings map[string]interface{} `json:"settings,omitempty" toml:"settings" yaml:"settings"`
}

// IsEnabled reports whether the account should be started. Unset means yes.
func (a Account) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// DisplayName returns Name, falling back to ID.
func (a Account) DisplayName() string {
	if a.Name != "" {
		return a.Name
	}
	return a.ID
}

// Start is the payload of a start message.
type Start struct {
	Account Account `json:"account"`
}

// Interval bounds one scheduled task kind.
type Interval struct {
	Min time.Duration `json:"min"`
	Max time.Duration `json:"max"`
}

// Policy holds domain compatibility switches.
type Policy struct {
	// TreatUnknownAsTerminal makes the domain act on objects whose state it
	// cannot classify as if they had reached their terminal state.
	TreatUnknownAsTerminal bool `json:"treat_unknown_as_terminal"`
}

// Snapshot is a versioned configuration pushed to workers. Workers apply it
// idempotently: a revision at or below the applied one is ignored.
type Snapshot struct {
	Revision uint64                 `json:"revision"`
	Schedule map[string]Interval    `json:"schedule,omitempty"`
	Settings map[string]interface{} `json:"settings,omitempty"`
	Policy   Policy                 `json:"policy"`
}

// SameContent reports whether two snapshots differ only in revision.
func (s *Snapshot) SameContent(o *Snapshot) bool {
	if s == nil || o == nil {
		return s == o
	}
	a, errA := json.Marshal(Snapshot{Schedule: s.Schedule, Settings: s.Settings, Policy: s.Policy})
	b, errB := json.Marshal(Snapshot{Schedule: o.Schedule, Settings: o.Settings, Policy: o.Policy})
	return errA == nil && errB == nil && string(a) == string(b)
}

// APICall is an on-demand request.
type APICall struct {
	ID     string                 `json:"id"`
	Method string                 `json:"method"`
	Args   map[string]interface{} `json:"args,omitempty"`
}

// APIResponse answers exactly one APICall.
type APIResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *errors.Error   `json:"error,omitempty"`
}

// Status is what a worker reports about itself.
type Status struct {
	Account         string                 `json:"account"`
	Connected       bool                   `json:"connected"`
	Heartbeat       string                 `json:"heartbeat"`
	Misses          int                    `json:"misses"`
	LastHeartbeat   time.Time              `json:"last_heartbeat,omitempty"`
	ServerTime      time.Time              `json:"server_time,omitempty"`
	AppliedRevision uint64                 `json:"applied_revision"`
	Schedule        []scheduler.Status     `json:"schedule,omitempty"`
	Pending         int                    `json:"pending"`
	Reconnects      int                    `json:"reconnects"`
	Halted          string                 `json:"halted,omitempty"`
	Stats           map[string]uint64      `json:"stats,omitempty"`
	Domain          map[string]interface{} `json:"domain,omitempty"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// Rejected reports that the service refused the session.
type Rejected struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

// Kicked reports that the account was logged out by the service.
type Kicked struct {
	Reason string `json:"reason"`
}

func newMessage(kind Kind) *Message {
	return &Message{Kind: kind, Time: time.Now()}
}

// NewStart builds a start message.
func NewStart(acct Account) *Message {
	m := newMessage(KindStart)
	m.Start = &Start{Account: acct}
	return m
}

// NewStop builds a stop message.
func NewStop() *Message {
	return newMessage(KindStop)
}

// NewConfigSync builds a config_sync message.
func NewConfigSync(s *Snapshot) *Message {
	m := newMessage(KindConfigSync)
	m.Config = s
	return m
}

// NewAPICall builds an api_call message.
func NewAPICall(id, method string, args map[string]interface{}) *Message {
	m := newMessage(KindAPICall)
	m.Call = &APICall{ID: id, Method: method, Args: args}
	return m
}

// NewAPIResponse builds an api_response. A nil err means success.
func NewAPIResponse(id string, result interface{}, err error) *Message {
	m := newMessage(KindAPIResponse)
	resp := &APIResponse{ID: id}
	if err != nil {
		resp.Error = asError(err)
	} else if result != nil {
		data, merr := json.Marshal(result)
		if merr != nil {
			resp.Error = errors.Wrap(merr, "encode api result")
		} else {
			resp.Result = data
		}
	}
	m.Response = resp
	return m
}

// NewStatusSync builds a status_sync message.
func NewStatusSync(s *Status) *Message {
	m := newMessage(KindStatusSync)
	m.Status = s
	return m
}

// NewLog builds a log message.
func NewLog(e logging.Entry) *Message {
	m := newMessage(KindLog)
	m.Log = &e
	return m
}

// NewError builds an error message.
func NewError(err error) *Message {
	m := newMessage(KindError)
	m.Error = asError(err)
	return m
}

// asError keeps an already coded error as is so its code survives the trip.
func asError(err error) *errors.Error {
	var coded *errors.Error
	if stderrors.As(err, &coded) {
		return coded
	}
	return errors.Wrap(err, err.Error())
}

// NewRejected builds a rejected message.
func NewRejected(code int64, message string) *Message {
	m := newMessage(KindRejected)
	m.Rejected = &Rejected{Code: code, Message: message}
	return m
}

// NewKicked builds a kicked message.
func NewKicked(reason string) *Message {
	m := newMessage(KindKicked)
	m.Kicked = &Kicked{Reason: reason}
	return m
}
