package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/vinayprograms/farmkit/errors"
)

// MessageType distinguishes request, response and push frames.
type MessageType int

const (
	TypeRequest  MessageType = 1
	TypeResponse MessageType = 2
	TypeNotify   MessageType = 3
)

// String returns the type name.
func (t MessageType) String() string {
	switch t {
	case TypeRequest:
		return "request"
	case TypeResponse:
		return "response"
	case TypeNotify:
		return "notify"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

// Meta is the frame header.
type Meta struct {
	Service string      `json:"service,omitempty" cbor:"1,keyasint,omitempty"`
	Method  string      `json:"method,omitempty" cbor:"2,keyasint,omitempty"`
	Type    MessageType `json:"type" cbor:"3,keyasint"`

	// ClientSeq is the outbound sequence on requests and the correlation
	// sequence on responses.
	ClientSeq int64 `json:"client_seq,omitempty" cbor:"4,keyasint,omitempty"`

	// ServerSeq is the last inbound sequence seen on requests and the
	// server's own sequence on responses and notifies.
	ServerSeq int64 `json:"server_seq,omitempty" cbor:"5,keyasint,omitempty"`

	// ErrorCode is non-zero when the server rejected the request.
	ErrorCode    int64  `json:"error_code,omitempty" cbor:"6,keyasint,omitempty"`
	ErrorMessage string `json:"error_message,omitempty" cbor:"7,keyasint,omitempty"`
}

// Frame is one message on the wire.
type Frame struct {
	Meta Meta   `json:"meta" cbor:"1,keyasint"`
	Body []byte `json:"body,omitempty" cbor:"2,keyasint,omitempty"`
}

// Event is the body of a notify frame.
type Event struct {
	Type string `json:"type" cbor:"1,keyasint"`
	Body []byte `json:"body,omitempty" cbor:"2,keyasint,omitempty"`
}

// HeartbeatRequest is the probe body.
type HeartbeatRequest struct {
	ClientTime int64 `json:"client_time" cbor:"1,keyasint"`
}

// HeartbeatReply is the probe reply body. ServerTime is unix milliseconds.
type HeartbeatReply struct {
	ServerTime int64 `json:"server_time" cbor:"1,keyasint"`
}

// Endpoint selects a remote service method.
type Endpoint struct {
	Service string `json:"service" toml:"service" yaml:"service"`
	Method  string `json:"method" toml:"method" yaml:"method"`
}

// String returns "service/method".
func (e Endpoint) String() string {
	return e.Service + "/" + e.Method
}

// ParseEndpoint parses "service/method". The method is everything after the
// last slash.
func ParseEndpoint(s string) (Endpoint, error) {
	i := strings.LastIndex(s, "/")
	if i <= 0 || i == len(s)-1 {
		return Endpoint{}, errors.InvalidInput("endpoint must be service/method: " + s)
	}
	return Endpoint{Service: s[:i], Method: s[i+1:]}, nil
}

// IsZero reports whether no method is selected.
func (e Endpoint) IsZero() bool {
	return e.Service == "" && e.Method == ""
}

// IsRemoteError reports whether a response carries a server error.
func (f *Frame) IsRemoteError() bool {
	return f.Meta.Type == TypeResponse && f.Meta.ErrorCode != 0
}

// RemoteError converts a response error into a typed REMOTE_ERROR.
func (f *Frame) RemoteError() error {
	if !f.IsRemoteError() {
		return nil
	}
	return errors.Remote(f.Meta.ErrorCode, f.Meta.ErrorMessage,
		errors.WithMethod(f.Meta.Service+"/"+f.Meta.Method),
		errors.WithMetadata("client_seq", strconv.FormatInt(f.Meta.ClientSeq, 10)))
}

// Validate checks the header for consistency.
func (m *Meta) Validate() error {
	switch m.Type {
	case TypeRequest:
		if m.ClientSeq <= 0 {
			return fmt.Errorf("request without client sequence")
		}
		if m.Service == "" || m.Method == "" {
			return fmt.Errorf("request without service/method")
		}
	case TypeResponse:
		if m.ClientSeq <= 0 {
			return fmt.Errorf("response without correlation sequence")
		}
	case TypeNotify:
	default:
		return fmt.Errorf("unknown message type %d", int(m.Type))
	}
	return nil
}
