package domain

import (
	"context"
	"time"

	"github.com/vinayprograms/farmkit/errors"
	"github.com/vinayprograms/farmkit/protocol"
)

// Builder derives the alternate request after a failure.
type Builder func(ep protocol.Endpoint, body []byte, failure error) (protocol.Endpoint, []byte, error)

// RetryPolicy retries a failed call once with an alternate request when the
// failure matches.
type RetryPolicy struct {
	Name  string
	Match func(err error) bool
	Build Builder
}

// OnRemoteCode matches remote errors carrying one of codes.
func OnRemoteCode(codes ...int64) func(error) bool {
	return func(err error) bool {
		code, ok := errors.RemoteCode(err)
		if !ok {
			return false
		}
		for _, c := range codes {
			if c == code {
				return true
			}
		}
		return false
	}
}

// Invoke calls ep and, on a failure matched by one of policies, retries
// once with the first matching policy's alternate request. The alternate's
// result is returned as is.
func Invoke(ctx context.Context, c Caller, ep protocol.Endpoint, body []byte, timeout time.Duration, policies ...RetryPolicy) ([]byte, error) {
	resp, err := c.Call(ctx, ep, body, timeout)
	if err == nil {
		return resp, nil
	}
	for _, p := range policies {
		if p.Match == nil || p.Build == nil || !p.Match(err) {
			continue
		}
		altEp, altBody, berr := p.Build(ep, body, err)
		if berr != nil {
			return nil, errors.Wrap(berr, "build alternate request for "+p.Name)
		}
		return c.Call(ctx, altEp, altBody, timeout)
	}
	return nil, err
}
