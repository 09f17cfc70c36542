package session

import (
	"context"
	"time"

	"github.com/vinayprograms/farmkit/errors"
	"github.com/vinayprograms/farmkit/protocol"
)

// Probe issues the heartbeat call and returns the server time from its
// reply. It bypasses the limiter and uses ProbeTimeout. A successful probe
// also updates Clock.
func (s *Session) Probe(ctx context.Context) (time.Time, error) {
	req, err := s.codec.Marshal(&protocol.HeartbeatRequest{ClientTime: time.Now().UnixMilli()})
	if err != nil {
		return time.Time{}, errors.Wrap(err, "encode heartbeat")
	}

	body, err := s.call(ctx, s.cfg.ProbeEndpoint, req, s.cfg.ProbeTimeout)
	if err != nil {
		return time.Time{}, err
	}

	var reply protocol.HeartbeatReply
	if len(body) > 0 {
		if err := s.codec.Unmarshal(body, &reply); err != nil {
			return time.Time{}, errors.Decode(err, errors.WithAccount(s.cfg.Account))
		}
	}

	var remote time.Time
	if reply.ServerTime > 0 {
		remote = time.UnixMilli(reply.ServerTime)
		s.clock.Update(remote)
	}
	return remote, nil
}
