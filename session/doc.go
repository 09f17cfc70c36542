// Package session implements sequence-correlated request/response over one
// persistent framed connection.
//
// # Overview
//
// A Session owns the outbound sequence counter and the table of pending
// calls for one managed account. Call assigns the next sequence number,
// frames the request with it and with the last server sequence observed,
// registers a pending call and sends. Inbound responses are matched to
// pending calls by sequence alone; unsolicited pushes are published on the
// session's bus as
//
//	push.<event-type>
//
// Every pending call resolves exactly once: with the response body, a
// REMOTE_ERROR carrying the server's code, a TIMEOUT carrying the pending
// count, CONNECTION_LOST when the connection is reset, or the caller's
// context error. It is removed from the table in every case.
//
// # Lifecycle
//
//	s := session.New(cfg)
//	conn, _ := dialer.Dial(ctx)
//	s.Attach(conn)                 // reader goroutine starts
//	body, err := s.Call(ctx, ep, req, 0)
//	...
//	s.Reset("heartbeat degraded")  // pending calls fail, pushes unsubscribed
//	s.Attach(newConn)              // sequence numbers continue, never reused
//
// Sequence numbers start at 1 and are never reused for the life of the
// Session value, across any number of Reset and Attach cycles, so a stale
// response from an old connection can never match a new call.
package session
