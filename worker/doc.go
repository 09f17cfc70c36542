// Package worker runs one managed account.
//
// A Worker owns exactly one session, one scheduler and its end of a control
// channel. It waits for start, then loops:
//
//	dial -> attach -> domain login -> online -> teardown -> backoff -> dial ...
//
// Online means the heartbeat monitor is probing, the scheduler runs the
// domain's task kinds with the bounds of the applied configuration, and the
// domain's push events are subscribed. Online ends when the connection
// closes, the heartbeat degrades, the account is kicked, a reconnect is
// requested or the worker stops. Teardown resets the session, so every
// pending call fails with CONNECTION_LOST.
//
// A login rejected with one of RejectCodes emits rejected; a kickout emits
// kicked. Both halt reconnection until an api_call "reconnect" arrives.
//
// Status is pushed on StatusInterval and on every change. Log lines are
// forwarded as log messages. A panic is reported as an error message and
// the worker exits. Run returns nil on stop and on cancellation.
package worker
