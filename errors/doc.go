// Package errors provides the structured error taxonomy shared by the session
// transport, the worker units and the supervisor.
//
// # Error Categories
//
//   - Transient: the call may succeed later (timeout, lost connection, worker exit)
//   - Permanent: retrying the same request will not help (server rejection, misuse)
//   - Resource: local pacing or quota refused the call
//   - Internal: malformed data, bugs, recovered panics
//
// # Usage
//
//	resp, err := sess.Call(ctx, ep, body, 0)
//	switch {
//	case errors.Is(err, errors.ErrCodeRemote):
//	    code, _ := errors.RemoteCode(err)
//	    ...
//	case errors.IsRetryable(err):
//	    // try again on the next tick
//	}
//
// Errors serialize to JSON so the supervisor can broadcast worker faults.
package errors
