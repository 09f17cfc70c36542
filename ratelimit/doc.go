// Package ratelimit paces outbound session calls.
//
// Game services throttle clients that call too often, usually by rejecting
// calls with a dedicated error code. Each session draws one token per domain
// call from its own resource so a busy account cannot exceed its pace:
//
//	limiter := ratelimit.NewMemoryLimiter()
//	limiter.SetCapacity("session.acct-1", 30, time.Minute)
//
//	if err := limiter.Acquire(ctx, "session.acct-1"); err != nil {
//	    return err // context ended or limiter closed
//	}
//
// When the service answers with a throttle code the session calls Reduce,
// which lowers the effective capacity by a quarter (never below one). The
// worker calls Restore after a clean run of ticks.
//
// Buckets refill continuously at capacity/window tokens per unit of time and
// start full.
package ratelimit
