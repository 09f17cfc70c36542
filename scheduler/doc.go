// Package scheduler paces recurring tasks for one worker unit.
//
// # Overview
//
// Each task kind is armed with a min/max interval. Its next run is drawn
// uniformly between the bounds, rounded to Resolution, and always measured
// from the moment the previous run completed, so a slow run never causes
// drift or catch-up bursts.
//
// A single timer is kept, set for the earliest next run across all armed
// tasks. When it fires every due task starts in its own goroutine unless
// its previous run is still in flight; an in-flight task is skipped, never
// queued, so two runs of one task never overlap.
//
//	s := scheduler.New(scheduler.Options{Logger: log})
//	s.Arm("farm", 10*time.Second, 20*time.Second, checkFarm)
//	s.Arm("friends", time.Minute, 2*time.Minute, visitFriends)
//	s.Start(ctx)
//	defer s.Stop()
//
// # Disruption
//
// SetInterval and Rearm recompute one task's next run from now, leaving the
// others alone. Nudge asks for an out-of-band run; nudges within the
// debounce window collapse into one.
//
// A task that fails or panics is logged and rescheduled like any other.
package scheduler
