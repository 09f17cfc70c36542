// Package supervisor manages one worker unit per account.
//
// The Supervisor starts each worker in its own goroutine, talks to it only
// over a control channel, and keeps a record per account holding the last
// reported status and the api calls still waiting for an answer. When a
// worker exits, gracefully or after the stop grace period, every waiting
// call is rejected with WORKER_EXITED and the record is removed.
//
// Optional collaborators extend the record keeping:
//
//   - a state.Store persists each status and holds a per-account owner
//     lease so two supervisors never drive the same account
//   - a bus.MessageBus broadcasts status, log, error and notice envelopes
//     on farm.<kind>.<account>
//   - a logindex.Index makes forwarded worker logs searchable
//   - a Notifier hears about rejected or kicked accounts and accounts that
//     stayed disconnected past the configured threshold
package supervisor
