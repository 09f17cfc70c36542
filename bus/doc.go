// # Subjects
//
// Inside a worker unit the session publishes unsolicited server pushes as
//
//	push.<event-type>
//
// and the unit subscribes per event type, or to "push.>" for all of them.
// The supervisor broadcasts per worker:
//
//	farm.status.<account>   status snapshots (JSON)
//	farm.log.<account>      forwarded log entries (JSON)
//	farm.error.<account>    worker faults (JSON)
//	farm.notice.<account>   operator notifications (JSON)
//
// # Implementations
//
//   - MemoryBus: in-process, non-blocking delivery, full subscribers drop
//   - NATSBus: NATS core pub/sub for out-of-process consumers
package bus
