package supervisor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/farmkit/control"
	"github.com/vinayprograms/farmkit/errors"
	"github.com/vinayprograms/farmkit/state"
)

// record is the supervisor's view of one running worker.
type record struct {
	account    control.Account
	generation uint64
	startedAt  time.Time
	ep         control.Endpoint
	cancel     func()
	lease      state.Lease

	// exited closes when Run returns; done closes once the exit has been
	// processed and the record removed.
	exited   chan struct{}
	done     chan struct{}
	exitOnce sync.Once

	stopping atomic.Bool
	forced   atomic.Bool

	mu                sync.Mutex
	pending           map[string]chan *control.APIResponse
	gone              bool
	status            *control.Status
	disconnectedSince time.Time
	notified          bool
	lastError         *errors.Error
	rejected          *control.Rejected
	kicked            *control.Kicked
}

func newRecord(acct control.Account, gen uint64) *record {
	return &record{
		account:    acct,
		generation: gen,
		startedAt:  time.Now(),
		exited:     make(chan struct{}),
		done:       make(chan struct{}),
		pending:    make(map[string]chan *control.APIResponse),
	}
}

// addPending registers a waiter for id. It fails once the worker is gone.
func (r *record) addPending(id string) (chan *control.APIResponse, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gone {
		return nil, false
	}
	ch := make(chan *control.APIResponse, 1)
	r.pending[id] = ch
	return ch, true
}

func (r *record) removePending(id string) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

// resolve hands resp to its waiter. Unknown ids are late answers to calls
// that already timed out.
func (r *record) resolve(resp *control.APIResponse) bool {
	r.mu.Lock()
	ch, ok := r.pending[resp.ID]
	delete(r.pending, resp.ID)
	r.mu.Unlock()
	if ok {
		ch <- resp
	}
	return ok
}

// rejectAll marks the record gone and fails every waiter.
func (r *record) rejectAll() int {
	r.mu.Lock()
	r.gone = true
	pending := r.pending
	r.pending = make(map[string]chan *control.APIResponse)
	r.mu.Unlock()

	for id, ch := range pending {
		ch <- &control.APIResponse{ID: id, Error: errors.WorkerExited(r.account.ID)}
	}
	return len(pending)
}

func (r *record) pendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// observe merges a status report and advances the disconnect watchdog. It
// reports the disconnected-since time when threshold has just been crossed.
func (r *record) observe(st *control.Status, now time.Time, threshold time.Duration) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = st
	if st.Connected {
		r.disconnectedSince = time.Time{}
		r.notified = false
		return time.Time{}, false
	}
	if r.disconnectedSince.IsZero() {
		r.disconnectedSince = now
	}
	if threshold <= 0 || r.notified || now.Sub(r.disconnectedSince) < threshold {
		return time.Time{}, false
	}
	r.notified = true
	return r.disconnectedSince, true
}

// WorkerInfo is a point-in-time view of a worker record.
type WorkerInfo struct {
	Account           string            `json:"account"`
	Name              string            `json:"name,omitempty"`
	Generation        uint64            `json:"generation"`
	StartedAt         time.Time         `json:"started_at"`
	Stopping          bool              `json:"stopping,omitempty"`
	PendingCalls      int               `json:"pending_calls"`
	Status            *control.Status   `json:"status,omitempty"`
	DisconnectedSince time.Time         `json:"disconnected_since,omitempty"`
	LastError         *errors.Error     `json:"last_error,omitempty"`
	Rejected          *control.Rejected `json:"rejected,omitempty"`
	Kicked            *control.Kicked   `json:"kicked,omitempty"`
}

func (r *record) info() WorkerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return WorkerInfo{
		Account:           r.account.ID,
		Name:              r.account.DisplayName(),
		Generation:        r.generation,
		StartedAt:         r.startedAt,
		Stopping:          r.stopping.Load(),
		PendingCalls:      len(r.pending),
		Status:            r.status,
		DisconnectedSince: r.disconnectedSince,
		LastError:         r.lastError,
		Rejected:          r.rejected,
		Kicked:            r.kicked,
	}
}
