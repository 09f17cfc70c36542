package heartbeat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/farmkit/logging"
)

// Monitor probes a session on a fixed interval and tracks missed windows.
//
// Every window without a successful exchange adds a miss. One miss makes the
// session Suspect; DegradedAfter consecutive misses make it Degraded, fire
// OnDegraded once and stop the monitor. Any successful exchange reported
// through Observe returns it to Healthy.
type Monitor struct {
	prober       Prober
	interval     time.Duration
	probeTimeout time.Duration
	clock        *ServerClock
	logger       *logging.Logger

	mu          sync.Mutex
	state       State
	misses      int
	exchanged   bool
	lastSuccess time.Time
	onDegraded  func(misses int)
	onChange    func(from, to State)

	running atomic.Bool
	probing atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	probeWG sync.WaitGroup
}

// NewMonitor creates a monitor.
func NewMonitor(cfg Config) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = DefaultConfig().Interval
	}
	probeTimeout := cfg.ProbeTimeout
	if probeTimeout == 0 {
		probeTimeout = interval
	}

	m := &Monitor{
		prober:       cfg.Prober,
		interval:     interval,
		probeTimeout: probeTimeout,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
	}
	return m, nil
}

// OnDegraded sets the callback fired once when the session degrades.
// The monitor has already stopped probing when it runs.
func (m *Monitor) OnDegraded(callback func(misses int)) {
	m.mu.Lock()
	m.onDegraded = callback
	m.mu.Unlock()
}

// OnStateChange sets the callback fired on every state transition.
func (m *Monitor) OnStateChange(callback func(from, to State)) {
	m.mu.Lock()
	m.onChange = callback
	m.mu.Unlock()
}

// Start resets the miss count, probes immediately and then once per interval.
func (m *Monitor) Start(ctx context.Context) error {
	if m.running.Swap(true) {
		return ErrAlreadyStarted
	}
	if ctx == nil {
		ctx = context.Background()
	}

	// A previous run may still be winding down its last probe.
	if m.doneCh != nil {
		<-m.doneCh
	}

	m.mu.Lock()
	m.state = Healthy
	m.misses = 0
	m.exchanged = false
	m.mu.Unlock()

	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})

	go m.run(ctx, m.stopCh, m.doneCh)
	return nil
}

// Stop halts probing and waits for the loop to exit.
func (m *Monitor) Stop() error {
	if !m.running.Swap(false) {
		return ErrNotStarted
	}
	close(m.stopCh)
	<-m.doneCh
	return nil
}

// Running reports whether the monitor is probing.
func (m *Monitor) Running() bool {
	return m.running.Load()
}

// Observe records a successful exchange. The session calls it for every
// response it receives, so domain traffic counts as liveness too.
func (m *Monitor) Observe() {
	m.mu.Lock()
	m.exchanged = true
	m.lastSuccess = time.Now()
	m.misses = 0
	from := m.state
	m.state = Healthy
	cb := m.onChange
	m.mu.Unlock()

	if from != Healthy {
		m.notifyChange(cb, from, Healthy, 0)
	}
}

// State returns the current state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Misses returns the consecutive missed windows.
func (m *Monitor) Misses() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.misses
}

// LastSuccess returns when the last successful exchange was observed.
func (m *Monitor) LastSuccess() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSuccess
}

// run is the main probe loop.
func (m *Monitor) run(ctx context.Context, stopCh, doneCh chan struct{}) {
	probeCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		m.probeWG.Wait()
		close(doneCh)
	}()

	m.probe(probeCtx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.running.Store(false)
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if m.closeWindow() {
				return
			}
			m.probe(probeCtx)
		}
	}
}

// closeWindow accounts for the window that just ended. It reports whether
// the session degraded and the loop must exit.
func (m *Monitor) closeWindow() bool {
	m.mu.Lock()
	if m.exchanged {
		m.exchanged = false
		m.mu.Unlock()
		return false
	}

	m.misses++
	misses := m.misses
	from := m.state
	to := Suspect
	if misses >= DegradedAfter {
		to = Degraded
	}
	m.state = to
	onChange, onDegraded := m.onChange, m.onDegraded
	m.mu.Unlock()

	if from != to {
		m.notifyChange(onChange, from, to, misses)
	}
	if to != Degraded {
		return false
	}

	// Lose the race to a concurrent Stop quietly.
	if !m.running.Swap(false) {
		return true
	}
	if onDegraded != nil {
		onDegraded(misses)
	}
	return true
}

func (m *Monitor) notifyChange(cb func(from, to State), from, to State, misses int) {
	if m.logger != nil {
		m.logger.HeartbeatState(from.String(), to.String(), misses)
	}
	if cb != nil {
		cb(from, to)
	}
}

// probe issues one probe in the background. A probe still outstanding from
// the previous window is not doubled up.
func (m *Monitor) probe(ctx context.Context) {
	if m.probing.Swap(true) {
		return
	}
	m.probeWG.Add(1)
	go func() {
		defer m.probeWG.Done()
		defer m.probing.Store(false)

		pctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
		defer cancel()

		remote, err := m.prober.Probe(pctx)
		if err != nil {
			return
		}
		if m.clock != nil {
			m.clock.Update(remote)
		}
		m.Observe()
	}()
}
