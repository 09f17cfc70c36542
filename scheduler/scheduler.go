package scheduler

import (
	"context"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/vinayprograms/farmkit/errors"
	"github.com/vinayprograms/farmkit/logging"
	"github.com/vinayprograms/farmkit/telemetry"
)

// Task is the body of one scheduled run.
type Task func(ctx context.Context) error

// Options configure a Scheduler.
type Options struct {
	// Resolution rounds every drawn interval.
	// Default: 1s
	Resolution time.Duration

	// NudgeDebounce collapses nudges arriving within this window.
	// Default: 2s
	NudgeDebounce time.Duration

	// Rand returns a float in [0,1). Default: math/rand/v2.Float64
	Rand func() float64

	// Logger for tick results. Default: logging.Nop()
	Logger *logging.Logger

	// Tracer records a span per run. Default: telemetry.GetTracer()
	Tracer *telemetry.Tracer
}

// Status is the externally visible state of one task.
type Status struct {
	Kind         string        `json:"kind"`
	Min          time.Duration `json:"min"`
	Max          time.Duration `json:"max"`
	Next         time.Time     `json:"next"`
	In           time.Duration `json:"in"`
	InFlight     bool          `json:"in_flight"`
	Runs         uint64        `json:"runs"`
	Skipped      uint64        `json:"skipped"`
	Failures     uint64        `json:"failures"`
	LastRun      time.Time     `json:"last_run,omitempty"`
	LastDuration time.Duration `json:"last_duration,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
}

type entry struct {
	kind     string
	min, max time.Duration
	task     Task
	next     time.Time
	inFlight bool
	runAgain bool
	nudging  bool

	// rearmed marks a next run drawn while a run was in flight.
	rearmed bool

	runs, skipped, failures uint64
	lastRun                 time.Time
	lastDuration            time.Duration
	lastErr                 string
}

// Scheduler runs armed tasks on jittered intervals.
type Scheduler struct {
	opts   Options
	logger *logging.Logger
	tracer *telemetry.Tracer

	mu       sync.Mutex
	entries  map[string]*entry
	retired  map[string]*entry // disarmed while a run was in flight
	timer    *time.Timer
	timerGen uint64
	running  bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a stopped scheduler.
func New(opts Options) *Scheduler {
	if opts.Resolution <= 0 {
		opts.Resolution = time.Second
	}
	if opts.NudgeDebounce <= 0 {
		opts.NudgeDebounce = 2 * time.Second
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.GetTracer()
	}
	return &Scheduler{
		opts:    opts,
		logger:  opts.Logger.WithComponent("scheduler"),
		tracer:  opts.Tracer,
		entries: make(map[string]*entry),
		retired: make(map[string]*entry),
	}
}

// Start begins firing. Tasks armed earlier are scheduled from their
// already drawn next run.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New(errors.ErrCodeAlreadyRunning, "scheduler already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.rescheduleLocked()
	return nil
}

// Stop halts the timer, cancels in-flight runs and waits for them.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.timerGen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
}

// Running reports whether the scheduler is started.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Arm adds or replaces a task. Its first run is drawn from now, but never
// overlaps a run of the same kind still in flight.
func (s *Scheduler) Arm(kind string, min, max time.Duration, task Task) error {
	if err := validBounds(kind, min, max); err != nil {
		return err
	}
	if task == nil {
		return errors.InvalidInput("scheduler: nil task for " + kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	next := time.Now().Add(s.jitter(min, max))
	e, ok := s.entries[kind]
	if !ok {
		if e, ok = s.retired[kind]; ok {
			delete(s.retired, kind)
			s.entries[kind] = e
		}
	}
	if ok {
		// Updated in place so a run in flight still blocks overlap.
		e.min, e.max, e.task, e.next = min, max, task, next
		e.rearmed = e.inFlight
	} else {
		s.entries[kind] = &entry{kind: kind, min: min, max: max, task: task, next: next}
	}
	s.rescheduleLocked()
	return nil
}

// Disarm removes a task. A run in flight finishes but is not rescheduled.
func (s *Scheduler) Disarm(kind string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[kind]
	if !ok {
		return
	}
	s.retireLocked(e)
	s.rescheduleLocked()
}

// DisarmAll removes every task.
func (s *Scheduler) DisarmAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		s.retireLocked(e)
	}
	s.rescheduleLocked()
}

// retireLocked removes e, keeping it aside while its run is in flight.
func (s *Scheduler) retireLocked(e *entry) {
	delete(s.entries, e.kind)
	if e.inFlight {
		s.retired[e.kind] = e
	}
}

// Armed reports whether a task kind is armed.
func (s *Scheduler) Armed(kind string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[kind]
	return ok
}

// Rearm redraws a task's next run from now with its current bounds.
func (s *Scheduler) Rearm(kind string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[kind]
	if !ok {
		return errors.InvalidInput("scheduler: task not armed: " + kind)
	}
	e.next = time.Now().Add(s.jitter(e.min, e.max))
	e.rearmed = e.inFlight
	s.rescheduleLocked()
	return nil
}

// SetInterval changes a task's bounds and rearms it. Unchanged bounds leave
// the schedule untouched and report false.
func (s *Scheduler) SetInterval(kind string, min, max time.Duration) (bool, error) {
	if err := validBounds(kind, min, max); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[kind]
	if !ok {
		return false, errors.InvalidInput("scheduler: task not armed: " + kind)
	}
	if e.min == min && e.max == max {
		return false, nil
	}
	e.min, e.max = min, max
	e.next = time.Now().Add(s.jitter(min, max))
	e.rearmed = e.inFlight
	s.rescheduleLocked()
	return true, nil
}

// Nudge requests an extra run of a task after the debounce window. Nudges
// arriving while one is pending collapse into it and report false.
func (s *Scheduler) Nudge(kind string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[kind]
	if !ok || e.nudging {
		return false
	}
	e.nudging = true

	time.AfterFunc(s.opts.NudgeDebounce, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		e.nudging = false
		if s.entries[kind] != e {
			return
		}
		if e.inFlight {
			e.runAgain = true
			return
		}
		e.next = time.Now()
		s.rescheduleLocked()
	})
	return true
}

// Snapshot returns the state of every task, sorted by kind.
func (s *Scheduler) Snapshot() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	out := make([]Status, 0, len(s.entries))
	for _, e := range s.entries {
		in := e.next.Sub(now)
		if in < 0 {
			in = 0
		}
		out = append(out, Status{
			Kind:         e.kind,
			Min:          e.min,
			Max:          e.max,
			Next:         e.next,
			In:           in.Round(s.opts.Resolution),
			InFlight:     e.inFlight,
			Runs:         e.runs,
			Skipped:      e.skipped,
			Failures:     e.failures,
			LastRun:      e.lastRun,
			LastDuration: e.lastDuration,
			LastError:    e.lastErr,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// jitter draws an interval in [min, max] rounded to the resolution.
func (s *Scheduler) jitter(min, max time.Duration) time.Duration {
	d := min
	if max > min {
		d = min + time.Duration(s.opts.Rand()*float64(max-min))
	}
	d = d.Round(s.opts.Resolution)
	if d < min {
		d = min
	}
	if d > max {
		d = max
	}
	return d
}

// rescheduleLocked points the single timer at the earliest next run among
// tasks not in flight. Caller holds s.mu.
func (s *Scheduler) rescheduleLocked() {
	s.timerGen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if !s.running {
		return
	}

	var earliest time.Time
	for _, e := range s.entries {
		if e.inFlight {
			continue
		}
		if earliest.IsZero() || e.next.Before(earliest) {
			earliest = e.next
		}
	}
	if earliest.IsZero() {
		return
	}

	wait := time.Until(earliest)
	if wait < 0 {
		wait = 0
	}
	gen := s.timerGen
	s.timer = time.AfterFunc(wait, func() { s.fire(gen) })
}

// fire starts every due task. A stale timer generation is ignored.
func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.timerGen || !s.running {
		return
	}

	now := time.Now()
	for _, e := range s.entries {
		if e.next.After(now) {
			continue
		}
		if e.inFlight {
			e.skipped++
			continue
		}
		e.inFlight = true
		s.wg.Add(1)
		go s.run(s.ctx, e, e.task)
	}
	s.rescheduleLocked()
}

// run executes one task and schedules its next run from completion time,
// or earlier when the task was rearmed meanwhile.
func (s *Scheduler) run(ctx context.Context, e *entry, task Task) {
	defer s.wg.Done()

	start := time.Now()
	err := s.invoke(ctx, e.kind, task)
	end := time.Now()

	s.mu.Lock()
	e.inFlight = false
	e.runs++
	e.lastRun = start
	e.lastDuration = end.Sub(start)
	e.lastErr = ""
	if err != nil {
		e.failures++
		e.lastErr = err.Error()
	}
	fromEnd := end.Add(s.jitter(e.min, e.max))
	if !e.rearmed || fromEnd.Before(e.next) {
		e.next = fromEnd
	}
	e.rearmed = false
	if e.runAgain {
		e.runAgain = false
		e.next = end
	}
	next := e.next.Sub(end)
	if s.retired[e.kind] == e {
		delete(s.retired, e.kind)
	}
	if s.entries[e.kind] == e {
		s.rescheduleLocked()
	}
	s.mu.Unlock()

	s.logger.TickComplete(e.kind, end.Sub(start), next, err)
}

func (s *Scheduler) invoke(ctx context.Context, kind string, task Task) (err error) {
	ctx, span := s.tracer.StartTickSpan(ctx, kind)
	defer func() {
		if r := recover(); r != nil {
			err = errors.RecoverPanic(r)
		}
		s.tracer.EndTickSpan(span, err)
	}()
	return task(ctx)
}

func validBounds(kind string, min, max time.Duration) error {
	if kind == "" {
		return errors.InvalidInput("scheduler: empty task kind")
	}
	if min <= 0 || max < min {
		return errors.InvalidInput("scheduler: invalid interval for " + kind)
	}
	return nil
}
