package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestScheduler() *Scheduler {
	return New(Options{
		Resolution:    time.Millisecond,
		NudgeDebounce: 20 * time.Millisecond,
	})
}

// counter records run start times.
type counter struct {
	mu    sync.Mutex
	times []time.Time
}

func (c *counter) task(d time.Duration) Task {
	return func(ctx context.Context) error {
		c.mu.Lock()
		c.times = append(c.times, time.Now())
		c.mu.Unlock()
		if d > 0 {
			select {
			case <-time.After(d):
			case <-ctx.Done():
			}
		}
		return nil
	}
}

func (c *counter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.times)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.After(timeout)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("condition not met before timeout")
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func TestJitter_WithinBoundsAndRounded(t *testing.T) {
	s := New(Options{})
	for i := 0; i < 200; i++ {
		d := s.jitter(10*time.Second, 20*time.Second)
		if d < 10*time.Second || d > 20*time.Second {
			t.Fatalf("jitter %v out of bounds", d)
		}
		if d%time.Second != 0 {
			t.Fatalf("jitter %v not rounded to seconds", d)
		}
	}

	fixed := New(Options{Rand: func() float64 { return 0.5 }})
	if d := fixed.jitter(10*time.Second, 20*time.Second); d != 15*time.Second {
		t.Errorf("jitter = %v, want 15s", d)
	}
	if d := fixed.jitter(5*time.Second, 5*time.Second); d != 5*time.Second {
		t.Errorf("fixed interval jitter = %v", d)
	}
}

func TestArm_Validation(t *testing.T) {
	s := newTestScheduler()
	noop := func(context.Context) error { return nil }

	tests := []struct {
		name     string
		kind     string
		min, max time.Duration
		task     Task
	}{
		{"empty kind", "", time.Second, time.Second, noop},
		{"zero min", "farm", 0, time.Second, noop},
		{"max below min", "farm", 2 * time.Second, time.Second, noop},
		{"nil task", "farm", time.Second, time.Second, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.Arm(tt.kind, tt.min, tt.max, tt.task); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestScheduler_RunsRepeatedly(t *testing.T) {
	s := newTestScheduler()
	var c counter
	s.Arm("farm", 10*time.Millisecond, 15*time.Millisecond, c.task(0))

	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, time.Second, func() bool { return c.count() >= 3 })

	snap := s.Snapshot()
	if len(snap) != 1 || snap[0].Kind != "farm" || snap[0].Runs < 3 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestScheduler_NoRunsBeforeStart(t *testing.T) {
	s := newTestScheduler()
	var c counter
	s.Arm("farm", 5*time.Millisecond, 5*time.Millisecond, c.task(0))

	time.Sleep(30 * time.Millisecond)
	if c.count() != 0 {
		t.Errorf("ran %d times before Start", c.count())
	}
}

func TestScheduler_NoOverlap(t *testing.T) {
	s := newTestScheduler()
	var active, maxActive atomic.Int32
	var runs atomic.Int32

	s.Arm("slow", 5*time.Millisecond, 5*time.Millisecond, func(ctx context.Context) error {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		runs.Add(1)
		time.Sleep(30 * time.Millisecond) // far longer than the interval
		active.Add(-1)
		return nil
	})

	s.Start(context.Background())
	waitFor(t, 2*time.Second, func() bool { return runs.Load() >= 3 })
	s.Stop()

	if maxActive.Load() != 1 {
		t.Errorf("max concurrent runs = %d, want 1", maxActive.Load())
	}
}

func TestScheduler_DisarmThenArmWhileInFlight(t *testing.T) {
	s := newTestScheduler()
	var active, maxActive, runs atomic.Int32
	task := func(ctx context.Context) error {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		runs.Add(1)
		time.Sleep(100 * time.Millisecond)
		active.Add(-1)
		return nil
	}

	s.Arm("farm", 10*time.Millisecond, 10*time.Millisecond, task)
	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, time.Second, func() bool { return active.Load() == 1 })
	s.Disarm("farm")
	if err := s.Arm("farm", 10*time.Millisecond, 10*time.Millisecond, task); err != nil {
		t.Fatalf("Arm: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return runs.Load() >= 3 })
	if maxActive.Load() != 1 {
		t.Errorf("max concurrent runs = %d, want 1", maxActive.Load())
	}
}

func TestScheduler_DisarmedInFlightNotRescheduled(t *testing.T) {
	s := newTestScheduler()
	var c counter
	s.Arm("farm", 10*time.Millisecond, 10*time.Millisecond, c.task(50*time.Millisecond))
	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, time.Second, func() bool { return c.count() == 1 })
	s.Disarm("farm")
	time.Sleep(150 * time.Millisecond)
	if n := c.count(); n != 1 {
		t.Errorf("runs after disarm = %d, want 1", n)
	}
	if s.Armed("farm") {
		t.Error("farm should not be armed")
	}
}

func TestScheduler_NextRunFromCompletion(t *testing.T) {
	s := newTestScheduler()
	var c counter
	s.Arm("slow", 20*time.Millisecond, 20*time.Millisecond, c.task(40*time.Millisecond))

	s.Start(context.Background())
	waitFor(t, 2*time.Second, func() bool { return c.count() >= 2 })
	s.Stop()

	c.mu.Lock()
	gap := c.times[1].Sub(c.times[0])
	c.mu.Unlock()
	// 40ms body + 20ms interval measured from completion.
	if gap < 55*time.Millisecond {
		t.Errorf("gap between starts = %v, want >= 60ms", gap)
	}
}

func TestScheduler_FailuresKeepSchedule(t *testing.T) {
	s := newTestScheduler()
	var runs atomic.Int32
	s.Arm("bad", 5*time.Millisecond, 5*time.Millisecond, func(ctx context.Context) error {
		if runs.Add(1)%2 == 0 {
			panic("boom")
		}
		return errors.New("tick failed")
	})

	s.Start(context.Background())
	waitFor(t, time.Second, func() bool { return runs.Load() >= 4 })
	s.Stop()

	snap := s.Snapshot()[0]
	if snap.Failures < 4 || snap.LastError == "" {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestScheduler_SingleTimerMultipleTasks(t *testing.T) {
	s := newTestScheduler()
	var a, b counter
	s.Arm("a", 10*time.Millisecond, 10*time.Millisecond, a.task(0))
	s.Arm("b", 25*time.Millisecond, 25*time.Millisecond, b.task(0))

	s.Start(context.Background())
	time.Sleep(120 * time.Millisecond)
	s.Stop()

	if a.count() <= b.count() {
		t.Errorf("faster task ran %d times, slower %d", a.count(), b.count())
	}
	if b.count() == 0 {
		t.Error("slower task never ran")
	}
}

func TestScheduler_SetIntervalTakesEffectImmediately(t *testing.T) {
	s := newTestScheduler()
	var c counter
	s.Arm("farm", time.Hour, time.Hour, c.task(0))
	s.Start(context.Background())
	defer s.Stop()

	changed := time.Now()
	ok, err := s.SetInterval("farm", 20*time.Millisecond, 20*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("SetInterval = %v, %v", ok, err)
	}

	waitFor(t, time.Second, func() bool { return c.count() >= 1 })
	c.mu.Lock()
	first := c.times[0]
	c.mu.Unlock()
	if first.Sub(changed) > 200*time.Millisecond {
		t.Errorf("first run %v after change, want about 20ms", first.Sub(changed))
	}

	ok, _ = s.SetInterval("farm", 20*time.Millisecond, 20*time.Millisecond)
	if ok {
		t.Error("unchanged bounds should report false")
	}
	if _, err := s.SetInterval("missing", time.Second, time.Second); err == nil {
		t.Error("expected error for unknown task")
	}
}

func TestScheduler_SetIntervalDuringRun(t *testing.T) {
	s := newTestScheduler()
	var c counter
	s.Arm("farm", 10*time.Millisecond, 10*time.Millisecond, c.task(200*time.Millisecond))
	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, time.Second, func() bool { return c.count() == 1 })
	changed := time.Now()
	if ok, err := s.SetInterval("farm", 200*time.Millisecond, 200*time.Millisecond); err != nil || !ok {
		t.Fatalf("SetInterval = %v, %v", ok, err)
	}

	waitFor(t, 2*time.Second, func() bool { return c.count() >= 2 })
	c.mu.Lock()
	second := c.times[1]
	c.mu.Unlock()
	// Due by change time + 200ms; drawn from completion it would be ~400ms.
	if gap := second.Sub(changed); gap > 300*time.Millisecond {
		t.Errorf("second run %v after change, want about 200ms", gap)
	}
}

func TestScheduler_RearmLeavesOthers(t *testing.T) {
	s := newTestScheduler()
	noop := func(context.Context) error { return nil }
	s.Arm("a", time.Hour, time.Hour, noop)
	s.Arm("b", time.Hour, time.Hour, noop)

	before := s.Snapshot()
	time.Sleep(5 * time.Millisecond)
	if err := s.Rearm("a"); err != nil {
		t.Fatalf("Rearm failed: %v", err)
	}
	after := s.Snapshot()

	if !after[0].Next.After(before[0].Next) {
		t.Error("rearmed task should be redrawn from now")
	}
	if !after[1].Next.Equal(before[1].Next) {
		t.Error("other task must not move")
	}
	if err := s.Rearm("missing"); err == nil {
		t.Error("expected error for unknown task")
	}
}

func TestScheduler_DisarmStopsRuns(t *testing.T) {
	s := newTestScheduler()
	var c counter
	s.Arm("farm", 5*time.Millisecond, 5*time.Millisecond, c.task(0))
	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, time.Second, func() bool { return c.count() >= 1 })
	s.Disarm("farm")
	time.Sleep(10 * time.Millisecond)
	n := c.count()
	time.Sleep(40 * time.Millisecond)

	if c.count() != n {
		t.Errorf("task ran after disarm: %d -> %d", n, c.count())
	}
	if s.Armed("farm") {
		t.Error("task still armed")
	}
}

func TestScheduler_DisarmAll(t *testing.T) {
	s := newTestScheduler()
	noop := func(context.Context) error { return nil }
	s.Arm("a", time.Hour, time.Hour, noop)
	s.Arm("b", time.Hour, time.Hour, noop)
	s.DisarmAll()
	if len(s.Snapshot()) != 0 {
		t.Error("expected no tasks")
	}
}

func TestScheduler_NudgeDebounced(t *testing.T) {
	s := newTestScheduler()
	var c counter
	s.Arm("farm", time.Hour, time.Hour, c.task(0))
	s.Start(context.Background())
	defer s.Stop()

	if !s.Nudge("farm") {
		t.Fatal("first nudge should be accepted")
	}
	for i := 0; i < 5; i++ {
		if s.Nudge("farm") {
			t.Error("nudge within the debounce window should collapse")
		}
	}

	waitFor(t, time.Second, func() bool { return c.count() >= 1 })
	time.Sleep(60 * time.Millisecond)
	if c.count() != 1 {
		t.Errorf("burst of nudges produced %d runs, want 1", c.count())
	}

	if !s.Nudge("farm") {
		t.Error("nudge after the window should be accepted")
	}
	if s.Nudge("missing") {
		t.Error("nudge of unknown task should be refused")
	}
}

func TestScheduler_NudgeWhileInFlightRunsAgain(t *testing.T) {
	s := newTestScheduler()
	var c counter
	s.Arm("farm", 5*time.Millisecond, 5*time.Millisecond, c.task(50*time.Millisecond))
	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, time.Second, func() bool { return c.count() >= 1 })
	// Task now switches to a long interval; only the nudge can bring it back quickly.
	s.SetInterval("farm", time.Hour, time.Hour)
	s.Nudge("farm")

	waitFor(t, time.Second, func() bool { return c.count() >= 2 })
}

func TestScheduler_StopCancelsInFlight(t *testing.T) {
	s := newTestScheduler()
	canceled := make(chan struct{})
	s.Arm("farm", time.Millisecond, time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		close(canceled)
		return ctx.Err()
	})
	s.Start(context.Background())
	time.Sleep(20 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
	select {
	case <-canceled:
	default:
		t.Error("in-flight run not canceled")
	}
	if s.Running() {
		t.Error("still running after Stop")
	}
	s.Stop()
}

func TestScheduler_StartTwice(t *testing.T) {
	s := newTestScheduler()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()
	if err := s.Start(context.Background()); err == nil {
		t.Error("expected error on second Start")
	}
}
