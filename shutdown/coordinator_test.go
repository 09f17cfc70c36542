package shutdown

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestCoordinator_PhaseOrder(t *testing.T) {
	c := NewCoordinator(DefaultConfig())

	var mu sync.Mutex
	var order []string
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	c.RegisterFunc("telemetry", PhaseTelemetry, record("telemetry"))
	c.RegisterFunc("bus", PhaseServices, record("bus"))
	c.RegisterFunc("workers", PhaseWorkers, record("workers"))

	if err := c.ShutdownWithTimeout(time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	want := []string{"workers", "bus", "telemetry"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestCoordinator_SamePhaseConcurrent(t *testing.T) {
	c := NewCoordinator(DefaultConfig())

	var wg sync.WaitGroup
	wg.Add(2)
	barrier := func(context.Context) error {
		wg.Done()
		wg.Wait()
		return nil
	}
	c.RegisterFunc("a", PhaseServices, barrier)
	c.RegisterFunc("b", PhaseServices, barrier)

	done := make(chan error, 1)
	go func() { done <- c.ShutdownWithTimeout(time.Second) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Shutdown: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handlers in one phase did not run concurrently")
	}
}

func TestCoordinator_HandlerFailure(t *testing.T) {
	tests := []struct {
		name            string
		continueOnError bool
		wantLater       bool
	}{
		{"continue", true, true},
		{"stop", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.ContinueOnError = tt.continueOnError
			c := NewCoordinator(cfg)

			later := false
			c.RegisterFunc("broken", PhaseWorkers, func(context.Context) error {
				return errors.New("boom")
			})
			c.RegisterFunc("later", PhaseServices, func(context.Context) error {
				later = true
				return nil
			})

			err := c.ShutdownWithTimeout(time.Second)
			if !errors.Is(err, ErrHandlerFailed) {
				t.Fatalf("err = %v, want ErrHandlerFailed", err)
			}
			if later != tt.wantLater {
				t.Errorf("later ran = %v, want %v", later, tt.wantLater)
			}

			failed := c.Report().Failed()
			if len(failed) != 1 || failed[0] != "broken" {
				t.Errorf("Failed() = %v", failed)
			}
		})
	}
}

func TestCoordinator_DeadlineSkipsLaterPhases(t *testing.T) {
	c := NewCoordinator(DefaultConfig())

	later := false
	c.RegisterFunc("slow", PhaseWorkers, func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	c.RegisterFunc("later", PhaseTelemetry, func(context.Context) error {
		later = true
		return nil
	})

	err := c.ShutdownWithTimeout(20 * time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if later {
		t.Error("phase after deadline should be skipped")
	}
}

func TestCoordinator_Once(t *testing.T) {
	c := NewCoordinator(DefaultConfig())
	if err := c.ShutdownWithTimeout(time.Second); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed")
	}
	if err := c.ShutdownWithTimeout(time.Second); !errors.Is(err, ErrAlreadyShutdown) {
		t.Fatalf("second Shutdown = %v, want ErrAlreadyShutdown", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config: %v", err)
	}
	cfg.Timeout = -time.Second
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("negative timeout = %v", err)
	}
}
