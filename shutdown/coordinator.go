package shutdown

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vinayprograms/farmkit/logging"
)

type registration struct {
	name    string
	phase   int
	handler Handler
}

// Coordinator runs registered handlers phase by phase.
type Coordinator struct {
	cfg    Config
	logger *logging.Logger

	mu       sync.Mutex
	handlers []registration
	started  bool
	done     chan struct{}
	report   *Report
}

// NewCoordinator creates a coordinator with no handlers.
func NewCoordinator(cfg Config) *Coordinator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &Coordinator{
		cfg:    cfg,
		logger: logger.WithComponent("shutdown"),
		done:   make(chan struct{}),
	}
}

// Register adds a handler under phase.
func (c *Coordinator) Register(name string, phase int, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, registration{name: name, phase: phase, handler: h})
}

// RegisterFunc adds a function handler under phase.
func (c *Coordinator) RegisterFunc(name string, phase int, fn func(ctx context.Context) error) {
	c.Register(name, phase, HandlerFunc(fn))
}

// Shutdown runs every phase once. Later calls return ErrAlreadyShutdown.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyShutdown
	}
	c.started = true
	handlers := append([]registration(nil), c.handlers...)
	c.mu.Unlock()

	report := c.run(ctx, handlers)

	c.mu.Lock()
	c.report = report
	c.mu.Unlock()
	close(c.done)
	return report.Err
}

// ShutdownWithTimeout runs Shutdown under a deadline. Zero uses the
// configured timeout.
func (c *Coordinator) ShutdownWithTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Shutdown(ctx)
}

// Done closes when shutdown has finished.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Report returns the outcome, or nil before shutdown finished.
func (c *Coordinator) Report() *Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.report
}

func (c *Coordinator) run(ctx context.Context, handlers []registration) *Report {
	start := time.Now()
	report := &Report{}

	sort.SliceStable(handlers, func(i, j int) bool { return handlers[i].phase < handlers[j].phase })

	for _, group := range groupByPhase(handlers) {
		if ctx.Err() != nil {
			c.logger.Error("shutdown deadline passed", map[string]interface{}{"phase": group[0].phase})
			report.Err = ErrTimeout
			break
		}
		results := c.runPhase(ctx, group)
		report.Results = append(report.Results, results...)

		failed := false
		for _, r := range results {
			if r.Err != nil {
				failed = true
			}
		}
		if failed {
			report.Err = ErrHandlerFailed
			if !c.cfg.ContinueOnError {
				break
			}
		}
	}
	report.Total = time.Since(start)
	return report
}

func (c *Coordinator) runPhase(ctx context.Context, group []registration) []Result {
	results := make([]Result, len(group))
	var wg sync.WaitGroup
	for i, reg := range group {
		wg.Add(1)
		go func(i int, reg registration) {
			defer wg.Done()
			begin := time.Now()
			err := reg.handler.OnShutdown(ctx)
			results[i] = Result{Name: reg.name, Phase: reg.phase, Duration: time.Since(begin), Err: err}

			fields := map[string]interface{}{
				"handler":  reg.name,
				"phase":    reg.phase,
				"duration": results[i].Duration.String(),
			}
			if err != nil {
				fields["error"] = err.Error()
				c.logger.Warn("shutdown handler failed", fields)
				return
			}
			c.logger.Debug("shutdown handler done", fields)
		}(i, reg)
	}
	wg.Wait()
	return results
}

// groupByPhase splits phase-sorted handlers into runs sharing a phase.
func groupByPhase(handlers []registration) [][]registration {
	var groups [][]registration
	for i, h := range handlers {
		if i == 0 || h.phase != handlers[i-1].phase {
			groups = append(groups, nil)
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], h)
	}
	return groups
}
