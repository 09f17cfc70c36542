package worker

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/vinayprograms/farmkit/control"
	"github.com/vinayprograms/farmkit/domain"
	"github.com/vinayprograms/farmkit/errors"
	"github.com/vinayprograms/farmkit/heartbeat"
	"github.com/vinayprograms/farmkit/logging"
	"github.com/vinayprograms/farmkit/ratelimit"
	"github.com/vinayprograms/farmkit/scheduler"
	"github.com/vinayprograms/farmkit/session"
)

const (
	sendTimeout   = 5 * time.Second
	logQueueSize  = 256
	offlineStatus = "offline"
)

// Worker runs one managed account.
type Worker struct {
	cfg     Config
	ep      control.Endpoint
	base    *logging.Logger
	logger  *logging.Logger
	sess    *session.Session
	sched   *scheduler.Scheduler
	limiter *ratelimit.MemoryLimiter
	dom     domain.Domain

	// cfgMu serializes configuration changes with arming and teardown.
	cfgMu sync.Mutex

	mu          sync.Mutex
	account     control.Account
	snapshot    *control.Snapshot
	monitor     *heartbeat.Monitor
	connected   bool
	started     bool
	reconnects  int
	halted      string
	cleanTicks  int
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	changed     chan struct{}
	kickCh      chan string
	reconnectCh chan struct{}
	logs        chan logging.Entry
	logsDone    chan struct{}
}

// New creates a worker bound to its control endpoint.
func New(cfg Config, ep control.Endpoint) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ep == nil {
		return nil, errors.InvalidInput("worker: control endpoint is required")
	}

	// Each worker gets its own sink so the forwarding hook stays per account.
	base := logging.New()
	base.SetOutput(io.Discard)
	base.SetLevel(cfg.LogLevel)
	logger := base.WithAccount(cfg.Account.ID)

	w := &Worker{
		cfg:         cfg,
		ep:          ep,
		base:        base,
		logger:      logger.WithComponent("worker"),
		dom:         cfg.Domain,
		account:     cfg.Account,
		changed:     make(chan struct{}, 1),
		kickCh:      make(chan string, 1),
		reconnectCh: make(chan struct{}, 1),
		logs:        make(chan logging.Entry, logQueueSize),
		logsDone:    make(chan struct{}),
	}
	base.SetHook(w.enqueueLog)

	scfg := session.DefaultConfig()
	scfg.Account = cfg.Account.ID
	scfg.Codec = cfg.Codec
	scfg.CallTimeout = cfg.CallTimeout
	scfg.ProbeEndpoint = cfg.ProbeEndpoint
	scfg.ProbeTimeout = cfg.HeartbeatInterval
	scfg.ThrottleCodes = cfg.ThrottleCodes
	scfg.Tracer = cfg.Tracer
	scfg.Logger = logger.WithComponent("session")
	if cfg.RateLimit > 0 {
		w.limiter = ratelimit.NewMemoryLimiter()
		scfg.LimitResource = "session." + cfg.Account.ID
		w.limiter.SetCapacity(scfg.LimitResource, cfg.RateLimit, cfg.RateWindow)
		scfg.Limiter = w.limiter
	}
	w.sess = session.New(scfg)

	w.sched = scheduler.New(scheduler.Options{
		Resolution:    cfg.Resolution,
		NudgeDebounce: cfg.NudgeDebounce,
		Logger:        logger,
		Tracer:        cfg.Tracer,
	})
	return w, nil
}

// Session returns the worker's session.
func (w *Worker) Session() *session.Session { return w.sess }

// Scheduler returns the worker's scheduler.
func (w *Worker) Scheduler() *scheduler.Scheduler { return w.sched }

// Run serves the control channel until stop, channel close or ctx
// cancellation. It always returns nil; faults are reported as error messages.
func (w *Worker) Run(ctx context.Context) (err error) {
	runCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()

	go w.forwardLogs()
	defer w.finish()
	defer func() {
		if r := recover(); r != nil {
			w.fault(errors.RecoverPanic(r))
		}
		err = nil
	}()

	ticker := time.NewTicker(w.cfg.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-runCtx.Done():
			return nil
		case <-w.ep.Done():
			return nil
		case msg, ok := <-w.ep.Recv():
			if !ok {
				return nil
			}
			if stop := w.handle(runCtx, msg); stop {
				return nil
			}
		case <-ticker.C:
			if w.isStarted() {
				w.sendStatus()
			}
		case <-w.changed:
			w.sendStatus()
		}
	}
}

// handle processes one control message and reports whether to stop.
func (w *Worker) handle(ctx context.Context, msg *control.Message) bool {
	switch msg.Kind {
	case control.KindStart:
		w.mu.Lock()
		already := w.started
		w.started = true
		if msg.Start != nil && msg.Start.Account.ID == w.account.ID {
			w.account = msg.Start.Account
		}
		w.mu.Unlock()
		if already {
			w.logger.Debug("duplicate start ignored")
			return false
		}
		w.logger.Info("worker starting")
		w.spawn(ctx, w.connectLoop)
	case control.KindStop:
		w.logger.Info("worker stopping")
		return true
	case control.KindConfigSync:
		w.applyConfig(msg.Config)
	case control.KindAPICall:
		if msg.Call != nil {
			call := msg.Call
			w.wg.Add(1)
			go func() {
				defer w.wg.Done()
				w.handleAPI(ctx, call)
			}()
		}
	default:
		w.logger.Debug("unexpected control message", map[string]interface{}{"kind": string(msg.Kind)})
	}
	return false
}

// spawn runs fn in a tracked goroutine. A panic is reported upward and
// stops the worker.
func (w *Worker) spawn(ctx context.Context, fn func(context.Context)) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				w.fault(errors.RecoverPanic(r))
			}
		}()
		fn(ctx)
	}()
}

// fault reports err upward and cancels the worker.
func (w *Worker) fault(err *errors.Error) {
	w.logger.Error("worker fault", map[string]interface{}{"error": err.Error()})
	w.send(control.NewError(err))
	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// finish tears everything down, pushes a final status and flushes logs.
func (w *Worker) finish() {
	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	cancel()
	w.wg.Wait()

	w.sched.Stop()
	w.sess.Close()
	if w.limiter != nil {
		w.limiter.Close()
	}
	w.sendStatus()

	w.base.SetHook(nil)
	close(w.logs)
	<-w.logsDone
}

// connectLoop keeps the session connected until ctx ends.
func (w *Worker) connectLoop(ctx context.Context) {
	backoff := w.cfg.ReconnectMin
	attempt := 0
	for ctx.Err() == nil {
		if reason := w.haltReason(); reason != "" {
			w.logger.Info("reconnection halted", map[string]interface{}{"reason": reason})
			select {
			case <-ctx.Done():
				return
			case <-w.reconnectCh:
				w.setHalted("")
				backoff = w.cfg.ReconnectMin
				attempt = 0
			}
		}

		attempt++
		wasOnline, err := w.connectOnce(ctx, attempt)
		if ctx.Err() != nil {
			return
		}
		if wasOnline {
			backoff = w.cfg.ReconnectMin
			attempt = 0
			w.mu.Lock()
			w.reconnects++
			w.mu.Unlock()
		}
		if w.haltReason() != "" {
			continue
		}

		wait := w.jitter(backoff)
		fields := map[string]interface{}{"wait": wait.String(), "attempt": attempt}
		if err != nil {
			fields["error"] = err.Error()
		}
		w.logger.Info("reconnecting", fields)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-w.reconnectCh:
			timer.Stop()
		case <-timer.C:
		}
		if !wasOnline {
			backoff *= 2
			if backoff > w.cfg.ReconnectMax {
				backoff = w.cfg.ReconnectMax
			}
		}
	}
}

// jitter spreads d over [d/2, d).
func (w *Worker) jitter(d time.Duration) time.Duration {
	r := rand.Float64
	if w.cfg.Rand != nil {
		r = w.cfg.Rand
	}
	return d/2 + time.Duration(r()*float64(d/2))
}

// connectOnce dials, logs in and stays online. It reports whether login
// succeeded.
func (w *Worker) connectOnce(ctx context.Context, attempt int) (bool, error) {
	// A reconnect requested before this attempt is satisfied by it.
	select {
	case <-w.reconnectCh:
	default:
	}

	conn, err := w.cfg.Dialer.Dial(ctx)
	if err != nil {
		w.logger.Warn("dial failed", map[string]interface{}{"attempt": attempt, "error": err.Error()})
		return false, err
	}
	w.sess.Attach(conn)

	env := &domain.Env{
		Account: w.currentAccount(),
		Caller:  w.sess,
		Codec:   w.cfg.Codec,
		Logger:  w.logger.WithComponent("domain"),
		Now:     w.sess.Clock().Now,
		Nudge:   w.sched.Nudge,
		Kick:    w.kick,
	}
	if err := w.dom.Login(ctx, env); err != nil {
		w.sess.Reset("login failed")
		if code, ok := errors.RemoteCode(err); ok && w.isRejectCode(code) {
			w.setHalted("rejected")
			w.logger.Warn("login rejected", map[string]interface{}{"code": code, "error": err.Error()})
			w.send(control.NewRejected(code, err.Error()))
			w.notifyChanged()
		} else {
			w.logger.Warn("login failed", map[string]interface{}{"attempt": attempt, "error": err.Error()})
		}
		return false, err
	}

	w.logger.SessionConnected(dialTarget(w.cfg.Dialer), attempt)
	return true, w.online(ctx)
}

// online runs the connected phase and tears it down when it ends.
func (w *Worker) online(ctx context.Context) error {
	disconnected := w.sess.Disconnected()

	mon, err := heartbeat.NewMonitor(heartbeat.Config{
		Prober:       w.sess,
		Interval:     w.cfg.HeartbeatInterval,
		ProbeTimeout: w.cfg.HeartbeatInterval,
		Clock:        w.sess.Clock(),
		Logger:       w.logger.WithComponent("heartbeat"),
	})
	if err != nil {
		return err
	}
	degraded := make(chan int, 1)
	mon.OnDegraded(func(misses int) {
		select {
		case degraded <- misses:
		default:
		}
	})
	mon.OnStateChange(func(from, to heartbeat.State) { w.notifyChanged() })
	w.sess.SetObserver(mon.Observe)

	for _, ev := range w.dom.Events() {
		sub, err := w.sess.Subscribe(ev)
		if err != nil {
			w.logger.Warn("push subscribe failed", map[string]interface{}{"event": ev, "error": err.Error()})
			continue
		}
		eventType := ev
		w.spawn(ctx, func(ctx context.Context) {
			for msg := range sub.Messages() {
				w.dom.OnEvent(ctx, eventType, msg.Data)
			}
		})
	}

	w.cfgMu.Lock()
	w.armTasks()
	if err := w.sched.Start(ctx); err != nil {
		w.logger.Warn("scheduler start failed", map[string]interface{}{"error": err.Error()})
	}
	w.mu.Lock()
	w.connected = true
	w.monitor = mon
	w.mu.Unlock()
	w.cfgMu.Unlock()

	if err := mon.Start(ctx); err != nil {
		w.logger.Warn("heartbeat start failed", map[string]interface{}{"error": err.Error()})
	}
	w.notifyChanged()

	var (
		reason string
		kicked string
		lost   *errors.Error
	)
	select {
	case <-ctx.Done():
		reason = "worker stopping"
	case <-disconnected:
		reason = "connection closed"
	case misses := <-degraded:
		lost = errors.HeartbeatDegraded(misses, errors.WithAccount(w.account.ID))
		reason = lost.Error()
	case kicked = <-w.kickCh:
		reason = "kicked: " + kicked
	case <-w.reconnectCh:
		reason = "reconnect requested"
	}

	mon.Stop()
	w.sess.SetObserver(nil)

	// Pending calls, scheduled ones included, fail with CONNECTION_LOST
	// before the scheduler cancels task contexts.
	rejected := w.sess.Reset(reason)
	w.cfgMu.Lock()
	w.sched.Stop()
	w.sched.DisarmAll()
	w.mu.Lock()
	w.connected = false
	w.monitor = nil
	w.mu.Unlock()
	w.cfgMu.Unlock()

	w.logger.Warn("session offline", map[string]interface{}{"reason": reason, "rejected": rejected})
	if kicked != "" {
		w.setHalted("kicked")
		w.send(control.NewKicked(kicked))
	}
	w.notifyChanged()

	if ctx.Err() != nil {
		return nil
	}
	if lost != nil {
		w.send(control.NewError(lost))
		return lost
	}
	return errors.ConnectionLost(reason, errors.WithAccount(w.account.ID))
}

// armTasks arms every domain task kind the applied snapshot schedules.
// Caller holds cfgMu.
func (w *Worker) armTasks() {
	w.mu.Lock()
	snap := w.snapshot
	w.mu.Unlock()
	if snap == nil {
		w.logger.Debug("no configuration yet; nothing to schedule")
		return
	}
	for _, kind := range w.dom.Tasks() {
		iv, ok := snap.Schedule[kind]
		if !ok {
			continue
		}
		if err := w.sched.Arm(kind, iv.Min, iv.Max, w.task(kind)); err != nil {
			w.logger.Warn("arm failed", map[string]interface{}{"kind": kind, "error": err.Error()})
		}
	}
}

// task wraps one domain task kind and restores a throttled rate limit after
// enough clean runs.
func (w *Worker) task(kind string) scheduler.Task {
	return func(ctx context.Context) error {
		err := w.dom.RunTask(ctx, kind)
		if w.limiter == nil {
			return err
		}
		resource := "session." + w.cfg.Account.ID
		w.mu.Lock()
		if err != nil {
			w.cleanTicks = 0
			w.mu.Unlock()
			return err
		}
		w.cleanTicks++
		restore := w.cleanTicks >= w.cfg.RestoreAfter
		if restore {
			w.cleanTicks = 0
		}
		w.mu.Unlock()
		if restore {
			if c := w.limiter.GetCapacity(resource); c != nil && c.Total < c.Configured {
				w.limiter.Restore(resource)
				w.logger.Info("rate limit restored", map[string]interface{}{"capacity": c.Configured})
			}
		}
		return nil
	}
}

// applyConfig applies a snapshot once per revision and re-arms only the task
// kinds whose bounds changed.
func (w *Worker) applyConfig(snap *control.Snapshot) {
	if snap == nil {
		return
	}
	w.cfgMu.Lock()
	defer w.cfgMu.Unlock()

	w.mu.Lock()
	prev := w.snapshot
	connected := w.connected
	w.mu.Unlock()
	if prev != nil && snap.Revision <= prev.Revision {
		w.logger.Debug("config revision already applied", map[string]interface{}{
			"revision": snap.Revision, "applied": prev.Revision,
		})
		return
	}

	if err := w.dom.Apply(snap); err != nil {
		w.logger.Error("config rejected", map[string]interface{}{"revision": snap.Revision, "error": err.Error()})
		return
	}
	w.mu.Lock()
	w.snapshot = snap
	w.mu.Unlock()
	w.logger.Info("config applied", map[string]interface{}{"revision": snap.Revision})

	if connected {
		w.reconcile(snap)
	}
	w.notifyChanged()
}

// reconcile brings the armed tasks in line with snap. Caller holds cfgMu.
func (w *Worker) reconcile(snap *control.Snapshot) {
	want := make(map[string]bool)
	for _, kind := range w.dom.Tasks() {
		iv, ok := snap.Schedule[kind]
		if !ok {
			continue
		}
		want[kind] = true
		if !w.sched.Armed(kind) {
			if err := w.sched.Arm(kind, iv.Min, iv.Max, w.task(kind)); err != nil {
				w.logger.Warn("arm failed", map[string]interface{}{"kind": kind, "error": err.Error()})
			}
			continue
		}
		changed, err := w.sched.SetInterval(kind, iv.Min, iv.Max)
		if err != nil {
			w.logger.Warn("interval change failed", map[string]interface{}{"kind": kind, "error": err.Error()})
			continue
		}
		if changed {
			w.logger.Info("task rearmed", map[string]interface{}{
				"kind": kind, "min": iv.Min.String(), "max": iv.Max.String(),
			})
		}
	}
	for _, st := range w.sched.Snapshot() {
		if !want[st.Kind] {
			w.sched.Disarm(st.Kind)
		}
	}
}

// Status builds the current status report.
func (w *Worker) Status() *control.Status {
	w.mu.Lock()
	st := &control.Status{
		Account:    w.account.ID,
		Connected:  w.connected,
		Heartbeat:  offlineStatus,
		Reconnects: w.reconnects,
		Halted:     w.halted,
		UpdatedAt:  time.Now(),
	}
	if w.snapshot != nil {
		st.AppliedRevision = w.snapshot.Revision
	}
	mon := w.monitor
	w.mu.Unlock()

	if mon != nil {
		st.Heartbeat = mon.State().String()
		st.Misses = mon.Misses()
		st.LastHeartbeat = mon.LastSuccess()
	}
	if clock := w.sess.Clock(); clock.Synced() {
		st.ServerTime = clock.Now()
	}
	st.Pending = w.sess.Pending()
	st.Schedule = w.sched.Snapshot()

	ss := w.sess.Stats()
	st.Stats = map[string]uint64{
		"calls":         ss.Calls,
		"responses":     ss.Responses,
		"remote_errors": ss.RemoteErrs,
		"timeouts":      ss.Timeouts,
		"lost":          ss.Lost,
		"pushes":        ss.Pushes,
		"dropped":       ss.Dropped,
	}
	st.Domain = w.dom.Status()
	return st
}

func (w *Worker) sendStatus() {
	w.send(control.NewStatusSync(w.Status()))
}

// send delivers msg to the supervisor. Failures are dropped; the channel
// only fails once the supervisor has gone.
func (w *Worker) send(msg *control.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	_ = w.ep.Send(ctx, msg)
}

func (w *Worker) notifyChanged() {
	select {
	case w.changed <- struct{}{}:
	default:
	}
}

func (w *Worker) kick(reason string) {
	select {
	case w.kickCh <- reason:
	default:
	}
}

func (w *Worker) requestReconnect() {
	select {
	case w.reconnectCh <- struct{}{}:
	default:
	}
}

func dialTarget(d interface{}) string {
	if s, ok := d.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", d)
}

func (w *Worker) isRejectCode(code int64) bool {
	for _, c := range w.cfg.RejectCodes {
		if c == code {
			return true
		}
	}
	return false
}

func (w *Worker) isStarted() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.started
}

func (w *Worker) currentAccount() control.Account {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.account
}

func (w *Worker) haltReason() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.halted
}

func (w *Worker) setHalted(reason string) {
	w.mu.Lock()
	w.halted = reason
	w.mu.Unlock()
}

// enqueueLog is the logger hook. It never blocks; lines are dropped when the
// queue is full.
func (w *Worker) enqueueLog(e logging.Entry) {
	select {
	case w.logs <- e:
	default:
	}
}

func (w *Worker) forwardLogs() {
	defer close(w.logsDone)
	for e := range w.logs {
		w.send(control.NewLog(e))
	}
}
