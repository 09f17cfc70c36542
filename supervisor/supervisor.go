package supervisor

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/farmkit/control"
	"github.com/vinayprograms/farmkit/errors"
	"github.com/vinayprograms/farmkit/logging"
	"github.com/vinayprograms/farmkit/logindex"
	"github.com/vinayprograms/farmkit/state"
	"github.com/vinayprograms/farmkit/telemetry"
)

const (
	sendTimeout  = 5 * time.Second
	storeTimeout = 5 * time.Second
)

// Supervisor owns every worker unit.
type Supervisor struct {
	cfg    Config
	logger *logging.Logger

	mu         sync.Mutex
	records    map[string]*record
	restarting map[string]bool
	snapshot   *control.Snapshot
	revision   uint64
	generation uint64
	closed     bool
}

// New creates a supervisor with no workers.
func New(cfg Config) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Owner == "" {
		cfg.Owner = "farmd-" + uuid.NewString()
	}
	return &Supervisor{
		cfg:        cfg,
		logger:     cfg.Logger.WithComponent("supervisor"),
		records:    make(map[string]*record),
		restarting: make(map[string]bool),
	}, nil
}

// StartWorker starts a worker for acct. It fails with ALREADY_RUNNING when a
// record exists or another supervisor owns the account.
func (s *Supervisor) StartWorker(ctx context.Context, acct control.Account) error {
	return s.start(ctx, acct, false)
}

func (s *Supervisor) start(ctx context.Context, acct control.Account, restart bool) error {
	if acct.ID == "" {
		return errors.InvalidInput("supervisor: account id is required")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.Internal("supervisor: closed")
	}
	if _, ok := s.records[acct.ID]; ok || (s.restarting[acct.ID] && !restart) {
		s.mu.Unlock()
		return errors.AlreadyRunning(acct.ID)
	}
	s.generation++
	rec := newRecord(acct, s.generation)
	sup, wrk := control.NewChannel(s.cfg.ChannelBuffer)
	runCtx, cancel := context.WithCancel(context.Background())
	rec.ep = sup
	rec.cancel = cancel
	// The record is claimed before the lease so concurrent starts fail fast.
	s.records[acct.ID] = rec
	snap := s.snapshot
	s.mu.Unlock()

	if err := s.acquireLease(ctx, rec); err != nil {
		s.abort(rec)
		return err
	}
	runner, err := s.cfg.Factory(acct, wrk)
	if err != nil {
		s.releaseLease(rec)
		s.abort(rec)
		return errors.Wrap(err, "create worker", errors.WithAccount(acct.ID))
	}

	go func() {
		defer close(rec.exited)
		defer func() {
			if r := recover(); r != nil {
				s.recordError(rec, errors.RecoverPanic(r))
			}
		}()
		_ = runner.Run(runCtx)
	}()
	go s.listen(rec)

	s.send(rec, control.NewStart(acct))
	if snap != nil {
		s.send(rec, control.NewConfigSync(snap))
	}
	s.logger.WorkerStarted(acct.ID, rec.generation)
	return nil
}

// StopWorker asks the worker to stop and waits for it to exit. Past the
// stop grace period, or when ctx ends first, the worker is cancelled and its
// record removed without waiting further.
func (s *Supervisor) StopWorker(ctx context.Context, id string) error {
	rec := s.lookup(id)
	if rec == nil {
		return errors.NotRunning(id)
	}
	s.stop(ctx, rec)
	return nil
}

func (s *Supervisor) stop(ctx context.Context, rec *record) {
	rec.stopping.Store(true)
	s.send(rec, control.NewStop())

	grace := time.NewTimer(s.cfg.StopGrace)
	defer grace.Stop()

	select {
	case <-rec.done:
		return
	case <-grace.C:
	case <-ctx.Done():
	}

	s.logger.Warn("worker did not stop in time; forcing", map[string]interface{}{
		"worker": rec.account.ID,
		"grace":  s.cfg.StopGrace.String(),
	})
	rec.forced.Store(true)
	rec.cancel()
	s.onExit(rec)
}

// RestartWorker stops the account's worker if one runs and starts a fresh
// one. Other starts for the account are refused until it finishes.
func (s *Supervisor) RestartWorker(ctx context.Context, acct control.Account) error {
	s.mu.Lock()
	if s.restarting[acct.ID] {
		s.mu.Unlock()
		return errors.AlreadyRunning(acct.ID, errors.WithMetadata("reason", "restart in progress"))
	}
	s.restarting[acct.ID] = true
	rec := s.records[acct.ID]
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.restarting, acct.ID)
		s.mu.Unlock()
	}()

	if rec != nil {
		s.stop(ctx, rec)
	}
	return s.start(ctx, acct, true)
}

// CallWorkerAPI sends an api_call and waits for its answer. It fails with
// TIMEOUT after APITimeout and with WORKER_EXITED as soon as the worker
// exits.
func (s *Supervisor) CallWorkerAPI(ctx context.Context, id, method string, args map[string]interface{}) (result json.RawMessage, err error) {
	rec := s.lookup(id)
	if rec == nil {
		return nil, errors.NotRunning(id)
	}

	reqID := uuid.NewString()
	ctx, span := s.cfg.Tracer.StartAPISpan(ctx, id, method)
	defer func() {
		s.cfg.Tracer.EndAPISpan(span, telemetry.APISpanOptions{RequestID: reqID, Args: args}, err)
	}()

	ch, ok := rec.addPending(reqID)
	if !ok {
		return nil, errors.WorkerExited(id, errors.WithMethod(method))
	}

	if err := rec.ep.Send(ctx, control.NewAPICall(reqID, method, args)); err != nil {
		rec.removePending(reqID)
		if errors.Is(err, errors.ErrCodeConnectionLost) {
			return nil, errors.WorkerExited(id, errors.WithMethod(method))
		}
		return nil, errors.Wrap(err, "send api call", errors.WithAccount(id), errors.WithMethod(method))
	}

	timer := time.NewTimer(s.cfg.APITimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-timer.C:
		rec.removePending(reqID)
		return nil, errors.Timeout("api call "+method+" timed out", rec.pendingCount(),
			errors.WithAccount(id), errors.WithMethod(method))
	case <-ctx.Done():
		rec.removePending(reqID)
		return nil, errors.Wrap(ctx.Err(), "api call "+method, errors.WithAccount(id))
	}
}

// ApplyConfig installs new snapshot content. A new revision is assigned and
// broadcast only when the content differs from the current snapshot. It
// returns the revision in force afterwards.
func (s *Supervisor) ApplyConfig(content *control.Snapshot) (uint64, bool) {
	s.mu.Lock()
	if s.snapshot != nil && s.snapshot.SameContent(content) {
		rev := s.revision
		s.mu.Unlock()
		return rev, false
	}
	s.revision++
	snap := *content
	snap.Revision = s.revision
	s.snapshot = &snap
	recs := s.recordsLocked()
	s.mu.Unlock()

	for _, rec := range recs {
		s.send(rec, control.NewConfigSync(&snap))
	}
	s.logger.Info("config applied", map[string]interface{}{
		"revision": snap.Revision,
		"workers":  len(recs),
	})
	return snap.Revision, true
}

// PushConfig resends the current snapshot to one worker.
func (s *Supervisor) PushConfig(id string) error {
	rec := s.lookup(id)
	if rec == nil {
		return errors.NotRunning(id)
	}
	s.mu.Lock()
	snap := s.snapshot
	s.mu.Unlock()
	if snap == nil {
		return errors.InvalidInput("supervisor: no config applied yet")
	}
	s.send(rec, control.NewConfigSync(snap))
	return nil
}

// Snapshot returns the snapshot in force, or nil before the first ApplyConfig.
func (s *Supervisor) Snapshot() *control.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

// Status returns the record for one worker.
func (s *Supervisor) Status(id string) (WorkerInfo, error) {
	rec := s.lookup(id)
	if rec == nil {
		return WorkerInfo{}, errors.NotRunning(id)
	}
	return rec.info(), nil
}

// Statuses returns every record ordered by account id.
func (s *Supervisor) Statuses() []WorkerInfo {
	s.mu.Lock()
	recs := s.recordsLocked()
	s.mu.Unlock()
	out := make([]WorkerInfo, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.info())
	}
	return out
}

// Running returns the ids of running workers, sorted.
func (s *Supervisor) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SearchLogs queries the forwarded worker logs.
func (s *Supervisor) SearchLogs(q logindex.Query) ([]logging.Entry, error) {
	if s.cfg.Index == nil {
		return nil, errors.New(errors.ErrCodeUnsupported, "supervisor: log index not configured")
	}
	return s.cfg.Index.Search(q)
}

// StopAll stops every worker concurrently.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	recs := s.recordsLocked()
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, rec := range recs {
		wg.Add(1)
		go func(rec *record) {
			defer wg.Done()
			s.stop(ctx, rec)
		}(rec)
	}
	wg.Wait()
}

// Close refuses new workers and stops the running ones.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.StopAll(ctx)
	return nil
}

func (s *Supervisor) lookup(id string) *record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[id]
}

func (s *Supervisor) recordsLocked() []*record {
	recs := make([]*record, 0, len(s.records))
	for _, rec := range s.records {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].account.ID < recs[j].account.ID })
	return recs
}

// drop removes rec if it is still the current record for its account.
func (s *Supervisor) drop(rec *record) {
	s.mu.Lock()
	if s.records[rec.account.ID] == rec {
		delete(s.records, rec.account.ID)
	}
	s.mu.Unlock()
}

// abort unwinds a start that never got its worker running.
func (s *Supervisor) abort(rec *record) {
	rec.exitOnce.Do(func() {
		rec.rejectAll()
		rec.cancel()
		rec.ep.Close()
		s.drop(rec)
		close(rec.done)
	})
}

// send delivers msg to a worker. A closed channel means the worker is gone
// and its exit handling covers whatever msg was for.
func (s *Supervisor) send(rec *record, msg *control.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := rec.ep.Send(ctx, msg); err != nil {
		s.logger.Debug("control send failed", map[string]interface{}{
			"worker": rec.account.ID,
			"kind":   string(msg.Kind),
			"error":  err.Error(),
		})
	}
}

func (s *Supervisor) acquireLease(ctx context.Context, rec *record) error {
	if s.cfg.Store == nil {
		return nil
	}
	lctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	lease, err := s.cfg.Store.Acquire(lctx, state.OwnerKey(rec.account.ID), s.cfg.Owner, s.cfg.LeaseTTL)
	if stderrors.Is(err, state.ErrLeaseHeld) {
		return errors.AlreadyRunning(rec.account.ID, errors.WithMetadata("reason", "owned by another supervisor"))
	}
	if err != nil {
		return errors.Wrap(err, "acquire owner lease", errors.WithAccount(rec.account.ID))
	}
	rec.lease = lease
	return nil
}

func (s *Supervisor) releaseLease(rec *record) {
	if rec.lease == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := rec.lease.Release(ctx); err != nil {
		s.logger.Debug("owner lease release failed", map[string]interface{}{
			"worker": rec.account.ID,
			"error":  err.Error(),
		})
	}
}
