package supervisor

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/vinayprograms/farmkit/bus"
	"github.com/vinayprograms/farmkit/control"
	"github.com/vinayprograms/farmkit/errors"
	"github.com/vinayprograms/farmkit/logging"
	"github.com/vinayprograms/farmkit/state"
)

// Bus subject prefixes. The account token is appended.
const (
	SubjectStatus = "farm.status."
	SubjectLog    = "farm.log."
	SubjectError  = "farm.error."
	SubjectNotice = "farm.notice."
)

// listen consumes one worker's messages until the worker exits.
func (s *Supervisor) listen(rec *record) {
	var renew <-chan time.Time
	if rec.lease != nil {
		t := time.NewTicker(s.cfg.LeaseTTL / 3)
		defer t.Stop()
		renew = t.C
	}

	for {
		select {
		case msg, ok := <-rec.ep.Recv():
			if !ok {
				select {
				case <-rec.exited:
				case <-rec.done:
				}
				s.onExit(rec)
				return
			}
			s.handle(rec, msg)
		case <-rec.exited:
			s.drain(rec)
			s.onExit(rec)
			return
		case <-renew:
			s.renewLease(rec)
		}
	}
}

// drain handles what the worker sent right before exiting.
func (s *Supervisor) drain(rec *record) {
	for {
		select {
		case msg, ok := <-rec.ep.Recv():
			if !ok {
				return
			}
			s.handle(rec, msg)
		default:
			return
		}
	}
}

// onExit runs once per record: it rejects every waiting api call, closes
// the channel, releases the lease and removes the record.
func (s *Supervisor) onExit(rec *record) {
	rec.exitOnce.Do(func() {
		rejected := rec.rejectAll()
		rec.cancel()
		rec.ep.Close()
		s.releaseLease(rec)
		s.drop(rec)

		rec.mu.Lock()
		last := rec.status
		rec.mu.Unlock()
		if last != nil {
			final := *last
			final.Connected = false
			final.UpdatedAt = time.Now()
			s.persist(rec.account.ID, &final)
		}

		s.logger.WorkerExited(rec.account.ID, rec.forced.Load(), rejected)
		close(rec.done)
	})
}

func (s *Supervisor) handle(rec *record, msg *control.Message) {
	id := rec.account.ID
	switch msg.Kind {
	case control.KindAPIResponse:
		if msg.Response != nil && !rec.resolve(msg.Response) {
			s.logger.Debug("late api response dropped", map[string]interface{}{
				"worker": id,
				"id":     msg.Response.ID,
			})
		}
	case control.KindStatusSync:
		if msg.Status != nil {
			s.onStatus(rec, msg)
		}
	case control.KindLog:
		if msg.Log != nil {
			s.onLog(rec, msg)
		}
	case control.KindError:
		if msg.Error != nil {
			s.recordError(rec, msg.Error)
			s.publish(SubjectError, rec, msg)
		}
	case control.KindRejected:
		if msg.Rejected != nil {
			rec.mu.Lock()
			rec.rejected = msg.Rejected
			rec.mu.Unlock()
			s.logger.Warn("account rejected", map[string]interface{}{
				"worker":  id,
				"code":    msg.Rejected.Code,
				"message": msg.Rejected.Message,
			})
			s.notify(Notice{Kind: NoticeRejected, Account: id, Message: msg.Rejected.Message, Time: msg.Time})
		}
	case control.KindKicked:
		if msg.Kicked != nil {
			rec.mu.Lock()
			rec.kicked = msg.Kicked
			rec.mu.Unlock()
			s.logger.Warn("account kicked", map[string]interface{}{
				"worker": id,
				"reason": msg.Kicked.Reason,
			})
			s.notify(Notice{Kind: NoticeKicked, Account: id, Message: msg.Kicked.Reason, Time: msg.Time})
		}
	default:
		s.logger.Debug("unexpected worker message", map[string]interface{}{
			"worker": id,
			"kind":   string(msg.Kind),
		})
	}
}

func (s *Supervisor) onStatus(rec *record, msg *control.Message) {
	since, crossed := rec.observe(msg.Status, time.Now(), s.cfg.DisconnectThreshold)
	s.persist(rec.account.ID, msg.Status)
	s.publish(SubjectStatus, rec, msg)
	if crossed {
		go s.disconnected(rec, since)
	}
}

// disconnected handles a worker that stayed offline past the threshold.
func (s *Supervisor) disconnected(rec *record, since time.Time) {
	id := rec.account.ID
	s.logger.Warn("worker disconnected past threshold", map[string]interface{}{
		"worker":    id,
		"since":     since.Format(time.RFC3339),
		"threshold": s.cfg.DisconnectThreshold.String(),
	})
	s.notify(Notice{
		Kind:    NoticeDisconnected,
		Account: id,
		Message: "disconnected for longer than " + s.cfg.DisconnectThreshold.String(),
		Time:    time.Now(),
		Since:   since,
		Removed: s.cfg.AutoRemove,
	})
	if !s.cfg.AutoRemove {
		return
	}
	if s.cfg.OnAutoRemove != nil {
		s.cfg.OnAutoRemove(id)
	}
	s.stop(context.Background(), rec)
}

func (s *Supervisor) onLog(rec *record, msg *control.Message) {
	e := *msg.Log
	if e.Account == "" {
		e.Account = rec.account.ID
	}
	l := s.cfg.Logger.WithAccount(e.Account)
	if e.Component != "" {
		l = l.WithComponent(e.Component)
	}
	switch e.Level {
	case logging.LevelDebug:
		l.Debug(e.Message, e.Fields)
	case logging.LevelWarn:
		l.Warn(e.Message, e.Fields)
	case logging.LevelError:
		l.Error(e.Message, e.Fields)
	default:
		l.Info(e.Message, e.Fields)
	}

	if s.cfg.Index != nil {
		if err := s.cfg.Index.Add(e); err != nil {
			s.logger.Debug("log index add failed", map[string]interface{}{"error": err.Error()})
		}
	}
	s.publish(SubjectLog, rec, msg)
}

func (s *Supervisor) recordError(rec *record, err *errors.Error) {
	rec.mu.Lock()
	rec.lastError = err
	rec.mu.Unlock()
	s.logger.Error("worker error", map[string]interface{}{
		"worker": rec.account.ID,
		"code":   string(err.Code()),
		"error":  err.Error(),
	})
}

func (s *Supervisor) renewLease(rec *record) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	err := rec.lease.Renew(ctx)
	if err == nil {
		return
	}
	if !stderrors.Is(err, state.ErrLeaseLost) {
		s.logger.Warn("owner lease renew failed", map[string]interface{}{
			"worker": rec.account.ID,
			"error":  err.Error(),
		})
		return
	}
	s.logger.Error("owner lease lost; stopping worker", map[string]interface{}{"worker": rec.account.ID})
	s.notify(Notice{Kind: NoticeLeaseLost, Account: rec.account.ID, Message: "owner lease taken by another supervisor", Time: time.Now(), Removed: true})
	go s.stop(context.Background(), rec)
}

func (s *Supervisor) persist(id string, st *control.Status) {
	if s.cfg.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := state.PutJSON(ctx, s.cfg.Store, state.StatusKey(id), st); err != nil {
		s.logger.Warn("status persist failed", map[string]interface{}{
			"worker": id,
			"error":  err.Error(),
		})
	}
}

func (s *Supervisor) publish(prefix string, rec *record, msg *control.Message) {
	if s.cfg.Bus == nil {
		return
	}
	env := &control.Envelope{Account: rec.account.ID, Generation: rec.generation, Message: msg}
	data, err := env.Marshal()
	if err == nil {
		err = s.cfg.Bus.Publish(prefix+bus.Token(rec.account.ID), data)
	}
	if err != nil {
		s.logger.Debug("bus publish failed", map[string]interface{}{
			"subject": prefix + bus.Token(rec.account.ID),
			"error":   err.Error(),
		})
	}
}

// notify delivers n to the notifier and the bus without blocking the caller.
func (s *Supervisor) notify(n Notice) {
	if s.cfg.Bus != nil {
		subject := SubjectNotice + bus.Token(n.Account)
		data, err := json.Marshal(n)
		if err == nil {
			err = s.cfg.Bus.Publish(subject, data)
		}
		if err != nil {
			s.logger.Debug("bus publish failed", map[string]interface{}{"subject": subject, "error": err.Error()})
		}
	}
	if s.cfg.Notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		if err := s.cfg.Notifier.Notify(ctx, n); err != nil {
			s.logger.Warn("notify failed", map[string]interface{}{
				"worker": n.Account,
				"kind":   string(n.Kind),
				"error":  err.Error(),
			})
		}
	}()
}
