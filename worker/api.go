package worker

import (
	"context"

	"github.com/vinayprograms/farmkit/control"
	"github.com/vinayprograms/farmkit/errors"
)

// handleAPI answers one api_call with exactly one api_response. A call cut
// short by the worker exiting gets none; the supervisor rejects it with
// WORKER_EXITED when it observes the exit.
func (w *Worker) handleAPI(ctx context.Context, call *control.APICall) {
	var (
		result interface{}
		err    error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = errors.RecoverPanic(r)
			}
		}()
		result, err = w.dispatch(ctx, call)
	}()
	if ctx.Err() != nil {
		w.logger.Debug("api call abandoned on exit", map[string]interface{}{"method": call.Method})
		return
	}
	if err != nil {
		w.logger.Warn("api call failed", map[string]interface{}{"method": call.Method, "error": err.Error()})
	}
	w.send(control.NewAPIResponse(call.ID, result, err))
}

// dispatch handles the built-in methods and hands the rest to the domain.
func (w *Worker) dispatch(ctx context.Context, call *control.APICall) (interface{}, error) {
	switch call.Method {
	case "status":
		return w.Status(), nil

	case "nudge":
		kind, _ := call.Args["kind"].(string)
		if kind == "" {
			return nil, errors.InvalidInput("nudge needs a kind")
		}
		if !w.sched.Armed(kind) {
			return nil, errors.InvalidInput("task not armed: " + kind)
		}
		return map[string]interface{}{"accepted": w.sched.Nudge(kind)}, nil

	case "reconnect":
		w.requestReconnect()
		return map[string]interface{}{"ok": true}, nil
	}
	return w.dom.Call(ctx, call.Method, call.Args)
}
