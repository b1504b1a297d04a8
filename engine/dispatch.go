package engine

import (
	"context"
	"time"

	"github.com/kbukum/flowrun/backend"
	"github.com/kbukum/flowrun/errors"
	"github.com/kbukum/flowrun/graph"
	"github.com/kbukum/flowrun/logger"
	"github.com/kbukum/flowrun/observability"
	"github.com/kbukum/flowrun/task"
)

// maxPollFailures is how many consecutive Poll errors an attempt tolerates
// before the backend is considered gone.
const maxPollFailures = 5

// attemptResult is the outcome of a single submit/poll/collect cycle.
type attemptResult struct {
	ok        bool
	cancelled bool
	cause     string
	err       error
	outputs   map[string]string
}

// dispatch owns one instance's full attempt lifecycle, retries included.
// Retries resubmit the same resolved inputs; nothing is re-resolved between
// attempts. Exactly one completion event is sent back.
func (e *Engine) dispatch(ctx context.Context, inst *graph.Instance, resolved *task.Resolved, res task.Resources, events chan<- completion, log *logger.Logger) {
	ctx, span := observability.StartSpan(ctx, "flowrun.instance")
	defer span.End()
	observability.SetSpanAttribute(ctx, observability.AttrTask, inst.Task.ID)
	observability.SetSpanAttribute(ctx, observability.AttrInstance, inst.Name)
	if inst.Key != "" {
		observability.SetSpanAttribute(ctx, observability.AttrKey, inst.Key)
	}

	maxAttempts := inst.Task.Retries + 1
	var last attemptResult

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		observability.SetSpanAttribute(ctx, observability.AttrAttempt, attempt)
		last = e.attempt(ctx, resolved, res, log)

		if last.cancelled {
			events <- completion{
				inst: inst, resolved: resolved, res: res,
				outcome: outcomeCancelled, attempts: attempt, err: last.err,
			}
			return
		}
		if last.ok {
			events <- completion{
				inst: inst, resolved: resolved, res: res,
				outcome: outcomeSucceeded, attempts: attempt, outputs: last.outputs,
			}
			return
		}

		if attempt < maxAttempts && errors.IsRetryable(last.err) {
			log.Warn("attempt failed, retrying", map[string]interface{}{
				logger.FieldInstance: inst.Name,
				logger.FieldAttempt:  attempt,
				logger.FieldError:    errString(last.err),
			})
			continue
		}

		observability.SetSpanError(ctx, last.err)
		events <- completion{
			inst: inst, resolved: resolved, res: res,
			outcome: outcomeFailed, failureCause: last.cause,
			attempts: attempt, err: last.err,
		}
		return
	}
}

// attempt submits once and polls to a terminal phase.
func (e *Engine) attempt(ctx context.Context, resolved *task.Resolved, res task.Resources, log *logger.Logger) attemptResult {
	h, err := e.backend.Submit(ctx, resolved, res)
	if err != nil {
		if ctx.Err() != nil {
			return attemptResult{cancelled: true, err: ctx.Err()}
		}
		return attemptResult{cause: graph.CauseSubmit, err: err}
	}

	log.Debug("attempt submitted", map[string]interface{}{
		logger.FieldInstance: resolved.Name(),
		logger.FieldHandle:   h.ID,
	})

	var deadline time.Time
	if res.Timeout > 0 {
		deadline = time.Now().Add(res.Timeout)
	}

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	pollFailures := 0
	for {
		select {
		case <-ctx.Done():
			e.cancelHandle(h, log)
			return attemptResult{cancelled: true, err: ctx.Err()}

		case <-ticker.C:
			if !deadline.IsZero() && time.Now().After(deadline) {
				e.cancelHandle(h, log)
				return attemptResult{
					cause: graph.CauseTimeout,
					err:   errors.TaskTimeout(resolved.Name(), res.Timeout.String()),
				}
			}

			pr, err := e.backend.Poll(ctx, h)
			if err != nil {
				pollFailures++
				if pollFailures >= maxPollFailures {
					e.cancelHandle(h, log)
					return attemptResult{cause: graph.CauseSubmit, err: err}
				}
				continue
			}
			pollFailures = 0

			switch pr.Phase {
			case backend.PhaseSucceeded:
				outputs, err := e.backend.CollectOutputs(ctx, h)
				if err != nil {
					return attemptResult{cause: graph.CauseSubmit, err: err}
				}
				return attemptResult{ok: true, outputs: outputs}

			case backend.PhaseFailed:
				return attemptResult{
					cause: graph.CauseExit,
					err:   errors.TaskFailed(resolved.Name(), pr.ExitCode, pr.Message),
				}
			}
		}
	}
}

// cancelHandle stops a running attempt on a fresh context; the attempt
// context may already be done.
func (e *Engine) cancelHandle(h backend.Handle, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.GracePeriod+2*time.Second)
	defer cancel()
	if err := e.backend.Cancel(ctx, h); err != nil {
		log.Warn("failed to cancel attempt", map[string]interface{}{
			logger.FieldHandle: h.ID,
			logger.FieldError:  err.Error(),
		})
	}
}
