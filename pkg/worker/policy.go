package worker

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/noetl/noetl/pkg/errdef"
	"github.com/noetl/noetl/pkg/metrics"
	"github.com/noetl/noetl/pkg/storage"
	"github.com/noetl/noetl/pkg/types"
)

// settle applies the retry policy to a finished attempt and records
// the verdict. The queue row settles before the events append so a
// crash between the two can only lose a report, never double one:
// evaluation order is stop_when first, then retry (wanted or
// automatic, with budget), then plain success or death.
func (w *Worker) settle(ctx context.Context, job *types.Job, outcome types.Outcome, taskIndex int) {
	// Verdict writes finish even when the worker is shutting down; an
	// acknowledged queue row with no matching event stalls the step.
	ctx = context.WithoutCancel(ctx)

	view := outcomeView(job, outcome)
	policy := job.Action.Retry

	if policy != nil && w.policyHolds(policy.StopWhen, view, job) {
		w.complete(ctx, job, outcome)
		return
	}

	wantRetry := policy != nil && w.policyHolds(policy.RetryWhen, view, job)
	if (wantRetry || autoRetryable(outcome)) && job.Attempts < job.MaxAttempts {
		w.fail(ctx, job, outcome, taskIndex, true)
		return
	}

	if outcome.OK() {
		w.complete(ctx, job, outcome)
		return
	}
	w.fail(ctx, job, outcome, taskIndex, false)
}

// policyHolds evaluates a retry-policy condition against the outcome
// view. Empty conditions never hold; a condition that fails to
// evaluate counts as false.
func (w *Worker) policyHolds(cond string, view map[string]any, job *types.Job) bool {
	if strings.TrimSpace(cond) == "" {
		return false
	}
	ok, err := w.renderer.EvalBool(cond, view)
	if err != nil {
		w.log.Warn().Err(err).
			Int64("queue_id", job.ID).
			Str("step", job.Action.StepName).
			Msg("policy condition failed to evaluate")
		return false
	}
	return ok
}

// autoRetryable reports whether a failed outcome retries on attempt
// budget alone. Validation and fatal errors never retry; resolution
// errors retry only when retry_when says so; timeouts count as
// retryable failures.
func autoRetryable(outcome types.Outcome) bool {
	if outcome.OK() || outcome.Error == nil {
		return false
	}
	switch errdef.Kind(outcome.Error.Kind) {
	case errdef.KindTool, errdef.KindTransient:
		return true
	case errdef.KindPolicy:
		return outcome.Error.Code == "timeout"
	default:
		return false
	}
}

// outcomeView is what retry_when and stop_when see: the outcome's data
// keys at the top level plus status, result, error, and attempt.
func outcomeView(job *types.Job, outcome types.Outcome) map[string]any {
	view := make(map[string]any, len(outcome.Data)+4)
	for k, v := range outcome.Data {
		view[k] = v
	}
	view["status"] = string(outcome.Status)
	view["result"] = outcome.Data
	view["attempt"] = job.Attempts
	if outcome.Error != nil {
		view["error"] = errorDoc(outcome.Error)
	}
	return view
}

// complete acknowledges the job and reports the step's result. A lost
// lease drops the result; the replacement attempt reports instead.
func (w *Worker) complete(ctx context.Context, job *types.Job, outcome types.Outcome) {
	err := retryStore(ctx, func() error {
		return w.queue.Complete(ctx, job.ID, w.id, outcome.Data)
	})
	if errors.Is(err, storage.ErrLeaseLost) {
		w.log.Warn().Int64("queue_id", job.ID).Msg("lease lost at completion, dropping result")
		return
	}
	if err != nil {
		w.log.Error().Err(err).
			Int64("queue_id", job.ID).
			Msg("completion write failed, leaving the lease to the sweeper")
		return
	}
	metrics.JobsCompleted.Inc()

	payload := map[string]any{
		"terminal": true,
		"result":   outcome.Data,
		"queue_id": job.ID,
		"attempt":  job.Attempts,
	}
	if outcome.Error != nil {
		// stop_when accepted an errored attempt; keep the error visible.
		payload["error"] = errorDoc(outcome.Error)
	}
	if it := job.Action.Iter; it != nil {
		payload["iter"] = iterDoc(it)
	}
	w.emitAction(ctx, job, types.EventActionCompleted, "ok", payload)
	w.log.Info().
		Int64("queue_id", job.ID).
		Int64("execution_id", job.ExecutionID).
		Str("step", job.Action.StepName).
		Msg("job completed")
}

// fail records a failed or not-yet-successful attempt. With budget and
// permission the job goes back to the queue after its backoff delay;
// otherwise it is dead and the broker takes over the failure.
func (w *Worker) fail(ctx context.Context, job *types.Job, outcome types.Outcome, taskIndex int, retryable bool) {
	info := outcome.Error
	if info == nil {
		// retry_when held on a successful outcome (poll-until pattern)
		info = &types.ErrorInfo{
			Kind:    string(errdef.KindPolicy),
			Code:    "retry_when",
			Message: "retry condition held after attempt",
		}
	}

	var status types.JobStatus
	var delay time.Duration
	err := retryStore(ctx, func() error {
		var ferr error
		status, delay, ferr = w.queue.Fail(ctx, job, w.id, info.Message, retryable)
		return ferr
	})
	if errors.Is(err, storage.ErrLeaseLost) {
		w.log.Warn().Int64("queue_id", job.ID).Msg("lease lost at failure, dropping result")
		return
	}
	if err != nil {
		w.log.Error().Err(err).
			Int64("queue_id", job.ID).
			Msg("failure write failed, leaving the lease to the sweeper")
		return
	}

	if status == types.JobRetry {
		metrics.JobsRetried.Inc()
		if outcome.Error != nil {
			w.emitAction(ctx, job, types.EventActionError, "error", map[string]any{
				"queue_id": job.ID,
				"attempt":  job.Attempts,
				"task":     taskAt(job, taskIndex),
				"error":    errorDoc(info),
			})
		}
		w.emitAction(ctx, job, types.EventActionRetry, "retry", map[string]any{
			"queue_id":        job.ID,
			"attempt":         job.Attempts,
			"next_attempt_in": delay.Seconds(),
		})
		w.log.Info().
			Int64("queue_id", job.ID).
			Int("attempt", job.Attempts).
			Int("max_attempts", job.MaxAttempts).
			Dur("delay", delay).
			Msg("attempt failed, retry scheduled")
		return
	}

	metrics.JobsDead.Inc()
	payload := map[string]any{
		"terminal": true,
		"queue_id": job.ID,
		"attempt":  job.Attempts,
		"task":     taskAt(job, taskIndex),
		"error":    errorDoc(info),
	}
	if len(outcome.Data) > 0 {
		payload["data"] = outcome.Data
	}
	if it := job.Action.Iter; it != nil {
		payload["iter"] = iterDoc(it)
	}
	w.emitAction(ctx, job, types.EventActionError, "error", payload)
	w.log.Warn().
		Int64("queue_id", job.ID).
		Int64("execution_id", job.ExecutionID).
		Str("step", job.Action.StepName).
		Str("error", info.Message).
		Msg("job dead")
}

// errorDoc flattens ErrorInfo for event payloads
func errorDoc(info *types.ErrorInfo) map[string]any {
	doc := map[string]any{"kind": info.Kind, "message": info.Message}
	if info.Code != "" {
		doc["code"] = info.Code
	}
	return doc
}

// iterDoc carries the iteration binding through action events so the
// broker can advance the owning loop.
func iterDoc(it *types.IterContext) map[string]any {
	return map[string]any{"element": it.Element, "value": it.Value, "index": it.Index}
}

func taskAt(job *types.Job, i int) string {
	if i >= 0 && i < len(job.Action.Tasks) {
		return job.Action.Tasks[i].Name
	}
	return ""
}
