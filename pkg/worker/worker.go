package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noetl/noetl/pkg/errdef"
	"github.com/noetl/noetl/pkg/event"
	"github.com/noetl/noetl/pkg/identity"
	"github.com/noetl/noetl/pkg/keychain"
	"github.com/noetl/noetl/pkg/log"
	"github.com/noetl/noetl/pkg/metrics"
	"github.com/noetl/noetl/pkg/queue"
	"github.com/noetl/noetl/pkg/storage"
	"github.com/noetl/noetl/pkg/template"
	"github.com/noetl/noetl/pkg/tool"
	"github.com/noetl/noetl/pkg/types"
)

// Config tunes one worker instance
type Config struct {
	// ID names this worker as the queue lease holder. Empty draws a
	// random one.
	ID string
	// Concurrency caps how many jobs run at once
	Concurrency int
	// BatchSize caps how many jobs one poll leases
	BatchSize int
	// PollInterval is the idle delay between lease polls
	PollInterval time.Duration
}

const (
	defaultConcurrency  = 4
	defaultPollInterval = 250 * time.Millisecond
)

func (c *Config) defaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	if c.BatchSize <= 0 {
		c.BatchSize = c.Concurrency
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
}

// Worker leases jobs from the queue and runs their task pipelines.
// Each job is one step instance (or one loop iteration): the worker
// resolves auth, renders arguments, invokes the tools, applies the
// step's retry policy, and reports the verdict through the queue row
// and the event log. Any number of workers can share a queue; leases
// keep each job with one owner at a time.
type Worker struct {
	id       string
	cfg      Config
	store    storage.Store
	events   *event.Service
	queue    *queue.Service
	keychain *keychain.Service
	tools    *tool.Registry
	renderer *template.Renderer
	log      zerolog.Logger
}

// New creates a worker over shared services
func New(store storage.Store, events *event.Service, q *queue.Service, kc *keychain.Service, tools *tool.Registry, cfg Config) *Worker {
	cfg.defaults()
	id := cfg.ID
	if id == "" {
		id = "worker-" + uuid.NewString()[:8]
	}
	return &Worker{
		id:       id,
		cfg:      cfg,
		store:    store,
		events:   events,
		queue:    q,
		keychain: kc,
		tools:    tools,
		renderer: template.New(),
		log:      log.WithComponent("worker").With().Str("worker_id", id).Logger(),
	}
}

// ID returns the worker's instance id, used as the lease holder
func (w *Worker) ID() string { return w.id }

// Run polls the queue until the context ends. Jobs run on a bounded
// pool; a full pool waits instead of over-leasing. Poll errors back
// off exponentially instead of hot-looping against a sick store.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info().
		Int("concurrency", w.cfg.Concurrency).
		Int("batch_size", w.cfg.BatchSize).
		Dur("poll_interval", w.cfg.PollInterval).
		Msg("worker started")

	sem := make(chan struct{}, w.cfg.Concurrency)
	var wg sync.WaitGroup

	retry := backoff.NewExponentialBackOff()
	retry.MaxElapsedTime = 0

	for ctx.Err() == nil {
		free := w.cfg.Concurrency - len(sem)
		if free <= 0 {
			w.idle(ctx, w.cfg.PollInterval)
			continue
		}
		capacity := free
		if capacity > w.cfg.BatchSize {
			capacity = w.cfg.BatchSize
		}

		jobs, err := w.queue.Lease(ctx, w.id, capacity)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			delay := retry.NextBackOff()
			w.log.Error().Err(err).Dur("backoff", delay).Msg("lease poll failed")
			w.idle(ctx, delay)
			continue
		}
		retry.Reset()

		for _, job := range jobs {
			metrics.JobsLeased.Inc()
			sem <- struct{}{}
			wg.Add(1)
			go func(job *types.Job) {
				defer wg.Done()
				defer func() { <-sem }()
				w.run(ctx, job)
			}(job)
		}

		if len(jobs) == capacity {
			// The queue may hold more; poll again immediately.
			continue
		}
		w.idle(ctx, w.cfg.PollInterval)
	}

	wg.Wait()
	w.log.Info().Msg("worker stopped")
	return ctx.Err()
}

func (w *Worker) idle(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// Step leases one batch and runs it to verdict on the calling
// goroutine. Local mode and tests drive the worker in explicit steps.
func (w *Worker) Step(ctx context.Context) (int, error) {
	jobs, err := w.queue.Lease(ctx, w.id, w.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("lease jobs: %w", err)
	}
	for _, job := range jobs {
		metrics.JobsLeased.Inc()
		w.run(ctx, job)
	}
	return len(jobs), nil
}

// run executes one leased job end to end: cancellation gate, lease
// renewal watch, the task pipeline, then the retry-policy verdict.
func (w *Worker) run(ctx context.Context, job *types.Job) {
	logger := w.log.With().
		Int64("execution_id", job.ExecutionID).
		Int64("queue_id", job.ID).
		Str("step", job.Action.StepName).
		Int("attempt", job.Attempts).
		Logger()
	logger.Debug().Msg("job leased")

	if why, halted := w.halted(ctx, job); halted {
		w.abandon(ctx, job, why)
		return
	}

	toolCtx, stop := context.WithCancel(ctx)
	watch := w.watch(toolCtx, stop, job)
	outcome, taskIndex := w.execute(toolCtx, job)
	stop()

	switch watch.reason() {
	case reasonLeaseLost:
		// The sweeper owns the job now; a second verdict would race it.
		logger.Warn().Msg("lease lost mid-run, dropping result")
		return
	case reasonCancelled:
		w.abandon(ctx, job, "execution cancelled")
		return
	}
	if ctx.Err() != nil {
		logger.Info().Msg("shutdown mid-job, leaving the lease to the sweeper")
		return
	}
	w.settle(ctx, job, outcome, taskIndex)
}

// halted reports whether the owning execution no longer wants this
// job: a cancellation flag or a terminal status.
func (w *Worker) halted(ctx context.Context, job *types.Job) (string, bool) {
	ex, err := w.store.GetExecution(ctx, job.ExecutionID)
	if errors.Is(err, storage.ErrNotFound) {
		return "execution record missing", true
	}
	if err != nil {
		w.log.Warn().Err(err).
			Int64("execution_id", job.ExecutionID).
			Msg("execution lookup failed, running the job anyway")
		return "", false
	}
	if ex.CancelRequested {
		return "execution cancelled", true
	}
	if ex.Status.Terminal() {
		return fmt.Sprintf("execution already %s", ex.Status), true
	}
	return "", false
}

// abandon drops a job whose execution no longer wants it: the row goes
// dead and a non-terminal action_error records why. No result event
// follows, so the broker never lifts the attempt into a completion.
func (w *Worker) abandon(ctx context.Context, job *types.Job, why string) {
	ctx = context.WithoutCancel(ctx)
	_, _, err := w.queue.Fail(ctx, job, w.id, why, false)
	if err != nil {
		if !errors.Is(err, storage.ErrLeaseLost) {
			w.log.Warn().Err(err).Int64("queue_id", job.ID).Msg("abandon write failed")
		}
	} else {
		metrics.JobsDead.Inc()
	}
	w.emitAction(ctx, job, types.EventActionError, "cancelled", map[string]any{
		"queue_id": job.ID,
		"attempt":  job.Attempts,
		"error": map[string]any{
			"kind":    string(errdef.KindPolicy),
			"code":    "cancelled",
			"message": why,
		},
	})
	w.log.Info().
		Int64("queue_id", job.ID).
		Int64("execution_id", job.ExecutionID).
		Str("reason", why).
		Msg("job abandoned")
}

const (
	reasonLeaseLost = "lease_lost"
	reasonCancelled = "cancelled"
)

// leaseWatch tracks why a running job was interrupted
type leaseWatch struct {
	mu  sync.Mutex
	why string
}

func (lw *leaseWatch) set(why string) {
	lw.mu.Lock()
	if lw.why == "" {
		lw.why = why
	}
	lw.mu.Unlock()
}

func (lw *leaseWatch) reason() string {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.why
}

// watch renews the job's lease while the pipeline runs and stops the
// tools when the lease is lost or the execution gets cancelled.
func (w *Worker) watch(ctx context.Context, stop context.CancelFunc, job *types.Job) *leaseWatch {
	lw := &leaseWatch{}
	interval := w.queue.LeaseDuration() / 3
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if err := w.queue.Renew(ctx, job.ID, w.id); err != nil {
				if ctx.Err() != nil {
					return
				}
				if errors.Is(err, storage.ErrLeaseLost) || errors.Is(err, storage.ErrNotFound) {
					lw.set(reasonLeaseLost)
					stop()
					return
				}
				w.log.Warn().Err(err).Int64("queue_id", job.ID).Msg("lease renewal failed")
				continue
			}
			ex, err := w.store.GetExecution(ctx, job.ExecutionID)
			if err == nil && (ex.CancelRequested || ex.Status.Terminal()) {
				lw.set(reasonCancelled)
				stop()
				return
			}
		}
	}()
	return lw
}

// execute runs the job's task pipeline and returns the last outcome
// plus the index of the task that produced it. Task boundaries land in
// the event log; each task's result feeds later renders under the
// task's name.
func (w *Worker) execute(ctx context.Context, job *types.Job) (types.Outcome, int) {
	env, creds, err := w.buildEnv(ctx, job)
	if err != nil {
		return tool.FromError(err), 0
	}

	timeout := time.Duration(job.Action.TimeoutSec * float64(time.Second))
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	last := len(job.Action.Tasks) - 1
	outcome := tool.OK(nil)
	for i, task := range job.Action.Tasks {
		w.emitAction(ctx, job, types.EventActionStarted, "started", map[string]any{
			"task":     task.Name,
			"kind":     task.Kind,
			"index":    i,
			"attempt":  job.Attempts,
			"queue_id": job.ID,
		})

		outcome = w.runTask(ctx, task, env, creds, timeout)
		if !outcome.OK() && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			outcome.Error = &types.ErrorInfo{
				Kind:    string(errdef.KindPolicy),
				Code:    "timeout",
				Message: fmt.Sprintf("task %q exceeded the step's %s timeout", task.Name, timeout),
			}
		}
		if !outcome.OK() {
			return outcome, i
		}
		if i < last {
			// Intermediate results are observable but non-terminal;
			// the settle path emits the step's final action event.
			w.emitAction(ctx, job, types.EventActionCompleted, "ok", map[string]any{
				"task":   task.Name,
				"kind":   task.Kind,
				"index":  i,
				"result": outcome.Data,
			})
			env[task.Name] = outcome.Data
		}
	}
	if last < 0 {
		return outcome, 0
	}
	return outcome, last
}

// runTask renders one task's arguments and invokes its tool
func (w *Worker) runTask(ctx context.Context, task types.TaskSpec, env map[string]any, creds map[string]*types.Credential, timeout time.Duration) types.Outcome {
	args, err := w.renderArgs(task, env)
	if err != nil {
		return tool.FromError(err)
	}
	impl, ok := w.tools.Get(task.Kind)
	if !ok {
		return tool.Fail(errdef.KindValidation, "", "unknown tool kind %q", task.Kind)
	}

	started := time.Now()
	outcome := impl.Run(ctx, tool.Input{Args: args, Auth: creds, Context: env, Timeout: timeout})
	metrics.ToolRunDuration.WithLabelValues(task.Kind).Observe(time.Since(started).Seconds())
	metrics.ToolRunsTotal.WithLabelValues(task.Kind, string(outcome.Status)).Inc()
	return outcome
}

// emitAction appends one worker-side event for the job's step instance
func (w *Worker) emitAction(ctx context.Context, job *types.Job, typ types.EventType, status string, payload map[string]any) {
	ev := &types.Event{
		ExecutionID:   job.ExecutionID,
		ParentEventID: job.Action.StepEventID,
		Type:          typ,
		NodeName:      job.Action.StepName,
		NodeInstance:  identity.Render(job.Action.StepEventID),
		Status:        status,
		Payload:       payload,
	}
	err := retryStore(ctx, func() error {
		_, aerr := w.events.Append(ctx, ev)
		return aerr
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		w.log.Error().Err(err).
			Int64("execution_id", job.ExecutionID).
			Str("event_type", string(typ)).
			Msg("event append failed")
	}
}

// retryStore pushes a store write through short exponential backoff.
// Lost leases and classified validation/resolution errors are
// permanent; everything else gets another chance.
func retryStore(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = time.Second
	return backoff.Retry(func() error {
		err := op()
		switch {
		case err == nil:
			return nil
		case errors.Is(err, storage.ErrLeaseLost),
			errors.Is(err, storage.ErrNotFound),
			errdef.IsKind(err, errdef.KindValidation),
			errdef.IsKind(err, errdef.KindResolution):
			return backoff.Permanent(err)
		default:
			return err
		}
	}, backoff.WithContext(backoff.WithMaxRetries(bo, 4), ctx))
}
