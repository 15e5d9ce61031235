package runtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/noetl/noetl/pkg/broker"
	"github.com/noetl/noetl/pkg/types"
	"github.com/noetl/noetl/pkg/worker"
)

// awaitPollInterval paces terminal-status checks while waiting on an
// execution
const awaitPollInterval = 50 * time.Millisecond

// ServeBroker runs a broker over the runtime's store until the context
// ends. Shutdown surfaces as context.Canceled.
func (r *Runtime) ServeBroker(ctx context.Context) error {
	b := broker.New(r.store, r.ids, r.catalog, r.events, r.queue, r.keychain, r.cfg.Broker)
	return b.Run(ctx)
}

// ServeWorker runs a worker over the runtime's store until the context
// ends. Shutdown surfaces as context.Canceled.
func (r *Runtime) ServeWorker(ctx context.Context) error {
	w := worker.New(r.store, r.events, r.queue, r.keychain, r.tools, r.cfg.Worker)
	return w.Run(ctx)
}

// Serve runs an embedded broker and worker over the runtime's store
// until the context ends. Local mode rides on it; distributed
// deployments run the standalone daemons instead.
func (r *Runtime) Serve(ctx context.Context) error {
	errc := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		errc <- r.ServeBroker(ctx)
	}()
	go func() {
		defer wg.Done()
		errc <- r.ServeWorker(ctx)
	}()
	wg.Wait()
	close(errc)

	for err := range errc {
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return nil
}

// RunLocal executes a registered playbook synchronously: it starts the
// execution, drives it with an embedded broker and worker, and blocks
// until the run terminates. watch, when set, receives every event in
// id order as the run progresses.
func (r *Runtime) RunLocal(ctx context.Context, path, version string, overrides map[string]any, watch func(*types.Event)) (*types.Execution, map[string]any, error) {
	ex, err := r.StartExecution(ctx, path, version, overrides)
	if err != nil {
		return nil, nil, err
	}

	serveCtx, stop := context.WithCancel(ctx)
	defer stop()
	done := make(chan error, 1)
	go func() { done <- r.Serve(serveCtx) }()

	final, results, err := r.AwaitExecution(ctx, ex.ID, watch)
	stop()
	<-done
	if err != nil {
		return ex, nil, err
	}
	return final, results, nil
}

// AwaitExecution polls an execution until it reaches a terminal
// status, returning the final row and the results projection from its
// execution_complete event (nil for failed and cancelled runs). watch,
// when set, receives every event of the execution in id order.
func (r *Runtime) AwaitExecution(ctx context.Context, id int64, watch func(*types.Event)) (*types.Execution, map[string]any, error) {
	var last int64
	deliver := func() {
		if watch == nil {
			return
		}
		evs, err := r.events.List(ctx, id, last, 0)
		if err != nil {
			return
		}
		for _, ev := range evs {
			watch(ev)
			last = ev.ID
		}
	}

	ticker := time.NewTicker(awaitPollInterval)
	defer ticker.Stop()
	for {
		deliver()
		ex, err := r.store.GetExecution(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		if ex.Status.Terminal() {
			results := r.finalResults(ctx, id, ex.Status)
			deliver()
			return ex, results, nil
		}
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// finalResults pulls the results projection from the terminal event.
// The status flips before the event appends, so a short grace window
// covers the gap. Runs that ended any way but completed carry no
// projection.
func (r *Runtime) finalResults(ctx context.Context, id int64, status types.ExecutionStatus) map[string]any {
	if status != types.ExecutionCompleted {
		return nil
	}
	for i := 0; i < 40; i++ {
		evs, err := r.events.List(ctx, id, 0, 0)
		if err == nil {
			for _, ev := range evs {
				if ev.Type != types.EventExecutionComplete {
					continue
				}
				if res, ok := ev.Payload["results"].(map[string]any); ok {
					return res
				}
				return map[string]any{}
			}
		}
		select {
		case <-ctx.Done():
			return map[string]any{}
		case <-time.After(awaitPollInterval):
		}
	}
	r.log.Warn().Int64("execution_id", id).Msg("completed execution has no terminal event")
	return map[string]any{}
}
