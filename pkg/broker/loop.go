package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/noetl/noetl/pkg/metrics"
	"github.com/noetl/noetl/pkg/playbook"
	"github.com/noetl/noetl/pkg/storage"
	"github.com/noetl/noetl/pkg/template"
	"github.com/noetl/noetl/pkg/tool"
	"github.com/noetl/noetl/pkg/types"
)

// loopCASRetries bounds the reload-and-retry dance on version
// conflicts. Conflicts only arise when several brokers advance
// iterations of the same loop at once.
const loopCASRetries = 16

// enterLoop materializes a step's loop: the collection is rendered,
// filtered, ordered, limited and chunked once, then frozen in loop
// state keyed by the step instance. The first dispatch batch is
// reserved in the same write that creates the state, so a crash can
// never double-dispatch an index.
func (b *Broker) enterLoop(ctx context.Context, ex *types.Execution, catalogID int64, step *playbook.Step, stepEventID int64, env map[string]any) error {
	items, err := b.collectItems(step, env)
	if err != nil {
		return b.failExecution(ctx, ex, step.Step, "resolution",
			fmt.Sprintf("step %q loop: %v", step.Step, err))
	}

	if len(items) == 0 {
		return b.completeStep(ctx, completion{
			ex: ex, step: step, stepEventID: stepEventID, status: "ok",
			result: map[string]any{"results": []any{}, "count": 0},
			loop:   map[string]any{"count": 0, "failed": 0},
			env:    env,
		})
	}

	concurrency := 1
	if step.Loop.Mode == types.LoopAsync {
		concurrency = step.Loop.Concurrency
		if concurrency <= 0 {
			concurrency = b.cfg.LoopConcurrency
		}
	}
	first := concurrency
	if first > len(items) {
		first = len(items)
	}

	ls := &types.LoopState{
		ExecutionID: ex.ID,
		StepName:    step.Step,
		StepEventID: stepEventID,
		Mode:        step.Loop.Mode,
		Concurrency: concurrency,
		Element:     step.Loop.Element,
		Items:       items,
		Results:     make([]any, len(items)),
		Dispatched:  first,
	}
	if err := b.store.PutLoopState(ctx, ls); err != nil {
		return err
	}

	b.log.Debug().
		Int64("execution_id", ex.ID).
		Str("step", step.Step).
		Int("items", len(items)).
		Str("mode", string(ls.Mode)).
		Int("first_batch", first).
		Msg("loop opened")

	for idx := 0; idx < first; idx++ {
		if err := b.enqueueIteration(ctx, ex, catalogID, step, stepEventID, ls, idx, env); err != nil {
			return err
		}
	}
	return nil
}

// collectItems renders loop.in and applies where, order_by, limit and
// chunk, in that order.
func (b *Broker) collectItems(step *playbook.Step, env map[string]any) ([]any, error) {
	rendered, err := b.renderer.Render(step.Loop.In, env)
	if err != nil {
		return nil, err
	}
	items, err := tool.Elements(rendered)
	if err != nil {
		return nil, err
	}

	element := step.Loop.Element

	if !step.Loop.Where.Empty() {
		kept := items[:0:0]
		for i, item := range items {
			keep, err := b.renderer.EvalBool(step.Loop.Where.String(), loopEnv(env, element, item, i))
			if err != nil {
				return nil, fmt.Errorf("where: %w", err)
			}
			if keep {
				kept = append(kept, item)
			}
		}
		items = kept
	}

	if step.Loop.OrderBy != "" {
		keys := make([]any, len(items))
		for i, item := range items {
			key, err := b.renderer.Eval(step.Loop.OrderBy, loopEnv(env, element, item, i))
			if err != nil {
				return nil, fmt.Errorf("order_by: %w", err)
			}
			keys[i] = key
		}
		idx := make([]int, len(items))
		for i := range idx {
			idx[i] = i
		}
		sort.SliceStable(idx, func(a, c int) bool {
			return compareAny(keys[idx[a]], keys[idx[c]]) < 0
		})
		ordered := make([]any, len(items))
		for i, j := range idx {
			ordered[i] = items[j]
		}
		items = ordered
	}

	if step.Loop.Limit > 0 && len(items) > step.Loop.Limit {
		items = items[:step.Loop.Limit]
	}

	if step.Loop.Chunk > 0 {
		var chunks []any
		for start := 0; start < len(items); start += step.Loop.Chunk {
			end := start + step.Loop.Chunk
			if end > len(items) {
				end = len(items)
			}
			chunks = append(chunks, items[start:end])
		}
		items = chunks
	}
	return items, nil
}

func loopEnv(base map[string]any, element string, item any, index int) map[string]any {
	env := make(map[string]any, len(base)+2)
	for k, v := range base {
		env[k] = v
	}
	env[element] = item
	env["index"] = index
	return env
}

// enqueueIteration dispatches one reserved iteration index as a job
func (b *Broker) enqueueIteration(ctx context.Context, ex *types.Execution, catalogID int64, step *playbook.Step, stepEventID int64, ls *types.LoopState, idx int, env map[string]any) error {
	iter := &types.IterContext{Element: ls.Element, Value: ls.Items[idx], Index: idx}
	job := &types.Job{
		ExecutionID: ex.ID,
		CatalogID:   catalogID,
		Action:      b.action(step, stepEventID, env, iter),
	}
	if err := b.queue.Enqueue(ctx, job); err != nil {
		return err
	}
	metrics.JobsEnqueued.Inc()
	b.log.Debug().
		Int64("execution_id", ex.ID).
		Str("step", step.Step).
		Int("index", idx).
		Int64("queue_id", job.ID).
		Msg("iteration enqueued")
	return nil
}

// advanceLoop folds one finished iteration into loop state and decides
// what happens next: dispatch more indices, keep draining, or close
// the loop with its aggregate result. State updates go through
// compare-and-swap; indices to dispatch are reserved inside the same
// write that records the completion, then enqueued after the swap
// lands, so concurrent brokers never dispatch an index twice.
func (b *Broker) advanceLoop(ctx context.Context, ex *types.Execution, ev *types.Event, stepEventID int64) error {
	pb, entry, err := b.fetchPlaybook(ctx, ex)
	if err != nil {
		return b.failExecution(ctx, ex, ev.NodeName, "fatal",
			fmt.Sprintf("load playbook %s@%s: %v", ex.ResourcePath, ex.ResourceVersion, err))
	}
	step := pb.Step(ev.NodeName)
	if step == nil {
		return b.failExecution(ctx, ex, ev.NodeName, "fatal",
			fmt.Sprintf("finished step %q is not in the playbook", ev.NodeName))
	}

	iterDoc := payloadMap(ev.Payload, "iter")
	idx := payloadInt(iterDoc, "index")

	var ls *types.LoopState
	var reserve []int
	for attempt := 0; ; attempt++ {
		ls, err = b.store.GetLoopState(ctx, ex.ID, ev.NodeName, stepEventID)
		if errors.Is(err, storage.ErrNotFound) {
			// Already finalized; nothing left to fold in
			return nil
		}
		if err != nil {
			return err
		}
		if idx < 0 || idx >= len(ls.Results) {
			return fmt.Errorf("loop %q instance %d: iteration index %d out of range", ev.NodeName, stepEventID, idx)
		}

		ls.Results[idx] = iterationView(ev)
		if ev.Type == types.EventActionCompleted {
			ls.Completed++
		} else {
			ls.Failed++
		}

		// Reserve further indices. A failure stops new dispatch; the
		// in-flight remainder drains before the loop closes.
		reserve = reserve[:0]
		if ls.Failed == 0 && ls.Dispatched < len(ls.Items) {
			want := 1
			if ls.Mode == types.LoopAsync {
				want = ls.Concurrency - ls.InFlight()
			}
			for ; want > 0 && ls.Dispatched < len(ls.Items); want-- {
				reserve = append(reserve, ls.Dispatched)
				ls.Dispatched++
			}
		}

		err = b.store.UpdateLoopState(ctx, ls)
		if err == nil {
			break
		}
		if !errors.Is(err, storage.ErrVersionConflict) {
			return err
		}
		if attempt >= loopCASRetries {
			return fmt.Errorf("loop %q instance %d: version conflicts persist", ev.NodeName, stepEventID)
		}
	}

	if len(reserve) > 0 {
		env, err := b.buildEnv(ctx, ex)
		if err != nil {
			return err
		}
		for _, nextIdx := range reserve {
			if err := b.enqueueIteration(ctx, ex, entry.ID, step, stepEventID, ls, nextIdx, env); err != nil {
				return err
			}
		}
	}

	if !ls.Done() {
		return nil
	}

	env, err := b.buildEnv(ctx, ex)
	if err != nil {
		return err
	}
	status := "ok"
	var errInfo map[string]any
	if ls.Failed > 0 {
		status = "error"
		errInfo = map[string]any{
			"kind":    "tool",
			"message": fmt.Sprintf("%d of %d iterations failed", ls.Failed, len(ls.Items)),
		}
	}
	if err := b.completeStep(ctx, completion{
		ex: ex, step: step, stepEventID: stepEventID, status: status,
		result:  map[string]any{"results": ls.Results, "count": len(ls.Items)},
		errInfo: errInfo,
		loop:    map[string]any{"count": len(ls.Items), "failed": ls.Failed},
		env:     env,
	}); err != nil {
		return err
	}
	if err := b.store.DeleteLoopState(ctx, ex.ID, ev.NodeName, stepEventID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		b.log.Warn().Err(err).
			Int64("execution_id", ex.ID).
			Str("step", ev.NodeName).
			Msg("loop state cleanup failed")
	}
	b.log.Debug().
		Int64("execution_id", ex.ID).
		Str("step", ev.NodeName).
		Int("count", len(ls.Items)).
		Int("failed", ls.Failed).
		Msg("loop closed")
	return nil
}

// iterationView is what one finished iteration contributes to the
// loop's results array.
func iterationView(ev *types.Event) any {
	if ev.Type == types.EventActionCompleted {
		return ev.Payload["result"]
	}
	view := map[string]any{"status": "error"}
	if errDoc, ok := ev.Payload["error"]; ok {
		view["error"] = errDoc
	}
	if data, ok := ev.Payload["data"]; ok {
		view["data"] = data
	}
	return view
}

// payloadInt reads a numeric payload field that may have gone through
// a JSON round-trip.
func payloadInt(payload map[string]any, key string) int {
	switch v := payload[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return -1
	}
}

// compareAny orders order_by keys: numbers numerically, everything
// else by string form.
func compareAny(a, c any) int {
	af, aok := toFloat(a)
	cf, cok := toFloat(c)
	if aok && cok {
		switch {
		case af < cf:
			return -1
		case af > cf:
			return 1
		default:
			return 0
		}
	}
	as, cs := template.Stringify(a), template.Stringify(c)
	switch {
	case as < cs:
		return -1
	case as > cs:
		return 1
	default:
		return 0
	}
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	default:
		return 0, false
	}
}
