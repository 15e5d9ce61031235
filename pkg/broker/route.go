package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/noetl/noetl/pkg/identity"
	"github.com/noetl/noetl/pkg/metrics"
	"github.com/noetl/noetl/pkg/playbook"
	"github.com/noetl/noetl/pkg/types"
)

// onExecutionStarted wins the pending→running transition and enters
// the workflow's entry step. A lost transition means the execution was
// cancelled before it began; the event is claimed and dropped.
func (b *Broker) onExecutionStarted(ctx context.Context, ev *types.Event) error {
	ex, err := b.store.GetExecution(ctx, ev.ExecutionID)
	if err != nil {
		return err
	}
	won, err := b.store.TransitionExecution(ctx, ex.ID, types.ExecutionPending, types.ExecutionRunning, "", time.Time{})
	if err != nil {
		return err
	}
	if !won && ex.Status != types.ExecutionRunning {
		b.log.Warn().
			Int64("execution_id", ex.ID).
			Str("status", string(ex.Status)).
			Msg("execution not startable, dropping start event")
		return nil
	}
	ex.Status = types.ExecutionRunning

	pb, entry, err := b.fetchPlaybook(ctx, ex)
	if err != nil {
		return b.failExecution(ctx, ex, "", "fatal", fmt.Sprintf("load playbook %s@%s: %v", ex.ResourcePath, ex.ResourceVersion, err))
	}
	start := pb.EntryStep()
	if start == nil {
		return b.failExecution(ctx, ex, "", "validation", "playbook has no workflow steps")
	}

	b.log.Info().
		Int64("execution_id", ex.ID).
		Str("playbook", ex.ResourcePath).
		Str("version", ex.ResourceVersion).
		Str("entry", start.Step).
		Msg("execution started")

	return b.enterStep(ctx, ex, entry.ID, start, ev.ID)
}

// fetchPlaybook loads and decodes the execution's pinned playbook
// version together with its catalog entry.
func (b *Broker) fetchPlaybook(ctx context.Context, ex *types.Execution) (*playbook.Playbook, *types.CatalogEntry, error) {
	return b.catalog.FetchPlaybook(ctx, ex.ResourcePath, ex.ResourceVersion)
}

// enterStep opens a fresh step instance: it emits step_started (whose
// event id becomes the instance identity), honors pass, and either
// starts a loop, enqueues the tool pipeline as one job, or completes
// immediately for pure routing steps.
func (b *Broker) enterStep(ctx context.Context, ex *types.Execution, catalogID int64, step *playbook.Step, parentEventID int64) error {
	stepEventID := b.ids.Next()
	started := &types.Event{
		ID:            stepEventID,
		ExecutionID:   ex.ID,
		ParentEventID: parentEventID,
		Type:          types.EventStepStarted,
		NodeName:      step.Step,
		NodeInstance:  identity.Render(stepEventID),
		Status:        "started",
	}
	if step.Desc != "" {
		started.Payload = map[string]any{"desc": step.Desc}
	}
	if _, err := b.events.Append(ctx, started); err != nil {
		return err
	}

	env, err := b.buildEnv(ctx, ex)
	if err != nil {
		return err
	}

	if !step.Pass.Empty() {
		skip, err := b.renderer.EvalBool(step.Pass.String(), env)
		if err != nil {
			return b.failExecution(ctx, ex, step.Step, "resolution",
				fmt.Sprintf("step %q pass condition: %v", step.Step, err))
		}
		if skip {
			b.log.Debug().Int64("execution_id", ex.ID).Str("step", step.Step).Msg("step skipped by pass")
			return b.completeStep(ctx, completion{
				ex: ex, step: step, stepEventID: stepEventID,
				status: "ok", result: map[string]any{"skipped": true}, env: env,
			})
		}
	}

	if step.Loop != nil {
		return b.enterLoop(ctx, ex, catalogID, step, stepEventID, env)
	}

	if step.Tool.Empty() {
		return b.completeStep(ctx, completion{
			ex: ex, step: step, stepEventID: stepEventID, status: "ok", env: env,
		})
	}

	job := &types.Job{
		ExecutionID: ex.ID,
		CatalogID:   catalogID,
		Action:      b.action(step, stepEventID, env, nil),
	}
	if err := b.queue.Enqueue(ctx, job); err != nil {
		return err
	}
	metrics.JobsEnqueued.Inc()
	b.log.Debug().
		Int64("execution_id", ex.ID).
		Str("step", step.Step).
		Int64("queue_id", job.ID).
		Msg("step job enqueued")
	return nil
}

// action builds the rendered work description for one job. The whole
// render environment travels with the job so workers never rebuild
// projections from the log.
func (b *Broker) action(step *playbook.Step, stepEventID int64, env map[string]any, iter *types.IterContext) types.Action {
	tasks := make([]types.TaskSpec, 0, len(step.Tool.Tasks))
	for _, t := range step.Tool.Tasks {
		name := t.Name
		if name == "" {
			name = t.Kind
		}
		tasks = append(tasks, types.TaskSpec{Name: name, Kind: t.Kind, Spec: t.Spec})
	}
	return types.Action{
		StepName:    step.Step,
		StepEventID: stepEventID,
		Tasks:       tasks,
		Auth:        step.Auth.Aliases,
		Retry:       step.Retry,
		TimeoutSec:  step.Timeout,
		Iter:        iter,
		Context:     env,
	}
}

// completion describes a finished step instance about to be recorded
type completion struct {
	ex          *types.Execution
	step        *playbook.Step
	stepEventID int64
	status      string // "ok" | "error"
	result      map[string]any
	errInfo     map[string]any
	loop        map[string]any
	env         map[string]any
}

// completeStep renders the step's save projection and appends
// step_completed. Routing happens when that event is claimed, so
// synthetic completions and worker-driven ones advance identically.
func (b *Broker) completeStep(ctx context.Context, c completion) error {
	payload := map[string]any{}
	if c.result != nil {
		payload["result"] = c.result
	}
	if c.errInfo != nil {
		payload["error"] = c.errInfo
	}
	if c.loop != nil {
		payload["loop"] = c.loop
	}

	if c.status == "ok" && len(c.step.Save) > 0 {
		saveEnv := make(map[string]any, len(c.env)+1)
		for k, v := range c.env {
			saveEnv[k] = v
		}
		saveEnv["result"] = c.result
		saved, err := b.renderer.RenderValue(c.step.Save, saveEnv)
		if err != nil {
			c.status = "error"
			payload["error"] = map[string]any{
				"kind":    "resolution",
				"message": fmt.Sprintf("step %q save: %v", c.step.Step, err),
			}
		} else {
			payload["saved"] = saved
		}
	}

	ev := &types.Event{
		ExecutionID:   c.ex.ID,
		ParentEventID: c.stepEventID,
		Type:          types.EventStepCompleted,
		NodeName:      c.step.Step,
		NodeInstance:  identity.Render(c.stepEventID),
		Status:        c.status,
		Payload:       payload,
	}
	_, err := b.events.Append(ctx, ev)
	return err
}

// onStepCompleted routes a finished step instance: the first matching
// next arc wins, an else arc catches the rest, and a dead end either
// fails the execution (error status with no matching arc) or triggers
// the completion check.
func (b *Broker) onStepCompleted(ctx context.Context, ev *types.Event) error {
	ex, err := b.store.GetExecution(ctx, ev.ExecutionID)
	if err != nil {
		return err
	}
	if ex.Status.Terminal() {
		return nil
	}

	pb, entry, err := b.fetchPlaybook(ctx, ex)
	if err != nil {
		return b.failExecution(ctx, ex, ev.NodeName, "fatal",
			fmt.Sprintf("load playbook %s@%s: %v", ex.ResourcePath, ex.ResourceVersion, err))
	}
	step := pb.Step(ev.NodeName)
	if step == nil {
		return b.failExecution(ctx, ex, ev.NodeName, "fatal",
			fmt.Sprintf("completed step %q is not in the playbook", ev.NodeName))
	}

	env, err := b.buildEnv(ctx, ex)
	if err != nil {
		return err
	}

	var elseTargets []string
	for _, arc := range step.Next {
		if len(arc.Else) > 0 && elseTargets == nil {
			elseTargets = arc.Else
		}
		if len(arc.Then) == 0 {
			continue
		}
		take := arc.When.Empty()
		if !take {
			take, err = b.renderer.EvalBool(arc.When.String(), env)
			if err != nil {
				return b.failExecution(ctx, ex, step.Step, "resolution",
					fmt.Sprintf("step %q next condition: %v", step.Step, err))
			}
		}
		if take {
			return b.enterTargets(ctx, ex, entry.ID, pb, step.Step, arc.Then, ev.ID)
		}
	}
	if len(elseTargets) > 0 {
		return b.enterTargets(ctx, ex, entry.ID, pb, step.Step, elseTargets, ev.ID)
	}

	// Dead end. A failed step with no arc to route the failure fails
	// the execution; a successful one ends its branch.
	if ev.Status == "error" {
		kind, msg := errorSummary(ev.Payload)
		return b.failExecution(ctx, ex, step.Step, kind,
			fmt.Sprintf("step %q failed: %s", step.Step, msg))
	}
	return b.checkCompletion(ctx, ex)
}

// enterTargets opens each routed step as a fresh instance
func (b *Broker) enterTargets(ctx context.Context, ex *types.Execution, catalogID int64, pb *playbook.Playbook, from string, targets []string, parentEventID int64) error {
	for _, name := range targets {
		next := pb.Step(name)
		if next == nil {
			return b.failExecution(ctx, ex, from, "validation",
				fmt.Sprintf("step %q routes to unknown step %q", from, name))
		}
		if err := b.enterStep(ctx, ex, catalogID, next, parentEventID); err != nil {
			return err
		}
	}
	return nil
}

// onActionFinished reacts to a worker's terminal action event: loop
// iterations advance their loop state; plain steps lift the job result
// into step_completed. Non-terminal action events are progress records
// and carry no side effects.
func (b *Broker) onActionFinished(ctx context.Context, ev *types.Event) error {
	if !payloadBool(ev.Payload, "terminal") {
		return nil
	}
	ex, err := b.store.GetExecution(ctx, ev.ExecutionID)
	if err != nil {
		return err
	}
	if ex.Status.Terminal() {
		return nil
	}
	stepEventID, err := identity.Parse(ev.NodeInstance)
	if err != nil {
		return fmt.Errorf("event %d: node instance %q: %w", ev.ID, ev.NodeInstance, err)
	}

	if _, isIteration := ev.Payload["iter"]; isIteration {
		return b.advanceLoop(ctx, ex, ev, stepEventID)
	}

	pb, _, err := b.fetchPlaybook(ctx, ex)
	if err != nil {
		return b.failExecution(ctx, ex, ev.NodeName, "fatal",
			fmt.Sprintf("load playbook %s@%s: %v", ex.ResourcePath, ex.ResourceVersion, err))
	}
	step := pb.Step(ev.NodeName)
	if step == nil {
		return b.failExecution(ctx, ex, ev.NodeName, "fatal",
			fmt.Sprintf("finished step %q is not in the playbook", ev.NodeName))
	}
	env, err := b.buildEnv(ctx, ex)
	if err != nil {
		return err
	}

	if ev.Type == types.EventActionCompleted {
		return b.completeStep(ctx, completion{
			ex: ex, step: step, stepEventID: stepEventID,
			status: "ok", result: payloadMap(ev.Payload, "result"), env: env,
		})
	}
	return b.completeStep(ctx, completion{
		ex: ex, step: step, stepEventID: stepEventID,
		status: "error", result: payloadMap(ev.Payload, "data"),
		errInfo: payloadMap(ev.Payload, "error"), env: env,
	})
}

// checkCompletion closes the execution once its graph has drained: no
// live jobs, no unclaimed events, and every opened step instance has
// completed.
func (b *Broker) checkCompletion(ctx context.Context, ex *types.Execution) error {
	live, err := b.store.CountLiveJobs(ctx, ex.ID)
	if err != nil {
		return err
	}
	if live > 0 {
		return nil
	}
	unclaimed, err := b.events.CountUnclaimed(ctx, ex.ID)
	if err != nil {
		return err
	}
	if unclaimed > 0 {
		return nil
	}
	evs, err := b.events.List(ctx, ex.ID, 0, 0)
	if err != nil {
		return err
	}
	opened := make(map[string]bool)
	closed := make(map[string]bool)
	for _, e := range evs {
		switch e.Type {
		case types.EventStepStarted:
			opened[e.NodeInstance] = true
		case types.EventStepCompleted:
			closed[e.NodeInstance] = true
		}
	}
	for instance := range opened {
		if !closed[instance] {
			return nil
		}
	}
	return b.closeExecution(ctx, ex, evs)
}

// closeExecution wins running→completed and emits the terminal event
// with the final step results. Losing the transition means another
// broker or a cancellation got there first.
func (b *Broker) closeExecution(ctx context.Context, ex *types.Execution, evs []*types.Event) error {
	won, err := b.store.TransitionExecution(ctx, ex.ID, types.ExecutionRunning, types.ExecutionCompleted, "", time.Now().UTC())
	if err != nil {
		return err
	}
	if !won {
		return nil
	}

	results := make(map[string]any)
	for _, e := range evs {
		if e.Type == types.EventStepCompleted {
			results[e.NodeName] = resultView(e)
		}
	}
	b.emit(ctx, &types.Event{
		ExecutionID: ex.ID,
		Type:        types.EventExecutionComplete,
		Status:      string(types.ExecutionCompleted),
		Payload:     map[string]any{"results": results},
	})
	if _, err := b.keychain.DropExecution(ctx, ex.ID); err != nil {
		b.log.Warn().Err(err).Int64("execution_id", ex.ID).Msg("keychain drop failed")
	}
	metrics.ExecutionsCompleted.Inc()
	b.log.Info().Int64("execution_id", ex.ID).Msg("execution completed")
	return nil
}

// failExecution terminates an execution: status flip, queued work
// killed, keychain dropped, terminal event appended. Safe to call from
// racing brokers; only the transition winner applies side effects.
func (b *Broker) failExecution(ctx context.Context, ex *types.Execution, stepName, kind, msg string) error {
	now := time.Now().UTC()
	won := false
	for _, from := range []types.ExecutionStatus{types.ExecutionRunning, types.ExecutionPending} {
		w, err := b.store.TransitionExecution(ctx, ex.ID, from, types.ExecutionFailed, msg, now)
		if err != nil {
			return err
		}
		if w {
			won = true
			break
		}
	}
	if !won {
		return nil
	}

	if killed, err := b.queue.Kill(ctx, ex.ID, "execution failed"); err != nil {
		b.log.Error().Err(err).Int64("execution_id", ex.ID).Msg("queue kill failed")
	} else if killed > 0 {
		b.log.Debug().Int64("execution_id", ex.ID).Int("killed", killed).Msg("pending jobs killed")
	}

	b.emit(ctx, &types.Event{
		ExecutionID: ex.ID,
		Type:        types.EventExecutionFailed,
		NodeName:    stepName,
		Status:      string(types.ExecutionFailed),
		Payload: map[string]any{
			"error": map[string]any{"kind": kind, "message": msg},
		},
	})
	if _, err := b.keychain.DropExecution(ctx, ex.ID); err != nil {
		b.log.Warn().Err(err).Int64("execution_id", ex.ID).Msg("keychain drop failed")
	}
	metrics.ExecutionsFailed.Inc()
	b.log.Error().
		Int64("execution_id", ex.ID).
		Str("step", stepName).
		Str("error", msg).
		Msg("execution failed")
	return nil
}

// buildEnv assembles the render environment from durable state: the
// workload, completed step results keyed by step name, and the ctx map
// (workload overlaid with every saved projection, in log order).
func (b *Broker) buildEnv(ctx context.Context, ex *types.Execution) (map[string]any, error) {
	evs, err := b.events.List(ctx, ex.ID, 0, 0)
	if err != nil {
		return nil, err
	}

	ctxMap := make(map[string]any, len(ex.Workload))
	for k, v := range ex.Workload {
		ctxMap[k] = v
	}
	env := map[string]any{
		"workload":     ex.Workload,
		"execution_id": identity.Render(ex.ID),
	}
	for _, e := range evs {
		if e.Type != types.EventStepCompleted {
			continue
		}
		env[e.NodeName] = resultView(e)
		if saved, ok := e.Payload["saved"].(map[string]any); ok {
			for k, v := range saved {
				ctxMap[k] = v
			}
		}
	}
	env["ctx"] = ctxMap
	return env, nil
}

// resultView shapes a completed step for expressions: the result's own
// keys, plus status and, when failed, the error document.
func resultView(ev *types.Event) map[string]any {
	view := make(map[string]any)
	switch r := ev.Payload["result"].(type) {
	case map[string]any:
		for k, v := range r {
			view[k] = v
		}
	case nil:
	default:
		view["value"] = r
	}
	view["status"] = ev.Status
	if errDoc, ok := ev.Payload["error"]; ok {
		view["error"] = errDoc
	}
	if loopDoc, ok := ev.Payload["loop"]; ok {
		view["loop"] = loopDoc
	}
	return view
}

// errorSummary pulls kind and message out of an error payload document
func errorSummary(payload map[string]any) (kind, msg string) {
	kind, msg = "tool", "unknown error"
	errDoc, ok := payload["error"].(map[string]any)
	if !ok {
		return
	}
	if k, ok := errDoc["kind"].(string); ok && k != "" {
		kind = k
	}
	if m, ok := errDoc["message"].(string); ok && m != "" {
		msg = m
	}
	return
}

func payloadBool(payload map[string]any, key string) bool {
	v, _ := payload[key].(bool)
	return v
}

func payloadMap(payload map[string]any, key string) map[string]any {
	v, _ := payload[key].(map[string]any)
	return v
}
