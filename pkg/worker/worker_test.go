package worker

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/pkg/catalog"
	"github.com/noetl/noetl/pkg/errdef"
	"github.com/noetl/noetl/pkg/event"
	"github.com/noetl/noetl/pkg/identity"
	"github.com/noetl/noetl/pkg/keychain"
	"github.com/noetl/noetl/pkg/queue"
	"github.com/noetl/noetl/pkg/storage"
	boltstore "github.com/noetl/noetl/pkg/storage/bolt"
	"github.com/noetl/noetl/pkg/tool"
	"github.com/noetl/noetl/pkg/types"
)

// stub is a scriptable tool for tests
type stub struct {
	kind string
	fn   func(ctx context.Context, in tool.Input) types.Outcome
}

func (s stub) Kind() string { return s.kind }

func (s stub) Run(ctx context.Context, in tool.Input) types.Outcome { return s.fn(ctx, in) }

// staticSecrets is an in-memory secret manager for keychain tests
type staticSecrets map[string]map[string]string

func (s staticSecrets) ReadSecret(_ context.Context, path string) (map[string]string, error) {
	data, ok := s[path]
	if !ok {
		return nil, errdef.Resolution("secret %q not found", path)
	}
	return data, nil
}

// rig wires a worker over a bolt store. Tests enqueue jobs the way the
// broker does (rendered context snapshot, step event id) and drive the
// worker in explicit steps.
type rig struct {
	store    storage.Store
	ids      *identity.Generator
	catalog  *catalog.Service
	events   *event.Service
	queue    *queue.Service
	keychain *keychain.Service
	tools    *tool.Registry
	worker   *Worker
}

func newRig(t *testing.T) *rig {
	return newRigWith(t, 30*time.Second, nil)
}

func newRigWith(t *testing.T, leaseFor time.Duration, secrets keychain.SecretReader) *rig {
	t.Helper()
	store, err := boltstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ids, err := identity.NewGenerator(2)
	require.NoError(t, err)

	cat := catalog.NewService(store, ids)
	events := event.NewService(store, ids)
	q := queue.NewService(store, ids, leaseFor)

	cipher, err := keychain.NewCipherFromPassphrase("test-passphrase")
	require.NoError(t, err)
	kc := keychain.NewService(store, cipher, cat, secrets, time.Minute)

	tools := tool.NewRegistry()
	return &rig{
		store:    store,
		ids:      ids,
		catalog:  cat,
		events:   events,
		queue:    q,
		keychain: kc,
		tools:    tools,
		worker:   New(store, events, q, kc, tools, Config{BatchSize: 4, PollInterval: 5 * time.Millisecond}),
	}
}

// execution creates a running execution record for jobs to belong to
func (r *rig) execution(t *testing.T, workload map[string]any, muts ...func(*types.Execution)) *types.Execution {
	t.Helper()
	ex := &types.Execution{
		ID:              r.ids.Next(),
		ResourcePath:    "tests/pipeline",
		ResourceVersion: "0.1.0",
		Workload:        workload,
		Status:          types.ExecutionRunning,
		StartedAt:       time.Now().UTC(),
	}
	for _, m := range muts {
		m(ex)
	}
	require.NoError(t, r.store.CreateExecution(context.Background(), ex))
	return ex
}

// action builds a job action the way the broker's enterStep does
func (r *rig) action(tasks ...types.TaskSpec) types.Action {
	return types.Action{
		StepName:    "work",
		StepEventID: r.ids.Next(),
		Tasks:       tasks,
		Context: map[string]any{
			"workload": map[string]any{},
			"ctx":      map[string]any{},
		},
	}
}

func (r *rig) enqueue(t *testing.T, ex *types.Execution, action types.Action) *types.Job {
	t.Helper()
	job := &types.Job{ExecutionID: ex.ID, Action: action}
	require.NoError(t, r.queue.Enqueue(context.Background(), job))
	return job
}

// drive steps the worker until the job reaches a terminal queue status
func (r *rig) drive(t *testing.T, jobID int64) *types.Job {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_, err := r.worker.Step(ctx)
		require.NoError(t, err)
		job, err := r.store.GetJob(ctx, jobID)
		require.NoError(t, err)
		if job.Status.Terminal() {
			return job
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("job %d never settled", jobID)
	return nil
}

func (r *rig) eventsFor(t *testing.T, executionID int64) []*types.Event {
	t.Helper()
	evs, err := r.events.List(context.Background(), executionID, 0, 0)
	require.NoError(t, err)
	return evs
}

func byType(evs []*types.Event, typ types.EventType) []*types.Event {
	var out []*types.Event
	for _, ev := range evs {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// payloadJSON flattens every event payload for redaction checks
func payloadJSON(t *testing.T, evs []*types.Event) string {
	t.Helper()
	var b strings.Builder
	for _, ev := range evs {
		data, err := json.Marshal(ev.Payload)
		require.NoError(t, err)
		b.Write(data)
	}
	return b.String()
}

func TestRunsPipelineAndCompletes(t *testing.T) {
	r := newRig(t)
	r.tools.MustRegister(stub{kind: "probe", fn: func(_ context.Context, in tool.Input) types.Outcome {
		return tool.OK(map[string]any{"echo": in.Args["message"]})
	}})

	ex := r.execution(t, map[string]any{"name": "ada"})
	action := r.action(types.TaskSpec{Name: "probe", Kind: "probe", Spec: map[string]any{
		"message": "{{ workload.name }}",
	}})
	action.Context["workload"] = map[string]any{"name": "ada"}
	job := r.enqueue(t, ex, action)

	done := r.drive(t, job.ID)
	assert.Equal(t, types.JobDone, done.Status)
	assert.Equal(t, 1, done.Attempts)
	assert.Equal(t, "ada", done.Result["echo"])

	evs := r.eventsFor(t, ex.ID)
	started := byType(evs, types.EventActionStarted)
	require.Len(t, started, 1)
	assert.Equal(t, "work", started[0].NodeName)
	assert.Equal(t, identity.Render(action.StepEventID), started[0].NodeInstance)
	assert.Equal(t, "probe", started[0].Payload["task"])
	assert.NotContains(t, started[0].Payload, "args")

	completed := byType(evs, types.EventActionCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, true, completed[0].Payload["terminal"])
	assert.Equal(t, identity.Render(action.StepEventID), completed[0].NodeInstance)
	result, ok := completed[0].Payload["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ada", result["echo"])
	assert.Less(t, started[0].ID, completed[0].ID)
}

func TestAuthResolvedAndRedacted(t *testing.T) {
	r := newRig(t)
	var gotToken, gotHeader string
	r.tools.MustRegister(stub{kind: "call", fn: func(_ context.Context, in tool.Input) types.Outcome {
		if cred := in.Auth["api"]; cred != nil {
			gotToken = cred.Data["token"]
		}
		gotHeader, _ = in.Args["header"].(string)
		return tool.OK(map[string]any{"status_code": 200})
	}})

	ex := r.execution(t, nil)
	action := r.action(types.TaskSpec{Name: "call", Kind: "call", Spec: map[string]any{
		"header": "Bearer {{ auth.api.token }}",
	}})
	action.Auth = map[string]types.AuthRef{
		"api": {Inline: map[string]any{"token": "tt-8819-cafe"}},
	}
	job := r.enqueue(t, ex, action)

	done := r.drive(t, job.ID)
	assert.Equal(t, types.JobDone, done.Status)
	assert.Equal(t, "tt-8819-cafe", gotToken)
	assert.Equal(t, "Bearer tt-8819-cafe", gotHeader)

	// Credential material may flow to the tool but never to the log.
	assert.NotContains(t, payloadJSON(t, r.eventsFor(t, ex.ID)), "tt-8819-cafe")
}

func TestRetryUntilSuccess(t *testing.T) {
	r := newRig(t)
	calls := 0
	r.tools.MustRegister(stub{kind: "flaky", fn: func(_ context.Context, _ tool.Input) types.Outcome {
		calls++
		if calls < 3 {
			return tool.FailWithData(errdef.KindTool, "503", "service unavailable", map[string]any{"status_code": 503})
		}
		return tool.OK(map[string]any{"status_code": 200, "body": "pong"})
	}})

	ex := r.execution(t, nil)
	action := r.action(types.TaskSpec{Name: "flaky", Kind: "flaky", Spec: map[string]any{}})
	action.Retry = &types.RetryPolicy{MaxAttempts: 3}
	job := r.enqueue(t, ex, action)

	done := r.drive(t, job.ID)
	assert.Equal(t, types.JobDone, done.Status)
	assert.Equal(t, 3, done.Attempts)
	assert.Equal(t, 3, calls)

	evs := r.eventsFor(t, ex.ID)
	retries := byType(evs, types.EventActionRetry)
	require.Len(t, retries, 2)
	assert.EqualValues(t, 1, retries[0].Payload["attempt"])
	assert.EqualValues(t, 2, retries[1].Payload["attempt"])

	errs := byType(evs, types.EventActionError)
	require.Len(t, errs, 2)
	for _, ev := range errs {
		assert.Nil(t, ev.Payload["terminal"])
		errDoc, ok := ev.Payload["error"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "tool", errDoc["kind"])
		assert.Equal(t, "503", errDoc["code"])
	}

	completed := byType(evs, types.EventActionCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, true, completed[0].Payload["terminal"])
	assert.EqualValues(t, 3, completed[0].Payload["attempt"])
}

func TestExhaustedRetriesGoDead(t *testing.T) {
	r := newRig(t)
	r.tools.MustRegister(stub{kind: "broken", fn: func(_ context.Context, _ tool.Input) types.Outcome {
		return tool.FailWithData(errdef.KindTool, "500", "boom", map[string]any{"status_code": 500})
	}})

	ex := r.execution(t, nil)
	action := r.action(types.TaskSpec{Name: "broken", Kind: "broken", Spec: map[string]any{}})
	action.Retry = &types.RetryPolicy{MaxAttempts: 2}
	job := r.enqueue(t, ex, action)

	done := r.drive(t, job.ID)
	assert.Equal(t, types.JobDead, done.Status)
	assert.Equal(t, 2, done.Attempts)
	assert.Contains(t, done.LastError, "boom")

	evs := r.eventsFor(t, ex.ID)
	require.Len(t, byType(evs, types.EventActionRetry), 1)

	errs := byType(evs, types.EventActionError)
	require.Len(t, errs, 2)
	assert.Nil(t, errs[0].Payload["terminal"])
	assert.Equal(t, true, errs[1].Payload["terminal"])
	assert.EqualValues(t, 2, errs[1].Payload["attempt"])
	errDoc, ok := errs[1].Payload["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "tool", errDoc["kind"])
	assert.Equal(t, "500", errDoc["code"])
}

func TestValidationErrorNeverRetries(t *testing.T) {
	r := newRig(t)
	r.tools.MustRegister(stub{kind: "shape", fn: func(_ context.Context, _ tool.Input) types.Outcome {
		return tool.Fail(errdef.KindValidation, "", "unknown field %q", "frobnicate")
	}})

	ex := r.execution(t, nil)
	action := r.action(types.TaskSpec{Name: "shape", Kind: "shape", Spec: map[string]any{}})
	action.Retry = &types.RetryPolicy{MaxAttempts: 3}
	job := r.enqueue(t, ex, action)

	done := r.drive(t, job.ID)
	assert.Equal(t, types.JobDead, done.Status)
	assert.Equal(t, 1, done.Attempts)

	evs := r.eventsFor(t, ex.ID)
	assert.Empty(t, byType(evs, types.EventActionRetry))
	errs := byType(evs, types.EventActionError)
	require.Len(t, errs, 1)
	assert.Equal(t, true, errs[0].Payload["terminal"])
	errDoc, ok := errs[0].Payload["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "validation", errDoc["kind"])
}

func TestRetryWhenHoldsOnSuccess(t *testing.T) {
	r := newRig(t)
	calls := 0
	r.tools.MustRegister(stub{kind: "poll", fn: func(_ context.Context, _ tool.Input) types.Outcome {
		calls++
		return tool.OK(map[string]any{"ready": calls >= 2})
	}})

	ex := r.execution(t, nil)
	action := r.action(types.TaskSpec{Name: "poll", Kind: "poll", Spec: map[string]any{}})
	action.Retry = &types.RetryPolicy{MaxAttempts: 3, RetryWhen: "result.ready == false"}
	job := r.enqueue(t, ex, action)

	done := r.drive(t, job.ID)
	assert.Equal(t, types.JobDone, done.Status)
	assert.Equal(t, 2, done.Attempts)

	evs := r.eventsFor(t, ex.ID)
	// A not-yet-ready success retries without an error event.
	assert.Empty(t, byType(evs, types.EventActionError))
	require.Len(t, byType(evs, types.EventActionRetry), 1)

	completed := byType(evs, types.EventActionCompleted)
	require.Len(t, completed, 1)
	result, ok := completed[0].Payload["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, result["ready"])
}

func TestStopWhenAcceptsFailedOutcome(t *testing.T) {
	r := newRig(t)
	r.tools.MustRegister(stub{kind: "lookup", fn: func(_ context.Context, _ tool.Input) types.Outcome {
		return tool.FailWithData(errdef.KindTool, "404", "not found", map[string]any{"status_code": 404})
	}})

	ex := r.execution(t, nil)
	action := r.action(types.TaskSpec{Name: "lookup", Kind: "lookup", Spec: map[string]any{}})
	action.Retry = &types.RetryPolicy{MaxAttempts: 3, StopWhen: "status_code == 404"}
	job := r.enqueue(t, ex, action)

	done := r.drive(t, job.ID)
	assert.Equal(t, types.JobDone, done.Status)
	assert.Equal(t, 1, done.Attempts)
	assert.EqualValues(t, 404, done.Result["status_code"])

	evs := r.eventsFor(t, ex.ID)
	assert.Empty(t, byType(evs, types.EventActionRetry))
	completed := byType(evs, types.EventActionCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, true, completed[0].Payload["terminal"])
	errDoc, ok := completed[0].Payload["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "tool", errDoc["kind"])
}

func TestPipelineTasksFeedLaterRenders(t *testing.T) {
	r := newRig(t)
	r.tools.MustRegister(stub{kind: "emit", fn: func(_ context.Context, _ tool.Input) types.Outcome {
		return tool.OK(map[string]any{"n": 1})
	}})
	r.tools.MustRegister(stub{kind: "math", fn: func(_ context.Context, in tool.Input) types.Outcome {
		return tool.OK(map[string]any{"m": in.Args["m"]})
	}})

	ex := r.execution(t, nil)
	action := r.action(
		types.TaskSpec{Name: "first", Kind: "emit", Spec: map[string]any{}},
		types.TaskSpec{Name: "second", Kind: "math", Spec: map[string]any{"m": "{{ first.n + 1 }}"}},
	)
	job := r.enqueue(t, ex, action)

	done := r.drive(t, job.ID)
	assert.Equal(t, types.JobDone, done.Status)
	assert.EqualValues(t, 2, done.Result["m"])

	evs := r.eventsFor(t, ex.ID)
	started := byType(evs, types.EventActionStarted)
	require.Len(t, started, 2)
	assert.Equal(t, "first", started[0].Payload["task"])
	assert.EqualValues(t, 0, started[0].Payload["index"])
	assert.Equal(t, "second", started[1].Payload["task"])
	assert.EqualValues(t, 1, started[1].Payload["index"])

	completed := byType(evs, types.EventActionCompleted)
	require.Len(t, completed, 2)
	assert.Nil(t, completed[0].Payload["terminal"])
	first, ok := completed[0].Payload["result"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 1, first["n"])
	assert.Equal(t, true, completed[1].Payload["terminal"])
}

func TestCancelledExecutionAbandonsJob(t *testing.T) {
	r := newRig(t)
	r.tools.MustRegister(stub{kind: "never", fn: func(_ context.Context, _ tool.Input) types.Outcome {
		t.Fatal("tool ran for a cancelled execution")
		return tool.OK(nil)
	}})

	ex := r.execution(t, nil, func(e *types.Execution) { e.CancelRequested = true })
	action := r.action(types.TaskSpec{Name: "never", Kind: "never", Spec: map[string]any{}})
	job := r.enqueue(t, ex, action)

	n, err := r.worker.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := r.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobDead, got.Status)
	assert.Contains(t, got.LastError, "cancelled")

	evs := r.eventsFor(t, ex.ID)
	assert.Empty(t, byType(evs, types.EventActionStarted))
	assert.Empty(t, byType(evs, types.EventActionCompleted))
	errs := byType(evs, types.EventActionError)
	require.Len(t, errs, 1)
	assert.Equal(t, "cancelled", errs[0].Status)
	assert.Nil(t, errs[0].Payload["terminal"])
	errDoc, ok := errs[0].Payload["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "policy", errDoc["kind"])
	assert.Equal(t, "cancelled", errDoc["code"])
}

func TestUnknownToolKindDies(t *testing.T) {
	r := newRig(t)

	ex := r.execution(t, nil)
	action := r.action(types.TaskSpec{Name: "warp", Kind: "warp", Spec: map[string]any{}})
	action.Retry = &types.RetryPolicy{MaxAttempts: 3}
	job := r.enqueue(t, ex, action)

	done := r.drive(t, job.ID)
	assert.Equal(t, types.JobDead, done.Status)
	assert.Equal(t, 1, done.Attempts)

	evs := r.eventsFor(t, ex.ID)
	assert.Empty(t, byType(evs, types.EventActionRetry))
	errs := byType(evs, types.EventActionError)
	require.Len(t, errs, 1)
	errDoc, ok := errs[0].Payload["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "validation", errDoc["kind"])
	assert.Contains(t, errDoc["message"], `unknown tool kind "warp"`)
}

func TestTimeoutRetriesThenDies(t *testing.T) {
	r := newRig(t)
	r.tools.MustRegister(stub{kind: "slow", fn: func(ctx context.Context, _ tool.Input) types.Outcome {
		select {
		case <-ctx.Done():
			return tool.FromError(ctx.Err())
		case <-time.After(time.Second):
			return tool.OK(nil)
		}
	}})

	ex := r.execution(t, nil)
	action := r.action(types.TaskSpec{Name: "slow", Kind: "slow", Spec: map[string]any{}})
	action.TimeoutSec = 0.02
	action.Retry = &types.RetryPolicy{MaxAttempts: 2}
	job := r.enqueue(t, ex, action)

	done := r.drive(t, job.ID)
	assert.Equal(t, types.JobDead, done.Status)
	assert.Equal(t, 2, done.Attempts)

	evs := r.eventsFor(t, ex.ID)
	require.Len(t, byType(evs, types.EventActionRetry), 1)
	errs := byType(evs, types.EventActionError)
	require.Len(t, errs, 2)
	errDoc, ok := errs[1].Payload["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "policy", errDoc["kind"])
	assert.Equal(t, "timeout", errDoc["code"])
	assert.Contains(t, errDoc["message"], "timeout")
}

func TestSecretReferencesResolve(t *testing.T) {
	r := newRigWith(t, 30*time.Second, staticSecrets{
		"app/token": {"value": "s3cr3t-v"},
	})
	var gotHeader string
	r.tools.MustRegister(stub{kind: "call", fn: func(_ context.Context, in tool.Input) types.Outcome {
		gotHeader, _ = in.Args["header"].(string)
		return tool.OK(map[string]any{"status_code": 200})
	}})

	ex := r.execution(t, nil)
	action := r.action(types.TaskSpec{Name: "call", Kind: "call", Spec: map[string]any{
		"header": `Bearer {{ secret["app/token"].value }}`,
	}})
	job := r.enqueue(t, ex, action)

	done := r.drive(t, job.ID)
	assert.Equal(t, types.JobDone, done.Status)
	assert.Equal(t, "Bearer s3cr3t-v", gotHeader)
	assert.NotContains(t, payloadJSON(t, r.eventsFor(t, ex.ID)), "s3cr3t-v")
}

func TestIterationCarriesIterDoc(t *testing.T) {
	r := newRig(t)
	r.tools.MustRegister(stub{kind: "emit", fn: func(_ context.Context, in tool.Input) types.Outcome {
		return tool.OK(map[string]any{"v": in.Args["x"]})
	}})

	ex := r.execution(t, nil)
	action := r.action(types.TaskSpec{Name: "emit", Kind: "emit", Spec: map[string]any{"x": "{{ n * 2 }}"}})
	action.Iter = &types.IterContext{Element: "n", Value: 7, Index: 2}
	job := r.enqueue(t, ex, action)

	done := r.drive(t, job.ID)
	assert.Equal(t, types.JobDone, done.Status)
	assert.EqualValues(t, 14, done.Result["v"])

	completed := byType(r.eventsFor(t, ex.ID), types.EventActionCompleted)
	require.Len(t, completed, 1)
	iter, ok := completed[0].Payload["iter"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "n", iter["element"])
	assert.EqualValues(t, 7, iter["value"])
	assert.EqualValues(t, 2, iter["index"])
}

func TestLeaseLostDropsResult(t *testing.T) {
	r := newRigWith(t, 60*time.Millisecond, nil)
	r.tools.MustRegister(stub{kind: "block", fn: func(ctx context.Context, _ tool.Input) types.Outcome {
		select {
		case <-ctx.Done():
			return tool.FromError(ctx.Err())
		case <-time.After(2 * time.Second):
			return tool.OK(map[string]any{"done": true})
		}
	}})

	ex := r.execution(t, nil)
	action := r.action(types.TaskSpec{Name: "block", Kind: "block", Spec: map[string]any{}})
	job := r.enqueue(t, ex, action)

	// A rival holds the lease; this worker's renewal must fail and the
	// result must be dropped without any verdict.
	ctx := context.Background()
	stolen, err := r.queue.Lease(ctx, "rival-worker", 1)
	require.NoError(t, err)
	require.Len(t, stolen, 1)

	r.worker.run(ctx, stolen[0])

	got, err := r.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobLeased, got.Status)
	assert.Equal(t, "rival-worker", got.WorkerID)

	evs := r.eventsFor(t, ex.ID)
	assert.Empty(t, byType(evs, types.EventActionCompleted))
	assert.Empty(t, byType(evs, types.EventActionError))
	assert.Empty(t, byType(evs, types.EventActionRetry))
	require.Len(t, byType(evs, types.EventActionStarted), 1)
}
