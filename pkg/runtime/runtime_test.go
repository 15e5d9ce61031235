package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/pkg/broker"
	"github.com/noetl/noetl/pkg/errdef"
	"github.com/noetl/noetl/pkg/types"
	"github.com/noetl/noetl/pkg/worker"
)

func newRuntime(t *testing.T) *Runtime {
	return newRuntimeWith(t, 2*time.Second)
}

func newRuntimeWith(t *testing.T, leaseFor time.Duration) *Runtime {
	t.Helper()
	rt, err := New(context.Background(), Config{
		DataDir:  t.TempDir(),
		LeaseFor: leaseFor,
		Broker: broker.Config{
			PollInterval:  5 * time.Millisecond,
			SweepInterval: 250 * time.Millisecond,
		},
		Worker: worker.Config{
			PollInterval: 5 * time.Millisecond,
			Concurrency:  8,
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close() })
	return rt
}

func register(t *testing.T, rt *Runtime, source string) string {
	t.Helper()
	res, err := rt.Catalog().Register(context.Background(), []byte(source), "test")
	require.NoError(t, err)
	return res.Entry.Path
}

func eventsFor(t *testing.T, rt *Runtime, executionID int64) []*types.Event {
	t.Helper()
	evs, err := rt.Events().List(context.Background(), executionID, 0, 0)
	require.NoError(t, err)
	return evs
}

func byType(evs []*types.Event, et types.EventType) []*types.Event {
	var out []*types.Event
	for _, ev := range evs {
		if ev.Type == et {
			out = append(out, ev)
		}
	}
	return out
}

const greetPlaybook = `
apiVersion: noetl.io/v1
kind: Playbook
metadata:
  name: greet
  path: tests/greet
workload:
  greeting: hello
  subject: world
workflow:
  - step: start
    tool:
      kind: shell
      command: "echo {{ workload.greeting }} {{ workload.subject }}"
    next:
      - then: [end]
  - step: end
`

func TestStartExecutionMergesWorkload(t *testing.T) {
	rt := newRuntime(t)
	ctx := context.Background()
	path := register(t, rt, greetPlaybook)

	ex, err := rt.StartExecution(ctx, path, "", map[string]any{"subject": "crew"})
	require.NoError(t, err)

	assert.Equal(t, types.ExecutionPending, ex.Status)
	assert.Equal(t, path, ex.ResourcePath)
	assert.NotEmpty(t, ex.ResourceVersion)
	assert.Equal(t, "hello", ex.Workload["greeting"])
	assert.Equal(t, "crew", ex.Workload["subject"])

	started := byType(eventsFor(t, rt, ex.ID), types.EventExecutionStarted)
	require.Len(t, started, 1)
	assert.Equal(t, path, started[0].ResourcePath)
	assert.Equal(t, path, started[0].Payload["playbook"])
}

func TestStartExecutionUnknownPlaybook(t *testing.T) {
	rt := newRuntime(t)

	_, err := rt.StartExecution(context.Background(), "tests/nowhere", "", nil)
	require.Error(t, err)
	assert.True(t, errdef.IsKind(err, errdef.KindResolution), "got %v", err)
}

func TestStartExecutionRejectsNonPlaybook(t *testing.T) {
	rt := newRuntime(t)
	path := register(t, rt, `
kind: Credential
metadata:
  name: tests/api-key
type: api_key
data:
  key: not-a-playbook
`)

	_, err := rt.StartExecution(context.Background(), path, "", nil)
	require.Error(t, err)
	assert.True(t, errdef.IsKind(err, errdef.KindValidation), "got %v", err)
}

func TestCancelPendingExecution(t *testing.T) {
	rt := newRuntime(t)
	ctx := context.Background()
	path := register(t, rt, greetPlaybook)

	ex, err := rt.StartExecution(ctx, path, "", nil)
	require.NoError(t, err)

	cancelled, err := rt.Cancel(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionCancelled, cancelled.Status)
	assert.True(t, cancelled.CancelRequested)

	failed := byType(eventsFor(t, rt, ex.ID), types.EventExecutionFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, string(types.ExecutionCancelled), failed[0].Status)
	errDoc, ok := failed[0].Payload["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "policy", errDoc["kind"])
	assert.Equal(t, "cancelled", errDoc["message"])

	// A second cancel is a no-op, not a second terminal event.
	again, err := rt.Cancel(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionCancelled, again.Status)
	assert.Len(t, byType(eventsFor(t, rt, ex.ID), types.EventExecutionFailed), 1)
}

func TestCancelUnknownExecution(t *testing.T) {
	rt := newRuntime(t)

	_, err := rt.Cancel(context.Background(), 42)
	require.Error(t, err)
}

func TestSharedStoreRequiresKeychainKey(t *testing.T) {
	t.Setenv("NOETL_KEYCHAIN_KEY", "")

	_, err := New(context.Background(), Config{DSN: "postgres://localhost:5432/noetl"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NOETL_KEYCHAIN_KEY")
}

func TestMergeWorkload(t *testing.T) {
	tests := []struct {
		name      string
		defaults  map[string]any
		overrides map[string]any
		want      map[string]any
	}{
		{
			name: "overrides win",
			defaults: map[string]any{
				"region": "us-east-1",
				"bucket": "raw",
			},
			overrides: map[string]any{"region": "eu-west-1"},
			want: map[string]any{
				"region": "eu-west-1",
				"bucket": "raw",
			},
		},
		{
			name:      "nil defaults",
			overrides: map[string]any{"x": 1},
			want:      map[string]any{"x": 1},
		},
		{
			name:     "nil overrides",
			defaults: map[string]any{"x": 1},
			want:     map[string]any{"x": 1},
		},
		{
			name: "both nil",
			want: map[string]any{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, mergeWorkload(tt.defaults, tt.overrides))
		})
	}
}

func TestRegistryValidatesToolKinds(t *testing.T) {
	rt := newRuntime(t)

	_, err := rt.Catalog().Register(context.Background(), []byte(`
kind: Playbook
metadata:
  name: tests/bad-kind
workflow:
  - step: start
    tool:
      kind: teleport
`), "test")
	require.Error(t, err)
	assert.True(t, errdef.IsKind(err, errdef.KindValidation), "got %v", err)
	assert.Contains(t, err.Error(), "teleport")
}
