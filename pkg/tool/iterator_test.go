package tool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/pkg/types"
)

// The iterator receives its spec unrendered and binds the element per
// iteration, so templates inside the nested task resolve against each
// item.
func TestIteratorRunsTaskPerElement(t *testing.T) {
	it := NewIterator(StandardRegistry(nil))

	out := it.Run(context.Background(), Input{
		Args: map[string]any{
			"in":      "{{ workload.names }}",
			"element": "name",
			"task": map[string]any{
				"kind":    "shell",
				"command": "echo {{ name }}-{{ index }}",
			},
		},
		Context: map[string]any{
			"workload": map[string]any{"names": []any{"ada", "grace"}},
		},
	})
	require.True(t, out.OK(), "outcome: %+v", out.Error)
	assert.EqualValues(t, 2, out.Data["count"])

	results := out.Data["results"].([]any)
	require.Len(t, results, 2)
	first := results[0].(map[string]any)
	second := results[1].(map[string]any)
	assert.Equal(t, "ada-0", first["stdout"])
	assert.Equal(t, "grace-1", second["stdout"])
}

func TestIteratorEmptyCollection(t *testing.T) {
	it := NewIterator(StandardRegistry(nil))
	out := it.Run(context.Background(), Input{
		Args: map[string]any{
			"in":   []any{},
			"task": map[string]any{"kind": "shell", "command": "echo never"},
		},
	})
	require.True(t, out.OK())
	assert.EqualValues(t, 0, out.Data["count"])
}

// A failing element stops the iteration and reports how far it got.
func TestIteratorStopsOnFirstFailure(t *testing.T) {
	it := NewIterator(StandardRegistry(nil))
	out := it.Run(context.Background(), Input{
		Args: map[string]any{
			"in": []any{0, 1, 2},
			"task": map[string]any{
				"kind":    "shell",
				"command": "exit {{ item }}",
			},
		},
	})
	require.Equal(t, types.OutcomeError, out.Status)
	assert.EqualValues(t, 1, out.Data["failed_index"])
	assert.Len(t, out.Data["results"].([]any), 1)
}

func TestIteratorRejectsUnknownKind(t *testing.T) {
	it := NewIterator(NewRegistry())
	out := it.Run(context.Background(), Input{
		Args: map[string]any{
			"in":   []any{1},
			"task": map[string]any{"kind": "nope"},
		},
	})
	assert.Equal(t, types.OutcomeError, out.Status)
}
