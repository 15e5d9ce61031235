package tool

import (
	"context"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/pkg/types"
)

func requirePython(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not on PATH")
	}
}

func TestPythonMainResult(t *testing.T) {
	requirePython(t)
	out := NewPython().Run(context.Background(), Input{
		Args: map[string]any{
			"code": `
def main(input_data):
    return {"doubled": input_data["n"] * 2}
`,
			"input": map[string]any{"n": 21},
		},
	})
	require.True(t, out.OK(), "outcome: %+v", out.Error)
	assert.EqualValues(t, 42, out.Data["doubled"])
}

func TestPythonScalarResult(t *testing.T) {
	requirePython(t)
	out := NewPython().Run(context.Background(), Input{
		Args: map[string]any{"code": "def main(input_data):\n    return 7"},
	})
	require.True(t, out.OK())
	assert.EqualValues(t, 7, out.Data["result"])
}

func TestPythonExceptionSurfacesLastLine(t *testing.T) {
	requirePython(t)
	out := NewPython().Run(context.Background(), Input{
		Args: map[string]any{"code": "def main(input_data):\n    raise ValueError('boom')"},
	})
	require.Equal(t, types.OutcomeError, out.Status)
	require.NotNil(t, out.Error)
	assert.Contains(t, out.Error.Message, "ValueError: boom")
}

func TestPythonMissingCode(t *testing.T) {
	out := NewPython().Run(context.Background(), Input{Args: map[string]any{}})
	assert.Equal(t, types.OutcomeError, out.Status)
}
