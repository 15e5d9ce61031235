package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/noetl/noetl/pkg/errdef"
	"github.com/noetl/noetl/pkg/types"
)

// Rhai runs the task's script under an external Rhai interpreter. The
// script is written to a temp file and the input document is exposed
// as JSON in the NOETL_INPUT environment variable. Stdout is parsed as
// JSON when possible, otherwise kept as a raw string under "result".
type Rhai struct{}

// NewRhai builds the rhai tool
func NewRhai() *Rhai { return &Rhai{} }

func (r *Rhai) Kind() string { return "rhai" }

func (r *Rhai) Run(ctx context.Context, in Input) types.Outcome {
	code := argString(in.Args, "code")
	if code == "" {
		return Fail(errdef.KindValidation, "", "rhai task requires code")
	}
	interpreter := argString(in.Args, "interpreter")
	if interpreter == "" {
		interpreter = "rhai"
	}

	input := in.Args["input"]
	if input == nil {
		input = map[string]any{}
	}
	inputJSON, err := json.Marshal(input)
	if err != nil {
		return Fail(errdef.KindValidation, "", "rhai input is not JSON-encodable: %v", err)
	}

	dir, err := os.MkdirTemp("", "noetl-rhai-")
	if err != nil {
		return Fail(errdef.KindTool, "tempdir", "rhai scratch dir: %v", err)
	}
	defer os.RemoveAll(dir)
	script := filepath.Join(dir, "task.rhai")
	if err := os.WriteFile(script, []byte(code), 0o600); err != nil {
		return Fail(errdef.KindTool, "tempfile", "rhai script write: %v", err)
	}

	ctx, cancel := withTimeout(ctx, in)
	defer cancel()

	cmd := exec.CommandContext(ctx, interpreter, script)
	cmd.Env = append(os.Environ(), "NOETL_INPUT="+string(inputJSON))
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Fail(errdef.KindPolicy, "timeout", "rhai task did not finish: %v", ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return FailWithData(errdef.KindTool, strconv.Itoa(exitErr.ExitCode()),
				fmt.Sprintf("rhai exited %d: %s", exitErr.ExitCode(), lastLine(stderr.String())),
				map[string]any{"stderr": stderr.String()})
		}
		return Fail(errdef.KindTool, "exec", "rhai interpreter failed to start: %v", err)
	}

	out := bytes.TrimSpace(stdout.Bytes())
	var result any
	if len(out) > 0 {
		if err := json.Unmarshal(out, &result); err != nil {
			result = string(out)
		}
	}
	if m, ok := result.(map[string]any); ok {
		return OK(m)
	}
	return OK(map[string]any{"result": result})
}
