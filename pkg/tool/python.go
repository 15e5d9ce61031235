package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/noetl/noetl/pkg/errdef"
	"github.com/noetl/noetl/pkg/types"
)

// pythonEpilogue is appended after the task code. It feeds the input
// document to main() from stdin and writes the return value to stdout
// as JSON. The underscore names keep the harness out of the task's
// namespace.
const pythonEpilogue = `

if __name__ == "__main__":
    import json as _json, sys as _sys
    _raw = _sys.stdin.read()
    _input = _json.loads(_raw) if _raw.strip() else {}
    _main = globals().get("main")
    _result = _main(_input) if callable(_main) else None
    _sys.stdout.write(_json.dumps(_result, default=str))
`

// Python runs the task's code under an external interpreter. The code
// defines main(input_data); the harness passes input as JSON on stdin
// and captures the JSON result from stdout.
type Python struct{}

// NewPython builds the python tool
func NewPython() *Python { return &Python{} }

func (p *Python) Kind() string { return "python" }

func (p *Python) Run(ctx context.Context, in Input) types.Outcome {
	code := argString(in.Args, "code")
	if code == "" {
		return Fail(errdef.KindValidation, "", "python task requires code")
	}
	interpreter := argString(in.Args, "interpreter")
	if interpreter == "" {
		interpreter = "python3"
	}

	input := in.Args["input"]
	if input == nil {
		input = in.Args["payload"]
	}
	if input == nil {
		input = map[string]any{}
	}
	stdin, err := json.Marshal(input)
	if err != nil {
		return Fail(errdef.KindValidation, "", "python input is not JSON-encodable: %v", err)
	}

	ctx, cancel := withTimeout(ctx, in)
	defer cancel()

	cmd := exec.CommandContext(ctx, interpreter, "-c", code+pythonEpilogue)
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Fail(errdef.KindPolicy, "timeout", "python task did not finish: %v", ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return FailWithData(errdef.KindTool, strconv.Itoa(exitErr.ExitCode()),
				fmt.Sprintf("python exited %d: %s", exitErr.ExitCode(), lastLine(stderr.String())),
				map[string]any{"stderr": stderr.String()})
		}
		return Fail(errdef.KindTool, "exec", "python interpreter failed to start: %v", err)
	}

	var result any
	if out := bytes.TrimSpace(stdout.Bytes()); len(out) > 0 {
		if err := json.Unmarshal(out, &result); err != nil {
			return Fail(errdef.KindTool, "bad_json", "python result is not valid JSON: %v", err)
		}
	}

	// Dict results become the data map directly so steps can address
	// fields; scalars land under "result".
	if m, ok := result.(map[string]any); ok {
		return OK(m)
	}
	return OK(map[string]any{"result": result})
}

// lastLine trims stderr down to its final line, which for a Python
// traceback is the exception itself
func lastLine(s string) string {
	s = strings.TrimRight(s, "\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
