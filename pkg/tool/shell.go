package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/noetl/noetl/pkg/errdef"
	"github.com/noetl/noetl/pkg/types"
)

// Shell runs a host command. A scalar command goes through sh -c; an
// argv list executes directly. Non-zero exit is an error outcome whose
// code is the exit status, with stdout and stderr kept in the data so
// conditions can inspect them.
type Shell struct{}

// NewShell builds the shell tool
func NewShell() *Shell { return &Shell{} }

func (s *Shell) Kind() string { return "shell" }

func (s *Shell) Run(ctx context.Context, in Input) types.Outcome {
	ctx, cancel := withTimeout(ctx, in)
	defer cancel()

	var cmd *exec.Cmd
	switch {
	case len(argSlice(in.Args, "argv")) > 0:
		argv := make([]string, 0, len(argSlice(in.Args, "argv")))
		for _, v := range argSlice(in.Args, "argv") {
			argv = append(argv, fmt.Sprintf("%v", v))
		}
		cmd = exec.CommandContext(ctx, argv[0], argv[1:]...)
	case argString(in.Args, "command") != "":
		cmd = exec.CommandContext(ctx, "sh", "-c", argString(in.Args, "command"))
	default:
		return Fail(errdef.KindValidation, "", "shell task requires command or argv")
	}

	if dir := argString(in.Args, "dir"); dir != "" {
		cmd.Dir = dir
	}
	if env := argMap(in.Args, "env"); len(env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%v", k, v))
		}
	}
	if stdin := argString(in.Args, "stdin"); stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	data := map[string]any{
		"stdout":    strings.TrimRight(stdout.String(), "\n"),
		"stderr":    strings.TrimRight(stderr.String(), "\n"),
		"exit_code": 0,
	}

	if err != nil {
		if ctx.Err() != nil {
			return FailWithData(errdef.KindPolicy, "timeout",
				fmt.Sprintf("shell command did not finish: %v", ctx.Err()), data)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code := exitErr.ExitCode()
			data["exit_code"] = code
			return FailWithData(errdef.KindTool, strconv.Itoa(code),
				fmt.Sprintf("shell command exited %d", code), data)
		}
		// Command never started: missing binary, bad dir
		return Fail(errdef.KindTool, "exec", "shell command failed to start: %v", err)
	}

	if argBool(in.Args, "parse_json") && stdout.Len() > 0 {
		var parsed any
		if jsonErr := json.Unmarshal(stdout.Bytes(), &parsed); jsonErr != nil {
			return FailWithData(errdef.KindTool, "bad_json",
				fmt.Sprintf("stdout is not valid JSON: %v", jsonErr), data)
		}
		data["data"] = parsed
	}
	return OK(data)
}
