package tool

import (
	"context"

	"github.com/noetl/noetl/pkg/errdef"
	"github.com/noetl/noetl/pkg/identity"
	"github.com/noetl/noetl/pkg/types"
)

// PlaybookTool starts a child execution of another catalog playbook.
// The child runs under its own execution id with its own event history;
// only the link back to the parent ties them together. With wait (the
// default) the step blocks until the child reaches a terminal status
// and surfaces its results; with wait false the child is fire-and-forget.
type PlaybookTool struct {
	launcher Launcher
}

// NewPlaybook builds the playbook tool over the runtime's launcher
func NewPlaybook(launcher Launcher) *PlaybookTool {
	return &PlaybookTool{launcher: launcher}
}

func (p *PlaybookTool) Kind() string { return "playbook" }

func (p *PlaybookTool) Run(ctx context.Context, in Input) types.Outcome {
	path := argString(in.Args, "path")
	if path == "" {
		return Fail(errdef.KindValidation, "", "playbook task requires path")
	}
	version := argString(in.Args, "version")
	workload := argMap(in.Args, "workload")

	wait := true
	if _, set := in.Args["wait"]; set {
		wait = argBool(in.Args, "wait")
	}

	var parentID int64
	if s, ok := in.Context["execution_id"].(string); ok && s != "" {
		id, err := identity.Parse(s)
		if err != nil {
			return Fail(errdef.KindFatal, "", "caller execution id %q is malformed", s)
		}
		parentID = id
	}

	ctx, cancel := withTimeout(ctx, in)
	defer cancel()

	childID, err := p.launcher.Launch(ctx, path, version, workload, parentID)
	if err != nil {
		return FromError(err)
	}
	if !wait {
		return OK(map[string]any{"execution_id": identity.Render(childID), "status": "running"})
	}

	child, results, err := p.launcher.Await(ctx, childID)
	if err != nil {
		if ctx.Err() != nil {
			return FailWithData(errdef.KindPolicy, "timeout",
				"child execution did not finish in time",
				map[string]any{"execution_id": identity.Render(childID)})
		}
		return FromError(err)
	}

	data := map[string]any{
		"execution_id": identity.Render(childID),
		"status":       string(child.Status),
	}
	if results != nil {
		data["results"] = results
	}
	if child.Status != types.ExecutionCompleted {
		return FailWithData(errdef.KindTool, string(child.Status),
			childError(child), data)
	}
	return OK(data)
}

func childError(child *types.Execution) string {
	if child.Error != "" {
		return "child execution failed: " + child.Error
	}
	return "child execution ended " + string(child.Status)
}
