package runtime

import (
	"context"

	"github.com/noetl/noetl/pkg/tool"
	"github.com/noetl/noetl/pkg/types"
)

// launcher lets the playbook tool start child executions through the
// runtime without the tool package depending on it. Children run under
// their own execution id; parent_execution_id is the only tie back.
type launcher struct {
	rt *Runtime
}

var _ tool.Launcher = (*launcher)(nil)

func (l *launcher) Launch(ctx context.Context, path, version string, workload map[string]any, parentExecutionID int64) (int64, error) {
	ex, err := l.rt.start(ctx, path, version, workload, parentExecutionID)
	if err != nil {
		return 0, err
	}
	return ex.ID, nil
}

func (l *launcher) Await(ctx context.Context, executionID int64) (*types.Execution, map[string]any, error) {
	return l.rt.AwaitExecution(ctx, executionID, nil)
}
