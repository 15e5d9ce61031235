package worker

import (
	"context"
	"os"
	"regexp"
	"strings"

	"github.com/noetl/noetl/pkg/types"
)

// secretRefPattern finds secret["path"] references inside template
// strings so their paths resolve before rendering starts.
var secretRefPattern = regexp.MustCompile(`secret\[\s*['"]([^'"]+)['"]\s*\]`)

// buildEnv assembles the render environment for one job: the broker's
// context snapshot, the iteration binding, the process environment,
// resolved auth material, and any secret paths the tasks reference.
// Credential values exist only in this in-memory map and the returned
// alias set; they never reach events or the job row.
func (w *Worker) buildEnv(ctx context.Context, job *types.Job) (map[string]any, map[string]*types.Credential, error) {
	env := make(map[string]any, len(job.Action.Context)+6)
	for k, v := range job.Action.Context {
		env[k] = v
	}

	if it := job.Action.Iter; it != nil {
		if it.Element != "" {
			env[it.Element] = it.Value
		}
		env["index"] = it.Index
		env["iter"] = iterDoc(it)
	}

	env["env"] = environ()

	creds := make(map[string]*types.Credential, len(job.Action.Auth))
	if len(job.Action.Auth) > 0 {
		authEnv := make(map[string]any, len(job.Action.Auth))
		for alias, ref := range job.Action.Auth {
			cred, err := w.resolveAuth(ctx, job.ExecutionID, alias, ref)
			if err != nil {
				return nil, nil, err
			}
			creds[alias] = cred
			authEnv[alias] = fieldMap(cred.Data)
		}
		env["auth"] = authEnv
	}

	secrets, err := w.resolveSecretRefs(ctx, job)
	if err != nil {
		return nil, nil, err
	}
	if len(secrets) > 0 {
		env["secret"] = secrets
	}

	return env, creds, nil
}

func (w *Worker) resolveAuth(ctx context.Context, executionID int64, alias string, ref types.AuthRef) (*types.Credential, error) {
	var cred *types.Credential
	err := retryStore(ctx, func() error {
		var rerr error
		cred, rerr = w.keychain.Resolve(ctx, executionID, alias, ref)
		return rerr
	})
	return cred, err
}

// resolveSecretRefs scans the task specs for secret["..."] references
// and resolves each path through the keychain, so repeated lookups hit
// the execution-scoped cache instead of the secret manager.
func (w *Worker) resolveSecretRefs(ctx context.Context, job *types.Job) (map[string]any, error) {
	paths := make(map[string]struct{})
	for _, task := range job.Action.Tasks {
		scanSecretRefs(task.Spec, paths)
	}
	if len(paths) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(paths))
	for path := range paths {
		cred, err := w.resolveAuth(ctx, job.ExecutionID, "secret:"+path, types.AuthRef{Secret: path})
		if err != nil {
			return nil, err
		}
		out[path] = fieldMap(cred.Data)
	}
	return out, nil
}

func scanSecretRefs(v any, into map[string]struct{}) {
	switch t := v.(type) {
	case string:
		for _, m := range secretRefPattern.FindAllStringSubmatch(t, -1) {
			into[m[1]] = struct{}{}
		}
	case map[string]any:
		for _, item := range t {
			scanSecretRefs(item, into)
		}
	case []any:
		for _, item := range t {
			scanSecretRefs(item, into)
		}
	}
}

// renderArgs renders a task's spec against the environment. The
// iterator kind takes its spec raw and renders per element itself.
func (w *Worker) renderArgs(task types.TaskSpec, env map[string]any) (map[string]any, error) {
	if task.Kind == "iterator" {
		return task.Spec, nil
	}
	rendered, err := w.renderer.RenderValue(task.Spec, env)
	if err != nil {
		return nil, err
	}
	args, ok := rendered.(map[string]any)
	if !ok {
		args = map[string]any{}
	}
	return args, nil
}

// fieldMap widens credential data for the expr environment
func fieldMap(data map[string]string) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}

// environ snapshots the process environment for the env namespace
func environ() map[string]any {
	out := make(map[string]any)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			out[kv[:i]] = kv[i+1:]
		}
	}
	return out
}
