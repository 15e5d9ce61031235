package tool

import (
	"context"
	"fmt"
	"sort"

	"github.com/noetl/noetl/pkg/errdef"
	"github.com/noetl/noetl/pkg/template"
	"github.com/noetl/noetl/pkg/types"
)

// Iterator runs a nested task once per element of a collection, inside
// a single job. It is the in-worker counterpart of a step loop: no
// per-iteration jobs, no loop state, strictly sequential. The worker
// hands this tool its spec unrendered so element bindings resolve here,
// per iteration.
type Iterator struct {
	registry *Registry
	renderer *template.Renderer
}

// NewIterator builds the iterator tool over the registry that holds
// the nested kinds.
func NewIterator(r *Registry) *Iterator {
	return &Iterator{registry: r, renderer: template.New()}
}

func (i *Iterator) Kind() string { return "iterator" }

func (i *Iterator) Run(ctx context.Context, in Input) types.Outcome {
	collectionExpr := in.Args["in"]
	if collectionExpr == nil {
		collectionExpr = in.Args["over"]
	}
	if collectionExpr == nil {
		return Fail(errdef.KindValidation, "", "iterator requires in or over")
	}

	element := argString(in.Args, "element")
	if element == "" {
		element = "item"
	}
	taskSpec := argMap(in.Args, "task")
	if taskSpec == nil {
		return Fail(errdef.KindValidation, "", "iterator requires a task")
	}
	kind := argString(taskSpec, "kind")
	if kind == "" {
		kind = argString(taskSpec, "type")
	}
	nested, ok := i.registry.Get(kind)
	if !ok {
		return Fail(errdef.KindValidation, "", "iterator task kind %q is not registered", kind)
	}

	base := make(map[string]any, len(in.Context)+2)
	for k, v := range in.Context {
		base[k] = v
	}

	rendered, err := i.renderer.RenderValue(collectionExpr, base)
	if err != nil {
		return FromError(err)
	}
	items, err := Elements(rendered)
	if err != nil {
		return FromError(err)
	}

	ctx, cancel := withTimeout(ctx, in)
	defer cancel()

	results := make([]any, 0, len(items))
	for idx, item := range items {
		if ctx.Err() != nil {
			return FailWithData(errdef.KindPolicy, "timeout",
				fmt.Sprintf("iterator stopped after %d of %d elements: %v", idx, len(items), ctx.Err()),
				map[string]any{"results": results, "count": idx})
		}

		env := make(map[string]any, len(base)+2)
		for k, v := range base {
			env[k] = v
		}
		env[element] = item
		env["index"] = idx

		spec, err := i.renderer.RenderValue(stripKind(taskSpec), env)
		if err != nil {
			return FailWithData(errdef.KindResolution, "",
				fmt.Sprintf("iterator element %d: %v", idx, err),
				map[string]any{"results": results, "count": idx})
		}
		args, _ := spec.(map[string]any)

		outcome := nested.Run(ctx, Input{Args: args, Auth: in.Auth, Context: env, Timeout: in.Timeout})
		if !outcome.OK() {
			data := map[string]any{"results": results, "count": idx, "failed_index": idx}
			if outcome.Data != nil {
				data["element"] = outcome.Data
			}
			msg := "iterator element failed"
			code := ""
			kind := errdef.KindTool
			if outcome.Error != nil {
				msg = fmt.Sprintf("iterator element %d: %s", idx, outcome.Error.Message)
				code = outcome.Error.Code
				kind = errdef.Kind(outcome.Error.Kind)
			}
			return FailWithData(kind, code, msg, data)
		}
		results = append(results, outcome.Data)
	}

	return OK(map[string]any{"results": results, "count": len(results)})
}

// stripKind copies the task spec without its kind selector so the
// nested tool sees only its own arguments.
func stripKind(spec map[string]any) map[string]any {
	out := make(map[string]any, len(spec))
	for k, v := range spec {
		if k == "kind" || k == "type" {
			continue
		}
		out[k] = v
	}
	return out
}

// Elements coerces a rendered collection into a slice. Maps iterate as
// {key, value} pairs in key order so runs are reproducible.
func Elements(v any) ([]any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case []any:
		return x, nil
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]any, 0, len(keys))
		for _, k := range keys {
			out = append(out, map[string]any{"key": k, "value": x[k]})
		}
		return out, nil
	default:
		return nil, errdef.Validation("cannot iterate over %T; need a list or map", v)
	}
}
