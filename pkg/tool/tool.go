// Package tool defines the execution contract between workers and the
// actions they run, plus the built-in tool kinds. A tool is a black
// box: rendered arguments and resolved credentials in, a classified
// outcome out. Workers may replay an invocation after a lease expires,
// so tools must tolerate at-least-once delivery.
package tool

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/noetl/noetl/pkg/errdef"
	"github.com/noetl/noetl/pkg/types"
)

// Input is everything a tool receives for one invocation
type Input struct {
	// Args is the task spec after template rendering
	Args map[string]any
	// Auth maps step auth aliases to resolved credentials. Values
	// must never be copied into outcome data or logs.
	Auth map[string]*types.Credential
	// Context is the read-only render context (workload, ctx, iter,
	// prior step results) for tools that render per-item, like
	// iterator.
	Context map[string]any
	// Timeout is advisory; the worker also enforces it on ctx
	Timeout time.Duration
}

// Tool runs one kind of task
type Tool interface {
	Kind() string
	Run(ctx context.Context, in Input) types.Outcome
}

// Registry holds the executable tool kinds. Population is explicit at
// process start; there is no side-effect registration.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool; duplicate kinds are an error
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	kind := t.Kind()
	if _, exists := r.tools[kind]; exists {
		return fmt.Errorf("tool kind %q already registered", kind)
	}
	r.tools[kind] = t
	return nil
}

// MustRegister adds a tool and panics on duplicates. Use at process
// start where a duplicate is a programming error.
func (r *Registry) MustRegister(t Tool) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// Get returns the tool for a kind
func (r *Registry) Get(kind string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[kind]
	return t, ok
}

// Has reports whether a kind is registered
func (r *Registry) Has(kind string) bool {
	_, ok := r.Get(kind)
	return ok
}

// Kinds lists registered kinds, sorted
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.tools))
	for k := range r.tools {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Launcher starts and awaits child executions on behalf of the
// playbook tool. The runtime provides the implementation; the
// indirection keeps this package free of engine dependencies.
type Launcher interface {
	Launch(ctx context.Context, path, version string, workload map[string]any, parentExecutionID int64) (int64, error)
	Await(ctx context.Context, executionID int64) (*types.Execution, map[string]any, error)
}

// StandardRegistry builds the registry with every built-in kind. The
// playbook tool is included only when a launcher exists.
func StandardRegistry(launcher Launcher) *Registry {
	r := NewRegistry()
	r.MustRegister(NewHTTP())
	r.MustRegister(NewShell())
	r.MustRegister(NewPython())
	r.MustRegister(NewPostgres())
	r.MustRegister(NewDuckDB())
	r.MustRegister(NewSnowflake())
	r.MustRegister(NewRhai())
	r.MustRegister(NewIterator(r))
	r.MustRegister(NewTransfer())
	if launcher != nil {
		r.MustRegister(NewPlaybook(launcher))
	}
	return r
}

// OK builds a successful outcome
func OK(data map[string]any) types.Outcome {
	return types.Outcome{Status: types.OutcomeOK, Data: data}
}

// Fail builds an error outcome with a classified kind and code
func Fail(kind errdef.Kind, code, format string, args ...any) types.Outcome {
	return types.Outcome{
		Status: types.OutcomeError,
		Error: &types.ErrorInfo{
			Kind:    string(kind),
			Code:    code,
			Message: fmt.Sprintf(format, args...),
		},
	}
}

// FailWithData builds an error outcome that still carries data, such
// as an HTTP error response whose body retry_when may inspect.
func FailWithData(kind errdef.Kind, code, message string, data map[string]any) types.Outcome {
	return types.Outcome{
		Status: types.OutcomeError,
		Data:   data,
		Error:  &types.ErrorInfo{Kind: string(kind), Code: code, Message: message},
	}
}

// FromError classifies an error into an outcome
func FromError(err error) types.Outcome {
	return types.Outcome{
		Status: types.OutcomeError,
		Error: &types.ErrorInfo{
			Kind:    string(errdef.KindOf(err)),
			Code:    errdef.CodeOf(err),
			Message: err.Error(),
		},
	}
}

// Argument coercion helpers shared by the tool kinds.

func argString(args map[string]any, key string) string {
	if v, ok := args[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprintf("%v", v)
	}
	return ""
}

func argBool(args map[string]any, key string) bool {
	switch v := args[key].(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "1" || v == "yes"
	default:
		return false
	}
}

func argInt(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}

func argMap(args map[string]any, key string) map[string]any {
	if v, ok := args[key].(map[string]any); ok {
		return v
	}
	return nil
}

func argSlice(args map[string]any, key string) []any {
	if v, ok := args[key].([]any); ok {
		return v
	}
	return nil
}

// argStrings accepts a scalar or a list for keys like "commands"
func argStrings(args map[string]any, singular, plural string) []string {
	var out []string
	if s := argString(args, singular); s != "" {
		out = append(out, s)
	}
	for _, v := range argSlice(args, plural) {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		} else if v != nil {
			out = append(out, fmt.Sprintf("%v", v))
		}
	}
	return out
}

// firstOf returns the first non-empty value among keys
func firstOf(data map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := data[k]; v != "" {
			return v
		}
	}
	return ""
}

// withTimeout applies the advisory Input timeout when the caller has
// not already set a deadline
func withTimeout(ctx context.Context, in Input) (context.Context, context.CancelFunc) {
	if in.Timeout > 0 {
		if _, has := ctx.Deadline(); !has {
			return context.WithTimeout(ctx, in.Timeout)
		}
	}
	return ctx, func() {}
}

// soleCredential picks the credential for tools that take one: a
// declared alias wins, otherwise a single entry is unambiguous.
func soleCredential(in Input, alias string) (*types.Credential, error) {
	if alias != "" {
		cred, ok := in.Auth[alias]
		if !ok {
			return nil, errdef.Resolution("auth alias %q is not resolved for this step", alias)
		}
		return cred, nil
	}
	if len(in.Auth) == 1 {
		for _, cred := range in.Auth {
			return cred, nil
		}
	}
	if len(in.Auth) == 0 {
		return nil, nil
	}
	return nil, errdef.Validation("step has %d auth aliases; the task must name one", len(in.Auth))
}
