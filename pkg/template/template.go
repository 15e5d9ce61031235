// Package template renders {{ ... }} expressions inside playbook
// values and evaluates the bare boolean expressions used by pass,
// when, where, retry_when, and stop_when. Expressions run through
// expr-lang against a map environment built from workload, ctx, iter,
// step results, and resolved auth aliases.
package template

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/expr-lang/expr"

	"github.com/noetl/noetl/pkg/errdef"
)

var exprPattern = regexp.MustCompile(`(?s)\{\{(.*?)\}\}`)

// Renderer evaluates template expressions. Zero-value is not usable;
// construct with New.
type Renderer struct {
	helpers map[string]any
}

// New returns a renderer with the standard helper functions
// registered: tojson, default, b64encode, b64decode, now, upper,
// lower, trim.
func New() *Renderer {
	return &Renderer{helpers: map[string]any{
		"tojson": func(v any) (string, error) {
			b, err := json.Marshal(v)
			if err != nil {
				return "", err
			}
			return string(b), nil
		},
		"default": func(v, fallback any) any {
			if v == nil {
				return fallback
			}
			if s, ok := v.(string); ok && s == "" {
				return fallback
			}
			return v
		},
		"b64encode": func(s string) string {
			return base64.StdEncoding.EncodeToString([]byte(s))
		},
		"b64decode": func(s string) (string, error) {
			b, err := base64.StdEncoding.DecodeString(s)
			return string(b), err
		},
		"now": func() string {
			return time.Now().UTC().Format(time.RFC3339)
		},
		"upper": strings.ToUpper,
		"lower": strings.ToLower,
		"trim":  strings.TrimSpace,
	}}
}

// HasTemplate reports whether the string contains a {{ ... }} segment
func HasTemplate(s string) bool {
	return exprPattern.MatchString(s)
}

// Check compiles the expression for syntax only. Used at registration
// time so malformed templates fail before an execution starts.
func (r *Renderer) Check(src string) error {
	_, err := expr.Compile(src, expr.AllowUndefinedVariables())
	if err != nil {
		return errdef.Validation("template %q: %v", src, err)
	}
	return nil
}

// CheckTemplates syntax-checks every {{ ... }} segment in the string
func (r *Renderer) CheckTemplates(s string) error {
	for _, m := range exprPattern.FindAllStringSubmatch(s, -1) {
		if err := r.Check(strings.TrimSpace(m[1])); err != nil {
			return err
		}
	}
	return nil
}

// Eval evaluates a bare expression (no surrounding braces) against
// the environment and returns the resulting value.
func (r *Renderer) Eval(src string, env map[string]any) (any, error) {
	merged := make(map[string]any, len(env)+len(r.helpers))
	for k, v := range r.helpers {
		merged[k] = v
	}
	for k, v := range env {
		merged[k] = v
	}

	program, err := expr.Compile(src, expr.Env(merged), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, errdef.Validation("template %q: %v", src, err)
	}
	out, err := expr.Run(program, merged)
	if err != nil {
		return nil, errdef.Resolution("template %q: %v", src, err)
	}
	return out, nil
}

// EvalBool evaluates a condition expression and reduces the result
// with Truthy. Empty expressions are true, matching a bare `next`
// arc with no when clause.
func (r *Renderer) EvalBool(src string, env map[string]any) (bool, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return true, nil
	}
	// Conditions may be written with or without braces.
	if HasTemplate(src) {
		v, err := r.Render(src, env)
		if err != nil {
			return false, err
		}
		return Truthy(v), nil
	}
	v, err := r.Eval(src, env)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

// Render evaluates a string that may contain {{ ... }} segments.
// A string that is exactly one expression returns the evaluated value
// with its native type; mixed text interpolates each segment. A final
// nil result is an unresolved reference.
func (r *Renderer) Render(s string, env map[string]any) (any, error) {
	matches := exprPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	// Whole-string expression keeps its type.
	if len(matches) == 1 && strings.TrimSpace(s[:matches[0][0]]) == "" && strings.TrimSpace(s[matches[0][1]:]) == "" {
		src := strings.TrimSpace(s[matches[0][2]:matches[0][3]])
		v, err := r.Eval(src, env)
		if err != nil {
			return nil, err
		}
		if v == nil {
			return nil, errdef.Resolution("template %q resolved to nothing", s)
		}
		return v, nil
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		src := strings.TrimSpace(s[m[2]:m[3]])
		v, err := r.Eval(src, env)
		if err != nil {
			return nil, err
		}
		if v == nil {
			return nil, errdef.Resolution("template %q resolved to nothing", src)
		}
		b.WriteString(Stringify(v))
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

// RenderString renders and coerces the result to a string
func (r *Renderer) RenderString(s string, env map[string]any) (string, error) {
	v, err := r.Render(s, env)
	if err != nil {
		return "", err
	}
	return Stringify(v), nil
}

// RenderValue walks maps, slices, and strings, rendering every string
// leaf. Non-string scalars pass through untouched.
func (r *Renderer) RenderValue(v any, env map[string]any) (any, error) {
	switch t := v.(type) {
	case string:
		return r.Render(t, env)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			rendered, err := r.RenderValue(val, env)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			rendered, err := r.RenderValue(val, env)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return v, nil
	}
}

// Stringify formats a rendered value for interpolation into text.
// Maps and slices serialize as JSON; identifiers stay decimal.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// Truthy reduces a rendered value to a condition result. Empty
// strings, zero numbers, empty collections, and nil are false.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		s := strings.TrimSpace(strings.ToLower(t))
		return s != "" && s != "false" && s != "0" && s != "none" && s != "null"
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}
