package playbook

import (
	"github.com/noetl/noetl/pkg/errdef"
	"github.com/noetl/noetl/pkg/template"
	"github.com/noetl/noetl/pkg/types"
)

// Validate checks the normalized document against the schema rules
// enforced at registration time. isKind reports whether a tool kind
// is registered; nil skips the kind check (used by tests and by
// clients that register without a tool registry).
func (p *Playbook) Validate(isKind func(string) bool) error {
	if p.Kind != KindPlaybook {
		return errdef.Validation("kind must be %q, got %q", KindPlaybook, p.Kind)
	}
	if p.Metadata.Name == "" && p.Metadata.Path == "" {
		return errdef.Validation("metadata.name or metadata.path is required")
	}
	if len(p.Workflow) == 0 {
		return errdef.Validation("workflow has no steps")
	}

	r := template.New()

	names := make(map[string]bool, len(p.Workflow))
	for _, step := range p.Workflow {
		if step.Step == "" {
			return errdef.Validation("step without a name")
		}
		if names[step.Step] {
			return errdef.Validation("step %q defined twice", step.Step)
		}
		names[step.Step] = true
	}

	for _, step := range p.Workflow {
		if err := p.validateStep(step, names, isKind, r); err != nil {
			return err
		}
	}
	return nil
}

func (p *Playbook) validateStep(step *Step, names map[string]bool, isKind func(string) bool, r *template.Renderer) error {
	for _, task := range step.Tool.Tasks {
		if task.Task != "" {
			// Normalize resolves workbook references first.
			return errdef.Validation("step %q: unresolved task reference %q", step.Step, task.Task)
		}
		if task.Kind == "" {
			return errdef.Validation("step %q: task without a kind", step.Step)
		}
		if isKind != nil && !isKind(task.Kind) {
			return errdef.Validation("step %q: unknown tool kind %q", step.Step, task.Kind)
		}
		if err := checkSpecTemplates(r, task.Spec); err != nil {
			return errdef.Validation("step %q: %v", step.Step, err)
		}
	}

	for alias, ref := range step.Auth.Aliases {
		if reservedAliases[alias] {
			return errdef.Validation("step %q: auth alias %q is reserved", step.Step, alias)
		}
		if ref.Credential == "" && ref.Secret == "" && ref.Env == "" && len(ref.Inline) == 0 {
			return errdef.Validation("step %q: auth alias %q names no source", step.Step, alias)
		}
	}

	if step.Loop != nil {
		if step.Loop.In == "" {
			return errdef.Validation("step %q: loop without a collection", step.Step)
		}
		switch step.Loop.Mode {
		case types.LoopSequential, types.LoopAsync:
		default:
			return errdef.Validation("step %q: loop mode %q", step.Step, step.Loop.Mode)
		}
		if step.Loop.Concurrency < 0 || step.Loop.Limit < 0 || step.Loop.Chunk < 0 {
			return errdef.Validation("step %q: negative loop bound", step.Step)
		}
		if err := r.CheckTemplates(step.Loop.In); err != nil {
			return err
		}
		if !step.Loop.Where.Empty() {
			if err := checkCondition(r, step.Loop.Where.String()); err != nil {
				return errdef.Validation("step %q: loop where: %v", step.Step, err)
			}
		}
	}

	if rp := step.Retry; rp != nil {
		if rp.MaxAttempts < 0 {
			return errdef.Validation("step %q: retry max_attempts must not be negative", step.Step)
		}
		if rp.InitialDelay < 0 || rp.MaxDelay < 0 {
			return errdef.Validation("step %q: retry delays must not be negative", step.Step)
		}
		if rp.BackoffMultiplier < 0 {
			return errdef.Validation("step %q: retry backoff_multiplier must not be negative", step.Step)
		}
		if rp.RetryWhen != "" {
			if err := checkCondition(r, rp.RetryWhen); err != nil {
				return errdef.Validation("step %q: retry_when: %v", step.Step, err)
			}
		}
		if rp.StopWhen != "" {
			if err := checkCondition(r, rp.StopWhen); err != nil {
				return errdef.Validation("step %q: stop_when: %v", step.Step, err)
			}
		}
	}

	if !step.Pass.Empty() {
		if err := checkCondition(r, step.Pass.String()); err != nil {
			return errdef.Validation("step %q: pass: %v", step.Step, err)
		}
	}

	for i, arc := range step.Next {
		if len(arc.Then) == 0 && len(arc.Else) == 0 {
			return errdef.Validation("step %q: next arc %d routes nowhere", step.Step, i)
		}
		if len(arc.Else) > 0 && i != len(step.Next)-1 {
			return errdef.Validation("step %q: else arc must be last", step.Step)
		}
		if len(arc.Else) > 0 && !arc.When.Empty() {
			return errdef.Validation("step %q: arc %d mixes when and else", step.Step, i)
		}
		if !arc.When.Empty() {
			if err := checkCondition(r, arc.When.String()); err != nil {
				return errdef.Validation("step %q: next when: %v", step.Step, err)
			}
		}
		for _, target := range append(append(StringList{}, arc.Then...), arc.Else...) {
			if !names[target] {
				return errdef.Validation("step %q: next targets unknown step %q", step.Step, target)
			}
		}
	}
	return nil
}

// checkCondition syntax-checks a condition written with or without
// surrounding braces.
func checkCondition(r *template.Renderer, src string) error {
	if template.HasTemplate(src) {
		return r.CheckTemplates(src)
	}
	return r.Check(src)
}

// checkSpecTemplates walks string leaves of a tool config and
// syntax-checks each embedded template.
func checkSpecTemplates(r *template.Renderer, v any) error {
	switch t := v.(type) {
	case string:
		return r.CheckTemplates(t)
	case map[string]any:
		for _, val := range t {
			if err := checkSpecTemplates(r, val); err != nil {
				return err
			}
		}
	case []any:
		for _, val := range t {
			if err := checkSpecTemplates(r, val); err != nil {
				return err
			}
		}
	}
	return nil
}
