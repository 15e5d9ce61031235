// Package playbook models the YAML workflow document: workload,
// workflow steps with tool pipelines, auth, loops, retry policy and
// next arcs, plus the optional workbook of reusable tasks. Parsing
// normalizes every accepted YAML shape into one canonical form so the
// catalog can fingerprint content deterministically.
package playbook

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/noetl/noetl/pkg/errdef"
	"github.com/noetl/noetl/pkg/types"
)

// KindPlaybook is the only document kind this package accepts
const KindPlaybook = "Playbook"

// EntryStepName is preferred as the workflow entry when present
const EntryStepName = "start"

// Playbook is a parsed workflow document
type Playbook struct {
	APIVersion string         `yaml:"apiVersion,omitempty" json:"apiVersion,omitempty"`
	Kind       string         `yaml:"kind" json:"kind"`
	Metadata   Metadata       `yaml:"metadata" json:"metadata"`
	Workload   map[string]any `yaml:"workload,omitempty" json:"workload,omitempty"`
	Workflow   []*Step        `yaml:"workflow" json:"workflow"`
	Workbook   []*TaskDef     `yaml:"workbook,omitempty" json:"workbook,omitempty"`
}

// Metadata names and locates the playbook in the catalog
type Metadata struct {
	Name        string `yaml:"name" json:"name"`
	Path        string `yaml:"path,omitempty" json:"path,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Step is one node in the workflow graph
type Step struct {
	Step    string             `yaml:"step" json:"step"`
	Desc    string             `yaml:"desc,omitempty" json:"desc,omitempty"`
	Pass    Expr               `yaml:"pass,omitempty" json:"pass,omitempty"`
	Tool    ToolSpec           `yaml:"tool,omitempty" json:"tool,omitempty"`
	Auth    AuthSpec           `yaml:"auth,omitempty" json:"auth,omitempty"`
	Loop    *Loop              `yaml:"loop,omitempty" json:"loop,omitempty"`
	Retry   *types.RetryPolicy `yaml:"retry,omitempty" json:"retry,omitempty"`
	Next    []*Arc             `yaml:"next,omitempty" json:"next,omitempty"`
	Save    map[string]any     `yaml:"save,omitempty" json:"save,omitempty"`
	Sink    map[string]any     `yaml:"sink,omitempty" json:"sink,omitempty"`
	Timeout float64            `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// Loop declares iteration over a collection for one step
type Loop struct {
	In          string         `yaml:"in" json:"in"`
	Element     string         `yaml:"element,omitempty" json:"element,omitempty"`
	Mode        types.LoopMode `yaml:"mode,omitempty" json:"mode,omitempty"`
	Concurrency int            `yaml:"concurrency,omitempty" json:"concurrency,omitempty"`
	Where       Expr           `yaml:"where,omitempty" json:"where,omitempty"`
	OrderBy     string         `yaml:"order_by,omitempty" json:"order_by,omitempty"`
	Limit       int            `yaml:"limit,omitempty" json:"limit,omitempty"`
	Chunk       int            `yaml:"chunk,omitempty" json:"chunk,omitempty"`
}

// Arc is one routing entry in a step's next list
type Arc struct {
	When Expr       `yaml:"when,omitempty" json:"when,omitempty"`
	Then StringList `yaml:"then,omitempty" json:"then,omitempty"`
	Else StringList `yaml:"else,omitempty" json:"else,omitempty"`
}

// TaskDef is one tool invocation: either a concrete kind with config,
// or a reference (Task) to a workbook entry resolved at normalization.
type TaskDef struct {
	Name string         `json:"name,omitempty"`
	Task string         `json:"task,omitempty"`
	Kind string         `json:"kind,omitempty"`
	Spec map[string]any `json:"spec,omitempty"`
}

// reservedTaskKeys are lifted out of the task mapping; everything
// else is tool configuration.
var reservedTaskKeys = map[string]bool{"name": true, "task": true, "kind": true}

// UnmarshalYAML accepts a scalar kind or a task mapping
func (t *TaskDef) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		t.Kind = node.Value
		return nil
	case yaml.MappingNode:
		var m map[string]any
		if err := node.Decode(&m); err != nil {
			return err
		}
		t.Spec = make(map[string]any, len(m))
		for k, v := range m {
			switch k {
			case "name":
				t.Name = fmt.Sprintf("%v", v)
			case "task":
				t.Task = fmt.Sprintf("%v", v)
			case "kind":
				t.Kind = fmt.Sprintf("%v", v)
			default:
				t.Spec[k] = v
			}
		}
		if len(t.Spec) == 0 {
			t.Spec = nil
		}
		return nil
	default:
		return fmt.Errorf("task must be a kind or a mapping, got %s", nodeKind(node))
	}
}

// ToolSpec is a step's tool pipeline. All accepted YAML shapes
// normalize to an ordered task list:
//
//	tool: shell                      one task, kind only
//	tool: {kind: http, url: ...}     one task with config
//	tool: [{kind: a}, {kind: b}]     ordered pipeline
type ToolSpec struct {
	Tasks []*TaskDef `json:"tasks,omitempty"`
}

// Empty reports whether the step declares no tool
func (ts ToolSpec) Empty() bool { return len(ts.Tasks) == 0 }

// UnmarshalYAML accepts scalar, mapping, and sequence forms
func (ts *ToolSpec) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode, yaml.MappingNode:
		var task TaskDef
		if err := task.UnmarshalYAML(node); err != nil {
			return err
		}
		ts.Tasks = []*TaskDef{&task}
		return nil
	case yaml.SequenceNode:
		var tasks []*TaskDef
		if err := node.Decode(&tasks); err != nil {
			return err
		}
		ts.Tasks = tasks
		return nil
	default:
		return fmt.Errorf("tool must be a kind, mapping, or pipeline, got %s", nodeKind(node))
	}
}

// MarshalJSON keeps the normalized form flat
func (ts ToolSpec) MarshalJSON() ([]byte, error) {
	return json.Marshal(ts.Tasks)
}

// reservedAliases cannot name an auth alias; they are the keys of the
// direct single-credential form.
var reservedAliases = map[string]bool{
	"type": true, "credential": true, "secret": true, "env": true, "inline": true,
}

// AuthSpec is a step's credential binding: a bare credential key, a
// direct reference, or a mapping of aliases to references. The bare
// and direct forms bind the alias "default".
type AuthSpec struct {
	Aliases map[string]types.AuthRef `json:"aliases,omitempty"`
}

// Empty reports whether the step declares no auth
func (a AuthSpec) Empty() bool { return len(a.Aliases) == 0 }

// UnmarshalYAML accepts string, direct-reference, and alias-map forms
func (a *AuthSpec) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		a.Aliases = map[string]types.AuthRef{
			"default": {Credential: node.Value},
		}
		return nil
	case yaml.MappingNode:
		var m map[string]yaml.Node
		if err := node.Decode(&m); err != nil {
			return err
		}
		if isDirectAuthRef(m) {
			var ref types.AuthRef
			if err := node.Decode(&ref); err != nil {
				return err
			}
			a.Aliases = map[string]types.AuthRef{"default": ref}
			return nil
		}
		a.Aliases = make(map[string]types.AuthRef, len(m))
		for alias, sub := range m {
			var ref types.AuthRef
			if sub.Kind == yaml.ScalarNode {
				ref.Credential = sub.Value
			} else if err := sub.Decode(&ref); err != nil {
				return fmt.Errorf("auth alias %q: %w", alias, err)
			}
			a.Aliases[alias] = ref
		}
		return nil
	default:
		return fmt.Errorf("auth must be a key or mapping, got %s", nodeKind(node))
	}
}

// MarshalJSON keeps the normalized form flat
func (a AuthSpec) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.Aliases)
}

func isDirectAuthRef(m map[string]yaml.Node) bool {
	if len(m) == 0 {
		return false
	}
	for k := range m {
		if !reservedAliases[k] {
			return false
		}
	}
	return true
}

// Expr is a condition or template expression. Plain YAML scalars of
// any type unmarshal to their literal string form, so `pass: true`
// and `pass: "true"` read identically.
type Expr string

func (e Expr) String() string { return string(e) }

// Empty reports whether no expression was given
func (e Expr) Empty() bool { return e == "" }

// UnmarshalYAML accepts any scalar
func (e *Expr) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("expression must be a scalar, got %s", nodeKind(node))
	}
	*e = Expr(node.Value)
	return nil
}

// StringList accepts a scalar or a sequence of scalars
type StringList []string

// UnmarshalYAML accepts both forms
func (s *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*s = StringList{node.Value}
		return nil
	case yaml.SequenceNode:
		var v []string
		if err := node.Decode(&v); err != nil {
			return err
		}
		*s = StringList(v)
		return nil
	default:
		return fmt.Errorf("expected step name or list, got %s", nodeKind(node))
	}
}

func nodeKind(node *yaml.Node) string {
	switch node.Kind {
	case yaml.ScalarNode:
		return "scalar"
	case yaml.MappingNode:
		return "mapping"
	case yaml.SequenceNode:
		return "sequence"
	case yaml.AliasNode:
		return "alias"
	default:
		return "document"
	}
}

// Parse reads a playbook document and normalizes it. The result is
// not yet validated; callers run Validate before registration.
func Parse(data []byte) (*Playbook, error) {
	var p Playbook
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, errdef.Wrap(errdef.KindValidation, err, "parse playbook: %v", err)
	}
	if err := p.Normalize(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Normalize fills defaults and resolves workbook references so that
// every task in every step carries a concrete kind and config.
func (p *Playbook) Normalize() error {
	if p.Metadata.Path == "" {
		p.Metadata.Path = p.Metadata.Name
	}

	book := make(map[string]*TaskDef, len(p.Workbook))
	for _, t := range p.Workbook {
		if t.Name == "" {
			return errdef.Validation("workbook task without a name")
		}
		if _, dup := book[t.Name]; dup {
			return errdef.Validation("workbook task %q defined twice", t.Name)
		}
		book[t.Name] = t
	}

	for _, step := range p.Workflow {
		if step.Loop != nil {
			if step.Loop.Element == "" {
				step.Loop.Element = "item"
			}
			if step.Loop.Mode == "" {
				step.Loop.Mode = types.LoopSequential
			}
		}
		for i, task := range step.Tool.Tasks {
			if task.Task == "" {
				continue
			}
			def, ok := book[task.Task]
			if !ok {
				return errdef.Validation("step %q: unknown workbook task %q", step.Step, task.Task)
			}
			resolved := &TaskDef{
				Name: task.Name,
				Kind: def.Kind,
				Spec: mergeSpecs(def.Spec, task.Spec),
			}
			if resolved.Name == "" {
				resolved.Name = def.Name
			}
			step.Tool.Tasks[i] = resolved
		}
	}
	return nil
}

// mergeSpecs overlays task-site config on the workbook definition
func mergeSpecs(base, overlay map[string]any) map[string]any {
	if len(base) == 0 && len(overlay) == 0 {
		return nil
	}
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

// Step returns the named step, or nil
func (p *Playbook) Step(name string) *Step {
	for _, s := range p.Workflow {
		if s.Step == name {
			return s
		}
	}
	return nil
}

// EntryStep returns the workflow entry: the step named "start" when
// present, otherwise the first step.
func (p *Playbook) EntryStep() *Step {
	if s := p.Step(EntryStepName); s != nil {
		return s
	}
	if len(p.Workflow) > 0 {
		return p.Workflow[0]
	}
	return nil
}

// NormalizedJSON serializes the canonical form for catalog storage.
// Map keys sort deterministically, so identical documents produce
// identical bytes and the same fingerprint.
func (p *Playbook) NormalizedJSON() ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, errdef.Wrap(errdef.KindValidation, err, "normalize playbook: %v", err)
	}
	return b, nil
}

// FromJSON restores a playbook from its normalized catalog payload
func FromJSON(data []byte) (*Playbook, error) {
	var p Playbook
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errdef.Wrap(errdef.KindValidation, err, "decode playbook payload: %v", err)
	}
	return &p, nil
}

// UnmarshalJSON mirrors the YAML normalization for round-trips
func (ts *ToolSpec) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &ts.Tasks)
}

// UnmarshalJSON mirrors the YAML normalization for round-trips
func (a *AuthSpec) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &a.Aliases)
}
