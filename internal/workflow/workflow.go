// Package workflow loads batch files that describe several automation jobs.
//
//	name: nightly-checks
//	concurrency: 2
//	jobs:
//	  - name: login
//	    objective: Sign in and open the dashboard
//	    url: https://app.example.com
//	    timeout: 2m
//	    steps:
//	      - action: fill
//	        target: {kind: name, value: email}
//	        value: qa@example.com
//	      - action: click
//	        target: the Sign in button
//	        post_condition: page.url.contains("/dashboard")
package workflow

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/autopilot-cli/api/schemas"
	"github.com/xkilldash9x/autopilot-cli/internal/planner"
)

// File is a parsed workflow file.
type File struct {
	Name        string `yaml:"name"`
	Concurrency int    `yaml:"concurrency"`
	Jobs        []Job  `yaml:"jobs"`
}

// Job is one objective to run. Jobs without steps are planned by the model.
type Job struct {
	Name      string     `yaml:"name"`
	Objective string     `yaml:"objective"`
	URL       string     `yaml:"url"`
	Timeout   string     `yaml:"timeout"`
	MaxSteps  int        `yaml:"max_steps"`
	Steps     []StepSpec `yaml:"steps"`
}

// StepSpec is an explicit step in the action vocabulary.
type StepSpec struct {
	ID            string     `yaml:"id"`
	Description   string     `yaml:"description"`
	Action        string     `yaml:"action"`
	Target        TargetSpec `yaml:"target"`
	Value         string     `yaml:"value"`
	PostCondition string     `yaml:"post_condition"`
	Critical      *bool      `yaml:"critical"`
	Timeout       string     `yaml:"timeout"`
}

// TargetSpec accepts either a bare string, read as a semantic description, or
// a mapping with kind and value.
type TargetSpec struct {
	Kind          string `yaml:"kind"`
	Value         string `yaml:"value"`
	RequireUnique bool   `yaml:"require_unique"`
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (t *TargetSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		t.Kind = string(schemas.TargetSemantic)
		t.Value = node.Value
		return nil
	}
	type plain TargetSpec
	return node.Decode((*plain)(t))
}

// Load reads and validates the workflow at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, schemas.NewError(schemas.ErrCodeConfig, "workflow.Load", err)
	}
	return Parse(data)
}

// Parse decodes and validates a workflow document. Unknown fields are errors.
func Parse(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, schemas.Errorf(schemas.ErrCodeConfig, "workflow.Parse", "invalid workflow: %v", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks the file and every job in it.
func (f *File) Validate() error {
	if len(f.Jobs) == 0 {
		return schemas.Errorf(schemas.ErrCodeConfig, "workflow.Validate", "workflow has no jobs")
	}
	if f.Concurrency < 0 {
		return schemas.Errorf(schemas.ErrCodeConfig, "workflow.Validate", "concurrency must not be negative")
	}
	names := make(map[string]bool, len(f.Jobs))
	for i := range f.Jobs {
		j := &f.Jobs[i]
		if j.Name == "" {
			j.Name = fmt.Sprintf("job-%d", i+1)
		}
		if names[j.Name] {
			return schemas.Errorf(schemas.ErrCodeConfig, "workflow.Validate", "duplicate job name %q", j.Name)
		}
		names[j.Name] = true
		if _, err := j.ToObjective(); err != nil {
			return err
		}
		if _, err := j.PlannedSteps(); err != nil {
			return err
		}
	}
	return nil
}

// ToObjective converts the job into a session objective.
func (j Job) ToObjective() (schemas.Objective, error) {
	obj := schemas.Objective{
		Goal:     strings.TrimSpace(j.Objective),
		StartURL: strings.TrimSpace(j.URL),
		MaxSteps: j.MaxSteps,
	}
	if j.Timeout != "" {
		d, err := time.ParseDuration(j.Timeout)
		if err != nil {
			return obj, schemas.Errorf(schemas.ErrCodeConfig, "workflow.Job", "job %s: invalid timeout %q", j.Name, j.Timeout)
		}
		obj.Timeout = d
	}
	if err := obj.Validate(); err != nil {
		return obj, schemas.Errorf(schemas.ErrCodeConfig, "workflow.Job", "job %s: %v", j.Name, err)
	}
	return obj, nil
}

// PlannedSteps converts the explicit steps, or returns nil when the job leaves
// planning to the model.
func (j Job) PlannedSteps() ([]schemas.Step, error) {
	if len(j.Steps) == 0 {
		return nil, nil
	}
	steps := make([]schemas.Step, 0, len(j.Steps))
	for i, spec := range j.Steps {
		st, err := spec.toStep()
		if err != nil {
			return nil, schemas.Errorf(schemas.ErrCodeConfig, "workflow.Job", "job %s step %d: %v", j.Name, i+1, err)
		}
		steps = append(steps, st)
	}
	return steps, nil
}

func (s StepSpec) toStep() (schemas.Step, error) {
	action := planner.ParseAction(s.Action)
	if !action.Valid() {
		return schemas.Step{}, fmt.Errorf("unknown action %q", s.Action)
	}
	st := schemas.Step{
		ID:            s.ID,
		Description:   s.Description,
		Action:        action,
		Value:         s.Value,
		PostCondition: strings.TrimSpace(s.PostCondition),
		Critical:      s.Critical == nil || *s.Critical,
	}
	if s.Target.Value != "" {
		st.Target = schemas.NormalizeTarget(s.Target.Kind, s.Target.Value)
		st.Target.RequireUnique = s.Target.RequireUnique
	}
	if s.Timeout != "" {
		d, err := time.ParseDuration(s.Timeout)
		if err != nil {
			return st, fmt.Errorf("invalid timeout %q", s.Timeout)
		}
		st.Timeout = d
	}
	if st.Description == "" {
		st.Description = defaultDescription(st)
	}
	return st, nil
}

func defaultDescription(st schemas.Step) string {
	if st.Target.IsZero() {
		return string(st.Action)
	}
	return fmt.Sprintf("%s %s", st.Action, st.Target)
}
