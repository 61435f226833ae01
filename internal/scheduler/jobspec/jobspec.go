// Package jobspec reads job descriptions written in YAML.
package jobspec

import (
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/armadaproject/flowscheduler/internal/common/armadaerrors"
	"github.com/armadaproject/flowscheduler/internal/scheduler/jobdb"
	"github.com/armadaproject/flowscheduler/internal/scheduler/model"
)

type JobSpec struct {
	Name          string     `yaml:"name" validate:"required"`
	Owner         string     `yaml:"owner"`
	Priority      string     `yaml:"priority" validate:"omitempty,oneof=idle lowest low normal high highest"`
	CancelOnError bool       `yaml:"cancelOnError"`
	Tasks         []TaskSpec `yaml:"tasks" validate:"required,min=1,dive"`
}

type TaskSpec struct {
	Name                   string            `yaml:"name" validate:"required"`
	DependsOn              []string          `yaml:"dependsOn"`
	Nodes                  int               `yaml:"nodes" validate:"gte=0"`
	Selector               map[string]string `yaml:"selector"`
	MaxExecutions          int               `yaml:"maxExecutions" validate:"gte=0"`
	MaxExecutionsOnFailure int               `yaml:"maxExecutionsOnFailure" validate:"gte=0"`
	RestartMode            string            `yaml:"restartMode" validate:"omitempty,oneof=anywhere elsewhere"`
	CleanupScript          string            `yaml:"cleanupScript"`
	Block                  string            `yaml:"block" validate:"omitempty,oneof=none start end"`
	MatchingBlock          string            `yaml:"matchingBlock"`
	Flow                   *FlowSpec         `yaml:"flow"`
	Executable             ExecutableSpec    `yaml:"executable"`
}

type FlowSpec struct {
	Kind         string `yaml:"kind" validate:"required,oneof=continue loop if replicate"`
	Target       string `yaml:"target"`
	Else         string `yaml:"else"`
	Continuation string `yaml:"continuation"`
}

type ExecutableSpec struct {
	Kind       string            `yaml:"kind" validate:"omitempty,oneof=standard native forked"`
	Function   string            `yaml:"function"`
	Args       []string          `yaml:"args"`
	Command    []string          `yaml:"command"`
	Env        map[string]string `yaml:"env"`
	WorkingDir string            `yaml:"workingDir"`
}

var validate = validator.New()

// Parse reads a job description. Unknown fields are rejected.
func Parse(data []byte) (*JobSpec, error) {
	spec := &JobSpec{}
	if err := yaml.UnmarshalStrict(data, spec); err != nil {
		return nil, errors.WithStack(&armadaerrors.ErrInvalidArgument{Name: "job", Value: "", Message: err.Error()})
	}
	if err := validate.Struct(spec); err != nil {
		return nil, errors.WithStack(&armadaerrors.ErrInvalidArgument{Name: "job", Value: spec.Name, Message: err.Error()})
	}
	return spec, nil
}

func ParseFile(path string) (*JobSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	spec, err := Parse(data)
	return spec, errors.WithMessagef(err, "error parsing %s", path)
}

// ApplyDefaults fills in the priority of the job and the restart mode of its tasks where the description leaves
// them out.
func (s *JobSpec) ApplyDefaults(priority model.Priority, restartMode model.RestartMode) {
	if s.Priority == "" {
		s.Priority = priority.String()
	}
	for i := range s.Tasks {
		if s.Tasks[i].RestartMode == "" {
			s.Tasks[i].RestartMode = restartMode.String()
		}
	}
}

// ToDefinition converts the description into a job definition. The structure of the graph is checked when the job
// is built.
func (s *JobSpec) ToDefinition() (jobdb.JobDefinition, error) {
	var result *multierror.Error
	priority, err := model.ParsePriority(s.Priority)
	if err != nil {
		result = multierror.Append(result, err)
	}
	def := jobdb.JobDefinition{
		Name:          s.Name,
		Owner:         s.Owner,
		Priority:      priority,
		CancelOnError: s.CancelOnError,
	}
	for _, task := range s.Tasks {
		taskDef, err := task.toDefinition()
		if err != nil {
			result = multierror.Append(result, errors.WithMessagef(err, "task %s", task.Name))
		}
		def.Tasks = append(def.Tasks, taskDef)
	}
	return def, result.ErrorOrNil()
}

func (t TaskSpec) toDefinition() (jobdb.TaskDefinition, error) {
	var result *multierror.Error
	def := jobdb.TaskDefinition{
		Name:                   t.Name,
		DependsOn:              t.DependsOn,
		NodesNeeded:            t.Nodes,
		Selector:               t.Selector,
		MaxExecutions:          t.MaxExecutions,
		MaxExecutionsOnFailure: t.MaxExecutionsOnFailure,
		CleanupScript:          t.CleanupScript,
		MatchingBlock:          t.MatchingBlock,
	}
	var err error
	if def.RestartMode, err = model.ParseRestartMode(t.RestartMode); err != nil {
		result = multierror.Append(result, err)
	}
	if def.Block, err = model.ParseFlowBlock(t.Block); err != nil {
		result = multierror.Append(result, err)
	}
	if t.Flow != nil {
		kind, err := model.ParseFlowActionKind(t.Flow.Kind)
		if err != nil {
			result = multierror.Append(result, err)
		}
		def.Flow = &model.FlowSpec{Kind: kind, Target: t.Flow.Target, TargetElse: t.Flow.Else, Continuation: t.Flow.Continuation}
	}
	kind, err := model.ParseExecutableKind(t.Executable.Kind)
	if err != nil {
		result = multierror.Append(result, err)
	}
	def.Executable = model.Executable{
		Kind:       kind,
		Function:   t.Executable.Function,
		Args:       t.Executable.Args,
		Command:    t.Executable.Command,
		Env:        t.Executable.Env,
		WorkingDir: t.Executable.WorkingDir,
	}
	return def, result.ErrorOrNil()
}
