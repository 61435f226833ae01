package jobdb

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/armadaproject/flowscheduler/internal/common/armadaerrors"
	"github.com/armadaproject/flowscheduler/internal/scheduler/model"
)

// TaskDefinition describes a task as submitted.
type TaskDefinition struct {
	Name      string
	DependsOn []string
	// Defaults to one node.
	NodesNeeded int
	Selector    model.Selector
	// Defaults to one execution.
	MaxExecutions int
	// Defaults to one execution.
	MaxExecutionsOnFailure int
	RestartMode            model.RestartMode
	CleanupScript          string
	Block                  model.FlowBlock
	MatchingBlock          string
	Flow                   *model.FlowSpec
	Executable             model.Executable
}

// JobDefinition describes a job as submitted.
type JobDefinition struct {
	Name          string
	Owner         string
	Priority      model.Priority
	CancelOnError bool
	Tasks         []TaskDefinition
}

// BuildJob validates a definition and creates the job it describes. Every problem found is reported, wrapped in an
// ErrInvalidArgument, and no job is returned unless the definition is valid.
// Tasks of the returned job are SUBMITTED until the job enters the registry.
func BuildJob(id model.JobId, def JobDefinition, now time.Time) (*Job, error) {
	if len(def.Tasks) == 0 {
		return nil, invalid("tasks", def.Name, "a job needs at least one task")
	}
	var result *multierror.Error
	seen := map[string]bool{}
	for _, taskDef := range def.Tasks {
		if err := ValidateTaskName(taskDef.Name); err != nil {
			result = multierror.Append(result, invalid("name", taskDef.Name, err.Error()))
			continue
		}
		if seen[taskDef.Name] {
			result = multierror.Append(result, invalid("name", taskDef.Name, "task names must be unique"))
		}
		seen[taskDef.Name] = true
	}
	if result != nil {
		return nil, result.ErrorOrNil()
	}

	job := newJob(id, def.Name, def.Owner, def.Priority, def.CancelOnError, now)
	ids := map[string]model.TaskId{}
	for _, taskDef := range def.Tasks {
		ids[taskDef.Name] = job.nextTaskId()
	}
	for _, taskDef := range def.Tasks {
		if err := validateTaskDefinition(taskDef, ids); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if result != nil {
		return nil, result.ErrorOrNil()
	}

	// Tasks are added to the graph in dependency order so that every edge refers to a known task.
	pending := append([]TaskDefinition(nil), def.Tasks...)
	for len(pending) > 0 {
		var deferred []TaskDefinition
		for _, taskDef := range pending {
			if !dependenciesAdded(job, taskDef, ids) {
				deferred = append(deferred, taskDef)
				continue
			}
			if err := job.addTask(newTask(ids[taskDef.Name], taskDef, ids)); err != nil {
				return nil, err
			}
		}
		if len(deferred) == len(pending) {
			return nil, invalid("dependencies", deferred[0].Name, "task dependencies contain a cycle")
		}
		pending = deferred
	}

	if err := validateFlow(job); err != nil {
		return nil, err
	}
	armIfGates(job)
	return job, nil
}

func newTask(id model.TaskId, def TaskDefinition, ids map[string]model.TaskId) *Task {
	deps := make([]model.TaskId, 0, len(def.DependsOn))
	for _, name := range def.DependsOn {
		deps = append(deps, ids[name])
	}
	nodes := def.NodesNeeded
	if nodes == 0 {
		nodes = 1
	}
	executions := def.MaxExecutions
	if executions == 0 {
		executions = 1
	}
	executionsOnFailure := def.MaxExecutionsOnFailure
	if executionsOnFailure == 0 {
		executionsOnFailure = 1
	}
	executable := def.Executable
	var flow *model.FlowSpec
	if def.Flow != nil && def.Flow.Kind != model.FlowContinue {
		f := *def.Flow
		flow = &f
	}
	return &Task{
		id:                      id,
		name:                    def.Name,
		status:                  model.TaskSubmitted,
		dependencies:            deps,
		ExecutionsLeft:          executions,
		ExecutionsOnFailureLeft: executionsOnFailure,
		MaxExecutions:           executions,
		MaxExecutionsOnFailure:  executionsOnFailure,
		NodesNeeded:             nodes,
		Selector:                def.Selector,
		RestartMode:             def.RestartMode,
		CleanupScript:           def.CleanupScript,
		Block:                   def.Block,
		MatchingBlock:           def.MatchingBlock,
		Flow:                    flow,
		ExecutableRef:           id,
		Executable:              &executable,
	}
}

func dependenciesAdded(job *Job, def TaskDefinition, ids map[string]model.TaskId) bool {
	for _, name := range def.DependsOn {
		if _, ok := job.graph.Get(ids[name]); !ok {
			return false
		}
	}
	return true
}

func validateTaskDefinition(def TaskDefinition, ids map[string]model.TaskId) error {
	var result *multierror.Error
	for _, dep := range def.DependsOn {
		if dep == def.Name {
			result = multierror.Append(result, invalid("dependsOn", dep, "task "+def.Name+" depends on itself"))
		} else if _, ok := ids[dep]; !ok {
			result = multierror.Append(result, invalid("dependsOn", dep, "task "+def.Name+" depends on an unknown task"))
		}
	}
	if def.NodesNeeded < 0 {
		result = multierror.Append(result, invalid("nodes", fmt.Sprint(def.NodesNeeded), "task "+def.Name+" needs at least one node"))
	}
	if def.MaxExecutions < 0 || def.MaxExecutionsOnFailure < 0 {
		result = multierror.Append(result, invalid("maxExecutions", def.Name, "execution budgets must be positive"))
	}
	if err := def.Executable.Validate(); err != nil {
		result = multierror.Append(result, invalid("executable", def.Name, err.Error()))
	}
	if def.Block != model.BlockNone {
		if def.MatchingBlock == "" {
			result = multierror.Append(result, invalid("matchingBlock", def.Name, "block tasks must name their matching task"))
		} else if _, ok := ids[def.MatchingBlock]; !ok {
			result = multierror.Append(result, invalid("matchingBlock", def.MatchingBlock, "unknown matching task of "+def.Name))
		}
	}
	if def.Flow != nil {
		required := map[string]string{}
		switch def.Flow.Kind {
		case model.FlowLoop:
			required["target"] = def.Flow.Target
		case model.FlowIf:
			required["target"] = def.Flow.Target
			required["else"] = def.Flow.TargetElse
			if def.Flow.Target == def.Flow.TargetElse {
				result = multierror.Append(result, invalid("flow", def.Name, "both IF branches are the same task"))
			}
		}
		for field, name := range required {
			if _, ok := ids[name]; !ok {
				result = multierror.Append(result, invalid(field, name, "unknown flow target of "+def.Name))
			}
		}
		if def.Flow.Continuation != "" {
			if _, ok := ids[def.Flow.Continuation]; !ok {
				result = multierror.Append(result, invalid("continuation", def.Flow.Continuation, "unknown flow target of "+def.Name))
			}
		}
	}
	return result.ErrorOrNil()
}

// validateFlow checks the constraints that need the graph: blocks are properly paired and flow targets are placed
// so that applying the flow cannot create a cycle.
func validateFlow(job *Job) error {
	var result *multierror.Error
	branchOf := map[string]string{}
	for _, task := range job.graph.Tasks() {
		if task.Block == model.BlockStart {
			end, _ := job.graph.ByName(task.MatchingBlock)
			if end.Block != model.BlockEnd || end.MatchingBlock != task.name {
				result = multierror.Append(result, invalid("matchingBlock", task.name, "block start and end must name each other"))
			} else if end.id != task.id && !job.graph.Downstream(task.id)[end.id] {
				result = multierror.Append(result, invalid("matchingBlock", task.name, "block end must depend on block start"))
			}
		}
		if task.Block == model.BlockEnd {
			start, _ := job.graph.ByName(task.MatchingBlock)
			if start.Block != model.BlockStart || start.MatchingBlock != task.name {
				result = multierror.Append(result, invalid("matchingBlock", task.name, "block end and start must name each other"))
			}
		}
		if task.Flow == nil {
			continue
		}
		upstream := job.graph.Upstream(task.id)
		switch task.Flow.Kind {
		case model.FlowLoop:
			target, _ := job.graph.ByName(task.Flow.Target)
			if target.id != task.id && !upstream[target.id] {
				result = multierror.Append(result, invalid("target", target.name, "loop target must be upstream of "+task.name))
			}
		case model.FlowIf:
			for _, name := range []string{task.Flow.Target, task.Flow.TargetElse, task.Flow.Continuation} {
				if name == "" {
					continue
				}
				other, _ := job.graph.ByName(name)
				if other.id == task.id || upstream[other.id] {
					result = multierror.Append(result, invalid("target", name, "IF targets must not be upstream of "+task.name))
				}
				if previous, ok := branchOf[name]; ok {
					result = multierror.Append(result, invalid("target", name, fmt.Sprintf("targeted by both %s and %s", previous, task.name)))
				}
				branchOf[name] = task.name
			}
		}
	}
	return result.ErrorOrNil()
}

// armIfGates marks the branches and join of every IF so that they wait for the IF decision.
func armIfGates(job *Job) {
	for _, task := range job.graph.Tasks() {
		if task.Flow == nil || task.Flow.Kind != model.FlowIf {
			continue
		}
		initiator := task.id
		for _, name := range []string{task.Flow.Target, task.Flow.TargetElse} {
			branch, _ := job.graph.ByName(name)
			branch.IfBranch = &initiator
			branch.Gated = true
		}
		if task.Flow.Continuation != "" {
			join, _ := job.graph.ByName(task.Flow.Continuation)
			join.Joins = &initiator
			join.JoinDeclared = join.Dependencies()
			join.Gated = true
		}
	}
}

func invalid(name string, value interface{}, message string) error {
	return errors.WithStack(&armadaerrors.ErrInvalidArgument{Name: name, Value: value, Message: message})
}
