package jobdb

import (
	"time"

	"golang.org/x/exp/slices"

	"github.com/armadaproject/flowscheduler/internal/scheduler/model"
)

// Task is a node of a job's task graph.
// Identity, status and dependencies are owned by the Job and TaskGraph so that counters and edges stay consistent.
// The remaining fields are scheduling attributes.
type Task struct {
	id     model.TaskId
	name   string
	status model.TaskStatus
	// Sorted by id.
	dependencies []model.TaskId

	StartTime    time.Time
	FinishedTime time.Time
	// Remaining executions after application errors.
	ExecutionsLeft int
	// Remaining executions after node failures.
	ExecutionsOnFailureLeft int
	// Budgets the task was submitted with. Clones start over with these.
	MaxExecutions          int
	MaxExecutionsOnFailure int

	// Nodes the task is currently bound to. Empty unless running.
	Nodes model.NodeSet
	// Id of the current launch. Terminations from older launches are ignored.
	LaunchId string

	NodesNeeded int
	Selector    model.Selector
	// Nodes the task must not be placed on. Sorted.
	Excluded      []string
	RestartMode   model.RestartMode
	CleanupScript string

	Block model.FlowBlock
	// Name of the task closing, or opening, this task's block.
	MatchingBlock    string
	Flow             *model.FlowSpec
	ReplicationIndex int
	IterationIndex   int
	// Set on the first task of each IF branch: the task that chooses between the branches.
	IfBranch *model.TaskId
	// Set on the join of an IF: the task that chooses between the branches.
	Joins *model.TaskId
	// Dependencies the join was declared with, restored when the IF is cloned.
	JoinDeclared []model.TaskId
	// Branches that were joined by this task once its IF resolved.
	JoinedBranches []model.TaskId
	// Gated tasks wait for an IF decision and are never eligible.
	Gated bool
	// Set on the copies made by a REPLICATE: the task that replicated them.
	ReplicatedBy *model.TaskId

	// When a waiting task may be retried.
	RetryAt time.Time
	// Task whose stored executable this task runs. Clones share the executable of the task they were cloned from.
	ExecutableRef model.TaskId
	// Loaded lazily. Nil once offloaded to persistence.
	Executable *model.Executable
}

func (t *Task) Id() model.TaskId {
	return t.id
}

func (t *Task) Name() string {
	return t.name
}

func (t *Task) BaseName() string {
	return BaseName(t.name)
}

func (t *Task) Status() model.TaskStatus {
	return t.status
}

// Dependencies returns a copy of the ids of the tasks this task depends on.
func (t *Task) Dependencies() []model.TaskId {
	return slices.Clone(t.dependencies)
}

func (t *Task) DependsOn(id model.TaskId) bool {
	_, found := slices.BinarySearchFunc(t.dependencies, id, compareTaskIds)
	return found
}

// Node returns the node the task runs on, or the empty string.
func (t *Task) Node() string {
	return t.Nodes.Primary()
}

// Attempts returns the number of executions that ended in an application error.
func (t *Task) Attempts() int {
	return t.MaxExecutions - t.ExecutionsLeft
}

// Exclude adds nodes to the set the task must not be placed on.
func (t *Task) Exclude(nodes ...string) {
	for _, node := range nodes {
		if idx, found := slices.BinarySearch(t.Excluded, node); !found {
			t.Excluded = slices.Insert(t.Excluded, idx, node)
		}
	}
}

// clone copies the task definition into a fresh, never executed task.
func (t *Task) clone(id model.TaskId, name string) *Task {
	c := &Task{
		id:                      id,
		name:                    name,
		status:                  model.TaskPending,
		dependencies:            slices.Clone(t.dependencies),
		ExecutionsLeft:          t.MaxExecutions,
		ExecutionsOnFailureLeft: t.MaxExecutionsOnFailure,
		MaxExecutions:           t.MaxExecutions,
		MaxExecutionsOnFailure:  t.MaxExecutionsOnFailure,
		NodesNeeded:             t.NodesNeeded,
		Selector:                t.Selector,
		RestartMode:             t.RestartMode,
		CleanupScript:           t.CleanupScript,
		Block:                   t.Block,
		MatchingBlock:           t.MatchingBlock,
		Flow:                    t.Flow,
		ReplicationIndex:        t.ReplicationIndex,
		IterationIndex:          t.IterationIndex,
		JoinDeclared:            slices.Clone(t.JoinDeclared),
		ExecutableRef:           t.ExecutableRef,
		Executable:              t.Executable,
	}
	if t.IfBranch != nil {
		ref := *t.IfBranch
		c.IfBranch = &ref
	}
	if t.Joins != nil {
		ref := *t.Joins
		c.Joins = &ref
	}
	if t.ReplicatedBy != nil {
		ref := *t.ReplicatedBy
		c.ReplicatedBy = &ref
	}
	return c
}

func compareTaskIds(a, b model.TaskId) int {
	if a == b {
		return 0
	}
	if a.Less(b) {
		return -1
	}
	return 1
}
