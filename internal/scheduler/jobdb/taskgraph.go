package jobdb

import (
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/armadaproject/flowscheduler/internal/common/armadaerrors"
	"github.com/armadaproject/flowscheduler/internal/scheduler/model"
)

// TaskGraph is the dependency graph of a job's tasks. Tasks are stored in an arena keyed by id and edges refer to
// tasks by id, so cloning part of the graph is a matter of inserting tasks and rewriting ids.
// The graph is acyclic; every mutation that would introduce a cycle is rejected.
type TaskGraph struct {
	tasks  map[model.TaskId]*Task
	byName map[string]model.TaskId
	// Reverse edges: dependents[a][b] means b depends on a.
	dependents map[model.TaskId]map[model.TaskId]bool
}

func newTaskGraph() *TaskGraph {
	return &TaskGraph{
		tasks:      map[model.TaskId]*Task{},
		byName:     map[string]model.TaskId{},
		dependents: map[model.TaskId]map[model.TaskId]bool{},
	}
}

func (g *TaskGraph) Len() int {
	return len(g.tasks)
}

func (g *TaskGraph) Get(id model.TaskId) (*Task, bool) {
	task, ok := g.tasks[id]
	return task, ok
}

func (g *TaskGraph) ByName(name string) (*Task, bool) {
	id, ok := g.byName[name]
	if !ok {
		return nil, false
	}
	return g.tasks[id], true
}

// Tasks returns every task sorted by id.
func (g *TaskGraph) Tasks() []*Task {
	tasks := maps.Values(g.tasks)
	slices.SortFunc(tasks, func(a, b *Task) bool { return a.id.Less(b.id) })
	return tasks
}

// Dependents returns the ids of the tasks depending directly on id, sorted.
func (g *TaskGraph) Dependents(id model.TaskId) []model.TaskId {
	ids := maps.Keys(g.dependents[id])
	slices.SortFunc(ids, model.LessTaskId)
	return ids
}

func (g *TaskGraph) add(task *Task) error {
	if _, exists := g.tasks[task.id]; exists {
		return errors.WithStack(&armadaerrors.ErrAlreadyExists{Type: "task", Value: task.id.String()})
	}
	if _, exists := g.byName[task.name]; exists {
		return errors.WithStack(&armadaerrors.ErrAlreadyExists{Type: "task", Value: task.name})
	}
	for _, dep := range task.dependencies {
		if _, ok := g.tasks[dep]; !ok {
			return errors.WithStack(&armadaerrors.ErrNotFound{Type: "task", Value: dep.String()})
		}
	}
	slices.SortFunc(task.dependencies, model.LessTaskId)
	g.tasks[task.id] = task
	g.byName[task.name] = task.id
	g.dependents[task.id] = map[model.TaskId]bool{}
	for _, dep := range task.dependencies {
		g.dependents[dep][task.id] = true
	}
	return nil
}

// addDependency makes task depend on dep. Adding an existing edge is a no-op.
func (g *TaskGraph) addDependency(id model.TaskId, dep model.TaskId) error {
	task, ok := g.tasks[id]
	if !ok {
		return errors.WithStack(&armadaerrors.ErrNotFound{Type: "task", Value: id.String()})
	}
	if _, ok := g.tasks[dep]; !ok {
		return errors.WithStack(&armadaerrors.ErrNotFound{Type: "task", Value: dep.String()})
	}
	if task.DependsOn(dep) {
		return nil
	}
	if id == dep || g.Downstream(id)[dep] {
		return errors.WithStack(&armadaerrors.ErrInvalidArgument{
			Name:    "dependency",
			Value:   dep.String(),
			Message: "dependency of " + task.name + " would create a cycle",
		})
	}
	idx, _ := slices.BinarySearchFunc(task.dependencies, dep, compareTaskIds)
	task.dependencies = slices.Insert(task.dependencies, idx, dep)
	g.dependents[dep][id] = true
	return nil
}

func (g *TaskGraph) removeDependency(id model.TaskId, dep model.TaskId) {
	task, ok := g.tasks[id]
	if !ok {
		return
	}
	if idx, found := slices.BinarySearchFunc(task.dependencies, dep, compareTaskIds); found {
		task.dependencies = slices.Delete(task.dependencies, idx, idx+1)
	}
	delete(g.dependents[dep], id)
}

// Downstream returns every task that transitively depends on id, excluding id itself.
func (g *TaskGraph) Downstream(id model.TaskId) map[model.TaskId]bool {
	return g.walk(id, func(t model.TaskId) []model.TaskId { return maps.Keys(g.dependents[t]) })
}

// Upstream returns every task id transitively depends on, excluding id itself.
func (g *TaskGraph) Upstream(id model.TaskId) map[model.TaskId]bool {
	return g.walk(id, func(t model.TaskId) []model.TaskId { return g.tasks[t].dependencies })
}

func (g *TaskGraph) walk(id model.TaskId, next func(model.TaskId) []model.TaskId) map[model.TaskId]bool {
	visited := map[model.TaskId]bool{}
	if _, ok := g.tasks[id]; !ok {
		return visited
	}
	stack := []model.TaskId{id}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, n := range next(current) {
			if !visited[n] {
				visited[n] = true
				stack = append(stack, n)
			}
		}
	}
	return visited
}

// Between returns the closed sub-graph from start down to end: both tasks plus every task that is downstream of start
// and upstream of end. The second return value is false if end is not reachable from start.
func (g *TaskGraph) Between(start, end model.TaskId) ([]model.TaskId, bool) {
	if _, ok := g.tasks[start]; !ok {
		return nil, false
	}
	if start == end {
		return []model.TaskId{start}, true
	}
	downstream := g.Downstream(start)
	if !downstream[end] {
		return nil, false
	}
	result := []model.TaskId{start, end}
	for id := range g.Upstream(end) {
		if downstream[id] {
			result = append(result, id)
		}
	}
	slices.SortFunc(result, model.LessTaskId)
	return result, true
}

// IsEligible returns true if the task is PENDING, not waiting for an IF decision, and every one of its dependencies
// is FINISHED or SKIPPED.
func (g *TaskGraph) IsEligible(task *Task) bool {
	if task.status != model.TaskPending || task.Gated {
		return false
	}
	for _, dep := range task.dependencies {
		if !g.tasks[dep].status.SatisfiesDependency() {
			return false
		}
	}
	return true
}

// Eligible returns the eligible tasks sorted by id.
func (g *TaskGraph) Eligible() []*Task {
	var eligible []*Task
	for _, task := range g.tasks {
		if g.IsEligible(task) {
			eligible = append(eligible, task)
		}
	}
	slices.SortFunc(eligible, func(a, b *Task) bool { return a.id.Less(b.id) })
	return eligible
}

// TopologicalOrder returns the task ids ordered so that every task follows its dependencies, or an error if the
// graph has a cycle.
func (g *TaskGraph) TopologicalOrder() ([]model.TaskId, error) {
	inDegree := make(map[model.TaskId]int, len(g.tasks))
	var ready []model.TaskId
	for id, task := range g.tasks {
		inDegree[id] = len(task.dependencies)
		if inDegree[id] == 0 {
			ready = append(ready, id)
		}
	}
	order := make([]model.TaskId, 0, len(g.tasks))
	for len(ready) > 0 {
		slices.SortFunc(ready, model.LessTaskId)
		current := ready[0]
		ready = ready[1:]
		order = append(order, current)
		for dependent := range g.dependents[current] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}
	if len(order) != len(g.tasks) {
		return nil, errors.WithStack(&armadaerrors.ErrInvalidArgument{
			Name:    "dependencies",
			Value:   "",
			Message: "task dependencies contain a cycle",
		})
	}
	return order, nil
}
