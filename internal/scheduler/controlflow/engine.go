package controlflow

import (
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"k8s.io/utils/clock"

	"github.com/armadaproject/flowscheduler/internal/common/armadacontext"
	"github.com/armadaproject/flowscheduler/internal/scheduler/events"
	"github.com/armadaproject/flowscheduler/internal/scheduler/jobdb"
	"github.com/armadaproject/flowscheduler/internal/scheduler/model"
)

// Change lists the tasks a control flow action created or altered.
type Change struct {
	Kind     model.FlowActionKind
	Added    []model.TaskId
	Modified []model.TaskId
	Skipped  []model.TaskId
}

func (c *Change) IsEmpty() bool {
	return len(c.Added) == 0 && len(c.Modified) == 0 && len(c.Skipped) == 0
}

func (c *Change) all() []model.TaskId {
	ids := map[model.TaskId]bool{}
	for _, list := range [][]model.TaskId{c.Added, c.Modified, c.Skipped} {
		for _, id := range list {
			ids[id] = true
		}
	}
	result := maps.Keys(ids)
	slices.SortFunc(result, model.LessTaskId)
	return result
}

// Engine terminates successful tasks and applies their control flow action to the task graph.
type Engine struct {
	clock     clock.PassiveClock
	publisher events.Publisher
}

func NewEngine(clock clock.PassiveClock, publisher events.Publisher) *Engine {
	return &Engine{clock: clock, publisher: publisher}
}

// Terminate marks the initiator FINISHED with its result and then applies action.
// An action whose target cannot be found is reported as an error without changing the graph. The initiator stays
// FINISHED either way.
// A single TasksChanged event describes everything the action did.
func (e *Engine) Terminate(
	ctx *armadacontext.Context,
	job *jobdb.Job,
	initiatorId model.TaskId,
	result *model.TaskResult,
	action model.FlowAction,
) (*Change, error) {
	now := e.clock.Now()
	if err := job.FinishTask(initiatorId, model.TaskFinished, result, now); err != nil {
		return nil, err
	}
	initiator, _ := job.Task(initiatorId)
	e.publisher.Publish(events.ForJob(events.TaskRunningToFinished, job, initiator))

	change := &Change{Kind: action.Kind}
	var err error
	switch action.Kind {
	case model.FlowLoop:
		err = e.loop(job, initiator, action.Target, change)
	case model.FlowIf:
		err = e.branch(job, initiator, action, change)
	case model.FlowReplicate:
		err = e.replicate(job, initiator, action.Replicas, change)
	}
	if err != nil {
		return change, errors.WithMessagef(err, "error applying %s action of task %s", action.Kind, initiator.Name())
	}
	if !change.IsEmpty() {
		ctx.Log.Infof("%s action of task %s added %d, modified %d and skipped %d tasks",
			action.Kind, initiator.Name(), len(change.Added), len(change.Modified), len(change.Skipped))
		var tasks []*jobdb.Task
		for _, id := range change.all() {
			task, _ := job.Task(id)
			tasks = append(tasks, task)
		}
		event := events.ForJob(events.TasksChanged, job, tasks...)
		event.Added = change.Added
		event.Message = action.Kind.String()
		e.publisher.Publish(event)
	}
	return change, nil
}

// loop makes the body from the live iteration of target down to initiator run once more. The body is cloned with
// the next iteration index, the cloned target depends on initiator, and tasks that depended on initiator now depend on
// the cloned initiator instead.
// Copies made by a REPLICATE within the body are left out: the next iteration's REPLICATE makes its own.
func (e *Engine) loop(job *jobdb.Job, initiator *jobdb.Task, targetName string, change *Change) error {
	g := job.Graph()
	target := findLoopTarget(g, initiator, targetName)
	if target == nil {
		return errors.Errorf("no task named %s upstream of %s", targetName, initiator.Name())
	}
	body, ok := g.Between(target.Id(), initiator.Id())
	if !ok {
		return errors.Errorf("%s is not upstream of %s", target.Name(), initiator.Name())
	}
	body, replicas := withoutReplicas(g, withIfBranches(g, body), initiator.Id())
	mergers := excluding(g.Dependents(initiator.Id()), body)

	clones, err := cloneBody(job, body, func(t *jobdb.Task) (int, int) {
		return t.IterationIndex + 1, t.ReplicationIndex
	}, true)
	if err != nil {
		return err
	}
	for _, clone := range clones {
		for _, dep := range clone.Dependencies() {
			if replicas[dep] {
				job.RemoveDependency(clone.Id(), dep)
			}
		}
		declared := clone.JoinDeclared[:0]
		for _, dep := range clone.JoinDeclared {
			if !replicas[dep] {
				declared = append(declared, dep)
			}
		}
		clone.JoinDeclared = declared
	}
	newTarget, newInitiator := clones[target.Id()], clones[initiator.Id()]
	if err := job.AddDependency(newTarget.Id(), initiator.Id()); err != nil {
		return err
	}
	for _, merger := range mergers {
		job.RemoveDependency(merger, initiator.Id())
		if err := job.AddDependency(merger, newInitiator.Id()); err != nil {
			return err
		}
		rewriteJoinDeclared(job, merger, initiator.Id(), newInitiator.Id())
		change.Modified = append(change.Modified, merger)
	}
	change.Added = append(change.Added, cloneIds(clones)...)
	return nil
}

// branch resolves an IF. The selected branch becomes eligible once it depends on the initiator; the tasks of the
// other branch that are not also downstream of the selected branch or the join are SKIPPED; the join depends on the
// end of the selected branch's block.
func (e *Engine) branch(job *jobdb.Job, initiator *jobdb.Task, action model.FlowAction, change *Change) error {
	g := job.Graph()
	gatedBy := func(t *jobdb.Task) bool { return t.IfBranch != nil && *t.IfBranch == initiator.Id() }
	selected := findLive(g, action.Target, initiator, gatedBy)
	if selected == nil {
		return errors.Errorf("no live instance of branch %s", action.Target)
	}
	var skippedBranch, join *jobdb.Task
	if action.Skipped != "" {
		skippedBranch = findLive(g, action.Skipped, initiator, gatedBy)
	}
	if action.Continuation != "" {
		join = findLive(g, action.Continuation, initiator, func(t *jobdb.Task) bool {
			return t.Joins != nil && *t.Joins == initiator.Id()
		})
	}
	selectedEnd := blockEnd(g, selected, true)

	selected.Gated = false
	if err := job.AddDependency(selected.Id(), initiator.Id()); err != nil {
		return err
	}
	change.Modified = append(change.Modified, selected.Id())

	skipped := map[model.TaskId]bool{}
	if skippedBranch != nil {
		protected := g.Downstream(selected.Id())
		protected[selected.Id()] = true
		if join != nil {
			protected[join.Id()] = true
			maps.Copy(protected, g.Downstream(join.Id()))
		}
		candidates := g.Downstream(skippedBranch.Id())
		candidates[skippedBranch.Id()] = true
		ids := maps.Keys(candidates)
		slices.SortFunc(ids, model.LessTaskId)
		now := e.clock.Now()
		for _, id := range ids {
			task, _ := g.Get(id)
			if protected[id] || task.Status().IsTerminal() || task.Status() == model.TaskRunning {
				continue
			}
			if err := job.SkipTask(id, now); err != nil {
				return err
			}
			skipped[id] = true
			change.Skipped = append(change.Skipped, id)
		}
	}

	if join != nil {
		for _, dep := range join.Dependencies() {
			if dep == initiator.Id() || skipped[dep] {
				job.RemoveDependency(join.Id(), dep)
			}
		}
		if err := job.AddDependency(join.Id(), selectedEnd.Id()); err != nil {
			return err
		}
		join.Gated = false
		join.JoinedBranches = []model.TaskId{selected.Id()}
		if skippedBranch != nil {
			join.JoinedBranches = append(join.JoinedBranches, skippedBranch.Id())
		}
		change.Modified = append(change.Modified, join.Id())
	}
	return nil
}

// replicate runs each block following initiator replicas times in parallel. Every block is cloned replicas-1 times
// with a new replication index; each clone depends on the initiator and every task that depended on the end of the
// original block also depends on the end of each clone.
func (e *Engine) replicate(job *jobdb.Job, initiator *jobdb.Task, replicas int, change *Change) error {
	g := job.Graph()
	type block struct {
		root, end model.TaskId
		body      []model.TaskId
		mergers   []model.TaskId
	}
	var blocks []block
	for _, id := range g.Dependents(initiator.Id()) {
		root, _ := g.Get(id)
		if root.Status().IsTerminal() || root.Status() == model.TaskRunning {
			continue
		}
		end := blockEnd(g, root, true)
		body, ok := g.Between(root.Id(), end.Id())
		if !ok {
			return errors.Errorf("block end %s is not downstream of %s", end.Name(), root.Name())
		}
		body = withIfBranches(g, body)
		blocks = append(blocks, block{root: root.Id(), end: end.Id(), body: body, mergers: excluding(g.Dependents(end.Id()), body)})
	}

	for _, b := range blocks {
		for i := 1; i < replicas; i++ {
			replication := nextReplicationIndex(g, b.body)
			clones, err := cloneBody(job, b.body, func(t *jobdb.Task) (int, int) {
				return t.IterationIndex, replication
			}, false)
			if err != nil {
				return err
			}
			for _, clone := range clones {
				ref := initiator.Id()
				clone.ReplicatedBy = &ref
			}
			if err := job.AddDependency(clones[b.root].Id(), initiator.Id()); err != nil {
				return err
			}
			cloneEnd := clones[b.end].Id()
			for _, merger := range b.mergers {
				if err := job.AddDependency(merger, cloneEnd); err != nil {
					return err
				}
				appendJoinDeclared(job, merger, cloneEnd)
			}
			change.Added = append(change.Added, cloneIds(clones)...)
		}
		if replicas > 1 {
			change.Modified = append(change.Modified, b.mergers...)
		}
	}
	return nil
}

func cloneIds(clones map[model.TaskId]*jobdb.Task) []model.TaskId {
	ids := make([]model.TaskId, 0, len(clones))
	for _, clone := range clones {
		ids = append(ids, clone.Id())
	}
	slices.SortFunc(ids, model.LessTaskId)
	return ids
}

func excluding(ids []model.TaskId, excluded []model.TaskId) []model.TaskId {
	var result []model.TaskId
	for _, id := range ids {
		if !slices.Contains(excluded, id) {
			result = append(result, id)
		}
	}
	return result
}

func rewriteJoinDeclared(job *jobdb.Job, id model.TaskId, from, to model.TaskId) {
	task, _ := job.Task(id)
	for i, dep := range task.JoinDeclared {
		if dep == from {
			task.JoinDeclared[i] = to
		}
	}
}

func appendJoinDeclared(job *jobdb.Job, id model.TaskId, dep model.TaskId) {
	task, _ := job.Task(id)
	if task.Joins != nil && !slices.Contains(task.JoinDeclared, dep) {
		task.JoinDeclared = append(task.JoinDeclared, dep)
	}
}
