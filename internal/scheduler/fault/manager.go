package fault

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"k8s.io/utils/clock"

	"github.com/armadaproject/flowscheduler/internal/common/armadacontext"
	"github.com/armadaproject/flowscheduler/internal/common/logging"
	"github.com/armadaproject/flowscheduler/internal/scheduler/events"
	"github.com/armadaproject/flowscheduler/internal/scheduler/interfaces"
	"github.com/armadaproject/flowscheduler/internal/scheduler/jobdb"
	"github.com/armadaproject/flowscheduler/internal/scheduler/model"
)

// Decision is what a failed execution leads to.
type Decision int

const (
	// Retry means the task waits and will be rescheduled.
	Retry Decision = iota
	// Faulty means the task ended FAULTY. The job carries on without the tasks that depended on it.
	Faulty
	// CancelJob means the job must be terminated with status CANCELED.
	CancelJob
	// FailJob means the job must be terminated with status FAILED.
	FailJob
)

func (d Decision) String() string {
	switch d {
	case Retry:
		return "retry"
	case Faulty:
		return "faulty"
	case CancelJob:
		return "cancel_job"
	case FailJob:
		return "fail_job"
	}
	return "unknown"
}

// Manager applies the retry budgets of tasks whose execution failed and releases the nodes they held.
type Manager struct {
	rm                interfaces.ResourceManager
	prober            interfaces.NodeProber
	backoff           BackoffStrategy
	failureRetryDelay time.Duration
	clock             clock.PassiveClock
	publisher         events.Publisher
}

func NewManager(
	rm interfaces.ResourceManager,
	prober interfaces.NodeProber,
	backoff BackoffStrategy,
	failureRetryDelay time.Duration,
	clock clock.PassiveClock,
	publisher events.Publisher,
) *Manager {
	return &Manager{
		rm:                rm,
		prober:            prober,
		backoff:           backoff,
		failureRetryDelay: failureRetryDelay,
		clock:             clock,
		publisher:         publisher,
	}
}

// HandleTaskError deals with a RUNNING task whose code failed. The task's nodes are released after running its
// cleanup script and one execution is consumed. While executions are left the task waits for a backoff that grows
// with every attempt. Once exhausted, the task ends FAULTY and either the job is to be canceled, if it cancels on
// error, or the tasks that can no longer run because of it are abandoned.
func (m *Manager) HandleTaskError(ctx *armadacontext.Context, job *jobdb.Job, task *jobdb.Task, result *model.TaskResult) (Decision, error) {
	nodes := task.Nodes
	if err := m.rm.ReleaseNodes(ctx, nodes, task.CleanupScript); err != nil {
		logging.WithStacktrace(ctx.Log, err).Warnf("error releasing nodes %v of task %s", nodes.Names(), task.Name())
	}
	now := m.clock.Now()
	task.ExecutionsLeft--
	if task.ExecutionsLeft > 0 {
		retryAt := now.Add(m.backoff.Delay(task.Attempts()))
		if err := job.WaitTask(task.Id(), model.TaskWaitingOnError, retryAt, result); err != nil {
			return Retry, err
		}
		ctx.Log.Infof("task %s failed with %q, %d executions left, retrying at %s",
			task.Name(), result.Error, task.ExecutionsLeft, retryAt.Format(time.RFC3339))
		m.publisher.Publish(events.ForJob(events.TaskWaitingForRestart, job, task))
		return Retry, nil
	}

	if err := job.FinishTask(task.Id(), model.TaskFaulty, result, now); err != nil {
		return Faulty, err
	}
	m.publisher.Publish(events.ForJob(events.TaskRunningToFinished, job, task))
	if job.CancelOnError() {
		ctx.Log.Infof("task %s failed with %q and has no executions left, canceling job", task.Name(), result.Error)
		job.SetCause(latestResult(job, task))
		return CancelJob, nil
	}
	abandoned, err := m.abandonDependents(job, task, now)
	ctx.Log.Infof("task %s failed with %q and has no executions left, abandoned %d dependent tasks",
		task.Name(), result.Error, len(abandoned))
	return Faulty, err
}

// HandleNodeLost deals with a RUNNING task whose node died. The dead node is removed from the pool, the other nodes
// of the task are released and one execution on failure is consumed. While such executions are left the task waits
// and is retried, on another node if its restart mode says so. Once exhausted the job is to be failed.
func (m *Manager) HandleNodeLost(ctx *armadacontext.Context, job *jobdb.Job, task *jobdb.Task, deadNode string) (Decision, error) {
	nodes := task.Nodes
	if deadNode == "" {
		deadNode = nodes.Primary()
	}
	m.releaseDead(ctx, deadNode)
	var alive model.NodeSet
	for _, node := range nodes {
		if node.Name != deadNode {
			alive = append(alive, node)
		}
	}
	if len(alive) > 0 {
		if err := m.rm.ReleaseNodes(ctx, alive, task.CleanupScript); err != nil {
			logging.WithStacktrace(ctx.Log, err).Warnf("error releasing nodes %v of task %s", alive.Names(), task.Name())
		}
	}

	now := m.clock.Now()
	task.ExecutionsOnFailureLeft--
	if task.ExecutionsOnFailureLeft > 0 {
		if task.RestartMode == model.RestartElsewhere {
			task.Exclude(deadNode)
		}
		retryAt := now.Add(m.failureRetryDelay)
		if err := job.WaitTask(task.Id(), model.TaskWaitingOnFailure, retryAt, nil); err != nil {
			return Retry, err
		}
		ctx.Log.Infof("node %s of task %s died, %d executions on failure left", deadNode, task.Name(), task.ExecutionsOnFailureLeft)
		m.publisher.Publish(events.ForJob(events.TaskWaitingForRestart, job, task))
		return Retry, nil
	}

	result := &model.TaskResult{Error: fmt.Sprintf("node %s died and no executions on failure are left", deadNode)}
	if err := job.FinishTask(task.Id(), model.TaskFailed, result, now); err != nil {
		return FailJob, err
	}
	m.publisher.Publish(events.ForJob(events.TaskRunningToFinished, job, task))
	ctx.Log.Infof("node %s of task %s died and no executions on failure are left, failing job", deadNode, task.Name())
	job.SetCause(latestResult(job, task))
	return FailJob, nil
}

// TerminateJob moves a job to the terminal status and stops every task still running, releasing their nodes.
// Nodes that no longer respond are released as dead. Errors stopping tasks are collected; the job terminates anyway.
func (m *Manager) TerminateJob(ctx *armadacontext.Context, job *jobdb.Job, status model.JobStatus) error {
	bound, err := job.Terminate(status, m.clock.Now())
	if err != nil {
		return err
	}
	var result *multierror.Error
	for _, b := range bound {
		if b.Handle != nil {
			if err := b.Handle.Terminate(ctx); err != nil {
				result = multierror.Append(result, errors.WithMessagef(err, "error terminating task %s", b.TaskId))
			}
		}
		cleanupScript := ""
		if task, ok := job.Task(b.TaskId); ok {
			cleanupScript = task.CleanupScript
		}
		var alive model.NodeSet
		for _, node := range b.Nodes {
			if m.prober != nil && !m.prober.IsNodeAlive(ctx, node.Name) {
				m.releaseDead(ctx, node.Name)
			} else {
				alive = append(alive, node)
			}
		}
		if len(alive) > 0 {
			if err := m.rm.ReleaseNodes(ctx, alive, cleanupScript); err != nil {
				result = multierror.Append(result, errors.WithMessagef(err, "error releasing nodes of task %s", b.TaskId))
			}
		}
	}
	if len(bound) > 0 {
		ctx.Log.Infof("job %s terminated as %s, stopped %d running tasks", job.Id(), status, len(bound))
	}
	return result.ErrorOrNil()
}

func (m *Manager) releaseDead(ctx *armadacontext.Context, node string) {
	if node == "" {
		return
	}
	if err := m.rm.ReleaseDeadNode(ctx, node); err != nil {
		logging.WithStacktrace(ctx.Log, err).Warnf("error releasing dead node %s", node)
	}
}

// abandonDependents marks NOT_STARTED every task that can no longer run because task ended FAULTY: its downstream
// tasks and the branches and join of an IF it would have decided.
func (m *Manager) abandonDependents(job *jobdb.Job, task *jobdb.Task, now time.Time) ([]model.TaskId, error) {
	g := job.Graph()
	targets := g.Downstream(task.Id())
	for _, other := range g.Tasks() {
		gated := (other.IfBranch != nil && *other.IfBranch == task.Id()) || (other.Joins != nil && *other.Joins == task.Id())
		if gated && other.Gated {
			targets[other.Id()] = true
			maps.Copy(targets, g.Downstream(other.Id()))
		}
	}
	ids := maps.Keys(targets)
	slices.SortFunc(ids, model.LessTaskId)
	var abandoned []model.TaskId
	var result *multierror.Error
	for _, id := range ids {
		other, _ := g.Get(id)
		if other.Status().IsTerminal() || other.Status() == model.TaskRunning || other.Status().IsWaiting() {
			continue
		}
		if err := job.AbandonTask(id, now); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		abandoned = append(abandoned, id)
	}
	if len(abandoned) > 0 {
		var tasks []*jobdb.Task
		for _, id := range abandoned {
			t, _ := g.Get(id)
			tasks = append(tasks, t)
		}
		event := events.ForJob(events.TasksChanged, job, tasks...)
		event.Message = "abandoned"
		m.publisher.Publish(event)
	}
	return abandoned, result.ErrorOrNil()
}

func latestResult(job *jobdb.Job, task *jobdb.Task) *model.TaskResult {
	if entry, ok := job.Result(task.Name()); ok {
		return entry.Result
	}
	return nil
}
