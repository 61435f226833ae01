package dispatch

import (
	"context"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/armadaproject/flowscheduler/internal/common/armadacontext"
	"github.com/armadaproject/flowscheduler/internal/common/logging"
	"github.com/armadaproject/flowscheduler/internal/scheduler/events"
	"github.com/armadaproject/flowscheduler/internal/scheduler/interfaces"
	"github.com/armadaproject/flowscheduler/internal/scheduler/jobdb"
	"github.com/armadaproject/flowscheduler/internal/scheduler/model"
	"github.com/armadaproject/flowscheduler/internal/scheduler/policy"
)

// TaskTermination notifies the scheduler that a launched task stopped.
type TaskTermination struct {
	JobId    model.JobId
	TaskId   model.TaskId
	LaunchId string
	Outcome  model.Outcome
}

// TerminationSink receives the termination of every launched task. It must return once ctx is cancelled.
type TerminationSink func(ctx context.Context, termination TaskTermination)

// Dispatcher launches tasks on the nodes granted to them.
type Dispatcher struct {
	loader          *ContainerLoader
	launcher        interfaces.Launcher
	resourceManager interfaces.ResourceManager
	jobDb           *jobdb.JobDb
	publisher       events.Publisher
	sink            TerminationSink
	clock           clock.PassiveClock
	// Context handed to the goroutines awaiting launched tasks.
	runCtx context.Context
}

func NewDispatcher(
	runCtx context.Context,
	loader *ContainerLoader,
	launcher interfaces.Launcher,
	resourceManager interfaces.ResourceManager,
	jobDb *jobdb.JobDb,
	publisher events.Publisher,
	sink TerminationSink,
	clock clock.PassiveClock,
) *Dispatcher {
	return &Dispatcher{
		runCtx:          runCtx,
		loader:          loader,
		launcher:        launcher,
		resourceManager: resourceManager,
		jobDb:           jobDb,
		publisher:       publisher,
		sink:            sink,
		clock:           clock,
	}
}

// Place loads the task's executable and launches it on the first node, passing the remaining nodes along as
// auxiliary nodes. The task is then RUNNING and its handle registered in the job's result container; the job moves to
// the running set on its first task start. If anything fails the nodes are released and the task stays PENDING.
func (d *Dispatcher) Place(ctx *armadacontext.Context, ref policy.TaskRef, nodes model.NodeSet) error {
	job, task := ref.Job, ref.Task
	ctx = armadacontext.WithLogFields(ctx, map[string]interface{}{"job": job.Id(), "task": task.Name(), "node": nodes.Primary()})

	executable, err := d.loader.Load(ctx, task)
	if err != nil {
		return d.abort(ctx, nodes, nil, err)
	}
	handle, err := d.launcher.Launch(ctx, interfaces.LaunchRequest{
		TaskId:       task.Id(),
		TaskName:     task.Name(),
		Iteration:    task.IterationIndex,
		Replica:      task.ReplicationIndex,
		Executable:   *executable,
		Nodes:        nodes,
		PriorResults: job.PriorResults(task.Id()),
	})
	if err != nil {
		return d.abort(ctx, nodes, nil, errors.WithMessagef(err, "error launching task %s", task.Name()))
	}

	wasPending := job.Status() == model.JobPending
	if err := job.StartTask(task.Id(), nodes, handle.Id(), d.clock.Now()); err != nil {
		return d.abort(ctx, nodes, handle, err)
	}
	if err := job.RegisterHandle(task.Id(), handle); err != nil {
		return d.abort(ctx, nodes, handle, err)
	}
	if wasPending {
		if err := d.jobDb.TransitionToRunning(job.Id()); err != nil {
			logging.WithStacktrace(ctx.Log, err).Error("job started but could not be moved to the running set")
		}
		d.publisher.Publish(events.ForJob(events.JobPendingToRunning, job))
	}
	d.publisher.Publish(events.ForJob(events.TaskPendingToRunning, job, task))
	ctx.Log.Infof("launched task on %d nodes", len(nodes))

	go d.await(job.Id(), task.Id(), handle)
	return nil
}

func (d *Dispatcher) await(jobId model.JobId, taskId model.TaskId, handle interfaces.LaunchHandle) {
	select {
	case outcome := <-handle.Done():
		d.sink(d.runCtx, TaskTermination{JobId: jobId, TaskId: taskId, LaunchId: handle.Id(), Outcome: outcome})
	case <-d.runCtx.Done():
	}
}

func (d *Dispatcher) abort(ctx *armadacontext.Context, nodes model.NodeSet, handle interfaces.LaunchHandle, err error) error {
	if handle != nil {
		if terminateErr := handle.Terminate(ctx); terminateErr != nil {
			logging.WithStacktrace(ctx.Log, terminateErr).Warn("failed to terminate launched task")
		}
	}
	if releaseErr := d.resourceManager.ReleaseNodes(ctx, nodes, ""); releaseErr != nil {
		logging.WithStacktrace(ctx.Log, releaseErr).Warn("failed to release nodes after failed dispatch")
	}
	return err
}
