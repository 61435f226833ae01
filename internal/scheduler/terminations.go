package scheduler

import (
	"context"

	"github.com/pkg/errors"

	"github.com/armadaproject/flowscheduler/internal/common/armadacontext"
	"github.com/armadaproject/flowscheduler/internal/common/armadaerrors"
	"github.com/armadaproject/flowscheduler/internal/common/logging"
	"github.com/armadaproject/flowscheduler/internal/scheduler/dispatch"
	"github.com/armadaproject/flowscheduler/internal/scheduler/fault"
	"github.com/armadaproject/flowscheduler/internal/scheduler/jobdb"
	"github.com/armadaproject/flowscheduler/internal/scheduler/model"
)

// onTermination receives the outcome of every launched task.
func (s *Scheduler) onTermination(ctx context.Context, termination dispatch.TaskTermination) {
	s.notify(ctx, "task termination", func(ctx *armadacontext.Context) error {
		return s.terminate(ctx, termination)
	})
}

// onNodeFailure receives the dead nodes found by the liveness check.
func (s *Scheduler) onNodeFailure(failure fault.NodeFailure) {
	s.notify(s.runCtx, "node failure", func(ctx *armadacontext.Context) error {
		job, task, err := s.runningTask(failure.JobId, failure.TaskId, failure.LaunchId)
		if err != nil || task == nil {
			return err
		}
		if entry, ok := job.Result(task.Name()); ok && entry.Handle != nil {
			if err := entry.Handle.Terminate(ctx); err != nil {
				logging.WithStacktrace(ctx.Log, err).Warnf("error terminating task %s on dead node %s", task.Name(), failure.Node)
			}
		}
		return s.terminate(ctx, dispatch.TaskTermination{
			JobId:    failure.JobId,
			TaskId:   failure.TaskId,
			LaunchId: failure.LaunchId,
			Outcome:  model.Outcome{Failure: model.FailureNodeLost, Node: failure.Node},
		})
	})
}

// runningTask returns the task a notification refers to, or a nil task if the notification is about an earlier
// launch of the task.
func (s *Scheduler) runningTask(jobId model.JobId, taskId model.TaskId, launchId string) (*jobdb.Job, *jobdb.Task, error) {
	job := s.jobDb.Get(jobId)
	if job == nil {
		return nil, nil, errors.WithStack(&armadaerrors.ErrNotFound{Type: "job", Value: string(jobId)})
	}
	task, ok := job.Task(taskId)
	if !ok {
		return nil, nil, errors.WithStack(&armadaerrors.ErrNotFound{Type: "task", Value: taskId.String()})
	}
	if task.Status() != model.TaskRunning || task.LaunchId != launchId {
		return job, nil, nil
	}
	return job, task, nil
}

// terminate handles the outcome of a task. Node failures and application errors go to the fault manager; successful
// tasks release their nodes and have their control flow action applied.
func (s *Scheduler) terminate(ctx *armadacontext.Context, termination dispatch.TaskTermination) error {
	job, task, err := s.runningTask(termination.JobId, termination.TaskId, termination.LaunchId)
	if err != nil {
		return err
	}
	if task == nil {
		ctx.Log.Debugf("ignoring termination of launch %s of task %s, which is no longer running",
			termination.LaunchId, termination.TaskId)
		return nil
	}
	ctx = armadacontext.WithLogFields(ctx, map[string]interface{}{"job": job.Id(), "task": task.Name()})
	outcome := termination.Outcome
	result := outcome.Result

	switch outcome.Failed() {
	case model.FailureNodeLost:
		decision, err := s.faults.HandleNodeLost(ctx, job, task, outcome.Node)
		return s.applyDecision(ctx, job, decision, model.FailureNodeLost, err)
	case model.FailureApplication:
		decision, err := s.faults.HandleTaskError(ctx, job, task, &result)
		return s.applyDecision(ctx, job, decision, model.FailureApplication, err)
	}

	action, err := task.Flow.Resolve(result.Flow)
	if err != nil {
		result.Error = err.Error()
		decision, err := s.faults.HandleTaskError(ctx, job, task, &result)
		return s.applyDecision(ctx, job, decision, model.FailureApplication, err)
	}
	if err := s.resourceManager.ReleaseNodes(ctx, task.Nodes, task.CleanupScript); err != nil {
		logging.WithStacktrace(ctx.Log, err).Warnf("error releasing nodes %v", task.Nodes.Names())
	}
	change, err := s.engine.Terminate(ctx, job, task.Id(), &result, action)
	if err != nil {
		return err
	}
	s.metrics.ReportTaskFinished(model.TaskFinished)
	if !change.IsEmpty() {
		s.metrics.ReportControlFlow(action.Kind)
	}
	return nil
}

// applyDecision acts on what the fault manager decided for a failed task.
func (s *Scheduler) applyDecision(ctx *armadacontext.Context, job *jobdb.Job, decision fault.Decision, kind model.FailureKind, err error) error {
	if err != nil {
		return err
	}
	switch decision {
	case fault.Retry:
		s.metrics.ReportRetry(kind)
	case fault.Faulty:
		s.metrics.ReportTaskFinished(model.TaskFaulty)
	case fault.CancelJob:
		s.metrics.ReportTaskFinished(model.TaskFaulty)
		s.finish(ctx, job, model.JobCanceled)
	case fault.FailJob:
		s.metrics.ReportTaskFinished(model.TaskFailed)
		s.finish(ctx, job, model.JobFailed)
	}
	return nil
}
