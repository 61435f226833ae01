package scheduler

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/armadaproject/flowscheduler/internal/common/armadacontext"
	"github.com/armadaproject/flowscheduler/internal/common/armadaerrors"
	"github.com/armadaproject/flowscheduler/internal/common/logging"
	"github.com/armadaproject/flowscheduler/internal/common/util"
	"github.com/armadaproject/flowscheduler/internal/scheduler/events"
	"github.com/armadaproject/flowscheduler/internal/scheduler/jobdb"
	"github.com/armadaproject/flowscheduler/internal/scheduler/jobspec"
	"github.com/armadaproject/flowscheduler/internal/scheduler/model"
)

const awaitPollInterval = time.Second

// ErrStopped is returned by requests made after the loop has returned.
var ErrStopped = errors.New("scheduler stopped")

// command is executed by the loop. fail answers the caller if run panics.
type command struct {
	name string
	run  func(ctx *armadacontext.Context)
	fail func(err error)
}

// execute runs one command. A command that panics is logged and answered with an error; the loop carries on.
func (s *Scheduler) execute(ctx *armadacontext.Context, cmd command) {
	defer s.flush()
	defer func() {
		if r := recover(); r != nil {
			err := errors.Errorf("%s command panicked: %v", cmd.name, r)
			logging.WithStacktrace(ctx.Log, err).Error("recovered from panic")
			if cmd.fail != nil {
				cmd.fail(err)
			}
		}
	}()
	cmd.run(ctx)
}

func (s *Scheduler) enqueue(ctx context.Context, queue chan command, cmd command) error {
	select {
	case <-s.done:
		return errors.WithStack(ErrStopped)
	default:
	}
	select {
	case queue <- cmd:
		return nil
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	case <-s.done:
		return errors.WithStack(ErrStopped)
	}
}

// call executes f on the loop and waits for its result.
func call[T any](ctx context.Context, s *Scheduler, queue chan command, name string, f func(ctx *armadacontext.Context) (T, error)) (T, error) {
	type reply struct {
		value T
		err   error
	}
	replies := make(chan reply, 1)
	cmd := command{
		name: name,
		run: func(ctx *armadacontext.Context) {
			value, err := f(ctx)
			replies <- reply{value: value, err: err}
		},
		fail: func(err error) {
			select {
			case replies <- reply{err: err}:
			default:
			}
		},
	}
	var zero T
	if err := s.enqueue(ctx, queue, cmd); err != nil {
		return zero, err
	}
	select {
	case r := <-replies:
		return r.value, r.err
	case <-ctx.Done():
		return zero, errors.WithStack(ctx.Err())
	case <-s.done:
		select {
		case r := <-replies:
			return r.value, r.err
		default:
			return zero, errors.WithStack(ErrStopped)
		}
	}
}

// notify queues f on the loop without waiting. Errors are logged: those of the invariant class are expected when
// notifications race the removal of a job, and are ignored.
func (s *Scheduler) notify(ctx context.Context, name string, f func(ctx *armadacontext.Context) error) {
	cmd := command{
		name: name,
		run: func(ctx *armadacontext.Context) {
			if err := f(ctx); err != nil {
				s.logCommandError(ctx, name, err)
			}
		},
	}
	if err := s.enqueue(ctx, s.urgent, cmd); err != nil {
		log.Debugf("dropping %s notification: %s", name, err)
	}
}

func (s *Scheduler) logCommandError(ctx *armadacontext.Context, name string, err error) {
	switch armadaerrors.ClassFromError(err) {
	case armadaerrors.ClassInvariant, armadaerrors.ClassSubmission:
		ctx.Log.Warnf("ignoring %s: %s", name, err)
	default:
		logging.WithStacktrace(ctx.Log, err).Errorf("error handling %s", name)
	}
}

// Submit validates a job definition and adds the job to the pending set. Executables are stored and dropped from
// memory until their task is dispatched. Rejected while the scheduler is unlinked.
func (s *Scheduler) Submit(ctx context.Context, def jobdb.JobDefinition) (model.JobId, error) {
	return call(ctx, s, s.normal, "submit", func(ctx *armadacontext.Context) (model.JobId, error) {
		return s.submit(ctx, def)
	})
}

// SubmitSpec submits a job description, filling in the configured defaults.
func (s *Scheduler) SubmitSpec(ctx context.Context, spec *jobspec.JobSpec) (model.JobId, error) {
	spec.ApplyDefaults(s.jobDefaults.Priority, s.jobDefaults.RestartMode)
	def, err := spec.ToDefinition()
	if err != nil {
		return "", errors.WithStack(&armadaerrors.ErrInvalidArgument{Name: "job", Value: spec.Name, Message: err.Error()})
	}
	return s.Submit(ctx, def)
}

func (s *Scheduler) submit(ctx *armadacontext.Context, def jobdb.JobDefinition) (model.JobId, error) {
	if s.State() == StateUnlinked {
		return "", errors.WithStack(&armadaerrors.ErrUnlinked{Message: "job submission rejected"})
	}
	id := model.JobId(util.NewULIDAt(s.clock.Now()))
	job, err := jobdb.BuildJob(id, def, s.clock.Now())
	if err != nil {
		return "", err
	}
	executables := map[model.TaskId]model.Executable{}
	for _, task := range job.Graph().Tasks() {
		if task.Executable != nil {
			executables[task.Id()] = *task.Executable
		}
	}
	if err := s.persistence.SaveExecutables(ctx, id, executables); err != nil {
		return "", errors.WithMessagef(err, "error storing executables of job %s", id)
	}
	for _, task := range job.Graph().Tasks() {
		task.Executable = nil
	}
	if err := s.jobDb.Submit(job); err != nil {
		return "", err
	}
	s.publisher.Publish(events.ForJob(events.JobSubmitted, job))
	ctx.Log.WithField("job", id).Infof("submitted job %q of %s with %d tasks", def.Name, def.Owner, job.TotalCount())
	return id, nil
}

// Pause stops jobs that have not started yet from starting. Running jobs carry on.
func (s *Scheduler) Pause(ctx context.Context) error {
	return s.changeState(ctx, "pause", StatePaused)
}

// Freeze stops every placement. Running tasks carry on.
func (s *Scheduler) Freeze(ctx context.Context) error {
	return s.changeState(ctx, "freeze", StateFrozen)
}

// Resume undoes Pause and Freeze. An unlinked scheduler has to be relinked instead.
func (s *Scheduler) Resume(ctx context.Context) error {
	return s.changeState(ctx, "resume", StateStarted)
}

func (s *Scheduler) changeState(ctx context.Context, name string, to State) error {
	_, err := call(ctx, s, s.urgent, name, func(ctx *armadacontext.Context) (struct{}, error) {
		if s.State() == StateUnlinked {
			return struct{}{}, errors.WithStack(&armadaerrors.ErrUnlinked{Message: name + " rejected"})
		}
		s.setState(to)
		ctx.Log.Infof("scheduler %s", to)
		return struct{}{}, nil
	})
	return err
}

// Relink leaves the unlinked state if the resource manager can be reached again.
func (s *Scheduler) Relink(ctx context.Context) error {
	_, err := call(ctx, s, s.urgent, "relink", func(ctx *armadacontext.Context) (struct{}, error) {
		if s.State() != StateUnlinked {
			return struct{}{}, nil
		}
		if !s.resourceManager.IsAlive(ctx) {
			return struct{}{}, errors.WithStack(&armadaerrors.ErrUnlinked{Message: "resource manager still unreachable"})
		}
		s.setState(StateStarted)
		ctx.Log.Info("scheduler relinked to its resource manager")
		return struct{}{}, nil
	})
	return err
}

// Kill kills every job that has not finished and stops the loop.
func (s *Scheduler) Kill(ctx context.Context) error {
	_, err := call(ctx, s, s.urgent, "kill", func(ctx *armadacontext.Context) (struct{}, error) {
		for _, job := range s.jobDb.Jobs(jobdb.PendingJobs, jobdb.RunningJobs) {
			if !job.InTerminalState() {
				s.finish(ctx, job, model.JobKilled)
			}
		}
		s.setState(StateKilled)
		return struct{}{}, nil
	})
	return err
}

// KillJob stops the running tasks of a job and finishes it as KILLED. Killing a finished job does nothing. Once a
// finished job has been removed, KillJob returns ErrNotFound like for any other unknown job.
func (s *Scheduler) KillJob(ctx context.Context, id model.JobId) error {
	_, err := call(ctx, s, s.urgent, "kill job", func(ctx *armadacontext.Context) (struct{}, error) {
		job, err := s.job(id)
		if err != nil {
			return struct{}{}, err
		}
		if !job.InTerminalState() {
			s.finish(ctx, job, model.JobKilled)
		}
		return struct{}{}, nil
	})
	return err
}

// PauseJob stops the tasks of a job that have not started from starting.
func (s *Scheduler) PauseJob(ctx context.Context, id model.JobId) error {
	_, err := call(ctx, s, s.urgent, "pause job", func(ctx *armadacontext.Context) (struct{}, error) {
		job, err := s.job(id)
		if err != nil {
			return struct{}{}, err
		}
		wasPaused := job.IsPaused()
		paused, err := job.Pause()
		if err != nil {
			return struct{}{}, err
		}
		if !wasPaused && job.IsPaused() {
			s.publisher.Publish(events.ForJob(events.JobPaused, job, s.tasks(job, paused)...))
			ctx.Log.WithField("job", id).Infof("paused %d tasks", len(paused))
		}
		return struct{}{}, nil
	})
	return err
}

func (s *Scheduler) ResumeJob(ctx context.Context, id model.JobId) error {
	_, err := call(ctx, s, s.urgent, "resume job", func(ctx *armadacontext.Context) (struct{}, error) {
		job, err := s.job(id)
		if err != nil {
			return struct{}{}, err
		}
		wasPaused := job.IsPaused()
		resumed, err := job.Resume()
		if err != nil {
			return struct{}{}, err
		}
		if wasPaused {
			s.publisher.Publish(events.ForJob(events.JobResumed, job, s.tasks(job, resumed)...))
			ctx.Log.WithField("job", id).Infof("resumed %d tasks", len(resumed))
		}
		return struct{}{}, nil
	})
	return err
}

// JobResult describes a job and the results its tasks produced so far.
type JobResult struct {
	Id            model.JobId
	Name          string
	Owner         string
	Status        model.JobStatus
	SubmittedTime time.Time
	StartTime     time.Time
	FinishedTime  time.Time
	TotalCount    int
	FinishedCount int
	// Result of the task that made the job fail, if any.
	Cause   *model.TaskResult
	Results map[string]model.TaskResult
}

// GetJobResult returns the state and results of a job. Retrieving the result of a finished job schedules its
// removal from the registry after the removal delay.
func (s *Scheduler) GetJobResult(ctx context.Context, id model.JobId) (*JobResult, error) {
	return call(ctx, s, s.normal, "get job result", func(ctx *armadacontext.Context) (*JobResult, error) {
		job, err := s.job(id)
		if err != nil {
			return nil, err
		}
		if job.InTerminalState() {
			s.scheduleRemoval(ctx, job)
		}
		var cause *model.TaskResult
		if c := job.Cause(); c != nil {
			copied := *c
			cause = &copied
		}
		return &JobResult{
			Id:            job.Id(),
			Name:          job.Name(),
			Owner:         job.Owner(),
			Status:        job.Status(),
			SubmittedTime: job.SubmittedTime(),
			StartTime:     job.StartTime(),
			FinishedTime:  job.FinishedTime(),
			TotalCount:    job.TotalCount(),
			FinishedCount: job.FinishedCount(),
			Cause:         cause,
			Results:       job.Results(),
		}, nil
	})
}

// AwaitJob waits until a job has finished and returns its result, which schedules the job's removal.
func (s *Scheduler) AwaitJob(ctx context.Context, id model.JobId) (*JobResult, error) {
	subscription := s.Subscribe(id)
	defer subscription.Close()
	for {
		finished, err := call(ctx, s, s.normal, "job status", func(*armadacontext.Context) (bool, error) {
			job, err := s.job(id)
			if err != nil {
				return false, err
			}
			return job.InTerminalState(), nil
		})
		if err != nil {
			return nil, err
		}
		if finished {
			return s.GetJobResult(ctx, id)
		}
		// Events only prompt the next check, so dropped ones merely delay it.
		select {
		case <-subscription.C:
		case <-time.After(awaitPollInterval):
		case <-ctx.Done():
			return nil, errors.WithStack(ctx.Err())
		}
	}
}

// GetTaskResult returns the latest result of a task. It is queued with termination notifications so that it is
// never held up by submissions. Results of removed jobs are read back from persistence.
func (s *Scheduler) GetTaskResult(ctx context.Context, id model.JobId, taskName string) (*model.TaskResult, error) {
	return call(ctx, s, s.urgent, "get task result", func(ctx *armadacontext.Context) (*model.TaskResult, error) {
		job := s.jobDb.Get(id)
		if job == nil {
			return s.persistence.LoadResult(ctx, id, taskName)
		}
		entry, ok := job.Result(taskName)
		if !ok {
			return nil, errors.WithStack(&armadaerrors.ErrNotFound{Type: "task", Value: taskName})
		}
		if entry.Result == nil {
			return nil, errors.WithStack(&armadaerrors.ErrNotFound{
				Type: "result", Value: taskName, Message: "the task has not produced a result yet",
			})
		}
		result := *entry.Result
		return &result, nil
	})
}

func (s *Scheduler) job(id model.JobId) (*jobdb.Job, error) {
	job := s.jobDb.Get(id)
	if job == nil {
		return nil, errors.WithStack(&armadaerrors.ErrNotFound{Type: "job", Value: string(id)})
	}
	return job, nil
}

func (s *Scheduler) tasks(job *jobdb.Job, ids []model.TaskId) []*jobdb.Task {
	tasks := make([]*jobdb.Task, 0, len(ids))
	for _, id := range ids {
		if task, ok := job.Task(id); ok {
			tasks = append(tasks, task)
		}
	}
	return tasks
}
