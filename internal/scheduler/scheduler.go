package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/armadaproject/flowscheduler/internal/common/armadacontext"
	"github.com/armadaproject/flowscheduler/internal/common/logging"
	"github.com/armadaproject/flowscheduler/internal/scheduler/configuration"
	"github.com/armadaproject/flowscheduler/internal/scheduler/controlflow"
	"github.com/armadaproject/flowscheduler/internal/scheduler/dispatch"
	"github.com/armadaproject/flowscheduler/internal/scheduler/events"
	"github.com/armadaproject/flowscheduler/internal/scheduler/fault"
	"github.com/armadaproject/flowscheduler/internal/scheduler/interfaces"
	"github.com/armadaproject/flowscheduler/internal/scheduler/jobdb"
	"github.com/armadaproject/flowscheduler/internal/scheduler/matching"
	"github.com/armadaproject/flowscheduler/internal/scheduler/metrics"
	"github.com/armadaproject/flowscheduler/internal/scheduler/model"
	"github.com/armadaproject/flowscheduler/internal/scheduler/persistence"
	"github.com/armadaproject/flowscheduler/internal/scheduler/policy"
)

// Scheduler owns every job. A single goroutine, the loop started by Run, mutates jobs: it executes the commands sent
// through the public methods and runs the periodic scheduling cycle. Terminations of launched tasks and node failures
// found by the liveness check are queued as urgent commands, which are always executed before other commands and
// before the next cycle.
type Scheduler struct {
	jobDb           *jobdb.JobDb
	policy          policy.Policy
	resourceManager interfaces.ResourceManager
	loader          *dispatch.ContainerLoader
	matcher         *matching.Matcher
	engine          *controlflow.Engine
	faults          *fault.Manager
	persistence     *persistence.WriteBehind
	broker          *events.Broker
	publisher       events.Publisher
	bindings        *fault.BindingSnapshot
	liveness        *fault.LivenessChecker
	// Finished jobs whose result was retrieved, expiring once they are due for removal.
	removals *cache.Cache
	metrics  *metrics.Metrics
	clock    clock.WithTicker

	cyclePeriod       time.Duration
	removalDelay      time.Duration
	deleteRemovedJobs bool
	jobDefaults       configuration.JobDefaults

	state  atomic.Int32
	urgent chan command
	normal chan command
	// Closed once the loop has returned.
	done chan struct{}
	// Context of the goroutines awaiting launched tasks, cancelled when the loop returns.
	runCtx    context.Context
	cancelRun context.CancelFunc
}

func NewScheduler(
	config configuration.Configuration,
	resourceManager interfaces.ResourceManager,
	prober interfaces.NodeProber,
	launcher interfaces.Launcher,
	store persistence.Store,
	schedulingPolicy policy.Policy,
	clock clock.WithTicker,
	m *metrics.Metrics,
) (*Scheduler, error) {
	jobDb, err := jobdb.NewJobDb()
	if err != nil {
		return nil, err
	}
	writeBehind := persistence.NewWriteBehind(
		store,
		config.Persistence.QueueSize,
		config.Persistence.RetryAttempts,
		config.Persistence.RetryDelay,
	)
	writeBehind.OnDropped(func(persistence.Changes) { m.ChangesDropped() })
	loader, err := dispatch.NewContainerLoader(writeBehind, config.ExecutableCacheSize)
	if err != nil {
		return nil, err
	}
	broker := events.NewBroker(config.EventBufferSize)
	broker.OnDropped(m.EventDropped)
	publisher := events.Clocked{Publisher: broker, Clock: clock}

	runCtx, cancelRun := context.WithCancel(context.Background())
	s := &Scheduler{
		jobDb:             jobDb,
		policy:            schedulingPolicy,
		resourceManager:   resourceManager,
		loader:            loader,
		engine:            controlflow.NewEngine(clock, publisher),
		persistence:       writeBehind,
		broker:            broker,
		publisher:         publisher,
		bindings:          &fault.BindingSnapshot{},
		metrics:           m,
		clock:             clock,
		cyclePeriod:       config.CyclePeriod,
		removalDelay:      config.JobRemovalDelay,
		deleteRemovedJobs: config.Persistence.DeleteRemovedJobs,
		jobDefaults:       config.JobDefaults,
		urgent:            make(chan command, config.CommandQueueSize),
		normal:            make(chan command, config.CommandQueueSize),
		done:              make(chan struct{}),
		runCtx:            runCtx,
		cancelRun:         cancelRun,
	}
	backoff := fault.NewIncrementalBackoff(config.Backoff.Increment, config.Backoff.Max)
	s.faults = fault.NewManager(resourceManager, prober, backoff, config.FailureRetryDelay, clock, publisher)
	dispatcher := dispatch.NewDispatcher(runCtx, loader, launcher, resourceManager, jobDb, publisher, s.onTermination, clock)
	s.matcher = matching.NewMatcher(resourceManager, dispatcher)
	s.liveness = fault.NewLivenessChecker(prober, s.bindings, s.onNodeFailure)
	s.removals = newRemovalTimers(s.onRemovalDue)
	return s, nil
}

// Run starts the loop and the persistence writer. It returns once ctx is cancelled or the scheduler is killed, after
// the writer has stored every change made by the loop.
func (s *Scheduler) Run(ctx *armadacontext.Context) error {
	ctx, cancel := armadacontext.WithCancel(ctx)
	defer cancel()
	g, gctx := armadacontext.ErrGroup(ctx)
	g.Go(func() error {
		return s.persistence.Run(gctx)
	})
	g.Go(func() error {
		defer cancel()
		return s.loop(gctx)
	})
	return g.Wait()
}

func (s *Scheduler) loop(ctx *armadacontext.Context) error {
	defer close(s.done)
	defer s.cancelRun()
	ticker := s.clock.NewTicker(s.cyclePeriod)
	defer ticker.Stop()
	ctx.Log.Infof("scheduler started, cycle period %s", s.cyclePeriod)
	for {
		select {
		case cmd := <-s.urgent:
			s.execute(ctx, cmd)
			continue
		default:
		}
		select {
		case <-ctx.Done():
			ctx.Log.Info("scheduler stopping")
			return nil
		case cmd := <-s.urgent:
			s.execute(ctx, cmd)
		case cmd := <-s.normal:
			s.execute(ctx, cmd)
		case <-ticker.C():
			s.cycle(ctx)
		}
		if s.State() == StateKilled {
			ctx.Log.Info("scheduler killed")
			return nil
		}
	}
}

// cycle returns waiting tasks whose retry is due to PENDING, places eligible tasks if the state allows it, finishes
// complete jobs and hands every change over to persistence.
func (s *Scheduler) cycle(ctx *armadacontext.Context) {
	start := s.clock.Now()
	defer func() {
		if r := recover(); r != nil {
			ctx.Log.Errorf("recovered from panic in scheduling cycle: %v", r)
		}
	}()

	active := s.jobDb.Jobs(jobdb.PendingJobs, jobdb.RunningJobs)
	for _, job := range active {
		if promoted := job.PromoteWaiting(start); len(promoted) > 0 {
			ctx.Log.Debugf("%d tasks of job %s are due for retry", len(promoted), job.Id())
		}
	}

	result := matching.Result{}
	if state := s.State(); state.placesTasks() {
		candidates := active
		if state == StatePaused {
			candidates = s.jobDb.Jobs(jobdb.RunningJobs)
		}
		refs := s.policy.Order(policy.Describe(candidates))
		var err error
		result, err = s.matcher.Match(ctx, refs)
		if err != nil {
			s.handleMatchingError(ctx, err)
		}
	}
	s.finishCompleteJobs(ctx)
	s.bindings.Replace(fault.BindingsOf(s.jobDb.Jobs(jobdb.RunningJobs)))
	s.removals.DeleteExpired()
	s.flush()

	s.metrics.ReportCycle(s.clock.Since(start), result)
	s.metrics.ReportJobCounts(s.jobDb)
}

func (s *Scheduler) handleMatchingError(ctx *armadacontext.Context, err error) {
	if errors.Is(err, interfaces.ErrResourceManagerUnreachable) || !s.resourceManager.IsAlive(ctx) {
		logging.WithStacktrace(ctx.Log, err).Error("resource manager unreachable, unlinking scheduler")
		s.setState(StateUnlinked)
		return
	}
	logging.WithStacktrace(ctx.Log, err).Warn("error matching tasks to nodes")
}

func (s *Scheduler) finishCompleteJobs(ctx *armadacontext.Context) {
	for _, job := range s.jobDb.Jobs(jobdb.PendingJobs, jobdb.RunningJobs) {
		if job.IsComplete() && !job.InTerminalState() {
			s.finish(ctx, job, model.JobFinished)
		}
	}
}

// finish terminates a job, stopping its running tasks, and moves it to the finished set.
func (s *Scheduler) finish(ctx *armadacontext.Context, job *jobdb.Job, status model.JobStatus) {
	ctx = armadacontext.WithLogField(ctx, "job", job.Id())
	if err := s.faults.TerminateJob(ctx, job, status); err != nil {
		logging.WithStacktrace(ctx.Log, err).Warnf("job terminated as %s with errors", status)
	}
	if err := s.jobDb.TransitionToFinished(job.Id()); err != nil {
		logging.WithStacktrace(ctx.Log, err).Error("job could not be moved to the finished set")
		return
	}
	s.publisher.Publish(events.ForJob(events.JobRunningToFinished, job))
	s.metrics.ReportJobFinished(status)
	ctx.Log.Infof("job finished as %s, %d of %d tasks finished", status, job.FinishedCount(), job.TotalCount())
}

// flush hands the changes of every job over to persistence.
func (s *Scheduler) flush() {
	for _, job := range s.jobDb.Jobs() {
		if dirty := job.DrainDirty(); !dirty.IsEmpty() {
			s.persistence.Persist(persistence.ChangesOf(job, dirty))
		}
	}
}

func (s *Scheduler) State() State {
	return State(s.state.Load())
}

func (s *Scheduler) setState(state State) {
	if previous := State(s.state.Swap(int32(state))); previous != state {
		s.publisher.Publish(events.Event{Type: events.SchedulerStateChanged, Message: state.String()})
	}
}

// CheckLiveness probes the nodes of running tasks, queueing a node failure for the loop for each dead one.
func (s *Scheduler) CheckLiveness() {
	s.liveness.Sweep(s.runCtx)
}

// Subscribe returns the events of one job, or of every job and of the scheduler itself if jobId is empty.
func (s *Scheduler) Subscribe(jobId model.JobId) *events.Subscription {
	return s.broker.Subscribe(jobId)
}
