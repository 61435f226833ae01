package jobdb

import (
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/armadaproject/flowscheduler/internal/common/armadaerrors"
	"github.com/armadaproject/flowscheduler/internal/scheduler/interfaces"
	"github.com/armadaproject/flowscheduler/internal/scheduler/model"
)

// ResultEntry is the slot for one task in a job's result container.
// Entries for tasks that have not produced a result yet, including tasks created by control flow, are placeholders
// with a nil Result.
type ResultEntry struct {
	TaskId model.TaskId
	// Set while the task runs.
	Handle interfaces.LaunchHandle
	// Result of the latest execution. Overwritten when the task is retried.
	Result *model.TaskResult
}

// Job is the scheduler-internal representation of a job and the sole owner of its tasks.
// Every task status change goes through the Job, which keeps
// pendingCount + runningCount + finishedCount == totalTaskCount.
// A Job is not threadsafe; it is only mutated by the scheduler loop.
type Job struct {
	id            model.JobId
	name          string
	owner         string
	priority      model.Priority
	status        model.JobStatus
	submittedTime time.Time
	startTime     time.Time
	finishedTime  time.Time
	cancelOnError bool
	// Paused by the user. Overlays status.
	paused bool

	totalCount    int
	pendingCount  int
	runningCount  int
	finishedCount int

	graph   *TaskGraph
	nextSeq uint32
	// Keyed by task name.
	results map[string]*ResultEntry
	// Result of the task that caused the job to fail.
	cause *model.TaskResult

	// When the job may be removed from the registry. Zero until its result has been retrieved.
	removalDue time.Time

	jobDirty     bool
	dirtyTasks   map[model.TaskId]bool
	dirtyResults map[string]bool
}

func newJob(id model.JobId, name string, owner string, priority model.Priority, cancelOnError bool, submitted time.Time) *Job {
	return &Job{
		id:            id,
		name:          name,
		owner:         owner,
		priority:      priority,
		status:        model.JobPending,
		submittedTime: submitted,
		cancelOnError: cancelOnError,
		graph:         newTaskGraph(),
		results:       map[string]*ResultEntry{},
		jobDirty:      true,
		dirtyTasks:    map[model.TaskId]bool{},
		dirtyResults:  map[string]bool{},
	}
}

func (job *Job) Id() model.JobId {
	return job.id
}

func (job *Job) Name() string {
	return job.name
}

func (job *Job) Owner() string {
	return job.owner
}

func (job *Job) Priority() model.Priority {
	return job.priority
}

func (job *Job) Status() model.JobStatus {
	return job.status
}

func (job *Job) SubmittedTime() time.Time {
	return job.submittedTime
}

func (job *Job) StartTime() time.Time {
	return job.startTime
}

func (job *Job) FinishedTime() time.Time {
	return job.finishedTime
}

func (job *Job) CancelOnError() bool {
	return job.cancelOnError
}

func (job *Job) IsPaused() bool {
	return job.paused
}

func (job *Job) TotalCount() int {
	return job.totalCount
}

func (job *Job) PendingCount() int {
	return job.pendingCount
}

func (job *Job) RunningCount() int {
	return job.runningCount
}

func (job *Job) FinishedCount() int {
	return job.finishedCount
}

func (job *Job) Cause() *model.TaskResult {
	return job.cause
}

func (job *Job) RemovalDue() time.Time {
	return job.removalDue
}

// Graph exposes the task graph for reading. Mutations go through the Job.
func (job *Job) Graph() *TaskGraph {
	return job.graph
}

func (job *Job) Task(id model.TaskId) (*Task, bool) {
	return job.graph.Get(id)
}

func (job *Job) TaskByName(name string) (*Task, bool) {
	return job.graph.ByName(name)
}

// IsComplete returns true once every task is in a terminal state.
func (job *Job) IsComplete() bool {
	return job.finishedCount == job.totalCount
}

// InTerminalState returns true if the job is in a terminal state.
func (job *Job) InTerminalState() bool {
	return job.status.IsTerminal()
}

// CheckCounters recomputes the task counters from the task statuses and returns an error if they disagree with
// the maintained values.
func (job *Job) CheckCounters() error {
	var counts [3]int
	for _, task := range job.graph.tasks {
		counts[category(task.status)]++
	}
	if counts[pendingCategory] != job.pendingCount ||
		counts[runningCategory] != job.runningCount ||
		counts[finishedCategory] != job.finishedCount ||
		job.graph.Len() != job.totalCount ||
		job.pendingCount+job.runningCount+job.finishedCount != job.totalCount {
		return errors.Errorf(
			"job %s counters pending=%d running=%d finished=%d total=%d disagree with tasks pending=%d running=%d finished=%d total=%d",
			job.id, job.pendingCount, job.runningCount, job.finishedCount, job.totalCount,
			counts[pendingCategory], counts[runningCategory], counts[finishedCategory], job.graph.Len(),
		)
	}
	return nil
}

func (job *Job) nextTaskId() model.TaskId {
	id := model.TaskId{Job: job.id, Seq: job.nextSeq}
	job.nextSeq++
	return id
}

func (job *Job) addTask(task *Task) error {
	if err := job.graph.add(task); err != nil {
		return err
	}
	job.totalCount++
	job.adjustCounters(category(task.status), 1)
	job.results[task.name] = &ResultEntry{TaskId: task.id}
	job.touch(task.id)
	job.dirtyResults[task.name] = true
	return nil
}

// InsertClone adds a copy of original named name to the job. The copy has never executed, carries the same
// dependencies as original and starts PENDING, or PAUSED if the job is paused. A placeholder result entry is created
// for it.
func (job *Job) InsertClone(original *Task, name string, iteration int, replication int) (*Task, error) {
	clone := original.clone(job.nextTaskId(), name)
	clone.IterationIndex = iteration
	clone.ReplicationIndex = replication
	if job.paused {
		clone.status = model.TaskPaused
	}
	if err := job.addTask(clone); err != nil {
		return nil, err
	}
	return clone, nil
}

func (job *Job) AddDependency(task model.TaskId, dep model.TaskId) error {
	if err := job.graph.addDependency(task, dep); err != nil {
		return err
	}
	job.touch(task)
	return nil
}

func (job *Job) RemoveDependency(task model.TaskId, dep model.TaskId) {
	job.graph.removeDependency(task, dep)
	job.touch(task)
}

// Touch marks a task as changed so that it is persisted with the next drain.
func (job *Job) Touch(id model.TaskId) {
	job.touch(id)
}

func (job *Job) touch(id model.TaskId) {
	job.dirtyTasks[id] = true
	job.jobDirty = true
}

// markPending moves every submitted task to PENDING.
func (job *Job) markPending() {
	for _, task := range job.graph.tasks {
		if task.status == model.TaskSubmitted {
			_ = job.setTaskStatus(task, model.TaskPending)
		}
	}
}

// StartTask binds a PENDING task whose dependencies are all satisfied to nodes and marks it RUNNING.
// The job moves to RUNNING if it was PENDING or STALLED.
func (job *Job) StartTask(id model.TaskId, nodes model.NodeSet, launchId string, now time.Time) error {
	task, err := job.task(id)
	if err != nil {
		return err
	}
	if !job.graph.IsEligible(task) {
		return errors.WithStack(&armadaerrors.ErrIllegalTransition{
			Type: "task", Id: id.String(), From: task.status.String() + " (not eligible)", To: model.TaskRunning.String(),
		})
	}
	if err := job.setTaskStatus(task, model.TaskRunning); err != nil {
		return err
	}
	task.StartTime = now
	task.FinishedTime = time.Time{}
	task.Nodes = nodes
	task.LaunchId = launchId
	task.RetryAt = time.Time{}
	if job.startTime.IsZero() {
		job.startTime = now
	}
	if job.status == model.JobPending || job.status == model.JobStalled {
		return job.setStatus(model.JobRunning)
	}
	return nil
}

// RegisterHandle records the handle of a launched task in the result container.
func (job *Job) RegisterHandle(id model.TaskId, handle interfaces.LaunchHandle) error {
	task, err := job.task(id)
	if err != nil {
		return err
	}
	entry := job.entry(task)
	entry.Handle = handle
	return nil
}

// FinishTask moves a RUNNING task to the terminal status to, recording result if it is not nil.
func (job *Job) FinishTask(id model.TaskId, to model.TaskStatus, result *model.TaskResult, now time.Time) error {
	task, err := job.task(id)
	if err != nil {
		return err
	}
	if !to.IsTerminal() || task.status != model.TaskRunning {
		return errors.WithStack(&armadaerrors.ErrIllegalTransition{
			Type: "task", Id: id.String(), From: task.status.String(), To: to.String(),
		})
	}
	if err := job.setTaskStatus(task, to); err != nil {
		return err
	}
	task.FinishedTime = now
	job.unbind(task, result)
	job.updateStalled()
	return nil
}

// WaitTask moves a RUNNING task to one of the waiting states, from which PromoteWaiting returns it to PENDING once
// retryAt has passed. The job keeps its status: a task awaiting a retry doesn't stall it.
func (job *Job) WaitTask(id model.TaskId, to model.TaskStatus, retryAt time.Time, result *model.TaskResult) error {
	task, err := job.task(id)
	if err != nil {
		return err
	}
	if !to.IsWaiting() {
		return errors.WithStack(&armadaerrors.ErrIllegalTransition{
			Type: "task", Id: id.String(), From: task.status.String(), To: to.String(),
		})
	}
	if err := job.setTaskStatus(task, to); err != nil {
		return err
	}
	task.RetryAt = retryAt
	job.unbind(task, result)
	return nil
}

func (job *Job) unbind(task *Task, result *model.TaskResult) {
	task.Nodes = nil
	task.LaunchId = ""
	entry := job.entry(task)
	entry.Handle = nil
	if result != nil {
		r := *result
		r.TaskName = task.name
		entry.Result = &r
		job.dirtyResults[task.name] = true
	}
}

// PromoteWaiting returns waiting tasks whose retry time has passed to PENDING.
func (job *Job) PromoteWaiting(now time.Time) []model.TaskId {
	if job.paused || job.status.IsTerminal() {
		return nil
	}
	var promoted []model.TaskId
	for _, task := range job.graph.Tasks() {
		if task.status.IsWaiting() && !task.RetryAt.After(now) {
			if err := job.setTaskStatus(task, model.TaskPending); err == nil {
				task.RetryAt = time.Time{}
				promoted = append(promoted, task.id)
			}
		}
	}
	return promoted
}

// SkipTask marks a task that never ran SKIPPED, with zero execution duration.
func (job *Job) SkipTask(id model.TaskId, now time.Time) error {
	task, err := job.task(id)
	if err != nil {
		return err
	}
	if err := job.setTaskStatus(task, model.TaskSkipped); err != nil {
		return err
	}
	task.Gated = false
	task.StartTime = now
	task.FinishedTime = now
	return nil
}

// AbandonTask marks a task that will never run NOT_STARTED.
func (job *Job) AbandonTask(id model.TaskId, now time.Time) error {
	task, err := job.task(id)
	if err != nil {
		return err
	}
	if err := job.setTaskStatus(task, model.TaskNotStarted); err != nil {
		return err
	}
	task.FinishedTime = now
	return nil
}

// Pause applies the PAUSED overlay: every task that has not started, or is waiting to be retried, is PAUSED.
// Running tasks are unaffected. Returns the ids of the paused tasks.
func (job *Job) Pause() ([]model.TaskId, error) {
	if job.status.IsTerminal() || job.paused {
		return nil, nil
	}
	if err := job.setStatus(model.JobPaused); err != nil {
		return nil, err
	}
	job.paused = true
	var paused []model.TaskId
	for _, task := range job.graph.Tasks() {
		switch task.status {
		case model.TaskSubmitted, model.TaskPending, model.TaskWaitingOnError, model.TaskWaitingOnFailure:
			if err := job.setTaskStatus(task, model.TaskPaused); err != nil {
				return paused, err
			}
			task.RetryAt = time.Time{}
			paused = append(paused, task.id)
		}
	}
	return paused, nil
}

// Resume removes the PAUSED overlay. Returns the ids of the resumed tasks.
func (job *Job) Resume() ([]model.TaskId, error) {
	if job.status.IsTerminal() || !job.paused {
		return nil, nil
	}
	job.paused = false
	var resumed []model.TaskId
	for _, task := range job.graph.Tasks() {
		if task.status == model.TaskPaused {
			if err := job.setTaskStatus(task, model.TaskPending); err != nil {
				return resumed, err
			}
			resumed = append(resumed, task.id)
		}
	}
	switch {
	case job.startTime.IsZero():
		return resumed, job.setStatus(model.JobPending)
	case job.runningCount > 0 || job.IsComplete():
		return resumed, job.setStatus(model.JobRunning)
	default:
		return resumed, job.setStatus(model.JobStalled)
	}
}

// BoundTask describes a task that held nodes when its job terminated.
type BoundTask struct {
	TaskId model.TaskId
	Nodes  model.NodeSet
	Handle interfaces.LaunchHandle
}

// Terminate moves the job to the terminal status to. Running tasks are ABORTED, waiting tasks NOT_RESTARTED and
// every other non-terminal task NOT_STARTED. Returns the tasks that were running, so that their nodes can be released.
func (job *Job) Terminate(to model.JobStatus, now time.Time) ([]BoundTask, error) {
	if !to.IsTerminal() {
		return nil, errors.WithStack(&armadaerrors.ErrIllegalTransition{
			Type: "job", Id: string(job.id), From: job.status.String(), To: to.String(),
		})
	}
	var bound []BoundTask
	for _, task := range job.graph.Tasks() {
		if task.status.IsTerminal() {
			continue
		}
		var next model.TaskStatus
		switch {
		case task.status == model.TaskRunning:
			next = model.TaskAborted
			bound = append(bound, BoundTask{TaskId: task.id, Nodes: task.Nodes, Handle: job.entry(task).Handle})
		case task.status.IsWaiting():
			next = model.TaskNotRestarted
		default:
			next = model.TaskNotStarted
		}
		if err := job.setTaskStatus(task, next); err != nil {
			return bound, err
		}
		task.FinishedTime = now
		job.unbind(task, nil)
	}
	if err := job.setStatus(to); err != nil {
		return bound, err
	}
	job.paused = false
	job.finishedTime = now
	return bound, nil
}

// SetCause records the result that made the job fail.
func (job *Job) SetCause(result *model.TaskResult) {
	job.cause = result
	job.jobDirty = true
}

// MarkForRemoval sets the time after which the job may be removed from the registry.
func (job *Job) MarkForRemoval(due time.Time) {
	job.removalDue = due
}

// Result returns the result container entry of the named task.
func (job *Job) Result(name string) (*ResultEntry, bool) {
	entry, ok := job.results[name]
	return entry, ok
}

// Results returns every result produced so far, keyed by task name.
func (job *Job) Results() map[string]model.TaskResult {
	results := make(map[string]model.TaskResult, len(job.results))
	for name, entry := range job.results {
		if entry.Result != nil {
			results[name] = *entry.Result
		}
	}
	return results
}

// ResultNames returns the names of every slot in the result container, placeholders included, sorted.
func (job *Job) ResultNames() []string {
	names := maps.Keys(job.results)
	slices.Sort(names)
	return names
}

// PriorResults returns the results of the dependencies of a task, in dependency order.
func (job *Job) PriorResults(id model.TaskId) []model.TaskResult {
	task, ok := job.graph.Get(id)
	if !ok {
		return nil
	}
	var results []model.TaskResult
	for _, dep := range task.dependencies {
		if entry, ok := job.results[job.graph.tasks[dep].name]; ok && entry.Result != nil {
			results = append(results, *entry.Result)
		}
	}
	return results
}

// Dirty is the set of changes made to a job since the previous drain.
type Dirty struct {
	Job     bool
	Tasks   []*Task
	Results map[string]model.TaskResult
}

func (d Dirty) IsEmpty() bool {
	return !d.Job && len(d.Tasks) == 0 && len(d.Results) == 0
}

// DrainDirty returns and clears the set of changes made since the previous call.
func (job *Job) DrainDirty() Dirty {
	dirty := Dirty{Job: job.jobDirty, Results: map[string]model.TaskResult{}}
	for id := range job.dirtyTasks {
		if task, ok := job.graph.Get(id); ok {
			dirty.Tasks = append(dirty.Tasks, task)
		}
	}
	slices.SortFunc(dirty.Tasks, func(a, b *Task) bool { return a.id.Less(b.id) })
	for name := range job.dirtyResults {
		if entry := job.results[name]; entry != nil && entry.Result != nil {
			dirty.Results[name] = *entry.Result
		}
	}
	job.jobDirty = false
	job.dirtyTasks = map[model.TaskId]bool{}
	job.dirtyResults = map[string]bool{}
	return dirty
}

func (job *Job) task(id model.TaskId) (*Task, error) {
	task, ok := job.graph.Get(id)
	if !ok {
		return nil, errors.WithStack(&armadaerrors.ErrNotFound{Type: "task", Value: id.String()})
	}
	return task, nil
}

func (job *Job) entry(task *Task) *ResultEntry {
	entry, ok := job.results[task.name]
	if !ok {
		entry = &ResultEntry{TaskId: task.id}
		job.results[task.name] = entry
	}
	return entry
}

func (job *Job) updateStalled() {
	if job.status == model.JobRunning && job.runningCount == 0 && !job.IsComplete() {
		_ = job.setStatus(model.JobStalled)
	}
}

const (
	pendingCategory = iota
	runningCategory
	finishedCategory
)

// category maps a task status to the counter it is accounted in.
func category(status model.TaskStatus) int {
	switch {
	case status == model.TaskRunning:
		return runningCategory
	case status.IsTerminal():
		return finishedCategory
	default:
		return pendingCategory
	}
}

func (job *Job) adjustCounters(cat int, delta int) {
	switch cat {
	case pendingCategory:
		job.pendingCount += delta
	case runningCategory:
		job.runningCount += delta
	case finishedCategory:
		job.finishedCount += delta
	}
}

var legalTaskTransitions = map[model.TaskStatus][]model.TaskStatus{
	model.TaskSubmitted: {model.TaskPending, model.TaskPaused, model.TaskSkipped, model.TaskNotStarted},
	model.TaskPending:   {model.TaskRunning, model.TaskPaused, model.TaskSkipped, model.TaskNotStarted},
	model.TaskPaused:    {model.TaskPending, model.TaskSkipped, model.TaskNotStarted},
	model.TaskRunning: {
		model.TaskFinished, model.TaskFaulty, model.TaskFailed, model.TaskAborted,
		model.TaskWaitingOnError, model.TaskWaitingOnFailure,
	},
	model.TaskWaitingOnError:   {model.TaskPending, model.TaskPaused, model.TaskNotRestarted},
	model.TaskWaitingOnFailure: {model.TaskPending, model.TaskPaused, model.TaskNotRestarted},
}

// setTaskStatus is the only place task statuses change. It keeps the job counters consistent.
func (job *Job) setTaskStatus(task *Task, to model.TaskStatus) error {
	if !slices.Contains(legalTaskTransitions[task.status], to) {
		return errors.WithStack(&armadaerrors.ErrIllegalTransition{
			Type: "task", Id: task.id.String(), From: task.status.String(), To: to.String(),
		})
	}
	job.adjustCounters(category(task.status), -1)
	job.adjustCounters(category(to), 1)
	task.status = to
	job.touch(task.id)
	return nil
}

var legalJobTransitions = map[model.JobStatus][]model.JobStatus{
	model.JobPending: {model.JobRunning, model.JobPaused},
	model.JobRunning: {model.JobStalled, model.JobPaused},
	model.JobStalled: {model.JobRunning, model.JobPaused},
	model.JobPaused:  {model.JobPending, model.JobRunning, model.JobStalled},
}

func (job *Job) setStatus(to model.JobStatus) error {
	if job.status == to {
		return nil
	}
	if !(to.IsTerminal() && !job.status.IsTerminal()) && !slices.Contains(legalJobTransitions[job.status], to) {
		return errors.WithStack(&armadaerrors.ErrIllegalTransition{
			Type: "job", Id: string(job.id), From: job.status.String(), To: to.String(),
		})
	}
	job.status = to
	job.jobDirty = true
	return nil
}
