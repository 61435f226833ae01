package events

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/armadaproject/flowscheduler/internal/scheduler/model"
)

type EventType int

const (
	JobSubmitted EventType = iota
	JobPendingToRunning
	JobRunningToFinished
	JobPaused
	JobResumed
	JobRemoved
	TaskPendingToRunning
	TaskRunningToFinished
	TaskWaitingForRestart
	// A control flow action added, rewired or skipped tasks. Published once per action, with the action kind as message.
	TasksChanged
	SchedulerStateChanged
)

var eventTypeNames = map[EventType]string{
	JobSubmitted:          "JOB_SUBMITTED",
	JobPendingToRunning:   "JOB_PENDING_TO_RUNNING",
	JobRunningToFinished:  "JOB_RUNNING_TO_FINISHED",
	JobPaused:             "JOB_PAUSED",
	JobResumed:            "JOB_RESUMED",
	JobRemoved:            "JOB_REMOVED",
	TaskPendingToRunning:  "TASK_PENDING_TO_RUNNING",
	TaskRunningToFinished: "TASK_RUNNING_TO_FINISHED",
	TaskWaitingForRestart: "TASK_WAITING_FOR_RESTART",
	TasksChanged:          "TASKS_CHANGED",
	SchedulerStateChanged: "SCHEDULER_STATE_CHANGED",
}

func (t EventType) String() string {
	if name, ok := eventTypeNames[t]; ok {
		return name
	}
	return "UNKNOWN"
}

// Event is a notification about a job, its tasks, or the scheduler itself.
type Event struct {
	Type EventType
	Time time.Time
	// Empty for scheduler events.
	JobId     model.JobId
	JobStatus model.JobStatus
	// Tasks concerned by the event, with their status at the time it was published.
	Tasks []TaskState
	// TasksChanged only: tasks created by the action.
	Added []model.TaskId
	// Free form detail, e.g. the new scheduler state.
	Message string
}

type TaskState struct {
	Id     model.TaskId
	Name   string
	Status model.TaskStatus
	Node   string
}

// Publisher receives events. The scheduler publishes from a single goroutine, so events of a job are ordered.
type Publisher interface {
	Publish(event Event)
}

// Subscription delivers the events matching its filter. Events are dropped, with a warning, if the subscriber falls
// behind by more than the buffer size.
type Subscription struct {
	C      <-chan Event
	c      chan Event
	jobId  model.JobId
	broker *Broker
	id     int
}

// Close stops delivery and closes C.
func (s *Subscription) Close() {
	s.broker.unsubscribe(s)
}

// Broker fans events out to subscriptions.
type Broker struct {
	mu            sync.Mutex
	subscriptions map[int]*Subscription
	nextId        int
	bufferSize    int
	onDropped     func()
}

func NewBroker(bufferSize int) *Broker {
	return &Broker{
		subscriptions: map[int]*Subscription{},
		bufferSize:    bufferSize,
		onDropped:     func() {},
	}
}

// OnDropped registers a callback invoked each time an event is dropped for a slow subscriber.
func (b *Broker) OnDropped(f func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDropped = f
}

// Subscribe returns a subscription to events of jobId, or to every event if jobId is empty.
func (b *Broker) Subscribe(jobId model.JobId) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := make(chan Event, b.bufferSize)
	s := &Subscription{C: c, c: c, jobId: jobId, broker: b, id: b.nextId}
	b.subscriptions[s.id] = s
	b.nextId++
	return s
}

func (b *Broker) unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscriptions[s.id]; ok {
		delete(b.subscriptions, s.id)
		close(s.c)
	}
}

func (b *Broker) Publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subscriptions {
		if s.jobId != "" && s.jobId != event.JobId {
			continue
		}
		select {
		case s.c <- event:
		default:
			log.Warnf("dropping %s event of job %s for slow subscriber %d", event.Type, event.JobId, s.id)
			b.onDropped()
		}
	}
}

// Clocked sets the time of events published without one.
type Clocked struct {
	Publisher Publisher
	Clock     clock.PassiveClock
}

func (c Clocked) Publish(event Event) {
	if event.Time.IsZero() {
		event.Time = c.Clock.Now()
	}
	c.Publisher.Publish(event)
}

// NoopPublisher discards every event.
type NoopPublisher struct{}

func (NoopPublisher) Publish(Event) {}
