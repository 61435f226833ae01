package events

import (
	"github.com/armadaproject/flowscheduler/internal/scheduler/jobdb"
)

// TaskStates snapshots the state of tasks for inclusion in an event.
func TaskStates(tasks ...*jobdb.Task) []TaskState {
	states := make([]TaskState, 0, len(tasks))
	for _, task := range tasks {
		states = append(states, TaskState{Id: task.Id(), Name: task.Name(), Status: task.Status(), Node: task.Node()})
	}
	return states
}

// ForJob builds an event about a job and some of its tasks.
func ForJob(eventType EventType, job *jobdb.Job, tasks ...*jobdb.Task) Event {
	return Event{Type: eventType, JobId: job.Id(), JobStatus: job.Status(), Tasks: TaskStates(tasks...)}
}
