package model

import (
	"github.com/pkg/errors"
)

type JobStatus int

const (
	JobPending JobStatus = iota
	JobRunning
	JobStalled
	JobPaused
	JobFinished
	JobFailed
	JobCanceled
	JobKilled
)

var jobStatusNames = map[JobStatus]string{
	JobPending:  "PENDING",
	JobRunning:  "RUNNING",
	JobStalled:  "STALLED",
	JobPaused:   "PAUSED",
	JobFinished: "FINISHED",
	JobFailed:   "FAILED",
	JobCanceled: "CANCELED",
	JobKilled:   "KILLED",
}

func (s JobStatus) String() string {
	if name, ok := jobStatusNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// IsTerminal returns true for FINISHED and its failure sub-statuses.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobFinished, JobFailed, JobCanceled, JobKilled:
		return true
	}
	return false
}

func (s JobStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *JobStatus) UnmarshalText(text []byte) error {
	for status, name := range jobStatusNames {
		if name == string(text) {
			*s = status
			return nil
		}
	}
	return errors.Errorf("unknown job status %q", string(text))
}

type TaskStatus int

const (
	TaskSubmitted TaskStatus = iota
	TaskPending
	TaskPaused
	TaskRunning
	TaskWaitingOnError
	TaskWaitingOnFailure
	TaskFinished
	TaskFaulty
	TaskFailed
	TaskAborted
	TaskSkipped
	TaskNotStarted
	TaskNotRestarted
)

var taskStatusNames = map[TaskStatus]string{
	TaskSubmitted:        "SUBMITTED",
	TaskPending:          "PENDING",
	TaskPaused:           "PAUSED",
	TaskRunning:          "RUNNING",
	TaskWaitingOnError:   "WAITING_ON_ERROR",
	TaskWaitingOnFailure: "WAITING_ON_FAILURE",
	TaskFinished:         "FINISHED",
	TaskFaulty:           "FAULTY",
	TaskFailed:           "FAILED",
	TaskAborted:          "ABORTED",
	TaskSkipped:          "SKIPPED",
	TaskNotStarted:       "NOT_STARTED",
	TaskNotRestarted:     "NOT_RESTARTED",
}

func (s TaskStatus) String() string {
	if name, ok := taskStatusNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

func (s TaskStatus) IsTerminal() bool {
	return s >= TaskFinished
}

// IsWaiting returns true for the two states a task sits in between a failed execution and its retry.
func (s TaskStatus) IsWaiting() bool {
	return s == TaskWaitingOnError || s == TaskWaitingOnFailure
}

// SatisfiesDependency returns true if a task in this state allows its dependents to run.
func (s TaskStatus) SatisfiesDependency() bool {
	return s == TaskFinished || s == TaskSkipped
}

func (s TaskStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *TaskStatus) UnmarshalText(text []byte) error {
	for status, name := range taskStatusNames {
		if name == string(text) {
			*s = status
			return nil
		}
	}
	return errors.Errorf("unknown task status %q", string(text))
}
