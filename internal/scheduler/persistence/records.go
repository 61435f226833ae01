package persistence

import (
	"time"

	"golang.org/x/exp/slices"

	"github.com/armadaproject/flowscheduler/internal/scheduler/jobdb"
	"github.com/armadaproject/flowscheduler/internal/scheduler/model"
)

// JobRecord is the persisted state of a job.
type JobRecord struct {
	Id            model.JobId       `json:"id"`
	Name          string            `json:"name"`
	Owner         string            `json:"owner"`
	Priority      model.Priority    `json:"priority"`
	Status        model.JobStatus   `json:"status"`
	Paused        bool              `json:"paused,omitempty"`
	CancelOnError bool              `json:"cancelOnError,omitempty"`
	SubmittedTime time.Time         `json:"submittedTime"`
	StartTime     time.Time         `json:"startTime,omitempty"`
	FinishedTime  time.Time         `json:"finishedTime,omitempty"`
	TotalCount    int               `json:"totalCount"`
	PendingCount  int               `json:"pendingCount"`
	RunningCount  int               `json:"runningCount"`
	FinishedCount int               `json:"finishedCount"`
	Cause         *model.TaskResult `json:"cause,omitempty"`
}

// TaskRecord is the persisted state of a task. Executables are stored separately.
type TaskRecord struct {
	Id                      model.TaskId     `json:"id"`
	Name                    string           `json:"name"`
	Status                  model.TaskStatus `json:"status"`
	Dependencies            []model.TaskId   `json:"dependencies,omitempty"`
	StartTime               time.Time        `json:"startTime,omitempty"`
	FinishedTime            time.Time        `json:"finishedTime,omitempty"`
	ExecutionsLeft          int              `json:"executionsLeft"`
	ExecutionsOnFailureLeft int              `json:"executionsOnFailureLeft"`
	Nodes                   []string         `json:"nodes,omitempty"`
	Excluded                []string         `json:"excluded,omitempty"`
	IterationIndex          int              `json:"iterationIndex,omitempty"`
	ReplicationIndex        int              `json:"replicationIndex,omitempty"`
	ExecutableRef           model.TaskId     `json:"executableRef"`
}

func JobRecordOf(job *jobdb.Job) JobRecord {
	return JobRecord{
		Id:            job.Id(),
		Name:          job.Name(),
		Owner:         job.Owner(),
		Priority:      job.Priority(),
		Status:        job.Status(),
		Paused:        job.IsPaused(),
		CancelOnError: job.CancelOnError(),
		SubmittedTime: job.SubmittedTime(),
		StartTime:     job.StartTime(),
		FinishedTime:  job.FinishedTime(),
		TotalCount:    job.TotalCount(),
		PendingCount:  job.PendingCount(),
		RunningCount:  job.RunningCount(),
		FinishedCount: job.FinishedCount(),
		Cause:         job.Cause(),
	}
}

func TaskRecordOf(task *jobdb.Task) TaskRecord {
	return TaskRecord{
		Id:                      task.Id(),
		Name:                    task.Name(),
		Status:                  task.Status(),
		Dependencies:            task.Dependencies(),
		StartTime:               task.StartTime,
		FinishedTime:            task.FinishedTime,
		ExecutionsLeft:          task.ExecutionsLeft,
		ExecutionsOnFailureLeft: task.ExecutionsOnFailureLeft,
		Nodes:                   task.Nodes.Names(),
		Excluded:                slices.Clone(task.Excluded),
		IterationIndex:          task.IterationIndex,
		ReplicationIndex:        task.ReplicationIndex,
		ExecutableRef:           task.ExecutableRef,
	}
}

// Changes is what must be written for one job. A deleted job has nothing else to write.
type Changes struct {
	JobId   model.JobId
	Job     *JobRecord
	Tasks   []TaskRecord
	Results map[string]model.TaskResult
	Deleted bool
}

// ChangesOf converts the changes drained from a job.
func ChangesOf(job *jobdb.Job, dirty jobdb.Dirty) Changes {
	changes := Changes{JobId: job.Id(), Results: dirty.Results}
	if dirty.Job {
		record := JobRecordOf(job)
		changes.Job = &record
	}
	for _, task := range dirty.Tasks {
		changes.Tasks = append(changes.Tasks, TaskRecordOf(task))
	}
	return changes
}

func (c Changes) IsEmpty() bool {
	return !c.Deleted && c.Job == nil && len(c.Tasks) == 0 && len(c.Results) == 0
}
