package jobdb

import (
	"time"

	"github.com/armadaproject/flowscheduler/internal/scheduler/model"
)

var testTime = time.Date(2022, 11, 1, 12, 0, 0, 0, time.UTC)

// TaskDef is a shorthand used by tests to define a task running a standard echo executable.
func TaskDef(name string, dependsOn ...string) TaskDefinition {
	return TaskDefinition{
		Name:       name,
		DependsOn:  dependsOn,
		Executable: model.Executable{Kind: model.ExecutableStandard, Function: "echo"},
	}
}

// MustBuildJob builds a job from task definitions and panics on invalid input. For tests only.
func MustBuildJob(id model.JobId, tasks ...TaskDefinition) *Job {
	job, err := BuildJob(id, JobDefinition{Name: string(id), Owner: "test", Priority: model.PriorityNormal, Tasks: tasks}, testTime)
	if err != nil {
		panic(err)
	}
	return job
}

// MustSubmittedJob builds a job and submits it to a fresh JobDb. For tests only.
func MustSubmittedJob(id model.JobId, tasks ...TaskDefinition) (*JobDb, *Job) {
	jobDb, err := NewJobDb()
	if err != nil {
		panic(err)
	}
	job := MustBuildJob(id, tasks...)
	if err := jobDb.Submit(job); err != nil {
		panic(err)
	}
	return jobDb, job
}

// MustTask returns the named task, panicking if it does not exist. For tests only.
func (job *Job) MustTask(name string) *Task {
	task, ok := job.TaskByName(name)
	if !ok {
		panic("no task named " + name)
	}
	return task
}
