package policy

import (
	"golang.org/x/exp/slices"

	"github.com/armadaproject/flowscheduler/internal/scheduler/jobdb"
)

// JobDescriptor is a job offered for scheduling together with its eligible tasks.
type JobDescriptor struct {
	Job      *jobdb.Job
	Eligible []*jobdb.Task
}

// TaskRef is a task to attempt to place.
type TaskRef struct {
	Job  *jobdb.Job
	Task *jobdb.Task
}

// Policy orders eligible tasks for placement. Implementations must not modify jobs or tasks.
// An empty result is valid and means nothing should be placed.
type Policy interface {
	Order(descriptors []JobDescriptor) []TaskRef
}

// PriorityPolicy places the tasks of higher priority jobs first, breaking ties by submission time and then by id.
// Within a job, tasks are placed in id order, which is the order they were defined in.
type PriorityPolicy struct{}

func (PriorityPolicy) Order(descriptors []JobDescriptor) []TaskRef {
	sorted := slices.Clone(descriptors)
	slices.SortFunc(sorted, func(a, b JobDescriptor) bool {
		if a.Job.Priority() != b.Job.Priority() {
			return a.Job.Priority() > b.Job.Priority()
		}
		if !a.Job.SubmittedTime().Equal(b.Job.SubmittedTime()) {
			return a.Job.SubmittedTime().Before(b.Job.SubmittedTime())
		}
		return a.Job.Id() < b.Job.Id()
	})
	var refs []TaskRef
	for _, descriptor := range sorted {
		tasks := slices.Clone(descriptor.Eligible)
		slices.SortFunc(tasks, func(a, b *jobdb.Task) bool { return a.Id().Less(b.Id()) })
		for _, task := range tasks {
			refs = append(refs, TaskRef{Job: descriptor.Job, Task: task})
		}
	}
	return refs
}

// Describe builds the descriptors of the given jobs, leaving out jobs with no eligible task.
func Describe(jobs []*jobdb.Job) []JobDescriptor {
	var descriptors []JobDescriptor
	for _, job := range jobs {
		if job.InTerminalState() {
			continue
		}
		if eligible := job.Graph().Eligible(); len(eligible) > 0 {
			descriptors = append(descriptors, JobDescriptor{Job: job, Eligible: eligible})
		}
	}
	return descriptors
}
