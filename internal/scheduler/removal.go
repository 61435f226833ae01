package scheduler

import (
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/armadaproject/flowscheduler/internal/common/armadacontext"
	"github.com/armadaproject/flowscheduler/internal/common/logging"
	"github.com/armadaproject/flowscheduler/internal/scheduler/events"
	"github.com/armadaproject/flowscheduler/internal/scheduler/jobdb"
	"github.com/armadaproject/flowscheduler/internal/scheduler/model"
)

// newRemovalTimers returns the cache holding jobs awaiting removal. Entries are only evicted by DeleteExpired, which
// the cycle calls, so onDue always runs on the loop.
func newRemovalTimers(onDue func(model.JobId)) *cache.Cache {
	timers := cache.New(cache.NoExpiration, 0)
	timers.OnEvicted(func(key string, _ interface{}) {
		onDue(model.JobId(key))
	})
	return timers
}

// scheduleRemoval marks a finished job for removal once the removal delay has passed. Jobs already scheduled keep
// their original removal time.
func (s *Scheduler) scheduleRemoval(ctx *armadacontext.Context, job *jobdb.Job) {
	if !job.RemovalDue().IsZero() {
		return
	}
	due := s.clock.Now().Add(s.removalDelay)
	job.MarkForRemoval(due)
	if err := s.removals.Add(string(job.Id()), struct{}{}, s.removalDelay); err != nil {
		ctx.Log.Debugf("removal of job %s already scheduled", job.Id())
		return
	}
	ctx.Log.Infof("job %s result retrieved, removing at %s", job.Id(), due.Format(time.RFC3339))
}

// onRemovalDue deletes a job from memory together with the cached executables of its tasks, and from persistence if
// so configured.
func (s *Scheduler) onRemovalDue(id model.JobId) {
	ctx := armadacontext.WithLogField(armadacontext.Background(), "job", id)
	job := s.jobDb.Get(id)
	if job == nil {
		return
	}
	now := s.clock.Now()
	if due := job.RemovalDue(); now.Before(due) {
		// The timer runs on wall time; wait for the scheduler clock to catch up.
		_ = s.removals.Add(string(id), struct{}{}, due.Sub(now))
		return
	}
	if err := s.jobDb.Remove(id, now); err != nil {
		logging.WithStacktrace(ctx.Log, err).Warn("error removing job")
		return
	}
	if s.deleteRemovedJobs {
		s.persistence.Delete(id)
	}
	tasks := job.Graph().Tasks()
	ids := make([]model.TaskId, 0, len(tasks))
	for _, task := range tasks {
		ids = append(ids, task.Id())
	}
	s.loader.Evict(ids...)
	s.publisher.Publish(events.ForJob(events.JobRemoved, job))
	ctx.Log.Info("job removed")
}
