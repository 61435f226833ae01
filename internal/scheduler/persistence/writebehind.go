package persistence

import (
	"context"
	"time"

	"github.com/avast/retry-go"
	log "github.com/sirupsen/logrus"

	"github.com/armadaproject/flowscheduler/internal/common/armadacontext"
	"github.com/armadaproject/flowscheduler/internal/common/logging"
	"github.com/armadaproject/flowscheduler/internal/scheduler/model"
)

// WriteBehind writes changes to a Store from its own goroutine so that the scheduler loop never waits on storage.
// Changes are written in the order they were queued. Executables are written synchronously since tasks cannot be
// dispatched before their executable is stored, and reads go straight to the Store.
type WriteBehind struct {
	store         Store
	queue         chan Changes
	retryAttempts uint
	retryDelay    time.Duration
	onDropped     func(Changes)
	done          chan struct{}
}

func NewWriteBehind(store Store, queueSize int, retryAttempts uint, retryDelay time.Duration) *WriteBehind {
	if retryAttempts == 0 {
		retryAttempts = 1
	}
	return &WriteBehind{
		store:         store,
		queue:         make(chan Changes, queueSize),
		retryAttempts: retryAttempts,
		retryDelay:    retryDelay,
		onDropped:     func(Changes) {},
		done:          make(chan struct{}),
	}
}

// OnDropped registers a function called for changes that could not be queued or written.
func (w *WriteBehind) OnDropped(f func(Changes)) {
	w.onDropped = f
}

// Persist queues changes without blocking. Returns false if the queue is full, in which case the changes are lost.
func (w *WriteBehind) Persist(changes Changes) bool {
	if changes.IsEmpty() {
		return true
	}
	select {
	case w.queue <- changes:
		return true
	default:
		log.Warnf("persistence queue full, dropping changes of job %s", changes.JobId)
		w.onDropped(changes)
		return false
	}
}

// Delete queues the removal of a job.
func (w *WriteBehind) Delete(jobId model.JobId) bool {
	return w.Persist(Changes{JobId: jobId, Deleted: true})
}

// Run writes queued changes until ctx is cancelled, then writes whatever is still queued and returns.
func (w *WriteBehind) Run(ctx *armadacontext.Context) error {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			w.drain(ctx)
			return nil
		case changes := <-w.queue:
			w.write(ctx, changes)
		}
	}
}

// Wait blocks until Run has returned or ctx expires.
func (w *WriteBehind) Wait(ctx context.Context) {
	select {
	case <-w.done:
	case <-ctx.Done():
	}
}

func (w *WriteBehind) drain(ctx *armadacontext.Context) {
	// The store is written with a fresh context since ctx is already cancelled.
	writeCtx := armadacontext.New(context.Background(), ctx.Log)
	for {
		select {
		case changes := <-w.queue:
			w.write(writeCtx, changes)
		default:
			return
		}
	}
}

func (w *WriteBehind) write(ctx *armadacontext.Context, changes Changes) {
	err := retry.Do(
		func() error {
			return w.store.Save(ctx, changes)
		},
		retry.Attempts(w.retryAttempts),
		retry.Delay(w.retryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			ctx.Log.Debugf("retrying write of job %s after attempt %d failed: %s", changes.JobId, n+1, err)
		}),
	)
	if err != nil {
		logging.WithStacktrace(ctx.Log, err).Errorf("error writing changes of job %s", changes.JobId)
		w.onDropped(changes)
	}
}

func (w *WriteBehind) SaveExecutables(ctx context.Context, jobId model.JobId, executables map[model.TaskId]model.Executable) error {
	return w.store.SaveExecutables(ctx, jobId, executables)
}

func (w *WriteBehind) LoadExecutable(ctx context.Context, id model.TaskId) (*model.Executable, error) {
	return w.store.LoadExecutable(ctx, id)
}

func (w *WriteBehind) LoadResult(ctx context.Context, jobId model.JobId, taskName string) (*model.TaskResult, error) {
	return w.store.LoadResult(ctx, jobId, taskName)
}
