package dispatch

import (
	"context"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"github.com/armadaproject/flowscheduler/internal/scheduler/jobdb"
	"github.com/armadaproject/flowscheduler/internal/scheduler/model"
)

// ExecutableSource provides executables that were offloaded when their job was submitted.
type ExecutableSource interface {
	LoadExecutable(ctx context.Context, id model.TaskId) (*model.Executable, error)
}

// ContainerLoader resolves the executable a task runs. Executables are loaded lazily from an ExecutableSource and
// kept in an LRU cache keyed by the task that owns them, which clones created by control flow share.
type ContainerLoader struct {
	source ExecutableSource
	cache  *lru.Cache
}

func NewContainerLoader(source ExecutableSource, cacheSize int) (*ContainerLoader, error) {
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &ContainerLoader{source: source, cache: cache}, nil
}

// Load returns a validated executable for task.
func (l *ContainerLoader) Load(ctx context.Context, task *jobdb.Task) (*model.Executable, error) {
	executable := task.Executable
	if executable == nil {
		if cached, ok := l.cache.Get(task.ExecutableRef); ok {
			executable = cached.(*model.Executable)
		} else {
			loaded, err := l.source.LoadExecutable(ctx, task.ExecutableRef)
			if err != nil {
				return nil, errors.WithMessagef(err, "error loading executable of task %s", task.Name())
			}
			executable = loaded
			l.cache.Add(task.ExecutableRef, executable)
		}
	}
	switch executable.Kind {
	case model.ExecutableStandard, model.ExecutableForked, model.ExecutableNative:
		if err := executable.Validate(); err != nil {
			return nil, errors.WithMessagef(err, "invalid %s executable for task %s", executable.Kind, task.Name())
		}
	default:
		return nil, errors.Errorf("task %s has an executable of unknown kind %d", task.Name(), executable.Kind)
	}
	return executable, nil
}

// Evict drops the cached executables of tasks, e.g. once their job has been removed.
func (l *ContainerLoader) Evict(ids ...model.TaskId) {
	for _, id := range ids {
		l.cache.Remove(id)
	}
}
