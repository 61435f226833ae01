package persistence

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/armadaproject/flowscheduler/internal/common/armadaerrors"
	"github.com/armadaproject/flowscheduler/internal/scheduler/model"
)

// Store keeps the state of jobs outside the scheduler's memory.
type Store interface {
	Save(ctx context.Context, changes Changes) error
	SaveExecutables(ctx context.Context, jobId model.JobId, executables map[model.TaskId]model.Executable) error
	// LoadExecutable returns ErrNotFound if nothing was stored for the task.
	LoadExecutable(ctx context.Context, id model.TaskId) (*model.Executable, error)
	// LoadResult returns ErrNotFound if the task has no result stored.
	LoadResult(ctx context.Context, jobId model.JobId, taskName string) (*model.TaskResult, error)
	LoadJob(ctx context.Context, jobId model.JobId) (*JobRecord, error)
}

type jobState struct {
	job         *JobRecord
	tasks       map[model.TaskId]TaskRecord
	results     map[string]model.TaskResult
	executables map[model.TaskId]model.Executable
}

// MemoryStore is a Store that keeps everything in maps. Used when no external store is configured.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[model.JobId]*jobState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: map[model.JobId]*jobState{}}
}

func (s *MemoryStore) state(jobId model.JobId) *jobState {
	state, ok := s.jobs[jobId]
	if !ok {
		state = &jobState{
			tasks:       map[model.TaskId]TaskRecord{},
			results:     map[string]model.TaskResult{},
			executables: map[model.TaskId]model.Executable{},
		}
		s.jobs[jobId] = state
	}
	return state
}

func (s *MemoryStore) Save(_ context.Context, changes Changes) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if changes.Deleted {
		delete(s.jobs, changes.JobId)
		return nil
	}
	state := s.state(changes.JobId)
	if changes.Job != nil {
		record := *changes.Job
		state.job = &record
	}
	for _, task := range changes.Tasks {
		state.tasks[task.Id] = task
	}
	for name, result := range changes.Results {
		state.results[name] = result
	}
	return nil
}

func (s *MemoryStore) SaveExecutables(_ context.Context, jobId model.JobId, executables map[model.TaskId]model.Executable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.state(jobId)
	for id, executable := range executables {
		state.executables[id] = executable
	}
	return nil
}

func (s *MemoryStore) LoadExecutable(_ context.Context, id model.TaskId) (*model.Executable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.jobs[id.Job]; ok {
		if executable, ok := state.executables[id]; ok {
			return &executable, nil
		}
	}
	return nil, errors.WithStack(&armadaerrors.ErrNotFound{Type: "executable", Value: id.String()})
}

func (s *MemoryStore) LoadResult(_ context.Context, jobId model.JobId, taskName string) (*model.TaskResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.jobs[jobId]; ok {
		if result, ok := state.results[taskName]; ok {
			return &result, nil
		}
	}
	return nil, errors.WithStack(&armadaerrors.ErrNotFound{Type: "result", Value: string(jobId) + "/" + taskName})
}

func (s *MemoryStore) LoadJob(_ context.Context, jobId model.JobId) (*JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.jobs[jobId]; ok && state.job != nil {
		record := *state.job
		return &record, nil
	}
	return nil, errors.WithStack(&armadaerrors.ErrNotFound{Type: "job", Value: string(jobId)})
}

// Tasks returns the stored tasks of a job. For tests and inspection.
func (s *MemoryStore) Tasks(jobId model.JobId) map[model.TaskId]TaskRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := map[model.TaskId]TaskRecord{}
	if state, ok := s.jobs[jobId]; ok {
		for id, task := range state.tasks {
			result[id] = task
		}
	}
	return result
}
