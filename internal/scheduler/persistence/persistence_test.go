package persistence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armadaproject/flowscheduler/internal/common/armadacontext"
	"github.com/armadaproject/flowscheduler/internal/common/armadaerrors"
	"github.com/armadaproject/flowscheduler/internal/scheduler/jobdb"
	"github.com/armadaproject/flowscheduler/internal/scheduler/model"
)

func withRedisStore(t *testing.T, action func(store *RedisStore)) {
	server, err := miniredis.Run()
	require.NoError(t, err)
	defer server.Close()
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer client.Close()
	action(NewRedisStore(client))
}

func testChanges(t *testing.T) (*jobdb.Job, Changes) {
	_, job := jobdb.MustSubmittedJob("job", jobdb.TaskDef("A"), jobdb.TaskDef("B", "A"))
	a := job.MustTask("A")
	require.NoError(t, job.StartTask(a.Id(), model.NodeSet{{Name: "n1"}}, "l1", time.Time{}))
	require.NoError(t, job.FinishTask(a.Id(), model.TaskFinished, &model.TaskResult{Value: "42"}, time.Time{}))
	return job, ChangesOf(job, job.DrainDirty())
}

func TestStores(t *testing.T) {
	stores := map[string]func(t *testing.T, action func(store Store)){
		"memory": func(t *testing.T, action func(store Store)) {
			action(NewMemoryStore())
		},
		"redis": func(t *testing.T, action func(store Store)) {
			withRedisStore(t, func(store *RedisStore) { action(store) })
		},
	}
	for name, withStore := range stores {
		t.Run(name, func(t *testing.T) {
			withStore(t, func(store Store) {
				ctx := context.Background()
				job, changes := testChanges(t)
				require.NotNil(t, changes.Job)
				require.Len(t, changes.Tasks, 2)
				require.NoError(t, store.Save(ctx, changes))

				record, err := store.LoadJob(ctx, job.Id())
				require.NoError(t, err)
				assert.Equal(t, model.JobStalled, record.Status)
				assert.Equal(t, 1, record.FinishedCount)
				assert.Equal(t, 2, record.TotalCount)

				result, err := store.LoadResult(ctx, job.Id(), "A")
				require.NoError(t, err)
				assert.Equal(t, &model.TaskResult{TaskName: "A", Value: "42"}, result)

				_, err = store.LoadResult(ctx, job.Id(), "B")
				var notFound *armadaerrors.ErrNotFound
				assert.True(t, errors.As(err, &notFound))

				b := job.MustTask("B")
				executable := model.Executable{Kind: model.ExecutableNative, Command: []string{"echo", "hi"}}
				require.NoError(t, store.SaveExecutables(ctx, job.Id(), map[model.TaskId]model.Executable{b.Id(): executable}))
				loaded, err := store.LoadExecutable(ctx, b.Id())
				require.NoError(t, err)
				assert.Equal(t, &executable, loaded)

				require.NoError(t, store.Save(ctx, Changes{JobId: job.Id(), Deleted: true}))
				_, err = store.LoadJob(ctx, job.Id())
				assert.True(t, errors.As(err, &notFound))
				_, err = store.LoadExecutable(ctx, b.Id())
				assert.True(t, errors.As(err, &notFound))
			})
		})
	}
}

func TestRedisStore_LoadTasks(t *testing.T) {
	withRedisStore(t, func(store *RedisStore) {
		job, changes := testChanges(t)
		require.NoError(t, store.Save(context.Background(), changes))

		tasks, err := store.LoadTasks(context.Background(), job.Id())
		require.NoError(t, err)
		require.Len(t, tasks, 2)
		a, b := job.MustTask("A"), job.MustTask("B")
		assert.Equal(t, model.TaskFinished, tasks[a.Id().Seq].Status)
		assert.Equal(t, []model.TaskId{a.Id()}, tasks[b.Id().Seq].Dependencies)
		assert.Equal(t, "B", tasks[b.Id().Seq].Name)
	})
}

// flakyStore fails the first failures writes.
type flakyStore struct {
	*MemoryStore
	mu       sync.Mutex
	failures int
	writes   []Changes
}

func (s *flakyStore) Save(ctx context.Context, changes Changes) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("unavailable")
	}
	s.writes = append(s.writes, changes)
	return s.MemoryStore.Save(ctx, changes)
}

func (s *flakyStore) Writes() []Changes {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Changes(nil), s.writes...)
}

func TestWriteBehind(t *testing.T) {
	tests := map[string]struct {
		failures        int
		attempts        uint
		expectedWritten bool
	}{
		"written":                  {attempts: 3, expectedWritten: true},
		"written after retries":    {failures: 2, attempts: 3, expectedWritten: true},
		"dropped after exhaustion": {failures: 3, attempts: 3, expectedWritten: false},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			store := &flakyStore{MemoryStore: NewMemoryStore(), failures: tc.failures}
			w := NewWriteBehind(store, 10, tc.attempts, time.Millisecond)
			var dropped []Changes
			var mu sync.Mutex
			w.OnDropped(func(changes Changes) {
				mu.Lock()
				defer mu.Unlock()
				dropped = append(dropped, changes)
			})
			job, changes := testChanges(t)
			assert.True(t, w.Persist(changes))

			ctx, cancel := armadacontext.WithCancel(armadacontext.Background())
			go func() {
				_ = w.Run(ctx)
			}()
			cancel()
			w.Wait(context.Background())

			_, err := store.LoadJob(context.Background(), job.Id())
			if tc.expectedWritten {
				assert.NoError(t, err)
				assert.Len(t, store.Writes(), 1)
				assert.Empty(t, dropped)
			} else {
				assert.Error(t, err)
				assert.Len(t, dropped, 1)
			}
		})
	}
}

func TestWriteBehind_PreservesOrderAndDropsWhenFull(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	w := NewWriteBehind(store, 2, 1, 0)
	assert.True(t, w.Persist(Changes{JobId: "a", Job: &JobRecord{Id: "a"}}))
	assert.True(t, w.Delete("a"))
	assert.False(t, w.Persist(Changes{JobId: "b", Job: &JobRecord{Id: "b"}}))
	assert.True(t, w.Persist(Changes{JobId: "c"}), "empty changes are not queued")

	ctx, cancel := armadacontext.WithCancel(armadacontext.Background())
	cancel()
	require.NoError(t, w.Run(ctx))

	writes := store.Writes()
	require.Len(t, writes, 2)
	assert.False(t, writes[0].Deleted)
	assert.True(t, writes[1].Deleted)
	_, err := store.LoadJob(context.Background(), "a")
	assert.Error(t, err)
}

func TestTaskRecordOf_CopiesExcludedNodes(t *testing.T) {
	_, job := jobdb.MustSubmittedJob("job", jobdb.TaskDef("A"))
	task := job.MustTask("A")
	task.Excluded = make([]string, 0, 4)
	task.Exclude("node-b")

	record := TaskRecordOf(task)
	task.Exclude("node-a")

	assert.Equal(t, []string{"node-b"}, record.Excluded)
	assert.Equal(t, []string{"node-a", "node-b"}, task.Excluded)
}
