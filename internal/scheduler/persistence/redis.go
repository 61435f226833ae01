package persistence

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"

	"github.com/armadaproject/flowscheduler/internal/common/armadaerrors"
	"github.com/armadaproject/flowscheduler/internal/scheduler/model"
)

const (
	jobPrefix         = "Job:"
	tasksSuffix       = ":tasks"
	resultsSuffix     = ":results"
	executablesSuffix = ":executables"
)

// RedisStore keeps every job under four keys: the job record, and hashes of its tasks keyed by sequence number,
// its results keyed by task name and its executables keyed by sequence number. Values are JSON.
type RedisStore struct {
	db redis.UniversalClient
}

func NewRedisStore(db redis.UniversalClient) *RedisStore {
	return &RedisStore{db: db}
}

func jobKey(jobId model.JobId) string {
	return jobPrefix + string(jobId)
}

func field(id model.TaskId) string {
	return strconv.FormatUint(uint64(id.Seq), 10)
}

func (r *RedisStore) Save(_ context.Context, changes Changes) error {
	key := jobKey(changes.JobId)
	pipe := r.db.TxPipeline()
	if changes.Deleted {
		pipe.Del(key, key+tasksSuffix, key+resultsSuffix, key+executablesSuffix)
		_, err := pipe.Exec()
		return errors.WithStack(err)
	}
	if changes.Job != nil {
		data, err := json.Marshal(changes.Job)
		if err != nil {
			return errors.WithStack(err)
		}
		pipe.Set(key, data, 0)
	}
	if len(changes.Tasks) > 0 {
		fields := make(map[string]interface{}, len(changes.Tasks))
		for _, task := range changes.Tasks {
			data, err := json.Marshal(task)
			if err != nil {
				return errors.WithStack(err)
			}
			fields[field(task.Id)] = data
		}
		pipe.HMSet(key+tasksSuffix, fields)
	}
	if len(changes.Results) > 0 {
		fields := make(map[string]interface{}, len(changes.Results))
		for name, result := range changes.Results {
			data, err := json.Marshal(result)
			if err != nil {
				return errors.WithStack(err)
			}
			fields[name] = data
		}
		pipe.HMSet(key+resultsSuffix, fields)
	}
	_, err := pipe.Exec()
	return errors.WithStack(err)
}

func (r *RedisStore) SaveExecutables(_ context.Context, jobId model.JobId, executables map[model.TaskId]model.Executable) error {
	if len(executables) == 0 {
		return nil
	}
	fields := make(map[string]interface{}, len(executables))
	for id, executable := range executables {
		data, err := json.Marshal(executable)
		if err != nil {
			return errors.WithStack(err)
		}
		fields[field(id)] = data
	}
	return errors.WithStack(r.db.HMSet(jobKey(jobId)+executablesSuffix, fields).Err())
}

func (r *RedisStore) LoadExecutable(_ context.Context, id model.TaskId) (*model.Executable, error) {
	executable := &model.Executable{}
	if err := r.hget(jobKey(id.Job)+executablesSuffix, field(id), executable, "executable", id.String()); err != nil {
		return nil, err
	}
	return executable, nil
}

func (r *RedisStore) LoadResult(_ context.Context, jobId model.JobId, taskName string) (*model.TaskResult, error) {
	result := &model.TaskResult{}
	if err := r.hget(jobKey(jobId)+resultsSuffix, taskName, result, "result", string(jobId)+"/"+taskName); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *RedisStore) LoadJob(_ context.Context, jobId model.JobId) (*JobRecord, error) {
	data, err := r.db.Get(jobKey(jobId)).Bytes()
	if err == redis.Nil {
		return nil, errors.WithStack(&armadaerrors.ErrNotFound{Type: "job", Value: string(jobId)})
	} else if err != nil {
		return nil, errors.WithStack(err)
	}
	record := &JobRecord{}
	if err := json.Unmarshal(data, record); err != nil {
		return nil, errors.WithStack(err)
	}
	return record, nil
}

// LoadTasks returns the stored tasks of a job keyed by sequence number.
func (r *RedisStore) LoadTasks(_ context.Context, jobId model.JobId) (map[uint32]TaskRecord, error) {
	values, err := r.db.HGetAll(jobKey(jobId) + tasksSuffix).Result()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	tasks := make(map[uint32]TaskRecord, len(values))
	for _, value := range values {
		var task TaskRecord
		if err := json.Unmarshal([]byte(value), &task); err != nil {
			return nil, errors.WithStack(err)
		}
		tasks[task.Id.Seq] = task
	}
	return tasks, nil
}

func (r *RedisStore) hget(key, field string, into interface{}, kind, value string) error {
	data, err := r.db.HGet(key, field).Bytes()
	if err == redis.Nil {
		return errors.WithStack(&armadaerrors.ErrNotFound{Type: kind, Value: value})
	} else if err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(json.Unmarshal(data, into))
}
