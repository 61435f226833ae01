package model

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// JobId uniquely identifies a job. Ids are ulids, so they sort in submission order.
type JobId string

// TaskId identifies a task within the job that owns it. Seq is allocated by the job and never reused, including
// for tasks created while the job runs.
type TaskId struct {
	Job JobId
	Seq uint32
}

func (id TaskId) String() string {
	return fmt.Sprintf("%s.%d", id.Job, id.Seq)
}

func (id TaskId) IsZero() bool {
	return id.Job == "" && id.Seq == 0
}

// Less orders task ids first by job and then by sequence number.
func (id TaskId) Less(other TaskId) bool {
	if id.Job != other.Job {
		return id.Job < other.Job
	}
	return id.Seq < other.Seq
}

// ParseTaskId is the inverse of TaskId.String.
func ParseTaskId(s string) (TaskId, error) {
	idx := strings.LastIndex(s, ".")
	if idx <= 0 {
		return TaskId{}, errors.Errorf("invalid task id %q", s)
	}
	seq, err := strconv.ParseUint(s[idx+1:], 10, 32)
	if err != nil {
		return TaskId{}, errors.Wrapf(err, "invalid task id %q", s)
	}
	return TaskId{Job: JobId(s[:idx]), Seq: uint32(seq)}, nil
}

func LessTaskId(a, b TaskId) bool {
	return a.Less(b)
}
