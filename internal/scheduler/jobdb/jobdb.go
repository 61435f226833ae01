package jobdb

import (
	"time"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/armadaproject/flowscheduler/internal/common/armadaerrors"
	"github.com/armadaproject/flowscheduler/internal/scheduler/model"
)

// Membership is the registry set a job belongs to. A job is in exactly one set at a time and only ever moves
// forward: pending, running, finished.
type Membership string

const (
	PendingJobs  Membership = "pending"
	RunningJobs  Membership = "running"
	FinishedJobs Membership = "finished"
)

const (
	jobsTable = "jobs"
	idIndex   = "id"  // index for looking up jobs by id
	setIndex  = "set" // index for looking up the jobs of a membership set
)

// jobEntry is what is stored in memdb. Entries are never mutated in place; a transition inserts a new entry.
type jobEntry struct {
	JobId string
	Set   string
	Job   *Job
}

// JobDb is the registry of jobs known to the scheduler.
// It is implemented on top of https://github.com/hashicorp/go-memdb, which keeps the id map and the membership
// sets consistent with each other within a transaction.
type JobDb struct {
	db *memdb.MemDB
}

func NewJobDb() (*JobDb, error) {
	db, err := memdb.NewMemDB(jobDbSchema())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &JobDb{db: db}, nil
}

// Submit inserts a job into the pending set and moves its tasks from SUBMITTED to PENDING.
func (jobDb *JobDb) Submit(job *Job) error {
	txn := jobDb.db.Txn(true)
	defer txn.Abort()
	existing, err := txn.First(jobsTable, idIndex, string(job.id))
	if err != nil {
		return errors.WithStack(err)
	}
	if existing != nil {
		return errors.WithStack(&armadaerrors.ErrAlreadyExists{Type: "job", Value: string(job.id)})
	}
	if job.status != model.JobPending {
		return errors.WithStack(&armadaerrors.ErrIllegalTransition{
			Type: "job", Id: string(job.id), From: job.status.String(), To: string(PendingJobs),
		})
	}
	if err := txn.Insert(jobsTable, &jobEntry{JobId: string(job.id), Set: string(PendingJobs), Job: job}); err != nil {
		return errors.WithStack(err)
	}
	job.markPending()
	txn.Commit()
	return nil
}

// TransitionToRunning moves a job from the pending to the running set. The job must be RUNNING or STALLED.
func (jobDb *JobDb) TransitionToRunning(id model.JobId) error {
	return jobDb.transition(id, PendingJobs, RunningJobs, func(job *Job) bool {
		return job.status == model.JobRunning || job.status == model.JobStalled
	})
}

// TransitionToFinished moves a job to the finished set. The job must be in a terminal status. Jobs killed before
// any of their tasks started move directly from the pending set.
func (jobDb *JobDb) TransitionToFinished(id model.JobId) error {
	txn := jobDb.db.Txn(false)
	entry, err := jobDb.entry(txn, id)
	txn.Abort()
	if err != nil {
		return err
	}
	from := RunningJobs
	if entry.Set == string(PendingJobs) {
		from = PendingJobs
	}
	return jobDb.transition(id, from, FinishedJobs, func(job *Job) bool {
		return job.status.IsTerminal()
	})
}

func (jobDb *JobDb) transition(id model.JobId, from Membership, to Membership, valid func(*Job) bool) error {
	txn := jobDb.db.Txn(true)
	defer txn.Abort()
	entry, err := jobDb.entry(txn, id)
	if err != nil {
		return err
	}
	if entry.Set != string(from) || !valid(entry.Job) {
		return errors.WithStack(&armadaerrors.ErrIllegalTransition{
			Type: "job", Id: string(id), From: entry.Set + "/" + entry.Job.status.String(), To: string(to),
		})
	}
	if err := txn.Insert(jobsTable, &jobEntry{JobId: entry.JobId, Set: string(to), Job: entry.Job}); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

// Remove deletes a finished job. Its removal time must have been set and have passed.
func (jobDb *JobDb) Remove(id model.JobId, now time.Time) error {
	txn := jobDb.db.Txn(true)
	defer txn.Abort()
	entry, err := jobDb.entry(txn, id)
	if err != nil {
		return err
	}
	due := entry.Job.removalDue
	if entry.Set != string(FinishedJobs) || due.IsZero() || now.Before(due) {
		return errors.WithStack(&armadaerrors.ErrIllegalTransition{
			Type: "job", Id: string(id), From: entry.Set, To: "removed",
		})
	}
	if err := txn.Delete(jobsTable, entry); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

// Get returns the job with the given id, or nil if no such job exists.
func (jobDb *JobDb) Get(id model.JobId) *Job {
	txn := jobDb.db.Txn(false)
	defer txn.Abort()
	entry, err := jobDb.entry(txn, id)
	if err != nil {
		return nil
	}
	return entry.Job
}

// MembershipOf returns the set the job belongs to.
func (jobDb *JobDb) MembershipOf(id model.JobId) (Membership, error) {
	txn := jobDb.db.Txn(false)
	defer txn.Abort()
	entry, err := jobDb.entry(txn, id)
	if err != nil {
		return "", err
	}
	return Membership(entry.Set), nil
}

// Jobs returns the jobs of the given sets, sorted by id. With no sets, every job is returned.
func (jobDb *JobDb) Jobs(sets ...Membership) []*Job {
	txn := jobDb.db.Txn(false)
	defer txn.Abort()
	var jobs []*Job
	collect := func(index string, args ...interface{}) {
		it, err := txn.Get(jobsTable, index, args...)
		if err != nil {
			return
		}
		for obj := it.Next(); obj != nil; obj = it.Next() {
			jobs = append(jobs, obj.(*jobEntry).Job)
		}
	}
	if len(sets) == 0 {
		collect(idIndex)
	}
	for _, set := range sets {
		collect(setIndex, string(set))
	}
	slices.SortFunc(jobs, func(a, b *Job) bool { return a.id < b.id })
	return jobs
}

// Count returns the number of jobs in a set.
func (jobDb *JobDb) Count(set Membership) int {
	return len(jobDb.Jobs(set))
}

func (jobDb *JobDb) entry(txn *memdb.Txn, id model.JobId) (*jobEntry, error) {
	obj, err := txn.First(jobsTable, idIndex, string(id))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if obj == nil {
		return nil, errors.WithStack(&armadaerrors.ErrNotFound{Type: "job", Value: string(id)})
	}
	return obj.(*jobEntry), nil
}

func jobDbSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			jobsTable: {
				Name: jobsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "JobId"},
					},
					setIndex: {
						Name:    setIndex,
						Unique:  false,
						Indexer: &memdb.StringFieldIndex{Field: "Set"},
					},
				},
			},
		},
	}
}
