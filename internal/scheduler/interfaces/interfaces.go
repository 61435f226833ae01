package interfaces

import (
	"context"

	"github.com/pkg/errors"

	"github.com/armadaproject/flowscheduler/internal/scheduler/model"
)

// ErrResourceManagerUnreachable is returned, possibly wrapped, by a ResourceManager that cannot be contacted.
var ErrResourceManagerUnreachable = errors.New("resource manager unreachable")

// ResourceManager leases compute nodes to the scheduler.
type ResourceManager interface {
	// GetFreeResourceCount returns the number of nodes that could currently be acquired.
	GetFreeResourceCount(ctx context.Context) (int, error)
	// AcquireNodes leases up to count nodes matching selector and not named in excluded. It may return fewer nodes
	// than requested, including none.
	AcquireNodes(ctx context.Context, count int, selector model.Selector, excluded []string) (model.NodeSet, error)
	// ReleaseNodes returns nodes to the pool, running cleanupScript on each first if it is non-empty.
	ReleaseNodes(ctx context.Context, nodes model.NodeSet, cleanupScript string) error
	// ReleaseDeadNode removes a node that stopped responding from the pool.
	ReleaseDeadNode(ctx context.Context, nodeName string) error
	// IsAlive returns true if the resource manager can be contacted.
	IsAlive(ctx context.Context) bool
}

// NodeProber reports whether a leased node still responds.
type NodeProber interface {
	IsNodeAlive(ctx context.Context, nodeName string) bool
}

// LaunchRequest carries everything a Launcher needs to start a task.
type LaunchRequest struct {
	TaskId     model.TaskId
	TaskName   string
	Iteration  int
	Replica    int
	Executable model.Executable
	Nodes      model.NodeSet
	// Results of the tasks this task depends on, in dependency order.
	PriorResults []model.TaskResult
}

// Launcher starts tasks on leased nodes.
type Launcher interface {
	// Launch starts a task and returns without waiting for it to complete.
	Launch(ctx context.Context, req LaunchRequest) (LaunchHandle, error)
}

// LaunchHandle refers to an executing task.
type LaunchHandle interface {
	// Id is unique across every launch.
	Id() string
	// Done yields exactly one outcome once the task has stopped.
	Done() <-chan model.Outcome
	// Terminate stops the task. It is safe to call more than once and after the task completed.
	Terminate(ctx context.Context) error
}
