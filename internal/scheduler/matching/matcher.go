package matching

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/armadaproject/flowscheduler/internal/common/armadacontext"
	"github.com/armadaproject/flowscheduler/internal/common/logging"
	"github.com/armadaproject/flowscheduler/internal/scheduler/interfaces"
	"github.com/armadaproject/flowscheduler/internal/scheduler/model"
	"github.com/armadaproject/flowscheduler/internal/scheduler/policy"
)

// Placer starts a task on nodes granted to it. If it returns an error it must have released the nodes.
type Placer interface {
	Place(ctx *armadacontext.Context, ref policy.TaskRef, nodes model.NodeSet) error
}

// Matcher requests nodes for ordered eligible tasks and hands them to a Placer.
type Matcher struct {
	resourceManager interfaces.ResourceManager
	placer          Placer
}

func NewMatcher(resourceManager interfaces.ResourceManager, placer Placer) *Matcher {
	return &Matcher{resourceManager: resourceManager, placer: placer}
}

// Result summarises one matching pass.
type Result struct {
	// Free nodes reported before the pass.
	FreeNodes int
	// Tasks placed successfully.
	Placed []policy.TaskRef
	// Tasks that were granted nodes but whose placement failed.
	Failed []policy.TaskRef
	// Tasks left for a later pass: they did not fit, no node matched them, or nodes ran out.
	Deferred int
}

// Match runs one pass over refs, which must be in placement order.
//
// Consecutive tasks with the same selector and exclusion set are batched into one node request, as long as their
// total demand fits in the free node count. Tasks needing more nodes than are free are deferred. If a request is
// granted no node at all, the whole batch is deferred and matching carries on with the next batch, so that a
// selector nothing satisfies does not hold up other tasks. A task needing several nodes is only placed if the grant
// still holds all of them; nodes left over at the end of a batch are released.
//
// An error is returned only if the resource manager could not be used.
func (m *Matcher) Match(ctx *armadacontext.Context, refs []policy.TaskRef) (Result, error) {
	result := Result{}
	if len(refs) == 0 {
		return result, nil
	}
	free, err := m.resourceManager.GetFreeResourceCount(ctx)
	if err != nil {
		return result, errors.WithMessage(err, "error getting free resource count")
	}
	result.FreeNodes = free

	remaining := refs
	for len(remaining) > 0 && free > 0 {
		var batch []policy.TaskRef
		var demand, deferred int
		batch, remaining, demand, deferred = nextBatch(remaining, free)
		result.Deferred += deferred
		if len(batch) == 0 {
			break
		}
		first := batch[0].Task
		nodes, err := m.resourceManager.AcquireNodes(ctx, demand, first.Selector, first.Excluded)
		if err != nil {
			result.Deferred += len(batch) + len(remaining)
			return result, errors.WithMessage(err, "error acquiring nodes")
		}
		if len(nodes) == 0 {
			ctx.Log.Debugf("no node matches selector %q, deferring %d tasks", first.Selector.Key(), len(batch))
			result.Deferred += len(batch)
			continue
		}
		free -= len(nodes)

		for i, ref := range batch {
			need := ref.Task.NodesNeeded
			if need > len(nodes) {
				result.Deferred += len(batch) - i
				break
			}
			granted := nodes[:need:need]
			nodes = nodes[need:]
			if err := m.placer.Place(ctx, ref, granted); err != nil {
				logging.WithStacktrace(ctx.Log, err).Warnf("failed to place task %s", ref.Task.Name())
				result.Failed = append(result.Failed, ref)
				continue
			}
			result.Placed = append(result.Placed, ref)
		}
		if len(nodes) > 0 {
			if err := m.resourceManager.ReleaseNodes(ctx, nodes, ""); err != nil {
				logging.WithStacktrace(ctx.Log, err).Warnf("failed to release %d unused nodes", len(nodes))
			}
			free += len(nodes)
		}
	}
	result.Deferred += len(remaining)
	return result, nil
}

// nextBatch takes the longest run of compatible tasks from the head of refs whose demand fits in free.
// Tasks at the head that need more than free nodes are deferred.
func nextBatch(refs []policy.TaskRef, free int) (batch []policy.TaskRef, rest []policy.TaskRef, demand int, deferred int) {
	i := 0
	for i < len(refs) && refs[i].Task.NodesNeeded > free {
		i++
		deferred++
	}
	if i == len(refs) {
		return nil, nil, 0, deferred
	}
	key := compatibilityKey(refs[i])
	for ; i < len(refs); i++ {
		need := refs[i].Task.NodesNeeded
		if compatibilityKey(refs[i]) != key || demand+need > free {
			break
		}
		batch = append(batch, refs[i])
		demand += need
	}
	return batch, refs[i:], demand, deferred
}

// compatibilityKey is equal for tasks that can share a node request.
func compatibilityKey(ref policy.TaskRef) string {
	return ref.Task.Selector.Key() + "|" + strings.Join(ref.Task.Excluded, ",")
}
