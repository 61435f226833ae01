package controlflow

import (
	"github.com/armadaproject/flowscheduler/internal/scheduler/jobdb"
	"github.com/armadaproject/flowscheduler/internal/scheduler/model"
)

// isLive returns true for tasks that may still run, or have run and failed.
func isLive(t *jobdb.Task) bool {
	return t.Status() != model.TaskFinished && t.Status() != model.TaskSkipped
}

// findLoopTarget returns the latest iteration of the task named name among initiator and its upstream tasks.
func findLoopTarget(g *jobdb.TaskGraph, initiator *jobdb.Task, name string) *jobdb.Task {
	base := jobdb.BaseName(name)
	candidates := g.Upstream(initiator.Id())
	candidates[initiator.Id()] = true
	var best *jobdb.Task
	for _, t := range g.Tasks() {
		if !candidates[t.Id()] || t.BaseName() != base {
			continue
		}
		if best == nil || t.IterationIndex > best.IterationIndex ||
			(t.IterationIndex == best.IterationIndex &&
				t.ReplicationIndex == initiator.ReplicationIndex && best.ReplicationIndex != initiator.ReplicationIndex) {
			best = t
		}
	}
	return best
}

// findLive finds the instance of the task named name that an IF action of initiator refers to. The task with that
// exact name is used if it has not terminated and belongs to initiator. Otherwise the live task with the same base
// name and replication index as initiator and the highest iteration index is used. Returns nil if there is none.
func findLive(g *jobdb.TaskGraph, name string, initiator *jobdb.Task, belongs func(*jobdb.Task) bool) *jobdb.Task {
	if t, ok := g.ByName(name); ok && !t.Status().IsTerminal() && belongs(t) {
		return t
	}
	base := jobdb.BaseName(name)
	var best *jobdb.Task
	for _, t := range g.Tasks() {
		if t.BaseName() != base || t.ReplicationIndex != initiator.ReplicationIndex || !isLive(t) {
			continue
		}
		if best == nil || t.IterationIndex > best.IterationIndex {
			best = t
		}
	}
	return best
}

// blockEnd returns the task closing the block opened by start, or start itself if it doesn't open a block.
// The end with the same iteration and replication index as start is preferred, then the one with the highest
// iteration index. With live set, ends that finished or were skipped are ignored.
func blockEnd(g *jobdb.TaskGraph, start *jobdb.Task, live bool) *jobdb.Task {
	if start.Block != model.BlockStart {
		return start
	}
	base := jobdb.BaseName(start.MatchingBlock)
	downstream := g.Downstream(start.Id())
	var best *jobdb.Task
	for _, t := range g.Tasks() {
		if !downstream[t.Id()] || t.BaseName() != base || (live && !isLive(t)) {
			continue
		}
		if t.IterationIndex == start.IterationIndex && t.ReplicationIndex == start.ReplicationIndex {
			return t
		}
		if best == nil || t.IterationIndex > best.IterationIndex {
			best = t
		}
	}
	if best == nil {
		return start
	}
	return best
}

// nextReplicationIndex returns a replication index not used by any task of the same iteration sharing a base name
// with the body.
func nextReplicationIndex(g *jobdb.TaskGraph, body []model.TaskId) int {
	type key struct {
		base      string
		iteration int
	}
	lineages := map[key]bool{}
	for _, id := range body {
		t, _ := g.Get(id)
		lineages[key{t.BaseName(), t.IterationIndex}] = true
	}
	next := 1
	for _, t := range g.Tasks() {
		if lineages[key{t.BaseName(), t.IterationIndex}] && t.ReplicationIndex >= next {
			next = t.ReplicationIndex + 1
		}
	}
	return next
}

// withoutReplicas splits off the tasks of body, other than keep, that were replicated by another task of body.
func withoutReplicas(g *jobdb.TaskGraph, body []model.TaskId, keep model.TaskId) ([]model.TaskId, map[model.TaskId]bool) {
	inBody := make(map[model.TaskId]bool, len(body))
	for _, id := range body {
		inBody[id] = true
	}
	replicas := map[model.TaskId]bool{}
	kept := make([]model.TaskId, 0, len(body))
	for _, id := range body {
		t, _ := g.Get(id)
		if id != keep && t.ReplicatedBy != nil && inBody[*t.ReplicatedBy] {
			replicas[id] = true
			continue
		}
		kept = append(kept, id)
	}
	return kept, replicas
}

// withIfBranches adds to body the blocks of the branches of every IF in body. Branches don't depend on their IF
// until it resolves, and the branch that was not taken is no longer upstream of the join.
func withIfBranches(g *jobdb.TaskGraph, body []model.TaskId) []model.TaskId {
	inBody := make(map[model.TaskId]bool, len(body))
	for _, id := range body {
		inBody[id] = true
	}
	result := append([]model.TaskId(nil), body...)
	for _, t := range g.Tasks() {
		if t.IfBranch == nil || !inBody[*t.IfBranch] || inBody[t.Id()] {
			continue
		}
		members, ok := g.Between(t.Id(), blockEnd(g, t, false).Id())
		if !ok {
			members = []model.TaskId{t.Id()}
		}
		for _, id := range members {
			if !inBody[id] {
				inBody[id] = true
				result = append(result, id)
			}
		}
	}
	return result
}
