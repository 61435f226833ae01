package controlflow

import (
	"github.com/armadaproject/flowscheduler/internal/scheduler/jobdb"
	"github.com/armadaproject/flowscheduler/internal/scheduler/model"
)

// indexer returns the iteration and replication index of the clone of a task.
type indexer func(t *jobdb.Task) (iteration int, replication int)

// cloneBody inserts a fresh copy of every task in body and returns the copies keyed by the id of their original.
// Dependencies between body tasks are redirected to the copies while dependencies on other tasks are kept.
// IF gates are re-armed on copies whose IF was copied too, and copied joins get back their declared dependencies.
// When a name is already taken the iteration index, or with bumpIteration unset the replication index, is increased
// until it's free.
func cloneBody(job *jobdb.Job, body []model.TaskId, index indexer, bumpIteration bool) (map[model.TaskId]*jobdb.Task, error) {
	g := job.Graph()
	clones := make(map[model.TaskId]*jobdb.Task, len(body))
	for _, id := range body {
		original, _ := g.Get(id)
		iteration, replication := index(original)
		name := jobdb.TaskName(original.BaseName(), iteration, replication)
		for exists(g, name) {
			if bumpIteration {
				iteration++
			} else {
				replication++
			}
			name = jobdb.TaskName(original.BaseName(), iteration, replication)
		}
		clone, err := job.InsertClone(original, name, iteration, replication)
		if err != nil {
			return nil, err
		}
		clones[id] = clone
	}
	remap := func(id model.TaskId) model.TaskId {
		if clone, ok := clones[id]; ok {
			return clone.Id()
		}
		return id
	}

	for _, id := range body {
		original, _ := g.Get(id)
		clone := clones[id]
		for _, dep := range clone.Dependencies() {
			if _, ok := clones[dep]; ok {
				job.RemoveDependency(clone.Id(), dep)
				if err := job.AddDependency(clone.Id(), remap(dep)); err != nil {
					return nil, err
				}
			}
		}
		if original.IfBranch != nil {
			if ifClone, ok := clones[*original.IfBranch]; ok {
				ref := ifClone.Id()
				clone.IfBranch = &ref
				clone.Gated = true
			} else {
				clone.Gated = original.Gated
			}
		}
		if original.Joins != nil {
			ifClone, ok := clones[*original.Joins]
			if !ok {
				clone.Gated = original.Gated
				continue
			}
			ref := ifClone.Id()
			clone.Joins = &ref
			clone.Gated = true
			for _, dep := range clone.Dependencies() {
				job.RemoveDependency(clone.Id(), dep)
			}
			declared := make([]model.TaskId, 0, len(original.JoinDeclared))
			for _, dep := range original.JoinDeclared {
				declared = append(declared, remap(dep))
				if err := job.AddDependency(clone.Id(), remap(dep)); err != nil {
					return nil, err
				}
			}
			clone.JoinDeclared = declared
		}
	}
	return clones, nil
}

func exists(g *jobdb.TaskGraph, name string) bool {
	_, ok := g.ByName(name)
	return ok
}
