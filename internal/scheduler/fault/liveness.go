package fault

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/armadaproject/flowscheduler/internal/scheduler/interfaces"
	"github.com/armadaproject/flowscheduler/internal/scheduler/jobdb"
	"github.com/armadaproject/flowscheduler/internal/scheduler/model"
)

// Binding is a launch of a task on a set of nodes.
type Binding struct {
	JobId    model.JobId
	TaskId   model.TaskId
	LaunchId string
	Nodes    []string
}

// NodeFailure reports that a node running a task stopped responding.
type NodeFailure struct {
	JobId    model.JobId
	TaskId   model.TaskId
	LaunchId string
	Node     string
}

// BindingsOf returns the bindings of every running task of jobs.
func BindingsOf(jobs []*jobdb.Job) []Binding {
	var bindings []Binding
	for _, job := range jobs {
		for _, task := range job.Graph().Tasks() {
			if task.Status() != model.TaskRunning || len(task.Nodes) == 0 {
				continue
			}
			bindings = append(bindings, Binding{
				JobId:    job.Id(),
				TaskId:   task.Id(),
				LaunchId: task.LaunchId,
				Nodes:    task.Nodes.Names(),
			})
		}
	}
	return bindings
}

// BindingSnapshot holds a copy of the bindings of running tasks. The scheduler loop replaces it after every cycle and
// the liveness checker reads it from its own goroutine.
type BindingSnapshot struct {
	mu       sync.RWMutex
	bindings []Binding
}

func (s *BindingSnapshot) Replace(bindings []Binding) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings = bindings
}

func (s *BindingSnapshot) Bindings() []Binding {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bindings
}

// LivenessChecker probes the nodes of running tasks. It never touches jobs: each dead node found is reported once
// per launch, and acting on it is left to whoever receives the report.
type LivenessChecker struct {
	prober   interfaces.NodeProber
	snapshot *BindingSnapshot
	report   func(NodeFailure)
	// Launches already reported.
	reported map[string]bool
}

func NewLivenessChecker(prober interfaces.NodeProber, snapshot *BindingSnapshot, report func(NodeFailure)) *LivenessChecker {
	return &LivenessChecker{
		prober:   prober,
		snapshot: snapshot,
		report:   report,
		reported: map[string]bool{},
	}
}

// Sweep probes every node of the current bindings. Not threadsafe.
func (c *LivenessChecker) Sweep(ctx context.Context) {
	current := map[string]bool{}
	for _, binding := range c.snapshot.Bindings() {
		current[binding.LaunchId] = true
		if c.reported[binding.LaunchId] {
			continue
		}
		for _, node := range binding.Nodes {
			if c.prober.IsNodeAlive(ctx, node) {
				continue
			}
			log.Warnf("node %s running task %s is not responding", node, binding.TaskId)
			c.reported[binding.LaunchId] = true
			c.report(NodeFailure{JobId: binding.JobId, TaskId: binding.TaskId, LaunchId: binding.LaunchId, Node: node})
			break
		}
	}
	for launchId := range c.reported {
		if !current[launchId] {
			delete(c.reported, launchId)
		}
	}
}
