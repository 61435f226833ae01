// Package testfixtures provides in-memory collaborators for testing the scheduler components deterministically.
package testfixtures

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/armadaproject/flowscheduler/internal/scheduler/events"
	"github.com/armadaproject/flowscheduler/internal/scheduler/interfaces"
	"github.com/armadaproject/flowscheduler/internal/scheduler/jobdb"
	"github.com/armadaproject/flowscheduler/internal/scheduler/model"
)

var BaseTime = time.Date(2022, 11, 1, 12, 0, 0, 0, time.UTC)

// ResourceManager is a ResourceManager over a fixed set of nodes.
type ResourceManager struct {
	mu          sync.Mutex
	nodes       []model.Node
	busy        map[string]bool
	dead        map[string]bool
	Unreachable bool
	// Every AcquireNodes request, in order.
	Requests []AcquireRequest
	// Every node released, in order, and the cleanup script it was released with.
	Released     []string
	Cleanups     []string
	DeadReleased []string
}

type AcquireRequest struct {
	Count    int
	Selector model.Selector
	Excluded []string
	Granted  int
}

// NewResourceManager creates count unlabelled nodes named node-0, node-1 and so on.
func NewResourceManager(count int) *ResourceManager {
	nodes := make([]model.Node, count)
	for i := range nodes {
		nodes[i] = model.Node{Name: fmt.Sprintf("node-%d", i)}
	}
	return NewResourceManagerWithNodes(nodes...)
}

func NewResourceManagerWithNodes(nodes ...model.Node) *ResourceManager {
	return &ResourceManager{nodes: nodes, busy: map[string]bool{}, dead: map[string]bool{}}
}

func (rm *ResourceManager) GetFreeResourceCount(_ context.Context) (int, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.Unreachable {
		return 0, interfaces.ErrResourceManagerUnreachable
	}
	free := 0
	for _, node := range rm.nodes {
		if !rm.busy[node.Name] && !rm.dead[node.Name] {
			free++
		}
	}
	return free, nil
}

func (rm *ResourceManager) AcquireNodes(_ context.Context, count int, selector model.Selector, excluded []string) (model.NodeSet, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.Unreachable {
		return nil, interfaces.ErrResourceManagerUnreachable
	}
	var granted model.NodeSet
	for _, node := range rm.nodes {
		if len(granted) == count {
			break
		}
		if rm.busy[node.Name] || rm.dead[node.Name] || !selector.Matches(node.Labels) || slices.Contains(excluded, node.Name) {
			continue
		}
		rm.busy[node.Name] = true
		granted = append(granted, node)
	}
	rm.Requests = append(rm.Requests, AcquireRequest{Count: count, Selector: selector, Excluded: excluded, Granted: len(granted)})
	return granted, nil
}

func (rm *ResourceManager) ReleaseNodes(_ context.Context, nodes model.NodeSet, cleanupScript string) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	for _, node := range nodes {
		delete(rm.busy, node.Name)
		rm.Released = append(rm.Released, node.Name)
		rm.Cleanups = append(rm.Cleanups, cleanupScript)
	}
	return nil
}

func (rm *ResourceManager) ReleaseDeadNode(_ context.Context, nodeName string) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	delete(rm.busy, nodeName)
	rm.dead[nodeName] = true
	rm.DeadReleased = append(rm.DeadReleased, nodeName)
	return nil
}

func (rm *ResourceManager) IsAlive(_ context.Context) bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return !rm.Unreachable
}

func (rm *ResourceManager) IsNodeAlive(_ context.Context, nodeName string) bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return !rm.dead[nodeName]
}

// Kill marks a node dead without releasing it.
func (rm *ResourceManager) Kill(nodeName string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.dead[nodeName] = true
}

// Busy returns the names of the leased nodes, sorted.
func (rm *ResourceManager) Busy() []string {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	var names []string
	for name, busy := range rm.busy {
		if busy {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (rm *ResourceManager) SetUnreachable(unreachable bool) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.Unreachable = unreachable
}

// Launcher records launches and lets tests decide when and how each one completes.
type Launcher struct {
	mu       sync.Mutex
	handles  []*Handle
	byTask   map[string]*Handle
	Fail     map[string]error
	launches int
}

func NewLauncher() *Launcher {
	return &Launcher{byTask: map[string]*Handle{}, Fail: map[string]error{}}
}

func (l *Launcher) Launch(_ context.Context, req interfaces.LaunchRequest) (interfaces.LaunchHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err, ok := l.Fail[req.TaskName]; ok {
		return nil, err
	}
	l.launches++
	h := &Handle{id: fmt.Sprintf("launch-%d", l.launches), Request: req, done: make(chan model.Outcome, 1)}
	l.handles = append(l.handles, h)
	l.byTask[req.TaskName] = h
	return h, nil
}

// Handle returns the latest launch of the named task.
func (l *Launcher) Handle(taskName string) *Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.byTask[taskName]
}

// Launched returns the names of the launched tasks in launch order.
func (l *Launcher) Launched() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, len(l.handles))
	for i, h := range l.handles {
		names[i] = h.Request.TaskName
	}
	return names
}

type Handle struct {
	id         string
	Request    interfaces.LaunchRequest
	done       chan model.Outcome
	mu         sync.Mutex
	completed  bool
	Terminated bool
}

func (h *Handle) Id() string {
	return h.id
}

func (h *Handle) Done() <-chan model.Outcome {
	return h.done
}

func (h *Handle) Terminate(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Terminated = true
	return nil
}

// Complete resolves the handle. Only the first call has an effect.
func (h *Handle) Complete(outcome model.Outcome) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.completed {
		h.completed = true
		h.done <- outcome
	}
}

// Succeed completes the handle with a successful result.
func (h *Handle) Succeed(value string, flow *model.FlowDecision) {
	h.Complete(model.Outcome{Result: model.TaskResult{TaskName: h.Request.TaskName, Value: value, Flow: flow}})
}

// ExecutableSource serves executables from memory.
type ExecutableSource struct {
	mu          sync.Mutex
	Executables map[model.TaskId]model.Executable
	Loads       int
}

func NewExecutableSource() *ExecutableSource {
	return &ExecutableSource{Executables: map[model.TaskId]model.Executable{}}
}

func (s *ExecutableSource) LoadExecutable(_ context.Context, id model.TaskId) (*model.Executable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Loads++
	executable, ok := s.Executables[id]
	if !ok {
		return nil, errors.Errorf("no executable for %s", id)
	}
	return &executable, nil
}

// Offload moves the executables of a job's tasks into the source, as the scheduler does on submission.
func (s *ExecutableSource) Offload(job *jobdb.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, task := range job.Graph().Tasks() {
		if task.Executable != nil {
			s.Executables[task.Id()] = *task.Executable
			task.Executable = nil
		}
	}
}

// Recorder is a Publisher that stores events.
type Recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *Recorder) Publish(event events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *Recorder) Events() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// OfType returns the recorded events of one type.
func (r *Recorder) OfType(eventType events.EventType) []events.Event {
	var result []events.Event
	for _, event := range r.Events() {
		if event.Type == eventType {
			result = append(result, event)
		}
	}
	return result
}
