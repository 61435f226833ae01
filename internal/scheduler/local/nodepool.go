package local

import (
	"context"
	"os"
	"os/exec"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/armadaproject/flowscheduler/internal/scheduler/interfaces"
	"github.com/armadaproject/flowscheduler/internal/scheduler/model"
)

type node struct {
	model.Node
	busy bool
	dead bool
	// Closed when the node dies.
	died chan struct{}
}

// NodePool is a ResourceManager over nodes simulated in the scheduler's process. Nodes can be killed to exercise
// failure handling; killed nodes stay dead.
type NodePool struct {
	mu          sync.Mutex
	nodes       []*node
	unreachable bool
	// Runs a cleanup script for a node being released.
	cleanup func(ctx context.Context, nodeName string, script string) error
}

// GenerateNodes creates count nodes carrying labels, with unique names.
func GenerateNodes(count int, labels map[string]string) []model.Node {
	nodes := make([]model.Node, count)
	for i := range nodes {
		nodes[i] = model.Node{Name: "node-" + uuid.NewString()[:8], Labels: labels}
	}
	return nodes
}

func NewNodePool(nodes ...model.Node) *NodePool {
	pool := &NodePool{cleanup: runCleanupScript}
	for _, n := range nodes {
		pool.nodes = append(pool.nodes, &node{Node: n, died: make(chan struct{})})
	}
	return pool
}

func runCleanupScript(ctx context.Context, nodeName string, script string) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", script)
	cmd.Env = append(os.Environ(), "NODE_NAME="+nodeName)
	if out, err := cmd.CombinedOutput(); err != nil {
		return errors.Wrapf(err, "cleanup script failed on node %s: %s", nodeName, out)
	}
	return nil
}

func (p *NodePool) GetFreeResourceCount(_ context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unreachable {
		return 0, interfaces.ErrResourceManagerUnreachable
	}
	free := 0
	for _, n := range p.nodes {
		if !n.busy && !n.dead {
			free++
		}
	}
	return free, nil
}

func (p *NodePool) AcquireNodes(_ context.Context, count int, selector model.Selector, excluded []string) (model.NodeSet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unreachable {
		return nil, interfaces.ErrResourceManagerUnreachable
	}
	var granted model.NodeSet
	for _, n := range p.nodes {
		if len(granted) == count {
			break
		}
		if n.busy || n.dead || !selector.Matches(n.Labels) || slices.Contains(excluded, n.Name) {
			continue
		}
		n.busy = true
		granted = append(granted, n.Node)
	}
	return granted, nil
}

// ReleaseNodes runs cleanupScript on every node and returns them to the pool. Nodes are returned even if their
// cleanup fails.
func (p *NodePool) ReleaseNodes(ctx context.Context, nodes model.NodeSet, cleanupScript string) error {
	var result *multierror.Error
	if cleanupScript != "" {
		for _, n := range nodes {
			if err := p.cleanup(ctx, n.Name, cleanupScript); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, released := range nodes {
		if n := p.find(released.Name); n != nil {
			n.busy = false
		}
	}
	return result.ErrorOrNil()
}

func (p *NodePool) ReleaseDeadNode(_ context.Context, nodeName string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.find(nodeName)
	if n == nil {
		return errors.Errorf("unknown node %s", nodeName)
	}
	n.busy = false
	p.kill(n)
	return nil
}

func (p *NodePool) IsAlive(_ context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.unreachable
}

func (p *NodePool) IsNodeAlive(_ context.Context, nodeName string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.find(nodeName)
	return n != nil && !n.dead
}

// Kill makes a node stop responding. Tasks running on it end with a node failure.
func (p *NodePool) Kill(nodeName string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := p.find(nodeName); n != nil {
		p.kill(n)
	}
}

// SetReachable simulates losing, or regaining, the connection to the pool.
func (p *NodePool) SetReachable(reachable bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unreachable = !reachable
}

// Died returns a channel closed when the node dies. Unknown nodes are dead.
func (p *NodePool) Died(nodeName string) <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := p.find(nodeName); n != nil {
		return n.died
	}
	died := make(chan struct{})
	close(died)
	return died
}

// Nodes returns the nodes of the pool.
func (p *NodePool) Nodes() []model.Node {
	p.mu.Lock()
	defer p.mu.Unlock()
	nodes := make([]model.Node, len(p.nodes))
	for i, n := range p.nodes {
		nodes[i] = n.Node
	}
	return nodes
}

func (p *NodePool) kill(n *node) {
	if !n.dead {
		n.dead = true
		close(n.died)
	}
}

func (p *NodePool) find(name string) *node {
	for _, n := range p.nodes {
		if n.Name == name {
			return n
		}
	}
	return nil
}
