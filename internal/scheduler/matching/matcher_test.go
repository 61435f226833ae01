package matching

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armadaproject/flowscheduler/internal/common/armadacontext"
	"github.com/armadaproject/flowscheduler/internal/scheduler/interfaces"
	"github.com/armadaproject/flowscheduler/internal/scheduler/jobdb"
	"github.com/armadaproject/flowscheduler/internal/scheduler/model"
	"github.com/armadaproject/flowscheduler/internal/scheduler/policy"
	"github.com/armadaproject/flowscheduler/internal/scheduler/testfixtures"
)

type recordingPlacer struct {
	rm     *testfixtures.ResourceManager
	placed map[string][]string
	fail   map[string]bool
}

func (p *recordingPlacer) Place(ctx *armadacontext.Context, ref policy.TaskRef, nodes model.NodeSet) error {
	if p.fail[ref.Task.Name()] {
		_ = p.rm.ReleaseNodes(ctx, nodes, "")
		return errors.New("launch failed")
	}
	p.placed[ref.Task.Name()] = nodes.Names()
	return nil
}

type taskSpec struct {
	name     string
	nodes    int
	selector model.Selector
	excluded []string
}

func refsFor(t *testing.T, specs ...taskSpec) []policy.TaskRef {
	defs := make([]jobdb.TaskDefinition, len(specs))
	for i, spec := range specs {
		defs[i] = jobdb.TaskDef(spec.name)
		defs[i].NodesNeeded = spec.nodes
		defs[i].Selector = spec.selector
	}
	_, job := jobdb.MustSubmittedJob("job", defs...)
	refs := make([]policy.TaskRef, len(specs))
	for i, spec := range specs {
		task := job.MustTask(spec.name)
		task.Exclude(spec.excluded...)
		refs[i] = policy.TaskRef{Job: job, Task: task}
	}
	return refs
}

func labelled(name string, labels map[string]string) model.Node {
	return model.Node{Name: name, Labels: labels}
}

var zoneA = model.Selector{"zone": "a"}

func TestMatcher_Match(t *testing.T) {
	tests := map[string]struct {
		nodes            []model.Node
		tasks            []taskSpec
		fail             map[string]bool
		expectedPlaced   map[string][]string
		expectedRequests []testfixtures.AcquireRequest
		expectedDeferred int
		expectedBusy     []string
	}{
		"compatible tasks share one request": {
			nodes: []model.Node{{Name: "n0"}, {Name: "n1"}, {Name: "n2"}, {Name: "n3"}},
			tasks: []taskSpec{{name: "A", nodes: 1}, {name: "B", nodes: 1}, {name: "C", nodes: 1}},
			expectedPlaced: map[string][]string{
				"A": {"n0"}, "B": {"n1"}, "C": {"n2"},
			},
			expectedRequests: []testfixtures.AcquireRequest{{Count: 3, Granted: 3}},
			expectedBusy:     []string{"n0", "n1", "n2"},
		},
		"demand capped by free count": {
			nodes:            []model.Node{{Name: "n0"}, {Name: "n1"}},
			tasks:            []taskSpec{{name: "A", nodes: 1}, {name: "B", nodes: 1}, {name: "C", nodes: 1}},
			expectedPlaced:   map[string][]string{"A": {"n0"}, "B": {"n1"}},
			expectedRequests: []testfixtures.AcquireRequest{{Count: 2, Granted: 2}},
			expectedDeferred: 1,
			expectedBusy:     []string{"n0", "n1"},
		},
		"incompatible selectors split batches": {
			nodes: []model.Node{
				labelled("a0", map[string]string{"zone": "a"}),
				labelled("b0", map[string]string{"zone": "b"}),
			},
			tasks: []taskSpec{
				{name: "A", nodes: 1, selector: zoneA},
				{name: "B", nodes: 1, selector: model.Selector{"zone": "b"}},
			},
			expectedPlaced: map[string][]string{"A": {"a0"}, "B": {"b0"}},
			expectedRequests: []testfixtures.AcquireRequest{
				{Count: 1, Selector: zoneA, Granted: 1},
				{Count: 1, Selector: model.Selector{"zone": "b"}, Granted: 1},
			},
			expectedBusy: []string{"a0", "b0"},
		},
		"unsatisfiable selector does not block other tasks": {
			nodes: []model.Node{{Name: "n0"}},
			tasks: []taskSpec{
				{name: "GPU", nodes: 1, selector: model.Selector{"gpu": "true"}},
				{name: "B", nodes: 1},
			},
			expectedPlaced: map[string][]string{"B": {"n0"}},
			expectedRequests: []testfixtures.AcquireRequest{
				{Count: 1, Selector: model.Selector{"gpu": "true"}, Granted: 0},
				{Count: 1, Granted: 1},
			},
			expectedDeferred: 1,
			expectedBusy:     []string{"n0"},
		},
		"partial grant places in order": {
			nodes: []model.Node{
				labelled("a0", map[string]string{"zone": "a"}),
				{Name: "n1"},
				{Name: "n2"},
			},
			tasks: []taskSpec{
				{name: "A", nodes: 1, selector: zoneA},
				{name: "B", nodes: 1, selector: zoneA},
			},
			expectedPlaced:   map[string][]string{"A": {"a0"}},
			expectedRequests: []testfixtures.AcquireRequest{{Count: 2, Selector: zoneA, Granted: 1}},
			expectedDeferred: 1,
			expectedBusy:     []string{"a0"},
		},
		"multi-node task needs its whole set": {
			nodes: []model.Node{
				labelled("a0", map[string]string{"zone": "a"}),
				{Name: "n1"},
				{Name: "n2"},
			},
			tasks: []taskSpec{
				{name: "MPI", nodes: 2, selector: zoneA},
				{name: "B", nodes: 1},
			},
			// The node granted to MPI is released before B is matched.
			expectedPlaced: map[string][]string{"B": {"a0"}},
			expectedRequests: []testfixtures.AcquireRequest{
				{Count: 2, Selector: zoneA, Granted: 1},
				{Count: 1, Granted: 1},
			},
			expectedDeferred: 1,
			expectedBusy:     []string{"a0"},
		},
		"multi-node task placed on primary and auxiliary nodes": {
			nodes:            []model.Node{{Name: "n0"}, {Name: "n1"}, {Name: "n2"}},
			tasks:            []taskSpec{{name: "MPI", nodes: 2}, {name: "B", nodes: 1}},
			expectedPlaced:   map[string][]string{"MPI": {"n0", "n1"}, "B": {"n2"}},
			expectedRequests: []testfixtures.AcquireRequest{{Count: 3, Granted: 3}},
			expectedBusy:     []string{"n0", "n1", "n2"},
		},
		"task larger than free count is deferred": {
			nodes:            []model.Node{{Name: "n0"}},
			tasks:            []taskSpec{{name: "MPI", nodes: 2}, {name: "B", nodes: 1}},
			expectedPlaced:   map[string][]string{"B": {"n0"}},
			expectedRequests: []testfixtures.AcquireRequest{{Count: 1, Granted: 1}},
			expectedDeferred: 1,
			expectedBusy:     []string{"n0"},
		},
		"exclusion sets are part of compatibility": {
			nodes: []model.Node{{Name: "n0"}, {Name: "n1"}},
			tasks: []taskSpec{
				{name: "A", nodes: 1, excluded: []string{"n0"}},
				{name: "B", nodes: 1},
			},
			expectedPlaced: map[string][]string{"A": {"n1"}, "B": {"n0"}},
			expectedRequests: []testfixtures.AcquireRequest{
				{Count: 1, Excluded: []string{"n0"}, Granted: 1},
				{Count: 1, Granted: 1},
			},
			expectedBusy: []string{"n0", "n1"},
		},
		"failed placement releases nodes": {
			nodes:            []model.Node{{Name: "n0"}, {Name: "n1"}},
			tasks:            []taskSpec{{name: "A", nodes: 1}, {name: "B", nodes: 1}},
			fail:             map[string]bool{"A": true},
			expectedPlaced:   map[string][]string{"B": {"n1"}},
			expectedRequests: []testfixtures.AcquireRequest{{Count: 2, Granted: 2}},
			expectedBusy:     []string{"n1"},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			rm := testfixtures.NewResourceManagerWithNodes(tc.nodes...)
			placer := &recordingPlacer{rm: rm, placed: map[string][]string{}, fail: tc.fail}
			matcher := NewMatcher(rm, placer)

			result, err := matcher.Match(armadacontext.Background(), refsFor(t, tc.tasks...))
			require.NoError(t, err)
			assert.Equal(t, tc.expectedPlaced, placer.placed)
			assert.Equal(t, tc.expectedRequests, rm.Requests)
			assert.Equal(t, tc.expectedDeferred, result.Deferred)
			assert.Equal(t, tc.expectedBusy, rm.Busy())
			assert.Len(t, result.Placed, len(tc.expectedPlaced))
			assert.Len(t, result.Failed, len(tc.fail))
		})
	}
}

func TestMatcher_NothingEligible(t *testing.T) {
	rm := testfixtures.NewResourceManager(1)
	rm.SetUnreachable(true)
	result, err := NewMatcher(rm, nil).Match(armadacontext.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, Result{}, result)
}

func TestMatcher_Unreachable(t *testing.T) {
	rm := testfixtures.NewResourceManager(1)
	rm.SetUnreachable(true)
	placer := &recordingPlacer{rm: rm, placed: map[string][]string{}}
	_, err := NewMatcher(rm, placer).Match(armadacontext.Background(), refsFor(t, taskSpec{name: "A", nodes: 1}))
	assert.ErrorIs(t, err, interfaces.ErrResourceManagerUnreachable)
	assert.Empty(t, placer.placed)
}
