package controlflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slices"
	clock "k8s.io/utils/clock/testing"

	"github.com/armadaproject/flowscheduler/internal/common/armadacontext"
	"github.com/armadaproject/flowscheduler/internal/scheduler/events"
	"github.com/armadaproject/flowscheduler/internal/scheduler/jobdb"
	"github.com/armadaproject/flowscheduler/internal/scheduler/model"
	"github.com/armadaproject/flowscheduler/internal/scheduler/testfixtures"
)

type fixture struct {
	t        *testing.T
	job      *jobdb.Job
	engine   *Engine
	recorder *testfixtures.Recorder
}

func newFixture(t *testing.T, tasks ...jobdb.TaskDefinition) *fixture {
	recorder := &testfixtures.Recorder{}
	_, job := jobdb.MustSubmittedJob("job", tasks...)
	return &fixture{
		t:        t,
		job:      job,
		engine:   NewEngine(clock.NewFakeClock(testfixtures.BaseTime), recorder),
		recorder: recorder,
	}
}

// run starts the named task and terminates it with the action its flow resolves to under decision.
func (f *fixture) run(name string, decision *model.FlowDecision) *Change {
	f.t.Helper()
	task := f.job.MustTask(name)
	require.NoError(f.t, f.job.StartTask(task.Id(), model.NodeSet{{Name: "n1"}}, "launch-"+name, testfixtures.BaseTime))
	action, err := task.Flow.Resolve(decision)
	require.NoError(f.t, err)
	change, err := f.engine.Terminate(armadacontext.Background(), f.job, task.Id(), &model.TaskResult{Value: name}, action)
	require.NoError(f.t, err)
	require.NoError(f.t, f.job.CheckCounters())
	return change
}

func (f *fixture) eligible() []string {
	var names []string
	for _, task := range f.job.Graph().Eligible() {
		names = append(names, task.Name())
	}
	return names
}

func (f *fixture) dependencies(name string) []string {
	var names []string
	for _, id := range f.job.MustTask(name).Dependencies() {
		dep, _ := f.job.Task(id)
		names = append(names, dep.Name())
	}
	slices.Sort(names)
	return names
}

func (f *fixture) names(ids []model.TaskId) []string {
	var names []string
	for _, id := range ids {
		task, _ := f.job.Task(id)
		names = append(names, task.Name())
	}
	slices.Sort(names)
	return names
}

func withFlow(def jobdb.TaskDefinition, flow model.FlowSpec) jobdb.TaskDefinition {
	def.Flow = &flow
	return def
}

func withBlock(def jobdb.TaskDefinition, block model.FlowBlock, matching string) jobdb.TaskDefinition {
	def.Block = block
	def.MatchingBlock = matching
	return def
}

func TestEngine_Continue(t *testing.T) {
	f := newFixture(t, jobdb.TaskDef("A"), jobdb.TaskDef("B", "A"))
	change := f.run("A", nil)

	assert.True(t, change.IsEmpty())
	assert.Equal(t, model.TaskFinished, f.job.MustTask("A").Status())
	assert.Equal(t, []string{"B"}, f.eligible())
	assert.Len(t, f.recorder.OfType(events.TaskRunningToFinished), 1)
	assert.Empty(t, f.recorder.OfType(events.TasksChanged))
}

func TestEngine_Loop(t *testing.T) {
	f := newFixture(t,
		jobdb.TaskDef("A"),
		withFlow(jobdb.TaskDef("B", "A"), model.FlowSpec{Kind: model.FlowLoop, Target: "A"}),
		jobdb.TaskDef("C", "B"),
	)

	f.run("A", nil)
	change := f.run("B", &model.FlowDecision{Loop: true})
	assert.Equal(t, []string{"A#1", "B#1"}, f.names(change.Added))
	assert.Equal(t, []string{"C"}, f.names(change.Modified))
	assert.Equal(t, []string{"B"}, f.dependencies("A#1"))
	assert.Equal(t, []string{"A#1"}, f.dependencies("B#1"))
	assert.Equal(t, []string{"B#1"}, f.dependencies("C"))
	assert.Equal(t, 1, f.job.MustTask("A#1").IterationIndex)
	assert.Equal(t, []string{"A#1"}, f.eligible())
	assert.Equal(t, 5, f.job.TotalCount())

	changed := f.recorder.OfType(events.TasksChanged)
	require.Len(t, changed, 1)
	assert.Equal(t, change.Added, changed[0].Added)
	assert.Equal(t, "loop", changed[0].Message)

	f.run("A#1", nil)
	change = f.run("B#1", &model.FlowDecision{Loop: true})
	assert.Equal(t, []string{"A#2", "B#2"}, f.names(change.Added))
	assert.Equal(t, []string{"B#2"}, f.dependencies("C"))

	f.run("A#2", nil)
	assert.True(t, f.run("B#2", &model.FlowDecision{Loop: false}).IsEmpty())
	assert.Equal(t, []string{"C"}, f.eligible())
	f.run("C", nil)
	assert.True(t, f.job.IsComplete())
}

func TestEngine_LoopOnItself(t *testing.T) {
	f := newFixture(t, withFlow(jobdb.TaskDef("A"), model.FlowSpec{Kind: model.FlowLoop, Target: "A"}))

	change := f.run("A", &model.FlowDecision{Loop: true})
	assert.Equal(t, []string{"A#1"}, f.names(change.Added))
	assert.Equal(t, []string{"A"}, f.dependencies("A#1"))
	assert.Equal(t, []string{"A#1"}, f.eligible())
}

func TestEngine_LoopTargetNotFound(t *testing.T) {
	f := newFixture(t, jobdb.TaskDef("A"))
	task := f.job.MustTask("A")
	require.NoError(t, f.job.StartTask(task.Id(), model.NodeSet{{Name: "n1"}}, "l", testfixtures.BaseTime))

	_, err := f.engine.Terminate(armadacontext.Background(), f.job, task.Id(), nil, model.FlowAction{Kind: model.FlowLoop, Target: "missing"})
	assert.Error(t, err)
	assert.Equal(t, model.TaskFinished, task.Status())
	assert.Equal(t, 1, f.job.TotalCount())
	assert.Empty(t, f.recorder.OfType(events.TasksChanged))
}

func ifJob() []jobdb.TaskDefinition {
	return []jobdb.TaskDefinition{
		withFlow(jobdb.TaskDef("A"), model.FlowSpec{Kind: model.FlowIf, Target: "B", TargetElse: "C", Continuation: "D"}),
		withBlock(jobdb.TaskDef("B"), model.BlockStart, "B2"),
		withBlock(jobdb.TaskDef("B2", "B"), model.BlockEnd, "B"),
		jobdb.TaskDef("C"),
		jobdb.TaskDef("D", "B2"),
	}
}

func TestEngine_If(t *testing.T) {
	tests := map[string]struct {
		branch           string
		expectedRunnable []string
		expectedSkipped  []string
		expectedJoinDeps []string
	}{
		"then branch": {
			branch:           "B",
			expectedRunnable: []string{"B", "B2"},
			expectedSkipped:  []string{"C"},
			expectedJoinDeps: []string{"B2"},
		},
		"else branch": {
			branch:           "C",
			expectedRunnable: []string{"C"},
			expectedSkipped:  []string{"B", "B2"},
			expectedJoinDeps: []string{"C"},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, ifJob()...)
			assert.Equal(t, []string{"A"}, f.eligible())

			change := f.run("A", &model.FlowDecision{Branch: tc.branch})
			assert.Equal(t, tc.expectedSkipped, f.names(change.Skipped))
			assert.Empty(t, change.Added)
			for _, skipped := range tc.expectedSkipped {
				assert.Equal(t, model.TaskSkipped, f.job.MustTask(skipped).Status())
			}
			assert.Equal(t, tc.expectedJoinDeps, f.dependencies("D"))
			assert.Equal(t, []string{tc.branch}, f.eligible())
			assert.Len(t, f.recorder.OfType(events.TasksChanged), 1)

			for _, runnable := range tc.expectedRunnable {
				f.run(runnable, nil)
			}
			assert.Equal(t, []string{"D"}, f.eligible())
			f.run("D", nil)
			assert.True(t, f.job.IsComplete())

			// Exactly one branch finished, the other was skipped.
			for _, runnable := range tc.expectedRunnable {
				assert.Equal(t, model.TaskFinished, f.job.MustTask(runnable).Status())
			}
			join := f.job.MustTask("D")
			assert.False(t, join.Gated)
			assert.Len(t, join.JoinedBranches, 2)
		})
	}
}

func TestEngine_IfWithoutJoin(t *testing.T) {
	f := newFixture(t,
		withFlow(jobdb.TaskDef("A"), model.FlowSpec{Kind: model.FlowIf, Target: "B", TargetElse: "C"}),
		jobdb.TaskDef("B"),
		jobdb.TaskDef("C"),
		jobdb.TaskDef("after-c", "C"),
	)

	change := f.run("A", &model.FlowDecision{Branch: "B"})
	assert.Equal(t, []string{"C", "after-c"}, f.names(change.Skipped))
	assert.Equal(t, []string{"B"}, f.eligible())
	assert.Equal(t, []string{"A"}, f.dependencies("B"))
}

func TestEngine_Replicate(t *testing.T) {
	tests := map[string]struct {
		tasks              []jobdb.TaskDefinition
		replicas           int
		expectedAdded      []string
		expectedMergerDeps []string
	}{
		"single task": {
			tasks: []jobdb.TaskDefinition{
				withFlow(jobdb.TaskDef("R"), model.FlowSpec{Kind: model.FlowReplicate}),
				jobdb.TaskDef("X", "R"),
				jobdb.TaskDef("M", "X"),
			},
			replicas:           3,
			expectedAdded:      []string{"X*1", "X*2"},
			expectedMergerDeps: []string{"X", "X*1", "X*2"},
		},
		"two parallel tasks": {
			tasks: []jobdb.TaskDefinition{
				withFlow(jobdb.TaskDef("R"), model.FlowSpec{Kind: model.FlowReplicate}),
				jobdb.TaskDef("X", "R"),
				jobdb.TaskDef("Y", "R"),
				jobdb.TaskDef("M", "X", "Y"),
			},
			replicas:           3,
			expectedAdded:      []string{"X*1", "X*2", "Y*1", "Y*2"},
			expectedMergerDeps: []string{"X", "X*1", "X*2", "Y", "Y*1", "Y*2"},
		},
		"block": {
			tasks: []jobdb.TaskDefinition{
				withFlow(jobdb.TaskDef("R"), model.FlowSpec{Kind: model.FlowReplicate}),
				withBlock(jobdb.TaskDef("S", "R"), model.BlockStart, "E"),
				jobdb.TaskDef("work", "S"),
				withBlock(jobdb.TaskDef("E", "work"), model.BlockEnd, "S"),
				jobdb.TaskDef("M", "E"),
			},
			replicas:           2,
			expectedAdded:      []string{"E*1", "S*1", "work*1"},
			expectedMergerDeps: []string{"E", "E*1"},
		},
		"single replica": {
			tasks: []jobdb.TaskDefinition{
				withFlow(jobdb.TaskDef("R"), model.FlowSpec{Kind: model.FlowReplicate}),
				jobdb.TaskDef("X", "R"),
				jobdb.TaskDef("M", "X"),
			},
			replicas:           1,
			expectedMergerDeps: []string{"X"},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, tc.tasks...)
			total := f.job.TotalCount()

			change := f.run("R", &model.FlowDecision{Replicas: tc.replicas})
			assert.Equal(t, tc.expectedAdded, f.names(change.Added))
			assert.Equal(t, total+len(tc.expectedAdded), f.job.TotalCount())
			assert.Equal(t, tc.expectedMergerDeps, f.dependencies("M"))
			for _, id := range change.Added {
				task, _ := f.job.Task(id)
				assert.NotZero(t, task.ReplicationIndex)
				if task.BaseName() == "X" || task.BaseName() == "Y" || task.BaseName() == "S" {
					assert.Equal(t, []string{"R"}, f.dependencies(task.Name()))
				}
			}

			// Run everything; the merger only becomes eligible once every replica finished.
			for eligible := f.eligible(); len(eligible) > 0 && !slices.Contains(eligible, "M"); eligible = f.eligible() {
				for _, name := range eligible {
					f.run(name, nil)
				}
			}
			assert.Equal(t, []string{"M"}, f.eligible())
		})
	}
}

func TestEngine_LoopOverIf(t *testing.T) {
	f := newFixture(t,
		withFlow(jobdb.TaskDef("A"), model.FlowSpec{Kind: model.FlowIf, Target: "B", TargetElse: "C", Continuation: "D"}),
		jobdb.TaskDef("B", "A"),
		jobdb.TaskDef("C", "A"),
		withFlow(jobdb.TaskDef("D", "B"), model.FlowSpec{Kind: model.FlowLoop, Target: "A"}),
	)

	f.run("A", &model.FlowDecision{Branch: "B"})
	f.run("B", nil)
	change := f.run("D", &model.FlowDecision{Loop: true})
	assert.Equal(t, []string{"A#1", "B#1", "C#1", "D#1"}, f.names(change.Added))
	for _, name := range []string{"B#1", "C#1", "D#1"} {
		assert.True(t, f.job.MustTask(name).Gated, name)
	}
	assert.Equal(t, []string{"B#1"}, f.dependencies("D#1"))
	assert.Equal(t, []string{"A#1"}, f.eligible())

	change = f.run("A#1", &model.FlowDecision{Branch: "C"})
	assert.Equal(t, []string{"B#1"}, f.names(change.Skipped))
	assert.Equal(t, []string{"C#1"}, f.eligible())
	f.run("C#1", nil)
	assert.Equal(t, []string{"C#1"}, f.dependencies("D#1"))
	assert.Equal(t, []string{"D#1"}, f.eligible())
	f.run("D#1", nil)
	assert.True(t, f.job.IsComplete())
}

func TestEngine_ReplicateInsideLoop(t *testing.T) {
	tests := map[string]struct {
		replicas   int
		iterations int
	}{
		"two replicas":   {replicas: 2, iterations: 3},
		"three replicas": {replicas: 3, iterations: 3},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t,
				withFlow(jobdb.TaskDef("R"), model.FlowSpec{Kind: model.FlowReplicate}),
				jobdb.TaskDef("X", "R"),
				withFlow(jobdb.TaskDef("M", "X"), model.FlowSpec{Kind: model.FlowLoop, Target: "R"}),
			)
			for i := 0; i < tc.iterations; i++ {
				r, x, m := jobdb.TaskName("R", i, 0), jobdb.TaskName("X", i, 0), jobdb.TaskName("M", i, 0)
				expectedReplicas := []string{x}
				for replica := 1; replica < tc.replicas; replica++ {
					expectedReplicas = append(expectedReplicas, jobdb.TaskName("X", i, replica))
				}

				assert.Equal(t, []string{r}, f.eligible())
				change := f.run(r, &model.FlowDecision{Replicas: tc.replicas})
				assert.Equal(t, expectedReplicas[1:], f.names(change.Added))
				assert.ElementsMatch(t, expectedReplicas, f.eligible())
				assert.Equal(t, expectedReplicas, f.dependencies(m))
				for _, replica := range expectedReplicas {
					f.run(replica, nil)
				}

				last := i == tc.iterations-1
				change = f.run(m, &model.FlowDecision{Loop: !last})
				if last {
					assert.True(t, change.IsEmpty())
					continue
				}
				// Only the declared body is looped; the next REPLICATE makes the copies of the next iteration.
				next := []string{jobdb.TaskName("M", i+1, 0), jobdb.TaskName("R", i+1, 0), jobdb.TaskName("X", i+1, 0)}
				assert.Equal(t, next, f.names(change.Added))
				assert.Equal(t, []string{next[2]}, f.dependencies(next[0]))
				assert.Equal(t, []string{next[1]}, f.dependencies(next[2]))
				assert.Equal(t, []string{m}, f.dependencies(next[1]))
			}
			assert.True(t, f.job.IsComplete())
			assert.Equal(t, tc.iterations*(tc.replicas+2), f.job.TotalCount())
		})
	}
}

func TestEngine_IfInsideReplicatedBlock(t *testing.T) {
	f := newFixture(t,
		withFlow(jobdb.TaskDef("R"), model.FlowSpec{Kind: model.FlowReplicate}),
		withBlock(
			withFlow(jobdb.TaskDef("A", "R"), model.FlowSpec{Kind: model.FlowIf, Target: "B", TargetElse: "C", Continuation: "D"}),
			model.BlockStart, "D",
		),
		jobdb.TaskDef("B", "A"),
		jobdb.TaskDef("C", "A"),
		withBlock(jobdb.TaskDef("D", "B"), model.BlockEnd, "A"),
		jobdb.TaskDef("M", "D"),
	)

	change := f.run("R", &model.FlowDecision{Replicas: 2})
	assert.Equal(t, []string{"A*1", "B*1", "C*1", "D*1"}, f.names(change.Added))
	for _, name := range []string{"B*1", "C*1", "D*1"} {
		assert.True(t, f.job.MustTask(name).Gated, name)
	}
	assert.Equal(t, []string{"B*1"}, f.dependencies("D*1"))
	assert.Equal(t, []string{"D", "D*1"}, f.dependencies("M"))
	assert.Equal(t, []string{"A", "A*1"}, f.eligible())

	// Each replica decides on its own branch.
	change = f.run("A", &model.FlowDecision{Branch: "B"})
	assert.Equal(t, []string{"C"}, f.names(change.Skipped))
	change = f.run("A*1", &model.FlowDecision{Branch: "C"})
	assert.Equal(t, []string{"B*1"}, f.names(change.Skipped))
	assert.Equal(t, []string{"C*1"}, f.dependencies("D*1"))
	assert.Equal(t, []string{"B", "C*1"}, f.eligible())

	f.run("B", nil)
	f.run("C*1", nil)
	assert.Equal(t, []string{"D", "D*1"}, f.eligible())
	f.run("D", nil)
	f.run("D*1", nil)
	assert.Equal(t, []string{"M"}, f.eligible())
	f.run("M", nil)
	assert.True(t, f.job.IsComplete())
	assert.Equal(t, model.TaskSkipped, f.job.MustTask("C").Status())
	assert.Equal(t, model.TaskSkipped, f.job.MustTask("B*1").Status())
}

func TestEngine_LoopOverReplicaMerger(t *testing.T) {
	f := newFixture(t,
		withFlow(jobdb.TaskDef("R"), model.FlowSpec{Kind: model.FlowReplicate}),
		jobdb.TaskDef("X", "R"),
		jobdb.TaskDef("M", "X"),
		withFlow(jobdb.TaskDef("N", "M"), model.FlowSpec{Kind: model.FlowLoop, Target: "M"}),
	)

	f.run("R", &model.FlowDecision{Replicas: 2})
	f.run("X", nil)
	f.run("X*1", nil)
	f.run("M", nil)
	change := f.run("N", &model.FlowDecision{Loop: true})

	// The replicas are upstream of the loop and are not run again.
	assert.Equal(t, []string{"M#1", "N#1"}, f.names(change.Added))
	assert.Equal(t, []string{"N", "X", "X*1"}, f.dependencies("M#1"))
	assert.Equal(t, []string{"M#1"}, f.dependencies("N#1"))
	assert.Equal(t, []string{"M#1"}, f.eligible())
	assert.Equal(t, 7, f.job.TotalCount())

	f.run("M#1", nil)
	f.run("N#1", &model.FlowDecision{Loop: false})
	assert.True(t, f.job.IsComplete())
}
