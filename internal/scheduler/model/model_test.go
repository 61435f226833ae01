package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskId(t *testing.T) {
	id := TaskId{Job: "01gh", Seq: 12}
	assert.Equal(t, "01gh.12", id.String())
	parsed, err := ParseTaskId(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	assert.True(t, TaskId{Job: "a", Seq: 9}.Less(TaskId{Job: "b", Seq: 1}))
	assert.True(t, TaskId{Job: "a", Seq: 1}.Less(TaskId{Job: "a", Seq: 2}))
	assert.False(t, id.Less(id))

	_, err = ParseTaskId("nodot")
	assert.Error(t, err)
	_, err = ParseTaskId("job.x")
	assert.Error(t, err)
}

func TestTaskStatus_Terminal(t *testing.T) {
	tests := map[TaskStatus]bool{
		TaskSubmitted:        false,
		TaskPending:          false,
		TaskPaused:           false,
		TaskRunning:          false,
		TaskWaitingOnError:   false,
		TaskWaitingOnFailure: false,
		TaskFinished:         true,
		TaskFaulty:           true,
		TaskFailed:           true,
		TaskAborted:          true,
		TaskSkipped:          true,
		TaskNotStarted:       true,
		TaskNotRestarted:     true,
	}
	for status, terminal := range tests {
		t.Run(status.String(), func(t *testing.T) {
			assert.Equal(t, terminal, status.IsTerminal())
		})
	}
	assert.True(t, TaskSkipped.SatisfiesDependency())
	assert.False(t, TaskFaulty.SatisfiesDependency())
}

func TestStatus_TextRoundTrip(t *testing.T) {
	data, err := json.Marshal(map[string]interface{}{"job": JobCanceled, "task": TaskWaitingOnFailure})
	require.NoError(t, err)
	assert.JSONEq(t, `{"job":"CANCELED","task":"WAITING_ON_FAILURE"}`, string(data))

	var decoded struct {
		Job  JobStatus
		Task TaskStatus
	}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, JobCanceled, decoded.Job)
	assert.Equal(t, TaskWaitingOnFailure, decoded.Task)

	assert.Error(t, json.Unmarshal([]byte(`{"job":"BOGUS"}`), &decoded))
}

func TestParsePriority(t *testing.T) {
	p, err := ParsePriority("HIGH")
	require.NoError(t, err)
	assert.Equal(t, PriorityHigh, p)
	p, err = ParsePriority("")
	require.NoError(t, err)
	assert.Equal(t, PriorityNormal, p)
	_, err = ParsePriority("urgent")
	assert.Error(t, err)
}

func TestFlowSpec_Resolve(t *testing.T) {
	ifSpec := &FlowSpec{Kind: FlowIf, Target: "B", TargetElse: "C", Continuation: "D"}
	tests := map[string]struct {
		spec     *FlowSpec
		decision *FlowDecision
		expected FlowAction
		err      bool
	}{
		"no spec": {
			spec:     nil,
			decision: &FlowDecision{Loop: true},
			expected: Continue,
		},
		"loop again": {
			spec:     &FlowSpec{Kind: FlowLoop, Target: "A"},
			decision: &FlowDecision{Loop: true},
			expected: FlowAction{Kind: FlowLoop, Target: "A"},
		},
		"loop done": {
			spec:     &FlowSpec{Kind: FlowLoop, Target: "A"},
			decision: &FlowDecision{},
			expected: Continue,
		},
		"loop without decision": {
			spec:     &FlowSpec{Kind: FlowLoop, Target: "A"},
			expected: Continue,
		},
		"if selects else": {
			spec:     ifSpec,
			decision: &FlowDecision{Branch: "C"},
			expected: FlowAction{Kind: FlowIf, Target: "C", Skipped: "B", Continuation: "D"},
		},
		"if defaults to target": {
			spec:     ifSpec,
			expected: FlowAction{Kind: FlowIf, Target: "B", Skipped: "C", Continuation: "D"},
		},
		"if unknown branch": {
			spec:     ifSpec,
			decision: &FlowDecision{Branch: "Z"},
			err:      true,
		},
		"replicate": {
			spec:     &FlowSpec{Kind: FlowReplicate},
			decision: &FlowDecision{Replicas: 3},
			expected: FlowAction{Kind: FlowReplicate, Replicas: 3},
		},
		"replicate clamps to one": {
			spec:     &FlowSpec{Kind: FlowReplicate},
			decision: &FlowDecision{Replicas: -2},
			expected: FlowAction{Kind: FlowReplicate, Replicas: 1},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			action, err := tc.spec.Resolve(tc.decision)
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, action)
		})
	}
}

func TestExecutable_Validate(t *testing.T) {
	tests := map[string]struct {
		executable Executable
		valid      bool
	}{
		"standard":                {Executable{Kind: ExecutableStandard, Function: "echo"}, true},
		"standard no function":    {Executable{Kind: ExecutableStandard}, false},
		"standard with env":       {Executable{Kind: ExecutableStandard, Function: "echo", Env: map[string]string{"A": "b"}}, false},
		"forked with env":         {Executable{Kind: ExecutableForked, Function: "echo", Env: map[string]string{"A": "b"}}, true},
		"forked no function":      {Executable{Kind: ExecutableForked}, false},
		"native":                  {Executable{Kind: ExecutableNative, Command: []string{"true"}}, true},
		"native empty command":    {Executable{Kind: ExecutableNative, Command: []string{""}}, false},
		"native missing command":  {Executable{Kind: ExecutableNative}, false},
		"unknown executable kind": {Executable{Kind: ExecutableKind(42)}, false},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			err := tc.executable.Validate()
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestSelector(t *testing.T) {
	selector := Selector{"zone": "a", "gpu": "true"}
	assert.Equal(t, "gpu=true,zone=a", selector.Key())
	assert.Equal(t, "", Selector(nil).Key())
	assert.True(t, selector.Matches(map[string]string{"zone": "a", "gpu": "true", "extra": "x"}))
	assert.False(t, selector.Matches(map[string]string{"zone": "a"}))
	assert.True(t, Selector(nil).Matches(nil))
}

func TestOutcome_Failed(t *testing.T) {
	assert.Equal(t, FailureNone, Outcome{}.Failed())
	assert.Equal(t, FailureApplication, Outcome{Result: TaskResult{ExitCode: 2}}.Failed())
	assert.Equal(t, FailureApplication, Outcome{Result: TaskResult{Error: "boom"}}.Failed())
	assert.Equal(t, FailureNodeLost, Outcome{Failure: FailureNodeLost, Result: TaskResult{Error: "lost"}}.Failed())
}
