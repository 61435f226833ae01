package jobspec

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armadaproject/flowscheduler/internal/common/armadaerrors"
	"github.com/armadaproject/flowscheduler/internal/scheduler/jobdb"
	"github.com/armadaproject/flowscheduler/internal/scheduler/model"
)

func TestParseFile(t *testing.T) {
	spec, err := ParseFile("testdata/pipeline.yaml")
	require.NoError(t, err)
	def, err := spec.ToDefinition()
	require.NoError(t, err)

	assert.Equal(t, "pipeline", def.Name)
	assert.Equal(t, "alice", def.Owner)
	assert.Equal(t, model.PriorityHigh, def.Priority)
	assert.True(t, def.CancelOnError)
	require.Len(t, def.Tasks, 3)

	assert.Equal(t, jobdb.TaskDefinition{
		Name:       "split",
		Flow:       &model.FlowSpec{Kind: model.FlowReplicate},
		Executable: model.Executable{Kind: model.ExecutableStandard, Function: "replicate", Args: []string{"3"}},
	}, def.Tasks[0])
	assert.Equal(t, jobdb.TaskDefinition{
		Name:                   "work",
		DependsOn:              []string{"split"},
		NodesNeeded:            2,
		Selector:               model.Selector{"gpu": "true"},
		MaxExecutions:          3,
		MaxExecutionsOnFailure: 2,
		RestartMode:            model.RestartElsewhere,
		CleanupScript:          "rm -rf /tmp/work",
		Executable: model.Executable{
			Kind:    model.ExecutableNative,
			Command: []string{"sh", "-c", "echo $TASK_REPLICATION"},
			Env:     map[string]string{"MODE": "fast"},
		},
	}, def.Tasks[1])
	assert.Equal(t, model.ExecutableForked, def.Tasks[2].Executable.Kind)

	_, err = jobdb.BuildJob("job", def, time.Now())
	assert.NoError(t, err)
}

func TestParse_Invalid(t *testing.T) {
	tests := map[string]string{
		"unknown field": `
name: job
tasks:
  - name: a
    colour: blue
`,
		"no name": `
tasks:
  - name: a
`,
		"no tasks": `
name: job
`,
		"unnamed task": `
name: job
tasks:
  - dependsOn: [b]
`,
		"negative nodes": `
name: job
tasks:
  - name: a
    nodes: -1
`,
		"unknown restart mode": `
name: job
tasks:
  - name: a
    restartMode: nowhere
`,
		"unknown flow": `
name: job
tasks:
  - name: a
    flow:
      kind: goto
`,
		"unknown executable kind": `
name: job
tasks:
  - name: a
    executable:
      kind: wasm
`,
		"not yaml": `{`,
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(data))
			var invalid *armadaerrors.ErrInvalidArgument
			assert.True(t, errors.As(err, &invalid), "%v", err)
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	spec, err := Parse([]byte(`
name: job
tasks:
  - name: a
  - name: b
    restartMode: anywhere
`))
	require.NoError(t, err)
	spec.ApplyDefaults(model.PriorityLow, model.RestartElsewhere)
	def, err := spec.ToDefinition()
	require.NoError(t, err)
	assert.Equal(t, model.PriorityLow, def.Priority)
	assert.Equal(t, model.RestartElsewhere, def.Tasks[0].RestartMode)
	assert.Equal(t, model.RestartAnywhere, def.Tasks[1].RestartMode)

	spec.Priority = "highest"
	spec.ApplyDefaults(model.PriorityLow, model.RestartElsewhere)
	def, err = spec.ToDefinition()
	require.NoError(t, err)
	assert.Equal(t, model.PriorityHighest, def.Priority)
}

func TestToDefinition_CollectsErrors(t *testing.T) {
	spec := &JobSpec{
		Name:     "job",
		Priority: "urgent",
		Tasks: []TaskSpec{
			{Name: "a", Block: "middle"},
			{Name: "b", Executable: ExecutableSpec{Kind: "wasm"}},
		},
	}
	_, err := spec.ToDefinition()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "urgent")
	assert.Contains(t, err.Error(), "middle")
	assert.Contains(t, err.Error(), "wasm")
}

func TestExampleJobs(t *testing.T) {
	paths, err := filepath.Glob("../../../config/jobs/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)
	for _, path := range paths {
		t.Run(filepath.Base(path), func(t *testing.T) {
			spec, err := ParseFile(path)
			require.NoError(t, err)
			spec.ApplyDefaults(model.PriorityNormal, model.RestartAnywhere)
			def, err := spec.ToDefinition()
			require.NoError(t, err)
			_, err = jobdb.BuildJob("example", def, time.Now())
			assert.NoError(t, err)
		})
	}
}
