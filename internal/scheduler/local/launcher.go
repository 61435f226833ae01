package local

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/armadaproject/flowscheduler/internal/scheduler/interfaces"
	"github.com/armadaproject/flowscheduler/internal/scheduler/model"
)

// Launcher runs tasks on the nodes of a NodePool. Standard and Forked executables call a registered function;
// Native executables run a command. A task whose node dies ends with a node failure.
type Launcher struct {
	pool     *NodePool
	registry *Registry
}

func NewLauncher(pool *NodePool, registry *Registry) *Launcher {
	return &Launcher{pool: pool, registry: registry}
}

type handle struct {
	id     string
	done   chan model.Outcome
	cancel context.CancelFunc
}

func (h *handle) Id() string {
	return h.id
}

func (h *handle) Done() <-chan model.Outcome {
	return h.done
}

func (h *handle) Terminate(_ context.Context) error {
	h.cancel()
	return nil
}

func (l *Launcher) Launch(_ context.Context, req interfaces.LaunchRequest) (interfaces.LaunchHandle, error) {
	primary := req.Nodes.Primary()
	if primary == "" {
		return nil, errors.Errorf("task %s launched without nodes", req.TaskName)
	}
	run, err := l.runner(req)
	if err != nil {
		return nil, err
	}
	// Tasks outlive the request that launched them. They stop when terminated.
	runCtx, cancel := context.WithCancel(context.Background())
	h := &handle{id: uuid.NewString(), done: make(chan model.Outcome, 1), cancel: cancel}
	died := l.pool.Died(primary)

	var once sync.Once
	complete := func(outcome model.Outcome) {
		once.Do(func() {
			outcome.Result.TaskName = req.TaskName
			h.done <- outcome
			cancel()
		})
	}
	go func() {
		select {
		case <-died:
			complete(model.Outcome{Failure: model.FailureNodeLost, Node: primary})
		case <-runCtx.Done():
		}
	}()
	go func() {
		result := run(runCtx)
		select {
		case <-died:
			complete(model.Outcome{Failure: model.FailureNodeLost, Node: primary})
		default:
			complete(model.Outcome{Result: result})
		}
	}()
	return h, nil
}

type runner func(ctx context.Context) model.TaskResult

func (l *Launcher) runner(req interfaces.LaunchRequest) (runner, error) {
	executable := req.Executable
	switch executable.Kind {
	case model.ExecutableStandard, model.ExecutableForked:
		f, ok := l.registry.Get(executable.Function)
		if !ok {
			return nil, errors.Errorf("no function named %s", executable.Function)
		}
		fc := FunctionContext{
			TaskName:    req.TaskName,
			Iteration:   req.Iteration,
			Replication: req.Replica,
			Args:        executable.Args,
			Nodes:       req.Nodes.Names(),
			Prior:       req.PriorResults,
		}
		if executable.Kind == model.ExecutableForked {
			fc.Env = executable.Env
		}
		return func(ctx context.Context) model.TaskResult {
			output, err := f(ctx, fc)
			if err != nil {
				return model.TaskResult{Error: err.Error()}
			}
			return model.TaskResult{Value: output.Value, Flow: output.Flow}
		}, nil
	case model.ExecutableNative:
		return func(ctx context.Context) model.TaskResult {
			return runNative(ctx, req)
		}, nil
	}
	return nil, errors.Errorf("unknown executable kind %s", executable.Kind)
}

// runNative runs the command of a Native executable. Its standard output is the task's value.
func runNative(ctx context.Context, req interfaces.LaunchRequest) model.TaskResult {
	executable := req.Executable
	cmd := exec.CommandContext(ctx, executable.Command[0], executable.Command[1:]...)
	cmd.Dir = executable.WorkingDir
	cmd.Env = append(os.Environ(),
		"TASK_NAME="+req.TaskName,
		fmt.Sprintf("TASK_ITERATION=%d", req.Iteration),
		fmt.Sprintf("TASK_REPLICATION=%d", req.Replica),
		"NODES="+strings.Join(req.Nodes.Names(), ","),
	)
	for k, v := range executable.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := model.TaskResult{Value: strings.TrimSpace(stdout.String())}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		result.Error = strings.TrimSpace(stderr.String())
		if result.Error == "" {
			result.Error = err.Error()
		}
	}
	return result
}
