package local

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/armadaproject/flowscheduler/internal/scheduler/model"
)

// FunctionContext is what a registered function is called with.
type FunctionContext struct {
	TaskName    string
	Iteration   int
	Replication int
	Args        []string
	// Forked functions only.
	Env map[string]string
	// Nodes granted to the task, the first one being the node it runs on.
	Nodes []string
	// Results of the tasks the task depends on.
	Prior []model.TaskResult
}

// Output is what a registered function returns when it succeeds.
type Output struct {
	Value string
	Flow  *model.FlowDecision
}

// Function is the code of a Standard or Forked executable. Functions must return promptly once ctx is done.
type Function func(ctx context.Context, fc FunctionContext) (Output, error)

// Registry maps function names to functions. It is threadsafe.
type Registry struct {
	mu        sync.RWMutex
	functions map[string]Function
}

// NewRegistry returns a registry holding the builtin functions.
func NewRegistry() *Registry {
	r := &Registry{functions: map[string]Function{}}
	r.Register("echo", echo)
	r.Register("sleep", sleep)
	r.Register("fail", fail)
	r.Register("sum", sum)
	r.Register("loop-until", loopUntil)
	r.Register("branch", branch)
	r.Register("replicate", replicate)
	return r
}

func (r *Registry) Register(name string, f Function) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.functions[name] = f
}

func (r *Registry) Get(name string) (Function, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.functions[name]
	return f, ok
}

// echo returns its arguments joined by spaces.
func echo(_ context.Context, fc FunctionContext) (Output, error) {
	return Output{Value: strings.Join(fc.Args, " ")}, nil
}

// sleep waits for the duration given as first argument.
func sleep(ctx context.Context, fc FunctionContext) (Output, error) {
	if len(fc.Args) == 0 {
		return Output{}, errors.New("sleep requires a duration")
	}
	d, err := time.ParseDuration(fc.Args[0])
	if err != nil {
		return Output{}, errors.WithStack(err)
	}
	select {
	case <-time.After(d):
		return Output{Value: fc.Args[0]}, nil
	case <-ctx.Done():
		return Output{}, ctx.Err()
	}
}

// fail always fails, with the first argument as message.
func fail(_ context.Context, fc FunctionContext) (Output, error) {
	message := "failed"
	if len(fc.Args) > 0 {
		message = fc.Args[0]
	}
	return Output{}, errors.New(message)
}

// sum adds up the integer values of the prior results and of its arguments.
func sum(_ context.Context, fc FunctionContext) (Output, error) {
	total := 0
	values := append([]string(nil), fc.Args...)
	for _, prior := range fc.Prior {
		values = append(values, prior.Value)
	}
	for _, value := range values {
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return Output{}, errors.Wrapf(err, "cannot sum %q", value)
		}
		total += n
	}
	return Output{Value: strconv.Itoa(total)}, nil
}

// loopUntil asks for another iteration until it has run the number of times given as first argument.
func loopUntil(_ context.Context, fc FunctionContext) (Output, error) {
	n, err := intArg(fc, 0)
	if err != nil {
		return Output{}, err
	}
	return Output{
		Value: strconv.Itoa(fc.Iteration),
		Flow:  &model.FlowDecision{Loop: fc.Iteration+1 < n},
	}, nil
}

// branch selects the branch named by its first argument.
func branch(_ context.Context, fc FunctionContext) (Output, error) {
	if len(fc.Args) == 0 {
		return Output{}, errors.New("branch requires the name of the selected branch")
	}
	return Output{Value: fc.Args[0], Flow: &model.FlowDecision{Branch: fc.Args[0]}}, nil
}

// replicate runs the blocks that follow it the number of times given as first argument.
func replicate(_ context.Context, fc FunctionContext) (Output, error) {
	n, err := intArg(fc, 0)
	if err != nil {
		return Output{}, err
	}
	return Output{Value: strconv.Itoa(n), Flow: &model.FlowDecision{Replicas: n}}, nil
}

func intArg(fc FunctionContext, i int) (int, error) {
	if len(fc.Args) <= i {
		return 0, errors.Errorf("%s requires at least %d arguments", fc.TaskName, i+1)
	}
	n, err := strconv.Atoi(fc.Args[i])
	if err != nil {
		return 0, errors.Wrapf(err, "argument %d of %s", i, fc.TaskName)
	}
	return n, nil
}
