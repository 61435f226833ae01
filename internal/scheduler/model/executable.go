package model

import (
	"strings"

	"github.com/pkg/errors"
)

type ExecutableKind int

const (
	// ExecutableStandard runs a registered function in the node's own process.
	ExecutableStandard ExecutableKind = iota
	// ExecutableNative runs an operating system command. A non-zero exit code is an application error.
	ExecutableNative
	// ExecutableForked runs a registered function isolated from other tasks on the node, with its own environment.
	ExecutableForked
)

func (k ExecutableKind) String() string {
	switch k {
	case ExecutableNative:
		return "native"
	case ExecutableForked:
		return "forked"
	}
	return "standard"
}

func ParseExecutableKind(s string) (ExecutableKind, error) {
	switch strings.ToLower(s) {
	case "", "standard":
		return ExecutableStandard, nil
	case "native":
		return ExecutableNative, nil
	case "forked":
		return ExecutableForked, nil
	}
	return ExecutableStandard, errors.Errorf("unknown executable kind %q", s)
}

// Executable is the container of what a task runs. Which fields apply depends on Kind.
type Executable struct {
	Kind ExecutableKind
	// Standard and Forked: name of the registered function.
	Function string
	Args     []string
	// Native: argv of the command to execute.
	Command []string
	// Native and Forked.
	Env        map[string]string
	WorkingDir string
}

func (e *Executable) Validate() error {
	switch e.Kind {
	case ExecutableStandard:
		if e.Function == "" {
			return errors.New("standard executable requires a function")
		}
		if len(e.Env) > 0 || e.WorkingDir != "" {
			return errors.New("standard executable runs in the node's environment and cannot set env or workingDir")
		}
	case ExecutableForked:
		if e.Function == "" {
			return errors.New("forked executable requires a function")
		}
	case ExecutableNative:
		if len(e.Command) == 0 || e.Command[0] == "" {
			return errors.New("native executable requires a command")
		}
	default:
		return errors.Errorf("unknown executable kind %d", e.Kind)
	}
	return nil
}
