package model

import (
	"strings"

	"github.com/pkg/errors"
)

// FlowBlock marks the tasks delimiting a named block of tasks that IF and REPLICATE treat as a unit.
type FlowBlock int

const (
	BlockNone FlowBlock = iota
	BlockStart
	BlockEnd
)

func (b FlowBlock) String() string {
	switch b {
	case BlockStart:
		return "start"
	case BlockEnd:
		return "end"
	}
	return "none"
}

func ParseFlowBlock(s string) (FlowBlock, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return BlockNone, nil
	case "start":
		return BlockStart, nil
	case "end":
		return BlockEnd, nil
	}
	return BlockNone, errors.Errorf("unknown flow block %q", s)
}

type FlowActionKind int

const (
	FlowContinue FlowActionKind = iota
	FlowLoop
	FlowIf
	FlowReplicate
)

func (k FlowActionKind) String() string {
	switch k {
	case FlowLoop:
		return "loop"
	case FlowIf:
		return "if"
	case FlowReplicate:
		return "replicate"
	}
	return "continue"
}

func ParseFlowActionKind(s string) (FlowActionKind, error) {
	switch strings.ToLower(s) {
	case "", "continue":
		return FlowContinue, nil
	case "loop":
		return FlowLoop, nil
	case "if":
		return FlowIf, nil
	case "replicate":
		return FlowReplicate, nil
	}
	return FlowContinue, errors.Errorf("unknown flow action %q", s)
}

// FlowSpec is the control flow action declared on a task when its job is submitted.
type FlowSpec struct {
	Kind FlowActionKind
	// LOOP: the task to loop back to. IF: the branch taken when the decision selects neither branch explicitly.
	Target string
	// IF: the other branch.
	TargetElse string
	// IF: the task joining both branches. Optional.
	Continuation string
}

// FlowDecision is produced by a task's execution and tells the scheduler how to apply the task's FlowSpec.
type FlowDecision struct {
	// LOOP: iterate once more.
	Loop bool
	// IF: name of the selected branch, one of FlowSpec.Target or FlowSpec.TargetElse.
	Branch string
	// REPLICATE: total number of parallel runs of each block following the task.
	Replicas int
}

// FlowAction is the action the control flow engine applies when a task terminates.
type FlowAction struct {
	Kind FlowActionKind
	// LOOP: loop target. IF: selected branch.
	Target string
	// IF: branch to skip.
	Skipped string
	// IF: join task, may be empty.
	Continuation string
	// REPLICATE: total number of runs, at least one.
	Replicas int
}

var Continue = FlowAction{Kind: FlowContinue}

// Resolve combines the declared flow with the decision taken at runtime. A nil spec always continues. An IF without
// a decision takes Target. A decision naming an unknown IF branch is an error.
func (f *FlowSpec) Resolve(decision *FlowDecision) (FlowAction, error) {
	if f == nil {
		return Continue, nil
	}
	switch f.Kind {
	case FlowLoop:
		if decision == nil || !decision.Loop {
			return Continue, nil
		}
		return FlowAction{Kind: FlowLoop, Target: f.Target}, nil
	case FlowIf:
		selected, skipped := f.Target, f.TargetElse
		if decision != nil && decision.Branch != "" {
			switch decision.Branch {
			case f.Target:
			case f.TargetElse:
				selected, skipped = f.TargetElse, f.Target
			default:
				return Continue, errors.Errorf("branch %q is neither %q nor %q", decision.Branch, f.Target, f.TargetElse)
			}
		}
		return FlowAction{Kind: FlowIf, Target: selected, Skipped: skipped, Continuation: f.Continuation}, nil
	case FlowReplicate:
		replicas := 1
		if decision != nil && decision.Replicas > 1 {
			replicas = decision.Replicas
		}
		return FlowAction{Kind: FlowReplicate, Replicas: replicas}, nil
	}
	return Continue, nil
}
