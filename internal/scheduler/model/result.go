package model

// TaskResult is what an execution of a task produced.
type TaskResult struct {
	TaskName string
	// Output of the task. Native tasks report their standard output.
	Value string
	// Exit code of native tasks.
	ExitCode int
	// Non-empty if the task reported an error.
	Error string
	// Set if the task decided how its control flow action applies.
	Flow *FlowDecision
}

// HadError returns true if the execution failed for an application reason.
func (r *TaskResult) HadError() bool {
	return r.Error != "" || r.ExitCode != 0
}

// FailureKind distinguishes the two ways an execution can fail, since they draw on different retry budgets.
type FailureKind int

const (
	FailureNone FailureKind = iota
	// FailureApplication means the task's own code failed. Draws on executionsLeft.
	FailureApplication
	// FailureNodeLost means the node running the task died. Draws on executionsOnFailureLeft.
	FailureNodeLost
)

func (k FailureKind) String() string {
	switch k {
	case FailureApplication:
		return "application"
	case FailureNodeLost:
		return "node_lost"
	}
	return "none"
}

// Outcome resolves a launched task.
type Outcome struct {
	Result  TaskResult
	Failure FailureKind
	// Node on which the failure was observed, for FailureNodeLost.
	Node string
}

// Failed reports the failure kind of an outcome, promoting results that carry an error to application failures.
func (o Outcome) Failed() FailureKind {
	if o.Failure == FailureNone && o.Result.HadError() {
		return FailureApplication
	}
	return o.Failure
}
