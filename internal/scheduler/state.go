package scheduler

import "github.com/pkg/errors"

// State controls what the scheduling cycle is allowed to do.
type State int32

const (
	// StateStarted places tasks of every job.
	StateStarted State = iota
	// StatePaused only places tasks of jobs that are already running.
	StatePaused
	// StateFrozen places nothing. Running tasks carry on and their terminations are handled.
	StateFrozen
	// StateUnlinked is entered when the resource manager cannot be reached. Nothing is placed and submissions are
	// rejected until the scheduler is relinked.
	StateUnlinked
	// StateKilled is final: every job was killed and the loop stopped.
	StateKilled
)

var stateNames = map[State]string{
	StateStarted:  "STARTED",
	StatePaused:   "PAUSED",
	StateFrozen:   "FROZEN",
	StateUnlinked: "UNLINKED",
	StateKilled:   "KILLED",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// placesTasks returns true if the cycle may place tasks in this state.
func (s State) placesTasks() bool {
	return s == StateStarted || s == StatePaused
}

// Check fails once the scheduler can no longer make progress without intervention.
func (s *Scheduler) Check() error {
	if state := s.State(); state == StateUnlinked || state == StateKilled {
		return errors.Errorf("scheduler is %s", state)
	}
	return nil
}
