package dag

// State is the run state of one job instance. Transitions are monotonic:
// an instance never re-enters an earlier state.
type State int

// The instance lifecycle. Succeeded, Failed, Skipped, and Cancelled are
// terminal.
const (
	Pending State = iota
	Blocked
	Ready
	Running
	Succeeded
	Failed
	Skipped
	Cancelled
)

var stateNames = map[State]string{
	Pending:   "pending",
	Blocked:   "blocked",
	Ready:     "ready",
	Running:   "running",
	Succeeded: "succeeded",
	Failed:    "failed",
	Skipped:   "skipped",
	Cancelled: "cancelled",
}

// String implements fmt.Stringer.
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Terminal reports whether the state ends the instance's lifecycle.
func (s State) Terminal() bool {
	switch s {
	case Succeeded, Failed, Skipped, Cancelled:
		return true
	}
	return false
}

// StateFromString is the inverse of String, used when re-loading reports.
func StateFromString(name string) (State, bool) {
	for s, n := range stateNames {
		if n == name {
			return s, true
		}
	}
	return Pending, false
}

// Reason distinguishes why an instance reached a terminal state.
type Reason string

// Failure and skip reasons recorded on instances.
const (
	ReasonNone         Reason = ""
	ReasonExit         Reason = "exit"          // executor reported a nonzero exit status
	ReasonLaunch       Reason = "launch"        // executor could not be started
	ReasonTimeout      Reason = "timeout"       // effective timeout elapsed
	ReasonCondition    Reason = "condition"     // `if` evaluated false or errored
	ReasonUpstream     Reason = "upstream"      // a needed job did not succeed
	ReasonFailFast     Reason = "fail_fast"     // a sibling instance failed
	ReasonRunCancelled Reason = "run_cancelled" // run-level cancellation
)
