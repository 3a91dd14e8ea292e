package supervisor

// State is a supervisor loop state. The string values double as metric labels.
type State string

const (
	StateChecking       State = "checking"
	StateRunning        State = "running"
	StateCrashedWaiting State = "crashed_waiting"
	StateHalted         State = "halted"
	// StateStopped is reported after an operator shutdown; the loop never
	// transitions out of it.
	StateStopped State = "stopped"
)

func (s State) String() string { return string(s) }

// Terminal reports whether the loop has finished in this state.
func (s State) Terminal() bool { return s == StateHalted || s == StateStopped }
