package execution

// Status is the lifecycle state of an ExecutionContext.
type Status string

const (
	StatusPending         Status = "pending"
	StatusRunning         Status = "running"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusBudgetExhausted Status = "budget_exhausted"
	StatusDepthExceeded   Status = "depth_exceeded"
	StatusCancelled       Status = "cancelled"
)

// ValidTransitions defines allowed status transitions. Terminal statuses
// have no outgoing edges.
var ValidTransitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusFailed, StatusDepthExceeded, StatusCancelled},
	StatusRunning: {
		StatusCompleted, StatusFailed, StatusBudgetExhausted,
		StatusDepthExceeded, StatusCancelled,
	},
	StatusCompleted:       {},
	StatusFailed:          {},
	StatusBudgetExhausted: {},
	StatusDepthExceeded:   {},
	StatusCancelled:       {},
}

// CanTransitionTo reports whether s may move to target.
func (s Status) CanTransitionTo(target Status) bool {
	for _, t := range ValidTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	allowed, ok := ValidTransitions[s]
	return ok && len(allowed) == 0
}
