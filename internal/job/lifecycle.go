package job

// transitions is the lifecycle graph. PENDING->FAILED covers a pending job
// cancelled before dispatch.
var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusFailed},
	StatusRunning: {StatusCompleted, StatusFailed},
}

// CanTransition reports whether from->to is an edge of the lifecycle graph.
// Staying in the same non-terminal status is not a transition and is allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return !from.Terminal()
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition returns j moved to status `to`, or an *InvalidTransitionError.
func (j Job) Transition(to Status) (Job, error) {
	if !CanTransition(j.Status, to) {
		return j, &InvalidTransitionError{ID: j.ID, From: j.Status, To: to}
	}
	j.Status = to
	return j, nil
}
