package job

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusMerging   Status = "merging"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

var transitions = map[Status][]Status{
	StatusQueued:  {StatusRunning, StatusCancelled},
	StatusRunning: {StatusMerging, StatusCompleted, StatusFailed, StatusCancelled},
	StatusMerging: {StatusCompleted, StatusFailed, StatusCancelled},
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsActive reports whether an executor task owns the job right now.
func (s Status) IsActive() bool {
	return s == StatusRunning || s == StatusMerging
}

func (s Status) CanTransitionTo(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}

	return false
}

func (s Status) String() string {
	return string(s)
}
