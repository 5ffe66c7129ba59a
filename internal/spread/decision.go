package spread

// Decision is the gate's answer for one feed in one refresh cycle.
type Decision int

const (
	// DecisionUnmanaged feeds use a custom refresh mode and are fetched as the host sees fit.
	DecisionUnmanaged Decision = iota
	// DecisionPrimary is a regular refresh at the start of a new window.
	DecisionPrimary
	// DecisionFollowup executes a due follow-up fetch.
	DecisionFollowup
	// DecisionSkip suppresses the fetch until the feed's next window.
	DecisionSkip
	// DecisionAwaitFollowup suppresses the fetch until the pending follow-up is due.
	DecisionAwaitFollowup
)

// Allowed reports whether the host should fetch the feed this cycle.
func (d Decision) Allowed() bool {
	return d == DecisionUnmanaged || d == DecisionPrimary || d == DecisionFollowup
}

func (d Decision) String() string {
	switch d {
	case DecisionUnmanaged:
		return "unmanaged"
	case DecisionPrimary:
		return "primary"
	case DecisionFollowup:
		return "followup"
	case DecisionSkip:
		return "skip"
	case DecisionAwaitFollowup:
		return "await_followup"
	default:
		return "unknown"
	}
}
