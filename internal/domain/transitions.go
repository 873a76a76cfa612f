package domain

// decisionEdges is the complete legal transition table. Self-transitions are absent.
var decisionEdges = map[DecisionStatus][]DecisionStatus{
	DecisionOpen:     {DecisionInReview, DecisionApproved, DecisionDeclined},
	DecisionInReview: {DecisionApproved, DecisionDeclined},
}

// IsValidTransition reports whether a decision may move from one status to another.
func IsValidTransition(from, to DecisionStatus) bool {
	for _, next := range decisionEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// NextStatuses returns the statuses reachable from s in one step.
func NextStatuses(s DecisionStatus) []DecisionStatus {
	out := make([]DecisionStatus, len(decisionEdges[s]))
	copy(out, decisionEdges[s])
	return out
}

// EnsureTransition returns a ConflictError when from -> to is not a legal edge.
func EnsureTransition(from, to DecisionStatus) error {
	if IsValidTransition(from, to) {
		return nil
	}
	return ConflictError{From: from, To: to}
}
