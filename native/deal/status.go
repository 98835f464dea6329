package deal

// validTransitions is the exhaustive map of allowed status edges. Every
// handler re-checks it even when its own source-status guard is narrower; the
// table is the single source of truth for legal transitions.
var validTransitions = map[Status][]Status{
	StatusOpen:      {StatusFunded, StatusCancelled},
	StatusFunded:    {StatusDelivered, StatusDisputed, StatusRefunded},
	StatusDelivered: {StatusReleased, StatusDisputed},
	StatusDisputed:  {StatusReleased, StatusRefunded},
	StatusReleased:  {},
	StatusRefunded:  {},
	StatusCancelled: {},
}

// CanTransition reports whether a deal may legally move from one status to
// another.
func CanTransition(from, to Status) bool {
	if from == "" || to == "" {
		return false
	}
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
