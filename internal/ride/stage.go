package ride

import "github.com/example/courier-dispatch/internal/models"

var transitions = map[models.RideStage]map[models.RideStage]struct{}{
	models.StageIdle: {
		models.StageOffered:  {},
		models.StageAccepted: {},
	},
	models.StageOffered: {
		models.StageIdle:     {},
		models.StageAccepted: {},
	},
	models.StageAccepted: {
		models.StageEnRouteToStore: {},
		models.StageIdle:           {},
	},
	models.StageEnRouteToStore: {
		models.StageAtStore: {},
	},
	models.StageAtStore: {
		models.StageEnRouteToCustomer: {},
	},
	models.StageEnRouteToCustomer: {
		models.StageAtCustomer: {},
	},
	models.StageAtCustomer: {
		models.StageCompletionPending: {},
	},
	// a wrong code keeps the ride in CompletionPending
	models.StageCompletionPending: {
		models.StageCompleted: {},
	},
	// Completed behaves like Idle for the next offer.
	models.StageCompleted: {
		models.StageIdle:     {},
		models.StageOffered:  {},
		models.StageAccepted: {},
	},
}

// CanTransition reports whether a ride may move from one stage to another.
func CanTransition(from, to models.RideStage) bool {
	if from == to {
		return true
	}
	allowed, ok := transitions[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}

// rank orders the stages of a single ride; reconciliation never moves a
// ride backwards.
func rank(s models.RideStage) int {
	switch s {
	case models.StageAccepted:
		return 1
	case models.StageEnRouteToStore:
		return 2
	case models.StageAtStore:
		return 3
	case models.StageEnRouteToCustomer:
		return 4
	case models.StageAtCustomer:
		return 5
	case models.StageCompletionPending:
		return 6
	case models.StageCompleted:
		return 7
	}
	return 0
}

func idleLike(s models.RideStage) bool {
	return s == models.StageIdle || s == models.StageCompleted
}
