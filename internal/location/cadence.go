package location

import (
	"time"

	"github.com/example/courier-dispatch/internal/models"
)

// CadencePolicy holds the sampling intervals per activity level.
type CadencePolicy struct {
	Idle   time.Duration
	Active time.Duration
	Near   time.Duration
}

func DefaultCadence() CadencePolicy {
	return CadencePolicy{Idle: 2 * time.Minute, Active: 5 * time.Second, Near: 2 * time.Second}
}

// CadenceFor returns how often to sample the device position for a ride
// stage. near reports whether the last sample was within the threshold of
// the next waypoint.
func CadenceFor(stage models.RideStage, near bool, p CadencePolicy) time.Duration {
	switch {
	case stage.EnRoute() || stage == models.StageAccepted:
		if near && p.Near > 0 && p.Near < p.Active {
			return p.Near
		}
		return p.Active
	default:
		return p.Idle
	}
}
