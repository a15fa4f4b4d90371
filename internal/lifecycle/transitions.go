package lifecycle

import "github.com/example/roadside-dispatch/internal/models"

// AllowedTransitions lists the statuses reachable from each status through
// UpdateStatus. Leaving pending is only possible through Accept.
var AllowedTransitions = map[models.Status][]models.Status{
	models.StatusAccepted:   {models.StatusOnWay, models.StatusInProgress, models.StatusCompleted},
	models.StatusAssigned:   {models.StatusOnWay, models.StatusInProgress, models.StatusCompleted},
	models.StatusOnWay:      {models.StatusInProgress, models.StatusCompleted},
	models.StatusInProgress: {models.StatusCompleted},
}

func CanTransition(from, to models.Status) bool {
	for _, s := range AllowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Channel is the entry point an acceptance arrived through.
type Channel int

const (
	ViaSocket Channel = iota
	ViaREST
)

// AcceptedStatus is the status a won acceptance moves the request to.
func (c Channel) AcceptedStatus() models.Status {
	if c == ViaREST {
		return models.StatusAssigned
	}
	return models.StatusAccepted
}
