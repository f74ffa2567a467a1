package route

import (
	"time"

	"backend-fieldtrack/internal/tracking"
)

// SessionRoute is a worker's path between login and logout. TotalDistance is
// in metres and is only filled in on snapshots.
type SessionRoute struct {
	ID            string                    `json:"id"`
	UserID        int                       `json:"userId"`
	UserName      string                    `json:"userName"`
	StartTime     time.Time                 `json:"startTime"`
	EndTime       *time.Time                `json:"endTime,omitempty"`
	Points        []tracking.LocationSample `json:"points"`
	IsActive      bool                      `json:"isActive"`
	TotalDistance float64                   `json:"totalDistance"`
}

// Outcome says what Apply did with an event.
type Outcome int

const (
	Ignored Outcome = iota
	Opened
	Appended
	Closed
	// Late is a tracking sample for a session that already logged out.
	Late
)

func (o Outcome) String() string {
	switch o {
	case Opened:
		return "opened"
	case Appended:
		return "appended"
	case Closed:
		return "closed"
	case Late:
		return "late"
	default:
		return "ignored"
	}
}

// Changed reports whether the outcome mutated a route.
func (o Outcome) Changed() bool {
	return o == Opened || o == Appended || o == Closed
}
