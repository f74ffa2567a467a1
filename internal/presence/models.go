package presence

import (
	"time"

	"backend-fieldtrack/internal/tracking"
)

type MotionState string

const (
	MotionOffline MotionState = "offline"
	MotionStatic  MotionState = "static"
	MotionMoving  MotionState = "moving"
	MotionFast    MotionState = "fast"
)

// Speed thresholds in m/s.
const (
	MovingSpeed = 1.0
	FastSpeed   = 5.0
)

// WorkerPresence is the last known state of one worker.
type WorkerPresence struct {
	ID           int                     `json:"id"`
	Name         string                  `json:"name"`
	Latest       tracking.LocationSample `json:"latest"`
	IsOnline     bool                    `json:"isOnline"`
	LastActivity time.Time               `json:"lastActivity"`
}

// Classify derives the map marker state from the latest speed reading.
func Classify(p WorkerPresence) MotionState {
	if !p.IsOnline {
		return MotionOffline
	}
	if p.Latest.Speed == nil {
		return MotionStatic
	}
	speed := *p.Latest.Speed
	switch {
	case speed > FastSpeed:
		return MotionFast
	case speed > MovingSpeed:
		return MotionMoving
	default:
		return MotionStatic
	}
}

// View is WorkerPresence with its derived motion state, as served to map clients.
type View struct {
	WorkerPresence
	Motion MotionState `json:"motion"`
}

func NewView(p WorkerPresence) View {
	return View{WorkerPresence: p, Motion: Classify(p)}
}
