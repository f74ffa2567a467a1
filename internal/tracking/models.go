package tracking

import "time"

type EventType string

const (
	EventLogin     EventType = "login"
	EventTracking  EventType = "tracking"
	EventLogout    EventType = "logout"
	EventFormStart EventType = "form_start"
	EventFormEnd   EventType = "form_end"
)

func (t EventType) Valid() bool {
	switch t {
	case EventLogin, EventTracking, EventLogout, EventFormStart, EventFormEnd:
		return true
	}
	return false
}

// LocationSample is one GPS fix. Optional readings are nil when the device did
// not report them.
type LocationSample struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  *float64  `json:"accuracy,omitempty"`
	Speed     *float64  `json:"speed,omitempty"`
	Heading   *float64  `json:"heading,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TrackingEvent is a sample tagged with what the worker was doing when it was taken.
type TrackingEvent struct {
	LocationSample
	Type      EventType `json:"type"`
	FormID    *int      `json:"formId,omitempty"`
	UserID    int       `json:"userId"`
	UserName  string    `json:"userName,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
}

// FormEvent is a form submission pushed on the operaciones channel.
type FormEvent struct {
	ID          int
	Type        EventType
	Latitude    float64
	Longitude   float64
	HasLocation bool
	Consecutivo string
	Empresa     string
	UserName    string
	Timestamp   time.Time
}
