package marker

import (
	"time"

	"backend-fieldtrack/internal/tracking"
)

// FormMarker is a map pin for one form submission.
type FormMarker struct {
	ID          int                `json:"id"`
	Latitude    float64            `json:"latitude"`
	Longitude   float64            `json:"longitude"`
	Consecutivo string             `json:"consecutivo"`
	Empresa     string             `json:"empresa"`
	Timestamp   time.Time          `json:"timestamp"`
	UserName    string             `json:"userName"`
	Type        tracking.EventType `json:"type"`
}
