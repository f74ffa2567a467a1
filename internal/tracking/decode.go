package tracking

import (
	"encoding/json"
	"fmt"

	"backend-fieldtrack/internal/shared/apperr"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

type locationPayload struct {
	UserID    FlexInt   `json:"userId"`
	UserName  string    `json:"userName"`
	Latitude  FlexFloat `json:"latitude"`
	Longitude FlexFloat `json:"longitude"`
	Accuracy  FlexFloat `json:"accuracy"`
	Speed     FlexFloat `json:"speed"`
	Heading   FlexFloat `json:"heading"`
	Timestamp string    `json:"timestamp"`
	Type      string    `json:"type"`
	SessionID string    `json:"sessionId"`
	FormID    FlexInt   `json:"formId"`
}

type locationCheck struct {
	UserID    int       `validate:"gt=0"`
	Latitude  *float64  `validate:"required,latitude"`
	Longitude *float64  `validate:"required,longitude"`
	Timestamp string    `validate:"required"`
	Type      EventType `validate:"oneof=login tracking logout form_start form_end"`
}

// DecodeLocationUpdate parses a location.updated payload. Anything that does not
// validate comes back wrapped in apperr.ErrMalformedPayload.
func DecodeLocationUpdate(payload []byte) (TrackingEvent, error) {
	var raw locationPayload
	if err := json.Unmarshal(payload, &raw); err != nil {
		return TrackingEvent{}, malformed("location.updated", err)
	}
	if raw.Type == "" {
		raw.Type = string(EventTracking)
	}

	check := locationCheck{
		UserID:    raw.UserID.Value,
		Latitude:  raw.Latitude.Ptr(),
		Longitude: raw.Longitude.Ptr(),
		Timestamp: raw.Timestamp,
		Type:      EventType(raw.Type),
	}
	if err := validate.Struct(check); err != nil {
		return TrackingEvent{}, malformed("location.updated", err)
	}

	ts, err := ParseTimestamp(raw.Timestamp)
	if err != nil {
		return TrackingEvent{}, malformed("location.updated", err)
	}

	return TrackingEvent{
		LocationSample: LocationSample{
			Latitude:  raw.Latitude.Value,
			Longitude: raw.Longitude.Value,
			Accuracy:  raw.Accuracy.Ptr(),
			Speed:     raw.Speed.Ptr(),
			Heading:   raw.Heading.Ptr(),
			Timestamp: ts,
		},
		Type:      check.Type,
		FormID:    raw.FormID.Ptr(),
		UserID:    raw.UserID.Value,
		UserName:  raw.UserName,
		SessionID: raw.SessionID,
	}, nil
}

type formPayload struct {
	ID          FlexInt   `json:"id"`
	Latitude    FlexFloat `json:"latitude"`
	Longitude   FlexFloat `json:"longitude"`
	Consecutivo string    `json:"consecutivo"`
	Empresa     string    `json:"empresa"`
	CreatedAt   string    `json:"created_at"`
	UserName    string    `json:"user_name"`
}

type formCheck struct {
	ID        int      `validate:"gt=0"`
	Latitude  *float64 `validate:"omitempty,latitude"`
	Longitude *float64 `validate:"omitempty,longitude"`
}

// DecodeFormEvent parses formulario.creado / formulario.actualizado payloads.
// Some backends wrap the form under a "formulario" key; both shapes are accepted.
// A form_start must carry coordinates, a form_end may omit them.
func DecodeFormEvent(payload []byte, kind EventType) (FormEvent, error) {
	var wrapper struct {
		Formulario json.RawMessage `json:"formulario"`
	}
	if err := json.Unmarshal(payload, &wrapper); err == nil && len(wrapper.Formulario) > 0 && wrapper.Formulario[0] == '{' {
		payload = wrapper.Formulario
	}

	var raw formPayload
	if err := json.Unmarshal(payload, &raw); err != nil {
		return FormEvent{}, malformed(string(kind), err)
	}

	check := formCheck{ID: raw.ID.Value, Latitude: raw.Latitude.Ptr(), Longitude: raw.Longitude.Ptr()}
	if err := validate.Struct(check); err != nil {
		return FormEvent{}, malformed(string(kind), err)
	}

	ev := FormEvent{
		ID:          raw.ID.Value,
		Type:        kind,
		Latitude:    raw.Latitude.Value,
		Longitude:   raw.Longitude.Value,
		HasLocation: raw.Latitude.Valid && raw.Longitude.Valid,
		Consecutivo: raw.Consecutivo,
		Empresa:     raw.Empresa,
		UserName:    raw.UserName,
	}
	if raw.Latitude.Valid != raw.Longitude.Valid {
		return FormEvent{}, malformed(string(kind), fmt.Errorf("form %d has a partial coordinate", ev.ID))
	}
	if kind == EventFormStart && !ev.HasLocation {
		return FormEvent{}, malformed(string(kind), fmt.Errorf("form %d has no coordinates", ev.ID))
	}
	if raw.CreatedAt != "" {
		ts, err := ParseTimestamp(raw.CreatedAt)
		if err != nil {
			return FormEvent{}, malformed(string(kind), err)
		}
		ev.Timestamp = ts
	}
	return ev, nil
}

func malformed(what string, err error) error {
	return fmt.Errorf("%s: %w: %v", what, apperr.ErrMalformedPayload, err)
}
