package api

import (
	"time"

	"backend-fieldtrack/internal/marker"
	"backend-fieldtrack/internal/presence"
	"backend-fieldtrack/internal/route"
	"backend-fieldtrack/internal/tracking"
)

type envelope struct {
	Success *bool  `json:"success"`
	Message string `json:"message"`
}

type sampleDTO struct {
	Latitude  tracking.FlexFloat `json:"latitude"`
	Longitude tracking.FlexFloat `json:"longitude"`
	Accuracy  tracking.FlexFloat `json:"accuracy"`
	Speed     tracking.FlexFloat `json:"speed"`
	Heading   tracking.FlexFloat `json:"heading"`
	Timestamp string             `json:"timestamp"`
}

func (d sampleDTO) sample() (tracking.LocationSample, bool) {
	if !d.Latitude.Valid || !d.Longitude.Valid {
		return tracking.LocationSample{}, false
	}
	s := tracking.LocationSample{
		Latitude:  d.Latitude.Value,
		Longitude: d.Longitude.Value,
		Accuracy:  d.Accuracy.Ptr(),
		Speed:     d.Speed.Ptr(),
		Heading:   d.Heading.Ptr(),
	}
	s.Timestamp, _ = parseOptionalTime(d.Timestamp)
	return s, true
}

type userDTO struct {
	ID           tracking.FlexInt `json:"id"`
	Name         string           `json:"name"`
	Latest       *sampleDTO       `json:"latest"`
	IsOnline     *bool            `json:"isOnline"`
	LastActivity string           `json:"lastActivity"`
}

func (d userDTO) presence() (presence.WorkerPresence, bool) {
	if !d.ID.Valid || d.Latest == nil {
		return presence.WorkerPresence{}, false
	}
	sample, ok := d.Latest.sample()
	if !ok {
		return presence.WorkerPresence{}, false
	}
	p := presence.WorkerPresence{
		ID:       d.ID.Value,
		Name:     d.Name,
		Latest:   sample,
		IsOnline: d.IsOnline == nil || *d.IsOnline,
	}
	p.LastActivity, _ = parseOptionalTime(d.LastActivity)
	return p, true
}

type sessionDTO struct {
	ID        string           `json:"id"`
	UserID    tracking.FlexInt `json:"userId"`
	UserName  string           `json:"userName"`
	StartTime string           `json:"startTime"`
	EndTime   string           `json:"endTime"`
	Points    []sampleDTO      `json:"points"`
	IsActive  *bool            `json:"isActive"`
}

func (d sessionDTO) route() (route.SessionRoute, bool) {
	if d.ID == "" || !d.UserID.Valid {
		return route.SessionRoute{}, false
	}
	r := route.SessionRoute{
		ID:       d.ID,
		UserID:   d.UserID.Value,
		UserName: d.UserName,
		Points:   []tracking.LocationSample{},
	}
	r.StartTime, _ = parseOptionalTime(d.StartTime)
	if end, ok := parseOptionalTime(d.EndTime); ok {
		r.EndTime = &end
	}
	r.IsActive = r.EndTime == nil
	if d.IsActive != nil {
		r.IsActive = *d.IsActive
	}
	for _, p := range d.Points {
		if s, ok := p.sample(); ok {
			r.Points = append(r.Points, s)
		}
	}
	return r, true
}

type formDTO struct {
	ID          tracking.FlexInt   `json:"id"`
	Latitude    tracking.FlexFloat `json:"latitude"`
	Longitude   tracking.FlexFloat `json:"longitude"`
	Consecutivo string             `json:"consecutivo"`
	Empresa     string             `json:"empresa"`
	Timestamp   string             `json:"timestamp"`
	CreatedAt   string             `json:"created_at"`
	UserName    string             `json:"userName"`
	UserNameAlt string             `json:"user_name"`
	Type        string             `json:"type"`
}

func (d formDTO) marker() (marker.FormMarker, bool) {
	if !d.ID.Valid || !d.Latitude.Valid || !d.Longitude.Valid {
		return marker.FormMarker{}, false
	}
	m := marker.FormMarker{
		ID:          d.ID.Value,
		Latitude:    d.Latitude.Value,
		Longitude:   d.Longitude.Value,
		Consecutivo: d.Consecutivo,
		Empresa:     d.Empresa,
		UserName:    d.UserName,
		Type:        tracking.EventType(d.Type),
	}
	if m.UserName == "" {
		m.UserName = d.UserNameAlt
	}
	ts := d.Timestamp
	if ts == "" {
		ts = d.CreatedAt
	}
	m.Timestamp, _ = parseOptionalTime(ts)
	return m, true
}

// LocationRecord is one raw row of a worker's tracking history. Every field may
// be missing or null; the history package decides what is usable.
type LocationRecord struct {
	Latitude  tracking.FlexFloat `json:"latitude"`
	Longitude tracking.FlexFloat `json:"longitude"`
	Accuracy  tracking.FlexFloat `json:"accuracy"`
	Speed     tracking.FlexFloat `json:"speed"`
	Heading   tracking.FlexFloat `json:"heading"`
	Timestamp string             `json:"timestamp"`
	Type      string             `json:"type"`
	FormID    tracking.FlexInt   `json:"formId"`
	FormIDAlt tracking.FlexInt   `json:"form_id"`
	UserID    tracking.FlexInt   `json:"userId"`
	UserName  string             `json:"userName"`
}

func parseOptionalTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := tracking.ParseTimestamp(s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
