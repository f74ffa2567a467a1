// Package history serves point-in-time route playback for one worker and day.
// It never caches: the current day keeps changing while workers are out.
package history

import (
	"context"
	"log"
	"sort"
	"time"

	"backend-fieldtrack/internal/api"
	"backend-fieldtrack/internal/shared/geo"
	"backend-fieldtrack/internal/tracking"
)

type Fetcher interface {
	Locations(ctx context.Context, userID int, date time.Time) ([]api.LocationRecord, error)
}

type Service struct {
	api Fetcher
}

func NewService(fetcher Fetcher) *Service {
	return &Service{api: fetcher}
}

// FetchRoute loads and normalises one day of tracking events. On failure it
// returns an empty slice together with the error.
func (s *Service) FetchRoute(ctx context.Context, userID int, date time.Time) ([]tracking.TrackingEvent, error) {
	records, err := s.api.Locations(ctx, userID, date)
	if err != nil {
		log.Printf("history: fetch user %d %s: %v", userID, date.Format("2006-01-02"), err)
		return []tracking.TrackingEvent{}, err
	}
	return Normalize(userID, records), nil
}

// Normalize turns raw history rows into events ordered by timestamp. Rows
// without coordinates or a parseable timestamp are dropped; an unknown or
// missing type is read as a plain tracking sample.
func Normalize(userID int, records []api.LocationRecord) []tracking.TrackingEvent {
	out := make([]tracking.TrackingEvent, 0, len(records))
	for _, r := range records {
		if !r.Latitude.Valid || !r.Longitude.Valid || !geo.ValidCoordinate(r.Latitude.Value, r.Longitude.Value) {
			continue
		}
		ts, err := tracking.ParseTimestamp(r.Timestamp)
		if err != nil {
			continue
		}

		kind := tracking.EventType(r.Type)
		if !kind.Valid() {
			kind = tracking.EventTracking
		}
		formID := r.FormID.Ptr()
		if formID == nil {
			formID = r.FormIDAlt.Ptr()
		}
		uid := userID
		if r.UserID.Valid && r.UserID.Value > 0 {
			uid = r.UserID.Value
		}

		out = append(out, tracking.TrackingEvent{
			LocationSample: tracking.LocationSample{
				Latitude:  r.Latitude.Value,
				Longitude: r.Longitude.Value,
				Accuracy:  r.Accuracy.Ptr(),
				Speed:     r.Speed.Ptr(),
				Heading:   r.Heading.Ptr(),
				Timestamp: ts,
			},
			Type:     kind,
			FormID:   formID,
			UserID:   uid,
			UserName: r.UserName,
		})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

type Summary struct {
	UserID          int     `json:"user_id"`
	Date            string  `json:"date"`
	PointCount      int     `json:"point_count"`
	Sessions        int     `json:"sessions"`
	Forms           int     `json:"forms"`
	DistanceM       float64 `json:"distance_m"`
	DurationSec     int64   `json:"duration_sec"`
	AverageSpeedMps float64 `json:"average_speed_mps"`
}

// Summarize measures the path over the location-bearing events. Distance is
// not counted across a logout/login gap.
func Summarize(userID int, date time.Time, events []tracking.TrackingEvent) Summary {
	sum := Summary{UserID: userID, Date: date.Format("2006-01-02"), PointCount: len(events)}
	if len(events) == 0 {
		return sum
	}

	var prev *tracking.TrackingEvent
	for i := range events {
		ev := &events[i]
		switch ev.Type {
		case tracking.EventLogin:
			sum.Sessions++
		case tracking.EventFormStart:
			sum.Forms++
		}
		if prev != nil && prev.Type != tracking.EventLogout && ev.Type != tracking.EventLogin {
			sum.DistanceM += geo.HaversineM(prev.Latitude, prev.Longitude, ev.Latitude, ev.Longitude)
		}
		prev = ev
	}

	duration := events[len(events)-1].Timestamp.Sub(events[0].Timestamp)
	sum.DurationSec = int64(duration.Seconds())
	if duration.Seconds() > 0 {
		sum.AverageSpeedMps = sum.DistanceM / duration.Seconds()
	}
	return sum
}
