package history

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"backend-fieldtrack/internal/api"
	"backend-fieldtrack/internal/shared/apperr"
	"backend-fieldtrack/internal/shared/geo"
	"backend-fieldtrack/internal/tracking"
)

type fakeFetcher struct {
	mu      sync.Mutex
	calls   int
	records []api.LocationRecord
	err     error
	gate    map[int]chan struct{}
}

func (f *fakeFetcher) Locations(ctx context.Context, userID int, _ time.Time) ([]api.LocationRecord, error) {
	f.mu.Lock()
	f.calls++
	gate := f.gate[userID]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.records, nil
}

func records(t *testing.T, raw string) []api.LocationRecord {
	t.Helper()
	var out []api.LocationRecord
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		t.Fatalf("records: %v", err)
	}
	return out
}

var playDate = time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)

func TestFetchRouteNetworkFailureYieldsEmpty(t *testing.T) {
	fetcher := &fakeFetcher{err: &apperr.NetworkError{Op: "locations", Retryable: true, Err: errors.New("connection refused")}}
	svc := NewService(fetcher)

	events, err := svc.FetchRoute(context.Background(), 42, playDate)
	if err == nil {
		t.Fatalf("expected error surfaced")
	}
	if events == nil || len(events) != 0 {
		t.Fatalf("expected empty non-nil slice, got %v", events)
	}
}

func TestFetchRouteNeverCaches(t *testing.T) {
	fetcher := &fakeFetcher{records: records(t, `[{"latitude":4.6,"longitude":-74.1,"timestamp":"2025-01-10T08:00:00Z"}]`)}
	svc := NewService(fetcher)

	for i := 0; i < 3; i++ {
		if _, err := svc.FetchRoute(context.Background(), 1, playDate); err != nil {
			t.Fatalf("fetch: %v", err)
		}
	}
	if fetcher.calls != 3 {
		t.Fatalf("expected a request per call, got %d", fetcher.calls)
	}
}

func TestNormalize(t *testing.T) {
	raw := records(t, `[
		{"latitude":4.61,"longitude":-74.1,"timestamp":"2025-01-10T08:10:00Z","type":"tracking"},
		{"latitude":"4.60","longitude":"-74.1","timestamp":"2025-01-10 08:00:00","type":"login","formId":null},
		{"latitude":null,"longitude":-74.1,"timestamp":"2025-01-10T08:05:00Z"},
		{"latitude":4.62,"longitude":-74.1,"timestamp":"garbage"},
		{"latitude":4.63,"longitude":-74.1,"timestamp":"2025-01-10T08:20:00Z","type":"form_start","form_id":"15"},
		{"latitude":4.64,"longitude":-74.1,"timestamp":"2025-01-10T08:30:00Z","type":"weird"}
	]`)

	events := Normalize(42, raw)
	if len(events) != 4 {
		t.Fatalf("expected 4 usable events, got %d", len(events))
	}
	if events[0].Type != tracking.EventLogin || events[0].FormID != nil {
		t.Fatalf("expected login first after ordering, got %+v", events[0])
	}
	if events[2].FormID == nil || *events[2].FormID != 15 {
		t.Fatalf("expected form id from form_id alias")
	}
	if events[3].Type != tracking.EventTracking {
		t.Fatalf("expected unknown type read as tracking")
	}
	for _, ev := range events {
		if ev.UserID != 42 {
			t.Fatalf("expected user id defaulted")
		}
	}
}

func TestSummarize(t *testing.T) {
	base := playDate.Add(8 * time.Hour)
	ev := func(kind tracking.EventType, minute int, lat float64) tracking.TrackingEvent {
		return tracking.TrackingEvent{
			LocationSample: tracking.LocationSample{Latitude: lat, Longitude: 0, Timestamp: base.Add(time.Duration(minute) * time.Minute)},
			Type:           kind,
		}
	}
	events := []tracking.TrackingEvent{
		ev(tracking.EventLogin, 0, 0),
		ev(tracking.EventTracking, 10, 0.01),
		ev(tracking.EventFormStart, 15, 0.01),
		ev(tracking.EventLogout, 20, 0.02),
		ev(tracking.EventLogin, 60, 1.0),
		ev(tracking.EventLogout, 70, 1.0),
	}

	sum := Summarize(42, playDate, events)
	want := geo.HaversineM(0, 0, 0.02, 0)
	if math.Abs(sum.DistanceM-want) > 0.01 {
		t.Fatalf("expected %.2f m excluding the gap, got %.2f", want, sum.DistanceM)
	}
	if sum.Sessions != 2 || sum.Forms != 1 || sum.PointCount != 6 {
		t.Fatalf("unexpected counts %+v", sum)
	}
	if sum.DurationSec != 70*60 || sum.Date != "2025-01-10" {
		t.Fatalf("unexpected duration/date %+v", sum)
	}
	if empty := Summarize(1, playDate, nil); empty.PointCount != 0 || empty.DistanceM != 0 {
		t.Fatalf("expected empty summary")
	}
}

func TestPlaybackDiscardsStaleResponse(t *testing.T) {
	fetcher := &fakeFetcher{
		records: records(t, `[{"latitude":4.6,"longitude":-74.1,"timestamp":"2025-01-10T08:00:00Z"}]`),
		gate:    map[int]chan struct{}{1: make(chan struct{})},
	}
	p := NewPlayback(NewService(fetcher))

	type result struct {
		snap Snapshot
		ok   bool
	}
	first := make(chan result, 1)
	go func() {
		s, ok := p.Select(context.Background(), 1, playDate)
		first <- result{s, ok}
	}()

	deadline := time.After(time.Second)
	for {
		fetcher.mu.Lock()
		calls := fetcher.calls
		fetcher.mu.Unlock()
		if calls == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for first fetch")
		case <-time.After(time.Millisecond):
		}
	}

	second, ok := p.Select(context.Background(), 2, playDate)
	if !ok || second.UserID != 2 {
		t.Fatalf("expected newer selection applied")
	}

	close(fetcher.gate[1])
	res := <-first
	if res.ok {
		t.Fatalf("expected superseded response discarded")
	}
	if cur := p.Current(); cur.UserID != 2 || cur.Generation != second.Generation {
		t.Fatalf("expected current selection to stay on user 2, got %+v", cur)
	}
}

func TestPlaybackRecordsError(t *testing.T) {
	p := NewPlayback(NewService(&fakeFetcher{err: errors.New("offline")}))
	snap, ok := p.Select(context.Background(), 42, playDate)
	if !ok || snap.Error == "" || len(snap.Events) != 0 {
		t.Fatalf("expected empty snapshot with error, got %+v", snap)
	}
}

func TestViewersIsolated(t *testing.T) {
	v := NewViewers(NewService(&fakeFetcher{}))
	a := v.For("admin-1")
	if v.For("admin-1") != a {
		t.Fatalf("expected same playback for same viewer")
	}
	if v.For("admin-2") == a {
		t.Fatalf("expected distinct playback per viewer")
	}
}
