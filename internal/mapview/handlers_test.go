package mapview

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"backend-fieldtrack/internal/api"
	"backend-fieldtrack/internal/history"
	"backend-fieldtrack/internal/ingest"
	"backend-fieldtrack/internal/marker"
	"backend-fieldtrack/internal/presence"
	"backend-fieldtrack/internal/route"
	"backend-fieldtrack/internal/tracking"

	"github.com/gofiber/fiber/v2"
)

type fixedStatus ingest.Status

func (s fixedStatus) Status() ingest.Status { return ingest.Status(s) }

type fakeArchive struct {
	routes []route.SessionRoute
	err    error
	gotDay time.Time
}

func (a *fakeArchive) RoutesForDay(_ context.Context, _ int, day time.Time) ([]route.SessionRoute, error) {
	a.gotDay = day
	return a.routes, a.err
}

type fakeLocations struct{}

func (fakeLocations) Locations(context.Context, int, time.Time) ([]api.LocationRecord, error) {
	var out []api.LocationRecord
	_ = json.Unmarshal([]byte(`[
		{"latitude":4.60,"longitude":-74.08,"timestamp":"2025-01-10T10:00:00Z","type":"login"},
		{"latitude":4.61,"longitude":-74.08,"timestamp":"2025-01-10T10:05:00Z"}
	]`), &out)
	return out, nil
}

func event(kind tracking.EventType, userID int, ts time.Time) tracking.TrackingEvent {
	return tracking.TrackingEvent{
		LocationSample: tracking.LocationSample{Latitude: 4.6, Longitude: -74.08, Timestamp: ts},
		Type:           kind,
		UserID:         userID,
		UserName:       "Ana",
		SessionID:      "s-1",
	}
}

func setup(t *testing.T, archive ArchiveReader) (*fiber.App, Deps) {
	t.Helper()
	now := time.Now().UTC()
	d := Deps{
		Presence: presence.NewStore(presence.DefaultStaleAfter),
		Routes:   route.NewAccumulator(),
		Markers:  marker.NewRegistry(time.UTC),
		Channel:  fixedStatus{State: ingest.StateSubscribed, Connected: true},
		History:  history.NewViewers(history.NewService(fakeLocations{})),
		Archive:  archive,
		Location: time.UTC,
	}
	d.Presence.Upsert(event(tracking.EventLogin, 1, now))
	d.Routes.Apply(event(tracking.EventLogin, 1, now))
	d.Markers.Register(tracking.FormEvent{ID: 5, Type: tracking.EventFormStart, Latitude: 4.6, Longitude: -74.08, HasLocation: true, Timestamp: now})

	app := fiber.New()
	RegisterRoutes(app.Group("/map"), d, func(c *fiber.Ctx) error {
		c.Locals("user_id", "admin-1")
		return c.Next()
	})
	return app, d
}

func get(t *testing.T, app *fiber.App, path string, out any) int {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, path, nil))
	if err != nil {
		t.Fatalf("request %s: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		if err := json.Unmarshal(body, out); err != nil {
			t.Fatalf("decode %s: %v (%s)", path, err, body)
		}
	}
	return resp.StatusCode
}

func TestPresenceEndpoints(t *testing.T) {
	app, _ := setup(t, nil)

	var views []presence.View
	if code := get(t, app, "/map/presence", &views); code != http.StatusOK || len(views) != 1 {
		t.Fatalf("unexpected presence list %d %v", code, views)
	}
	if views[0].Motion != presence.MotionStatic || !views[0].IsOnline {
		t.Fatalf("unexpected view %+v", views[0])
	}

	var one presence.View
	if code := get(t, app, "/map/presence/1", &one); code != http.StatusOK || one.ID != 1 {
		t.Fatalf("unexpected worker %d %+v", code, one)
	}
	if code := get(t, app, "/map/presence/99", nil); code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
	if code := get(t, app, "/map/presence/abc", nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
}

func TestSessionEndpoints(t *testing.T) {
	app, _ := setup(t, nil)

	var active []route.SessionRoute
	if code := get(t, app, "/map/sessions?active=true", &active); code != http.StatusOK || len(active) != 1 {
		t.Fatalf("unexpected active sessions %d %v", code, active)
	}
	var forUser []route.SessionRoute
	if get(t, app, "/map/sessions?user_id=2", &forUser); len(forUser) != 0 {
		t.Fatalf("expected no sessions for user 2")
	}

	var r route.SessionRoute
	if code := get(t, app, "/map/sessions/s-1", &r); code != http.StatusOK || !r.IsActive || len(r.Points) != 1 {
		t.Fatalf("unexpected session %d %+v", code, r)
	}
	if code := get(t, app, "/map/sessions/missing", nil); code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
}

func TestMarkerEndpoint(t *testing.T) {
	app, _ := setup(t, nil)

	var today []marker.FormMarker
	if code := get(t, app, "/map/markers", &today); code != http.StatusOK || len(today) != 1 {
		t.Fatalf("unexpected markers today %d %v", code, today)
	}
	var old []marker.FormMarker
	if get(t, app, "/map/markers?date=2001-01-01", &old); len(old) != 0 {
		t.Fatalf("expected no markers on an old day")
	}
	if code := get(t, app, "/map/markers?date=yesterday", nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	app, _ := setup(t, nil)

	var st statusResponse
	if code := get(t, app, "/map/status", &st); code != http.StatusOK {
		t.Fatalf("status code %d", code)
	}
	if !st.Channel.Connected || st.OnlineWorkers != 1 || st.ActiveSessions != 1 || st.Markers != 1 {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	app, d := setup(t, nil)

	var snap history.Snapshot
	if code := get(t, app, "/map/history?user_id=42&date=2025-01-10", &snap); code != http.StatusOK {
		t.Fatalf("history code %d", code)
	}
	if snap.UserID != 42 || len(snap.Events) != 2 || snap.Summary.DistanceM <= 0 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	var current history.Snapshot
	get(t, app, "/map/history/current", &current)
	if current.Generation != snap.Generation || d.History.For("admin-1").Current().UserID != 42 {
		t.Fatalf("expected selection kept per viewer")
	}

	if code := get(t, app, "/map/history?date=2025-01-10", nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400 without user id, got %d", code)
	}
}

func TestArchiveEndpoint(t *testing.T) {
	app, _ := setup(t, nil)
	if code := get(t, app, "/map/archive?user_id=1&date=2025-01-10", nil); code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without archive, got %d", code)
	}

	arch := &fakeArchive{routes: []route.SessionRoute{{ID: "s-9", UserID: 1}}}
	app, _ = setup(t, arch)
	var routes []route.SessionRoute
	if code := get(t, app, "/map/archive?user_id=1&date=2025-01-10", &routes); code != http.StatusOK || len(routes) != 1 {
		t.Fatalf("unexpected archive %d %v", code, routes)
	}
	if arch.gotDay.Format(dateLayout) != "2025-01-10" {
		t.Fatalf("unexpected day %v", arch.gotDay)
	}

	arch.err = errors.New("db down")
	if code := get(t, app, "/map/archive?user_id=1&date=2025-01-10", nil); code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", code)
	}
}
