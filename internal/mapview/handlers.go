// Package mapview serves the read-only map state to admin clients.
package mapview

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"backend-fieldtrack/internal/history"
	"backend-fieldtrack/internal/ingest"
	"backend-fieldtrack/internal/marker"
	"backend-fieldtrack/internal/presence"
	"backend-fieldtrack/internal/route"

	"github.com/gofiber/fiber/v2"
)

const dateLayout = "2006-01-02"

type StatusReporter interface {
	Status() ingest.Status
}

type ArchiveReader interface {
	RoutesForDay(ctx context.Context, userID int, day time.Time) ([]route.SessionRoute, error)
}

type Deps struct {
	Presence *presence.Store
	Routes   *route.Accumulator
	Markers  *marker.Registry
	Channel  StatusReporter
	History  *history.Viewers
	// Archive is nil when no Postgres is configured.
	Archive  ArchiveReader
	Location *time.Location
}

type statusResponse struct {
	Channel        ingest.Status `json:"channel"`
	OnlineWorkers  int           `json:"online_workers"`
	KnownWorkers   int           `json:"known_workers"`
	ActiveSessions int           `json:"active_sessions"`
	Markers        int           `json:"markers"`
}

func RegisterRoutes(r fiber.Router, d Deps, authMiddleware fiber.Handler) {
	if d.Location == nil {
		d.Location = time.Local
	}
	g := r.Group("", authMiddleware)

	g.Get("/presence", func(c *fiber.Ctx) error {
		onlineOnly := c.QueryBool("online", false)
		views := []presence.View{}
		for _, p := range d.Presence.List() {
			if onlineOnly && !p.IsOnline {
				continue
			}
			views = append(views, presence.NewView(p))
		}
		return c.JSON(views)
	})

	g.Get("/presence/:id", func(c *fiber.Ctx) error {
		id, err := strconv.Atoi(c.Params("id"))
		if err != nil || id <= 0 {
			return fiber.NewError(fiber.StatusBadRequest, "invalid worker id")
		}
		p, ok := d.Presence.Get(id)
		if !ok {
			return fiber.NewError(fiber.StatusNotFound, "worker not found")
		}
		return c.JSON(presence.NewView(p))
	})

	g.Get("/sessions", func(c *fiber.Ctx) error {
		if uid := c.QueryInt("user_id", 0); uid > 0 {
			return c.JSON(d.Routes.ForUser(uid))
		}
		if c.QueryBool("active", false) {
			return c.JSON(d.Routes.Active())
		}
		return c.JSON(d.Routes.List())
	})

	g.Get("/sessions/:id", func(c *fiber.Ctx) error {
		r, ok := d.Routes.Get(c.Params("id"))
		if !ok {
			return fiber.NewError(fiber.StatusNotFound, "session not found")
		}
		return c.JSON(r)
	})

	g.Get("/markers", func(c *fiber.Ctx) error {
		if c.Query("date") == "all" {
			return c.JSON(d.Markers.List())
		}
		day, err := parseDay(c.Query("date"), d.Location)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		return c.JSON(d.Markers.ForDay(day))
	})

	g.Get("/status", func(c *fiber.Ctx) error {
		online, total := d.Presence.Counts()
		resp := statusResponse{
			OnlineWorkers:  online,
			KnownWorkers:   total,
			ActiveSessions: len(d.Routes.Active()),
			Markers:        d.Markers.Len(),
		}
		if d.Channel != nil {
			resp.Channel = d.Channel.Status()
		}
		return c.JSON(resp)
	})

	g.Get("/history", func(c *fiber.Ctx) error {
		userID, day, err := userAndDay(c, d.Location)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		snap, ok := d.History.For(viewerID(c)).Select(c.UserContext(), userID, day)
		if !ok {
			return fiber.NewError(fiber.StatusConflict, "superseded by a newer selection")
		}
		return c.JSON(snap)
	})

	g.Get("/history/current", func(c *fiber.Ctx) error {
		return c.JSON(d.History.For(viewerID(c)).Current())
	})

	g.Get("/archive", func(c *fiber.Ctx) error {
		if d.Archive == nil {
			return fiber.NewError(fiber.StatusServiceUnavailable, "route archive not configured")
		}
		userID, day, err := userAndDay(c, d.Location)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		routes, err := d.Archive.RoutesForDay(c.UserContext(), userID, day)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(routes)
	})
}

func userAndDay(c *fiber.Ctx, loc *time.Location) (int, time.Time, error) {
	userID, err := strconv.Atoi(c.Query("user_id"))
	if err != nil || userID <= 0 {
		return 0, time.Time{}, fmt.Errorf("user_id required")
	}
	day, err := parseDay(c.Query("date"), loc)
	if err != nil {
		return 0, time.Time{}, err
	}
	return userID, day, nil
}

// parseDay reads YYYY-MM-DD in loc; empty means today.
func parseDay(s string, loc *time.Location) (time.Time, error) {
	if s == "" {
		return time.Now().In(loc), nil
	}
	day, err := time.ParseInLocation(dateLayout, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("date must be YYYY-MM-DD")
	}
	return day, nil
}

func viewerID(c *fiber.Ctx) string {
	if id, ok := c.Locals("user_id").(string); ok && id != "" {
		return id
	}
	return "anonymous"
}
