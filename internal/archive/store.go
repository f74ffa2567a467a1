// Package archive persists closed session routes to Postgres so a day's
// routes survive restarts of the tracking service.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"backend-fieldtrack/internal/db"
	"backend-fieldtrack/internal/route"
	"backend-fieldtrack/internal/tracking"
)

const schema = `
CREATE TABLE IF NOT EXISTS session_routes (
	id               TEXT PRIMARY KEY,
	user_id          INTEGER NOT NULL,
	user_name        TEXT NOT NULL DEFAULT '',
	started_at       TIMESTAMPTZ NOT NULL,
	ended_at         TIMESTAMPTZ,
	total_distance_m DOUBLE PRECISION NOT NULL DEFAULT 0,
	point_count      INTEGER NOT NULL DEFAULT 0,
	path             JSONB NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS session_routes_user_started ON session_routes (user_id, started_at);
`

const saveTimeout = 5 * time.Second

type Store struct {
	db db.Querier
}

func NewStore(q db.Querier) *Store {
	return &Store{db: q}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, schema)
	return err
}

// SaveRoute upserts r. Saving the same route twice keeps the latest copy.
func (s *Store) SaveRoute(ctx context.Context, r route.SessionRoute) error {
	path, err := json.Marshal(r.Points)
	if err != nil {
		return fmt.Errorf("encode path %s: %w", r.ID, err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO session_routes (id, user_id, user_name, started_at, ended_at, total_distance_m, point_count, path)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE
		SET ended_at = EXCLUDED.ended_at,
		    total_distance_m = EXCLUDED.total_distance_m,
		    point_count = EXCLUDED.point_count,
		    path = EXCLUDED.path
	`, r.ID, r.UserID, r.UserName, r.StartTime, r.EndTime, r.TotalDistance, len(r.Points), path)
	return err
}

// RoutesForDay returns the archived routes a worker started on day, in the
// day's own time zone.
func (s *Store) RoutesForDay(ctx context.Context, userID int, day time.Time) ([]route.SessionRoute, error) {
	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	to := from.AddDate(0, 0, 1)

	rows, err := s.db.Query(ctx, `
		SELECT id, user_id, user_name, started_at, ended_at, total_distance_m, path
		FROM session_routes
		WHERE user_id=$1 AND started_at >= $2 AND started_at < $3
		ORDER BY started_at
	`, userID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	routes := []route.SessionRoute{}
	for rows.Next() {
		var r route.SessionRoute
		var path []byte
		if err := rows.Scan(&r.ID, &r.UserID, &r.UserName, &r.StartTime, &r.EndTime, &r.TotalDistance, &path); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(path, &r.Points); err != nil {
			return nil, fmt.Errorf("decode path %s: %w", r.ID, err)
		}
		if r.Points == nil {
			r.Points = []tracking.LocationSample{}
		}
		r.IsActive = r.EndTime == nil
		routes = append(routes, r)
	}
	return routes, rows.Err()
}

// OnClose returns a route close hook that archives in the background.
func (s *Store) OnClose() func(route.SessionRoute) {
	return func(r route.SessionRoute) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
			defer cancel()
			if err := s.SaveRoute(ctx, r); err != nil {
				log.Printf("archive: save route %s: %v", r.ID, err)
			}
		}()
	}
}
