package route

import (
	"sync"
	"time"

	"backend-fieldtrack/internal/shared/geo"
	"backend-fieldtrack/internal/tracking"

	"github.com/google/uuid"
)

type session struct {
	id     string
	userID int

	mu    sync.Mutex
	route SessionRoute

	// distance cache: metres covered by the first measured points
	measured int
	meters   float64
}

func (s *session) snapshot() SessionRoute {
	s.mu.Lock()
	defer s.mu.Unlock()

	pts := s.route.Points
	if s.measured > len(pts) {
		s.measured, s.meters = 0, 0
	}
	for i := max(s.measured, 1); i < len(pts); i++ {
		s.meters += geo.HaversineM(pts[i-1].Latitude, pts[i-1].Longitude, pts[i].Latitude, pts[i].Longitude)
	}
	s.measured = len(pts)

	out := s.route
	out.Points = append([]tracking.LocationSample(nil), pts...)
	out.TotalDistance = s.meters
	if s.route.EndTime != nil {
		end := *s.route.EndTime
		out.EndTime = &end
	}
	return out
}

// snapshotGrace is how long a live route may be missing from the active-session
// snapshot before it is treated as ended.
const snapshotGrace = 5 * time.Minute

// Accumulator builds session routes from login/tracking/logout events.
// Points are kept in arrival order, never re-sorted by timestamp.
type Accumulator struct {
	mu       sync.RWMutex
	sessions map[string]*session
	active   map[int]string
	order    []string
	newID    func() string
	now      func() time.Time

	// most recently closed session per user, for late samples without a session id
	lastClosed map[int]string

	// OnClose receives a snapshot of every route that closes. It runs on the
	// goroutine that applied the closing event.
	OnClose func(SessionRoute)
}

func NewAccumulator() *Accumulator {
	return &Accumulator{
		sessions:   map[string]*session{},
		active:     map[int]string{},
		lastClosed: map[int]string{},
		newID:      uuid.NewString,
		now:        time.Now,
	}
}

// Apply folds one event into the routes and returns the affected route id.
func (a *Accumulator) Apply(ev tracking.TrackingEvent) (string, Outcome) {
	if ev.UserID <= 0 {
		return "", Ignored
	}
	switch ev.Type {
	case tracking.EventLogin:
		return a.open(ev)
	case tracking.EventTracking:
		return a.appendPoint(ev)
	case tracking.EventLogout:
		return a.close(ev)
	default:
		return "", Ignored
	}
}

func (a *Accumulator) open(ev tracking.TrackingEvent) (string, Outcome) {
	id := ev.SessionID
	if id == "" {
		id = a.newID()
	}

	a.mu.Lock()
	if _, exists := a.sessions[id]; exists {
		a.mu.Unlock()
		return id, Ignored
	}

	var superseded *session
	if prevID, ok := a.active[ev.UserID]; ok {
		superseded = a.sessions[prevID]
	}

	a.sessions[id] = &session{id: id, userID: ev.UserID, route: SessionRoute{
		ID:        id,
		UserID:    ev.UserID,
		UserName:  ev.UserName,
		StartTime: ev.Timestamp,
		Points:    []tracking.LocationSample{ev.LocationSample},
		IsActive:  true,
	}}
	a.active[ev.UserID] = id
	a.order = append(a.order, id)
	if superseded != nil {
		a.lastClosed[ev.UserID] = superseded.id
	}
	a.mu.Unlock()

	// A second login without logout ends the previous session at the new login time.
	if superseded != nil && superseded.finish(ev.Timestamp) {
		a.closed(superseded)
	}
	return id, Opened
}

func (a *Accumulator) appendPoint(ev tracking.TrackingEvent) (string, Outcome) {
	s := a.resolve(ev)
	if s == nil {
		return "", Ignored
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.route.IsActive {
		return s.id, Late
	}
	s.route.Points = append(s.route.Points, ev.LocationSample)
	if ev.UserName != "" {
		s.route.UserName = ev.UserName
	}
	return s.id, Appended
}

func (a *Accumulator) close(ev tracking.TrackingEvent) (string, Outcome) {
	s := a.resolve(ev)
	if s == nil {
		return "", Ignored
	}
	if !s.finish(ev.Timestamp) {
		return s.id, Ignored
	}

	a.mu.Lock()
	if a.active[ev.UserID] == s.id {
		delete(a.active, ev.UserID)
	}
	a.lastClosed[ev.UserID] = s.id
	a.mu.Unlock()

	a.closed(s)
	return s.id, Closed
}

func (s *session) finish(at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.route.IsActive {
		return false
	}
	end := at
	s.route.EndTime = &end
	s.route.IsActive = false
	return true
}

func (a *Accumulator) closed(s *session) {
	if a.OnClose != nil {
		a.OnClose(s.snapshot())
	}
}

// resolve finds the route an event belongs to: its explicit session id, the
// user's active session, or failing both the user's last closed session.
// Sessions keep their id after closing so late samples can be recognised.
func (a *Accumulator) resolve(ev tracking.TrackingEvent) *session {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if ev.SessionID != "" {
		s := a.sessions[ev.SessionID]
		if s != nil && s.userID != ev.UserID {
			return nil
		}
		return s
	}
	if id, ok := a.active[ev.UserID]; ok {
		return a.sessions[id]
	}
	if id, ok := a.lastClosed[ev.UserID]; ok {
		return a.sessions[id]
	}
	return nil
}

// Load merges the active-session snapshot from the REST API. A route the push
// channel has already extended further than the snapshot is left alone. A
// snapshot route replacing a different live session for the same user ends
// that session, and live routes the snapshot no longer lists are ended once
// they have been quiet for snapshotGrace.
func (a *Accumulator) Load(routes []SessionRoute) int {
	now := a.now()
	var ended []*session

	a.mu.Lock()
	listed := make(map[string]bool, len(routes))
	applied := 0
	for _, r := range routes {
		if r.ID == "" || r.UserID <= 0 {
			continue
		}
		listed[r.ID] = true
		r.Points = append([]tracking.LocationSample(nil), r.Points...)
		r.TotalDistance = 0

		if cur, ok := a.sessions[r.ID]; ok {
			if cur.userID != r.UserID {
				continue
			}
			cur.mu.Lock()
			stale := len(cur.route.Points) >= len(r.Points) || !cur.route.IsActive
			if !stale {
				cur.route = r
				cur.measured, cur.meters = 0, 0
			}
			cur.mu.Unlock()
			if stale {
				continue
			}
		} else {
			a.sessions[r.ID] = &session{id: r.ID, userID: r.UserID, route: r}
			a.order = append(a.order, r.ID)
		}
		if r.IsActive {
			if prevID, ok := a.active[r.UserID]; ok && prevID != r.ID {
				end := r.StartTime
				prev := a.sessions[prevID]
				if end.IsZero() && prev != nil {
					end = prev.lastActivity()
				}
				if prev != nil && prev.finish(end) {
					a.lastClosed[r.UserID] = prevID
					ended = append(ended, prev)
				}
			}
			a.active[r.UserID] = r.ID
		} else if a.active[r.UserID] == r.ID {
			delete(a.active, r.UserID)
			a.lastClosed[r.UserID] = r.ID
			ended = append(ended, a.sessions[r.ID])
		}
		applied++
	}

	for userID, id := range a.active {
		if listed[id] {
			continue
		}
		s := a.sessions[id]
		last := s.lastActivity()
		if now.Sub(last) <= snapshotGrace {
			continue
		}
		if s.finish(last) {
			ended = append(ended, s)
		}
		delete(a.active, userID)
		a.lastClosed[userID] = id
	}
	a.mu.Unlock()

	for _, s := range ended {
		a.closed(s)
	}
	return applied
}

// lastActivity is the time of the newest point, or the start time of an empty route.
func (s *session) lastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.route.Points); n > 0 {
		return s.route.Points[n-1].Timestamp
	}
	return s.route.StartTime
}

func (a *Accumulator) Get(id string) (SessionRoute, bool) {
	a.mu.RLock()
	s, ok := a.sessions[id]
	a.mu.RUnlock()
	if !ok {
		return SessionRoute{}, false
	}
	return s.snapshot(), true
}

// List returns every route in the order it was first seen.
func (a *Accumulator) List() []SessionRoute {
	return a.filter(func(SessionRoute) bool { return true })
}

func (a *Accumulator) Active() []SessionRoute {
	return a.filter(func(r SessionRoute) bool { return r.IsActive })
}

func (a *Accumulator) ForUser(userID int) []SessionRoute {
	return a.filter(func(r SessionRoute) bool { return r.UserID == userID })
}

func (a *Accumulator) filter(keep func(SessionRoute) bool) []SessionRoute {
	a.mu.RLock()
	sessions := make([]*session, 0, len(a.order))
	for _, id := range a.order {
		sessions = append(sessions, a.sessions[id])
	}
	a.mu.RUnlock()

	out := []SessionRoute{}
	for _, s := range sessions {
		if r := s.snapshot(); keep(r) {
			out = append(out, r)
		}
	}
	return out
}

// PruneClosed drops closed routes that ended before cutoff and returns how many
// were removed.
func (a *Accumulator) PruneClosed(cutoff time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	kept := a.order[:0]
	removed := 0
	for _, id := range a.order {
		s := a.sessions[id]
		s.mu.Lock()
		drop := !s.route.IsActive && s.route.EndTime != nil && s.route.EndTime.Before(cutoff)
		s.mu.Unlock()
		if drop {
			delete(a.sessions, id)
			if a.lastClosed[s.userID] == id {
				delete(a.lastClosed, s.userID)
			}
			removed++
			continue
		}
		kept = append(kept, id)
	}
	a.order = kept
	return removed
}
