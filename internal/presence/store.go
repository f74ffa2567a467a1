package presence

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"backend-fieldtrack/internal/tracking"
)

// DefaultStaleAfter is how long a worker may go quiet before being shown offline.
const DefaultStaleAfter = 5 * time.Minute

// Store keeps one WorkerPresence per worker id. Entries are never removed;
// silence demotes them to offline.
type Store struct {
	mu         sync.RWMutex
	workers    map[int]WorkerPresence
	staleAfter time.Duration
	now        func() time.Time
}

func NewStore(staleAfter time.Duration) *Store {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Store{
		workers:    map[int]WorkerPresence{},
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// Upsert records ev as the latest state of its worker. Events without a user id
// are ignored.
func (s *Store) Upsert(ev tracking.TrackingEvent) (WorkerPresence, bool) {
	if ev.UserID <= 0 {
		return WorkerPresence{}, false
	}

	activity := ev.Timestamp
	if activity.IsZero() {
		activity = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	name := ev.UserName
	if name == "" {
		name = s.workers[ev.UserID].Name
	}
	p := WorkerPresence{
		ID:           ev.UserID,
		Name:         name,
		Latest:       ev.LocationSample,
		IsOnline:     true,
		LastActivity: activity,
	}
	s.workers[ev.UserID] = p
	return p, true
}

// Load merges a REST snapshot. Snapshot entries no newer than what the store
// already holds are skipped, and entries already past the stale window arrive
// offline.
func (s *Store) Load(snapshot []WorkerPresence) int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	applied := 0
	for _, p := range snapshot {
		if p.ID <= 0 {
			continue
		}
		if p.LastActivity.IsZero() {
			p.LastActivity = p.Latest.Timestamp
		}
		if cur, ok := s.workers[p.ID]; ok && !p.LastActivity.After(cur.LastActivity) {
			continue
		}
		if now.Sub(p.LastActivity) > s.staleAfter {
			p.IsOnline = false
		}
		s.workers[p.ID] = p
		applied++
	}
	return applied
}

func (s *Store) Get(id int) (WorkerPresence, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.workers[id]
	return p, ok
}

// List returns every known worker ordered by id.
func (s *Store) List() []WorkerPresence {
	s.mu.RLock()
	out := make([]WorkerPresence, 0, len(s.workers))
	for _, p := range s.workers {
		out = append(out, p)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Counts returns the number of online workers and the total known.
func (s *Store) Counts() (online, total int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.workers {
		if p.IsOnline {
			online++
		}
	}
	return online, len(s.workers)
}

// SweepStale marks workers offline when their last activity is older than the
// stale timeout and returns the ids it demoted.
func (s *Store) SweepStale(now time.Time) []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var demoted []int
	for id, p := range s.workers {
		if p.IsOnline && now.Sub(p.LastActivity) > s.staleAfter {
			p.IsOnline = false
			s.workers[id] = p
			demoted = append(demoted, id)
		}
	}
	sort.Ints(demoted)
	return demoted
}

// Run sweeps on every tick until ctx is done. onDemote may be nil.
func (s *Store) Run(ctx context.Context, interval time.Duration, onDemote func([]WorkerPresence)) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids := s.SweepStale(s.now())
			if len(ids) == 0 {
				continue
			}
			log.Printf("presence: %d worker(s) went offline", len(ids))
			if onDemote != nil {
				demoted := make([]WorkerPresence, 0, len(ids))
				for _, id := range ids {
					if p, ok := s.Get(id); ok {
						demoted = append(demoted, p)
					}
				}
				onDemote(demoted)
			}
		}
	}
}
