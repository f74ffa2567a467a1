package history

import (
	"context"
	"sync"
	"time"

	"backend-fieldtrack/internal/tracking"
)

type Snapshot struct {
	Generation uint64                   `json:"generation"`
	UserID     int                      `json:"user_id"`
	Date       string                   `json:"date"`
	Events     []tracking.TrackingEvent `json:"events"`
	Summary    Summary                  `json:"summary"`
	Error      string                   `json:"error,omitempty"`
}

// Playback holds one viewer's current history selection. Selecting again while
// a fetch is in flight supersedes it: the older response is discarded.
type Playback struct {
	svc *Service

	mu      sync.Mutex
	gen     uint64
	current Snapshot
}

func NewPlayback(svc *Service) *Playback {
	return &Playback{svc: svc}
}

// Select fetches the route for userID/date. ok is false when a newer selection
// was made before this one completed.
func (p *Playback) Select(ctx context.Context, userID int, date time.Time) (Snapshot, bool) {
	p.mu.Lock()
	p.gen++
	gen := p.gen
	p.mu.Unlock()

	events, err := p.svc.FetchRoute(ctx, userID, date)

	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.gen {
		return Snapshot{}, false
	}

	snap := Snapshot{
		Generation: gen,
		UserID:     userID,
		Date:       date.Format("2006-01-02"),
		Events:     events,
		Summary:    Summarize(userID, date, events),
	}
	if err != nil {
		snap.Error = err.Error()
	}
	p.current = snap
	return snap, true
}

func (p *Playback) Current() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Viewers keeps one Playback per admin viewer.
type Viewers struct {
	svc *Service

	mu      sync.Mutex
	viewers map[string]*Playback
}

func NewViewers(svc *Service) *Viewers {
	return &Viewers{svc: svc, viewers: map[string]*Playback{}}
}

func (v *Viewers) For(viewerID string) *Playback {
	v.mu.Lock()
	defer v.mu.Unlock()
	p, ok := v.viewers[viewerID]
	if !ok {
		p = NewPlayback(v.svc)
		v.viewers[viewerID] = p
	}
	return p
}
