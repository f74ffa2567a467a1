// Package reconcile routes push-channel events into the presence, route and
// marker stores and republishes every change to map clients.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"backend-fieldtrack/internal/marker"
	"backend-fieldtrack/internal/metrics"
	"backend-fieldtrack/internal/presence"
	"backend-fieldtrack/internal/route"
	"backend-fieldtrack/internal/shared/apperr"
	"backend-fieldtrack/internal/tracking"
)

const (
	EventLocationUpdated = "location.updated"
	EventFormCreated     = "formulario.creado"
	EventFormUpdated     = "formulario.actualizado"
	EventAttendance      = "asistencia.marcada"
)

const (
	TopicPresence = "presence"
	TopicRoutes   = "routes"
	TopicMarkers  = "markers"
)

var Topics = []string{TopicPresence, TopicRoutes, TopicMarkers}

const refreshTimeout = 30 * time.Second

// Snapshots is the REST side used to seed and resync the stores.
type Snapshots interface {
	ActiveUsersLocations(ctx context.Context) ([]presence.WorkerPresence, error)
	ActiveSessions(ctx context.Context) ([]route.SessionRoute, error)
	FormsLocations(ctx context.Context, userID int, date time.Time) ([]marker.FormMarker, error)
}

type Notifier interface {
	Broadcast(topic string, payload []byte)
}

// Update is the frame map clients receive.
type Update struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type Config struct {
	RefreshInterval time.Duration
	SweepInterval   time.Duration
	// Retention is how long closed routes stay in memory.
	Retention time.Duration
	// RetryDelay is the pause before retrying a refresh that failed transiently.
	RetryDelay time.Duration
}

type Engine struct {
	Presence *presence.Store
	Routes   *route.Accumulator
	Markers  *marker.Registry

	api    Snapshots
	notify Notifier
	cfg    Config
	now    func() time.Time

	refreshing atomic.Bool
}

func NewEngine(p *presence.Store, r *route.Accumulator, m *marker.Registry, api Snapshots, notify Notifier, cfg Config) *Engine {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 15 * time.Second
	}
	return &Engine{
		Presence: p,
		Routes:   r,
		Markers:  m,
		api:      api,
		notify:   notify,
		cfg:      cfg,
		now:      time.Now,
	}
}

// HandleMessage is the push-channel entry point. Malformed and unknown events
// are logged and dropped.
func (e *Engine) HandleMessage(channel, event string, payload []byte) {
	switch event {
	case EventLocationUpdated:
		ev, err := tracking.DecodeLocationUpdate(payload)
		if err != nil {
			e.drop(event, "malformed", err)
			return
		}
		e.Apply(ev)
	case EventFormCreated, EventFormUpdated:
		kind := tracking.EventFormStart
		if event == EventFormUpdated {
			kind = tracking.EventFormEnd
		}
		fe, err := tracking.DecodeFormEvent(payload, kind)
		if err != nil {
			e.drop(event, "malformed", err)
			return
		}
		e.ApplyForm(fe)
	case EventAttendance:
		go e.refreshAsync()
	default:
		e.drop(event, "unknown_event", fmt.Errorf("unhandled event on %q", channel))
		return
	}
	metrics.EventsIngested.WithLabelValues(event).Inc()
}

func (e *Engine) drop(event, reason string, err error) {
	log.Printf("reconcile: dropping %s: %v", event, err)
	metrics.EventsDropped.WithLabelValues(reason).Inc()
}

// Apply records a location event in the presence store and the route
// accumulator.
func (e *Engine) Apply(ev tracking.TrackingEvent) {
	if p, ok := e.Presence.Upsert(ev); ok {
		e.broadcast(TopicPresence, "presence.updated", presence.NewView(p))
		e.updateOnline()
	}

	id, outcome := e.Routes.Apply(ev)
	switch {
	case outcome == route.Late:
		log.Printf("reconcile: late sample for closed session %s (user %d)", id, ev.UserID)
		metrics.EventsDropped.WithLabelValues("late_sample").Inc()
	case outcome.Changed():
		if r, ok := e.Routes.Get(id); ok {
			e.broadcast(TopicRoutes, "route."+outcome.String(), r)
		}
	}
}

func (e *Engine) ApplyForm(fe tracking.FormEvent) {
	m, changed := e.Markers.Register(fe)
	if changed {
		e.broadcast(TopicMarkers, "marker.updated", m)
	}
}

// Refresh reloads all three stores from the REST snapshots. A failing snapshot
// leaves its store untouched; the others are still applied.
func (e *Engine) Refresh(ctx context.Context) error {
	var errs []error

	if workers, err := e.api.ActiveUsersLocations(ctx); err != nil {
		errs = append(errs, fmt.Errorf("presence snapshot: %w", err))
	} else {
		e.Presence.Load(workers)
		e.updateOnline()
		e.publishSnapshot(TopicPresence)
	}

	if sessions, err := e.api.ActiveSessions(ctx); err != nil {
		errs = append(errs, fmt.Errorf("session snapshot: %w", err))
	} else {
		e.Routes.Load(sessions)
		e.publishSnapshot(TopicRoutes)
	}

	if markers, err := e.api.FormsLocations(ctx, 0, e.now()); err != nil {
		errs = append(errs, fmt.Errorf("marker snapshot: %w", err))
	} else {
		e.Markers.Load(markers)
		e.publishSnapshot(TopicMarkers)
	}

	return errors.Join(errs...)
}

func (e *Engine) refreshAsync() {
	if !e.refreshing.CompareAndSwap(false, true) {
		return
	}
	defer e.refreshing.Store(false)

	e.refresh(context.Background())
}

// refresh runs Refresh and, when the failure is transient, tries once more
// after RetryDelay. Anything still failing waits for the next interval.
func (e *Engine) refresh(ctx context.Context) {
	attempt := func() error {
		c, cancel := context.WithTimeout(ctx, refreshTimeout)
		defer cancel()
		return e.Refresh(c)
	}

	err := attempt()
	if err != nil && apperr.IsRetryable(err) {
		log.Printf("reconcile: refresh: %v; retrying in %s", err, e.cfg.RetryDelay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(e.cfg.RetryDelay):
		}
		err = attempt()
	}
	switch {
	case err == nil || ctx.Err() != nil:
	case errors.Is(err, apperr.ErrAuthentication):
		log.Printf("reconcile: refresh needs a valid API token: %v", err)
	default:
		log.Printf("reconcile: refresh: %v", err)
	}
}

// Run seeds the stores, then sweeps stale presence and resyncs on the
// configured intervals until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	e.refresh(ctx)

	go e.Presence.Run(ctx, e.cfg.SweepInterval, e.demoted)

	ticker := time.NewTicker(e.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.refresh(ctx)
			if n := e.Routes.PruneClosed(e.now().Add(-e.cfg.Retention)); n > 0 {
				log.Printf("reconcile: pruned %d closed route(s)", n)
			}
		}
	}
}

func (e *Engine) demoted(workers []presence.WorkerPresence) {
	views := make([]presence.View, 0, len(workers))
	for _, p := range workers {
		views = append(views, presence.NewView(p))
	}
	e.broadcast(TopicPresence, "presence.offline", views)
	e.updateOnline()
}

// Snapshot renders the full state of topic, used to prime a new map client.
func (e *Engine) Snapshot(topic string) ([]byte, bool) {
	var data any
	switch topic {
	case TopicPresence:
		data = e.presenceViews()
	case TopicRoutes:
		data = e.Routes.Active()
	case TopicMarkers:
		data = e.Markers.ForDay(e.now())
	default:
		return nil, false
	}
	b, err := json.Marshal(Update{Type: topic + ".snapshot", Data: data})
	if err != nil {
		log.Printf("reconcile: encode %s snapshot: %v", topic, err)
		return nil, false
	}
	return b, true
}

func (e *Engine) presenceViews() []presence.View {
	workers := e.Presence.List()
	views := make([]presence.View, 0, len(workers))
	for _, p := range workers {
		views = append(views, presence.NewView(p))
	}
	return views
}

func (e *Engine) publishSnapshot(topic string) {
	if e.notify == nil {
		return
	}
	if b, ok := e.Snapshot(topic); ok {
		e.notify.Broadcast(topic, b)
	}
}

func (e *Engine) broadcast(topic, kind string, data any) {
	if e.notify == nil {
		return
	}
	b, err := json.Marshal(Update{Type: kind, Data: data})
	if err != nil {
		log.Printf("reconcile: encode %s: %v", kind, err)
		return
	}
	e.notify.Broadcast(topic, b)
}

func (e *Engine) updateOnline() {
	online, _ := e.Presence.Counts()
	metrics.OnlineWorkers.Set(float64(online))
}
