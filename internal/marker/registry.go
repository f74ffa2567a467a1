package marker

import (
	"sync"
	"time"

	"backend-fieldtrack/internal/tracking"
)

const dateLayout = "2006-01-02"

// Registry holds form markers by id. A form_end for a known id updates that marker
// in place instead of adding a second pin.
type Registry struct {
	mu      sync.RWMutex
	markers map[int]*FormMarker
	order   []int
	loc     *time.Location
}

// NewRegistry groups markers into calendar days in loc (time.Local when nil).
func NewRegistry(loc *time.Location) *Registry {
	if loc == nil {
		loc = time.Local
	}
	return &Registry{markers: map[int]*FormMarker{}, loc: loc}
}

// Register applies a form event and reports whether the registry changed.
//
// A form_end for an id never seen before is kept as a minimal marker when it
// carries coordinates, since the matching form_start may have been sent before
// this process connected. Without coordinates there is nothing to plot and it
// is dropped.
func (r *Registry) Register(ev tracking.FormEvent) (FormMarker, bool) {
	if ev.ID <= 0 || (ev.Type != tracking.EventFormStart && ev.Type != tracking.EventFormEnd) {
		return FormMarker{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.markers[ev.ID]; ok {
		if ev.Type == tracking.EventFormStart {
			return *m, false
		}
		m.Type = tracking.EventFormEnd
		merge(m, ev)
		return *m, true
	}

	if !ev.HasLocation {
		return FormMarker{}, false
	}
	m := &FormMarker{ID: ev.ID, Type: ev.Type}
	merge(m, ev)
	r.markers[ev.ID] = m
	r.order = append(r.order, ev.ID)
	return *m, true
}

func merge(m *FormMarker, ev tracking.FormEvent) {
	if ev.HasLocation {
		m.Latitude, m.Longitude = ev.Latitude, ev.Longitude
	}
	if ev.Consecutivo != "" {
		m.Consecutivo = ev.Consecutivo
	}
	if ev.Empresa != "" {
		m.Empresa = ev.Empresa
	}
	if ev.UserName != "" {
		m.UserName = ev.UserName
	}
	if m.Timestamp.IsZero() && !ev.Timestamp.IsZero() {
		m.Timestamp = ev.Timestamp
	}
}

// Load merges markers fetched from the REST API. Known ids only move forward
// from form_start to form_end.
func (r *Registry) Load(markers []FormMarker) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	applied := 0
	for _, m := range markers {
		if m.ID <= 0 {
			continue
		}
		if m.Type != tracking.EventFormEnd {
			m.Type = tracking.EventFormStart
		}
		if cur, ok := r.markers[m.ID]; ok {
			if cur.Type == tracking.EventFormStart && m.Type == tracking.EventFormEnd {
				cur.Type = tracking.EventFormEnd
				applied++
			}
			continue
		}
		r.markers[m.ID] = &m
		r.order = append(r.order, m.ID)
		applied++
	}
	return applied
}

func (r *Registry) Get(id int) (FormMarker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.markers[id]
	if !ok {
		return FormMarker{}, false
	}
	return *m, true
}

// List returns markers in registration order.
func (r *Registry) List() []FormMarker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]FormMarker, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.markers[id])
	}
	return out
}

// ForDay returns the markers submitted on the given calendar day, for the
// "today's forms" panel.
func (r *Registry) ForDay(day time.Time) []FormMarker {
	want := day.In(r.loc).Format(dateLayout)

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []FormMarker{}
	for _, id := range r.order {
		m := r.markers[id]
		if !m.Timestamp.IsZero() && m.Timestamp.In(r.loc).Format(dateLayout) == want {
			out = append(out, *m)
		}
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.markers)
}
