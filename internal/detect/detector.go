// Package detect turns a stream of filtered fixes into discrete geofence
// enter/exit events via stateful per-(entity, geofence) edge detection.
package detect

import (
	"context"
	"sort"
	"sync"

	"geopresence/internal/geo"
	"geopresence/internal/metrics"
	"geopresence/internal/model"
)

// GeofenceSource supplies the active geofences to evaluate a fix against,
// as an immutable snapshot per evaluation cycle.
type GeofenceSource interface {
	GeofencesForEntity(ctx context.Context, entityID string) ([]model.Geofence, error)
}

type containment int8

const (
	unknown containment = iota
	inside
	outside
)

// entityState carries per-entity containment so evaluation of different
// entities never contends on one lock.
type entityState struct {
	mu     sync.Mutex
	fences map[string]containment // geofenceId -> last observed side
}

// Detector holds containment state in memory only. It is re-seeded to
// unknown on process restart; a transition at the exact moment of restart
// may be missed or duplicated, which downstream idempotent ids absorb.
type Detector struct {
	fences GeofenceSource

	mu       sync.Mutex
	entities map[string]*entityState
}

func New(fences GeofenceSource) *Detector {
	return &Detector{fences: fences, entities: map[string]*entityState{}}
}

func (d *Detector) entity(id string) *entityState {
	d.mu.Lock()
	defer d.mu.Unlock()
	e := d.entities[id]
	if e == nil {
		e = &entityState{fences: map[string]containment{}}
		d.entities[id] = e
	}
	return e
}

// Evaluate classifies one accepted fix against every active geofence linked
// to the entity. The first observation of a pair establishes baseline and
// emits nothing; repeated fixes on the same side emit nothing. Simultaneous
// transitions are ordered by ascending geofence id.
func (d *Detector) Evaluate(ctx context.Context, fix model.LocationFix) ([]model.GeofenceEvent, error) {
	fences, err := d.fences.GeofencesForEntity(ctx, fix.EntityID)
	if err != nil {
		return nil, err
	}
	sort.Slice(fences, func(i, j int) bool { return fences[i].ID < fences[j].ID })

	e := d.entity(fix.EntityID)
	e.mu.Lock()
	defer e.mu.Unlock()

	var events []model.GeofenceEvent
	seen := map[string]struct{}{}
	for _, g := range fences {
		if !g.Active {
			continue
		}
		seen[g.ID] = struct{}{}
		side := outside
		if geo.Contains(g, model.GeoPoint{Lat: fix.Lat, Lng: fix.Lng}) {
			side = inside
		}
		prev := e.fences[g.ID]
		e.fences[g.ID] = side
		if prev == unknown || prev == side {
			continue
		}
		typ := model.TransitionExit
		if side == inside {
			typ = model.TransitionEnter
		}
		metrics.Transitions.WithLabelValues(string(typ)).Inc()
		events = append(events, model.GeofenceEvent{
			ID:         model.EventID(fix.EntityID, g.ID, fix.TS),
			EntityID:   fix.EntityID,
			GeofenceID: g.ID,
			Type:       typ,
			TS:         fix.TS,
			Fix: model.FixSnapshot{
				Lat:       fix.Lat,
				Lng:       fix.Lng,
				AccuracyM: fix.AccuracyM,
				Battery:   fix.Battery,
				Moving:    fix.Moving(),
			},
		})
	}

	// forget fences that were deactivated or deleted since the last cycle
	for id := range e.fences {
		if _, ok := seen[id]; !ok {
			delete(e.fences, id)
		}
	}
	return events, nil
}

// Reset drops all containment state, re-seeding every pair to unknown.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entities = map[string]*entityState{}
}
