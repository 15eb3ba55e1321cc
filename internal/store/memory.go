package store

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"geopresence/internal/model"
)

// Memory is the in-memory store used when no DATABASE_URL is set, and the
// default test double.
type Memory struct {
	mu        sync.Mutex
	events    map[string]model.GeofenceEvent // id -> event
	byEntity  map[string][]string            // entityId -> event ids, append order
	gfs       map[string]model.Geofence      // geofenceId -> geofence
	gfsOwner  map[string][]string            // owner -> geofence ids
	links     map[string]map[string]struct{} // entityId -> recipient set
	recipEnts map[string]map[string]struct{} // recipientId -> entity set
	feeds     map[chan model.Change]struct{}
}

func NewMemory() *Memory {
	return &Memory{
		events:    map[string]model.GeofenceEvent{},
		byEntity:  map[string][]string{},
		gfs:       map[string]model.Geofence{},
		gfsOwner:  map[string][]string{},
		links:     map[string]map[string]struct{}{},
		recipEnts: map[string]map[string]struct{}{},
		feeds:     map[chan model.Change]struct{}{},
	}
}

func (m *Memory) AppendEvent(ctx context.Context, evt model.GeofenceEvent) error {
	m.mu.Lock()
	if _, dup := m.events[evt.ID]; dup {
		// idempotent: same key is a no-op, no delta emitted
		m.mu.Unlock()
		return nil
	}
	m.events[evt.ID] = evt
	m.byEntity[evt.EntityID] = append(m.byEntity[evt.EntityID], evt.ID)
	m.notifyLocked(model.Change{Kind: model.ChangeAdded, Event: evt})
	m.mu.Unlock()
	return nil
}

func (m *Memory) DeleteEvent(ctx context.Context, id string) error {
	m.mu.Lock()
	evt, ok := m.events[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.events, id)
	ids := m.byEntity[evt.EntityID]
	for i, eid := range ids {
		if eid == id {
			m.byEntity[evt.EntityID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	m.notifyLocked(model.Change{Kind: model.ChangeRemoved, Event: evt})
	m.mu.Unlock()
	return nil
}

func (m *Memory) LatestEvents(ctx context.Context, entityIDs []string) ([]model.GeofenceEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := map[string]struct{}{}
	for _, id := range entityIDs {
		want[id] = struct{}{}
	}
	out := []model.GeofenceEvent{}
	for entity, ids := range m.byEntity {
		if len(want) > 0 {
			if _, ok := want[entity]; !ok {
				continue
			}
		}
		var latest *model.GeofenceEvent
		for _, eid := range ids {
			e := m.events[eid]
			if latest == nil || e.TS.After(latest.TS) {
				cp := e
				latest = &cp
			}
		}
		if latest != nil {
			out = append(out, *latest)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TS.After(out[j].TS) })
	return out, nil
}

// notifyLocked fans a delta out to every feed without blocking the writer.
func (m *Memory) notifyLocked(c model.Change) {
	for ch := range m.feeds {
		select {
		case ch <- c:
		default:
		}
	}
}

func (m *Memory) SubscribeChanges(ctx context.Context) (<-chan model.Change, func(), error) {
	ch := make(chan model.Change, 64)
	m.mu.Lock()
	m.feeds[ch] = struct{}{}
	m.mu.Unlock()
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.feeds, ch)
			m.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel, nil
}

func (m *Memory) CreateGeofence(ctx context.Context, owner string, in model.GeofenceInput) (model.Geofence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g := model.Geofence{ID: uuid.New().String(), Owner: owner, Name: in.Name, RadiusM: in.RadiusM, Active: true}
	if in.Center != nil {
		g.Center = *in.Center
	}
	if in.Active != nil {
		g.Active = *in.Active
	}
	m.gfs[g.ID] = g
	m.gfsOwner[owner] = append(m.gfsOwner[owner], g.ID)
	return g, nil
}

func (m *Memory) ListGeofences(ctx context.Context, owner string) ([]model.Geofence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Geofence{}
	for _, id := range m.gfsOwner[owner] {
		out = append(out, m.gfs[id])
	}
	return out, nil
}

func (m *Memory) GetGeofence(ctx context.Context, id string) (model.Geofence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.gfs[id]
	if !ok {
		return model.Geofence{}, ErrNotFound
	}
	return g, nil
}

func (m *Memory) PatchGeofence(ctx context.Context, id string, in model.GeofenceInput) (model.Geofence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.gfs[id]
	if !ok {
		return model.Geofence{}, ErrNotFound
	}
	if in.Name != "" {
		g.Name = in.Name
	}
	if in.Center != nil {
		g.Center = *in.Center
	}
	if in.RadiusM > 0 {
		g.RadiusM = in.RadiusM
	}
	if in.Active != nil {
		g.Active = *in.Active
	}
	m.gfs[id] = g
	return g, nil
}

func (m *Memory) DeleteGeofence(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.gfs[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.gfs, id)
	ids := m.gfsOwner[g.Owner]
	for i, gid := range ids {
		if gid == id {
			m.gfsOwner[g.Owner] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

func (m *Memory) LinkEntity(ctx context.Context, recipientID, entityID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.links[entityID] == nil {
		m.links[entityID] = map[string]struct{}{}
	}
	m.links[entityID][recipientID] = struct{}{}
	if m.recipEnts[recipientID] == nil {
		m.recipEnts[recipientID] = map[string]struct{}{}
	}
	m.recipEnts[recipientID][entityID] = struct{}{}
	return nil
}

func (m *Memory) UnlinkEntity(ctx context.Context, recipientID, entityID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.links[entityID], recipientID)
	delete(m.recipEnts[recipientID], entityID)
	return nil
}

func (m *Memory) RecipientsForEntity(ctx context.Context, entityID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []string{}
	for r := range m.links[entityID] {
		out = append(out, r)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) EntitiesForRecipient(ctx context.Context, recipientID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []string{}
	for e := range m.recipEnts[recipientID] {
		out = append(out, e)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) GeofencesForEntity(ctx context.Context, entityID string) ([]model.Geofence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Geofence{}
	for owner := range m.links[entityID] {
		for _, gid := range m.gfsOwner[owner] {
			g := m.gfs[gid]
			if g.Active {
				out = append(out, g)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
