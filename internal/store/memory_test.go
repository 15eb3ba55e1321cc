package store

import (
	"context"
	"testing"
	"time"

	"geopresence/internal/model"
)

func evt(id, entity string, ts time.Time) model.GeofenceEvent {
	return model.GeofenceEvent{ID: id, EntityID: entity, GeofenceID: "g1", Type: model.TransitionEnter, TS: ts}
}

func TestAppendIdempotentByID(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	ch, cancel, _ := m.SubscribeChanges(ctx)
	defer cancel()

	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if err := m.AppendEvent(ctx, evt("e-1", "a", t0)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := m.AppendEvent(ctx, evt("e-1", "a", t0)); err != nil {
		t.Fatalf("replay append: %v", err)
	}

	got := 0
	for {
		select {
		case <-ch:
			got++
		case <-time.After(50 * time.Millisecond):
			if got != 1 {
				t.Fatalf("change feed: got %d deltas, want 1 (replay is a no-op)", got)
			}
			return
		}
	}
}

func TestLatestEventsPerEntity(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	_ = m.AppendEvent(ctx, evt("e-1", "a", t0))
	_ = m.AppendEvent(ctx, evt("e-2", "a", t0.Add(time.Minute)))
	_ = m.AppendEvent(ctx, evt("e-3", "b", t0.Add(2*time.Minute)))

	out, err := m.LatestEvents(ctx, nil)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected one event per entity, got %d", len(out))
	}
	if out[0].ID != "e-3" || out[1].ID != "e-2" {
		t.Fatalf("expected ts-descending [e-3 e-2], got [%s %s]", out[0].ID, out[1].ID)
	}

	scoped, _ := m.LatestEvents(ctx, []string{"a"})
	if len(scoped) != 1 || scoped[0].ID != "e-2" {
		t.Fatalf("scoped latest: got %+v", scoped)
	}
}

func TestDeleteEmitsRemoved(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	_ = m.AppendEvent(ctx, evt("e-1", "a", t0))
	ch, cancel, _ := m.SubscribeChanges(ctx)
	defer cancel()

	if err := m.DeleteEvent(ctx, "e-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	select {
	case c := <-ch:
		if c.Kind != model.ChangeRemoved || c.Event.ID != "e-1" {
			t.Fatalf("unexpected delta: %+v", c)
		}
	case <-time.After(time.Second):
		t.Fatal("no removed delta")
	}
	if err := m.DeleteEvent(ctx, "e-1"); err != ErrNotFound {
		t.Fatalf("double delete: got %v, want ErrNotFound", err)
	}
}

func TestGeofencesForEntityFollowsLinks(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	g1, _ := m.CreateGeofence(ctx, "r1", model.GeofenceInput{Name: "home", Center: &model.GeoPoint{}, RadiusM: 100})
	inactive := false
	_, _ = m.CreateGeofence(ctx, "r1", model.GeofenceInput{Name: "off", Center: &model.GeoPoint{}, RadiusM: 50, Active: &inactive})
	_, _ = m.CreateGeofence(ctx, "r2", model.GeofenceInput{Name: "work", Center: &model.GeoPoint{}, RadiusM: 200})

	_ = m.LinkEntity(ctx, "r1", "child1")

	gs, err := m.GeofencesForEntity(ctx, "child1")
	if err != nil {
		t.Fatalf("fences: %v", err)
	}
	if len(gs) != 1 || gs[0].ID != g1.ID {
		t.Fatalf("expected only r1's active fence, got %+v", gs)
	}

	_ = m.UnlinkEntity(ctx, "r1", "child1")
	gs, _ = m.GeofencesForEntity(ctx, "child1")
	if len(gs) != 0 {
		t.Fatalf("unlinked entity still sees %d fences", len(gs))
	}
}

func TestPatchAndDeleteGeofence(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	g, _ := m.CreateGeofence(ctx, "r1", model.GeofenceInput{Name: "home", Center: &model.GeoPoint{Lat: 1, Lng: 2}, RadiusM: 100})

	off := false
	patched, err := m.PatchGeofence(ctx, g.ID, model.GeofenceInput{RadiusM: 250, Active: &off})
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	if patched.RadiusM != 250 || patched.Active || patched.Name != "home" {
		t.Fatalf("patch result: %+v", patched)
	}

	if err := m.DeleteGeofence(ctx, g.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := m.GetGeofence(ctx, g.ID); err != ErrNotFound {
		t.Fatalf("get after delete: got %v", err)
	}
}
