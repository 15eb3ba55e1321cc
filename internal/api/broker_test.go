package api

import (
	"testing"
	"time"

	"geopresence/internal/model"
)

func TestBrokerPublishSubscribe(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe("e_1")

	st := model.PresenceStatus{EntityID: "e_1", Event: model.GeofenceEvent{ID: "ev1", Type: model.TransitionEnter}}
	b.Publish(st)

	select {
	case got := <-ch:
		if got.Event.ID != "ev1" {
			t.Fatalf("got event %s, want ev1", got.Event.ID)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timeout waiting for status")
	}

	b.Unsubscribe("e_1", ch)
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("channel should be closed after unsubscribe")
		}
	case <-time.After(50 * time.Millisecond):
		// acceptable if already drained and closed
	}
}

func TestBrokerWildcardSubscription(t *testing.T) {
	b := NewBroker()
	all := b.Subscribe("")
	defer b.Unsubscribe("", all)

	b.Publish(model.PresenceStatus{EntityID: "e_2", Event: model.GeofenceEvent{ID: "ev2"}})

	select {
	case got := <-all:
		if got.EntityID != "e_2" {
			t.Fatalf("got entity %s, want e_2", got.EntityID)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timeout waiting for wildcard status")
	}
}

func TestBrokerOtherEntityNotDelivered(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe("e_1")
	defer b.Unsubscribe("e_1", ch)

	b.Publish(model.PresenceStatus{EntityID: "e_9"})
	select {
	case got := <-ch:
		t.Fatalf("unexpected delivery: %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
}
