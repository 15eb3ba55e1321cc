// Package reconcile merges a one-time historical load and a live, possibly
// out-of-order change feed into a single monotonic presence status per
// entity, served to any number of concurrent observers.
package reconcile

import (
	"context"
	"log"
	"sync"

	"geopresence/internal/model"
)

// Source is the slice of the event store the reconciler consumes.
type Source interface {
	LatestEvents(ctx context.Context, entityIDs []string) ([]model.GeofenceEvent, error)
	SubscribeChanges(ctx context.Context) (<-chan model.Change, func(), error)
}

// entry serializes merges for one entity. Cross-entity merges run in
// parallel; two concurrent deltas for the same entity cannot lose an update.
type entry struct {
	mu     sync.Mutex
	status model.PresenceStatus
	known  bool
}

type Reconciler struct {
	src Source

	mu      sync.Mutex
	entries map[string]*entry
	subs    map[string]map[chan model.PresenceStatus]struct{} // entityId ("" = all) -> set

	cancelFeed func()
	done       chan struct{}
}

func New(src Source) *Reconciler {
	return &Reconciler{
		src:     src,
		entries: map[string]*entry{},
		subs:    map[string]map[chan model.PresenceStatus]struct{}{},
	}
}

// Run subscribes to the live feed, performs the historical load, then keeps
// consuming deltas until ctx is cancelled or Close is called. Subscribing
// before loading means no delta can fall between the two; the monotonic
// merge makes the overlap harmless.
func (r *Reconciler) Run(ctx context.Context) error {
	feed, cancel, err := r.src.SubscribeChanges(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.cancelFeed = cancel
	r.done = make(chan struct{})
	done := r.done
	r.mu.Unlock()

	hist, err := r.src.LatestEvents(ctx, nil)
	if err != nil {
		cancel()
		close(done)
		return err
	}
	// the query is ts-descending; only the first event per entity matters,
	// and the merge ignores the rest anyway
	for _, evt := range hist {
		r.Apply(evt)
	}

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				cancel()
				return
			case c, ok := <-feed:
				if !ok {
					return
				}
				switch c.Kind {
				case model.ChangeAdded, model.ChangeModified:
					r.Apply(c.Event)
				case model.ChangeRemoved:
					// deletions never retract presence
				default:
					log.Printf("reconcile: unknown change kind %q", c.Kind)
				}
			}
		}
	}()
	return nil
}

// Close stops feed consumption. Idempotent.
func (r *Reconciler) Close() {
	r.mu.Lock()
	cancel := r.cancelFeed
	done := r.done
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (r *Reconciler) entity(id string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[id]
	if e == nil {
		e = &entry{}
		r.entries[id] = e
	}
	return e
}

// Apply merges one event: the stored status is replaced only if the incoming
// timestamp is >= the stored timestamp. Commutative and idempotent, so the
// historical load and the live feed share this path in any relative order.
// Returns true if the status advanced to a different event.
func (r *Reconciler) Apply(evt model.GeofenceEvent) bool {
	e := r.entity(evt.EntityID)
	e.mu.Lock()
	if e.known && evt.TS.Before(e.status.Event.TS) {
		e.mu.Unlock()
		return false
	}
	changed := !e.known || e.status.Event.ID != evt.ID
	e.status = model.PresenceStatus{EntityID: evt.EntityID, Event: evt}
	e.known = true
	st := e.status
	e.mu.Unlock()

	if changed {
		r.fanout(st)
	}
	return changed
}

// Get returns the current status for an entity, if one is established.
func (r *Reconciler) Get(entityID string) (model.PresenceStatus, bool) {
	r.mu.Lock()
	e := r.entries[entityID]
	r.mu.Unlock()
	if e == nil {
		return model.PresenceStatus{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status, e.known
}

// Subscribe returns a bounded stream of status updates for one entity, or
// for all entities when entityID is empty. On overflow the oldest update is
// dropped: observers always converge on the newest status.
func (r *Reconciler) Subscribe(entityID string) chan model.PresenceStatus {
	ch := make(chan model.PresenceStatus, 8)
	r.mu.Lock()
	if r.subs[entityID] == nil {
		r.subs[entityID] = map[chan model.PresenceStatus]struct{}{}
	}
	r.subs[entityID][ch] = struct{}{}
	r.mu.Unlock()

	// seed with the current status so late subscribers see state immediately
	if entityID != "" {
		if st, ok := r.Get(entityID); ok {
			ch <- st
		}
	}
	return ch
}

func (r *Reconciler) Unsubscribe(entityID string, ch chan model.PresenceStatus) {
	r.mu.Lock()
	if m := r.subs[entityID]; m != nil {
		delete(m, ch)
		if len(m) == 0 {
			delete(r.subs, entityID)
		}
	}
	r.mu.Unlock()
	close(ch)
}

func (r *Reconciler) fanout(st model.PresenceStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, key := range []string{st.EntityID, ""} {
		for ch := range r.subs[key] {
			select {
			case ch <- st:
			default:
				// full: drop the oldest queued update, then retry once
				select {
				case <-ch:
				default:
				}
				select {
				case ch <- st:
				default:
				}
			}
		}
	}
}
