package api

import (
	"sync"

	"geopresence/internal/model"
)

// PresenceBroker fans presence updates out to stream subscribers. An empty
// entity id subscribes to all entities.
type PresenceBroker interface {
	Subscribe(entityID string) chan model.PresenceStatus
	Unsubscribe(entityID string, ch chan model.PresenceStatus)
	Publish(st model.PresenceStatus)
}

// Broker is the in-process PresenceBroker.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan model.PresenceStatus]struct{} // entityId -> set of channels
}

func NewBroker() *Broker {
	return &Broker{subs: map[string]map[chan model.PresenceStatus]struct{}{}}
}

func (b *Broker) Subscribe(entityID string) chan model.PresenceStatus {
	ch := make(chan model.PresenceStatus, 8)
	b.mu.Lock()
	if b.subs[entityID] == nil {
		b.subs[entityID] = map[chan model.PresenceStatus]struct{}{}
	}
	b.subs[entityID][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broker) Unsubscribe(entityID string, ch chan model.PresenceStatus) {
	b.mu.Lock()
	if m := b.subs[entityID]; m != nil {
		delete(m, ch)
		if len(m) == 0 {
			delete(b.subs, entityID)
		}
	}
	b.mu.Unlock()
	close(ch)
}

func (b *Broker) Publish(st model.PresenceStatus) {
	b.mu.Lock()
	for _, key := range []string{st.EntityID, ""} {
		for ch := range b.subs[key] {
			select {
			case ch <- st:
			default:
			}
		}
	}
	b.mu.Unlock()
}
