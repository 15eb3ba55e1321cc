package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"geopresence/internal/model"
)

// RedisBroker implements PresenceBroker over Redis Pub/Sub so observers on
// any process see status changes produced by any other.
type RedisBroker struct {
	rdb *redis.Client

	mu   sync.Mutex
	subs map[chan model.PresenceStatus]*redis.PubSub
}

func NewRedisBroker(url string) (*RedisBroker, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &RedisBroker{
		rdb:  redis.NewClient(opt),
		subs: map[chan model.PresenceStatus]*redis.PubSub{},
	}, nil
}

func (b *RedisBroker) Subscribe(entityID string) chan model.PresenceStatus {
	ch := make(chan model.PresenceStatus, 16)
	ctx := context.Background()
	var ps *redis.PubSub
	if entityID == "" {
		ps = b.rdb.PSubscribe(ctx, b.chanName("*"))
	} else {
		ps = b.rdb.Subscribe(ctx, b.chanName(entityID))
	}
	// initial consume to ensure subscription
	_, _ = ps.Receive(ctx)
	b.mu.Lock()
	b.subs[ch] = ps
	b.mu.Unlock()
	go func() {
		defer close(ch)
		for msg := range ps.Channel() {
			var st model.PresenceStatus
			if err := json.Unmarshal([]byte(msg.Payload), &st); err == nil {
				select {
				case ch <- st:
				default:
				}
			}
		}
	}()
	return ch
}

func (b *RedisBroker) Unsubscribe(entityID string, ch chan model.PresenceStatus) {
	b.mu.Lock()
	ps := b.subs[ch]
	delete(b.subs, ch)
	b.mu.Unlock()
	if ps != nil {
		// closing the PubSub ends ps.Channel(), which closes ch
		_ = ps.Close()
	}
}

func (b *RedisBroker) Publish(st model.PresenceStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, _ := json.Marshal(st)
	_ = b.rdb.Publish(ctx, b.chanName(st.EntityID), data).Err()
}

func (b *RedisBroker) chanName(entityID string) string { return "presence:" + entityID }
