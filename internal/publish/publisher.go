// Package publish appends classified transitions to the durable event store.
// Delivery is at-least-once-safe: event ids are deterministic, so a replayed
// publish is a no-op at the store layer.
package publish

import (
	"context"
	"log"
	"time"

	"geopresence/internal/clock"
	"geopresence/internal/metrics"
	"geopresence/internal/model"
)

// Appender is the slice of the store the publisher needs.
type Appender interface {
	AppendEvent(ctx context.Context, evt model.GeofenceEvent) error
}

type Publisher struct {
	store    Appender
	clk      clock.Clock
	attempts int
	base     time.Duration
}

func New(store Appender, clk clock.Clock) *Publisher {
	return &Publisher{store: store, clk: clk, attempts: 3, base: time.Second}
}

// Publish writes one event, retrying with bounded exponential backoff. After
// the final attempt the event is logged and dropped; consumers do not get a
// delivery guarantee from this layer.
func (p *Publisher) Publish(ctx context.Context, evt model.GeofenceEvent) error {
	var lastErr error
	delay := p.base
	for attempt := 1; attempt <= p.attempts; attempt++ {
		lastErr = p.store.AppendEvent(ctx, evt)
		if lastErr == nil {
			metrics.Publishes.WithLabelValues("ok").Inc()
			return nil
		}
		if attempt == p.attempts {
			break
		}
		metrics.Publishes.WithLabelValues("retry").Inc()
		select {
		case <-ctx.Done():
			metrics.Publishes.WithLabelValues("dropped").Inc()
			return ctx.Err()
		case <-p.clk.After(delay):
		}
		delay *= 2
	}
	metrics.Publishes.WithLabelValues("dropped").Inc()
	log.Printf("publish: dropping event %s (%s %s/%s) after %d attempts: %v",
		evt.ID, evt.Type, evt.EntityID, evt.GeofenceID, p.attempts, lastErr)
	return lastErr
}
