// Package notify fans presence transitions out to registered delivery
// tokens through an external push gateway.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"geopresence/internal/clock"
	"geopresence/internal/metrics"
	"geopresence/internal/model"
)

// Links resolves which recipients observe an entity.
type Links interface {
	RecipientsForEntity(ctx context.Context, entityID string) ([]string, error)
}

// EventSink is the store slice the self-test path writes through.
type EventSink interface {
	AppendEvent(ctx context.Context, evt model.GeofenceEvent) error
	DeleteEvent(ctx context.Context, id string) error
}

// ErrSelfTestDisabled is returned when the diagnostic path is invoked
// without the explicit test-mode flag.
var ErrSelfTestDisabled = errors.New("self-test dispatch is disabled")

// SelfTestEntityPrefix namespaces synthetic diagnostic events away from any
// real tracked entity.
const SelfTestEntityPrefix = "selftest:"

const (
	dispatchAttempts = 3
	dispatchBackoff  = 500 * time.Millisecond
	selfTestTTL      = 30 * time.Second
)

// Dispatcher consumes accepted presence changes and pushes a notification to
// every token registered for the affected entity's recipients. Per-token
// deliveries are independent: one dead token never blocks the rest.
type Dispatcher struct {
	Registry *Registry
	Gateway  Gateway
	Links    Links
	Sink     EventSink
	Clock    clock.Clock
	SelfTest bool

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	started  bool
	mu       sync.Mutex
}

func NewDispatcher(reg *Registry, gw Gateway, links Links, sink EventSink, clk clock.Clock, selfTest bool) *Dispatcher {
	return &Dispatcher{
		Registry: reg,
		Gateway:  gw,
		Links:    links,
		Sink:     sink,
		Clock:    clk,
		SelfTest: selfTest,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start consumes presence updates until the channel closes or Stop is
// called. The update channel side is bounded by the reconciler, so a slow
// gateway can never stall the change-feed path.
func (d *Dispatcher) Start(updates <-chan model.PresenceStatus) {
	d.mu.Lock()
	d.started = true
	d.mu.Unlock()
	go func() {
		defer close(d.done)
		for {
			select {
			case <-d.stop:
				return
			case st, ok := <-updates:
				if !ok {
					return
				}
				d.Dispatch(context.Background(), st)
			}
		}
	}()
}

// Stop halts consumption. Idempotent; a no-op if Start was never called.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	started := d.started
	d.mu.Unlock()
	if !started {
		return
	}
	d.stopOnce.Do(func() { close(d.stop) })
	<-d.done
}

type pushPayload struct {
	EntityID   string    `json:"entityId"`
	GeofenceID string    `json:"geofenceId"`
	Type       string    `json:"type"`
	TS         time.Time `json:"ts"`
}

// Dispatch fans one presence change out to every registered token of every
// recipient of the entity. Blocks until all per-token deliveries settle.
func (d *Dispatcher) Dispatch(ctx context.Context, st model.PresenceStatus) {
	recipients, err := d.Links.RecipientsForEntity(ctx, st.EntityID)
	if err != nil {
		log.Printf("notify: resolving recipients for %s: %v", st.EntityID, err)
		return
	}
	d.dispatchTo(ctx, recipients, st)
}

// dispatchTo pushes one status to every token of the given recipients.
// Blocks until all per-token deliveries settle.
func (d *Dispatcher) dispatchTo(ctx context.Context, recipients []string, st model.PresenceStatus) {
	payload, err := json.Marshal(pushPayload{
		EntityID:   st.EntityID,
		GeofenceID: st.Event.GeofenceID,
		Type:       string(st.Event.Type),
		TS:         st.Event.TS,
	})
	if err != nil {
		return
	}

	var wg sync.WaitGroup
	for _, recipient := range recipients {
		for _, token := range d.Registry.Tokens(recipient) {
			wg.Add(1)
			go func(recipient, token string) {
				defer wg.Done()
				d.deliver(ctx, recipient, token, payload)
			}(recipient, token)
		}
	}
	wg.Wait()
}

// deliver attempts one token with bounded backoff, then settles the token's
// failure accounting.
func (d *Dispatcher) deliver(ctx context.Context, recipient, token string, payload []byte) {
	var lastErr error
	delay := dispatchBackoff
	for attempt := 1; attempt <= dispatchAttempts; attempt++ {
		start := time.Now()
		lastErr = d.Gateway.Push(ctx, token, payload)
		latency := float64(time.Since(start).Milliseconds())
		if lastErr == nil {
			metrics.Dispatches.WithLabelValues("ok").Inc()
			metrics.DispatchLatency.WithLabelValues("ok").Observe(latency)
			d.Registry.RecordSuccess(recipient, token)
			return
		}
		metrics.DispatchLatency.WithLabelValues("error").Observe(latency)
		if attempt == dispatchAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-d.Clock.After(delay):
		}
		delay *= 2
	}
	metrics.Dispatches.WithLabelValues("failed").Inc()
	if d.Registry.RecordFailure(recipient, token) {
		log.Printf("notify: pruned token for %s after repeated failures: %v", recipient, lastErr)
	}
}

// RunSelfTest validates the end-to-end path with a synthetic, short-lived
// event under the reserved self-test namespace. The event is deleted after
// a fixed TTL.
func (d *Dispatcher) RunSelfTest(ctx context.Context, recipientID string) (string, error) {
	if !d.SelfTest {
		return "", ErrSelfTestDisabled
	}
	now := d.Clock.Now()
	entity := SelfTestEntityPrefix + recipientID
	evt := model.GeofenceEvent{
		ID:         uuid.New().String(),
		EntityID:   entity,
		GeofenceID: "selftest",
		Type:       model.TransitionEnter,
		TS:         now,
	}
	if err := d.Sink.AppendEvent(ctx, evt); err != nil {
		return "", err
	}
	// the synthetic entity has no recipient links; push straight to the
	// invoking recipient so the gateway leg is exercised too
	d.dispatchTo(ctx, []string{recipientID}, model.PresenceStatus{EntityID: entity, Event: evt})
	go func() {
		<-d.Clock.After(selfTestTTL)
		if err := d.Sink.DeleteEvent(context.Background(), evt.ID); err != nil {
			log.Printf("notify: self-test cleanup %s: %v", evt.ID, err)
		}
	}()
	return evt.ID, nil
}
