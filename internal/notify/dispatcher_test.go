package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"geopresence/internal/clock"
	"geopresence/internal/model"
	"geopresence/internal/store"
)

// stubGateway scripts per-token outcomes and records pushes.
type stubGateway struct {
	mu     sync.Mutex
	fail   map[string]bool // token -> always fail
	pushes map[string]int  // token -> push count
}

func newStubGateway() *stubGateway {
	return &stubGateway{fail: map[string]bool{}, pushes: map[string]int{}}
}

func (g *stubGateway) Push(ctx context.Context, token string, payload []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pushes[token]++
	if g.fail[token] {
		return errors.New("delivery refused")
	}
	return nil
}

func (g *stubGateway) count(token string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pushes[token]
}

func status(entity string, ts time.Time) model.PresenceStatus {
	return model.PresenceStatus{
		EntityID: entity,
		Event: model.GeofenceEvent{
			ID: model.EventID(entity, "g1", ts), EntityID: entity,
			GeofenceID: "g1", Type: model.TransitionEnter, TS: ts,
		},
	}
}

// immediate backoff: a fake clock whose timers fire as they are armed.
type immediateClock struct{ clock.Real }

func (immediateClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func newTestDispatcher(t *testing.T, gw Gateway) (*Dispatcher, *store.Memory) {
	t.Helper()
	m := store.NewMemory()
	_ = m.LinkEntity(context.Background(), "r1", "e1")
	reg := NewRegistry()
	return NewDispatcher(reg, gw, m, m, immediateClock{}, false), m
}

func TestDispatchFansOutToAllTokens(t *testing.T) {
	gw := newStubGateway()
	d, _ := newTestDispatcher(t, gw)
	d.Registry.Register("r1", "tok1")
	d.Registry.Register("r1", "tok2")
	d.Registry.Register("r1", "tok1") // duplicate registration is a no-op

	d.Dispatch(context.Background(), status("e1", time.Now()))

	if gw.count("tok1") != 1 || gw.count("tok2") != 1 {
		t.Fatalf("pushes: tok1=%d tok2=%d, want 1 each", gw.count("tok1"), gw.count("tok2"))
	}
}

func TestFailedDeliveryRetriesThenCounts(t *testing.T) {
	gw := newStubGateway()
	gw.fail["bad"] = true
	d, _ := newTestDispatcher(t, gw)
	d.Registry.Register("r1", "bad")
	d.Registry.Register("r1", "good")

	d.Dispatch(context.Background(), status("e1", time.Now()))

	if gw.count("bad") != dispatchAttempts {
		t.Fatalf("bad token pushes: got %d, want %d", gw.count("bad"), dispatchAttempts)
	}
	if gw.count("good") != 1 {
		t.Fatalf("good token must be unaffected, got %d pushes", gw.count("good"))
	}
}

func TestTokenPrunedAfterThreshold(t *testing.T) {
	gw := newStubGateway()
	gw.fail["bad"] = true
	d, _ := newTestDispatcher(t, gw)
	d.Registry.Register("r1", "bad")

	for i := 0; i < PruneThreshold; i++ {
		d.Dispatch(context.Background(), status("e1", time.Now().Add(time.Duration(i)*time.Second)))
	}
	if got := d.Registry.Tokens("r1"); len(got) != 0 {
		t.Fatalf("token not pruned after %d failed dispatches: %v", PruneThreshold, got)
	}

	// the 6th dispatch sees no token at all
	before := gw.count("bad")
	d.Dispatch(context.Background(), status("e1", time.Now().Add(time.Hour)))
	if gw.count("bad") != before {
		t.Fatal("pruned token was still pushed to")
	}
}

func TestSuccessResetsFailureCounter(t *testing.T) {
	gw := newStubGateway()
	gw.fail["tok"] = true
	d, _ := newTestDispatcher(t, gw)
	d.Registry.Register("r1", "tok")

	for i := 0; i < PruneThreshold-1; i++ {
		d.Dispatch(context.Background(), status("e1", time.Now().Add(time.Duration(i)*time.Second)))
	}
	// one success clears the slate
	gw.mu.Lock()
	gw.fail["tok"] = false
	gw.mu.Unlock()
	d.Dispatch(context.Background(), status("e1", time.Now().Add(time.Minute)))

	gw.mu.Lock()
	gw.fail["tok"] = true
	gw.mu.Unlock()
	for i := 0; i < PruneThreshold-1; i++ {
		d.Dispatch(context.Background(), status("e1", time.Now().Add(time.Hour+time.Duration(i)*time.Second)))
	}
	if got := d.Registry.Tokens("r1"); len(got) != 1 {
		t.Fatalf("token should survive %d failures after a reset, got %v", PruneThreshold-1, got)
	}
}

func TestStartConsumesUpdates(t *testing.T) {
	gw := newStubGateway()
	d, _ := newTestDispatcher(t, gw)
	d.Registry.Register("r1", "tok")

	updates := make(chan model.PresenceStatus, 1)
	d.Start(updates)
	updates <- status("e1", time.Now())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && gw.count("tok") == 0 {
		time.Sleep(time.Millisecond)
	}
	d.Stop()
	if gw.count("tok") != 1 {
		t.Fatalf("worker pushes: got %d, want 1", gw.count("tok"))
	}
}

func TestSelfTestRequiresFlag(t *testing.T) {
	gw := newStubGateway()
	d, _ := newTestDispatcher(t, gw)
	if _, err := d.RunSelfTest(context.Background(), "r1"); err != ErrSelfTestDisabled {
		t.Fatalf("got %v, want ErrSelfTestDisabled", err)
	}
}

func TestSelfTestPushesToRecipientTokens(t *testing.T) {
	gw := newStubGateway()
	m := store.NewMemory()
	d := NewDispatcher(NewRegistry(), gw, m, m, immediateClock{}, true)
	d.Registry.Register("r1", "tok1")
	d.Registry.Register("r1", "tok2")

	// the synthetic entity carries no links, so delivery must reach the
	// invoking recipient's tokens directly
	if _, err := d.RunSelfTest(context.Background(), "r1"); err != nil {
		t.Fatalf("self-test: %v", err)
	}
	if gw.count("tok1") != 1 || gw.count("tok2") != 1 {
		t.Fatalf("pushes: tok1=%d tok2=%d, want 1 each", gw.count("tok1"), gw.count("tok2"))
	}
}

func TestSelfTestAppendsAndExpires(t *testing.T) {
	gw := newStubGateway()
	m := store.NewMemory()
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	d := NewDispatcher(NewRegistry(), gw, m, m, clk, true)

	id, err := d.RunSelfTest(context.Background(), "r1")
	if err != nil {
		t.Fatalf("self-test: %v", err)
	}
	evts, _ := m.LatestEvents(context.Background(), []string{SelfTestEntityPrefix + "r1"})
	if len(evts) != 1 || evts[0].ID != id {
		t.Fatalf("synthetic event missing: %+v", evts)
	}

	// expire the TTL: the synthetic event is cleaned up
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if clk.Waiting() > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	clk.Advance(selfTestTTL + time.Second)
	for time.Now().Before(deadline) {
		evts, _ = m.LatestEvents(context.Background(), []string{SelfTestEntityPrefix + "r1"})
		if len(evts) == 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("synthetic event was not deleted after TTL")
}
