// Package track is the control surface over the sampling pipeline:
// raw fixes → filter → transition detector → async publish, gated by the
// keep-alive scheduler and the location authorization grant.
package track

import (
	"context"
	"errors"
	"log"
	"sync"

	"geopresence/internal/clock"
	"geopresence/internal/detect"
	"geopresence/internal/filter"
	"geopresence/internal/keepalive"
	"geopresence/internal/model"
	"geopresence/internal/publish"
)

// Authorization is the location-permission level granted by the host.
type Authorization int

const (
	AuthorizationDenied Authorization = iota
	AuthorizationWhenInUse
	AuthorizationAlways
)

func (a Authorization) String() string {
	switch a {
	case AuthorizationWhenInUse:
		return "when_in_use"
	case AuthorizationAlways:
		return "always"
	}
	return "denied"
}

// ErrAuthorizationDenied is surfaced once when tracking is requested without
// a continuous/background grant. Not retried internally.
var ErrAuthorizationDenied = errors.New("continuous location authorization denied")

// UpdateKind tags the variants delivered on the tracker's update channel.
type UpdateKind int

const (
	UpdateLocation UpdateKind = iota
	UpdateAuthorization
	UpdateFailure
)

// Update is the typed event surface for callers: exactly one variant is
// populated per kind.
type Update struct {
	Kind          UpdateKind
	Fix           *model.LocationFix
	Authorization Authorization
	Err           error
}

// FixSource produces the raw fix stream. One active stream at a time.
type FixSource interface {
	Fixes() <-chan model.LocationFix
}

// ChannelSource is the trivial FixSource over a plain channel.
type ChannelSource chan model.LocationFix

func (c ChannelSource) Fixes() <-chan model.LocationFix { return c }

type Tracker struct {
	clk   clock.Clock
	src   FixSource
	det   *detect.Detector
	pub   *publish.Publisher
	sched *keepalive.Scheduler

	updates chan Update

	mu       sync.Mutex
	running  bool
	auth     Authorization
	loopStop chan struct{}
	stopOnce *sync.Once
	loopDone chan struct{}
}

func New(clk clock.Clock, src FixSource, det *detect.Detector, pub *publish.Publisher, grants keepalive.GrantProvider) *Tracker {
	t := &Tracker{
		clk:     clk,
		src:     src,
		det:     det,
		pub:     pub,
		updates: make(chan Update, 16),
	}
	t.sched = keepalive.New(clk, grants, t.onExpire)
	return t
}

// Updates is the tracker's typed event stream. Bounded; on overflow the
// oldest update is dropped.
func (t *Tracker) Updates() <-chan Update { return t.updates }

// Start begins sampling. Only a continuous/background grant proceeds.
func (t *Tracker) Start(ctx context.Context, level Authorization) error {
	if level != AuthorizationAlways {
		t.emit(Update{Kind: UpdateFailure, Err: ErrAuthorizationDenied})
		return ErrAuthorizationDenied
	}
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return errors.New("track: already tracking")
	}
	t.running = true
	t.auth = level
	t.loopStop = make(chan struct{})
	t.stopOnce = &sync.Once{}
	t.loopDone = make(chan struct{})
	stop, done := t.loopStop, t.loopDone
	t.mu.Unlock()

	if err := t.sched.Start(ctx); err != nil {
		t.mu.Lock()
		t.running = false
		t.mu.Unlock()
		return err
	}
	t.emit(Update{Kind: UpdateAuthorization, Authorization: level})
	go t.loop(ctx, stop, done)
	return nil
}

func (t *Tracker) loop(ctx context.Context, stop chan struct{}, done chan struct{}) {
	defer close(done)
	fixes := t.src.Fixes()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			t.sched.Stop()
			return
		case fix, ok := <-fixes:
			if !ok {
				return
			}
			if !t.sched.Valid() {
				// grant lapsed between expiry and halt; drop
				continue
			}
			if !filter.Accept(fix, t.clk.Now()) {
				continue
			}
			t.emit(Update{Kind: UpdateLocation, Fix: &fix})
			events, err := t.det.Evaluate(ctx, fix)
			if err != nil {
				log.Printf("track: evaluating fix for %s: %v", fix.EntityID, err)
				continue
			}
			for _, evt := range events {
				// publish off the fix-arrival path
				go func(evt model.GeofenceEvent) { _ = t.pub.Publish(ctx, evt) }(evt)
			}
		}
	}
}

// onExpire halts sampling when the keep-alive grant lapses. The scheduler is
// already terminal; only the loop needs stopping.
func (t *Tracker) onExpire(err error) {
	t.emit(Update{Kind: UpdateFailure, Err: err})
	t.haltLoop()
}

func (t *Tracker) haltLoop() {
	t.mu.Lock()
	once, stop, done := t.stopOnce, t.loopStop, t.loopDone
	t.running = false
	t.mu.Unlock()
	if once == nil {
		return
	}
	once.Do(func() { close(stop) })
	if done != nil {
		<-done
	}
}

// Stop halts sampling and releases the keep-alive grant. Idempotent, safe on
// every exit path.
func (t *Tracker) Stop() {
	t.haltLoop()
	t.sched.Stop()
}

// SetAuthorization applies an external grant change. Losing the continuous
// grant halts sampling and releases the keep-alive session immediately.
func (t *Tracker) SetAuthorization(level Authorization) {
	t.mu.Lock()
	t.auth = level
	running := t.running
	t.mu.Unlock()
	t.emit(Update{Kind: UpdateAuthorization, Authorization: level})
	if level != AuthorizationAlways && running {
		t.Stop()
		t.emit(Update{Kind: UpdateFailure, Err: ErrAuthorizationDenied})
	}
}

// Running reports whether the sampling loop is live.
func (t *Tracker) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Session exposes the current keep-alive session for diagnostics.
func (t *Tracker) Session() model.KeepAliveSession { return t.sched.Session() }

func (t *Tracker) emit(u Update) {
	select {
	case t.updates <- u:
	default:
		select {
		case <-t.updates:
		default:
		}
		select {
		case t.updates <- u:
		default:
		}
	}
}
