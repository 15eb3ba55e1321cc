// Package keepalive manages the renewable, time-boxed execution grant that
// keeps location sampling alive while the host process is backgrounded.
package keepalive

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"geopresence/internal/clock"
	"geopresence/internal/metrics"
	"geopresence/internal/model"
)

const (
	// Budget is the fixed lifetime of one execution grant.
	Budget = 30 * time.Second
	// RenewAt is the elapsed time at which a renewal is issued, leaving a
	// safety margin before the deadline.
	RenewAt = 25 * time.Second
)

// ErrSessionExpired is surfaced when a grant lapses before a renewal is
// acknowledged. Terminal for the run: only an external restart recovers.
var ErrSessionExpired = errors.New("keep-alive session expired")

type State int

const (
	Idle State = iota
	Requested
	Granted
	Renewing
	Expired
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Requested:
		return "requested"
	case Granted:
		return "granted"
	case Renewing:
		return "renewing"
	case Expired:
		return "expired"
	}
	return "unknown"
}

// GrantProvider is the host facility that issues and renews execution grants.
type GrantProvider interface {
	Begin(ctx context.Context) (string, error)
	Renew(ctx context.Context, oldID string) (string, error)
	End(ctx context.Context, id string) error
}

// Scheduler drives one grant lineage: Idle → Requested → Granted → Renewing →
// Granted → … → Expired. At most one session is valid at any instant; renewal
// swaps the session id under the lock so there is no zero-session window.
type Scheduler struct {
	clk      clock.Clock
	grants   GrantProvider
	onExpire func(error)

	mu      sync.Mutex
	state   State
	session model.KeepAliveSession

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New creates a scheduler. onExpire is invoked (once) when the grant lapses;
// it must halt sampling. A nil onExpire is allowed.
func New(clk clock.Clock, grants GrantProvider, onExpire func(error)) *Scheduler {
	return &Scheduler{clk: clk, grants: grants, onExpire: onExpire}
}

// Start requests the initial grant and begins the renewal loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Idle && s.state != Expired {
		s.mu.Unlock()
		return errors.New("keepalive: already started")
	}
	s.state = Requested
	s.mu.Unlock()

	id, err := s.grants.Begin(ctx)
	if err != nil {
		s.mu.Lock()
		s.state = Idle
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.state = Granted
	s.session = model.KeepAliveSession{ID: id, Deadline: s.clk.Now().Add(Budget)}
	s.stop = make(chan struct{})
	s.stopOnce = sync.Once{}
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(ctx)
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			s.release(ctx)
			return
		case <-s.clk.After(RenewAt):
		}

		s.mu.Lock()
		if s.state != Granted {
			s.mu.Unlock()
			return
		}
		s.state = Renewing
		old := s.session
		s.mu.Unlock()

		type renewResult struct {
			id  string
			err error
		}
		// arm the deadline before the renewal can possibly be in flight
		deadline := s.clk.After(Budget - RenewAt)
		ack := make(chan renewResult, 1)
		go func() {
			id, err := s.grants.Renew(ctx, old.ID)
			ack <- renewResult{id: id, err: err}
		}()

		select {
		case <-s.stop:
			s.release(ctx)
			return
		case r := <-ack:
			if r.err != nil {
				s.expire(r.err)
				return
			}
			s.mu.Lock()
			s.session = model.KeepAliveSession{ID: r.id, Deadline: s.clk.Now().Add(Budget), Renewals: old.Renewals + 1}
			s.state = Granted
			s.mu.Unlock()
			metrics.KeepAliveRenewals.WithLabelValues("ok").Inc()
		case <-deadline:
			// deadline passed with no acknowledgement
			s.expire(nil)
			return
		}
	}
}

func (s *Scheduler) expire(cause error) {
	s.mu.Lock()
	s.state = Expired
	id := s.session.ID
	s.mu.Unlock()
	metrics.KeepAliveRenewals.WithLabelValues("expired").Inc()
	if cause != nil {
		log.Printf("keepalive: session %s expired: %v", id, cause)
	} else {
		log.Printf("keepalive: session %s expired: renewal unacknowledged", id)
	}
	if s.onExpire != nil {
		s.onExpire(ErrSessionExpired)
	}
}

func (s *Scheduler) release(ctx context.Context) {
	s.mu.Lock()
	id := s.session.ID
	s.state = Idle
	s.session = model.KeepAliveSession{}
	s.mu.Unlock()
	if id != "" {
		_ = s.grants.End(ctx, id)
	}
}

// Stop halts the renewal loop and releases the current grant. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	stop := s.stop
	done := s.done
	s.mu.Unlock()
	if stop == nil {
		return
	}
	s.stopOnce.Do(func() { close(stop) })
	if done != nil {
		<-done
	}
}

// Valid reports whether a session currently covers execution. The old session
// remains valid through a renewal in flight.
func (s *Scheduler) Valid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == Granted || s.state == Renewing
}

// Session returns a copy of the current session.
func (s *Scheduler) Session() model.KeepAliveSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// CurrentState returns the state machine position.
func (s *Scheduler) CurrentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// UUIDGrants is a GrantProvider for hosts that renew unconditionally; each
// grant is a fresh UUID. Used when the process owns its own lifetime.
type UUIDGrants struct{ NewID func() string }

func (g UUIDGrants) Begin(ctx context.Context) (string, error)           { return g.NewID(), nil }
func (g UUIDGrants) Renew(ctx context.Context, _ string) (string, error) { return g.NewID(), nil }
func (g UUIDGrants) End(ctx context.Context, _ string) error             { return nil }
