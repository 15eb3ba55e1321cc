package api

import (
	"context"
	"log"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"geopresence/internal/clock"
	"geopresence/internal/config"
	"geopresence/internal/detect"
	"geopresence/internal/keepalive"
	"geopresence/internal/metrics"
	"geopresence/internal/model"
	"geopresence/internal/notify"
	"geopresence/internal/publish"
	"geopresence/internal/reconcile"
	"geopresence/internal/store"
	"geopresence/internal/track"

	"github.com/google/uuid"
)

type Server struct {
	Cfg        config.Config
	Store      store.Store
	Reconciler *reconcile.Reconciler
	Tracker    *track.Tracker
	Fixes      track.ChannelSource
	Registry   *notify.Registry
	Dispatcher *notify.Dispatcher
	Broker     PresenceBroker
	Clock      clock.Clock

	mu       sync.Mutex
	limiters map[string]*rate.Limiter // per-entity fix ingest limiters

	// wildcard reconciler subscriptions owned by Run, released by Shutdown
	dispatchFeed chan model.PresenceStatus
	bridgeFeed   chan model.PresenceStatus
}

// NewServer wires the whole pipeline. If DATABASE_URL is unset, uses the
// in-memory store; if REDIS_URL is set, presence fan-out crosses processes.
func NewServer(cfg config.Config) (*Server, error) {
	metrics.RegisterDefault()

	var s store.Store
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		s = store.NewMemory()
	} else {
		sp, err := store.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := sp.Migrate(context.Background()); err != nil {
			return nil, err
		}
		s = sp
	}

	var broker PresenceBroker
	if cfg.RedisURL != "" {
		rb, err := NewRedisBroker(cfg.RedisURL)
		if err != nil {
			log.Printf("api: redis broker unavailable, falling back to in-process: %v", err)
			broker = NewBroker()
		} else {
			broker = rb
		}
	} else {
		broker = NewBroker()
	}

	clk := clock.Real{}
	var gw notify.Gateway
	if cfg.GatewayURL != "" {
		gw = notify.NewHTTPGateway(cfg.GatewayURL, cfg.GatewaySec)
	} else {
		gw = notify.LogGateway{}
	}

	fixes := make(track.ChannelSource, 256)
	reg := notify.NewRegistry()
	rec := reconcile.New(s)
	grants := keepalive.UUIDGrants{NewID: func() string { return uuid.New().String() }}
	tr := track.New(clk, fixes, detect.New(s), publish.New(s, clk), grants)

	return &Server{
		Cfg:        cfg,
		Store:      s,
		Reconciler: rec,
		Tracker:    tr,
		Fixes:      fixes,
		Registry:   reg,
		Dispatcher: notify.NewDispatcher(reg, gw, s, s, clk, cfg.SelfTest),
		Broker:     broker,
		Clock:      clk,
		limiters:   map[string]*rate.Limiter{},
	}, nil
}

// Run starts the reconciler, the notification worker, and the bridge that
// republishes reconciled statuses onto the presence broker.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Reconciler.Run(ctx); err != nil {
		return err
	}
	s.dispatchFeed = s.Reconciler.Subscribe("")
	s.Dispatcher.Start(s.dispatchFeed)

	s.bridgeFeed = s.Reconciler.Subscribe("")
	go func(bridge chan model.PresenceStatus) {
		for st := range bridge {
			s.Broker.Publish(st)
		}
	}(s.bridgeFeed)

	// tracker lifecycle events are operator-visible via logs
	go func() {
		for u := range s.Tracker.Updates() {
			switch u.Kind {
			case track.UpdateFailure:
				log.Printf("track: %v", u.Err)
			case track.UpdateAuthorization:
				log.Printf("track: authorization %s", u.Authorization)
			}
		}
	}()
	return nil
}

// Shutdown stops sampling and background consumers, releasing the wildcard
// subscriptions so their goroutines terminate.
func (s *Server) Shutdown() {
	s.Tracker.Stop()
	s.Dispatcher.Stop()
	if s.dispatchFeed != nil {
		s.Reconciler.Unsubscribe("", s.dispatchFeed)
		s.dispatchFeed = nil
	}
	if s.bridgeFeed != nil {
		s.Reconciler.Unsubscribe("", s.bridgeFeed)
		s.bridgeFeed = nil
	}
	s.Reconciler.Close()
}

func (s *Server) limiter(entityID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.limiters[entityID]
	if l == nil {
		l = rate.NewLimiter(rate.Limit(s.Cfg.FixRate), s.Cfg.FixBurst)
		s.limiters[entityID] = l
	}
	return l
}
