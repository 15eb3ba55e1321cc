package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"geopresence/internal/api"
	"geopresence/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	srvDeps, err := api.NewServer(cfg)
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	mux := http.NewServeMux()

	// Fix ingest
	mux.HandleFunc("/v1/fixes", srvDeps.FixesHandler)

	// Presence
	mux.HandleFunc("/v1/entities/", srvDeps.EntityHandler) // includes /status, /status/stream
	mux.HandleFunc("/v1/presence/ws", srvDeps.PresenceWSHandler)

	// Geofences
	mux.HandleFunc("/v1/geofences", srvDeps.GeofencesHandler)
	mux.HandleFunc("/v1/geofences/", srvDeps.GeofenceByIDHandler)

	// Links, tokens
	mux.HandleFunc("/v1/links", srvDeps.LinksHandler)
	mux.HandleFunc("/v1/tokens", srvDeps.TokensHandler)

	// Tracking lifecycle
	mux.HandleFunc("/v1/tracking/start", srvDeps.TrackingStartHandler)
	mux.HandleFunc("/v1/tracking/stop", srvDeps.TrackingStopHandler)

	// Diagnostics
	mux.HandleFunc("/v1/selftest", srvDeps.SelfTestHandler)
	mux.HandleFunc("/healthz", srvDeps.HealthHandler)
	mux.HandleFunc("/readyz", srvDeps.ReadyHandler)
	mux.Handle("/metrics", srvDeps.MetricsHandler())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := srvDeps.Run(ctx); err != nil {
		log.Fatalf("failed to start pipeline: %v", err)
	}

	addr := ":" + cfg.Port

	srv := &http.Server{
		Addr:              addr,
		Handler:           logMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		log.Printf("shutting down")
		srvDeps.Shutdown()
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("trackerd listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}

func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		dur := time.Since(start)
		log.Printf("%s %s %s %v", r.RemoteAddr, r.Method, r.URL.Path, dur)
	})
}
