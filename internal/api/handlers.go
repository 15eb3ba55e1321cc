package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"geopresence/internal/metrics"
	"geopresence/internal/model"
	"geopresence/internal/notify"
	"geopresence/internal/store"
	"geopresence/internal/track"
)

// FixesHandler ingests one raw location fix. Bursts beyond the per-entity
// rate are shed; the filter downstream handles freshness and accuracy.
func (s *Server) FixesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var fix model.LocationFix
	if err := json.NewDecoder(r.Body).Decode(&fix); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid fix", err.Error(), r.URL.Path)
		return
	}
	if fix.EntityID == "" {
		writeProblem(w, http.StatusBadRequest, "Invalid fix", "entityId required", r.URL.Path)
		return
	}
	if fix.TS.IsZero() {
		fix.TS = s.Clock.Now()
	}
	if !s.limiter(fix.EntityID).Allow() {
		writeProblem(w, http.StatusTooManyRequests, "Rate limited", "fix rate exceeded for entity", r.URL.Path)
		return
	}
	select {
	case s.Fixes <- fix:
	default:
		// sampler backlog: shed rather than block the ingest path
	}
	w.WriteHeader(http.StatusAccepted)
}

// EntityHandler serves /v1/entities/{id}/status and .../status/stream.
func (s *Server) EntityHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/entities/")
	parts := strings.Split(rest, "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] != "status" {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	entityID := parts[0]

	if len(parts) >= 3 && parts[2] == "stream" {
		s.streamStatus(w, r, entityID)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	st, ok := s.Reconciler.Get(entityID)
	if !ok {
		writeProblem(w, http.StatusNotFound, "No status", "no transition observed for entity", r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) streamStatus(w http.ResponseWriter, r *http.Request, entityID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, http.StatusInternalServerError, "Streaming unsupported", "", r.URL.Path)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := s.Broker.Subscribe(entityID)
	defer s.Broker.Unsubscribe(entityID, ch)

	// current status first, if established
	if st, ok := s.Reconciler.Get(entityID); ok {
		b, _ := json.Marshal(st)
		fmt.Fprintf(w, "event: presence\ndata: %s\n\n", b)
	}
	fmt.Fprintf(w, "event: heartbeat\ndata: {\"entityId\":%q,\"ts\":%q}\n\n", entityID, time.Now().Format(time.RFC3339))
	flusher.Flush()

	notifyDone := r.Context().Done()
	for {
		select {
		case <-notifyDone:
			return
		case st, ok := <-ch:
			if !ok {
				return
			}
			b, _ := json.Marshal(st)
			fmt.Fprintf(w, "event: presence\ndata: %s\n\n", b)
			flusher.Flush()
		case <-time.After(15 * time.Second):
			fmt.Fprintf(w, "event: heartbeat\ndata: {\"entityId\":%q,\"ts\":%q}\n\n", entityID, time.Now().Format(time.RFC3339))
			flusher.Flush()
		}
	}
}

// GeofencesHandler handles POST and GET /v1/geofences. The owner comes from
// the X-Recipient-Id header; this is the management-surface boundary, not an
// authentication layer.
func (s *Server) GeofencesHandler(w http.ResponseWriter, r *http.Request) {
	owner := recipientID(r)
	switch r.Method {
	case http.MethodPost:
		var in model.GeofenceInput
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid geofence", err.Error(), r.URL.Path)
			return
		}
		if in.Center == nil || in.RadiusM <= 0 {
			writeProblem(w, http.StatusBadRequest, "Invalid geofence", "center and positive radiusM required", r.URL.Path)
			return
		}
		g, err := s.Store.CreateGeofence(r.Context(), owner, in)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Create failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusCreated, g)
	case http.MethodGet:
		items, err := s.Store.ListGeofences(r.Context(), owner)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "List failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// GeofenceByIDHandler handles GET/PATCH/DELETE /v1/geofences/{id}.
func (s *Server) GeofenceByIDHandler(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/geofences/")
	if id == "" {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	switch r.Method {
	case http.MethodGet:
		g, err := s.Store.GetGeofence(r.Context(), id)
		if err != nil {
			geofenceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, g)
	case http.MethodPatch:
		var in model.GeofenceInput
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid patch", err.Error(), r.URL.Path)
			return
		}
		g, err := s.Store.PatchGeofence(r.Context(), id, in)
		if err != nil {
			geofenceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, g)
	case http.MethodDelete:
		if err := s.Store.DeleteGeofence(r.Context(), id); err != nil {
			geofenceError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func geofenceError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	writeProblem(w, http.StatusInternalServerError, "Store error", err.Error(), r.URL.Path)
}

type linkRequest struct {
	RecipientID string `json:"recipientId"`
	EntityID    string `json:"entityId"`
}

// LinksHandler maintains recipient↔entity links (household boundary).
func (s *Server) LinksHandler(w http.ResponseWriter, r *http.Request) {
	var req linkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RecipientID == "" || req.EntityID == "" {
		writeProblem(w, http.StatusBadRequest, "Invalid link", "recipientId and entityId required", r.URL.Path)
		return
	}
	switch r.Method {
	case http.MethodPost:
		if err := s.Store.LinkEntity(r.Context(), req.RecipientID, req.EntityID); err != nil {
			writeProblem(w, http.StatusInternalServerError, "Link failed", err.Error(), r.URL.Path)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		if err := s.Store.UnlinkEntity(r.Context(), req.RecipientID, req.EntityID); err != nil {
			writeProblem(w, http.StatusInternalServerError, "Unlink failed", err.Error(), r.URL.Path)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

type tokenRequest struct {
	RecipientID string `json:"recipientId"`
	Token       string `json:"token"`
}

// TokensHandler registers and unregisters delivery tokens.
func (s *Server) TokensHandler(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RecipientID == "" || req.Token == "" {
		writeProblem(w, http.StatusBadRequest, "Invalid token request", "recipientId and token required", r.URL.Path)
		return
	}
	switch r.Method {
	case http.MethodPost:
		s.Registry.Register(req.RecipientID, req.Token)
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		s.Registry.Unregister(req.RecipientID, req.Token)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

type trackingRequest struct {
	Authorization string `json:"authorization"`
}

// TrackingStartHandler starts the sampling pipeline with the given grant.
func (s *Server) TrackingStartHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req trackingRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	level := parseAuthorization(req.Authorization)
	// the sampling loop outlives this request
	if err := s.Tracker.Start(context.Background(), level); err != nil {
		if errors.Is(err, track.ErrAuthorizationDenied) {
			writeProblem(w, http.StatusForbidden, "Authorization denied", err.Error(), r.URL.Path)
			return
		}
		writeProblem(w, http.StatusConflict, "Start failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tracking": true, "session": s.Tracker.Session()})
}

// TrackingStopHandler halts sampling and releases the keep-alive grant.
func (s *Server) TrackingStopHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	s.Tracker.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"tracking": false})
}

type selfTestRequest struct {
	RecipientID string `json:"recipientId"`
}

// SelfTestHandler triggers the diagnostic end-to-end dispatch. Forbidden
// unless the service runs with the self-test flag.
func (s *Server) SelfTestHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req selfTestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RecipientID == "" {
		writeProblem(w, http.StatusBadRequest, "Invalid request", "recipientId required", r.URL.Path)
		return
	}
	id, err := s.Dispatcher.RunSelfTest(r.Context(), req.RecipientID)
	if err != nil {
		if errors.Is(err, notify.ErrSelfTestDisabled) {
			writeProblem(w, http.StatusForbidden, "Self-test disabled", err.Error(), r.URL.Path)
			return
		}
		writeProblem(w, http.StatusInternalServerError, "Self-test failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"eventId": id})
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	// ready once the store answers a trivial query
	if _, err := s.Store.LatestEvents(r.Context(), []string{"readyz-probe"}); err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "Store unavailable", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// MetricsHandler serves the dedicated Prometheus registry.
func (s *Server) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})
}

func recipientID(r *http.Request) string {
	if v := r.Header.Get("X-Recipient-Id"); v != "" {
		return v
	}
	return "r_demo"
}

func parseAuthorization(s string) track.Authorization {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "always", "continuous", "background":
		return track.AuthorizationAlways
	case "when_in_use", "wheninuse":
		return track.AuthorizationWhenInUse
	}
	return track.AuthorizationDenied
}
