package api

import (
	"encoding/json"
	"net/http"
)

// Problem types for this service's error taxonomy (RFC7807 `type` values).
const (
	problemInvalidRequest = "geopresence:invalid-request"
	problemNotFound       = "geopresence:not-found"
	problemForbidden      = "geopresence:forbidden"
	problemRateLimited    = "geopresence:rate-limited"
	problemConflict       = "geopresence:conflict"
	problemUnavailable    = "geopresence:unavailable"
	problemInternal       = "geopresence:internal"
)

// Problem represents an RFC7807 problem details response body.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

func problemType(status int) string {
	switch status {
	case http.StatusBadRequest:
		return problemInvalidRequest
	case http.StatusNotFound:
		return problemNotFound
	case http.StatusForbidden:
		return problemForbidden
	case http.StatusTooManyRequests:
		return problemRateLimited
	case http.StatusConflict:
		return problemConflict
	case http.StatusServiceUnavailable:
		return problemUnavailable
	}
	return problemInternal
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, title, detail, instance string) {
	writeJSON(w, status, Problem{
		Type:     problemType(status),
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: instance,
	})
}
