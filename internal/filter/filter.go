// Package filter gates raw location fixes before anything downstream sees
// them. Rejection is noise suppression, not an error.
package filter

import (
	"time"

	"geopresence/internal/metrics"
	"geopresence/internal/model"
)

const (
	// MaxAge is the oldest a fix may be and still count as fresh (inclusive).
	MaxAge = 30 * time.Second
	// MaxAccuracyM is the horizontal accuracy bound (exclusive).
	MaxAccuracyM = 100.0
)

// Accept reports whether the fix is fresh and accurate enough to classify.
func Accept(fix model.LocationFix, now time.Time) bool {
	if now.Sub(fix.TS) > MaxAge {
		metrics.FixesRejected.WithLabelValues("stale").Inc()
		return false
	}
	if fix.AccuracyM >= MaxAccuracyM {
		metrics.FixesRejected.WithLabelValues("inaccurate").Inc()
		return false
	}
	metrics.FixesAccepted.Inc()
	return true
}
