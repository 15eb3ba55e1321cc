package filter

import (
	"testing"
	"time"

	"geopresence/internal/model"
)

func fixAt(age time.Duration, accuracy float64, now time.Time) model.LocationFix {
	return model.LocationFix{EntityID: "e1", AccuracyM: accuracy, TS: now.Add(-age)}
}

func TestAcceptAgeBoundary(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if !Accept(fixAt(30*time.Second, 50, now), now) {
		t.Fatal("age exactly 30s must be accepted")
	}
	if Accept(fixAt(30*time.Second+100*time.Microsecond, 50, now), now) {
		t.Fatal("age just over 30s must be rejected")
	}
}

func TestAcceptAccuracyBoundary(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if Accept(fixAt(0, 100, now), now) {
		t.Fatal("accuracy exactly 100 must be rejected")
	}
	if !Accept(fixAt(0, 99.999, now), now) {
		t.Fatal("accuracy 99.999 must be accepted")
	}
}

func TestAcceptFutureFix(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	// a fix stamped slightly ahead of the clock is not stale
	if !Accept(fixAt(-time.Second, 50, now), now) {
		t.Fatal("future-stamped fix should pass the freshness gate")
	}
}
