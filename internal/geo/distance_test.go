package geo

import (
	"math"
	"testing"

	"geopresence/internal/model"
)

func TestDistanceM(t *testing.T) {
	origin := model.GeoPoint{Lat: 0, Lng: 0}
	p := PointAtDistance(origin, 150)
	d := DistanceM(origin, p)
	if math.Abs(d-150) > 1 {
		t.Fatalf("distance: got %.2fm, want ~150m", d)
	}
}

func TestContainsBoundary(t *testing.T) {
	g := model.Geofence{Center: model.GeoPoint{Lat: 0, Lng: 0}, RadiusM: 100}
	if !Contains(g, PointAtDistance(g.Center, 60)) {
		t.Fatal("60m inside a 100m fence should be contained")
	}
	if Contains(g, PointAtDistance(g.Center, 150)) {
		t.Fatal("150m outside a 100m fence should not be contained")
	}
	if !Contains(g, g.Center) {
		t.Fatal("center must be contained")
	}
}
