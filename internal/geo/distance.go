package geo

import (
	"math"

	"github.com/golang/geo/s2"

	"geopresence/internal/model"
)

// EarthRadiusM is the mean Earth radius used to scale angular distances.
const EarthRadiusM = 6371000.0

// DistanceM returns the great-circle distance between two points in meters.
func DistanceM(a, b model.GeoPoint) float64 {
	p1 := s2.LatLngFromDegrees(a.Lat, a.Lng)
	p2 := s2.LatLngFromDegrees(b.Lat, b.Lng)
	return p1.Distance(p2).Radians() * EarthRadiusM
}

// Contains reports whether p falls within the geofence's radius of its center.
func Contains(g model.Geofence, p model.GeoPoint) bool {
	return DistanceM(g.Center, p) <= g.RadiusM
}

// PointAtDistance returns a point due east of origin at the given distance.
func PointAtDistance(origin model.GeoPoint, distM float64) model.GeoPoint {
	dLng := (distM / EarthRadiusM) / math.Cos(origin.Lat*math.Pi/180)
	return model.GeoPoint{Lat: origin.Lat, Lng: origin.Lng + dLng*180/math.Pi}
}
