package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Core domain types shared across the tracking pipeline.

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// LocationFix is a single raw position sample for a tracked entity.
// Fixes are ephemeral: they are filtered and classified, never persisted.
type LocationFix struct {
	EntityID  string    `json:"entityId"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	AccuracyM float64   `json:"accuracyM"`
	SpeedMS   float64   `json:"speedMS"`
	Battery   *float64  `json:"battery,omitempty"`
	TS        time.Time `json:"ts"`
}

// Moving reports whether the fix carries positive instantaneous speed.
func (f LocationFix) Moving() bool { return f.SpeedMS > 0 }

type GeofenceInput struct {
	Name    string    `json:"name,omitempty"`
	Center  *GeoPoint `json:"center,omitempty"`
	RadiusM float64   `json:"radiusM,omitempty"`
	Active  *bool     `json:"active,omitempty"`
}

// Geofence is a named circular region. Created and edited by an external
// management surface; read-only to the pipeline at evaluation time.
type Geofence struct {
	ID      string   `json:"id"`
	Owner   string   `json:"owner"`
	Name    string   `json:"name,omitempty"`
	Center  GeoPoint `json:"center"`
	RadiusM float64  `json:"radiusM"`
	Active  bool     `json:"active"`
}

type TransitionType string

const (
	TransitionEnter TransitionType = "enter"
	TransitionExit  TransitionType = "exit"
)

// FixSnapshot is the slice of the triggering fix embedded in an event.
type FixSnapshot struct {
	Lat       float64  `json:"lat"`
	Lng       float64  `json:"lng"`
	AccuracyM float64  `json:"accuracyM"`
	Battery   *float64 `json:"battery,omitempty"`
	Moving    bool     `json:"moving"`
}

// GeofenceEvent is one enter/exit transition. Immutable once published.
type GeofenceEvent struct {
	ID         string         `json:"id"`
	EntityID   string         `json:"entityId"`
	GeofenceID string         `json:"geofenceId"`
	Type       TransitionType `json:"type"`
	TS         time.Time      `json:"ts"`
	Fix        FixSnapshot    `json:"fix"`
}

// EventID derives the deterministic event id for a transition, so that
// republishing the same logical transition writes the same key.
func EventID(entityID, geofenceID string, ts time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", entityID, geofenceID, ts.UnixNano())))
	return hex.EncodeToString(sum[:16])
}

// PresenceStatus is the latest transition observed for an entity.
type PresenceStatus struct {
	EntityID string        `json:"entityId"`
	Event    GeofenceEvent `json:"event"`
}

// ChangeKind tags change-feed deltas from the event store.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeRemoved  ChangeKind = "removed"
)

// Change is one delta from the store's change feed. Delivery order carries
// no relation to event timestamp order.
type Change struct {
	Kind  ChangeKind    `json:"kind"`
	Event GeofenceEvent `json:"event"`
}

// KeepAliveSession is a renewable, time-boxed background execution grant.
type KeepAliveSession struct {
	ID       string    `json:"id"`
	Deadline time.Time `json:"deadline"`
	Renewals int       `json:"renewals"`
}
