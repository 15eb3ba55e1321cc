package store

import (
	"context"
	"errors"

	"geopresence/internal/model"
)

// Store is the durable event store boundary plus the read-only management
// data the pipeline consumes (geofences, recipient links). Event writes are
// idempotent by event id; the change feed delivers at-least-once with no
// ordering guarantee relative to event timestamps.
type Store interface {
	// Events
	AppendEvent(ctx context.Context, evt model.GeofenceEvent) error
	DeleteEvent(ctx context.Context, id string) error
	// LatestEvents returns the newest event per entity, ordered by timestamp
	// descending. An empty entityIDs slice selects all entities.
	LatestEvents(ctx context.Context, entityIDs []string) ([]model.GeofenceEvent, error)
	// SubscribeChanges returns a live delta feed and a cancel func. The
	// channel closes after cancel.
	SubscribeChanges(ctx context.Context) (<-chan model.Change, func(), error)

	// Geofences (written by the external management surface)
	CreateGeofence(ctx context.Context, owner string, in model.GeofenceInput) (model.Geofence, error)
	ListGeofences(ctx context.Context, owner string) ([]model.Geofence, error)
	GetGeofence(ctx context.Context, id string) (model.Geofence, error)
	PatchGeofence(ctx context.Context, id string, in model.GeofenceInput) (model.Geofence, error)
	DeleteGeofence(ctx context.Context, id string) error

	// Recipient ↔ entity links (household membership boundary)
	LinkEntity(ctx context.Context, recipientID, entityID string) error
	UnlinkEntity(ctx context.Context, recipientID, entityID string) error
	RecipientsForEntity(ctx context.Context, entityID string) ([]string, error)
	EntitiesForRecipient(ctx context.Context, recipientID string) ([]string, error)

	// GeofencesForEntity returns the active geofences owned by any recipient
	// linked to the entity. Snapshot semantics: the returned slice never
	// mutates under the caller.
	GeofencesForEntity(ctx context.Context, entityID string) ([]model.Geofence, error)
}

var ErrNotFound = errors.New("not found")
