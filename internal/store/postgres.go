package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib"

	"geopresence/internal/model"
)

const changeChannel = "geofence_events"

// Postgres is the durable store. Appends are idempotent via the events
// primary key; the change feed rides LISTEN/NOTIFY so every process sees
// deltas regardless of which process wrote them.
type Postgres struct {
	db  *sql.DB
	dsn string
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &Postgres{db: db, dsn: dsn}, nil
}

// Migrate creates the schema if missing. Dev helper, mirrors deploy DDL.
func (p *Postgres) Migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS geofence_events (
			id TEXT PRIMARY KEY,
			entity_id TEXT NOT NULL,
			geofence_id TEXT NOT NULL,
			type TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			fix JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS geofence_events_entity_ts ON geofence_events (entity_id, ts DESC)`,
		`CREATE TABLE IF NOT EXISTS geofences (
			id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			name TEXT,
			lat DOUBLE PRECISION NOT NULL,
			lng DOUBLE PRECISION NOT NULL,
			radius_m DOUBLE PRECISION NOT NULL,
			active BOOLEAN NOT NULL DEFAULT TRUE
		)`,
		`CREATE TABLE IF NOT EXISTS entity_links (
			recipient_id TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			PRIMARY KEY (recipient_id, entity_id)
		)`,
	}
	for _, q := range ddl {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *Postgres) AppendEvent(ctx context.Context, evt model.GeofenceEvent) error {
	fix, err := json.Marshal(evt.Fix)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx,
		`INSERT INTO geofence_events (id, entity_id, geofence_id, type, ts, fix)
		 VALUES ($1,$2,$3,$4,$5,$6) ON CONFLICT (id) DO NOTHING`,
		evt.ID, evt.EntityID, evt.GeofenceID, string(evt.Type), evt.TS, fix)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// duplicate key: a replayed publish, nothing to announce
		return nil
	}
	return p.notify(ctx, model.Change{Kind: model.ChangeAdded, Event: evt})
}

func (p *Postgres) DeleteEvent(ctx context.Context, id string) error {
	evt, err := p.getEvent(ctx, id)
	if err != nil {
		return err
	}
	if _, err := p.db.ExecContext(ctx, `DELETE FROM geofence_events WHERE id=$1`, id); err != nil {
		return err
	}
	return p.notify(ctx, model.Change{Kind: model.ChangeRemoved, Event: evt})
}

func (p *Postgres) getEvent(ctx context.Context, id string) (model.GeofenceEvent, error) {
	var evt model.GeofenceEvent
	var typ string
	var fix []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT id, entity_id, geofence_id, type, ts, fix FROM geofence_events WHERE id=$1`, id).
		Scan(&evt.ID, &evt.EntityID, &evt.GeofenceID, &typ, &evt.TS, &fix)
	if errors.Is(err, sql.ErrNoRows) {
		return evt, ErrNotFound
	}
	if err != nil {
		return evt, err
	}
	evt.Type = model.TransitionType(typ)
	if err := json.Unmarshal(fix, &evt.Fix); err != nil {
		return evt, err
	}
	return evt, nil
}

func (p *Postgres) LatestEvents(ctx context.Context, entityIDs []string) ([]model.GeofenceEvent, error) {
	q := `SELECT DISTINCT ON (entity_id) id, entity_id, geofence_id, type, ts, fix
	      FROM geofence_events`
	args := []any{}
	if len(entityIDs) > 0 {
		q += ` WHERE entity_id = ANY($1)`
		args = append(args, entityIDs)
	}
	q += ` ORDER BY entity_id, ts DESC`
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.GeofenceEvent{}
	for rows.Next() {
		var evt model.GeofenceEvent
		var typ string
		var fix []byte
		if err := rows.Scan(&evt.ID, &evt.EntityID, &evt.GeofenceID, &typ, &evt.TS, &fix); err != nil {
			return nil, err
		}
		evt.Type = model.TransitionType(typ)
		if err := json.Unmarshal(fix, &evt.Fix); err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	// latest-first across entities, matching the historical load contract
	sort.Slice(out, func(i, j int) bool { return out[i].TS.After(out[j].TS) })
	return out, rows.Err()
}

func (p *Postgres) notify(ctx context.Context, c model.Change) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, changeChannel, string(payload))
	return err
}

// SubscribeChanges opens a dedicated pgx connection in LISTEN mode and
// forwards notifications. The connection reconnects on error until cancel.
func (p *Postgres) SubscribeChanges(ctx context.Context) (<-chan model.Change, func(), error) {
	ch := make(chan model.Change, 64)
	lctx, cancelCtx := context.WithCancel(ctx)
	var once sync.Once
	cancel := func() { once.Do(cancelCtx) }

	go func() {
		defer close(ch)
		for lctx.Err() == nil {
			if err := p.listen(lctx, ch); err != nil && lctx.Err() == nil {
				log.Printf("store: change feed listener error: %v", err)
				select {
				case <-lctx.Done():
				case <-time.After(time.Second):
				}
			}
		}
	}()
	return ch, cancel, nil
}

func (p *Postgres) listen(ctx context.Context, ch chan<- model.Change) error {
	conn, err := pgx.Connect(ctx, p.dsn)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close(context.Background()) }()
	if _, err := conn.Exec(ctx, "LISTEN "+changeChannel); err != nil {
		return err
	}
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		var c model.Change
		if err := json.Unmarshal([]byte(n.Payload), &c); err != nil {
			log.Printf("store: bad change payload: %v", err)
			continue
		}
		select {
		case ch <- c:
		default:
			// feed consumer lagging; drop rather than stall the listener
		}
	}
}

func (p *Postgres) CreateGeofence(ctx context.Context, owner string, in model.GeofenceInput) (model.Geofence, error) {
	g := model.Geofence{ID: uuid.New().String(), Owner: owner, Name: in.Name, RadiusM: in.RadiusM, Active: true}
	if in.Center != nil {
		g.Center = *in.Center
	}
	if in.Active != nil {
		g.Active = *in.Active
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO geofences (id, owner, name, lat, lng, radius_m, active) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		g.ID, g.Owner, g.Name, g.Center.Lat, g.Center.Lng, g.RadiusM, g.Active)
	return g, err
}

func (p *Postgres) ListGeofences(ctx context.Context, owner string) ([]model.Geofence, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, owner, name, lat, lng, radius_m, active FROM geofences WHERE owner=$1 ORDER BY id`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanGeofences(rows)
}

func (p *Postgres) GetGeofence(ctx context.Context, id string) (model.Geofence, error) {
	var g model.Geofence
	err := p.db.QueryRowContext(ctx,
		`SELECT id, owner, name, lat, lng, radius_m, active FROM geofences WHERE id=$1`, id).
		Scan(&g.ID, &g.Owner, &g.Name, &g.Center.Lat, &g.Center.Lng, &g.RadiusM, &g.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return g, ErrNotFound
	}
	return g, err
}

func (p *Postgres) PatchGeofence(ctx context.Context, id string, in model.GeofenceInput) (model.Geofence, error) {
	g, err := p.GetGeofence(ctx, id)
	if err != nil {
		return g, err
	}
	if in.Name != "" {
		g.Name = in.Name
	}
	if in.Center != nil {
		g.Center = *in.Center
	}
	if in.RadiusM > 0 {
		g.RadiusM = in.RadiusM
	}
	if in.Active != nil {
		g.Active = *in.Active
	}
	_, err = p.db.ExecContext(ctx,
		`UPDATE geofences SET name=$2, lat=$3, lng=$4, radius_m=$5, active=$6 WHERE id=$1`,
		g.ID, g.Name, g.Center.Lat, g.Center.Lng, g.RadiusM, g.Active)
	return g, err
}

func (p *Postgres) DeleteGeofence(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM geofences WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) LinkEntity(ctx context.Context, recipientID, entityID string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO entity_links (recipient_id, entity_id) VALUES ($1,$2) ON CONFLICT DO NOTHING`,
		recipientID, entityID)
	return err
}

func (p *Postgres) UnlinkEntity(ctx context.Context, recipientID, entityID string) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM entity_links WHERE recipient_id=$1 AND entity_id=$2`, recipientID, entityID)
	return err
}

func (p *Postgres) RecipientsForEntity(ctx context.Context, entityID string) ([]string, error) {
	return p.linkColumn(ctx,
		`SELECT recipient_id FROM entity_links WHERE entity_id=$1 ORDER BY recipient_id`, entityID)
}

func (p *Postgres) EntitiesForRecipient(ctx context.Context, recipientID string) ([]string, error) {
	return p.linkColumn(ctx,
		`SELECT entity_id FROM entity_links WHERE recipient_id=$1 ORDER BY entity_id`, recipientID)
}

func (p *Postgres) linkColumn(ctx context.Context, q, arg string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, q, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) GeofencesForEntity(ctx context.Context, entityID string) ([]model.Geofence, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT g.id, g.owner, g.name, g.lat, g.lng, g.radius_m, g.active
		 FROM geofences g
		 JOIN entity_links l ON l.recipient_id = g.owner
		 WHERE l.entity_id=$1 AND g.active
		 ORDER BY g.id`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanGeofences(rows)
}

func scanGeofences(rows *sql.Rows) ([]model.Geofence, error) {
	out := []model.Geofence{}
	for rows.Next() {
		var g model.Geofence
		if err := rows.Scan(&g.ID, &g.Owner, &g.Name, &g.Center.Lat, &g.Center.Lng, &g.RadiusM, &g.Active); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}
