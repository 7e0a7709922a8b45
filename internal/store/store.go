// Package store is the sole owner of the engine's PostgreSQL/TimescaleDB
// connection pool. Callers invoke Store methods directly from whichever
// goroutine they run on (the coordinator's core loop and its engines, the
// sync dispatch and maintenance loops, LogCore's writer); there is no
// separate storage worker, and concurrent calls share the pgxpool pool.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/waypointlabs/geoengine/internal/config"
	"github.com/waypointlabs/geoengine/internal/models"
)

const (
	locationTable    = "location_points"
	geofenceTable    = "geofences"
	polygonTable     = "polygon_geofences"
	tripTable        = "trip_state"
	queueTable       = "sync_queue"
	logTable         = "engine_logs"
	privacyZoneTable = "privacy_zones"
)

// Store owns the connection pool and implements every persistence port the
// engine's components need: geofence.Store, trip.Store, and the queue/
// location stores consumed by the sync pipeline and admin surface.
type Store struct {
	pool   *pgxpool.Pool
	schema string
	cfg    config.DatabaseConfig
}

// Open connects to the configured database, initializes the schema
// (hypertable, compression and retention policies, as applicable) and
// returns a ready Store.
func Open(ctx context.Context, cfg config.DatabaseConfig, schema string) (*Store, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database, cfg.SSLMode)

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parsing dsn: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConnections)
	poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectionTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("store: opening pool: %w", err)
	}

	s := &Store{pool: pool, schema: schema, cfg: cfg}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	statements := []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %q`, s.schema),
		`CREATE EXTENSION IF NOT EXISTS timescaledb`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q.%s (
			id TEXT NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL,
			latitude DOUBLE PRECISION NOT NULL,
			longitude DOUBLE PRECISION NOT NULL,
			accuracy DOUBLE PRECISION NOT NULL,
			payload JSONB NOT NULL
		)`, s.schema, locationTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q.%s (
			id TEXT PRIMARY KEY,
			payload JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`, s.schema, geofenceTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q.%s (
			id TEXT PRIMARY KEY,
			payload JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`, s.schema, polygonTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q.%s (
			trip_id TEXT PRIMARY KEY,
			payload JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`, s.schema, tripTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q.%s (
			id TEXT PRIMARY KEY,
			payload JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`, s.schema, privacyZoneTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q.%s (
			id TEXT PRIMARY KEY,
			idempotency_key TEXT,
			payload JSONB NOT NULL,
			retry_count INT NOT NULL DEFAULT 0,
			next_retry_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL
		)`, s.schema, queueTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q.%s (
			id BIGSERIAL PRIMARY KEY,
			recorded_at TIMESTAMPTZ NOT NULL,
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			tag TEXT
		)`, s.schema, logTable),
	}
	for _, stmt := range statements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store: schema init: %w", err)
		}
	}

	chunkInterval := s.cfg.ChunkInterval
	if chunkInterval <= 0 {
		chunkInterval = 24 * time.Hour
	}
	hypertableSQL := fmt.Sprintf(
		`SELECT create_hypertable('%s.%s', 'recorded_at', chunk_time_interval => INTERVAL '%d seconds', if_not_exists => TRUE)`,
		s.schema, locationTable, int64(chunkInterval.Seconds()),
	)
	if _, err := tx.Exec(ctx, hypertableSQL); err != nil {
		// Already a hypertable, or the extension lacks permission in this
		// environment; neither should abort startup.
		_ = err
	}

	if s.cfg.CompressionEnabled {
		compressSQL := fmt.Sprintf(`ALTER TABLE %q.%s SET (timescaledb.compress)`, s.schema, locationTable)
		if _, err := tx.Exec(ctx, compressSQL); err != nil {
			_ = err
		}
	}

	indexSQL := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_recorded_at ON %q.%s (recorded_at)`, locationTable, s.schema, locationTable)
	if _, err := tx.Exec(ctx, indexSQL); err != nil {
		return fmt.Errorf("store: index creation: %w", err)
	}

	logIndexSQL := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_recorded_at ON %q.%s (recorded_at)`, logTable, s.schema, logTable)
	if _, err := tx.Exec(ctx, logIndexSQL); err != nil {
		return fmt.Errorf("store: log index creation: %w", err)
	}

	// Idempotency dedup must hold independent of the Redis fast-path cache:
	// a partial unique index rejects a second enqueue under the same key at
	// the database layer, not just in the best-effort claimer.
	idempotencyIndexSQL := fmt.Sprintf(
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_%s_idempotency_key ON %q.%s (idempotency_key) WHERE idempotency_key IS NOT NULL AND idempotency_key <> ''`,
		queueTable, s.schema, queueTable,
	)
	if _, err := tx.Exec(ctx, idempotencyIndexSQL); err != nil {
		return fmt.Errorf("store: idempotency index creation: %w", err)
	}

	return tx.Commit(ctx)
}

// SaveLocation persists a single accepted fix.
func (s *Store) SaveLocation(ctx context.Context, loc models.Location) error {
	payload, err := json.Marshal(loc)
	if err != nil {
		return err
	}
	sql := fmt.Sprintf(`INSERT INTO %q.%s (id, recorded_at, latitude, longitude, accuracy, payload) VALUES ($1, $2, $3, $4, $5, $6)`, s.schema, locationTable)
	_, err = s.pool.Exec(ctx, sql, loc.ID, loc.Timestamp, loc.Latitude, loc.Longitude, loc.Accuracy, payload)
	return err
}

// BatchSaveLocations persists a slice of fixes inside a single transaction.
func (s *Store) BatchSaveLocations(ctx context.Context, locs []models.Location) error {
	if len(locs) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	sql := fmt.Sprintf(`INSERT INTO %q.%s (id, recorded_at, latitude, longitude, accuracy, payload) VALUES ($1, $2, $3, $4, $5, $6)`, s.schema, locationTable)
	for _, loc := range locs {
		payload, err := json.Marshal(loc)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, sql, loc.ID, loc.Timestamp, loc.Latitude, loc.Longitude, loc.Accuracy, payload); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// PruneLocations deletes fixes older than cutoff, honoring the persist
// config's retention caps.
func (s *Store) PruneLocations(ctx context.Context, cutoff time.Time) error {
	sql := fmt.Sprintf(`DELETE FROM %q.%s WHERE recorded_at < $1`, s.schema, locationTable)
	_, err := s.pool.Exec(ctx, sql, cutoff)
	return err
}

// SaveGeofenceSet implements geofence.Store: it replaces the persisted
// monitored set wholesale inside one transaction.
func (s *Store) SaveGeofenceSet(circular []models.Geofence, polygons []models.PolygonGeofence) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, fmt.Sprintf(`TRUNCATE %q.%s`, s.schema, geofenceTable)); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(`TRUNCATE %q.%s`, s.schema, polygonTable)); err != nil {
		return err
	}

	now := time.Now().UTC()
	insertCircular := fmt.Sprintf(`INSERT INTO %q.%s (id, payload, updated_at) VALUES ($1, $2, $3)`, s.schema, geofenceTable)
	for _, g := range circular {
		payload, err := json.Marshal(g)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, insertCircular, g.ID, payload, now); err != nil {
			return err
		}
	}

	insertPolygon := fmt.Sprintf(`INSERT INTO %q.%s (id, payload, updated_at) VALUES ($1, $2, $3)`, s.schema, polygonTable)
	for _, p := range polygons {
		payload, err := json.Marshal(p)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, insertPolygon, p.ID, payload, now); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// LoadGeofenceSet implements geofence.Store: it reads back the full
// persisted monitored set, used to restore state across a restart.
func (s *Store) LoadGeofenceSet() ([]models.Geofence, []models.PolygonGeofence, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var circular []models.Geofence
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT payload FROM %q.%s`, s.schema, geofenceTable))
	if err != nil {
		return nil, nil, err
	}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			rows.Close()
			return nil, nil, err
		}
		var g models.Geofence
		if err := json.Unmarshal(raw, &g); err != nil {
			rows.Close()
			return nil, nil, err
		}
		circular = append(circular, g)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var polygons []models.PolygonGeofence
	rows, err = s.pool.Query(ctx, fmt.Sprintf(`SELECT payload FROM %q.%s`, s.schema, polygonTable))
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, nil, err
		}
		var p models.PolygonGeofence
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, nil, err
		}
		polygons = append(polygons, p)
	}
	return circular, polygons, rows.Err()
}

// SaveZones implements privacy.Store: it replaces the persisted privacy
// zone set wholesale inside one transaction, the same whole-set-replace
// pattern SaveGeofenceSet uses.
func (s *Store) SaveZones(zones []models.PrivacyZone) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, fmt.Sprintf(`TRUNCATE %q.%s`, s.schema, privacyZoneTable)); err != nil {
		return err
	}

	now := time.Now().UTC()
	insert := fmt.Sprintf(`INSERT INTO %q.%s (id, payload, updated_at) VALUES ($1, $2, $3)`, s.schema, privacyZoneTable)
	for _, z := range zones {
		payload, err := json.Marshal(z)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, insert, z.ID, payload, now); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// LoadZones implements privacy.Store: it reads back the full persisted
// privacy zone set, used to restore state across a restart.
func (s *Store) LoadZones() ([]models.PrivacyZone, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var zones []models.PrivacyZone
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT payload FROM %q.%s`, s.schema, privacyZoneTable))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var z models.PrivacyZone
		if err := json.Unmarshal(raw, &z); err != nil {
			return nil, err
		}
		zones = append(zones, z)
	}
	return zones, rows.Err()
}

// SaveTripState implements trip.Store.
func (s *Store) SaveTripState(state models.TripState) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}
	sql := fmt.Sprintf(`
		INSERT INTO %q.%s (trip_id, payload, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (trip_id) DO UPDATE SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at
	`, s.schema, tripTable)
	_, err = s.pool.Exec(ctx, sql, state.TripID, payload, time.Now().UTC())
	return err
}

// LoadTripState implements trip.Store: it returns the most recently updated
// trip record, or nil if none exists.
func (s *Store) LoadTripState() (*models.TripState, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sql := fmt.Sprintf(`SELECT payload FROM %q.%s ORDER BY updated_at DESC LIMIT 1`, s.schema, tripTable)
	var raw []byte
	err := s.pool.QueryRow(ctx, sql).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	var state models.TripState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// EnqueueItem implements sync.Store: it durably records a pending outbound
// item. A non-empty idempotency_key is deduplicated at the database layer
// via the partial unique index created in initSchema: a colliding insert is
// a silent no-op rather than a second durable row, so dedup holds even when
// the Redis fast-path claimer is unavailable.
func (s *Store) EnqueueItem(item models.QueueItem) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload, err := json.Marshal(item.Payload)
	if err != nil {
		return err
	}
	sql := fmt.Sprintf(
		`INSERT INTO %q.%s (id, idempotency_key, payload, retry_count, next_retry_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (idempotency_key) WHERE idempotency_key IS NOT NULL AND idempotency_key <> '' DO NOTHING`,
		s.schema, queueTable,
	)
	_, err = s.pool.Exec(ctx, sql, item.ID, item.IdempotencyKey, payload, item.RetryCount, item.NextRetryAt, item.CreatedAt)
	return err
}

// UpdateItem implements sync.Store: it rewrites an item's retry bookkeeping
// after a dispatch attempt.
func (s *Store) UpdateItem(item models.QueueItem) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sql := fmt.Sprintf(`UPDATE %q.%s SET retry_count = $1, next_retry_at = $2 WHERE id = $3`, s.schema, queueTable)
	_, err := s.pool.Exec(ctx, sql, item.RetryCount, item.NextRetryAt, item.ID)
	return err
}

// DeleteItem implements sync.Store: it removes an item once delivery
// succeeds (or is permanently abandoned).
func (s *Store) DeleteItem(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sql := fmt.Sprintf(`DELETE FROM %q.%s WHERE id = $1`, s.schema, queueTable)
	_, err := s.pool.Exec(ctx, sql, id)
	return err
}

// LoadPendingItems implements sync.Store: it returns every queued item not
// yet delivered, for crash recovery on startup.
func (s *Store) LoadPendingItems() ([]models.QueueItem, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sql := fmt.Sprintf(`SELECT id, idempotency_key, payload, retry_count, next_retry_at, created_at FROM %q.%s ORDER BY created_at ASC`, s.schema, queueTable)
	rows, err := s.pool.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []models.QueueItem
	for rows.Next() {
		var item models.QueueItem
		var raw []byte
		if err := rows.Scan(&item.ID, &item.IdempotencyKey, &raw, &item.RetryCount, &item.NextRetryAt, &item.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &item.Payload); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// PruneQueue deletes queued items older than cutoff, regardless of delivery
// status, honoring the persist config's queue_max_days cap.
func (s *Store) PruneQueue(ctx context.Context, cutoff time.Time) error {
	sql := fmt.Sprintf(`DELETE FROM %q.%s WHERE created_at < $1`, s.schema, queueTable)
	_, err := s.pool.Exec(ctx, sql, cutoff)
	return err
}

// PruneLocationsCount trims the locations table down to the newest
// maxRecords rows, enforcing the persist config's max_records_to_persist
// cap. A non-positive maxRecords is a no-op.
func (s *Store) PruneLocationsCount(ctx context.Context, maxRecords int) error {
	if maxRecords <= 0 {
		return nil
	}
	sql := fmt.Sprintf(`
		DELETE FROM %q.%s WHERE id IN (
			SELECT id FROM %q.%s ORDER BY recorded_at DESC OFFSET $1
		)`, s.schema, locationTable, s.schema, locationTable)
	_, err := s.pool.Exec(ctx, sql, maxRecords)
	return err
}

// PruneQueueCount trims the sync queue down to the newest maxRecords rows,
// enforcing the persist config's queue_max_records cap. A non-positive
// maxRecords is a no-op.
func (s *Store) PruneQueueCount(ctx context.Context, maxRecords int) error {
	if maxRecords <= 0 {
		return nil
	}
	sql := fmt.Sprintf(`
		DELETE FROM %q.%s WHERE id IN (
			SELECT id FROM %q.%s ORDER BY created_at DESC OFFSET $1
		)`, s.schema, queueTable, s.schema, queueTable)
	_, err := s.pool.Exec(ctx, sql, maxRecords)
	return err
}

// SaveLog appends a structured log record to the logging backend. The
// engine's actual operational logging goes through zap to stdout/stderr;
// this store is the durable, queryable mirror the admin surface reads from,
// matching the append/prune contract LocationStore and QueueStore share.
func (s *Store) SaveLog(ctx context.Context, entry models.LogEntry) error {
	sql := fmt.Sprintf(`INSERT INTO %q.%s (recorded_at, level, message, tag) VALUES ($1, $2, $3, $4)`, s.schema, logTable)
	_, err := s.pool.Exec(ctx, sql, entry.Timestamp, entry.Level, entry.Message, entry.Tag)
	return err
}

// ListLogs returns up to limit of the most recent log entries, newest
// first. A non-positive limit defaults to 100.
func (s *Store) ListLogs(ctx context.Context, limit int) ([]models.LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	sql := fmt.Sprintf(`SELECT id, recorded_at, level, message, tag FROM %q.%s ORDER BY recorded_at DESC LIMIT $1`, s.schema, logTable)
	rows, err := s.pool.Query(ctx, sql, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.LogEntry
	for rows.Next() {
		var e models.LogEntry
		var tag *string
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Level, &e.Message, &tag); err != nil {
			return nil, err
		}
		if tag != nil {
			e.Tag = *tag
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PruneLogs deletes log entries older than cutoff, honoring the logging
// config's log_max_days cap.
func (s *Store) PruneLogs(ctx context.Context, cutoff time.Time) error {
	sql := fmt.Sprintf(`DELETE FROM %q.%s WHERE recorded_at < $1`, s.schema, logTable)
	_, err := s.pool.Exec(ctx, sql, cutoff)
	return err
}

// PruneLogsCount trims the log table down to the newest maxRecords rows. A
// non-positive maxRecords is a no-op.
func (s *Store) PruneLogsCount(ctx context.Context, maxRecords int) error {
	if maxRecords <= 0 {
		return nil
	}
	sql := fmt.Sprintf(`
		DELETE FROM %q.%s WHERE id IN (
			SELECT id FROM %q.%s ORDER BY recorded_at DESC OFFSET $1
		)`, s.schema, logTable, s.schema, logTable)
	_, err := s.pool.Exec(ctx, sql, maxRecords)
	return err
}
