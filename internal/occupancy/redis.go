// Package occupancy wraps a Redis client into the two small cross-process
// caches the engine keeps best-effort: the geofence occupancy mirror
// (geofence.OccupancyMirror) and the sync pipeline's idempotency dedup
// cache. Neither cache is authoritative — a Redis outage degrades freshness
// of out-of-band queries and idempotency, it never blocks the core loop or
// the in-process state it mirrors.
package occupancy

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/waypointlabs/geoengine/internal/config"
)

// Mirror implements geofence.OccupancyMirror and the sync idempotency port
// on top of a single Redis client.
type Mirror struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// New constructs a Mirror from Redis connection config.
func New(logger *zap.Logger, cfg config.RedisConfig) *Mirror {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ttl := cfg.OccupancyTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Mirror{client: client, ttl: ttl, logger: logger}
}

// Close releases the underlying Redis connection pool.
func (m *Mirror) Close() error {
	return m.client.Close()
}

// SetOccupancy writes the subject's inside/outside state for geofenceID to
// a Redis hash, with a TTL refresh so stale mirrors self-expire if the
// engine stops updating them. Errors are logged here and also returned; the
// geofence engine only logs a returned error, so a write failure never
// surfaces as a geofence evaluation error.
func (m *Mirror) SetOccupancy(subjectID, geofenceID string, inside bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := occupancyKey(subjectID)
	value := "outside"
	if inside {
		value = "inside"
	}
	pipe := m.client.TxPipeline()
	pipe.HSet(ctx, key, geofenceID, value)
	pipe.Expire(ctx, key, m.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		if m.logger != nil {
			m.logger.Warn("occupancy mirror write failed", zap.String("subject_id", subjectID), zap.String("geofence_id", geofenceID), zap.Error(err))
		}
		return err
	}
	return nil
}

// GetOccupancy reads the cached per-geofence occupancy hash for a subject,
// for out-of-band admin/status queries.
func (m *Mirror) GetOccupancy(subjectID string) (map[string]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return m.client.HGetAll(ctx, occupancyKey(subjectID)).Result()
}

func occupancyKey(subjectID string) string {
	return fmt.Sprintf("geofence:state:%s", subjectID)
}

// ClaimIdempotencyKey attempts to reserve key for the sync pipeline's
// at-most-one-delivery guarantee: it returns true the first time a key is
// claimed within ttl, and false for every subsequent call until the
// reservation expires.
func (m *Mirror) ClaimIdempotencyKey(key string, ttl time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ok, err := m.client.SetNX(ctx, idempotencyKey(key), "1", ttl).Result()
	if err != nil {
		if m.logger != nil {
			m.logger.Warn("idempotency claim failed", zap.String("key", key), zap.Error(err))
		}
		return false, err
	}
	return ok, nil
}

func idempotencyKey(key string) string {
	return fmt.Sprintf("sync:idempotency:%s", key)
}
