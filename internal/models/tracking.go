package models

import (
	"errors"
	"time"
)

// Geofence is a circular monitored region. Distance to Center is measured
// via great-circle (Haversine) distance; a fix is inside iff that distance
// is ≤ RadiusM.
type Geofence struct {
	ID              string    `json:"id"`
	CenterLatitude  float64   `json:"center_latitude"`
	CenterLongitude float64   `json:"center_longitude"`
	RadiusM         float64   `json:"radius_m"`
	NotifyOnEntry   bool      `json:"notify_on_entry"`
	NotifyOnExit    bool      `json:"notify_on_exit"`
	NotifyOnDwell   bool      `json:"notify_on_dwell"`
	LoiteringDelay  time.Duration `json:"loitering_delay"`
	Extras          map[string]string `json:"extras,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Validate enforces the structural requirements for a circular geofence: a
// non-empty id and a strictly positive radius. Dwell notification requires a
// positive loitering delay.
func (g Geofence) Validate() error {
	if g.ID == "" {
		return errors.New("geofence id cannot be empty")
	}
	if g.RadiusM <= 0 {
		return errors.New("geofence radius must be positive")
	}
	if g.NotifyOnDwell && g.LoiteringDelay <= 0 {
		return errors.New("geofence dwell notification requires a positive loitering delay")
	}
	return nil
}

// Coordinate is a bare lat/lng pair, used for polygon vertices and route
// polylines where the extra Location fields (accuracy, timestamp, ...) do
// not apply.
type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// PolygonGeofence is a monitored region bounded by an ordered, simple
// (non-self-intersecting) sequence of at least three vertices.
type PolygonGeofence struct {
	ID             string     `json:"id"`
	Vertices       []Coordinate `json:"vertices"`
	NotifyOnEntry  bool       `json:"notify_on_entry"`
	NotifyOnExit   bool       `json:"notify_on_exit"`
	NotifyOnDwell  bool       `json:"notify_on_dwell"`
	LoiteringDelay time.Duration `json:"loitering_delay"`
	Extras         map[string]string `json:"extras,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Validate enforces that a polygon geofence has an id and at least three
// vertices; self-intersection is assumed absent per the caller's contract.
func (p PolygonGeofence) Validate() error {
	if p.ID == "" {
		return errors.New("polygon geofence id cannot be empty")
	}
	if len(p.Vertices) < 3 {
		return errors.New("polygon geofence requires at least three vertices")
	}
	if p.NotifyOnDwell && p.LoiteringDelay <= 0 {
		return errors.New("polygon geofence dwell notification requires a positive loitering delay")
	}
	return nil
}

// PrivacyZoneAction determines how a fix matching a privacy zone is treated.
type PrivacyZoneAction string

const (
	PrivacyObfuscate PrivacyZoneAction = "obfuscate"
	PrivacyExclude   PrivacyZoneAction = "exclude"
)

// PrivacyZone is a user-defined region in which fixes are excluded entirely
// or obfuscated with a bounded random offset before any downstream use.
type PrivacyZone struct {
	ID                 string            `json:"id"`
	CenterLatitude     float64           `json:"center_latitude"`
	CenterLongitude    float64           `json:"center_longitude"`
	RadiusM            float64           `json:"radius_m"`
	Action             PrivacyZoneAction `json:"action"`
	ObfuscationRadiusM float64           `json:"obfuscation_radius_m"`
	Enabled            bool              `json:"enabled"`
}

// DefaultObfuscationRadiusM is applied when a privacy zone does not specify
// its own obfuscation radius.
const DefaultObfuscationRadiusM = 500.0

// Validate enforces a non-empty id, a positive radius, and a recognized
// action.
func (z PrivacyZone) Validate() error {
	if z.ID == "" {
		return errors.New("privacy zone id cannot be empty")
	}
	if z.RadiusM <= 0 {
		return errors.New("privacy zone radius must be positive")
	}
	switch z.Action {
	case PrivacyObfuscate, PrivacyExclude:
	default:
		return errors.New("privacy zone action must be obfuscate or exclude")
	}
	return nil
}

// QueueItem is a durable outbound payload awaiting dispatch by the sync
// pipeline. Items with the same non-empty IdempotencyKey are deduplicated —
// at most one is ever delivered successfully.
type QueueItem struct {
	ID             string            `json:"id"`
	CreatedAt      time.Time         `json:"created_at"`
	Payload        map[string]any    `json:"payload"`
	RetryCount     int               `json:"retry_count"`
	NextRetryAt    *time.Time        `json:"next_retry_at,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	TypeTag        string            `json:"type_tag,omitempty"`
}

// Eligible reports whether the item may be selected in a dispatch cycle at
// the given instant: it has no scheduled retry, or that retry time has
// already passed.
func (q QueueItem) Eligible(now time.Time) bool {
	return q.NextRetryAt == nil || !q.NextRetryAt.After(now)
}

// TripState is the durable, crash-safe record of an in-progress or completed
// trip. StartLocation and LastLocation are nil until the trip has observed
// its first accepted fix.
type TripState struct {
	TripID        string     `json:"trip_id"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	StartLocation *Location  `json:"start_location,omitempty"`
	LastLocation  *Location  `json:"last_location,omitempty"`
	DistanceM     float64    `json:"distance_m"`
	IdleS         float64    `json:"idle_s"`
	MaxSpeedKph   float64    `json:"max_speed_kph"`
	Started       bool       `json:"started"`
	Ended         bool       `json:"ended"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
}

// TripSummary is produced exactly once, on a clean Stop(), from a TripState.
type TripSummary struct {
	TripID      string  `json:"trip_id"`
	DurationS   float64 `json:"duration_s"`
	IdleS       float64 `json:"idle_s"`
	AvgSpeedKph float64 `json:"avg_speed_kph"`
	MaxSpeedKph float64 `json:"max_speed_kph"`
	DistanceM   float64 `json:"distance_m"`
}

// LogEntry is a single structured record in the append-only logging
// backend: id-keyed, ordered by Timestamp, pruned by age (the logging
// config's max days). Unlike LocationStore and QueueStore it has no
// row-count cap.
type LogEntry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Tag       string    `json:"tag,omitempty"`
}

// Summarize derives a TripSummary from a fully-ended TripState, guarding the
// average-speed division against a zero-duration trip.
func (t TripState) Summarize() TripSummary {
	var durationS float64
	if t.StartedAt != nil && t.EndedAt != nil {
		durationS = t.EndedAt.Sub(*t.StartedAt).Seconds()
	}
	var avgSpeedKph float64
	if durationS > 0 {
		avgSpeedKph = (t.DistanceM / 1000.0) / (durationS / 3600.0)
	}
	return TripSummary{
		TripID:      t.TripID,
		DurationS:   durationS,
		IdleS:       t.IdleS,
		AvgSpeedKph: avgSpeedKph,
		MaxSpeedKph: t.MaxSpeedKph,
		DistanceM:   t.DistanceM,
	}
}
