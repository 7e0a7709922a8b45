// Package models holds the plain data records shared across the engine:
// fixes, activities, geofences, privacy zones, queue items and trip state.
// Types in this package carry validation but no behavior beyond their own
// invariants — orchestration lives in the engine packages that consume them.
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MinLatitude is the minimum valid latitude coordinate.
const MinLatitude float64 = -90.0

// MaxLatitude is the maximum valid latitude coordinate.
const MaxLatitude float64 = 90.0

// MinLongitude is the minimum valid longitude coordinate.
const MinLongitude float64 = -180.0

// MaxLongitude is the maximum valid longitude coordinate.
const MaxLongitude float64 = 180.0

// DefaultAccuracy is applied when a fix arrives without an accuracy reading.
const DefaultAccuracy float64 = 10.0

// ActivityType enumerates the motion classifications accepted from the
// acquisition layer's activity-recognition provider.
type ActivityType string

const (
	ActivityStill     ActivityType = "still"
	ActivityWalking   ActivityType = "walking"
	ActivityRunning   ActivityType = "running"
	ActivityOnFoot    ActivityType = "on_foot"
	ActivityInVehicle ActivityType = "in_vehicle"
	ActivityOnBicycle ActivityType = "on_bicycle"
	ActivityTilting   ActivityType = "tilting"
	ActivityUnknown   ActivityType = "unknown"
)

// Activity is a motion classification with a confidence score in [0, 100].
type Activity struct {
	Type       ActivityType `json:"type"`
	Confidence int          `json:"confidence"`
}

// IsMoving reports whether the activity type itself implies motion. It does
// not consult confidence; callers gate on confidence separately.
func (a Activity) IsMoving() bool {
	switch a.Type {
	case ActivityWalking, ActivityRunning, ActivityOnFoot, ActivityInVehicle, ActivityOnBicycle:
		return true
	default:
		return false
	}
}

// Location is a single, immutable position fix. Once constructed via
// NewLocation or LocationFromJSON and validated, callers must treat it as read-only;
// obfuscation in the privacy filter produces a new Location rather than
// mutating one in place.
type Location struct {
	ID          string            `json:"id"`
	Timestamp   time.Time         `json:"timestamp"`
	Latitude    float64           `json:"latitude"`
	Longitude   float64           `json:"longitude"`
	Accuracy    float64           `json:"accuracy"`
	SpeedMps    *float64          `json:"speed_mps,omitempty"`
	HeadingDeg  *float64          `json:"heading_deg,omitempty"`
	AltitudeM   *float64          `json:"altitude_m,omitempty"`
	IsMoving    *bool             `json:"is_moving,omitempty"`
	IsHeartbeat bool              `json:"is_heartbeat"`
	IsMock      bool              `json:"is_mock"`
	EventTag    string            `json:"event_tag,omitempty"`
	Activity    *Activity         `json:"activity,omitempty"`
	BatteryPct  *float64          `json:"battery_pct,omitempty"`
	GeofenceRef string            `json:"geofence_ref,omitempty"`
	OdometerM   float64           `json:"odometer_m"`
	Extras      map[string]string `json:"extras,omitempty"`
}

// NewLocation builds a Location with a fresh UUID and the current UTC time,
// defaulting accuracy when the caller supplies zero, then validates it.
func NewLocation(lat, lng, accuracy float64) (Location, error) {
	loc := Location{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Latitude:  lat,
		Longitude: lng,
		Accuracy:  accuracy,
	}
	if loc.Accuracy == 0 {
		loc.Accuracy = DefaultAccuracy
	}
	if err := loc.Validate(); err != nil {
		return Location{}, err
	}
	return loc, nil
}

// Validate checks the structural invariants every fix must satisfy before it
// is allowed into the filter chain: a parseable id, coordinates in range,
// non-negative accuracy, and a non-zero timestamp.
func (l Location) Validate() error {
	if _, err := uuid.Parse(l.ID); err != nil {
		return ErrInvalidID("location id is not a valid uuid")
	}
	if l.Latitude < MinLatitude || l.Latitude > MaxLatitude {
		return ErrOutOfRange("latitude out of range")
	}
	if l.Longitude < MinLongitude || l.Longitude > MaxLongitude {
		return ErrOutOfRange("longitude out of range")
	}
	if l.Accuracy < 0 {
		return ErrOutOfRange("accuracy cannot be negative")
	}
	if l.Timestamp.IsZero() {
		return ErrInvalidTimestamp("timestamp cannot be zero")
	}
	return nil
}

// ToJSON serializes the location after validating it.
func (l Location) ToJSON() ([]byte, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(l)
}

// LocationFromJSON parses and validates a Location from its JSON form.
func LocationFromJSON(data []byte) (Location, error) {
	var loc Location
	if err := json.Unmarshal(data, &loc); err != nil {
		return Location{}, err
	}
	if err := loc.Validate(); err != nil {
		return Location{}, err
	}
	return loc, nil
}

// ErrInvalidID is returned when a record's identifier fails to parse.
type ErrInvalidID string

func (e ErrInvalidID) Error() string { return string(e) }

// ErrOutOfRange is returned when a numeric field falls outside its bounds.
type ErrOutOfRange string

func (e ErrOutOfRange) Error() string { return string(e) }

// ErrInvalidTimestamp is returned when a timestamp field is missing or
// otherwise unusable.
type ErrInvalidTimestamp string

func (e ErrInvalidTimestamp) Error() string { return string(e) }
