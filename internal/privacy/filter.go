// Package privacy implements the privacy-zone filter applied to every
// accepted fix before it reaches storage, the event bus, or the sync
// pipeline: exclusion drops a fix entirely, obfuscation perturbs it by a
// bounded random offset and widens its reported accuracy.
package privacy

import (
	"math"
	"math/rand"
	"time"

	"github.com/waypointlabs/geoengine/internal/errs"
	"github.com/waypointlabs/geoengine/internal/models"
	"github.com/waypointlabs/geoengine/internal/utils"
)

// Source abstracts the random bearing/distance draw so tests can supply a
// deterministic one.
type Source interface {
	Float64() float64
}

// Store is the persisted-store port for the configured zone set, mirroring
// geofence.Store: PrivacyZones persist across process restarts the same way
// Geofences do (spec.md's "Geofences, PrivacyZones, and Config persist
// across process restarts").
type Store interface {
	SaveZones(zones []models.PrivacyZone) error
	LoadZones() ([]models.PrivacyZone, error)
}

// Filter holds the configured zones and applies all of them to each fix,
// per Apply's exclude-wins / max-radius-obfuscate rule. Like geofence.Engine,
// Filter owns its own persisted state; external code may only mutate zones
// through Filter's own methods.
type Filter struct {
	store  Store
	zones  []models.PrivacyZone
	source Source
}

// New constructs a Filter over the given zones, seeding its obfuscation
// draws off the current time so offsets aren't predictable across restarts.
// store may be nil for a pure in-memory filter (tests); when non-nil, Start
// must be called to restore the persisted zone set before the filter is
// driven from the core loop.
func New(store Store, zones []models.PrivacyZone) *Filter {
	return &Filter{store: store, zones: zones, source: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// WithSource overrides the randomness source, primarily for deterministic
// tests.
func (f *Filter) WithSource(s Source) *Filter {
	f.source = s
	return f
}

// Start restores the persisted zone set, if a store is configured. It is a
// no-op when store is nil, the same convention geofence.Engine.Start uses.
func (f *Filter) Start() error {
	if f.store == nil {
		return nil
	}
	zones, err := f.store.LoadZones()
	if err != nil {
		return errs.Wrap(errs.KindConfigError, "loading persisted privacy zones", err)
	}
	f.zones = zones
	return nil
}

// Add registers a single zone, replacing any existing zone with the same id,
// and persists the resulting set.
func (f *Filter) Add(zone models.PrivacyZone) error {
	if err := zone.Validate(); err != nil {
		return errs.Wrap(errs.KindConfigError, "invalid privacy zone", err)
	}
	replaced := false
	for i, existing := range f.zones {
		if existing.ID == zone.ID {
			f.zones[i] = zone
			replaced = true
			break
		}
	}
	if !replaced {
		f.zones = append(f.zones, zone)
	}
	return f.persist()
}

// Remove drops a zone by id and persists the resulting set.
func (f *Filter) Remove(id string) error {
	for i, existing := range f.zones {
		if existing.ID == id {
			f.zones = append(f.zones[:i], f.zones[i+1:]...)
			return f.persist()
		}
	}
	return errs.New(errs.KindConfigError, "privacy zone not found: "+id)
}

// SetZones replaces the configured zone list wholesale and persists it.
func (f *Filter) SetZones(zones []models.PrivacyZone) error {
	f.zones = zones
	return f.persist()
}

// Zones returns the currently configured zones.
func (f *Filter) Zones() []models.PrivacyZone {
	return f.zones
}

func (f *Filter) persist() error {
	if f.store == nil {
		return nil
	}
	if err := f.store.SaveZones(f.zones); err != nil {
		return errs.Wrap(errs.KindConfigError, "persisting privacy zones", err)
	}
	return nil
}

// Apply evaluates every enabled zone whose circular membership test matches
// fix. If any matched zone excludes, the fix is dropped outright; otherwise
// it is obfuscated once using the largest obfuscation radius among the
// matched zones. A fix matching no zone passes through unchanged.
func (f *Filter) Apply(fix models.Location) (models.Location, bool) {
	var maxRadius float64
	matched := false

	for _, zone := range f.zones {
		if !zone.Enabled {
			continue
		}
		distance := utils.HaversineMeters(fix.Latitude, fix.Longitude, zone.CenterLatitude, zone.CenterLongitude)
		if distance > zone.RadiusM {
			continue
		}
		if zone.Action == models.PrivacyExclude {
			return models.Location{}, false
		}

		matched = true
		radius := zone.ObfuscationRadiusM
		if radius <= 0 {
			radius = models.DefaultObfuscationRadiusM
		}
		if radius > maxRadius {
			maxRadius = radius
		}
	}

	if !matched {
		return fix, true
	}
	return f.obfuscate(fix, maxRadius), true
}

// obfuscate perturbs fix by a uniformly random bearing and a distance drawn
// uniformly from [0, radius], then widens its reported accuracy by that
// radius so downstream consumers can't infer precision beyond the
// obfuscation bound even when the original fix was already coarse.
func (f *Filter) obfuscate(fix models.Location, radius float64) models.Location {
	bearing := f.source.Float64() * 2 * math.Pi
	distance := f.source.Float64() * radius

	lat, lon := utils.OffsetCoordinate(fix.Latitude, fix.Longitude, distance, bearing)

	out := fix
	out.Latitude = lat
	out.Longitude = lon
	out.SpeedMps = nil
	out.HeadingDeg = nil
	out.Accuracy += radius
	out.GeofenceRef = ""
	return out
}
