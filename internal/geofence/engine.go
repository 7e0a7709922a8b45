// Package geofence implements the monitored set of circular and polygon
// regions, their enter/exit/dwell transitions, capacity enforcement, and the
// persisted-store consistency the engine promises across restarts.
//
// Engine is not internally synchronized: per the engine's concurrency model
// (one locking discipline shared across the whole core), it is driven
// exclusively by the TrackingCoordinator's single core-loop goroutine.
// Concurrent external reads go through the coordinator's request/response
// channel, not directly against an Engine value.
package geofence

import (
	"time"

	"go.uber.org/zap"

	"github.com/waypointlabs/geoengine/internal/eventbus"
	"github.com/waypointlabs/geoengine/internal/errs"
	"github.com/waypointlabs/geoengine/internal/models"
)

// TransitionState is a monitored region's last known relationship to the
// subject.
type TransitionState string

const (
	StateUnknown TransitionState = "unknown"
	StateInside  TransitionState = "inside"
	StateOutside TransitionState = "outside"
)

// Store is the persisted-store port the engine keeps in lockstep with its
// in-memory monitored set. Implementations live in internal/store.
type Store interface {
	SaveGeofenceSet(circular []models.Geofence, polygons []models.PolygonGeofence) error
	LoadGeofenceSet() ([]models.Geofence, []models.PolygonGeofence, error)
}

// OccupancyMirror is the best-effort cross-process cache the engine updates
// on every transition when it was constructed with a non-empty SubjectID;
// without one the mirror is never written. A failure here never affects the authoritative
// in-process/persisted state — it only degrades the freshness of out-of-band
// occupancy queries.
type OccupancyMirror interface {
	SetOccupancy(subjectID, geofenceID string, inside bool) error
}

// Monitor is the optional platform-backed geofence monitor the engine keeps
// its persisted set consistent with. A nil Monitor means the engine is the
// sole source of truth (the common case for a pure-software deployment).
type Monitor interface {
	Register(ids []string) error
}

type entry struct {
	id         string
	circular   *models.Geofence
	polygon    *models.PolygonGeofence
	insertedAt time.Time
	bbox       boundingBox
	hasBBox    bool
}

// boundingBox is an axis-aligned lat/lng envelope precomputed for a polygon
// geofence at insertion time, used to reject an obviously-outside fix before
// paying for ray-casting.
type boundingBox struct {
	minLat, maxLat, minLng, maxLng float64
}

func (b boundingBox) contains(lat, lng float64) bool {
	return lat >= b.minLat && lat <= b.maxLat && lng >= b.minLng && lng <= b.maxLng
}

func polygonBBox(p *models.PolygonGeofence) boundingBox {
	b := boundingBox{minLat: 90, maxLat: -90, minLng: 180, maxLng: -180}
	for _, v := range p.Vertices {
		if v.Latitude < b.minLat {
			b.minLat = v.Latitude
		}
		if v.Latitude > b.maxLat {
			b.maxLat = v.Latitude
		}
		if v.Longitude < b.minLng {
			b.minLng = v.Longitude
		}
		if v.Longitude > b.maxLng {
			b.maxLng = v.Longitude
		}
	}
	return b
}

// GeofenceEvent is the payload carried on eventbus.TypeGeofence.
type GeofenceEvent struct {
	GeofenceID string
	Action     string // enter, exit, dwell
	DistanceM  float64
	At         time.Time
	Fix        models.Location
}

// Engine owns the monitored set of circular and polygon geofences.
type Engine struct {
	logger    *zap.Logger
	bus       *eventbus.Bus
	store     Store
	mirror    OccupancyMirror
	monitor   Monitor
	subjectID string

	maxMonitored   int
	initialTrigger bool
	bboxPrefilter  int

	order      []string // insertion order, oldest first, for capacity eviction
	entries    map[string]*entry
	states     map[string]TransitionState
	dwellStart map[string]time.Time
	dwellFired map[string]bool

	workflows *WorkflowManager
}

// Config bundles the engine's construction-time parameters.
type Config struct {
	MaxMonitoredGeofences int
	InitialTrigger        bool
	BboxPrefilterAbove    int
	SubjectID             string
}

// New constructs an Engine. store and mirror may be nil for a pure in-memory
// engine (tests); monitor may be nil when there is no platform-backed
// geofence monitor to keep in lockstep.
func New(logger *zap.Logger, bus *eventbus.Bus, store Store, mirror OccupancyMirror, monitor Monitor, cfg Config) *Engine {
	if cfg.MaxMonitoredGeofences <= 0 {
		cfg.MaxMonitoredGeofences = 20
	}
	return &Engine{
		logger:         logger,
		bus:            bus,
		store:          store,
		mirror:         mirror,
		monitor:        monitor,
		subjectID:      cfg.SubjectID,
		maxMonitored:   cfg.MaxMonitoredGeofences,
		initialTrigger: cfg.InitialTrigger,
		bboxPrefilter:  cfg.BboxPrefilterAbove,
		entries:        make(map[string]*entry),
		states:         make(map[string]TransitionState),
		dwellStart:     make(map[string]time.Time),
		dwellFired:     make(map[string]bool),
		workflows:      NewWorkflowManager(),
	}
}

// Start loads any persisted monitored set, attempts to register it with the
// platform monitor (if any), and rolls back the persisted set to match on
// registration failure, emitting geofenceschange so higher layers observe
// the truth.
func (e *Engine) Start() error {
	if e.store == nil {
		return nil
	}
	circular, polygons, err := e.store.LoadGeofenceSet()
	if err != nil {
		return errs.Wrap(errs.KindGeofenceError, "loading persisted geofence set", err)
	}
	for i := range circular {
		e.insertLocked(circular[i].ID, &circular[i], nil, circular[i].CreatedAt)
	}
	for i := range polygons {
		e.insertLocked(polygons[i].ID, nil, &polygons[i], polygons[i].CreatedAt)
	}

	if e.monitor == nil {
		return nil
	}
	if err := e.monitor.Register(e.order); err != nil {
		evicted := append([]string(nil), e.order...)
		e.entries = make(map[string]*entry)
		e.order = nil
		if e.store != nil {
			_ = e.store.SaveGeofenceSet(nil, nil)
		}
		e.bus.Publish(eventbus.TypeGeofencesChange, map[string]any{"off": evicted})
		return errs.Wrap(errs.KindGeofenceError, "platform monitor rejected registration", err)
	}
	return nil
}

// Add registers a new circular geofence, evicting the oldest entry if the
// monitored set is already at capacity.
func (e *Engine) Add(g models.Geofence) error {
	if err := g.Validate(); err != nil {
		return errs.Wrap(errs.KindGeofenceError, "invalid geofence", err)
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	e.insertLocked(g.ID, &g, nil, g.CreatedAt)
	return e.persist()
}

// AddPolygon registers a new polygon geofence, evicting the oldest entry if
// the monitored set is already at capacity.
func (e *Engine) AddPolygon(p models.PolygonGeofence) error {
	if err := p.Validate(); err != nil {
		return errs.Wrap(errs.KindGeofenceError, "invalid polygon geofence", err)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	e.insertLocked(p.ID, nil, &p, p.CreatedAt)
	return e.persist()
}

// AddMany adds a batch of circular geofences in order.
func (e *Engine) AddMany(gs []models.Geofence) error {
	for _, g := range gs {
		if err := e.Add(g); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) insertLocked(id string, circular *models.Geofence, polygon *models.PolygonGeofence, insertedAt time.Time) {
	if _, exists := e.entries[id]; exists {
		e.removeLocked(id)
	}
	ent := &entry{id: id, circular: circular, polygon: polygon, insertedAt: insertedAt}
	if polygon != nil {
		ent.bbox = polygonBBox(polygon)
		ent.hasBBox = true
	}
	e.entries[id] = ent
	e.order = append(e.order, id)
	e.states[id] = StateUnknown

	for len(e.order) > e.maxMonitored {
		oldest := e.order[0]
		e.order = e.order[1:]
		e.removeLocked(oldest)
	}
}

func (e *Engine) removeLocked(id string) {
	delete(e.entries, id)
	delete(e.states, id)
	delete(e.dwellStart, id)
	delete(e.dwellFired, id)
	for i, existing := range e.order {
		if existing == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
}

// Remove drops a geofence from the monitored set.
func (e *Engine) Remove(id string) error {
	if _, ok := e.entries[id]; !ok {
		return errs.New(errs.KindGeofenceError, "geofence not found: "+id)
	}
	e.removeLocked(id)
	return e.persist()
}

// RemoveAll clears the monitored set.
func (e *Engine) RemoveAll() error {
	e.entries = make(map[string]*entry)
	e.order = nil
	e.states = make(map[string]TransitionState)
	e.dwellStart = make(map[string]time.Time)
	e.dwellFired = make(map[string]bool)
	return e.persist()
}

// Exists reports whether a geofence with the given id is currently
// monitored.
func (e *Engine) Exists(id string) bool {
	_, ok := e.entries[id]
	return ok
}

// Get returns the circular and/or polygon geofence registered under id.
func (e *Engine) Get(id string) (*models.Geofence, *models.PolygonGeofence, bool) {
	ent, ok := e.entries[id]
	if !ok {
		return nil, nil, false
	}
	return ent.circular, ent.polygon, true
}

// List returns the currently monitored circular and polygon geofences, in
// insertion order.
func (e *Engine) List() ([]models.Geofence, []models.PolygonGeofence) {
	var circular []models.Geofence
	var polygons []models.PolygonGeofence
	for _, id := range e.order {
		ent := e.entries[id]
		if ent.circular != nil {
			circular = append(circular, *ent.circular)
		}
		if ent.polygon != nil {
			polygons = append(polygons, *ent.polygon)
		}
	}
	return circular, polygons
}

func (e *Engine) persist() error {
	if e.store == nil {
		return nil
	}
	circular, polygons := e.List()
	if err := e.store.SaveGeofenceSet(circular, polygons); err != nil {
		return errs.Wrap(errs.KindGeofenceError, "persisting geofence set", err)
	}
	return nil
}

// Evaluate runs the fix against every monitored geofence, in insertion
// order, emitting enter/exit/dwell transitions onto the bus and mirroring
// the resulting occupancy.
func (e *Engine) Evaluate(fix models.Location) {
	now := fix.Timestamp
	for _, id := range e.order {
		ent := e.entries[id]
		inside, distanceM := e.membership(ent, fix)
		e.applyTransition(id, ent, inside, distanceM, now, fix)
	}
}

// membership evaluates a single monitored region against fix. Per
// SPEC_FULL.md's polygon-performance note, once the monitored set exceeds
// bboxPrefilter entries a polygon's precomputed bounding box is checked
// first: a fix clearly outside it can never be inside the polygon, so the
// O(V) ray-cast in polygonContains is skipped entirely. Below the threshold
// behavior is unchanged; bboxPrefilter == 0 (the Config zero value) disables
// the prefilter.
func (e *Engine) membership(ent *entry, fix models.Location) (bool, float64) {
	if ent.circular != nil {
		return circularContains(*ent.circular, fix)
	}
	if e.bboxPrefilter > 0 && len(e.entries) > e.bboxPrefilter && ent.hasBBox && !ent.bbox.contains(fix.Latitude, fix.Longitude) {
		return false, 0
	}
	return polygonContains(*ent.polygon, fix), 0
}

func (e *Engine) applyTransition(id string, ent *entry, inside bool, distanceM float64, now time.Time, fix models.Location) {
	prev := e.states[id]
	notifyEntry, notifyExit, notifyDwell := flags(ent)

	if prev == StateUnknown {
		e.states[id] = stateFor(inside)
		if inside {
			e.dwellStart[id] = now
		}
		e.mirrorOccupancy(id, inside)
		if e.initialTrigger && inside && notifyEntry {
			e.emit(id, "enter", distanceM, now, fix)
		}
		return
	}

	wasInside := prev == StateInside
	if inside && !wasInside {
		e.states[id] = StateInside
		e.dwellStart[id] = now
		e.dwellFired[id] = false
		e.mirrorOccupancy(id, true)
		if notifyEntry {
			e.emit(id, "enter", distanceM, now, fix)
		}
		return
	}
	if !inside && wasInside {
		e.states[id] = StateOutside
		delete(e.dwellStart, id)
		delete(e.dwellFired, id)
		e.mirrorOccupancy(id, false)
		if notifyExit {
			e.emit(id, "exit", distanceM, now, fix)
		}
		return
	}
	if inside && wasInside && notifyDwell && !e.dwellFired[id] {
		delay := loiteringDelay(ent)
		if delay > 0 && now.Sub(e.dwellStart[id]) >= delay {
			e.dwellFired[id] = true
			e.emit(id, "dwell", distanceM, now, fix)
		}
	}
}

func (e *Engine) emit(id, action string, distanceM float64, now time.Time, fix models.Location) {
	e.bus.Publish(eventbus.TypeGeofence, GeofenceEvent{
		GeofenceID: id,
		Action:     action,
		DistanceM:  distanceM,
		At:         now,
		Fix:        fix,
	})
	_, timedOut, completed := e.workflows.Advance(id, action, now)
	if timedOut {
		e.bus.Publish(eventbus.TypeWorkflowTimeout, map[string]any{"geofence_id": id})
	}
	if completed {
		e.bus.Publish(eventbus.TypeWorkflowComplete, map[string]any{"geofence_id": id})
	}
}

func (e *Engine) mirrorOccupancy(id string, inside bool) {
	if e.mirror == nil || e.subjectID == "" {
		return
	}
	if err := e.mirror.SetOccupancy(e.subjectID, id, inside); err != nil && e.logger != nil {
		e.logger.Warn("occupancy mirror update failed", zap.String("geofence_id", id), zap.Error(err))
	}
}

// Workflows exposes the workflow submanager for registration.
func (e *Engine) Workflows() *WorkflowManager { return e.workflows }

// AnyInside reports whether the subject is currently inside any monitored
// geofence, for the AdaptiveController's in-geofence telemetry input.
func (e *Engine) AnyInside() bool {
	for _, state := range e.states {
		if state == StateInside {
			return true
		}
	}
	return false
}

func stateFor(inside bool) TransitionState {
	if inside {
		return StateInside
	}
	return StateOutside
}

func flags(ent *entry) (notifyEntry, notifyExit, notifyDwell bool) {
	if ent.circular != nil {
		return ent.circular.NotifyOnEntry, ent.circular.NotifyOnExit, ent.circular.NotifyOnDwell
	}
	return ent.polygon.NotifyOnEntry, ent.polygon.NotifyOnExit, ent.polygon.NotifyOnDwell
}

func loiteringDelay(ent *entry) time.Duration {
	if ent.circular != nil {
		return ent.circular.LoiteringDelay
	}
	return ent.polygon.LoiteringDelay
}
