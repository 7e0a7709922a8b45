// Package trip implements the trip state machine: start/update/end/dwell
// and route-deviation detection, with clock-anomaly resilience and
// crash-safe, throttled persistence.
//
// Like the geofence engine, Engine is driven exclusively by the
// TrackingCoordinator's core-loop goroutine and is not internally
// synchronized.
package trip

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/waypointlabs/geoengine/internal/errs"
	"github.com/waypointlabs/geoengine/internal/eventbus"
	"github.com/waypointlabs/geoengine/internal/models"
	"github.com/waypointlabs/geoengine/internal/utils"
)

// Store is the crash-safe persistence port for trip state.
type Store interface {
	SaveTripState(state models.TripState) error
	LoadTripState() (*models.TripState, error)
}

// Config bundles the trip engine's tunable parameters.
type Config struct {
	StartOnMoving                 bool
	StartDistanceM                float64
	StartSpeedKph                 float64
	StationarySpeedKph            float64
	UpdateIntervalSeconds         int
	DwellMinutes                  float64
	RouteDeviationThresholdM      float64
	RouteDeviationCooldownSeconds int
	StopOnStationary              bool
	StopTimeoutMinutes            float64
}

// RouteUpdateEvent is the payload carried on eventbus.TypeTripUpdate.
type RouteUpdateEvent struct {
	State models.TripState
}

// Engine runs a single trip at a time; Start fails if a trip is already
// running.
type Engine struct {
	logger *zap.Logger
	bus    *eventbus.Bus
	store  Store
	cfg    Config

	route []models.Coordinate

	state             *models.TripState
	lastPersistedAt   time.Time
	stationarySince   *time.Time
	dwellFired        bool
	lastDeviationEmit time.Time
}

// New constructs a trip Engine. store may be nil for a pure in-memory
// engine.
func New(logger *zap.Logger, bus *eventbus.Bus, store Store, cfg Config) *Engine {
	return &Engine{logger: logger, bus: bus, store: store, cfg: cfg}
}

// SetRoute installs (or clears, with nil) the route polyline used for
// route-deviation detection.
func (e *Engine) SetRoute(route []models.Coordinate) {
	e.route = route
}

// Start begins a new trip if one is not already running; restores a
// crash-persisted, non-ended trip matching tripID (or any, if tripID is
// empty) instead of starting fresh.
func (e *Engine) Start(tripID string) error {
	if e.state != nil && !e.state.Ended {
		return errs.New(errs.KindTripError, "a trip is already in progress")
	}

	if e.store != nil {
		if restored, err := e.store.LoadTripState(); err == nil && restored != nil && !restored.Ended {
			if tripID == "" || restored.TripID == tripID {
				e.state = restored
				return nil
			}
		}
	}

	if tripID == "" {
		tripID = newTripID()
	}
	e.state = &models.TripState{TripID: tripID, CreatedAt: time.Now().UTC()}
	return nil
}

// State returns the current trip state, or nil if no trip has been started.
func (e *Engine) State() *models.TripState {
	return e.state
}

// Update feeds a single accepted fix through the trip update flow. It is a
// no-op if no trip is running.
func (e *Engine) Update(fix models.Location) {
	if e.state == nil || e.state.Ended {
		return
	}

	if e.state.LastLocation == nil {
		e.beginWithFirstFix(fix)
		return
	}

	deltaT := fix.Timestamp.Sub(e.state.LastLocation.Timestamp).Seconds()
	if deltaT <= 0 {
		e.bus.Publish(eventbus.TypeError, diagnosticPayload(e.state.TripID, "non-positive delta between fixes; update skipped"))
		if deltaT < -3600 {
			e.state.LastLocation = &fix
			e.bus.Publish(eventbus.TypeError, diagnosticPayload(e.state.TripID, "clock jump detected; last_location baseline reset"))
		}
		return
	}

	distanceM := utils.HaversineMeters(
		e.state.LastLocation.Latitude, e.state.LastLocation.Longitude,
		fix.Latitude, fix.Longitude,
	)
	impliedSpeedMps := utils.ImpliedSpeedMps(distanceM, deltaT)
	impliedSpeedKph := impliedSpeedMps * 3.6

	isMoving := impliedSpeedKph > e.cfg.StationarySpeedKph

	if !e.state.Started {
		e.tryStart(fix, distanceM, impliedSpeedKph)
	}

	e.state.DistanceM += distanceM
	if impliedSpeedKph > e.state.MaxSpeedKph {
		e.state.MaxSpeedKph = impliedSpeedKph
	}
	if !isMoving {
		e.state.IdleS += deltaT
	}
	e.state.LastLocation = &fix

	e.handleStationaryTracking(isMoving, fix.Timestamp)
	e.maybeEmitUpdate()
	e.maybeEmitDwell()
	e.maybeEmitRouteDeviation(fix)
	e.maybePersist()

	if e.cfg.StopOnStationary && e.stationarySince != nil {
		stationaryMinutes := fix.Timestamp.Sub(*e.stationarySince).Minutes()
		if stationaryMinutes >= e.cfg.StopTimeoutMinutes {
			_, _ = e.Stop()
		}
	}
}

func (e *Engine) beginWithFirstFix(fix models.Location) {
	e.state.LastLocation = &fix
	if !e.cfg.StartOnMoving {
		e.markStarted(fix)
	} else {
		e.state.StartLocation = &fix
	}
	e.maybePersist()
}

func (e *Engine) tryStart(fix models.Location, distanceM, impliedSpeedKph float64) {
	if distanceM >= e.cfg.StartDistanceM || impliedSpeedKph >= e.cfg.StartSpeedKph {
		e.markStarted(fix)
	}
}

func (e *Engine) markStarted(fix models.Location) {
	now := fix.Timestamp
	e.state.Started = true
	e.state.StartedAt = &now
	if e.state.StartLocation == nil {
		e.state.StartLocation = &fix
	}
	e.bus.Publish(eventbus.TypeTripStart, RouteUpdateEvent{State: *e.state})
}

func (e *Engine) handleStationaryTracking(isMoving bool, now time.Time) {
	if isMoving {
		e.stationarySince = nil
		e.dwellFired = false
		return
	}
	if e.stationarySince == nil {
		t := now
		e.stationarySince = &t
	}
}

func (e *Engine) maybeEmitUpdate() {
	if e.cfg.UpdateIntervalSeconds <= 0 {
		e.bus.Publish(eventbus.TypeTripUpdate, RouteUpdateEvent{State: *e.state})
		return
	}
	if e.state.LastLocation == nil {
		return
	}
	if time.Since(e.lastPersistedAt) >= time.Duration(e.cfg.UpdateIntervalSeconds)*time.Second {
		e.bus.Publish(eventbus.TypeTripUpdate, RouteUpdateEvent{State: *e.state})
	}
}

func (e *Engine) maybeEmitDwell() {
	if e.stationarySince == nil || e.dwellFired {
		return
	}
	if e.state.LastLocation == nil {
		return
	}
	stationaryMinutes := e.state.LastLocation.Timestamp.Sub(*e.stationarySince).Minutes()
	if stationaryMinutes >= e.cfg.DwellMinutes {
		e.dwellFired = true
		e.bus.Publish(eventbus.TypeDwell, RouteUpdateEvent{State: *e.state})
	}
}

func (e *Engine) maybeEmitRouteDeviation(fix models.Location) {
	if len(e.route) < 2 {
		return
	}
	cooldown := time.Duration(e.cfg.RouteDeviationCooldownSeconds) * time.Second
	if cooldown > 0 && time.Since(e.lastDeviationEmit) < cooldown {
		return
	}

	minDistance := -1.0
	for i := 1; i < len(e.route); i++ {
		a, b := e.route[i-1], e.route[i]
		d := utils.DistanceToSegmentMeters(fix.Latitude, fix.Longitude, a.Latitude, a.Longitude, b.Latitude, b.Longitude)
		if minDistance < 0 || d < minDistance {
			minDistance = d
		}
	}
	if minDistance >= e.cfg.RouteDeviationThresholdM {
		e.lastDeviationEmit = time.Now()
		e.bus.Publish(eventbus.TypeRouteDeviation, map[string]any{"trip_id": e.state.TripID, "distance_m": minDistance, "fix": fix})
	}
}

func (e *Engine) maybePersist() {
	if e.store == nil {
		return
	}
	if e.cfg.UpdateIntervalSeconds > 0 && time.Since(e.lastPersistedAt) < time.Duration(e.cfg.UpdateIntervalSeconds)*time.Second {
		return
	}
	if err := e.store.SaveTripState(*e.state); err != nil && e.logger != nil {
		e.logger.Warn("trip state persistence failed", zap.String("trip_id", e.state.TripID), zap.Error(err))
		return
	}
	e.lastPersistedAt = time.Now()
}

// Stop ends the current trip and returns its summary. Returns an error if no
// trip is running.
func (e *Engine) Stop() (*models.TripSummary, error) {
	if e.state == nil || e.state.Ended {
		return nil, errs.New(errs.KindTripError, "no trip in progress")
	}
	now := time.Now().UTC()
	e.state.Ended = true
	e.state.EndedAt = &now
	if e.store != nil {
		_ = e.store.SaveTripState(*e.state)
	}
	summary := e.state.Summarize()
	e.bus.Publish(eventbus.TypeTripEnd, summary)
	return &summary, nil
}

func diagnosticPayload(tripID, message string) map[string]any {
	return map[string]any{"trip_id": tripID, "message": message, "at": time.Now().UTC()}
}

// newTripID mints a trip identifier for callers that do not supply their
// own, the same way sync.Pipeline mints QueueItem ids.
func newTripID() string {
	return uuid.NewString()
}
