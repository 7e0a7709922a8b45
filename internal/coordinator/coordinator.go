// Package coordinator implements the TrackingCoordinator: the engine's
// outward API and orchestrator. It owns every piece of mutable core state
// (the motion state machine, the currently-applied acquisition config, the
// last accepted fix, the scheduler handle) behind a single serialized core
// loop, per the engine's locking discipline — everything else coordinates
// through message passing rather than shared mutexes.
//
// Engines never call back into the Coordinator: GeofenceEngine and
// TripEngine publish onto the shared event bus, and the Coordinator drives
// them only through the direct Evaluate/Update calls it makes on the engines
// it owns; it publishes onto the bus but does not subscribe to it.
package coordinator

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"go.uber.org/zap"

	"github.com/waypointlabs/geoengine/internal/adaptive"
	"github.com/waypointlabs/geoengine/internal/config"
	"github.com/waypointlabs/geoengine/internal/errs"
	"github.com/waypointlabs/geoengine/internal/eventbus"
	"github.com/waypointlabs/geoengine/internal/geofence"
	"github.com/waypointlabs/geoengine/internal/models"
	"github.com/waypointlabs/geoengine/internal/privacy"
	"github.com/waypointlabs/geoengine/internal/recovery"
	"github.com/waypointlabs/geoengine/internal/scheduler"
	"github.com/waypointlabs/geoengine/internal/trip"
	"github.com/waypointlabs/geoengine/internal/utils"
)

// MotionState is the tracking state machine's current node.
type MotionState string

const (
	StateStationary   MotionState = "stationary"
	StateMoving       MotionState = "moving"
	StatePendingStart MotionState = "pending_start"
	StatePendingStop  MotionState = "pending_stop"
)

// AcquisitionProvider is the abstract platform GPS/activity provider the
// Coordinator drives. The platform driver itself lives outside this engine;
// the Coordinator only ever talks to it through this narrow port.
type AcquisitionProvider interface {
	Start() error
	Stop() error
	Configure(target adaptive.TargetConfig) error
	RequestSingleFix(ctx context.Context) (models.Location, error)
}

// LocationStore is the persistence port for accepted fixes.
type LocationStore interface {
	SaveLocation(ctx context.Context, loc models.Location) error
}

// Enqueuer is the sync pipeline's port for auto-enqueued location payloads.
type Enqueuer interface {
	Enqueue(payload map[string]any, idempotencyKey string) (string, error)
}

// GetPositionOptions configures a single-shot GetCurrentPosition call.
type GetPositionOptions struct {
	Timeout     time.Duration
	SampleCount int
	Persist     bool
}

// State is the snapshot GetState returns.
type State struct {
	Enabled      bool
	IsMoving     bool
	OdometerM    float64
	LastLocation *models.Location
	MotionState  MotionState
}

// Dependencies bundles every collaborator the Coordinator orchestrates.
// Store, Acquisition and Enqueuer may be nil (pure in-memory / no-sync
// operation), matching the same nil-is-a-no-op convention the engine
// packages use for their own store ports.
type Dependencies struct {
	Logger      *zap.Logger
	Bus         *eventbus.Bus
	Geofences   *geofence.Engine
	Trips       *trip.Engine
	Privacy     *privacy.Filter
	Adaptive    *adaptive.Controller
	Recovery    *recovery.Manager
	Store       LocationStore
	Acquisition AcquisitionProvider
	Sync        Enqueuer
}

// Coordinator is the engine's outward API. All mutation of its core state
// happens on a single goroutine reached exclusively through run's command
// channel; public methods block on a response so callers see
// read-your-writes semantics without needing their own locking.
type Coordinator struct {
	logger    *zap.Logger
	bus       *eventbus.Bus
	geofences *geofence.Engine
	trips     *trip.Engine
	privacyF  *privacy.Filter
	adaptiveC *adaptive.Controller
	recoveryM *recovery.Manager
	store     LocationStore
	acq       AcquisitionProvider
	enqueuer  Enqueuer

	core chan func()
	quit chan struct{}

	// Everything below is owned exclusively by the core-loop goroutine.
	cfg              config.Config
	schedule         *scheduler.Schedule
	enabled          bool
	motion           MotionState
	lastFix          *models.Location
	odometerM        float64
	stationaryAnchor *models.Location
	stationarySince  *time.Time
	pendingTimer      *time.Timer
	heartbeatTimer    *time.Timer
	scheduleTicker    *time.Ticker
	scheduleSuspended bool
	batteryPct        float64
	charging          bool
	appliedTarget     adaptive.TargetConfig
}

// New constructs a Coordinator. Call Ready before Start.
func New(deps Dependencies) *Coordinator {
	c := &Coordinator{
		logger:     deps.Logger,
		bus:        deps.Bus,
		geofences:  deps.Geofences,
		trips:      deps.Trips,
		privacyF:   deps.Privacy,
		adaptiveC:  deps.Adaptive,
		recoveryM:  deps.Recovery,
		store:      deps.Store,
		acq:        deps.Acquisition,
		enqueuer:   deps.Sync,
		core:       make(chan func(), 64),
		quit:       make(chan struct{}),
		motion:     StateStationary,
		batteryPct: 100,
	}
	go c.run()
	return c
}

func (c *Coordinator) run() {
	for {
		select {
		case fn := <-c.core:
			fn()
		case <-c.quit:
			// Drain anything already queued before the loop dies so a
			// concurrent do() call never blocks forever.
			for {
				select {
				case fn := <-c.core:
					fn()
				default:
					return
				}
			}
		}
	}
}

// do enqueues fn onto the core loop and blocks until it has run, giving
// callers synchronous, serialized access to core state.
func (c *Coordinator) do(fn func()) {
	done := make(chan struct{})
	c.core <- func() {
		fn()
		close(done)
	}
	<-done
}

// Ready validates and installs cfg. It is idempotent and does not start
// acquisition.
func (c *Coordinator) Ready(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return errs.Wrap(errs.KindConfigError, "ready: invalid configuration", err)
	}
	c.do(func() {
		c.cfg = *cfg
		c.schedule = scheduler.New(cfg.Schedule)
	})
	return nil
}

// Start acquires the acquisition layer and begins tracking. Idempotent.
func (c *Coordinator) Start() error {
	var startErr error
	c.do(func() {
		if c.enabled {
			return
		}
		if c.acq != nil {
			target := c.adaptiveTargetLocked()
			if err := c.acq.Configure(target); err != nil {
				startErr = errs.Wrap(errs.KindPlatformError, "start: acquisition configure failed", err)
				return
			}
			c.appliedTarget = target
			if err := c.acq.Start(); err != nil {
				startErr = errs.Wrap(errs.KindPermissionDenied, "start: acquisition start failed", err)
				return
			}
		}
		c.enabled = true
		c.restartHeartbeatLocked()
		c.restartSchedulerLocked()
	})
	return startErr
}

// Stop tears down acquisition and cancels all outstanding timers.
// Previously-accepted fixes remain durable in the LocationStore; sync
// cycles in flight are not interrupted.
func (c *Coordinator) Stop() error {
	c.do(func() {
		if !c.enabled {
			return
		}
		c.enabled = false
		c.cancelTimersLocked()
		c.stopSchedulerLocked()
		if c.acq != nil {
			_ = c.acq.Stop()
		}
	})
	return nil
}

// SetConfig merges patch onto the current config, revalidates, and installs
// the result. If any Motion field changed while tracking is enabled, the
// acquisition layer is reconfigured with a fresh adaptive target and the
// heartbeat timer restarted; acquisition is not stopped and started again.
// A changed schedule restarts the schedule-window ticker while enabled.
func (c *Coordinator) SetConfig(patch func(*config.Config)) error {
	var applyErr error
	c.do(func() {
		merged, err := (&c.cfg).Merge(patch)
		if err != nil {
			applyErr = errs.Wrap(errs.KindConfigError, "set_config: invalid patch", err)
			return
		}
		motionChanged := !reflect.DeepEqual(merged.Motion, c.cfg.Motion)
		scheduleChanged := !scheduleWindowsEqual(merged.Schedule, c.cfg.Schedule)
		c.cfg = *merged
		c.schedule = scheduler.New(merged.Schedule)
		if motionChanged && c.enabled && c.acq != nil {
			target := c.adaptiveTargetLocked()
			if err := c.acq.Configure(target); err != nil {
				applyErr = errs.Wrap(errs.KindPlatformError, "set_config: acquisition reconfigure failed", err)
				return
			}
			c.appliedTarget = target
			c.restartHeartbeatLocked()
		}
		if scheduleChanged && c.enabled {
			c.restartSchedulerLocked()
		}
	})
	return applyErr
}

// ChangePace immediately forces a motion-state transition, bypassing any
// debounce timer. The activity detector keeps running afterward and is free
// to drive the next real transition away from the forced state.
func (c *Coordinator) ChangePace(isMoving bool) {
	c.do(func() {
		if isMoving {
			c.transitionLocked(StateMoving)
		} else {
			c.transitionLocked(StateStationary)
		}
	})
}

// GetState returns a snapshot of the Coordinator's current core state.
func (c *Coordinator) GetState() State {
	var st State
	c.do(func() {
		st = State{
			Enabled:      c.enabled,
			IsMoving:     c.motion == StateMoving,
			OdometerM:    c.odometerM,
			LastLocation: c.lastFix,
			MotionState:  c.motion,
		}
	})
	return st
}

// GetCurrentPosition performs a single-shot acquisition with a timeout,
// optional sample averaging, and optional persistence through the normal
// filter chain.
func (c *Coordinator) GetCurrentPosition(ctx context.Context, opts GetPositionOptions) (models.Location, error) {
	if c.acq == nil {
		return models.Location{}, errs.New(errs.KindPlatformError, "get_current_position: no acquisition provider configured")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.SampleCount <= 0 {
		opts.SampleCount = 1
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	samples := make([]models.Location, 0, opts.SampleCount)
	for i := 0; i < opts.SampleCount; i++ {
		fix, err := c.acq.RequestSingleFix(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return models.Location{}, errs.Wrap(errs.KindLocationTimeout, "get_current_position: timed out", err)
			}
			return models.Location{}, errs.Wrap(errs.KindPermissionDenied, "get_current_position: acquisition failed", err)
		}
		samples = append(samples, fix)
	}

	avg := averageFix(samples)
	if opts.Persist {
		c.do(func() { c.processFix(avg) })
	}
	return avg, nil
}

// PushFix feeds one raw fix from the acquisition layer through the filter
// chain and every downstream consumer. Safe to call from any goroutine.
func (c *Coordinator) PushFix(fix models.Location) {
	c.do(func() { c.processFix(fix) })
}

// PushActivity feeds one activity-recognition event through the motion
// state machine. Safe to call from any goroutine.
func (c *Coordinator) PushActivity(activity models.Activity) {
	c.do(func() { c.processActivity(activity) })
}

// PushPower updates the battery/charging telemetry the AdaptiveController
// consumes. Safe to call from any goroutine.
func (c *Coordinator) PushPower(batteryPct float64, charging bool) {
	c.do(func() {
		c.batteryPct = batteryPct
		c.charging = charging
		c.reconfigureIfChangedLocked()
	})
}

// PushError routes an acquisition/provider error through ErrorRecovery and
// onto the event bus; the Coordinator never crashes the process on its
// account.
func (c *Coordinator) PushError(err *errs.EngineError) {
	c.do(func() {
		action := recovery.ActionPropagate
		if c.recoveryM != nil {
			action = c.recoveryM.Observe(err)
		}
		c.bus.Publish(eventbus.TypeError, map[string]any{"kind": err.Kind, "message": err.Message, "action": action})
		if action == recovery.ActionFallbackLowPower && c.acq != nil {
			_ = c.acq.Configure(adaptive.TargetConfig{DesiredAccuracy: "low", GPSEnabled: false, HeartbeatInterval: 15 * time.Minute})
		}
		if action == recovery.ActionRequestUserAction {
			c.enabled = false
		}
	})
}

// processFix runs the filter chain and fans an accepted fix out to the
// geofence engine, trip engine, location store, event bus and sync
// pipeline, in that order (emission order within processFix mirrors the
// engine's motionchange -> geofence -> trip -> location guarantee, since
// motion-state transitions are driven by activity, not by the fix itself,
// and happen on a separate call before this one in wall-clock order).
func (c *Coordinator) processFix(fix models.Location) {
	if fix.IsMock && c.cfg.Motion.SuppressMockLocations {
		return
	}

	if fix.Accuracy > accuracyCapMeters(c.cfg.Motion.DesiredAccuracy) {
		return
	}

	if c.lastFix != nil {
		deltaT := fix.Timestamp.Sub(c.lastFix.Timestamp).Seconds()
		if deltaT > 0 {
			distance := utils.HaversineMeters(c.lastFix.Latitude, c.lastFix.Longitude, fix.Latitude, fix.Longitude)
			impliedSpeed := utils.ImpliedSpeedMps(distance, deltaT)
			if c.cfg.Motion.SpeedJumpFilterMps > 0 && impliedSpeed > c.cfg.Motion.SpeedJumpFilterMps {
				return
			}
		}
	}

	filtered, ok := c.privacyF.Apply(fix)
	if !ok {
		return
	}
	fix = filtered

	if c.motion == StateStationary && !fix.IsHeartbeat && c.stationaryAnchor != nil && c.cfg.Motion.StationaryRadiusM > 0 {
		distance := utils.HaversineMeters(c.stationaryAnchor.Latitude, c.stationaryAnchor.Longitude, fix.Latitude, fix.Longitude)
		if distance <= c.cfg.Motion.StationaryRadiusM {
			return
		}
	}

	c.updateOdometerLocked(fix)

	if c.geofences != nil {
		c.geofences.Evaluate(fix)
	}
	if c.trips != nil {
		c.trips.Update(fix)
	}

	fix.OdometerM = c.odometerM
	isMoving := c.motion == StateMoving
	fix.IsMoving = &isMoving
	c.lastFix = &fix

	if c.store != nil && persistAllowsLocation(c.cfg.Persist.Mode) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.store.SaveLocation(ctx, fix); err != nil && c.logger != nil {
			c.logger.Warn("location persistence failed", zap.String("id", fix.ID), zap.Error(err))
		}
		cancel()
	}

	c.bus.Publish(eventbus.TypeLocation, fix)

	if c.enqueuer != nil && c.cfg.Sync.AutoSync {
		payload := map[string]any{"location": fix}
		if _, err := c.enqueuer.Enqueue(payload, fix.ID); err != nil && c.logger != nil {
			c.logger.Warn("auto-enqueue failed", zap.String("id", fix.ID), zap.Error(err))
		}
	}

	c.reconfigureIfChangedLocked()
}

// processActivity drives the motion/stop state machine per the transition
// table: Stationary and PendingStop react to trigger activities and
// stillness, PendingStart resolves on its debounce timer.
func (c *Coordinator) processActivity(activity models.Activity) {
	c.bus.Publish(eventbus.TypeActivityChange, activity)
	if activity.Confidence < c.cfg.Motion.MinActivityConfidence {
		return
	}

	triggers := activity.IsMoving() && isTriggerActivity(activity.Type, c.cfg.Motion.TriggerActivities)

	switch c.motion {
	case StateStationary:
		if triggers {
			if c.cfg.Motion.MotionTriggerDelay > 0 {
				c.motion = StatePendingStart
				c.armTimerLocked(c.cfg.Motion.MotionTriggerDelay, func() {
					c.do(func() {
						if c.motion == StatePendingStart {
							c.transitionLocked(StateMoving)
						}
					})
				})
			} else {
				c.transitionLocked(StateMoving)
			}
		}
	case StatePendingStart:
		if !triggers {
			c.motion = StateStationary
			c.cancelPendingTimerLocked()
		}
	case StateMoving:
		if !triggers && !c.cfg.Motion.DisableStopDetection {
			c.motion = StatePendingStop
			c.armTimerLocked(c.cfg.Motion.StopTimeout, func() {
				c.do(func() {
					if c.motion == StatePendingStop {
						c.transitionLocked(StateStationary)
					}
				})
			})
		}
	case StatePendingStop:
		if triggers {
			c.motion = StateMoving
			c.cancelPendingTimerLocked()
		}
	}
}

func (c *Coordinator) transitionLocked(to MotionState) {
	if c.motion == to {
		return
	}
	c.motion = to
	c.cancelPendingTimerLocked()
	if to == StateStationary {
		c.stationaryAnchor = c.lastFix
		now := time.Now()
		c.stationarySince = &now
	} else {
		c.stationaryAnchor = nil
		c.stationarySince = nil
	}
	c.bus.Publish(eventbus.TypeMotionChange, map[string]any{"is_moving": to == StateMoving})
	c.reconfigureIfChangedLocked()
}

func (c *Coordinator) armTimerLocked(d time.Duration, fn func()) {
	c.cancelPendingTimerLocked()
	c.pendingTimer = time.AfterFunc(d, fn)
}

func (c *Coordinator) cancelPendingTimerLocked() {
	if c.pendingTimer != nil {
		c.pendingTimer.Stop()
		c.pendingTimer = nil
	}
}

func (c *Coordinator) cancelTimersLocked() {
	c.cancelPendingTimerLocked()
	if c.heartbeatTimer != nil {
		c.heartbeatTimer.Stop()
		c.heartbeatTimer = nil
	}
}

// scheduleWindowsEqual reports whether two schedule window lists are
// identical, so SetConfig only pays for a scheduler restart when the
// windows actually changed.
func scheduleWindowsEqual(a, b []config.ScheduleWindow) bool {
	return reflect.DeepEqual(a, b)
}

// scheduleCheckInterval is how often the core loop re-evaluates the
// configured time-of-day windows against the clock.
const scheduleCheckInterval = 30 * time.Second

// restartSchedulerLocked (re)starts the schedule-window ticker. A Schedule
// with no configured windows needs no ticker at all, since Enabled is then
// unconditionally true.
func (c *Coordinator) restartSchedulerLocked() {
	c.stopSchedulerLocked()
	if c.schedule == nil || !c.schedule.HasWindows() {
		return
	}
	ticker := time.NewTicker(scheduleCheckInterval)
	c.scheduleTicker = ticker
	go func() {
		for {
			select {
			case <-ticker.C:
				c.do(func() {
					if c.scheduleTicker != ticker {
						return
					}
					c.applyScheduleLocked()
				})
			case <-c.quit:
				return
			}
		}
	}()
	c.applyScheduleLocked()
}

// stopSchedulerLocked stops and clears the schedule-window ticker, if any.
// A stopped ticker delivers no further ticks; a tick already received when
// it is stopped is ignored because scheduleTicker no longer matches the
// goroutine's own ticker reference. The goroutine itself exits on c.quit.
func (c *Coordinator) stopSchedulerLocked() {
	if c.scheduleTicker != nil {
		c.scheduleTicker.Stop()
		c.scheduleTicker = nil
	}
	c.scheduleSuspended = false
}

// applyScheduleLocked suspends or resumes acquisition to match the
// currently configured schedule windows, publishing a schedule event only
// on an actual transition.
func (c *Coordinator) applyScheduleLocked() {
	within := c.schedule.Enabled(time.Now())
	if within == !c.scheduleSuspended {
		return
	}
	c.scheduleSuspended = !within
	if within {
		if c.acq != nil {
			target := c.adaptiveTargetLocked()
			if err := c.acq.Configure(target); err == nil {
				c.appliedTarget = target
				_ = c.acq.Start()
			}
		}
		c.restartHeartbeatLocked()
	} else {
		c.cancelTimersLocked()
		if c.acq != nil {
			_ = c.acq.Stop()
		}
	}
	c.bus.Publish(eventbus.TypeSchedule, map[string]any{"enabled": within})
}

// restartHeartbeatLocked (re)starts the periodic synthetic-fix timer at the
// currently-applied heartbeat interval, falling back to
// Motion.HeartbeatInterval when that is 0; with both 0 no timer runs.
func (c *Coordinator) restartHeartbeatLocked() {
	if c.heartbeatTimer != nil {
		c.heartbeatTimer.Stop()
		c.heartbeatTimer = nil
	}
	interval := c.appliedTarget.HeartbeatInterval
	if interval <= 0 {
		interval = c.cfg.Motion.HeartbeatInterval
	}
	if interval <= 0 {
		return
	}
	c.heartbeatTimer = time.AfterFunc(interval, func() {
		c.do(func() {
			if !c.enabled {
				return
			}
			c.emitHeartbeatLocked()
			c.restartHeartbeatLocked()
		})
	})
}

func (c *Coordinator) emitHeartbeatLocked() {
	if c.lastFix == nil {
		return
	}
	hb := *c.lastFix
	var err error
	hb.ID, err = newHeartbeatID()
	if err != nil {
		return
	}
	hb.Timestamp = time.Now().UTC()
	hb.IsHeartbeat = true
	c.processFix(hb)
	c.bus.Publish(eventbus.TypeHeartbeat, hb)
}

// updateOdometerLocked accumulates great-circle distance between
// successive accepted fixes, gated by desired_odometer_accuracy: a delta is
// ignored if either endpoint's accuracy exceeds the configured cap.
func (c *Coordinator) updateOdometerLocked(fix models.Location) {
	if c.lastFix == nil {
		return
	}
	threshold := c.cfg.Motion.DesiredOdometerAccuracyM
	if threshold > 0 && (c.lastFix.Accuracy > threshold || fix.Accuracy > threshold) {
		return
	}
	c.odometerM += utils.HaversineMeters(c.lastFix.Latitude, c.lastFix.Longitude, fix.Latitude, fix.Longitude)
}

// ResetOdometer zeroes the accumulated distance.
func (c *Coordinator) ResetOdometer() {
	c.do(func() { c.odometerM = 0 })
}

// reconfigureIfChangedLocked re-derives the AdaptiveController's target from
// current telemetry and pushes it to the acquisition layer only if it
// differs from what's currently applied (the debounce gate).
func (c *Coordinator) reconfigureIfChangedLocked() {
	if c.adaptiveC == nil || c.acq == nil || !c.enabled {
		return
	}
	target := c.adaptiveTargetLocked()
	if !c.adaptiveC.Apply(target) {
		return
	}
	if err := c.acq.Configure(target); err != nil {
		if c.logger != nil {
			c.logger.Warn("adaptive reconfigure failed", zap.Error(err))
		}
		return
	}
	c.appliedTarget = target
	c.restartHeartbeatLocked()
}

func (c *Coordinator) adaptiveTargetLocked() adaptive.TargetConfig {
	if c.adaptiveC == nil {
		return adaptive.TargetConfig{DesiredAccuracy: c.cfg.Motion.DesiredAccuracy, GPSEnabled: true}
	}
	var speed float64
	if c.lastFix != nil && c.lastFix.SpeedMps != nil {
		speed = *c.lastFix.SpeedMps
	}
	inGeofence := c.geofences != nil && c.geofences.AnyInside()
	return c.adaptiveC.Decide(adaptive.Telemetry{
		SpeedMps:        speed,
		BatteryPct:      c.batteryPct,
		Charging:        c.charging,
		IsMoving:        c.motion == StateMoving,
		InGeofence:      inGeofence,
		StationarySince: c.stationarySince,
		Now:             time.Now(),
	})
}

// Close stops the core loop goroutine. Call only after Stop has returned.
func (c *Coordinator) Close() {
	close(c.quit)
}

func persistAllowsLocation(mode string) bool {
	switch mode {
	case "location", "all":
		return true
	default:
		return false
	}
}

func isTriggerActivity(t models.ActivityType, triggers []string) bool {
	if len(triggers) == 0 {
		return true
	}
	for _, trigger := range triggers {
		if string(t) == trigger {
			return true
		}
	}
	return false
}

func accuracyCapMeters(bucket string) float64 {
	switch bucket {
	case "navigation":
		return 10
	case "high":
		return 25
	case "medium":
		return 100
	case "low":
		return 500
	case "very_low":
		return 1000
	case "lowest":
		return 3000
	default:
		return 100
	}
}

func averageFix(samples []models.Location) models.Location {
	if len(samples) == 1 {
		return samples[0]
	}
	var latSum, lonSum, accSum float64
	for _, s := range samples {
		latSum += s.Latitude
		lonSum += s.Longitude
		accSum += s.Accuracy
	}
	n := float64(len(samples))
	avg := samples[len(samples)-1]
	avg.Latitude = latSum / n
	avg.Longitude = lonSum / n
	avg.Accuracy = accSum / n
	return avg
}

var heartbeatCounter int64

func newHeartbeatID() (string, error) {
	heartbeatCounter++
	return fmt.Sprintf("heartbeat-%d-%d", time.Now().UnixNano(), heartbeatCounter), nil
}
