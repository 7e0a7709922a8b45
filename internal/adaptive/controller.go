// Package adaptive implements the acquisition tuning decision: given current
// telemetry it picks a target accuracy/interval/GPS-power config, applying a
// fixed precedence of rules and debouncing so the acquisition layer is only
// reconfigured when the resolved target actually changes.
package adaptive

import (
	"time"

	"github.com/waypointlabs/geoengine/internal/config"
)

// Telemetry is the AdaptiveController's input snapshot for one decision.
type Telemetry struct {
	SpeedMps           float64
	BatteryPct         float64
	Charging           bool
	IsMoving           bool
	InGeofence         bool
	StationarySince    *time.Time
	Now                time.Time
}

// TargetConfig is the resolved acquisition configuration.
type TargetConfig struct {
	DesiredAccuracy  string
	DistanceFilterM  float64
	UpdateInterval   time.Duration
	HeartbeatInterval time.Duration
	GPSEnabled       bool
}

// accuracyRank orders accuracy levels from coarsest to finest so "clamp to
// at most medium" can be expressed as a rank comparison.
var accuracyRank = map[string]int{
	"low":         0,
	"medium":      1,
	"high":        2,
	"navigation":  3,
}

// Controller resolves telemetry into a TargetConfig and remembers the last
// applied target for debouncing.
type Controller struct {
	cfg     config.AdaptiveConfig
	fallback TargetConfig
	applied *TargetConfig
}

// New constructs a Controller. fallback is the target used when no
// speed-tier in cfg.SpeedTiers matches (should not normally happen given a
// well-formed highway tier with an effectively unbounded MaxSpeedMps).
func New(cfg config.AdaptiveConfig, fallback TargetConfig) *Controller {
	return &Controller{cfg: cfg, fallback: fallback}
}

// Decide resolves telemetry into a target config per the fixed precedence:
// charging, then critical battery, then prolonged-stationary GPS-off, then
// in-geofence long heartbeat, then speed-tier lookup, then a low-battery
// accuracy clamp layered on top of whichever of the above applied.
func (c *Controller) Decide(t Telemetry) TargetConfig {
	var target TargetConfig

	switch {
	case t.Charging:
		target = TargetConfig{DesiredAccuracy: "high", GPSEnabled: true, UpdateInterval: c.speedTierUpdateInterval(t.SpeedMps), HeartbeatInterval: c.speedTierHeartbeat(t.SpeedMps), DistanceFilterM: c.speedTierDistanceFilter(t.SpeedMps)}

	case t.BatteryPct <= c.cfg.CriticalBatteryThreshold:
		target = TargetConfig{DesiredAccuracy: "low", GPSEnabled: false, HeartbeatInterval: longHeartbeat, UpdateInterval: longHeartbeat}

	case c.cfg.StationaryGPSOff && t.StationarySince != nil && !t.Now.Before(t.StationarySince.Add(c.cfg.StationaryDelay)):
		target = c.speedTierTarget(t.SpeedMps)
		target.GPSEnabled = false

	case t.InGeofence && c.cfg.GeofenceOptimization:
		target = c.speedTierTarget(t.SpeedMps)
		target.HeartbeatInterval = longHeartbeat

	default:
		target = c.speedTierTarget(t.SpeedMps)
	}

	if t.BatteryPct <= c.cfg.LowBatteryThreshold {
		target.DesiredAccuracy = clampAccuracy(target.DesiredAccuracy, "medium")
	}

	return target
}

// longHeartbeat is the heartbeat interval applied whenever the precedence
// rules call for "long heartbeat" without a speed-tier-derived value taking
// priority.
const longHeartbeat = 15 * time.Minute

// speedTierTarget resolves speed into the matching tier's full target, or
// the controller's fallback if no tier's MaxSpeedMps covers speedMps.
func (c *Controller) speedTierTarget(speedMps float64) TargetConfig {
	for _, tier := range c.cfg.SpeedTiers {
		if speedMps <= tier.MaxSpeedMps {
			return TargetConfig{
				DesiredAccuracy:   tier.DesiredAccuracy,
				UpdateInterval:    tier.UpdateInterval,
				HeartbeatInterval: tier.HeartbeatInterval,
				GPSEnabled:        true,
			}
		}
	}
	return c.fallback
}

func (c *Controller) speedTierUpdateInterval(speedMps float64) time.Duration {
	return c.speedTierTarget(speedMps).UpdateInterval
}

func (c *Controller) speedTierHeartbeat(speedMps float64) time.Duration {
	return c.speedTierTarget(speedMps).HeartbeatInterval
}

func (c *Controller) speedTierDistanceFilter(speedMps float64) float64 {
	return c.speedTierTarget(speedMps).DistanceFilterM
}

// clampAccuracy returns ceiling (the coarser of the two) if current exceeds
// ceiling's rank, otherwise current unchanged.
func clampAccuracy(current, ceiling string) string {
	cr, ok1 := accuracyRank[current]
	fr, ok2 := accuracyRank[ceiling]
	if !ok1 || !ok2 {
		return current
	}
	if cr > fr {
		return ceiling
	}
	return current
}

// Apply compares target against the last-applied target and returns it
// along with whether it actually changed (the debounce gate). The caller is
// responsible for pushing a changed target to the acquisition layer.
func (c *Controller) Apply(target TargetConfig) (changed bool) {
	if c.applied != nil && *c.applied == target {
		return false
	}
	applied := target
	c.applied = &applied
	return true
}
