package adaptive

import (
	"testing"
	"time"

	"github.com/waypointlabs/geoengine/internal/config"
)

func testAdaptiveConfig() config.AdaptiveConfig {
	return config.AdaptiveConfig{
		CriticalBatteryThreshold: 5,
		LowBatteryThreshold:      20,
		StationaryDelay:          5 * time.Minute,
		StationaryGPSOff:         true,
		GeofenceOptimization:     true,
		SpeedTiers: []config.SpeedTier{
			{Name: "stationary", MaxSpeedMps: 0.5, DesiredAccuracy: "low", UpdateInterval: 5 * time.Minute, HeartbeatInterval: 10 * time.Minute},
			{Name: "walking", MaxSpeedMps: 2.5, DesiredAccuracy: "medium", UpdateInterval: 30 * time.Second, HeartbeatInterval: 2 * time.Minute},
			{Name: "highway", MaxSpeedMps: 1000, DesiredAccuracy: "navigation", UpdateInterval: 3 * time.Second, HeartbeatInterval: 30 * time.Second},
		},
	}
}

func TestDecideChargingWins(t *testing.T) {
	c := New(testAdaptiveConfig(), TargetConfig{})
	target := c.Decide(Telemetry{Charging: true, BatteryPct: 2, SpeedMps: 0})
	if target.DesiredAccuracy != "high" || !target.GPSEnabled {
		t.Fatalf("charging should win with high accuracy / GPS on, got %+v", target)
	}
}

func TestDecideCriticalBatteryOverridesSpeed(t *testing.T) {
	c := New(testAdaptiveConfig(), TargetConfig{})
	target := c.Decide(Telemetry{Charging: false, BatteryPct: 3, SpeedMps: 900})
	if target.GPSEnabled {
		t.Fatal("critical battery should force GPS off even at highway speed")
	}
	if target.DesiredAccuracy != "low" {
		t.Fatalf("critical battery should force low accuracy, got %s", target.DesiredAccuracy)
	}
}

func TestDecideStationaryGPSOff(t *testing.T) {
	c := New(testAdaptiveConfig(), TargetConfig{})
	now := time.Date(2026, 1, 1, 0, 10, 0, 0, time.UTC)
	since := now.Add(-6 * time.Minute)
	target := c.Decide(Telemetry{BatteryPct: 80, SpeedMps: 0, StationarySince: &since, Now: now})
	if target.GPSEnabled {
		t.Fatal("expected GPS off after exceeding the stationary delay")
	}
}

func TestDecideInGeofenceLongHeartbeat(t *testing.T) {
	c := New(testAdaptiveConfig(), TargetConfig{})
	target := c.Decide(Telemetry{BatteryPct: 80, SpeedMps: 1, InGeofence: true})
	if target.HeartbeatInterval != longHeartbeat {
		t.Fatalf("expected long heartbeat in geofence, got %v", target.HeartbeatInterval)
	}
}

func TestDecideSpeedTierLookup(t *testing.T) {
	c := New(testAdaptiveConfig(), TargetConfig{DesiredAccuracy: "fallback"})
	target := c.Decide(Telemetry{BatteryPct: 80, SpeedMps: 1.5})
	if target.DesiredAccuracy != "medium" {
		t.Fatalf("expected the walking tier to match at 1.5 m/s, got %s", target.DesiredAccuracy)
	}
}

func TestDecideLowBatteryClampsAccuracy(t *testing.T) {
	c := New(testAdaptiveConfig(), TargetConfig{})
	target := c.Decide(Telemetry{BatteryPct: 15, SpeedMps: 900})
	if target.DesiredAccuracy != "medium" {
		t.Fatalf("expected low battery to clamp navigation accuracy down to medium, got %s", target.DesiredAccuracy)
	}
}

func TestApplyDebounces(t *testing.T) {
	c := New(testAdaptiveConfig(), TargetConfig{})
	target := TargetConfig{DesiredAccuracy: "high", GPSEnabled: true}

	if changed := c.Apply(target); !changed {
		t.Fatal("expected the first Apply to report a change")
	}
	if changed := c.Apply(target); changed {
		t.Fatal("expected an identical second Apply to debounce")
	}

	target.DesiredAccuracy = "low"
	if changed := c.Apply(target); !changed {
		t.Fatal("expected a differing target to report a change")
	}
}
