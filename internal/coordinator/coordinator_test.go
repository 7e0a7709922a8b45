package coordinator

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/waypointlabs/geoengine/internal/config"
	"github.com/waypointlabs/geoengine/internal/eventbus"
	"github.com/waypointlabs/geoengine/internal/models"
	"github.com/waypointlabs/geoengine/internal/privacy"
)

func testCfg() *config.Config {
	return &config.Config{
		Database: config.DatabaseConfig{Host: "localhost", Port: 5432},
		Geofence: config.GeofenceConfig{MaxMonitoredGeofences: 20},
		Sync:     config.SyncConfig{MaxRetry: 3, RetryBackoff: 2, MaxBatchSize: 10},
		Persist:  config.PersistConfig{Mode: "all"},
		Motion: config.MotionConfig{
			DesiredAccuracy:       "high",
			StopTimeout:           60 * time.Millisecond,
			StationaryRadiusM:     25,
			TriggerActivities:     []string{"walking", "in_vehicle"},
			MinActivityConfidence: 50,
		},
	}
}

func newTestCoordinator(t *testing.T) (*Coordinator, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	c := New(Dependencies{
		Logger:  zap.NewNop(),
		Bus:     bus,
		Privacy: privacy.New(nil, nil),
	})
	if err := c.Ready(testCfg()); err != nil {
		t.Fatalf("Ready: %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		_ = c.Stop()
		c.Close()
	})
	return c, bus
}

func fixAt(base time.Time, offsetSeconds int, lat, lon float64) models.Location {
	return models.Location{
		ID:        "11111111-1111-1111-1111-111111111111",
		Latitude:  lat,
		Longitude: lon,
		Timestamp: base.Add(time.Duration(offsetSeconds) * time.Second),
		Accuracy:  5,
	}
}

// TestStopDetectionEmitsMotionChangeOnce exercises the scenario where the
// subject is moving, then goes still: after stop_timeout elapses, exactly
// one motionchange(false) event is published and the state machine settles
// in Stationary.
func TestStopDetectionEmitsMotionChangeOnce(t *testing.T) {
	c, bus := newTestCoordinator(t)
	sub, unsubscribe := bus.Subscribe(64)
	defer unsubscribe()

	c.ChangePace(true)
	// Drain the forced transition so only the stop-detection transition is
	// counted below.
	drainMotionChanges(sub)

	c.PushActivity(models.Activity{Type: models.ActivityStill, Confidence: 90})

	// stop_timeout is 60ms in testCfg; poll well past it, then confirm no
	// further motionchange(false) arrives in a trailing quiet window.
	count := 0
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		select {
		case evt := <-sub.C:
			if evt.Type == eventbus.TypeMotionChange && evt.Payload.(map[string]any)["is_moving"] == false {
				count++
			}
		case <-time.After(10 * time.Millisecond):
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one motionchange(false), got %d", count)
	}
	if state := c.GetState(); state.MotionState != StateStationary {
		t.Fatalf("expected Stationary after stop timeout, got %s", state.MotionState)
	}
}

func drainMotionChanges(sub *eventbus.Subscription) {
	for {
		select {
		case <-sub.C:
		case <-time.After(10 * time.Millisecond):
			return
		}
	}
}

// TestSpeedJumpFilterRejectsImplausibleFix verifies the filter chain drops a
// fix implying a speed far beyond speed_jump_filter_mps.
func TestSpeedJumpFilterRejectsImplausibleFix(t *testing.T) {
	c, bus := newTestCoordinator(t)
	cfg := testCfg()
	cfg.Motion.SpeedJumpFilterMps = 10
	if err := c.Ready(cfg); err != nil {
		t.Fatalf("Ready: %v", err)
	}

	sub, unsubscribe := bus.Subscribe(64)
	defer unsubscribe()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.PushFix(fixAt(base, 0, 37.0, -122.0))
	// ~1.1km away one second later implies >1000 m/s.
	c.PushFix(fixAt(base, 1, 37.01, -122.0))

	locations := 0
	for {
		select {
		case evt := <-sub.C:
			if evt.Type == eventbus.TypeLocation {
				locations++
			}
		default:
			goto done
		}
	}
done:
	if locations != 1 {
		t.Fatalf("expected the implausible second fix to be dropped, got %d accepted locations", locations)
	}
}

// TestAccuracyGateRejectsCoarseFix verifies fixes coarser than the desired
// accuracy bucket's cap never reach the event bus.
func TestAccuracyGateRejectsCoarseFix(t *testing.T) {
	c, bus := newTestCoordinator(t)
	sub, unsubscribe := bus.Subscribe(64)
	defer unsubscribe()

	coarse := fixAt(time.Now(), 0, 10, 10)
	coarse.Accuracy = 10000
	c.PushFix(coarse)

	select {
	case evt := <-sub.C:
		if evt.Type == eventbus.TypeLocation {
			t.Fatal("expected coarse fix to be rejected by the accuracy gate")
		}
	default:
	}
}

// TestOdometerAccumulatesBetweenAcceptedFixes checks the odometer only
// accrues distance once two accepted fixes exist.
func TestOdometerAccumulatesBetweenAcceptedFixes(t *testing.T) {
	c, _ := newTestCoordinator(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	c.PushFix(fixAt(base, 0, 37.0, -122.0))
	c.PushFix(fixAt(base, 30, 37.001, -122.0))

	state := c.GetState()
	if state.OdometerM <= 0 {
		t.Fatalf("expected odometer to accumulate distance, got %v", state.OdometerM)
	}
}

// TestChangePaceForcesImmediateTransition verifies ChangePace bypasses the
// debounce timer and that the detector resumes driving the state machine
// normally afterward (a low-confidence activity that wouldn't clear the
// confidence floor leaves the forced state untouched).
func TestChangePaceForcesImmediateTransition(t *testing.T) {
	c, bus := newTestCoordinator(t)
	sub, unsubscribe := bus.Subscribe(64)
	defer unsubscribe()

	c.ChangePace(true)
	drainMotionChanges(sub)

	if state := c.GetState(); state.MotionState != StateMoving {
		t.Fatalf("expected Moving after ChangePace(true), got %s", state.MotionState)
	}

	// Below min_activity_confidence: ignored outright, forced state holds.
	c.PushActivity(models.Activity{Type: models.ActivityStill, Confidence: 10})
	if state := c.GetState(); state.MotionState != StateMoving {
		t.Fatalf("expected low-confidence activity to be ignored, got %s", state.MotionState)
	}
}

// TestScheduleSuspendsOutsideConfiguredWindow exercises a schedule window
// that excludes the current instant: Start must immediately suspend
// acquisition and publish a schedule(enabled=false) event rather than
// waiting for the first periodic re-check.
func TestScheduleSuspendsOutsideConfiguredWindow(t *testing.T) {
	bus := eventbus.New()
	c := New(Dependencies{
		Logger:  zap.NewNop(),
		Bus:     bus,
		Privacy: privacy.New(nil, nil),
	})
	sub, unsubscribe := bus.Subscribe(64)
	defer unsubscribe()

	cfg := testCfg()
	now := time.Now()
	excludedStart := now.Add(-2 * time.Hour)
	excludedEnd := now.Add(-1 * time.Hour)
	cfg.Schedule = []config.ScheduleWindow{{
		Start: excludedStart.Format("15:04"),
		End:   excludedEnd.Format("15:04"),
	}}
	if err := c.Ready(cfg); err != nil {
		t.Fatalf("Ready: %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		_ = c.Stop()
		c.Close()
	})

	var sawSuspend bool
	for i := 0; i < 8; i++ {
		select {
		case evt := <-sub.C:
			if evt.Type == eventbus.TypeSchedule {
				if payload, ok := evt.Payload.(map[string]any); ok && payload["enabled"] == false {
					sawSuspend = true
				}
			}
		default:
		}
		if sawSuspend {
			break
		}
	}
	if !sawSuspend {
		t.Fatal("expected a schedule(enabled=false) event when starting outside the configured window")
	}
}
