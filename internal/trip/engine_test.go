package trip

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/waypointlabs/geoengine/internal/eventbus"
	"github.com/waypointlabs/geoengine/internal/models"
)

func testConfig() Config {
	return Config{
		StartOnMoving:                 false,
		StartDistanceM:                10,
		StartSpeedKph:                 2,
		StationarySpeedKph:            1,
		UpdateIntervalSeconds:         0,
		DwellMinutes:                  5,
		RouteDeviationThresholdM:      50,
		RouteDeviationCooldownSeconds: 0,
		StopOnStationary:              true,
		StopTimeoutMinutes:            1,
	}
}

func fixAt(base time.Time, offsetSeconds int, lat, lon float64) models.Location {
	return models.Location{
		Latitude:  lat,
		Longitude: lon,
		Timestamp: base.Add(time.Duration(offsetSeconds) * time.Second),
		Accuracy:  5,
	}
}

func TestEngineStopDetectionAtSeventySeconds(t *testing.T) {
	bus := eventbus.New()
	sub, unsubscribe := bus.Subscribe(64)
	defer unsubscribe()

	e := New(zap.NewNop(), bus, nil, testConfig())
	if err := e.Start("trip-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	lat, lon := 37.7749, -122.4194

	// Stationary for 70 seconds: feed fixes with negligible movement every
	// 10 seconds so StopTimeoutMinutes (1 minute) is exceeded.
	for sec := 0; sec <= 70; sec += 10 {
		e.Update(fixAt(base, sec, lat, lon))
	}

	state := e.State()
	if state == nil {
		t.Fatal("expected trip state to exist")
	}
	if !state.Ended {
		t.Fatalf("expected trip to have auto-stopped by t=70s, got Ended=false")
	}

	sawTripEnd := false
	for {
		select {
		case evt := <-sub.C:
			if evt.Type == eventbus.TypeTripEnd {
				sawTripEnd = true
			}
		default:
			goto done
		}
	}
done:
	if !sawTripEnd {
		t.Fatal("expected a TypeTripEnd event on the bus")
	}
}

func TestEngineClockAnomalyPreservesTotals(t *testing.T) {
	bus := eventbus.New()
	e := New(zap.NewNop(), bus, nil, testConfig())
	if err := e.Start("trip-2"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e.Update(fixAt(base, 0, 37.0, -122.0))
	e.Update(fixAt(base, 30, 37.001, -122.0))

	before := e.State()
	distanceBefore := before.DistanceM
	idleBefore := before.IdleS

	// Clock jumps backwards by more than an hour.
	anomalous := fixAt(base, -5000, 37.001, -122.0)
	e.Update(anomalous)

	after := e.State()
	if after.DistanceM != distanceBefore {
		t.Fatalf("distance total should be preserved across a clock jump: before=%v after=%v", distanceBefore, after.DistanceM)
	}
	if after.IdleS != idleBefore {
		t.Fatalf("idle total should be preserved across a clock jump: before=%v after=%v", idleBefore, after.IdleS)
	}
	if after.LastLocation == nil || after.LastLocation.Timestamp != anomalous.Timestamp {
		t.Fatal("expected last_location baseline to reset to the anomalous fix")
	}

	// A subsequent fix measured relative to the new baseline should resume
	// normal accumulation instead of producing a negative delta forever.
	e.Update(fixAt(base, -4990, 37.0015, -122.0))
	if e.State().DistanceM <= after.DistanceM {
		t.Fatal("expected distance accumulation to resume after baseline reset")
	}
}

func TestEngineStartAlreadyInProgress(t *testing.T) {
	bus := eventbus.New()
	e := New(zap.NewNop(), bus, nil, testConfig())
	if err := e.Start("trip-3"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.Start("trip-4"); err == nil {
		t.Fatal("expected Start to fail while a trip is already in progress")
	}
}

func TestEngineStopSummary(t *testing.T) {
	bus := eventbus.New()
	e := New(zap.NewNop(), bus, nil, testConfig())
	if err := e.Start("trip-5"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e.Update(fixAt(base, 0, 37.0, -122.0))
	e.Update(fixAt(base, 60, 37.01, -122.0))

	summary, err := e.Stop()
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if summary.TripID != "trip-5" {
		t.Fatalf("unexpected trip id in summary: %s", summary.TripID)
	}
	if summary.DistanceM <= 0 {
		t.Fatal("expected a positive distance in the summary")
	}

	if _, err := e.Stop(); err == nil {
		t.Fatal("expected a second Stop to fail with no trip in progress")
	}
}

func TestEngineRouteDeviation(t *testing.T) {
	bus := eventbus.New()
	sub, unsubscribe := bus.Subscribe(64)
	defer unsubscribe()

	cfg := testConfig()
	cfg.StopOnStationary = false
	e := New(zap.NewNop(), bus, nil, cfg)
	if err := e.Start("trip-6"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	e.SetRoute([]models.Coordinate{
		{Latitude: 37.0, Longitude: -122.0},
		{Latitude: 37.1, Longitude: -122.0},
	})

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e.Update(fixAt(base, 0, 37.0, -122.0))
	// Well off the route line (roughly 0.01 deg longitude ~ 890m at this latitude).
	e.Update(fixAt(base, 30, 37.05, -122.01))

	sawDeviation := false
	for {
		select {
		case evt := <-sub.C:
			if evt.Type == eventbus.TypeRouteDeviation {
				sawDeviation = true
			}
		default:
			goto done
		}
	}
done:
	if !sawDeviation {
		t.Fatal("expected a route deviation event for a fix far from the route")
	}
}
