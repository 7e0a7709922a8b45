package geofence

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/waypointlabs/geoengine/internal/eventbus"
	"github.com/waypointlabs/geoengine/internal/models"
)

func fixAt(t time.Time, lat, lon float64) models.Location {
	return models.Location{Latitude: lat, Longitude: lon, Timestamp: t, Accuracy: 5}
}

func TestCircularEnterExitTransitions(t *testing.T) {
	bus := eventbus.New()
	sub, unsubscribe := bus.Subscribe(64)
	defer unsubscribe()

	e := New(zap.NewNop(), bus, nil, nil, nil, Config{SubjectID: "subject-1"})
	if err := e.Add(models.Geofence{
		ID: "home", CenterLatitude: 37.0, CenterLongitude: -122.0, RadiusM: 100,
		NotifyOnEntry: true, NotifyOnExit: true,
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// First fix is outside: no transition should fire from the unknown state.
	e.Evaluate(fixAt(base, 37.01, -122.0))
	// Second fix moves inside: expect an enter.
	e.Evaluate(fixAt(base.Add(10*time.Second), 37.0, -122.0))
	// Third fix moves back outside: expect an exit.
	e.Evaluate(fixAt(base.Add(20*time.Second), 37.01, -122.0))

	var actions []string
	for {
		select {
		case evt := <-sub.C:
			if evt.Type == eventbus.TypeGeofence {
				actions = append(actions, evt.Payload.(GeofenceEvent).Action)
			}
		default:
			goto done
		}
	}
done:
	if len(actions) != 2 || actions[0] != "enter" || actions[1] != "exit" {
		t.Fatalf("expected exactly [enter exit], got %v", actions)
	}
}

func TestPolygonMembership(t *testing.T) {
	bus := eventbus.New()
	e := New(zap.NewNop(), bus, nil, nil, nil, Config{})
	square := models.PolygonGeofence{
		ID: "square",
		Vertices: []models.Coordinate{
			{Latitude: 0, Longitude: 0},
			{Latitude: 0, Longitude: 1},
			{Latitude: 1, Longitude: 1},
			{Latitude: 1, Longitude: 0},
		},
		NotifyOnEntry: true,
	}
	if err := e.AddPolygon(square); err != nil {
		t.Fatalf("AddPolygon: %v", err)
	}

	inside, _ := e.membership(e.entries["square"], models.Location{Latitude: 0.5, Longitude: 0.5})
	if !inside {
		t.Fatal("expected (0.5, 0.5) to be inside the unit square")
	}
	outside, _ := e.membership(e.entries["square"], models.Location{Latitude: 5, Longitude: 5})
	if outside {
		t.Fatal("expected (5, 5) to be outside the unit square")
	}
}

func TestBBoxPrefilterRejectsOutsideFixWithoutRayCast(t *testing.T) {
	bus := eventbus.New()
	// Threshold of 1: the second AddPolygon below pushes the monitored set
	// past it, so the bbox short-circuit is active for both entries.
	e := New(zap.NewNop(), bus, nil, nil, nil, Config{BboxPrefilterAbove: 1})
	square := models.PolygonGeofence{
		ID: "square",
		Vertices: []models.Coordinate{
			{Latitude: 0, Longitude: 0},
			{Latitude: 0, Longitude: 1},
			{Latitude: 1, Longitude: 1},
			{Latitude: 1, Longitude: 0},
		},
	}
	other := models.PolygonGeofence{
		ID: "elsewhere",
		Vertices: []models.Coordinate{
			{Latitude: 40, Longitude: 40},
			{Latitude: 40, Longitude: 41},
			{Latitude: 41, Longitude: 41},
			{Latitude: 41, Longitude: 40},
		},
	}
	if err := e.AddPolygon(square); err != nil {
		t.Fatalf("AddPolygon(square): %v", err)
	}
	if err := e.AddPolygon(other); err != nil {
		t.Fatalf("AddPolygon(elsewhere): %v", err)
	}

	ent := e.entries["square"]
	inside, _ := e.membership(ent, models.Location{Latitude: 0.5, Longitude: 0.5})
	if !inside {
		t.Fatal("expected a fix inside both the bbox and the polygon to remain inside")
	}
	outside, _ := e.membership(ent, models.Location{Latitude: 10, Longitude: 10})
	if outside {
		t.Fatal("expected a fix well outside the bbox to be rejected by the prefilter")
	}
}

func TestBBoxPrefilterDisabledAtZeroThreshold(t *testing.T) {
	bus := eventbus.New()
	// BboxPrefilterAbove == 0 (Config's zero value) disables the
	// optimization outright, matching SPEC_FULL.md's "optional via a config
	// flag to keep behavior identical at small N": ray-casting always runs.
	e := New(zap.NewNop(), bus, nil, nil, nil, Config{BboxPrefilterAbove: 0})
	square := models.PolygonGeofence{
		ID: "square",
		Vertices: []models.Coordinate{
			{Latitude: 0, Longitude: 0},
			{Latitude: 0, Longitude: 1},
			{Latitude: 1, Longitude: 1},
			{Latitude: 1, Longitude: 0},
		},
	}
	if err := e.AddPolygon(square); err != nil {
		t.Fatalf("AddPolygon: %v", err)
	}

	inside, _ := e.membership(e.entries["square"], models.Location{Latitude: 0.5, Longitude: 0.5})
	if !inside {
		t.Fatal("expected normal ray-cast membership when the prefilter is disabled")
	}
}

func TestDwellFiresOnceAfterLoiteringDelay(t *testing.T) {
	bus := eventbus.New()
	sub, unsubscribe := bus.Subscribe(64)
	defer unsubscribe()

	e := New(zap.NewNop(), bus, nil, nil, nil, Config{})
	if err := e.Add(models.Geofence{
		ID: "yard", CenterLatitude: 37.0, CenterLongitude: -122.0, RadiusM: 50,
		NotifyOnDwell: true, LoiteringDelay: 30 * time.Second,
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e.Evaluate(fixAt(base, 37.0, -122.0))
	e.Evaluate(fixAt(base.Add(15*time.Second), 37.0, -122.0))
	e.Evaluate(fixAt(base.Add(40*time.Second), 37.0, -122.0))
	e.Evaluate(fixAt(base.Add(50*time.Second), 37.0, -122.0))

	dwellCount := 0
	for {
		select {
		case evt := <-sub.C:
			if evt.Type == eventbus.TypeGeofence && evt.Payload.(GeofenceEvent).Action == "dwell" {
				dwellCount++
			}
		default:
			goto done
		}
	}
done:
	if dwellCount != 1 {
		t.Fatalf("expected exactly one dwell event, got %d", dwellCount)
	}
}

func TestCapacityEvictsOldestGeofence(t *testing.T) {
	bus := eventbus.New()
	e := New(zap.NewNop(), bus, nil, nil, nil, Config{MaxMonitoredGeofences: 2})

	for _, id := range []string{"a", "b", "c"} {
		if err := e.Add(models.Geofence{ID: id, CenterLatitude: 0, CenterLongitude: 0, RadiusM: 10}); err != nil {
			t.Fatalf("Add(%s): %v", id, err)
		}
	}

	if e.Exists("a") {
		t.Fatal("expected the oldest geofence to be evicted at capacity")
	}
	if !e.Exists("b") || !e.Exists("c") {
		t.Fatal("expected the two most recently added geofences to remain")
	}
}

func TestWorkflowAdvanceTimeoutAndComplete(t *testing.T) {
	bus := eventbus.New()
	e := New(zap.NewNop(), bus, nil, nil, nil, Config{})

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e.Workflows().Register("wf-timeout", []WorkflowStep{
		{GeofenceID: "g1", ExpectedAction: "enter", Timeout: 5 * time.Second},
	}, base)
	_, timedOut, _ := e.Workflows().Advance("g1", "enter", base.Add(10*time.Second))
	if !timedOut {
		t.Fatal("expected the workflow to time out before its first step arrived")
	}

	e.Workflows().Register("wf-complete", []WorkflowStep{
		{GeofenceID: "g1", ExpectedAction: "enter", Timeout: time.Minute},
		{GeofenceID: "g1", ExpectedAction: "exit", Timeout: time.Minute},
	}, base)
	advanced, _, completed := e.Workflows().Advance("g1", "enter", base.Add(time.Second))
	if !advanced || completed {
		t.Fatal("expected the workflow to advance on its first step without completing")
	}
	_, _, completed = e.Workflows().Advance("g1", "exit", base.Add(2*time.Second))
	if !completed {
		t.Fatal("expected the workflow to complete on its final step")
	}
}
