package privacy

import (
	"testing"
	"time"

	"github.com/waypointlabs/geoengine/internal/models"
)

type fixedSource struct{ v float64 }

func (s fixedSource) Float64() float64 { return s.v }

func sampleFix() models.Location {
	return models.Location{
		Latitude:  37.7749,
		Longitude: -122.4194,
		Accuracy:  5,
		Timestamp: time.Now().UTC(),
	}
}

func TestFilterExcludeZoneDropsFix(t *testing.T) {
	zones := []models.PrivacyZone{
		{ID: "home", CenterLatitude: 37.7749, CenterLongitude: -122.4194, RadiusM: 100, Action: models.PrivacyExclude, Enabled: true},
	}
	f := New(nil, zones)

	_, ok := f.Apply(sampleFix())
	if ok {
		t.Fatal("expected fix inside an exclude zone to be dropped")
	}
}

func TestFilterObfuscateZonePerturbsFix(t *testing.T) {
	zones := []models.PrivacyZone{
		{ID: "work", CenterLatitude: 37.7749, CenterLongitude: -122.4194, RadiusM: 100, Action: models.PrivacyObfuscate, ObfuscationRadiusM: 300, Enabled: true},
	}
	f := New(nil, zones).WithSource(fixedSource{v: 0.5})

	out, ok := f.Apply(sampleFix())
	if !ok {
		t.Fatal("expected an obfuscated fix to survive, not be dropped")
	}
	if out.Latitude == sampleFix().Latitude && out.Longitude == sampleFix().Longitude {
		t.Fatal("expected obfuscation to move the coordinate")
	}
	if out.Accuracy < 300 {
		t.Fatalf("expected accuracy widened to at least the obfuscation radius, got %v", out.Accuracy)
	}
	if out.SpeedMps != nil {
		t.Fatal("expected speed to be stripped from an obfuscated fix")
	}
}

func TestFilterObfuscateWidensAccuracyAdditively(t *testing.T) {
	zones := []models.PrivacyZone{
		{ID: "work", CenterLatitude: 37.7749, CenterLongitude: -122.4194, RadiusM: 100, Action: models.PrivacyObfuscate, ObfuscationRadiusM: 300, Enabled: true},
	}
	f := New(nil, zones).WithSource(fixedSource{v: 0.5})

	fix := sampleFix()
	fix.Accuracy = 500 // already exceeds the obfuscation radius
	out, ok := f.Apply(fix)
	if !ok {
		t.Fatal("expected an obfuscated fix to survive, not be dropped")
	}
	if out.Accuracy != 800 {
		t.Fatalf("expected accuracy widened additively to original+radius (800), got %v", out.Accuracy)
	}
}

func TestFilterOutsideZonePassesThroughUnchanged(t *testing.T) {
	zones := []models.PrivacyZone{
		{ID: "elsewhere", CenterLatitude: 10, CenterLongitude: 10, RadiusM: 50, Action: models.PrivacyExclude, Enabled: true},
	}
	f := New(nil, zones)

	in := sampleFix()
	out, ok := f.Apply(in)
	if !ok {
		t.Fatal("expected a fix outside every zone to pass through")
	}
	if out.Latitude != in.Latitude || out.Longitude != in.Longitude || out.Accuracy != in.Accuracy {
		t.Fatal("expected an unaffected fix to be returned unchanged")
	}
}

// fakeZoneStore is an in-memory privacy.Store for exercising Filter's
// persistence without a real database.
type fakeZoneStore struct {
	zones []models.PrivacyZone
}

func (s *fakeZoneStore) SaveZones(zones []models.PrivacyZone) error {
	s.zones = append([]models.PrivacyZone(nil), zones...)
	return nil
}

func (s *fakeZoneStore) LoadZones() ([]models.PrivacyZone, error) {
	return append([]models.PrivacyZone(nil), s.zones...), nil
}

func TestFilterAddPersistsAndStartRestores(t *testing.T) {
	store := &fakeZoneStore{}
	f := New(store, nil)

	zone := models.PrivacyZone{ID: "home", CenterLatitude: 37.7749, CenterLongitude: -122.4194, RadiusM: 100, Action: models.PrivacyExclude, Enabled: true}
	if err := f.Add(zone); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if len(store.zones) != 1 {
		t.Fatalf("expected Add to persist the zone, got %d stored", len(store.zones))
	}

	restored := New(store, nil)
	if err := restored.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(restored.Zones()) != 1 || restored.Zones()[0].ID != "home" {
		t.Fatalf("expected Start to restore the persisted zone, got %v", restored.Zones())
	}
}

func TestFilterRemovePersists(t *testing.T) {
	store := &fakeZoneStore{}
	f := New(store, []models.PrivacyZone{
		{ID: "home", CenterLatitude: 37.7749, CenterLongitude: -122.4194, RadiusM: 100, Action: models.PrivacyExclude, Enabled: true},
	})
	if err := f.Remove("home"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if len(store.zones) != 0 {
		t.Fatalf("expected Remove to persist the empty set, got %d stored", len(store.zones))
	}
	if err := f.Remove("home"); err == nil {
		t.Fatal("expected removing a missing zone to error")
	}
}

func TestFilterDisabledZoneIgnored(t *testing.T) {
	zones := []models.PrivacyZone{
		{ID: "home", CenterLatitude: 37.7749, CenterLongitude: -122.4194, RadiusM: 100, Action: models.PrivacyExclude, Enabled: false},
	}
	f := New(nil, zones)

	_, ok := f.Apply(sampleFix())
	if !ok {
		t.Fatal("expected a disabled zone to be ignored")
	}
}
