package scheduler

import (
	"testing"
	"time"

	"github.com/waypointlabs/geoengine/internal/config"
)

func at(hour, minute int) time.Time {
	return time.Date(2026, 1, 1, hour, minute, 0, 0, time.UTC)
}

func TestScheduleNoWindowsAlwaysEnabled(t *testing.T) {
	s := New(nil)
	if !s.Enabled(at(3, 0)) {
		t.Fatal("expected tracking enabled with no configured windows")
	}
}

func TestScheduleWithinWindow(t *testing.T) {
	s := New([]config.ScheduleWindow{{Start: "08:00", End: "18:00"}})
	if !s.Enabled(at(12, 0)) {
		t.Fatal("expected tracking enabled inside the window")
	}
	if s.Enabled(at(20, 0)) {
		t.Fatal("expected tracking disabled outside the window")
	}
}

func TestScheduleMidnightSpanningWindow(t *testing.T) {
	s := New([]config.ScheduleWindow{{Start: "22:00", End: "06:00"}})
	if !s.Enabled(at(23, 30)) {
		t.Fatal("expected tracking enabled late at night within a midnight-spanning window")
	}
	if !s.Enabled(at(2, 0)) {
		t.Fatal("expected tracking enabled after midnight within a midnight-spanning window")
	}
	if s.Enabled(at(12, 0)) {
		t.Fatal("expected tracking disabled at midday, outside a midnight-spanning window")
	}
}

func TestHasWindows(t *testing.T) {
	if (New(nil)).HasWindows() {
		t.Fatal("expected no windows configured")
	}
	s := New([]config.ScheduleWindow{{Start: "08:00", End: "18:00"}})
	if !s.HasWindows() {
		t.Fatal("expected a configured window to report true")
	}
}

func TestScheduleSkipsUnparsableWindows(t *testing.T) {
	s := New([]config.ScheduleWindow{{Start: "not-a-time", End: "18:00"}})
	// The malformed window is dropped, leaving zero windows, so tracking
	// defaults to always-enabled.
	if !s.Enabled(at(3, 0)) {
		t.Fatal("expected an unparsable window to be skipped, defaulting to always-enabled")
	}
}
