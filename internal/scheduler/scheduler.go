// Package scheduler evaluates the configured time-of-day tracking windows,
// enabling or disabling acquisition outside them without tearing down the
// rest of the coordinator's state.
package scheduler

import (
	"time"

	"github.com/waypointlabs/geoengine/internal/config"
)

// Schedule evaluates whether tracking is currently enabled per a fixed list
// of HH:MM-HH:MM windows in local time. A window whose End is earlier than
// its Start is treated as spanning midnight.
type Schedule struct {
	windows []window
}

type window struct {
	startMinute int
	endMinute   int
}

// New parses the configured windows, skipping any that fail to parse (they
// were already rejected by config validation and should not occur here).
func New(windows []config.ScheduleWindow) *Schedule {
	s := &Schedule{}
	for _, w := range windows {
		start, errStart := parseHHMM(w.Start)
		end, errEnd := parseHHMM(w.End)
		if errStart != nil || errEnd != nil {
			continue
		}
		s.windows = append(s.windows, window{startMinute: start, endMinute: end})
	}
	return s
}

func parseHHMM(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// HasWindows reports whether any schedule windows are configured. A
// Schedule with no windows never needs its own ticking check — Enabled is
// unconditionally true.
func (s *Schedule) HasWindows() bool {
	return len(s.windows) > 0
}

// Enabled reports whether tracking should be active at instant t. With no
// configured windows, tracking is always enabled.
func (s *Schedule) Enabled(t time.Time) bool {
	if len(s.windows) == 0 {
		return true
	}
	minute := t.Hour()*60 + t.Minute()
	for _, w := range s.windows {
		if w.startMinute <= w.endMinute {
			if minute >= w.startMinute && minute < w.endMinute {
				return true
			}
		} else {
			// Spans midnight.
			if minute >= w.startMinute || minute < w.endMinute {
				return true
			}
		}
	}
	return false
}
