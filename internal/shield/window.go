package shield

import (
	"fmt"
	"time"
)

// CycleKind selects the recurrence of a shield window.
type CycleKind string

const (
	CycleDaily  CycleKind = "daily"
	CycleWeekly CycleKind = "weekly"
)

// Cycle is a recurring shield window evaluated in a configured time zone.
// StartTime and EndTime are "HH:MM" local clock times; a window whose end
// precedes its start crosses midnight.
type Cycle struct {
	Kind      CycleKind      `json:"kind"`
	StartTime string         `json:"start_time"`
	EndTime   string         `json:"end_time"`
	Weekdays  []time.Weekday `json:"weekdays,omitempty"`
}

// Contains reports whether now (interpreted in loc) falls inside the cycle
// window.
func (c *Cycle) Contains(now time.Time, loc *time.Location) bool {
	local := now.In(loc)
	start, err := minutesOfDay(c.StartTime)
	if err != nil {
		return false
	}
	end, err := minutesOfDay(c.EndTime)
	if err != nil {
		return false
	}
	minute := local.Hour()*60 + local.Minute()

	crossesMidnight := end < start
	var inWindow bool
	if crossesMidnight {
		inWindow = minute >= start || minute < end
	} else {
		inWindow = minute >= start && minute < end
	}
	if !inWindow {
		return false
	}
	if c.Kind != CycleWeekly {
		return true
	}

	// For a weekly window crossing midnight, the early-morning tail still
	// belongs to the weekday the window started on.
	day := local.Weekday()
	if crossesMidnight && minute < end {
		day = local.AddDate(0, 0, -1).Weekday()
	}
	for _, w := range c.Weekdays {
		if w == day {
			return true
		}
	}
	return false
}

// minutesOfDay parses "HH:MM" into minutes since midnight.
func minutesOfDay(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("failed to parse clock time %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock time %q out of range", s)
	}
	return h*60 + m, nil
}
