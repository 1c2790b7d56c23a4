package schedule

import (
	"fmt"
	"time"

	"github.com/ignite/outreach-engine/internal/domain"
)

// maxWindowSearchDays bounds the forward search for a sending slot so a
// pathological configuration can never spin forever.
const maxWindowSearchDays = 14

// rampSchedule is the fixed daily-volume ramp for new campaigns when the
// workspace has ramp-up enabled. Day numbering is 1-indexed and
// campaign-relative. Past the end of the schedule the flat quota applies.
var rampSchedule = []int{20, 30, 40, 60, 80, 100, 150, 200, 250, 300}

// ErrNoSendingDays is returned when a workspace has no sending days
// configured. No valid slot can ever be produced, so callers must fail
// loudly instead of defaulting.
var ErrNoSendingDays = fmt.Errorf("sending settings have no sending days configured")

// IsWithinWindow reports whether the given instant falls inside the
// workspace's sending window: weekday in SendingDays and
// StartHour <= local hour < EndHour.
func IsWithinWindow(settings *domain.SendingSettings, instant time.Time) (bool, error) {
	loc, err := time.LoadLocation(settings.Timezone)
	if err != nil {
		return false, fmt.Errorf("load timezone %q: %w", settings.Timezone, err)
	}
	local := instant.In(loc)
	if !settings.AllowsWeekday(local.Weekday()) {
		return false, nil
	}
	h := local.Hour()
	return h >= settings.StartHour && h < settings.EndHour, nil
}

// NextSendingSlot returns the first instant at or after from that falls
// inside the sending window.
//
// If from is already inside the window it is returned unchanged. If from is
// on a valid day but before the window opens, the window's start that day is
// returned. Otherwise the search advances day by day at local midnight,
// bounded to maxWindowSearchDays.
func NextSendingSlot(settings *domain.SendingSettings, from time.Time) (time.Time, error) {
	if len(settings.SendingDays) == 0 {
		return time.Time{}, ErrNoSendingDays
	}
	loc, err := time.LoadLocation(settings.Timezone)
	if err != nil {
		return time.Time{}, fmt.Errorf("load timezone %q: %w", settings.Timezone, err)
	}

	candidate := from.In(loc)
	for i := 0; i < maxWindowSearchDays; i++ {
		if settings.AllowsWeekday(candidate.Weekday()) {
			h := candidate.Hour()
			switch {
			case h >= settings.StartHour && h < settings.EndHour:
				return candidate, nil
			case h < settings.StartHour:
				return time.Date(candidate.Year(), candidate.Month(), candidate.Day(),
					settings.StartHour, 0, 0, 0, loc), nil
			}
			// Past the window today; fall through to the next day.
		}
		// Advance to the next day's local midnight. Using time.Date rather
		// than Add(24h) keeps DST transitions correct.
		candidate = time.Date(candidate.Year(), candidate.Month(), candidate.Day()+1,
			0, 0, 0, 0, loc)
	}
	return time.Time{}, fmt.Errorf("no sending slot found within %d days of %s", maxWindowSearchDays, from.Format(time.RFC3339))
}

// RampUpQuota returns the effective daily quota for the given 1-indexed,
// campaign-relative day. With ramp-up disabled, or past the ramp schedule,
// the flat daily quota applies; during the ramp the scheduled volume is
// clamped by the flat quota so ramp-up never raises the cap.
func RampUpQuota(settings *domain.SendingSettings, dayNumber int) int {
	if !settings.RampUp || dayNumber < 1 {
		return settings.DailyQuota
	}
	if dayNumber > len(rampSchedule) {
		return settings.DailyQuota
	}
	ramp := rampSchedule[dayNumber-1]
	if ramp > settings.DailyQuota {
		return settings.DailyQuota
	}
	return ramp
}
