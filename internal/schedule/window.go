package schedule

import (
	"fmt"
	"time"

	"github.com/ignite/journey-engine/internal/domain"
)

// AddDelay returns from plus an exact wall-clock delay in UTC. Days and
// weeks are fixed 24h multiples with no DST adjustment; DST-aware waits go
// through NextTimeOfDay / NextWeekday instead.
func AddDelay(from time.Time, value int, unit domain.DelayUnit) time.Time {
	if value < 0 {
		value = 0
	}
	switch unit {
	case domain.DelayMinutes:
		return from.Add(time.Duration(value) * time.Minute)
	case domain.DelayHours:
		return from.Add(time.Duration(value) * time.Hour)
	case domain.DelayDays:
		return from.Add(time.Duration(value) * 24 * time.Hour)
	case domain.DelayWeeks:
		return from.Add(time.Duration(value) * 7 * 24 * time.Hour)
	default:
		return from.Add(time.Duration(value) * time.Hour)
	}
}

// NextSendWindow returns the least instant >= from whose wall clock in zone
// falls inside the window. If from already satisfies the window it is
// returned unchanged.
func NextSendWindow(zone string, w domain.SendWindow, from time.Time) (time.Time, error) {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return time.Time{}, fmt.Errorf("load zone %q: %w", zone, err)
	}

	local := from.In(loc)
	if w.Contains(local) {
		return from, nil
	}

	// Walk day by day toward the next opening; 8 iterations covers any
	// days_of_week set.
	for i := 0; i < 8; i++ {
		candidate := time.Date(local.Year(), local.Month(), local.Day(), w.StartHour, 0, 0, 0, loc)
		if !candidate.Before(local) && dayAllowed(w, candidate.Weekday()) {
			return candidate.UTC(), nil
		}
		local = time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)
	}
	return time.Time{}, fmt.Errorf("no send window within 8 days of %s", from)
}

func dayAllowed(w domain.SendWindow, d time.Weekday) bool {
	if len(w.DaysOfWeek) == 0 {
		return true
	}
	for _, allowed := range w.DaysOfWeek {
		if allowed == d {
			return true
		}
	}
	return false
}

// NextWeekday returns the first instant >= from that falls on the given
// weekday in zone, preserving from's wall-clock time of day (DST-aware).
func NextWeekday(from time.Time, day time.Weekday, zone string) (time.Time, error) {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return time.Time{}, fmt.Errorf("load zone %q: %w", zone, err)
	}
	local := from.In(loc)
	offset := (int(day) - int(local.Weekday()) + 7) % 7
	if offset == 0 {
		return from, nil
	}
	next := time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), local.Minute(), local.Second(), 0, loc).
		AddDate(0, 0, offset)
	return next.UTC(), nil
}

// NextTimeOfDay returns the first instant strictly after from whose wall
// clock in zone reads hhmm ("HH:MM"). DST transitions are handled by the
// zone database: constructing the local date resolves to the real instant.
func NextTimeOfDay(from time.Time, hhmm string, zone string) (time.Time, error) {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return time.Time{}, fmt.Errorf("load zone %q: %w", zone, err)
	}
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time of day %q: %w", hhmm, err)
	}

	local := from.In(loc)
	candidate := time.Date(local.Year(), local.Month(), local.Day(), t.Hour(), t.Minute(), 0, 0, loc)
	if !candidate.After(local) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate.UTC(), nil
}

// MaterializeWait computes the due time for the successor of a wait step:
// the relative delay in exact UTC, then any until_time / until_day snap in
// the workflow zone.
func MaterializeWait(cfg domain.WaitConfig, zone string, from time.Time) (time.Time, error) {
	due := AddDelay(from, cfg.Value, cfg.Unit)
	if cfg.UntilDay != nil {
		snapped, err := NextWeekday(due, *cfg.UntilDay, zone)
		if err != nil {
			return time.Time{}, err
		}
		due = snapped
	}
	if cfg.UntilTime != "" {
		snapped, err := NextTimeOfDay(due, cfg.UntilTime, zone)
		if err != nil {
			return time.Time{}, err
		}
		due = snapped
	}
	return due, nil
}
