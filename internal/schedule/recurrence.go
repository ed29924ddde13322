package schedule

import (
	"errors"
	"fmt"
	"time"

	"relay-sync/internal/store"
)

// ErrInvalidSchedule wraps schedule validation failures.
var ErrInvalidSchedule = errors.New("invalid schedule")

// Validate checks the recurrence fields of s.
func Validate(s *store.Schedule) error {
	if _, _, err := parseClock(s.Time); err != nil {
		return err
	}
	switch s.Action {
	case store.ActionOn, store.ActionOff:
	default:
		return fmt.Errorf("%w: action %q", ErrInvalidSchedule, s.Action)
	}
	switch s.Type {
	case store.ScheduleDaily:
	case store.ScheduleWeekly:
		if len(s.Days) == 0 {
			return fmt.Errorf("%w: weekly schedule without days", ErrInvalidSchedule)
		}
		for _, d := range s.Days {
			if d < 0 || d > 6 {
				return fmt.Errorf("%w: weekday %d", ErrInvalidSchedule, d)
			}
		}
	case store.ScheduleOnce:
		if _, err := time.Parse("2006-01-02", s.Date); err != nil {
			return fmt.Errorf("%w: date %q", ErrInvalidSchedule, s.Date)
		}
	default:
		return fmt.Errorf("%w: type %q", ErrInvalidSchedule, s.Type)
	}
	if s.TimeoutMinutes < 0 {
		return fmt.Errorf("%w: negative timeout", ErrInvalidSchedule)
	}
	for _, ref := range s.Switches {
		if ref.Device == "" || ref.Switch == "" {
			return fmt.Errorf("%w: incomplete switch reference", ErrInvalidSchedule)
		}
	}
	return nil
}

func parseClock(hhmm string) (int, int, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: time %q", ErrInvalidSchedule, hhmm)
	}
	return t.Hour(), t.Minute(), nil
}

// NextFire returns the first firing of s strictly after after, in loc.
// The bool is false when the schedule will never fire again.
func NextFire(s *store.Schedule, after time.Time, loc *time.Location) (time.Time, bool) {
	hour, minute, err := parseClock(s.Time)
	if err != nil {
		return time.Time{}, false
	}
	local := after.In(loc)

	switch s.Type {
	case store.ScheduleOnce:
		d, err := time.ParseInLocation("2006-01-02", s.Date, loc)
		if err != nil {
			return time.Time{}, false
		}
		at := time.Date(d.Year(), d.Month(), d.Day(), hour, minute, 0, 0, loc)
		return at, at.After(after)

	case store.ScheduleDaily, store.ScheduleWeekly:
		days := make(map[time.Weekday]bool, len(s.Days))
		for _, d := range s.Days {
			days[time.Weekday(d)] = true
		}
		for i := 0; i <= 7; i++ {
			at := time.Date(local.Year(), local.Month(), local.Day()+i, hour, minute, 0, 0, loc)
			if !at.After(after) {
				continue
			}
			if s.Type == store.ScheduleWeekly && !days[at.Weekday()] {
				continue
			}
			return at, true
		}
	}
	return time.Time{}, false
}
