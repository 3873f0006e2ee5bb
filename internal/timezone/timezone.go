// Package timezone converts wall-clock local times to absolute instants
// using the zone's offset at that specific date, so DST transitions are
// honored rather than a cached offset being reused.
package timezone

import (
	"fmt"
	"time"

	"smartcal/internal/model"
)

// ToAbsolute combines a calendar date with a wall-clock time in loc.
// time.Date applies the zone's rules for that exact date; on a spring-
// forward gap the result is normalized past the missing hour, on a
// fall-back overlap the earlier offset is used.
func ToAbsolute(date time.Time, wc model.WallClock, loc *time.Location) time.Time {
	return time.Date(date.Year(), date.Month(), date.Day(), wc.Hour, wc.Minute, 0, 0, loc)
}

// ToLocalDisplay re-expresses an instant in the viewer's zone. Preview
// only: the stored instant is never mutated.
func ToLocalDisplay(t time.Time, loc *time.Location) time.Time {
	return t.In(loc)
}

// DayStart returns midnight of t's date in loc.
func DayStart(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

// Resolve loads an IANA zone name with a descriptive error.
func Resolve(name string) (*time.Location, error) {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", name, err)
	}
	return loc, nil
}
