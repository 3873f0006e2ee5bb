// Package interval normalizes raw calendar events into half-open
// [start, end) busy intervals in a reference timezone and provides the
// merge/subtract arithmetic the free-slot search is built on. Everything
// here is a pure computation over in-memory data.
package interval

import (
	"sort"
	"time"

	"smartcal/internal/model"
)

// Normalize converts raw events into busy intervals in loc, sorted by
// start. All-day events become hard conflicts covering their entire
// day(s). Events with end <= start are dropped rather than guessed at.
func Normalize(raw []model.RawEvent, loc *time.Location) []model.BusyInterval {
	busy := make([]model.BusyInterval, 0, len(raw))

	for _, ev := range raw {
		if ev.AllDay {
			start := ev.Start.In(loc)
			dayStart := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc)
			dayEnd := dayStart.AddDate(0, 0, 1)
			// Multi-day all-day events keep their full extent.
			if ev.End.After(ev.Start) {
				end := ev.End.In(loc)
				last := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, loc)
				if last.After(dayEnd) || last.Equal(dayEnd) {
					dayEnd = last
				}
				if dayEnd.Equal(dayStart) {
					dayEnd = dayStart.AddDate(0, 0, 1)
				}
			}
			busy = append(busy, model.BusyInterval{Start: dayStart, End: dayEnd, Source: ev.Source})
			continue
		}

		if !ev.End.After(ev.Start) {
			continue
		}
		busy = append(busy, model.BusyInterval{
			Start:  ev.Start.In(loc),
			End:    ev.End.In(loc),
			Source: ev.Source,
		})
	}

	sort.Slice(busy, func(i, j int) bool {
		if busy[i].Start.Equal(busy[j].Start) {
			return busy[i].End.Before(busy[j].End)
		}
		return busy[i].Start.Before(busy[j].Start)
	})

	return busy
}

// Buffer widens every interval by d on both sides. The result is what
// conflict checks run against, so a 15-minute buffer keeps candidates
// from starting back-to-back with existing commitments.
func Buffer(busy []model.BusyInterval, d time.Duration) []model.BusyInterval {
	out := make([]model.BusyInterval, len(busy))
	for i, iv := range busy {
		out[i] = model.BusyInterval{
			Start:  iv.Start.Add(-d),
			End:    iv.End.Add(d),
			Source: iv.Source,
		}
	}
	return out
}

// Merge collapses overlapping or touching intervals. Input must be
// sorted by start (as Normalize produces).
func Merge(busy []model.BusyInterval) []model.BusyInterval {
	if len(busy) == 0 {
		return nil
	}
	merged := make([]model.BusyInterval, 0, len(busy))
	merged = append(merged, busy[0])
	for _, iv := range busy[1:] {
		last := &merged[len(merged)-1]
		if !iv.Start.After(last.End) {
			if iv.End.After(last.End) {
				last.End = iv.End
			}
			continue
		}
		merged = append(merged, iv)
	}
	return merged
}

// Subtract returns the free sub-spans of window after removing the given
// busy intervals. Busy input must be sorted; it is merged internally.
func Subtract(window model.Span, busy []model.BusyInterval) []model.Span {
	free := []model.Span{window}

	for _, blk := range Merge(busy) {
		next := free[:0:0]
		for _, f := range free {
			if !blk.End.After(f.Start) || !blk.Start.Before(f.End) {
				next = append(next, f)
				continue
			}
			if blk.Start.After(f.Start) {
				next = append(next, model.Span{Start: f.Start, End: blk.Start})
			}
			if blk.End.Before(f.End) {
				next = append(next, model.Span{Start: blk.End, End: f.End})
			}
		}
		free = next
		if len(free) == 0 {
			break
		}
	}

	return free
}

// Overlaps reports whether two half-open ranges intersect.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}
