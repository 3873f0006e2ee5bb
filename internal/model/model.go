package model

import (
	"errors"
	"fmt"
	"time"
)

// SourceTag identifies where a calendar event came from. Ingested feed
// sources are read-only from this application's point of view.
type SourceTag string

const (
	SourceGoogle   SourceTag = "google"
	SourceCanvas   SourceTag = "canvas"
	SourceOutlook  SourceTag = "outlook"
	SourceICS      SourceTag = "ics"
	SourceSmartAdd SourceTag = "smartadd"
	SourceManual   SourceTag = "manual"
)

// RawEvent is a calendar event as supplied by the read collaborator,
// before interval normalization. Treated as ground truth at call time
// and never cached across requests.
type RawEvent struct {
	ID         string
	Title      string
	Start      time.Time
	End        time.Time
	AllDay     bool
	Source     SourceTag
	SourceName string
}

// BusyInterval is a half-open [Start, End) range already occupied on the
// calendar, in the reference timezone. Constructed fresh per search call.
type BusyInterval struct {
	Start  time.Time
	End    time.Time
	Source SourceTag
}

// TimePreference narrows the per-day search envelope.
type TimePreference string

const (
	PreferMorning   TimePreference = "morning"
	PreferAfternoon TimePreference = "afternoon"
	PreferEvening   TimePreference = "evening"
	PreferNone      TimePreference = "none"
)

// SlotRequest is a structured activity request, as produced by the
// intent-extraction collaborator.
type SlotRequest struct {
	Title           string
	DurationMinutes int
	Count           int
	RangeStart      time.Time
	RangeEnd        time.Time
	Preference      TimePreference
	AllowSplit      bool
}

// Validate reports the first structural problem with the request.
func (r SlotRequest) Validate() error {
	if r.DurationMinutes <= 0 {
		return errors.New("duration must be positive")
	}
	if r.Count < 1 {
		return errors.New("count must be at least 1")
	}
	if !r.RangeEnd.After(r.RangeStart) {
		return errors.New("time range end must be after start")
	}
	switch r.Preference {
	case PreferMorning, PreferAfternoon, PreferEvening, PreferNone, "":
	default:
		return fmt.Errorf("unknown time preference %q", r.Preference)
	}
	return nil
}

// Duration returns the requested duration as a time.Duration.
func (r SlotRequest) Duration() time.Duration {
	return time.Duration(r.DurationMinutes) * time.Minute
}

// Span is a plain [Start, End) time range.
type Span struct {
	Start time.Time
	End   time.Time
}

// CandidateSlot is a tentative window produced by the search. Never
// mutated after scoring. SecondChunk is set only for split candidates,
// where the requested duration is covered by two same-day chunks.
type CandidateSlot struct {
	Start       time.Time
	End         time.Time
	DayIndex    int
	Score       int
	SecondChunk *Span
}

// IsSplit reports whether this candidate covers its duration in two chunks.
func (c CandidateSlot) IsSplit() bool { return c.SecondChunk != nil }

// WallClock is a time-of-day with no date or zone attached.
type WallClock struct {
	Hour   int
	Minute int
}

// ParseWallClock parses "HH:MM".
func ParseWallClock(s string) (WallClock, error) {
	var wc WallClock
	if _, err := fmt.Sscanf(s, "%d:%d", &wc.Hour, &wc.Minute); err != nil {
		return WallClock{}, fmt.Errorf("invalid wall-clock time %q: %w", s, err)
	}
	if wc.Hour < 0 || wc.Hour > 23 || wc.Minute < 0 || wc.Minute > 59 {
		return WallClock{}, fmt.Errorf("wall-clock time %q out of range", s)
	}
	return wc, nil
}

func (w WallClock) String() string {
	return fmt.Sprintf("%02d:%02d", w.Hour, w.Minute)
}

// Frequency enumerates supported recurrence frequencies.
type Frequency string

const (
	FreqWeekly   Frequency = "weekly"
	FreqBiweekly Frequency = "biweekly"
	FreqCustom   Frequency = "custom"
)

// ExceptionRange is an inclusive date range to skip during recurrence
// expansion. A zero End means a single-day exception.
type ExceptionRange struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether the date of t falls inside the range,
// inclusive on both ends. Only the calendar date is compared.
func (e ExceptionRange) Contains(t time.Time) bool {
	d := dateOnly(t)
	start := dateOnly(e.Start)
	end := start
	if !e.End.IsZero() {
		end = dateOnly(e.End)
	}
	return !d.Before(start) && !d.After(end)
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// RecurrenceRule describes how a confirmed slot repeats. Until is a
// date (time-of-day ignored); when zero, UntilPreset names an external
// preset such as "end_of_term" to resolve it from.
type RecurrenceRule struct {
	Frequency   Frequency
	Interval    int
	DaysOfWeek  []time.Weekday
	Until       time.Time
	UntilPreset string
	Exceptions  []ExceptionRange
}

// EventRecord is a materialized calendar event. The materializer is the
// only writer; everything else reads.
type EventRecord struct {
	ExternalID     string
	Title          string
	Description    string
	Location       string
	Start          time.Time
	End            time.Time
	AllDay         bool
	Source         SourceTag
	SourceName     string
	SeriesParentID string
	Protected      bool
}

// EventDelta is the set of field changes applied by an edit. Nil fields
// are left untouched. StartClock and DurationMinutes re-anchor each
// target event on its own date, which keeps series edits timezone-safe.
type EventDelta struct {
	Title           *string
	Description     *string
	Location        *string
	StartClock      *WallClock
	DurationMinutes *int
}
