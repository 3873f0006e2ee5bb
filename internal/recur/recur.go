// Package recur expands recurrence rules into concrete occurrence
// times. Expansion is lazy with respect to exceptions: they are applied
// at expansion time only, so an exception added after occurrences were
// materialized does not retroactively delete them.
package recur

import (
	"errors"
	"fmt"
	"time"

	"github.com/teambition/rrule-go"

	"smartcal/internal/model"
)

// ErrInvalidRule covers a missing until date with no preset available,
// and weekly/biweekly rules with an empty day set.
var ErrInvalidRule = errors.New("invalid recurrence rule")

// maxOccurrences is a safety cap against runaway expansions.
const maxOccurrences = 200

// Occurrence is one concrete instance of a recurring event. Index is
// 1-based over the surviving (non-excepted) occurrences.
type Occurrence struct {
	Start time.Time
	End   time.Time
	Index int
}

// TermEndFunc resolves the academic "end of term" preset. ok is false
// when no preset is configured.
type TermEndFunc func() (time.Time, bool)

// Expand turns a rule plus an anchor slot into the finite occurrence
// sequence. The anchor's duration is preserved on every occurrence;
// weekly/biweekly rules emit the rule's weekdays advancing by the
// rule's interval (biweekly is always one fortnight, whatever the
// interval field says) until the until date, inclusive.
func Expand(rule model.RecurrenceRule, anchorStart, anchorEnd time.Time, termEnd TermEndFunc) ([]Occurrence, error) {
	duration := anchorEnd.Sub(anchorStart)
	if duration <= 0 {
		return nil, fmt.Errorf("%w: anchor duration must be positive", ErrInvalidRule)
	}

	freq, interval, err := resolveFrequency(rule)
	if err != nil {
		return nil, err
	}

	var byweekday []rrule.Weekday
	switch rule.Frequency {
	case model.FreqWeekly, model.FreqBiweekly:
		if len(rule.DaysOfWeek) == 0 {
			return nil, fmt.Errorf("%w: %s rule needs at least one weekday", ErrInvalidRule, rule.Frequency)
		}
	}
	for _, wd := range rule.DaysOfWeek {
		byweekday = append(byweekday, toRRuleWeekday(wd))
	}

	until, err := resolveUntil(rule, anchorStart, termEnd)
	if err != nil {
		return nil, err
	}
	if until.Before(anchorStart) {
		return nil, fmt.Errorf("%w: until date %s precedes the anchor", ErrInvalidRule, until.Format("2006-01-02"))
	}

	r, err := rrule.NewRRule(rrule.ROption{
		Freq:      freq,
		Interval:  interval,
		Dtstart:   anchorStart,
		Byweekday: byweekday,
	})
	if err != nil {
		return nil, fmt.Errorf("building recurrence: %w", err)
	}

	times := r.Between(anchorStart, until, true)
	if len(times) > maxOccurrences {
		times = times[:maxOccurrences]
	}

	out := make([]Occurrence, 0, len(times))
	index := 0
	for _, start := range times {
		if excepted(rule.Exceptions, start) {
			continue
		}
		index++
		out = append(out, Occurrence{
			Start: start,
			End:   start.Add(duration),
			Index: index,
		})
	}
	return out, nil
}

func resolveFrequency(rule model.RecurrenceRule) (rrule.Frequency, int, error) {
	interval := rule.Interval
	if interval < 1 {
		interval = 1
	}
	switch rule.Frequency {
	case model.FreqWeekly:
		return rrule.WEEKLY, interval, nil
	case model.FreqBiweekly:
		// The interval field is ignored for biweekly: always one fortnight.
		return rrule.WEEKLY, 2, nil
	case model.FreqCustom:
		return rrule.WEEKLY, interval, nil
	default:
		return 0, 0, fmt.Errorf("%w: unsupported frequency %q", ErrInvalidRule, rule.Frequency)
	}
}

// resolveUntil returns the inclusive end of the expansion at the
// anchor's time-of-day, from the explicit date or the term-end preset.
func resolveUntil(rule model.RecurrenceRule, anchorStart time.Time, termEnd TermEndFunc) (time.Time, error) {
	untilDate := rule.Until
	if untilDate.IsZero() {
		if rule.UntilPreset == "" || termEnd == nil {
			return time.Time{}, fmt.Errorf("%w: repeat 'until' date is required", ErrInvalidRule)
		}
		end, ok := termEnd()
		if !ok {
			return time.Time{}, fmt.Errorf("%w: preset %q has no configured end date", ErrInvalidRule, rule.UntilPreset)
		}
		untilDate = end
	}
	return time.Date(
		untilDate.Year(), untilDate.Month(), untilDate.Day(),
		anchorStart.Hour(), anchorStart.Minute(), anchorStart.Second(), 0,
		anchorStart.Location(),
	), nil
}

func excepted(exceptions []model.ExceptionRange, t time.Time) bool {
	for _, ex := range exceptions {
		if ex.Contains(t) {
			return true
		}
	}
	return false
}

func toRRuleWeekday(wd time.Weekday) rrule.Weekday {
	switch wd {
	case time.Monday:
		return rrule.MO
	case time.Tuesday:
		return rrule.TU
	case time.Wednesday:
		return rrule.WE
	case time.Thursday:
		return rrule.TH
	case time.Friday:
		return rrule.FR
	case time.Saturday:
		return rrule.SA
	default:
		return rrule.SU
	}
}
