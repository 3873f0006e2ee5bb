package slots

import (
	"math"
	"time"

	"smartcal/internal/config"
	"smartcal/internal/model"
	"smartcal/internal/timezone"
)

// score applies the additive scoring policy to one candidate. Higher is
// better. The weights are policy, not algorithm, and come from config.
func (s *Searcher) score(c model.CandidateSlot, req model.SlotRequest) int {
	w := s.weights
	start := c.Start.In(s.loc)
	hour := start.Hour()

	total := float64(w.Base)

	// Preference window beats the default working window.
	if req.Preference != "" && req.Preference != model.PreferNone && s.inWindow(hour, s.windowFor(req.Preference)) {
		total += float64(w.PreferenceHit)
	} else if s.inWindow(hour, s.sched.Working) {
		total += float64(w.WorkingHoursHit)
	}

	// Earlier in the day is better; negative past 20:00.
	total += float64(20-hour) * 0.5

	// Soft avoids: lunch and dinner overlap, late starts.
	if s.overlapsHourWindow(c, 12, 13) {
		total -= float64(w.LunchPenalty)
	}
	if s.overlapsHourWindow(c, 18, 19) {
		total -= float64(w.DinnerPenalty)
	}
	if hour >= 19 {
		total -= float64(w.LateStartPenalty)
	}

	switch start.Weekday() {
	case time.Monday, time.Tuesday, time.Wednesday, time.Thursday:
		total += float64(w.WeekdayBonus)
	case time.Friday:
		// neutral
	default:
		total -= float64(w.WeekendPenalty)
	}

	return int(math.Round(total))
}

func (s *Searcher) inWindow(hour int, w config.HourWindow) bool {
	return hour >= w.StartHour && hour < w.EndHour
}

// overlapsHourWindow reports whether the candidate's first chunk
// intersects [fromHour, toHour) on its own day.
func (s *Searcher) overlapsHourWindow(c model.CandidateSlot, fromHour, toHour int) bool {
	day := timezone.DayStart(c.Start, s.loc)
	wStart := timezone.ToAbsolute(day, model.WallClock{Hour: fromHour}, s.loc)
	wEnd := timezone.ToAbsolute(day, model.WallClock{Hour: toHour}, s.loc)
	return c.Start.Before(wEnd) && wStart.Before(c.End)
}
