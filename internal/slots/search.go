// Package slots implements the constraint-based free-slot search, the
// additive slot scorer, and the proposal selection policy. All functions
// are pure computations over in-memory data: identical busy intervals
// and request always yield the identical ranked proposal list.
package slots

import (
	"errors"
	"time"

	"smartcal/internal/config"
	"smartcal/internal/interval"
	"smartcal/internal/model"
	"smartcal/internal/timezone"
)

// ErrNoSlotsFound means the search exhausted the window without a single
// usable candidate. The caller should relax duration, time range, or
// preference rather than have a conflicting slot invented.
var ErrNoSlotsFound = errors.New("no free slots found in the requested window; relax duration, time range, or preference")

// extensionDays is how far past the requested range the search may walk
// when the proximity rule collapses candidates below the needed count.
const extensionDays = 7

// Result is the outcome of one search call.
type Result struct {
	// Candidates is the ranked proposal set, at most 2×request.Count.
	Candidates []model.CandidateSlot
	// Relax is set when fewer than request.Count usable slots were
	// found even after extending into subsequent days.
	Relax bool
}

// Searcher runs free-slot searches under a scheduling policy. It holds
// no mutable state and is safe for concurrent use.
type Searcher struct {
	sched   config.SchedulingConfig
	weights config.ScoringWeights
	loc     *time.Location
}

// NewSearcher builds a Searcher for the given policy and reference zone.
func NewSearcher(sched config.SchedulingConfig, weights config.ScoringWeights, loc *time.Location) *Searcher {
	return &Searcher{sched: sched, weights: weights, loc: loc}
}

// Search enumerates candidate windows for the request against the given
// busy intervals (normalized, sorted; see interval.Normalize), scores
// them, and applies the selection policy.
//
// Contiguous full-duration blocks are always preferred; split candidates
// are attempted only when no full block exists anywhere in the range and
// the request allows splitting. If proximity filtering leaves fewer than
// Count candidates, the walk extends up to extensionDays past the range
// end instead of emitting near-duplicate times.
func (s *Searcher) Search(req model.SlotRequest, busy []model.BusyInterval) (Result, error) {
	if err := req.Validate(); err != nil {
		return Result{}, err
	}

	buffer := time.Duration(s.sched.BufferMinutes) * time.Minute
	buffered := interval.Merge(interval.Buffer(interval.Merge(busy), buffer))

	cands := s.collectFull(req, buffered, req.RangeStart, req.RangeEnd, 0)
	if len(cands) == 0 && req.AllowSplit {
		cands = s.collectSplit(req, buffered, req.RangeStart, req.RangeEnd, 0)
	}

	for i := range cands {
		cands[i].Score = s.score(cands[i], req)
	}
	selected := s.selectProposals(cands, req)

	if len(selected) < req.Count {
		startIdx := daysBetween(req.RangeStart, req.RangeEnd, s.loc)
		extEnd := req.RangeEnd.AddDate(0, 0, extensionDays)
		ext := s.collectFull(req, buffered, req.RangeEnd, extEnd, startIdx)
		if len(ext) == 0 && len(cands) == 0 && req.AllowSplit {
			ext = s.collectSplit(req, buffered, req.RangeEnd, extEnd, startIdx)
		}
		for i := range ext {
			ext[i].Score = s.score(ext[i], req)
		}
		selected = s.selectProposals(append(cands, ext...), req)
	}

	if len(selected) == 0 {
		return Result{}, ErrNoSlotsFound
	}
	return Result{Candidates: selected, Relax: len(selected) < req.Count}, nil
}

// collectFull emits one contiguous full-duration candidate per free
// sub-interval, start rounded up to the next alignment boundary.
func (s *Searcher) collectFull(req model.SlotRequest, buffered []model.BusyInterval, from, to time.Time, startIdx int) []model.CandidateSlot {
	var out []model.CandidateSlot
	dur := req.Duration()
	step := time.Duration(s.sched.RoundToMinutes) * time.Minute

	dayIdx := startIdx
	for day := timezone.DayStart(from, s.loc); day.Before(to); day = day.AddDate(0, 0, 1) {
		env, ok := s.envelope(day, req.Preference, from, to)
		if !ok {
			dayIdx++
			continue
		}
		for _, f := range interval.Subtract(env, buffered) {
			if f.End.Sub(f.Start) < dur {
				continue
			}
			start := s.roundUp(f.Start, step)
			if start.Add(dur).After(f.End) {
				continue
			}
			out = append(out, model.CandidateSlot{
				Start:    start,
				End:      start.Add(dur),
				DayIndex: dayIdx,
			})
		}
		dayIdx++
	}
	return out
}

// collectSplit covers the duration with exactly two same-day chunks,
// each at least MinChunkMinutes, separated by at least ChunkGapMinutes.
// One split candidate per day at most; three or more chunks are never
// attempted.
func (s *Searcher) collectSplit(req model.SlotRequest, buffered []model.BusyInterval, from, to time.Time, startIdx int) []model.CandidateSlot {
	var out []model.CandidateSlot
	dur := req.Duration()
	step := time.Duration(s.sched.RoundToMinutes) * time.Minute
	minChunk := time.Duration(s.sched.MinChunkMinutes) * time.Minute
	gap := time.Duration(s.sched.ChunkGapMinutes) * time.Minute

	if dur < 2*minChunk {
		return nil
	}

	dayIdx := startIdx
	for day := timezone.DayStart(from, s.loc); day.Before(to); day = day.AddDate(0, 0, 1) {
		env, ok := s.envelope(day, req.Preference, from, to)
		if !ok {
			dayIdx++
			continue
		}
		free := interval.Subtract(env, buffered)

		// Usable chunk room per sub-interval, starts aligned.
		type chunk struct {
			start time.Time
			avail time.Duration
		}
		var chunks []chunk
		for _, f := range free {
			start := s.roundUp(f.Start, step)
			if avail := f.End.Sub(start); avail >= minChunk {
				chunks = append(chunks, chunk{start: start, avail: avail})
			}
		}

		found := false
		for i := 0; i < len(chunks) && !found; i++ {
			for j := i + 1; j < len(chunks); j++ {
				first, second := chunks[i], chunks[j]
				// First chunk takes as much as it can while leaving
				// at least a minimum-size second chunk.
				take := first.avail
				if take > dur-minChunk {
					take = dur - minChunk
				}
				if take < minChunk {
					continue
				}
				rest := dur - take
				if rest > second.avail {
					continue
				}
				if second.start.Sub(first.start.Add(take)) < gap {
					continue
				}
				out = append(out, model.CandidateSlot{
					Start:    first.start,
					End:      first.start.Add(take),
					DayIndex: dayIdx,
					SecondChunk: &model.Span{
						Start: second.start,
						End:   second.start.Add(rest),
					},
				})
				found = true
				break
			}
		}
		dayIdx++
	}
	return out
}

// envelope builds the day's search window from the time preference,
// clipped to the overall [from, to) range. ok is false when the clipped
// window is empty.
func (s *Searcher) envelope(day time.Time, pref model.TimePreference, from, to time.Time) (model.Span, bool) {
	w := s.windowFor(pref)
	start := timezone.ToAbsolute(day, model.WallClock{Hour: w.StartHour}, s.loc)
	end := timezone.ToAbsolute(day, model.WallClock{Hour: w.EndHour}, s.loc)

	if start.Before(from) {
		start = from
	}
	if end.After(to) {
		end = to
	}
	if !end.After(start) {
		return model.Span{}, false
	}
	return model.Span{Start: start, End: end}, true
}

func (s *Searcher) windowFor(pref model.TimePreference) config.HourWindow {
	switch pref {
	case model.PreferMorning:
		return s.sched.Morning
	case model.PreferAfternoon:
		return s.sched.Afternoon
	case model.PreferEvening:
		return s.sched.Evening
	default:
		return s.sched.Working
	}
}

// roundUp aligns t to the next step boundary of its day, in wall-clock
// minutes so alignment survives DST days.
func (s *Searcher) roundUp(t time.Time, step time.Duration) time.Time {
	local := t.In(s.loc)
	stepMin := int(step / time.Minute)
	if stepMin <= 0 {
		return local
	}
	total := local.Hour()*60 + local.Minute()
	if local.Second() > 0 || local.Nanosecond() > 0 {
		total++
	}
	aligned := ((total + stepMin - 1) / stepMin) * stepMin
	if aligned == total && local.Second() == 0 && local.Nanosecond() == 0 {
		return local
	}
	return timezone.ToAbsolute(local, model.WallClock{Hour: aligned / 60, Minute: aligned % 60}, s.loc)
}

// daysBetween counts whole calendar days from the day of a to the day
// of b in loc.
func daysBetween(a, b time.Time, loc *time.Location) int {
	da := timezone.DayStart(a, loc)
	db := timezone.DayStart(b, loc)
	n := 0
	for d := da; d.Before(db); d = d.AddDate(0, 0, 1) {
		n++
	}
	return n
}
