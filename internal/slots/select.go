package slots

import (
	"sort"
	"time"

	"smartcal/internal/model"
	"smartcal/internal/timezone"
)

// selectProposals turns scored candidates into the final ranked set:
// sort descending by score (ties by earliest start), reject candidates
// within the proximity gap of an already-kept same-day candidate, spread
// across distinct days before doubling up, then truncate to 2×count.
func (s *Searcher) selectProposals(cands []model.CandidateSlot, req model.SlotRequest) []model.CandidateSlot {
	if len(cands) == 0 {
		return nil
	}
	limit := 2 * req.Count
	proximity := time.Duration(s.sched.ProximityMinutes) * time.Minute

	ranked := make([]model.CandidateSlot, len(cands))
	copy(ranked, cands)
	sortRanked(ranked)

	// Proximity rule: same-day candidates at least the configured gap
	// apart. Greedy from the top keeps the better-scored of any pair.
	var kept []model.CandidateSlot
	for _, c := range ranked {
		tooClose := false
		for _, k := range kept {
			if s.sameDay(c, k) && absDuration(c.Start.Sub(k.Start)) < proximity {
				tooClose = true
				break
			}
		}
		if !tooClose {
			kept = append(kept, c)
		}
	}

	kept = s.spreadAcrossDays(kept, limit)
	sortRanked(kept)

	if len(kept) > limit {
		kept = kept[:limit]
	}
	return kept
}

// spreadAcrossDays keeps at most one block per day until every day with
// candidates has contributed, then fills from the leftovers by rank.
// This is the "one major block per day unless count forces more" cap.
func (s *Searcher) spreadAcrossDays(ranked []model.CandidateSlot, limit int) []model.CandidateSlot {
	if len(ranked) <= 1 {
		return ranked
	}

	bestPerDay := make(map[int]model.CandidateSlot)
	var dayOrder []int
	for _, c := range ranked {
		if _, seen := bestPerDay[c.DayIndex]; !seen {
			// First hit per day is the best: input is rank-ordered.
			bestPerDay[c.DayIndex] = c
			dayOrder = append(dayOrder, c.DayIndex)
		}
	}
	sort.Ints(dayOrder)

	var spread []model.CandidateSlot
	taken := make(map[int]bool)
	for _, day := range dayOrder {
		if len(spread) >= limit {
			break
		}
		c := bestPerDay[day]
		spread = append(spread, c)
		taken[day] = true
	}

	if len(spread) < limit {
		for _, c := range ranked {
			if len(spread) >= limit {
				break
			}
			if isBestOfDay(bestPerDay, c) {
				continue
			}
			spread = append(spread, c)
		}
	}
	return spread
}

func isBestOfDay(bestPerDay map[int]model.CandidateSlot, c model.CandidateSlot) bool {
	best, ok := bestPerDay[c.DayIndex]
	return ok && best.Start.Equal(c.Start) && best.End.Equal(c.End)
}

func (s *Searcher) sameDay(a, b model.CandidateSlot) bool {
	return timezone.DayStart(a.Start, s.loc).Equal(timezone.DayStart(b.Start, s.loc))
}

// sortRanked orders by score descending, then earliest start, then
// earliest day index. Fully deterministic.
func sortRanked(cands []model.CandidateSlot) {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].Score != cands[j].Score {
			return cands[i].Score > cands[j].Score
		}
		if !cands[i].Start.Equal(cands[j].Start) {
			return cands[i].Start.Before(cands[j].Start)
		}
		return cands[i].DayIndex < cands[j].DayIndex
	})
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
