package slots

import (
	"testing"
	"time"

	"smartcal/internal/model"
)

func slot(start time.Time, minutes int) model.CandidateSlot {
	return model.CandidateSlot{Start: start, End: start.Add(time.Duration(minutes) * time.Minute)}
}

func TestScoreMorningPreference(t *testing.T) {
	s := newTestSearcher()
	req := model.SlotRequest{Preference: model.PreferMorning}

	// base 100 + preference 30 + (20-8)*0.5 + Monday bonus 5.
	got := s.score(slot(date(2026, 9, 7, 8, 0), 30), req)
	if got != 141 {
		t.Errorf("morning preference score = %d, want 141", got)
	}
}

func TestScoreLunchPenalty(t *testing.T) {
	s := newTestSearcher()
	req := model.SlotRequest{Preference: model.PreferNone}

	noon := s.score(slot(date(2026, 9, 7, 12, 0), 60), req)
	away := s.score(slot(date(2026, 9, 7, 10, 0), 60), req)
	if noon >= away {
		t.Errorf("lunch-overlapping slot scored %d, clear slot %d", noon, away)
	}
	// base 100 + working 20 + (20-12)*0.5 - lunch 15 + Monday 5.
	if noon != 114 {
		t.Errorf("noon score = %d, want 114", noon)
	}
}

func TestScoreDinnerOverlap(t *testing.T) {
	s := newTestSearcher()
	req := model.SlotRequest{Preference: model.PreferNone}

	crossing := s.score(slot(date(2026, 9, 7, 17, 30), 60), req)
	clear := s.score(slot(date(2026, 9, 7, 16, 0), 60), req)
	if crossing >= clear {
		t.Errorf("dinner-crossing slot scored %d, clear slot %d", crossing, clear)
	}
}

func TestScoreLateStartPenalized(t *testing.T) {
	s := newTestSearcher()
	req := model.SlotRequest{Preference: model.PreferNone}

	late := s.score(slot(date(2026, 9, 7, 19, 0), 30), req)
	earlier := s.score(slot(date(2026, 9, 7, 16, 0), 30), req)
	if late >= earlier {
		t.Errorf("19:00 slot scored %d, 16:00 slot %d", late, earlier)
	}
}

func TestScoreWeekdayOverWeekend(t *testing.T) {
	s := newTestSearcher()
	req := model.SlotRequest{Preference: model.PreferNone}

	mon := s.score(slot(date(2026, 9, 7, 10, 0), 30), req)  // Monday
	fri := s.score(slot(date(2026, 9, 11, 10, 0), 30), req) // Friday
	sat := s.score(slot(date(2026, 9, 12, 10, 0), 30), req) // Saturday
	if !(mon > fri && fri > sat) {
		t.Errorf("weekday ordering broken: Mon=%d Fri=%d Sat=%d", mon, fri, sat)
	}
}

func TestScoreEarlierIsBetter(t *testing.T) {
	s := newTestSearcher()
	req := model.SlotRequest{Preference: model.PreferMorning}

	eight := s.score(slot(date(2026, 9, 7, 8, 0), 30), req)
	eleven := s.score(slot(date(2026, 9, 7, 11, 0), 30), req)
	if eight <= eleven {
		t.Errorf("08:00 scored %d, 11:00 scored %d", eight, eleven)
	}
}
