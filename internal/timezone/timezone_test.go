package timezone

import (
	"testing"
	"time"

	"smartcal/internal/model"
)

func nyc(t *testing.T) *time.Location {
	t.Helper()
	loc, err := Resolve("America/New_York")
	if err != nil {
		t.Fatal(err)
	}
	return loc
}

// Same wall clock on either side of the 2026-03-08 spring-forward
// transition must produce instants with different UTC offsets but the
// same local display time.
func TestToAbsoluteAcrossDST(t *testing.T) {
	loc := nyc(t)

	before := ToAbsolute(time.Date(2026, 3, 7, 0, 0, 0, 0, loc), model.WallClock{Hour: 9}, loc)
	after := ToAbsolute(time.Date(2026, 3, 9, 0, 0, 0, 0, loc), model.WallClock{Hour: 9}, loc)

	_, offBefore := before.Zone()
	_, offAfter := after.Zone()
	if offBefore == offAfter {
		t.Fatalf("offsets equal (%d) across DST transition", offBefore)
	}
	if before.Hour() != 9 || after.Hour() != 9 {
		t.Errorf("local hours = %d, %d, want 9 and 9", before.Hour(), after.Hour())
	}
}

func TestToAbsoluteRoundTrip(t *testing.T) {
	loc := nyc(t)
	wc := model.WallClock{Hour: 14, Minute: 30}

	// Including the transition date itself.
	for _, day := range []time.Time{
		time.Date(2026, 3, 7, 0, 0, 0, 0, loc),
		time.Date(2026, 3, 8, 0, 0, 0, 0, loc),
		time.Date(2026, 11, 1, 0, 0, 0, 0, loc),
	} {
		abs := ToAbsolute(day, wc, loc)
		disp := ToLocalDisplay(abs, loc)
		if disp.Hour() != wc.Hour || disp.Minute() != wc.Minute {
			t.Errorf("%s: round trip gave %02d:%02d, want %s", day.Format("2006-01-02"), disp.Hour(), disp.Minute(), wc)
		}
	}
}

// 02:30 does not exist on the spring-forward date; the conversion must
// normalize past the gap rather than fail.
func TestToAbsoluteSpringGap(t *testing.T) {
	loc := nyc(t)
	abs := ToAbsolute(time.Date(2026, 3, 8, 0, 0, 0, 0, loc), model.WallClock{Hour: 2, Minute: 30}, loc)
	if abs.Hour() == 2 {
		t.Errorf("got %v inside the missing hour", abs)
	}
}

func TestDayStart(t *testing.T) {
	loc := nyc(t)
	ts := time.Date(2026, 9, 7, 17, 42, 11, 0, loc)
	ds := DayStart(ts, loc)
	if ds.Hour() != 0 || ds.Minute() != 0 || ds.Day() != 7 {
		t.Errorf("DayStart = %v", ds)
	}
}

func TestResolveUnknownZone(t *testing.T) {
	if _, err := Resolve("Not/AZone"); err == nil {
		t.Fatal("expected error for unknown zone")
	}
}
