package feed

import (
	"strings"
	"testing"
	"time"

	"smartcal/internal/config"
	"smartcal/internal/materialize"
	"smartcal/internal/model"
)

var loc = mustLoc("America/New_York")

func mustLoc(name string) *time.Location {
	l, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return l
}

func icsBody(events ...string) []byte {
	lines := []string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//test//EN",
	}
	lines = append(lines, events...)
	lines = append(lines, "END:VCALENDAR", "")
	return []byte(strings.Join(lines, "\r\n"))
}

func canvasFeed() config.FeedConfig {
	return config.FeedConfig{Name: "Canvas", Type: "canvas", URL: "https://canvas.example.edu/feed.ics"}
}

func TestParseFeedTimedEvent(t *testing.T) {
	body := icsBody(
		"BEGIN:VEVENT",
		"UID:lecture-1",
		"SUMMARY:Lecture",
		"DTSTART:20260907T140000Z",
		"DTEND:20260907T150000Z",
		"END:VEVENT",
	)
	records, skipped, err := parseFeed(canvasFeed(), body, loc)
	if err != nil {
		t.Fatal(err)
	}
	if skipped != 0 || len(records) != 1 {
		t.Fatalf("records=%d skipped=%d", len(records), skipped)
	}
	rec := records[0]
	if rec.Title != "[Canvas] Lecture" {
		t.Errorf("title = %q", rec.Title)
	}
	if rec.ExternalID != materialize.DeterministicID(model.SourceCanvas, "lecture-1") {
		t.Errorf("id = %q, want the deterministic id", rec.ExternalID)
	}
	if !rec.Protected || rec.Source != model.SourceCanvas {
		t.Errorf("source=%s protected=%v", rec.Source, rec.Protected)
	}
	// 14:00 UTC is 10:00 in New York during DST.
	if rec.Start.Hour() != 10 || rec.End.Sub(rec.Start) != time.Hour {
		t.Errorf("span = [%v, %v)", rec.Start, rec.End)
	}
}

func TestParseFeedMissingEndCoercions(t *testing.T) {
	body := icsBody(
		"BEGIN:VEVENT",
		"UID:timed-open",
		"SUMMARY:Office hours",
		"DTSTART:20260907T140000Z",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:due-date",
		"SUMMARY:Essay due",
		"DTSTART;VALUE=DATE:20260907",
		"END:VEVENT",
	)
	records, _, err := parseFeed(canvasFeed(), body, loc)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}

	timed := records[0]
	if timed.End.Sub(timed.Start) != time.Hour {
		t.Errorf("timed event without DTEND spans %v, want 1h", timed.End.Sub(timed.Start))
	}

	allDay := records[1]
	if !allDay.AllDay {
		t.Fatal("VALUE=DATE event not marked all-day")
	}
	if allDay.Start.Hour() != 0 || allDay.End.Sub(allDay.Start) != 24*time.Hour {
		t.Errorf("all-day span = [%v, %v), want one full local day", allDay.Start, allDay.End)
	}
}

func TestParseFeedSkipsEventWithoutUID(t *testing.T) {
	body := icsBody(
		"BEGIN:VEVENT",
		"SUMMARY:Orphan",
		"DTSTART:20260907T140000Z",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:keeper",
		"SUMMARY:Keeper",
		"DTSTART:20260907T160000Z",
		"DTEND:20260907T170000Z",
		"END:VEVENT",
	)
	records, skipped, err := parseFeed(canvasFeed(), body, loc)
	if err != nil {
		t.Fatal(err)
	}
	if skipped != 1 || len(records) != 1 {
		t.Fatalf("records=%d skipped=%d, want 1 and 1", len(records), skipped)
	}
}

func TestSourceTagMapping(t *testing.T) {
	cases := []struct {
		typ  string
		want model.SourceTag
		prot bool
	}{
		{"canvas", model.SourceCanvas, true},
		{"outlook", model.SourceOutlook, true},
		{"ics", model.SourceICS, false},
		{"", model.SourceICS, false},
	}
	for _, tc := range cases {
		fc := config.FeedConfig{Name: "n", Type: tc.typ}
		if got := sourceTag(fc); got != tc.want {
			t.Errorf("type %q: tag = %s, want %s", tc.typ, got, tc.want)
		}
		if fc.Protected() != tc.prot {
			t.Errorf("type %q: protected = %v, want %v", tc.typ, fc.Protected(), tc.prot)
		}
	}
}

func TestRedactURL(t *testing.T) {
	got := redactURL("https://canvas.example.edu/feeds/user_abc123.ics?token=secret")
	if strings.Contains(got, "secret") || strings.Contains(got, "user_abc123") {
		t.Errorf("redacted URL leaks detail: %q", got)
	}
	if !strings.Contains(got, "canvas.example.edu") {
		t.Errorf("redacted URL lost the host: %q", got)
	}
}
