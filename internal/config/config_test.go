package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadCreatesDefaultWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "smartcal.yaml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != "127.0.0.1:8080" {
		t.Errorf("listen = %q", cfg.Listen)
	}
	if cfg.Scheduling.BufferMinutes != 15 || cfg.Scheduling.RoundToMinutes != 15 {
		t.Errorf("scheduling defaults = %+v", cfg.Scheduling)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("default config not written: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("config file mode = %o, want 600", perm)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "smartcal.yaml")

	cfg := DefaultConfig()
	cfg.Timezone = "Europe/Berlin"
	cfg.SessionTTLMinutes = 45
	cfg.Feeds = []FeedConfig{{URL: "https://example.edu/f.ics", Name: "School", Type: "canvas"}}
	cfg.Academic.TermEndDate = "2026-12-18"
	cfg.Academic.Holidays = []HolidayConfig{{Name: "Fall Break", Start: "2026-10-12", End: "2026-10-16"}}

	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Timezone != "Europe/Berlin" {
		t.Errorf("timezone = %q", loaded.Timezone)
	}
	if loaded.SessionTTL() != 45*time.Minute {
		t.Errorf("session ttl = %v", loaded.SessionTTL())
	}
	if len(loaded.Feeds) != 1 || !loaded.Feeds[0].Protected() {
		t.Errorf("feeds = %+v", loaded.Feeds)
	}
	if len(loaded.Academic.Holidays) != 1 {
		t.Errorf("holidays = %+v", loaded.Academic.Holidays)
	}
}

func TestNormalizeFillsZeroValues(t *testing.T) {
	cfg := &Config{Timezone: "UTC"}
	cfg.Normalize()

	if cfg.Listen == "" || cfg.RefreshCron == "" {
		t.Errorf("normalize left blanks: %+v", cfg)
	}
	if cfg.Timezone != "UTC" {
		t.Errorf("normalize overwrote timezone: %q", cfg.Timezone)
	}
	if cfg.Scheduling.ProximityMinutes != 60 {
		t.Errorf("proximity = %d", cfg.Scheduling.ProximityMinutes)
	}
	if cfg.Scoring.Base != 100 {
		t.Errorf("scoring base = %d", cfg.Scoring.Base)
	}
}

func TestResolveTermEnd(t *testing.T) {
	ac := AcademicCalendarConfig{TermEndDate: "2026-12-18"}
	end, err := ac.ResolveTermEnd()
	if err != nil {
		t.Fatal(err)
	}
	if end.Format("2006-01-02") != "2026-12-18" {
		t.Errorf("term end = %v", end)
	}

	if _, err := (AcademicCalendarConfig{TermEndDate: "Dec 18"}).ResolveTermEnd(); err == nil {
		t.Error("malformed term end accepted")
	}

	end, err = (AcademicCalendarConfig{}).ResolveTermEnd()
	if err != nil || !end.IsZero() {
		t.Errorf("unset term end: %v, %v", end, err)
	}
}

func TestLocation(t *testing.T) {
	cfg := DefaultConfig()
	if _, err := cfg.Location(); err != nil {
		t.Fatal(err)
	}
	cfg.Timezone = "Nowhere/Fake"
	if _, err := cfg.Location(); err == nil {
		t.Error("invalid timezone accepted")
	}
}
