package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// FeedConfig describes a single ICS subscription source to ingest.
type FeedConfig struct {
	// URL is the ICS subscription endpoint.
	URL string `yaml:"url" json:"url"`
	// Name is a human-friendly label, also used as the source tag prefix.
	Name string `yaml:"name" json:"name"`
	// Type is one of "canvas", "outlook", "ics". Canvas and Outlook
	// sources are protected: their mirrored events cannot be deleted here.
	Type string `yaml:"type" json:"type"`
}

// Protected reports whether events mirrored from this feed are read-only.
func (f FeedConfig) Protected() bool {
	return f.Type == "canvas" || f.Type == "outlook"
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// GoogleConfig locates Google Calendar credentials and the target calendar.
type GoogleConfig struct {
	CalendarID      string `yaml:"calendar_id" json:"calendar_id"`
	CredentialsFile string `yaml:"credentials_file" json:"credentials_file"`
	TokenFile       string `yaml:"token_file" json:"token_file"`
}

// HourWindow is a [Start, End) envelope in whole hours of the day.
type HourWindow struct {
	StartHour int `yaml:"start_hour" json:"start_hour"`
	EndHour   int `yaml:"end_hour" json:"end_hour"`
}

// SchedulingConfig carries the free-slot search policy knobs.
type SchedulingConfig struct {
	// BufferMinutes widens every busy interval on both sides before
	// conflict checks.
	BufferMinutes int `yaml:"buffer_minutes" json:"buffer_minutes"`
	// RoundToMinutes aligns candidate starts (spec: 15).
	RoundToMinutes int `yaml:"round_to_minutes" json:"round_to_minutes"`
	// ProximityMinutes is the minimum gap between two candidates emitted
	// for the same request.
	ProximityMinutes int `yaml:"proximity_minutes" json:"proximity_minutes"`
	// MinChunkMinutes is the smallest chunk a split proposal may use.
	MinChunkMinutes int `yaml:"min_chunk_minutes" json:"min_chunk_minutes"`
	// ChunkGapMinutes is the minimum separation between two split chunks.
	ChunkGapMinutes int `yaml:"chunk_gap_minutes" json:"chunk_gap_minutes"`

	Morning   HourWindow `yaml:"morning" json:"morning"`
	Afternoon HourWindow `yaml:"afternoon" json:"afternoon"`
	Evening   HourWindow `yaml:"evening" json:"evening"`
	// Working is the full-day envelope used when no preference is given.
	Working HourWindow `yaml:"working" json:"working"`
}

// ScoringWeights are the slot scorer's policy constants. They encode
// preference, not algorithmic necessity, so they live in config.
type ScoringWeights struct {
	Base             int `yaml:"base" json:"base"`
	PreferenceHit    int `yaml:"preference_hit" json:"preference_hit"`
	WorkingHoursHit  int `yaml:"working_hours_hit" json:"working_hours_hit"`
	LunchPenalty     int `yaml:"lunch_penalty" json:"lunch_penalty"`
	DinnerPenalty    int `yaml:"dinner_penalty" json:"dinner_penalty"`
	LateStartPenalty int `yaml:"late_start_penalty" json:"late_start_penalty"`
	WeekdayBonus     int `yaml:"weekday_bonus" json:"weekday_bonus"`
	WeekendPenalty   int `yaml:"weekend_penalty" json:"weekend_penalty"`
}

// HolidayConfig is a named inclusive date range, usable as a one-click
// recurrence exception.
type HolidayConfig struct {
	Name  string `yaml:"name" json:"name"`
	Start string `yaml:"start" json:"start"`
	End   string `yaml:"end,omitempty" json:"end,omitempty"`
}

// AcademicCalendarConfig supplies term presets for recurrence rules.
type AcademicCalendarConfig struct {
	TermName      string          `yaml:"term_name,omitempty" json:"term_name,omitempty"`
	TermStartDate string          `yaml:"term_start_date,omitempty" json:"term_start_date,omitempty"`
	TermEndDate   string          `yaml:"term_end_date,omitempty" json:"term_end_date,omitempty"`
	Holidays      []HolidayConfig `yaml:"holidays" json:"holidays"`
}

// ResolveTermEnd parses the configured term end date. A zero time with a
// nil error means no preset is configured.
func (a AcademicCalendarConfig) ResolveTermEnd() (time.Time, error) {
	if a.TermEndDate == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse("2006-01-02", a.TermEndDate)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid term_end_date %q: %w", a.TermEndDate, err)
	}
	return t, nil
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA reference timezone (e.g. "America/New_York").
	// All interval math runs in this zone.
	Timezone string `yaml:"timezone" json:"timezone"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// RefreshCron is a cron-style schedule (e.g. "*/15 * * * *") for
	// periodic feed ingestion in serve mode.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// SessionTTLMinutes bounds how long a pending proposal may be
	// confirmed before it expires against a stale calendar snapshot.
	SessionTTLMinutes int `yaml:"session_ttl_minutes" json:"session_ttl_minutes"`

	Feeds []FeedConfig `yaml:"feeds" json:"feeds"`

	Google GoogleConfig `yaml:"google" json:"google"`

	Scheduling SchedulingConfig `yaml:"scheduling" json:"scheduling"`

	Scoring ScoringWeights `yaml:"scoring" json:"scoring"`

	Academic AcademicCalendarConfig `yaml:"academic_calendar" json:"academic_calendar"`

	// BasicAuth, if non-nil, protects every endpoint except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:            "127.0.0.1:8080",
		Timezone:          "America/New_York",
		LogLevel:          "info",
		RefreshCron:       "*/30 * * * *",
		SessionTTLMinutes: 30,
		Feeds:             []FeedConfig{},
		Google: GoogleConfig{
			CalendarID:      "primary",
			CredentialsFile: "credentials.json",
			TokenFile:       "token.json",
		},
		Scheduling: SchedulingConfig{
			BufferMinutes:    15,
			RoundToMinutes:   15,
			ProximityMinutes: 60,
			MinChunkMinutes:  30,
			ChunkGapMinutes:  60,
			Morning:          HourWindow{StartHour: 8, EndHour: 12},
			Afternoon:        HourWindow{StartHour: 12, EndHour: 17},
			Evening:          HourWindow{StartHour: 17, EndHour: 20},
			Working:          HourWindow{StartHour: 8, EndHour: 20},
		},
		Scoring: ScoringWeights{
			Base:             100,
			PreferenceHit:    30,
			WorkingHoursHit:  20,
			LunchPenalty:     15,
			DinnerPenalty:    15,
			LateStartPenalty: 10,
			WeekdayBonus:     5,
			WeekendPenalty:   5,
		},
		Academic:  AcademicCalendarConfig{Holidays: []HolidayConfig{}},
		BasicAuth: nil,
	}
}

// Normalize fills in missing/zero values with defaults so partially
// filled configs still behave correctly.
func (c *Config) Normalize() {
	def := DefaultConfig()

	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.Timezone == "" {
		c.Timezone = def.Timezone
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.RefreshCron == "" {
		c.RefreshCron = def.RefreshCron
	}
	if c.SessionTTLMinutes <= 0 {
		c.SessionTTLMinutes = def.SessionTTLMinutes
	}
	if c.Feeds == nil {
		c.Feeds = []FeedConfig{}
	}
	if c.Google.CalendarID == "" {
		c.Google.CalendarID = def.Google.CalendarID
	}
	if c.Google.CredentialsFile == "" {
		c.Google.CredentialsFile = def.Google.CredentialsFile
	}
	if c.Google.TokenFile == "" {
		c.Google.TokenFile = def.Google.TokenFile
	}

	s := &c.Scheduling
	ds := def.Scheduling
	if s.BufferMinutes <= 0 {
		s.BufferMinutes = ds.BufferMinutes
	}
	if s.RoundToMinutes <= 0 {
		s.RoundToMinutes = ds.RoundToMinutes
	}
	if s.ProximityMinutes <= 0 {
		s.ProximityMinutes = ds.ProximityMinutes
	}
	if s.MinChunkMinutes <= 0 {
		s.MinChunkMinutes = ds.MinChunkMinutes
	}
	if s.ChunkGapMinutes <= 0 {
		s.ChunkGapMinutes = ds.ChunkGapMinutes
	}
	if s.Morning == (HourWindow{}) {
		s.Morning = ds.Morning
	}
	if s.Afternoon == (HourWindow{}) {
		s.Afternoon = ds.Afternoon
	}
	if s.Evening == (HourWindow{}) {
		s.Evening = ds.Evening
	}
	if s.Working == (HourWindow{}) {
		s.Working = ds.Working
	}

	// A fully zero scoring block means "use defaults". Individual zero
	// weights in an otherwise populated block are respected as-is.
	if c.Scoring == (ScoringWeights{}) {
		c.Scoring = def.Scoring
	}

	if c.Academic.Holidays == nil {
		c.Academic.Holidays = []HolidayConfig{}
	}
}

// SessionTTL returns the configured proposal-session lifetime.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLMinutes) * time.Minute
}

// Location resolves the configured reference timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist, a default config is written there
//     (0600, parent dirs created) and returned.
//   - If the file exists, it is unmarshaled and normalized.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the configuration atomically (temp file + rename) with
// 0600 permissions, creating the parent directory if needed.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".smartcal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save is a convenience method delegating to the package-level Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
