package feed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"smartcal/internal/config"
	"smartcal/internal/log"
	"smartcal/internal/materialize"
	"smartcal/internal/model"
)

// Summary reports one ingestion run.
type Summary struct {
	Feeds    int
	Mirrored int
	Skipped  int
	Errors   []error
}

// Ingestor fetches feeds, parses their events and mirrors them into the
// calendar store under deterministic ids, so running it twice is a
// no-op for unchanged feeds.
type Ingestor struct {
	fetcher *Fetcher
	mat     *materialize.Materializer
	loc     *time.Location
}

func NewIngestor(fetcher *Fetcher, mat *materialize.Materializer, loc *time.Location) *Ingestor {
	return &Ingestor{fetcher: fetcher, mat: mat, loc: loc}
}

// Run ingests every configured feed. Per-feed failures are collected
// rather than aborting the run.
func (in *Ingestor) Run(ctx context.Context, feeds []config.FeedConfig) Summary {
	sum := Summary{Feeds: len(feeds)}
	for _, fc := range feeds {
		body, fromCache, err := in.fetcher.Fetch(ctx, fc)
		if err != nil {
			sum.Errors = append(sum.Errors, fmt.Errorf("feed %q: %w", fc.Name, err))
			log.Error("feed fetch failed", err, "feed", fc.Name)
			continue
		}
		records, skipped, err := parseFeed(fc, body, in.loc)
		if err != nil {
			sum.Errors = append(sum.Errors, fmt.Errorf("feed %q: %w", fc.Name, err))
			log.Error("feed parse failed", err, "feed", fc.Name)
			continue
		}
		sum.Skipped += skipped
		for _, rec := range records {
			if err := in.mat.CreateOrUpdate(ctx, rec); err != nil {
				sum.Errors = append(sum.Errors, fmt.Errorf("feed %q event %q: %w", fc.Name, rec.ExternalID, err))
				continue
			}
			sum.Mirrored++
		}
		log.Info("feed ingested", "feed", fc.Name, "events", len(records), "from_cache", fromCache)
	}
	return sum
}

// parseFeed turns an ICS payload into store records. Unparseable
// events are skipped, not fatal.
func parseFeed(fc config.FeedConfig, body []byte, loc *time.Location) ([]model.EventRecord, int, error) {
	if len(body) == 0 {
		return nil, 0, errors.New("empty feed body")
	}
	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("parsing calendar: %w", err)
	}

	tag := sourceTag(fc)
	var out []model.EventRecord
	skipped := 0
	for _, ve := range cal.Events() {
		rec, err := parseVEvent(fc, tag, ve, loc)
		if err != nil {
			skipped++
			log.Debug("skipping feed event", "feed", fc.Name, "err", err)
			continue
		}
		out = append(out, rec)
	}
	return out, skipped, nil
}

func parseVEvent(fc config.FeedConfig, tag model.SourceTag, ve *ical.VEvent, loc *time.Location) (model.EventRecord, error) {
	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || uidProp.Value == "" {
		return model.EventRecord{}, errors.New("missing UID")
	}

	summary := ""
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		summary = p.Value
	}
	description := ""
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		description = p.Value
	}
	location := ""
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		location = p.Value
	}

	allDay := isAllDay(ve)

	var start, end time.Time
	var err error
	if allDay {
		start, err = ve.GetAllDayStartAt()
		if err != nil {
			return model.EventRecord{}, fmt.Errorf("all-day start: %w", err)
		}
		start = time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc)
		end, err = ve.GetAllDayEndAt()
		if err != nil {
			end = start.AddDate(0, 0, 1)
		} else {
			end = time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, loc)
		}
	} else {
		start, err = ve.GetStartAt()
		if err != nil {
			return model.EventRecord{}, fmt.Errorf("start: %w", err)
		}
		start = start.In(loc)
		end, err = ve.GetEndAt()
		if err != nil {
			end = start.Add(time.Hour)
		} else {
			end = end.In(loc)
		}
	}
	if !end.After(start) {
		if allDay {
			end = start.AddDate(0, 0, 1)
		} else {
			end = start.Add(time.Hour)
		}
	}

	title := summary
	if fc.Name != "" {
		title = fmt.Sprintf("[%s] %s", fc.Name, summary)
	}

	return model.EventRecord{
		ExternalID:  materialize.DeterministicID(tag, uidProp.Value),
		Title:       title,
		Description: description,
		Location:    location,
		Start:       start,
		End:         end,
		AllDay:      allDay,
		Source:      tag,
		SourceName:  fc.Name,
		Protected:   fc.Protected(),
	}, nil
}

func isAllDay(ve *ical.VEvent) bool {
	p := ve.GetProperty(ical.ComponentPropertyDtStart)
	if p == nil {
		return false
	}
	if params := p.ICalParameters; params != nil {
		if vs, ok := params["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
			return true
		}
	}
	return !strings.Contains(p.Value, "T")
}

func sourceTag(fc config.FeedConfig) model.SourceTag {
	switch strings.ToLower(fc.Type) {
	case "canvas":
		return model.SourceCanvas
	case "outlook":
		return model.SourceOutlook
	default:
		return model.SourceICS
	}
}
