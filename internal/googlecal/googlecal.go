// Package googlecal backs the materializer's Store with a Google
// Calendar. Series membership, source tagging and protection flags ride
// along in private extended properties so the calendar itself stays the
// single source of truth.
package googlecal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"smartcal/internal/config"
	"smartcal/internal/log"
	"smartcal/internal/materialize"
	"smartcal/internal/model"
)

const (
	propSeriesParent = "smartcalSeriesParent"
	propSource       = "smartcalSource"
	propSourceName   = "smartcalSourceName"
	propProtected    = "smartcalProtected"
)

// Client talks to one Google calendar. It implements materialize.Store.
type Client struct {
	service    *calendar.Service
	calendarID string
	loc        *time.Location
}

// New builds an authenticated client from a stored OAuth token. There
// is no interactive consent flow here; the token file must already
// exist.
func New(ctx context.Context, cfg config.GoogleConfig, loc *time.Location) (*Client, error) {
	b, err := os.ReadFile(cfg.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("reading credentials file: %w", err)
	}
	oauthCfg, err := google.ConfigFromJSON(b, calendar.CalendarScope)
	if err != nil {
		return nil, fmt.Errorf("parsing credentials file: %w", err)
	}
	token, err := tokenFromFile(cfg.TokenFile)
	if err != nil {
		return nil, fmt.Errorf("loading token from %s: %w", cfg.TokenFile, err)
	}
	service, err := calendar.NewService(ctx, option.WithHTTPClient(oauthCfg.Client(ctx, token)))
	if err != nil {
		return nil, fmt.Errorf("creating calendar service: %w", err)
	}
	return &Client{service: service, calendarID: cfg.CalendarID, loc: loc}, nil
}

func tokenFromFile(path string) (*oauth2.Token, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	return tok, json.NewDecoder(f).Decode(tok)
}

func (c *Client) Get(ctx context.Context, id string) (model.EventRecord, error) {
	ev, err := c.service.Events.Get(c.calendarID, id).Context(ctx).Do()
	if err != nil {
		return model.EventRecord{}, wrapErr(id, err)
	}
	if ev.Status == "cancelled" {
		return model.EventRecord{}, &materialize.NotFoundError{ID: id}
	}
	return c.toRecord(ev)
}

func (c *Client) Insert(ctx context.Context, rec model.EventRecord) error {
	ev := c.toAPI(rec)
	_, err := c.service.Events.Insert(c.calendarID, ev).Context(ctx).Do()
	if isStatus(err, 409) {
		// The id already exists (e.g. a previously deleted event).
		// Fall back to an update, matching the upsert intent.
		log.Debug("insert conflicted, updating instead", "id", rec.ExternalID)
		return c.Update(ctx, rec)
	}
	if err != nil {
		return wrapErr(rec.ExternalID, err)
	}
	return nil
}

func (c *Client) Update(ctx context.Context, rec model.EventRecord) error {
	ev := c.toAPI(rec)
	if _, err := c.service.Events.Update(c.calendarID, rec.ExternalID, ev).Context(ctx).Do(); err != nil {
		return wrapErr(rec.ExternalID, err)
	}
	return nil
}

func (c *Client) Delete(ctx context.Context, id string) error {
	err := c.service.Events.Delete(c.calendarID, id).Context(ctx).Do()
	if isStatus(err, 410) {
		return &materialize.NotFoundError{ID: id}
	}
	if err != nil {
		return wrapErr(id, err)
	}
	return nil
}

func (c *Client) List(ctx context.Context, from, to time.Time) ([]model.EventRecord, error) {
	var out []model.EventRecord
	pageToken := ""
	for {
		call := c.service.Events.List(c.calendarID).
			ShowDeleted(false).
			SingleEvents(true).
			TimeMin(from.Format(time.RFC3339)).
			TimeMax(to.Format(time.RFC3339)).
			OrderBy("startTime").
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return nil, wrapErr("", err)
		}
		for _, item := range resp.Items {
			if item.Status == "cancelled" {
				continue
			}
			rec, err := c.toRecord(item)
			if err != nil {
				log.Warn("skipping unparseable event", "id", item.Id, "err", err)
				continue
			}
			out = append(out, rec)
		}
		if resp.NextPageToken == "" {
			return out, nil
		}
		pageToken = resp.NextPageToken
	}
}

func (c *Client) toAPI(rec model.EventRecord) *calendar.Event {
	ev := &calendar.Event{
		Id:          rec.ExternalID,
		Summary:     rec.Title,
		Description: rec.Description,
		Location:    rec.Location,
	}
	if rec.AllDay {
		ev.Start = &calendar.EventDateTime{Date: rec.Start.Format("2006-01-02")}
		ev.End = &calendar.EventDateTime{Date: rec.End.Format("2006-01-02")}
	} else {
		ev.Start = &calendar.EventDateTime{DateTime: rec.Start.Format(time.RFC3339), TimeZone: c.loc.String()}
		ev.End = &calendar.EventDateTime{DateTime: rec.End.Format(time.RFC3339), TimeZone: c.loc.String()}
	}
	private := map[string]string{propSource: string(rec.Source)}
	if rec.SourceName != "" {
		private[propSourceName] = rec.SourceName
	}
	if rec.SeriesParentID != "" {
		private[propSeriesParent] = rec.SeriesParentID
	}
	if rec.Protected {
		private[propProtected] = "true"
	}
	ev.ExtendedProperties = &calendar.EventExtendedProperties{Private: private}
	return ev
}

func (c *Client) toRecord(ev *calendar.Event) (model.EventRecord, error) {
	rec := model.EventRecord{
		ExternalID:  ev.Id,
		Title:       ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		Source:      model.SourceGoogle,
	}
	if ev.ExtendedProperties != nil && ev.ExtendedProperties.Private != nil {
		p := ev.ExtendedProperties.Private
		if v := p[propSource]; v != "" {
			rec.Source = model.SourceTag(v)
		}
		rec.SourceName = p[propSourceName]
		rec.SeriesParentID = p[propSeriesParent]
		rec.Protected = p[propProtected] == "true"
	}
	if ev.Start == nil || ev.End == nil {
		return model.EventRecord{}, fmt.Errorf("event %q has no start or end", ev.Id)
	}
	var err error
	if ev.Start.Date != "" {
		rec.AllDay = true
		rec.Start, err = time.ParseInLocation("2006-01-02", ev.Start.Date, c.loc)
		if err != nil {
			return model.EventRecord{}, fmt.Errorf("event %q start date: %w", ev.Id, err)
		}
		rec.End, err = time.ParseInLocation("2006-01-02", ev.End.Date, c.loc)
		if err != nil {
			return model.EventRecord{}, fmt.Errorf("event %q end date: %w", ev.Id, err)
		}
		return rec, nil
	}
	rec.Start, err = time.Parse(time.RFC3339, ev.Start.DateTime)
	if err != nil {
		return model.EventRecord{}, fmt.Errorf("event %q start time: %w", ev.Id, err)
	}
	rec.End, err = time.Parse(time.RFC3339, ev.End.DateTime)
	if err != nil {
		return model.EventRecord{}, fmt.Errorf("event %q end time: %w", ev.Id, err)
	}
	rec.Start = rec.Start.In(c.loc)
	rec.End = rec.End.In(c.loc)
	return rec, nil
}

// wrapErr maps API failures onto the materializer's error vocabulary:
// 404 means safe-to-insert, server errors and timeouts are transient,
// everything else passes through.
func wrapErr(id string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 404:
			return &materialize.NotFoundError{ID: id}
		case apiErr.Code == 429 || apiErr.Code >= 500:
			return &materialize.TransientError{Err: err}
		default:
			return err
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &materialize.TransientError{Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &materialize.TransientError{Err: err}
	}
	return err
}

func isStatus(err error, code int) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == code
}
