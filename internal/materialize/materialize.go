// Package materialize is the single write path to the calendar store.
// Every write is check-before-write keyed on a stable external id, so
// repeating an ingestion or a confirmation updates in place instead of
// duplicating.
package materialize

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"smartcal/internal/log"
	"smartcal/internal/model"
	"smartcal/internal/recur"
)

var (
	// ErrProtectedSource is returned for edits or deletes of events
	// mirrored from read-only feeds (Canvas, Outlook).
	ErrProtectedSource = errors.New("event belongs to a protected source")

	// ErrWriteFailed wraps a store failure that survived the retry
	// budget.
	ErrWriteFailed = errors.New("external calendar write failed")
)

// NotFoundError is returned by Store implementations when no event has
// the given id. The materializer treats it as safe-to-insert.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("event %q not found", e.ID)
}

// IsNotFound reports whether err means the event does not exist.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// TransientError marks a store failure worth retrying: timeouts and
// server-side errors. Client errors are never wrapped in it.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Store is the external calendar the materializer writes to. Get and
// Delete return *NotFoundError for unknown ids.
type Store interface {
	Get(ctx context.Context, id string) (model.EventRecord, error)
	Insert(ctx context.Context, rec model.EventRecord) error
	Update(ctx context.Context, rec model.EventRecord) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, from, to time.Time) ([]model.EventRecord, error)
}

const (
	defaultAttempts = 3
	defaultBackoff  = 500 * time.Millisecond

	// Store ids use the base32hex alphabet with length limits.
	minIDLen = 5
	maxIDLen = 1024
)

// DeterministicID derives a stable store id from an ingested event's
// source and native id. The same input always yields the same id, which
// is what makes re-ingestion idempotent. Output is restricted to the
// id alphabet ([a-v0-9]); inputs that survive filtering too short fall
// back to a sha1 digest.
func DeterministicID(source model.SourceTag, nativeID string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(string(source) + nativeID) {
		if (r >= 'a' && r <= 'v') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	id := b.String()
	if len(id) < minIDLen {
		sum := sha1.Sum([]byte(string(source) + ":" + nativeID))
		id = hex.EncodeToString(sum[:])
	}
	if len(id) > maxIDLen {
		id = id[:maxIDLen]
	}
	return id
}

// NewLocalID returns a fresh id for manually created events.
func NewLocalID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Materializer performs idempotent writes against a Store with a
// bounded retry policy for transient failures.
type Materializer struct {
	store    Store
	attempts int
	backoff  time.Duration
	sleep    func(time.Duration)
}

func New(store Store) *Materializer {
	return &Materializer{
		store:    store,
		attempts: defaultAttempts,
		backoff:  defaultBackoff,
		sleep:    time.Sleep,
	}
}

// CreateOrUpdate upserts a record under its ExternalID. Used by feed
// ingestion, which owns the protected records it mirrors, so no
// protection check happens here.
func (m *Materializer) CreateOrUpdate(ctx context.Context, rec model.EventRecord) error {
	if rec.ExternalID == "" {
		return errors.New("record has no external id")
	}
	var existing model.EventRecord
	err := m.withRetry(ctx, "get", func() error {
		var e error
		existing, e = m.store.Get(ctx, rec.ExternalID)
		return e
	})
	switch {
	case err == nil:
		if eventEqual(existing, rec) {
			return nil
		}
		return m.withRetry(ctx, "update", func() error { return m.store.Update(ctx, rec) })
	case IsNotFound(err):
		return m.withRetry(ctx, "insert", func() error { return m.store.Insert(ctx, rec) })
	default:
		return err
	}
}

// Create materializes a single confirmed slot. A fresh id is assigned
// when the record has none.
func (m *Materializer) Create(ctx context.Context, rec model.EventRecord) (model.EventRecord, error) {
	if rec.ExternalID == "" {
		rec.ExternalID = NewLocalID()
	}
	if err := m.CreateOrUpdate(ctx, rec); err != nil {
		return model.EventRecord{}, err
	}
	return rec, nil
}

// CreateSeries materializes a recurring series from a template and its
// expanded occurrences. All members share a SeriesParentID so that
// future edits can find their siblings.
func (m *Materializer) CreateSeries(ctx context.Context, template model.EventRecord, occurrences []recur.Occurrence) ([]model.EventRecord, error) {
	parent := NewLocalID()
	out := make([]model.EventRecord, 0, len(occurrences))
	for _, occ := range occurrences {
		rec := template
		rec.ExternalID = fmt.Sprintf("%s%03d", parent, occ.Index)
		rec.SeriesParentID = parent
		rec.Start = occ.Start
		rec.End = occ.End
		if err := m.CreateOrUpdate(ctx, rec); err != nil {
			return out, fmt.Errorf("series occurrence %d: %w", occ.Index, err)
		}
		out = append(out, rec)
	}
	log.Info("materialized series", "parent", parent, "occurrences", len(out))
	return out, nil
}

// Edit applies a delta to one event.
func (m *Materializer) Edit(ctx context.Context, id string, delta model.EventDelta) (model.EventRecord, error) {
	rec, err := m.fetchWritable(ctx, id)
	if err != nil {
		return model.EventRecord{}, err
	}
	rec = applyDelta(rec, delta)
	if err := m.withRetry(ctx, "update", func() error { return m.store.Update(ctx, rec) }); err != nil {
		return model.EventRecord{}, err
	}
	return rec, nil
}

// EditFuture applies a delta to the event and every series sibling
// starting at or after it. Events outside a series degrade to a single
// edit.
func (m *Materializer) EditFuture(ctx context.Context, id string, delta model.EventDelta) ([]model.EventRecord, error) {
	target, err := m.fetchWritable(ctx, id)
	if err != nil {
		return nil, err
	}
	if target.SeriesParentID == "" {
		rec, err := m.Edit(ctx, id, delta)
		if err != nil {
			return nil, err
		}
		return []model.EventRecord{rec}, nil
	}

	siblings, err := m.futureSiblings(ctx, target)
	if err != nil {
		return nil, err
	}
	out := make([]model.EventRecord, 0, len(siblings))
	for _, sib := range siblings {
		updated := applyDelta(sib, delta)
		if err := m.withRetry(ctx, "update", func() error { return m.store.Update(ctx, updated) }); err != nil {
			return out, err
		}
		out = append(out, updated)
	}
	return out, nil
}

// Delete removes one event. Protected sources refuse.
func (m *Materializer) Delete(ctx context.Context, id string) error {
	if _, err := m.fetchWritable(ctx, id); err != nil {
		return err
	}
	return m.withRetry(ctx, "delete", func() error { return m.store.Delete(ctx, id) })
}

// DeleteFuture removes the event and every series sibling starting at
// or after it.
func (m *Materializer) DeleteFuture(ctx context.Context, id string) (int, error) {
	target, err := m.fetchWritable(ctx, id)
	if err != nil {
		return 0, err
	}
	if target.SeriesParentID == "" {
		return 1, m.withRetry(ctx, "delete", func() error { return m.store.Delete(ctx, id) })
	}
	siblings, err := m.futureSiblings(ctx, target)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, sib := range siblings {
		if err := m.withRetry(ctx, "delete", func() error { return m.store.Delete(ctx, sib.ExternalID) }); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

func (m *Materializer) fetchWritable(ctx context.Context, id string) (model.EventRecord, error) {
	var rec model.EventRecord
	err := m.withRetry(ctx, "get", func() error {
		var e error
		rec, e = m.store.Get(ctx, id)
		return e
	})
	if err != nil {
		return model.EventRecord{}, err
	}
	if rec.Protected {
		return model.EventRecord{}, fmt.Errorf("%w: %s event %q", ErrProtectedSource, rec.Source, id)
	}
	return rec, nil
}

// futureSiblings lists series members with Start at or after the
// target's, the target included.
func (m *Materializer) futureSiblings(ctx context.Context, target model.EventRecord) ([]model.EventRecord, error) {
	horizon := target.Start.AddDate(2, 0, 0)
	var all []model.EventRecord
	err := m.withRetry(ctx, "list", func() error {
		var e error
		all, e = m.store.List(ctx, target.Start, horizon)
		return e
	})
	if err != nil {
		return nil, err
	}
	var out []model.EventRecord
	for _, rec := range all {
		if rec.SeriesParentID == target.SeriesParentID && !rec.Start.Before(target.Start) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *Materializer) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= m.attempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		var transient *TransientError
		if !errors.As(err, &transient) {
			return err
		}
		if attempt == m.attempts {
			break
		}
		wait := m.backoff * time.Duration(attempt)
		log.Warn("store call failed, retrying", "op", op, "attempt", attempt, "wait", wait, "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		m.sleep(wait)
	}
	return fmt.Errorf("%w: %s after %d attempts: %v", ErrWriteFailed, op, m.attempts, err)
}

// applyDelta copies non-nil delta fields onto the record. StartClock
// and DurationMinutes re-anchor the event on its own date in its own
// zone, which keeps a series edit correct across a DST boundary.
func applyDelta(rec model.EventRecord, delta model.EventDelta) model.EventRecord {
	if delta.Title != nil {
		rec.Title = *delta.Title
	}
	if delta.Description != nil {
		rec.Description = *delta.Description
	}
	if delta.Location != nil {
		rec.Location = *delta.Location
	}
	duration := rec.End.Sub(rec.Start)
	if delta.DurationMinutes != nil {
		duration = time.Duration(*delta.DurationMinutes) * time.Minute
	}
	if delta.StartClock != nil {
		c := *delta.StartClock
		rec.Start = time.Date(
			rec.Start.Year(), rec.Start.Month(), rec.Start.Day(),
			c.Hour, c.Minute, 0, 0, rec.Start.Location(),
		)
	}
	rec.End = rec.Start.Add(duration)
	return rec
}

func eventEqual(a, b model.EventRecord) bool {
	return a.Title == b.Title &&
		a.Description == b.Description &&
		a.Location == b.Location &&
		a.AllDay == b.AllDay &&
		a.Start.Equal(b.Start) &&
		a.End.Equal(b.End) &&
		a.SeriesParentID == b.SeriesParentID
}
