package materialize

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"smartcal/internal/model"
)

type fakeStore struct {
	events  map[string]model.EventRecord
	inserts int
	updates int
	deletes int

	// errs queues forced errors per operation, popped per call.
	errs map[string][]error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		events: make(map[string]model.EventRecord),
		errs:   make(map[string][]error),
	}
}

func (f *fakeStore) fail(op string, errs ...error) {
	f.errs[op] = append(f.errs[op], errs...)
}

func (f *fakeStore) popErr(op string) error {
	q := f.errs[op]
	if len(q) == 0 {
		return nil
	}
	f.errs[op] = q[1:]
	return q[0]
}

func (f *fakeStore) Get(_ context.Context, id string) (model.EventRecord, error) {
	if err := f.popErr("get"); err != nil {
		return model.EventRecord{}, err
	}
	rec, ok := f.events[id]
	if !ok {
		return model.EventRecord{}, &NotFoundError{ID: id}
	}
	return rec, nil
}

func (f *fakeStore) Insert(_ context.Context, rec model.EventRecord) error {
	if err := f.popErr("insert"); err != nil {
		return err
	}
	f.inserts++
	f.events[rec.ExternalID] = rec
	return nil
}

func (f *fakeStore) Update(_ context.Context, rec model.EventRecord) error {
	if err := f.popErr("update"); err != nil {
		return err
	}
	f.updates++
	f.events[rec.ExternalID] = rec
	return nil
}

func (f *fakeStore) Delete(_ context.Context, id string) error {
	if err := f.popErr("delete"); err != nil {
		return err
	}
	if _, ok := f.events[id]; !ok {
		return &NotFoundError{ID: id}
	}
	f.deletes++
	delete(f.events, id)
	return nil
}

func (f *fakeStore) List(_ context.Context, from, to time.Time) ([]model.EventRecord, error) {
	if err := f.popErr("list"); err != nil {
		return nil, err
	}
	var out []model.EventRecord
	for _, rec := range f.events {
		if !rec.Start.Before(from) && rec.Start.Before(to) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func newTestMaterializer(store *fakeStore) *Materializer {
	m := New(store)
	m.sleep = func(time.Duration) {}
	return m
}

func at(d, h int) time.Time {
	return time.Date(2026, 9, d, h, 0, 0, 0, time.UTC)
}

func TestDeterministicID(t *testing.T) {
	a := DeterministicID(model.SourceCanvas, "Assignment-123")
	b := DeterministicID(model.SourceCanvas, "Assignment-123")
	if a != b {
		t.Fatalf("ids differ for identical input: %s vs %s", a, b)
	}
	if a != "canvasassignment123" {
		t.Errorf("id = %q", a)
	}
	if a == DeterministicID(model.SourceCanvas, "Assignment-124") {
		t.Error("different native ids collide")
	}
	for _, r := range a {
		if !((r >= 'a' && r <= 'v') || (r >= '0' && r <= '9')) {
			t.Errorf("id contains %q outside the allowed alphabet", r)
		}
	}
}

func TestDeterministicIDShortFallsBackToDigest(t *testing.T) {
	id := DeterministicID(model.SourceICS, "!")
	if len(id) != 40 {
		t.Fatalf("fallback id %q is not a sha1 digest", id)
	}
	if id != DeterministicID(model.SourceICS, "!") {
		t.Error("digest fallback is not stable")
	}
}

func TestCreateOrUpdateIsIdempotent(t *testing.T) {
	store := newFakeStore()
	m := newTestMaterializer(store)

	rec := model.EventRecord{
		ExternalID: DeterministicID(model.SourceCanvas, "hw-1"),
		Title:      "[Canvas] Homework 1",
		Start:      at(7, 9),
		End:        at(7, 10),
		Source:     model.SourceCanvas,
		Protected:  true,
	}
	if err := m.CreateOrUpdate(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	if err := m.CreateOrUpdate(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	if len(store.events) != 1 {
		t.Fatalf("store has %d events, want 1", len(store.events))
	}
	if store.inserts != 1 || store.updates != 0 {
		t.Errorf("inserts=%d updates=%d, want one insert and no update for an unchanged record", store.inserts, store.updates)
	}

	rec.Title = "[Canvas] Homework 1 (moved)"
	if err := m.CreateOrUpdate(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	if len(store.events) != 1 || store.updates != 1 {
		t.Errorf("changed record: events=%d updates=%d, want update in place", len(store.events), store.updates)
	}
}

func TestProtectedSourceRefusesWrites(t *testing.T) {
	store := newFakeStore()
	m := newTestMaterializer(store)

	rec := model.EventRecord{
		ExternalID: "canvashw1",
		Title:      "[Canvas] Homework 1",
		Start:      at(7, 9),
		End:        at(7, 10),
		Source:     model.SourceCanvas,
		Protected:  true,
	}
	store.events[rec.ExternalID] = rec

	if err := m.Delete(context.Background(), rec.ExternalID); !errors.Is(err, ErrProtectedSource) {
		t.Fatalf("delete: got %v, want ErrProtectedSource", err)
	}
	title := "renamed"
	if _, err := m.Edit(context.Background(), rec.ExternalID, model.EventDelta{Title: &title}); !errors.Is(err, ErrProtectedSource) {
		t.Fatalf("edit: got %v, want ErrProtectedSource", err)
	}
	if _, ok := store.events[rec.ExternalID]; !ok {
		t.Error("protected event was removed")
	}
}

func TestEditFutureUpdatesSiblingsOnly(t *testing.T) {
	store := newFakeStore()
	m := newTestMaterializer(store)

	for i, d := range []int{7, 14, 21} {
		store.events[seriesID(i)] = model.EventRecord{
			ExternalID:     seriesID(i),
			Title:          "lecture",
			Start:          at(d, 9),
			End:            at(d, 10),
			Source:         model.SourceManual,
			SeriesParentID: "parent1",
		}
	}

	title := "lecture (room changed)"
	updated, err := m.EditFuture(context.Background(), seriesID(1), model.EventDelta{Title: &title})
	if err != nil {
		t.Fatal(err)
	}
	if len(updated) != 2 {
		t.Fatalf("updated %d events, want 2", len(updated))
	}
	if store.events[seriesID(0)].Title != "lecture" {
		t.Error("past occurrence was modified")
	}
	for _, i := range []int{1, 2} {
		if store.events[seriesID(i)].Title != title {
			t.Errorf("occurrence %d not updated", i)
		}
	}
}

func TestEditFutureReanchorsStartPerDay(t *testing.T) {
	store := newFakeStore()
	m := newTestMaterializer(store)

	for i, d := range []int{7, 14} {
		store.events[seriesID(i)] = model.EventRecord{
			ExternalID:     seriesID(i),
			Title:          "gym",
			Start:          at(d, 9),
			End:            at(d, 10),
			Source:         model.SourceSmartAdd,
			SeriesParentID: "parent2",
		}
	}

	wc := model.WallClock{Hour: 7, Minute: 30}
	if _, err := m.EditFuture(context.Background(), seriesID(0), model.EventDelta{StartClock: &wc}); err != nil {
		t.Fatal(err)
	}
	for i, d := range []int{7, 14} {
		got := store.events[seriesID(i)]
		if got.Start.Day() != d || got.Start.Hour() != 7 || got.Start.Minute() != 30 {
			t.Errorf("occurrence %d start = %v, want day %d at 07:30", i, got.Start, d)
		}
		if got.End.Sub(got.Start) != time.Hour {
			t.Errorf("occurrence %d duration changed: %v", i, got.End.Sub(got.Start))
		}
	}
}

func TestDeleteFutureRemovesTail(t *testing.T) {
	store := newFakeStore()
	m := newTestMaterializer(store)

	for i, d := range []int{7, 14, 21} {
		store.events[seriesID(i)] = model.EventRecord{
			ExternalID:     seriesID(i),
			Start:          at(d, 9),
			End:            at(d, 10),
			Source:         model.SourceManual,
			SeriesParentID: "parent3",
		}
	}

	deleted, err := m.DeleteFuture(context.Background(), seriesID(1))
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 2 {
		t.Fatalf("deleted %d, want 2", deleted)
	}
	if _, ok := store.events[seriesID(0)]; !ok {
		t.Error("past occurrence deleted")
	}
}

func TestTransientErrorsRetried(t *testing.T) {
	store := newFakeStore()
	m := newTestMaterializer(store)

	store.fail("insert",
		&TransientError{Err: errors.New("503")},
		&TransientError{Err: errors.New("timeout")},
	)
	rec := model.EventRecord{ExternalID: "abc123", Title: "x", Start: at(7, 9), End: at(7, 10), Source: model.SourceManual}
	if err := m.CreateOrUpdate(context.Background(), rec); err != nil {
		t.Fatalf("insert did not recover after transient failures: %v", err)
	}
	if store.inserts != 1 {
		t.Errorf("inserts = %d, want 1", store.inserts)
	}
}

func TestRetryBudgetExhausted(t *testing.T) {
	store := newFakeStore()
	m := newTestMaterializer(store)

	store.fail("insert",
		&TransientError{Err: errors.New("503")},
		&TransientError{Err: errors.New("503")},
		&TransientError{Err: errors.New("503")},
	)
	rec := model.EventRecord{ExternalID: "abc123", Title: "x", Start: at(7, 9), End: at(7, 10), Source: model.SourceManual}
	err := m.CreateOrUpdate(context.Background(), rec)
	if !errors.Is(err, ErrWriteFailed) {
		t.Fatalf("got %v, want ErrWriteFailed", err)
	}
}

func TestClientErrorsNotRetried(t *testing.T) {
	store := newFakeStore()
	m := newTestMaterializer(store)

	permanent := errors.New("400 bad request")
	store.fail("insert", permanent, permanent)
	rec := model.EventRecord{ExternalID: "abc123", Title: "x", Start: at(7, 9), End: at(7, 10), Source: model.SourceManual}
	err := m.CreateOrUpdate(context.Background(), rec)
	if !errors.Is(err, permanent) {
		t.Fatalf("got %v, want the permanent error unwrapped", err)
	}
	if errors.Is(err, ErrWriteFailed) {
		t.Error("permanent error was wrapped as a retry exhaustion")
	}
	// Only one attempt: the second queued error must still be pending.
	if len(store.errs["insert"]) != 1 {
		t.Errorf("insert was retried despite a non-transient error")
	}
}

func TestCreateAssignsLocalID(t *testing.T) {
	store := newFakeStore()
	m := newTestMaterializer(store)

	rec, err := m.Create(context.Background(), model.EventRecord{
		Title: "walk", Start: at(7, 9), End: at(7, 10), Source: model.SourceSmartAdd,
	})
	if err != nil {
		t.Fatal(err)
	}
	if rec.ExternalID == "" || strings.Contains(rec.ExternalID, "-") {
		t.Errorf("local id %q malformed", rec.ExternalID)
	}
	if _, ok := store.events[rec.ExternalID]; !ok {
		t.Error("created event not in store")
	}
}

func seriesID(i int) string {
	return []string{"ser001", "ser002", "ser003"}[i]
}
