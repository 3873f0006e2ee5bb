package session

import (
	"errors"
	"testing"
	"time"

	"smartcal/internal/model"
)

func newClock(start time.Time) (*time.Time, func() time.Time) {
	now := start
	return &now, func() time.Time { return now }
}

func testRequest() model.SlotRequest {
	return model.SlotRequest{Title: "walk", DurationMinutes: 30, Count: 1}
}

func TestConsumeOnce(t *testing.T) {
	_, clock := newClock(time.Date(2026, 9, 7, 12, 0, 0, 0, time.UTC))
	store := NewStore(30*time.Minute, clock)

	sess := store.Create(testRequest(), []model.CandidateSlot{{Score: 120}}, false)
	if sess.ID == "" {
		t.Fatal("empty session id")
	}

	got, err := store.Consume(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Request.Title != "walk" || len(got.Proposals) != 1 {
		t.Errorf("consumed session = %+v", got)
	}

	if _, err := store.Consume(sess.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second consume: got %v, want ErrNotFound", err)
	}
}

func TestConsumeUnknown(t *testing.T) {
	store := NewStore(30*time.Minute, nil)
	if _, err := store.Consume("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestExpiry(t *testing.T) {
	now, clock := newClock(time.Date(2026, 9, 7, 12, 0, 0, 0, time.UTC))
	store := NewStore(30*time.Minute, clock)

	sess := store.Create(testRequest(), nil, false)

	*now = now.Add(31 * time.Minute)
	if _, err := store.Consume(sess.ID); !errors.Is(err, ErrExpired) {
		t.Fatalf("got %v, want ErrExpired", err)
	}
	// The expired session is gone, not retryable.
	if _, err := store.Consume(sess.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("after expiry: got %v, want ErrNotFound", err)
	}
}

func TestConsumeJustBeforeExpiry(t *testing.T) {
	now, clock := newClock(time.Date(2026, 9, 7, 12, 0, 0, 0, time.UTC))
	store := NewStore(30*time.Minute, clock)

	sess := store.Create(testRequest(), nil, false)
	*now = now.Add(30 * time.Minute)
	if _, err := store.Consume(sess.ID); err != nil {
		t.Fatalf("consume at the TTL boundary: %v", err)
	}
}

func TestSweep(t *testing.T) {
	now, clock := newClock(time.Date(2026, 9, 7, 12, 0, 0, 0, time.UTC))
	store := NewStore(30*time.Minute, clock)

	old := store.Create(testRequest(), nil, false)
	*now = now.Add(31 * time.Minute)
	fresh := store.Create(testRequest(), nil, false)

	if removed := store.Sweep(); removed != 1 {
		t.Fatalf("swept %d sessions, want 1", removed)
	}
	if store.Len() != 1 {
		t.Fatalf("store has %d sessions, want 1", store.Len())
	}
	if _, err := store.Consume(old.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("old session still consumable: %v", err)
	}
	if _, err := store.Consume(fresh.ID); err != nil {
		t.Errorf("fresh session: %v", err)
	}
}
