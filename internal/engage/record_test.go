package engage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

// memStore is an in-memory RecordStore with the same copy-out semantics as
// the SQL store: lookups return copies, Apply* mutates the stored rows.
type memStore struct {
	recipients map[string]*Recipient
	targets    map[string]*ClickTarget
	events     []*Event
}

func newMemStore() (*memStore, *Recipient, *ClickTarget) {
	emailID := uuid.New()
	rcpt := &Recipient{
		ID:        uuid.New(),
		EmailID:   emailID,
		Address:   "a@x.com",
		OpenToken: "open-tok",
	}
	target := &ClickTarget{
		LinkRecipient: &LinkRecipient{ID: uuid.New(), RecipientID: rcpt.ID, Token: "click-tok"},
		Link:          &Link{ID: uuid.New(), EmailID: emailID, URL: "https://shop.example.com/invoice/42", Position: 0},
		Recipient:     rcpt,
	}
	target.LinkRecipient.LinkID = target.Link.ID
	return &memStore{
		recipients: map[string]*Recipient{rcpt.OpenToken: rcpt},
		targets:    map[string]*ClickTarget{target.LinkRecipient.Token: target},
	}, rcpt, target
}

func (m *memStore) RecipientByOpenToken(_ context.Context, token string) (*Recipient, error) {
	r, ok := m.recipients[token]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (m *memStore) ClickTargetByToken(_ context.Context, token string) (*ClickTarget, error) {
	t, ok := m.targets[token]
	if !ok {
		return nil, nil
	}
	lr, l, r := *t.LinkRecipient, *t.Link, *t.Recipient
	return &ClickTarget{LinkRecipient: &lr, Link: &l, Recipient: &r}, nil
}

func (m *memStore) LatestOpenEvent(_ context.Context, recipientID uuid.UUID) (*Event, error) {
	for i := len(m.events) - 1; i >= 0; i-- {
		e := m.events[i]
		if e.EventType == EventOpen && e.RecipientID == recipientID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) LatestClickEvent(_ context.Context, linkRecipientID uuid.UUID) (*Event, error) {
	for i := len(m.events) - 1; i >= 0; i-- {
		e := m.events[i]
		if e.EventType == EventClick && e.LinkRecipientID != nil && *e.LinkRecipientID == linkRecipientID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) ApplyOpen(_ context.Context, evt *Event) error {
	m.events = append(m.events, evt)
	for _, r := range m.recipients {
		if r.ID == evt.RecipientID {
			r.OpenCount++
			at := evt.OccurredAt
			if r.FirstOpenedAt == nil {
				r.FirstOpenedAt = &at
			}
			r.LastOpenedAt = &at
		}
	}
	return nil
}

func (m *memStore) ApplyClick(_ context.Context, evt *Event) error {
	m.events = append(m.events, evt)
	for _, t := range m.targets {
		if evt.LinkRecipientID != nil && t.LinkRecipient.ID == *evt.LinkRecipientID {
			t.LinkRecipient.ClickCount++
			at := evt.OccurredAt
			if t.LinkRecipient.FirstClickedAt == nil {
				t.LinkRecipient.FirstClickedAt = &at
			}
			t.LinkRecipient.LastClickedAt = &at
		}
	}
	for _, r := range m.recipients {
		if r.ID == evt.RecipientID {
			r.ClickCount++
			at := evt.OccurredAt
			r.LastClickedAt = &at
		}
	}
	return nil
}

func newTestRecorder(store RecordStore, at time.Time) *Recorder {
	r := NewRecorder(store, 60*time.Second, 5*time.Second)
	r.now = func() time.Time { return at }
	return r
}

func TestRecordOpenUnknownToken(t *testing.T) {
	store, _, _ := newMemStore()
	rec := newTestRecorder(store, time.Now())

	rcpt, dup, err := rec.RecordOpen(context.Background(), "never-issued", uaChrome, "1.2.3.4")
	if err != nil {
		t.Fatal(err)
	}
	if rcpt != nil || dup {
		t.Errorf("got (%v,%v), want (nil,false)", rcpt, dup)
	}
	if len(store.events) != 0 {
		t.Errorf("no rows must be created for an unknown token, got %d", len(store.events))
	}
}

func TestRecordOpenFirst(t *testing.T) {
	store, _, _ := newMemStore()
	t0 := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	rec := newTestRecorder(store, t0)

	rcpt, dup, err := rec.RecordOpen(context.Background(), "open-tok", uaIPhone, "1.2.3.4")
	if err != nil {
		t.Fatal(err)
	}
	if rcpt == nil || dup {
		t.Fatalf("got (%v,%v), want recipient and dup=false", rcpt, dup)
	}
	if rcpt.OpenCount != 1 {
		t.Errorf("open count = %d, want 1", rcpt.OpenCount)
	}
	if rcpt.FirstOpenedAt == nil || !rcpt.FirstOpenedAt.Equal(t0) {
		t.Errorf("first opened at = %v, want %v", rcpt.FirstOpenedAt, t0)
	}
	if len(store.events) != 1 {
		t.Fatalf("got %d events, want 1", len(store.events))
	}
	evt := store.events[0]
	if evt.EventType != EventOpen || evt.DeviceType != DeviceMobile || evt.DeviceFamily == "" {
		t.Errorf("event not classified: %+v", evt)
	}
}

func TestRecordOpenDedupWithinWindow(t *testing.T) {
	store, fixture, _ := newMemStore()
	t0 := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	rec := newTestRecorder(store, t0)
	if _, _, err := rec.RecordOpen(context.Background(), "open-tok", uaIPhone, "1.2.3.4"); err != nil {
		t.Fatal(err)
	}

	rec.now = func() time.Time { return t0.Add(30 * time.Second) }
	rcpt, dup, err := rec.RecordOpen(context.Background(), "open-tok", uaIPhone, "1.2.3.4")
	if err != nil {
		t.Fatal(err)
	}
	if !dup {
		t.Fatal("second open within the window must be a duplicate")
	}
	if rcpt == nil {
		t.Fatal("duplicate opens must still return the recipient")
	}
	if len(store.events) != 1 {
		t.Errorf("got %d events, want 1", len(store.events))
	}
	if fixture.OpenCount != 1 {
		t.Errorf("open count = %d, want 1", fixture.OpenCount)
	}
}

func TestRecordOpenOutsideWindow(t *testing.T) {
	store, fixture, _ := newMemStore()
	t0 := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	rec := newTestRecorder(store, t0)
	rec.RecordOpen(context.Background(), "open-tok", uaIPhone, "1.2.3.4")

	rec.now = func() time.Time { return t0.Add(61 * time.Second) }
	_, dup, err := rec.RecordOpen(context.Background(), "open-tok", uaIPhone, "1.2.3.4")
	if err != nil {
		t.Fatal(err)
	}
	if dup {
		t.Fatal("open outside the window must be recorded")
	}
	if len(store.events) != 2 || fixture.OpenCount != 2 {
		t.Errorf("events = %d, open count = %d, want 2 and 2", len(store.events), fixture.OpenCount)
	}
}

func TestRecordOpenDifferentDeviceWithinWindow(t *testing.T) {
	store, fixture, _ := newMemStore()
	t0 := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	rec := newTestRecorder(store, t0)
	rec.RecordOpen(context.Background(), "open-tok", uaIPhone, "1.2.3.4")

	rec.now = func() time.Time { return t0.Add(10 * time.Second) }
	_, dup, err := rec.RecordOpen(context.Background(), "open-tok", uaChrome, "1.2.3.4")
	if err != nil {
		t.Fatal(err)
	}
	if dup {
		t.Fatal("a genuinely different device within the window is an independent open")
	}
	if fixture.OpenCount != 2 {
		t.Errorf("open count = %d, want 2", fixture.OpenCount)
	}
}

func TestRecordOpenSameFingerprintDifferentUA(t *testing.T) {
	store, fixture, _ := newMemStore()
	t0 := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	rec := newTestRecorder(store, t0)
	rec.RecordOpen(context.Background(), "open-tok", uaChrome, "1.2.3.4")

	// Chrome upgraded between fetches; raw strings differ but the derived
	// fingerprint is identical, so this is still the same client.
	rec.now = func() time.Time { return t0.Add(10 * time.Second) }
	_, dup, err := rec.RecordOpen(context.Background(), "open-tok", uaChrome2, "1.2.3.4")
	if err != nil {
		t.Fatal(err)
	}
	if !dup {
		t.Fatal("same derived fingerprint within the window must dedup")
	}
	if fixture.OpenCount != 1 {
		t.Errorf("open count = %d, want 1", fixture.OpenCount)
	}
}

func TestRecordClickUnknownToken(t *testing.T) {
	store, _, _ := newMemStore()
	rec := newTestRecorder(store, time.Now())

	result, dup, err := rec.RecordClick(context.Background(), "never-issued", uaChrome, "1.2.3.4")
	if err != nil {
		t.Fatal(err)
	}
	if result != nil || dup {
		t.Errorf("got (%v,%v), want (nil,false)", result, dup)
	}
	if len(store.events) != 0 {
		t.Error("no rows must be created for an unknown token")
	}
}

func TestRecordClickCountsBothLevels(t *testing.T) {
	store, rcpt, target := newMemStore()
	t0 := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	rec := newTestRecorder(store, t0)

	result, dup, err := rec.RecordClick(context.Background(), "click-tok", uaChrome, "1.2.3.4")
	if err != nil {
		t.Fatal(err)
	}
	if dup {
		t.Fatal("first click must be recorded")
	}
	if result.URL != "https://shop.example.com/invoice/42" {
		t.Errorf("url = %q", result.URL)
	}
	if target.LinkRecipient.ClickCount != 1 || rcpt.ClickCount != 1 {
		t.Errorf("counts = %d/%d, want 1/1", target.LinkRecipient.ClickCount, rcpt.ClickCount)
	}
	evt := store.events[0]
	if evt.LinkID == nil || evt.LinkRecipientID == nil || evt.EventType != EventClick {
		t.Errorf("click event incomplete: %+v", evt)
	}
}

func TestRecordClickDedupStillReturnsURL(t *testing.T) {
	store, rcpt, _ := newMemStore()
	t0 := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	rec := newTestRecorder(store, t0)
	rec.RecordClick(context.Background(), "click-tok", uaChrome, "1.2.3.4")

	rec.now = func() time.Time { return t0.Add(2 * time.Second) }
	result, dup, err := rec.RecordClick(context.Background(), "click-tok", uaChrome, "1.2.3.4")
	if err != nil {
		t.Fatal(err)
	}
	if !dup {
		t.Fatal("double-click within the window must dedup")
	}
	if result == nil || result.URL != "https://shop.example.com/invoice/42" {
		t.Fatalf("caller must still get the redirect URL, got %+v", result)
	}
	if len(store.events) != 1 || rcpt.ClickCount != 1 {
		t.Errorf("events = %d, clicks = %d, want 1 and 1", len(store.events), rcpt.ClickCount)
	}
}

func TestRecordClickDifferentUAWithinWindow(t *testing.T) {
	store, rcpt, _ := newMemStore()
	t0 := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	rec := newTestRecorder(store, t0)
	rec.RecordClick(context.Background(), "click-tok", uaChrome, "1.2.3.4")

	// Click dedup compares the raw user-agent only.
	rec.now = func() time.Time { return t0.Add(2 * time.Second) }
	_, dup, err := rec.RecordClick(context.Background(), "click-tok", uaChrome2, "1.2.3.4")
	if err != nil {
		t.Fatal(err)
	}
	if dup {
		t.Fatal("different raw user-agent must not dedup clicks")
	}
	if rcpt.ClickCount != 2 {
		t.Errorf("clicks = %d, want 2", rcpt.ClickCount)
	}
}

func TestRecordClickOutsideWindow(t *testing.T) {
	store, rcpt, _ := newMemStore()
	t0 := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	rec := newTestRecorder(store, t0)
	rec.RecordClick(context.Background(), "click-tok", uaChrome, "1.2.3.4")

	rec.now = func() time.Time { return t0.Add(6 * time.Second) }
	_, dup, err := rec.RecordClick(context.Background(), "click-tok", uaChrome, "1.2.3.4")
	if err != nil {
		t.Fatal(err)
	}
	if dup {
		t.Fatal("click outside the window must be recorded")
	}
	if rcpt.ClickCount != 2 {
		t.Errorf("clicks = %d, want 2", rcpt.ClickCount)
	}
}

type countingLock struct {
	acquired int
	released int
}

func (c *countingLock) TryLock(context.Context) (bool, error) { c.acquired++; return true, nil }
func (c *countingLock) Unlock(context.Context) error          { c.released++; return nil }

func TestRecorderUsesTokenLock(t *testing.T) {
	store, _, _ := newMemStore()
	rec := newTestRecorder(store, time.Now())

	lock := &countingLock{}
	var lockedKey string
	rec.SetLockFactory(func(token string) TokenLock {
		lockedKey = token
		return lock
	})

	if _, _, err := rec.RecordOpen(context.Background(), "open-tok", uaChrome, "1.2.3.4"); err != nil {
		t.Fatal(err)
	}
	if lockedKey != "open-tok" {
		t.Errorf("lock key = %q, want open-tok", lockedKey)
	}
	if lock.acquired != 1 || lock.released != 1 {
		t.Errorf("acquired/released = %d/%d, want 1/1", lock.acquired, lock.released)
	}

	// Unknown tokens never touch the lock.
	rec.RecordOpen(context.Background(), "never-issued", uaChrome, "1.2.3.4")
	if lock.acquired != 1 {
		t.Errorf("unknown token acquired the lock")
	}
}
