package engage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/invoiceflow/mailtrack/internal/pkg/logger"
)

// Default dedup windows. Mail clients re-fetch preview images repeatedly,
// so the open window is materially longer than the click window; a human
// rarely double-clicks the same link within a couple of seconds.
const (
	DefaultOpenDedupWindow  = 60 * time.Second
	DefaultClickDedupWindow = 5 * time.Second
)

// RecordStore is the persistence surface the recorder needs.
type RecordStore interface {
	RecipientByOpenToken(ctx context.Context, token string) (*Recipient, error)
	ClickTargetByToken(ctx context.Context, token string) (*ClickTarget, error)
	LatestOpenEvent(ctx context.Context, recipientID uuid.UUID) (*Event, error)
	LatestClickEvent(ctx context.Context, linkRecipientID uuid.UUID) (*Event, error)
	ApplyOpen(ctx context.Context, evt *Event) error
	ApplyClick(ctx context.Context, evt *Event) error
}

// TokenLock serializes the read-then-decide-then-write span for one token.
type TokenLock interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
}

// LockFactory builds a short-lived lock for a token. A nil factory disables
// serialization and the dedup check degrades to best effort.
type LockFactory func(token string) TokenLock

// ClickResult is the resolved outcome of a click-token hit. URL is always
// set so the HTTP layer can redirect even when the hit was deduplicated.
type ClickResult struct {
	URL           string
	LinkRecipient *LinkRecipient
	Recipient     *Recipient
}

// Recorder applies open and click signals: token lookup, time-windowed
// dedup, counter updates and the append-only event log. Unknown tokens are
// a silent no-op, never an error: the caller is an unauthenticated mail
// client that cannot act on one.
type Recorder struct {
	store       RecordStore
	locks       LockFactory
	openWindow  time.Duration
	clickWindow time.Duration
	now         func() time.Time
}

// NewRecorder creates a recorder with the given dedup windows. Zero window
// values fall back to the defaults.
func NewRecorder(store RecordStore, openWindow, clickWindow time.Duration) *Recorder {
	if openWindow <= 0 {
		openWindow = DefaultOpenDedupWindow
	}
	if clickWindow <= 0 {
		clickWindow = DefaultClickDedupWindow
	}
	return &Recorder{
		store:       store,
		openWindow:  openWindow,
		clickWindow: clickWindow,
		now:         time.Now,
	}
}

// SetLockFactory enables per-token serialization of the dedup check.
func (r *Recorder) SetLockFactory(f LockFactory) { r.locks = f }

// RecordOpen processes a pixel fetch. Returns the recipient (nil when the
// token is unknown) and whether the signal was suppressed as a duplicate.
// A duplicate is a prior open within the open window from the same raw
// user-agent or the same derived device fingerprint.
func (r *Recorder) RecordOpen(ctx context.Context, token, userAgent, ipAddress string) (*Recipient, bool, error) {
	rcpt, err := r.store.RecipientByOpenToken(ctx, token)
	if err != nil {
		return nil, false, err
	}
	if rcpt == nil {
		return nil, false, nil
	}

	unlock := r.lock(ctx, token)
	defer unlock()

	last, err := r.store.LatestOpenEvent(ctx, rcpt.ID)
	if err != nil {
		return nil, false, err
	}

	now := r.now()
	family, deviceType := ClassifyDevice(userAgent)

	if last != nil && now.Sub(last.OccurredAt) <= r.openWindow &&
		(last.UserAgent == userAgent || sameDevice(family, deviceType, last.DeviceFamily, last.DeviceType)) {
		logger.Debug("open deduplicated", "recipient", rcpt.Address, "device", family)
		return rcpt, true, nil
	}

	evt := &Event{
		ID:           uuid.New(),
		EmailID:      rcpt.EmailID,
		RecipientID:  rcpt.ID,
		EventType:    EventOpen,
		OccurredAt:   now,
		IPAddress:    ipAddress,
		UserAgent:    userAgent,
		DeviceFamily: family,
		DeviceType:   deviceType,
	}
	if err := r.store.ApplyOpen(ctx, evt); err != nil {
		return nil, false, err
	}

	rcpt.OpenCount++
	if rcpt.FirstOpenedAt == nil {
		rcpt.FirstOpenedAt = &now
	}
	rcpt.LastOpenedAt = &now

	logger.Info("open recorded", "recipient", rcpt.Address, "opens", rcpt.OpenCount, "device", family)
	return rcpt, false, nil
}

// RecordClick processes a redirect hit. Returns the resolved target (nil
// when the token is unknown) and whether the signal was suppressed as a
// duplicate. The URL is populated on duplicates too: the browser must be
// redirected regardless of the dedup outcome. A duplicate is a prior click
// on the same link-recipient pair within the click window from the same raw
// user-agent.
func (r *Recorder) RecordClick(ctx context.Context, token, userAgent, ipAddress string) (*ClickResult, bool, error) {
	target, err := r.store.ClickTargetByToken(ctx, token)
	if err != nil {
		return nil, false, err
	}
	if target == nil {
		return nil, false, nil
	}

	result := &ClickResult{
		URL:           target.Link.URL,
		LinkRecipient: target.LinkRecipient,
		Recipient:     target.Recipient,
	}

	unlock := r.lock(ctx, token)
	defer unlock()

	last, err := r.store.LatestClickEvent(ctx, target.LinkRecipient.ID)
	if err != nil {
		return nil, false, err
	}

	now := r.now()
	if last != nil && now.Sub(last.OccurredAt) <= r.clickWindow && last.UserAgent == userAgent {
		logger.Debug("click deduplicated", "recipient", target.Recipient.Address, "url", target.Link.URL)
		return result, true, nil
	}

	family, deviceType := ClassifyDevice(userAgent)
	linkID := target.Link.ID
	pairID := target.LinkRecipient.ID
	evt := &Event{
		ID:              uuid.New(),
		EmailID:         target.Link.EmailID,
		RecipientID:     target.Recipient.ID,
		LinkID:          &linkID,
		LinkRecipientID: &pairID,
		EventType:       EventClick,
		OccurredAt:      now,
		IPAddress:       ipAddress,
		UserAgent:       userAgent,
		DeviceFamily:    family,
		DeviceType:      deviceType,
	}
	if err := r.store.ApplyClick(ctx, evt); err != nil {
		return nil, false, err
	}

	target.LinkRecipient.ClickCount++
	if target.LinkRecipient.FirstClickedAt == nil {
		target.LinkRecipient.FirstClickedAt = &now
	}
	target.LinkRecipient.LastClickedAt = &now
	target.Recipient.ClickCount++
	target.Recipient.LastClickedAt = &now

	logger.Info("click recorded", "recipient", target.Recipient.Address, "url", target.Link.URL)
	return result, false, nil
}

// lock acquires the per-token lock when a factory is configured. Acquisition
// failure degrades to the unserialized best-effort dedup rather than
// dropping the event.
func (r *Recorder) lock(ctx context.Context, token string) func() {
	if r.locks == nil {
		return func() {}
	}
	l := r.locks(token)
	ok, err := l.TryLock(ctx)
	if err != nil || !ok {
		if err != nil {
			logger.Warn("token lock acquire failed", "error", err)
		}
		return func() {}
	}
	return func() { _ = l.Unlock(ctx) }
}
