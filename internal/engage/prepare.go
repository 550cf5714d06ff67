package engage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/invoiceflow/mailtrack/internal/pkg/logger"
)

// ErrNoRecipients is returned when a preparation request carries an empty
// recipient list. The caller must not silently send an uninstrumented email.
var ErrNoRecipients = errors.New("engage: prepare requires at least one recipient")

// PrepareStore is the persistence surface the preparer needs.
type PrepareStore interface {
	CreateTracking(ctx context.Context, email *Email, recipients []*Recipient, links []*Link, pairs []*LinkRecipient) error
}

// RecipientInput is one destination address handed to Prepare.
type RecipientInput struct {
	Address     string
	DisplayName string
	Type        string // to, cc or bcc; defaults to "to"
}

// PrepareInput describes one outgoing email to instrument.
type PrepareInput struct {
	TenantID        uuid.UUID
	MessageID       string
	Subject         string
	SentAt          time.Time
	HTML            string
	Recipients      []RecipientInput
	TrackingEnabled bool
}

// PreparedRecipient pairs a created recipient row with its personalized
// HTML payload for the mail transport.
type PreparedRecipient struct {
	Recipient *Recipient
	HTML      string
}

// PrepareResult is what Prepare hands back to the sending application.
type PrepareResult struct {
	Email      *Email
	Recipients []PreparedRecipient
	Links      []*Link
}

// Preparer instruments outgoing emails: it extracts trackable links, mints
// per-recipient tokens, persists the whole fan-out atomically and produces
// each recipient's rewritten HTML. This is the only place tokens are minted.
type Preparer struct {
	store   PrepareStore
	baseURL string
	now     func() time.Time
}

// NewPreparer creates a preparer that builds tracking URLs under baseURL
// (e.g. "https://track.example.com").
func NewPreparer(store PrepareStore, baseURL string) *Preparer {
	return &Preparer{
		store:   store,
		baseURL: strings.TrimRight(baseURL, "/"),
		now:     time.Now,
	}
}

// Prepare creates the Email, Recipient, Link and LinkRecipient rows in one
// transaction and returns the per-recipient rewritten HTML. When tracking is
// disabled no tokens are minted, no links are extracted and every recipient
// gets the input HTML unchanged.
func (p *Preparer) Prepare(ctx context.Context, in PrepareInput) (*PrepareResult, error) {
	if len(in.Recipients) == 0 {
		return nil, ErrNoRecipients
	}

	now := p.now()
	email := &Email{
		ID:              uuid.New(),
		TenantID:        in.TenantID,
		MessageID:       in.MessageID,
		Subject:         in.Subject,
		SentAt:          in.SentAt,
		TrackingEnabled: in.TrackingEnabled,
		CreatedAt:       now,
	}

	recipients := make([]*Recipient, 0, len(in.Recipients))
	for _, ri := range in.Recipients {
		r := &Recipient{
			ID:            uuid.New(),
			EmailID:       email.ID,
			Address:       strings.ToLower(strings.TrimSpace(ri.Address)),
			DisplayName:   ri.DisplayName,
			RecipientType: ri.Type,
			CreatedAt:     now,
		}
		if r.RecipientType == "" {
			r.RecipientType = RecipientTo
		}
		if in.TrackingEnabled {
			token, err := NewToken()
			if err != nil {
				return nil, err
			}
			r.OpenToken = token
		}
		recipients = append(recipients, r)
	}

	var links []*Link
	var pairs []*LinkRecipient
	// token keyed by (link position, recipient id), for building each
	// recipient's position→redirect map below
	pairTokens := map[uuid.UUID]map[int]string{}

	if in.TrackingEnabled {
		for _, ex := range ExtractLinks(in.HTML) {
			links = append(links, &Link{
				ID:        uuid.New(),
				EmailID:   email.ID,
				URL:       ex.URL,
				Position:  ex.Position,
				CreatedAt: now,
			})
		}

		for _, l := range links {
			for _, r := range recipients {
				token, err := NewToken()
				if err != nil {
					return nil, err
				}
				pairs = append(pairs, &LinkRecipient{
					ID:          uuid.New(),
					LinkID:      l.ID,
					RecipientID: r.ID,
					Token:       token,
					CreatedAt:   now,
				})
				if pairTokens[r.ID] == nil {
					pairTokens[r.ID] = map[int]string{}
				}
				pairTokens[r.ID][l.Position] = token
			}
		}
	}

	if err := p.store.CreateTracking(ctx, email, recipients, links, pairs); err != nil {
		return nil, fmt.Errorf("persist tracking fan-out: %w", err)
	}

	result := &PrepareResult{Email: email, Links: links}
	for _, r := range recipients {
		personalized := in.HTML
		if in.TrackingEnabled {
			clickURLs := map[int]string{}
			for pos, token := range pairTokens[r.ID] {
				clickURLs[pos] = p.clickURL(token)
			}
			rewritten, err := InjectTracking(in.HTML, p.pixelURL(r.OpenToken), clickURLs)
			if err != nil {
				return nil, fmt.Errorf("inject tracking for %s: %w", r.Address, err)
			}
			personalized = rewritten
		}
		result.Recipients = append(result.Recipients, PreparedRecipient{Recipient: r, HTML: personalized})
	}

	logger.Info("prepared email tracking",
		"message_id", in.MessageID,
		"recipients", len(recipients),
		"links", len(links),
		"tracking_enabled", in.TrackingEnabled)

	return result, nil
}

func (p *Preparer) pixelURL(openToken string) string {
	return fmt.Sprintf("%s/track-open/%s.png", p.baseURL, openToken)
}

func (p *Preparer) clickURL(token string) string {
	return fmt.Sprintf("%s/track-click/%s", p.baseURL, token)
}
