package engage

import (
	"time"

	"github.com/google/uuid"
)

// Event type constants
const (
	EventOpen  = "open"
	EventClick = "click"
)

// Recipient type constants
const (
	RecipientTo  = "to"
	RecipientCc  = "cc"
	RecipientBcc = "bcc"
)

// Email represents one instrumented send. It is created once at preparation
// time and never mutated afterwards.
type Email struct {
	ID              uuid.UUID `json:"id" db:"id"`
	TenantID        uuid.UUID `json:"tenant_id" db:"tenant_id"`
	MessageID       string    `json:"message_id" db:"message_id"`
	Subject         string    `json:"subject" db:"subject"`
	SentAt          time.Time `json:"sent_at" db:"sent_at"`
	TrackingEnabled bool      `json:"tracking_enabled" db:"tracking_enabled"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// Recipient is one destination address on one email. The open token is the
// only lookup key the public pixel endpoint ever sees; the counters are
// denormalized engagement state maintained by the recorder.
type Recipient struct {
	ID            uuid.UUID  `json:"id" db:"id"`
	EmailID       uuid.UUID  `json:"email_id" db:"email_id"`
	Address       string     `json:"address" db:"address"`
	DisplayName   string     `json:"display_name" db:"display_name"`
	RecipientType string     `json:"recipient_type" db:"recipient_type"`
	OpenToken     string     `json:"open_token" db:"open_token"`
	OpenCount     int        `json:"open_count" db:"open_count"`
	FirstOpenedAt *time.Time `json:"first_opened_at,omitempty" db:"first_opened_at"`
	LastOpenedAt  *time.Time `json:"last_opened_at,omitempty" db:"last_opened_at"`
	ClickCount    int        `json:"click_count" db:"click_count"`
	LastClickedAt *time.Time `json:"last_clicked_at,omitempty" db:"last_clicked_at"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
}

// Link is one trackable anchor position in the source HTML. Identity is the
// (email, position) pair, not the URL: two identical URLs at different
// positions are two links.
type Link struct {
	ID        uuid.UUID `json:"id" db:"id"`
	EmailID   uuid.UUID `json:"email_id" db:"email_id"`
	URL       string    `json:"url" db:"url"`
	Position  int       `json:"position" db:"position"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// LinkRecipient is the junction of one link and one recipient. Exactly one
// row exists per (link, recipient) pair so every recipient can click every
// link independently.
type LinkRecipient struct {
	ID             uuid.UUID  `json:"id" db:"id"`
	LinkID         uuid.UUID  `json:"link_id" db:"link_id"`
	RecipientID    uuid.UUID  `json:"recipient_id" db:"recipient_id"`
	Token          string     `json:"token" db:"token"`
	ClickCount     int        `json:"click_count" db:"click_count"`
	FirstClickedAt *time.Time `json:"first_clicked_at,omitempty" db:"first_clicked_at"`
	LastClickedAt  *time.Time `json:"last_clicked_at,omitempty" db:"last_clicked_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

// Event is one append-only engagement log row, the durable source of truth
// independent of the denormalized counters. Link fields are set for clicks
// only.
type Event struct {
	ID              uuid.UUID  `json:"id" db:"id"`
	EmailID         uuid.UUID  `json:"email_id" db:"email_id"`
	RecipientID     uuid.UUID  `json:"recipient_id" db:"recipient_id"`
	LinkID          *uuid.UUID `json:"link_id,omitempty" db:"link_id"`
	LinkRecipientID *uuid.UUID `json:"link_recipient_id,omitempty" db:"link_recipient_id"`
	EventType       string     `json:"event_type" db:"event_type"`
	OccurredAt      time.Time  `json:"occurred_at" db:"occurred_at"`
	IPAddress       string     `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent       string     `json:"user_agent,omitempty" db:"user_agent"`
	DeviceFamily    string     `json:"device_family,omitempty" db:"device_family"`
	DeviceType      string     `json:"device_type,omitempty" db:"device_type"`
}

// ClickTarget is a LinkRecipient resolved together with its link and
// recipient, as returned by the click-token lookup.
type ClickTarget struct {
	LinkRecipient *LinkRecipient
	Link          *Link
	Recipient     *Recipient
}

// EmailGraph is the full persisted state for one email: the row itself plus
// all children. Events is only populated by the detail lookup.
type EmailGraph struct {
	Email          *Email
	Recipients     []*Recipient
	Links          []*Link
	LinkRecipients []*LinkRecipient
	Events         []*Event
}
