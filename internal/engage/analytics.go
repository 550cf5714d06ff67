package engage

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
)

// AnalyticsStore is the read surface the analytics service needs.
type AnalyticsStore interface {
	EmailsWithRecipients(ctx context.Context, tenantID uuid.UUID, messageIDs []string) ([]*EmailGraph, error)
	EmailGraphByMessage(ctx context.Context, tenantID uuid.UUID, messageID string) (*EmailGraph, error)
}

// RecipientSummary is the per-recipient slice of a message summary.
type RecipientSummary struct {
	Address       string     `json:"address"`
	Type          string     `json:"type"`
	OpenCount     int        `json:"open_count"`
	FirstOpenedAt *time.Time `json:"first_opened_at,omitempty"`
	LastOpenedAt  *time.Time `json:"last_opened_at,omitempty"`
	ClickCount    int        `json:"click_count"`
	LastClickedAt *time.Time `json:"last_clicked_at,omitempty"`
}

// MessageSummary aggregates one email's engagement. Totals are the sum of
// the per-recipient counters, never recomputed from the event log.
type MessageSummary struct {
	MessageID       string             `json:"message_id"`
	Subject         string             `json:"subject"`
	SentAt          time.Time          `json:"sent_at"`
	TrackingEnabled bool               `json:"tracking_enabled"`
	TotalOpens      int                `json:"total_opens"`
	TotalClicks     int                `json:"total_clicks"`
	Recipients      []RecipientSummary `json:"recipients"`
}

// DeviceSighting is one distinct device seen for a recipient, keyed by
// family+type with the most recent sighting kept.
type DeviceSighting struct {
	Family     string    `json:"family,omitempty"`
	Type       string    `json:"type,omitempty"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// RecipientDetail extends the summary with the recipient's device history,
// ordered most-recent-first.
type RecipientDetail struct {
	RecipientSummary
	Devices []DeviceSighting `json:"devices"`
}

// LinkRecipientClicks is one recipient's share of a link's clicks.
type LinkRecipientClicks struct {
	Address        string     `json:"address"`
	ClickCount     int        `json:"click_count"`
	FirstClickedAt *time.Time `json:"first_clicked_at,omitempty"`
	LastClickedAt  *time.Time `json:"last_clicked_at,omitempty"`
}

// LinkDetail is the per-link drill-down: total clicks plus the per-recipient
// breakdown ordered by click count descending.
type LinkDetail struct {
	URL         string                `json:"url"`
	Position    int                   `json:"position"`
	TotalClicks int                   `json:"total_clicks"`
	Recipients  []LinkRecipientClicks `json:"recipients"`
}

// MessageDetail is the full drill-down view for one email.
type MessageDetail struct {
	MessageID       string            `json:"message_id"`
	Subject         string            `json:"subject"`
	SentAt          time.Time         `json:"sent_at"`
	TrackingEnabled bool              `json:"tracking_enabled"`
	TotalOpens      int               `json:"total_opens"`
	TotalClicks     int               `json:"total_clicks"`
	Recipients      []RecipientDetail `json:"recipients"`
	Links           []LinkDetail      `json:"links"`
}

// Analytics serves read-only aggregation over the tracking schema. Reads
// take no locks and are eventually consistent with the latest committed
// recording transaction.
type Analytics struct {
	store AnalyticsStore
}

// NewAnalytics creates a new analytics read service
func NewAnalytics(store AnalyticsStore) *Analytics {
	return &Analytics{store: store}
}

// Summaries returns the batch engagement summary for the given message ids,
// keyed by message id. Unknown ids are simply absent from the map.
func (a *Analytics) Summaries(ctx context.Context, tenantID uuid.UUID, messageIDs []string) (map[string]*MessageSummary, error) {
	graphs, err := a.store.EmailsWithRecipients(ctx, tenantID, messageIDs)
	if err != nil {
		return nil, err
	}

	summaries := make(map[string]*MessageSummary, len(graphs))
	for _, g := range graphs {
		s := &MessageSummary{
			MessageID:       g.Email.MessageID,
			Subject:         g.Email.Subject,
			SentAt:          g.Email.SentAt,
			TrackingEnabled: g.Email.TrackingEnabled,
			Recipients:      make([]RecipientSummary, 0, len(g.Recipients)),
		}
		for _, r := range g.Recipients {
			s.TotalOpens += r.OpenCount
			s.TotalClicks += r.ClickCount
			s.Recipients = append(s.Recipients, recipientSummary(r))
		}
		summaries[g.Email.MessageID] = s
	}
	return summaries, nil
}

// Detail returns the drill-down view for one message, or nil when no email
// matches the tenant+message pair.
func (a *Analytics) Detail(ctx context.Context, tenantID uuid.UUID, messageID string) (*MessageDetail, error) {
	g, err := a.store.EmailGraphByMessage(ctx, tenantID, messageID)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, nil
	}

	d := &MessageDetail{
		MessageID:       g.Email.MessageID,
		Subject:         g.Email.Subject,
		SentAt:          g.Email.SentAt,
		TrackingEnabled: g.Email.TrackingEnabled,
		Recipients:      make([]RecipientDetail, 0, len(g.Recipients)),
		Links:           make([]LinkDetail, 0, len(g.Links)),
	}

	devices := deviceHistories(g.Events)
	addresses := make(map[uuid.UUID]string, len(g.Recipients))
	for _, r := range g.Recipients {
		addresses[r.ID] = r.Address
		d.TotalOpens += r.OpenCount
		d.TotalClicks += r.ClickCount
		d.Recipients = append(d.Recipients, RecipientDetail{
			RecipientSummary: recipientSummary(r),
			Devices:          devices[r.ID],
		})
	}

	pairsByLink := make(map[uuid.UUID][]*LinkRecipient)
	for _, p := range g.LinkRecipients {
		pairsByLink[p.LinkID] = append(pairsByLink[p.LinkID], p)
	}

	for _, l := range g.Links {
		ld := LinkDetail{URL: l.URL, Position: l.Position}
		for _, p := range pairsByLink[l.ID] {
			ld.TotalClicks += p.ClickCount
			ld.Recipients = append(ld.Recipients, LinkRecipientClicks{
				Address:        addresses[p.RecipientID],
				ClickCount:     p.ClickCount,
				FirstClickedAt: p.FirstClickedAt,
				LastClickedAt:  p.LastClickedAt,
			})
		}
		sort.SliceStable(ld.Recipients, func(i, j int) bool {
			return ld.Recipients[i].ClickCount > ld.Recipients[j].ClickCount
		})
		d.Links = append(d.Links, ld)
	}

	return d, nil
}

func recipientSummary(r *Recipient) RecipientSummary {
	return RecipientSummary{
		Address:       r.Address,
		Type:          r.RecipientType,
		OpenCount:     r.OpenCount,
		FirstOpenedAt: r.FirstOpenedAt,
		LastOpenedAt:  r.LastOpenedAt,
		ClickCount:    r.ClickCount,
		LastClickedAt: r.LastClickedAt,
	}
}

// deviceHistories builds each recipient's distinct device list from the
// event log. Events arrive ordered most-recent-first, so the first sighting
// per family+type key wins and the output keeps that ordering.
func deviceHistories(events []*Event) map[uuid.UUID][]DeviceSighting {
	type key struct{ family, typ string }
	seen := make(map[uuid.UUID]map[key]bool)
	histories := make(map[uuid.UUID][]DeviceSighting)

	for _, e := range events {
		if e.DeviceFamily == "" && e.DeviceType == "" {
			continue
		}
		k := key{e.DeviceFamily, e.DeviceType}
		if seen[e.RecipientID] == nil {
			seen[e.RecipientID] = make(map[key]bool)
		}
		if seen[e.RecipientID][k] {
			continue
		}
		seen[e.RecipientID][k] = true
		histories[e.RecipientID] = append(histories[e.RecipientID], DeviceSighting{
			Family:     e.DeviceFamily,
			Type:       e.DeviceType,
			LastSeenAt: e.OccurredAt,
		})
	}
	return histories
}
