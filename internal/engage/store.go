package engage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Store provides database operations for tracking entities
type Store struct {
	db *sql.DB
}

// NewStore creates a new tracking store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateTracking persists one email with its full fan-out (recipients, links
// and the link×recipient cross product) in a single transaction. A failure
// anywhere leaves no rows behind.
func (s *Store) CreateTracking(ctx context.Context, email *Email, recipients []*Recipient, links []*Link, pairs []*LinkRecipient) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tracking tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO tracked_emails (id, tenant_id, message_id, subject, sent_at, tracking_enabled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		email.ID, email.TenantID, email.MessageID, email.Subject, email.SentAt, email.TrackingEnabled, email.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert email: %w", err)
	}

	for _, r := range recipients {
		_, err = tx.ExecContext(ctx, `INSERT INTO tracked_recipients (id, email_id, address, display_name, recipient_type, open_token, created_at)
			VALUES ($1, $2, $3, NULLIF($4, ''), $5, NULLIF($6, ''), $7)`,
			r.ID, r.EmailID, r.Address, r.DisplayName, r.RecipientType, r.OpenToken, r.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert recipient: %w", err)
		}
	}

	for _, l := range links {
		_, err = tx.ExecContext(ctx, `INSERT INTO tracked_links (id, email_id, url, position, created_at)
			VALUES ($1, $2, $3, $4, $5)`,
			l.ID, l.EmailID, l.URL, l.Position, l.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert link: %w", err)
		}
	}

	for _, p := range pairs {
		_, err = tx.ExecContext(ctx, `INSERT INTO tracked_link_recipients (id, link_id, recipient_id, token, created_at)
			VALUES ($1, $2, $3, $4, $5)`,
			p.ID, p.LinkID, p.RecipientID, p.Token, p.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert link recipient: %w", err)
		}
	}

	return tx.Commit()
}

// RecipientByOpenToken retrieves a recipient by its open token.
// Returns nil without error when the token is unknown.
func (s *Store) RecipientByOpenToken(ctx context.Context, token string) (*Recipient, error) {
	query := `SELECT id, email_id, address, COALESCE(display_name, ''), recipient_type, COALESCE(open_token, ''),
		open_count, first_opened_at, last_opened_at, click_count, last_clicked_at, created_at
		FROM tracked_recipients WHERE open_token = $1`

	r := &Recipient{}
	err := s.db.QueryRowContext(ctx, query, token).Scan(
		&r.ID, &r.EmailID, &r.Address, &r.DisplayName, &r.RecipientType, &r.OpenToken,
		&r.OpenCount, &r.FirstOpenedAt, &r.LastOpenedAt, &r.ClickCount, &r.LastClickedAt, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// ClickTargetByToken resolves a click token to its link-recipient row joined
// with the link and the recipient. Returns nil without error when the token
// is unknown or the join is incomplete.
func (s *Store) ClickTargetByToken(ctx context.Context, token string) (*ClickTarget, error) {
	query := `SELECT lr.id, lr.link_id, lr.recipient_id, lr.token, lr.click_count, lr.first_clicked_at, lr.last_clicked_at, lr.created_at,
		l.id, l.email_id, l.url, l.position, l.created_at,
		r.id, r.email_id, r.address, COALESCE(r.display_name, ''), r.recipient_type, COALESCE(r.open_token, ''),
		r.open_count, r.first_opened_at, r.last_opened_at, r.click_count, r.last_clicked_at, r.created_at
		FROM tracked_link_recipients lr
		JOIN tracked_links l ON l.id = lr.link_id
		JOIN tracked_recipients r ON r.id = lr.recipient_id
		WHERE lr.token = $1`

	lr := &LinkRecipient{}
	l := &Link{}
	r := &Recipient{}
	err := s.db.QueryRowContext(ctx, query, token).Scan(
		&lr.ID, &lr.LinkID, &lr.RecipientID, &lr.Token, &lr.ClickCount, &lr.FirstClickedAt, &lr.LastClickedAt, &lr.CreatedAt,
		&l.ID, &l.EmailID, &l.URL, &l.Position, &l.CreatedAt,
		&r.ID, &r.EmailID, &r.Address, &r.DisplayName, &r.RecipientType, &r.OpenToken,
		&r.OpenCount, &r.FirstOpenedAt, &r.LastOpenedAt, &r.ClickCount, &r.LastClickedAt, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ClickTarget{LinkRecipient: lr, Link: l, Recipient: r}, nil
}

// LatestOpenEvent returns the most recent open event for a recipient, or nil.
func (s *Store) LatestOpenEvent(ctx context.Context, recipientID uuid.UUID) (*Event, error) {
	query := `SELECT id, email_id, recipient_id, link_id, link_recipient_id, event_type,
		occurred_at, COALESCE(ip_address, ''), COALESCE(user_agent, ''), COALESCE(device_family, ''), COALESCE(device_type, '')
		FROM tracking_events WHERE recipient_id = $1 AND event_type = 'open'
		ORDER BY occurred_at DESC LIMIT 1`
	return s.scanEvent(s.db.QueryRowContext(ctx, query, recipientID))
}

// LatestClickEvent returns the most recent click event for one specific
// link-recipient pair, or nil.
func (s *Store) LatestClickEvent(ctx context.Context, linkRecipientID uuid.UUID) (*Event, error) {
	query := `SELECT id, email_id, recipient_id, link_id, link_recipient_id, event_type,
		occurred_at, COALESCE(ip_address, ''), COALESCE(user_agent, ''), COALESCE(device_family, ''), COALESCE(device_type, '')
		FROM tracking_events WHERE link_recipient_id = $1 AND event_type = 'click'
		ORDER BY occurred_at DESC LIMIT 1`
	return s.scanEvent(s.db.QueryRowContext(ctx, query, linkRecipientID))
}

func (s *Store) scanEvent(row *sql.Row) (*Event, error) {
	e := &Event{}
	err := row.Scan(&e.ID, &e.EmailID, &e.RecipientID, &e.LinkID, &e.LinkRecipientID, &e.EventType,
		&e.OccurredAt, &e.IPAddress, &e.UserAgent, &e.DeviceFamily, &e.DeviceType)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// ApplyOpen bumps the recipient's open counters and appends the open event
// in one transaction.
func (s *Store) ApplyOpen(ctx context.Context, evt *Event) error {
	if evt.ID == uuid.Nil {
		evt.ID = uuid.New()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin open tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `UPDATE tracked_recipients SET open_count = open_count + 1,
		first_opened_at = COALESCE(first_opened_at, $2), last_opened_at = $2 WHERE id = $1`,
		evt.RecipientID, evt.OccurredAt)
	if err != nil {
		return fmt.Errorf("update open counters: %w", err)
	}

	if err := insertEvent(ctx, tx, evt); err != nil {
		return err
	}
	return tx.Commit()
}

// ApplyClick bumps the link-recipient and recipient click counters and
// appends the click event in one transaction.
func (s *Store) ApplyClick(ctx context.Context, evt *Event) error {
	if evt.ID == uuid.Nil {
		evt.ID = uuid.New()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin click tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `UPDATE tracked_link_recipients SET click_count = click_count + 1,
		first_clicked_at = COALESCE(first_clicked_at, $2), last_clicked_at = $2 WHERE id = $1`,
		evt.LinkRecipientID, evt.OccurredAt)
	if err != nil {
		return fmt.Errorf("update link recipient counters: %w", err)
	}

	_, err = tx.ExecContext(ctx, `UPDATE tracked_recipients SET click_count = click_count + 1,
		last_clicked_at = $2 WHERE id = $1`,
		evt.RecipientID, evt.OccurredAt)
	if err != nil {
		return fmt.Errorf("update recipient click counters: %w", err)
	}

	if err := insertEvent(ctx, tx, evt); err != nil {
		return err
	}
	return tx.Commit()
}

func insertEvent(ctx context.Context, tx *sql.Tx, evt *Event) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tracking_events (id, email_id, recipient_id, link_id, link_recipient_id,
		event_type, occurred_at, ip_address, user_agent, device_family, device_type)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), NULLIF($9, ''), NULLIF($10, ''), NULLIF($11, ''))`,
		evt.ID, evt.EmailID, evt.RecipientID, evt.LinkID, evt.LinkRecipientID,
		evt.EventType, evt.OccurredAt, evt.IPAddress, evt.UserAgent, evt.DeviceFamily, evt.DeviceType)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// EmailsWithRecipients loads the emails matching the tenant and message ids
// together with their recipients. Events and links are not loaded; the
// summary view is a pure reduction over the denormalized counters.
func (s *Store) EmailsWithRecipients(ctx context.Context, tenantID uuid.UUID, messageIDs []string) ([]*EmailGraph, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, tenant_id, message_id, COALESCE(subject, ''), sent_at, tracking_enabled, created_at
		FROM tracked_emails WHERE tenant_id = $1 AND message_id = ANY($2)`,
		tenantID, pq.Array(messageIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var graphs []*EmailGraph
	byID := map[uuid.UUID]*EmailGraph{}
	var emailIDs []string
	for rows.Next() {
		e := &Email{}
		if err := rows.Scan(&e.ID, &e.TenantID, &e.MessageID, &e.Subject, &e.SentAt, &e.TrackingEnabled, &e.CreatedAt); err != nil {
			return nil, err
		}
		g := &EmailGraph{Email: e}
		graphs = append(graphs, g)
		byID[e.ID] = g
		emailIDs = append(emailIDs, e.ID.String())
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(graphs) == 0 {
		return nil, nil
	}

	rrows, err := s.db.QueryContext(ctx, `SELECT id, email_id, address, COALESCE(display_name, ''), recipient_type, COALESCE(open_token, ''),
		open_count, first_opened_at, last_opened_at, click_count, last_clicked_at, created_at
		FROM tracked_recipients WHERE email_id = ANY($1) ORDER BY created_at, address`,
		pq.Array(emailIDs))
	if err != nil {
		return nil, err
	}
	defer rrows.Close()

	for rrows.Next() {
		r := &Recipient{}
		if err := rrows.Scan(&r.ID, &r.EmailID, &r.Address, &r.DisplayName, &r.RecipientType, &r.OpenToken,
			&r.OpenCount, &r.FirstOpenedAt, &r.LastOpenedAt, &r.ClickCount, &r.LastClickedAt, &r.CreatedAt); err != nil {
			return nil, err
		}
		if g, ok := byID[r.EmailID]; ok {
			g.Recipients = append(g.Recipients, r)
		}
	}
	return graphs, rrows.Err()
}

// EmailGraphByMessage loads the complete persisted state for one email:
// recipients, links, link-recipient pairs and the full event log. Returns
// nil without error when no email matches the tenant+message pair.
func (s *Store) EmailGraphByMessage(ctx context.Context, tenantID uuid.UUID, messageID string) (*EmailGraph, error) {
	e := &Email{}
	err := s.db.QueryRowContext(ctx, `SELECT id, tenant_id, message_id, COALESCE(subject, ''), sent_at, tracking_enabled, created_at
		FROM tracked_emails WHERE tenant_id = $1 AND message_id = $2`, tenantID, messageID).Scan(
		&e.ID, &e.TenantID, &e.MessageID, &e.Subject, &e.SentAt, &e.TrackingEnabled, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	g := &EmailGraph{Email: e}

	rrows, err := s.db.QueryContext(ctx, `SELECT id, email_id, address, COALESCE(display_name, ''), recipient_type, COALESCE(open_token, ''),
		open_count, first_opened_at, last_opened_at, click_count, last_clicked_at, created_at
		FROM tracked_recipients WHERE email_id = $1 ORDER BY created_at, address`, e.ID)
	if err != nil {
		return nil, err
	}
	defer rrows.Close()
	for rrows.Next() {
		r := &Recipient{}
		if err := rrows.Scan(&r.ID, &r.EmailID, &r.Address, &r.DisplayName, &r.RecipientType, &r.OpenToken,
			&r.OpenCount, &r.FirstOpenedAt, &r.LastOpenedAt, &r.ClickCount, &r.LastClickedAt, &r.CreatedAt); err != nil {
			return nil, err
		}
		g.Recipients = append(g.Recipients, r)
	}
	if err := rrows.Err(); err != nil {
		return nil, err
	}

	lrows, err := s.db.QueryContext(ctx, `SELECT id, email_id, url, position, created_at
		FROM tracked_links WHERE email_id = $1 ORDER BY position`, e.ID)
	if err != nil {
		return nil, err
	}
	defer lrows.Close()
	for lrows.Next() {
		l := &Link{}
		if err := lrows.Scan(&l.ID, &l.EmailID, &l.URL, &l.Position, &l.CreatedAt); err != nil {
			return nil, err
		}
		g.Links = append(g.Links, l)
	}
	if err := lrows.Err(); err != nil {
		return nil, err
	}

	prows, err := s.db.QueryContext(ctx, `SELECT lr.id, lr.link_id, lr.recipient_id, lr.token, lr.click_count, lr.first_clicked_at, lr.last_clicked_at, lr.created_at
		FROM tracked_link_recipients lr
		JOIN tracked_links l ON l.id = lr.link_id
		WHERE l.email_id = $1 ORDER BY l.position`, e.ID)
	if err != nil {
		return nil, err
	}
	defer prows.Close()
	for prows.Next() {
		p := &LinkRecipient{}
		if err := prows.Scan(&p.ID, &p.LinkID, &p.RecipientID, &p.Token, &p.ClickCount, &p.FirstClickedAt, &p.LastClickedAt, &p.CreatedAt); err != nil {
			return nil, err
		}
		g.LinkRecipients = append(g.LinkRecipients, p)
	}
	if err := prows.Err(); err != nil {
		return nil, err
	}

	erows, err := s.db.QueryContext(ctx, `SELECT id, email_id, recipient_id, link_id, link_recipient_id, event_type,
		occurred_at, COALESCE(ip_address, ''), COALESCE(user_agent, ''), COALESCE(device_family, ''), COALESCE(device_type, '')
		FROM tracking_events WHERE email_id = $1 ORDER BY occurred_at DESC`, e.ID)
	if err != nil {
		return nil, err
	}
	defer erows.Close()
	for erows.Next() {
		ev := &Event{}
		if err := erows.Scan(&ev.ID, &ev.EmailID, &ev.RecipientID, &ev.LinkID, &ev.LinkRecipientID, &ev.EventType,
			&ev.OccurredAt, &ev.IPAddress, &ev.UserAgent, &ev.DeviceFamily, &ev.DeviceType); err != nil {
			return nil, err
		}
		g.Events = append(g.Events, ev)
	}
	return g, erows.Err()
}
