package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nvats/unibox/store"
)

const channelColumns = `id, tenant_id, inbox_id, type, external_id, secondary_id, credentials, pending_setup, created_at, updated_at`

type channelRow struct {
	ID           string    `db:"id"`
	TenantID     string    `db:"tenant_id"`
	InboxID      string    `db:"inbox_id"`
	Type         string    `db:"type"`
	ExternalID   string    `db:"external_id"`
	SecondaryID  string    `db:"secondary_id"`
	Credentials  []byte    `db:"credentials"`
	PendingSetup bool      `db:"pending_setup"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

func (r *channelRow) toChannel() (*store.Channel, error) {
	creds := map[string]string{}
	if len(r.Credentials) > 0 {
		if err := json.Unmarshal(r.Credentials, &creds); err != nil {
			return nil, fmt.Errorf("unmarshal credentials: %w", err)
		}
	}
	return &store.Channel{
		ID:           r.ID,
		TenantID:     r.TenantID,
		InboxID:      r.InboxID,
		Type:         store.ChannelType(r.Type),
		ExternalID:   r.ExternalID,
		SecondaryID:  r.SecondaryID,
		Credentials:  creds,
		PendingSetup: r.PendingSetup,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}, nil
}

func (s *Store) CreateChannel(ctx context.Context, data store.ChannelData) (*store.Channel, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	credsJSON, err := json.Marshal(data.Credentials)
	if err != nil {
		return nil, fmt.Errorf("marshal credentials: %w", err)
	}

	now := time.Now().UTC()
	id := uuid.New().String()
	query := fmt.Sprintf(`
		INSERT INTO %s (id, tenant_id, inbox_id, type, external_id, secondary_id, credentials, pending_setup, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, s.table("channels"))

	if _, err := s.db.ExecContext(ctx, query,
		id, data.TenantID, data.InboxID, string(data.Type), data.ExternalID,
		data.SecondaryID, credsJSON, data.PendingSetup, now, now,
	); err != nil {
		return nil, fmt.Errorf("insert channel: %w", err)
	}

	return &store.Channel{
		ID:           id,
		TenantID:     data.TenantID,
		InboxID:      data.InboxID,
		Type:         data.Type,
		ExternalID:   data.ExternalID,
		SecondaryID:  data.SecondaryID,
		Credentials:  data.Credentials,
		PendingSetup: data.PendingSetup,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

func (s *Store) GetChannel(ctx context.Context, id string) (*store.Channel, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, store.ErrInvalidID
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var row channelRow
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, channelColumns, s.table("channels"))
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get channel: %w", err)
	}
	return row.toChannel()
}

func (s *Store) GetChannelByExternalID(ctx context.Context, t store.ChannelType, externalID string) (*store.Channel, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	// Pending channels are excluded from ownership; a pending-only match is
	// reported distinctly so the caller can retry after setup completes.
	var row channelRow
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE type = $1 AND (external_id = $2 OR secondary_id = $2) AND pending_setup = FALSE
		ORDER BY created_at
		LIMIT 1
	`, channelColumns, s.table("channels"))
	err := s.db.GetContext(ctx, &row, query, string(t), externalID)
	if err == nil {
		return row.toChannel()
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("get channel by external id: %w", err)
	}

	countQuery := fmt.Sprintf(`
		SELECT COUNT(*) FROM %s
		WHERE type = $1 AND (external_id = $2 OR secondary_id = $2) AND pending_setup = TRUE
	`, s.table("channels"))
	var pending int
	if err := s.db.GetContext(ctx, &pending, countQuery, string(t), externalID); err != nil {
		return nil, fmt.Errorf("count pending channels: %w", err)
	}
	if pending > 0 {
		return nil, store.ErrChannelPending
	}
	return nil, store.ErrNotFound
}

func (s *Store) PromoteChannelExternalID(ctx context.Context, id, externalID string) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if _, err := uuid.Parse(id); err != nil {
		return store.ErrInvalidID
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s
		SET external_id = $1, pending_setup = FALSE, updated_at = $2
		WHERE id = $3
	`, s.table("channels"))
	result, err := s.db.ExecContext(ctx, query, externalID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("promote channel external id: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CreateInbox(ctx context.Context, data store.InboxData) (*store.Inbox, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	now := time.Now().UTC()
	id := uuid.New().String()
	query := fmt.Sprintf(`
		INSERT INTO %s (id, tenant_id, channel_id, name, webhook_url, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, s.table("inboxes"))
	if _, err := s.db.ExecContext(ctx, query,
		id, data.TenantID, data.ChannelID, data.Name, data.WebhookURL, now,
	); err != nil {
		return nil, fmt.Errorf("insert inbox: %w", err)
	}

	// Back-reference on the channel so external-id resolution lands directly
	// on the owning inbox.
	updateQuery := fmt.Sprintf(`UPDATE %s SET inbox_id = $1, updated_at = $2 WHERE id = $3`, s.table("channels"))
	if _, err := s.db.ExecContext(ctx, updateQuery, id, now, data.ChannelID); err != nil {
		return nil, fmt.Errorf("bind inbox to channel: %w", err)
	}

	return &store.Inbox{
		ID:         id,
		TenantID:   data.TenantID,
		ChannelID:  data.ChannelID,
		Name:       data.Name,
		WebhookURL: data.WebhookURL,
		CreatedAt:  now,
	}, nil
}

func (s *Store) GetInbox(ctx context.Context, id string) (*store.Inbox, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, store.ErrInvalidID
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var row inboxRow
	query := fmt.Sprintf(`
		SELECT id, tenant_id, channel_id, name, webhook_url, created_at
		FROM %s WHERE id = $1
	`, s.table("inboxes"))
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get inbox: %w", err)
	}
	return &store.Inbox{
		ID:         row.ID,
		TenantID:   row.TenantID,
		ChannelID:  row.ChannelID,
		Name:       row.Name,
		WebhookURL: row.WebhookURL,
		CreatedAt:  row.CreatedAt,
	}, nil
}

type inboxRow struct {
	ID         string    `db:"id"`
	TenantID   string    `db:"tenant_id"`
	ChannelID  string    `db:"channel_id"`
	Name       string    `db:"name"`
	WebhookURL string    `db:"webhook_url"`
	CreatedAt  time.Time `db:"created_at"`
}
