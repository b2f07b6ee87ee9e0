package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nvats/unibox/store"
)

const conversationColumns = `id, tenant_id, inbox_id, contact_id, contact_inbox_id, status, last_activity_at, created_at, updated_at`

type conversationRow struct {
	ID             string    `db:"id"`
	TenantID       string    `db:"tenant_id"`
	InboxID        string    `db:"inbox_id"`
	ContactID      string    `db:"contact_id"`
	ContactInboxID string    `db:"contact_inbox_id"`
	Status         string    `db:"status"`
	LastActivityAt time.Time `db:"last_activity_at"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

func (r *conversationRow) toConversation() *store.Conversation {
	return &store.Conversation{
		ID:             r.ID,
		TenantID:       r.TenantID,
		InboxID:        r.InboxID,
		ContactID:      r.ContactID,
		ContactInboxID: r.ContactInboxID,
		Status:         store.ConversationStatus(r.Status),
		LastActivityAt: r.LastActivityAt,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func (s *Store) GetConversation(ctx context.Context, id string) (*store.Conversation, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, store.ErrInvalidID
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var row conversationRow
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, conversationColumns, s.table("conversations"))
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return row.toConversation(), nil
}

func (s *Store) GetActiveConversation(ctx context.Context, contactInboxID string) (*store.Conversation, error) {
	return s.latestConversation(ctx, contactInboxID, true)
}

func (s *Store) GetLatestConversation(ctx context.Context, contactInboxID string) (*store.Conversation, error) {
	return s.latestConversation(ctx, contactInboxID, false)
}

func (s *Store) latestConversation(ctx context.Context, contactInboxID string, activeOnly bool) (*store.Conversation, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	statusFilter := ""
	if activeOnly {
		statusFilter = fmt.Sprintf(`AND status <> '%s'`, store.ConversationResolved)
	}

	var row conversationRow
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE contact_inbox_id = $1 %s
		ORDER BY created_at DESC
		LIMIT 1
	`, conversationColumns, s.table("conversations"), statusFilter)
	if err := s.db.GetContext(ctx, &row, query, contactInboxID); err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get latest conversation: %w", err)
	}
	return row.toConversation(), nil
}

func (s *Store) CreateConversation(ctx context.Context, data store.ConversationData) (*store.Conversation, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	now := time.Now().UTC()
	id := uuid.New().String()
	query := fmt.Sprintf(`
		INSERT INTO %s (id, tenant_id, inbox_id, contact_id, contact_inbox_id, status, last_activity_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, s.table("conversations"))
	if _, err := s.db.ExecContext(ctx, query,
		id, data.TenantID, data.InboxID, data.ContactID, data.ContactInboxID,
		string(store.ConversationOpen), now, now, now,
	); err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}

	return &store.Conversation{
		ID:             id,
		TenantID:       data.TenantID,
		InboxID:        data.InboxID,
		ContactID:      data.ContactID,
		ContactInboxID: data.ContactInboxID,
		Status:         store.ConversationOpen,
		LastActivityAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

func (s *Store) SetConversationStatus(ctx context.Context, id string, status store.ConversationStatus) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if _, err := uuid.Parse(id); err != nil {
		return store.ErrInvalidID
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	query := fmt.Sprintf(`UPDATE %s SET status = $1, updated_at = $2 WHERE id = $3`, s.table("conversations"))
	result, err := s.db.ExecContext(ctx, query, string(status), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set conversation status: %w", err)
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

func (s *Store) TouchConversation(ctx context.Context, id string, at time.Time) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if _, err := uuid.Parse(id); err != nil {
		return store.ErrInvalidID
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	query := fmt.Sprintf(`UPDATE %s SET last_activity_at = $1, updated_at = $2 WHERE id = $3`, s.table("conversations"))
	result, err := s.db.ExecContext(ctx, query, at, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
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
