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

const messageColumns = `id, tenant_id, conversation_id, direction, content, source_id, status, private, sender_external_id, external_error, attachments, created_at, updated_at`

type messageRow struct {
	ID             string    `db:"id"`
	TenantID       string    `db:"tenant_id"`
	ConversationID string    `db:"conversation_id"`
	Direction      string    `db:"direction"`
	Content        string    `db:"content"`
	SourceID       string    `db:"source_id"`
	Status         string    `db:"status"`
	Private        bool      `db:"private"`
	SenderID       string    `db:"sender_external_id"`
	ExternalError  string    `db:"external_error"`
	Attachments    []byte    `db:"attachments"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

func (r *messageRow) toMessage() (*store.Message, error) {
	var attachments []store.Attachment
	if len(r.Attachments) > 0 {
		if err := json.Unmarshal(r.Attachments, &attachments); err != nil {
			return nil, fmt.Errorf("unmarshal attachments: %w", err)
		}
	}
	return &store.Message{
		ID:             r.ID,
		TenantID:       r.TenantID,
		ConversationID: r.ConversationID,
		Direction:      store.MessageDirection(r.Direction),
		Content:        r.Content,
		SourceID:       r.SourceID,
		Status:         store.MessageStatus(r.Status),
		Private:        r.Private,
		SenderID:       r.SenderID,
		ExternalError:  r.ExternalError,
		Attachments:    attachments,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (*store.Message, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, store.ErrInvalidID
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var row messageRow
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, messageColumns, s.table("messages"))
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	return row.toMessage()
}

func (s *Store) GetMessageBySourceID(ctx context.Context, tenantID, sourceID string) (*store.Message, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if sourceID == "" {
		return nil, store.ErrNotFound
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var row messageRow
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE tenant_id = $1 AND source_id = $2
		LIMIT 1
	`, messageColumns, s.table("messages"))
	if err := s.db.GetContext(ctx, &row, query, tenantID, sourceID); err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get message by source id: %w", err)
	}
	return row.toMessage()
}

func (s *Store) FindPendingOutgoing(ctx context.Context, conversationID string) (*store.Message, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var row messageRow
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE conversation_id = $1 AND direction = $2 AND source_id = '' AND status <> $3
		ORDER BY created_at
		LIMIT 1
	`, messageColumns, s.table("messages"))
	err := s.db.GetContext(ctx, &row, query,
		conversationID, string(store.DirectionOutgoing), string(store.MessageStatusFailed))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("find pending outgoing: %w", err)
	}
	return row.toMessage()
}

func (s *Store) CreateMessage(ctx context.Context, data store.MessageData) (*store.Message, error) {
	msg, _, err := s.insertMessage(ctx, data, "")
	return msg, err
}

// CreateMessageIdempotent atomically creates a message or returns existing.
func (s *Store) CreateMessageIdempotent(ctx context.Context, data store.MessageData, idempotencyKey string) (*store.Message, bool, error) {
	if idempotencyKey == "" {
		return nil, false, store.ErrInvalidIdempotencyKey
	}
	return s.insertMessage(ctx, data, idempotencyKey)
}

func (s *Store) insertMessage(ctx context.Context, data store.MessageData, idempotencyKey string) (*store.Message, bool, error) {
	if err := s.checkConnected(); err != nil {
		return nil, false, err
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	attachmentsJSON, err := json.Marshal(data.Attachments)
	if err != nil {
		return nil, false, fmt.Errorf("marshal attachments: %w", err)
	}
	if data.Attachments == nil {
		attachmentsJSON = []byte(`[]`)
	}

	status := data.Status
	if status == "" {
		status = store.MessageStatusSent
	}

	now := time.Now().UTC()
	id := uuid.New().String()

	var key any
	if idempotencyKey != "" {
		key = idempotencyKey
	}

	// ON CONFLICT covers the partial unique index on (tenant_id,
	// idempotency_key); with a NULL key the insert never conflicts.
	insertQuery := fmt.Sprintf(`
		INSERT INTO %s (id, tenant_id, conversation_id, direction, content, source_id, status,
		                private, sender_external_id, attachments, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (tenant_id, idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING
		RETURNING id, created_at
	`, s.table("messages"))

	var returnedID string
	var createdAt time.Time
	err = s.db.QueryRowContext(ctx, insertQuery,
		id, data.TenantID, data.ConversationID, string(data.Direction), data.Content,
		data.SourceID, string(status), data.Private, data.SenderID, attachmentsJSON,
		key, now, now,
	).Scan(&returnedID, &createdAt)

	if err == sql.ErrNoRows {
		// Conflict occurred - fetch existing
		selectQuery := fmt.Sprintf(`
			SELECT %s FROM %s
			WHERE tenant_id = $1 AND idempotency_key = $2
		`, messageColumns, s.table("messages"))
		var row messageRow
		if err := s.db.GetContext(ctx, &row, selectQuery, data.TenantID, idempotencyKey); err != nil {
			return nil, false, fmt.Errorf("fetch existing: %w", err)
		}
		msg, err := row.toMessage()
		if err != nil {
			return nil, false, err
		}
		return msg, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("insert message: %w", err)
	}

	return &store.Message{
		ID:             returnedID,
		TenantID:       data.TenantID,
		ConversationID: data.ConversationID,
		Direction:      data.Direction,
		Content:        data.Content,
		SourceID:       data.SourceID,
		Status:         status,
		Private:        data.Private,
		SenderID:       data.SenderID,
		Attachments:    data.Attachments,
		CreatedAt:      createdAt,
		UpdatedAt:      now,
	}, true, nil
}

// ClaimMessageSourceID assigns the platform message id only where no id has
// been stored yet. The WHERE guard makes the claim a single atomic
// compare-and-set, so two workers can never both believe they own the send.
func (s *Store) ClaimMessageSourceID(ctx context.Context, id, sourceID string) (bool, error) {
	if err := s.checkConnected(); err != nil {
		return false, err
	}
	if _, err := uuid.Parse(id); err != nil {
		return false, store.ErrInvalidID
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s
		SET source_id = $1, status = $2, external_error = '', updated_at = $3
		WHERE id = $4 AND source_id = ''
	`, s.table("messages"))
	result, err := s.db.ExecContext(ctx, query,
		sourceID, string(store.MessageStatusSent), time.Now().UTC(), id)
	if err != nil {
		return false, fmt.Errorf("claim message source id: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return rows > 0, nil
}

func (s *Store) AdvanceMessageStatus(ctx context.Context, tenantID, sourceID string, status store.MessageStatus) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if sourceID == "" {
		return store.ErrNotFound
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	// Rank comparison in SQL keeps the ladder monotonic under concurrent and
	// out-of-order receipts.
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $1, updated_at = $2
		WHERE tenant_id = $3 AND source_id = $4 AND status <> 'failed'
		  AND CASE status WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 WHEN 'read' THEN 3 ELSE 0 END
		    < CASE $1 WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 WHEN 'read' THEN 3 ELSE 0 END
	`, s.table("messages"))
	result, err := s.db.ExecContext(ctx, query, string(status), time.Now().UTC(), tenantID, sourceID)
	if err != nil {
		return fmt.Errorf("advance message status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		// Distinguish "no such message" from "receipt arrived late".
		existsQuery := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE tenant_id = $1 AND source_id = $2`, s.table("messages"))
		var count int
		if err := s.db.GetContext(ctx, &count, existsQuery, tenantID, sourceID); err != nil {
			return fmt.Errorf("check message exists: %w", err)
		}
		if count == 0 {
			return store.ErrNotFound
		}
	}
	return nil
}

func (s *Store) AdvanceConversationMessages(ctx context.Context, conversationID string, upTo time.Time, status store.MessageStatus) error {
	if err := s.checkConnected(); err != nil {
		return err
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $1, updated_at = $2
		WHERE conversation_id = $3 AND direction = $4 AND created_at <= $5 AND status <> 'failed'
		  AND CASE status WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 WHEN 'read' THEN 3 ELSE 0 END
		    < CASE $1 WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 WHEN 'read' THEN 3 ELSE 0 END
	`, s.table("messages"))
	if _, err := s.db.ExecContext(ctx, query,
		string(status), time.Now().UTC(), conversationID, string(store.DirectionOutgoing), upTo,
	); err != nil {
		return fmt.Errorf("advance conversation messages: %w", err)
	}
	return nil
}

func (s *Store) MarkMessageFailed(ctx context.Context, id, externalError string) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if _, err := uuid.Parse(id); err != nil {
		return store.ErrInvalidID
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s SET status = $1, external_error = $2, updated_at = $3 WHERE id = $4
	`, s.table("messages"))
	result, err := s.db.ExecContext(ctx, query,
		string(store.MessageStatusFailed), store.TruncateExternalError(externalError),
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("mark message failed: %w", err)
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
