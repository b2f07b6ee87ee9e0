package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/nvats/unibox/store"
)

const contactInboxColumns = `id, contact_id, inbox_id, source_id, created_at`

type contactInboxRow struct {
	ID        string    `db:"id"`
	ContactID string    `db:"contact_id"`
	InboxID   string    `db:"inbox_id"`
	SourceID  string    `db:"source_id"`
	CreatedAt time.Time `db:"created_at"`
}

func (r *contactInboxRow) toContactInbox() *store.ContactInbox {
	return &store.ContactInbox{
		ID:        r.ID,
		ContactID: r.ContactID,
		InboxID:   r.InboxID,
		SourceID:  r.SourceID,
		CreatedAt: r.CreatedAt,
	}
}

func (s *Store) GetContactInbox(ctx context.Context, inboxID, sourceID string) (*store.ContactInbox, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	row, err := selectContactInbox(ctx, s.db, s.table("contact_inboxes"), inboxID, sourceID)
	if err != nil {
		return nil, err
	}
	return row, nil
}

func selectContactInbox(ctx context.Context, q sqlx.ExtContext, table, inboxID, sourceID string) (*store.ContactInbox, error) {
	var row contactInboxRow
	query := fmt.Sprintf(`
		SELECT %s FROM %s WHERE inbox_id = $1 AND source_id = $2
	`, contactInboxColumns, table)
	if err := sqlx.GetContext(ctx, q, &row, query, inboxID, sourceID); err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get contact inbox: %w", err)
	}
	return row.toContactInbox(), nil
}

func (s *Store) GetContactInboxByID(ctx context.Context, id string) (*store.ContactInbox, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var row contactInboxRow
	query := fmt.Sprintf(`
		SELECT %s FROM %s WHERE id = $1
	`, contactInboxColumns, s.table("contact_inboxes"))
	if err := sqlx.GetContext(ctx, s.db, &row, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get contact inbox by id: %w", err)
	}
	return row.toContactInbox(), nil
}

// CreateContactInbox atomically creates the binding or returns the existing
// one via INSERT ... ON CONFLICT DO NOTHING plus re-select on conflict.
func (s *Store) CreateContactInbox(ctx context.Context, data store.ContactInboxData) (*store.ContactInbox, bool, error) {
	if err := s.checkConnected(); err != nil {
		return nil, false, err
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	now := time.Now().UTC()
	id := uuid.New().String()
	insertQuery := fmt.Sprintf(`
		INSERT INTO %s (id, contact_id, inbox_id, source_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (inbox_id, source_id) DO NOTHING
		RETURNING id, created_at
	`, s.table("contact_inboxes"))

	var returnedID string
	var createdAt time.Time
	err := s.db.QueryRowContext(ctx, insertQuery,
		id, data.ContactID, data.InboxID, data.SourceID, now,
	).Scan(&returnedID, &createdAt)

	if err == sql.ErrNoRows {
		// Conflict occurred - a concurrent creator won. Return theirs.
		existing, err := selectContactInbox(ctx, s.db, s.table("contact_inboxes"), data.InboxID, data.SourceID)
		if err != nil {
			return nil, false, fmt.Errorf("fetch existing: %w", err)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("insert contact inbox: %w", err)
	}

	return &store.ContactInbox{
		ID:        returnedID,
		ContactID: data.ContactID,
		InboxID:   data.InboxID,
		SourceID:  data.SourceID,
		CreatedAt: createdAt,
	}, true, nil
}

// CreateContactWithInbox creates a contact and its inbox binding in one
// transaction. On binding conflict the transaction rolls back and the
// winner's contact is returned, so losers never leave an orphaned contact.
func (s *Store) CreateContactWithInbox(ctx context.Context, contact store.ContactData, inboxID, sourceID string) (*store.Contact, *store.ContactInbox, bool, error) {
	if err := s.checkConnected(); err != nil {
		return nil, nil, false, err
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, nil, false, fmt.Errorf("%w: begin: %v", store.ErrTransactionFailed, err)
	}
	defer func() { _ = tx.Rollback() }()

	created, err := insertContact(ctx, tx, s.table("contacts"), contact)
	if err != nil {
		return nil, nil, false, err
	}

	now := time.Now().UTC()
	bindingID := uuid.New().String()
	insertQuery := fmt.Sprintf(`
		INSERT INTO %s (id, contact_id, inbox_id, source_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (inbox_id, source_id) DO NOTHING
		RETURNING id, created_at
	`, s.table("contact_inboxes"))

	var returnedID string
	var createdAt time.Time
	err = tx.QueryRowContext(ctx, insertQuery,
		bindingID, created.ID, inboxID, sourceID, now,
	).Scan(&returnedID, &createdAt)

	if err == sql.ErrNoRows {
		// Lost the race. Roll back the contact insert and adopt the winner.
		_ = tx.Rollback()
		existing, err := selectContactInbox(ctx, s.db, s.table("contact_inboxes"), inboxID, sourceID)
		if err != nil {
			return nil, nil, false, fmt.Errorf("fetch existing: %w", err)
		}
		winner, err := s.GetContact(ctx, existing.ContactID)
		if err != nil {
			return nil, nil, false, fmt.Errorf("fetch winner contact: %w", err)
		}
		return winner, existing, false, nil
	}
	if err != nil {
		return nil, nil, false, fmt.Errorf("insert contact inbox: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, false, fmt.Errorf("%w: commit: %v", store.ErrTransactionFailed, err)
	}

	return created, &store.ContactInbox{
		ID:        returnedID,
		ContactID: created.ID,
		InboxID:   inboxID,
		SourceID:  sourceID,
		CreatedAt: createdAt,
	}, true, nil
}
