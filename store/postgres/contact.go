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

const contactColumns = `id, tenant_id, name, email, phone_number, identifier_facebook, identifier_instagram, created_at, updated_at`

type contactRow struct {
	ID          string    `db:"id"`
	TenantID    string    `db:"tenant_id"`
	Name        string    `db:"name"`
	Email       string    `db:"email"`
	PhoneNumber string    `db:"phone_number"`
	FacebookID  string    `db:"identifier_facebook"`
	InstagramID string    `db:"identifier_instagram"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (r *contactRow) toContact() *store.Contact {
	return &store.Contact{
		ID:          r.ID,
		TenantID:    r.TenantID,
		Name:        r.Name,
		Email:       r.Email,
		PhoneNumber: r.PhoneNumber,
		FacebookID:  r.FacebookID,
		InstagramID: r.InstagramID,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

func (s *Store) GetContact(ctx context.Context, id string) (*store.Contact, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, store.ErrInvalidID
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var row contactRow
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, contactColumns, s.table("contacts"))
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get contact: %w", err)
	}
	return row.toContact(), nil
}

func (s *Store) FindContact(ctx context.Context, tenantID string, by store.ContactLookup) (*store.Contact, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	// One query per identifier, in priority order. The per-identifier indexes
	// make each probe cheap; a single OR query cannot express the priority.
	probes := []struct {
		column string
		value  string
	}{
		{"identifier_facebook", by.FacebookID},
		{"identifier_instagram", by.InstagramID},
		{"email", by.Email},
		{"phone_number", by.PhoneNumber},
	}

	for _, p := range probes {
		if p.value == "" {
			continue
		}
		var row contactRow
		query := fmt.Sprintf(`
			SELECT %s FROM %s
			WHERE tenant_id = $1 AND %s = $2
			ORDER BY created_at
			LIMIT 1
		`, contactColumns, s.table("contacts"), p.column)
		err := s.db.GetContext(ctx, &row, query, tenantID, p.value)
		if err == nil {
			return row.toContact(), nil
		}
		if err != sql.ErrNoRows {
			return nil, fmt.Errorf("find contact by %s: %w", p.column, err)
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) CreateContact(ctx context.Context, data store.ContactData) (*store.Contact, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	return insertContact(ctx, s.db, s.table("contacts"), data)
}

// insertContact runs against either the pool or a transaction.
func insertContact(ctx context.Context, q sqlx.ExtContext, table string, data store.ContactData) (*store.Contact, error) {
	now := time.Now().UTC()
	id := uuid.New().String()
	query := fmt.Sprintf(`
		INSERT INTO %s (id, tenant_id, name, email, phone_number, identifier_facebook, identifier_instagram, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, table)
	if _, err := q.ExecContext(ctx, query,
		id, data.TenantID, data.Name, data.Email, data.PhoneNumber,
		data.FacebookID, data.InstagramID, now, now,
	); err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicateEntry
		}
		return nil, fmt.Errorf("insert contact: %w", err)
	}
	return &store.Contact{
		ID:          id,
		TenantID:    data.TenantID,
		Name:        data.Name,
		Email:       data.Email,
		PhoneNumber: data.PhoneNumber,
		FacebookID:  data.FacebookID,
		InstagramID: data.InstagramID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (s *Store) MergeContactIdentifiers(ctx context.Context, id string, ids store.ContactIdentifiers) (*store.Contact, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, store.ErrInvalidID
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	// NULLIF/empty-check merge: each identifier is written only where the
	// stored value is still empty, so the first write wins per field even
	// under concurrent merges.
	query := fmt.Sprintf(`
		UPDATE %s SET
			email = CASE WHEN email = '' THEN $1 ELSE email END,
			phone_number = CASE WHEN phone_number = '' THEN $2 ELSE phone_number END,
			identifier_facebook = CASE WHEN identifier_facebook = '' THEN $3 ELSE identifier_facebook END,
			identifier_instagram = CASE WHEN identifier_instagram = '' THEN $4 ELSE identifier_instagram END,
			updated_at = $5
		WHERE id = $6
		RETURNING %s
	`, s.table("contacts"), contactColumns)

	var row contactRow
	err := s.db.GetContext(ctx, &row, query,
		ids.Email, ids.PhoneNumber, ids.FacebookID, ids.InstagramID,
		time.Now().UTC(), id,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("merge contact identifiers: %w", err)
	}
	return row.toContact(), nil
}
