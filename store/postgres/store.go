// Package postgres provides a PostgreSQL implementation of store.Store.
//
// Race-safe creation relies on PostgreSQL primitives rather than external
// locks: unique indexes on (inbox_id, source_id) and (tenant_id,
// idempotency_key), INSERT ... ON CONFLICT DO NOTHING RETURNING with a
// re-select on conflict, and a transaction for the contact + contact-inbox
// create path.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/nvats/unibox/store"
)

// Compile-time check
var _ store.Store = (*Store)(nil)

// uniqueViolation is the PostgreSQL error code for unique constraint violations.
const uniqueViolation = "23505"

// Store implements store.Store using PostgreSQL.
type Store struct {
	db        *sqlx.DB
	opts      *options
	connected int32
	logger    *slog.Logger
}

// New creates a new PostgreSQL store with the provided database connection.
// Call Connect() to initialize the schema and indexes.
func New(db *sqlx.DB, opts ...Option) *Store {
	o := newOptions(opts...)
	return &Store{
		db:     db,
		opts:   o,
		logger: o.logger,
	}
}

// NewFromDB creates a new PostgreSQL store from a standard sql.DB connection.
func NewFromDB(db *sql.DB, opts ...Option) *Store {
	return New(sqlx.NewDb(db, "postgres"), opts...)
}

// Connect initializes the schema and indexes.
func (s *Store) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}

	if s.db == nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("postgres: db is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("postgres ping: %w", err)
	}

	if err := s.ensureSchema(ctx); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("ensure schema: %w", err)
	}

	s.logger.Info("connected to PostgreSQL", "prefix", s.opts.prefix)
	return nil
}

// Close marks the store as disconnected.
// The caller is responsible for closing the database connection.
func (s *Store) Close(ctx context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

// checkConnected returns error if not connected.
func (s *Store) checkConnected() error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return store.ErrNotConnected
	}
	return nil
}

// table returns the prefixed table name.
func (s *Store) table(name string) string {
	return s.opts.prefix + name
}

// opCtx applies the per-operation timeout.
func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opts.timeout)
}

// isUniqueViolation reports whether err is a unique constraint violation.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation
}

// ensureSchema creates the required tables and indexes.
func (s *Store) ensureSchema(ctx context.Context) error {
	tables := []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
				tenant_id VARCHAR(255) NOT NULL,
				inbox_id VARCHAR(255) NOT NULL DEFAULT '',
				type VARCHAR(32) NOT NULL,
				external_id VARCHAR(255) NOT NULL DEFAULT '',
				secondary_id VARCHAR(255) NOT NULL DEFAULT '',
				credentials JSONB NOT NULL DEFAULT '{}',
				pending_setup BOOLEAN NOT NULL DEFAULT FALSE,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)
		`, s.table("channels")),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
				tenant_id VARCHAR(255) NOT NULL,
				channel_id UUID NOT NULL,
				name VARCHAR(255) NOT NULL DEFAULT '',
				webhook_url TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)
		`, s.table("inboxes")),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
				tenant_id VARCHAR(255) NOT NULL,
				name VARCHAR(255) NOT NULL DEFAULT '',
				email VARCHAR(255) NOT NULL DEFAULT '',
				phone_number VARCHAR(64) NOT NULL DEFAULT '',
				identifier_facebook VARCHAR(255) NOT NULL DEFAULT '',
				identifier_instagram VARCHAR(255) NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)
		`, s.table("contacts")),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
				contact_id UUID NOT NULL,
				inbox_id VARCHAR(255) NOT NULL,
				source_id VARCHAR(255) NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)
		`, s.table("contact_inboxes")),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
				tenant_id VARCHAR(255) NOT NULL,
				inbox_id VARCHAR(255) NOT NULL,
				contact_id UUID NOT NULL,
				contact_inbox_id UUID NOT NULL,
				status VARCHAR(32) NOT NULL DEFAULT 'open',
				last_activity_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)
		`, s.table("conversations")),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
				tenant_id VARCHAR(255) NOT NULL,
				conversation_id UUID NOT NULL,
				direction VARCHAR(16) NOT NULL,
				content TEXT NOT NULL DEFAULT '',
				source_id VARCHAR(255) NOT NULL DEFAULT '',
				status VARCHAR(32) NOT NULL DEFAULT 'sent',
				private BOOLEAN NOT NULL DEFAULT FALSE,
				sender_external_id VARCHAR(255) NOT NULL DEFAULT '',
				external_error VARCHAR(1000) NOT NULL DEFAULT '',
				attachments JSONB NOT NULL DEFAULT '[]',
				idempotency_key VARCHAR(255),
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)
		`, s.table("messages")),
	}

	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	channels := s.table("channels")
	contacts := s.table("contacts")
	contactInboxes := s.table("contact_inboxes")
	conversations := s.table("conversations")
	messages := s.table("messages")

	indexes := []string{
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_external ON %s(type, external_id)`, channels, channels),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_secondary ON %s(type, secondary_id)`, channels, channels),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_tenant_fb ON %s(tenant_id, identifier_facebook)`, contacts, contacts),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_tenant_ig ON %s(tenant_id, identifier_instagram)`, contacts, contacts),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_tenant_email ON %s(tenant_id, email)`, contacts, contacts),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_tenant_phone ON %s(tenant_id, phone_number)`, contacts, contacts),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_contact_inbox ON %s(contact_inbox_id, created_at DESC)`, conversations, conversations),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_conversation ON %s(conversation_id, created_at)`, messages, messages),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_source ON %s(tenant_id, source_id) WHERE source_id <> ''`, messages, messages),
	}
	for _, idx := range indexes {
		if _, err := s.db.ExecContext(ctx, idx); err != nil {
			s.logger.Warn("failed to create index", "error", err, "sql", idx)
		}
	}

	// Unique constraints the conflict-recovery paths depend on. Failure here
	// is fatal: without them the idempotent creates silently stop being
	// idempotent.
	unique := []string{
		fmt.Sprintf(`
			CREATE UNIQUE INDEX IF NOT EXISTS idx_%s_inbox_source
			ON %s(inbox_id, source_id)
		`, contactInboxes, contactInboxes),
		fmt.Sprintf(`
			CREATE UNIQUE INDEX IF NOT EXISTS idx_%s_idempotency
			ON %s(tenant_id, idempotency_key)
			WHERE idempotency_key IS NOT NULL
		`, messages, messages),
	}
	for _, idx := range unique {
		if _, err := s.db.ExecContext(ctx, idx); err != nil {
			return fmt.Errorf("create unique index: %w", err)
		}
	}

	return nil
}
