// Package memory provides an in-memory implementation of store.Store.
//
// The implementation is safe for concurrent use and mirrors the conflict
// semantics of the postgres backend: unique constraints are checked under a
// single mutex, and idempotent creates return the winner's row. It is intended
// for tests and single-process deployments.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nvats/unibox/store"
)

// Compile-time check
var _ store.Store = (*Store)(nil)

// Store implements store.Store backed by process memory.
type Store struct {
	mu        sync.RWMutex
	connected bool

	channels       map[string]*store.Channel
	inboxes        map[string]*store.Inbox
	contacts       map[string]*store.Contact
	contactInboxes map[string]*store.ContactInbox
	conversations  map[string]*store.Conversation
	messages       map[string]*store.Message

	// contactInboxByKey indexes bindings by inboxID + "\x00" + sourceID.
	contactInboxByKey map[string]string
	// messageByIdemKey indexes messages by tenantID + "\x00" + idempotencyKey.
	messageByIdemKey map[string]string
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		channels:          make(map[string]*store.Channel),
		inboxes:           make(map[string]*store.Inbox),
		contacts:          make(map[string]*store.Contact),
		contactInboxes:    make(map[string]*store.ContactInbox),
		conversations:     make(map[string]*store.Conversation),
		messages:          make(map[string]*store.Message),
		contactInboxByKey: make(map[string]string),
		messageByIdemKey:  make(map[string]string),
	}
}

// Connect marks the store ready.
func (s *Store) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return store.ErrAlreadyConnected
	}
	s.connected = true
	return nil
}

// Close marks the store disconnected.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

func (s *Store) checkConnected() error {
	if !s.connected {
		return store.ErrNotConnected
	}
	return nil
}

func key2(a, b string) string { return a + "\x00" + b }

// =============================================================================
// Channels and inboxes
// =============================================================================

func (s *Store) CreateChannel(ctx context.Context, data store.ChannelData) (*store.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	ch := &store.Channel{
		ID:           uuid.New().String(),
		TenantID:     data.TenantID,
		InboxID:      data.InboxID,
		Type:         data.Type,
		ExternalID:   data.ExternalID,
		SecondaryID:  data.SecondaryID,
		Credentials:  cloneMap(data.Credentials),
		PendingSetup: data.PendingSetup,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.channels[ch.ID] = ch
	return cloneChannel(ch), nil
}

func (s *Store) GetChannel(ctx context.Context, id string) (*store.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	ch, ok := s.channels[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneChannel(ch), nil
}

func (s *Store) GetChannelByExternalID(ctx context.Context, t store.ChannelType, externalID string) (*store.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	pendingOnly := false
	for _, ch := range s.channels {
		if ch.Type != t {
			continue
		}
		if ch.ExternalID != externalID && ch.SecondaryID != externalID {
			continue
		}
		if ch.PendingSetup {
			pendingOnly = true
			continue
		}
		return cloneChannel(ch), nil
	}
	if pendingOnly {
		return nil, store.ErrChannelPending
	}
	return nil, store.ErrNotFound
}

func (s *Store) PromoteChannelExternalID(ctx context.Context, id, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkConnected(); err != nil {
		return err
	}
	ch, ok := s.channels[id]
	if !ok {
		return store.ErrNotFound
	}
	ch.ExternalID = externalID
	ch.PendingSetup = false
	ch.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) CreateInbox(ctx context.Context, data store.InboxData) (*store.Inbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ib := &store.Inbox{
		ID:         uuid.New().String(),
		TenantID:   data.TenantID,
		ChannelID:  data.ChannelID,
		Name:       data.Name,
		WebhookURL: data.WebhookURL,
		CreatedAt:  time.Now().UTC(),
	}
	s.inboxes[ib.ID] = ib
	if ch, ok := s.channels[data.ChannelID]; ok {
		ch.InboxID = ib.ID
	}
	out := *ib
	return &out, nil
}

func (s *Store) GetInbox(ctx context.Context, id string) (*store.Inbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	ib, ok := s.inboxes[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *ib
	return &out, nil
}

// =============================================================================
// Contacts
// =============================================================================

func (s *Store) GetContact(ctx context.Context, id string) (*store.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	c, ok := s.contacts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneContact(c), nil
}

func (s *Store) FindContact(ctx context.Context, tenantID string, by store.ContactLookup) (*store.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	c := s.findContactLocked(tenantID, by)
	if c == nil {
		return nil, store.ErrNotFound
	}
	return cloneContact(c), nil
}

func (s *Store) findContactLocked(tenantID string, by store.ContactLookup) *store.Contact {
	// Deterministic iteration so concurrent callers observe the same match.
	ids := make([]string, 0, len(s.contacts))
	for id := range s.contacts {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	match := func(pred func(*store.Contact) bool) *store.Contact {
		for _, id := range ids {
			c := s.contacts[id]
			if c.TenantID == tenantID && pred(c) {
				return c
			}
		}
		return nil
	}

	if by.FacebookID != "" {
		if c := match(func(c *store.Contact) bool { return c.FacebookID == by.FacebookID }); c != nil {
			return c
		}
	}
	if by.InstagramID != "" {
		if c := match(func(c *store.Contact) bool { return c.InstagramID == by.InstagramID }); c != nil {
			return c
		}
	}
	if by.Email != "" {
		if c := match(func(c *store.Contact) bool { return c.Email == by.Email }); c != nil {
			return c
		}
	}
	if by.PhoneNumber != "" {
		if c := match(func(c *store.Contact) bool { return c.PhoneNumber == by.PhoneNumber }); c != nil {
			return c
		}
	}
	return nil
}

func (s *Store) CreateContact(ctx context.Context, data store.ContactData) (*store.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	c := s.createContactLocked(data)
	return cloneContact(c), nil
}

func (s *Store) createContactLocked(data store.ContactData) *store.Contact {
	now := time.Now().UTC()
	c := &store.Contact{
		ID:          uuid.New().String(),
		TenantID:    data.TenantID,
		Name:        data.Name,
		Email:       data.Email,
		PhoneNumber: data.PhoneNumber,
		FacebookID:  data.FacebookID,
		InstagramID: data.InstagramID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.contacts[c.ID] = c
	return c
}

func (s *Store) MergeContactIdentifiers(ctx context.Context, id string, ids store.ContactIdentifiers) (*store.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	c, ok := s.contacts[id]
	if !ok {
		return nil, store.ErrNotFound
	}

	// First write wins per field.
	changed := false
	if ids.Email != "" && c.Email == "" {
		c.Email = ids.Email
		changed = true
	}
	if ids.PhoneNumber != "" && c.PhoneNumber == "" {
		c.PhoneNumber = ids.PhoneNumber
		changed = true
	}
	if ids.FacebookID != "" && c.FacebookID == "" {
		c.FacebookID = ids.FacebookID
		changed = true
	}
	if ids.InstagramID != "" && c.InstagramID == "" {
		c.InstagramID = ids.InstagramID
		changed = true
	}
	if changed {
		c.UpdatedAt = time.Now().UTC()
	}
	return cloneContact(c), nil
}

// =============================================================================
// Contact inboxes
// =============================================================================

func (s *Store) GetContactInbox(ctx context.Context, inboxID, sourceID string) (*store.ContactInbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	id, ok := s.contactInboxByKey[key2(inboxID, sourceID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *s.contactInboxes[id]
	return &out, nil
}

func (s *Store) GetContactInboxByID(ctx context.Context, id string) (*store.ContactInbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	ci, ok := s.contactInboxes[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *ci
	return &out, nil
}

func (s *Store) CreateContactInbox(ctx context.Context, data store.ContactInboxData) (*store.ContactInbox, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkConnected(); err != nil {
		return nil, false, err
	}
	ci, created := s.createContactInboxLocked(data)
	out := *ci
	return &out, created, nil
}

func (s *Store) createContactInboxLocked(data store.ContactInboxData) (*store.ContactInbox, bool) {
	k := key2(data.InboxID, data.SourceID)
	if id, ok := s.contactInboxByKey[k]; ok {
		return s.contactInboxes[id], false
	}
	ci := &store.ContactInbox{
		ID:        uuid.New().String(),
		ContactID: data.ContactID,
		InboxID:   data.InboxID,
		SourceID:  data.SourceID,
		CreatedAt: time.Now().UTC(),
	}
	s.contactInboxes[ci.ID] = ci
	s.contactInboxByKey[k] = ci.ID
	return ci, true
}

func (s *Store) CreateContactWithInbox(ctx context.Context, contact store.ContactData, inboxID, sourceID string) (*store.Contact, *store.ContactInbox, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkConnected(); err != nil {
		return nil, nil, false, err
	}

	// Conflict path: a concurrent creator won; return its contact.
	if id, ok := s.contactInboxByKey[key2(inboxID, sourceID)]; ok {
		ci := s.contactInboxes[id]
		c, ok := s.contacts[ci.ContactID]
		if !ok {
			return nil, nil, false, store.ErrNotFound
		}
		outCI := *ci
		return cloneContact(c), &outCI, false, nil
	}

	c := s.createContactLocked(contact)
	ci, _ := s.createContactInboxLocked(store.ContactInboxData{
		ContactID: c.ID,
		InboxID:   inboxID,
		SourceID:  sourceID,
	})
	outCI := *ci
	return cloneContact(c), &outCI, true, nil
}

// =============================================================================
// Conversations
// =============================================================================

func (s *Store) GetConversation(ctx context.Context, id string) (*store.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	cv, ok := s.conversations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *cv
	return &out, nil
}

func (s *Store) GetActiveConversation(ctx context.Context, contactInboxID string) (*store.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	cv := s.latestConversationLocked(contactInboxID, true)
	if cv == nil {
		return nil, store.ErrNotFound
	}
	out := *cv
	return &out, nil
}

func (s *Store) GetLatestConversation(ctx context.Context, contactInboxID string) (*store.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	cv := s.latestConversationLocked(contactInboxID, false)
	if cv == nil {
		return nil, store.ErrNotFound
	}
	out := *cv
	return &out, nil
}

func (s *Store) latestConversationLocked(contactInboxID string, activeOnly bool) *store.Conversation {
	var latest *store.Conversation
	for _, cv := range s.conversations {
		if cv.ContactInboxID != contactInboxID {
			continue
		}
		if activeOnly && cv.Status == store.ConversationResolved {
			continue
		}
		if latest == nil || cv.CreatedAt.After(latest.CreatedAt) {
			latest = cv
		}
	}
	return latest
}

func (s *Store) CreateConversation(ctx context.Context, data store.ConversationData) (*store.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	cv := &store.Conversation{
		ID:             uuid.New().String(),
		TenantID:       data.TenantID,
		InboxID:        data.InboxID,
		ContactID:      data.ContactID,
		ContactInboxID: data.ContactInboxID,
		Status:         store.ConversationOpen,
		LastActivityAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.conversations[cv.ID] = cv
	out := *cv
	return &out, nil
}

func (s *Store) SetConversationStatus(ctx context.Context, id string, status store.ConversationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkConnected(); err != nil {
		return err
	}
	cv, ok := s.conversations[id]
	if !ok {
		return store.ErrNotFound
	}
	cv.Status = status
	cv.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) TouchConversation(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkConnected(); err != nil {
		return err
	}
	cv, ok := s.conversations[id]
	if !ok {
		return store.ErrNotFound
	}
	cv.LastActivityAt = at
	cv.UpdatedAt = time.Now().UTC()
	return nil
}

// =============================================================================
// Messages
// =============================================================================

func (s *Store) GetMessage(ctx context.Context, id string) (*store.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	m, ok := s.messages[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneMessage(m), nil
}

func (s *Store) GetMessageBySourceID(ctx context.Context, tenantID, sourceID string) (*store.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	for _, m := range s.messages {
		if m.TenantID == tenantID && m.SourceID == sourceID && sourceID != "" {
			return cloneMessage(m), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) FindPendingOutgoing(ctx context.Context, conversationID string) (*store.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	var oldest *store.Message
	for _, m := range s.messages {
		if m.ConversationID != conversationID || m.Direction != store.DirectionOutgoing || m.SourceID != "" {
			continue
		}
		if m.Status == store.MessageStatusFailed {
			continue
		}
		if oldest == nil || m.CreatedAt.Before(oldest.CreatedAt) {
			oldest = m
		}
	}
	if oldest == nil {
		return nil, store.ErrNotFound
	}
	return cloneMessage(oldest), nil
}

func (s *Store) CreateMessage(ctx context.Context, data store.MessageData) (*store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	m := s.createMessageLocked(data)
	return cloneMessage(m), nil
}

func (s *Store) createMessageLocked(data store.MessageData) *store.Message {
	now := time.Now().UTC()
	status := data.Status
	if status == "" {
		status = store.MessageStatusSent
	}
	m := &store.Message{
		ID:             uuid.New().String(),
		TenantID:       data.TenantID,
		ConversationID: data.ConversationID,
		Direction:      data.Direction,
		Content:        data.Content,
		SourceID:       data.SourceID,
		Status:         status,
		Private:        data.Private,
		SenderID:       data.SenderID,
		Attachments:    append([]store.Attachment(nil), data.Attachments...),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.messages[m.ID] = m
	return m
}

func (s *Store) CreateMessageIdempotent(ctx context.Context, data store.MessageData, idempotencyKey string) (*store.Message, bool, error) {
	if idempotencyKey == "" {
		return nil, false, store.ErrInvalidIdempotencyKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkConnected(); err != nil {
		return nil, false, err
	}

	k := key2(data.TenantID, idempotencyKey)
	if id, ok := s.messageByIdemKey[k]; ok {
		return cloneMessage(s.messages[id]), false, nil
	}

	m := s.createMessageLocked(data)
	s.messageByIdemKey[k] = m.ID
	return cloneMessage(m), true, nil
}

func (s *Store) ClaimMessageSourceID(ctx context.Context, id, sourceID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkConnected(); err != nil {
		return false, err
	}
	m, ok := s.messages[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if m.SourceID != "" {
		return false, nil
	}
	m.SourceID = sourceID
	m.Status = store.MessageStatusSent
	m.ExternalError = ""
	m.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *Store) AdvanceMessageStatus(ctx context.Context, tenantID, sourceID string, status store.MessageStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkConnected(); err != nil {
		return err
	}
	for _, m := range s.messages {
		if m.TenantID != tenantID || m.SourceID != sourceID || sourceID == "" {
			continue
		}
		if store.StatusAdvances(m.Status, status) {
			m.Status = status
			m.UpdatedAt = time.Now().UTC()
		}
		return nil
	}
	return store.ErrNotFound
}

func (s *Store) AdvanceConversationMessages(ctx context.Context, conversationID string, upTo time.Time, status store.MessageStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkConnected(); err != nil {
		return err
	}
	for _, m := range s.messages {
		if m.ConversationID != conversationID || m.Direction != store.DirectionOutgoing {
			continue
		}
		if m.CreatedAt.After(upTo) {
			continue
		}
		if store.StatusAdvances(m.Status, status) {
			m.Status = status
			m.UpdatedAt = time.Now().UTC()
		}
	}
	return nil
}

func (s *Store) MarkMessageFailed(ctx context.Context, id, externalError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkConnected(); err != nil {
		return err
	}
	m, ok := s.messages[id]
	if !ok {
		return store.ErrNotFound
	}
	m.Status = store.MessageStatusFailed
	m.ExternalError = store.TruncateExternalError(externalError)
	m.UpdatedAt = time.Now().UTC()
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

func cloneMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneChannel(ch *store.Channel) *store.Channel {
	out := *ch
	out.Credentials = cloneMap(ch.Credentials)
	return &out
}

func cloneContact(c *store.Contact) *store.Contact {
	out := *c
	return &out
}

func cloneMessage(m *store.Message) *store.Message {
	out := *m
	out.Attachments = append([]store.Attachment(nil), m.Attachments...)
	return &out
}
