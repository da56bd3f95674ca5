package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cornerstone-re/referral-backend/internal/models"
)

// MemoryStore holds all data in memory. Used for tests and for running
// locally with USE_MEMORY_STORE=true.
type MemoryStore struct {
	tenants       map[string]*models.Tenant       // keyed by phone
	conversations map[string]*models.Conversation // keyed by conversation ID
	turns         map[string][]*models.Turn       // keyed by conversation ID
	leads         []*models.Lead
	webhookEvents map[string]*models.WebhookEvent // keyed by dedup key
	runs          map[int64]*models.CampaignRun   // keyed by window unix time

	tenantMu  sync.RWMutex
	convMu    sync.RWMutex
	leadMu    sync.RWMutex
	webhookMu sync.RWMutex
	runMu     sync.RWMutex

	// txMu serializes Transaction blocks. The memory store applies writes
	// immediately and does not simulate rollback.
	txMu sync.Mutex
}

// NewMemoryStore creates a new in-memory storage.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants:       make(map[string]*models.Tenant),
		conversations: make(map[string]*models.Conversation),
		turns:         make(map[string][]*models.Turn),
		webhookEvents: make(map[string]*models.WebhookEvent),
		runs:          make(map[int64]*models.CampaignRun),
	}
}

// Tenant operations

func (m *MemoryStore) CreateTenant(t *models.Tenant) error {
	m.tenantMu.Lock()
	defer m.tenantMu.Unlock()

	t.Phone = models.NormalizePhone(t.Phone)
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	cp := *t
	m.tenants[t.Phone] = &cp
	return nil
}

func (m *MemoryStore) GetTenantByPhone(phone string) (*models.Tenant, error) {
	m.tenantMu.RLock()
	defer m.tenantMu.RUnlock()

	t, exists := m.tenants[models.NormalizePhone(phone)]
	if !exists {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) UpdateTenant(t *models.Tenant) error {
	m.tenantMu.Lock()
	defer m.tenantMu.Unlock()

	if _, exists := m.tenants[t.Phone]; !exists {
		return ErrNotFound
	}
	cp := *t
	m.tenants[t.Phone] = &cp
	return nil
}

func (m *MemoryStore) GetEligibleTenants(contactedBefore time.Time) ([]*models.Tenant, error) {
	m.tenantMu.RLock()
	phones := make([]string, 0, len(m.tenants))
	byPhone := make(map[string]*models.Tenant, len(m.tenants))
	for phone, t := range m.tenants {
		if t.OptOut {
			continue
		}
		if t.LastContactedAt != nil && !t.LastContactedAt.Before(contactedBefore) {
			continue
		}
		phones = append(phones, phone)
		byPhone[phone] = t
	}
	m.tenantMu.RUnlock()

	sort.Strings(phones)

	eligible := []*models.Tenant{}
	for _, phone := range phones {
		active, err := m.GetActiveConversations(phone)
		if err != nil {
			return nil, err
		}
		if len(active) > 0 {
			continue
		}
		cp := *byPhone[phone]
		eligible = append(eligible, &cp)
	}
	return eligible, nil
}

// Conversation operations

func (m *MemoryStore) CreateConversation(c *models.Conversation) error {
	m.convMu.Lock()
	defer m.convMu.Unlock()

	if c.ConversationID == "" {
		c.ConversationID = uuid.NewString()
	}
	now := time.Now()
	if c.OpenedAt.IsZero() {
		c.OpenedAt = now
	}
	if c.LastActivityAt.IsZero() {
		c.LastActivityAt = c.OpenedAt
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	cp := *c
	m.conversations[c.ConversationID] = &cp
	return nil
}

func (m *MemoryStore) GetConversation(conversationID string) (*models.Conversation, error) {
	m.convMu.RLock()
	defer m.convMu.RUnlock()

	c, exists := m.conversations[conversationID]
	if !exists {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) GetActiveConversations(phone string) ([]*models.Conversation, error) {
	m.convMu.RLock()
	defer m.convMu.RUnlock()

	phone = models.NormalizePhone(phone)
	active := []*models.Conversation{}
	for _, c := range m.conversations {
		if c.TenantPhone == phone && !c.State.IsTerminal() {
			cp := *c
			active = append(active, &cp)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].OpenedAt.Before(active[j].OpenedAt)
	})
	return active, nil
}

func (m *MemoryStore) GetLatestConversation(phone string) (*models.Conversation, error) {
	m.convMu.RLock()
	defer m.convMu.RUnlock()

	phone = models.NormalizePhone(phone)
	var latest *models.Conversation
	for _, c := range m.conversations {
		if c.TenantPhone != phone {
			continue
		}
		if latest == nil || c.LastActivityAt.After(latest.LastActivityAt) {
			latest = c
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *MemoryStore) UpdateConversation(c *models.Conversation) error {
	m.convMu.Lock()
	defer m.convMu.Unlock()

	if _, exists := m.conversations[c.ConversationID]; !exists {
		return ErrNotFound
	}
	cp := *c
	m.conversations[c.ConversationID] = &cp
	return nil
}

// Turn operations

func (m *MemoryStore) AppendTurn(t *models.Turn) error {
	m.convMu.Lock()
	defer m.convMu.Unlock()

	if t.SentAt.IsZero() {
		t.SentAt = time.Now()
	}
	cp := *t
	m.turns[t.ConversationID] = append(m.turns[t.ConversationID], &cp)
	return nil
}

func (m *MemoryStore) GetTurns(conversationID string) ([]*models.Turn, error) {
	m.convMu.RLock()
	defer m.convMu.RUnlock()

	turns := make([]*models.Turn, 0, len(m.turns[conversationID]))
	for _, t := range m.turns[conversationID] {
		cp := *t
		turns = append(turns, &cp)
	}
	sort.Slice(turns, func(i, j int) bool {
		return turns[i].SequenceNumber < turns[j].SequenceNumber
	})
	return turns, nil
}

// Lead operations

func (m *MemoryStore) CreateLead(l *models.Lead) error {
	m.leadMu.Lock()
	defer m.leadMu.Unlock()

	if l.LeadID == "" {
		l.LeadID = uuid.NewString()
	}
	if l.ReferredContact != "" {
		l.ReferredContact = models.NormalizePhone(l.ReferredContact)
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	cp := *l
	m.leads = append(m.leads, &cp)
	return nil
}

func (m *MemoryStore) GetLeads() ([]*models.Lead, error) {
	m.leadMu.RLock()
	defer m.leadMu.RUnlock()

	leads := make([]*models.Lead, 0, len(m.leads))
	for _, l := range m.leads {
		cp := *l
		leads = append(leads, &cp)
	}
	return leads, nil
}

// Webhook dedup operations

func (m *MemoryStore) HasWebhookEvent(dedupKey string) (bool, error) {
	m.webhookMu.RLock()
	defer m.webhookMu.RUnlock()

	_, exists := m.webhookEvents[dedupKey]
	return exists, nil
}

func (m *MemoryStore) CreateWebhookEvent(e *models.WebhookEvent) error {
	m.webhookMu.Lock()
	defer m.webhookMu.Unlock()

	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now()
	}
	cp := *e
	m.webhookEvents[e.DedupKey] = &cp
	return nil
}

func (m *MemoryStore) DeleteWebhookEventsBefore(cutoff time.Time) (int64, error) {
	m.webhookMu.Lock()
	defer m.webhookMu.Unlock()

	var deleted int64
	for key, e := range m.webhookEvents {
		if e.ReceivedAt.Before(cutoff) {
			delete(m.webhookEvents, key)
			deleted++
		}
	}
	return deleted, nil
}

// Campaign run operations

func (m *MemoryStore) CreateCampaignRun(r *models.CampaignRun) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if r.RunID == "" {
		r.RunID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = models.RunPending
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	key := r.ScheduledFor.Unix()
	if _, exists := m.runs[key]; exists {
		return ErrDuplicateRun
	}
	cp := *r
	m.runs[key] = &cp
	return nil
}

func (m *MemoryStore) GetCampaignRunByWindow(scheduledFor time.Time) (*models.CampaignRun, error) {
	m.runMu.RLock()
	defer m.runMu.RUnlock()

	r, exists := m.runs[scheduledFor.Unix()]
	if !exists {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) UpdateCampaignRun(r *models.CampaignRun) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	key := r.ScheduledFor.Unix()
	if _, exists := m.runs[key]; !exists {
		return ErrNotFound
	}
	cp := *r
	m.runs[key] = &cp
	return nil
}

func (m *MemoryStore) GetCampaignRuns() ([]*models.CampaignRun, error) {
	m.runMu.RLock()
	defer m.runMu.RUnlock()

	runs := make([]*models.CampaignRun, 0, len(m.runs))
	for _, r := range m.runs {
		cp := *r
		runs = append(runs, &cp)
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].ScheduledFor.Before(runs[j].ScheduledFor)
	})
	return runs, nil
}

// Transaction serializes the block against other transactions. Writes are
// applied as they happen; rollback is not simulated here, the database
// store provides real atomicity.
func (m *MemoryStore) Transaction(fn func(Store) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return fn(m)
}
