package storage

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/cornerstone-re/referral-backend/internal/models"
)

// DatabaseStore implements Store on top of gorm/Postgres.
type DatabaseStore struct {
	db *gorm.DB
}

// NewDatabaseStore creates a new database-backed storage.
func NewDatabaseStore(db *gorm.DB) *DatabaseStore {
	return &DatabaseStore{db: db}
}

func translateErr(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// Tenant operations

func (s *DatabaseStore) CreateTenant(t *models.Tenant) error {
	return s.db.Create(t).Error
}

func (s *DatabaseStore) GetTenantByPhone(phone string) (*models.Tenant, error) {
	var tenant models.Tenant
	err := s.db.Where("phone = ?", models.NormalizePhone(phone)).First(&tenant).Error
	if err != nil {
		return nil, translateErr(err)
	}
	return &tenant, nil
}

func (s *DatabaseStore) UpdateTenant(t *models.Tenant) error {
	return s.db.Save(t).Error
}

func (s *DatabaseStore) GetEligibleTenants(contactedBefore time.Time) ([]*models.Tenant, error) {
	terminal := []models.ConversationState{
		models.StateLeadCaptured, models.StateDeclined,
		models.StateEscalated, models.StateExpired,
	}
	var tenants []*models.Tenant
	err := s.db.
		Where("opt_out = ?", false).
		Where("last_contacted_at IS NULL OR last_contacted_at < ?", contactedBefore).
		Where("NOT EXISTS (SELECT 1 FROM conversations c WHERE c.tenant_phone = tenants.phone AND c.deleted_at IS NULL AND c.state NOT IN ?)", terminal).
		Order("phone").
		Find(&tenants).Error
	if err != nil {
		return nil, err
	}
	return tenants, nil
}

// Conversation operations

func (s *DatabaseStore) CreateConversation(c *models.Conversation) error {
	return s.db.Create(c).Error
}

func (s *DatabaseStore) GetConversation(conversationID string) (*models.Conversation, error) {
	var conv models.Conversation
	err := s.db.Where("conversation_id = ?", conversationID).First(&conv).Error
	if err != nil {
		return nil, translateErr(err)
	}
	return &conv, nil
}

func (s *DatabaseStore) GetActiveConversations(phone string) ([]*models.Conversation, error) {
	terminal := []models.ConversationState{
		models.StateLeadCaptured, models.StateDeclined,
		models.StateEscalated, models.StateExpired,
	}
	var convs []*models.Conversation
	err := s.db.
		Where("tenant_phone = ?", models.NormalizePhone(phone)).
		Where("state NOT IN ?", terminal).
		Order("opened_at").
		Find(&convs).Error
	if err != nil {
		return nil, err
	}
	return convs, nil
}

func (s *DatabaseStore) GetLatestConversation(phone string) (*models.Conversation, error) {
	var conv models.Conversation
	err := s.db.
		Where("tenant_phone = ?", models.NormalizePhone(phone)).
		Order("last_activity_at DESC").
		First(&conv).Error
	if err != nil {
		return nil, translateErr(err)
	}
	return &conv, nil
}

func (s *DatabaseStore) UpdateConversation(c *models.Conversation) error {
	return s.db.Save(c).Error
}

// Turn operations

func (s *DatabaseStore) AppendTurn(t *models.Turn) error {
	return s.db.Create(t).Error
}

func (s *DatabaseStore) GetTurns(conversationID string) ([]*models.Turn, error) {
	var turns []*models.Turn
	err := s.db.
		Where("conversation_id = ?", conversationID).
		Order("sequence_number").
		Find(&turns).Error
	if err != nil {
		return nil, err
	}
	return turns, nil
}

// Lead operations

func (s *DatabaseStore) CreateLead(l *models.Lead) error {
	return s.db.Create(l).Error
}

func (s *DatabaseStore) GetLeads() ([]*models.Lead, error) {
	var leads []*models.Lead
	if err := s.db.Order("created_at DESC").Find(&leads).Error; err != nil {
		return nil, err
	}
	return leads, nil
}

// Webhook dedup operations

func (s *DatabaseStore) HasWebhookEvent(dedupKey string) (bool, error) {
	var count int64
	err := s.db.Model(&models.WebhookEvent{}).
		Where("dedup_key = ?", dedupKey).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *DatabaseStore) CreateWebhookEvent(e *models.WebhookEvent) error {
	return s.db.Create(e).Error
}

func (s *DatabaseStore) DeleteWebhookEventsBefore(cutoff time.Time) (int64, error) {
	res := s.db.Unscoped().
		Where("received_at < ?", cutoff).
		Delete(&models.WebhookEvent{})
	return res.RowsAffected, res.Error
}

// Campaign run operations

func (s *DatabaseStore) CreateCampaignRun(r *models.CampaignRun) error {
	var count int64
	err := s.db.Model(&models.CampaignRun{}).
		Where("scheduled_for = ?", r.ScheduledFor).
		Count(&count).Error
	if err != nil {
		return err
	}
	if count > 0 {
		return ErrDuplicateRun
	}
	return s.db.Create(r).Error
}

func (s *DatabaseStore) GetCampaignRunByWindow(scheduledFor time.Time) (*models.CampaignRun, error) {
	var run models.CampaignRun
	err := s.db.Where("scheduled_for = ?", scheduledFor).First(&run).Error
	if err != nil {
		return nil, translateErr(err)
	}
	return &run, nil
}

func (s *DatabaseStore) UpdateCampaignRun(r *models.CampaignRun) error {
	return s.db.Save(r).Error
}

func (s *DatabaseStore) GetCampaignRuns() ([]*models.CampaignRun, error) {
	var runs []*models.CampaignRun
	if err := s.db.Order("scheduled_for DESC").Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

// Transaction wraps fn in a database transaction.
func (s *DatabaseStore) Transaction(fn func(Store) error) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		return fn(&DatabaseStore{db: tx})
	})
}
