package storage

import (
	"errors"
	"time"

	"github.com/cornerstone-re/referral-backend/internal/models"
)

// ErrNotFound is returned by lookups for rows that do not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateRun is returned when a campaign run already exists for the
// scheduled window.
var ErrDuplicateRun = errors.New("campaign run already exists for window")

// Store defines the persistence operations the referral core needs.
// Methods returning a single row return ErrNotFound when it is absent.
type Store interface {
	// Tenant operations
	CreateTenant(t *models.Tenant) error
	GetTenantByPhone(phone string) (*models.Tenant, error)
	UpdateTenant(t *models.Tenant) error
	// GetEligibleTenants returns tenants with opt_out=false, no active
	// (non-terminal) conversation, and no contact on or after
	// contactedBefore. Never-contacted tenants are always included.
	GetEligibleTenants(contactedBefore time.Time) ([]*models.Tenant, error)

	// Conversation operations
	CreateConversation(c *models.Conversation) error
	GetConversation(conversationID string) (*models.Conversation, error)
	// GetActiveConversations returns every non-terminal conversation for a
	// phone. More than one is an invariant violation the caller must handle.
	GetActiveConversations(phone string) ([]*models.Conversation, error)
	// GetLatestConversation returns the most recently active conversation
	// for a phone, terminal or not.
	GetLatestConversation(phone string) (*models.Conversation, error)
	UpdateConversation(c *models.Conversation) error

	// Turn operations
	AppendTurn(t *models.Turn) error
	GetTurns(conversationID string) ([]*models.Turn, error)

	// Lead operations
	CreateLead(l *models.Lead) error
	GetLeads() ([]*models.Lead, error)

	// Webhook dedup operations
	HasWebhookEvent(dedupKey string) (bool, error)
	CreateWebhookEvent(e *models.WebhookEvent) error
	DeleteWebhookEventsBefore(cutoff time.Time) (int64, error)

	// Campaign run operations
	CreateCampaignRun(r *models.CampaignRun) error
	GetCampaignRunByWindow(scheduledFor time.Time) (*models.CampaignRun, error)
	UpdateCampaignRun(r *models.CampaignRun) error
	GetCampaignRuns() ([]*models.CampaignRun, error)

	// Transaction runs fn against a store whose writes commit atomically.
	// If fn returns an error nothing written inside it is kept.
	Transaction(fn func(Store) error) error
}
