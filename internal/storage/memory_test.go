package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cornerstone-re/referral-backend/internal/models"
)

func TestMemoryStoreNormalizesTenantPhones(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.CreateTenant(&models.Tenant{Phone: "(555) 123-4567", Name: "Jamie"}))

	tenant, err := store.GetTenantByPhone("5551234567")
	require.NoError(t, err)
	assert.Equal(t, "+15551234567", tenant.Phone)
	assert.Equal(t, "Jamie", tenant.Name)

	_, err = store.GetTenantByPhone("+15550000000")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.CreateTenant(&models.Tenant{Phone: "+15551234567"}))

	first, err := store.GetTenantByPhone("+15551234567")
	require.NoError(t, err)
	first.Name = "mutated"

	second, err := store.GetTenantByPhone("+15551234567")
	require.NoError(t, err)
	assert.Empty(t, second.Name)
}

func TestMemoryStoreActiveConversationsExcludeTerminal(t *testing.T) {
	store := NewMemoryStore()
	phone := "+15551234567"

	open := &models.Conversation{TenantPhone: phone, State: models.StateCollectingReferral}
	require.NoError(t, store.CreateConversation(open))
	for _, state := range []models.ConversationState{
		models.StateLeadCaptured, models.StateDeclined, models.StateEscalated, models.StateExpired,
	} {
		require.NoError(t, store.CreateConversation(&models.Conversation{TenantPhone: phone, State: state}))
	}

	active, err := store.GetActiveConversations(phone)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, open.ConversationID, active[0].ConversationID)
}

func TestMemoryStoreLatestConversationByActivity(t *testing.T) {
	store := NewMemoryStore()
	phone := "+15551234567"
	old := &models.Conversation{
		TenantPhone:    phone,
		State:          models.StateDeclined,
		LastActivityAt: time.Now().Add(-48 * time.Hour),
	}
	recent := &models.Conversation{
		TenantPhone:    phone,
		State:          models.StateLeadCaptured,
		LastActivityAt: time.Now().Add(-time.Hour),
	}
	require.NoError(t, store.CreateConversation(old))
	require.NoError(t, store.CreateConversation(recent))

	latest, err := store.GetLatestConversation(phone)
	require.NoError(t, err)
	assert.Equal(t, recent.ConversationID, latest.ConversationID)

	_, err = store.GetLatestConversation("+15550000000")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreTurnsSortedBySequence(t *testing.T) {
	store := NewMemoryStore()
	conv := &models.Conversation{TenantPhone: "+15551234567", State: models.StateCollectingReferral}
	require.NoError(t, store.CreateConversation(conv))

	for _, seq := range []int{3, 1, 2} {
		require.NoError(t, store.AppendTurn(&models.Turn{
			ConversationID: conv.ConversationID,
			SequenceNumber: seq,
			Direction:      models.DirectionInbound,
			RawText:        "msg",
		}))
	}

	turns, err := store.GetTurns(conv.ConversationID)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	for i, turn := range turns {
		assert.Equal(t, i+1, turn.SequenceNumber)
	}
}

func TestMemoryStoreEligibleTenants(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.CreateTenant(&models.Tenant{Phone: "+15551110001"}))
	require.NoError(t, store.CreateTenant(&models.Tenant{Phone: "+15551110002", OptOut: true}))
	require.NoError(t, store.CreateTenant(&models.Tenant{Phone: "+15551110003"}))
	require.NoError(t, store.CreateConversation(&models.Conversation{
		TenantPhone: "+15551110003",
		State:       models.StateAwaitingConsent,
	}))
	require.NoError(t, store.CreateTenant(&models.Tenant{Phone: "+15551110004"}))
	// A closed conversation does not block re-targeting.
	require.NoError(t, store.CreateConversation(&models.Conversation{
		TenantPhone: "+15551110004",
		State:       models.StateDeclined,
	}))
	recently := time.Now().Add(-24 * time.Hour)
	require.NoError(t, store.CreateTenant(&models.Tenant{Phone: "+15551110005", LastContactedAt: &recently}))
	longAgo := time.Now().Add(-60 * 24 * time.Hour)
	require.NoError(t, store.CreateTenant(&models.Tenant{Phone: "+15551110006", LastContactedAt: &longAgo}))

	eligible, err := store.GetEligibleTenants(time.Now().Add(-30 * 24 * time.Hour))
	require.NoError(t, err)
	require.Len(t, eligible, 3)
	assert.Equal(t, "+15551110001", eligible[0].Phone)
	assert.Equal(t, "+15551110004", eligible[1].Phone)
	assert.Equal(t, "+15551110006", eligible[2].Phone)
}

func TestMemoryStoreCampaignRunWindowUnique(t *testing.T) {
	store := NewMemoryStore()
	window := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	first := &models.CampaignRun{ScheduledFor: window}
	require.NoError(t, store.CreateCampaignRun(first))
	assert.NotEmpty(t, first.RunID)
	assert.Equal(t, models.RunPending, first.Status)

	err := store.CreateCampaignRun(&models.CampaignRun{ScheduledFor: window})
	assert.ErrorIs(t, err, ErrDuplicateRun)

	found, err := store.GetCampaignRunByWindow(window)
	require.NoError(t, err)
	assert.Equal(t, first.RunID, found.RunID)

	_, err = store.GetCampaignRunByWindow(window.AddDate(0, 1, 0))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreWebhookEventLifecycle(t *testing.T) {
	store := NewMemoryStore()

	seen, err := store.HasWebhookEvent("SM1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, store.CreateWebhookEvent(&models.WebhookEvent{
		DedupKey:   "SM1",
		ReceivedAt: time.Now().Add(-8 * 24 * time.Hour),
	}))
	require.NoError(t, store.CreateWebhookEvent(&models.WebhookEvent{
		DedupKey:   "SM2",
		ReceivedAt: time.Now(),
	}))

	seen, err = store.HasWebhookEvent("SM1")
	require.NoError(t, err)
	assert.True(t, seen)

	deleted, err := store.DeleteWebhookEventsBefore(time.Now().Add(-7 * 24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	seen, err = store.HasWebhookEvent("SM1")
	require.NoError(t, err)
	assert.False(t, seen)
	seen, err = store.HasWebhookEvent("SM2")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestMemoryStoreTransactionAppliesWrites(t *testing.T) {
	store := NewMemoryStore()

	err := store.Transaction(func(tx Store) error {
		if err := tx.CreateTenant(&models.Tenant{Phone: "+15551234567"}); err != nil {
			return err
		}
		return tx.CreateWebhookEvent(&models.WebhookEvent{DedupKey: "SM3", ReceivedAt: time.Now()})
	})
	require.NoError(t, err)

	_, err = store.GetTenantByPhone("+15551234567")
	assert.NoError(t, err)
	seen, err := store.HasWebhookEvent("SM3")
	require.NoError(t, err)
	assert.True(t, seen)
}
