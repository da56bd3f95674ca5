package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cornerstone-re/referral-backend/internal/models"
	"github.com/cornerstone-re/referral-backend/internal/storage"
)

func newTestScheduler(t *testing.T, cfg Config) (*CampaignScheduler, *storage.MemoryStore, *fakeDispatcher, *[]time.Duration) {
	t.Helper()
	store := storage.NewMemoryStore()
	dispatcher := &fakeDispatcher{}
	machine := NewStateMachine(store, &fakeEngine{}, NewHandoffRouter(dispatcher, ""), cfg)
	scheduler := NewCampaignScheduler(store, machine, dispatcher, cfg)

	sleeps := &[]time.Duration{}
	scheduler.sleep = func(d time.Duration) { *sleeps = append(*sleeps, d) }
	return scheduler, store, dispatcher, sleeps
}

func TestRunCampaignSendsBlastToEligibleTenants(t *testing.T) {
	scheduler, store, dispatcher, _ := newTestScheduler(t, DefaultConfig())
	seedTenant(t, store, "+15552220001")
	seedTenant(t, store, "+15552220002")
	optedOut := seedTenant(t, store, "+15552220003")
	optedOut.OptOut = true
	require.NoError(t, store.UpdateTenant(optedOut))

	run, err := scheduler.RunCampaign(context.Background(), time.Now())
	require.NoError(t, err)

	assert.Equal(t, models.RunCompleted, run.Status)
	assert.Equal(t, 2, run.TenantsTargeted)
	assert.Equal(t, 2, run.TenantsSent)
	assert.Zero(t, run.TenantsFailed)
	require.NotNil(t, run.CompletedAt)

	require.Len(t, dispatcher.sent, 2)
	for _, sms := range dispatcher.sent {
		assert.NotEqual(t, "+15552220003", sms.to)
		assert.Contains(t, sms.body, "Cornerstone")
	}

	// Every contacted tenant has an open conversation and a contact stamp.
	for _, phone := range []string{"+15552220001", "+15552220002"} {
		active, err := store.GetActiveConversations(phone)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, models.StateAwaitingConsent, active[0].State)
		assert.Equal(t, models.OriginCampaign, active[0].Origin)

		tenant, err := store.GetTenantByPhone(phone)
		require.NoError(t, err)
		assert.NotNil(t, tenant.LastContactedAt)
	}
}

func TestRunCampaignWindowIdempotent(t *testing.T) {
	scheduler, store, dispatcher, _ := newTestScheduler(t, DefaultConfig())
	seedTenant(t, store, "+15552220010")

	when := time.Now()
	first, err := scheduler.RunCampaign(context.Background(), when)
	require.NoError(t, err)
	require.Equal(t, models.RunCompleted, first.Status)
	sendsAfterFirst := len(dispatcher.sent)

	// Same window, hours later: the completed run short-circuits.
	second, err := scheduler.RunCampaign(context.Background(), when.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, first.RunID, second.RunID)
	assert.Len(t, dispatcher.sent, sendsAfterFirst)

	runs, err := store.GetCampaignRuns()
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestRunCampaignThrottlesBatches(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchSize = 3
	cfg.BatchInterval = 45 * time.Second
	scheduler, store, dispatcher, sleeps := newTestScheduler(t, cfg)

	for _, suffix := range []string{"31", "32", "33", "34", "35", "36", "37"} {
		seedTenant(t, store, "+155522200"+suffix)
	}

	run, err := scheduler.RunCampaign(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 7, run.TenantsSent)
	assert.Len(t, dispatcher.sent, 7)

	// 7 tenants in batches of 3: a pause before batch two and batch three.
	require.Len(t, *sleeps, 2)
	for _, d := range *sleeps {
		assert.Equal(t, 45*time.Second, d)
	}
}

func TestRunCampaignMarksFailedPastFailureFraction(t *testing.T) {
	scheduler, store, dispatcher, _ := newTestScheduler(t, DefaultConfig())
	dispatcher.err = errors.New("carrier down")
	seedTenant(t, store, "+15552220040")
	seedTenant(t, store, "+15552220041")

	run, err := scheduler.RunCampaign(context.Background(), time.Now())
	require.NoError(t, err)

	assert.Equal(t, models.RunFailed, run.Status)
	assert.Equal(t, 2, run.TenantsTargeted)
	assert.Zero(t, run.TenantsSent)
	assert.Equal(t, 2, run.TenantsFailed)
}

func TestRunCampaignRetriesFailedWindow(t *testing.T) {
	scheduler, store, dispatcher, _ := newTestScheduler(t, DefaultConfig())
	dispatcher.err = errors.New("carrier down")
	seedTenant(t, store, "+15552220050")

	when := time.Now()
	failed, err := scheduler.RunCampaign(context.Background(), when)
	require.NoError(t, err)
	require.Equal(t, models.RunFailed, failed.Status)

	// Outage over: the same window retries in place on the same row.
	dispatcher.err = nil
	retried, err := scheduler.RunCampaign(context.Background(), when)
	require.NoError(t, err)
	assert.Equal(t, failed.RunID, retried.RunID)
	assert.Equal(t, models.RunCompleted, retried.Status)
	assert.Equal(t, 1, retried.TenantsSent)
	assert.Zero(t, retried.TenantsFailed)
}

func TestRunCampaignExcludesRecentlyContactedTenants(t *testing.T) {
	scheduler, store, dispatcher, _ := newTestScheduler(t, DefaultConfig())
	tenant := seedTenant(t, store, "+15552220070")

	first, err := scheduler.RunCampaign(context.Background(), time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, first.TenantsSent)

	// The conversation closes the same day, so the tenant has no active
	// conversation when the next day's window fires (e.g. on a restart).
	active, err := store.GetActiveConversations(tenant.Phone)
	require.NoError(t, err)
	require.Len(t, active, 1)
	active[0].State = models.StateDeclined
	require.NoError(t, store.UpdateConversation(active[0]))

	second, err := scheduler.RunCampaign(context.Background(), time.Now().Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, second.Status)
	assert.Zero(t, second.TenantsTargeted, "contacted yesterday, still inside the cadence")
	assert.Len(t, dispatcher.sent, 1, "no second blast")
}

func TestRunCampaignSkipsTenantsWithActiveConversations(t *testing.T) {
	scheduler, store, dispatcher, _ := newTestScheduler(t, DefaultConfig())
	seedTenant(t, store, "+15552220060")
	busy := seedTenant(t, store, "+15552220061")
	require.NoError(t, store.CreateConversation(&models.Conversation{
		TenantPhone: busy.Phone,
		State:       models.StateCollectingReferral,
		Origin:      models.OriginInbound,
	}))

	run, err := scheduler.RunCampaign(context.Background(), time.Now())
	require.NoError(t, err)

	assert.Equal(t, 1, run.TenantsTargeted)
	assert.Equal(t, 1, run.TenantsSent)
	require.Len(t, dispatcher.sent, 1)
	assert.Equal(t, "+15552220060", dispatcher.sent[0].to)
}
