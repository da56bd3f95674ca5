package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cornerstone-re/referral-backend/internal/models"
	"github.com/cornerstone-re/referral-backend/internal/storage"
)

// CampaignScheduler opens outreach conversations for every eligible tenant
// in throttled batches and records the result on a CampaignRun row.
type CampaignScheduler struct {
	store      storage.Store
	machine    *StateMachine
	dispatcher Dispatcher
	cfg        Config

	// sleep is swapped out in tests so throttling can be asserted without
	// waiting.
	sleep func(time.Duration)
	now   func() time.Time
}

// NewCampaignScheduler wires the blast engine.
func NewCampaignScheduler(store storage.Store, machine *StateMachine, dispatcher Dispatcher, cfg Config) *CampaignScheduler {
	return &CampaignScheduler{
		store:      store,
		machine:    machine,
		dispatcher: dispatcher,
		cfg:        cfg,
		sleep:      time.Sleep,
		now:        time.Now,
	}
}

// RunCampaign executes one blast for the given window. Re-running a window
// whose run is already running or completed is a no-op; a failed run is
// retried in place. scheduledFor is truncated to the day so every trigger
// inside one cycle lands on the same row.
func (s *CampaignScheduler) RunCampaign(ctx context.Context, scheduledFor time.Time) (*models.CampaignRun, error) {
	window := scheduledFor.UTC().Truncate(24 * time.Hour)

	run, err := s.store.GetCampaignRunByWindow(window)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: look up run for %s: %v", ErrTransientDependency, window.Format("2006-01-02"), err)
	}
	if run != nil {
		switch run.Status {
		case models.RunRunning, models.RunCompleted:
			log.Printf("Campaign run %s for %s already %s, skipping", run.RunID, window.Format("2006-01-02"), run.Status)
			return run, nil
		case models.RunPending, models.RunFailed:
			log.Printf("Retrying campaign run %s for %s (was %s)", run.RunID, window.Format("2006-01-02"), run.Status)
			run.TenantsSent = 0
			run.TenantsFailed = 0
		}
	} else {
		run = &models.CampaignRun{ScheduledFor: window, Status: models.RunPending}
		if err := s.store.CreateCampaignRun(run); err != nil {
			if errors.Is(err, storage.ErrDuplicateRun) {
				// A concurrent trigger won the race; its run owns the window.
				return s.store.GetCampaignRunByWindow(window)
			}
			return nil, fmt.Errorf("%w: create run: %v", ErrTransientDependency, err)
		}
	}

	// Anyone contacted inside the current cadence sits this run out, so a
	// restart or early trigger cannot re-blast yesterday's tenants.
	tenants, err := s.store.GetEligibleTenants(s.now().Add(-s.cfg.CampaignInterval))
	if err != nil {
		return run, fmt.Errorf("%w: select eligible tenants for run %s: %v", ErrTransientDependency, run.RunID, err)
	}

	run.TenantsTargeted = len(tenants)
	run.Status = models.RunRunning
	if err := s.store.UpdateCampaignRun(run); err != nil {
		return run, fmt.Errorf("%w: mark run %s running: %v", ErrTransientDependency, run.RunID, err)
	}

	log.Printf("Campaign run %s targeting %d tenants (batch cap %d per %s)",
		run.RunID, run.TenantsTargeted, s.cfg.BatchSize, s.cfg.BatchInterval)

	for start := 0; start < len(tenants); start += s.cfg.BatchSize {
		if start > 0 {
			// The only backpressure in the system: never send faster than
			// the configured rate, however many tenants are eligible.
			s.sleep(s.cfg.BatchInterval)
		}
		end := start + s.cfg.BatchSize
		if end > len(tenants) {
			end = len(tenants)
		}
		for _, tenant := range tenants[start:end] {
			if err := s.sendToTenant(ctx, tenant); err != nil {
				if errors.Is(err, ErrConversationActive) || errors.Is(err, ErrTenantOptedOut) {
					// Changed under us since selection; not a send failure.
					continue
				}
				log.Printf("Run %s: send to %s failed: %v", run.RunID, tenant.Phone, err)
				run.TenantsFailed++
				continue
			}
			run.TenantsSent++
		}
		if err := s.store.UpdateCampaignRun(run); err != nil {
			log.Printf("Run %s: progress update failed: %v", run.RunID, err)
		}
	}

	now := s.now()
	run.CompletedAt = &now
	run.Status = models.RunCompleted
	if run.TenantsTargeted > 0 &&
		float64(run.TenantsFailed)/float64(run.TenantsTargeted) > s.cfg.FailureFraction {
		// This many failures means a systemic outage, not bad luck.
		run.Status = models.RunFailed
	}
	if err := s.store.UpdateCampaignRun(run); err != nil {
		return run, fmt.Errorf("%w: finalize run %s: %v", ErrTransientDependency, run.RunID, err)
	}

	log.Printf("Campaign run %s %s: %d/%d sent, %d failed",
		run.RunID, run.Status, run.TenantsSent, run.TenantsTargeted, run.TenantsFailed)
	return run, nil
}

// sendToTenant opens the conversation and dispatches the opening message.
func (s *CampaignScheduler) sendToTenant(ctx context.Context, tenant *models.Tenant) error {
	action, err := s.machine.HandleCampaignTrigger(ctx, tenant)
	if err != nil {
		return err
	}
	if action.Type != ActionReply {
		return nil
	}

	if err := s.dispatcher.SendSMS(tenant.Phone, action.ReplyText); err != nil {
		// The opening message never reached the tenant; close the
		// conversation so a retry of this window can target them again.
		if conv, lerr := s.store.GetConversation(action.ConversationID); lerr == nil {
			conv.State = models.StateExpired
			if uerr := s.store.UpdateConversation(conv); uerr != nil {
				log.Printf("Failed to close undelivered conversation %s: %v", conv.ConversationID, uerr)
			}
		}
		return err
	}

	now := s.now()
	tenant.LastContactedAt = &now
	if err := s.store.UpdateTenant(tenant); err != nil {
		log.Printf("Failed to stamp last_contacted_at for %s: %v", tenant.Phone, err)
	}
	return nil
}
