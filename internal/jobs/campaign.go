package jobs

import (
	"context"
	"log"
	"time"

	"github.com/cornerstone-re/referral-backend/internal/services"
)

// CampaignJob drives the scheduled blast cadence and housekeeping loops.
type CampaignJob struct {
	scheduler *services.CampaignScheduler
	guard     *services.IdempotencyGuard
	cfg       services.Config
	quit      chan struct{}
}

// NewCampaignJob creates the scheduled job runner.
func NewCampaignJob(scheduler *services.CampaignScheduler, guard *services.IdempotencyGuard, cfg services.Config) *CampaignJob {
	return &CampaignJob{
		scheduler: scheduler,
		guard:     guard,
		cfg:       cfg,
		quit:      make(chan struct{}),
	}
}

// Start begins the blast and cleanup loops.
func (j *CampaignJob) Start() {
	log.Printf("Starting campaign job (cadence %s)", j.cfg.CampaignInterval)
	go j.blastLoop()
	go j.cleanupLoop()
}

// Stop halts the loops. In-flight runs finish on their own.
func (j *CampaignJob) Stop() {
	close(j.quit)
	log.Println("Stopping campaign jobs...")
}

// blastLoop fires a campaign run once per interval. The run itself is
// idempotent per window, so a restart mid-interval cannot double-send.
func (j *CampaignJob) blastLoop() {
	// Run once on startup; RunCampaign no-ops if this window already ran.
	j.runOnce()

	ticker := time.NewTicker(j.cfg.CampaignInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			j.runOnce()
		case <-j.quit:
			return
		}
	}
}

func (j *CampaignJob) runOnce() {
	if _, err := j.scheduler.RunCampaign(context.Background(), time.Now()); err != nil {
		log.Printf("Scheduled campaign run failed: %v", err)
	}
}

// cleanupLoop expires old webhook dedup rows hourly.
func (j *CampaignJob) cleanupLoop() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := j.guard.PurgeExpired(j.cfg.WebhookRetention); err != nil {
				log.Printf("Webhook event cleanup failed: %v", err)
			}
		case <-j.quit:
			return
		}
	}
}
