package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CampaignRunStatus is the lifecycle of one blast cycle.
type CampaignRunStatus string

const (
	RunPending   CampaignRunStatus = "pending"
	RunRunning   CampaignRunStatus = "running"
	RunCompleted CampaignRunStatus = "completed"
	RunFailed    CampaignRunStatus = "failed"
)

// CampaignRun is one row per blast window. Completed runs are never
// mutated; a failed run may be retried in place for the same window.
type CampaignRun struct {
	gorm.Model

	RunID           string            `json:"run_id" gorm:"uniqueIndex"`
	ScheduledFor    time.Time         `json:"scheduled_for" gorm:"uniqueIndex"`
	Status          CampaignRunStatus `json:"status"`
	TenantsTargeted int               `json:"tenants_targeted"`
	TenantsSent     int               `json:"tenants_sent"`
	TenantsFailed   int               `json:"tenants_failed"`
	CompletedAt     *time.Time        `json:"completed_at"`
}

// BeforeCreate assigns the public run ID.
func (r *CampaignRun) BeforeCreate(tx *gorm.DB) error {
	if r.RunID == "" {
		r.RunID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = RunPending
	}
	return nil
}
