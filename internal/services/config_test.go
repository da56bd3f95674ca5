package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.InDelta(t, 0.7, cfg.ConfidenceThreshold, 0.001)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 30, cfg.MaxTurns)
	assert.Equal(t, 30*24*time.Hour, cfg.Cooldown)
	assert.Equal(t, 30*24*time.Hour, cfg.CampaignInterval)
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, time.Minute, cfg.BatchInterval)
	assert.InDelta(t, 0.5, cfg.FailureFraction, 0.001)
	assert.Equal(t, 7*24*time.Hour, cfg.WebhookRetention)
	assert.Equal(t, 15*time.Second, cfg.ExternalTimeout)
}

func TestLoadConfigReadsEnvironment(t *testing.T) {
	t.Setenv("CONFIDENCE_THRESHOLD", "0.85")
	t.Setenv("MAX_RETRIES", "5")
	t.Setenv("COOLDOWN_DAYS", "14")
	t.Setenv("BATCH_SIZE", "10")
	t.Setenv("BATCH_INTERVAL_SECONDS", "30")
	t.Setenv("AGENT_CONTACT_PHONE", "+15550009999")

	cfg := LoadConfig()

	assert.InDelta(t, 0.85, cfg.ConfidenceThreshold, 0.001)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 14*24*time.Hour, cfg.Cooldown)
	assert.Equal(t, 10, cfg.BatchSize)
	assert.Equal(t, 30*time.Second, cfg.BatchInterval)
	assert.Equal(t, "+15550009999", cfg.AgentContact)

	// Unset variables keep their defaults.
	assert.Equal(t, 30, cfg.MaxTurns)
}

func TestLoadConfigIgnoresMalformedValues(t *testing.T) {
	t.Setenv("MAX_RETRIES", "lots")
	t.Setenv("CONFIDENCE_THRESHOLD", "high")

	cfg := LoadConfig()

	assert.Equal(t, 3, cfg.MaxRetries)
	assert.InDelta(t, 0.7, cfg.ConfidenceThreshold, 0.001)
}
