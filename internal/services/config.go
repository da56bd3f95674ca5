package services

import (
	"os"
	"strconv"
	"time"
)

// Config carries the tunable thresholds of the referral engine. Every field
// maps to an environment variable; defaults suit a small property portfolio.
type Config struct {
	// ConfidenceThreshold is the minimum extraction confidence required to
	// write a Lead (CONFIDENCE_THRESHOLD).
	ConfidenceThreshold float64
	// MaxRetries bounds re-prompt attempts before escalation (MAX_RETRIES).
	MaxRetries int
	// MaxTurns guards against runaway loops with bots (MAX_TURNS).
	MaxTurns int
	// Cooldown is how long after a terminal conversation a new inbound
	// message opens a fresh conversation (COOLDOWN_DAYS).
	Cooldown time.Duration
	// CampaignInterval is the blast cadence (CAMPAIGN_INTERVAL_DAYS).
	CampaignInterval time.Duration
	// BatchSize is the send cap per batch interval (BATCH_SIZE).
	BatchSize int
	// BatchInterval is the throttle window between campaign batches
	// (BATCH_INTERVAL_SECONDS).
	BatchInterval time.Duration
	// FailureFraction marks a run failed when failures/targeted exceeds it
	// (FAILURE_FRACTION).
	FailureFraction float64
	// WebhookRetention is how long dedup keys are kept
	// (WEBHOOK_RETENTION_DAYS).
	WebhookRetention time.Duration
	// ExternalTimeout bounds LanguageEngine calls
	// (EXTERNAL_TIMEOUT_SECONDS).
	ExternalTimeout time.Duration
	// AgentContact is the phone number escalations are delivered to
	// (AGENT_CONTACT_PHONE).
	AgentContact string
}

// DefaultConfig returns the built-in thresholds.
func DefaultConfig() Config {
	return Config{
		ConfidenceThreshold: 0.7,
		MaxRetries:          3,
		MaxTurns:            30,
		Cooldown:            30 * 24 * time.Hour,
		CampaignInterval:    30 * 24 * time.Hour,
		BatchSize:           50,
		BatchInterval:       time.Minute,
		FailureFraction:     0.5,
		WebhookRetention:    7 * 24 * time.Hour,
		ExternalTimeout:     15 * time.Second,
	}
}

// LoadConfig reads thresholds from the environment, falling back to
// DefaultConfig for anything unset.
func LoadConfig() Config {
	cfg := DefaultConfig()
	cfg.ConfidenceThreshold = envFloat("CONFIDENCE_THRESHOLD", cfg.ConfidenceThreshold)
	cfg.MaxRetries = envInt("MAX_RETRIES", cfg.MaxRetries)
	cfg.MaxTurns = envInt("MAX_TURNS", cfg.MaxTurns)
	cfg.Cooldown = envDays("COOLDOWN_DAYS", cfg.Cooldown)
	cfg.CampaignInterval = envDays("CAMPAIGN_INTERVAL_DAYS", cfg.CampaignInterval)
	cfg.BatchSize = envInt("BATCH_SIZE", cfg.BatchSize)
	cfg.BatchInterval = envSeconds("BATCH_INTERVAL_SECONDS", cfg.BatchInterval)
	cfg.FailureFraction = envFloat("FAILURE_FRACTION", cfg.FailureFraction)
	cfg.WebhookRetention = envDays("WEBHOOK_RETENTION_DAYS", cfg.WebhookRetention)
	cfg.ExternalTimeout = envSeconds("EXTERNAL_TIMEOUT_SECONDS", cfg.ExternalTimeout)
	cfg.AgentContact = os.Getenv("AGENT_CONTACT_PHONE")
	return cfg
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDays(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * 24 * time.Hour
		}
	}
	return fallback
}

func envSeconds(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}
