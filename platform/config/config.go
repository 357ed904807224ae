// Package config provides application configuration loading.
// This is part of the platform layer and contains no business logic.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// =============================================================================
// Module-Specific Config Interfaces (Principle of Least Privilege)
// =============================================================================

// DatabaseConfig provides database connection settings.
type DatabaseConfig interface {
	GetDatabaseURL() string
}

// JWTConfig provides JWT validation settings for middleware.
type JWTConfig interface {
	GetJWTAccessSecret() string
}

// HTTPConfig provides settings for the HTTP server.
type HTTPConfig interface {
	GetHTTPAddr() string
	GetCORSAllowAll() bool
	GetCORSOrigins() []string
	GetCORSAllowCreds() bool
}

// SchedulerConfig provides settings for the asynq client and worker.
type SchedulerConfig interface {
	GetRedisURL() string
	GetRedisTLSInsecure() bool
	GetAsynqQueueName() string
	GetAsynqConcurrency() int
	GetMuteSweepInterval() time.Duration
}

// JobPolicyConfig provides the closed job/agent type sets and dispatch limits.
type JobPolicyConfig interface {
	GetJobTypes() []string
	GetAgentTypes() []string
	GetDispatchMaxAttempts() int
}

// GatingConfig provides the fallback gating default applied when an
// organization has no policy row for a source tag.
type GatingConfig interface {
	GetGatingFallbackEnabled() bool
	GetMuteMaxDuration() time.Duration
}

// AgentConfig provides settings for the responder agent harness.
type AgentConfig interface {
	GetAgentAPIKey() string
	GetAgentModel() string
	IsAgentEnabled() bool
}

// ArchiveConfig provides settings for raw payload archival to object storage.
type ArchiveConfig interface {
	GetArchiveEndpoint() string
	GetArchiveAccessKey() string
	GetArchiveSecretKey() string
	GetArchiveUseSSL() bool
	GetArchiveBucket() string
	IsArchiveEnabled() bool
}

// AlertConfig provides settings for operator alert emails.
type AlertConfig interface {
	GetSMTPHost() string
	GetSMTPPort() int
	GetSMTPUsername() string
	GetSMTPPassword() string
	GetAlertFromAddress() string
	GetAlertToAddress() string
	GetAlertRetryThreshold() int
	IsAlertEnabled() bool
}

// =============================================================================
// Main Config Struct
// =============================================================================

// Config holds all application configuration values.
type Config struct {
	Env                 string
	HTTPAddr            string
	DatabaseURL         string
	JWTAccessSecret     string
	CORSAllowAll        bool
	CORSOrigins         []string
	CORSAllowCreds      bool
	RedisURL            string
	RedisTLSInsecure    bool
	AsynqQueueName      string
	AsynqConcurrency    int
	MuteSweepInterval   time.Duration
	JobTypes            []string
	AgentTypes          []string
	DispatchMaxAttempts int
	GatingFallback      bool
	MuteMaxDuration     time.Duration
	AgentAPIKey         string
	AgentModel          string
	ArchiveEndpoint     string
	ArchiveAccessKey    string
	ArchiveSecretKey    string
	ArchiveUseSSL       bool
	ArchiveBucket       string
	SMTPHost            string
	SMTPPort            int
	SMTPUsername        string
	SMTPPassword        string
	AlertFromAddress    string
	AlertToAddress      string
	AlertRetryThreshold int
}

// =============================================================================
// Interface Implementations
// =============================================================================

// DatabaseConfig implementation
func (c *Config) GetDatabaseURL() string { return c.DatabaseURL }

// JWTConfig implementation
func (c *Config) GetJWTAccessSecret() string { return c.JWTAccessSecret }

// HTTPConfig implementation
func (c *Config) GetHTTPAddr() string      { return c.HTTPAddr }
func (c *Config) GetCORSAllowAll() bool    { return c.CORSAllowAll }
func (c *Config) GetCORSOrigins() []string { return c.CORSOrigins }
func (c *Config) GetCORSAllowCreds() bool  { return c.CORSAllowCreds }

// SchedulerConfig implementation
func (c *Config) GetRedisURL() string                 { return c.RedisURL }
func (c *Config) GetRedisTLSInsecure() bool           { return c.RedisTLSInsecure }
func (c *Config) GetAsynqQueueName() string           { return c.AsynqQueueName }
func (c *Config) GetAsynqConcurrency() int            { return c.AsynqConcurrency }
func (c *Config) GetMuteSweepInterval() time.Duration { return c.MuteSweepInterval }

// JobPolicyConfig implementation
func (c *Config) GetJobTypes() []string       { return c.JobTypes }
func (c *Config) GetAgentTypes() []string     { return c.AgentTypes }
func (c *Config) GetDispatchMaxAttempts() int { return c.DispatchMaxAttempts }

// GatingConfig implementation
func (c *Config) GetGatingFallbackEnabled() bool    { return c.GatingFallback }
func (c *Config) GetMuteMaxDuration() time.Duration { return c.MuteMaxDuration }

// AgentConfig implementation
func (c *Config) GetAgentAPIKey() string { return c.AgentAPIKey }
func (c *Config) GetAgentModel() string  { return c.AgentModel }
func (c *Config) IsAgentEnabled() bool   { return c.AgentAPIKey != "" }

// ArchiveConfig implementation
func (c *Config) GetArchiveEndpoint() string  { return c.ArchiveEndpoint }
func (c *Config) GetArchiveAccessKey() string { return c.ArchiveAccessKey }
func (c *Config) GetArchiveSecretKey() string { return c.ArchiveSecretKey }
func (c *Config) GetArchiveUseSSL() bool      { return c.ArchiveUseSSL }
func (c *Config) GetArchiveBucket() string    { return c.ArchiveBucket }
func (c *Config) IsArchiveEnabled() bool      { return c.ArchiveEndpoint != "" }

// AlertConfig implementation
func (c *Config) GetSMTPHost() string         { return c.SMTPHost }
func (c *Config) GetSMTPPort() int            { return c.SMTPPort }
func (c *Config) GetSMTPUsername() string     { return c.SMTPUsername }
func (c *Config) GetSMTPPassword() string     { return c.SMTPPassword }
func (c *Config) GetAlertFromAddress() string { return c.AlertFromAddress }
func (c *Config) GetAlertToAddress() string   { return c.AlertToAddress }
func (c *Config) GetAlertRetryThreshold() int { return c.AlertRetryThreshold }
func (c *Config) IsAlertEnabled() bool {
	return c.SMTPHost != "" && c.AlertToAddress != ""
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	corsOrigins := splitCSV(getEnv("CORS_ORIGINS", "http://localhost:4200"))
	corsAllowAll := strings.EqualFold(getEnv("CORS_ALLOW_ALL", "false"), "true")
	if containsWildcard(corsOrigins) {
		corsAllowAll = true
	}

	cfg := &Config{
		Env:                 getEnv("APP_ENV", "development"),
		HTTPAddr:            getEnv("HTTP_ADDR", ":8080"),
		DatabaseURL:         getEnv("DATABASE_URL", ""),
		JWTAccessSecret:     getEnv("JWT_ACCESS_SECRET", ""),
		CORSAllowAll:        corsAllowAll,
		CORSOrigins:         corsOrigins,
		CORSAllowCreds:      strings.EqualFold(getEnv("CORS_ALLOW_CREDENTIALS", "true"), "true"),
		RedisURL:            getEnv("REDIS_URL", ""),
		RedisTLSInsecure:    strings.EqualFold(getEnv("REDIS_TLS_INSECURE", "false"), "true"),
		AsynqQueueName:      getEnv("ASYNQ_QUEUE", "convoops"),
		AsynqConcurrency:    mustInt(getEnv("ASYNQ_CONCURRENCY", "10")),
		MuteSweepInterval:   mustDuration(getEnv("MUTE_SWEEP_INTERVAL", "5m")),
		JobTypes:            splitCSV(getEnv("JOB_TYPES", "qualify,respond,follow_up,summarize")),
		AgentTypes:          splitCSV(getEnv("AGENT_TYPES", "qualifier,responder,closer")),
		DispatchMaxAttempts: mustInt(getEnv("DISPATCH_MAX_ATTEMPTS", "3")),
		GatingFallback:      strings.EqualFold(getEnv("GATING_FALLBACK_ENABLED", "true"), "true"),
		MuteMaxDuration:     mustDuration(getEnv("MUTE_MAX_DURATION", "168h")),
		AgentAPIKey:         getEnv("AGENT_API_KEY", ""),
		AgentModel:          getEnv("AGENT_MODEL", "kimi-k2.5"),
		ArchiveEndpoint:     getEnv("ARCHIVE_ENDPOINT", ""),
		ArchiveAccessKey:    getEnv("ARCHIVE_ACCESS_KEY", ""),
		ArchiveSecretKey:    getEnv("ARCHIVE_SECRET_KEY", ""),
		ArchiveUseSSL:       strings.EqualFold(getEnv("ARCHIVE_USE_SSL", "false"), "true"),
		ArchiveBucket:       getEnv("ARCHIVE_BUCKET", "webhook-deliveries"),
		SMTPHost:            getEnv("SMTP_HOST", ""),
		SMTPPort:            mustInt(getEnv("SMTP_PORT", "587")),
		SMTPUsername:        getEnv("SMTP_USERNAME", ""),
		SMTPPassword:        getEnv("SMTP_PASSWORD", ""),
		AlertFromAddress:    getEnv("ALERT_FROM_ADDRESS", ""),
		AlertToAddress:      getEnv("ALERT_TO_ADDRESS", ""),
		AlertRetryThreshold: mustInt(getEnv("ALERT_RETRY_THRESHOLD", "3")),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.JWTAccessSecret == "" {
		return nil, fmt.Errorf("JWT_ACCESS_SECRET is required")
	}
	if len(cfg.JobTypes) == 0 {
		return nil, fmt.Errorf("JOB_TYPES must name at least one job type")
	}
	if len(cfg.AgentTypes) == 0 {
		return nil, fmt.Errorf("AGENT_TYPES must name at least one agent type")
	}
	if cfg.CORSAllowAll && cfg.CORSAllowCreds {
		return nil, fmt.Errorf("CORS_ALLOW_CREDENTIALS cannot be true when CORS_ALLOW_ALL is true")
	}
	if cfg.IsAlertEnabled() && cfg.AlertFromAddress == "" {
		return nil, fmt.Errorf("ALERT_FROM_ADDRESS is required when alerting is enabled")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func mustDuration(value string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}
	return d
}

func mustInt(value string) int {
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return result
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	results := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			results = append(results, trimmed)
		}
	}
	return results
}

func containsWildcard(values []string) bool {
	for _, value := range values {
		if value == "*" {
			return true
		}
	}
	return false
}
