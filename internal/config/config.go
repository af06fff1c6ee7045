// Package config provides application configuration.
//
// Configuration is loaded from environment variables with sensible
// defaults, grouped the way the upstream operational surfaces of the
// coordinator are grouped: the ephemeral store connection, the audit
// store, the queue, assignment, lock, message, and presence tunables
// enumerated in spec.md §6, and the HTTP surface.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// RedisConfig holds the ephemeral store connection.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// QueueConfig holds queue.* tunables (spec.md §6).
type QueueConfig struct {
	BroadcastMaxEntries int           // queue.broadcastMaxEntries
	PurgeAge            time.Duration // queue.purgeAge
	PerAgentConcurrency int           // queue.perAgentConcurrency
}

// AssignmentConfig holds assignment.* tunables.
type AssignmentConfig struct {
	LeaseTTL time.Duration // assignment.leaseTtl
}

// MessageConfig holds message.* tunables.
type MessageConfig struct {
	MaxBytes  int           // message.maxBytes
	Retention time.Duration // message.retention
	TailLimit int           // default tail size when a caller omits limit
}

// LockConfig holds lock.* tunables.
type LockConfig struct {
	AcquireTimeout time.Duration // lock.acquireTimeout
	LeaseTTL       time.Duration // lock.leaseTtl
}

// PresenceConfig holds presence.* tunables.
type PresenceConfig struct {
	TTL time.Duration // presence.ttl
}

// SweeperConfig holds the scheduled background-job tunables.
type SweeperConfig struct {
	QueuePurgeCron     string
	PresenceReapCron   string
	AssignmentReapCron string
}

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	AuditDBPath string
	MetricsPort string

	Redis      RedisConfig
	Queue      QueueConfig
	Assignment AssignmentConfig
	Message    MessageConfig
	Lock       LockConfig
	Presence   PresenceConfig
	Sweeper    SweeperConfig
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		AuditDBPath: getEnv("AUDIT_DB_PATH", "./data/chatcoord.db"),
		MetricsPort: getEnv("METRICS_PORT", "9090"),

		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Queue: QueueConfig{
			BroadcastMaxEntries: getEnvInt("QUEUE_BROADCAST_MAX_ENTRIES", 50),
			PurgeAge:            getEnvDuration("QUEUE_PURGE_AGE", time.Hour),
			PerAgentConcurrency: getEnvInt("QUEUE_PER_AGENT_CONCURRENCY", 3),
		},
		Assignment: AssignmentConfig{
			LeaseTTL: getEnvDuration("ASSIGNMENT_LEASE_TTL", 2*time.Minute),
		},
		Message: MessageConfig{
			MaxBytes:  getEnvInt("MESSAGE_MAX_BYTES", 4096),
			Retention: getEnvDuration("MESSAGE_RETENTION", 24*time.Hour),
			TailLimit: getEnvInt("MESSAGE_TAIL_LIMIT", 100),
		},
		Lock: LockConfig{
			AcquireTimeout: getEnvDuration("LOCK_ACQUIRE_TIMEOUT", 5*time.Second),
			LeaseTTL:       getEnvDuration("LOCK_LEASE_TTL", 10*time.Second),
		},
		Presence: PresenceConfig{
			TTL: getEnvDuration("PRESENCE_TTL", 30*time.Second),
		},
		Sweeper: SweeperConfig{
			QueuePurgeCron:     getEnv("SWEEPER_QUEUE_PURGE_CRON", "@every 1m"),
			PresenceReapCron:   getEnv("SWEEPER_PRESENCE_REAP_CRON", "@every 30s"),
			AssignmentReapCron: getEnv("SWEEPER_ASSIGNMENT_REAP_CRON", "@every 1m"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.AuditDBPath == "" {
		return fmt.Errorf("AUDIT_DB_PATH cannot be empty")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("REDIS_ADDR cannot be empty")
	}
	if c.Queue.PerAgentConcurrency <= 0 {
		return fmt.Errorf("QUEUE_PER_AGENT_CONCURRENCY must be > 0")
	}
	if c.Message.MaxBytes <= 0 {
		return fmt.Errorf("MESSAGE_MAX_BYTES must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
