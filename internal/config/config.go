// Package config provides configuration parsing and validation for the alert engine.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Lock backends.
const (
	LockLocal = "local"
	LockRedis = "redis"
)

// DefaultRetentionDays is how long closed alerts are kept by default.
const DefaultRetentionDays = 90

// Config holds all configuration parameters for the alert engine.
type Config struct {
	PostgresDSN      string
	RedisAddr        string
	KafkaBrokers     string
	AlertEventsTopic string
	HTTPAddr         string
	Devices          string
	RulesFile        string
	LockBackend      string

	EmailFrom     string
	EmailProvider string
	EmailFallback string
	SMSGatewayURL string
	SMSRate       float64
	SMSBurst      int

	ChannelTimeout      time.Duration
	DeviceTimeout       time.Duration
	MaxDeliveryAttempts int
	RetentionDays       int

	StatsIncludeSuppressed bool

	RuleSweepSchedule string
	RetrySchedule     string
	CleanupSchedule   string
	ReportSchedule    string
	HealthSchedule    string
}

// Validate checks that all required configuration fields are set and have valid values.
// Returns an error if validation fails, nil otherwise.
func (c *Config) Validate() error {
	if c.RedisAddr == "" {
		return fmt.Errorf("redis-addr cannot be empty")
	}
	if c.HTTPAddr == "" {
		return fmt.Errorf("http-addr cannot be empty")
	}
	if c.KafkaBrokers != "" && c.AlertEventsTopic == "" {
		return fmt.Errorf("alert-events-topic cannot be empty when kafka-brokers is set")
	}
	if c.LockBackend != LockLocal && c.LockBackend != LockRedis {
		return fmt.Errorf("lock-backend must be %q or %q, got %q", LockLocal, LockRedis, c.LockBackend)
	}
	if c.SMSRate < 0 {
		return fmt.Errorf("sms-rate cannot be negative")
	}
	if c.SMSBurst < 0 {
		return fmt.Errorf("sms-burst cannot be negative")
	}
	if c.ChannelTimeout <= 0 {
		return fmt.Errorf("channel-timeout must be positive")
	}
	if c.DeviceTimeout <= 0 {
		return fmt.Errorf("device-timeout must be positive")
	}
	if c.MaxDeliveryAttempts < 1 {
		return fmt.Errorf("max-delivery-attempts must be at least 1")
	}
	if c.RetentionDays < 1 {
		return fmt.Errorf("retention-days must be at least 1")
	}
	return nil
}

// DeviceList returns the configured device IDs.
func (c *Config) DeviceList() []string {
	return SplitList(c.Devices)
}

// BrokerList returns the configured Kafka brokers.
func (c *Config) BrokerList() []string {
	return SplitList(c.KafkaBrokers)
}

// Retention returns the alert retention horizon.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// SplitList splits a comma-separated value, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// GetEnvOrDefault returns the environment variable value or a default if not set.
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// MaskDSN masks sensitive information in a DSN for logging.
func MaskDSN(dsn string) string {
	if dsn == "" {
		return ""
	}
	if len(dsn) > 50 {
		return dsn[:20] + "***" + dsn[len(dsn)-20:]
	}
	return "***"
}
