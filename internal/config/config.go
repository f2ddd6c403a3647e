// Package config loads worker configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all worker configuration.
type Config struct {
	TenantConfigTable          string
	CentralLogDistributionRole string
	AWSRegion                  string
	MaxBatchSize               int
	RetryAttempts              int
	SQSQueueURL                string
	ExecutionMode              string
	SourceBucket               string
	ScanInterval               time.Duration
	S3UsePathStyle             bool
	AWSEndpointURL             string
	LogLevel                   string
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("TENANT_CONFIG_TABLE", "tenant-configurations")
	v.SetDefault("AWS_REGION", "us-east-1")
	v.SetDefault("MAX_BATCH_SIZE", 1000)
	v.SetDefault("RETRY_ATTEMPTS", 3)
	v.SetDefault("EXECUTION_MODE", "batch")
	v.SetDefault("SCAN_INTERVAL", 10)
	v.SetDefault("AWS_S3_USE_PATH_STYLE", false)
	v.SetDefault("LOG_LEVEL", "info")
	v.AutomaticEnv()

	cfg := &Config{
		TenantConfigTable:          v.GetString("TENANT_CONFIG_TABLE"),
		CentralLogDistributionRole: v.GetString("CENTRAL_LOG_DISTRIBUTION_ROLE_ARN"),
		AWSRegion:                  v.GetString("AWS_REGION"),
		MaxBatchSize:               v.GetInt("MAX_BATCH_SIZE"),
		RetryAttempts:              v.GetInt("RETRY_ATTEMPTS"),
		SQSQueueURL:                v.GetString("SQS_QUEUE_URL"),
		ExecutionMode:              v.GetString("EXECUTION_MODE"),
		SourceBucket:               v.GetString("SOURCE_BUCKET"),
		ScanInterval:               time.Duration(v.GetInt("SCAN_INTERVAL")) * time.Second,
		S3UsePathStyle:             v.GetBool("AWS_S3_USE_PATH_STYLE"),
		AWSEndpointURL:             v.GetString("AWS_ENDPOINT_URL"),
		LogLevel:                   v.GetString("LOG_LEVEL"),
	}

	if cfg.MaxBatchSize <= 0 {
		return nil, fmt.Errorf("MAX_BATCH_SIZE must be positive, got %d", cfg.MaxBatchSize)
	}
	if cfg.RetryAttempts <= 0 {
		return nil, fmt.Errorf("RETRY_ATTEMPTS must be positive, got %d", cfg.RetryAttempts)
	}

	return cfg, nil
}

// ValidateForMode checks the requirements a given execution mode adds.
func (c *Config) ValidateForMode(mode string) error {
	switch mode {
	case "batch", "manual":
		return nil
	case "poll":
		if c.SQSQueueURL == "" {
			return fmt.Errorf("poll mode requires SQS_QUEUE_URL")
		}
		return nil
	case "scan":
		if c.SourceBucket == "" {
			return fmt.Errorf("scan mode requires SOURCE_BUCKET")
		}
		return nil
	default:
		return fmt.Errorf("invalid execution mode %q (valid: batch, poll, scan, manual)", mode)
	}
}
