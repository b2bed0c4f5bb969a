package config

import (
	"encoding/json"
	"os"
)

const (
	defaultInlineBudget      = 900 << 10 // soft ceiling under the 1 MiB record limit
	defaultFetchTimeout      = 30
	defaultVideoFetchTimeout = 120
	defaultLeaseTTL          = 300
)

// Create new config instance
func NewConfig() *Config {
	return &Config{}
}

// Load configuration file in json format, then overlay secrets from the
// environment and fill unset pipeline defaults.
func (c *Config) Read(file string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, c); err != nil {
		return err
	}

	c.overlayEnv()
	c.applyDefaults()
	return nil
}

func (c *Config) overlayEnv() {
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("R2_ACCESS_KEY_ID"); v != "" {
		c.R2.AccessKeyID = v
	}
	if v := os.Getenv("R2_SECRET_KEY"); v != "" {
		c.R2.SecretKey = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("SENTRY_DSN"); v != "" {
		c.Sentry.SentryDSN = v
	}
}

func (c *Config) applyDefaults() {
	if c.Pipeline.InlineBudgetBytes <= 0 {
		c.Pipeline.InlineBudgetBytes = defaultInlineBudget
	}
	if c.Pipeline.FetchTimeout <= 0 {
		c.Pipeline.FetchTimeout = defaultFetchTimeout
	}
	if c.Pipeline.VideoFetchTimeout <= 0 {
		c.Pipeline.VideoFetchTimeout = defaultVideoFetchTimeout
	}
	if c.Lease.TTL <= 0 {
		c.Lease.TTL = defaultLeaseTTL
	}
}
