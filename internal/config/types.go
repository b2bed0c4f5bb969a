package config

import (
	"fmt"
	"time"
)

type Config struct {
	Server   ServerConfig   `json:"server"`
	Database Database       `json:"database"`
	Redis    RedisConfig    `json:"redis"`
	R2       R2Config       `json:"r2"`
	Pipeline PipelineConfig `json:"pipeline"`
	Lease    LeaseConfig    `json:"lease"`
	Sentry   SentryConfig   `json:"sentry"`
}

type ServerConfig struct {
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
}

type Database struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	Password            string        `json:"password"`
	DatabaseID          int           `json:"database_id"`
	HealthCheckInterval time.Duration `json:"health_check_interval"`
	DialTimeout         time.Duration `json:"dial_timeout"`
	ReadTimeout         time.Duration `json:"read_timeout"`
	WriteTimeout        time.Duration `json:"write_timeout"`
	Nodes               []RedisNode   `json:"nodes"`
}

type RedisNode struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (n RedisNode) Addr() string { return fmt.Sprintf("%s:%d", n.Host, n.Port) }

type R2Config struct {
	AccountID       string   `json:"account_id"`
	BucketName      string   `json:"bucket_name"`
	FallbackBuckets []string `json:"fallback_buckets"` // tried in order when the primary is missing
	AccessKeyID     string   `json:"access_key_id"`
	SecretKey       string   `json:"secret_key"`
	Endpoint        string   `json:"endpoint"`
	PublicBaseURL   string   `json:"public_base_url"`
}

type PipelineConfig struct {
	// InlineBudgetBytes is the soft per-document ceiling for inline
	// placement, kept under the record store's hard per-record limit.
	InlineBudgetBytes int64         `json:"inline_budget_bytes"`
	FetchTimeout      time.Duration `json:"fetch_timeout"`       // seconds
	VideoFetchTimeout time.Duration `json:"video_fetch_timeout"` // seconds
	BlockedVideoHosts []string      `json:"blocked_video_hosts"` // suffix match, never fetched
	ReferrerHosts     []string      `json:"referrer_hosts"`      // hosts that require a same-site Referer
}

type LeaseConfig struct {
	Enabled bool          `json:"enabled"`
	TTL     time.Duration `json:"ttl"` // seconds
}

type SentryConfig struct {
	SentryDSN   string `json:"sentry_dsn"`
	Environment string `json:"environment"`
}
