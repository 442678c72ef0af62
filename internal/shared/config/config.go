package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	JWT        JWTConfig
	Encryption EncryptionConfig
	Plaid      PlaidConfig
	Webhook    WebhookConfig
	Queue      QueueConfig
	Sync       SyncConfig
	Firebase   FirebaseConfig
	Archive    ArchiveConfig
	Telemetry  TelemetryConfig
	Log        LogConfig
	Messages   MessagesConfig
}

type ServerConfig struct {
	Port         string
	Host         string
	RequireHTTPS bool
	AllowedHosts []string
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret string
}

type EncryptionConfig struct {
	Key string
}

type PlaidConfig struct {
	ClientID  string
	Secret    string
	BaseURL   string
	Timeout   time.Duration
	RateLimit float64
	RateBurst int
}

type WebhookConfig struct {
	MaxTokenAge  time.Duration
	KeyCacheSize int
	KeyCacheTTL  time.Duration
}

type QueueConfig struct {
	// Backend is "postgres" or "memory".
	Backend      string
	Workers      int
	PollInterval time.Duration
	MaxAttempts  int
	JobTimeout   time.Duration
	RetryBackoff time.Duration
	// Retention bounds finished jobs and stored events. Zero keeps them.
	Retention    time.Duration
}

type SyncConfig struct {
	Cooldown        time.Duration
	ConflictBackoff time.Duration
	LockTTL         time.Duration
}

type FirebaseConfig struct {
	CredentialsFile string
}

type ArchiveConfig struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

type TelemetryConfig struct {
	Enabled      bool
	ServiceName  string
	OTLPEndpoint string
	MetricsPort  string
	// SampleRatio is the fraction of root spans kept, in [0, 1].
	SampleRatio  float64
}

type LogConfig struct {
	Level  string
	Format string
	Output string
}

type MessagesConfig struct {
	File string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("require_https", false)

	v.SetDefault("db_host", "localhost")
	v.SetDefault("db_port", 5432)
	v.SetDefault("db_user", "finsync")
	v.SetDefault("db_name", "finsync")
	v.SetDefault("db_sslmode", "disable")

	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_db", 0)

	v.SetDefault("plaid_base_url", "https://sandbox.plaid.com")
	v.SetDefault("plaid_timeout", "30s")
	v.SetDefault("plaid_rate_limit", 5.0)
	v.SetDefault("plaid_rate_burst", 10)

	v.SetDefault("webhook_max_token_age", "5m")
	v.SetDefault("webhook_key_cache_size", 64)
	v.SetDefault("webhook_key_cache_ttl", "24h")

	v.SetDefault("queue_backend", "postgres")
	v.SetDefault("queue_workers", 5)
	v.SetDefault("queue_poll_interval", "5s")
	v.SetDefault("queue_max_attempts", 5)
	v.SetDefault("queue_job_timeout", "2m")
	v.SetDefault("queue_retry_backoff", "10s")
	v.SetDefault("queue_retention", "168h")

	v.SetDefault("sync_cooldown", "3h")
	v.SetDefault("sync_conflict_backoff", "5s")
	v.SetDefault("sync_lock_ttl", "5m")

	v.SetDefault("archive_region", "us-east-1")

	v.SetDefault("otel_enabled", false)
	v.SetDefault("otel_service_name", "finsync")
	v.SetDefault("otel_exporter_endpoint", "localhost:4317")
	v.SetDefault("metrics_port", "9090")
	v.SetDefault("otel_sample_ratio", 1.0)

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("log_output", "stdout")
}

// Load reads configuration from the environment. Keys map 1:1 to upper-case
// variable names (db_host -> DB_HOST).
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		Server: ServerConfig{
			Port:         v.GetString("port"),
			Host:         v.GetString("host"),
			RequireHTTPS: v.GetBool("require_https"),
			AllowedHosts: splitList(v.GetString("allowed_hosts")),
		},
		Database: DatabaseConfig{
			Host:     v.GetString("db_host"),
			Port:     v.GetInt("db_port"),
			User:     v.GetString("db_user"),
			Password: v.GetString("db_password"),
			DBName:   v.GetString("db_name"),
			SSLMode:  v.GetString("db_sslmode"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis_addr"),
			Password: v.GetString("redis_password"),
			DB:       v.GetInt("redis_db"),
		},
		JWT: JWTConfig{
			Secret: v.GetString("jwt_secret"),
		},
		Encryption: EncryptionConfig{
			Key: v.GetString("encryption_key"),
		},
		Plaid: PlaidConfig{
			ClientID:  v.GetString("plaid_client_id"),
			Secret:    v.GetString("plaid_secret"),
			BaseURL:   strings.TrimRight(v.GetString("plaid_base_url"), "/"),
			Timeout:   v.GetDuration("plaid_timeout"),
			RateLimit: v.GetFloat64("plaid_rate_limit"),
			RateBurst: v.GetInt("plaid_rate_burst"),
		},
		Webhook: WebhookConfig{
			MaxTokenAge:  v.GetDuration("webhook_max_token_age"),
			KeyCacheSize: v.GetInt("webhook_key_cache_size"),
			KeyCacheTTL:  v.GetDuration("webhook_key_cache_ttl"),
		},
		Queue: QueueConfig{
			Backend:      strings.ToLower(v.GetString("queue_backend")),
			Workers:      v.GetInt("queue_workers"),
			PollInterval: v.GetDuration("queue_poll_interval"),
			MaxAttempts:  v.GetInt("queue_max_attempts"),
			JobTimeout:   v.GetDuration("queue_job_timeout"),
			RetryBackoff: v.GetDuration("queue_retry_backoff"),
			Retention:    v.GetDuration("queue_retention"),
		},
		Sync: SyncConfig{
			Cooldown:        v.GetDuration("sync_cooldown"),
			ConflictBackoff: v.GetDuration("sync_conflict_backoff"),
			LockTTL:         v.GetDuration("sync_lock_ttl"),
		},
		Firebase: FirebaseConfig{
			CredentialsFile: v.GetString("firebase_credentials_file"),
		},
		Archive: ArchiveConfig{
			Bucket:          v.GetString("archive_bucket"),
			Region:          v.GetString("archive_region"),
			Endpoint:        v.GetString("archive_endpoint"),
			AccessKeyID:     v.GetString("archive_access_key_id"),
			SecretAccessKey: v.GetString("archive_secret_access_key"),
		},
		Telemetry: TelemetryConfig{
			Enabled:      v.GetBool("otel_enabled"),
			ServiceName:  v.GetString("otel_service_name"),
			OTLPEndpoint: v.GetString("otel_exporter_endpoint"),
			MetricsPort:  v.GetString("metrics_port"),
			SampleRatio:  v.GetFloat64("otel_sample_ratio"),
		},
		Log: LogConfig{
			Level:  v.GetString("log_level"),
			Format: v.GetString("log_format"),
			Output: v.GetString("log_output"),
		},
		Messages: MessagesConfig{
			File: v.GetString("messages_file"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.Encryption.Key == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required")
	}
	if len(c.Encryption.Key) != 32 {
		return fmt.Errorf("ENCRYPTION_KEY must be exactly 32 bytes")
	}
	if c.Plaid.ClientID == "" || c.Plaid.Secret == "" {
		return fmt.Errorf("PLAID_CLIENT_ID and PLAID_SECRET are required")
	}
	if c.Server.RequireHTTPS && len(c.Server.AllowedHosts) == 0 {
		return fmt.Errorf("ALLOWED_HOSTS is required when REQUIRE_HTTPS is set")
	}
	if c.Database.Port <= 0 {
		return fmt.Errorf("invalid DB_PORT: %d", c.Database.Port)
	}

	switch c.Queue.Backend {
	case "postgres", "memory":
	default:
		return fmt.Errorf("QUEUE_BACKEND must be postgres or memory, got %q", c.Queue.Backend)
	}
	if c.Queue.Workers <= 0 {
		return fmt.Errorf("QUEUE_WORKERS must be positive")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("QUEUE_MAX_ATTEMPTS must be positive")
	}
	if c.Queue.JobTimeout <= 0 {
		return fmt.Errorf("QUEUE_JOB_TIMEOUT must be a positive duration")
	}

	if c.Sync.Cooldown < 0 {
		return fmt.Errorf("SYNC_COOLDOWN must not be negative")
	}
	if c.Webhook.MaxTokenAge <= 0 {
		return fmt.Errorf("WEBHOOK_MAX_TOKEN_AGE must be a positive duration")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("OTEL_SAMPLE_RATIO must be between 0 and 1")
	}
	if c.Webhook.KeyCacheSize <= 0 {
		return fmt.Errorf("WEBHOOK_KEY_CACHE_SIZE must be positive")
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

// ArchiveEnabled reports whether dead-lettered jobs should be copied to object storage.
func (c *ArchiveConfig) ArchiveEnabled() bool {
	return c.Bucket != ""
}
