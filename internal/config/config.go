package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultDocumentsDir = "/data/documents"
	DefaultRedisURL     = "redis://localhost:6379"
)

type Config struct {
	Port               string        `mapstructure:"PORT"`
	Env                string        `mapstructure:"ENV"`
	DatabaseURL        string        `mapstructure:"DATABASE_URL"`
	DBMaxConns         int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL           string        `mapstructure:"REDIS_URL"`
	DocumentsLocalDir  string        `mapstructure:"DOCUMENTS_LOCAL_DIR"`
	PDFServiceURL      string        `mapstructure:"PDF_SERVICE_URL"`
	PDFServiceTimeout  time.Duration `mapstructure:"PDF_SERVICE_TIMEOUT"`
	WorkerConcurrency  int           `mapstructure:"WORKER_CONCURRENCY"`
	WorkerPollInterval time.Duration `mapstructure:"WORKER_POLL_INTERVAL"`
	WorkerMetricsAddr  string        `mapstructure:"WORKER_METRICS_ADDR"`
	WorkflowTraceFile  string        `mapstructure:"WORKFLOW_TRACE_FILE"`
	QueueAttempts      int           `mapstructure:"QUEUE_ATTEMPTS"`
	QueueBackoff       time.Duration `mapstructure:"QUEUE_BACKOFF"`
	QueueRetention     int64         `mapstructure:"QUEUE_RETENTION"`
	AuthIssuer         string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience       string        `mapstructure:"AUTH_AUDIENCE"`
	AuthJWTSecret      string        `mapstructure:"AUTH_JWT_SECRET"`
	DefaultTenant      string        `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins        []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS       float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst     int           `mapstructure:"RATE_LIMIT_BURST"`
	OTLPEndpoint       string        `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	TracingSampleRate  float64       `mapstructure:"TRACING_SAMPLE_RATE"`
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "DOCUMENTS_LOCAL_DIR", "PDF_SERVICE_URL", "PDF_SERVICE_TIMEOUT",
	"WORKER_CONCURRENCY", "WORKER_POLL_INTERVAL", "WORKER_METRICS_ADDR", "WORKFLOW_TRACE_FILE",
	"QUEUE_ATTEMPTS", "QUEUE_BACKOFF", "QUEUE_RETENTION",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWT_SECRET", "DEFAULT_TENANT", "CORS_ORIGINS",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "OTEL_EXPORTER_OTLP_ENDPOINT", "TRACING_SAMPLE_RATE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("REDIS_URL", DefaultRedisURL)
	v.SetDefault("DOCUMENTS_LOCAL_DIR", DefaultDocumentsDir)
	v.SetDefault("PDF_SERVICE_URL", "http://localhost:3001")
	v.SetDefault("PDF_SERVICE_TIMEOUT", "30s")
	v.SetDefault("WORKER_CONCURRENCY", 2)
	v.SetDefault("WORKER_POLL_INTERVAL", "500ms")
	v.SetDefault("WORKER_METRICS_ADDR", ":9101")
	v.SetDefault("QUEUE_ATTEMPTS", 5)
	v.SetDefault("QUEUE_BACKOFF", "1s")
	v.SetDefault("QUEUE_RETENTION", 1000)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("TRACING_SAMPLE_RATE", 1.0)

	// Bind explicitly so Unmarshal sees env-only keys
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks the settings shared by the API server and the render worker.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if _, err := url.Parse(c.RedisURL); err != nil || !strings.HasPrefix(c.RedisURL, "redis") {
		return fmt.Errorf("REDIS_URL must be a redis:// or rediss:// url, got %q", c.RedisURL)
	}
	if c.DocumentsLocalDir == "" {
		return fmt.Errorf("DOCUMENTS_LOCAL_DIR must not be empty")
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1, got %d", c.WorkerConcurrency)
	}
	if c.QueueAttempts < 1 {
		return fmt.Errorf("QUEUE_ATTEMPTS must be at least 1, got %d", c.QueueAttempts)
	}
	if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
		return fmt.Errorf("TRACING_SAMPLE_RATE must be between 0 and 1, got %v", c.TracingSampleRate)
	}
	if !c.IsDev() && c.AuthJWTSecret == "" {
		return fmt.Errorf("AUTH_JWT_SECRET is required when ENV=%q", c.Env)
	}
	return nil
}

// ValidateWorker additionally requires a reachable render service url.
func (c *Config) ValidateWorker() error {
	if err := c.Validate(); err != nil {
		return err
	}
	u, err := url.Parse(c.PDFServiceURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("PDF_SERVICE_URL must be an absolute url, got %q", c.PDFServiceURL)
	}
	if c.PDFServiceTimeout <= 0 {
		return fmt.Errorf("PDF_SERVICE_TIMEOUT must be positive")
	}
	return nil
}
