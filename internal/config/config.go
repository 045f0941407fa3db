package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds shared runtime configuration for the research job service.
type Config struct {
	Env      string
	HTTPPort string

	// Registry / runner behavior.
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	StagePacing    time.Duration // duration of one stage weight unit
	ListLimit      int

	// Housekeeping.
	CleanupInterval time.Duration
	JobTTL          time.Duration

	// Audit log sink.
	AuditDir    string
	PostgresDSN string

	// Report export.
	ExportDir         string
	ExportS3Bucket    string
	ExportS3Region    string
	ExportS3Endpoint  string
	ExportS3PathStyle bool

	// Streaming.
	StreamInterval time.Duration

	// Rate limiting (enabled when RedisAddr is set).
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	RateLimitCapacity int
	RateLimitRefill   float64
}

// Load reads configuration from environment variables with sane defaults for
// local development.
func Load() Config {
	return Config{
		Env:      getEnv("APP_ENV", "dev"),
		HTTPPort: getEnv("HTTP_PORT", "8080"),

		MaxRetries:     getEnvInt("MAX_RETRIES", 3),
		BackoffInitial: getEnvDuration("BACKOFF_INITIAL", 2*time.Second),
		BackoffMax:     getEnvDuration("BACKOFF_MAX", 5*time.Minute),
		StagePacing:    getEnvDuration("STAGE_PACING", time.Second),
		ListLimit:      getEnvInt("LIST_LIMIT", 100),

		CleanupInterval: getEnvDuration("CLEANUP_INTERVAL", time.Hour),
		JobTTL:          getEnvDuration("JOB_TTL", 24*time.Hour),

		AuditDir:    getEnv("AUDIT_DIR", "./audit_logs"),
		PostgresDSN: getEnv("POSTGRES_DSN", ""),

		ExportDir:         getEnv("EXPORT_DIR", "./exports"),
		ExportS3Bucket:    getEnv("EXPORT_S3_BUCKET", ""),
		ExportS3Region:    getEnv("EXPORT_S3_REGION", "us-east-1"),
		ExportS3Endpoint:  getEnv("EXPORT_S3_ENDPOINT", ""),
		ExportS3PathStyle: getEnvBool("EXPORT_S3_PATH_STYLE", false),

		StreamInterval: getEnvDuration("STREAM_INTERVAL", 500*time.Millisecond),

		RedisAddr:         getEnv("REDIS_ADDR", ""),
		RedisPassword:     getEnv("REDIS_PASSWORD", ""),
		RedisDB:           getEnvInt("REDIS_DB", 0),
		RateLimitCapacity: getEnvInt("RATE_LIMIT_CAPACITY", 50),
		RateLimitRefill:   getEnvFloat("RATE_LIMIT_REFILL_PER_SEC", 20),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
