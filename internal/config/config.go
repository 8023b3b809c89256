// Package config provides configuration loading for the pipetrace service.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the pipetrace service.
type Config struct {
	// Server configuration
	Port          string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	ShutdownGrace time.Duration

	// Redis configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// Ingestion
	IngestRedisEnabled bool
	IngestRedisChannel string

	// Tracer backend
	TracerBackend  string // "none", "otlp" or "s3"
	OTLPEndpoint   string
	OTLPInsecure   bool
	SampleRate     float64
	ServiceName    string
	ServiceVersion string
	TraceUIURL     string
	BaseURL        string

	// S3 span archive
	S3Endpoint        string
	S3Bucket          string
	S3Region          string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3UseSSL          bool
	S3PathPrefix      string

	// Span cache housekeeping
	CacheSweepInterval time.Duration
	CacheMaxAge        time.Duration

	// Simulator
	SimulatorSlots int

	// OIDC configuration
	OIDCIssuer       string
	OIDCClientID     string
	OIDCClientSecret string
	OIDCEnabled      bool

	// CORS configuration
	CORSOrigins []string

	// Rate limiting
	RateLimitRPS   float64
	RateLimitBurst int

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		// Server
		Port:          getEnv("PORT", "7070"),
		ReadTimeout:   getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:  getDuration("WRITE_TIMEOUT", 60*time.Second),
		ShutdownGrace: getDuration("SHUTDOWN_GRACE", 10*time.Second),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getInt("REDIS_DB", 0),

		// Ingestion
		IngestRedisEnabled: getBool("INGEST_REDIS_ENABLED", false),
		IngestRedisChannel: getEnv("INGEST_REDIS_CHANNEL", "stream:events"),

		// Tracer backend
		TracerBackend:  getEnv("TRACER_BACKEND", "none"),
		OTLPEndpoint:   getEnv("OTLP_ENDPOINT", "localhost:4317"),
		OTLPInsecure:   getBool("OTLP_INSECURE", true),
		SampleRate:     getFloat("TRACE_SAMPLE_RATE", 1.0),
		ServiceName:    getEnv("SERVICE_NAME", "pipetrace"),
		ServiceVersion: getEnv("SERVICE_VERSION", "1.0.0"),
		TraceUIURL:     strings.TrimSuffix(getEnv("TRACE_UI_URL", ""), "/"),
		BaseURL:        strings.TrimSuffix(getEnv("BASE_URL", ""), "/"),

		// S3
		S3Endpoint:        getEnv("S3_ENDPOINT", ""),
		S3Bucket:          getEnv("S3_BUCKET", "pipetrace-spans"),
		S3Region:          getEnv("S3_REGION", "us-east-1"),
		S3AccessKeyID:     getEnv("S3_ACCESS_KEY_ID", ""),
		S3SecretAccessKey: getEnv("S3_SECRET_ACCESS_KEY", ""),
		S3UseSSL:          getBool("S3_USE_SSL", false),
		S3PathPrefix:      getEnv("S3_PATH_PREFIX", "spans"),

		// Span cache
		CacheSweepInterval: getDuration("CACHE_SWEEP_INTERVAL", time.Minute),
		CacheMaxAge:        getDuration("CACHE_MAX_AGE", 24*time.Hour),

		// Simulator
		SimulatorSlots: getInt("SIMULATOR_SLOTS", 2),

		// OIDC
		OIDCIssuer:       getEnv("OIDC_ISSUER", ""),
		OIDCClientID:     getEnv("OIDC_CLIENT_ID", ""),
		OIDCClientSecret: getEnv("OIDC_CLIENT_SECRET", ""),
		OIDCEnabled:      getBool("OIDC_ENABLED", false),

		// CORS
		CORSOrigins: getStringSlice("CORS_ORIGINS", []string{"http://localhost:5173", "http://localhost:3000"}),

		// Rate limiting
		RateLimitRPS:   getFloat("RATE_LIMIT_RPS", 200.0),
		RateLimitBurst: getInt("RATE_LIMIT_BURST", 400),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getStringSlice(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		parts := strings.Split(val, ",")
		out := parts[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return defaultVal
}
