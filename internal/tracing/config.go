// Package tracing owns the span backend: it builds OpenTelemetry providers,
// hands out tracers that follow backend reconfiguration, and provides the
// tagging, error and context-propagation helpers shared by the correlators.
package tracing

import (
	"errors"
	"fmt"
)

// Backend selects where spans are exported.
type Backend string

const (
	BackendNone Backend = "none"
	BackendOTLP Backend = "otlp"
	BackendS3   Backend = "s3"
)

// ErrUnknownBackend is returned for an unsupported backend kind.
var ErrUnknownBackend = errors.New("unknown tracer backend")

// Config describes one tracer backend configuration.
type Config struct {
	Backend Backend `json:"backend"`

	// ServiceName is the name of the service for tracing
	ServiceName string `json:"service_name,omitempty"`

	// ServiceVersion is the version of the service
	ServiceVersion string `json:"service_version,omitempty"`

	// OTLPEndpoint is the OTLP collector endpoint (e.g., "localhost:4317")
	OTLPEndpoint string `json:"otlp_endpoint,omitempty"`
	OTLPInsecure bool   `json:"otlp_insecure,omitempty"`

	// SampleRate is the sampling rate (0.0 to 1.0)
	SampleRate float64 `json:"sample_rate"`

	// RootURL is the public URL of the pipeline engine. It is tagged on
	// every span and used to absolutize node and run links.
	RootURL string `json:"root_url,omitempty"`

	// UIURL is the trace viewer base URL used to build trace links.
	UIURL string `json:"ui_url,omitempty"`

	S3 S3Config `json:"s3,omitempty"`
}

// S3Config holds S3/MinIO connection configuration for the span archive.
type S3Config struct {
	// Endpoint for MinIO (e.g., "minio.pipetrace.svc:9000")
	// Leave empty for AWS S3
	Endpoint string `json:"endpoint,omitempty"`

	Bucket string `json:"bucket,omitempty"`

	// Region (required for AWS S3, optional for MinIO)
	Region string `json:"region,omitempty"`

	AccessKeyID     string `json:"-"`
	SecretAccessKey string `json:"-"`

	// UseSSL enables HTTPS (default: false for internal MinIO)
	UseSSL bool `json:"use_ssl,omitempty"`

	// PathPrefix is prepended to every archived object key
	PathPrefix string `json:"path_prefix,omitempty"`
}

// DefaultConfig returns a configuration that discards every span.
func DefaultConfig() Config {
	return Config{
		Backend:        BackendNone,
		ServiceName:    "pipetrace",
		ServiceVersion: "1.0.0",
		OTLPEndpoint:   "localhost:4317",
		OTLPInsecure:   true,
		SampleRate:     1.0,
	}
}

// Validate checks that the configuration can build a backend.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendNone, "":
		return nil
	case BackendOTLP:
		if c.OTLPEndpoint == "" {
			return fmt.Errorf("otlp backend: endpoint is required")
		}
	case BackendS3:
		if c.S3.Bucket == "" {
			return fmt.Errorf("s3 backend: bucket is required")
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, c.Backend)
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("sample rate %v out of range [0, 1]", c.SampleRate)
	}
	return nil
}
