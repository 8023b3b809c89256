package tracing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// ObjectPutter is the subset of the S3 client used by the exporter.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Exporter archives finished spans to S3/MinIO, one NDJSON object per
// exported batch.
type S3Exporter struct {
	client     ObjectPutter
	bucket     string
	pathPrefix string
	now        func() time.Time
	stopped    atomic.Bool
}

var _ sdktrace.SpanExporter = (*S3Exporter)(nil)

// NewS3Exporter creates an exporter for the configured bucket.
func NewS3Exporter(ctx context.Context, cfg S3Config) (*S3Exporter, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1" // Default region for MinIO
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		endpoint := fmt.Sprintf("%s://%s", scheme, cfg.Endpoint)
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true // Required for MinIO
		})
	}

	return newS3Exporter(s3.NewFromConfig(awsCfg, s3Opts...), cfg), nil
}

func newS3Exporter(client ObjectPutter, cfg S3Config) *S3Exporter {
	return &S3Exporter{
		client:     client,
		bucket:     cfg.Bucket,
		pathPrefix: cfg.PathPrefix,
		now:        time.Now,
	}
}

type spanRecord struct {
	TraceID       string                 `json:"trace_id"`
	SpanID        string                 `json:"span_id"`
	ParentSpanID  string                 `json:"parent_span_id,omitempty"`
	Name          string                 `json:"name"`
	Tracer        string                 `json:"tracer"`
	Start         time.Time              `json:"start"`
	End           time.Time              `json:"end"`
	Attributes    map[string]interface{} `json:"attributes,omitempty"`
	Status        string                 `json:"status"`
	StatusMessage string                 `json:"status_message,omitempty"`
}

func recordOf(s sdktrace.ReadOnlySpan) spanRecord {
	rec := spanRecord{
		TraceID:       s.SpanContext().TraceID().String(),
		SpanID:        s.SpanContext().SpanID().String(),
		Name:          s.Name(),
		Tracer:        s.InstrumentationScope().Name,
		Start:         s.StartTime().UTC(),
		End:           s.EndTime().UTC(),
		Status:        s.Status().Code.String(),
		StatusMessage: s.Status().Description,
	}
	if s.Parent().HasSpanID() {
		rec.ParentSpanID = s.Parent().SpanID().String()
	}
	if attrs := s.Attributes(); len(attrs) > 0 {
		rec.Attributes = make(map[string]interface{}, len(attrs))
		for _, kv := range attrs {
			rec.Attributes[string(kv.Key)] = kv.Value.AsInterface()
		}
	}
	return rec
}

// ExportSpans writes spans as one object.
func (e *S3Exporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	if e.stopped.Load() || len(spans) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, s := range spans {
		if err := enc.Encode(recordOf(s)); err != nil {
			return fmt.Errorf("encode span %s: %w", s.Name(), err)
		}
	}

	key := path.Join(e.pathPrefix, e.now().UTC().Format("2006/01/02"), uuid.NewString()+".ndjson")
	_, err := e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(e.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(buf.Bytes()),
		ContentType:   aws.String("application/x-ndjson"),
		ContentLength: aws.Int64(int64(buf.Len())),
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

// Shutdown stops the exporter. Later exports are dropped.
func (e *S3Exporter) Shutdown(ctx context.Context) error {
	e.stopped.Store(true)
	return nil
}
