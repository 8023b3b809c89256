package tracing

import (
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span tag keys.
const (
	AttrRootURL        = "pipeline.rooturl"
	AttrURL            = "pipeline.url"
	AttrJob            = "pipeline.job"
	AttrBuildNumber    = "pipeline.build.number"
	AttrResult         = "pipeline.result"
	AttrExecutionID    = "pipeline.execution.id"
	AttrFunctionName   = "step.functionName"
	AttrArgumentPrefix = "step.arguments."
	AttrStageName      = "stage.name"
	AttrUsername       = "username"
	AttrCancelled      = "cancelled"
	AttrReason         = "reason"
	AttrQueueItemID    = "queue.item.id"
	AttrError          = "error"
	AttrErrorMessage   = "error.message"
)

// Attribute converts a tag value to an attribute. Strings, numbers and
// booleans keep their type; anything else is stored in its string form.
func Attribute(key string, value interface{}) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case bool:
		return attribute.Bool(key, v)
	case int:
		return attribute.Int(key, v)
	case int32:
		return attribute.Int64(key, int64(v))
	case int64:
		return attribute.Int64(key, v)
	case uint32:
		return attribute.Int64(key, int64(v))
	case float32:
		return attribute.Float64(key, float64(v))
	case float64:
		return attribute.Float64(key, v)
	case nil:
		return attribute.String(key, "")
	case fmt.Stringer:
		return attribute.String(key, v.String())
	default:
		return attribute.String(key, fmt.Sprint(v))
	}
}

// Attributes converts a tag map into attributes in key order.
func Attributes(prefix string, tags map[string]interface{}) []attribute.KeyValue {
	if len(tags) == 0 {
		return nil
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]attribute.KeyValue, 0, len(keys))
	for _, k := range keys {
		out = append(out, Attribute(prefix+k, tags[k]))
	}
	return out
}

// StringAttributes converts string tags into attributes in key order.
func StringAttributes(tags map[string]string) []attribute.KeyValue {
	if len(tags) == 0 {
		return nil
	}
	m := make(map[string]interface{}, len(tags))
	for k, v := range tags {
		m[k] = v
	}
	return Attributes("", m)
}

// SetError marks span as failed.
func SetError(span trace.Span, message string) {
	if span == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.Bool(AttrError, true)}
	if message != "" {
		attrs = append(attrs, attribute.String(AttrErrorMessage, message))
	}
	span.SetAttributes(attrs...)
	span.SetStatus(codes.Error, message)
}
