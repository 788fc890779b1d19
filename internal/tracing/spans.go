package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys used on stream spans.
const (
	AttrSourceID      = "fiso.stream.source"
	AttrStreamARN     = "fiso.stream.arn"
	AttrShardID       = "fiso.stream.shard"
	AttrBatchSize     = "fiso.stream.batch.size"
	AttrFirstSequence = "fiso.stream.batch.first_sequence"
	AttrLastSequence  = "fiso.stream.batch.last_sequence"
	AttrAttempt       = "fiso.invoke.attempt"
	AttrTarget        = "fiso.invoke.target"
	AttrFunctionError = "fiso.invoke.function_error"
	AttrKafkaTopic    = "messaging.kafka.topic"
	AttrHTTPStatus    = "http.status_code"
	AttrFailureAction = "fiso.stream.on_failure"
)

// Span names.
const (
	SpanDispatch      = "fiso.stream.dispatch"
	SpanInvoke        = "fiso.stream.invoke"
	SpanFailureReport = "fiso.stream.failure_report"
	SpanGetRecords    = "fiso.stream.get_records"
	SpanKafkaPublish  = "kafka.publish"
	SpanHTTPInvoke    = "http.invoke"
	SpanLambdaInvoke  = "lambda.invoke"
)

// StartSpan starts a span. A nil tracer yields the span already in ctx.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// SetSpanError records an error on the span and sets the status to Error.
func SetSpanError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK sets the span status to Ok.
func SetSpanOK(span trace.Span) {
	if span == nil {
		return
	}
	span.SetStatus(codes.Ok, "")
}

// BatchAttrs describes a record batch on a span.
func BatchAttrs(sourceID, streamARN, shardID string, size int, first, last string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrSourceID, sourceID),
		attribute.String(AttrStreamARN, streamARN),
		attribute.String(AttrShardID, shardID),
		attribute.Int(AttrBatchSize, size),
		attribute.String(AttrFirstSequence, first),
		attribute.String(AttrLastSequence, last),
	}
}

func SourceAttr(id string) attribute.KeyValue     { return attribute.String(AttrSourceID, id) }
func ShardAttr(id string) attribute.KeyValue      { return attribute.String(AttrShardID, id) }
func AttemptAttr(n int) attribute.KeyValue        { return attribute.Int(AttrAttempt, n) }
func TargetAttr(target string) attribute.KeyValue { return attribute.String(AttrTarget, target) }

// FunctionErrorAttr records the error string a target function returned.
func FunctionErrorAttr(kind string) attribute.KeyValue {
	return attribute.String(AttrFunctionError, kind)
}

// KafkaTopicAttr returns an attribute for the Kafka topic.
func KafkaTopicAttr(topic string) attribute.KeyValue {
	return attribute.String(AttrKafkaTopic, topic)
}

// HTTPStatusAttr returns an attribute for the HTTP status code.
func HTTPStatusAttr(status int) attribute.KeyValue {
	return attribute.Int(AttrHTTPStatus, status)
}

func FailureActionAttr(action string) attribute.KeyValue {
	return attribute.String(AttrFailureAction, action)
}

// IsTraced returns true if there is a valid recording span in the context.
func IsTraced(ctx context.Context) bool {
	span := trace.SpanFromContext(ctx)
	return span.SpanContext().IsValid() && span.IsRecording()
}
