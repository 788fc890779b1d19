// Package kafka publishes batches to a Kafka topic named by a
// kafka://cluster/topic target.
package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/fiso-stream/internal/kafka"
	"github.com/lsm/fiso-stream/internal/retry"
	"github.com/lsm/fiso-stream/internal/streams"
	"github.com/lsm/fiso-stream/internal/tracing"
)

// Publisher abstracts the kafka publisher for testing.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// Resolver returns the publisher for a named cluster.
type Resolver func(cluster string) (Publisher, error)

// Invoker publishes each batch as one message keyed by shard id, so that
// batches of a shard stay ordered within a partition.
type Invoker struct {
	resolve Resolver
	logger  *slog.Logger
	tracer  trace.Tracer
}

// New creates an Invoker over a publisher pool.
func New(pool *kafka.Pool) *Invoker {
	return NewWithResolver(func(cluster string) (Publisher, error) {
		pub, err := pool.Get(cluster)
		if err != nil {
			return nil, err
		}
		return pub, nil
	})
}

// NewWithResolver creates an Invoker with a custom publisher lookup.
func NewWithResolver(fn Resolver) *Invoker {
	return &Invoker{resolve: fn, logger: slog.Default()}
}

// SetTracer sets the tracer for the invoker.
func (i *Invoker) SetTracer(tracer trace.Tracer) {
	i.tracer = tracer
}

// ParseTarget splits kafka://cluster/topic.
func ParseTarget(target string) (cluster, topic string, err error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", "", fmt.Errorf("parse target %q: %w", target, err)
	}
	if u.Scheme != "kafka" {
		return "", "", fmt.Errorf("target %q is not a kafka:// url", target)
	}
	topic = strings.Trim(u.Path, "/")
	if u.Host == "" || topic == "" || strings.Contains(topic, "/") {
		return "", "", fmt.Errorf("target %q must look like kafka://cluster/topic", target)
	}
	return u.Host, topic, nil
}

// Invoke implements streams.Invoker.
func (i *Invoker) Invoke(ctx context.Context, req streams.InvokeRequest) (*streams.InvokeResult, error) {
	cluster, topic, err := ParseTarget(req.Target)
	if err != nil {
		return nil, retry.Permanent(err)
	}

	ctx, span := tracing.StartSpan(ctx, i.tracer, tracing.SpanKafkaPublish,
		trace.WithAttributes(tracing.KafkaTopicAttr(topic), tracing.ShardAttr(req.ShardID)))
	defer span.End()

	pub, err := i.resolve(cluster)
	if err != nil {
		err = fmt.Errorf("kafka cluster %s: %w", cluster, err)
		tracing.SetSpanError(span, err)
		return nil, retry.Permanent(err)
	}

	headers := map[string]string{
		"content-type":    "application/json",
		"fiso-stream-arn": req.SourceARN,
		"fiso-shard-id":   req.ShardID,
	}
	tracing.Propagator().Inject(ctx, propagation.MapCarrier(headers))

	if err := pub.Publish(ctx, topic, []byte(req.ShardID), req.Payload, headers); err != nil {
		tracing.SetSpanError(span, err)
		i.logger.ErrorContext(ctx, "publish failed", "target", req.Target, "shard_id", req.ShardID, "error", err)
		return nil, fmt.Errorf("publish to %s: %w", topic, err)
	}

	tracing.SetSpanOK(span)
	return &streams.InvokeResult{}, nil
}
