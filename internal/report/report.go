// Package report publishes failure reports for batches whose invocation
// retries were exhausted.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/lsm/fiso-stream/internal/streams"
)

// Publisher is the interface for publishing messages to a broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
	Close() error
}

// DefaultTopicPrefix prefixes the report topic of a source without an
// explicit failure destination.
const DefaultTopicPrefix = "fiso-stream-failures-"

// Handler serialises failure reports and hands them to a Publisher.
type Handler struct {
	publisher Publisher
	topicFn   func(sourceID string) string
}

// Option configures a Handler.
type Option func(*Handler)

// WithTopicFunc overrides the default topic naming function.
func WithTopicFunc(fn func(sourceID string) string) Option {
	return func(h *Handler) {
		h.topicFn = fn
	}
}

// NewHandler creates a report handler.
func NewHandler(pub Publisher, opts ...Option) *Handler {
	h := &Handler{
		publisher: pub,
		topicFn:   func(sourceID string) string { return DefaultTopicPrefix + sourceID },
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Topic returns the destination for the source's reports.
func (h *Handler) Topic(src streams.Source) string {
	if src.FailureDestination != "" {
		return src.FailureDestination
	}
	return h.topicFn(src.Key())
}

// Report publishes r. The shard id is the message key so that reports for
// one shard stay ordered.
func (h *Handler) Report(ctx context.Context, src streams.Source, r *streams.FailureReport) error {
	value, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal failure report: %w", err)
	}

	topic := h.Topic(src)
	headers := map[string]string{
		"content-type":     "application/json",
		"fiso-source":      src.Key(),
		"fiso-stream-arn":  r.BatchInfo.StreamARN,
		"fiso-shard-id":    r.BatchInfo.ShardID,
		"fiso-condition":   r.RequestContext.Condition,
		"fiso-attempts":    strconv.Itoa(r.RequestContext.ApproximateInvokeCount),
		"fiso-request-id":  r.RequestContext.RequestID,
		"fiso-batch-start": r.BatchInfo.StartSequenceNumber,
		"fiso-batch-end":   r.BatchInfo.EndSequenceNumber,
	}

	if err := h.publisher.Publish(ctx, topic, []byte(r.BatchInfo.ShardID), value, headers); err != nil {
		return fmt.Errorf("failure report publish to %s: %w", topic, err)
	}
	return nil
}

// Close releases resources held by the handler.
func (h *Handler) Close() error {
	return h.publisher.Close()
}

// LogPublisher writes reports to the log instead of a broker.
type LogPublisher struct {
	Logger *slog.Logger
}

func (p *LogPublisher) Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.WarnContext(ctx, "batch failure report",
		"destination", topic,
		"shard_id", string(key),
		"source", headers["fiso-source"],
		"report", json.RawMessage(value),
	)
	return nil
}

func (*LogPublisher) Close() error { return nil }

// NoopPublisher discards every report.
type NoopPublisher struct{}

func (*NoopPublisher) Publish(context.Context, string, []byte, []byte, map[string]string) error {
	return nil
}

func (*NoopPublisher) Close() error { return nil }
