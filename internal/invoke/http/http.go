// Package http invokes HTTP endpoints with a batch delivered as a binary
// mode CloudEvent.
package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/cloudevents/sdk-go/v2/binding"
	cehttp "github.com/cloudevents/sdk-go/v2/protocol/http"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/fiso-stream/internal/circuitbreaker"
	"github.com/lsm/fiso-stream/internal/invoke"
	"github.com/lsm/fiso-stream/internal/retry"
	"github.com/lsm/fiso-stream/internal/streams"
	"github.com/lsm/fiso-stream/internal/tracing"
)

const (
	DefaultTimeout   = 30 * time.Second
	DefaultEventType = "fiso.stream.batch"
	DefaultSource    = "fiso-stream"

	// maxResponseBytes bounds how much of a response body is kept.
	maxResponseBytes = 1 << 20
)

// Config holds HTTP invoker settings.
type Config struct {
	Timeout   time.Duration         `yaml:"timeout"`
	Headers   map[string]string     `yaml:"headers"`
	EventType string                `yaml:"eventType"`
	Breaker   circuitbreaker.Config `yaml:"breaker"`
}

// Invoker posts batches to HTTP targets.
type Invoker struct {
	client   *http.Client
	config   Config
	breakers *circuitbreaker.Set
	newID    func() string
	now      func() time.Time
	logger   *slog.Logger
	tracer   trace.Tracer
}

// Option configures an Invoker.
type Option func(*Invoker)

// WithHTTPClient replaces the default instrumented client.
func WithHTTPClient(c *http.Client) Option {
	return func(i *Invoker) { i.client = c }
}

// WithIDFunc sets the CloudEvent id generator.
func WithIDFunc(fn func() string) Option {
	return func(i *Invoker) { i.newID = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(i *Invoker) { i.logger = l }
}

// New creates an HTTP invoker.
func New(cfg Config, opts ...Option) *Invoker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.EventType == "" {
		cfg.EventType = DefaultEventType
	}

	inv := &Invoker{
		config: cfg,
		newID:  uuid.NewString,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(inv)
	}
	if inv.client == nil {
		inv.client = &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	inv.breakers = circuitbreaker.NewSet(cfg.Breaker, circuitbreaker.OnStateChange(func(from, to circuitbreaker.State) {
		inv.logger.Warn("circuit breaker state change", "from", from.String(), "to", to.String())
	}))
	return inv
}

// SetTracer sets the tracer for the invoker.
func (i *Invoker) SetTracer(tracer trace.Tracer) {
	i.tracer = tracer
}

// Breakers exposes the per-target circuit breakers.
func (i *Invoker) Breakers() *circuitbreaker.Set {
	return i.breakers
}

// Invoke implements streams.Invoker. 2xx responses succeed, and their body
// may carry a partial batch response. 4xx responses other than 429 are
// permanent failures.
func (i *Invoker) Invoke(ctx context.Context, req streams.InvokeRequest) (*streams.InvokeResult, error) {
	ctx, span := tracing.StartSpan(ctx, i.tracer, tracing.SpanHTTPInvoke,
		trace.WithAttributes(tracing.TargetAttr(req.Target), tracing.ShardAttr(req.ShardID)))
	defer span.End()

	breaker := i.breakers.For(req.Target)
	if err := breaker.Allow(); err != nil {
		err = fmt.Errorf("invoke %s: %w", req.Target, err)
		tracing.SetSpanError(span, err)
		return nil, err
	}

	httpReq, err := i.newRequest(ctx, req)
	if err != nil {
		tracing.SetSpanError(span, err)
		return nil, retry.Permanent(err)
	}

	resp, err := i.client.Do(httpReq)
	if err != nil {
		breaker.RecordFailure()
		err = fmt.Errorf("http request: %w", err)
		tracing.SetSpanError(span, err)
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	_, _ = io.Copy(io.Discard, resp.Body)

	span.SetAttributes(tracing.HTTPStatusAttr(resp.StatusCode))
	res := &streams.InvokeResult{StatusCode: resp.StatusCode, Payload: body}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		breaker.RecordSuccess()
		res.BatchItemFailures = invoke.BatchItemFailures(body)
		if res.Failed() {
			tracing.SetSpanError(span, fmt.Errorf("%d batch item failures", len(res.BatchItemFailures)))
		} else {
			tracing.SetSpanOK(span)
		}
		return res, nil
	}

	statusErr := &StatusError{Code: resp.StatusCode}
	tracing.SetSpanError(span, statusErr)
	if isPermanent(statusErr) {
		// The target answered; a client error says nothing about its health.
		breaker.RecordSuccess()
		i.logger.ErrorContext(ctx, "target rejected batch", "target", req.Target, "status", resp.StatusCode)
		return res, retry.Permanent(statusErr)
	}
	breaker.RecordFailure()
	return res, statusErr
}

func (i *Invoker) newRequest(ctx context.Context, req streams.InvokeRequest) (*http.Request, error) {
	event := cloudevents.NewEvent()
	event.SetID(i.newID())
	event.SetType(i.config.EventType)
	event.SetTime(i.now())
	if req.SourceARN != "" {
		event.SetSource(req.SourceARN)
	} else {
		event.SetSource(DefaultSource)
	}
	if req.ShardID != "" {
		event.SetSubject(req.ShardID)
	}
	if err := event.SetData(cloudevents.ApplicationJSON, req.Payload); err != nil {
		return nil, fmt.Errorf("set event data: %w", err)
	}
	if err := event.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cloudevent: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.Target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range i.config.Headers {
		httpReq.Header.Set(k, v)
	}
	if err := cehttp.WriteRequest(binding.WithForceBinary(ctx), binding.ToMessage(&event), httpReq); err != nil {
		return nil, fmt.Errorf("encode cloudevent: %w", err)
	}
	return httpReq, nil
}

// StatusError represents an HTTP response with a non-2xx status code.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d", e.Code)
}

// isPermanent returns true for client errors (4xx) except 429 Too Many Requests.
func isPermanent(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.Code >= 400 && se.Code < 500 && se.Code != http.StatusTooManyRequests
}
