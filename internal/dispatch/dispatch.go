// Package dispatch invokes the downstream target for a record batch,
// retries failed attempts and applies the source's failure policy.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/fiso-stream/internal/observability"
	"github.com/lsm/fiso-stream/internal/retry"
	"github.com/lsm/fiso-stream/internal/streams"
	"github.com/lsm/fiso-stream/internal/tracing"
)

// Batch outcomes used as metric labels.
const (
	OutcomeSuccess   = "success"
	OutcomeReported  = "reported"
	OutcomeDropped   = "dropped"
	OutcomeCancelled = "cancelled"
)

// ReportVersion is the version field of published failure reports.
const ReportVersion = "1.0"

// Reporter publishes a failure report for a source.
type Reporter interface {
	Report(ctx context.Context, src streams.Source, r *streams.FailureReport) error
}

// Config wires a Dispatcher.
type Config struct {
	Invoker  streams.Invoker
	Reporter Reporter
	// Retry controls backoff between attempts. MaxAttempts is taken from
	// each source instead.
	Retry retry.Config
	// BatchInfoField names the batch info object in failure reports.
	BatchInfoField string
	Clock          streams.Clock
	Logger         *slog.Logger
	Metrics        *observability.Metrics
	Tracer         trace.Tracer
	NewRequestID   func() string
}

// Dispatcher delivers batches. It never touches shard cursors; the caller
// decides what to do with the returned outcome.
type Dispatcher struct {
	invoker   streams.Invoker
	reporter  Reporter
	retry     retry.Config
	infoField string
	clock     streams.Clock
	logger    *slog.Logger
	metrics   *observability.Metrics
	tracer    trace.Tracer
	requestID func() string
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = streams.SystemClock
	}
	requestID := cfg.NewRequestID
	if requestID == nil {
		requestID = uuid.NewString
	}
	rc := cfg.Retry
	if rc.InitialInterval == 0 && rc.MaxInterval == 0 {
		rc = retry.DefaultConfig()
	}
	return &Dispatcher{
		invoker:   cfg.Invoker,
		reporter:  cfg.Reporter,
		retry:     rc,
		infoField: cfg.BatchInfoField,
		clock:     clock,
		logger:    slog.New(observability.WithTraceIDs(logger.Handler())),
		metrics:   cfg.Metrics,
		tracer:    cfg.Tracer,
		requestID: requestID,
	}
}

// Attempts returns the total number of invocation attempts for src.
func Attempts(src streams.Source) int {
	if src.MaxRetryAttempts < 1 {
		return 1
	}
	return src.MaxRetryAttempts
}

// Dispatch invokes src's target with the batch. The returned outcome is
// Handled unless ctx ended before the batch was resolved.
func (d *Dispatcher) Dispatch(ctx context.Context, src streams.Source, b *streams.RecordBatch) streams.InvocationOutcome {
	ctx, span := tracing.StartSpan(ctx, d.tracer, tracing.SpanDispatch,
		trace.WithAttributes(tracing.BatchAttrs(src.Key(), b.StreamARN, b.ShardID, b.Len(), b.FirstSequenceNumber, b.LastSequenceNumber)...))
	defer span.End()

	log := d.logger.With("source", src.Key(), "shard_id", b.ShardID,
		"first_sequence_number", b.FirstSequenceNumber, "last_sequence_number", b.LastSequenceNumber)

	requestID := d.requestID()
	var (
		attempts int
		last     *streams.InvokeResult
	)

	payload, err := json.Marshal(b.Envelope)
	if err != nil {
		err = retry.Permanent(fmt.Errorf("marshal envelope: %w", err))
	} else {
		cfg := d.retry
		cfg.MaxAttempts = Attempts(src)
		err = retry.Do(ctx, cfg, func(attempt int) error {
			attempts = attempt
			res, invokeErr := d.invoke(ctx, src, b, payload, attempt)
			last = res
			if invokeErr != nil {
				log.WarnContext(ctx, "invocation attempt failed", "attempt", attempt, "error", invokeErr)
			}
			return invokeErr
		})
	}

	if err == nil {
		tracing.SetSpanOK(span)
		d.metrics.RecordBatch(src.Key(), OutcomeSuccess, b.Len())
		log.DebugContext(ctx, "batch delivered", "attempts", attempts, "records", b.Len())
		return streams.InvocationOutcome{Success: true, Handled: true, AttemptCount: attempts}
	}

	tracing.SetSpanError(span, err)
	if ctx.Err() != nil && !retry.IsPermanent(err) {
		d.metrics.RecordBatch(src.Key(), OutcomeCancelled, b.Len())
		log.InfoContext(ctx, "dispatch interrupted, batch will be redelivered", "attempts", attempts)
		return streams.InvocationOutcome{AttemptCount: attempts, FailureDetail: err.Error()}
	}

	out := streams.InvocationOutcome{Handled: true, AttemptCount: attempts, FailureDetail: err.Error()}
	span.SetAttributes(tracing.FailureActionAttr(string(src.OnFailure)))

	if src.OnFailure != streams.FailureActionReport {
		d.metrics.RecordBatch(src.Key(), OutcomeDropped, b.Len())
		log.WarnContext(ctx, "retries exhausted, dropping batch", "attempts", attempts, "records", b.Len(), "error", err)
		return out
	}

	out.Report = d.buildReport(src, b, requestID, attempts, last)
	d.metrics.RecordBatch(src.Key(), OutcomeReported, b.Len())
	d.publish(ctx, log, src, out.Report)
	return out
}

func (d *Dispatcher) invoke(ctx context.Context, src streams.Source, b *streams.RecordBatch, payload []byte, attempt int) (*streams.InvokeResult, error) {
	ctx, span := tracing.StartSpan(ctx, d.tracer, tracing.SpanInvoke,
		trace.WithAttributes(tracing.TargetAttr(src.TargetFunction), tracing.AttemptAttr(attempt)))
	defer span.End()

	start := d.clock.Now()
	res, err := d.invoker.Invoke(ctx, streams.InvokeRequest{
		Target:    src.TargetFunction,
		Payload:   payload,
		SourceARN: b.StreamARN,
		ShardID:   b.ShardID,
	})
	ok := err == nil && !res.Failed()
	d.metrics.ObserveInvoke(src.Key(), ok, d.clock.Now().Sub(start))
	if ok {
		tracing.SetSpanOK(span)
		return res, nil
	}

	invErr := &streams.InvocationError{Target: src.TargetFunction, Attempt: attempt, Err: err}
	if res != nil {
		invErr.StatusCode = res.StatusCode
		invErr.FunctionError = res.FunctionError
		if invErr.Err == nil && invErr.FunctionError == "" && len(res.BatchItemFailures) > 0 {
			invErr.FunctionError = fmt.Sprintf("%d batch item failures", len(res.BatchItemFailures))
		}
		if res.FunctionError != "" {
			span.SetAttributes(tracing.FunctionErrorAttr(res.FunctionError))
		}
	}
	tracing.SetSpanError(span, invErr)
	return res, invErr
}

func (d *Dispatcher) buildReport(src streams.Source, b *streams.RecordBatch, requestID string, attempts int, last *streams.InvokeResult) *streams.FailureReport {
	r := &streams.FailureReport{
		RequestContext: streams.RequestContext{
			RequestID:              requestID,
			FunctionARN:            src.TargetFunction,
			Condition:              streams.ConditionRetriesExhausted,
			ApproximateInvokeCount: attempts,
		},
		Version:        ReportVersion,
		Timestamp:      d.clock.Now().UTC(),
		BatchInfoField: d.infoField,
		BatchInfo: streams.BatchInfo{
			ShardID:                         b.ShardID,
			StartSequenceNumber:             b.FirstSequenceNumber,
			EndSequenceNumber:               b.LastSequenceNumber,
			ApproximateArrivalOfFirstRecord: b.FirstArrivalTime.UTC().Format(time.RFC3339Nano),
			ApproximateArrivalOfLastRecord:  b.LastArrivalTime.UTC().Format(time.RFC3339Nano),
			BatchSize:                       b.Len(),
			StreamARN:                       b.StreamARN,
		},
	}
	if last != nil {
		r.ResponseContext = streams.ResponseContext{
			StatusCode:      last.StatusCode,
			ExecutedVersion: last.ExecutedVersion,
			FunctionError:   last.FunctionError,
		}
	}
	return r
}

func (d *Dispatcher) publish(ctx context.Context, log *slog.Logger, src streams.Source, r *streams.FailureReport) {
	ctx, span := tracing.StartSpan(ctx, d.tracer, tracing.SpanFailureReport)
	defer span.End()

	err := errors.New("no failure reporter configured")
	if d.reporter != nil {
		// The report is still published when the listener is shutting down.
		err = d.reporter.Report(context.WithoutCancel(ctx), src, r)
	}
	d.metrics.RecordFailureReport(src.Key(), err == nil)
	if err != nil {
		tracing.SetSpanError(span, err)
		log.ErrorContext(ctx, "failed to publish failure report", "request_id", r.RequestContext.RequestID, "error", err)
		return
	}
	tracing.SetSpanOK(span)
	log.WarnContext(ctx, "retries exhausted, failure report published",
		"request_id", r.RequestContext.RequestID, "attempts", r.RequestContext.ApproximateInvokeCount, "records", r.BatchInfo.BatchSize)
}
