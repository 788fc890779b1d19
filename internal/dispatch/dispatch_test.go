package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/lsm/fiso-stream/internal/observability"
	"github.com/lsm/fiso-stream/internal/retry"
	"github.com/lsm/fiso-stream/internal/streams"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeInvoker struct {
	mu       sync.Mutex
	calls    []streams.InvokeRequest
	results  []*streams.InvokeResult
	errs     []error
	onInvoke func(n int)
}

func (f *fakeInvoker) Invoke(_ context.Context, req streams.InvokeRequest) (*streams.InvokeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	n := len(f.calls)
	if f.onInvoke != nil {
		f.onInvoke(n)
	}
	var res *streams.InvokeResult
	var err error
	if n-1 < len(f.results) {
		res = f.results[n-1]
	}
	if n-1 < len(f.errs) {
		err = f.errs[n-1]
	}
	if res == nil && err == nil {
		res = &streams.InvokeResult{StatusCode: 200}
	}
	return res, err
}

type fakeReporter struct {
	reports []*streams.FailureReport
	err     error
}

func (f *fakeReporter) Report(_ context.Context, _ streams.Source, r *streams.FailureReport) error {
	f.reports = append(f.reports, r)
	return f.err
}

func testBatch(n int) *streams.RecordBatch {
	b := &streams.RecordBatch{StreamARN: "arn:stream", ShardID: "shard-1"}
	for i := 0; i < n; i++ {
		seq := []string{"100", "101", "102", "103", "104", "105", "106"}[i]
		b.Records = append(b.Records, streams.Record{SequenceNumber: seq})
		b.Envelope.Records = append(b.Envelope.Records, streams.EnvelopeRecord{EventID: "e" + seq, DataField: "dynamodb"})
	}
	b.FirstSequenceNumber = b.Records[0].SequenceNumber
	b.LastSequenceNumber = b.Records[n-1].SequenceNumber
	b.FirstArrivalTime = fixedNow.Add(-time.Minute)
	b.LastArrivalTime = fixedNow
	return b
}

func testSource(onFailure streams.FailureAction, attempts int) streams.Source {
	return streams.Source{
		ID:               "orders",
		ARN:              "arn:stream",
		TargetFunction:   "arn:aws:lambda:us-east-1:000000000000:function:orders",
		MaxRetryAttempts: attempts,
		OnFailure:        onFailure,
	}
}

func newDispatcher(inv streams.Invoker, rep Reporter, m *observability.Metrics) *Dispatcher {
	return New(Config{
		Invoker:        inv,
		Reporter:       rep,
		Retry:          retry.Config{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
		BatchInfoField: "DDBStreamBatchInfo",
		Clock:          streams.ClockFunc(func() time.Time { return fixedNow }),
		Metrics:        m,
		NewRequestID:   func() string { return "req-1" },
	})
}

func TestDispatch_SuccessFirstAttempt(t *testing.T) {
	inv := &fakeInvoker{}
	out := newDispatcher(inv, nil, nil).Dispatch(context.Background(), testSource(streams.FailureActionDrop, 3), testBatch(2))

	if !out.Success || !out.Handled || out.AttemptCount != 1 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if len(inv.calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(inv.calls))
	}
	req := inv.calls[0]
	if req.SourceARN != "arn:stream" || req.ShardID != "shard-1" {
		t.Errorf("unexpected request: %+v", req)
	}
	var env map[string][]map[string]any
	if err := json.Unmarshal(req.Payload, &env); err != nil {
		t.Fatalf("payload is not json: %v", err)
	}
	if len(env["Records"]) != 2 || env["Records"][0]["eventID"] != "e100" {
		t.Errorf("unexpected payload: %s", req.Payload)
	}
}

func TestDispatch_SuccessAfterRetry(t *testing.T) {
	inv := &fakeInvoker{errs: []error{errors.New("timeout")}}
	out := newDispatcher(inv, nil, nil).Dispatch(context.Background(), testSource(streams.FailureActionDrop, 3), testBatch(1))

	if !out.Success || out.AttemptCount != 2 {
		t.Fatalf("expected success on attempt 2, got %+v", out)
	}
}

func TestDispatch_ExhaustedReport(t *testing.T) {
	inv := &fakeInvoker{errs: []error{errors.New("a"), errors.New("b"), errors.New("c")}}
	rep := &fakeReporter{}
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)

	out := newDispatcher(inv, rep, m).Dispatch(context.Background(), testSource(streams.FailureActionReport, 3), testBatch(5))

	if out.Success || !out.Handled || out.AttemptCount != 3 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if len(inv.calls) != 3 {
		t.Fatalf("expected 3 invocations, got %d", len(inv.calls))
	}
	if len(rep.reports) != 1 {
		t.Fatalf("expected 1 report, got %d", len(rep.reports))
	}
	r := rep.reports[0]
	if r != out.Report {
		t.Error("expected outcome to carry the published report")
	}
	info := r.BatchInfo
	if info.BatchSize != 5 || info.StartSequenceNumber != "100" || info.EndSequenceNumber != "104" {
		t.Errorf("unexpected batch info: %+v", info)
	}
	if info.ShardID != "shard-1" || info.StreamARN != "arn:stream" {
		t.Errorf("unexpected batch info: %+v", info)
	}
	if r.RequestContext.ApproximateInvokeCount != 3 || r.RequestContext.Condition != streams.ConditionRetriesExhausted {
		t.Errorf("unexpected request context: %+v", r.RequestContext)
	}
	if r.RequestContext.RequestID != "req-1" || r.BatchInfoField != "DDBStreamBatchInfo" {
		t.Errorf("unexpected report: %+v", r)
	}
	if info.ApproximateArrivalOfLastRecord != "2024-03-01T12:00:00Z" {
		t.Errorf("unexpected arrival: %s", info.ApproximateArrivalOfLastRecord)
	}
	if got := testutil.ToFloat64(m.FailureReports.WithLabelValues("orders", "published")); got != 1 {
		t.Errorf("expected 1 published report, got %v", got)
	}
	if got := testutil.ToFloat64(m.InvokeAttempts.WithLabelValues("orders", "error")); got != 3 {
		t.Errorf("expected 3 failed attempts, got %v", got)
	}
	if got := testutil.ToFloat64(m.BatchesTotal.WithLabelValues("orders", OutcomeReported)); got != 1 {
		t.Errorf("expected 1 reported batch, got %v", got)
	}
}

func TestDispatch_ExhaustedDrop(t *testing.T) {
	inv := &fakeInvoker{errs: []error{errors.New("a"), errors.New("b")}}
	rep := &fakeReporter{}
	out := newDispatcher(inv, rep, nil).Dispatch(context.Background(), testSource(streams.FailureActionDrop, 2), testBatch(3))

	if out.Success || !out.Handled || out.Report != nil {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if len(rep.reports) != 0 {
		t.Errorf("expected no report for DROP, got %d", len(rep.reports))
	}
	if out.FailureDetail == "" {
		t.Error("expected failure detail")
	}
}

func TestDispatch_ZeroRetriesMeansOneAttempt(t *testing.T) {
	inv := &fakeInvoker{errs: []error{errors.New("a"), errors.New("b")}}
	out := newDispatcher(inv, nil, nil).Dispatch(context.Background(), testSource(streams.FailureActionDrop, 0), testBatch(1))

	if out.AttemptCount != 1 || len(inv.calls) != 1 {
		t.Fatalf("expected exactly one attempt, got %+v calls=%d", out, len(inv.calls))
	}
}

func TestDispatch_FunctionErrorAndBatchItemFailures(t *testing.T) {
	inv := &fakeInvoker{results: []*streams.InvokeResult{
		{StatusCode: 200, FunctionError: "Unhandled"},
		{StatusCode: 200, BatchItemFailures: []string{"101"}},
		{StatusCode: 200, FunctionError: "Handled", ExecutedVersion: "$LATEST"},
	}}
	rep := &fakeReporter{}
	out := newDispatcher(inv, rep, nil).Dispatch(context.Background(), testSource(streams.FailureActionReport, 3), testBatch(2))

	if out.Success || out.AttemptCount != 3 {
		t.Fatalf("expected all attempts to fail, got %+v", out)
	}
	rc := rep.reports[0].ResponseContext
	if rc.FunctionError != "Handled" || rc.ExecutedVersion != "$LATEST" || rc.StatusCode != 200 {
		t.Errorf("unexpected response context: %+v", rc)
	}
}

func TestDispatch_PermanentErrorStopsRetrying(t *testing.T) {
	inv := &fakeInvoker{errs: []error{retry.Permanent(errors.New("function not found"))}}
	out := newDispatcher(inv, &fakeReporter{}, nil).Dispatch(context.Background(), testSource(streams.FailureActionReport, 5), testBatch(1))

	if len(inv.calls) != 1 || out.AttemptCount != 1 {
		t.Fatalf("expected a single attempt, got %d", len(inv.calls))
	}
	if !out.Handled || out.Report == nil {
		t.Errorf("expected handled outcome with report, got %+v", out)
	}
}

func TestDispatch_ReporterErrorStillHandled(t *testing.T) {
	inv := &fakeInvoker{errs: []error{errors.New("a")}}
	rep := &fakeReporter{err: errors.New("broker down")}
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)

	out := newDispatcher(inv, rep, m).Dispatch(context.Background(), testSource(streams.FailureActionReport, 1), testBatch(1))
	if !out.Handled || out.Report == nil {
		t.Fatalf("expected handled outcome, got %+v", out)
	}
	if got := testutil.ToFloat64(m.FailureReports.WithLabelValues("orders", "publish_error")); got != 1 {
		t.Errorf("expected publish error metric, got %v", got)
	}
}

func TestDispatch_CancelledIsNotHandled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	inv := &fakeInvoker{
		errs:     []error{errors.New("a"), errors.New("b"), errors.New("c")},
		onInvoke: func(int) { cancel() },
	}
	rep := &fakeReporter{}
	out := newDispatcher(inv, rep, nil).Dispatch(ctx, testSource(streams.FailureActionReport, 3), testBatch(1))

	if out.Handled || out.Success {
		t.Fatalf("expected unhandled outcome, got %+v", out)
	}
	if len(rep.reports) != 0 {
		t.Error("expected no report for a cancelled dispatch")
	}
}

func TestAttempts(t *testing.T) {
	if Attempts(streams.Source{MaxRetryAttempts: -1}) != 1 {
		t.Error("expected negative attempts to mean one")
	}
	if Attempts(streams.Source{MaxRetryAttempts: 4}) != 4 {
		t.Error("expected 4 attempts")
	}
}
