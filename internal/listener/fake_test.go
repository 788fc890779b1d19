package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lsm/fiso-stream/internal/streams"
)

// waitStopped blocks until background shutdowns have finished.
func (l *Listener) waitStopped() {
	l.bg.Wait()
}

// fakeStream serves one open shard whose records can grow during a test.
type fakeStream struct {
	mu      sync.Mutex
	records []streams.Record
}

func (f *fakeStream) add(eventName string, seqs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, seq := range seqs {
		f.records = append(f.records, streams.Record{
			SequenceNumber: seq,
			Fields: map[string]any{
				"EventID":   "e" + seq,
				"EventName": eventName,
				"Dynamodb":  map[string]any{"SequenceNumber": seq},
			},
		})
	}
}

func (f *fakeStream) ListShards(_ context.Context, arn string) ([]streams.Shard, error) {
	return []streams.Shard{{ID: "shard-1", StreamARN: arn}}, nil
}

func (f *fakeStream) GetShardIterator(_ context.Context, _, _ string, pos streams.StartingPosition) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := 0
	switch pos.Type {
	case streams.Latest:
		idx = len(f.records)
	case streams.AtSequenceNumber, streams.AfterSequenceNumber:
		idx = len(f.records)
		for i, rec := range f.records {
			c := streams.CompareSequence(rec.SequenceNumber, pos.SequenceNumber)
			if c > 0 || (c == 0 && pos.Type == streams.AtSequenceNumber) {
				idx = i
				break
			}
		}
	}
	return fmt.Sprintf("idx:%d", idx), nil
}

func (f *fakeStream) GetRecords(_ context.Context, token string, limit int) (*streams.GetRecordsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx, err := strconv.Atoi(strings.TrimPrefix(token, "idx:"))
	if err != nil {
		return nil, fmt.Errorf("bad token %q", token)
	}
	end := idx + limit
	if end > len(f.records) {
		end = len(f.records)
	}
	return &streams.GetRecordsOutput{
		Records:   append([]streams.Record(nil), f.records[idx:end]...),
		NextToken: fmt.Sprintf("idx:%d", end),
	}, nil
}

// envelope mirrors the wire payload closely enough for assertions.
type envelope struct {
	Records []struct {
		EventID        string         `json:"eventID"`
		EventName      string         `json:"eventName"`
		EventVersion   string         `json:"eventVersion"`
		EventSource    string         `json:"eventSource"`
		EventSourceARN string         `json:"eventSourceARN"`
		AwsRegion      string         `json:"awsRegion"`
		Dynamodb       map[string]any `json:"dynamodb"`
	} `json:"Records"`
}

// fakeInvoker decodes and records every batch it receives. When gate is
// set, the next call blocks until the gate is closed. The first failFirst
// calls return a function error and are not recorded.
type fakeInvoker struct {
	mu          sync.Mutex
	batches     []envelope
	targets     []string
	gate        chan struct{}
	failFirst   int
	calls       int
	inflight    int
	maxInflight int
}

func (f *fakeInvoker) Invoke(ctx context.Context, req streams.InvokeRequest) (*streams.InvokeResult, error) {
	var env envelope
	if err := json.Unmarshal(req.Payload, &env); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.calls++
	f.inflight++
	f.maxInflight = max(f.maxInflight, f.inflight)
	gate := f.gate
	f.gate = nil
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inflight--
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.calls <= f.failFirst {
		return &streams.InvokeResult{StatusCode: 200, FunctionError: "Unhandled"}, nil
	}
	f.batches = append(f.batches, env)
	f.targets = append(f.targets, req.Target)
	return &streams.InvokeResult{StatusCode: 200}, nil
}

func (f *fakeInvoker) stats() (calls, inflight, maxInflight int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, f.inflight, f.maxInflight
}

func (f *fakeInvoker) sequences() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var seqs []string
	for _, b := range f.batches {
		for _, r := range b.Records {
			seq, _ := r.Dynamodb["SequenceNumber"].(string)
			seqs = append(seqs, seq)
		}
	}
	return seqs
}

func (f *fakeInvoker) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

// fakeReporter collects published failure reports.
type fakeReporter struct {
	mu      sync.Mutex
	reports []*streams.FailureReport
}

func (r *fakeReporter) Report(_ context.Context, _ streams.Source, fr *streams.FailureReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, fr)
	return nil
}

func (r *fakeReporter) all() []*streams.FailureReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*streams.FailureReport(nil), r.reports...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
