package poller

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/lsm/fiso-stream/internal/streams"
)

// fakeStream serves a single shard from an in-memory record list. Iterator
// tokens encode the index of the next record to return.
type fakeStream struct {
	mu        sync.Mutex
	records   []streams.Record
	closed    bool
	getErrs   []error // consumed one per GetRecords call
	iterErrs  []error // consumed one per GetShardIterator call
	positions []streams.StartingPosition
	getCalls  int
}

func newFakeStream(closed bool, seqs ...string) *fakeStream {
	f := &fakeStream{closed: closed}
	for _, seq := range seqs {
		f.records = append(f.records, streams.Record{
			SequenceNumber: seq,
			Fields:         map[string]any{"EventID": "e" + seq, "EventName": "INSERT", "Dynamodb": map[string]any{"SequenceNumber": seq}},
		})
	}
	return f
}

func (f *fakeStream) ListShards(context.Context, string) ([]streams.Shard, error) {
	return nil, nil
}

func (f *fakeStream) GetShardIterator(_ context.Context, _, _ string, pos streams.StartingPosition) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positions = append(f.positions, pos)
	if len(f.iterErrs) > 0 {
		err := f.iterErrs[0]
		f.iterErrs = f.iterErrs[1:]
		if err != nil {
			return "", err
		}
	}

	idx := 0
	switch pos.Type {
	case streams.TrimHorizon:
		idx = 0
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
	f.getCalls++
	if len(f.getErrs) > 0 {
		err := f.getErrs[0]
		f.getErrs = f.getErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	idx, err := strconv.Atoi(strings.TrimPrefix(token, "idx:"))
	if err != nil {
		return nil, fmt.Errorf("bad token %q", token)
	}
	end := idx + limit
	if end > len(f.records) {
		end = len(f.records)
	}
	out := &streams.GetRecordsOutput{Records: append([]streams.Record(nil), f.records[idx:end]...)}
	if !(f.closed && end >= len(f.records)) {
		out.NextToken = fmt.Sprintf("idx:%d", end)
	}
	return out, nil
}

func (f *fakeStream) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getCalls
}

// fakeDispatcher records every batch it receives.
type fakeDispatcher struct {
	mu      sync.Mutex
	batches []*streams.RecordBatch
	outcome func(n int) streams.InvocationOutcome
}

func (d *fakeDispatcher) Dispatch(_ context.Context, _ streams.Source, b *streams.RecordBatch) streams.InvocationOutcome {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.batches = append(d.batches, b)
	if d.outcome != nil {
		return d.outcome(len(d.batches))
	}
	return streams.InvocationOutcome{Success: true, Handled: true, AttemptCount: 1}
}

func (d *fakeDispatcher) sequences() [][]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out [][]string
	for _, b := range d.batches {
		var seqs []string
		for _, r := range b.Records {
			seqs = append(seqs, r.SequenceNumber)
		}
		out = append(out, seqs)
	}
	return out
}
