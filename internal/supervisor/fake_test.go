package supervisor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lsm/fiso-stream/internal/poller"
	"github.com/lsm/fiso-stream/internal/streams"
)

// fakeLister serves a mutable shard listing.
type fakeLister struct {
	mu      sync.Mutex
	shards  []streams.Shard
	listErr error
	lists   int
}

func (f *fakeLister) set(shards ...streams.Shard) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shards = shards
}

func (f *fakeLister) ListShards(context.Context, string) ([]streams.Shard, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]streams.Shard(nil), f.shards...), nil
}

func (f *fakeLister) GetShardIterator(context.Context, string, string, streams.StartingPosition) (string, error) {
	return "", nil
}

func (f *fakeLister) GetRecords(context.Context, string, int) (*streams.GetRecordsOutput, error) {
	return &streams.GetRecordsOutput{}, nil
}

// fakeRunner blocks until it is stopped or handed a result.
type fakeRunner struct {
	shard   streams.Shard
	pos     streams.StartingPosition
	source  streams.Source
	results chan poller.Result
	stopCh  chan struct{}
	once    sync.Once
	state   atomic.Int32
}

func (r *fakeRunner) Run(ctx context.Context) poller.Result {
	r.state.Store(int32(poller.Polling))
	defer r.state.Store(int32(poller.Stopped))
	select {
	case res := <-r.results:
		res.ShardID = r.shard.ID
		return res
	case <-r.stopCh:
		return poller.Result{ShardID: r.shard.ID}
	case <-ctx.Done():
		return poller.Result{ShardID: r.shard.ID}
	}
}

func (r *fakeRunner) Stop()                       { r.once.Do(func() { close(r.stopCh) }) }
func (r *fakeRunner) State() poller.State         { return poller.State(r.state.Load()) }
func (r *fakeRunner) Cursor() streams.ShardCursor { return streams.ShardCursor{ShardID: r.shard.ID} }

func (r *fakeRunner) stopped() bool {
	select {
	case <-r.stopCh:
		return true
	default:
		return false
	}
}

// fakeFactory records every runner it creates, in start order.
type fakeFactory struct {
	mu      sync.Mutex
	runners []*fakeRunner
}

func (f *fakeFactory) New(src streams.Source, shard streams.Shard, pos streams.StartingPosition) ShardRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := &fakeRunner{
		shard:   shard,
		pos:     pos,
		source:  src,
		results: make(chan poller.Result, 1),
		stopCh:  make(chan struct{}),
	}
	f.runners = append(f.runners, r)
	return r
}

func (f *fakeFactory) started() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.runners))
	for _, r := range f.runners {
		ids = append(ids, r.shard.ID)
	}
	return ids
}

// latest returns the most recently created runner for a shard.
func (f *fakeFactory) latest(shardID string) *fakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.runners) - 1; i >= 0; i-- {
		if f.runners[i].shard.ID == shardID {
			return f.runners[i]
		}
	}
	return nil
}

func (f *fakeFactory) count(shardID string) int {
	n := 0
	for _, id := range f.started() {
		if id == shardID {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
