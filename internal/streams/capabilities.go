package streams

import (
	"context"
	"time"
)

// StreamClient is the provider-specific stream API. One implementation
// exists per stream provider; the core depends only on this interface.
type StreamClient interface {
	// ListShards returns every shard currently visible on the stream.
	ListShards(ctx context.Context, streamARN string) ([]Shard, error)

	// GetShardIterator returns an opaque iterator token for the position.
	GetShardIterator(ctx context.Context, streamARN, shardID string, pos StartingPosition) (string, error)

	// GetRecords fetches up to limit records from the iterator.
	GetRecords(ctx context.Context, token string, limit int) (*GetRecordsOutput, error)
}

// InvokeRequest is one synchronous invocation of a downstream target.
type InvokeRequest struct {
	Target    string
	Payload   []byte
	SourceARN string
	ShardID   string
}

// InvokeResult is what the target returned. A non-empty FunctionError or
// BatchItemFailures marks the attempt as failed even without an error.
type InvokeResult struct {
	StatusCode        int
	FunctionError     string
	ExecutedVersion   string
	Payload           []byte
	BatchItemFailures []string
}

// Failed reports whether the target signalled a failure in its response.
func (r *InvokeResult) Failed() bool {
	return r != nil && (r.FunctionError != "" || len(r.BatchItemFailures) > 0)
}

// Invoker runs the downstream compute target. Every listener binding must
// supply one.
type Invoker interface {
	Invoke(ctx context.Context, req InvokeRequest) (*InvokeResult, error)
}

// Checkpointer persists shard cursors so that a restarted or re-enabled
// source resumes where it stopped.
type Checkpointer interface {
	// Get returns nil, nil when no checkpoint exists.
	Get(ctx context.Context, streamARN, shardID string) (*Checkpoint, error)
	Put(ctx context.Context, cp Checkpoint) error
}

// SourceRegistry supplies the configured sources. Each call returns a copy
// that the caller may keep as an immutable snapshot.
type SourceRegistry interface {
	Sources(ctx context.Context) ([]Source, error)
}

// Clock supplies wall-clock time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock is the real wall clock.
var SystemClock Clock = ClockFunc(time.Now)
