package streams

import (
	"errors"
	"fmt"
)

// TransientProviderError is a throttling or availability failure of a stream
// API call. It is retried with backoff and is never fatal to a source.
type TransientProviderError struct {
	Op  string
	Err error
}

func (e *TransientProviderError) Error() string {
	return fmt.Sprintf("transient provider error in %s: %v", e.Op, e.Err)
}

func (e *TransientProviderError) Unwrap() error { return e.Err }

// IteratorExpiredError signals that a shard iterator can no longer be used.
// Trimmed is set when the records behind the iterator were already trimmed
// from the stream, so the cursor must restart from the trim horizon.
type IteratorExpiredError struct {
	ShardID string
	Trimmed bool
	Err     error
}

func (e *IteratorExpiredError) Error() string {
	if e.Trimmed {
		return fmt.Sprintf("shard %s: iterator points at trimmed data: %v", e.ShardID, e.Err)
	}
	return fmt.Sprintf("shard %s: iterator expired: %v", e.ShardID, e.Err)
}

func (e *IteratorExpiredError) Unwrap() error { return e.Err }

// InvocationError is a failed attempt to invoke the downstream target.
type InvocationError struct {
	Target        string
	Attempt       int
	StatusCode    int
	FunctionError string
	Err           error
}

func (e *InvocationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invoke %s attempt %d: %v", e.Target, e.Attempt, e.Err)
	}
	return fmt.Sprintf("invoke %s attempt %d: function error %q", e.Target, e.Attempt, e.FunctionError)
}

func (e *InvocationError) Unwrap() error { return e.Err }

// ConfigurationError marks a malformed source. That source is skipped;
// others are unaffected.
type ConfigurationError struct {
	SourceID string
	Err      error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("source %s: invalid configuration: %v", e.SourceID, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// FatalInitializationError means the shards of a source could never be
// listed. The source is marked failed; the listener keeps serving others.
type FatalInitializationError struct {
	SourceID string
	Attempts int
	Err      error
}

func (e *FatalInitializationError) Error() string {
	return fmt.Sprintf("source %s: cannot list shards after %d attempts: %v", e.SourceID, e.Attempts, e.Err)
}

func (e *FatalInitializationError) Unwrap() error { return e.Err }

// ShardFailedError is escalated by a poller that gave up on its shard.
type ShardFailedError struct {
	ShardID string
	Err     error
}

func (e *ShardFailedError) Error() string {
	return fmt.Sprintf("shard %s failed: %v", e.ShardID, e.Err)
}

func (e *ShardFailedError) Unwrap() error { return e.Err }

// ErrResourceNotFound is wrapped by providers when a stream or shard does not exist.
var ErrResourceNotFound = errors.New("resource not found")

// IsTransient reports whether err is a TransientProviderError.
func IsTransient(err error) bool {
	var te *TransientProviderError
	return errors.As(err, &te)
}

// IsIteratorExpired reports whether err is an IteratorExpiredError.
func IsIteratorExpired(err error) bool {
	var ie *IteratorExpiredError
	return errors.As(err, &ie)
}
