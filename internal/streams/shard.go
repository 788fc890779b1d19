package streams

import "time"

// ShardStatus is the lifecycle state of a shard as observed by the listener.
type ShardStatus int

const (
	ShardOpen ShardStatus = iota
	// ShardClosing is a shard closed for writes whose records are still being read.
	ShardClosing
	ShardClosed
)

func (s ShardStatus) String() string {
	switch s {
	case ShardOpen:
		return "OPEN"
	case ShardClosing:
		return "CLOSING"
	case ShardClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// SequenceNumberRange bounds a shard. Ending is empty while the shard is open.
type SequenceNumberRange struct {
	Starting string
	Ending   string
}

// Shard is a partition of a stream. The provider owns its lifetime; the
// listener only observes it.
type Shard struct {
	ID                  string
	StreamARN           string
	ParentShardID       string
	SequenceNumberRange SequenceNumberRange
	Status              ShardStatus
}

// Closed reports whether the shard no longer accepts writes.
func (s Shard) Closed() bool {
	return s.Status != ShardOpen
}

// ShardCursor is the only mutable checkpoint state in the core. Exactly one
// poller owns a cursor at a time.
type ShardCursor struct {
	ShardID                    string
	IteratorToken              string
	LastConsumedSequenceNumber string
}

// Checkpoint is the persisted form of a cursor.
type Checkpoint struct {
	StreamARN      string
	ShardID        string
	SequenceNumber string
	// Finished marks a shard that was read to its end.
	Finished  bool
	UpdatedAt time.Time
}
