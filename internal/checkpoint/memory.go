// Package checkpoint persists shard cursors so sources resume where they
// stopped after a restart or a disable/enable cycle.
package checkpoint

import (
	"context"
	"sync"

	"github.com/lsm/fiso-stream/internal/streams"
)

// Memory is an in-process checkpoint store. Checkpoints survive a source
// being disabled and re-enabled but not a process restart.
type Memory struct {
	mu  sync.RWMutex
	cps map[string]streams.Checkpoint
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{cps: make(map[string]streams.Checkpoint)}
}

func key(streamARN, shardID string) string {
	return streamARN + "|" + shardID
}

// Get returns the checkpoint for the shard, or nil when none exists.
func (m *Memory) Get(_ context.Context, streamARN, shardID string) (*streams.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp, ok := m.cps[key(streamARN, shardID)]
	if !ok {
		return nil, nil
	}
	return &cp, nil
}

// Put stores cp. A checkpoint never moves backwards and a finished shard
// stays finished.
func (m *Memory) Put(_ context.Context, cp streams.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(cp.StreamARN, cp.ShardID)
	if prev, ok := m.cps[k]; ok {
		if prev.Finished && !cp.Finished {
			return nil
		}
		if streams.CompareSequence(cp.SequenceNumber, prev.SequenceNumber) < 0 {
			cp.SequenceNumber = prev.SequenceNumber
		}
	}
	m.cps[k] = cp
	return nil
}

// Len returns the number of stored checkpoints.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cps)
}

var _ streams.Checkpointer = (*Memory)(nil)
