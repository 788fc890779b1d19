// Package registry supplies stream source definitions to the listener.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/lsm/fiso-stream/internal/streams"
)

// Static is an in-memory registry. Sources are added and toggled through
// its methods; every Sources call returns a fresh copy.
type Static struct {
	mu      sync.RWMutex
	sources map[string]streams.Source
}

// NewStatic creates a registry holding the given sources.
func NewStatic(sources ...streams.Source) *Static {
	s := &Static{sources: make(map[string]streams.Source, len(sources))}
	for _, src := range sources {
		s.Set(src)
	}
	return s
}

// Set adds or replaces a source.
func (s *Static) Set(src streams.Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[src.Key()] = cloneSource(src)
}

// Remove deletes a source. Removing an unknown source is a no-op.
func (s *Static) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sources, key)
}

// Enable marks a source enabled.
func (s *Static) Enable(key string) error {
	return s.setEnabled(key, true)
}

// Disable marks a source disabled. The listener stops its supervisor on the
// next sync.
func (s *Static) Disable(key string) error {
	return s.setEnabled(key, false)
}

func (s *Static) setEnabled(key string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[key]
	if !ok {
		return fmt.Errorf("source %q: %w", key, streams.ErrResourceNotFound)
	}
	src.Enabled = enabled
	s.sources[key] = src
	return nil
}

// Sources returns a snapshot sorted by key.
func (s *Static) Sources(context.Context) ([]streams.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedSources(s.sources), nil
}

func sortedSources(m map[string]streams.Source) []streams.Source {
	out := make([]streams.Source, 0, len(m))
	for _, src := range m {
		out = append(out, cloneSource(src))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

func cloneSource(src streams.Source) streams.Source {
	if src.Filters != nil {
		src.Filters = append([]string(nil), src.Filters...)
	}
	return src
}
