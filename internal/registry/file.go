package registry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/lsm/fiso-stream/internal/streams"
)

// File loads one source per YAML file from a directory and reloads on change.
type File struct {
	mu       sync.RWMutex
	sources  map[string]streams.Source
	files    map[string]string
	dir      string
	logger   *slog.Logger
	onChange func([]streams.Source)
}

// NewFile creates a registry over dir.
func NewFile(dir string, logger *slog.Logger) *File {
	if logger == nil {
		logger = slog.Default()
	}
	return &File{
		sources: make(map[string]streams.Source),
		files:   make(map[string]string),
		dir:     dir,
		logger:  logger,
	}
}

// OnChange registers a callback fired after every reload triggered by Watch.
func (f *File) OnChange(fn func([]streams.Source)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onChange = fn
}

// Load reads every YAML file in the directory. Files that fail to parse are
// logged and skipped; they never block the others.
func (f *File) Load() ([]streams.Source, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("read registry dir %s: %w", f.dir, err)
	}

	sources := make(map[string]streams.Source)
	files := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		path := filepath.Join(f.dir, entry.Name())
		src, err := loadSourceFile(path)
		if err != nil {
			f.logger.Error("failed to load source file", "path", path, "error", err)
			continue
		}
		key := src.Key()
		if prev, dup := files[key]; dup {
			f.logger.Warn("duplicate source id, keeping first file", "source", key, "path", path, "kept", prev)
			continue
		}
		sources[key] = src
		files[key] = path
	}

	f.mu.Lock()
	f.sources = sources
	f.files = files
	f.mu.Unlock()

	return sortedSources(sources), nil
}

// Sources returns the last loaded snapshot.
func (f *File) Sources(context.Context) ([]streams.Source, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return sortedSources(f.sources), nil
}

// Path returns the file a source was loaded from.
func (f *File) Path(key string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.files[key]
	return p, ok
}

// Watch reloads the directory on every change until ctx ends.
func (f *File) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() {
		_ = watcher.Close()
	}()

	if err := watcher.Add(f.dir); err != nil {
		return fmt.Errorf("watch dir %s: %w", f.dir, err)
	}

	f.logger.Info("watching registry directory", "dir", f.dir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			f.logger.Info("registry change detected", "file", event.Name, "op", event.Op.String())
			sources, err := f.Load()
			if err != nil {
				f.logger.Error("failed to reload registry", "error", err)
				continue
			}
			f.mu.RLock()
			fn := f.onChange
			f.mu.RUnlock()
			if fn != nil {
				fn(sources)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.logger.Error("watcher error", "error", err)
		}
	}
}

func loadSourceFile(path string) (streams.Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return streams.Source{}, fmt.Errorf("read file: %w", err)
	}

	// A file only needs `enabled: false` to switch a source off.
	src := streams.Source{Enabled: true}
	if err := yaml.Unmarshal(data, &src); err != nil {
		return streams.Source{}, fmt.Errorf("parse yaml: %w", err)
	}
	if src.ARN == "" {
		return streams.Source{}, fmt.Errorf("source definition missing 'arn' field in %s", path)
	}
	return src, nil
}
