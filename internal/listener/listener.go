// Package listener runs one shard supervisor per enabled source and keeps
// the set of supervisors in line with the registry.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/lsm/fiso-stream/internal/dispatch"
	"github.com/lsm/fiso-stream/internal/filter"
	"github.com/lsm/fiso-stream/internal/observability"
	"github.com/lsm/fiso-stream/internal/poller"
	"github.com/lsm/fiso-stream/internal/ratelimit"
	"github.com/lsm/fiso-stream/internal/retry"
	"github.com/lsm/fiso-stream/internal/streams"
	"github.com/lsm/fiso-stream/internal/supervisor"
)

const (
	DefaultInterval        = 10 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
)

// Config wires a Listener. Binding, Registry, Invoker and Checkpointer are
// required.
type Config struct {
	Binding      Binding
	Registry     streams.SourceRegistry
	Invoker      streams.Invoker
	Reporter     dispatch.Reporter
	Checkpointer streams.Checkpointer
	// ValidateTarget rejects sources whose target cannot be invoked.
	ValidateTarget func(target string) error

	// Interval is how often the registry is re-read.
	Interval             time.Duration
	SupervisorInterval   time.Duration
	MaxConcurrentPollers int
	MaxInitAttempts      int
	MinPollInterval      time.Duration
	MaxPollInterval      time.Duration
	// GetRecordsRPS limits stream reads per shard. Zero disables limiting.
	GetRecordsRPS   float64
	InvokeRetry     retry.Config
	ShutdownTimeout time.Duration

	Clock   streams.Clock
	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  trace.Tracer
}

type entry struct {
	src  streams.Source
	sup  *supervisor.Supervisor
	done chan struct{}

	mu  sync.Mutex
	err error
}

func (e *entry) runErr() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Listener owns the supervisors of every enabled source of its binding.
type Listener struct {
	cfg        Config
	logger     *slog.Logger
	dispatcher *dispatch.Dispatcher
	limiter    *ratelimit.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	notify chan struct{}
	bg     sync.WaitGroup

	mu       sync.Mutex
	running  map[string]*entry
	draining map[string]chan struct{}
	filters  map[string]*filter.Filter
	invalid  map[string]error
	shutdown bool
}

// New creates a Listener.
func New(cfg Config) *Listener {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = streams.SystemClock
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Logger = logger

	ctx, cancel := context.WithCancel(context.Background())
	return &Listener{
		cfg:    cfg,
		logger: logger.With("binding", cfg.Binding.SourceType),
		dispatcher: dispatch.New(dispatch.Config{
			Invoker:        cfg.Invoker,
			Reporter:       cfg.Reporter,
			Retry:          cfg.InvokeRetry,
			BatchInfoField: cfg.Binding.BatchInfoField,
			Clock:          cfg.Clock,
			Logger:         logger,
			Metrics:        cfg.Metrics,
			Tracer:         cfg.Tracer,
		}),
		limiter: ratelimit.New(cfg.GetRecordsRPS, 0),
		ctx:     ctx,
		cancel:  cancel,
		notify:  make(chan struct{}, 1),
		running:  make(map[string]*entry),
		draining: make(map[string]chan struct{}),
		filters:  make(map[string]*filter.Filter),
		invalid: make(map[string]error),
	}
}

// Notify requests a sync ahead of the next interval.
func (l *Listener) Notify() {
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// Run syncs every Interval, and whenever Notify is called, until ctx ends.
// It then shuts every supervisor down.
func (l *Listener) Run(ctx context.Context) error {
	if err := l.Sync(ctx); err != nil {
		l.logger.Error("registry sync failed", "error", err)
	}

	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
		case <-l.notify:
		}
		if err := l.Sync(ctx); err != nil {
			l.logger.Error("registry sync failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), l.cfg.ShutdownTimeout)
	defer cancel()
	return l.Shutdown(shutdownCtx)
}

// Sync applies one registry snapshot: it starts supervisors for new enabled
// sources, updates running ones and stops those removed or disabled.
// Invalid sources are skipped without affecting the rest.
func (l *Listener) Sync(ctx context.Context) error {
	sources, err := l.cfg.Registry.Sources(ctx)
	if err != nil {
		return fmt.Errorf("read registry: %w", err)
	}

	desired := make(map[string]streams.Source)
	filters := make(map[string]*filter.Filter)
	invalid := make(map[string]error)
	for _, src := range sources {
		if !l.cfg.Binding.Matches(src.ARN) || !src.Enabled {
			continue
		}
		src = src.WithDefaults()
		key := src.Key()
		f, err := l.validate(src)
		if err != nil {
			invalid[key] = err
			continue
		}
		desired[key] = src
		filters[key] = f
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.shutdown {
		return nil
	}

	for key, err := range invalid {
		if prev, seen := l.invalid[key]; !seen || prev.Error() != err.Error() {
			l.logger.Error("skipping invalid source", "source", key, "error", err)
		}
	}
	l.invalid = invalid
	l.filters = filters

	for key, e := range l.running {
		want, ok := desired[key]
		if ok && want.ARN == e.src.ARN {
			continue
		}
		delete(l.running, key)
		l.logger.Info("stopping source", "source", key)
		l.stopAsync(key, e)
	}

	for key, src := range desired {
		if e, ok := l.running[key]; ok {
			if !reflect.DeepEqual(e.src, src) {
				l.logger.Info("source updated", "source", key)
				e.src = src
				e.sup.Update(src)
			}
			continue
		}
		// A source is restarted only once its previous supervisor has let
		// go of every shard, so each shard has a single poller.
		if _, busy := l.draining[key]; busy {
			l.logger.Info("source still draining, start deferred", "source", key)
			continue
		}
		l.startLocked(src)
	}
	return nil
}

func (l *Listener) validate(src streams.Source) (*filter.Filter, error) {
	if err := src.Validate(); err != nil {
		return nil, err
	}
	if l.cfg.ValidateTarget != nil {
		if err := l.cfg.ValidateTarget(src.TargetFunction); err != nil {
			return nil, &streams.ConfigurationError{SourceID: src.Key(), Err: err}
		}
	}
	f, err := filter.New(src.Filters, filter.WithDataField(l.cfg.Binding.DataField))
	if err != nil {
		return nil, &streams.ConfigurationError{SourceID: src.Key(), Err: err}
	}
	return f, nil
}

func (l *Listener) startLocked(src streams.Source) {
	key := src.Key()
	sup := supervisor.New(supervisor.Config{
		Source:               src,
		Client:               l.cfg.Binding.Client,
		Checkpointer:         l.cfg.Checkpointer,
		NewPoller:            l.newPoller,
		Interval:             l.cfg.SupervisorInterval,
		MaxConcurrentPollers: l.cfg.MaxConcurrentPollers,
		MaxInitAttempts:      l.cfg.MaxInitAttempts,
		Logger:               l.cfg.Logger,
		Metrics:              l.cfg.Metrics,
	})
	e := &entry{src: src, sup: sup, done: make(chan struct{})}
	l.running[key] = e
	l.logger.Info("starting source", "source", key, "stream_arn", src.ARN, "target", src.TargetFunction)

	go func() {
		defer close(e.done)
		if err := sup.Run(l.ctx); err != nil {
			e.mu.Lock()
			e.err = err
			e.mu.Unlock()
			l.logger.Error("source failed", "source", key, "error", err)
		}
	}()
}

// stopAsync shuts a supervisor down in the background so one slow drain
// never holds up the others. The source stays in l.draining until every
// poller has exited; a sync is requested afterwards to pick up a restart.
// Callers hold l.mu.
func (l *Listener) stopAsync(key string, e *entry) {
	drained := make(chan struct{})
	l.draining[key] = drained
	l.bg.Add(1)
	go func() {
		defer l.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), l.cfg.ShutdownTimeout)
		defer cancel()
		if err := e.sup.Shutdown(ctx); err != nil {
			l.logger.Warn("source did not drain in time", "source", key, "error", err)
		}
		<-e.done

		l.mu.Lock()
		if l.draining[key] == drained {
			delete(l.draining, key)
		}
		l.mu.Unlock()
		close(drained)
		l.logger.Info("source stopped", "source", key)
		l.Notify()
	}()
}

func (l *Listener) newPoller(src streams.Source, shard streams.Shard, pos streams.StartingPosition) supervisor.ShardRunner {
	l.mu.Lock()
	f := l.filters[src.Key()]
	l.mu.Unlock()

	return poller.New(poller.Config{
		Source:           src,
		Shard:            shard,
		StartingPosition: pos,
		Client:           l.cfg.Binding.Client,
		Builder:          l.cfg.Binding.Builder,
		Dispatcher:       l.dispatcher,
		Checkpointer:     l.cfg.Checkpointer,
		Filter:           f,
		Limiter:          l.limiter,
		MinPollInterval:  l.cfg.MinPollInterval,
		MaxPollInterval:  l.cfg.MaxPollInterval,
		Clock:            l.cfg.Clock,
		Logger:           l.cfg.Logger,
		Metrics:          l.cfg.Metrics,
	})
}

// Shutdown stops every supervisor, including those already stopping in the
// background, and waits for them within ctx.
func (l *Listener) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	l.shutdown = true
	running := l.running
	l.running = make(map[string]*entry)
	l.mu.Unlock()

	var g errgroup.Group
	for key, e := range running {
		g.Go(func() error {
			if err := e.sup.Shutdown(ctx); err != nil {
				return fmt.Errorf("source %s: %w", key, err)
			}
			<-e.done
			return nil
		})
	}
	err := g.Wait()

	bgDone := make(chan struct{})
	go func() {
		l.bg.Wait()
		close(bgDone)
	}()
	select {
	case <-bgDone:
	case <-ctx.Done():
		err = errors.Join(err, ctx.Err())
	}
	l.cancel()
	return err
}

// Status reports every running source and every source skipped as invalid.
func (l *Listener) Status() []supervisor.Status {
	l.mu.Lock()
	entries := make([]*entry, 0, len(l.running))
	for _, e := range l.running {
		entries = append(entries, e)
	}
	out := make([]supervisor.Status, 0, len(entries)+len(l.invalid))
	for key, err := range l.invalid {
		out = append(out, supervisor.Status{SourceID: key, Failed: true, Error: err.Error()})
	}
	l.mu.Unlock()

	for _, e := range entries {
		st := e.sup.Status()
		if err := e.runErr(); err != nil && st.Error == "" {
			st.Failed = true
			st.Error = err.Error()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out
}
