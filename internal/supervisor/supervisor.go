// Package supervisor keeps one poller running per readable shard of a
// source's stream, in parent-before-child order and under a concurrency cap.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lsm/fiso-stream/internal/observability"
	"github.com/lsm/fiso-stream/internal/poller"
	"github.com/lsm/fiso-stream/internal/streams"
)

const (
	DefaultInterval        = 10 * time.Second
	DefaultMaxInitAttempts = 5
)

// ShardRunner is a running shard worker; *poller.Poller implements it.
type ShardRunner interface {
	Run(ctx context.Context) poller.Result
	Stop()
	State() poller.State
	Cursor() streams.ShardCursor
}

// PollerFactory creates the worker for a shard. pos is the position to use
// when the shard has no checkpoint.
type PollerFactory func(src streams.Source, shard streams.Shard, pos streams.StartingPosition) ShardRunner

// Config wires a Supervisor.
type Config struct {
	Source       streams.Source
	Client       streams.StreamClient
	Checkpointer streams.Checkpointer
	NewPoller    PollerFactory

	Interval time.Duration
	// MaxConcurrentPollers applies when the source sets none. Zero means
	// unlimited.
	MaxConcurrentPollers int
	MaxInitAttempts      int

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

type worker struct {
	shard  streams.Shard
	runner ShardRunner
}

type pending struct {
	shard streams.Shard
	pos   streams.StartingPosition
}

// Supervisor manages the shard workers of one source.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger
	src    atomic.Pointer[streams.Source]

	pollCtx    context.Context
	cancelPoll context.CancelFunc
	quit       chan struct{}
	quitOnce   sync.Once
	wg         sync.WaitGroup

	mu           sync.Mutex
	active       map[string]*worker
	queue        []pending
	queued       map[string]bool
	retired      map[string]bool
	failures     map[string]error
	cooldown     map[string]bool
	seen         map[string]bool
	listing      []streams.Shard
	listedOnce   bool
	initFailures int
	fatal        error
	stopping     bool
}

// New creates a Supervisor for cfg.Source.
func New(cfg Config) *Supervisor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxInitAttempts <= 0 {
		cfg.MaxInitAttempts = DefaultMaxInitAttempts
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pollCtx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		cfg:        cfg,
		logger:     logger.With("source", cfg.Source.Key(), "stream_arn", cfg.Source.ARN),
		pollCtx:    pollCtx,
		cancelPoll: cancel,
		quit:       make(chan struct{}),
		active:     make(map[string]*worker),
		queued:     make(map[string]bool),
		retired:    make(map[string]bool),
		failures:   make(map[string]error),
		cooldown:   make(map[string]bool),
		seen:       make(map[string]bool),
	}
	src := cfg.Source
	s.src.Store(&src)
	return s
}

// Source returns the current source snapshot.
func (s *Supervisor) Source() streams.Source {
	return *s.src.Load()
}

// Update swaps the source snapshot. Workers started from now on use it.
func (s *Supervisor) Update(src streams.Source) {
	s.src.Store(&src)
}

// Run reconciles every Interval until ctx ends or Shutdown is called. It
// returns a FatalInitializationError if the shards could never be listed.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.Reconcile(ctx); isFatal(err) {
		return err
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.quit:
			return nil
		case <-ticker.C:
			if err := s.Reconcile(ctx); isFatal(err) {
				return err
			}
		}
	}
}

func isFatal(err error) bool {
	var fe *streams.FatalInitializationError
	return errors.As(err, &fe)
}

// Reconcile performs one supervision cycle: list shards, retire finished
// ones, stop workers of vanished shards and start eligible ones.
func (s *Supervisor) Reconcile(ctx context.Context) error {
	s.mu.Lock()
	if s.fatal != nil {
		err := s.fatal
		s.mu.Unlock()
		return err
	}
	if s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	src := s.Source()
	shards, err := s.cfg.Client.ListShards(ctx, src.ARN)
	if err != nil {
		return s.listFailed(src, err)
	}

	finished := s.finishedShards(ctx, src, shards)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return nil
	}
	s.listedOnce = true
	s.cooldown = make(map[string]bool)
	s.cfg.Metrics.SetSourceFailed(src.Key(), false)

	for id := range finished {
		s.retired[id] = true
	}

	listed := make(map[string]bool, len(shards))
	for _, sh := range shards {
		listed[sh.ID] = true
	}
	for id, w := range s.active {
		if !listed[id] {
			s.logger.Info("shard no longer listed, stopping poller", "shard_id", id)
			w.runner.Stop()
		}
	}
	kept := s.queue[:0]
	for _, p := range s.queue {
		if listed[p.shard.ID] {
			kept = append(kept, p)
		} else {
			delete(s.queued, p.shard.ID)
		}
	}
	s.queue = kept

	s.listing = orderParentsFirst(shards)
	for _, sh := range shards {
		s.seen[sh.ID] = true
	}
	s.scheduleLocked(src)
	return nil
}

func (s *Supervisor) listFailed(src streams.Source, err error) error {
	s.cfg.Metrics.RecordProviderError(src.Key(), "ListShards", errorKind(err))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listedOnce {
		s.logger.Warn("failed to list shards", "error", err)
		return err
	}
	s.initFailures++
	if s.initFailures < s.cfg.MaxInitAttempts {
		s.logger.Warn("failed to list shards", "attempt", s.initFailures, "error", err)
		return err
	}
	s.fatal = &streams.FatalInitializationError{SourceID: src.Key(), Attempts: s.initFailures, Err: err}
	s.cfg.Metrics.SetSourceFailed(src.Key(), true)
	s.logger.Error("giving up on source", "attempts", s.initFailures, "error", err)
	return s.fatal
}

// finishedShards returns the listed shards whose checkpoint says they were
// read to the end. Shards already tracked are skipped.
func (s *Supervisor) finishedShards(ctx context.Context, src streams.Source, shards []streams.Shard) map[string]bool {
	s.mu.Lock()
	var unknown []streams.Shard
	for _, sh := range shards {
		if !s.retired[sh.ID] && s.active[sh.ID] == nil && !s.queued[sh.ID] {
			unknown = append(unknown, sh)
		}
	}
	s.mu.Unlock()

	finished := make(map[string]bool)
	for _, sh := range unknown {
		cp, err := s.cfg.Checkpointer.Get(ctx, src.ARN, sh.ID)
		if err != nil {
			s.logger.Warn("failed to read checkpoint", "shard_id", sh.ID, "error", err)
			continue
		}
		if cp != nil && cp.Finished {
			finished[sh.ID] = true
		}
	}
	return finished
}

// scheduleLocked queues every eligible shard of the last listing and fills
// free slots. A child becomes eligible once its parent is retired or no
// longer listed.
func (s *Supervisor) scheduleLocked(src streams.Source) {
	listed := make(map[string]bool, len(s.listing))
	for _, sh := range s.listing {
		listed[sh.ID] = true
	}

	for _, sh := range s.listing {
		id := sh.ID
		if s.retired[id] || s.active[id] != nil || s.queued[id] || s.cooldown[id] {
			continue
		}
		parent := sh.ParentShardID
		if parent != "" && listed[parent] && !s.retired[parent] {
			continue
		}

		pos := src.StartingPosition
		if parent != "" && s.seen[parent] {
			// The child of a split we observed holds records written after
			// the parent closed; starting anywhere else would skip them.
			pos = streams.StartingPosition{Type: streams.TrimHorizon}
		}
		s.queue = append(s.queue, pending{shard: sh, pos: pos})
		s.queued[id] = true
	}
	s.fillLocked(src)
}

func (s *Supervisor) capacity(src streams.Source) int {
	if src.MaxConcurrentPollers > 0 {
		return src.MaxConcurrentPollers
	}
	return s.cfg.MaxConcurrentPollers
}

func (s *Supervisor) fillLocked(src streams.Source) {
	limit := s.capacity(src)
	for len(s.queue) > 0 && (limit <= 0 || len(s.active) < limit) {
		next := s.queue[0]
		s.queue = s.queue[1:]
		delete(s.queued, next.shard.ID)
		s.startLocked(src, next)
	}
	s.cfg.Metrics.SetPollers(src.Key(), len(s.active), len(s.queue))
}

func (s *Supervisor) startLocked(src streams.Source, p pending) {
	runner := s.cfg.NewPoller(src, p.shard, p.pos)
	s.active[p.shard.ID] = &worker{shard: p.shard, runner: runner}
	s.logger.Info("starting shard poller", "shard_id", p.shard.ID, "position", p.pos.String())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		res := runner.Run(s.pollCtx)
		s.finish(p.shard.ID, runner, res)
	}()
}

// finish records a worker result as it arrives.
func (s *Supervisor) finish(shardID string, runner ShardRunner, res poller.Result) {
	src := s.Source()

	s.mu.Lock()
	defer s.mu.Unlock()
	if w := s.active[shardID]; w != nil && w.runner == runner {
		delete(s.active, shardID)
	}

	switch {
	case res.Retired:
		s.retired[shardID] = true
		delete(s.failures, shardID)
		s.cfg.Metrics.ShardRetired(src.Key())
		s.cfg.Metrics.ForgetShard(src.Key(), shardID)
		s.logger.Info("shard retired", "shard_id", shardID)
	case res.Err != nil:
		s.failures[shardID] = res.Err
		s.cooldown[shardID] = true
		s.cfg.Metrics.ShardFailed(src.Key())
		s.logger.Error("shard poller failed, retrying next cycle", "shard_id", shardID, "error", res.Err)
	default:
		s.cooldown[shardID] = true
	}

	if s.stopping {
		s.cfg.Metrics.SetPollers(src.Key(), len(s.active), 0)
		return
	}
	s.scheduleLocked(src)
}

// Shutdown stops every worker and waits for them to finish. When ctx ends
// first, in-flight calls are cancelled and ctx.Err is returned.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stopping = true
	s.queue = nil
	s.queued = make(map[string]bool)
	runners := make([]ShardRunner, 0, len(s.active))
	for _, w := range s.active {
		runners = append(runners, w.runner)
	}
	s.mu.Unlock()

	s.quitOnce.Do(func() { close(s.quit) })
	for _, r := range runners {
		r.Stop()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancelPoll()
		return nil
	case <-ctx.Done():
		s.cancelPoll()
		<-done
		return ctx.Err()
	}
}

func errorKind(err error) string {
	switch {
	case streams.IsTransient(err):
		return "transient"
	case errors.Is(err, streams.ErrResourceNotFound):
		return "not_found"
	default:
		return "error"
	}
}

// orderParentsFirst sorts shards so that every parent precedes its
// children. Shards at the same depth keep their listing order.
func orderParentsFirst(shards []streams.Shard) []streams.Shard {
	byID := make(map[string]streams.Shard, len(shards))
	for _, sh := range shards {
		byID[sh.ID] = sh
	}
	depth := make(map[string]int, len(shards))
	var depthOf func(id string, guard int) int
	depthOf = func(id string, guard int) int {
		if d, ok := depth[id]; ok {
			return d
		}
		sh, ok := byID[id]
		if !ok || sh.ParentShardID == "" || guard > len(shards) {
			return 0
		}
		d := 0
		if _, listed := byID[sh.ParentShardID]; listed {
			d = depthOf(sh.ParentShardID, guard+1) + 1
		}
		depth[id] = d
		return d
	}

	out := append([]streams.Shard(nil), shards...)
	for _, sh := range out {
		depthOf(sh.ID, 0)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return depth[out[i].ID] < depth[out[j].ID]
	})
	return out
}

// ShardState describes one running worker.
type ShardState struct {
	ShardID      string `json:"shardId"`
	ParentID     string `json:"parentShardId,omitempty"`
	Status       string `json:"status"`
	State        string `json:"state"`
	LastSequence string `json:"lastSequenceNumber,omitempty"`
}

// Status is a point-in-time view of a supervisor.
type Status struct {
	SourceID  string            `json:"source"`
	StreamARN string            `json:"streamArn"`
	Failed    bool              `json:"failed"`
	Error     string            `json:"error,omitempty"`
	Active    []ShardState      `json:"active"`
	Queued    []string          `json:"queued"`
	Retired   int               `json:"retired"`
	Errors    map[string]string `json:"shardErrors,omitempty"`
}

// Status reports active, queued, retired and failed shards.
func (s *Supervisor) Status() Status {
	src := s.Source()

	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		SourceID:  src.Key(),
		StreamARN: src.ARN,
		Active:    make([]ShardState, 0, len(s.active)),
		Queued:    make([]string, 0, len(s.queue)),
		Retired:   len(s.retired),
	}
	if s.fatal != nil {
		st.Failed = true
		st.Error = s.fatal.Error()
	}
	for id, w := range s.active {
		st.Active = append(st.Active, ShardState{
			ShardID:      id,
			ParentID:     w.shard.ParentShardID,
			Status:       w.shard.Status.String(),
			State:        w.runner.State().String(),
			LastSequence: w.runner.Cursor().LastConsumedSequenceNumber,
		})
	}
	sort.Slice(st.Active, func(i, j int) bool { return st.Active[i].ShardID < st.Active[j].ShardID })
	for _, p := range s.queue {
		st.Queued = append(st.Queued, p.shard.ID)
	}
	if len(s.failures) > 0 {
		st.Errors = make(map[string]string, len(s.failures))
		for id, err := range s.failures {
			st.Errors[id] = err.Error()
		}
	}
	return st
}
