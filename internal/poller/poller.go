// Package poller reads one shard in order and hands its records to the
// dispatcher. A Poller exclusively owns its shard cursor.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lsm/fiso-stream/internal/filter"
	"github.com/lsm/fiso-stream/internal/observability"
	"github.com/lsm/fiso-stream/internal/ratelimit"
	"github.com/lsm/fiso-stream/internal/retry"
	"github.com/lsm/fiso-stream/internal/streams"
)

// State is the lifecycle state of a poller.
type State int32

const (
	Initializing State = iota
	Polling
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "INITIALIZING"
	case Polling:
		return "POLLING"
	case Draining:
		return "DRAINING"
	case Stopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

const (
	DefaultMinPollInterval      = 200 * time.Millisecond
	DefaultMaxPollInterval      = 5 * time.Second
	DefaultMaxIteratorRefreshes = 5
	DefaultMaxConsecutiveErrors = 10
)

// Dispatcher delivers a batch and reports whether it was handled.
type Dispatcher interface {
	Dispatch(ctx context.Context, src streams.Source, b *streams.RecordBatch) streams.InvocationOutcome
}

// Builder turns raw records into a batch.
type Builder interface {
	Build(streamARN, shardID string, records []streams.Record) (*streams.RecordBatch, error)
}

// Config wires a Poller. Source, Shard, Client, Builder, Dispatcher and
// Checkpointer are required.
type Config struct {
	Source streams.Source
	Shard  streams.Shard
	// StartingPosition is used when the shard has no checkpoint.
	StartingPosition streams.StartingPosition

	Client       streams.StreamClient
	Builder      Builder
	Dispatcher   Dispatcher
	Checkpointer streams.Checkpointer
	Filter       *filter.Filter
	Limiter      *ratelimit.Limiter

	MinPollInterval      time.Duration
	MaxPollInterval      time.Duration
	InitRetry            retry.Config
	MaxIteratorRefreshes int
	MaxConsecutiveErrors int

	Clock   streams.Clock
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Result is returned by Run. Retired is set when the shard was read to its
// end; Err carries a ShardFailedError when the poller gave up. A result with
// neither means the poller was stopped.
type Result struct {
	ShardID string
	Retired bool
	Err     error
}

// Poller drives the state machine for one shard.
type Poller struct {
	cfg     Config
	logger  *slog.Logger
	limitID string

	state    atomic.Int32
	stopCh   chan struct{}
	stopOnce sync.Once

	mu     sync.Mutex
	cursor streams.ShardCursor
}

// New creates a Poller in the INITIALIZING state.
func New(cfg Config) *Poller {
	if cfg.MinPollInterval <= 0 {
		cfg.MinPollInterval = DefaultMinPollInterval
	}
	if cfg.MaxPollInterval < cfg.MinPollInterval {
		cfg.MaxPollInterval = DefaultMaxPollInterval
		if cfg.MaxPollInterval < cfg.MinPollInterval {
			cfg.MaxPollInterval = cfg.MinPollInterval
		}
	}
	if cfg.InitRetry.MaxAttempts <= 0 {
		cfg.InitRetry = retry.DefaultConfig()
	}
	if cfg.MaxIteratorRefreshes <= 0 {
		cfg.MaxIteratorRefreshes = DefaultMaxIteratorRefreshes
	}
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = DefaultMaxConsecutiveErrors
	}
	if cfg.Clock == nil {
		cfg.Clock = streams.SystemClock
	}
	if cfg.StartingPosition.Type == "" {
		cfg.StartingPosition = cfg.Source.StartingPosition
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Poller{
		cfg:     cfg,
		logger:  logger.With("source", cfg.Source.Key(), "shard_id", cfg.Shard.ID),
		limitID: cfg.Shard.StreamARN + "/" + cfg.Shard.ID,
		stopCh:  make(chan struct{}),
		cursor:  streams.ShardCursor{ShardID: cfg.Shard.ID},
	}
	p.state.Store(int32(Initializing))
	return p
}

// State returns the current lifecycle state.
func (p *Poller) State() State {
	return State(p.state.Load())
}

func (p *Poller) setState(s State) {
	p.state.Store(int32(s))
}

// Cursor returns a copy of the shard cursor.
func (p *Poller) Cursor() streams.ShardCursor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}

// Stop asks the poller to finish. It is observed before each fetch and
// during backoff sleeps; in-flight calls complete first.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

func (p *Poller) stopping(ctx context.Context) bool {
	select {
	case <-p.stopCh:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// sleep waits for d and reports false if the poller was stopped meanwhile.
func (p *Poller) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-p.stopCh:
		return false
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (p *Poller) fail(err error) Result {
	p.logger.Error("shard poller failed", "error", err)
	return Result{ShardID: p.cfg.Shard.ID, Err: &streams.ShardFailedError{ShardID: p.cfg.Shard.ID, Err: err}}
}

// Run polls the shard until it is drained, stopped or failed.
func (p *Poller) Run(ctx context.Context) Result {
	defer p.setState(Stopped)
	defer p.cfg.Limiter.Forget(p.limitID)

	stopped := Result{ShardID: p.cfg.Shard.ID}
	src := p.cfg.Source

	done, err := p.initialize(ctx, false)
	if err != nil {
		if p.stopping(ctx) {
			return stopped
		}
		return p.fail(err)
	}
	if done {
		return Result{ShardID: p.cfg.Shard.ID, Retired: true}
	}
	p.setState(Polling)

	idle := retry.NewBackoff(p.cfg.MinPollInterval, p.cfg.MaxPollInterval)
	errBackoff := retry.NewBackoff(p.cfg.MinPollInterval, p.cfg.MaxPollInterval)
	refreshes, consecutiveErrs := 0, 0

	for {
		if p.stopping(ctx) {
			return stopped
		}
		if err := p.cfg.Limiter.Wait(ctx, p.limitID); err != nil {
			return stopped
		}

		out, err := p.cfg.Client.GetRecords(ctx, p.Cursor().IteratorToken, src.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return stopped
			}
			var expired *streams.IteratorExpiredError
			if errors.As(err, &expired) {
				p.cfg.Metrics.RecordProviderError(src.Key(), "GetRecords", "iterator_expired")
				refreshes++
				if refreshes > p.cfg.MaxIteratorRefreshes {
					return p.fail(fmt.Errorf("iterator expired %d times in a row: %w", refreshes, err))
				}
				p.logger.Info("shard iterator expired, refreshing", "trimmed", expired.Trimmed, "error", err)
				p.setState(Initializing)
				if _, err := p.initialize(ctx, expired.Trimmed); err != nil {
					if p.stopping(ctx) {
						return stopped
					}
					return p.fail(err)
				}
				p.setState(Polling)
				continue
			}

			kind := "error"
			if streams.IsTransient(err) {
				kind = "transient"
			}
			p.cfg.Metrics.RecordProviderError(src.Key(), "GetRecords", kind)
			consecutiveErrs++
			if consecutiveErrs >= p.cfg.MaxConsecutiveErrors {
				return p.fail(fmt.Errorf("%d consecutive GetRecords errors: %w", consecutiveErrs, err))
			}
			p.logger.Warn("GetRecords failed, backing off", "error", err, "backoff", errBackoff.Current())
			if !p.sleep(ctx, errBackoff.Current()) {
				return stopped
			}
			errBackoff.Increase()
			continue
		}
		consecutiveErrs, refreshes = 0, 0
		errBackoff.Reset()

		if !p.process(ctx, out.Records) {
			return stopped
		}

		p.mu.Lock()
		p.cursor.IteratorToken = out.NextToken
		p.mu.Unlock()

		if out.NextToken == "" {
			return p.drain(ctx)
		}

		if len(out.Records) > 0 {
			idle.Reset()
			continue
		}
		if !p.sleep(ctx, idle.Current()) {
			return stopped
		}
		idle.Increase()
	}
}

// process dispatches one page. It returns false when the batch was not
// handled, in which case the cursor has not moved.
func (p *Poller) process(ctx context.Context, records []streams.Record) bool {
	src := p.cfg.Source
	fresh := p.after(records)
	if len(fresh) == 0 {
		return true
	}

	selected := p.cfg.Filter.Apply(ctx, fresh)
	p.cfg.Metrics.RecordFiltered(src.Key(), len(fresh)-len(selected))

	if len(selected) > 0 {
		b, err := p.cfg.Builder.Build(p.cfg.Shard.StreamARN, p.cfg.Shard.ID, selected)
		if err != nil {
			p.logger.Error("failed to build batch", "error", err)
			return false
		}
		outcome := p.cfg.Dispatcher.Dispatch(ctx, src, b)
		if !outcome.Handled {
			p.logger.Info("batch not handled, stopping without advancing",
				"first_sequence_number", b.FirstSequenceNumber, "detail", outcome.FailureDetail)
			return false
		}
	}

	last := fresh[len(fresh)-1]
	p.mu.Lock()
	p.cursor.LastConsumedSequenceNumber = last.SequenceNumber
	p.mu.Unlock()

	if !last.ArrivalTime.IsZero() {
		p.cfg.Metrics.SetIteratorAge(src.Key(), p.cfg.Shard.ID, p.cfg.Clock.Now().Sub(last.ArrivalTime))
	}
	p.commit(ctx, last.SequenceNumber, false)
	return true
}

// after drops records that are not strictly after the last consumed
// sequence number, so a batch never repeats or reorders records.
func (p *Poller) after(records []streams.Record) []streams.Record {
	last := p.Cursor().LastConsumedSequenceNumber
	out := make([]streams.Record, 0, len(records))
	for _, rec := range records {
		if !streams.SequenceAfter(rec.SequenceNumber, last) {
			p.logger.Debug("skipping already consumed record", "sequence_number", rec.SequenceNumber)
			continue
		}
		out = append(out, rec)
		last = rec.SequenceNumber
	}
	return out
}

func (p *Poller) commit(ctx context.Context, seq string, finished bool) {
	cp := streams.Checkpoint{
		StreamARN:      p.cfg.Shard.StreamARN,
		ShardID:        p.cfg.Shard.ID,
		SequenceNumber: seq,
		Finished:       finished,
		UpdatedAt:      p.cfg.Clock.Now(),
	}
	if err := p.cfg.Checkpointer.Put(context.WithoutCancel(ctx), cp); err != nil {
		p.logger.Warn("failed to persist checkpoint", "sequence_number", seq, "finished", finished, "error", err)
	}
}

func (p *Poller) drain(ctx context.Context) Result {
	p.setState(Draining)
	seq := p.Cursor().LastConsumedSequenceNumber
	p.commit(ctx, seq, true)
	p.cfg.Metrics.ForgetShard(p.cfg.Source.Key(), p.cfg.Shard.ID)
	p.logger.Info("shard drained", "sequence_number", seq)
	return Result{ShardID: p.cfg.Shard.ID, Retired: true}
}

// initialize obtains an iterator. It resumes after the last consumed
// sequence number, else after the checkpoint, else from the starting
// position; trimmed data always restarts at the trim horizon. done is set
// when the checkpoint shows the shard was already drained.
func (p *Poller) initialize(ctx context.Context, trimmed bool) (done bool, err error) {
	backoff := retry.NewBackoff(p.cfg.InitRetry.InitialInterval, p.cfg.InitRetry.MaxInterval)
	var lastErr error

	for attempt := 1; attempt <= p.cfg.InitRetry.MaxAttempts; attempt++ {
		if p.stopping(ctx) {
			return false, errors.New("stopped during initialization")
		}

		pos, done, err := p.position(ctx, trimmed)
		if err == nil && done {
			return true, nil
		}
		if err == nil {
			var token string
			token, err = p.cfg.Client.GetShardIterator(ctx, p.cfg.Shard.StreamARN, p.cfg.Shard.ID, pos)
			if err == nil {
				p.mu.Lock()
				p.cursor.IteratorToken = token
				p.mu.Unlock()
				p.logger.Debug("shard iterator obtained", "position", pos.String(), "attempt", attempt)
				return false, nil
			}
			p.cfg.Metrics.RecordProviderError(p.cfg.Source.Key(), "GetShardIterator", errorKind(err))
		}
		lastErr = err
		if errors.Is(err, streams.ErrResourceNotFound) {
			break
		}
		p.logger.Warn("shard initialization failed", "attempt", attempt, "error", err)
		if attempt < p.cfg.InitRetry.MaxAttempts {
			if !p.sleep(ctx, backoff.Current()) {
				return false, errors.New("stopped during initialization")
			}
			backoff.Increase()
		}
	}
	return false, fmt.Errorf("initialize shard iterator: %w", lastErr)
}

func (p *Poller) position(ctx context.Context, trimmed bool) (streams.StartingPosition, bool, error) {
	if trimmed {
		return streams.StartingPosition{Type: streams.TrimHorizon}, false, nil
	}
	if last := p.Cursor().LastConsumedSequenceNumber; last != "" {
		return streams.StartingPosition{Type: streams.AfterSequenceNumber, SequenceNumber: last}, false, nil
	}

	cp, err := p.cfg.Checkpointer.Get(ctx, p.cfg.Shard.StreamARN, p.cfg.Shard.ID)
	if err != nil {
		return streams.StartingPosition{}, false, fmt.Errorf("read checkpoint: %w", err)
	}
	if cp == nil {
		return p.cfg.StartingPosition, false, nil
	}
	if cp.Finished {
		return streams.StartingPosition{}, true, nil
	}
	if cp.SequenceNumber == "" {
		return p.cfg.StartingPosition, false, nil
	}
	p.mu.Lock()
	p.cursor.LastConsumedSequenceNumber = cp.SequenceNumber
	p.mu.Unlock()
	return streams.StartingPosition{Type: streams.AfterSequenceNumber, SequenceNumber: cp.SequenceNumber}, false, nil
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
