// Package ingest feeds the registry from the manager contract. A one-time
// historical load replays every stream event and reads each stream's
// snapshot; a live subscription then re-reads a stream whenever one of its
// events arrives. Both paths normalize through the same code, so a record
// reaches the registry the same way however it was discovered.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/juju/clock"
	"golang.org/x/sync/errgroup"
	"gopkg.in/retry.v1"

	"github.com/txn2/mcp-streampay/pkg/audit"
	"github.com/txn2/mcp-streampay/pkg/chain"
	"github.com/txn2/mcp-streampay/pkg/registry"
	"github.com/txn2/mcp-streampay/pkg/stream"
	"github.com/txn2/mcp-streampay/pkg/timesource"
)

// Defaults applied to a zero Config.
const (
	DefaultConcurrency   = 8
	DefaultRetryInitial  = time.Second
	DefaultRetryMaxDelay = time.Minute
	defaultRetryFactor   = 2
)

// ErrSubscriptionClosed is returned when a live feed ends without an error.
var ErrSubscriptionClosed = errors.New("event subscription closed")

// Reader reads stream snapshots. *chain.Manager satisfies it.
type Reader interface {
	StreamInfo(ctx context.Context, creator chain.Address, streamID uint64) (*chain.StreamInfo, error)
}

// Config configures an Ingester.
type Config struct {
	// Manager is the contract to follow.
	Manager chain.Address

	// FromBlock is the first block of the historical load.
	FromBlock uint64

	// Filter restricts both history and live events.
	Filter chain.Filter

	// Concurrency bounds parallel snapshot reads during a load.
	Concurrency int

	// RetryInitial and RetryMaxDelay shape the backoff between failed runs.
	RetryInitial  time.Duration
	RetryMaxDelay time.Duration

	Logger *slog.Logger
	Audit  audit.Logger
}

// Ingester loads and follows stream events.
type Ingester struct {
	logs    chain.LogReader
	watcher chain.EventWatcher
	reader  Reader
	reg     *registry.Registry
	ts      *timesource.Clock
	cfg     Config
	logger  *slog.Logger

	mu        sync.Mutex
	cancelled map[stream.Identity]struct{}
	nextBlock uint64

	readyOnce sync.Once
	ready     chan struct{}
}

// New creates an Ingester that writes into reg.
func New(logs chain.LogReader, watcher chain.EventWatcher, reader Reader, reg *registry.Registry, ts *timesource.Clock, cfg Config) *Ingester {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = DefaultRetryInitial
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.NoopLogger{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingester{
		logs:      logs,
		watcher:   watcher,
		reader:    reader,
		reg:       reg,
		ts:        ts,
		cfg:       cfg,
		logger:    logger.With("manager", cfg.Manager.String()),
		cancelled: make(map[stream.Identity]struct{}),
		nextBlock: cfg.FromBlock,
		ready:     make(chan struct{}),
	}
}

// Ready is closed after the first successful historical load.
func (i *Ingester) Ready() <-chan struct{} { return i.ready }

// LoadHistory replays every stream event from the last loaded block and
// bulk-loads a fresh snapshot of each stream seen. Repeating it is safe: the
// registry ignores snapshots it already holds.
func (i *Ingester) LoadHistory(ctx context.Context) (registry.LoadSummary, error) {
	started := i.ts.Clock().Now()

	i.mu.Lock()
	from := i.nextBlock
	i.mu.Unlock()

	ids, last, err := i.fetchHistory(ctx, from)
	if err != nil {
		i.auditLoad(started, from, registry.LoadSummary{}, err)
		return registry.LoadSummary{}, err
	}

	raws := make([]stream.RawRecord, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(i.cfg.Concurrency)
	for n, id := range ids {
		g.Go(func() error {
			raw, err := i.snapshot(gctx, id)
			if err != nil {
				return err
			}
			raws[n] = raw
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		i.auditLoad(started, from, registry.LoadSummary{}, err)
		return registry.LoadSummary{}, err
	}

	summary := i.reg.BulkLoadRaw(raws, i.ts.Now())

	i.mu.Lock()
	if len(ids) > 0 && last+1 > i.nextBlock {
		i.nextBlock = last + 1
	}
	i.mu.Unlock()

	i.logger.Info("historical load complete",
		"from_block", from,
		"streams", len(ids),
		"inserted", summary.Inserted,
		"updated", summary.Updated,
		"stale", summary.Stale,
		"rejected", summary.Rejected)
	i.auditLoad(started, from, summary, nil)
	i.readyOnce.Do(func() { close(i.ready) })
	return summary, nil
}

// fetchHistory returns the distinct streams with events at or after from,
// ordered by identity, and the highest block seen.
func (i *Ingester) fetchHistory(ctx context.Context, from uint64) ([]stream.Identity, uint64, error) {
	seen := make(map[stream.Identity]struct{})
	var last uint64
	for _, event := range chain.StreamEvents {
		logs, err := i.logs.FetchLogs(ctx, i.cfg.Manager, event, from)
		if err != nil {
			return nil, 0, fmt.Errorf("fetching %s logs: %w", event, err)
		}
		for _, l := range logs {
			if !i.cfg.Filter.Matches(l) {
				continue
			}
			id := i.observe(l)
			seen[id] = struct{}{}
			last = max(last, l.BlockNumber)
		}
	}

	ids := make([]stream.Identity, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, stream.Compare)
	return ids, last, nil
}

// observe records what a log proves about its stream.
func (i *Ingester) observe(l chain.Log) stream.Identity {
	id := stream.IdentityFromLog(l)
	if l.Event == chain.EventStreamCancelled {
		i.mu.Lock()
		i.cancelled[id] = struct{}{}
		i.mu.Unlock()
	}
	return id
}

// snapshot reads the authoritative state of id.
func (i *Ingester) snapshot(ctx context.Context, id stream.Identity) (stream.RawRecord, error) {
	info, err := i.reader.StreamInfo(ctx, id.Creator, id.StreamID)
	if err != nil {
		return stream.RawRecord{}, fmt.Errorf("reading snapshot of %s: %w", id, err)
	}
	raw := stream.FromStreamInfo(id, info)
	i.mu.Lock()
	_, raw.Cancelled = i.cancelled[id]
	i.mu.Unlock()
	return raw, nil
}

// HandleLog re-reads the stream a live log refers to and upserts it.
func (i *Ingester) HandleLog(ctx context.Context, l chain.Log) (registry.UpsertResult, error) {
	if l.Manager != i.cfg.Manager || !i.cfg.Filter.Matches(l) {
		return registry.Unchanged, nil
	}
	id := i.observe(l)
	raw, err := i.snapshot(ctx, id)
	if err != nil {
		return registry.Rejected, err
	}
	res := i.reg.UpsertRaw(raw, i.ts.Now())

	i.mu.Lock()
	if l.BlockNumber+1 > i.nextBlock {
		i.nextBlock = l.BlockNumber + 1
	}
	i.mu.Unlock()

	i.logger.Debug("applied stream event",
		"event", string(l.Event),
		"stream", id.String(),
		"block", l.BlockNumber,
		"result", res.String())
	return res, nil
}

// Run follows the manager until ctx ends. Each attempt subscribes first and
// then catches up on history, so no event emitted in between is missed. A
// failed attempt is retried with exponential backoff. The backoff starts
// over once a run has stayed up for RetryMaxDelay after its history load.
func (i *Ingester) Run(ctx context.Context) error {
	b := newBackoff(retry.Exponential{
		Initial:  i.cfg.RetryInitial,
		Factor:   defaultRetryFactor,
		MaxDelay: i.cfg.RetryMaxDelay,
		Jitter:   true,
	}, i.ts.Clock(), ctx.Done())
	for b.next() {
		loadedAt, err := i.runOnce(ctx)
		if ctx.Err() != nil {
			return nil //nolint:nilerr // shutdown is not a failure
		}
		i.logger.Warn("ingestion interrupted, retrying", "attempt", b.count(), "error", err)
		if healthyRun(loadedAt, i.ts.Clock().Now(), i.cfg.RetryMaxDelay) {
			b.reset()
		}
	}
	return nil
}

// runOnce returns when the run ends. loadedAt is zero if the history load
// did not complete.
func (i *Ingester) runOnce(ctx context.Context) (loadedAt time.Time, err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	subs := make([]chain.Subscription, 0, len(chain.StreamEvents))
	defer func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}()
	for _, event := range chain.StreamEvents {
		sub, err := i.watcher.Subscribe(ctx, i.cfg.Manager, event, i.cfg.Filter)
		if err != nil {
			return time.Time{}, fmt.Errorf("subscribing to %s: %w", event, err)
		}
		subs = append(subs, sub)
	}

	if _, err := i.LoadHistory(ctx); err != nil {
		return time.Time{}, err
	}
	loadedAt = i.ts.Clock().Now()
	return loadedAt, i.follow(ctx, subs)
}

// healthyRun reports whether a run that loaded history at loadedAt and
// ended at now lasted at least minUptime.
func healthyRun(loadedAt, now time.Time, minUptime time.Duration) bool {
	return !loadedAt.IsZero() && now.Sub(loadedAt) >= minUptime
}

// backoff spaces failed runs. reset starts the delays over.
type backoff struct {
	strategy retry.Strategy
	clk      clock.Clock
	stop     <-chan struct{}
	attempt  *retry.Attempt
}

func newBackoff(strategy retry.Strategy, clk clock.Clock, stop <-chan struct{}) *backoff {
	b := &backoff{strategy: strategy, clk: clk, stop: stop}
	b.reset()
	return b
}

func (b *backoff) next() bool { return b.attempt.Next() }

func (b *backoff) count() int { return b.attempt.Count() }

func (b *backoff) reset() {
	b.attempt = retry.StartWithCancel(b.strategy, b.clk, b.stop)
}

// follow applies live logs until a subscription fails or ctx ends.
func (i *Ingester) follow(ctx context.Context, subs []chain.Subscription) error {
	logs := make(chan chain.Log)
	errs := make(chan error, len(subs))
	for _, sub := range subs {
		go func() {
			for {
				select {
				case l := <-sub.Logs():
					select {
					case logs <- l:
					case <-ctx.Done():
						return
					}
				case err := <-sub.Err():
					errs <- err
					return
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errs:
			if err == nil {
				err = ErrSubscriptionClosed
			}
			return err
		case l := <-logs:
			if _, err := i.HandleLog(ctx, l); err != nil {
				i.logger.Warn("failed to apply stream event",
					"event", string(l.Event),
					"creator", l.Creator.String(),
					"stream_id", l.StreamID,
					"error", err)
			}
		}
	}
}

func (i *Ingester) auditLoad(started time.Time, from uint64, s registry.LoadSummary, err error) {
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	event := audit.NewEvent(audit.EventTypeIngest, audit.OperationLoad).
		WithParameters(map[string]any{
			"from_block": from,
			"inserted":   s.Inserted,
			"updated":    s.Updated,
			"unchanged":  s.Unchanged,
			"stale":      s.Stale,
			"rejected":   s.Rejected,
		}).
		WithResult(err == nil, errMsg, i.ts.Clock().Now().Sub(started).Milliseconds())
	event.Manager = i.cfg.Manager.String()
	if logErr := i.cfg.Audit.Log(context.Background(), *event); logErr != nil {
		i.logger.Warn("failed to write audit event", "error", logErr)
	}
}
