// Package postgres persists registry records in PostgreSQL so stream history,
// cancelled streams included, survives restarts.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/txn2/mcp-streampay/pkg/chain"
	"github.com/txn2/mcp-streampay/pkg/registry"
	"github.com/txn2/mcp-streampay/pkg/stream"
)

const (
	defaultFlushTimeout = 10 * time.Second
	maxLoadLimit        = 100000
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// streamColumns lists columns returned by stream SELECT queries.
var streamColumns = []string{
	"manager", "creator", "stream_id", "token", "amount_per_second",
	"funded_amount", "start_time", "last_pull", "max_lifetime", "reason",
	"cancelled", "observed_at",
}

// upsertQuery applies the registry's merge rule in SQL: a cancelled row is
// never replaced by a live one, and a live row only accepts funding that is
// at least as large.
const upsertQuery = `
	INSERT INTO streams
	(manager, creator, stream_id, token, amount_per_second, funded_amount, start_time, last_pull, max_lifetime, reason, cancelled, observed_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
	ON CONFLICT (manager, creator, stream_id) DO UPDATE SET
		token = EXCLUDED.token,
		amount_per_second = EXCLUDED.amount_per_second,
		funded_amount = EXCLUDED.funded_amount,
		start_time = EXCLUDED.start_time,
		last_pull = EXCLUDED.last_pull,
		max_lifetime = EXCLUDED.max_lifetime,
		reason = EXCLUDED.reason,
		cancelled = EXCLUDED.cancelled,
		observed_at = EXCLUDED.observed_at,
		updated_at = NOW()
	WHERE (EXCLUDED.cancelled AND NOT streams.cancelled)
		OR (EXCLUDED.cancelled = streams.cancelled AND EXCLUDED.funded_amount >= streams.funded_amount)
`

// Filter narrows a Load.
type Filter struct {
	Manager chain.Address
	Creator chain.Address
	Token   chain.Address

	// ExcludeCancelled drops terminal streams.
	ExcludeCancelled bool

	Limit int
}

// Config configures the PostgreSQL stream store.
type Config struct {
	// FlushTimeout bounds the final flush performed by Close.
	FlushTimeout time.Duration

	Logger *slog.Logger
}

// Store persists stream records. Attached to a registry it writes every
// change behind the registry, coalescing bursts per stream.
type Store struct {
	db           *sql.DB
	flushTimeout time.Duration
	logger       *slog.Logger

	mu      sync.Mutex
	pending map[stream.Identity]stream.Record

	wake        chan struct{}
	stop        chan struct{}
	done        chan struct{}
	unsubscribe func()
	closeOnce   sync.Once
}

// New creates a new PostgreSQL stream store.
func New(db *sql.DB, cfg Config) *Store {
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = defaultFlushTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Store{
		db:           db,
		flushTimeout: cfg.FlushTimeout,
		logger:       cfg.Logger,
		pending:      make(map[stream.Identity]stream.Record),
		wake:         make(chan struct{}, 1),
	}
}

// Save upserts rec. It reports false when the stored row is newer and was
// kept.
func (s *Store) Save(ctx context.Context, rec stream.Record) (bool, error) {
	res, err := s.db.ExecContext(ctx, upsertQuery,
		rec.Identity.Manager.String(),
		rec.Identity.Creator.String(),
		int64(rec.Identity.StreamID), // #nosec G115 -- stream ids are sequential counters
		rec.Token.String(),
		numeric(rec.AmountPerSecond),
		numeric(rec.FundedAmount),
		rec.StartTime,
		rec.LastPull,
		rec.MaxLifetime,
		rec.Reason,
		rec.Cancelled,
		rec.ObservedAt,
	)
	if err != nil {
		return false, fmt.Errorf("upserting stream %s: %w", rec.Identity, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading upsert result: %w", err)
	}
	return n > 0, nil
}

// Load returns the stored records matching filter ordered by identity.
func (s *Store) Load(ctx context.Context, filter Filter) ([]stream.Record, error) {
	qb := psq.Select(streamColumns...).From("streams")
	if filter.Manager != "" {
		qb = qb.Where(sq.Eq{"manager": filter.Manager.String()})
	}
	if filter.Creator != "" {
		qb = qb.Where(sq.Eq{"creator": filter.Creator.String()})
	}
	if filter.Token != "" {
		qb = qb.Where(sq.Eq{"token": filter.Token.String()})
	}
	if filter.ExcludeCancelled {
		qb = qb.Where(sq.Eq{"cancelled": false})
	}
	qb = qb.OrderBy("manager", "creator", "stream_id")
	if filter.Limit > 0 {
		qb = qb.Limit(uint64(min(filter.Limit, maxLoadLimit)))
	}

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building stream query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying streams: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []stream.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating stream rows: %w", err)
	}
	return records, nil
}

func scanRecord(rows *sql.Rows) (stream.Record, error) {
	var (
		rec                 stream.Record
		manager, creator    string
		token, rate, funded string
		streamID            int64
	)
	err := rows.Scan(
		&manager, &creator, &streamID, &token, &rate, &funded,
		&rec.StartTime, &rec.LastPull, &rec.MaxLifetime, &rec.Reason,
		&rec.Cancelled, &rec.ObservedAt,
	)
	if err != nil {
		return stream.Record{}, fmt.Errorf("scanning stream row: %w", err)
	}

	rec.Identity = stream.Identity{
		Manager:  chain.Address(manager),
		Creator:  chain.Address(creator),
		StreamID: uint64(streamID), // #nosec G115 -- written from a uint64
	}
	rec.Token = chain.Address(token)
	if rec.AmountPerSecond, err = parseNumeric(rate); err != nil {
		return stream.Record{}, fmt.Errorf("stream %s amount_per_second: %w", rec.Identity, err)
	}
	if rec.FundedAmount, err = parseNumeric(funded); err != nil {
		return stream.Record{}, fmt.Errorf("stream %s funded_amount: %w", rec.Identity, err)
	}
	rec.ObservedAt = rec.ObservedAt.UTC()
	return rec, nil
}

// Seed loads the stored records matching filter into reg.
func (s *Store) Seed(ctx context.Context, reg *registry.Registry, filter Filter) (registry.LoadSummary, error) {
	records, err := s.Load(ctx, filter)
	if err != nil {
		return registry.LoadSummary{}, err
	}
	summary := reg.BulkLoad(records)
	s.logger.Info("seeded registry from database",
		"records", len(records),
		"inserted", summary.Inserted,
		"updated", summary.Updated)
	return summary, nil
}

// Attach subscribes the store to reg and starts the write-behind worker.
// The worker stops when Close is called.
func (s *Store) Attach(reg *registry.Registry) {
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.unsubscribe = reg.Subscribe(s.enqueue)

	go func() {
		defer close(s.done)
		for {
			select {
			case <-s.stop:
				return
			case <-s.wake:
				if err := s.Flush(context.Background()); err != nil {
					s.logger.Warn("failed to persist stream changes", "error", err)
				}
			}
		}
	}()
}

func (s *Store) enqueue(c registry.Change) {
	s.mu.Lock()
	s.pending[c.Record.Identity] = c.Record
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of changes not yet written.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Flush writes every pending change. A record that fails to save stays
// pending unless a newer change for the same stream arrived meanwhile.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	batch := s.pending
	s.pending = make(map[stream.Identity]stream.Record)
	s.mu.Unlock()

	var errs []error
	for id, rec := range batch {
		if _, err := s.Save(ctx, rec); err != nil {
			errs = append(errs, err)
			s.mu.Lock()
			if _, newer := s.pending[id]; !newer {
				s.pending[id] = rec
			}
			s.mu.Unlock()
		}
	}
	return errors.Join(errs...)
}

// Close detaches from the registry, stops the worker and flushes what is
// still pending. It is safe to call Close even if Attach was never called.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		if s.stop != nil {
			close(s.stop)
			<-s.done
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.flushTimeout)
		defer cancel()
		err = s.Flush(ctx)
	})
	return err
}

// numeric renders an amount for a NUMERIC(78,0) column.
func numeric(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseNumeric(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid numeric %q", s)
	}
	return v, nil
}
