// Package notify fans registry changes out to Redis. Each change is
// published on a channel and mirrored into a per-manager hash so consumers
// that join late can read the current view.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/txn2/mcp-streampay/pkg/chain"
	"github.com/txn2/mcp-streampay/pkg/registry"
	"github.com/txn2/mcp-streampay/pkg/stream"
	"github.com/txn2/mcp-streampay/pkg/timesource"
)

// Defaults applied to a zero Config.
const (
	DefaultChannel     = "streampay:changes"
	DefaultKeyPrefix   = "streampay:streams"
	DefaultSnapshotTTL = 7 * 24 * time.Hour
	DefaultBuffer      = 1024
	defaultSendTimeout = 5 * time.Second
)

// Sink delivers encoded messages. RedisSink is the production Sink.
type Sink interface {
	Send(ctx context.Context, msg Delivery) error
}

// Delivery is one message with its destinations.
type Delivery struct {
	Channel string
	Key     string
	Field   string
	Payload []byte
	TTL     time.Duration
}

// Message is the JSON body published for a change.
type Message struct {
	ID             string        `json:"id"`
	Result         string        `json:"result"`
	Stream         string        `json:"stream"`
	Record         stream.Record `json:"record"`
	PreviousFunded string        `json:"previous_funded,omitempty"`
	TimeLeft       int64         `json:"time_left"`
	FundingStatus  string        `json:"funding_status"`
	PublishedAt    time.Time     `json:"published_at"`
}

// Config configures a Publisher.
type Config struct {
	Channel     string
	KeyPrefix   string
	SnapshotTTL time.Duration
	Buffer      int

	// WarningLevel and CriticalLevel grade FundingStatus.
	WarningLevel  time.Duration
	CriticalLevel time.Duration

	Logger *slog.Logger
}

// Publisher forwards registry changes to a Sink from a single worker, in
// change order. When the buffer is full a change is dropped and counted.
type Publisher struct {
	sink   Sink
	ts     *timesource.Clock
	cfg    Config
	logger *slog.Logger

	mu          sync.RWMutex // guards closed against sends on queue
	closed      bool
	queue       chan registry.Change
	dropped     atomic.Int64
	sent        atomic.Int64
	unsubscribe func()
	done        chan struct{}
	closeOnce   sync.Once
}

// NewPublisher creates a Publisher that writes to sink.
func NewPublisher(sink Sink, ts *timesource.Clock, cfg Config) *Publisher {
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	if cfg.SnapshotTTL <= 0 {
		cfg.SnapshotTTL = DefaultSnapshotTTL
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		sink:   sink,
		ts:     ts,
		cfg:    cfg,
		logger: logger,
		queue:  make(chan registry.Change, cfg.Buffer),
	}
}

// Attach subscribes to reg and starts the worker.
func (p *Publisher) Attach(reg *registry.Registry) {
	p.done = make(chan struct{})
	p.unsubscribe = reg.Subscribe(p.enqueue)

	go func() {
		defer close(p.done)
		for c := range p.queue {
			ctx, cancel := context.WithTimeout(context.Background(), defaultSendTimeout)
			if err := p.Publish(ctx, c); err != nil {
				p.logger.Warn("failed to publish stream change",
					"stream", c.Record.Identity.String(),
					"error", err)
			}
			cancel()
		}
	}()
}

// enqueue may still run after Close when a registry dispatch started
// before the unsubscribe. Such late changes are dropped.
func (p *Publisher) enqueue(c registry.Change) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.dropped.Add(1)
		return
	}
	select {
	case p.queue <- c:
	default:
		p.dropped.Add(1)
		p.logger.Warn("notification buffer full, dropping change", "stream", c.Record.Identity.String())
	}
}

// Publish encodes c and sends it synchronously.
func (p *Publisher) Publish(ctx context.Context, c registry.Change) error {
	msg := p.Message(c)
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding change: %w", err)
	}
	id := c.Record.Identity
	err = p.sink.Send(ctx, Delivery{
		Channel: p.cfg.Channel,
		Key:     SnapshotKey(p.cfg.KeyPrefix, id.Manager),
		Field:   SnapshotField(id),
		Payload: payload,
		TTL:     p.cfg.SnapshotTTL,
	})
	if err != nil {
		return err
	}
	p.sent.Add(1)
	return nil
}

// Message builds the message for c at the current time.
func (p *Publisher) Message(c registry.Change) Message {
	now := p.ts.Now()
	rec := c.Record
	msg := Message{
		ID:            uuid.New().String(),
		Result:        c.Result.String(),
		Stream:        rec.Identity.String(),
		Record:        rec,
		TimeLeft:      rec.TimeLeft(now),
		FundingStatus: rec.FundingStatus(now, p.cfg.WarningLevel, p.cfg.CriticalLevel).String(),
		PublishedAt:   p.ts.Time(),
	}
	if c.Previous != nil && c.Previous.FundedAmount != nil {
		msg.PreviousFunded = c.Previous.FundedAmount.String()
	}
	return msg
}

// Stats returns how many changes were sent and dropped.
func (p *Publisher) Stats() (sent, dropped int64) {
	return p.sent.Load(), p.dropped.Load()
}

// Close detaches from the registry and drains the queue. It is safe to call
// Close even if Attach was never called.
func (p *Publisher) Close() error {
	p.closeOnce.Do(func() {
		if p.unsubscribe != nil {
			p.unsubscribe()
		}
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()
		if p.done != nil {
			<-p.done
		}
	})
	return nil
}

// SnapshotKey returns the hash holding the current view of a manager's
// streams. The braces keep one manager on one cluster slot.
func SnapshotKey(prefix string, manager chain.Address) string {
	return fmt.Sprintf("%s:{%s}", prefix, manager)
}

// SnapshotField returns the hash field for id.
func SnapshotField(id stream.Identity) string {
	return id.Creator.String() + "/" + strconv.FormatUint(id.StreamID, 10)
}

// RedisSink publishes and mirrors messages in one pipeline.
type RedisSink struct {
	Client redis.UniversalClient
}

// Send implements Sink.
func (s *RedisSink) Send(ctx context.Context, d Delivery) error {
	if s == nil || s.Client == nil {
		return fmt.Errorf("nil redis client")
	}
	pipe := s.Client.Pipeline()
	pipe.Publish(ctx, d.Channel, d.Payload)
	pipe.HSet(ctx, d.Key, d.Field, string(d.Payload))
	if d.TTL > 0 {
		pipe.Expire(ctx, d.Key, d.TTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline exec %s: %w", d.Key, err)
	}
	return nil
}

// Ping checks connectivity.
func (s *RedisSink) Ping(ctx context.Context) error {
	if err := s.Client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// NewRedisClient parses url, applies password when set and verifies the
// connection.
func NewRedisClient(ctx context.Context, url, password string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if password != "" {
		opt.Password = password
	}
	rdb := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(ctx, defaultSendTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

var _ Sink = (*RedisSink)(nil)
