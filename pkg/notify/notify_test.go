package notify

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/mcp-streampay/pkg/chain"
	"github.com/txn2/mcp-streampay/pkg/registry"
	"github.com/txn2/mcp-streampay/pkg/stream"
	"github.com/txn2/mcp-streampay/pkg/timesource"
)

const (
	testManager = chain.Address("0x1111111111111111111111111111111111111111")
	testCreator = chain.Address("0x2222222222222222222222222222222222222222")
	testEpoch   = 1_700_000_000
)

type fakeSink struct {
	mu         sync.Mutex
	deliveries []Delivery
	err        error
}

func (f *fakeSink) Send(_ context.Context, d Delivery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.deliveries = append(f.deliveries, d)
	return nil
}

func (f *fakeSink) all() []Delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Delivery(nil), f.deliveries...)
}

func newClock() *timesource.Clock {
	return timesource.New(testclock.NewClock(time.Unix(testEpoch, 0)))
}

func testRecord(id uint64, funded int64) stream.Record {
	return stream.Record{
		Identity:        stream.Identity{Manager: testManager, Creator: testCreator, StreamID: id},
		AmountPerSecond: big.NewInt(100),
		FundedAmount:    big.NewInt(funded),
		StartTime:       testEpoch,
		LastPull:        testEpoch,
	}
}

func TestNewPublisher_Defaults(t *testing.T) {
	p := NewPublisher(&fakeSink{}, newClock(), Config{})
	assert.Equal(t, DefaultChannel, p.cfg.Channel)
	assert.Equal(t, DefaultKeyPrefix, p.cfg.KeyPrefix)
	assert.Equal(t, DefaultSnapshotTTL, p.cfg.SnapshotTTL)
	assert.Equal(t, DefaultBuffer, cap(p.queue))
}

func TestSnapshotKeyAndField(t *testing.T) {
	id := stream.Identity{Manager: testManager, Creator: testCreator, StreamID: 12}
	assert.Equal(t, "streampay:streams:{"+testManager.String()+"}", SnapshotKey(DefaultKeyPrefix, testManager))
	assert.Equal(t, testCreator.String()+"/12", SnapshotField(id))
}

func TestPublish(t *testing.T) {
	sink := &fakeSink{}
	p := NewPublisher(sink, newClock(), Config{
		Channel:       "changes",
		WarningLevel:  48 * time.Hour,
		CriticalLevel: 12 * time.Hour,
	})

	prev := testRecord(3, 864_000)
	rec := testRecord(3, 900_000)
	err := p.Publish(context.Background(), registry.Change{Result: registry.Updated, Previous: &prev, Record: rec})
	require.NoError(t, err)

	got := sink.all()
	require.Len(t, got, 1)
	d := got[0]
	assert.Equal(t, "changes", d.Channel)
	assert.Equal(t, SnapshotKey(DefaultKeyPrefix, testManager), d.Key)
	assert.Equal(t, SnapshotField(rec.Identity), d.Field)
	assert.Equal(t, DefaultSnapshotTTL, d.TTL)

	var msg Message
	require.NoError(t, json.Unmarshal(d.Payload, &msg))
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "updated", msg.Result)
	assert.Equal(t, rec.Identity.String(), msg.Stream)
	assert.Equal(t, "864000", msg.PreviousFunded)
	assert.Equal(t, int64(9000), msg.TimeLeft)
	assert.Equal(t, "critical", msg.FundingStatus)
	assert.Equal(t, int64(testEpoch), msg.PublishedAt.Unix())

	sent, dropped := p.Stats()
	assert.Equal(t, int64(1), sent)
	assert.Zero(t, dropped)
}

func TestPublish_SinkError(t *testing.T) {
	sink := &fakeSink{err: errors.New("unreachable")}
	p := NewPublisher(sink, newClock(), Config{})

	err := p.Publish(context.Background(), registry.Change{Result: registry.Inserted, Record: testRecord(0, 864_000)})
	assert.ErrorContains(t, err, "unreachable")
	sent, _ := p.Stats()
	assert.Zero(t, sent)
}

func TestAttach_ForwardsChangesInOrder(t *testing.T) {
	sink := &fakeSink{}
	reg := registry.New()
	p := NewPublisher(sink, newClock(), Config{})
	p.Attach(reg)

	reg.Upsert(testRecord(0, 864_000))
	reg.Upsert(testRecord(0, 900_000))
	reg.Upsert(testRecord(0, 900_000)) // unchanged, not published
	reg.Upsert(testRecord(1, 864_000))

	require.NoError(t, p.Close())

	got := sink.all()
	require.Len(t, got, 3)
	results := make([]string, 0, len(got))
	for _, d := range got {
		var msg Message
		require.NoError(t, json.Unmarshal(d.Payload, &msg))
		results = append(results, msg.Result)
	}
	assert.Equal(t, []string{"inserted", "updated", "inserted"}, results)

	reg.Upsert(testRecord(2, 864_000))
	assert.Len(t, sink.all(), 3, "detached publisher ignores later changes")
}

func TestEnqueue_DropsWhenFull(t *testing.T) {
	p := NewPublisher(&fakeSink{}, newClock(), Config{Buffer: 1})

	p.enqueue(registry.Change{Record: testRecord(0, 864_000)})
	p.enqueue(registry.Change{Record: testRecord(1, 864_000)})

	_, dropped := p.Stats()
	assert.Equal(t, int64(1), dropped)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
}

func TestClose_DuringDispatch(t *testing.T) {
	sink := &fakeSink{}
	reg := registry.New()

	entered := make(chan struct{})
	release := make(chan struct{})
	reg.Subscribe(func(registry.Change) {
		close(entered)
		<-release
	})

	p := NewPublisher(sink, newClock(), Config{})
	p.Attach(reg)

	result := make(chan registry.UpsertResult, 1)
	go func() { result <- reg.Upsert(testRecord(0, 864_000)) }()

	<-entered
	require.NoError(t, p.Close())
	close(release)

	select {
	case res := <-result:
		assert.Equal(t, registry.Inserted, res)
	case <-time.After(5 * time.Second):
		t.Fatal("upsert did not return")
	}
	sent, dropped := p.Stats()
	assert.Zero(t, sent)
	assert.Equal(t, int64(1), dropped)
	assert.Empty(t, sink.all())
}

func TestRedisSink_Errors(t *testing.T) {
	t.Run("nil client", func(t *testing.T) {
		var s *RedisSink
		assert.Error(t, s.Send(context.Background(), Delivery{}))
	})

	t.Run("unreachable server", func(t *testing.T) {
		client := redis.NewClient(&redis.Options{
			Addr:        "127.0.0.1:1",
			DialTimeout: 200 * time.Millisecond,
			MaxRetries:  -1,
		})
		defer func() { _ = client.Close() }()

		s := &RedisSink{Client: client}
		err := s.Send(context.Background(), Delivery{Channel: "c", Key: "k", Field: "f", Payload: []byte("{}"), TTL: time.Minute})
		assert.ErrorContains(t, err, "redis pipeline exec k")
		assert.ErrorContains(t, s.Ping(context.Background()), "redis ping")
	})
}

func TestNewRedisClient_BadURL(t *testing.T) {
	_, err := NewRedisClient(context.Background(), "not a url", "")
	assert.ErrorContains(t, err, "parse redis url")
}
