// Package registry holds every known stream of a deployment, keyed by
// identity, and fans out state changes to subscribers.
package registry

import (
	"cmp"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/txn2/mcp-streampay/pkg/chain"
	"github.com/txn2/mcp-streampay/pkg/stream"
)

// UpsertResult reports the effect of an upsert.
type UpsertResult int

const (
	// Inserted means the identity was new.
	Inserted UpsertResult = iota
	// Updated means the stored record changed.
	Updated
	// Unchanged means the incoming record matched the stored one.
	Unchanged
	// IgnoredStale means the incoming record was older than the stored one.
	IgnoredStale
	// Rejected means the raw record failed validation.
	Rejected
)

var resultNames = map[UpsertResult]string{
	Inserted:     "inserted",
	Updated:      "updated",
	Unchanged:    "unchanged",
	IgnoredStale: "ignored_stale",
	Rejected:     "rejected",
}

// String returns the result name.
func (r UpsertResult) String() string {
	if s, ok := resultNames[r]; ok {
		return s
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (r UpsertResult) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Change describes a state-changing upsert. Previous is nil for an insert.
type Change struct {
	Result   UpsertResult
	Previous *stream.Record
	Record   stream.Record
}

// Handler receives changes. Handlers run outside the registry lock, one at a
// time, in upsert order. A handler must not call Upsert synchronously.
type Handler func(Change)

// LoadSummary counts the results of a bulk load.
type LoadSummary struct {
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Stale     int `json:"stale"`
	Rejected  int `json:"rejected"`
}

func (s *LoadSummary) add(res UpsertResult) {
	switch res {
	case Inserted:
		s.Inserted++
	case Updated:
		s.Updated++
	case Unchanged:
		s.Unchanged++
	case IgnoredStale:
		s.Stale++
	case Rejected:
		s.Rejected++
	}
}

// Total returns the number of records processed.
func (s LoadSummary) Total() int {
	return s.Inserted + s.Updated + s.Unchanged + s.Stale + s.Rejected
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used for absorbed errors.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithSkew sets the future start-time tolerance applied by UpsertRaw.
func WithSkew(d time.Duration) Option {
	return func(r *Registry) { r.skew = d }
}

// DefaultSkew is the start-time tolerance when none is configured.
const DefaultSkew = 30 * time.Second

type subscriber struct {
	id      uint64
	handler Handler
}

// Registry is the single shared store of stream records. It is safe for
// concurrent use.
type Registry struct {
	mu        sync.RWMutex
	records   map[stream.Identity]stream.Record
	byCreator map[chain.Address]map[stream.Identity]struct{}

	// notifyMu is taken before mu is released so dispatch order matches
	// upsert order.
	notifyMu sync.Mutex

	subsMu  sync.RWMutex
	subs    []subscriber
	nextSub uint64

	logger *slog.Logger
	skew   time.Duration
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		records:   make(map[stream.Identity]stream.Record),
		byCreator: make(map[chain.Address]map[stream.Identity]struct{}),
		logger:    slog.Default(),
		skew:      DefaultSkew,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Upsert merges rec into the registry.
func (r *Registry) Upsert(rec stream.Record) UpsertResult {
	id := rec.Identity

	r.mu.Lock()
	existing, ok := r.records[id]
	if !ok {
		r.records[id] = rec
		r.index(id)
		return r.unlockAndNotify(Change{Result: Inserted, Record: rec})
	}

	merged, res := stream.Merge(existing, rec)
	if res == stream.MergeStale {
		r.mu.Unlock()
		r.logger.Debug("ignoring stale stream update",
			"stream", id.String(),
			"stored_funding", existing.FundedAmount.String(),
			"incoming_funding", rec.FundedAmount.String())
		return IgnoredStale
	}

	r.records[id] = merged
	if existing.Equal(merged) {
		r.mu.Unlock()
		return Unchanged
	}
	return r.unlockAndNotify(Change{Result: Updated, Previous: &existing, Record: merged})
}

// unlockAndNotify must be called with mu held.
func (r *Registry) unlockAndNotify(c Change) UpsertResult {
	r.notifyMu.Lock()
	r.mu.Unlock()
	defer r.notifyMu.Unlock()

	r.subsMu.RLock()
	subs := slices.Clone(r.subs)
	r.subsMu.RUnlock()

	for _, s := range subs {
		s.handler(c)
	}
	return c.Result
}

// UpsertRaw normalizes raw at now and upserts the result. Validation
// failures are logged and reported as Rejected.
func (r *Registry) UpsertRaw(raw stream.RawRecord, now int64) UpsertResult {
	rec, err := stream.Normalize(raw, now, r.skew)
	if err != nil {
		r.logger.Warn("rejecting stream record", "stream", raw.Identity.String(), "error", err)
		return Rejected
	}
	return r.Upsert(rec)
}

// BulkLoad upserts every record. Replaying the same records is a no-op.
func (r *Registry) BulkLoad(records []stream.Record) LoadSummary {
	var summary LoadSummary
	for _, rec := range records {
		summary.add(r.Upsert(rec))
	}
	return summary
}

// BulkLoadRaw normalizes and upserts every raw record.
func (r *Registry) BulkLoadRaw(raws []stream.RawRecord, now int64) LoadSummary {
	var summary LoadSummary
	for _, raw := range raws {
		summary.add(r.UpsertRaw(raw, now))
	}
	return summary
}

// Subscribe registers h and returns a function that removes it.
func (r *Registry) Subscribe(h Handler) (unsubscribe func()) {
	r.subsMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs = append(r.subs, subscriber{id: id, handler: h})
	r.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.subsMu.Lock()
			defer r.subsMu.Unlock()
			r.subs = slices.DeleteFunc(r.subs, func(s subscriber) bool { return s.id == id })
		})
	}
}

// Get returns the record for id.
func (r *Registry) Get(id stream.Identity) (stream.Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	return rec, ok
}

// Len returns the number of records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// All returns every record ordered by identity.
func (r *Registry) All() []stream.Record {
	r.mu.RLock()
	out := make([]stream.Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b stream.Record) int { return stream.Compare(a.Identity, b.Identity) })
	return out
}

// ByCreator returns the streams opened by creator ordered by stream ID.
func (r *Registry) ByCreator(creator chain.Address) []stream.Record {
	r.mu.RLock()
	ids := r.byCreator[creator]
	out := make([]stream.Record, 0, len(ids))
	for id := range ids {
		out = append(out, r.records[id])
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b stream.Record) int {
		if c := cmp.Compare(a.Identity.StreamID, b.Identity.StreamID); c != 0 {
			return c
		}
		return stream.Compare(a.Identity, b.Identity)
	})
	return out
}

// Creators returns every creator with at least one stream, sorted.
func (r *Registry) Creators() []chain.Address {
	r.mu.RLock()
	out := make([]chain.Address, 0, len(r.byCreator))
	for c := range r.byCreator {
		out = append(out, c)
	}
	r.mu.RUnlock()

	slices.Sort(out)
	return out
}

// ByToken returns the streams paid in token ordered by identity.
func (r *Registry) ByToken(token chain.Address) []stream.Record {
	return r.filter(func(rec stream.Record) bool { return rec.Token == token })
}

// Active returns the streams with funding left at now.
func (r *Registry) Active(now int64) []stream.Record {
	return r.filter(func(rec stream.Record) bool { return rec.IsActive(now) })
}

func (r *Registry) filter(keep func(stream.Record) bool) []stream.Record {
	all := r.All()
	return slices.DeleteFunc(all, func(rec stream.Record) bool { return !keep(rec) })
}

// Reset drops every record and rebuilds the creator index from nothing.
// Subscribers are kept and are not notified.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = make(map[stream.Identity]stream.Record)
	r.byCreator = make(map[chain.Address]map[stream.Identity]struct{})
}

func (r *Registry) index(id stream.Identity) {
	set, ok := r.byCreator[id.Creator]
	if !ok {
		set = make(map[stream.Identity]struct{})
		r.byCreator[id.Creator] = set
	}
	set[id] = struct{}{}
}
