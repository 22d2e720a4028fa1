package stream

// MergeResult reports what Merge did.
type MergeResult int

const (
	// MergeApplied means incoming replaced existing.
	MergeApplied MergeResult = iota
	// MergeStale means incoming was older than existing and was discarded.
	MergeStale
)

// String returns the result name.
func (m MergeResult) String() string {
	if m == MergeStale {
		return "stale"
	}
	return "applied"
}

// Merge orders two snapshots of the same stream. Funding only grows while a
// stream is live, so the snapshot with at least as much funding is the newer
// one regardless of arrival order. Cancellation is terminal: a cancelled
// snapshot beats a live one, and a live snapshot never replaces a cancelled
// one.
func Merge(existing, incoming Record) (Record, MergeResult) {
	switch {
	case existing.Cancelled && !incoming.Cancelled:
		return existing, MergeStale
	case incoming.Cancelled && !existing.Cancelled:
		return incoming, MergeApplied
	}
	if incoming.FundedAmount.Cmp(existing.FundedAmount) >= 0 {
		return incoming, MergeApplied
	}
	return existing, MergeStale
}
