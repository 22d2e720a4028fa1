// Package stream defines the stream record, its normalization from raw
// contract reads, the monotonic merge rule used to order concurrent
// snapshots, and every quantity derived from a record and a point in time.
package stream

import (
	"cmp"
	"fmt"
	"strconv"
	"strings"

	"github.com/txn2/mcp-streampay/pkg/chain"
)

// Identity uniquely identifies a stream. It is comparable and used directly
// as a map key.
type Identity struct {
	Manager  chain.Address `json:"manager"`
	Creator  chain.Address `json:"creator"`
	StreamID uint64        `json:"stream_id"`
}

// String returns "manager/creator/id".
func (id Identity) String() string {
	return fmt.Sprintf("%s/%s/%d", id.Manager, id.Creator, id.StreamID)
}

// ParseIdentity parses the String form of an Identity.
func ParseIdentity(s string) (Identity, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return Identity{}, fmt.Errorf("identity %q: expected manager/creator/id", s)
	}
	manager, err := chain.ParseAddress(parts[0])
	if err != nil {
		return Identity{}, fmt.Errorf("identity manager: %w", err)
	}
	creator, err := chain.ParseAddress(parts[1])
	if err != nil {
		return Identity{}, fmt.Errorf("identity creator: %w", err)
	}
	streamID, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return Identity{}, fmt.Errorf("identity stream id: %w", err)
	}
	return Identity{Manager: manager, Creator: creator, StreamID: streamID}, nil
}

// IdentityFromLog extracts the stream identity carried by an event log.
func IdentityFromLog(l chain.Log) Identity {
	return Identity{Manager: l.Manager, Creator: l.Creator, StreamID: l.StreamID}
}

// Compare orders identities by manager, creator, then stream ID.
func Compare(a, b Identity) int {
	if c := cmp.Compare(a.Manager, b.Manager); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Creator, b.Creator); c != 0 {
		return c
	}
	return cmp.Compare(a.StreamID, b.StreamID)
}
