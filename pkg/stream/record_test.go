package stream

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/mcp-streampay/pkg/chain"
)

const (
	testManager = chain.Address("0x1111111111111111111111111111111111111111")
	testCreator = chain.Address("0x2222222222222222222222222222222222222222")
	testToken   = chain.Address("0x3333333333333333333333333333333333333333")
	testStart   = 1000
	testSkew    = 30 * time.Second
)

func testIdentity(streamID uint64) Identity {
	return Identity{Manager: testManager, Creator: testCreator, StreamID: streamID}
}

// scenarioRaw is 100/s funded for 8640s, started at 1000, min life 600.
func scenarioRaw() RawRecord {
	return RawRecord{
		Identity:        testIdentity(0),
		Token:           testToken,
		AmountPerSecond: big.NewInt(100),
		FundedAmount:    big.NewInt(864000),
		StartTime:       big.NewInt(testStart),
		LastPull:        big.NewInt(testStart),
		MaxLifetime:     big.NewInt(600),
		Reason:          []byte("invoice-42"),
	}
}

func mustNormalize(t *testing.T, raw RawRecord, now int64) Record {
	t.Helper()
	rec, err := Normalize(raw, now, testSkew)
	require.NoError(t, err)
	return rec
}

func TestNormalize(t *testing.T) {
	rec := mustNormalize(t, scenarioRaw(), testStart)

	assert.Equal(t, testIdentity(0), rec.Identity)
	assert.Equal(t, testToken, rec.Token)
	assert.Equal(t, int64(100), rec.AmountPerSecond.Int64())
	assert.Equal(t, int64(864000), rec.FundedAmount.Int64())
	assert.Equal(t, int64(testStart), rec.StartTime)
	assert.Equal(t, int64(testStart), rec.LastPull)
	assert.Equal(t, int64(600), rec.MaxLifetime)
	assert.Equal(t, []byte("invoice-42"), rec.Reason)
	assert.Equal(t, time.Unix(testStart, 0).UTC(), rec.ObservedAt)
}

func TestNormalize_CopiesInputs(t *testing.T) {
	raw := scenarioRaw()
	rec := mustNormalize(t, raw, testStart)

	raw.FundedAmount.SetInt64(1)
	raw.Reason[0] = 'X'

	assert.Equal(t, int64(864000), rec.FundedAmount.Int64())
	assert.Equal(t, byte('i'), rec.Reason[0])
}

func TestNormalize_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*RawRecord)
		field  string
		want   error
	}{
		{"nil rate", func(r *RawRecord) { r.AmountPerSecond = nil }, "amount_per_second", ErrDivisionByZero},
		{"zero rate", func(r *RawRecord) { r.AmountPerSecond = big.NewInt(0) }, "amount_per_second", ErrDivisionByZero},
		{"negative rate", func(r *RawRecord) { r.AmountPerSecond = big.NewInt(-1) }, "amount_per_second", ErrNegativeAmount},
		{"negative funding", func(r *RawRecord) { r.FundedAmount = big.NewInt(-5) }, "funded_amount", ErrNegativeAmount},
		{"missing creator", func(r *RawRecord) { r.Identity.Creator = "" }, "identity", ErrMissingIdentity},
		{"start beyond skew", func(r *RawRecord) { r.StartTime = big.NewInt(testStart + 31) }, "start_time", ErrFutureStart},
		{"huge start", func(r *RawRecord) { r.StartTime = new(big.Int).Lsh(big.NewInt(1), 70) }, "start_time", ErrOutOfRange},
		{"negative last pull", func(r *RawRecord) { r.LastPull = big.NewInt(-1) }, "last_pull", ErrNegativeAmount},
		{
			"negative total duration",
			func(r *RawRecord) {
				r.FundedAmount = big.NewInt(100)
				r.LastPull = big.NewInt(0)
			},
			"funded_amount", ErrNegativeDuration,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := scenarioRaw()
			tt.mutate(&raw)

			_, err := Normalize(raw, testStart, testSkew)
			require.Error(t, err)

			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "expected *ValidationError, got %T", err)
			assert.Equal(t, tt.field, verr.Field)
			assert.ErrorIs(t, err, tt.want)
			assert.Contains(t, err.Error(), testIdentity(0).String())
		})
	}
}

func TestNormalize_StartWithinSkew(t *testing.T) {
	raw := scenarioRaw()
	raw.StartTime = big.NewInt(testStart + 30)
	raw.LastPull = big.NewInt(testStart + 30)

	_, err := Normalize(raw, testStart, testSkew)
	assert.NoError(t, err)
}

func TestNormalize_NilFundingIsZero(t *testing.T) {
	raw := scenarioRaw()
	raw.FundedAmount = nil

	rec := mustNormalize(t, raw, testStart)
	assert.Equal(t, 0, rec.FundedAmount.Sign())
}

func TestFromStreamInfo(t *testing.T) {
	info := &chain.StreamInfo{
		Token:           testToken,
		AmountPerSecond: big.NewInt(7),
		MaxStreamLife:   big.NewInt(3600),
		FundedAmount:    big.NewInt(7000),
		StartTime:       big.NewInt(50),
		LastPull:        big.NewInt(60),
		Reason:          []byte{1, 2},
	}
	raw := FromStreamInfo(testIdentity(3), info)

	assert.Equal(t, testIdentity(3), raw.Identity)
	assert.Equal(t, info.MaxStreamLife, raw.MaxLifetime)
	assert.Equal(t, info.LastPull, raw.LastPull)
	assert.False(t, raw.Cancelled)
}

func TestRecord_Equal(t *testing.T) {
	a := mustNormalize(t, scenarioRaw(), testStart)
	b := mustNormalize(t, scenarioRaw(), testStart+10)

	assert.True(t, a.Equal(b), "observation time must not matter")

	c := a
	c.FundedAmount = big.NewInt(864001)
	assert.False(t, a.Equal(c))

	assert.False(t, a.Equal(a.WithCancelled()))
}

func TestIdentity_StringRoundTrip(t *testing.T) {
	id := testIdentity(17)

	parsed, err := ParseIdentity(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = ParseIdentity("nope")
	assert.Error(t, err)
	_, err = ParseIdentity(string(testManager) + "/" + string(testCreator) + "/x")
	assert.Error(t, err)
}

func TestCompare(t *testing.T) {
	assert.Negative(t, Compare(testIdentity(1), testIdentity(2)))
	assert.Zero(t, Compare(testIdentity(2), testIdentity(2)))

	other := testIdentity(0)
	other.Creator = "0x0000000000000000000000000000000000000001"
	assert.Negative(t, Compare(other, testIdentity(9)))
}
