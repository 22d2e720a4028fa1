package stream

import (
	"encoding/json"
	"math/big"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScenario_TimeLeftAfter500s(t *testing.T) {
	rec := mustNormalize(t, scenarioRaw(), testStart)

	total, err := rec.TotalTime()
	require.NoError(t, err)
	assert.Equal(t, int64(8640), total)
	assert.Equal(t, int64(8140), rec.TimeLeft(testStart+500))
}

func TestScenario_CancelPhaseAroundMinimumLife(t *testing.T) {
	rec := mustNormalize(t, scenarioRaw(), testStart)

	assert.Equal(t, PhaseMinimumLife, rec.CancelPhase(testStart+599))
	assert.Equal(t, PhaseCancelable, rec.CancelPhase(testStart+600))
}

func TestCancelPhase(t *testing.T) {
	rec := mustNormalize(t, scenarioRaw(), testStart)

	tests := []struct {
		name string
		rec  Record
		now  int64
		want CancelPhase
	}{
		{"before start", rec, testStart - 1, PhaseNotStarted},
		{"at start", rec, testStart, PhaseMinimumLife},
		{"zero start", func() Record { r := rec; r.StartTime = 0; return r }(), testStart + 10_000, PhaseNotStarted},
		{"long after", rec, testStart + 1_000_000, PhaseCancelable},
		{"cancelled", rec.WithCancelled(), testStart + 700, PhaseCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.rec.CancelPhase(tt.now))
		})
	}
}

func TestTimeLeft_Clamped(t *testing.T) {
	rec := mustNormalize(t, scenarioRaw(), testStart)
	total, err := rec.TotalTime()
	require.NoError(t, err)

	assert.Equal(t, total, rec.TimeLeft(0), "before start nothing has elapsed")
	assert.Equal(t, total, rec.TimeLeft(testStart))
	assert.Equal(t, int64(0), rec.TimeLeft(testStart+total))
	assert.Equal(t, int64(0), rec.TimeLeft(testStart+total+1))

	rng := rand.New(rand.NewPCG(3, 4))
	for range 1000 {
		now := rng.Int64N(1 << 40)
		left := rec.TimeLeft(now)
		if left < 0 || left > total {
			t.Fatalf("TimeLeft(%d) = %d, outside [0, %d]", now, left, total)
		}
	}
}

func TestTimeLeft_PulledStream(t *testing.T) {
	raw := scenarioRaw()
	// 200s already pulled; 100s of funding left in the contract.
	raw.LastPull = big.NewInt(testStart + 200)
	raw.FundedAmount = big.NewInt(10000)
	rec := mustNormalize(t, raw, testStart+200)

	total, err := rec.TotalTime()
	require.NoError(t, err)
	assert.Equal(t, int64(300), total)
	assert.Equal(t, int64(50), rec.TimeLeft(testStart+250))
}

func TestTimeLeft_Cancelled(t *testing.T) {
	rec := mustNormalize(t, scenarioRaw(), testStart).WithCancelled()
	assert.Equal(t, int64(0), rec.TimeLeft(testStart+1))
	assert.False(t, rec.IsActive(testStart+1))
}

func TestTotalTime_DivisionByZero(t *testing.T) {
	var rec Record
	_, err := rec.TotalTime()
	assert.ErrorIs(t, err, ErrDivisionByZero)
	assert.Equal(t, int64(0), rec.TimeLeft(10))
	assert.Zero(t, rec.PercentRemaining(10))
}

func TestTotalTime_Saturates(t *testing.T) {
	raw := scenarioRaw()
	raw.AmountPerSecond = big.NewInt(1)
	raw.FundedAmount = new(big.Int).Lsh(big.NewInt(1), 200)
	rec := mustNormalize(t, raw, testStart)

	total, err := rec.TotalTime()
	require.NoError(t, err)
	assert.Equal(t, MaxDurationSeconds, total)
	assert.Equal(t, MaxDurationSeconds-500, rec.TimeLeft(testStart+500))
}

func TestPercentRemaining(t *testing.T) {
	rec := mustNormalize(t, scenarioRaw(), testStart)

	assert.InDelta(t, 1.0, rec.PercentRemaining(testStart), 1e-9)
	assert.InDelta(t, 0.5, rec.PercentRemaining(testStart+4320), 1e-9)
	assert.InDelta(t, 0.0, rec.PercentRemaining(testStart+9000), 1e-9)

	zero := rec
	zero.FundedAmount = big.NewInt(0)
	assert.Zero(t, zero.PercentRemaining(testStart))
}

func TestFundingStatus(t *testing.T) {
	rec := mustNormalize(t, scenarioRaw(), testStart)
	warning := 2 * time.Hour
	critical := time.Hour

	tests := []struct {
		now  int64
		want FundingStatus
	}{
		{testStart, FundingNormal},
		{testStart + 8640 - 7200, FundingWarning},
		{testStart + 8640 - 3600, FundingCritical},
		{testStart + 8640 - 1, FundingCritical},
		{testStart + 8640, FundingInactive},
	}
	for _, tt := range tests {
		t.Run(tt.want.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, rec.FundingStatus(tt.now, warning, critical))
		})
	}
}

func TestAmounts(t *testing.T) {
	rec := mustNormalize(t, scenarioRaw(), testStart)

	assert.Equal(t, "0", rec.AmountUnlocked(testStart).String())
	assert.Equal(t, "50000", rec.AmountUnlocked(testStart+500).String())
	assert.Equal(t, "814000", rec.AmountRefundable(testStart+500).String())
	assert.Equal(t, "864000", rec.AmountUnlocked(testStart+100_000).String())
	assert.Equal(t, "0", rec.AmountRefundable(testStart+100_000).String())
	assert.Equal(t, "0", rec.WithCancelled().AmountRefundable(testStart).String())

	assert.Equal(t, "360000", rec.EstimateFunding(time.Hour).String())
	assert.Equal(t, "0", rec.EstimateFunding(-time.Second).String())

	assert.Equal(t, int64(36), rec.SecondsFor(big.NewInt(3650)))
	assert.Equal(t, int64(0), rec.SecondsFor(nil))
	assert.Equal(t, "3600", rec.AmountFor(36).String())
	assert.Equal(t, "0", rec.AmountFor(0).String())
}

func TestFundingRate(t *testing.T) {
	rec := mustNormalize(t, scenarioRaw(), testStart)

	assert.Equal(t, "0.36", rec.FundingRate(6, time.Hour).String())
	assert.Equal(t, "360000", rec.FundingRate(0, time.Hour).String())
}

func TestEnumsMarshalAsText(t *testing.T) {
	out, err := json.Marshal(map[string]any{
		"phase":  PhaseMinimumLife,
		"status": FundingCritical,
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"phase":"minimum_life","status":"critical"}`, string(out))

	assert.Equal(t, "unknown", CancelPhase(99).String())
	assert.Equal(t, "unknown", FundingStatus(99).String())
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		secs int64
		want string
	}{
		{-5, "0s"},
		{0, "0s"},
		{59, "59s"},
		{60, "1m 0s"},
		{3661, "1h 1m 1s"},
		{8140, "2h 15m 40s"},
		{90061, "1d 1h 1m 1s"},
		{86400, "1d 0h 0m 0s"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatDuration(tt.secs))
		})
	}
}
