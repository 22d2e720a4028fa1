package postgres

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/mcp-streampay/pkg/chain"
	"github.com/txn2/mcp-streampay/pkg/registry"
	"github.com/txn2/mcp-streampay/pkg/stream"
)

const (
	testManager = chain.Address("0x1111111111111111111111111111111111111111")
	testCreator = chain.Address("0x2222222222222222222222222222222222222222")
	testToken   = chain.Address("0x3333333333333333333333333333333333333333")
	testStart   = 1_700_000_000
	testLimit   = 10
)

var testObserved = time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC)

func newTestRecord(id uint64, funded int64) stream.Record {
	return stream.Record{
		Identity:        stream.Identity{Manager: testManager, Creator: testCreator, StreamID: id},
		Token:           testToken,
		AmountPerSecond: big.NewInt(100),
		FundedAmount:    big.NewInt(funded),
		StartTime:       testStart,
		LastPull:        testStart,
		MaxLifetime:     600,
		Reason:          []byte("rent"),
		ObservedAt:      testObserved,
	}
}

func recordRow(rows *sqlmock.Rows, rec stream.Record) *sqlmock.Rows {
	return rows.AddRow(
		rec.Identity.Manager.String(), rec.Identity.Creator.String(),
		int64(rec.Identity.StreamID), rec.Token.String(), //nolint:gosec // test fixture
		rec.AmountPerSecond.String(), rec.FundedAmount.String(),
		rec.StartTime, rec.LastPull, rec.MaxLifetime, rec.Reason,
		rec.Cancelled, rec.ObservedAt,
	)
}

func expectSave(mock sqlmock.Sqlmock, rec stream.Record) *sqlmock.ExpectedExec {
	return mock.ExpectExec("INSERT INTO streams .+ ON CONFLICT \\(manager, creator, stream_id\\) DO UPDATE").
		WithArgs(
			rec.Identity.Manager.String(), rec.Identity.Creator.String(),
			int64(rec.Identity.StreamID), rec.Token.String(), //nolint:gosec // test fixture
			rec.AmountPerSecond.String(), rec.FundedAmount.String(),
			rec.StartTime, rec.LastPull, rec.MaxLifetime,
			sqlmock.AnyArg(), rec.Cancelled, sqlmock.AnyArg(),
		)
}

func TestNew_Defaults(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db, Config{})
	assert.Equal(t, defaultFlushTimeout, store.flushTimeout)
	assert.NotNil(t, store.logger)
	assert.Zero(t, store.Pending())
}

func TestSave(t *testing.T) {
	tests := []struct {
		name    string
		result  int64
		applied bool
	}{
		{name: "applied", result: 1, applied: true},
		{name: "kept newer row", result: 0, applied: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer func() { _ = db.Close() }()

			rec := newTestRecord(3, 864000)
			expectSave(mock, rec).WillReturnResult(sqlmock.NewResult(0, tt.result))

			applied, err := New(db, Config{}).Save(context.Background(), rec)
			require.NoError(t, err)
			assert.Equal(t, tt.applied, applied)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestSave_Error(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	rec := newTestRecord(3, 864000)
	expectSave(mock, rec).WillReturnError(errors.New("connection refused"))

	_, err = New(db, Config{}).Save(context.Background(), rec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upserting stream")
	assert.Contains(t, err.Error(), rec.Identity.String())
}

func TestUpsertQuery_MonotonicGuard(t *testing.T) {
	assert.Contains(t, upsertQuery, "EXCLUDED.cancelled AND NOT streams.cancelled")
	assert.Contains(t, upsertQuery, "EXCLUDED.funded_amount >= streams.funded_amount")
}

func TestLoad_NoFilter(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	a := newTestRecord(0, 864000)
	b := newTestRecord(1, 90000)
	b.Cancelled = true

	rows := sqlmock.NewRows(streamColumns)
	recordRow(rows, a)
	recordRow(rows, b)
	mock.ExpectQuery("SELECT .+ FROM streams ORDER BY manager, creator, stream_id").WillReturnRows(rows)

	records, err := New(db, Config{}).Load(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.True(t, records[0].Equal(a))
	assert.True(t, records[1].Equal(b))
	assert.Equal(t, testObserved, records[0].ObservedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoad_WithFilters(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("SELECT .+ FROM streams WHERE manager = \\$1 AND creator = \\$2 AND token = \\$3 AND cancelled = \\$4 ORDER BY .+ LIMIT 10").
		WithArgs(testManager.String(), testCreator.String(), testToken.String(), false).
		WillReturnRows(sqlmock.NewRows(streamColumns))

	records, err := New(db, Config{}).Load(context.Background(), Filter{
		Manager:          testManager,
		Creator:          testCreator,
		Token:            testToken,
		ExcludeCancelled: true,
		Limit:            testLimit,
	})
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoad_Errors(t *testing.T) {
	t.Run("query", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer func() { _ = db.Close() }()

		mock.ExpectQuery("SELECT .+ FROM streams").WillReturnError(errors.New("boom"))
		_, err = New(db, Config{}).Load(context.Background(), Filter{})
		assert.ErrorContains(t, err, "querying streams")
	})

	t.Run("bad numeric", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer func() { _ = db.Close() }()

		rows := sqlmock.NewRows(streamColumns).AddRow(
			testManager.String(), testCreator.String(), int64(0), testToken.String(),
			"not-a-number", "100", int64(testStart), int64(testStart), int64(600), nil, false, testObserved,
		)
		mock.ExpectQuery("SELECT .+ FROM streams").WillReturnRows(rows)
		_, err = New(db, Config{}).Load(context.Background(), Filter{})
		assert.ErrorContains(t, err, "amount_per_second")
	})

	t.Run("scan", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer func() { _ = db.Close() }()

		rows := sqlmock.NewRows([]string{"manager"}).AddRow(testManager.String())
		mock.ExpectQuery("SELECT .+ FROM streams").WillReturnRows(rows)
		_, err = New(db, Config{}).Load(context.Background(), Filter{})
		assert.ErrorContains(t, err, "scanning stream row")
	})
}

func TestSeed(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	rows := sqlmock.NewRows(streamColumns)
	recordRow(rows, newTestRecord(0, 864000))
	recordRow(rows, newTestRecord(1, 864000))
	mock.ExpectQuery("SELECT .+ FROM streams WHERE manager = \\$1").
		WithArgs(testManager.String()).
		WillReturnRows(rows)

	reg := registry.New()
	summary, err := New(db, Config{}).Seed(context.Background(), reg, Filter{Manager: testManager})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Inserted)
	assert.Equal(t, 2, reg.Len())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFlush_RetainsFailed(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db, Config{})
	rec := newTestRecord(5, 864000)
	store.enqueue(registry.Change{Result: registry.Inserted, Record: rec})
	require.Equal(t, 1, store.Pending())

	expectSave(mock, rec).WillReturnError(errors.New("deadlock detected"))
	err = store.Flush(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, store.Pending(), "failed write stays pending")

	expectSave(mock, rec).WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.Flush(context.Background()))
	assert.Zero(t, store.Pending())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueue_CoalescesPerStream(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db, Config{})
	first := newTestRecord(5, 864000)
	second := newTestRecord(5, 900000)
	store.enqueue(registry.Change{Result: registry.Inserted, Record: first})
	store.enqueue(registry.Change{Result: registry.Updated, Previous: &first, Record: second})
	assert.Equal(t, 1, store.Pending())

	expectSave(mock, second).WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.Flush(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAttach_PersistsChanges(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	reg := registry.New()
	store := New(db, Config{})
	store.Attach(reg)

	rec := newTestRecord(0, 864000)
	expectSave(mock, rec).WillReturnResult(sqlmock.NewResult(0, 1))
	assert.Equal(t, registry.Inserted, reg.Upsert(rec))

	require.NoError(t, store.Close())
	assert.Zero(t, store.Pending())
	assert.NoError(t, mock.ExpectationsWereMet())

	// Detached: later changes are not queued.
	reg.Upsert(newTestRecord(1, 864000))
	assert.Zero(t, store.Pending())
}

func TestClose_WithoutAttach(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db, Config{})
	assert.NoError(t, store.Close())
	assert.NoError(t, store.Close())
}
