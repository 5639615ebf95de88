package storage

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/perpindexer/types"
)

var testAsset = types.Asset{AssetID: 0, Symbol: "TEST", TickX6: 10000, LotNum: 1, LotDen: 1}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &Store{db: db}, mock
}

// S1: Opened(id=42, state=ORDER, ...) -> one order_buckets row, no stop_buckets.
func TestIngestOpenedOrder_S1(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO positions").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM order_buckets").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM stop_buckets").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO order_buckets").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ev := types.Opened{
		ID:              42,
		InitialState:    types.StateOrder,
		AssetID:         0,
		LongSide:        true,
		Lots:            3,
		LeverageX:       10,
		EntryOrTargetX6: 108_910_010_000,
		Trader:          "0xaa0000000000000000000000000000000000aa",
	}

	err := s.IngestOpened(context.Background(), ev, testAsset)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

// S2: Opened(id=7, state=OPEN, three non-zero stops) -> three stop_buckets rows.
func TestIngestOpenedOpen_S2(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO positions").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM order_buckets").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM stop_buckets").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO stop_buckets").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO stop_buckets").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO stop_buckets").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ev := types.Opened{
		ID:              7,
		InitialState:    types.StateOpen,
		AssetID:         0,
		LongSide:        false,
		Lots:            2,
		LeverageX:       5,
		EntryOrTargetX6: 100_000_000,
		SLX6:            99_000_000,
		TPX6:            101_000_000,
		LiqX6:           98_500_000,
	}

	err := s.IngestOpened(context.Background(), ev, testAsset)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

// S3: Executed(id=42, entry_x6=...) from an ORDER position with zero stops.
func TestIngestExecuted_S3(t *testing.T) {
	s, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"state", "long_side", "lots", "leverage_x", "entry_x6", "sl_x6", "tp_x6", "liq_x6"}).
		AddRow("ORDER", true, int16(3), int16(10), int64(0), int64(0), int64(0), int64(0))

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT state, long_side, lots, leverage_x").WillReturnRows(rows)
	mock.ExpectExec("UPDATE positions SET state='OPEN'").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM order_buckets").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM stop_buckets").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE positions SET sl_bucket").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.IngestExecuted(context.Background(), types.Executed{ID: 42, EntryX6: 108_900_000_000}, testAsset)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

// S4: StopsUpdated(id=7, sl_x6=0, tp_x6=101_500_000) on an OPEN position ->
// only the TP bucket is (re)inserted; LIQ untouched.
func TestIngestStopsUpdated_S4(t *testing.T) {
	s, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"state", "long_side", "lots", "sl_x6", "tp_x6", "liq_x6"}).
		AddRow("OPEN", false, int16(2), int64(99_000_000), int64(101_000_000), int64(98_500_000))

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT state, long_side, lots, sl_x6").WillReturnRows(rows)
	mock.ExpectExec("UPDATE positions SET sl_x6").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM stop_buckets").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("INSERT INTO stop_buckets").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.IngestStopsUpdated(context.Background(), types.StopsUpdated{ID: 7, SLX6: 0, TPX6: 101_500_000}, testAsset)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

// S5: Removed(id=7, reason=SL) -> CLOSED, zero bucket rows remain.
func TestIngestRemoved_S5(t *testing.T) {
	s, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"state", "close_reason"}).AddRow("OPEN", nil)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT state, close_reason").WillReturnRows(rows)
	mock.ExpectExec("UPDATE positions SET state").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM order_buckets").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM stop_buckets").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	err := s.IngestRemoved(context.Background(), types.Removed{ID: 7, Reason: types.ReasonSL, ExecX6: 99_000_000, PnLUsd6: "-2000000"})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

// Removed is idempotent when the position is already terminal with the
// same reason: no UPDATE/DELETE should fire.
func TestIngestRemoved_Idempotent(t *testing.T) {
	s, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"state", "close_reason"}).AddRow("CLOSED", int64(types.ReasonSL))

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT state, close_reason").WillReturnRows(rows)
	mock.ExpectCommit()

	err := s.IngestRemoved(context.Background(), types.Removed{ID: 7, Reason: types.ReasonSL, ExecX6: 99_000_000, PnLUsd6: "-2000000"})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
