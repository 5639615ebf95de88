package statemachine

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/perpindexer/storage"
	"github.com/web3guy0/perpindexer/types"
)

var (
	testAsset = types.Asset{AssetID: 0, Symbol: "TEST", TickX6: 10000, LotNum: 1, LotDen: 1}
	nowStub   = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
)

func newTestMachine(t *testing.T) (*Machine, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := storage.NewStoreForTest(db)
	assets := storage.NewAssetCache(store)
	assets.Seed(testAsset)
	return New(store, assets), mock
}

// S1: Opened(id=42, state=ORDER, ...) -> one order_buckets row, no stop_buckets.
func TestApplyOpened_S1(t *testing.T) {
	m, mock := newTestMachine(t)

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

	require.NoError(t, m.ApplyOpened(context.Background(), ev))
	require.NoError(t, mock.ExpectationsWereMet())
}

// S2: Opened(id=7, state=OPEN, three non-zero stops) -> three stop_buckets rows.
func TestApplyOpened_S2(t *testing.T) {
	m, mock := newTestMachine(t)

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

	require.NoError(t, m.ApplyOpened(context.Background(), ev))
	require.NoError(t, mock.ExpectationsWereMet())
}

// Opened for an asset the cache can't resolve is a state machine violation,
// not a silent write.
func TestApplyOpened_UnknownAssetViolates(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := storage.NewStoreForTest(db)
	assets := storage.NewAssetCache(store)
	m := New(store, assets)

	err = m.ApplyOpened(context.Background(), types.Opened{ID: 1, AssetID: 99})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrStateMachineViolation)
	require.NoError(t, mock.ExpectationsWereMet())
}

// S3: Executed(id=42, entry_x6=...) from an ORDER position with zero stops.
func TestApplyExecuted_S3(t *testing.T) {
	m, mock := newTestMachine(t)

	readRows := sqlmock.NewRows([]string{
		"id", "owner_addr", "asset_id", "state", "long_side", "lots", "leverage_x", "margin_usd6", "notional_usd6",
		"entry_x6", "target_x6", "sl_x6", "tp_x6", "liq_x6", "opened_at", "executed_at", "closed_at", "cancelled_at",
		"close_reason", "exec_x6", "pnl_usd6", "last_tx_hash", "last_block_num",
		"target_bucket", "sl_bucket", "tp_bucket", "liq_bucket",
	}).AddRow(
		42, "0xaa", 0, "ORDER", true, int16(3), int16(10), int64(0), int64(0),
		int64(0), int64(108_910_010_000), int64(0), int64(0), int64(0), nowStub, nil, nil, nil,
		nil, nil, nil, nil, nil,
		nil, nil, nil, nil,
	)
	mock.ExpectQuery("SELECT id, owner_addr, asset_id, state").WillReturnRows(readRows)

	stopRows := sqlmock.NewRows([]string{"state", "long_side", "lots", "leverage_x", "entry_x6", "sl_x6", "tp_x6", "liq_x6"}).
		AddRow("ORDER", true, int16(3), int16(10), int64(0), int64(0), int64(0), int64(0))

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT state, long_side, lots, leverage_x").WillReturnRows(stopRows)
	mock.ExpectExec("UPDATE positions SET state='OPEN'").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM order_buckets").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM stop_buckets").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE positions SET sl_bucket").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, m.ApplyExecuted(context.Background(), types.Executed{ID: 42, EntryX6: 108_900_000_000}))
	require.NoError(t, mock.ExpectationsWereMet())
}

// Executed on an unknown id is a state machine violation.
func TestApplyExecuted_UnknownIDViolates(t *testing.T) {
	m, mock := newTestMachine(t)

	mock.ExpectQuery("SELECT id, owner_addr, asset_id, state").WillReturnError(assert.AnError)

	err := m.ApplyExecuted(context.Background(), types.Executed{ID: 999, EntryX6: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrStateMachineViolation)
}

// S4: StopsUpdated(id=7, sl_x6=0, tp_x6=101_500_000) on an OPEN position ->
// only the TP bucket is (re)inserted; LIQ untouched.
func TestApplyStopsUpdated_S4(t *testing.T) {
	m, mock := newTestMachine(t)

	readRows := sqlmock.NewRows([]string{
		"id", "owner_addr", "asset_id", "state", "long_side", "lots", "leverage_x", "margin_usd6", "notional_usd6",
		"entry_x6", "target_x6", "sl_x6", "tp_x6", "liq_x6", "opened_at", "executed_at", "closed_at", "cancelled_at",
		"close_reason", "exec_x6", "pnl_usd6", "last_tx_hash", "last_block_num",
		"target_bucket", "sl_bucket", "tp_bucket", "liq_bucket",
	}).AddRow(
		7, "0xbb", 0, "OPEN", false, int16(2), int16(5), int64(40_000_000), int64(200_000_000),
		int64(100_000_000), int64(0), int64(99_000_000), int64(101_000_000), int64(98_500_000), nowStub, nil, nil, nil,
		nil, nil, nil, nil, nil,
		nil, nil, nil, nil,
	)
	mock.ExpectQuery("SELECT id, owner_addr, asset_id, state").WillReturnRows(readRows)

	stopRows := sqlmock.NewRows([]string{"state", "long_side", "lots", "sl_x6", "tp_x6", "liq_x6"}).
		AddRow("OPEN", false, int16(2), int64(99_000_000), int64(101_000_000), int64(98_500_000))

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT state, long_side, lots, sl_x6").WillReturnRows(stopRows)
	mock.ExpectExec("UPDATE positions SET sl_x6").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM stop_buckets").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("INSERT INTO stop_buckets").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, m.ApplyStopsUpdated(context.Background(), types.StopsUpdated{ID: 7, SLX6: 0, TPX6: 101_500_000}))
	require.NoError(t, mock.ExpectationsWereMet())
}

// S5: Removed(id=7, reason=SL) -> CLOSED, zero bucket rows remain.
func TestApplyRemoved_S5(t *testing.T) {
	m, mock := newTestMachine(t)

	rows := sqlmock.NewRows([]string{"state", "close_reason"}).AddRow("OPEN", nil)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT state, close_reason").WillReturnRows(rows)
	mock.ExpectExec("UPDATE positions SET state").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM order_buckets").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM stop_buckets").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	ev := types.Removed{ID: 7, Reason: types.ReasonSL, ExecX6: 99_000_000, PnLUsd6: "-2000000"}
	require.NoError(t, m.ApplyRemoved(context.Background(), ev))
	require.NoError(t, mock.ExpectationsWereMet())
}
