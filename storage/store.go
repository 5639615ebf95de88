// Package storage is the projection store: the raw database/sql core that
// drives the high-frequency positions/order_buckets/stop_buckets writes
// (transactions, triggers, partial indexes need more control than an ORM
// gives), plus a thin gorm-managed surface for the small, rarely-written
// assets table.
package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/web3guy0/perpindexer/pricing"
	"github.com/web3guy0/perpindexer/types"
)

type Store struct {
	db  *sql.DB
	gdb *gorm.DB
}

func NewStore(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: open store: %v", types.ErrStoreTransient, err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("%w: ping store: %v", types.ErrStoreTransient, err)
	}

	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: db}), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("%w: open gorm: %v", types.ErrStoreTransient, err)
	}

	s := &Store{db: db, gdb: gdb}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("%w: migrate core schema: %v", types.ErrStorePermanent, err)
	}
	if err := s.migrateAssets(); err != nil {
		return nil, fmt.Errorf("%w: migrate assets: %v", types.ErrStorePermanent, err)
	}

	log.Info().Msg("store connected")
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// NewStoreForTest builds a Store around an already-open *sql.DB, skipping
// Ping and the migrations, for package tests that drive positions through
// sqlmock (other packages' tests exercise the db-only half of Store the
// same way store_test.go does from inside this package). The gorm handle is
// left unset, so GetAsset reports every asset as not found.
func NewStoreForTest(db *sql.DB) *Store {
	return &Store{db: db}
}

// ─── assets (gorm) ───────────────────────────────────────────────────────────

type assetModel struct {
	AssetID int64  `gorm:"column:asset_id;primaryKey"`
	Symbol  string `gorm:"column:symbol"`
	TickX6  int64  `gorm:"column:tick_x6"`
	LotNum  int64  `gorm:"column:lot_num"`
	LotDen  int64  `gorm:"column:lot_den"`
}

func (assetModel) TableName() string { return "assets" }

func (s *Store) migrateAssets() error {
	return s.gdb.AutoMigrate(&assetModel{})
}

func toAsset(m assetModel) types.Asset {
	return types.Asset{AssetID: m.AssetID, Symbol: m.Symbol, TickX6: m.TickX6, LotNum: m.LotNum, LotDen: m.LotDen}
}

func (s *Store) GetAsset(ctx context.Context, assetID int64) (types.Asset, error) {
	if s.gdb == nil {
		return types.Asset{}, fmt.Errorf("asset %d: %w", assetID, sql.ErrNoRows)
	}
	var m assetModel
	if err := s.gdb.WithContext(ctx).First(&m, "asset_id = ?", assetID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return types.Asset{}, fmt.Errorf("asset %d: %w", assetID, sql.ErrNoRows)
		}
		return types.Asset{}, fmt.Errorf("%w: get asset: %v", types.ErrStoreTransient, err)
	}
	return toAsset(m), nil
}

func (s *Store) ListAssets(ctx context.Context) ([]types.Asset, error) {
	var ms []assetModel
	if err := s.gdb.WithContext(ctx).Order("asset_id").Find(&ms).Error; err != nil {
		return nil, fmt.Errorf("%w: list assets: %v", types.ErrStoreTransient, err)
	}
	out := make([]types.Asset, len(ms))
	for i, m := range ms {
		out[i] = toAsset(m)
	}
	return out, nil
}

func (s *Store) UpsertAsset(ctx context.Context, a types.Asset) error {
	if a.TickX6 <= 0 {
		return types.ErrBadTick
	}
	m := assetModel{AssetID: a.AssetID, Symbol: a.Symbol, TickX6: a.TickX6, LotNum: a.LotNum, LotDen: a.LotDen}
	if err := s.gdb.WithContext(ctx).Save(&m).Error; err != nil {
		return fmt.Errorf("%w: upsert asset: %v", types.ErrStoreTransient, err)
	}
	return nil
}

// ─── positions / buckets (raw sql) ──────────────────────────────────────────

// withTx runs fn inside a single transaction and maps commit/rollback
// outcomes, matching the "one state-machine step, one transaction" rule.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", types.ErrStoreTransient, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit tx: %v", types.ErrStoreTransient, err)
	}
	return nil
}

func deleteBuckets(tx *sql.Tx, id uint32) error {
	if _, err := tx.Exec(`DELETE FROM order_buckets WHERE position_id = $1`, id); err != nil {
		return fmt.Errorf("%w: delete order_buckets: %v", types.ErrStoreTransient, err)
	}
	if _, err := tx.Exec(`DELETE FROM stop_buckets WHERE position_id = $1`, id); err != nil {
		return fmt.Errorf("%w: delete stop_buckets: %v", types.ErrStoreTransient, err)
	}
	return nil
}

func insertStopBuckets(tx *sql.Tx, assetID int64, id uint32, side bool, slX6, tpX6, liqX6 int64, slBucket, tpBucket, liqBucket *int64, lots int16) error {
	antagonistic := !side
	insert := func(stopType types.StopType, bucket *int64) error {
		if bucket == nil {
			return nil
		}
		_, err := tx.Exec(`
			INSERT INTO stop_buckets (asset_id, bucket_id, position_id, stop_type, lots, side)
			VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (asset_id, bucket_id, position_id, stop_type) DO UPDATE SET lots = EXCLUDED.lots, side = EXCLUDED.side
		`, assetID, *bucket, id, int(stopType), lots, antagonistic)
		if err != nil {
			return fmt.Errorf("%w: insert stop_buckets: %v", types.ErrStoreTransient, err)
		}
		return nil
	}
	if slX6 != 0 {
		if err := insert(types.StopSL, slBucket); err != nil {
			return err
		}
	}
	if tpX6 != 0 {
		if err := insert(types.StopTP, tpBucket); err != nil {
			return err
		}
	}
	if liqX6 != 0 {
		if err := insert(types.StopLiq, liqBucket); err != nil {
			return err
		}
	}
	return nil
}

func bucketPtr(priceX6, tickX6 int64) (*int64, error) {
	if priceX6 == 0 {
		return nil, nil
	}
	b, err := pricing.Bucket(priceX6, tickX6)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// IngestOpened upserts a position on id, keyed by the event's initial
// state, and maintains exactly the index rows that state implies.
func (s *Store) IngestOpened(ctx context.Context, ev types.Opened, asset types.Asset) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var entryX6, targetX6 int64
		if ev.InitialState == types.StateOpen {
			entryX6 = ev.EntryOrTargetX6
		} else {
			targetX6 = ev.EntryOrTargetX6
		}

		targetBucket, err := bucketPtr(targetX6, asset.TickX6)
		if err != nil {
			return err
		}
		slBucket, err := bucketPtr(ev.SLX6, asset.TickX6)
		if err != nil {
			return err
		}
		tpBucket, err := bucketPtr(ev.TPX6, asset.TickX6)
		if err != nil {
			return err
		}
		liqBucket, err := bucketPtr(ev.LiqX6, asset.TickX6)
		if err != nil {
			return err
		}

		var notional, margin int64
		if ev.InitialState == types.StateOpen {
			notional, err = pricing.Notional(entryX6, ev.Lots, asset.LotNum, asset.LotDen)
			if err != nil {
				return err
			}
			margin, err = pricing.Margin(notional, ev.LeverageX)
			if err != nil {
				return err
			}
		}

		_, err = tx.Exec(`
			INSERT INTO positions (id, owner_addr, asset_id, state, long_side, lots, leverage_x,
				margin_usd6, notional_usd6, entry_x6, target_x6, sl_x6, tp_x6, liq_x6,
				target_bucket, sl_bucket, tp_bucket, liq_bucket,
				executed_at, last_tx_hash, last_block_num)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,
				(CASE WHEN $4='OPEN' THEN now() ELSE NULL END), $19, $20)
			ON CONFLICT (id) DO UPDATE SET
				owner_addr = EXCLUDED.owner_addr, asset_id = EXCLUDED.asset_id, state = EXCLUDED.state,
				long_side = EXCLUDED.long_side, lots = EXCLUDED.lots, leverage_x = EXCLUDED.leverage_x,
				margin_usd6 = EXCLUDED.margin_usd6, notional_usd6 = EXCLUDED.notional_usd6,
				entry_x6 = EXCLUDED.entry_x6, target_x6 = EXCLUDED.target_x6,
				sl_x6 = EXCLUDED.sl_x6, tp_x6 = EXCLUDED.tp_x6, liq_x6 = EXCLUDED.liq_x6,
				target_bucket = EXCLUDED.target_bucket, sl_bucket = EXCLUDED.sl_bucket,
				tp_bucket = EXCLUDED.tp_bucket, liq_bucket = EXCLUDED.liq_bucket,
				last_tx_hash = EXCLUDED.last_tx_hash, last_block_num = EXCLUDED.last_block_num
		`, ev.ID, ev.Trader, ev.AssetID, ev.InitialState.String(), ev.LongSide, ev.Lots, ev.LeverageX,
			margin, notional, entryX6, targetX6, ev.SLX6, ev.TPX6, ev.LiqX6,
			targetBucket, slBucket, tpBucket, liqBucket,
			ev.Key.TxHash, int64(ev.Key.BlockNumber))
		if err != nil {
			return fmt.Errorf("%w: upsert position: %v", types.ErrStoreTransient, err)
		}

		if err := deleteBuckets(tx, ev.ID); err != nil {
			return err
		}

		if ev.InitialState == types.StateOrder {
			if targetBucket == nil {
				return fmt.Errorf("%w: Opened(ORDER) with zero target", types.ErrStateMachineViolation)
			}
			_, err := tx.Exec(`
				INSERT INTO order_buckets (asset_id, bucket_id, position_id, lots, side)
				VALUES ($1,$2,$3,$4,$5)
				ON CONFLICT (asset_id, bucket_id, position_id) DO UPDATE SET lots = EXCLUDED.lots, side = EXCLUDED.side
			`, ev.AssetID, *targetBucket, ev.ID, ev.Lots, ev.LongSide)
			if err != nil {
				return fmt.Errorf("%w: insert order_buckets: %v", types.ErrStoreTransient, err)
			}
			return nil
		}

		return insertStopBuckets(tx, int64(ev.AssetID), ev.ID, ev.LongSide, ev.SLX6, ev.TPX6, ev.LiqX6, slBucket, tpBucket, liqBucket, ev.Lots)
	})
}

// IngestExecuted transitions ORDER -> OPEN. No-op if already OPEN at this
// entry price (idempotent re-application) or already CLOSED/CANCELLED.
func (s *Store) IngestExecuted(ctx context.Context, ev types.Executed, asset types.Asset) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var state string
		var longSide bool
		var lots, leverageX int16
		var curEntry, slX6, tpX6, liqX6 int64
		err := tx.QueryRow(`SELECT state, long_side, lots, leverage_x, entry_x6, sl_x6, tp_x6, liq_x6 FROM positions WHERE id = $1 FOR UPDATE`, ev.ID).
			Scan(&state, &longSide, &lots, &leverageX, &curEntry, &slX6, &tpX6, &liqX6)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: Executed on unknown id %d", types.ErrStateMachineViolation, ev.ID)
		}
		if err != nil {
			return fmt.Errorf("%w: read position: %v", types.ErrStoreTransient, err)
		}

		if state == types.StateClosed.String() || state == types.StateCancelled.String() {
			return nil // terminal: idempotent no-op per transition table
		}
		if state == types.StateOpen.String() && curEntry == ev.EntryX6 {
			return nil // idempotent no-op
		}

		notional, err := pricing.Notional(ev.EntryX6, lots, asset.LotNum, asset.LotDen)
		if err != nil {
			return err
		}
		margin, err := pricing.Margin(notional, leverageX)
		if err != nil {
			return err
		}

		_, err = tx.Exec(`
			UPDATE positions SET state='OPEN', entry_x6=$2, target_x6=0, target_bucket=NULL,
				notional_usd6=$3, margin_usd6=$4,
				executed_at = COALESCE(executed_at, now()),
				last_tx_hash=$5, last_block_num=$6
			WHERE id=$1
		`, ev.ID, ev.EntryX6, notional, margin, ev.Key.TxHash, int64(ev.Key.BlockNumber))
		if err != nil {
			return fmt.Errorf("%w: update position on Executed: %v", types.ErrStoreTransient, err)
		}

		if _, err := tx.Exec(`DELETE FROM order_buckets WHERE position_id = $1`, ev.ID); err != nil {
			return fmt.Errorf("%w: delete order_buckets: %v", types.ErrStoreTransient, err)
		}
		if _, err := tx.Exec(`DELETE FROM stop_buckets WHERE position_id = $1`, ev.ID); err != nil {
			return fmt.Errorf("%w: delete stop_buckets: %v", types.ErrStoreTransient, err)
		}

		slBucket, err := bucketPtr(slX6, asset.TickX6)
		if err != nil {
			return err
		}
		tpBucket, err := bucketPtr(tpX6, asset.TickX6)
		if err != nil {
			return err
		}
		liqBucket, err := bucketPtr(liqX6, asset.TickX6)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`UPDATE positions SET sl_bucket=$2, tp_bucket=$3, liq_bucket=$4 WHERE id=$1`,
			ev.ID, slBucket, tpBucket, liqBucket); err != nil {
			return fmt.Errorf("%w: update stop buckets on position: %v", types.ErrStoreTransient, err)
		}

		return insertStopBuckets(tx, int64(asset.AssetID), ev.ID, longSide, slX6, tpX6, liqX6, slBucket, tpBucket, liqBucket, lots)
	})
}

// IngestStopsUpdated replaces SL/TP rows atomically; LIQ is never touched.
func (s *Store) IngestStopsUpdated(ctx context.Context, ev types.StopsUpdated, asset types.Asset) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var state string
		var longSide bool
		var lots int16
		var curSL, curTP, liqX6 int64
		err := tx.QueryRow(`SELECT state, long_side, lots, sl_x6, tp_x6, liq_x6 FROM positions WHERE id = $1 FOR UPDATE`, ev.ID).
			Scan(&state, &longSide, &lots, &curSL, &curTP, &liqX6)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: StopsUpdated on unknown id %d", types.ErrStateMachineViolation, ev.ID)
		}
		if err != nil {
			return fmt.Errorf("%w: read position: %v", types.ErrStoreTransient, err)
		}

		if state != types.StateOpen.String() {
			return nil // terminal or ORDER: idempotent no-op per transition table
		}
		if curSL == ev.SLX6 && curTP == ev.TPX6 {
			return nil // idempotent no-op
		}

		slBucket, err := bucketPtr(ev.SLX6, asset.TickX6)
		if err != nil {
			return err
		}
		tpBucket, err := bucketPtr(ev.TPX6, asset.TickX6)
		if err != nil {
			return err
		}

		if _, err := tx.Exec(`UPDATE positions SET sl_x6=$2, tp_x6=$3, sl_bucket=$4, tp_bucket=$5, last_tx_hash=$6, last_block_num=$7 WHERE id=$1`,
			ev.ID, ev.SLX6, ev.TPX6, slBucket, tpBucket, ev.Key.TxHash, int64(ev.Key.BlockNumber)); err != nil {
			return fmt.Errorf("%w: update stops: %v", types.ErrStoreTransient, err)
		}

		if _, err := tx.Exec(`DELETE FROM stop_buckets WHERE position_id = $1 AND stop_type IN (1,2)`, ev.ID); err != nil {
			return fmt.Errorf("%w: delete SL/TP buckets: %v", types.ErrStoreTransient, err)
		}

		return insertStopBuckets(tx, int64(asset.AssetID), ev.ID, longSide, ev.SLX6, ev.TPX6, 0, slBucket, tpBucket, nil, lots)
	})
}

// IngestRemoved moves a position to its terminal state and clears all
// index rows.
func (s *Store) IngestRemoved(ctx context.Context, ev types.Removed) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var state string
		var curReason sql.NullInt64
		err := tx.QueryRow(`SELECT state, close_reason FROM positions WHERE id = $1 FOR UPDATE`, ev.ID).Scan(&state, &curReason)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: Removed on unknown id %d", types.ErrStateMachineViolation, ev.ID)
		}
		if err != nil {
			return fmt.Errorf("%w: read position: %v", types.ErrStoreTransient, err)
		}

		terminal := state == types.StateClosed.String() || state == types.StateCancelled.String()
		if terminal && curReason.Valid && curReason.Int64 == int64(ev.Reason) {
			return nil // idempotent no-op
		}

		nextState := types.StateClosed
		cancelling := ev.Reason == types.ReasonCancelled
		if cancelling {
			nextState = types.StateCancelled
		}

		if _, err := tx.Exec(`
			UPDATE positions SET state=$2, close_reason=$3, exec_x6=$4, pnl_usd6=$5,
				closed_at = CASE WHEN $8 THEN closed_at ELSE now() END,
				cancelled_at = CASE WHEN $8 THEN now() ELSE cancelled_at END,
				last_tx_hash=$6, last_block_num=$7
			WHERE id=$1
		`, ev.ID, nextState.String(), int(ev.Reason), ev.ExecX6, ev.PnLUsd6,
			ev.Key.TxHash, int64(ev.Key.BlockNumber), cancelling); err != nil {
			return fmt.Errorf("%w: update position on Removed: %v", types.ErrStoreTransient, err)
		}

		return deleteBuckets(tx, ev.ID)
	})
}

// PatchState directly overwrites the state column with no other side
// effects, for reconciler mismatches that don't fit the Executed/Removed
// transition shapes (spec's "any other mismatch ⇒ patch state directly").
func (s *Store) PatchState(ctx context.Context, id uint32, state types.PositionState) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE positions SET state=$2 WHERE id=$1`, id, state.String())
		if err != nil {
			return fmt.Errorf("%w: patch state: %v", types.ErrStoreTransient, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("%w: PatchState on unknown id %d", types.ErrStateMachineViolation, id)
		}
		return nil
	})
}

// RepairBuckets re-derives order_buckets/stop_buckets for id from the
// position row's own state and bucket columns, without touching the
// positions row itself. It is the "assert index invariants" repair the
// reconciler's equal-states branch calls for both modes.
func (s *Store) RepairBuckets(ctx context.Context, id uint32) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var assetID int64
		var state string
		var longSide bool
		var lots int16
		var slX6, tpX6, liqX6 int64
		var targetBucket, slBucket, tpBucket, liqBucket sql.NullInt64

		err := tx.QueryRow(`
			SELECT asset_id, state, long_side, lots, sl_x6, tp_x6, liq_x6,
				target_bucket, sl_bucket, tp_bucket, liq_bucket
			FROM positions WHERE id = $1 FOR UPDATE
		`, id).Scan(&assetID, &state, &longSide, &lots, &slX6, &tpX6, &liqX6,
			&targetBucket, &slBucket, &tpBucket, &liqBucket)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: RepairBuckets on unknown id %d", types.ErrStateMachineViolation, id)
		}
		if err != nil {
			return fmt.Errorf("%w: read position: %v", types.ErrStoreTransient, err)
		}

		if err := deleteBuckets(tx, id); err != nil {
			return err
		}

		switch state {
		case types.StateOrder.String():
			if !targetBucket.Valid {
				return fmt.Errorf("%w: ORDER position %d with no target_bucket", types.ErrStateMachineViolation, id)
			}
			_, err := tx.Exec(`
				INSERT INTO order_buckets (asset_id, bucket_id, position_id, lots, side)
				VALUES ($1,$2,$3,$4,$5)
				ON CONFLICT (asset_id, bucket_id, position_id) DO UPDATE SET lots = EXCLUDED.lots, side = EXCLUDED.side
			`, assetID, targetBucket.Int64, id, lots, longSide)
			if err != nil {
				return fmt.Errorf("%w: repair order_buckets: %v", types.ErrStoreTransient, err)
			}
			return nil

		case types.StateOpen.String():
			toPtr := func(n sql.NullInt64) *int64 {
				if !n.Valid {
					return nil
				}
				v := n.Int64
				return &v
			}
			return insertStopBuckets(tx, assetID, id, longSide, slX6, tpX6, liqX6,
				toPtr(slBucket), toPtr(tpBucket), toPtr(liqBucket), lots)

		default:
			return nil // CLOSED/CANCELLED: zero bucket rows, already deleted above
		}
	})
}

// ─── read helpers ────────────────────────────────────────────────────────────

func (s *Store) ReadPosition(ctx context.Context, id uint32) (*types.Position, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_addr, asset_id, state, long_side, lots, leverage_x, margin_usd6, notional_usd6,
			entry_x6, target_x6, sl_x6, tp_x6, liq_x6, opened_at, executed_at, closed_at, cancelled_at,
			close_reason, exec_x6, pnl_usd6, last_tx_hash, last_block_num,
			target_bucket, sl_bucket, tp_bucket, liq_bucket
		FROM positions WHERE id = $1
	`, id)

	var p types.Position
	var state string
	var closeReason sql.NullInt64
	var execX6 sql.NullInt64
	var pnl sql.NullString
	var executedAt, closedAt, cancelledAt sql.NullTime
	var lastTxHash sql.NullString
	var lastBlockNum sql.NullInt64
	var targetBucket, slBucket, tpBucket, liqBucket sql.NullInt64

	err := row.Scan(&p.ID, &p.OwnerAddr, &p.AssetID, &state, &p.LongSide, &p.Lots, &p.LeverageX,
		&p.MarginUsd6, &p.NotionalUsd6, &p.EntryX6, &p.TargetX6, &p.SLX6, &p.TPX6, &p.LiqX6,
		&p.OpenedAt, &executedAt, &closedAt, &cancelledAt,
		&closeReason, &execX6, &pnl, &lastTxHash, &lastBlockNum,
		&targetBucket, &slBucket, &tpBucket, &liqBucket)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("position %d: %w", id, sql.ErrNoRows)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read position: %v", types.ErrStoreTransient, err)
	}

	switch state {
	case "ORDER":
		p.State = types.StateOrder
	case "OPEN":
		p.State = types.StateOpen
	case "CLOSED":
		p.State = types.StateClosed
	case "CANCELLED":
		p.State = types.StateCancelled
	}
	if executedAt.Valid {
		t := executedAt.Time
		p.ExecutedAt = &t
	}
	if closedAt.Valid {
		t := closedAt.Time
		p.ClosedAt = &t
	}
	if cancelledAt.Valid {
		t := cancelledAt.Time
		p.CancelledAt = &t
	}
	if closeReason.Valid {
		r := types.CloseReason(closeReason.Int64)
		p.CloseReason = &r
	}
	if execX6.Valid {
		v := execX6.Int64
		p.ExecX6 = &v
	}
	if pnl.Valid {
		v := pnl.String
		p.PnLUsd6 = &v
	}
	if lastTxHash.Valid {
		v := lastTxHash.String
		p.LastTxHash = &v
	}
	if lastBlockNum.Valid {
		v := lastBlockNum.Int64
		p.LastBlockNum = &v
	}
	if targetBucket.Valid {
		v := targetBucket.Int64
		p.TargetBucket = &v
	}
	if slBucket.Valid {
		v := slBucket.Int64
		p.SLBucket = &v
	}
	if tpBucket.Valid {
		v := tpBucket.Int64
		p.TPBucket = &v
	}
	if liqBucket.Valid {
		v := liqBucket.Int64
		p.LiqBucket = &v
	}

	return &p, nil
}

func (s *Store) ReadBuckets(ctx context.Context, id uint32) ([]types.OrderBucket, []types.StopBucket, error) {
	orows, err := s.db.QueryContext(ctx, `SELECT asset_id, bucket_id, position_id, lots, side FROM order_buckets WHERE position_id = $1`, id)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read order_buckets: %v", types.ErrStoreTransient, err)
	}
	defer orows.Close()

	var orders []types.OrderBucket
	for orows.Next() {
		var b types.OrderBucket
		if err := orows.Scan(&b.AssetID, &b.BucketID, &b.PositionID, &b.Lots, &b.Side); err != nil {
			return nil, nil, fmt.Errorf("%w: scan order_buckets: %v", types.ErrStoreTransient, err)
		}
		orders = append(orders, b)
	}

	srows, err := s.db.QueryContext(ctx, `SELECT asset_id, bucket_id, position_id, stop_type, lots, side FROM stop_buckets WHERE position_id = $1`, id)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read stop_buckets: %v", types.ErrStoreTransient, err)
	}
	defer srows.Close()

	var stops []types.StopBucket
	for srows.Next() {
		var b types.StopBucket
		var stopType int
		if err := srows.Scan(&b.AssetID, &b.BucketID, &b.PositionID, &stopType, &b.Lots, &b.Side); err != nil {
			return nil, nil, fmt.Errorf("%w: scan stop_buckets: %v", types.ErrStoreTransient, err)
		}
		b.StopType = types.StopType(stopType)
		stops = append(stops, b)
	}

	return orders, stops, nil
}

// ListIds returns up to limit ids after skipping the first offset, ordered
// ascending or descending, for the backfill controller's paginated hole scan.
func (s *Store) ListIds(ctx context.Context, limit, offset int, order string) ([]int64, error) {
	if order != "asc" && order != "desc" {
		order = "asc"
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT id FROM positions ORDER BY id %s LIMIT $1 OFFSET $2`, order), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: list ids: %v", types.ErrStoreTransient, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: scan id: %v", types.ErrStoreTransient, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Store) MaxId(ctx context.Context) (int64, error) {
	var max sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(id) FROM positions`).Scan(&max); err != nil {
		return 0, fmt.Errorf("%w: max id: %v", types.ErrStoreTransient, err)
	}
	if !max.Valid {
		return 0, nil
	}
	return max.Int64, nil
}

func (s *Store) ReadExposure(ctx context.Context, assetID int64, side bool) (types.ExposureAgg, error) {
	var e types.ExposureAgg
	e.AssetID, e.Side = assetID, side
	err := s.db.QueryRowContext(ctx, `
		SELECT sum_lots, sum_entry_x6_lots, sum_leverage_lots, sum_liq_x6_lots, sum_liq_lots, positions_count
		FROM exposure_agg WHERE asset_id = $1 AND side = $2
	`, assetID, side).Scan(&e.SumLots, &e.SumEntryX6Lots, &e.SumLeverageLots, &e.SumLiqX6Lots, &e.SumLiqLots, &e.PositionsCount)
	if err == sql.ErrNoRows {
		return e, nil // zero aggregate: no OPEN positions yet for this (asset, side)
	}
	if err != nil {
		return e, fmt.Errorf("%w: read exposure: %v", types.ErrStoreTransient, err)
	}
	return e, nil
}
