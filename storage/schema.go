package storage

// migrate creates the relational schema this service owns: positions plus
// the two price-indexed bucket tables plus exposure_agg, with the
// compensating-delta trigger on positions and the partial indexes named in
// the external interface contract. assets is managed separately through
// gorm's AutoMigrate (Store.migrateAssets) since it is small, rarely
// written, and a natural fit for an ORM-managed table.
func (s *Store) migrate() error {
	schema := `
	CREATE TYPE position_state AS ENUM ('ORDER', 'OPEN', 'CLOSED', 'CANCELLED');
	`
	// Postgres has no CREATE TYPE IF NOT EXISTS; swallow the duplicate error
	// the way the source's runMigrations tolerates repeat ALTER TABLEs.
	_, _ = s.db.Exec(schema)

	schema = `
	CREATE TABLE IF NOT EXISTS positions (
		id             BIGINT PRIMARY KEY,
		owner_addr     TEXT NOT NULL,
		owner_addr_lc  TEXT GENERATED ALWAYS AS (lower(owner_addr)) STORED,
		asset_id       INT NOT NULL,
		state          position_state NOT NULL,
		long_side      BOOLEAN NOT NULL,
		lots           SMALLINT NOT NULL,
		leverage_x     SMALLINT NOT NULL,
		margin_usd6    BIGINT NOT NULL DEFAULT 0,
		notional_usd6  BIGINT NOT NULL DEFAULT 0,
		entry_x6       BIGINT NOT NULL DEFAULT 0,
		target_x6      BIGINT NOT NULL DEFAULT 0,
		sl_x6          BIGINT NOT NULL DEFAULT 0,
		tp_x6          BIGINT NOT NULL DEFAULT 0,
		liq_x6         BIGINT NOT NULL DEFAULT 0,
		opened_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		executed_at    TIMESTAMPTZ,
		closed_at      TIMESTAMPTZ,
		cancelled_at   TIMESTAMPTZ,
		close_reason   SMALLINT,
		exec_x6        BIGINT,
		pnl_usd6       NUMERIC,
		last_tx_hash   TEXT,
		last_block_num BIGINT,
		target_bucket  BIGINT,
		sl_bucket      BIGINT,
		tp_bucket      BIGINT,
		liq_bucket     BIGINT
	);

	CREATE INDEX IF NOT EXISTS idx_positions_owner_lc ON positions(owner_addr_lc);
	CREATE INDEX IF NOT EXISTS idx_positions_asset_state ON positions(asset_id, state);
	CREATE INDEX IF NOT EXISTS idx_positions_order_target
		ON positions(asset_id, target_bucket) WHERE state = 'ORDER';
	CREATE INDEX IF NOT EXISTS idx_positions_open_sl
		ON positions(asset_id, sl_bucket) WHERE state = 'OPEN';
	CREATE INDEX IF NOT EXISTS idx_positions_open_tp
		ON positions(asset_id, tp_bucket) WHERE state = 'OPEN';
	CREATE INDEX IF NOT EXISTS idx_positions_open_liq
		ON positions(asset_id, liq_bucket) WHERE state = 'OPEN';

	CREATE TABLE IF NOT EXISTS order_buckets (
		asset_id    INT NOT NULL,
		bucket_id   BIGINT NOT NULL,
		position_id BIGINT NOT NULL,
		lots        SMALLINT NOT NULL,
		side        BOOLEAN NOT NULL,
		PRIMARY KEY (asset_id, bucket_id, position_id)
	);
	CREATE INDEX IF NOT EXISTS idx_order_buckets_lookup ON order_buckets(asset_id, bucket_id, side);

	CREATE TABLE IF NOT EXISTS stop_buckets (
		asset_id    INT NOT NULL,
		bucket_id   BIGINT NOT NULL,
		position_id BIGINT NOT NULL,
		stop_type   SMALLINT NOT NULL,
		lots        SMALLINT NOT NULL,
		side        BOOLEAN NOT NULL,
		PRIMARY KEY (asset_id, bucket_id, position_id, stop_type)
	);
	CREATE INDEX IF NOT EXISTS idx_stop_buckets_lookup ON stop_buckets(asset_id, bucket_id, side);

	CREATE TABLE IF NOT EXISTS exposure_agg (
		asset_id           INT NOT NULL,
		side               BOOLEAN NOT NULL,
		sum_lots           BIGINT NOT NULL DEFAULT 0,
		sum_entry_x6_lots  BIGINT NOT NULL DEFAULT 0,
		sum_leverage_lots  BIGINT NOT NULL DEFAULT 0,
		sum_liq_x6_lots    BIGINT NOT NULL DEFAULT 0,
		sum_liq_lots       BIGINT NOT NULL DEFAULT 0,
		positions_count    BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (asset_id, side)
	);

	CREATE OR REPLACE FUNCTION positions_exposure_delta() RETURNS trigger AS $$
	DECLARE
		old_open BOOLEAN := (TG_OP != 'INSERT' AND OLD.state = 'OPEN');
		new_open BOOLEAN := (TG_OP != 'DELETE' AND NEW.state = 'OPEN');
	BEGIN
		IF old_open THEN
			INSERT INTO exposure_agg AS e (asset_id, side, sum_lots, sum_entry_x6_lots, sum_leverage_lots, sum_liq_x6_lots, sum_liq_lots, positions_count)
			VALUES (OLD.asset_id, OLD.long_side, -OLD.lots, -OLD.entry_x6*OLD.lots, -OLD.leverage_x*OLD.lots,
				CASE WHEN OLD.liq_x6 > 0 THEN -OLD.liq_x6*OLD.lots ELSE 0 END,
				CASE WHEN OLD.liq_x6 > 0 THEN -OLD.lots ELSE 0 END, -1)
			ON CONFLICT (asset_id, side) DO UPDATE SET
				sum_lots = e.sum_lots + EXCLUDED.sum_lots,
				sum_entry_x6_lots = e.sum_entry_x6_lots + EXCLUDED.sum_entry_x6_lots,
				sum_leverage_lots = e.sum_leverage_lots + EXCLUDED.sum_leverage_lots,
				sum_liq_x6_lots = e.sum_liq_x6_lots + EXCLUDED.sum_liq_x6_lots,
				sum_liq_lots = e.sum_liq_lots + EXCLUDED.sum_liq_lots,
				positions_count = e.positions_count + EXCLUDED.positions_count;
		END IF;

		IF new_open THEN
			INSERT INTO exposure_agg AS e (asset_id, side, sum_lots, sum_entry_x6_lots, sum_leverage_lots, sum_liq_x6_lots, sum_liq_lots, positions_count)
			VALUES (NEW.asset_id, NEW.long_side, NEW.lots, NEW.entry_x6*NEW.lots, NEW.leverage_x*NEW.lots,
				CASE WHEN NEW.liq_x6 > 0 THEN NEW.liq_x6*NEW.lots ELSE 0 END,
				CASE WHEN NEW.liq_x6 > 0 THEN NEW.lots ELSE 0 END, 1)
			ON CONFLICT (asset_id, side) DO UPDATE SET
				sum_lots = e.sum_lots + EXCLUDED.sum_lots,
				sum_entry_x6_lots = e.sum_entry_x6_lots + EXCLUDED.sum_entry_x6_lots,
				sum_leverage_lots = e.sum_leverage_lots + EXCLUDED.sum_leverage_lots,
				sum_liq_x6_lots = e.sum_liq_x6_lots + EXCLUDED.sum_liq_x6_lots,
				sum_liq_lots = e.sum_liq_lots + EXCLUDED.sum_liq_lots,
				positions_count = e.positions_count + EXCLUDED.positions_count;
		END IF;

		RETURN NULL;
	END;
	$$ LANGUAGE plpgsql;

	DROP TRIGGER IF EXISTS trg_positions_exposure ON positions;
	CREATE TRIGGER trg_positions_exposure
		AFTER INSERT OR UPDATE OR DELETE ON positions
		FOR EACH ROW EXECUTE FUNCTION positions_exposure_delta();
	`

	_, err := s.db.Exec(schema)
	return err
}
