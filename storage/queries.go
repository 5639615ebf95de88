package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/web3guy0/perpindexer/types"
)

// OwnerPositions groups a trader's ids by projection state, per the
// GET /trader/:addr route (address matched case-insensitively via the
// generated owner_addr_lc column).
type OwnerPositions struct {
	Orders    []int64
	Open      []int64
	Cancelled []int64
	Closed    []int64
}

func (s *Store) PositionsByOwner(ctx context.Context, ownerLc string) (OwnerPositions, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, state FROM positions WHERE owner_addr_lc = $1 ORDER BY id`, ownerLc)
	if err != nil {
		return OwnerPositions{}, fmt.Errorf("%w: positions by owner: %v", types.ErrStoreTransient, err)
	}
	defer rows.Close()

	var out OwnerPositions
	for rows.Next() {
		var id int64
		var state string
		if err := rows.Scan(&id, &state); err != nil {
			return OwnerPositions{}, fmt.Errorf("%w: scan owner position: %v", types.ErrStoreTransient, err)
		}
		switch state {
		case types.StateOrder.String():
			out.Orders = append(out.Orders, id)
		case types.StateOpen.String():
			out.Open = append(out.Open, id)
		case types.StateCancelled.String():
			out.Cancelled = append(out.Cancelled, id)
		case types.StateClosed.String():
			out.Closed = append(out.Closed, id)
		}
	}
	return out, nil
}

// BucketQuery parameterizes the /bucket/* family; a nil Side returns both
// sides, a nil BucketID paired with non-nil {Lo,Hi} selects a range.
type BucketQuery struct {
	AssetID int64
	BucketID *int64
	Lo, Hi   *int64
	Side     *bool
	Desc     bool
}

func (q BucketQuery) where(startArg int) (string, []any) {
	clauses := []string{"asset_id = $1"}
	args := []any{q.AssetID}
	n := startArg

	if q.BucketID != nil {
		n++
		clauses = append(clauses, fmt.Sprintf("bucket_id = $%d", n))
		args = append(args, *q.BucketID)
	} else if q.Lo != nil && q.Hi != nil {
		n++
		clauses = append(clauses, fmt.Sprintf("bucket_id >= $%d", n))
		args = append(args, *q.Lo)
		n++
		clauses = append(clauses, fmt.Sprintf("bucket_id <= $%d", n))
		args = append(args, *q.Hi)
	}
	if q.Side != nil {
		n++
		clauses = append(clauses, fmt.Sprintf("side = $%d", n))
		args = append(args, *q.Side)
	}
	return strings.Join(clauses, " AND "), args
}

func (s *Store) QueryOrderBuckets(ctx context.Context, q BucketQuery) ([]types.OrderBucket, error) {
	where, args := q.where(1)
	order := "ASC"
	if q.Desc {
		order = "DESC"
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT asset_id, bucket_id, position_id, lots, side FROM order_buckets
		WHERE %s ORDER BY bucket_id %s
	`, where, order), args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query order_buckets: %v", types.ErrStoreTransient, err)
	}
	defer rows.Close()

	var out []types.OrderBucket
	for rows.Next() {
		var b types.OrderBucket
		if err := rows.Scan(&b.AssetID, &b.BucketID, &b.PositionID, &b.Lots, &b.Side); err != nil {
			return nil, fmt.Errorf("%w: scan order_buckets: %v", types.ErrStoreTransient, err)
		}
		out = append(out, b)
	}
	return out, nil
}

func (s *Store) QueryStopBuckets(ctx context.Context, q BucketQuery) ([]types.StopBucket, error) {
	where, args := q.where(1)
	order := "ASC"
	if q.Desc {
		order = "DESC"
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT asset_id, bucket_id, position_id, stop_type, lots, side FROM stop_buckets
		WHERE %s ORDER BY bucket_id %s
	`, where, order), args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query stop_buckets: %v", types.ErrStoreTransient, err)
	}
	defer rows.Close()

	var out []types.StopBucket
	for rows.Next() {
		var b types.StopBucket
		var stopType int
		if err := rows.Scan(&b.AssetID, &b.BucketID, &b.PositionID, &stopType, &b.Lots, &b.Side); err != nil {
			return nil, fmt.Errorf("%w: scan stop_buckets: %v", types.ErrStoreTransient, err)
		}
		b.StopType = types.StopType(stopType)
		out = append(out, b)
	}
	return out, nil
}

// AllExposure returns every (asset, side) aggregate row for GET /exposure.
func (s *Store) AllExposure(ctx context.Context) ([]types.ExposureAgg, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT asset_id, side, sum_lots, sum_entry_x6_lots, sum_leverage_lots, sum_liq_x6_lots, sum_liq_lots, positions_count
		FROM exposure_agg ORDER BY asset_id, side
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: list exposure: %v", types.ErrStoreTransient, err)
	}
	defer rows.Close()

	var out []types.ExposureAgg
	for rows.Next() {
		var e types.ExposureAgg
		if err := rows.Scan(&e.AssetID, &e.Side, &e.SumLots, &e.SumEntryX6Lots, &e.SumLeverageLots, &e.SumLiqX6Lots, &e.SumLiqLots, &e.PositionsCount); err != nil {
			return nil, fmt.Errorf("%w: scan exposure: %v", types.ErrStoreTransient, err)
		}
		out = append(out, e)
	}
	return out, nil
}
