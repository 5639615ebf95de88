// Package backfill finds and closes gaps between the projection and the
// chain: missing ids strictly less than dbMax ("holes") plus any tail the
// chain has produced since the db was last caught up.
package backfill

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/perpindexer/metrics"
	"github.com/web3guy0/perpindexer/reconcile"
)

// IdLister is the store surface the controller paginates over to find holes.
type IdLister interface {
	ListIds(ctx context.Context, limit, offset int, order string) ([]int64, error)
	MaxId(ctx context.Context) (int64, error)
}

// NextIder is the chain surface used to find the authoritative upper bound.
type NextIder interface {
	NextId(ctx context.Context) (uint32, error)
}

// Full is the reconciler surface the controller dispatches chunks to.
type Full interface {
	Full(ctx context.Context, ids []uint32) (reconcile.Summary, error)
}

type Controller struct {
	store      IdLister
	chain      NextIder
	reconciler Full
	chunkSize  int
	pageSize   int
}

func New(store IdLister, chain NextIder, reconciler Full, chunkSize, pageSize int) *Controller {
	if chunkSize <= 0 {
		chunkSize = 400
	}
	if pageSize <= 0 {
		pageSize = 10000
	}
	return &Controller{store: store, chain: chain, reconciler: reconciler, chunkSize: chunkSize, pageSize: pageSize}
}

// Run executes the full backfill pass: holes in [1, dbMax] plus any tail up
// to chainMax, dispatched in chunks to the reconciler's full mode.
func (c *Controller) Run(ctx context.Context) error {
	nextId, err := c.chain.NextId(ctx)
	if err != nil {
		return fmt.Errorf("backfill: read nextId: %w", err)
	}
	chainMax := int64(nextId) - 1

	dbMax, err := c.store.MaxId(ctx)
	if err != nil {
		return fmt.Errorf("backfill: read dbMax: %w", err)
	}

	present, err := c.presentIds(ctx, dbMax)
	if err != nil {
		return fmt.Errorf("backfill: list present ids: %w", err)
	}

	ids := c.holes(dbMax, present)
	if dbMax < chainMax {
		for id := dbMax + 1; id <= chainMax; id++ {
			ids = append(ids, uint32(id))
		}
	}

	metrics.BackfillHoles.Set(float64(len(ids)))
	log.Info().Int64("chain_max", chainMax).Int64("db_max", dbMax).Int("hole_count", len(ids)).Msg("backfill scan complete")

	return c.dispatch(ctx, ids)
}

// Window reconciles a small contiguous id range [lo, hi], used by the
// lighter consumer-restart policy.
func (c *Controller) Window(ctx context.Context, lo, hi uint32) error {
	var ids []uint32
	for id := lo; ; id++ {
		ids = append(ids, id)
		if id == hi {
			break
		}
	}
	sum, err := c.reconciler.Full(ctx, ids)
	if err != nil {
		return err
	}
	if sum.RPCFailed > 0 {
		return fmt.Errorf("backfill window [%d,%d]: %d rpc failures", lo, hi, sum.RPCFailed)
	}
	return nil
}

func (c *Controller) presentIds(ctx context.Context, dbMax int64) (map[int64]bool, error) {
	present := make(map[int64]bool)
	for offset := 0; ; offset += c.pageSize {
		page, err := c.store.ListIds(ctx, c.pageSize, offset, "asc")
		if err != nil {
			return nil, err
		}
		for _, id := range page {
			present[id] = true
		}
		if len(page) < c.pageSize {
			break
		}
	}
	return present, nil
}

// holes returns ids in [1, dbMax] absent from present, id 0 excluded by
// convention.
func (c *Controller) holes(dbMax int64, present map[int64]bool) []uint32 {
	var holes []uint32
	for id := int64(1); id <= dbMax; id++ {
		if !present[id] {
			holes = append(holes, uint32(id))
		}
	}
	return holes
}

// dispatch splits ids into chunks and runs each through the reconciler's
// full mode, continuing past a failed chunk; the final error reflects
// whether any chunk failed.
func (c *Controller) dispatch(ctx context.Context, ids []uint32) error {
	anyFailed := false
	for i := 0; i < len(ids); i += c.chunkSize {
		end := i + c.chunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[i:end]

		sum, err := c.reconciler.Full(ctx, chunk)
		if err != nil {
			anyFailed = true
			log.Error().Err(err).Int("chunk_start", i).Msg("backfill chunk failed")
			continue
		}
		if sum.RPCFailed > 0 {
			anyFailed = true
			log.Warn().Int("chunk_start", i).Int("rpc_failed", sum.RPCFailed).Msg("backfill chunk had rpc failures")
		}
		log.Info().Int("chunk_start", i).Int("scanned", sum.Scanned).Int("created", sum.Created).
			Int("executed", sum.Executed).Int("removed", sum.Removed).Msg("backfill chunk complete")
	}
	if anyFailed {
		return fmt.Errorf("backfill: one or more chunks had failures")
	}
	return nil
}
