// Package reconcile converges the projection to the authoritative on-chain
// state for a set of ids, in two modes (state-only and full), sharing the
// same statemachine entry points the live consumers use.
package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/web3guy0/perpindexer/alert"
	"github.com/web3guy0/perpindexer/metrics"
	"github.com/web3guy0/perpindexer/types"
)

// ChainReader is the subset of chain.ReadClient the reconciler needs,
// narrowed to a local interface (avoiding an import cycle back into chain
// from any future test helper) the way the teacher scopes its own
// small seam interfaces next to the code that consumes them.
type ChainReader interface {
	StateOf(ctx context.Context, id uint32) (types.PositionState, error)
	GetTrade(ctx context.Context, id uint32) (types.Trade, error)
}

// Transitioner is the state machine surface the reconciler drives; it is
// exactly storage.Store's Ingest* operations behind statemachine.Machine.
type Transitioner interface {
	ApplyOpened(ctx context.Context, ev types.Opened) error
	ApplyExecuted(ctx context.Context, ev types.Executed) error
	ApplyStopsUpdated(ctx context.Context, ev types.StopsUpdated) error
	ApplyRemoved(ctx context.Context, ev types.Removed) error
}

// StoreReader is the read/repair surface the reconciler needs directly
// (outside the state machine's transition entry points).
type StoreReader interface {
	ReadPosition(ctx context.Context, id uint32) (*types.Position, error)
	PatchState(ctx context.Context, id uint32, state types.PositionState) error
	RepairBuckets(ctx context.Context, id uint32) error
}

// Summary is the reconciler's tested contract: one counter per outcome,
// aggregated across every id in the run.
type Summary struct {
	Scanned      int
	Created      int
	Executed     int
	Stops        int
	Removed      int
	StatePatched int
	Skipped      int
	MissingDB    int
	RPCFailed    int
}

type counters struct {
	scanned, created, executed, stops, removed int64
	statePatched, skipped, missingDB, rpcFailed int64
}

func (c *counters) summary() Summary {
	return Summary{
		Scanned:      int(atomic.LoadInt64(&c.scanned)),
		Created:      int(atomic.LoadInt64(&c.created)),
		Executed:     int(atomic.LoadInt64(&c.executed)),
		Stops:        int(atomic.LoadInt64(&c.stops)),
		Removed:      int(atomic.LoadInt64(&c.removed)),
		StatePatched: int(atomic.LoadInt64(&c.statePatched)),
		Skipped:      int(atomic.LoadInt64(&c.skipped)),
		MissingDB:    int(atomic.LoadInt64(&c.missingDB)),
		RPCFailed:    int(atomic.LoadInt64(&c.rpcFailed)),
	}
}

// Reconciler owns the chain read client, the store, the state machine, and
// the two process-wide semaphores bounding concurrent chain/db work.
type Reconciler struct {
	read     ChainReader
	store    StoreReader
	machine  Transitioner
	notifier *alert.Notifier
	chainSem *semaphore.Weighted
	dbSem    *semaphore.Weighted
	dbConc   int
}

func New(read ChainReader, store StoreReader, machine Transitioner, notifier *alert.Notifier, chainSem, dbSem *semaphore.Weighted, dbConc int) *Reconciler {
	return &Reconciler{read: read, store: store, machine: machine, notifier: notifier, chainSem: chainSem, dbSem: dbSem, dbConc: dbConc}
}

func (r *Reconciler) workerLimit(n int) int {
	if r.dbConc > 0 && r.dbConc < n {
		return r.dbConc
	}
	if n == 0 {
		return 1
	}
	return n
}

// StateOnly compares stateOf(id) against the db row's state and stop
// prices, applying the minimal correction for any drift found.
func (r *Reconciler) StateOnly(ctx context.Context, ids []uint32) (Summary, error) {
	c := &counters{}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workerLimit(len(ids)))

	for _, id := range ids {
		id := id
		g.Go(func() error {
			atomic.AddInt64(&c.scanned, 1)
			r.reconcileOneStateOnly(gctx, id, c)
			return nil
		})
	}
	_ = g.Wait()
	sum := c.summary()
	r.observe("state_only", sum)
	return sum, nil
}

// Full compares getTrade(id) against the db row, correcting every drifted
// field with the minimal state-machine operation. The chain state is taken
// from the trade's own State field; stateOf is not called in this mode.
func (r *Reconciler) Full(ctx context.Context, ids []uint32) (Summary, error) {
	c := &counters{}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workerLimit(len(ids)))

	for _, id := range ids {
		id := id
		g.Go(func() error {
			atomic.AddInt64(&c.scanned, 1)
			r.reconcileOneFull(gctx, id, c)
			return nil
		})
	}
	_ = g.Wait()
	sum := c.summary()
	r.observe("full", sum)
	return sum, nil
}

// observe records one run's summary to /metrics and, when rpcFailed is
// nonzero, sends a best-effort alert; the reconciler itself never retries
// an rpc failure, it just counts and moves on.
func (r *Reconciler) observe(mode string, sum Summary) {
	metrics.ObserveReconcile(mode, metrics.ReconcileCounts{
		Created: sum.Created, Executed: sum.Executed, Stops: sum.Stops,
		Removed: sum.Removed, StatePatched: sum.StatePatched, RPCFailed: sum.RPCFailed,
	})
	if sum.RPCFailed > 0 {
		r.notifier.ReconcileFailures(mode, sum.RPCFailed)
	}
}

func (r *Reconciler) acquireChain(ctx context.Context) error {
	return r.chainSem.Acquire(ctx, 1)
}
func (r *Reconciler) releaseChain() { r.chainSem.Release(1) }

func (r *Reconciler) acquireDB(ctx context.Context) error {
	return r.dbSem.Acquire(ctx, 1)
}
func (r *Reconciler) releaseDB() { r.dbSem.Release(1) }

func (r *Reconciler) reconcileOneStateOnly(ctx context.Context, id uint32, c *counters) {
	if err := r.acquireChain(ctx); err != nil {
		atomic.AddInt64(&c.rpcFailed, 1)
		return
	}
	chainState, err := r.read.StateOf(ctx, id)
	r.releaseChain()
	if err != nil {
		atomic.AddInt64(&c.rpcFailed, 1)
		return
	}

	if err := r.acquireDB(ctx); err != nil {
		atomic.AddInt64(&c.rpcFailed, 1)
		return
	}
	pos, err := r.store.ReadPosition(ctx, id)
	r.releaseDB()
	if errIsNoRows(err) {
		atomic.AddInt64(&c.missingDB, 1)
		return
	}
	if err != nil {
		atomic.AddInt64(&c.rpcFailed, 1)
		return
	}

	r.applyTransition(ctx, id, pos, chainState, nil, c)
}

func (r *Reconciler) reconcileOneFull(ctx context.Context, id uint32, c *counters) {
	if err := r.acquireChain(ctx); err != nil {
		atomic.AddInt64(&c.rpcFailed, 1)
		return
	}
	trade, err := r.read.GetTrade(ctx, id)
	r.releaseChain()
	if err != nil {
		atomic.AddInt64(&c.rpcFailed, 1)
		return
	}
	if trade.Empty() {
		atomic.AddInt64(&c.skipped, 1)
		return
	}

	if err := r.acquireDB(ctx); err != nil {
		atomic.AddInt64(&c.rpcFailed, 1)
		return
	}
	pos, err := r.store.ReadPosition(ctx, id)
	r.releaseDB()
	if errIsNoRows(err) {
		r.createFromTrade(ctx, id, trade, c)
		return
	}
	if err != nil {
		atomic.AddInt64(&c.rpcFailed, 1)
		return
	}

	r.applyTransition(ctx, id, pos, trade.State, &trade, c)
}

// createFromTrade synthesizes an Opened event from a chain-only position and
// ingests it. exec/pnl audit fields are unavailable from stateOf/getTrade
// alone, so a position discovered only this way never backfills a
// Removed history even if it is already terminal on chain.
func (r *Reconciler) createFromTrade(ctx context.Context, id uint32, trade types.Trade, c *counters) {
	if trade.State != types.StateOrder && trade.State != types.StateOpen {
		atomic.AddInt64(&c.missingDB, 1)
		return
	}
	ev := types.Opened{
		ID:           id,
		InitialState: trade.State,
		AssetID:      trade.AssetID,
		LongSide:     trade.LongSide,
		Lots:         trade.Lots,
		LeverageX:    trade.LeverageX,
		SLX6:         trade.SLX6,
		TPX6:         trade.TPX6,
		LiqX6:        trade.LiqX6,
		Trader:       trade.Owner,
	}
	if trade.State == types.StateOpen {
		ev.EntryOrTargetX6 = trade.EntryX6
	} else {
		ev.EntryOrTargetX6 = trade.TargetX6
	}
	if err := r.machine.ApplyOpened(ctx, ev); err != nil {
		atomic.AddInt64(&c.rpcFailed, 1)
		return
	}
	atomic.AddInt64(&c.created, 1)
}

// applyTransition implements the shared state-drift table for both modes.
// trade is nil in StateOnly mode (entry/target/stop-field corrections are
// Full-only, since state-only never reads getTrade).
func (r *Reconciler) applyTransition(ctx context.Context, id uint32, pos *types.Position, chainState types.PositionState, trade *types.Trade, c *counters) {
	switch {
	case pos.State == types.StateOrder && chainState == types.StateOpen:
		entry := pos.EntryX6
		if entry == 0 {
			entry = pos.TargetX6
		}
		if trade != nil && trade.EntryX6 != 0 {
			entry = trade.EntryX6
		}
		if err := r.machine.ApplyExecuted(ctx, types.Executed{ID: id, EntryX6: entry}); err != nil {
			atomic.AddInt64(&c.rpcFailed, 1)
			return
		}
		atomic.AddInt64(&c.executed, 1)
		if pos.SLX6 != 0 || pos.TPX6 != 0 {
			if err := r.machine.ApplyStopsUpdated(ctx, types.StopsUpdated{ID: id, SLX6: pos.SLX6, TPX6: pos.TPX6}); err == nil {
				atomic.AddInt64(&c.stops, 1)
			}
		}

	case pos.State == types.StateOpen && (chainState == types.StateClosed || chainState == types.StateCancelled):
		reason := types.ReasonMarket
		if chainState == types.StateCancelled {
			reason = types.ReasonCancelled
		}
		if err := r.machine.ApplyRemoved(ctx, types.Removed{ID: id, Reason: reason}); err != nil {
			atomic.AddInt64(&c.rpcFailed, 1)
			return
		}
		atomic.AddInt64(&c.removed, 1)

	case pos.State == chainState:
		r.assertInvariants(ctx, id, pos, trade, c)

	default:
		if err := r.store.PatchState(ctx, id, chainState); err != nil {
			atomic.AddInt64(&c.rpcFailed, 1)
			return
		}
		atomic.AddInt64(&c.statePatched, 1)
	}
}

// assertInvariants repairs index rows when the states already agree, and
// in Full mode additionally corrects any drifted entry/target/stop field.
func (r *Reconciler) assertInvariants(ctx context.Context, id uint32, pos *types.Position, trade *types.Trade, c *counters) {
	if trade != nil {
		switch pos.State {
		case types.StateOpen:
			if trade.EntryX6 != 0 && trade.EntryX6 != pos.EntryX6 {
				if err := r.machine.ApplyExecuted(ctx, types.Executed{ID: id, EntryX6: trade.EntryX6}); err == nil {
					atomic.AddInt64(&c.executed, 1)
				}
			}
			if trade.SLX6 != pos.SLX6 || trade.TPX6 != pos.TPX6 {
				if err := r.machine.ApplyStopsUpdated(ctx, types.StopsUpdated{ID: id, SLX6: trade.SLX6, TPX6: trade.TPX6}); err == nil {
					atomic.AddInt64(&c.stops, 1)
				}
			}
		case types.StateOrder:
			if trade.TargetX6 != 0 && trade.TargetX6 != pos.TargetX6 {
				ev := types.Opened{
					ID: id, InitialState: types.StateOrder, AssetID: trade.AssetID,
					LongSide: trade.LongSide, Lots: trade.Lots, LeverageX: trade.LeverageX,
					EntryOrTargetX6: trade.TargetX6, SLX6: trade.SLX6, TPX6: trade.TPX6, LiqX6: trade.LiqX6,
					Trader: trade.Owner,
				}
				if err := r.machine.ApplyOpened(ctx, ev); err == nil {
					atomic.AddInt64(&c.statePatched, 1)
				}
			}
		}
	}

	if err := r.store.RepairBuckets(ctx, id); err != nil {
		atomic.AddInt64(&c.rpcFailed, 1)
	}
}

func errIsNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
