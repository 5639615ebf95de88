package reconcile

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"

	"github.com/web3guy0/perpindexer/types"
)

type fakeChain struct {
	states map[uint32]types.PositionState
	trades map[uint32]types.Trade
}

func (f *fakeChain) StateOf(_ context.Context, id uint32) (types.PositionState, error) {
	return f.states[id], nil
}

func (f *fakeChain) GetTrade(_ context.Context, id uint32) (types.Trade, error) {
	return f.trades[id], nil
}

type fakeStore struct {
	mu        sync.Mutex
	positions map[uint32]*types.Position
	repaired  map[uint32]int
	patched   map[uint32]types.PositionState
}

func newFakeStore() *fakeStore {
	return &fakeStore{positions: map[uint32]*types.Position{}, repaired: map[uint32]int{}, patched: map[uint32]types.PositionState{}}
}

func (f *fakeStore) ReadPosition(_ context.Context, id uint32) (*types.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.positions[id]
	if !ok {
		return nil, fmt.Errorf("position %d: %w", id, sql.ErrNoRows)
	}
	cp := *p
	return &cp, nil
}

func (f *fakeStore) PatchState(_ context.Context, id uint32, state types.PositionState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positions[id].State = state
	f.patched[id] = state
	return nil
}

func (f *fakeStore) RepairBuckets(_ context.Context, id uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.repaired[id]++
	return nil
}

type fakeMachine struct {
	store *fakeStore
}

func (m *fakeMachine) ApplyOpened(_ context.Context, ev types.Opened) error {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	m.store.positions[ev.ID] = &types.Position{
		ID: int64(ev.ID), State: ev.InitialState, AssetID: int64(ev.AssetID),
		LongSide: ev.LongSide, Lots: ev.Lots, LeverageX: ev.LeverageX,
		SLX6: ev.SLX6, TPX6: ev.TPX6, LiqX6: ev.LiqX6,
	}
	if ev.InitialState == types.StateOpen {
		m.store.positions[ev.ID].EntryX6 = ev.EntryOrTargetX6
	} else {
		m.store.positions[ev.ID].TargetX6 = ev.EntryOrTargetX6
	}
	return nil
}

func (m *fakeMachine) ApplyExecuted(_ context.Context, ev types.Executed) error {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	p := m.store.positions[ev.ID]
	p.State = types.StateOpen
	p.EntryX6 = ev.EntryX6
	p.TargetX6 = 0
	return nil
}

func (m *fakeMachine) ApplyStopsUpdated(_ context.Context, ev types.StopsUpdated) error {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	p := m.store.positions[ev.ID]
	p.SLX6, p.TPX6 = ev.SLX6, ev.TPX6
	return nil
}

func (m *fakeMachine) ApplyRemoved(_ context.Context, ev types.Removed) error {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	p := m.store.positions[ev.ID]
	if ev.Reason == types.ReasonCancelled {
		p.State = types.StateCancelled
	} else {
		p.State = types.StateClosed
	}
	return nil
}

func newTestReconciler(fc *fakeChain, fs *fakeStore) *Reconciler {
	return New(fc, fs, &fakeMachine{store: fs}, nil, semaphore.NewWeighted(10), semaphore.NewWeighted(10), 10)
}

// S3: DB=ORDER, chain=OPEN -> inject Executed.
func TestStateOnly_OrderToOpen(t *testing.T) {
	fs := newFakeStore()
	fs.positions[42] = &types.Position{ID: 42, State: types.StateOrder, TargetX6: 108_910_010_000}
	fc := &fakeChain{states: map[uint32]types.PositionState{42: types.StateOpen}}

	sum, err := newTestReconciler(fc, fs).StateOnly(context.Background(), []uint32{42})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Scanned)
	assert.Equal(t, 1, sum.Executed)
	assert.Equal(t, types.StateOpen, fs.positions[42].State)
	assert.Equal(t, int64(108_910_010_000), fs.positions[42].EntryX6)
}

// DB=OPEN, chain=CANCELLED(3) -> inject Removed(reason=CANCELLED).
func TestStateOnly_OpenToCancelled(t *testing.T) {
	fs := newFakeStore()
	fs.positions[7] = &types.Position{ID: 7, State: types.StateOpen}
	fc := &fakeChain{states: map[uint32]types.PositionState{7: types.StateCancelled}}

	sum, err := newTestReconciler(fc, fs).StateOnly(context.Background(), []uint32{7})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Removed)
	assert.Equal(t, types.StateCancelled, fs.positions[7].State)
}

// DB=OPEN, chain=CLOSED(2) -> inject Removed(reason=MARKET).
func TestStateOnly_OpenToClosed(t *testing.T) {
	fs := newFakeStore()
	fs.positions[8] = &types.Position{ID: 8, State: types.StateOpen}
	fc := &fakeChain{states: map[uint32]types.PositionState{8: types.StateClosed}}

	sum, err := newTestReconciler(fc, fs).StateOnly(context.Background(), []uint32{8})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Removed)
	assert.Equal(t, types.StateClosed, fs.positions[8].State)
}

// Equal states -> bucket invariants repaired, no state-changing op fired.
func TestStateOnly_EqualStatesRepairsBuckets(t *testing.T) {
	fs := newFakeStore()
	fs.positions[9] = &types.Position{ID: 9, State: types.StateOpen}
	fc := &fakeChain{states: map[uint32]types.PositionState{9: types.StateOpen}}

	sum, err := newTestReconciler(fc, fs).StateOnly(context.Background(), []uint32{9})
	require.NoError(t, err)
	assert.Zero(t, sum.Executed)
	assert.Zero(t, sum.Removed)
	assert.Equal(t, 1, fs.repaired[9])
}

// Any other state mismatch patches state directly.
func TestStateOnly_OtherMismatchPatchesState(t *testing.T) {
	fs := newFakeStore()
	fs.positions[10] = &types.Position{ID: 10, State: types.StateClosed}
	fc := &fakeChain{states: map[uint32]types.PositionState{10: types.StateOpen}}

	sum, err := newTestReconciler(fc, fs).StateOnly(context.Background(), []uint32{10})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.StatePatched)
	assert.Equal(t, types.StateOpen, fs.positions[10].State)
}

// id missing from the db is counted, not errored.
func TestStateOnly_MissingDB(t *testing.T) {
	fs := newFakeStore()
	fc := &fakeChain{states: map[uint32]types.PositionState{11: types.StateOpen}}

	sum, err := newTestReconciler(fc, fs).StateOnly(context.Background(), []uint32{11})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.MissingDB)
}

// A second full pass over a converged id set reports zero corrections.
func TestFull_ConvergesToFixedPoint(t *testing.T) {
	fs := newFakeStore()
	fc := &fakeChain{trades: map[uint32]types.Trade{
		5: {Owner: "0xabc", State: types.StateOpen, AssetID: 0, Lots: 2, LeverageX: 5, EntryX6: 100_000_000},
	}}

	rec := newTestReconciler(fc, fs)
	first, err := rec.Full(context.Background(), []uint32{5})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Created)

	second, err := rec.Full(context.Background(), []uint32{5})
	require.NoError(t, err)
	assert.Zero(t, second.Created)
	assert.Zero(t, second.Executed)
	assert.Zero(t, second.Removed)
	assert.Zero(t, second.StatePatched)
}

// An empty trade (zero owner) is skipped, not treated as a mismatch.
func TestFull_EmptyTradeSkipped(t *testing.T) {
	fs := newFakeStore()
	fc := &fakeChain{trades: map[uint32]types.Trade{6: {}}}

	sum, err := newTestReconciler(fc, fs).Full(context.Background(), []uint32{6})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Skipped)
}
