package backfill

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/perpindexer/reconcile"
)

type fakeStore struct {
	ids  []int64
	max  int64
}

func (f *fakeStore) ListIds(_ context.Context, limit, offset int, _ string) ([]int64, error) {
	if offset >= len(f.ids) {
		return nil, nil
	}
	end := offset + limit
	if end > len(f.ids) {
		end = len(f.ids)
	}
	return f.ids[offset:end], nil
}

func (f *fakeStore) MaxId(_ context.Context) (int64, error) { return f.max, nil }

type fakeChain struct{ next uint32 }

func (f *fakeChain) NextId(_ context.Context) (uint32, error) { return f.next, nil }

type fakeReconciler struct {
	calls [][]uint32
}

func (r *fakeReconciler) Full(_ context.Context, ids []uint32) (reconcile.Summary, error) {
	r.calls = append(r.calls, append([]uint32{}, ids...))
	return reconcile.Summary{Scanned: len(ids)}, nil
}

// db has ids {1,3} present up to max=3, chain is ahead at nextId=6 (chainMax=5).
// holes = {2}; tail = {4,5}.
func TestRun_HolesAndTail(t *testing.T) {
	store := &fakeStore{ids: []int64{1, 3}, max: 3}
	chain := &fakeChain{next: 6}
	rec := &fakeReconciler{}

	c := New(store, chain, rec, 400, 10000)
	err := c.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, rec.calls, 1)
	assert.ElementsMatch(t, []uint32{2, 4, 5}, rec.calls[0])
}

// db is fully caught up and ahead of nothing: no holes, no tail.
func TestRun_NoGaps(t *testing.T) {
	store := &fakeStore{ids: []int64{1, 2, 3}, max: 3}
	chain := &fakeChain{next: 4}
	rec := &fakeReconciler{}

	c := New(store, chain, rec, 400, 10000)
	err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rec.calls)
}

// ids are split into chunks no larger than the configured chunk size.
func TestRun_Chunking(t *testing.T) {
	store := &fakeStore{ids: nil, max: 0}
	chain := &fakeChain{next: 11} // chainMax = 10, dbMax = 0 -> tail [1..10]
	rec := &fakeReconciler{}

	c := New(store, chain, rec, 4, 10000)
	err := c.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, rec.calls, 3)
	assert.Len(t, rec.calls[0], 4)
	assert.Len(t, rec.calls[1], 4)
	assert.Len(t, rec.calls[2], 2)
}

func TestWindow(t *testing.T) {
	rec := &fakeReconciler{}
	c := New(&fakeStore{}, &fakeChain{}, rec, 400, 10000)

	err := c.Window(context.Background(), 33, 42)
	require.NoError(t, err)
	require.Len(t, rec.calls, 1)
	assert.Len(t, rec.calls[0], 10)
	assert.Equal(t, uint32(33), rec.calls[0][0])
	assert.Equal(t, uint32(42), rec.calls[0][9])
}
