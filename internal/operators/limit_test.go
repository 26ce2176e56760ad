package operators

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarungka/blockstream/internal/block"
	"github.com/tarungka/blockstream/internal/execution"
)

// stubUpstream only provides an output estimate.
type stubUpstream struct {
	total int64
	known bool
}

func (s *stubUpstream) Name() string { return "stubUpstream" }
func (s *stubUpstream) AddInput(*execution.RefBundle, int) error { return errors.New("no input") }
func (s *stubUpstream) InputDone() {}
func (s *stubUpstream) HasNext() bool { return false }
func (s *stubUpstream) GetNext() (*execution.RefBundle, error) { return nil, errors.New("empty") }
func (s *stubUpstream) NumOutputsTotal() (int64, bool) { return s.total, s.known }
func (s *stubUpstream) Stats() map[string][]block.Metadata { return nil }
func (s *stubUpstream) Completed() bool { return true }

func intBlock(start, n int) *block.Block {
	col := make([]any, n)
	for i := range col {
		col[i] = int64(start + i)
	}
	return block.MustNew(block.Schema{"id"}, [][]any{col})
}

// bundleOf registers one block per row count and wraps them in a bundle.
func bundleOf(store *block.Store, owns bool, rowCounts ...int) *execution.RefBundle {
	refs := make([]execution.BlockRef, 0, len(rowCounts))
	start := 0
	for _, n := range rowCounts {
		b := intBlock(start, n)
		refs = append(refs, execution.BlockRef{Handle: store.Put(b), Meta: b.Meta()})
		start += n
	}
	return execution.NewRefBundle(refs, owns)
}

func drainRows(t *testing.T, store *block.Store, op execution.PhysicalOperator) int {
	t.Helper()
	total := 0
	for op.HasNext() {
		bundle, err := op.GetNext()
		require.NoError(t, err)
		for _, ref := range bundle.Blocks {
			b, err := store.Get(ref.Handle)
			require.NoError(t, err)
			// Forwarded metadata must match the actual block.
			assert.Equal(t, b.NumRows(), ref.Meta.NumRows)
			total += b.NumRows()
		}
	}
	return total
}

func TestLimitRowExactness(t *testing.T) {
	tcs := []struct {
		name    string
		limit   int64
		bundles [][]int // row counts per input bundle
		want    int
	}{
		{name: "zero limit", limit: 0, bundles: [][]int{{3}, {3}}, want: 0},
		{name: "limit above total", limit: 100, bundles: [][]int{{3}, {4}, {5}}, want: 12},
		{name: "limit at block boundary", limit: 6, bundles: [][]int{{3}, {3}, {3}}, want: 6},
		{name: "boundary block sliced", limit: 7, bundles: [][]int{{3}, {3}, {3}}, want: 7},
		{name: "slice within multi-block bundle", limit: 5, bundles: [][]int{{2, 4, 8}}, want: 5},
		{name: "single row", limit: 1, bundles: [][]int{{10}}, want: 1},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			store := block.NewStore()
			lim := NewLimit(&stubUpstream{}, store, tc.limit)
			for _, rows := range tc.bundles {
				require.NoError(t, lim.AddInput(bundleOf(store, true, rows...), 0))
			}
			assert.Equal(t, tc.want, drainRows(t, store, lim))
		})
	}
}

// limit=7 over three 3-row blocks: forward 3, forward 3, slice to 1.
func TestLimitBoundaryScenario(t *testing.T) {
	store := block.NewStore()
	lim := NewLimit(&stubUpstream{}, store, 7)

	var rowsOut []int
	for i := 0; i < 3; i++ {
		require.NoError(t, lim.AddInput(bundleOf(store, true, 3), 0))
		bundle, err := lim.GetNext()
		require.NoError(t, err)
		for _, ref := range bundle.Blocks {
			rowsOut = append(rowsOut, ref.Meta.NumRows)
		}
	}
	assert.Equal(t, []int{3, 3, 1}, rowsOut)
	assert.False(t, lim.HasNext())

	// Further input is a no-op, not an error.
	require.NoError(t, lim.AddInput(bundleOf(store, true, 3), 0))
	assert.False(t, lim.HasNext())
	assert.True(t, lim.Completed())
}

func TestLimitSingleSliceAcrossRun(t *testing.T) {
	store := block.NewStore()
	lim := NewLimit(&stubUpstream{}, store, 10)

	passthrough := map[block.Handle]bool{}
	var inputs []*execution.RefBundle
	for i := 0; i < 4; i++ {
		in := bundleOf(store, true, 4)
		passthrough[in.Blocks[0].Handle] = true
		inputs = append(inputs, in)
	}
	for _, in := range inputs {
		require.NoError(t, lim.AddInput(in, 0))
	}

	sliced := 0
	for lim.HasNext() {
		bundle, err := lim.GetNext()
		require.NoError(t, err)
		for _, ref := range bundle.Blocks {
			if !passthrough[ref.Handle] {
				sliced++
				assert.Equal(t, 2, ref.Meta.NumRows)
			}
		}
	}
	assert.Equal(t, 1, sliced, "at most one forwarded block may be a sliced copy")
}

func TestLimitSliceIsACopy(t *testing.T) {
	store := block.NewStore()
	lim := NewLimit(&stubUpstream{}, store, 2)

	in := bundleOf(store, true, 5)
	original := in.Blocks[0].Handle
	require.NoError(t, lim.AddInput(in, 0))

	bundle, err := lim.GetNext()
	require.NoError(t, err)
	require.Len(t, bundle.Blocks, 1)
	assert.NotEqual(t, original, bundle.Blocks[0].Handle)

	got, err := store.Get(bundle.Blocks[0].Handle)
	require.NoError(t, err)
	assert.Equal(t, 2, got.NumRows())
	assert.Equal(t, got.SizeBytes(), bundle.Blocks[0].Meta.SizeBytes)
}

func TestLimitDropsBlocksAfterBoundary(t *testing.T) {
	store := block.NewStore()
	lim := NewLimit(&stubUpstream{}, store, 3)

	// Second block straddles the limit; the third must be dropped.
	require.NoError(t, lim.AddInput(bundleOf(store, true, 2, 4, 8), 0))
	bundle, err := lim.GetNext()
	require.NoError(t, err)
	require.Len(t, bundle.Blocks, 2)
	assert.Equal(t, 2, bundle.Blocks[0].Meta.NumRows)
	assert.Equal(t, 1, bundle.Blocks[1].Meta.NumRows)
}

func TestLimitInheritsOwnership(t *testing.T) {
	store := block.NewStore()
	lim := NewLimit(&stubUpstream{}, store, 10)

	require.NoError(t, lim.AddInput(bundleOf(store, false, 2), 0))
	bundle, err := lim.GetNext()
	require.NoError(t, err)
	assert.False(t, bundle.OwnsBlocks)

	require.NoError(t, lim.AddInput(bundleOf(store, true, 2), 0))
	bundle, err = lim.GetNext()
	require.NoError(t, err)
	assert.True(t, bundle.OwnsBlocks)
}

func TestLimitMissingRowCountFatal(t *testing.T) {
	store := block.NewStore()
	lim := NewLimit(&stubUpstream{}, store, 10)

	in := bundleOf(store, true, 2)
	in.Blocks[0].Meta.NumRows = block.RowCountUnknown
	err := lim.AddInput(in, 0)
	assert.ErrorIs(t, err, ErrMissingRowCount)
}

func TestLimitNumOutputsTotal(t *testing.T) {
	store := block.NewStore()

	lim := NewLimit(&stubUpstream{total: 5, known: true}, store, 8)
	n, ok := lim.NumOutputsTotal()
	require.True(t, ok)
	assert.Equal(t, int64(5), n, "upstream estimate below the limit wins")

	lim = NewLimit(&stubUpstream{total: 20, known: true}, store, 8)
	n, ok = lim.NumOutputsTotal()
	require.True(t, ok)
	assert.Equal(t, int64(8), n)

	lim = NewLimit(&stubUpstream{}, store, 8)
	_, ok = lim.NumOutputsTotal()
	assert.False(t, ok, "unknown upstream estimate stays unknown")

	// Exact once the cap is hit.
	require.NoError(t, lim.AddInput(bundleOf(store, true, 9), 0))
	n, ok = lim.NumOutputsTotal()
	require.True(t, ok)
	assert.Equal(t, int64(8), n)
}

func TestLimitStats(t *testing.T) {
	store := block.NewStore()
	lim := NewLimit(&stubUpstream{}, store, 5)
	require.NoError(t, lim.AddInput(bundleOf(store, true, 3), 0))
	require.NoError(t, lim.AddInput(bundleOf(store, true, 4), 0))

	stats := lim.Stats()
	metas := stats[lim.Name()]
	require.Len(t, metas, 2)
	assert.Equal(t, 3, metas[0].NumRows)
	assert.Equal(t, 2, metas[1].NumRows)
}
