package library

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tundradb/tundra/pkg/config"
	"github.com/tundradb/tundra/pkg/errors"
	"github.com/tundradb/tundra/pkg/expr"
	"github.com/tundradb/tundra/pkg/frame"
	"github.com/tundradb/tundra/pkg/query"
	"github.com/tundradb/tundra/pkg/storage"
)

func testLibrary(t *testing.T) (*Library, *storage.Memory) {
	t.Helper()
	backend := storage.NewMemory()
	cfg := config.Default()
	cfg.Write.RowSliceSize = 100
	cfg.Write.ColSliceSize = 2
	cfg.Version.RefCacheTTL = time.Nanosecond
	cfg.Version.GCGracePeriod = 0
	cfg.Read.Workers = 4
	return NewWith(backend, cfg), backend
}

func hourly(t *testing.T, start int64, n int, val func(i int) float64) *frame.Frame {
	t.Helper()
	ts := make([]int64, n)
	vs := make([]float64, n)
	for i := 0; i < n; i++ {
		ts[i] = start + int64(i)*int64(time.Hour)
		vs[i] = val(i)
	}
	fr, err := frame.New(
		frame.NewTimestamp("ts", ts),
		frame.NewFloat64("v", vs),
	)
	require.NoError(t, err)
	return fr
}

func rangeFrame(t *testing.T, start, n int) *frame.Frame {
	t.Helper()
	idx := make([]int64, n)
	xs := make([]int64, n)
	ys := make([]float64, n)
	for i := 0; i < n; i++ {
		idx[i] = int64(start + i)
		xs[i] = int64(start + i)
		ys[i] = float64(start+i) * 2
	}
	fr, err := frame.New(
		frame.NewTimestamp("ts", idx),
		frame.NewInt64("x", xs),
		frame.NewFloat64("y", ys),
	)
	require.NoError(t, err)
	return fr
}

func TestWriteReadIdentity(t *testing.T) {
	lib, _ := testLibrary(t)
	defer lib.Close()
	ctx := context.Background()

	in := rangeFrame(t, 0, 10)
	head, err := lib.Write(ctx, "sym", in, WriteOptions{})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), head.Node.VersionID)

	out, err := lib.Read(ctx, "sym", query.Query{})
	require.NoError(t, err)
	assert.True(t, in.Equal(out))
}

func TestReadKeepsRepeatedTimestampsAcrossSlices(t *testing.T) {
	backend := storage.NewMemory()
	cfg := config.Default()
	cfg.Write.RowSliceSize = 2
	cfg.Write.ColSliceSize = 2
	cfg.Version.RefCacheTTL = time.Nanosecond
	lib := NewWith(backend, cfg)
	defer lib.Close()
	ctx := context.Background()

	// Four rows of one timestamp fill two slices with identical bounds;
	// every row must survive the round trip.
	in, err := frame.New(
		frame.NewTimestamp("ts", []int64{5, 5, 5, 5}),
		frame.NewInt64("x", []int64{1, 2, 3, 4}),
	)
	require.NoError(t, err)
	_, err = lib.Write(ctx, "dup", in, WriteOptions{})
	require.NoError(t, err)

	out, err := lib.Read(ctx, "dup", query.Query{})
	require.NoError(t, err)
	require.Equal(t, 4, out.RowCount())
	x, _ := out.Column("x")
	assert.ElementsMatch(t, []int64{1, 2, 3, 4}, x.Ints)

	// Tail wraps against the recorded total, which must count both
	// identically-bounded slices.
	n := 1
	tail, err := lib.Read(ctx, "dup", query.Query{Tail: &n})
	require.NoError(t, err)
	assert.Equal(t, 1, tail.RowCount())
}

func TestAppendThreeThenDateRange(t *testing.T) {
	lib, _ := testLibrary(t)
	defer lib.Close()
	ctx := context.Background()

	for _, start := range []int{0, 100, 200} {
		_, err := lib.Append(ctx, "sym", rangeFrame(t, start, 100), WriteOptions{})
		require.NoError(t, err)
	}

	out, err := lib.Read(ctx, "sym", query.Query{
		DateRange: &query.Bounds{Start: 50, End: 249},
	})
	require.NoError(t, err)
	require.Equal(t, 200, out.RowCount())

	x, ok := out.Column("x")
	require.True(t, ok)
	for i := 0; i < out.RowCount(); i++ {
		assert.Equal(t, int64(50+i), x.Ints[i])
	}
}

func TestFilterAndProjectOverUniformData(t *testing.T) {
	lib, _ := testLibrary(t)
	defer lib.Close()
	ctx := context.Background()

	const n = 20_000
	rng := rand.New(rand.NewSource(7))
	idx := make([]int64, n)
	xs := make([]int64, n)
	for i := 0; i < n; i++ {
		idx[i] = int64(i)
		xs[i] = rng.Int63n(100)
	}
	in, err := frame.New(frame.NewTimestamp("ts", idx), frame.NewInt64("x", xs))
	require.NoError(t, err)
	_, err = lib.Write(ctx, "uniform", in, WriteOptions{})
	require.NoError(t, err)

	filter := expr.New()
	filter.Root = filter.Compare(expr.OpGt, filter.Column("x"), filter.Value(expr.IntLit(90)))

	doubled := expr.New()
	doubled.Root = doubled.Arith(expr.OpMul, doubled.Column("x"), doubled.Value(expr.IntLit(2)))

	out, err := lib.Read(ctx, "uniform", query.Query{
		Filter: filter,
		Projections: []query.Projection{
			{Column: "y", Tree: doubled},
		},
	})
	require.NoError(t, err)

	// Expect roughly 9% of rows to survive x > 90.
	assert.InDelta(t, float64(n)*0.09, float64(out.RowCount()), float64(n)*0.02)

	x, ok := out.Column("x")
	require.True(t, ok)
	y, ok := out.Column("y")
	require.True(t, ok)
	for i := 0; i < out.RowCount(); i++ {
		assert.Greater(t, x.Ints[i], int64(90))
		assert.Equal(t, x.Ints[i]*2, y.Ints[i])
	}
}

func TestResampleWeekOfHourlyData(t *testing.T) {
	lib, _ := testLibrary(t)
	defer lib.Close()
	ctx := context.Background()

	day := int64(24 * time.Hour)
	in := hourly(t, 0, 7*24, func(i int) float64 { return float64(i) })
	_, err := lib.Write(ctx, "hourly", in, WriteOptions{})
	require.NoError(t, err)

	out, err := lib.Read(ctx, "hourly", query.Query{
		Resample: &query.Resample{
			Width:  day,
			Closed: "left",
			Label:  "left",
			Aggs:   []query.Aggregation{{Output: "v", Input: "v", Kind: "sum"}},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 7, out.RowCount())

	v, ok := out.Column("v")
	require.True(t, ok)
	for d := 0; d < 7; d++ {
		want := 0.0
		for h := 0; h < 24; h++ {
			want += float64(d*24 + h)
		}
		assert.InDelta(t, want, v.Floats[d], 1e-9)
		assert.Equal(t, int64(d)*day, out.Index.Ints[d])
	}
}

func TestConcurrentAppendersBothLand(t *testing.T) {
	lib, _ := testLibrary(t)
	defer lib.Close()
	ctx := context.Background()

	_, err := lib.Append(ctx, "contended", rangeFrame(t, 0, 1), WriteOptions{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = lib.Append(ctx, "contended", rangeFrame(t, 1+i, 1), WriteOptions{})
		}(i)
	}
	wg.Wait()

	// CAS retries inside Commit let both appends land unless one hit the
	// overlap check after losing the race; at least one must succeed.
	landed := 0
	for _, e := range errs {
		if e == nil {
			landed++
		} else {
			assert.True(t,
				errors.IsType(e, errors.ErrorTypeConflict) || errors.IsType(e, errors.ErrorTypeUserInput))
		}
	}
	require.GreaterOrEqual(t, landed, 1)

	out, err := lib.Read(ctx, "contended", query.Query{})
	require.NoError(t, err)
	assert.Equal(t, 1+landed, out.RowCount())
	assert.True(t, out.IsSortedByIndex())
}

func TestCorruptSliceIsIsolated(t *testing.T) {
	lib, backend := testLibrary(t)
	defer lib.Close()
	ctx := context.Background()

	_, err := lib.Write(ctx, "fragile", rangeFrame(t, 0, 300), WriteOptions{})
	require.NoError(t, err)

	// Flip one byte in a data segment of the last row slice.
	var victim string
	require.NoError(t, backend.List(ctx, "tdata/", func(key string) bool {
		victim = key
		return true
	}))
	require.NotEmpty(t, victim)
	raw, err := backend.Get(ctx, victim)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xFF
	require.NoError(t, backend.Delete(ctx, victim))
	require.NoError(t, backend.Put(ctx, victim, raw, false))

	_, err = lib.Read(ctx, "fragile", query.Query{})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCorrupt))
}

func TestHeadAndTail(t *testing.T) {
	lib, _ := testLibrary(t)
	defer lib.Close()
	ctx := context.Background()

	_, err := lib.Write(ctx, "sym", rangeFrame(t, 0, 250), WriteOptions{})
	require.NoError(t, err)

	head, err := lib.Head(ctx, "sym", 5)
	require.NoError(t, err)
	require.Equal(t, 5, head.RowCount())
	assert.Equal(t, int64(0), head.Index.Ints[0])

	tail, err := lib.Tail(ctx, "sym", 5)
	require.NoError(t, err)
	require.Equal(t, 5, tail.RowCount())
	assert.Equal(t, int64(245), tail.Index.Ints[0])
	assert.Equal(t, int64(249), tail.Index.Ints[4])
}

func TestUpdateThroughLibrary(t *testing.T) {
	lib, _ := testLibrary(t)
	defer lib.Close()
	ctx := context.Background()

	_, err := lib.Write(ctx, "sym", rangeFrame(t, 0, 20), WriteOptions{})
	require.NoError(t, err)

	patch := rangeFrame(t, 5, 5)
	y, ok := patch.Column("y")
	require.True(t, ok)
	for i := range y.Floats {
		y.Floats[i] = -1
	}
	_, err = lib.Update(ctx, "sym", patch)
	require.NoError(t, err)

	out, err := lib.Read(ctx, "sym", query.Query{})
	require.NoError(t, err)
	require.Equal(t, 20, out.RowCount())
	got, ok := out.Column("y")
	require.True(t, ok)
	for i := 0; i < 20; i++ {
		if i >= 5 && i < 10 {
			assert.Equal(t, -1.0, got.Floats[i])
		} else {
			assert.Equal(t, float64(i)*2, got.Floats[i])
		}
	}
}

func TestListSymbolsAndDelete(t *testing.T) {
	lib, _ := testLibrary(t)
	defer lib.Close()
	ctx := context.Background()

	for _, s := range []string{"b", "a", "c"} {
		_, err := lib.Write(ctx, s, rangeFrame(t, 0, 3), WriteOptions{})
		require.NoError(t, err)
	}

	syms, err := lib.ListSymbols(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, syms)

	require.NoError(t, lib.Delete(ctx, "b"))
	syms, err = lib.ListSymbols(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, syms)

	_, err = lib.Read(ctx, "b", query.Query{})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))

	removed, err := lib.CompactSymbolJournal(ctx)
	require.NoError(t, err)
	assert.Greater(t, removed, 0)
}

func TestListVersionsNewestFirst(t *testing.T) {
	lib, _ := testLibrary(t)
	defer lib.Close()
	ctx := context.Background()

	_, err := lib.Write(ctx, "sym", rangeFrame(t, 0, 5), WriteOptions{})
	require.NoError(t, err)
	_, err = lib.Write(ctx, "sym", rangeFrame(t, 0, 6), WriteOptions{})
	require.NoError(t, err)

	infos, err := lib.ListVersions(ctx, "sym")
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, uint64(1), infos[0].VersionID)
	assert.Equal(t, uint64(0), infos[1].VersionID)
}

func TestReadSpecificVersionAfterOverwrite(t *testing.T) {
	lib, _ := testLibrary(t)
	defer lib.Close()
	ctx := context.Background()

	first := rangeFrame(t, 0, 5)
	_, err := lib.Write(ctx, "sym", first, WriteOptions{})
	require.NoError(t, err)
	_, err = lib.Write(ctx, "sym", rangeFrame(t, 100, 5), WriteOptions{Prune: true})
	require.NoError(t, err)

	v0 := uint64(0)
	out, err := lib.Read(ctx, "sym", query.Query{Version: &v0})
	require.NoError(t, err)
	assert.True(t, first.Equal(out))
}

func TestSnapshotPinsDataAcrossGC(t *testing.T) {
	lib, _ := testLibrary(t)
	defer lib.Close()
	ctx := context.Background()

	first := rangeFrame(t, 0, 8)
	_, err := lib.Write(ctx, "sym", first, WriteOptions{})
	require.NoError(t, err)

	snap, err := lib.Snapshot(ctx, "before-rewrite", "sym")
	require.NoError(t, err)
	assert.Equal(t, "before-rewrite", snap.Name)

	_, err = lib.Write(ctx, "sym", rangeFrame(t, 100, 8), WriteOptions{Prune: true})
	require.NoError(t, err)

	// Snapshot pins version 0 so GC must not reclaim it.
	res, err := lib.GC(ctx)
	require.NoError(t, err)
	require.NotNil(t, res)

	v0 := uint64(0)
	out, err := lib.Read(ctx, "sym", query.Query{Version: &v0})
	require.NoError(t, err)
	assert.True(t, first.Equal(out))

	snaps, err := lib.ListSnapshots(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 1)

	// Dropping the snapshot releases the pin; the next GC reclaims v0.
	require.NoError(t, lib.DeleteSnapshot(ctx, "before-rewrite"))
	_, err = lib.GC(ctx)
	require.NoError(t, err)

	_, err = lib.Read(ctx, "sym", query.Query{Version: &v0})
	require.Error(t, err)
}

func TestReadBatchCollectsPerSymbolErrors(t *testing.T) {
	lib, _ := testLibrary(t)
	defer lib.Close()
	ctx := context.Background()

	_, err := lib.Write(ctx, "good", rangeFrame(t, 0, 4), WriteOptions{})
	require.NoError(t, err)

	results := lib.ReadBatch(ctx, map[string]query.Query{
		"good":    {},
		"missing": {},
	})
	require.Len(t, results, 2)

	byName := map[string]BatchResult{}
	for _, r := range results {
		byName[r.Symbol] = r
	}
	require.NoError(t, byName["good"].Err)
	assert.Equal(t, 4, byName["good"].Frame.RowCount())
	require.Error(t, byName["missing"].Err)
	assert.True(t, errors.IsType(byName["missing"].Err, errors.ErrorTypeNotFound))
}
