package query

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tundradb/tundra/pkg/config"
	"github.com/tundradb/tundra/pkg/errors"
	"github.com/tundradb/tundra/pkg/expr"
	"github.com/tundradb/tundra/pkg/frame"
	"github.com/tundradb/tundra/pkg/keys"
	"github.com/tundradb/tundra/pkg/storage"
	"github.com/tundradb/tundra/pkg/version"
	"github.com/tundradb/tundra/pkg/write"
)

func testStack(t *testing.T) (*Reader, *write.Writer, *storage.Memory) {
	t.Helper()
	backend := storage.NewMemory()
	vcfg := config.Default().Version
	vcfg.RefCacheTTL = time.Nanosecond
	versions := version.NewIndex(backend, vcfg, 10, nil)

	wcfg := config.Default().Write
	wcfg.RowSliceSize = 100
	w := write.NewWriter(backend, versions, wcfg, nil)

	rcfg := config.Default().Read
	rcfg.Workers = 4
	return NewReader(backend, versions, rcfg, nil), w, backend
}

func seedFrame(t *testing.T, start, n int) *frame.Frame {
	t.Helper()
	ts := make([]int64, n)
	xs := make([]int64, n)
	ys := make([]float64, n)
	for i := 0; i < n; i++ {
		ts[i] = int64(start + i)
		xs[i] = int64(start + i)
		ys[i] = float64(start+i) * 0.5
	}
	fr, err := frame.New(
		frame.NewTimestamp("ts", ts),
		frame.NewInt64("x", xs),
		frame.NewFloat64("y", ys),
	)
	require.NoError(t, err)
	return fr
}

func TestReadRoundTrip(t *testing.T) {
	r, w, _ := testStack(t)
	sym := keys.StringStream("sym")
	in := seedFrame(t, 0, 10)

	_, err := w.Write(context.Background(), sym, in, write.Options{})
	require.NoError(t, err)

	out, err := r.Read(context.Background(), Query{Symbol: sym})
	require.NoError(t, err)
	assert.True(t, in.Equal(out))
}

func TestReadDateRangeAcrossAppends(t *testing.T) {
	r, w, _ := testStack(t)
	sym := keys.StringStream("sym")

	for _, start := range []int{0, 100, 200} {
		_, err := w.Append(context.Background(), sym, seedFrame(t, start, 100), write.Options{})
		require.NoError(t, err)
	}

	out, err := r.Read(context.Background(), Query{
		Symbol:    sym,
		DateRange: &Bounds{Start: 50, End: 249},
	})
	require.NoError(t, err)
	require.Equal(t, 200, out.RowCount())
	x, _ := out.Column("x")
	assert.Equal(t, int64(50), x.Ints[0])
	assert.Equal(t, int64(249), x.Ints[199])
}

func TestDateRangePushdownSkipsDisjointSlices(t *testing.T) {
	r, w, _ := testStack(t)
	sym := keys.StringStream("sym")

	for _, start := range []int{0, 100, 200} {
		_, err := w.Append(context.Background(), sym, seedFrame(t, start, 100), write.Options{})
		require.NoError(t, err)
	}

	paths, err := r.Keys(context.Background(), Query{
		Symbol:    sym,
		DateRange: &Bounds{Start: 120, End: 180},
	})
	require.NoError(t, err)
	require.NotEmpty(t, paths)
	for _, p := range paths {
		k, err := keys.ParseAtomKey(p)
		require.NoError(t, err)
		assert.LessOrEqual(t, k.Start.Num, int64(180))
		assert.GreaterOrEqual(t, k.End.Num, int64(120))
	}
}

func TestReadFilterAndProject(t *testing.T) {
	r, w, _ := testStack(t)
	sym := keys.StringStream("sym")
	_, err := w.Write(context.Background(), sym, seedFrame(t, 0, 100), write.Options{})
	require.NoError(t, err)

	filter := expr.New()
	filter.Root = filter.Compare(expr.OpGt, filter.Column("x"), filter.Value(expr.IntLit(90)))

	proj := expr.New()
	proj.Root = proj.Arith(expr.OpMul, proj.Column("x"), proj.Value(expr.IntLit(2)))

	out, err := r.Read(context.Background(), Query{
		Symbol:      sym,
		Filter:      filter,
		Projections: []Projection{{Column: "x2", Tree: proj}},
	})
	require.NoError(t, err)
	require.Equal(t, 9, out.RowCount())

	x, _ := out.Column("x")
	x2, _ := out.Column("x2")
	for i := 0; i < out.RowCount(); i++ {
		assert.Greater(t, x.Ints[i], int64(90))
		assert.Equal(t, 2*x.Ints[i], x2.Ints[i])
	}
}

func TestReadGroupBy(t *testing.T) {
	r, w, _ := testStack(t)
	sym := keys.StringStream("trades")

	fr, err := frame.New(
		frame.NewInt64("i", []int64{0, 1, 2, 3, 4, 5}),
		frame.NewString("side", []string{"buy", "sell", "buy", "sell", "buy", "sell"}),
		frame.NewInt64("qty", []int64{1, 2, 3, 4, 5, 6}),
	)
	require.NoError(t, err)
	_, err = w.Write(context.Background(), sym, fr, write.Options{})
	require.NoError(t, err)

	out, err := r.Read(context.Background(), Query{
		Symbol: sym,
		GroupBy: &GroupBy{
			Column: "side",
			Aggs:   []Aggregation{{Output: "total", Input: "qty", Kind: "sum"}},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 2, out.RowCount())
	assert.Equal(t, []string{"buy", "sell"}, out.Index.Strs)
	total, _ := out.Column("total")
	assert.Equal(t, []int64{9, 12}, total.Ints)
}

func TestReadResampleDaily(t *testing.T) {
	r, w, _ := testStack(t)
	sym := keys.StringStream("hourly")

	const hour = int64(3600)
	n := 7 * 24
	ts := make([]int64, n)
	vs := make([]float64, n)
	for i := range ts {
		ts[i] = int64(i) * hour
		vs[i] = 1
	}
	fr, err := frame.New(frame.NewTimestamp("ts", ts), frame.NewFloat64("v", vs))
	require.NoError(t, err)
	_, err = w.Write(context.Background(), sym, fr, write.Options{})
	require.NoError(t, err)

	out, err := r.Read(context.Background(), Query{
		Symbol: sym,
		Resample: &Resample{
			Width:  24 * hour,
			Closed: "left",
			Label:  "left",
			Aggs:   []Aggregation{{Input: "v", Kind: "sum"}},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 7, out.RowCount())
	v, _ := out.Column("v")
	for i := 0; i < 7; i++ {
		assert.InDelta(t, 24.0, v.Floats[i], 1e-9)
	}
}

func TestReadHeadTail(t *testing.T) {
	r, w, _ := testStack(t)
	sym := keys.StringStream("sym")
	_, err := w.Write(context.Background(), sym, seedFrame(t, 0, 50), write.Options{})
	require.NoError(t, err)

	three := 3
	out, err := r.Read(context.Background(), Query{Symbol: sym, Head: &three})
	require.NoError(t, err)
	require.Equal(t, 3, out.RowCount())
	assert.Equal(t, int64(0), out.Index.Ints[0])

	out, err = r.Read(context.Background(), Query{Symbol: sym, Tail: &three})
	require.NoError(t, err)
	require.Equal(t, 3, out.RowCount())
	assert.Equal(t, int64(49), out.Index.Ints[2])
}

func TestReadSpecificVersion(t *testing.T) {
	r, w, _ := testStack(t)
	sym := keys.StringStream("sym")

	_, err := w.Write(context.Background(), sym, seedFrame(t, 0, 5), write.Options{})
	require.NoError(t, err)
	_, err = w.Write(context.Background(), sym, seedFrame(t, 0, 9), write.Options{})
	require.NoError(t, err)

	v0 := uint64(0)
	out, err := r.Read(context.Background(), Query{Symbol: sym, Version: &v0})
	require.NoError(t, err)
	assert.Equal(t, 5, out.RowCount())

	out, err = r.Read(context.Background(), Query{Symbol: sym})
	require.NoError(t, err)
	assert.Equal(t, 9, out.RowCount())
}

func TestReadColumnSelection(t *testing.T) {
	r, w, _ := testStack(t)
	sym := keys.StringStream("sym")
	_, err := w.Write(context.Background(), sym, seedFrame(t, 0, 10), write.Options{})
	require.NoError(t, err)

	out, err := r.Read(context.Background(), Query{Symbol: sym, Columns: []string{"y"}})
	require.NoError(t, err)
	_, hasX := out.Column("x")
	_, hasY := out.Column("y")
	assert.False(t, hasX)
	assert.True(t, hasY)
}

func TestReadUnknownColumnIsInvalidPlan(t *testing.T) {
	r, w, _ := testStack(t)
	sym := keys.StringStream("sym")
	_, err := w.Write(context.Background(), sym, seedFrame(t, 0, 10), write.Options{})
	require.NoError(t, err)

	_, err = r.Read(context.Background(), Query{Symbol: sym, Columns: []string{"nope"}})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeUserInput))
	assert.Contains(t, err.Error(), "invalid plan")
}

func TestReadImpossibleCombinations(t *testing.T) {
	r, _, _ := testStack(t)
	sym := keys.StringStream("sym")
	one := 1

	_, err := r.Read(context.Background(), Query{Symbol: sym, Head: &one, Tail: &one})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeUserInput))

	_, err = r.Read(context.Background(), Query{
		Symbol:   sym,
		GroupBy:  &GroupBy{Column: "a", Aggs: []Aggregation{{Input: "b", Kind: "sum"}}},
		Resample: &Resample{Width: 10, Aggs: []Aggregation{{Input: "b", Kind: "sum"}}},
	})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeUserInput))
}

func TestReadUnknownSymbol(t *testing.T) {
	r, _, _ := testStack(t)
	_, err := r.Read(context.Background(), Query{Symbol: keys.StringStream("ghost")})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestReadCorruptSliceFailsOnlyThatSlice(t *testing.T) {
	r, w, backend := testStack(t)
	sym := keys.StringStream("sym")

	for _, start := range []int{0, 100} {
		_, err := w.Append(context.Background(), sym, seedFrame(t, start, 100), write.Options{})
		require.NoError(t, err)
	}

	// Corrupt one body byte of every tdata key in the second slice's range.
	ctx := context.Background()
	var corrupted string
	err := backend.List(ctx, keys.TypePrefix(keys.TableData), func(path string) bool {
		k, err := keys.ParseAtomKey(path)
		if err == nil && k.Start.Num >= 100 && strings.HasPrefix(path, "tdata/") {
			data, err := backend.Get(ctx, path)
			if err == nil && len(data) > 40 {
				data[len(data)-1] ^= 0xFF
				_ = backend.Delete(ctx, path)
				_ = backend.Put(ctx, path, data, false)
				corrupted = path
				return false
			}
		}
		return true
	})
	require.NoError(t, err)
	require.NotEmpty(t, corrupted)

	// The corrupt slice fails the read that touches it.
	_, err = r.Read(context.Background(), Query{Symbol: sym})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCorrupt))

	// A date-restricted read that avoids the corrupt slice still works.
	out, err := r.Read(context.Background(), Query{
		Symbol:    sym,
		DateRange: &Bounds{Start: 0, End: 99},
	})
	require.NoError(t, err)
	assert.Equal(t, 100, out.RowCount())
}

func TestReadEmptyResultKeepsSchema(t *testing.T) {
	r, w, _ := testStack(t)
	sym := keys.StringStream("sym")
	_, err := w.Write(context.Background(), sym, seedFrame(t, 0, 10), write.Options{})
	require.NoError(t, err)

	filter := expr.New()
	filter.Root = filter.Compare(expr.OpGt, filter.Column("x"), filter.Value(expr.IntLit(1000)))

	out, err := r.Read(context.Background(), Query{Symbol: sym, Filter: filter})
	require.NoError(t, err)
	assert.Equal(t, 0, out.RowCount())
	_, hasX := out.Column("x")
	assert.True(t, hasX)
}
