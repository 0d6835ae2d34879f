package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tundradb/tundra/pkg/arena"
	"github.com/tundradb/tundra/pkg/config"
	"github.com/tundradb/tundra/pkg/errors"
	"github.com/tundradb/tundra/pkg/expr"
	"github.com/tundradb/tundra/pkg/frame"
)

func testFrame(t *testing.T, start, n int) *frame.Frame {
	t.Helper()
	idx := make([]int64, n)
	xs := make([]int64, n)
	ys := make([]float64, n)
	for i := 0; i < n; i++ {
		idx[i] = int64(start + i)
		xs[i] = int64(start + i)
		ys[i] = float64(start+i) * 0.5
	}
	fr, err := frame.New(
		frame.NewTimestamp("ts", idx),
		frame.NewInt64("x", xs),
		frame.NewFloat64("y", ys),
	)
	require.NoError(t, err)
	return fr
}

func configure(t *testing.T, c Clause, mgr *arena.Manager, cfg ProcessingConfig) {
	t.Helper()
	require.NoError(t, c.SetProcessingConfig(cfg))
	require.NoError(t, c.SetComponentManager(mgr))
}

func singleGroup(mgr *arena.Manager, frames ...*frame.Frame) Group {
	g := make(Group, 0, len(frames))
	for _, fr := range frames {
		g = append(g, Unit{Frame: mgr.Insert(fr)})
	}
	return g
}

func frameOf(t *testing.T, mgr *arena.Manager, u Unit) *frame.Frame {
	t.Helper()
	fr, err := arena.GetAs[*frame.Frame](mgr, u.Frame)
	require.NoError(t, err)
	return fr
}

func TestClauseLifecycleMisuse(t *testing.T) {
	mgr := arena.NewManager()
	p := NewPassthrough()

	// Process before configuration is misuse.
	_, err := p.Process(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeClauseMisuse))

	// Config alone is not enough; the manager must arrive too.
	require.NoError(t, p.SetProcessingConfig(ProcessingConfig{}))
	_, err = p.StructureForProcessing(nil)
	assert.True(t, errors.IsType(err, errors.ErrorTypeClauseMisuse))

	require.NoError(t, p.SetComponentManager(mgr))
	_, err = p.StructureForProcessing(nil)
	require.NoError(t, err)

	// Reconfiguring after execution starts is misuse.
	g := singleGroup(mgr, testFrame(t, 0, 4))
	_, err = p.Process(context.Background(), g)
	require.NoError(t, err)
	err = p.SetProcessingConfig(ProcessingConfig{})
	assert.True(t, errors.IsType(err, errors.ErrorTypeClauseMisuse))

	// Process after drain is misuse.
	require.NoError(t, p.Drain())
	_, err = p.Process(context.Background(), g)
	assert.True(t, errors.IsType(err, errors.ErrorTypeClauseMisuse))
	err = p.Drain()
	assert.True(t, errors.IsType(err, errors.ErrorTypeClauseMisuse))
}

func TestPassthroughKeepsUnits(t *testing.T) {
	mgr := arena.NewManager()
	p := NewPassthrough()
	configure(t, p, mgr, ProcessingConfig{})

	g := singleGroup(mgr, testFrame(t, 0, 10))
	out, err := p.Process(context.Background(), g)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, g[0].Frame, out[0].Frame)
}

func TestFilterDropsRows(t *testing.T) {
	mgr := arena.NewManager()
	tree := expr.New()
	x := tree.Column("x")
	five := tree.Value(expr.IntLit(5))
	tree.Root = tree.Compare(expr.OpGt, x, five)

	f, err := NewFilter(tree)
	require.NoError(t, err)
	configure(t, f, mgr, ProcessingConfig{})

	g := singleGroup(mgr, testFrame(t, 0, 10))
	out, err := f.Process(context.Background(), g)
	require.NoError(t, err)
	require.Len(t, out, 1)

	fr := frameOf(t, mgr, out[0])
	assert.Equal(t, 4, fr.RowCount())
	col, ok := fr.Column("x")
	require.True(t, ok)
	assert.Equal(t, []int64{6, 7, 8, 9}, col.Ints)
}

func TestFilterFullPassKeepsUnit(t *testing.T) {
	mgr := arena.NewManager()
	tree := expr.New()
	tree.Root = tree.Compare(expr.OpGe, tree.Column("x"), tree.Value(expr.IntLit(0)))

	f, err := NewFilter(tree)
	require.NoError(t, err)
	configure(t, f, mgr, ProcessingConfig{})

	g := singleGroup(mgr, testFrame(t, 0, 10))
	out, err := f.Process(context.Background(), g)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, g[0].Frame, out[0].Frame)
}

func TestProjectAppendsColumn(t *testing.T) {
	mgr := arena.NewManager()
	tree := expr.New()
	tree.Root = tree.Arith(expr.OpMul, tree.Column("x"), tree.Value(expr.IntLit(2)))

	p, err := NewProject("doubled", tree)
	require.NoError(t, err)
	configure(t, p, mgr, ProcessingConfig{})

	g := singleGroup(mgr, testFrame(t, 0, 5))
	out, err := p.Process(context.Background(), g)
	require.NoError(t, err)

	fr := frameOf(t, mgr, out[0])
	col, ok := fr.Column("doubled")
	require.True(t, ok)
	assert.Equal(t, []int64{0, 2, 4, 6, 8}, col.Ints)
}

func TestRowRangeBounds(t *testing.T) {
	cases := []struct {
		name       string
		clause     *RowRange
		total      int
		start, end int
	}{
		{"span", NewRowRange(2, 5), 10, 2, 5},
		{"negative start", NewRowRange(-3, 10), 10, 7, 10},
		{"negative end", NewRowRange(0, -2), 10, 0, 8},
		{"head", NewHead(3), 10, 0, 3},
		{"head negative", NewHead(-2), 10, 0, 8},
		{"tail", NewTail(3), 10, 7, 10},
		{"tail negative", NewTail(-2), 10, 2, 10},
		{"clamped", NewRowRange(5, 100), 10, 5, 10},
		{"empty", NewRowRange(7, 3), 10, 7, 7},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			start, end := tc.clause.Bounds(tc.total)
			assert.Equal(t, tc.start, start)
			assert.Equal(t, tc.end, end)
		})
	}
}

func TestRowRangeSlicesAcrossUnits(t *testing.T) {
	mgr := arena.NewManager()
	r := NewRowRange(3, 17)
	configure(t, r, mgr, ProcessingConfig{TotalRows: 20})

	g := singleGroup(mgr, testFrame(t, 0, 10), testFrame(t, 10, 10))
	out, err := r.Process(context.Background(), g)
	require.NoError(t, err)
	require.Len(t, out, 2)

	first := frameOf(t, mgr, out[0])
	second := frameOf(t, mgr, out[1])
	assert.Equal(t, 7, first.RowCount())
	assert.Equal(t, 7, second.RowCount())
	assert.Equal(t, int64(3), first.Index.Ints[0])
	assert.Equal(t, int64(16), second.Index.Ints[second.RowCount()-1])
}

func TestDateRangeFiltersInclusive(t *testing.T) {
	mgr := arena.NewManager()
	d, err := NewDateRange(3, 6)
	require.NoError(t, err)
	configure(t, d, mgr, ProcessingConfig{})

	g := singleGroup(mgr, testFrame(t, 0, 10))
	out, err := d.Process(context.Background(), g)
	require.NoError(t, err)
	require.Len(t, out, 1)

	fr := frameOf(t, mgr, out[0])
	assert.Equal(t, []int64{3, 4, 5, 6}, fr.Index.Ints)
}

func TestDateRangeOverlaps(t *testing.T) {
	d, err := NewDateRange(100, 200)
	require.NoError(t, err)
	assert.True(t, d.Overlaps(150, 300))
	assert.True(t, d.Overlaps(0, 100))
	assert.True(t, d.Overlaps(200, 250))
	assert.False(t, d.Overlaps(0, 99))
	assert.False(t, d.Overlaps(201, 300))
}

func TestPartitionBucketsByValue(t *testing.T) {
	mgr := arena.NewManager()
	p, err := NewPartition("x")
	require.NoError(t, err)
	configure(t, p, mgr, ProcessingConfig{})

	fr, err := frame.New(
		frame.NewInt64("i", []int64{0, 1, 2, 3}),
		frame.NewInt64("x", []int64{7, 7, 8, 7}),
	)
	require.NoError(t, err)

	out, err := p.Process(context.Background(), singleGroup(mgr, fr))
	require.NoError(t, err)

	// Equal values always land in the same bucket.
	total := 0
	for _, u := range out {
		b := frameOf(t, mgr, u)
		col, _ := b.Column("x")
		for i := 1; i < col.Len(); i++ {
			assert.Equal(t, col.Ints[0], col.Ints[i])
		}
		total += b.RowCount()
	}
	assert.Equal(t, 4, total)
}

func TestAggregationGroupBy(t *testing.T) {
	mgr := arena.NewManager()
	a, err := NewAggregation("sym", []NamedAgg{
		{Output: "total", Input: "v", Kind: AggSum},
		{Output: "n", Input: "v", Kind: AggCount},
		{Output: "avg", Input: "v", Kind: AggMean},
	})
	require.NoError(t, err)
	configure(t, a, mgr, ProcessingConfig{})

	fr, err := frame.New(
		frame.NewInt64("i", []int64{0, 1, 2, 3, 4}),
		frame.NewString("sym", []string{"b", "a", "b", "a", "b"}),
		frame.NewInt64("v", []int64{1, 10, 2, 20, 3}),
	)
	require.NoError(t, err)

	out, err := a.Process(context.Background(), singleGroup(mgr, fr))
	require.NoError(t, err)
	require.Len(t, out, 1)

	res := frameOf(t, mgr, out[0])
	assert.Equal(t, []string{"a", "b"}, res.Index.Strs)
	total, _ := res.Column("total")
	assert.Equal(t, []int64{30, 6}, total.Ints)
	n, _ := res.Column("n")
	assert.Equal(t, []int64{2, 3}, n.Ints)
	avg, _ := res.Column("avg")
	assert.InDelta(t, 15.0, avg.Floats[0], 1e-9)
	assert.InDelta(t, 2.0, avg.Floats[1], 1e-9)
}

func TestAggregationDropsNullKeys(t *testing.T) {
	mgr := arena.NewManager()
	a, err := NewAggregation("sym", []NamedAgg{{Output: "n", Input: "v", Kind: AggCount}})
	require.NoError(t, err)
	configure(t, a, mgr, ProcessingConfig{})

	key := frame.NewString("sym", []string{"a", "a", "b"})
	key.SetNull(2)
	fr, err := frame.New(
		frame.NewInt64("i", []int64{0, 1, 2}),
		key,
		frame.NewInt64("v", []int64{1, 2, 3}),
	)
	require.NoError(t, err)

	out, err := a.Process(context.Background(), singleGroup(mgr, fr))
	require.NoError(t, err)
	res := frameOf(t, mgr, out[0])
	assert.Equal(t, 1, res.RowCount())
	assert.Equal(t, "a", res.Index.Strs[0])
}

func TestAggregationNullPolicy(t *testing.T) {
	mgr := arena.NewManager()
	a, err := NewAggregation("g", []NamedAgg{
		{Output: "n", Input: "v", Kind: AggCount},
		{Output: "s", Input: "v", Kind: AggSum},
		{Output: "lo", Input: "v", Kind: AggMin},
	})
	require.NoError(t, err)
	configure(t, a, mgr, ProcessingConfig{})

	v := frame.NewInt64("v", []int64{5, 0, 9})
	v.SetNull(1)
	fr, err := frame.New(
		frame.NewInt64("i", []int64{0, 1, 2}),
		frame.NewInt64("g", []int64{1, 1, 1}),
		v,
	)
	require.NoError(t, err)

	out, err := a.Process(context.Background(), singleGroup(mgr, fr))
	require.NoError(t, err)
	res := frameOf(t, mgr, out[0])

	n, _ := res.Column("n")
	assert.Equal(t, int64(2), n.Ints[0])
	s, _ := res.Column("s")
	assert.Equal(t, int64(14), s.Ints[0])
	lo, _ := res.Column("lo")
	assert.Equal(t, int64(5), lo.Ints[0])
}

func TestResampleDailySums(t *testing.T) {
	mgr := arena.NewManager()

	const hour = int64(3600)
	const day = 24 * hour
	n := 7 * 24
	ts := make([]int64, n)
	vs := make([]int64, n)
	for i := range ts {
		ts[i] = int64(i) * hour
		vs[i] = int64(i)
	}
	fr, err := frame.New(frame.NewTimestamp("ts", ts), frame.NewInt64("v", vs))
	require.NoError(t, err)

	r, err := NewResample(
		ResampleSpec{Width: day, Closed: BoundaryLeft, Label: BoundaryLeft},
		[]NamedAgg{{Output: "v", Input: "v", Kind: AggSum}},
	)
	require.NoError(t, err)
	configure(t, r, mgr, ProcessingConfig{})

	out, err := r.Process(context.Background(), singleGroup(mgr, fr))
	require.NoError(t, err)
	require.Len(t, out, 1)

	res := frameOf(t, mgr, out[0])
	require.Equal(t, 7, res.RowCount())
	v, _ := res.Column("v")
	for d := 0; d < 7; d++ {
		assert.Equal(t, int64(d)*day, res.Index.Ints[d])
		var want int64
		for h := 0; h < 24; h++ {
			want += int64(d*24 + h)
		}
		assert.Equal(t, want, v.Ints[d])
	}
}

func TestResampleClosedRight(t *testing.T) {
	mgr := arena.NewManager()
	fr, err := frame.New(
		frame.NewInt64("ts", []int64{0, 10, 20}),
		frame.NewInt64("v", []int64{1, 1, 1}),
	)
	require.NoError(t, err)

	r, err := NewResample(
		ResampleSpec{Width: 10, Closed: BoundaryRight, Label: BoundaryRight},
		[]NamedAgg{{Output: "v", Input: "v", Kind: AggCount}},
	)
	require.NoError(t, err)
	configure(t, r, mgr, ProcessingConfig{})

	out, err := r.Process(context.Background(), singleGroup(mgr, fr))
	require.NoError(t, err)
	res := frameOf(t, mgr, out[0])

	// With (b, b+10] buckets, 0 belongs to (-10, 0], 10 to (0, 10].
	require.Equal(t, 3, res.RowCount())
	assert.Equal(t, []int64{0, 10, 20}, res.Index.Ints)
	v, _ := res.Column("v")
	assert.Equal(t, []int64{1, 1, 1}, v.Ints)
}

func TestResampleEmptyBucketsAreNull(t *testing.T) {
	mgr := arena.NewManager()
	fr, err := frame.New(
		frame.NewInt64("ts", []int64{0, 25}),
		frame.NewFloat64("v", []float64{1, 2}),
	)
	require.NoError(t, err)

	r, err := NewResample(
		ResampleSpec{Width: 10},
		[]NamedAgg{{Output: "v", Input: "v", Kind: AggMean}},
	)
	require.NoError(t, err)
	configure(t, r, mgr, ProcessingConfig{})

	out, err := r.Process(context.Background(), singleGroup(mgr, fr))
	require.NoError(t, err)
	res := frameOf(t, mgr, out[0])

	require.Equal(t, 3, res.RowCount())
	v, _ := res.Column("v")
	assert.False(t, v.IsNull(0))
	assert.True(t, v.IsNull(1))
	assert.False(t, v.IsNull(2))
}

func TestResampleOriginStartWithOffset(t *testing.T) {
	mgr := arena.NewManager()
	fr, err := frame.New(
		frame.NewInt64("ts", []int64{103, 108, 113}),
		frame.NewInt64("v", []int64{1, 1, 1}),
	)
	require.NoError(t, err)

	r, err := NewResample(
		ResampleSpec{Width: 10, Origin: OriginStart, Offset: 2},
		[]NamedAgg{{Output: "v", Input: "v", Kind: AggCount}},
	)
	require.NoError(t, err)
	configure(t, r, mgr, ProcessingConfig{})

	out, err := r.Process(context.Background(), singleGroup(mgr, fr))
	require.NoError(t, err)
	res := frameOf(t, mgr, out[0])

	// Grid anchored at 103+2: [95,105) and [105,115).
	require.Equal(t, 2, res.RowCount())
	assert.Equal(t, []int64{95, 105}, res.Index.Ints)
	v, _ := res.Column("v")
	assert.Equal(t, []int64{1, 2}, v.Ints)
}

func TestSortStable(t *testing.T) {
	mgr := arena.NewManager()
	fr, err := frame.New(
		frame.NewInt64("i", []int64{0, 1, 2, 3}),
		frame.NewInt64("k", []int64{2, 1, 2, 1}),
		frame.NewInt64("tag", []int64{100, 101, 102, 103}),
	)
	require.NoError(t, err)

	s := NewSort("k")
	configure(t, s, mgr, ProcessingConfig{})

	out, err := s.Process(context.Background(), singleGroup(mgr, fr))
	require.NoError(t, err)
	res := frameOf(t, mgr, out[0])

	tag, _ := res.Column("tag")
	assert.Equal(t, []int64{101, 103, 100, 102}, tag.Ints)
}

func TestSplitFixedRows(t *testing.T) {
	mgr := arena.NewManager()
	s, err := NewSplit(4)
	require.NoError(t, err)
	configure(t, s, mgr, ProcessingConfig{})

	out, err := s.Process(context.Background(), singleGroup(mgr, testFrame(t, 0, 10)))
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, 4, frameOf(t, mgr, out[0]).RowCount())
	assert.Equal(t, 4, frameOf(t, mgr, out[1]).RowCount())
	assert.Equal(t, 2, frameOf(t, mgr, out[2]).RowCount())
}

func TestMergeInterleavesSortedStreams(t *testing.T) {
	mgr := arena.NewManager()
	a, err := frame.New(
		frame.NewInt64("ts", []int64{0, 2, 4}),
		frame.NewInt64("src", []int64{1, 1, 1}),
	)
	require.NoError(t, err)
	b, err := frame.New(
		frame.NewInt64("ts", []int64{1, 2, 5}),
		frame.NewInt64("src", []int64{2, 2, 2}),
	)
	require.NoError(t, err)

	m := NewMerge()
	configure(t, m, mgr, ProcessingConfig{})

	out, err := m.Process(context.Background(), singleGroup(mgr, a, b))
	require.NoError(t, err)
	res := frameOf(t, mgr, out[0])

	assert.Equal(t, []int64{0, 1, 2, 2, 4, 5}, res.Index.Ints)
	// Equal timestamps keep source order.
	src, _ := res.Column("src")
	assert.Equal(t, []int64{1, 2, 1, 2, 1, 2}, src.Ints)
}

func TestMergeRejectsUnsortedInput(t *testing.T) {
	mgr := arena.NewManager()
	fr, err := frame.New(
		frame.NewInt64("ts", []int64{5, 1}),
		frame.NewInt64("v", []int64{0, 0}),
	)
	require.NoError(t, err)

	m := NewMerge()
	configure(t, m, mgr, ProcessingConfig{})

	_, err = m.Process(context.Background(), singleGroup(mgr, fr))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeUserInput))
}

func TestConcatOuterMaterialisesNulls(t *testing.T) {
	mgr := arena.NewManager()
	a, err := frame.New(
		frame.NewInt64("i", []int64{0, 1}),
		frame.NewInt64("x", []int64{1, 2}),
	)
	require.NoError(t, err)
	b, err := frame.New(
		frame.NewInt64("i", []int64{2, 3}),
		frame.NewFloat64("y", []float64{0.5, 1.5}),
	)
	require.NoError(t, err)

	c := NewConcat(JoinOuter)
	configure(t, c, mgr, ProcessingConfig{})

	out, err := c.Process(context.Background(), singleGroup(mgr, a, b))
	require.NoError(t, err)
	res := frameOf(t, mgr, out[0])

	assert.Equal(t, 4, res.RowCount())
	x, ok := res.Column("x")
	require.True(t, ok)
	assert.True(t, x.IsNull(2))
	assert.True(t, x.IsNull(3))
	y, ok := res.Column("y")
	require.True(t, ok)
	assert.True(t, y.IsNull(0))
	assert.False(t, y.IsNull(2))
}

func TestConcatInnerIntersectsColumns(t *testing.T) {
	mgr := arena.NewManager()
	a, err := frame.New(
		frame.NewInt64("i", []int64{0}),
		frame.NewInt64("x", []int64{1}),
		frame.NewInt64("only_a", []int64{9}),
	)
	require.NoError(t, err)
	b, err := frame.New(
		frame.NewInt64("i", []int64{1}),
		frame.NewInt64("x", []int64{2}),
	)
	require.NoError(t, err)

	c := NewConcat(JoinInner)
	configure(t, c, mgr, ProcessingConfig{})

	out, err := c.Process(context.Background(), singleGroup(mgr, a, b))
	require.NoError(t, err)
	res := frameOf(t, mgr, out[0])

	_, ok := res.Column("only_a")
	assert.False(t, ok)
	x, ok := res.Column("x")
	require.True(t, ok)
	assert.Equal(t, []int64{1, 2}, x.Ints)
}

func TestRemoveColumnPartitioningJoins(t *testing.T) {
	mgr := arena.NewManager()
	left, err := frame.New(
		frame.NewInt64("i", []int64{0, 1}),
		frame.NewInt64("x", []int64{1, 2}),
	)
	require.NoError(t, err)
	right, err := frame.New(
		frame.NewInt64("i", []int64{0, 1}),
		frame.NewFloat64("y", []float64{0.1, 0.2}),
	)
	require.NoError(t, err)

	r := NewRemoveColumnPartitioning()
	configure(t, r, mgr, ProcessingConfig{})

	out, err := r.Process(context.Background(), singleGroup(mgr, left, right))
	require.NoError(t, err)
	require.Len(t, out, 1)

	res := frameOf(t, mgr, out[0])
	_, hasX := res.Column("x")
	_, hasY := res.Column("y")
	assert.True(t, hasX)
	assert.True(t, hasY)
}

func TestColumnStatsCollect(t *testing.T) {
	mgr := arena.NewManager()
	c := NewColumnStatsGeneration()
	configure(t, c, mgr, ProcessingConfig{})

	g := singleGroup(mgr, testFrame(t, 0, 10), testFrame(t, 10, 10))
	out, err := c.Process(context.Background(), g)
	require.NoError(t, err)
	assert.Equal(t, g, out)

	stats := c.Collect()
	x, ok := stats["x"]
	require.True(t, ok)
	require.NotNil(t, x.MinNum)
	require.NotNil(t, x.MaxNum)
	assert.Equal(t, 0.0, *x.MinNum)
	assert.Equal(t, 19.0, *x.MaxNum)
	assert.True(t, x.Sorted)
	assert.False(t, x.HasNulls)
}

func TestExecutorFusedRun(t *testing.T) {
	mgr := arena.NewManager()
	tree := expr.New()
	tree.Root = tree.Compare(expr.OpGe, tree.Column("x"), tree.Value(expr.IntLit(5)))
	f, err := NewFilter(tree)
	require.NoError(t, err)

	ex := NewExecutor(config.ReadConfig{Workers: 4, HighWaterMark: 8})
	input := []Group{
		singleGroup(mgr, testFrame(t, 0, 10)),
		singleGroup(mgr, testFrame(t, 10, 10)),
		singleGroup(mgr, testFrame(t, 20, 10)),
	}
	out, err := ex.Run(context.Background(), []Clause{NewPassthrough(), f}, input,
		ProcessingConfig{TotalRows: 30}, mgr)
	require.NoError(t, err)

	total := 0
	for _, g := range out {
		for _, u := range g {
			fr := frameOf(t, mgr, u)
			total += fr.RowCount()
			col, _ := fr.Column("x")
			for _, v := range col.Ints {
				assert.GreaterOrEqual(t, v, int64(5))
			}
		}
	}
	assert.Equal(t, 25, total)
}

func TestExecutorPreservesGroupOrder(t *testing.T) {
	mgr := arena.NewManager()
	ex := NewExecutor(config.ReadConfig{Workers: 8, HighWaterMark: 8})
	var input []Group
	for i := 0; i < 16; i++ {
		input = append(input, singleGroup(mgr, testFrame(t, i*10, 10)))
	}

	out, err := ex.Run(context.Background(), []Clause{NewPassthrough()}, input,
		ProcessingConfig{}, mgr)
	require.NoError(t, err)
	require.Len(t, out, 16)
	for i, g := range out {
		fr := frameOf(t, mgr, g[0])
		assert.Equal(t, int64(i*10), fr.Index.Ints[0])
	}
}

func TestExecutorBarrierMergesGroups(t *testing.T) {
	mgr := arena.NewManager()
	ex := NewExecutor(config.ReadConfig{Workers: 4, HighWaterMark: 8})
	input := []Group{
		singleGroup(mgr, testFrame(t, 0, 10)),
		singleGroup(mgr, testFrame(t, 10, 10)),
	}

	out, err := ex.Run(context.Background(), []Clause{NewSort("")}, input,
		ProcessingConfig{}, mgr)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Len(t, out[0], 1)
	fr := frameOf(t, mgr, out[0][0])
	assert.Equal(t, 20, fr.RowCount())
	assert.True(t, fr.IsSortedByIndex())
}

func TestExecutorTagsFailingClause(t *testing.T) {
	mgr := arena.NewManager()
	tree := expr.New()
	tree.Root = tree.Compare(expr.OpGt, tree.Column("missing"), tree.Value(expr.IntLit(0)))
	f, err := NewFilter(tree)
	require.NoError(t, err)

	ex := NewExecutor(config.ReadConfig{Workers: 2, HighWaterMark: 4})
	input := []Group{singleGroup(mgr, testFrame(t, 0, 10))}
	_, err = ex.Run(context.Background(), []Clause{f}, input, ProcessingConfig{}, mgr)
	require.Error(t, err)

	var e *errors.Error
	require.ErrorAs(t, err, &e)
	assert.Contains(t, e.Details, "clause")
}

func TestExecutorCancellation(t *testing.T) {
	mgr := arena.NewManager()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ex := NewExecutor(config.ReadConfig{Workers: 2, HighWaterMark: 4})
	input := []Group{
		singleGroup(mgr, testFrame(t, 0, 10)),
		singleGroup(mgr, testFrame(t, 10, 10)),
	}
	_, err := ex.Run(ctx, []Clause{NewPassthrough()}, input, ProcessingConfig{}, mgr)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCancelled))
}

func TestApplySchemaChain(t *testing.T) {
	tree := expr.New()
	tree.Root = tree.Arith(expr.OpMul, tree.Column("x"), tree.Value(expr.IntLit(2)))
	p, err := NewProject("x2", tree)
	require.NoError(t, err)

	a, err := NewAggregation("x2", []NamedAgg{{Output: "n", Input: "y", Kind: AggCount}})
	require.NoError(t, err)

	schema := &Schema{
		Index: SchemaField{Name: "ts", Type: frame.Timestamp},
		Columns: []SchemaField{
			{Name: "x", Type: frame.Int64},
			{Name: "y", Type: frame.Float64},
		},
	}
	out, err := ApplySchema([]Clause{p, a}, schema)
	require.NoError(t, err)
	assert.Equal(t, "x2", out.Index.Name)
	n, ok := out.Column("n")
	require.True(t, ok)
	assert.Equal(t, frame.Int64, n.Type)
}

func TestBuildStagesFusesRuns(t *testing.T) {
	tree := expr.New()
	tree.Root = tree.Compare(expr.OpGt, tree.Column("x"), tree.Value(expr.IntLit(0)))
	f, err := NewFilter(tree)
	require.NoError(t, err)

	stages := buildStages([]Clause{NewPassthrough(), f, NewSort(""), NewPassthrough()})
	require.Len(t, stages, 3)
	assert.Len(t, stages[0].clauses, 2)
	assert.False(t, stages[0].barrier)
	assert.True(t, stages[1].barrier)
	assert.Len(t, stages[2].clauses, 1)
}
