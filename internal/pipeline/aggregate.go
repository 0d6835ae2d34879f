package pipeline

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/tundradb/tundra/pkg/arena"
	"github.com/tundradb/tundra/pkg/errors"
	"github.com/tundradb/tundra/pkg/frame"
)

// AggKind names a reduction
type AggKind uint8

const (
	// AggSum totals non-null values
	AggSum AggKind = iota
	// AggMin takes the smallest non-null value
	AggMin
	// AggMax takes the largest non-null value
	AggMax
	// AggMean averages non-null values
	AggMean
	// AggCount counts non-null values
	AggCount
	// AggFirst takes the first non-null value in row order
	AggFirst
	// AggLast takes the last non-null value in row order
	AggLast
)

var aggNames = map[AggKind]string{
	AggSum: "sum", AggMin: "min", AggMax: "max", AggMean: "mean",
	AggCount: "count", AggFirst: "first", AggLast: "last",
}

func (k AggKind) String() string { return aggNames[k] }

// ParseAggKind resolves an aggregator name
func ParseAggKind(s string) (AggKind, error) {
	for k, name := range aggNames {
		if name == strings.ToLower(s) {
			return k, nil
		}
	}
	return 0, errors.Newf(errors.ErrorTypeUserInput, "unknown aggregator %q", s)
}

// NamedAgg binds an aggregator to its input and output columns
type NamedAgg struct {
	Output string
	Input  string
	Kind   AggKind
}

// aggOutputType applies the numeric promotion rules: sum and min/max
// keep integer inputs integral, mean always widens to float64, count is
// always int64, first/last keep the input type.
func aggOutputType(kind AggKind, in frame.DType) frame.DType {
	switch kind {
	case AggCount:
		return frame.Int64
	case AggMean:
		return frame.Float64
	case AggSum:
		if in == frame.Float64 {
			return frame.Float64
		}
		return frame.Int64
	default:
		return in
	}
}

// aggCell is one reduced value
type aggCell struct {
	f    float64
	i    int64
	s    string
	b    bool
	null bool
}

// applyAgg reduces the given rows of col. Nulls are skipped; count
// counts the non-null rows.
func applyAgg(kind AggKind, col *frame.Column, rows []int) aggCell {
	live := rows[:0:0]
	for _, r := range rows {
		if !col.IsNull(r) {
			live = append(live, r)
		}
	}
	if kind == AggCount {
		return aggCell{i: int64(len(live))}
	}
	if len(live) == 0 {
		if kind == AggSum {
			return aggCell{} // empty sum is zero, matching reduce-over-nothing
		}
		return aggCell{null: true, f: math.NaN()}
	}

	switch kind {
	case AggFirst:
		return cellAt(col, live[0])
	case AggLast:
		return cellAt(col, live[len(live)-1])
	case AggMin, AggMax:
		best := live[0]
		for _, r := range live[1:] {
			if kind == AggMin && cellLess(col, r, best) {
				best = r
			}
			if kind == AggMax && cellLess(col, best, r) {
				best = r
			}
		}
		return cellAt(col, best)
	case AggSum:
		if col.Type == frame.Float64 {
			total := 0.0
			for _, r := range live {
				total += col.Floats[r]
			}
			return aggCell{f: total}
		}
		var total int64
		for _, r := range live {
			total += col.Ints[r]
		}
		return aggCell{i: total}
	case AggMean:
		total := 0.0
		for _, r := range live {
			total += col.Float(r)
		}
		return aggCell{f: total / float64(len(live))}
	}
	return aggCell{null: true, f: math.NaN()}
}

func cellAt(col *frame.Column, r int) aggCell {
	switch col.Type {
	case frame.Float64:
		return aggCell{f: col.Floats[r]}
	case frame.String:
		return aggCell{s: col.Strs[r]}
	case frame.Bool:
		return aggCell{b: col.Bools[r]}
	default:
		return aggCell{i: col.Ints[r]}
	}
}

func cellLess(col *frame.Column, a, b int) bool {
	switch col.Type {
	case frame.String:
		return col.Strs[a] < col.Strs[b]
	case frame.Float64:
		return col.Floats[a] < col.Floats[b]
	case frame.Bool:
		return !col.Bools[a] && col.Bools[b]
	default:
		return col.Ints[a] < col.Ints[b]
	}
}

// buildAggColumn assembles the output column for one aggregator over the
// per-group reduced cells.
func buildAggColumn(name string, outType frame.DType, cells []aggCell) *frame.Column {
	var col *frame.Column
	switch outType {
	case frame.Float64:
		vals := make([]float64, len(cells))
		for i, c := range cells {
			if c.null {
				vals[i] = math.NaN()
			} else {
				vals[i] = c.f
			}
		}
		col = frame.NewFloat64(name, vals)
	case frame.String:
		vals := make([]string, len(cells))
		for i, c := range cells {
			vals[i] = c.s
		}
		col = frame.NewString(name, vals)
	case frame.Bool:
		vals := make([]bool, len(cells))
		for i, c := range cells {
			vals[i] = c.b
		}
		col = frame.NewBool(name, vals)
	default:
		vals := make([]int64, len(cells))
		for i, c := range cells {
			vals[i] = c.i
		}
		col = frame.NewInt64(name, vals)
	}
	for i, c := range cells {
		if c.null {
			col.SetNull(i)
		}
	}
	return col
}

// Aggregation reduces the partitioned input to one row per group-key
// value. It needs whole-input visibility, so it is an ALL barrier; the
// partition clause upstream only pre-buckets for parallelism, the
// per-value grouping happens here.
type Aggregation struct {
	core
	groupColumn string
	aggs        []NamedAgg
}

// NewAggregation creates a group-by reduction on the named column
func NewAggregation(groupColumn string, aggs []NamedAgg) (*Aggregation, error) {
	if groupColumn == "" {
		return nil, errors.New(errors.ErrorTypeUserInput, "aggregation requires a group column")
	}
	if len(aggs) == 0 {
		return nil, errors.New(errors.ErrorTypeUserInput, "aggregation requires at least one aggregator")
	}
	for _, a := range aggs {
		if a.Output == "" || a.Input == "" {
			return nil, errors.New(errors.ErrorTypeUserInput, "aggregator requires input and output names")
		}
	}
	return &Aggregation{core: core{name: "aggregation"}, groupColumn: groupColumn, aggs: aggs}, nil
}

// Info implements Clause
func (a *Aggregation) Info() Info {
	cols := []string{a.groupColumn}
	for _, agg := range a.aggs {
		cols = append(cols, agg.Input)
	}
	return Info{Name: a.name, RequiredColumns: cols, Structure: StructureAll}
}

// SetProcessingConfig implements Clause
func (a *Aggregation) SetProcessingConfig(cfg ProcessingConfig) error { return a.setConfig(cfg) }

// SetComponentManager implements Clause
func (a *Aggregation) SetComponentManager(mgr *arena.Manager) error { return a.setManager(mgr) }

// StructureForProcessing implements Clause
func (a *Aggregation) StructureForProcessing(input []Group) ([]Group, error) {
	if err := a.beginStructure(); err != nil {
		return nil, err
	}
	return allStructure(input)
}

// Process implements Clause
func (a *Aggregation) Process(ctx context.Context, g Group) (Group, error) {
	if err := a.beginProcess(); err != nil {
		return nil, err
	}

	combined, err := a.concatInput(ctx, g)
	if err != nil {
		return nil, err
	}

	keyCol, ok := combined.Column(a.groupColumn)
	if !ok {
		if combined.Index.Name == a.groupColumn {
			keyCol = combined.Index
		} else {
			return nil, errors.Newf(errors.ErrorTypeUserInput, "group column %q not found", a.groupColumn)
		}
	}

	// Group rows by key value; rows with a null key are dropped.
	groupRows := make(map[interface{}][]int)
	var order []interface{}
	for i := 0; i < keyCol.Len(); i++ {
		if keyCol.IsNull(i) {
			continue
		}
		k := keyCol.Value(i)
		if _, seen := groupRows[k]; !seen {
			order = append(order, k)
		}
		groupRows[k] = append(groupRows[k], i)
	}
	sortKeys(order, keyCol.Type)

	// Key column of the output, one row per group.
	firstRows := make([]int, len(order))
	for i, k := range order {
		firstRows[i] = groupRows[k][0]
	}
	outKey := keyCol.Take(firstRows)
	outKey.Name = a.groupColumn

	cols := make([]*frame.Column, 0, len(a.aggs))
	for _, agg := range a.aggs {
		if err := checkCancelled(ctx); err != nil {
			return nil, err
		}
		in, ok := combined.Column(agg.Input)
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeUserInput, "aggregation input column %q not found", agg.Input)
		}
		cells := make([]aggCell, len(order))
		for i, k := range order {
			cells[i] = applyAgg(agg.Kind, in, groupRows[k])
		}
		cols = append(cols, buildAggColumn(agg.Output, aggOutputType(agg.Kind, in.Type), cells))
	}

	out, err := assembleKeyed(outKey, cols)
	if err != nil {
		return nil, err
	}
	a.releaseAll(g)
	return Group{a.emit(out)}, nil
}

// concatInput appends every unit's frame into one, outer-joining columns
// when dynamic schema is on.
func (a *Aggregation) concatInput(ctx context.Context, g Group) (*frame.Frame, error) {
	frames := make([]*frame.Frame, 0, len(g))
	for _, u := range g {
		if err := checkCancelled(ctx); err != nil {
			return nil, err
		}
		fr, err := a.frame(u)
		if err != nil {
			return nil, err
		}
		frames = append(frames, fr)
	}
	join := JoinInner
	if a.config().DynamicSchema {
		join = JoinOuter
	}
	return concatFrames(frames, join)
}

// assembleKeyed builds the output frame. A string or integer key column
// becomes the index; other key types ride along as a regular column over
// an ordinal index.
func assembleKeyed(key *frame.Column, cols []*frame.Column) (*frame.Frame, error) {
	switch key.Type {
	case frame.Int64, frame.Timestamp, frame.String:
		return frame.New(key, cols...)
	}
	ordinal := make([]int64, key.Len())
	for i := range ordinal {
		ordinal[i] = int64(i)
	}
	return frame.New(frame.NewInt64("group", ordinal), append([]*frame.Column{key}, cols...)...)
}

func sortKeys(order []interface{}, t frame.DType) {
	sort.SliceStable(order, func(i, j int) bool {
		switch t {
		case frame.String:
			return order[i].(string) < order[j].(string)
		case frame.Float64:
			return order[i].(float64) < order[j].(float64)
		case frame.Bool:
			return !order[i].(bool) && order[j].(bool)
		default:
			return order[i].(int64) < order[j].(int64)
		}
	})
}

// ModifySchema implements Clause
func (a *Aggregation) ModifySchema(schema *Schema) (*Schema, error) {
	keyField, ok := schema.Column(a.groupColumn)
	if !ok {
		if schema.Index.Name == a.groupColumn {
			keyField = schema.Index
		} else {
			return nil, errors.Newf(errors.ErrorTypeUserInput, "group column %q not found", a.groupColumn)
		}
	}

	out := &Schema{Index: SchemaField{Name: a.groupColumn, Type: keyField.Type}}
	for _, agg := range a.aggs {
		in, ok := schema.Column(agg.Input)
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeUserInput, "aggregation input column %q not found", agg.Input)
		}
		out.Columns = append(out.Columns, SchemaField{
			Name: agg.Output,
			Type: aggOutputType(agg.Kind, in.Type),
		})
	}
	return out, nil
}

// Drain implements Clause
func (a *Aggregation) Drain() error { return a.drain() }
