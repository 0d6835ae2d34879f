package pipeline

import (
	"context"
	"sort"

	"github.com/tundradb/tundra/pkg/arena"
	"github.com/tundradb/tundra/pkg/errors"
	"github.com/tundradb/tundra/pkg/frame"
)

// Boundary selects which edge of a bucket is closed, or which edge
// labels the output row.
type Boundary uint8

const (
	// BoundaryLeft closes or labels on the bucket's left edge
	BoundaryLeft Boundary = iota
	// BoundaryRight closes or labels on the bucket's right edge
	BoundaryRight
)

// OriginKind anchors the bucket grid
type OriginKind uint8

const (
	// OriginEpoch anchors buckets at index value zero
	OriginEpoch OriginKind = iota
	// OriginStart anchors buckets at the first index value of the input
	OriginStart
	// OriginEnd anchors buckets at the last index value of the input
	OriginEnd
	// OriginTimestamp anchors buckets at an explicit index value
	OriginTimestamp
)

// ResampleSpec describes a bucketing of the index axis
type ResampleSpec struct {
	// Width is the bucket width in index units
	Width int64
	// Closed picks the inclusive edge of each bucket
	Closed Boundary
	// Label picks the edge used as the output index value
	Label Boundary
	// Offset shifts the bucket grid
	Offset int64
	// Origin anchors the grid; OriginValue is read for OriginTimestamp
	Origin      OriginKind
	OriginValue int64
}

// Resample buckets rows by index into fixed-width intervals and reduces
// each bucket with the named aggregators. The whole input must be
// visible to place bucket boundaries, so it is an ALL barrier; each
// boundary-spanning bucket is reduced exactly once.
type Resample struct {
	core
	spec ResampleSpec
	aggs []NamedAgg
}

// NewResample creates a resampling clause
func NewResample(spec ResampleSpec, aggs []NamedAgg) (*Resample, error) {
	if spec.Width <= 0 {
		return nil, errors.New(errors.ErrorTypeUserInput, "resample requires a positive bucket width")
	}
	if len(aggs) == 0 {
		return nil, errors.New(errors.ErrorTypeUserInput, "resample requires at least one aggregator")
	}
	for _, a := range aggs {
		if a.Output == "" || a.Input == "" {
			return nil, errors.New(errors.ErrorTypeUserInput, "aggregator requires input and output names")
		}
	}
	return &Resample{core: core{name: "resample"}, spec: spec, aggs: aggs}, nil
}

// Info implements Clause
func (r *Resample) Info() Info {
	cols := make([]string, 0, len(r.aggs))
	for _, a := range r.aggs {
		cols = append(cols, a.Input)
	}
	return Info{Name: r.name, RequiredColumns: cols, Structure: StructureAll}
}

// SetProcessingConfig implements Clause
func (r *Resample) SetProcessingConfig(cfg ProcessingConfig) error { return r.setConfig(cfg) }

// SetComponentManager implements Clause
func (r *Resample) SetComponentManager(mgr *arena.Manager) error { return r.setManager(mgr) }

// StructureForProcessing implements Clause
func (r *Resample) StructureForProcessing(input []Group) ([]Group, error) {
	if err := r.beginStructure(); err != nil {
		return nil, err
	}
	return allStructure(input)
}

// anchor resolves the grid anchor for the given index extremes
func (r *Resample) anchor(first, last int64) int64 {
	switch r.spec.Origin {
	case OriginStart:
		return first
	case OriginEnd:
		return last
	case OriginTimestamp:
		return r.spec.OriginValue
	default:
		return 0
	}
}

// bucketOf maps an index value onto the bucket grid anchored at a.
// Closed-left buckets cover [edge, edge+w), closed-right (edge, edge+w].
func (r *Resample) bucketOf(t, a int64) int64 {
	d := t - a - r.spec.Offset
	if r.spec.Closed == BoundaryRight {
		d--
	}
	return floorDiv(d, r.spec.Width)
}

// labelOf renders a bucket's output index value
func (r *Resample) labelOf(bucket, a int64) int64 {
	edge := a + r.spec.Offset + bucket*r.spec.Width
	if r.spec.Label == BoundaryRight {
		edge += r.spec.Width
	}
	return edge
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

// Process implements Clause
func (r *Resample) Process(ctx context.Context, g Group) (Group, error) {
	if err := r.beginProcess(); err != nil {
		return nil, err
	}

	frames := make([]*frame.Frame, 0, len(g))
	for _, u := range g {
		if err := checkCancelled(ctx); err != nil {
			return nil, err
		}
		fr, err := r.frame(u)
		if err != nil {
			return nil, err
		}
		frames = append(frames, fr)
	}
	join := JoinInner
	if r.config().DynamicSchema {
		join = JoinOuter
	}
	combined, err := concatFrames(frames, join)
	if err != nil {
		return nil, err
	}
	if combined.Index.Type != frame.Timestamp && combined.Index.Type != frame.Int64 {
		return nil, errors.Newf(errors.ErrorTypeUserInput, "resample over %s index", combined.Index.Type)
	}
	if combined.RowCount() == 0 {
		r.releaseAll(g)
		empty, err := r.emptyOutput(combined)
		if err != nil {
			return nil, err
		}
		return Group{r.emit(empty)}, nil
	}

	// Aggregators run over rows in index order regardless of how the
	// slices arrived.
	rows := make([]int, combined.RowCount())
	for i := range rows {
		rows[i] = i
	}
	ts := combined.Index.Ints
	sort.SliceStable(rows, func(a, b int) bool { return ts[rows[a]] < ts[rows[b]] })

	a := r.anchor(ts[rows[0]], ts[rows[len(rows)-1]])
	firstBucket := r.bucketOf(ts[rows[0]], a)
	lastBucket := r.bucketOf(ts[rows[len(rows)-1]], a)

	// Contiguous bucket range; gaps in the data yield empty buckets.
	n := int(lastBucket-firstBucket) + 1
	bucketRows := make([][]int, n)
	for _, row := range rows {
		b := int(r.bucketOf(ts[row], a) - firstBucket)
		bucketRows[b] = append(bucketRows[b], row)
	}

	labels := make([]int64, n)
	for i := range labels {
		labels[i] = r.labelOf(firstBucket+int64(i), a)
	}
	index := frame.NewInt64(combined.Index.Name, labels)
	if combined.Index.Type == frame.Timestamp {
		index = frame.NewTimestamp(combined.Index.Name, labels)
	}

	cols := make([]*frame.Column, 0, len(r.aggs))
	for _, agg := range r.aggs {
		if err := checkCancelled(ctx); err != nil {
			return nil, err
		}
		in, ok := combined.Column(agg.Input)
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeUserInput, "resample input column %q not found", agg.Input)
		}
		cells := make([]aggCell, n)
		for b, br := range bucketRows {
			cells[b] = applyAgg(agg.Kind, in, br)
		}
		cols = append(cols, buildAggColumn(agg.Output, aggOutputType(agg.Kind, in.Type), cells))
	}

	out, err := frame.New(index, cols...)
	if err != nil {
		return nil, err
	}
	r.releaseAll(g)
	return Group{r.emit(out)}, nil
}

func (r *Resample) emptyOutput(src *frame.Frame) (*frame.Frame, error) {
	index := frame.NewInt64(src.Index.Name, nil)
	if src.Index.Type == frame.Timestamp {
		index = frame.NewTimestamp(src.Index.Name, nil)
	}
	cols := make([]*frame.Column, 0, len(r.aggs))
	for _, agg := range r.aggs {
		in, ok := src.Column(agg.Input)
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeUserInput, "resample input column %q not found", agg.Input)
		}
		cols = append(cols, frame.NewNullColumn(agg.Output, aggOutputType(agg.Kind, in.Type), 0))
	}
	return frame.New(index, cols...)
}

// ModifySchema implements Clause
func (r *Resample) ModifySchema(schema *Schema) (*Schema, error) {
	out := &Schema{Index: schema.Index}
	for _, agg := range r.aggs {
		in, ok := schema.Column(agg.Input)
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeUserInput, "resample input column %q not found", agg.Input)
		}
		out.Columns = append(out.Columns, SchemaField{
			Name: agg.Output,
			Type: aggOutputType(agg.Kind, in.Type),
		})
	}
	return out, nil
}

// Drain implements Clause
func (r *Resample) Drain() error { return r.drain() }
