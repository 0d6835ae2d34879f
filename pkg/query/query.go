// Package query translates read requests into clause sequences and
// initial key sets: it resolves the requested version, restricts the
// tile map by the date predicate, plans the clause pipeline and runs it
// over the loaded slices.
package query

import (
	"github.com/tundradb/tundra/internal/pipeline"
	"github.com/tundradb/tundra/pkg/errors"
	"github.com/tundradb/tundra/pkg/expr"
	"github.com/tundradb/tundra/pkg/keys"
)

// Bounds is an inclusive index interval
type Bounds struct {
	Start int64
	End   int64
}

// RowSpan retains rows [Start, End) of the source; negative bounds wrap
// against the total row count.
type RowSpan struct {
	Start int
	End   int
}

// Projection appends one computed column
type Projection struct {
	// Column names the output column
	Column string
	// Tree is the expression producing it
	Tree *expr.Tree
}

// Aggregation names one reduction
type Aggregation struct {
	Output string
	Input  string
	// Kind is one of sum, min, max, mean, count, first, last
	Kind string
}

// GroupBy reduces the result to one row per distinct value of Column
type GroupBy struct {
	Column string
	Aggs   []Aggregation
}

// Resample buckets the result along the index axis
type Resample struct {
	// Width is the bucket width in index units
	Width int64
	// Closed picks the bucket's inclusive edge: "left" (default) or "right"
	Closed string
	// Label picks the edge labelling the output row: "left" or "right"
	Label string
	// Offset shifts the bucket grid
	Offset int64
	// Origin anchors the grid: "epoch" (default), "start", "end" or
	// "timestamp" (with OriginValue)
	Origin      string
	OriginValue int64
	Aggs        []Aggregation
}

// Query is one read request
type Query struct {
	Symbol  keys.StreamID
	Version *uint64
	// Columns restricts the output; empty means every column
	Columns   []string
	DateRange *Bounds
	Rows      *RowSpan
	// Head and Tail retain the first or last N rows; negative N drops
	// from the other end
	Head *int
	Tail *int
	// Filter must evaluate to a row mask
	Filter      *expr.Tree
	Projections []Projection
	GroupBy     *GroupBy
	Resample    *Resample
	// SortBy re-orders the result by the named column; "" leaves the
	// natural index order
	SortBy string
	// DynamicSchema materialises nulls for columns absent from a slice
	DynamicSchema bool
}

func invalidPlan(format string, args ...interface{}) error {
	return errors.Newf(errors.ErrorTypeUserInput, "invalid plan: "+format, args...)
}

// validate catches impossible combinations before any key is fetched
func (q *Query) validate() error {
	set := 0
	if q.Rows != nil {
		set++
	}
	if q.Head != nil {
		set++
	}
	if q.Tail != nil {
		set++
	}
	if set > 1 {
		return invalidPlan("row range, head and tail are mutually exclusive")
	}
	if q.DateRange != nil && q.DateRange.Start > q.DateRange.End {
		return invalidPlan("date range start %d exceeds end %d", q.DateRange.Start, q.DateRange.End)
	}
	if q.GroupBy != nil {
		if q.GroupBy.Column == "" {
			return invalidPlan("group-by requires a column")
		}
		if len(q.GroupBy.Aggs) == 0 {
			return invalidPlan("group-by requires at least one aggregator")
		}
	}
	if q.GroupBy != nil && q.Resample != nil {
		return invalidPlan("group-by and resample cannot be combined")
	}
	if q.Resample != nil && len(q.Resample.Aggs) == 0 {
		return invalidPlan("resample requires at least one aggregator")
	}
	return nil
}

func parseAggs(in []Aggregation) ([]pipeline.NamedAgg, error) {
	out := make([]pipeline.NamedAgg, 0, len(in))
	for _, a := range in {
		kind, err := pipeline.ParseAggKind(a.Kind)
		if err != nil {
			return nil, err
		}
		output := a.Output
		if output == "" {
			output = a.Input
		}
		out = append(out, pipeline.NamedAgg{Output: output, Input: a.Input, Kind: kind})
	}
	return out, nil
}

func parseBoundary(s, what string) (pipeline.Boundary, error) {
	switch s {
	case "", "left":
		return pipeline.BoundaryLeft, nil
	case "right":
		return pipeline.BoundaryRight, nil
	}
	return 0, invalidPlan("unknown resample %s %q", what, s)
}

func parseOrigin(s string) (pipeline.OriginKind, error) {
	switch s {
	case "", "epoch":
		return pipeline.OriginEpoch, nil
	case "start":
		return pipeline.OriginStart, nil
	case "end":
		return pipeline.OriginEnd, nil
	case "timestamp":
		return pipeline.OriginTimestamp, nil
	}
	return 0, invalidPlan("unknown resample origin %q", s)
}

// clauses builds the plan's clause sequence:
//
//	[DateRange? RowRange? Filter? Project* Partition+Aggregation? Resample? Sort?]
func (q *Query) clauses() ([]pipeline.Clause, error) {
	var out []pipeline.Clause

	if q.DateRange != nil {
		d, err := pipeline.NewDateRange(q.DateRange.Start, q.DateRange.End)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	switch {
	case q.Rows != nil:
		out = append(out, pipeline.NewRowRange(q.Rows.Start, q.Rows.End))
	case q.Head != nil:
		out = append(out, pipeline.NewHead(*q.Head))
	case q.Tail != nil:
		out = append(out, pipeline.NewTail(*q.Tail))
	}
	if q.Filter != nil {
		f, err := pipeline.NewFilter(q.Filter)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	for _, p := range q.Projections {
		pr, err := pipeline.NewProject(p.Column, p.Tree)
		if err != nil {
			return nil, err
		}
		out = append(out, pr)
	}
	if q.GroupBy != nil {
		aggs, err := parseAggs(q.GroupBy.Aggs)
		if err != nil {
			return nil, err
		}
		part, err := pipeline.NewPartition(q.GroupBy.Column)
		if err != nil {
			return nil, err
		}
		agg, err := pipeline.NewAggregation(q.GroupBy.Column, aggs)
		if err != nil {
			return nil, err
		}
		out = append(out, part, agg)
	}
	if q.Resample != nil {
		aggs, err := parseAggs(q.Resample.Aggs)
		if err != nil {
			return nil, err
		}
		closed, err := parseBoundary(q.Resample.Closed, "boundary")
		if err != nil {
			return nil, err
		}
		label, err := parseBoundary(q.Resample.Label, "label")
		if err != nil {
			return nil, err
		}
		origin, err := parseOrigin(q.Resample.Origin)
		if err != nil {
			return nil, err
		}
		rs, err := pipeline.NewResample(pipeline.ResampleSpec{
			Width:       q.Resample.Width,
			Closed:      closed,
			Label:       label,
			Offset:      q.Resample.Offset,
			Origin:      origin,
			OriginValue: q.Resample.OriginValue,
		}, aggs)
		if err != nil {
			return nil, err
		}
		out = append(out, rs)
	}
	if q.SortBy != "" {
		out = append(out, pipeline.NewSort(q.SortBy))
	}
	return out, nil
}

// neededColumns resolves the column set the plan touches: the requested
// output columns plus everything the clauses read. Nil means all.
func (q *Query) neededColumns() []string {
	if len(q.Columns) == 0 && q.Filter == nil && len(q.Projections) == 0 &&
		q.GroupBy == nil && q.Resample == nil && q.SortBy == "" {
		return nil
	}
	if len(q.Columns) == 0 {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	add := func(names ...string) {
		for _, n := range names {
			if n != "" && !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	add(q.Columns...)
	if q.Filter != nil {
		add(q.Filter.RequiredColumns()...)
	}
	for _, p := range q.Projections {
		add(p.Tree.RequiredColumns()...)
	}
	if q.GroupBy != nil {
		add(q.GroupBy.Column)
		for _, a := range q.GroupBy.Aggs {
			add(a.Input)
		}
	}
	if q.Resample != nil {
		for _, a := range q.Resample.Aggs {
			add(a.Input)
		}
	}
	add(q.SortBy)
	return out
}
