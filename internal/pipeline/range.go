package pipeline

import (
	"context"

	"github.com/tundradb/tundra/pkg/arena"
	"github.com/tundradb/tundra/pkg/errors"
	"github.com/tundradb/tundra/pkg/frame"
)

type rangeKind uint8

const (
	rangeSpan rangeKind = iota
	rangeHead
	rangeTail
)

// RowRange retains rows [start, end) of the whole input, with negative
// bounds wrapping against the total row count. Plans place it first, on
// unfiltered source order.
type RowRange struct {
	core
	kind  rangeKind
	start int
	end   int
	n     int
}

// NewRowRange creates a [start, end) row retention clause
func NewRowRange(start, end int) *RowRange {
	return &RowRange{core: core{name: "row_range"}, kind: rangeSpan, start: start, end: end}
}

// NewHead retains the first n rows; negative n drops the last -n
func NewHead(n int) *RowRange {
	return &RowRange{core: core{name: "head"}, kind: rangeHead, n: n}
}

// NewTail retains the last n rows; negative n drops the first -n
func NewTail(n int) *RowRange {
	return &RowRange{core: core{name: "tail"}, kind: rangeTail, n: n}
}

// Info implements Clause
func (r *RowRange) Info() Info {
	return Info{Name: r.name, Structure: StructureAll}
}

// SetProcessingConfig implements Clause
func (r *RowRange) SetProcessingConfig(cfg ProcessingConfig) error { return r.setConfig(cfg) }

// SetComponentManager implements Clause
func (r *RowRange) SetComponentManager(mgr *arena.Manager) error { return r.setManager(mgr) }

// StructureForProcessing implements Clause
func (r *RowRange) StructureForProcessing(input []Group) ([]Group, error) {
	if err := r.beginStructure(); err != nil {
		return nil, err
	}
	return allStructure(input)
}

// Bounds resolves the retained [start, end) interval against total
func (r *RowRange) Bounds(total int) (int, int) {
	var start, end int
	switch r.kind {
	case rangeHead:
		start, end = 0, r.n
		if r.n < 0 {
			end = total + r.n
		}
	case rangeTail:
		start, end = total-r.n, total
		if r.n < 0 {
			start = -r.n
		}
	default:
		start, end = r.start, r.end
		if start < 0 {
			start += total
		}
		if end < 0 {
			end += total
		}
	}
	start = clamp(start, 0, total)
	end = clamp(end, start, total)
	return start, end
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Process implements Clause. Units arrive in source order; the clause
// tracks the running row offset and slices each unit against the
// resolved interval.
func (r *RowRange) Process(ctx context.Context, g Group) (Group, error) {
	if err := r.beginProcess(); err != nil {
		return nil, err
	}

	total := r.config().TotalRows
	if total == 0 {
		for _, u := range g {
			fr, err := r.frame(u)
			if err != nil {
				return nil, err
			}
			total += fr.RowCount()
		}
	}
	start, end := r.Bounds(total)

	out := make(Group, 0, len(g))
	offset := 0
	for _, u := range g {
		if err := checkCancelled(ctx); err != nil {
			return nil, err
		}
		fr, err := r.frame(u)
		if err != nil {
			return nil, err
		}
		n := fr.RowCount()
		lo := clamp(start-offset, 0, n)
		hi := clamp(end-offset, 0, n)
		offset += n

		if lo >= hi {
			r.release(u)
			continue
		}
		if lo == 0 && hi == n {
			out = append(out, u)
			continue
		}
		sliced := fr.Slice(lo, hi)
		r.release(u)
		out = append(out, r.emit(sliced))
	}
	return out, nil
}

// ModifySchema implements Clause
func (r *RowRange) ModifySchema(schema *Schema) (*Schema, error) { return schema, nil }

// Drain implements Clause
func (r *RowRange) Drain() error { return r.drain() }

// DateRange retains rows whose index falls in [start, end], both bounds
// inclusive. The planner additionally pushes the same predicate down to
// slice selection, so slices wholly outside the range never reach here.
type DateRange struct {
	core
	start int64
	end   int64
}

// NewDateRange creates an inclusive index-range clause
func NewDateRange(start, end int64) (*DateRange, error) {
	if start > end {
		return nil, errors.Newf(errors.ErrorTypeUserInput, "date range start %d exceeds end %d", start, end)
	}
	return &DateRange{core: core{name: "date_range"}, start: start, end: end}, nil
}

// Info implements Clause
func (d *DateRange) Info() Info {
	return Info{Name: d.name, CombinableWithProjection: true, Structure: StructureRowSlice}
}

// SetProcessingConfig implements Clause
func (d *DateRange) SetProcessingConfig(cfg ProcessingConfig) error { return d.setConfig(cfg) }

// SetComponentManager implements Clause
func (d *DateRange) SetComponentManager(mgr *arena.Manager) error { return d.setManager(mgr) }

// StructureForProcessing implements Clause
func (d *DateRange) StructureForProcessing(input []Group) ([]Group, error) {
	if err := d.beginStructure(); err != nil {
		return nil, err
	}
	return identityStructure(input)
}

// Process implements Clause
func (d *DateRange) Process(ctx context.Context, g Group) (Group, error) {
	if err := d.beginProcess(); err != nil {
		return nil, err
	}
	out := make(Group, 0, len(g))
	for _, u := range g {
		if err := checkCancelled(ctx); err != nil {
			return nil, err
		}
		fr, err := d.frame(u)
		if err != nil {
			return nil, err
		}
		if fr.Index.Type != frame.Timestamp && fr.Index.Type != frame.Int64 {
			return nil, errors.Newf(errors.ErrorTypeUserInput,
				"date range over %s index", fr.Index.Type)
		}

		keep := make([]int, 0, fr.RowCount())
		for i, ts := range fr.Index.Ints {
			if ts >= d.start && ts <= d.end {
				keep = append(keep, i)
			}
		}
		if len(keep) == fr.RowCount() {
			out = append(out, u)
			continue
		}
		sliced := fr.Take(keep)
		d.release(u)
		if sliced.RowCount() > 0 {
			out = append(out, d.emit(sliced))
		}
	}
	return out, nil
}

// ModifySchema implements Clause
func (d *DateRange) ModifySchema(schema *Schema) (*Schema, error) { return schema, nil }

// Drain implements Clause
func (d *DateRange) Drain() error { return d.drain() }

// Overlaps reports whether [keyStart, keyEnd] intersects the clause's
// range, used by the planner's pushdown.
func (d *DateRange) Overlaps(keyStart, keyEnd int64) bool {
	return keyStart <= d.end && keyEnd >= d.start
}

// Range returns the inclusive bounds
func (d *DateRange) Range() (int64, int64) { return d.start, d.end }
