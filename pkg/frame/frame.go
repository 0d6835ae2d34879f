package frame

import (
	"sort"

	"github.com/tundradb/tundra/pkg/errors"
)

// Frame is a row-aligned set of columns keyed by an index column. The
// index is Int64, Timestamp or String typed; data columns may be any type.
type Frame struct {
	Index   *Column
	Columns []*Column
}

// New builds a frame, checking row alignment and index type
func New(index *Column, columns ...*Column) (*Frame, error) {
	if index == nil {
		return nil, errors.New(errors.ErrorTypeUserInput, "frame requires an index column")
	}
	switch index.Type {
	case Int64, Timestamp, String:
	default:
		return nil, errors.Newf(errors.ErrorTypeUserInput, "unsupported index type %s", index.Type)
	}
	for _, c := range columns {
		if c.Len() != index.Len() {
			return nil, errors.Newf(errors.ErrorTypeUserInput,
				"column %q has %d rows, index has %d", c.Name, c.Len(), index.Len())
		}
	}
	return &Frame{Index: index, Columns: columns}, nil
}

// RowCount returns the number of rows
func (f *Frame) RowCount() int {
	return f.Index.Len()
}

// Column returns the named data column
func (f *Frame) Column(name string) (*Column, bool) {
	for _, c := range f.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return nil, false
}

// ColumnNames returns data column names in declaration order
func (f *Frame) ColumnNames() []string {
	names := make([]string, len(f.Columns))
	for i, c := range f.Columns {
		names[i] = c.Name
	}
	return names
}

// Slice returns a view of rows [start, end)
func (f *Frame) Slice(start, end int) *Frame {
	cols := make([]*Column, len(f.Columns))
	for i, c := range f.Columns {
		cols[i] = c.Slice(start, end)
	}
	return &Frame{Index: f.Index.Slice(start, end), Columns: cols}
}

// Take returns a new frame holding the rows whose indices appear in idx
func (f *Frame) Take(idx []int) *Frame {
	cols := make([]*Column, len(f.Columns))
	for i, c := range f.Columns {
		cols[i] = c.Take(idx)
	}
	return &Frame{Index: f.Index.Take(idx), Columns: cols}
}

// Project returns a frame restricted to the named columns, preserving the
// requested order. Unknown names are an error.
func (f *Frame) Project(names []string) (*Frame, error) {
	cols := make([]*Column, 0, len(names))
	for _, name := range names {
		c, ok := f.Column(name)
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeUserInput, "unknown column %q", name)
		}
		cols = append(cols, c)
	}
	return &Frame{Index: f.Index, Columns: cols}, nil
}

// IsSortedByIndex reports whether index values are non-decreasing
func (f *Frame) IsSortedByIndex() bool {
	n := f.RowCount()
	for i := 1; i < n; i++ {
		if indexLess(f.Index, i, i-1) {
			return false
		}
	}
	return true
}

// SortByIndex returns a stably index-sorted copy; already-sorted frames
// are returned unchanged.
func (f *Frame) SortByIndex() *Frame {
	if f.IsSortedByIndex() {
		return f
	}
	idx := make([]int, f.RowCount())
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return indexLess(f.Index, idx[a], idx[b])
	})
	return f.Take(idx)
}

// IndexBounds returns the first and last index values; ok is false for
// empty frames. Callers that need true min/max must sort first.
func (f *Frame) IndexBounds() (first, last interface{}, ok bool) {
	n := f.RowCount()
	if n == 0 {
		return nil, nil, false
	}
	return f.Index.Value(0), f.Index.Value(n - 1), true
}

// Equal compares logical content column by column
func (f *Frame) Equal(o *Frame) bool {
	if len(f.Columns) != len(o.Columns) {
		return false
	}
	if !f.Index.Equal(o.Index) {
		return false
	}
	for i := range f.Columns {
		if !f.Columns[i].Equal(o.Columns[i]) {
			return false
		}
	}
	return true
}

func indexLess(index *Column, a, b int) bool {
	switch index.Type {
	case String:
		return index.Strs[a] < index.Strs[b]
	default:
		return index.Ints[a] < index.Ints[b]
	}
}
