package pipeline

import (
	"context"
	"sort"

	"github.com/tundradb/tundra/pkg/arena"
	"github.com/tundradb/tundra/pkg/errors"
	"github.com/tundradb/tundra/pkg/frame"
)

// Sort re-orders the whole input by a key column. The sort is stable, so
// rows equal on the key keep their source order.
type Sort struct {
	core
	column string
}

// NewSort creates a stable sort on the named column; an empty name sorts
// by the index.
func NewSort(column string) *Sort {
	return &Sort{core: core{name: "sort"}, column: column}
}

// Info implements Clause
func (s *Sort) Info() Info {
	var cols []string
	if s.column != "" {
		cols = []string{s.column}
	}
	return Info{Name: s.name, RequiredColumns: cols, Structure: StructureAll}
}

// SetProcessingConfig implements Clause
func (s *Sort) SetProcessingConfig(cfg ProcessingConfig) error { return s.setConfig(cfg) }

// SetComponentManager implements Clause
func (s *Sort) SetComponentManager(mgr *arena.Manager) error { return s.setManager(mgr) }

// StructureForProcessing implements Clause
func (s *Sort) StructureForProcessing(input []Group) ([]Group, error) {
	if err := s.beginStructure(); err != nil {
		return nil, err
	}
	return allStructure(input)
}

// Process implements Clause
func (s *Sort) Process(ctx context.Context, g Group) (Group, error) {
	if err := s.beginProcess(); err != nil {
		return nil, err
	}
	frames := make([]*frame.Frame, 0, len(g))
	for _, u := range g {
		if err := checkCancelled(ctx); err != nil {
			return nil, err
		}
		fr, err := s.frame(u)
		if err != nil {
			return nil, err
		}
		frames = append(frames, fr)
	}
	combined, err := concatFrames(frames, JoinOuter)
	if err != nil {
		return nil, err
	}

	key := combined.Index
	if s.column != "" {
		col, ok := combined.Column(s.column)
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeUserInput, "sort column %q not found", s.column)
		}
		key = col
	}

	idx := make([]int, combined.RowCount())
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		// Nulls sort last.
		if key.IsNull(idx[a]) != key.IsNull(idx[b]) {
			return !key.IsNull(idx[a])
		}
		if key.IsNull(idx[a]) {
			return false
		}
		return cellLess(key, idx[a], idx[b])
	})

	sorted := combined.Take(idx)
	s.releaseAll(g)
	return Group{s.emit(sorted)}, nil
}

// ModifySchema implements Clause
func (s *Sort) ModifySchema(schema *Schema) (*Schema, error) {
	if s.column == "" {
		return schema, nil
	}
	if _, ok := schema.Column(s.column); !ok && schema.Index.Name != s.column {
		return nil, errors.Newf(errors.ErrorTypeUserInput, "sort column %q not found", s.column)
	}
	return schema, nil
}

// Drain implements Clause
func (s *Sort) Drain() error { return s.drain() }

// Split re-slices the input into fixed-size row slices, typically ahead
// of a stage that wants uniform parallel units.
type Split struct {
	core
	rows int
}

// NewSplit creates a re-slicing clause
func NewSplit(rows int) (*Split, error) {
	if rows <= 0 {
		return nil, errors.New(errors.ErrorTypeUserInput, "split requires a positive row count")
	}
	return &Split{core: core{name: "split"}, rows: rows}, nil
}

// Info implements Clause
func (s *Split) Info() Info {
	return Info{Name: s.name, Structure: StructureAll}
}

// SetProcessingConfig implements Clause
func (s *Split) SetProcessingConfig(cfg ProcessingConfig) error { return s.setConfig(cfg) }

// SetComponentManager implements Clause
func (s *Split) SetComponentManager(mgr *arena.Manager) error { return s.setManager(mgr) }

// StructureForProcessing implements Clause
func (s *Split) StructureForProcessing(input []Group) ([]Group, error) {
	if err := s.beginStructure(); err != nil {
		return nil, err
	}
	return allStructure(input)
}

// Process implements Clause
func (s *Split) Process(ctx context.Context, g Group) (Group, error) {
	if err := s.beginProcess(); err != nil {
		return nil, err
	}
	frames := make([]*frame.Frame, 0, len(g))
	for _, u := range g {
		if err := checkCancelled(ctx); err != nil {
			return nil, err
		}
		fr, err := s.frame(u)
		if err != nil {
			return nil, err
		}
		frames = append(frames, fr)
	}
	combined, err := concatFrames(frames, JoinOuter)
	if err != nil {
		return nil, err
	}

	var out Group
	for start := 0; start < combined.RowCount(); start += s.rows {
		end := start + s.rows
		if end > combined.RowCount() {
			end = combined.RowCount()
		}
		out = append(out, s.emit(combined.Slice(start, end)))
	}
	s.releaseAll(g)
	return out, nil
}

// ModifySchema implements Clause
func (s *Split) ModifySchema(schema *Schema) (*Schema, error) { return schema, nil }

// Drain implements Clause
func (s *Split) Drain() error { return s.drain() }
