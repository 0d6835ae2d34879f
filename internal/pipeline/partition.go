package pipeline

import (
	"context"
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash/v2"

	"github.com/tundradb/tundra/pkg/arena"
	"github.com/tundradb/tundra/pkg/errors"
	"github.com/tundradb/tundra/pkg/frame"
)

const defaultBuckets = 16

// Partition buckets rows by a hash grouper on one column, emitting one
// unit per non-empty bucket. Buckets are hash classes, not distinct
// values; the aggregation clause finishes the group-by per value.
type Partition struct {
	core
	column  string
	buckets int
}

// NewPartition creates a hash-partition clause on the named column
func NewPartition(column string) (*Partition, error) {
	if column == "" {
		return nil, errors.New(errors.ErrorTypeUserInput, "partition requires a group column")
	}
	return &Partition{core: core{name: "partition"}, column: column, buckets: defaultBuckets}, nil
}

// Info implements Clause
func (p *Partition) Info() Info {
	return Info{
		Name:            p.name,
		RequiredColumns: []string{p.column},
		Structure:       StructureRowSlice,
	}
}

// SetProcessingConfig implements Clause
func (p *Partition) SetProcessingConfig(cfg ProcessingConfig) error { return p.setConfig(cfg) }

// SetComponentManager implements Clause
func (p *Partition) SetComponentManager(mgr *arena.Manager) error { return p.setManager(mgr) }

// StructureForProcessing implements Clause
func (p *Partition) StructureForProcessing(input []Group) ([]Group, error) {
	if err := p.beginStructure(); err != nil {
		return nil, err
	}
	return identityStructure(input)
}

// Process implements Clause
func (p *Partition) Process(ctx context.Context, g Group) (Group, error) {
	if err := p.beginProcess(); err != nil {
		return nil, err
	}
	var out Group
	for _, u := range g {
		if err := checkCancelled(ctx); err != nil {
			return nil, err
		}
		fr, err := p.frame(u)
		if err != nil {
			return nil, err
		}
		col, ok := fr.Column(p.column)
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeUserInput, "partition column %q not found", p.column)
		}

		rows := make(map[int][]int)
		for i := 0; i < col.Len(); i++ {
			b := int(hashValue(col, i) % uint64(p.buckets))
			rows[b] = append(rows[b], i)
		}
		for b, idx := range rows {
			out = append(out, p.emitKeyed(fr.Take(idx), b))
		}
		p.release(u)
	}
	return out, nil
}

// ModifySchema implements Clause
func (p *Partition) ModifySchema(schema *Schema) (*Schema, error) {
	if _, ok := schema.Column(p.column); !ok && schema.Index.Name != p.column {
		return nil, errors.Newf(errors.ErrorTypeUserInput, "partition column %q not found", p.column)
	}
	return schema, nil
}

// Drain implements Clause
func (p *Partition) Drain() error { return p.drain() }

// hashValue hashes one cell for bucket selection. Nulls all land in
// bucket zero.
func hashValue(col *frame.Column, i int) uint64 {
	if col.IsNull(i) {
		return 0
	}
	var b [8]byte
	switch col.Type {
	case frame.Int64, frame.Timestamp:
		binary.LittleEndian.PutUint64(b[:], uint64(col.Ints[i]))
	case frame.Float64:
		binary.LittleEndian.PutUint64(b[:], math.Float64bits(col.Floats[i]))
	case frame.Bool:
		if col.Bools[i] {
			b[0] = 1
		}
	case frame.String:
		return xxhash.Sum64String(col.Strs[i])
	}
	return xxhash.Sum64(b[:])
}

// RemoveColumnPartitioning joins column-sibling units back into whole
// row slices ahead of a clause that needs every column in one frame.
// Units within a group must cover the same rows.
type RemoveColumnPartitioning struct {
	core
}

// NewRemoveColumnPartitioning creates the column-join clause
func NewRemoveColumnPartitioning() *RemoveColumnPartitioning {
	return &RemoveColumnPartitioning{core: core{name: "remove_column_partitioning"}}
}

// Info implements Clause
func (r *RemoveColumnPartitioning) Info() Info {
	return Info{Name: r.name, Structure: StructureRowSlice}
}

// SetProcessingConfig implements Clause
func (r *RemoveColumnPartitioning) SetProcessingConfig(cfg ProcessingConfig) error {
	return r.setConfig(cfg)
}

// SetComponentManager implements Clause
func (r *RemoveColumnPartitioning) SetComponentManager(mgr *arena.Manager) error {
	return r.setManager(mgr)
}

// StructureForProcessing implements Clause
func (r *RemoveColumnPartitioning) StructureForProcessing(input []Group) ([]Group, error) {
	if err := r.beginStructure(); err != nil {
		return nil, err
	}
	return identityStructure(input)
}

// Process implements Clause
func (r *RemoveColumnPartitioning) Process(ctx context.Context, g Group) (Group, error) {
	if err := r.beginProcess(); err != nil {
		return nil, err
	}
	if err := checkCancelled(ctx); err != nil {
		return nil, err
	}
	if len(g) <= 1 {
		return g, nil
	}

	first, err := r.frame(g[0])
	if err != nil {
		return nil, err
	}
	cols := append([]*frame.Column{}, first.Columns...)
	for _, u := range g[1:] {
		fr, err := r.frame(u)
		if err != nil {
			return nil, err
		}
		if fr.RowCount() != first.RowCount() {
			return nil, errors.New(errors.ErrorTypeInternal,
				"column siblings differ in row count")
		}
		cols = append(cols, fr.Columns...)
	}
	joined, err := frame.New(first.Index, cols...)
	if err != nil {
		return nil, err
	}
	r.releaseAll(g)
	return Group{r.emit(joined)}, nil
}

// ModifySchema implements Clause
func (r *RemoveColumnPartitioning) ModifySchema(schema *Schema) (*Schema, error) {
	return schema, nil
}

// Drain implements Clause
func (r *RemoveColumnPartitioning) Drain() error { return r.drain() }
