package pipeline

import (
	"context"

	"github.com/tundradb/tundra/pkg/arena"
	"github.com/tundradb/tundra/pkg/errors"
	"github.com/tundradb/tundra/pkg/expr"
)

// Filter drops rows whose filter expression evaluates false or null
type Filter struct {
	core
	tree *expr.Tree
}

// NewFilter creates a filter clause over the given expression tree. The
// tree must yield a row mask.
func NewFilter(tree *expr.Tree) (*Filter, error) {
	if tree == nil {
		return nil, errors.New(errors.ErrorTypeUserInput, "filter requires an expression")
	}
	if err := tree.Validate(); err != nil {
		return nil, err
	}
	kind, err := tree.KindOf(tree.Root)
	if err != nil {
		return nil, err
	}
	if kind != expr.KindMask {
		return nil, errors.New(errors.ErrorTypeUserInput, "filter expression must yield a row mask")
	}
	return &Filter{core: core{name: "filter"}, tree: tree}, nil
}

// Info implements Clause
func (f *Filter) Info() Info {
	return Info{
		Name:                     f.name,
		RequiredColumns:          f.tree.RequiredColumns(),
		CombinableWithProjection: true,
		Structure:                StructureRowSlice,
	}
}

// SetProcessingConfig implements Clause
func (f *Filter) SetProcessingConfig(cfg ProcessingConfig) error { return f.setConfig(cfg) }

// SetComponentManager implements Clause
func (f *Filter) SetComponentManager(mgr *arena.Manager) error { return f.setManager(mgr) }

// StructureForProcessing implements Clause
func (f *Filter) StructureForProcessing(input []Group) ([]Group, error) {
	if err := f.beginStructure(); err != nil {
		return nil, err
	}
	return identityStructure(input)
}

// Process implements Clause
func (f *Filter) Process(ctx context.Context, g Group) (Group, error) {
	if err := f.beginProcess(); err != nil {
		return nil, err
	}
	out := make(Group, 0, len(g))
	for _, u := range g {
		if err := checkCancelled(ctx); err != nil {
			return nil, err
		}
		fr, err := f.frame(u)
		if err != nil {
			return nil, err
		}
		mask, err := f.tree.EvalMask(fr)
		if err != nil {
			return nil, err
		}
		if mask.Count() == fr.RowCount() {
			out = append(out, u) // nothing dropped, keep the slice as is
			continue
		}
		filtered := fr.Take(mask.Indices())
		f.release(u)
		if filtered.RowCount() > 0 {
			out = append(out, f.emit(filtered))
		}
	}
	return out, nil
}

// ModifySchema implements Clause
func (f *Filter) ModifySchema(schema *Schema) (*Schema, error) {
	for _, name := range f.tree.RequiredColumns() {
		if _, ok := schema.Column(name); !ok && schema.Index.Name != name {
			return nil, errors.Newf(errors.ErrorTypeUserInput, "filter references unknown column %q", name)
		}
	}
	return schema, nil
}

// Drain implements Clause
func (f *Filter) Drain() error { return f.drain() }
