package pipeline

import (
	"context"

	"github.com/tundradb/tundra/pkg/arena"
	"github.com/tundradb/tundra/pkg/errors"
	"github.com/tundradb/tundra/pkg/expr"
	"github.com/tundradb/tundra/pkg/frame"
)

// Project appends one computed column to each slice
type Project struct {
	core
	output string
	tree   *expr.Tree
}

// NewProject creates a projection clause. The tree must yield a value
// column, not a row mask.
func NewProject(output string, tree *expr.Tree) (*Project, error) {
	if output == "" {
		return nil, errors.New(errors.ErrorTypeUserInput, "projection requires an output column name")
	}
	if tree == nil {
		return nil, errors.New(errors.ErrorTypeUserInput, "projection requires an expression")
	}
	if err := tree.Validate(); err != nil {
		return nil, err
	}
	kind, err := tree.KindOf(tree.Root)
	if err != nil {
		return nil, err
	}
	if kind != expr.KindColumn {
		return nil, errors.New(errors.ErrorTypeUserInput, "projection expression must yield a value, not a mask")
	}
	return &Project{core: core{name: "project"}, output: output, tree: tree}, nil
}

// Info implements Clause
func (p *Project) Info() Info {
	return Info{
		Name:                     p.name,
		RequiredColumns:          p.tree.RequiredColumns(),
		CombinableWithProjection: true,
		Structure:                StructureRowSlice,
	}
}

// SetProcessingConfig implements Clause
func (p *Project) SetProcessingConfig(cfg ProcessingConfig) error { return p.setConfig(cfg) }

// SetComponentManager implements Clause
func (p *Project) SetComponentManager(mgr *arena.Manager) error { return p.setManager(mgr) }

// StructureForProcessing implements Clause
func (p *Project) StructureForProcessing(input []Group) ([]Group, error) {
	if err := p.beginStructure(); err != nil {
		return nil, err
	}
	return identityStructure(input)
}

// Process implements Clause
func (p *Project) Process(ctx context.Context, g Group) (Group, error) {
	if err := p.beginProcess(); err != nil {
		return nil, err
	}
	out := make(Group, 0, len(g))
	for _, u := range g {
		if err := checkCancelled(ctx); err != nil {
			return nil, err
		}
		fr, err := p.frame(u)
		if err != nil {
			return nil, err
		}
		col, err := p.tree.EvalColumn(p.output, fr)
		if err != nil {
			return nil, err
		}

		cols := make([]*frame.Column, 0, len(fr.Columns)+1)
		replaced := false
		for _, c := range fr.Columns {
			if c.Name == p.output {
				cols = append(cols, col)
				replaced = true
			} else {
				cols = append(cols, c)
			}
		}
		if !replaced {
			cols = append(cols, col)
		}
		projected, err := frame.New(fr.Index, cols...)
		if err != nil {
			return nil, err
		}
		p.release(u)
		out = append(out, p.emit(projected))
	}
	return out, nil
}

// ModifySchema implements Clause
func (p *Project) ModifySchema(schema *Schema) (*Schema, error) {
	// The output type depends on operand widening; float64 is the safe
	// static answer for arithmetic roots, the column's own type otherwise.
	outType := frame.Float64
	root := p.tree.Nodes[p.tree.Root]
	switch root.Op {
	case expr.OpColumn:
		if c, ok := schema.Column(root.Column); ok {
			outType = c.Type
		}
	case expr.OpValue:
		outType = root.Value.Kind
	}

	out := schema.Clone()
	for i, c := range out.Columns {
		if c.Name == p.output {
			out.Columns[i].Type = outType
			return out, nil
		}
	}
	out.Columns = append(out.Columns, SchemaField{Name: p.output, Type: outType})
	return out, nil
}

// Drain implements Clause
func (p *Project) Drain() error { return p.drain() }
