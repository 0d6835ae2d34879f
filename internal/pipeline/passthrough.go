package pipeline

import (
	"context"

	"github.com/tundradb/tundra/pkg/arena"
)

// Passthrough is the identity clause. It exists so a plan always has at
// least one stage and as the scaffolding for pipeline tests.
type Passthrough struct {
	core
}

// NewPassthrough creates the identity clause
func NewPassthrough() *Passthrough {
	return &Passthrough{core: core{name: "passthrough"}}
}

// Info implements Clause
func (p *Passthrough) Info() Info {
	return Info{
		Name:                     p.name,
		CombinableWithProjection: true,
		Structure:                StructureRowSlice,
	}
}

// SetProcessingConfig implements Clause
func (p *Passthrough) SetProcessingConfig(cfg ProcessingConfig) error { return p.setConfig(cfg) }

// SetComponentManager implements Clause
func (p *Passthrough) SetComponentManager(mgr *arena.Manager) error { return p.setManager(mgr) }

// StructureForProcessing implements Clause
func (p *Passthrough) StructureForProcessing(input []Group) ([]Group, error) {
	if err := p.beginStructure(); err != nil {
		return nil, err
	}
	return identityStructure(input)
}

// Process implements Clause
func (p *Passthrough) Process(ctx context.Context, g Group) (Group, error) {
	if err := p.beginProcess(); err != nil {
		return nil, err
	}
	if err := checkCancelled(ctx); err != nil {
		return nil, err
	}
	return g, nil
}

// ModifySchema implements Clause
func (p *Passthrough) ModifySchema(schema *Schema) (*Schema, error) { return schema, nil }

// Drain implements Clause
func (p *Passthrough) Drain() error { return p.drain() }
