package pipeline

import (
	"context"
	"sync"

	"github.com/tundradb/tundra/pkg/arena"
	"github.com/tundradb/tundra/pkg/segment"
)

// ColumnStatsGeneration passes units through unchanged while folding
// per-column statistics as a side artifact. Collect returns the merged
// stats once the run is drained; the writer persists them next to the
// data keys.
type ColumnStatsGeneration struct {
	core
	mu    sync.Mutex
	stats map[string]*segment.FieldStats
}

// NewColumnStatsGeneration creates a stats-collecting clause
func NewColumnStatsGeneration() *ColumnStatsGeneration {
	return &ColumnStatsGeneration{
		core:  core{name: "column_stats"},
		stats: make(map[string]*segment.FieldStats),
	}
}

// Info implements Clause
func (c *ColumnStatsGeneration) Info() Info {
	return Info{Name: c.name, CombinableWithProjection: true, Structure: StructureRowSlice}
}

// SetProcessingConfig implements Clause
func (c *ColumnStatsGeneration) SetProcessingConfig(cfg ProcessingConfig) error {
	return c.setConfig(cfg)
}

// SetComponentManager implements Clause
func (c *ColumnStatsGeneration) SetComponentManager(mgr *arena.Manager) error {
	return c.setManager(mgr)
}

// StructureForProcessing implements Clause
func (c *ColumnStatsGeneration) StructureForProcessing(input []Group) ([]Group, error) {
	if err := c.beginStructure(); err != nil {
		return nil, err
	}
	return identityStructure(input)
}

// Process implements Clause
func (c *ColumnStatsGeneration) Process(ctx context.Context, g Group) (Group, error) {
	if err := c.beginProcess(); err != nil {
		return nil, err
	}
	for _, u := range g {
		if err := checkCancelled(ctx); err != nil {
			return nil, err
		}
		fr, err := c.frame(u)
		if err != nil {
			return nil, err
		}
		for _, col := range fr.Columns {
			s := segment.ComputeStats(col)
			c.mu.Lock()
			if acc, ok := c.stats[col.Name]; ok {
				acc.Merge(s)
			} else {
				c.stats[col.Name] = s
			}
			c.mu.Unlock()
		}
	}
	return g, nil
}

// Collect returns the statistics folded so far, keyed by column name
func (c *ColumnStatsGeneration) Collect() map[string]*segment.FieldStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]*segment.FieldStats, len(c.stats))
	for k, v := range c.stats {
		cp := *v
		out[k] = &cp
	}
	return out
}

// ModifySchema implements Clause
func (c *ColumnStatsGeneration) ModifySchema(schema *Schema) (*Schema, error) { return schema, nil }

// Drain implements Clause
func (c *ColumnStatsGeneration) Drain() error { return c.drain() }
