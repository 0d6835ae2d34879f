package pipeline

import (
	"context"

	"github.com/tundradb/tundra/pkg/arena"
	"github.com/tundradb/tundra/pkg/errors"
	"github.com/tundradb/tundra/pkg/frame"
)

// JoinKind selects how concatenation treats mismatched column sets
type JoinKind uint8

const (
	// JoinInner keeps only columns present in every input
	JoinInner JoinKind = iota
	// JoinOuter keeps every column, materialising nulls where absent
	JoinOuter
)

// Concat vertically concatenates independent inputs. With an outer join
// it is also the machinery behind dynamic-schema reads: columns missing
// from a slice come back as all-null.
type Concat struct {
	core
	join JoinKind
}

// NewConcat creates a concatenation clause
func NewConcat(join JoinKind) *Concat {
	return &Concat{core: core{name: "concat"}, join: join}
}

// Info implements Clause
func (c *Concat) Info() Info {
	return Info{Name: c.name, Structure: StructureAll}
}

// SetProcessingConfig implements Clause
func (c *Concat) SetProcessingConfig(cfg ProcessingConfig) error { return c.setConfig(cfg) }

// SetComponentManager implements Clause
func (c *Concat) SetComponentManager(mgr *arena.Manager) error { return c.setManager(mgr) }

// StructureForProcessing implements Clause
func (c *Concat) StructureForProcessing(input []Group) ([]Group, error) {
	if err := c.beginStructure(); err != nil {
		return nil, err
	}
	return allStructure(input)
}

// Process implements Clause
func (c *Concat) Process(ctx context.Context, g Group) (Group, error) {
	if err := c.beginProcess(); err != nil {
		return nil, err
	}
	frames := make([]*frame.Frame, 0, len(g))
	for _, u := range g {
		if err := checkCancelled(ctx); err != nil {
			return nil, err
		}
		fr, err := c.frame(u)
		if err != nil {
			return nil, err
		}
		frames = append(frames, fr)
	}
	out, err := concatFrames(frames, c.join)
	if err != nil {
		return nil, err
	}
	c.releaseAll(g)
	return Group{c.emit(out)}, nil
}

// ModifySchema implements Clause
func (c *Concat) ModifySchema(schema *Schema) (*Schema, error) { return schema, nil }

// JoinSchemas implements SchemaJoiner
func (c *Concat) JoinSchemas(schemas []*Schema) (*Schema, error) {
	if len(schemas) == 0 {
		return nil, errors.New(errors.ErrorTypeUserInput, "concat with no input schemas")
	}
	out := schemas[0].Clone()
	for _, s := range schemas[1:] {
		if s.Index.Type != out.Index.Type {
			return nil, errors.New(errors.ErrorTypeUserInput, "concat inputs differ in index type")
		}
		if c.join == JoinInner {
			kept := out.Columns[:0]
			for _, col := range out.Columns {
				if other, ok := s.Column(col.Name); ok && other.Type == col.Type {
					kept = append(kept, col)
				}
			}
			out.Columns = kept
			continue
		}
		for _, col := range s.Columns {
			if _, ok := out.Column(col.Name); !ok {
				out.Columns = append(out.Columns, col)
			}
		}
	}
	return out, nil
}

// Drain implements Clause
func (c *Concat) Drain() error { return c.drain() }

// ConcatFrames appends frames vertically under the given column join.
// The query layer uses it to assemble the final output from the
// executor's surviving units.
func ConcatFrames(frames []*frame.Frame, join JoinKind) (*frame.Frame, error) {
	return concatFrames(frames, join)
}

// concatFrames appends frames vertically under the given column join
func concatFrames(frames []*frame.Frame, join JoinKind) (*frame.Frame, error) {
	if len(frames) == 0 {
		return nil, errors.New(errors.ErrorTypeUserInput, "nothing to concatenate")
	}
	if len(frames) == 1 {
		return frames[0], nil
	}

	for _, fr := range frames[1:] {
		if fr.Index.Type != frames[0].Index.Type {
			return nil, errors.New(errors.ErrorTypeUserInput, "concat inputs differ in index type")
		}
	}

	// Resolve the output column set.
	type field struct {
		name string
		typ  frame.DType
	}
	var outFields []field
	switch join {
	case JoinInner:
		for _, c := range frames[0].Columns {
			inAll := true
			for _, fr := range frames[1:] {
				if other, ok := fr.Column(c.Name); !ok || other.Type != c.Type {
					inAll = false
					break
				}
			}
			if inAll {
				outFields = append(outFields, field{c.Name, c.Type})
			}
		}
	case JoinOuter:
		seen := make(map[string]bool)
		for _, fr := range frames {
			for _, c := range fr.Columns {
				if !seen[c.Name] {
					seen[c.Name] = true
					outFields = append(outFields, field{c.Name, c.Type})
				}
			}
		}
	}

	index := frames[0].Index.Slice(0, frames[0].Index.Len())
	cols := make([]*frame.Column, len(outFields))
	for i, f := range outFields {
		if src, ok := frames[0].Column(f.name); ok {
			cols[i] = src.Slice(0, src.Len())
		} else {
			cols[i] = frame.NewNullColumn(f.name, f.typ, frames[0].RowCount())
		}
	}

	for _, fr := range frames[1:] {
		if err := index.AppendColumn(fr.Index); err != nil {
			return nil, err
		}
		for i, f := range outFields {
			src, ok := fr.Column(f.name)
			if !ok {
				src = frame.NewNullColumn(f.name, f.typ, fr.RowCount())
			}
			if src.Type != f.typ {
				return nil, errors.Newf(errors.ErrorTypeUserInput,
					"concat column %q has mixed types %s and %s", f.name, f.typ, src.Type)
			}
			if err := cols[i].AppendColumn(src); err != nil {
				return nil, err
			}
		}
	}
	return frame.New(index, cols...)
}
