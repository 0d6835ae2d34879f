package pipeline

import (
	"container/heap"
	"context"

	"github.com/tundradb/tundra/pkg/arena"
	"github.com/tundradb/tundra/pkg/errors"
	"github.com/tundradb/tundra/pkg/frame"
)

// Merge interleaves already-sorted inputs into one stream ordered by
// index. The output is monotone; rows with equal index values keep the
// order of their source units.
type Merge struct {
	core
}

// NewMerge creates a k-way merge clause
func NewMerge() *Merge {
	return &Merge{core: core{name: "merge"}}
}

// Info implements Clause
func (m *Merge) Info() Info {
	return Info{Name: m.name, Structure: StructureAll}
}

// SetProcessingConfig implements Clause
func (m *Merge) SetProcessingConfig(cfg ProcessingConfig) error { return m.setConfig(cfg) }

// SetComponentManager implements Clause
func (m *Merge) SetComponentManager(mgr *arena.Manager) error { return m.setManager(mgr) }

// StructureForProcessing implements Clause
func (m *Merge) StructureForProcessing(input []Group) ([]Group, error) {
	if err := m.beginStructure(); err != nil {
		return nil, err
	}
	return allStructure(input)
}

// mergeCursor is one source's read position in the heap
type mergeCursor struct {
	source int
	row    int // next row within the source
	offset int // source's base row in the combined frame
	ts     int64
	limit  int
}

type mergeHeap []mergeCursor

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	if h[i].ts != h[j].ts {
		return h[i].ts < h[j].ts
	}
	return h[i].source < h[j].source
}
func (h mergeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x interface{}) { *h = append(*h, x.(mergeCursor)) }
func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Process implements Clause
func (m *Merge) Process(ctx context.Context, g Group) (Group, error) {
	if err := m.beginProcess(); err != nil {
		return nil, err
	}

	frames := make([]*frame.Frame, 0, len(g))
	for _, u := range g {
		if err := checkCancelled(ctx); err != nil {
			return nil, err
		}
		fr, err := m.frame(u)
		if err != nil {
			return nil, err
		}
		if fr.Index.Type != frame.Timestamp && fr.Index.Type != frame.Int64 {
			return nil, errors.Newf(errors.ErrorTypeUserInput, "merge over %s index", fr.Index.Type)
		}
		if !fr.IsSortedByIndex() {
			return nil, errors.New(errors.ErrorTypeUserInput, "merge input is not sorted by index")
		}
		frames = append(frames, fr)
	}

	join := JoinInner
	if m.config().DynamicSchema {
		join = JoinOuter
	}
	combined, err := concatFrames(frames, join)
	if err != nil {
		return nil, err
	}

	h := make(mergeHeap, 0, len(frames))
	offset := 0
	for i, fr := range frames {
		if fr.RowCount() > 0 {
			h = append(h, mergeCursor{
				source: i,
				offset: offset,
				ts:     fr.Index.Ints[0],
				limit:  fr.RowCount(),
			})
		}
		offset += fr.RowCount()
	}
	heap.Init(&h)

	order := make([]int, 0, combined.RowCount())
	for h.Len() > 0 {
		cur := h[0]
		order = append(order, cur.offset+cur.row)
		cur.row++
		if cur.row < cur.limit {
			cur.ts = frames[cur.source].Index.Ints[cur.row]
			h[0] = cur
			heap.Fix(&h, 0)
		} else {
			heap.Pop(&h)
		}
	}

	merged := combined.Take(order)
	m.releaseAll(g)
	return Group{m.emit(merged)}, nil
}

// ModifySchema implements Clause
func (m *Merge) ModifySchema(schema *Schema) (*Schema, error) { return schema, nil }

// Drain implements Clause
func (m *Merge) Drain() error { return m.drain() }
