// Package pipeline implements the staged query pipeline: the clause set
// transforming processing units of column slices, and the executor that
// schedules clauses over a worker pool with backpressure and cooperative
// cancellation.
package pipeline

import (
	"context"
	"sync"

	"github.com/tundradb/tundra/pkg/arena"
	"github.com/tundradb/tundra/pkg/errors"
	"github.com/tundradb/tundra/pkg/frame"
)

// Structure tags how a clause partitions its input
type Structure uint8

const (
	// StructureRowSlice means the clause processes each row-aligned slice
	// independently, so slices pipeline through it in parallel
	StructureRowSlice Structure = iota
	// StructureAll means the clause needs the whole input and acts as a
	// barrier in the pipeline
	StructureAll
)

// Info declares a clause's static properties
type Info struct {
	// Name identifies the clause in errors and metrics
	Name string
	// RequiredColumns lists columns the clause reads, empty meaning all
	RequiredColumns []string
	// CombinableWithProjection reports whether column projection may be
	// pushed through this clause
	CombinableWithProjection bool
	// Structure is the processing-structure tag
	Structure Structure
}

// ProcessingConfig carries the pipeline-level knobs every clause receives
// before execution.
type ProcessingConfig struct {
	// DynamicSchema materialises nulls for columns absent from a slice
	DynamicSchema bool
	// TotalRows is the source row count, needed by row-range wrapping
	TotalRows int
	// OptimiseForSpeed trades intermediate memory for throughput
	OptimiseForSpeed bool
}

// SchemaField is one column of a schema
type SchemaField struct {
	Name string
	Type frame.DType
}

// Schema is the static shape of the frames flowing between clauses
type Schema struct {
	Index   SchemaField
	Columns []SchemaField
}

// Column finds a schema column by name
func (s *Schema) Column(name string) (SchemaField, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return SchemaField{}, false
}

// Clone deep-copies the schema
func (s *Schema) Clone() *Schema {
	out := &Schema{Index: s.Index, Columns: make([]SchemaField, len(s.Columns))}
	copy(out.Columns, s.Columns)
	return out
}

// Unit is one processing unit: an arena entity holding a row-aligned
// frame slice, plus the partition key when the unit is one bucket of a
// partitioned input.
type Unit struct {
	Frame arena.EntityID
	Key   interface{}
}

// Group is the operand of one Process call
type Group []Unit

// Clause is the uniform capability set of every pipeline stage
type Clause interface {
	// Info declares the clause's static properties
	Info() Info
	// SetProcessingConfig receives the pipeline knobs; legal only before
	// execution starts
	SetProcessingConfig(cfg ProcessingConfig) error
	// SetComponentManager binds the clause to the query's arena; legal
	// only before execution starts
	SetComponentManager(mgr *arena.Manager) error
	// StructureForProcessing partitions the input groups into the groups
	// this clause will process
	StructureForProcessing(input []Group) ([]Group, error)
	// Process transforms one group, producing replacement units. Aside
	// from arena interactions it is side-effect free.
	Process(ctx context.Context, g Group) (Group, error)
	// ModifySchema applies the clause's static effect on the schema
	ModifySchema(schema *Schema) (*Schema, error)
	// Drain marks the clause finished; Process afterwards is misuse
	Drain() error
}

// SchemaJoiner is implemented by clauses that merge pipeline branches
type SchemaJoiner interface {
	JoinSchemas(schemas []*Schema) (*Schema, error)
}

// state is the clause lifecycle position
type state uint8

const (
	stateFresh state = iota
	stateConfigured
	stateExecuting
	stateDrained
)

func (s state) String() string {
	switch s {
	case stateFresh:
		return "fresh"
	case stateConfigured:
		return "configured"
	case stateExecuting:
		return "executing"
	case stateDrained:
		return "drained"
	}
	return "unknown"
}

// core carries the lifecycle state machine and arena binding shared by
// every clause. A clause is configured once both the processing config
// and the component manager have arrived, in either order.
type core struct {
	name string

	mu     sync.Mutex
	st     state
	cfg    ProcessingConfig
	mgr    *arena.Manager
	hasCfg bool
	hasMgr bool
}

func (c *core) misuse(op string) error {
	return errors.Newf(errors.ErrorTypeClauseMisuse,
		"%s on %s clause in %s state", op, c.name, c.st)
}

func (c *core) setConfig(cfg ProcessingConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.st != stateFresh && c.st != stateConfigured {
		return c.misuse("set_processing_config")
	}
	c.cfg = cfg
	c.hasCfg = true
	if c.hasMgr {
		c.st = stateConfigured
	}
	return nil
}

func (c *core) setManager(mgr *arena.Manager) error {
	if mgr == nil {
		return errors.New(errors.ErrorTypeClauseMisuse, "nil component manager")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.st != stateFresh && c.st != stateConfigured {
		return c.misuse("set_component_manager")
	}
	c.mgr = mgr
	c.hasMgr = true
	if c.hasCfg {
		c.st = stateConfigured
	}
	return nil
}

// beginStructure guards StructureForProcessing
func (c *core) beginStructure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.st != stateConfigured {
		return c.misuse("structure_for_processing")
	}
	return nil
}

// beginProcess guards Process and moves the clause into execution
func (c *core) beginProcess() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.st {
	case stateConfigured:
		c.st = stateExecuting
	case stateExecuting:
	default:
		return c.misuse("process")
	}
	return nil
}

func (c *core) drain() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.st != stateConfigured && c.st != stateExecuting {
		return c.misuse("drain")
	}
	c.st = stateDrained
	return nil
}

func (c *core) config() ProcessingConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// frame fetches a unit's frame payload from the arena
func (c *core) frame(u Unit) (*frame.Frame, error) {
	return arena.GetAs[*frame.Frame](c.mgr, u.Frame)
}

// emit inserts a frame into the arena as a fresh unit
func (c *core) emit(f *frame.Frame) Unit {
	return Unit{Frame: c.mgr.Insert(f)}
}

// emitKeyed inserts a frame as a bucket unit carrying its partition key
func (c *core) emitKeyed(f *frame.Frame, key interface{}) Unit {
	return Unit{Frame: c.mgr.Insert(f), Key: key}
}

// release returns a consumed unit's entity to the arena
func (c *core) release(u Unit) {
	_ = c.mgr.Release(u.Frame)
}

// releaseAll releases every unit of a group
func (c *core) releaseAll(g Group) {
	for _, u := range g {
		c.release(u)
	}
}

// identityStructure keeps the input grouping
func identityStructure(input []Group) ([]Group, error) {
	return input, nil
}

// allStructure flattens every input group into a single group
func allStructure(input []Group) ([]Group, error) {
	var all Group
	for _, g := range input {
		all = append(all, g...)
	}
	if all == nil {
		return nil, nil
	}
	return []Group{all}, nil
}

// checkCancelled converts a tripped context into the cancellation error
// kind clauses report at suspension points.
func checkCancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeCancelled, "clause cancelled")
	}
	return nil
}
