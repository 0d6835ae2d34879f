package query

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tundradb/tundra/internal/pipeline"
	"github.com/tundradb/tundra/pkg/arena"
	"github.com/tundradb/tundra/pkg/config"
	"github.com/tundradb/tundra/pkg/errors"
	"github.com/tundradb/tundra/pkg/frame"
	"github.com/tundradb/tundra/pkg/logger"
	"github.com/tundradb/tundra/pkg/metrics"
	"github.com/tundradb/tundra/pkg/storage"
	"github.com/tundradb/tundra/pkg/version"
	"github.com/tundradb/tundra/pkg/write"
)

// Reader executes queries against one backend and version index
type Reader struct {
	backend  storage.Backend
	versions *version.Index
	cfg      config.ReadConfig
	exec     *pipeline.Executor
	log      *zap.Logger
}

// NewReader creates a query reader
func NewReader(backend storage.Backend, versions *version.Index, cfg config.ReadConfig, log *zap.Logger) *Reader {
	if log == nil {
		log = logger.Get()
	}
	return &Reader{
		backend:  backend,
		versions: versions,
		cfg:      cfg,
		exec:     pipeline.NewExecutor(cfg),
		log:      log.Named("reader"),
	}
}

// Read plans and executes one query, returning the assembled frame.
// Each query gets an id carried on the context, so log lines emitted
// anywhere below share it.
func (r *Reader) Read(ctx context.Context, q Query) (*frame.Frame, error) {
	start := time.Now()
	ctx = context.WithValue(ctx, logger.QueryIDKey, uuid.NewString())
	ctx = context.WithValue(ctx, logger.SymbolKey, q.Symbol.String())
	log := logger.WithContext(ctx)

	fr, err := r.read(ctx, q)
	status := "ok"
	if err != nil {
		status = "error"
		log.Debug("query failed", zap.Error(err))
	} else {
		log.Debug("query finished",
			zap.Int("rows", fr.RowCount()),
			zap.Duration("took", time.Since(start)))
	}
	metrics.RecordQueryDuration(status, time.Since(start))
	return fr, err
}

func (r *Reader) read(ctx context.Context, q Query) (*frame.Frame, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	clauses, err := q.clauses()
	if err != nil {
		return nil, err
	}

	head, err := r.versions.Resolve(ctx, q.Symbol, q.Version)
	if err != nil {
		return nil, err
	}
	if head.Node.IndexRoot == "" {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "symbol %s has no data", q.Symbol)
	}
	doc, err := write.LoadIndex(ctx, r.backend, head.Node.IndexRoot)
	if err != nil {
		return nil, err
	}

	needed := q.neededColumns()
	schema, err := planSchema(doc, needed)
	if err != nil {
		return nil, err
	}
	outSchema, err := pipeline.ApplySchema(clauses, schema)
	if err != nil {
		return nil, err
	}

	groups, mgr, err := r.loadGroups(ctx, q, doc, needed)
	if err != nil {
		return nil, err
	}

	pcfg := pipeline.ProcessingConfig{
		DynamicSchema: q.DynamicSchema || r.cfg.DynamicSchema,
	}
	if q.DateRange == nil && q.Filter == nil {
		pcfg.TotalRows = doc.TotalRows
	}

	outGroups, err := r.exec.Run(ctx, clauses, groups, pcfg, mgr)
	if err != nil {
		return nil, err
	}
	return assemble(outGroups, outSchema, mgr, pcfg.DynamicSchema, q.Columns)
}

// planSchema projects the symbol's recorded schema onto the plan's
// column set, failing on unknown names before any data key is fetched.
func planSchema(doc *write.IndexDoc, needed []string) (*pipeline.Schema, error) {
	schema := &pipeline.Schema{
		Index: pipeline.SchemaField{Name: doc.Index.Name, Type: doc.Index.DType},
	}
	if needed == nil {
		for _, f := range doc.Fields {
			schema.Columns = append(schema.Columns, pipeline.SchemaField{Name: f.Name, Type: f.DType})
		}
		return schema, nil
	}
	for _, name := range needed {
		if name == doc.Index.Name {
			continue
		}
		found := false
		for _, f := range doc.Fields {
			if f.Name == name {
				schema.Columns = append(schema.Columns, pipeline.SchemaField{Name: f.Name, Type: f.DType})
				found = true
				break
			}
		}
		if !found {
			return nil, invalidPlan("column %q does not exist", name)
		}
	}
	return schema, nil
}

// loadGroups walks the tile map, drops row slices and column tiles the
// plan cannot touch, reads the survivors and hands them to the arena as
// one group per row slice, in index order.
func (r *Reader) loadGroups(ctx context.Context, q Query, doc *write.IndexDoc,
	needed []string) ([]pipeline.Group, *arena.Manager, error) {

	mgr := arena.NewManager()
	var groups []pipeline.Group
	skipped := 0
	for _, slice := range write.RowSliceGroups(doc.Tiles) {
		if q.DateRange != nil && !sliceOverlaps(slice[0], q.DateRange) {
			skipped++
			continue
		}
		tiles := selectTiles(slice, needed)
		fr, err := readTiles(ctx, r.backend, tiles, needed)
		if err != nil {
			return nil, nil, err
		}
		groups = append(groups, pipeline.Group{pipeline.Unit{Frame: mgr.Insert(fr)}})
	}
	if skipped > 0 {
		r.log.Debug("date pushdown skipped slices",
			zap.String("symbol", q.Symbol.String()),
			zap.Int("skipped", skipped))
	}
	return groups, mgr, nil
}

// sliceOverlaps applies the date predicate to a tile's index bounds
// without decoding it. String-indexed symbols never match a date
// predicate and fall through to the clause.
func sliceOverlaps(t write.Tile, b *Bounds) bool {
	if t.Start.IsStr || t.End.IsStr || !t.Start.Set {
		return true
	}
	return t.Start.Num <= b.End && t.End.Num >= b.Start
}

// selectTiles keeps the column tiles carrying plan columns. The first
// tile always survives as the index carrier.
func selectTiles(slice []write.Tile, needed []string) []write.Tile {
	if needed == nil {
		return slice
	}
	want := make(map[string]bool, len(needed))
	for _, n := range needed {
		want[n] = true
	}
	out := slice[:1]
	for _, t := range slice[1:] {
		for _, c := range t.Columns {
			if want[c] {
				out = append(out, t)
				break
			}
		}
	}
	return out
}

// readTiles loads one row slice's tiles, joins the columns and projects
// down to the plan's column set.
func readTiles(ctx context.Context, b storage.Backend, tiles []write.Tile, needed []string) (*frame.Frame, error) {
	first, err := write.ReadTile(ctx, b, tiles[0])
	if err != nil {
		return nil, err
	}
	cols := append([]*frame.Column{}, first.Columns...)
	for _, t := range tiles[1:] {
		fr, err := write.ReadTile(ctx, b, t)
		if err != nil {
			return nil, err
		}
		if fr.RowCount() != first.RowCount() {
			return nil, errors.New(errors.ErrorTypeCorrupt, "column tiles of one row slice differ in row count")
		}
		cols = append(cols, fr.Columns...)
	}
	if needed != nil {
		want := make(map[string]bool, len(needed))
		for _, n := range needed {
			want[n] = true
		}
		kept := cols[:0]
		for _, c := range cols {
			if want[c.Name] {
				kept = append(kept, c)
			}
		}
		cols = kept
	}
	return frame.New(first.Index, cols...)
}

// assemble concatenates the surviving units into the output frame. An
// empty result still carries the planned schema.
func assemble(groups []pipeline.Group, schema *pipeline.Schema, mgr *arena.Manager,
	dynamic bool, outputColumns []string) (*frame.Frame, error) {

	var frames []*frame.Frame
	for _, g := range groups {
		for _, u := range g {
			fr, err := arena.GetAs[*frame.Frame](mgr, u.Frame)
			if err != nil {
				return nil, err
			}
			frames = append(frames, fr)
		}
	}
	if len(frames) == 0 {
		return emptyFrame(schema)
	}
	join := pipeline.JoinInner
	if dynamic {
		join = pipeline.JoinOuter
	}
	out, err := pipeline.ConcatFrames(frames, join)
	if err != nil {
		return nil, err
	}
	if len(outputColumns) > 0 {
		if projected, err := out.Project(outputColumns); err == nil {
			out = projected
		}
	}
	return out, nil
}

func emptyFrame(schema *pipeline.Schema) (*frame.Frame, error) {
	cols := make([]*frame.Column, 0, len(schema.Columns))
	for _, f := range schema.Columns {
		cols = append(cols, emptyColumn(f))
	}
	return frame.New(emptyColumn(schema.Index), cols...)
}

func emptyColumn(f pipeline.SchemaField) *frame.Column {
	switch f.Type {
	case frame.Float64:
		return frame.NewFloat64(f.Name, nil)
	case frame.String:
		return frame.NewString(f.Name, nil)
	case frame.Bool:
		return frame.NewBool(f.Name, nil)
	case frame.Timestamp:
		return frame.NewTimestamp(f.Name, nil)
	default:
		return frame.NewInt64(f.Name, nil)
	}
}

// Keys returns the data key paths the query plan would fetch, without
// reading them. Exposed for plan inspection and tests of the pushdown
// guarantee.
func (r *Reader) Keys(ctx context.Context, q Query) ([]string, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	head, err := r.versions.Resolve(ctx, q.Symbol, q.Version)
	if err != nil {
		return nil, err
	}
	if head.Node.IndexRoot == "" {
		return nil, nil
	}
	doc, err := write.LoadIndex(ctx, r.backend, head.Node.IndexRoot)
	if err != nil {
		return nil, err
	}
	needed := q.neededColumns()
	var out []string
	for _, slice := range write.RowSliceGroups(doc.Tiles) {
		if q.DateRange != nil && !sliceOverlaps(slice[0], q.DateRange) {
			continue
		}
		for _, t := range selectTiles(slice, needed) {
			out = append(out, t.Key)
		}
	}
	return out, nil
}
