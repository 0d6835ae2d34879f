// Package write implements the frame slicer: it partitions logical
// frames into row-by-column tiles, encodes each tile as a segment,
// persists the tiles in parallel and commits an index segment mapping
// tile ranges to data keys through the version index.
package write

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tundradb/tundra/pkg/codec"
	"github.com/tundradb/tundra/pkg/config"
	"github.com/tundradb/tundra/pkg/errors"
	"github.com/tundradb/tundra/pkg/frame"
	"github.com/tundradb/tundra/pkg/keys"
	"github.com/tundradb/tundra/pkg/logger"
	"github.com/tundradb/tundra/pkg/metrics"
	"github.com/tundradb/tundra/pkg/segment"
	"github.com/tundradb/tundra/pkg/storage"
	"github.com/tundradb/tundra/pkg/version"
)

// Options tunes a single write call
type Options struct {
	// Prune tombstones the previous version's keys, so only the new
	// version survives the next GC pass
	Prune bool
}

// Writer drives the write path for one backend and version index
type Writer struct {
	backend  storage.Backend
	versions *version.Index
	cfg      config.WriteConfig
	enc      segment.EncodeOptions
	log      *zap.Logger
}

// NewWriter creates a frame writer
func NewWriter(backend storage.Backend, versions *version.Index, cfg config.WriteConfig, log *zap.Logger) *Writer {
	if log == nil {
		log = logger.Get()
	}
	if cfg.RowSliceSize <= 0 {
		cfg.RowSliceSize = 100_000
	}
	if cfg.ColSliceSize <= 0 {
		cfg.ColSliceSize = 127
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 8
	}
	return &Writer{
		backend:  backend,
		versions: versions,
		cfg:      cfg,
		enc:      segment.DefaultEncodeOptions(),
		log:      log.Named("writer"),
	}
}

// indexValueAt renders one index cell as a key bound
func indexValueAt(col *frame.Column, i int) keys.IndexValue {
	if col.Type == frame.String {
		return keys.StrIndex(col.Strs[i])
	}
	return keys.NumIndex(col.Ints[i])
}

func validateInput(fr *frame.Frame) (*frame.Frame, error) {
	if fr == nil {
		return nil, errors.New(errors.ErrorTypeUserInput, "nil input frame")
	}
	if !fr.IsSortedByIndex() {
		fr = fr.SortByIndex()
	}
	return fr, nil
}

// Write commits the frame as a full new version of the symbol. Earlier
// versions stay readable until garbage collection unless Prune is set.
func (w *Writer) Write(ctx context.Context, stream keys.StreamID, fr *frame.Frame, opts Options) (*version.Head, error) {
	fr, err := validateInput(fr)
	if err != nil {
		return nil, err
	}

	return w.versions.Commit(ctx, stream, func(head *version.Head) (*version.Node, error) {
		versionID := nextVersion(head)
		doc, err := w.writeTiles(ctx, stream, versionID, fr, nil)
		if err != nil {
			return nil, err
		}
		root, err := w.putIndex(ctx, stream, versionID, doc)
		if err != nil {
			return nil, err
		}

		node := &version.Node{IndexRoot: root}
		if opts.Prune && head != nil {
			tombs, err := w.previousKeys(ctx, head)
			if err != nil {
				return nil, err
			}
			node.Tombstones = tombs
		}
		return node, nil
	})
}

// Append commits the frame as new rows after the symbol's existing
// index range. The appended frame is tiled from its own first row, so
// a partial final tile of the previous version stays as a seam rather
// than being rewritten.
func (w *Writer) Append(ctx context.Context, stream keys.StreamID, fr *frame.Frame, opts Options) (*version.Head, error) {
	fr, err := validateInput(fr)
	if err != nil {
		return nil, err
	}

	return w.versions.Commit(ctx, stream, func(head *version.Head) (*version.Node, error) {
		if head == nil || head.Node.Deleted {
			versionID := nextVersion(head)
			doc, err := w.writeTiles(ctx, stream, versionID, fr, nil)
			if err != nil {
				return nil, err
			}
			root, err := w.putIndex(ctx, stream, versionID, doc)
			if err != nil {
				return nil, err
			}
			return &version.Node{IndexRoot: root}, nil
		}

		prev, err := LoadIndex(ctx, w.backend, head.Node.IndexRoot)
		if err != nil {
			return nil, err
		}
		if fr.RowCount() > 0 {
			if prev.Index.DType != fr.Index.Type {
				return nil, errors.Newf(errors.ErrorTypeUserInput,
					"append index type %s does not match symbol index type %s",
					fr.Index.Type, prev.Index.DType)
			}
			if _, end, ok := prev.Bounds(); ok {
				first := indexValueAt(fr.Index, 0)
				if first.Less(end) {
					return nil, errors.Newf(errors.ErrorTypeUserInput,
						"append index start %s precedes existing end %s", first, end)
				}
			}
		}

		versionID := nextVersion(head)
		doc, err := w.writeTiles(ctx, stream, versionID, fr, prev)
		if err != nil {
			return nil, err
		}
		root, err := w.putIndex(ctx, stream, versionID, doc)
		if err != nil {
			return nil, err
		}
		node := &version.Node{IndexRoot: root}
		if opts.Prune {
			node.Tombstones = []string{head.Node.IndexRoot}
		}
		return node, nil
	})
}

// Update splices the frame into the symbol over the frame's index
// range. Tiles wholly outside the range are carried into the new
// version untouched; overlapped tiles are tombstoned and their rows
// outside the range rewritten together with the update.
func (w *Writer) Update(ctx context.Context, stream keys.StreamID, fr *frame.Frame) (*version.Head, error) {
	fr, err := validateInput(fr)
	if err != nil {
		return nil, err
	}
	if fr.RowCount() == 0 {
		return nil, errors.New(errors.ErrorTypeUserInput, "empty update frame")
	}
	lo := indexValueAt(fr.Index, 0)
	hi := indexValueAt(fr.Index, fr.RowCount()-1)

	return w.versions.Commit(ctx, stream, func(head *version.Head) (*version.Node, error) {
		if head == nil || head.Node.Deleted {
			return nil, errors.Newf(errors.ErrorTypeNotFound, "symbol %s not found", stream)
		}
		prev, err := LoadIndex(ctx, w.backend, head.Node.IndexRoot)
		if err != nil {
			return nil, err
		}
		if err := sameSchema(prev, fr); err != nil {
			return nil, err
		}

		var kept, overlapped []Tile
		for _, t := range prev.Tiles {
			if t.End.Less(lo) || hi.Less(t.Start) {
				kept = append(kept, t)
			} else {
				overlapped = append(overlapped, t)
			}
		}

		// Rows of overlapped tiles that fall outside the update range
		// survive and are rewritten alongside the update frame.
		spliced := []*frame.Frame{fr}
		for _, slice := range RowSliceGroups(overlapped) {
			full, err := readRowSlice(ctx, w.backend, slice)
			if err != nil {
				return nil, err
			}
			leftover, err := outsideRange(full, lo, hi)
			if err != nil {
				return nil, err
			}
			if leftover != nil && leftover.RowCount() > 0 {
				spliced = append(spliced, leftover)
			}
		}
		combined, err := stitch(spliced)
		if err != nil {
			return nil, err
		}

		versionID := nextVersion(head)
		doc, err := w.writeTiles(ctx, stream, versionID, combined, nil)
		if err != nil {
			return nil, err
		}
		// Rewritten slices are numbered from zero; shift them past the
		// kept ordinals so every slice keeps a distinct identity.
		if off := nextSeq(kept); off > 0 {
			for i := range doc.Tiles {
				doc.Tiles[i].Seq += off
			}
		}
		doc.Tiles = mergeTiles(kept, doc.Tiles)
		doc.TotalRows = recountRows(doc.Tiles)
		root, err := w.putIndex(ctx, stream, versionID, doc)
		if err != nil {
			return nil, err
		}

		tombs := []string{head.Node.IndexRoot}
		for _, t := range overlapped {
			tombs = append(tombs, t.Key)
		}
		return &version.Node{IndexRoot: root, Tombstones: tombs}, nil
	})
}

func nextVersion(head *version.Head) uint64 {
	if head == nil {
		return 0
	}
	return head.Node.VersionID + 1
}

// writeTiles partitions the frame along both axes and persists every
// tile in parallel. When prev is non-nil the frame extends an existing
// version: prev's tiles and schema are carried into the returned doc.
func (w *Writer) writeTiles(ctx context.Context, stream keys.StreamID, versionID uint64,
	fr *frame.Frame, prev *IndexDoc) (*IndexDoc, error) {

	doc := &IndexDoc{
		Index: Field{Name: fr.Index.Name, DType: fr.Index.Type},
		Stats: make(map[string]*segment.FieldStats),
	}
	for _, c := range fr.Columns {
		doc.Fields = append(doc.Fields, Field{Name: c.Name, DType: c.Type})
	}
	if prev != nil {
		doc.Index = prev.Index
		doc.Fields = unionFields(prev.Fields, doc.Fields)
		doc.Tiles = append(doc.Tiles, prev.Tiles...)
		doc.TotalRows = prev.TotalRows
		for name, s := range prev.Stats {
			doc.Stats[name] = s
		}
	}

	for _, c := range fr.Columns {
		s := segment.ComputeStats(c)
		if acc, ok := doc.Stats[c.Name]; ok {
			acc.Merge(s)
		} else {
			doc.Stats[c.Name] = s
		}
	}

	type tileJob struct {
		sub        *frame.Frame
		start, end keys.IndexValue
		seq        int
		slot       int
	}
	var jobs []tileJob
	base := nextSeq(doc.Tiles)
	r, k := w.cfg.RowSliceSize, w.cfg.ColSliceSize
	for r0 := 0; r0 < fr.RowCount(); r0 += r {
		r1 := r0 + r
		if r1 > fr.RowCount() {
			r1 = fr.RowCount()
		}
		idx := fr.Index.Slice(r0, r1)
		start := indexValueAt(fr.Index, r0)
		end := indexValueAt(fr.Index, r1-1)
		for c0 := 0; c0 < len(fr.Columns); c0 += k {
			c1 := c0 + k
			if c1 > len(fr.Columns) {
				c1 = len(fr.Columns)
			}
			cols := make([]*frame.Column, 0, c1-c0)
			for _, c := range fr.Columns[c0:c1] {
				cols = append(cols, c.Slice(r0, r1))
			}
			sub, err := frame.New(idx, cols...)
			if err != nil {
				return nil, err
			}
			jobs = append(jobs, tileJob{sub: sub, start: start, end: end, seq: base + r0/r, slot: len(jobs)})
		}
	}
	if fr.RowCount() > 0 && len(fr.Columns) == 0 {
		// Index-only frame still produces one tile per row slice.
		for r0 := 0; r0 < fr.RowCount(); r0 += r {
			r1 := r0 + r
			if r1 > fr.RowCount() {
				r1 = fr.RowCount()
			}
			sub, err := frame.New(fr.Index.Slice(r0, r1))
			if err != nil {
				return nil, err
			}
			jobs = append(jobs, tileJob{
				sub:   sub,
				start: indexValueAt(fr.Index, r0),
				end:   indexValueAt(fr.Index, r1-1),
				seq:   base + r0/r,
				slot:  len(jobs),
			})
		}
	}

	tiles := make([]Tile, len(jobs))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(w.cfg.Parallelism)
	for _, job := range jobs {
		job := job
		eg.Go(func() error {
			data, err := segment.Encode(&segment.Segment{Frame: job.sub}, w.enc)
			if err != nil {
				return err
			}
			key := keys.AtomKey{
				Stream:      stream,
				Type:        keys.TableData,
				VersionID:   versionID,
				CreationTS:  time.Now().UnixNano(),
				ContentHash: codec.Hash(data),
				Start:       job.start,
				End:         job.end,
			}
			if err := w.backend.Put(egCtx, key.Path(), data, true); err != nil {
				// A content-addressed collision means the bytes are
				// already there.
				if !errors.IsType(err, errors.ErrorTypeConflict) {
					return err
				}
			}
			metrics.RecordSegmentWritten(keys.TableData.String())
			tiles[job.slot] = Tile{
				Key:     key.Path(),
				Seq:     job.seq,
				Start:   job.start,
				End:     job.end,
				Rows:    job.sub.RowCount(),
				Columns: job.sub.ColumnNames(),
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	doc.Tiles = append(doc.Tiles, tiles...)
	doc.TotalRows += fr.RowCount()
	w.log.Debug("tiles written",
		zap.String("symbol", stream.String()),
		zap.Uint64("version", versionID),
		zap.Int("tiles", len(tiles)),
		zap.Int("rows", fr.RowCount()))
	return doc, nil
}

// putIndex persists the index segment and returns its key path
func (w *Writer) putIndex(ctx context.Context, stream keys.StreamID, versionID uint64, doc *IndexDoc) (string, error) {
	data, err := encodeIndexDoc(doc)
	if err != nil {
		return "", err
	}
	key := keys.AtomKey{
		Stream:      stream,
		Type:        keys.TableIndex,
		VersionID:   versionID,
		CreationTS:  time.Now().UnixNano(),
		ContentHash: codec.Hash(data),
	}
	if start, end, ok := doc.Bounds(); ok {
		key.Start, key.End = start, end
	}
	if err := w.backend.Put(ctx, key.Path(), data, true); err != nil {
		if !errors.IsType(err, errors.ErrorTypeConflict) {
			return "", err
		}
	}
	metrics.RecordSegmentWritten(keys.TableIndex.String())
	return key.Path(), nil
}

// previousKeys lists the head version's index and data keys for pruning
func (w *Writer) previousKeys(ctx context.Context, head *version.Head) ([]string, error) {
	if head.Node.IndexRoot == "" {
		return nil, nil
	}
	doc, err := LoadIndex(ctx, w.backend, head.Node.IndexRoot)
	if err != nil {
		return nil, err
	}
	return append([]string{head.Node.IndexRoot}, doc.DataKeys()...), nil
}

// LoadIndex fetches and decodes an index segment by key path
func LoadIndex(ctx context.Context, b storage.Backend, root string) (*IndexDoc, error) {
	data, err := b.Get(ctx, root)
	if err != nil {
		return nil, err
	}
	metrics.RecordSegmentRead(keys.TableIndex.String())
	return decodeIndexDoc(data)
}

// ReadTile fetches and decodes one data tile
func ReadTile(ctx context.Context, b storage.Backend, t Tile) (*frame.Frame, error) {
	data, err := b.Get(ctx, t.Key)
	if err != nil {
		return nil, err
	}
	seg, err := segment.Decode(data)
	if err != nil {
		return nil, err
	}
	metrics.RecordSegmentRead(keys.TableData.String())
	return seg.Frame, nil
}

// ExpandNode lists the data keys reachable from a version node, for the
// garbage collector's mark phase.
func ExpandNode(b storage.Backend) func(ctx context.Context, node *version.Node) ([]string, error) {
	return func(ctx context.Context, node *version.Node) ([]string, error) {
		if node.IndexRoot == "" {
			return nil, nil
		}
		doc, err := LoadIndex(ctx, b, node.IndexRoot)
		if err != nil {
			if errors.IsType(err, errors.ErrorTypeNotFound) {
				return nil, nil
			}
			return nil, err
		}
		return doc.DataKeys(), nil
	}
}

// unionFields keeps the existing declaration order and appends fields
// the older versions have not seen.
func unionFields(old, add []Field) []Field {
	out := append([]Field{}, old...)
	for _, f := range add {
		found := false
		for _, o := range out {
			if o.Name == f.Name {
				found = true
				break
			}
		}
		if !found {
			out = append(out, f)
		}
	}
	return out
}

// sameSchema checks an update frame against the symbol's recorded shape
func sameSchema(doc *IndexDoc, fr *frame.Frame) error {
	if doc.Index.DType != fr.Index.Type {
		return errors.Newf(errors.ErrorTypeUserInput,
			"update index type %s does not match symbol index type %s", fr.Index.Type, doc.Index.DType)
	}
	if len(fr.Columns) != len(doc.Fields) {
		return errors.New(errors.ErrorTypeUserInput, "update frame columns do not match symbol schema")
	}
	for _, f := range doc.Fields {
		c, ok := fr.Column(f.Name)
		if !ok || c.Type != f.DType {
			return errors.Newf(errors.ErrorTypeUserInput,
				"update frame column %q does not match symbol schema", f.Name)
		}
	}
	return nil
}

// RowSliceGroups clusters tiles that cover the same row slice, so the
// full-width slice can be reassembled before splicing. Tiles are keyed
// by their slice ordinal, never by bounds: duplicate index values can
// fill adjacent slices with identical bounds and row counts.
func RowSliceGroups(tiles []Tile) [][]Tile {
	var order []int
	groups := make(map[int][]Tile)
	for _, t := range tiles {
		if _, ok := groups[t.Seq]; !ok {
			order = append(order, t.Seq)
		}
		groups[t.Seq] = append(groups[t.Seq], t)
	}
	out := make([][]Tile, 0, len(order))
	for _, seq := range order {
		out = append(out, groups[seq])
	}
	return out
}

// nextSeq returns the first unused row slice ordinal
func nextSeq(tiles []Tile) int {
	next := 0
	for _, t := range tiles {
		if t.Seq >= next {
			next = t.Seq + 1
		}
	}
	return next
}

// readRowSlice loads every column tile of one row slice and joins them
func readRowSlice(ctx context.Context, b storage.Backend, tiles []Tile) (*frame.Frame, error) {
	first, err := ReadTile(ctx, b, tiles[0])
	if err != nil {
		return nil, err
	}
	cols := append([]*frame.Column{}, first.Columns...)
	for _, t := range tiles[1:] {
		fr, err := ReadTile(ctx, b, t)
		if err != nil {
			return nil, err
		}
		if fr.RowCount() != first.RowCount() {
			return nil, errors.New(errors.ErrorTypeCorrupt, "column tiles of one row slice differ in row count")
		}
		cols = append(cols, fr.Columns...)
	}
	return frame.New(first.Index, cols...)
}

// outsideRange keeps rows whose index falls outside [lo, hi]
func outsideRange(fr *frame.Frame, lo, hi keys.IndexValue) (*frame.Frame, error) {
	var keep []int
	for i := 0; i < fr.RowCount(); i++ {
		v := indexValueAt(fr.Index, i)
		if v.Less(lo) || hi.Less(v) {
			keep = append(keep, i)
		}
	}
	if len(keep) == fr.RowCount() {
		return fr, nil
	}
	if len(keep) == 0 {
		return nil, nil
	}
	return fr.Take(keep), nil
}

// stitch concatenates same-schema frames and re-sorts by index
func stitch(frames []*frame.Frame) (*frame.Frame, error) {
	if len(frames) == 1 {
		return frames[0], nil
	}
	base := frames[0]
	index := base.Index.Slice(0, base.Index.Len())
	cols := make([]*frame.Column, len(base.Columns))
	for i, c := range base.Columns {
		cols[i] = c.Slice(0, c.Len())
	}
	for _, fr := range frames[1:] {
		if err := index.AppendColumn(fr.Index); err != nil {
			return nil, err
		}
		for i, c := range cols {
			src, ok := fr.Column(c.Name)
			if !ok {
				return nil, errors.Newf(errors.ErrorTypeInternal, "spliced frame misses column %q", c.Name)
			}
			if err := cols[i].AppendColumn(src); err != nil {
				return nil, err
			}
		}
	}
	out, err := frame.New(index, cols...)
	if err != nil {
		return nil, err
	}
	return out.SortByIndex(), nil
}

// mergeTiles interleaves kept and fresh tiles in index order
func mergeTiles(kept, fresh []Tile) []Tile {
	out := append(append([]Tile{}, kept...), fresh...)
	// Insertion sort keeps it stable and the lists are near-sorted.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Start.Less(out[j-1].Start); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func recountRows(tiles []Tile) int {
	seen := make(map[int]bool, len(tiles))
	total := 0
	for _, t := range tiles {
		// Column siblings share their slice ordinal; count each row
		// slice once.
		if !seen[t.Seq] {
			seen[t.Seq] = true
			total += t.Rows
		}
	}
	return total
}
