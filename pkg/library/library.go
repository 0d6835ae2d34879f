// Package library is the top-level API of the engine: symbol reads and
// writes, version listings, snapshots, the symbol list and garbage
// collection, wired over one configured backend.
package library

import (
	"context"

	"go.uber.org/zap"

	"github.com/tundradb/tundra/pkg/config"
	"github.com/tundradb/tundra/pkg/errors"
	"github.com/tundradb/tundra/pkg/frame"
	"github.com/tundradb/tundra/pkg/keys"
	"github.com/tundradb/tundra/pkg/logger"
	"github.com/tundradb/tundra/pkg/query"
	"github.com/tundradb/tundra/pkg/storage"
	"github.com/tundradb/tundra/pkg/version"
	"github.com/tundradb/tundra/pkg/write"
)

// Library binds a backend, version index, writer and reader into the
// engine's public surface. One Library serves many symbols.
type Library struct {
	cfg      *config.Config
	backend  storage.Backend
	versions *version.Index
	writer   *write.Writer
	reader   *query.Reader
	log      *zap.Logger
}

// Open connects the configured backend and assembles the engine
func Open(ctx context.Context, cfg *config.Config) (*Library, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := logger.Get().Named("library")

	backend, err := storage.Open(ctx, cfg.Backend, log)
	if err != nil {
		return nil, err
	}
	versions := version.NewIndex(backend, cfg.Version, cfg.Write.CASRetries, log)
	return &Library{
		cfg:      cfg,
		backend:  backend,
		versions: versions,
		writer:   write.NewWriter(backend, versions, cfg.Write, log),
		reader:   query.NewReader(backend, versions, cfg.Read, log),
		log:      log,
	}, nil
}

// NewWith assembles a library over an already-open backend, for tests
// and embedders that manage the backend themselves.
func NewWith(backend storage.Backend, cfg *config.Config) *Library {
	if cfg == nil {
		cfg = config.Default()
	}
	log := logger.Get().Named("library")
	versions := version.NewIndex(backend, cfg.Version, cfg.Write.CASRetries, log)
	return &Library{
		cfg:      cfg,
		backend:  backend,
		versions: versions,
		writer:   write.NewWriter(backend, versions, cfg.Write, log),
		reader:   query.NewReader(backend, versions, cfg.Read, log),
		log:      log,
	}
}

// Close releases the backend
func (l *Library) Close() error {
	return l.backend.Close()
}

// Backend exposes the underlying storage, for tooling
func (l *Library) Backend() storage.Backend { return l.backend }

// Versions exposes the version index, for tooling
func (l *Library) Versions() *version.Index { return l.versions }

// WriteOptions tunes a write call
type WriteOptions struct {
	// Prune tombstones all earlier versions of the symbol
	Prune bool
}

// Write stores the frame as a full new version of the symbol
func (l *Library) Write(ctx context.Context, symbol string, fr *frame.Frame, opts WriteOptions) (*version.Head, error) {
	stream := keys.StringStream(symbol)
	head, err := l.writer.Write(ctx, stream, fr, write.Options{Prune: opts.Prune})
	if err != nil {
		return nil, err
	}
	if err := l.versions.RecordSymbol(ctx, stream); err != nil {
		l.log.Warn("symbol journal append failed", zap.String("symbol", symbol), zap.Error(err))
	}
	return head, nil
}

// Append stores the frame as new rows after the symbol's existing index
// range, creating the symbol when absent.
func (l *Library) Append(ctx context.Context, symbol string, fr *frame.Frame, opts WriteOptions) (*version.Head, error) {
	stream := keys.StringStream(symbol)
	head, err := l.writer.Append(ctx, stream, fr, write.Options{Prune: opts.Prune})
	if err != nil {
		return nil, err
	}
	if head.Node.VersionID == 0 {
		if err := l.versions.RecordSymbol(ctx, stream); err != nil {
			l.log.Warn("symbol journal append failed", zap.String("symbol", symbol), zap.Error(err))
		}
	}
	return head, nil
}

// Update splices the frame into the symbol over the frame's index range
func (l *Library) Update(ctx context.Context, symbol string, fr *frame.Frame) (*version.Head, error) {
	return l.writer.Update(ctx, keys.StringStream(symbol), fr)
}

// Read executes a query against the symbol
func (l *Library) Read(ctx context.Context, symbol string, q query.Query) (*frame.Frame, error) {
	q.Symbol = keys.StringStream(symbol)
	return l.reader.Read(ctx, q)
}

// Head returns the first n rows of the symbol's latest version
func (l *Library) Head(ctx context.Context, symbol string, n int) (*frame.Frame, error) {
	return l.Read(ctx, symbol, query.Query{Head: &n})
}

// Tail returns the last n rows of the symbol's latest version
func (l *Library) Tail(ctx context.Context, symbol string, n int) (*frame.Frame, error) {
	return l.Read(ctx, symbol, query.Query{Tail: &n})
}

// BatchResult is one symbol's outcome of a batch read
type BatchResult struct {
	Symbol string
	Frame  *frame.Frame
	Err    error
}

// ReadBatch reads many symbols, collecting per-symbol failures instead
// of aborting the batch.
func (l *Library) ReadBatch(ctx context.Context, reqs map[string]query.Query) []BatchResult {
	out := make([]BatchResult, 0, len(reqs))
	for symbol, q := range reqs {
		fr, err := l.Read(ctx, symbol, q)
		out = append(out, BatchResult{Symbol: symbol, Frame: fr, Err: err})
	}
	return out
}

// Delete marks the symbol deleted; its data is reclaimed by GC once no
// snapshot pins it.
func (l *Library) Delete(ctx context.Context, symbol string) error {
	stream := keys.StringStream(symbol)
	if err := l.versions.Delete(ctx, stream); err != nil {
		return err
	}
	if err := l.versions.RecordSymbolDeleted(ctx, stream); err != nil {
		l.log.Warn("symbol journal append failed", zap.String("symbol", symbol), zap.Error(err))
	}
	return nil
}

// ListSymbols returns the live symbol names, sorted
func (l *Library) ListSymbols(ctx context.Context) ([]string, error) {
	streams, err := l.versions.ListSymbols(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(streams))
	for _, s := range streams {
		if s.Numeric {
			out = append(out, s.String())
			continue
		}
		out = append(out, s.Str)
	}
	return out, nil
}

// ListVersions returns the symbol's versions, newest first
func (l *Library) ListVersions(ctx context.Context, symbol string) ([]version.Info, error) {
	return l.versions.ListVersions(ctx, keys.StringStream(symbol))
}

// Snapshot pins the latest version of the given symbols (all live
// symbols when none are named) under the snapshot name.
func (l *Library) Snapshot(ctx context.Context, name string, symbols ...string) (*version.Snapshot, error) {
	var streams []keys.StreamID
	if len(symbols) == 0 {
		all, err := l.versions.ListSymbols(ctx)
		if err != nil {
			return nil, err
		}
		streams = all
	} else {
		for _, s := range symbols {
			streams = append(streams, keys.StringStream(s))
		}
	}
	if len(streams) == 0 {
		return nil, errors.New(errors.ErrorTypeUserInput, "snapshot of zero symbols")
	}
	return l.versions.CreateSnapshot(ctx, name, streams)
}

// ListSnapshots returns every snapshot, sorted by name
func (l *Library) ListSnapshots(ctx context.Context) ([]*version.Snapshot, error) {
	return l.versions.ListSnapshots(ctx)
}

// DeleteSnapshot removes the named snapshot, unpinning its versions
func (l *Library) DeleteSnapshot(ctx context.Context, name string) error {
	return l.versions.DeleteSnapshot(ctx, name)
}

// GC walks every version chain and snapshot, then deletes unreachable
// keys older than the configured grace period.
func (l *Library) GC(ctx context.Context) (*version.GCResult, error) {
	return l.versions.GC(ctx, write.ExpandNode(l.backend))
}

// CompactSymbolJournal folds superseded journal entries, returning how
// many were removed.
func (l *Library) CompactSymbolJournal(ctx context.Context) (int, error) {
	return l.versions.CompactJournal(ctx)
}
