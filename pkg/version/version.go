// Package version maintains each symbol's linked chain of version nodes
// over the storage backend. The head of a chain is anchored by a version
// ref whose payload is advanced with compare-and-swap, so concurrent
// writers on one symbol serialise without coordination beyond the backend.
package version

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/tundradb/tundra/pkg/codec"
	"github.com/tundradb/tundra/pkg/config"
	"github.com/tundradb/tundra/pkg/errors"
	"github.com/tundradb/tundra/pkg/keys"
	"github.com/tundradb/tundra/pkg/logger"
	"github.com/tundradb/tundra/pkg/metrics"
	"github.com/tundradb/tundra/pkg/storage"
)

// Node is one record in a symbol's version chain. Nodes are immutable
// once written; deletion of the data they reference is expressed through
// tombstones carried by a later node.
type Node struct {
	// VersionID is monotone per symbol
	VersionID uint64 `json:"version_id"`
	// CreatedAt is the commit wall-clock time in nanoseconds
	CreatedAt int64 `json:"created_at"`
	// Previous is the atom key path of the prior version node, empty for
	// the first version
	Previous string `json:"previous,omitempty"`
	// IndexRoot is the atom key path of the index segment describing this
	// version's data keys
	IndexRoot string `json:"index_root,omitempty"`
	// Tombstones lists atom key paths this version logically deletes
	Tombstones []string `json:"tombstones,omitempty"`
	// Deleted marks the whole symbol as deleted at this version
	Deleted bool `json:"deleted,omitempty"`
}

// Head pairs a version node with the atom key it was persisted under
type Head struct {
	Key  keys.AtomKey
	Node *Node
}

// Index manages version chains for all symbols in one backend
type Index struct {
	backend    storage.Backend
	cfg        config.VersionConfig
	casRetries int
	log        *zap.Logger
	cache      *refCache
}

// NewIndex creates a version index over the backend
func NewIndex(backend storage.Backend, cfg config.VersionConfig, casRetries int, log *zap.Logger) *Index {
	if log == nil {
		log = logger.Get()
	}
	if casRetries <= 0 {
		casRetries = 10
	}
	return &Index{
		backend:    backend,
		cfg:        cfg,
		casRetries: casRetries,
		log:        log,
		cache:      newRefCache(cfg.RefCacheTTL),
	}
}

func refFor(stream keys.StreamID) keys.RefKey {
	return keys.RefKey{Stream: stream, Type: keys.VersionRef}
}

// loadRef fetches the ref payload directly from the backend. Returns a
// nil payload when the ref is absent.
func (ix *Index) loadRef(ctx context.Context, ref keys.RefKey) ([]byte, error) {
	data, err := ix.backend.Get(ctx, ref.Path())
	if errors.IsType(err, errors.ErrorTypeNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// loadNode fetches and decodes the version node at the given atom path
func (ix *Index) loadNode(ctx context.Context, path string) (*Head, error) {
	key, err := keys.ParseAtomKey(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeCorrupt, "version ref points at an unparseable key")
	}
	data, err := ix.backend.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	node := &Node{}
	if err := json.Unmarshal(data, node); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeCorrupt, "failed to decode version node")
	}
	return &Head{Key: key, Node: node}, nil
}

// head resolves the current chain head, optionally through the ref cache.
// Writers must pass cached=false so the CAS hash reflects live state.
func (ix *Index) head(ctx context.Context, stream keys.StreamID, cached bool) (*Head, []byte, error) {
	ref := refFor(stream)
	var (
		payload []byte
		err     error
	)
	if cached {
		payload, err = ix.cache.get(ctx, ref.Path(), func(ctx context.Context) ([]byte, error) {
			return ix.loadRef(ctx, ref)
		})
	} else {
		payload, err = ix.loadRef(ctx, ref)
	}
	if err != nil {
		return nil, nil, err
	}
	if payload == nil {
		return nil, nil, nil
	}
	h, err := ix.loadNode(ctx, string(payload))
	if err != nil {
		return nil, nil, err
	}
	return h, payload, nil
}

// Head returns the latest version of the symbol, or NotFound when the
// symbol does not exist or its head marks it deleted.
func (ix *Index) Head(ctx context.Context, stream keys.StreamID) (*Head, error) {
	h, _, err := ix.head(ctx, stream, true)
	if err != nil {
		return nil, err
	}
	if h == nil || h.Node.Deleted {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "symbol %s not found", stream)
	}
	return h, nil
}

// Resolve returns the requested version of the symbol, walking the chain
// from the head when an explicit version id is given.
func (ix *Index) Resolve(ctx context.Context, stream keys.StreamID, versionID *uint64) (*Head, error) {
	h, err := ix.Head(ctx, stream)
	if err != nil {
		return nil, err
	}
	if versionID == nil {
		return h, nil
	}
	for h != nil {
		if h.Node.VersionID == *versionID {
			if h.Node.Deleted {
				break
			}
			return h, nil
		}
		if h.Node.VersionID < *versionID || h.Node.Previous == "" {
			break
		}
		if h, err = ix.loadNode(ctx, h.Node.Previous); err != nil {
			return nil, err
		}
	}
	return nil, errors.Newf(errors.ErrorTypeNotFound, "symbol %s has no version %d", stream, *versionID)
}

// Commit appends a new version to the symbol's chain.
//
// The build callback receives the current head (nil for a new symbol) and
// returns the node to commit; its Previous pointer and VersionID are
// filled in here. On a lost replace race the callback is invoked again
// with the fresh head, which is where tombstone consistency against
// concurrent commits gets re-validated. After the retry budget the commit
// fails with a Conflict.
func (ix *Index) Commit(ctx context.Context, stream keys.StreamID, build func(head *Head) (*Node, error)) (*Head, error) {
	ref := refFor(stream)

	var lastErr error
	for attempt := 0; attempt < ix.casRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), errors.ErrorTypeCancelled, "commit cancelled")
		}

		head, payload, err := ix.head(ctx, stream, false)
		if err != nil {
			return nil, err
		}

		node, err := build(head)
		if err != nil {
			return nil, err
		}
		node.CreatedAt = time.Now().UnixNano()
		if head == nil {
			node.VersionID = 0
			node.Previous = ""
		} else {
			node.VersionID = head.Node.VersionID + 1
			node.Previous = head.Key.Path()
		}

		data, err := json.Marshal(node)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode version node")
		}
		nodeKey := keys.AtomKey{
			Stream:      stream,
			Type:        keys.Version,
			VersionID:   node.VersionID,
			CreationTS:  node.CreatedAt,
			ContentHash: codec.Hash(data),
		}
		if err := ix.backend.Put(ctx, nodeKey.Path(), data, true); err != nil {
			return nil, err
		}
		metrics.RecordSegmentWritten(keys.Version.String())

		var oldHash *uint64
		if payload != nil {
			h := codec.Hash(payload)
			oldHash = &h
		}
		err = ix.backend.AtomicReplace(ctx, ref.Path(), oldHash, []byte(nodeKey.Path()))
		if err == nil {
			ix.cache.put(ref.Path(), []byte(nodeKey.Path()))
			ix.log.Debug("committed version",
				zap.String("symbol", stream.String()),
				zap.Uint64("version", node.VersionID),
				zap.Int("attempt", attempt+1))
			return &Head{Key: nodeKey, Node: node}, nil
		}
		if !errors.IsType(err, errors.ErrorTypeConflict) {
			return nil, err
		}

		// The orphaned node stays content-addressed and is reclaimed by a
		// later GC pass.
		lastErr = err
		metrics.RecordCASRetry()
		ix.log.Debug("version ref race lost, retrying",
			zap.String("symbol", stream.String()),
			zap.Int("attempt", attempt+1))
	}
	return nil, errors.Wrap(lastErr, errors.ErrorTypeConflict, "version commit retry budget exhausted")
}

// Info summarises one version for listings
type Info struct {
	VersionID uint64
	CreatedAt int64
	Deleted   bool
	Key       keys.AtomKey
}

// ListVersions returns the symbol's versions, newest first. The listing
// walks the live chain, so it includes deleted markers but not orphans.
func (ix *Index) ListVersions(ctx context.Context, stream keys.StreamID) ([]Info, error) {
	h, _, err := ix.head(ctx, stream, true)
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "symbol %s not found", stream)
	}

	var out []Info
	for h != nil {
		out = append(out, Info{
			VersionID: h.Node.VersionID,
			CreatedAt: h.Node.CreatedAt,
			Deleted:   h.Node.Deleted,
			Key:       h.Key,
		})
		if h.Node.Previous == "" {
			break
		}
		if h, err = ix.loadNode(ctx, h.Node.Previous); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Delete commits a deletion marker for the symbol. Data keys become
// unreachable once no snapshot pins them and are reclaimed by GC.
func (ix *Index) Delete(ctx context.Context, stream keys.StreamID) error {
	_, err := ix.Commit(ctx, stream, func(head *Head) (*Node, error) {
		if head == nil || head.Node.Deleted {
			return nil, errors.Newf(errors.ErrorTypeNotFound, "symbol %s not found", stream)
		}
		tombs := []string{}
		if head.Node.IndexRoot != "" {
			tombs = append(tombs, head.Node.IndexRoot)
		}
		return &Node{Deleted: true, Tombstones: tombs}, nil
	})
	return err
}
