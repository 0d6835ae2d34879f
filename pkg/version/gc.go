package version

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tundradb/tundra/pkg/errors"
	"github.com/tundradb/tundra/pkg/keys"
	"github.com/tundradb/tundra/pkg/metrics"
)

// ExpandFunc resolves the data keys referenced by one version's index
// segment. It is supplied by the layer that can decode index segments;
// the version index itself treats them as opaque.
type ExpandFunc func(ctx context.Context, node *Node) ([]string, error)

// GCResult summarises one garbage collection pass
type GCResult struct {
	Scanned   int
	Reachable int
	Deleted   int
	Retained  int
}

// GC runs one mark-sweep pass over the backend.
//
// Mark walks every version chain from its ref and every snapshot's pinned
// versions. Chain nodes are always reachable; index roots and data keys
// are reachable unless a node on the chain tombstones them, and snapshot
// pins re-mark their keys regardless of tombstones. Sweep deletes
// unmarked data, index and version keys whose creation timestamp is older
// than the grace interval.
//
// Only unreachable keys are candidates, so the pass is idempotent and
// safe under concurrent writers: a writer racing with GC either commits
// its ref (making its keys reachable to the next pass) or leaves orphans
// younger than the grace interval.
func (ix *Index) GC(ctx context.Context, expand ExpandFunc) (*GCResult, error) {
	marked := make(map[string]bool)

	if err := ix.markChains(ctx, marked, expand); err != nil {
		return nil, err
	}
	if err := ix.markSnapshots(ctx, marked, expand); err != nil {
		return nil, err
	}

	res := &GCResult{Reachable: len(marked)}
	cutoff := time.Now().Add(-ix.cfg.GCGracePeriod).UnixNano()

	for _, t := range []keys.KeyType{keys.TableData, keys.TableIndex, keys.Version} {
		var sweepErr error
		err := ix.backend.List(ctx, keys.TypePrefix(t), func(path string) bool {
			res.Scanned++
			if marked[path] {
				return true
			}
			key, err := keys.ParseAtomKey(path)
			if err != nil {
				// Foreign keys under our prefixes are left alone.
				ix.log.Warn("skipping unparseable key during gc sweep", zap.String("key", path))
				return true
			}
			if key.CreationTS >= cutoff {
				res.Retained++
				return true
			}
			if err := ix.backend.Delete(ctx, path); err != nil {
				sweepErr = err
				return false
			}
			res.Deleted++
			return true
		})
		if err != nil {
			return nil, err
		}
		if sweepErr != nil {
			return nil, sweepErr
		}
	}

	metrics.RecordGCDeleted(res.Deleted)
	ix.log.Info("garbage collection pass complete",
		zap.Int("scanned", res.Scanned),
		zap.Int("reachable", res.Reachable),
		zap.Int("deleted", res.Deleted),
		zap.Int("retained", res.Retained))
	return res, nil
}

// markChains walks every version chain reachable from a ref key
func (ix *Index) markChains(ctx context.Context, marked map[string]bool, expand ExpandFunc) error {
	var refs []string
	err := ix.backend.List(ctx, keys.TypePrefix(keys.VersionRef), func(path string) bool {
		refs = append(refs, path)
		return true
	})
	if err != nil {
		return err
	}

	for _, refPath := range refs {
		payload, err := ix.backend.Get(ctx, refPath)
		if errors.IsType(err, errors.ErrorTypeNotFound) {
			continue // ref deleted between list and get
		}
		if err != nil {
			return err
		}

		// First collect the chain and its tombstones, then mark: a node's
		// tombstones cover keys introduced by any earlier node.
		var chain []*Head
		tombstoned := make(map[string]bool)
		h, err := ix.loadNode(ctx, string(payload))
		for err == nil {
			chain = append(chain, h)
			for _, t := range h.Node.Tombstones {
				tombstoned[t] = true
			}
			if h.Node.Previous == "" {
				break
			}
			h, err = ix.loadNode(ctx, h.Node.Previous)
		}
		if err != nil {
			if errors.IsType(err, errors.ErrorTypeNotFound) {
				// A truncated chain still protects the nodes we reached.
				ix.log.Warn("version chain truncated during gc mark", zap.String("ref", refPath))
			} else {
				return err
			}
		}

		for _, h := range chain {
			if err := ix.markVersion(ctx, marked, tombstoned, h, expand); err != nil {
				return err
			}
		}
	}
	return nil
}

// markSnapshots re-marks every snapshot-pinned version, ignoring
// tombstones so a pinned version stays whole until the snapshot goes.
func (ix *Index) markSnapshots(ctx context.Context, marked map[string]bool, expand ExpandFunc) error {
	snaps, err := ix.ListSnapshots(ctx)
	if err != nil {
		return err
	}
	for _, snap := range snaps {
		marked[snap.keyPath] = true
		for _, versionPath := range snap.Versions {
			h, err := ix.loadNode(ctx, versionPath)
			if errors.IsType(err, errors.ErrorTypeNotFound) {
				ix.log.Warn("snapshot pins a missing version",
					zap.String("snapshot", snap.Name),
					zap.String("version", versionPath))
				continue
			}
			if err != nil {
				return err
			}
			if err := ix.markVersion(ctx, marked, nil, h, expand); err != nil {
				return err
			}
		}
	}
	return nil
}

func (ix *Index) markVersion(ctx context.Context, marked map[string]bool, tombstoned map[string]bool, h *Head, expand ExpandFunc) error {
	marked[h.Key.Path()] = true
	if h.Node.IndexRoot == "" {
		return nil
	}
	if !tombstoned[h.Node.IndexRoot] {
		marked[h.Node.IndexRoot] = true
	}
	if expand == nil {
		return nil
	}
	dataKeys, err := expand(ctx, h.Node)
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeNotFound) && tombstoned[h.Node.IndexRoot] {
			// The index segment itself was tombstoned and already collected.
			return nil
		}
		return err
	}
	for _, k := range dataKeys {
		if !tombstoned[k] {
			marked[k] = true
		}
	}
	return nil
}
