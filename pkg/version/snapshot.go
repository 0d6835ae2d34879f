package version

import (
	"context"
	"sort"
	"time"

	json "github.com/goccy/go-json"

	"github.com/tundradb/tundra/pkg/codec"
	"github.com/tundradb/tundra/pkg/errors"
	"github.com/tundradb/tundra/pkg/keys"
)

// Snapshot pins a set of symbol versions under a name. Pinned versions
// are GC roots, so their data survives later deletes until the snapshot
// itself is removed.
type Snapshot struct {
	Name      string `json:"name"`
	CreatedAt int64  `json:"created_at"`
	// Versions maps the rendered stream id to the version node's atom path
	Versions map[string]string `json:"versions"`

	keyPath string
}

// CreateSnapshot pins the current head of every named symbol. Snapshot
// names are unique; reusing a live name fails with a Conflict.
func (ix *Index) CreateSnapshot(ctx context.Context, name string, streams []keys.StreamID) (*Snapshot, error) {
	if name == "" {
		return nil, errors.New(errors.ErrorTypeUserInput, "snapshot name must not be empty")
	}
	if existing, err := ix.GetSnapshot(ctx, name); err == nil && existing != nil {
		return nil, errors.Newf(errors.ErrorTypeConflict, "snapshot %q already exists", name)
	} else if err != nil && !errors.IsType(err, errors.ErrorTypeNotFound) {
		return nil, err
	}

	snap := &Snapshot{
		Name:      name,
		CreatedAt: time.Now().UnixNano(),
		Versions:  make(map[string]string, len(streams)),
	}
	for _, stream := range streams {
		h, err := ix.Head(ctx, stream)
		if err != nil {
			return nil, err
		}
		snap.Versions[stream.String()] = h.Key.Path()
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode snapshot")
	}
	key := keys.AtomKey{
		Stream:      keys.StringStream(name),
		Type:        keys.Snapshot,
		CreationTS:  snap.CreatedAt,
		ContentHash: codec.Hash(data),
	}
	if err := ix.backend.Put(ctx, key.Path(), data, true); err != nil {
		return nil, err
	}
	snap.keyPath = key.Path()
	return snap, nil
}

// GetSnapshot loads a snapshot by name
func (ix *Index) GetSnapshot(ctx context.Context, name string) (*Snapshot, error) {
	prefix := keys.StreamPrefix(keys.Snapshot, keys.StringStream(name))
	var found string
	err := ix.backend.List(ctx, prefix, func(path string) bool {
		found = path
		return false
	})
	if err != nil {
		return nil, err
	}
	if found == "" {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "snapshot %q not found", name)
	}
	return ix.loadSnapshot(ctx, found)
}

func (ix *Index) loadSnapshot(ctx context.Context, path string) (*Snapshot, error) {
	data, err := ix.backend.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{}
	if err := json.Unmarshal(data, snap); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeCorrupt, "failed to decode snapshot")
	}
	snap.keyPath = path
	return snap, nil
}

// ListSnapshots returns every snapshot, sorted by name
func (ix *Index) ListSnapshots(ctx context.Context) ([]*Snapshot, error) {
	var paths []string
	err := ix.backend.List(ctx, keys.TypePrefix(keys.Snapshot), func(path string) bool {
		paths = append(paths, path)
		return true
	})
	if err != nil {
		return nil, err
	}

	out := make([]*Snapshot, 0, len(paths))
	for _, path := range paths {
		snap, err := ix.loadSnapshot(ctx, path)
		if errors.IsType(err, errors.ErrorTypeNotFound) {
			continue // deleted between list and get
		}
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// DeleteSnapshot removes a snapshot; its pinned versions lose GC
// protection on the next pass.
func (ix *Index) DeleteSnapshot(ctx context.Context, name string) error {
	snap, err := ix.GetSnapshot(ctx, name)
	if err != nil {
		return err
	}
	return ix.backend.Delete(ctx, snap.keyPath)
}
