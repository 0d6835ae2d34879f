package storage

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/tundradb/tundra/pkg/codec"
	"github.com/tundradb/tundra/pkg/errors"
)

// Filesystem stores each key as a file under a root directory. Key path
// segments are already escaped by the key model, so they map directly to
// directory components. Writes go through a temp file and rename, so a
// reader never observes partial bytes. Ref CAS is serialised by an
// in-process mutex per key; concurrent writers from separate processes
// need one of the object-store backends.
type Filesystem struct {
	root string

	refMu sync.Mutex
	refs  map[string]*sync.Mutex
}

// NewFilesystem creates the backend, making the root directory if needed
func NewFilesystem(root string) (*Filesystem, error) {
	if root == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "filesystem backend requires a root path")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to create storage root")
	}
	return &Filesystem{root: root, refs: make(map[string]*sync.Mutex)}, nil
}

// Name implements Backend
func (f *Filesystem) Name() string { return "fs" }

func (f *Filesystem) path(key string) string {
	return filepath.Join(f.root, filepath.FromSlash(key))
}

func (f *Filesystem) writeTemp(dir string, data []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeTransient, "failed to create key directory")
	}
	tmp := filepath.Join(dir, ".tmp-"+uuid.NewString())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeTransient, "failed to write temp file")
	}
	return tmp, nil
}

// Put implements Backend
func (f *Filesystem) Put(_ context.Context, key string, data []byte, ifAbsent bool) error {
	target := f.path(key)
	tmp, err := f.writeTemp(filepath.Dir(target), data)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	if ifAbsent {
		// link fails with EEXIST when the target is present, which is
		// the once-only guarantee atom keys need.
		if err := os.Link(tmp, target); err != nil {
			if os.IsExist(err) {
				return alreadyExists(key)
			}
			return errors.Wrap(err, errors.ErrorTypeTransient, "failed to link key file")
		}
		return nil
	}
	if err := os.Rename(tmp, target); err != nil {
		return errors.Wrap(err, errors.ErrorTypeTransient, "failed to rename key file")
	}
	return nil
}

// Get implements Backend
func (f *Filesystem) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(f.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, notFound(key)
		}
		return nil, errors.Wrap(err, errors.ErrorTypeTransient, "failed to read key file")
	}
	return data, nil
}

// Exists implements Backend
func (f *Filesystem) Exists(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(f.path(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, errors.Wrap(err, errors.ErrorTypeTransient, "failed to stat key file")
}

// Delete implements Backend
func (f *Filesystem) Delete(_ context.Context, key string) error {
	if err := os.Remove(f.path(key)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, errors.ErrorTypeTransient, "failed to delete key file")
	}
	return nil
}

// List implements Backend
func (f *Filesystem) List(_ context.Context, prefix string, fn func(string) bool) error {
	stop := errors.New(errors.ErrorTypeInternal, "stop walking")
	err := filepath.WalkDir(f.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(f.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		if !fn(key) {
			return stop
		}
		return nil
	})
	if err == stop { //nolint:errorlint // sentinel identity check
		return nil
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeTransient, "failed to walk storage root")
	}
	return nil
}

func (f *Filesystem) refLock(key string) *sync.Mutex {
	f.refMu.Lock()
	defer f.refMu.Unlock()
	mu, ok := f.refs[key]
	if !ok {
		mu = &sync.Mutex{}
		f.refs[key] = mu
	}
	return mu
}

// AtomicReplace implements Backend
func (f *Filesystem) AtomicReplace(ctx context.Context, key string, oldHash *uint64, data []byte) error {
	mu := f.refLock(key)
	mu.Lock()
	defer mu.Unlock()

	current, err := f.Get(ctx, key)
	exists := err == nil
	if err != nil && !errors.IsType(err, errors.ErrorTypeNotFound) {
		return err
	}

	if oldHash == nil {
		if exists {
			return lostRace(key)
		}
	} else {
		if !exists || codec.Hash(current) != *oldHash {
			return lostRace(key)
		}
	}
	return f.Put(ctx, key, data, false)
}

// Close implements Backend
func (f *Filesystem) Close() error { return nil }
