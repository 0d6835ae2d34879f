// Package storage provides the uniform key-to-bytes interface the engine
// runs against, with pluggable backends: in-memory, local filesystem, an
// embedded B-tree (bolt), S3, Azure Blob and a Mongo document store.
//
// Backends must honour three guarantees the version index depends on:
// atom-key puts are once-only (if-absent or observed-existence-is-fatal),
// gets return exactly the bytes last successfully put, and AtomicReplace
// on ref keys is linearizable with respect to other AtomicReplace calls on
// the same key. Listings may be stale; callers are written to tolerate it.
package storage

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/tundradb/tundra/pkg/config"
	"github.com/tundradb/tundra/pkg/errors"
	"github.com/tundradb/tundra/pkg/logger"
)

// Backend is the storage adapter contract. Keys are the textual forms
// produced by the keys package.
type Backend interface {
	// Name identifies the backend kind in logs and metrics
	Name() string

	// Put stores data under key. With ifAbsent set the write fails with
	// a conflict error when the key already exists; backends without a
	// native conditional treat observed existence as fatal.
	Put(ctx context.Context, key string, data []byte, ifAbsent bool) error

	// Get returns the bytes last successfully put for key, or a
	// not-found error. Partial reads are never returned.
	Get(ctx context.Context, key string) ([]byte, error)

	// Exists reports whether key is present
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes key; deleting an absent key is not an error
	Delete(ctx context.Context, key string) error

	// List invokes fn for each key with the given prefix until fn
	// returns false. Results may be eventually consistent.
	List(ctx context.Context, prefix string, fn func(key string) bool) error

	// AtomicReplace swaps the payload of a ref key. oldHash is the
	// expected hash of the current payload, or nil when the key is
	// expected to be absent. A lost race returns a conflict error.
	AtomicReplace(ctx context.Context, key string, oldHash *uint64, data []byte) error

	// Close releases backend resources
	Close() error
}

// Open constructs the backend selected by cfg, wrapped with retry,
// concurrency limiting and (if enabled) failure simulation.
func Open(ctx context.Context, cfg config.BackendConfig, log *zap.Logger) (Backend, error) {
	if log == nil {
		log = logger.Get()
	}

	var (
		inner Backend
		err   error
	)
	switch cfg.Kind {
	case "memory":
		inner = NewMemory()
	case "fs":
		inner, err = NewFilesystem(cfg.Root)
	case "bolt":
		inner, err = NewBolt(cfg.Root)
	case "s3":
		inner, err = NewS3(ctx, cfg)
	case "azure":
		inner, err = NewAzure(cfg)
	case "mongo":
		inner, err = NewMongo(ctx, cfg)
	default:
		err = errors.Newf(errors.ErrorTypeConfig, "unknown backend kind %q", cfg.Kind)
	}
	if err != nil {
		return nil, err
	}

	log.Info("opened storage backend",
		zap.String("kind", inner.Name()),
		zap.Int("pool_size", cfg.PoolSize))

	b := WithFailureSimulation(inner)
	b = WithRetry(b, cfg.RetryBudget, cfg.RetryBaseDelay)
	return WithConcurrencyLimit(b, cfg.PoolSize), nil
}

// retryBackend retries transient failures with exponential backoff
type retryBackend struct {
	Backend
	budget    int
	baseDelay time.Duration
}

// WithRetry wraps b so that transient errors are retried up to budget
// times with jittered exponential backoff. Other error kinds pass through
// untouched; cancellation is checked before each attempt.
func WithRetry(b Backend, budget int, baseDelay time.Duration) Backend {
	if budget <= 0 {
		budget = 1
	}
	if baseDelay <= 0 {
		baseDelay = 50 * time.Millisecond
	}
	return &retryBackend{Backend: b, budget: budget, baseDelay: baseDelay}
}

func (r *retryBackend) do(ctx context.Context, op func() error) error {
	var err error
	delay := r.baseDelay
	for attempt := 0; attempt < r.budget; attempt++ {
		if ctx.Err() != nil {
			return errors.Wrap(ctx.Err(), errors.ErrorTypeCancelled, "storage call cancelled")
		}
		if err = op(); err == nil || !errors.IsRetryable(err) {
			return err
		}
		jitter := time.Duration(rand.Int63n(int64(delay)/2 + 1))
		select {
		case <-time.After(delay + jitter):
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), errors.ErrorTypeCancelled, "storage call cancelled")
		}
		delay *= 2
	}
	return errors.Wrap(err, errors.ErrorTypeTransient, "retry budget exhausted")
}

func (r *retryBackend) Put(ctx context.Context, key string, data []byte, ifAbsent bool) error {
	return r.do(ctx, func() error { return r.Backend.Put(ctx, key, data, ifAbsent) })
}

func (r *retryBackend) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := r.do(ctx, func() error {
		var err error
		out, err = r.Backend.Get(ctx, key)
		return err
	})
	return out, err
}

func (r *retryBackend) Exists(ctx context.Context, key string) (bool, error) {
	var out bool
	err := r.do(ctx, func() error {
		var err error
		out, err = r.Backend.Exists(ctx, key)
		return err
	})
	return out, err
}

func (r *retryBackend) Delete(ctx context.Context, key string) error {
	return r.do(ctx, func() error { return r.Backend.Delete(ctx, key) })
}

func (r *retryBackend) List(ctx context.Context, prefix string, fn func(string) bool) error {
	// A walk that failed mid-stream is restarted from the top, so fn may
	// see keys again; listings are already documented as best-effort.
	return r.do(ctx, func() error { return r.Backend.List(ctx, prefix, fn) })
}

func (r *retryBackend) AtomicReplace(ctx context.Context, key string, oldHash *uint64, data []byte) error {
	// Conflict is a legitimate outcome here, not a transient fault, so
	// only transport errors are retried.
	return r.do(ctx, func() error { return r.Backend.AtomicReplace(ctx, key, oldHash, data) })
}

// limitBackend bounds concurrent backend calls with a semaphore, standing
// in for a fixed-size connection pool.
type limitBackend struct {
	Backend
	sem chan struct{}
}

// WithConcurrencyLimit bounds in-flight calls to b
func WithConcurrencyLimit(b Backend, n int) Backend {
	if n <= 0 {
		n = 8
	}
	return &limitBackend{Backend: b, sem: make(chan struct{}, n)}
}

func (l *limitBackend) acquire(ctx context.Context) error {
	select {
	case l.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.ErrorTypeCancelled, "waiting for storage slot")
	}
}

func (l *limitBackend) release() { <-l.sem }

func (l *limitBackend) Put(ctx context.Context, key string, data []byte, ifAbsent bool) error {
	if err := l.acquire(ctx); err != nil {
		return err
	}
	defer l.release()
	return l.Backend.Put(ctx, key, data, ifAbsent)
}

func (l *limitBackend) Get(ctx context.Context, key string) ([]byte, error) {
	if err := l.acquire(ctx); err != nil {
		return nil, err
	}
	defer l.release()
	return l.Backend.Get(ctx, key)
}

func (l *limitBackend) Exists(ctx context.Context, key string) (bool, error) {
	if err := l.acquire(ctx); err != nil {
		return false, err
	}
	defer l.release()
	return l.Backend.Exists(ctx, key)
}

func (l *limitBackend) Delete(ctx context.Context, key string) error {
	if err := l.acquire(ctx); err != nil {
		return err
	}
	defer l.release()
	return l.Backend.Delete(ctx, key)
}

func (l *limitBackend) List(ctx context.Context, prefix string, fn func(string) bool) error {
	if err := l.acquire(ctx); err != nil {
		return err
	}
	defer l.release()
	return l.Backend.List(ctx, prefix, fn)
}

func (l *limitBackend) AtomicReplace(ctx context.Context, key string, oldHash *uint64, data []byte) error {
	if err := l.acquire(ctx); err != nil {
		return err
	}
	defer l.release()
	return l.Backend.AtomicReplace(ctx, key, oldHash, data)
}

// notFound builds the canonical missing-key error
func notFound(key string) error {
	return errors.Newf(errors.ErrorTypeNotFound, "key %q not found", key)
}

// alreadyExists builds the canonical once-only violation error
func alreadyExists(key string) error {
	return errors.Newf(errors.ErrorTypeConflict, "key %q already exists", key)
}

// lostRace builds the canonical CAS failure error
func lostRace(key string) error {
	return errors.Newf(errors.ErrorTypeConflict, "lost atomic replace race on %q", key)
}
