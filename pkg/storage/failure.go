package storage

import (
	"context"
	"math/rand"
	"os"
	"strconv"

	"github.com/tundradb/tundra/pkg/config"
	"github.com/tundradb/tundra/pkg/errors"
)

// failureBackend injects transient faults into a fraction of calls, for
// exercising the retry and conflict paths against any real backend. The
// probabilities come from TUNDRA_FAIL_READ, TUNDRA_FAIL_WRITE and
// TUNDRA_FAIL_DELETE, each a float in [0,1].
type failureBackend struct {
	Backend
	readP   float64
	writeP  float64
	deleteP float64
}

// WithFailureSimulation wraps b with fault injection when any of the
// failure env knobs is set. Without them b is returned unchanged.
func WithFailureSimulation(b Backend) Backend {
	readP := failureRate(config.EnvFailRead)
	writeP := failureRate(config.EnvFailWrite)
	deleteP := failureRate(config.EnvFailDelete)
	if readP == 0 && writeP == 0 && deleteP == 0 {
		return b
	}
	return &failureBackend{Backend: b, readP: readP, writeP: writeP, deleteP: deleteP}
}

func failureRate(env string) float64 {
	v := os.Getenv(env)
	if v == "" {
		return 0
	}
	p, err := strconv.ParseFloat(v, 64)
	if err != nil || p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

func (f *failureBackend) trip(p float64, op string) error {
	if p > 0 && rand.Float64() < p {
		return errors.Newf(errors.ErrorTypeTransient, "simulated %s failure", op)
	}
	return nil
}

func (f *failureBackend) Put(ctx context.Context, key string, data []byte, ifAbsent bool) error {
	if err := f.trip(f.writeP, "write"); err != nil {
		return err
	}
	return f.Backend.Put(ctx, key, data, ifAbsent)
}

func (f *failureBackend) Get(ctx context.Context, key string) ([]byte, error) {
	if err := f.trip(f.readP, "read"); err != nil {
		return nil, err
	}
	return f.Backend.Get(ctx, key)
}

func (f *failureBackend) Exists(ctx context.Context, key string) (bool, error) {
	if err := f.trip(f.readP, "read"); err != nil {
		return false, err
	}
	return f.Backend.Exists(ctx, key)
}

func (f *failureBackend) Delete(ctx context.Context, key string) error {
	if err := f.trip(f.deleteP, "delete"); err != nil {
		return err
	}
	return f.Backend.Delete(ctx, key)
}

func (f *failureBackend) List(ctx context.Context, prefix string, fn func(string) bool) error {
	if err := f.trip(f.readP, "list"); err != nil {
		return err
	}
	return f.Backend.List(ctx, prefix, fn)
}

func (f *failureBackend) AtomicReplace(ctx context.Context, key string, oldHash *uint64, data []byte) error {
	if err := f.trip(f.writeP, "write"); err != nil {
		return err
	}
	return f.Backend.AtomicReplace(ctx, key, oldHash, data)
}
